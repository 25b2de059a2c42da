package biz

import (
	"context"
	"fmt"
	"time"

	"github.com/YannisKiefer/control-center/internal/conf"
	"github.com/YannisKiefer/control-center/internal/data"
	"github.com/YannisKiefer/control-center/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

// Assignment reasons recorded on mappings.
const (
	ReasonInitialAssignment = "initial_assignment"
	ReasonFailover          = "failover"
	ReasonRebalance         = "rebalance"
	ReasonMaintenance       = "maintenance_evacuation"
)

// phaseOrder drives AdvancePhase; each phase carries its daily action limit.
var phaseOrder = []struct {
	Phase data.AccountPhase
	Limit int32
}{
	{data.PhaseWarmup, 10},
	{data.PhaseSoft, 20},
	{data.PhaseGrowth, 50},
	{data.PhaseFull, 100},
}

// BulkCreateReport aggregates a bulk account creation run.
type BulkCreateReport struct {
	Created []int64           `json:"created"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// ProxyMappingSummary is the per-proxy slice of a validation sweep,
// comparing the slot counter against what is actually live.
type ProxyMappingSummary struct {
	ProxyID        int64 `json:"proxy_id"`
	MaxAccounts    int32 `json:"max_accounts"`
	Assigned       int32 `json:"assigned"`
	LiveAccounts   int64 `json:"live_accounts"`
	ActiveMappings int64 `json:"active_mappings"`
	OverCapacity   bool  `json:"over_capacity"`
}

// MappingValidationReport is the outcome of a mapping consistency sweep.
type MappingValidationReport struct {
	Checked int                   `json:"checked"`
	Valid   int                   `json:"valid"`
	Issues  []string              `json:"issues,omitempty"`
	Proxies []ProxyMappingSummary `json:"proxies"`
}

// RebalanceReport summarizes a rebalancing pass.
type RebalanceReport struct {
	Moved   int      `json:"moved"`
	Failed  int      `json:"failed"`
	Details []string `json:"details,omitempty"`
}

// AllocationUsecase implements capacity-constrained account placement.
// Every placement change reserves the target slot before touching the
// account, so assigned_accounts never exceeds max_accounts even under
// concurrent creation.
type AllocationUsecase struct {
	proxies  data.ProxyRepo
	accounts data.AccountRepo
	mappings data.MappingRepo
	events   EventPublisher
	cfg      *conf.Fleet
	logger   *log.Helper
}

// NewAllocationUsecase creates a new allocation usecase.
func NewAllocationUsecase(
	proxies data.ProxyRepo,
	accounts data.AccountRepo,
	mappings data.MappingRepo,
	events EventPublisher,
	cfg *conf.Fleet,
	logger log.Logger,
) *AllocationUsecase {
	return &AllocationUsecase{
		proxies:  proxies,
		accounts: accounts,
		mappings: mappings,
		events:   events,
		cfg:      cfg,
		logger:   log.NewHelper(logger),
	}
}

// RegisterProxy adds a proxy to the fleet with the configured capacity.
func (uc *AllocationUsecase) RegisterProxy(ctx context.Context, proxy *data.Proxy) error {
	if proxy.Host == "" || proxy.Port <= 0 {
		return ErrValidationFailure("proxy requires host and port, got %q:%d", proxy.Host, proxy.Port)
	}
	if proxy.Protocol == "" {
		proxy.Protocol = "socks5"
	}
	if proxy.MaxAccounts <= 0 {
		proxy.MaxAccounts = uc.cfg.MaxAccountsPerProxy
	}

	return uc.proxies.CreateProxy(ctx, proxy)
}

// FindAvailableProxy returns an active proxy with spare capacity.
func (uc *AllocationUsecase) FindAvailableProxy(ctx context.Context) (*data.Proxy, error) {
	proxy, err := uc.proxies.SelectAvailableProxy(ctx, nil)
	if err != nil {
		return nil, err
	}
	if proxy == nil {
		return nil, ErrCapacityExhausted("no proxy has spare capacity")
	}
	return proxy, nil
}

// CreateAccount creates an account and binds it to a proxy with spare
// capacity. The operation is all-or-nothing: any failure after the slot
// reservation releases the slot and removes the partial account.
func (uc *AllocationUsecase) CreateAccount(ctx context.Context, handle string) (*data.Account, error) {
	if handle == "" {
		return nil, ErrValidationFailure("account handle must not be empty")
	}

	proxy, err := uc.reserveAnySlot(ctx)
	if err != nil {
		return nil, err
	}

	account := &data.Account{
		Handle:           handle,
		ProxyID:          &proxy.ID,
		Status:           data.AccountStatusActive,
		Phase:            data.PhaseWarmup,
		DailyActionLimit: phaseOrder[0].Limit,
		HealthScore:      100,
	}

	if err := uc.accounts.CreateAccount(ctx, account); err != nil {
		uc.compensateSlot(ctx, proxy.ID)
		return nil, err
	}

	mapping := &data.Mapping{
		AccountID: account.ID,
		ProxyID:   proxy.ID,
		Reason:    ReasonInitialAssignment,
	}
	if err := uc.mappings.CreateMapping(ctx, mapping); err != nil {
		// Roll back the half-created account so no account exists
		// without an active mapping.
		if delErr := uc.accounts.DeleteAccount(ctx, account.ID); delErr != nil {
			uc.logger.Errorw("msg", "failed to roll back account after mapping failure",
				"account_id", account.ID,
				"error", delErr)
		}
		uc.compensateSlot(ctx, proxy.ID)
		return nil, err
	}

	if err := uc.events.Publish(ctx, model.AccountCreatedEvent{
		AccountID: account.ID,
		ProxyID:   proxy.ID,
		Handle:    account.Handle,
		CreatedAt: time.Now(),
	}); err != nil {
		uc.logger.Warnw("msg", "failed to publish account created event",
			"account_id", account.ID,
			"error", err)
	}

	uc.logger.Infow("msg", "account allocated",
		"account_id", account.ID,
		"handle", handle,
		"proxy_id", proxy.ID)
	return account, nil
}

// BulkCreateAccounts creates several accounts, continuing past individual
// failures and aggregating the outcome.
func (uc *AllocationUsecase) BulkCreateAccounts(ctx context.Context, handles []string) (*BulkCreateReport, error) {
	if len(handles) == 0 {
		return nil, ErrValidationFailure("no account handles given")
	}

	report := &BulkCreateReport{
		Failed: make(map[string]string),
	}

	for _, handle := range handles {
		account, err := uc.CreateAccount(ctx, handle)
		if err != nil {
			report.Failed[handle] = err.Error()
			continue
		}
		report.Created = append(report.Created, account.ID)
	}

	uc.logger.Infow("msg", "bulk account creation finished",
		"requested", len(handles),
		"created", len(report.Created),
		"failed", len(report.Failed))
	return report, nil
}

// MoveAccount reassigns an account to a proxy with spare capacity,
// excluding its current one. The target slot is reserved before the
// account is repointed; the old slot is released last.
func (uc *AllocationUsecase) MoveAccount(ctx context.Context, accountID int64, reason string) (*data.Proxy, error) {
	account, err := uc.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, ErrNotFound("account %d not found", accountID)
	}

	var exclude []int64
	if account.ProxyID != nil {
		exclude = append(exclude, *account.ProxyID)
	}

	target, err := uc.reserveSlotExcluding(ctx, exclude)
	if err != nil {
		return nil, err
	}

	return uc.commitMove(ctx, account, target, reason)
}

// MoveAccountTo reassigns an account to one named proxy. The target
// must be active with spare capacity; a full target fails the move
// before any state changes.
func (uc *AllocationUsecase) MoveAccountTo(ctx context.Context, accountID, targetProxyID int64, reason string) (*data.Proxy, error) {
	account, err := uc.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, ErrNotFound("account %d not found", accountID)
	}
	if account.ProxyID != nil && *account.ProxyID == targetProxyID {
		return nil, ErrValidationFailure("account %d is already on proxy %d", accountID, targetProxyID)
	}

	target, err := uc.proxies.GetProxy(ctx, targetProxyID)
	if err != nil {
		return nil, ErrNotFound("proxy %d not found", targetProxyID)
	}
	if target.Status != data.ProxyStatusActive {
		return nil, ErrValidationFailure("proxy %d is %s, not active", targetProxyID, target.Status)
	}

	ok, err := uc.proxies.ReserveSlot(ctx, targetProxyID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrCapacityExhausted("proxy %d is at capacity", targetProxyID)
	}

	return uc.commitMove(ctx, account, target, reason)
}

// commitMove repoints an account at a target whose slot the caller has
// already reserved, rewrites the mapping trail and releases the old
// slot last.
func (uc *AllocationUsecase) commitMove(ctx context.Context, account *data.Account, target *data.Proxy, reason string) (*data.Proxy, error) {
	var previousProxyID *int64
	if account.ProxyID != nil {
		prev := *account.ProxyID
		previousProxyID = &prev
	}

	if err := uc.accounts.UpdateAccountProxy(ctx, account.ID, target.ID); err != nil {
		uc.compensateSlot(ctx, target.ID)
		return nil, err
	}

	if _, err := uc.mappings.DeactivateActive(ctx, account.ID); err != nil {
		uc.logger.Errorw("msg", "failed to deactivate old mappings",
			"account_id", account.ID,
			"error", err)
	}

	mapping := &data.Mapping{
		AccountID:       account.ID,
		ProxyID:         target.ID,
		PreviousProxyID: previousProxyID,
		Reason:          reason,
	}
	if err := uc.mappings.CreateMapping(ctx, mapping); err != nil {
		uc.logger.Errorw("msg", "failed to record mapping for moved account",
			"account_id", account.ID,
			"proxy_id", target.ID,
			"error", err)
	}

	if previousProxyID != nil {
		if err := uc.proxies.ReleaseSlot(ctx, *previousProxyID); err != nil {
			uc.logger.Errorw("msg", "failed to release old proxy slot",
				"proxy_id", *previousProxyID,
				"error", err)
		}
	}

	uc.logger.Infow("msg", "account moved",
		"account_id", account.ID,
		"to_proxy", target.ID,
		"from_proxy", previousProxyID,
		"reason", reason)
	return target, nil
}

// AdvancePhase moves an account to the next rollout phase, raising its
// daily action limit. Accounts already at full stay there.
func (uc *AllocationUsecase) AdvancePhase(ctx context.Context, accountID int64) (*data.Account, error) {
	account, err := uc.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, ErrNotFound("account %d not found", accountID)
	}

	next := -1
	for i, p := range phaseOrder {
		if p.Phase == account.Phase {
			next = i + 1
			break
		}
	}
	if next == -1 {
		return nil, ErrValidationFailure("account %d has unknown phase %q", accountID, account.Phase)
	}
	if next >= len(phaseOrder) {
		return nil, ErrValidationFailure("account %d is already in the final phase", accountID)
	}

	target := phaseOrder[next]
	if err := uc.accounts.UpdatePhase(ctx, accountID, target.Phase, target.Limit); err != nil {
		return nil, err
	}

	account.Phase = target.Phase
	account.DailyActionLimit = target.Limit
	return account, nil
}

// ValidateMappings sweeps every active account and reports consistency
// issues: missing or duplicated active mappings, mappings pointing at a
// different proxy than the account, or at a missing proxy. The sweep is
// read-only and idempotent.
func (uc *AllocationUsecase) ValidateMappings(ctx context.Context) (*MappingValidationReport, error) {
	accounts, err := uc.accounts.ListActiveAccounts(ctx)
	if err != nil {
		return nil, err
	}

	report := &MappingValidationReport{}
	for _, account := range accounts {
		report.Checked++

		count, err := uc.mappings.CountActiveByAccount(ctx, account.ID)
		if err != nil {
			return nil, err
		}
		if count != 1 {
			report.Issues = append(report.Issues,
				fmt.Sprintf("account %d has %d active mappings, want 1", account.ID, count))
			continue
		}

		mapping, err := uc.mappings.GetActiveMapping(ctx, account.ID)
		if err != nil {
			return nil, err
		}
		if mapping == nil {
			report.Issues = append(report.Issues,
				fmt.Sprintf("account %d active mapping disappeared mid-sweep", account.ID))
			continue
		}

		if account.ProxyID == nil || *account.ProxyID != mapping.ProxyID {
			report.Issues = append(report.Issues,
				fmt.Sprintf("account %d points at proxy %v but its mapping says %d",
					account.ID, account.ProxyID, mapping.ProxyID))
			continue
		}

		if _, err := uc.proxies.GetProxy(ctx, mapping.ProxyID); err != nil {
			report.Issues = append(report.Issues,
				fmt.Sprintf("account %d is mapped to missing proxy %d", account.ID, mapping.ProxyID))
			continue
		}

		report.Valid++
	}

	proxies, err := uc.proxies.ListProxies(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, p := range proxies {
		live, err := uc.accounts.CountByProxy(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		activeMappings, err := uc.mappings.CountActiveByProxy(ctx, p.ID)
		if err != nil {
			return nil, err
		}

		summary := ProxyMappingSummary{
			ProxyID:        p.ID,
			MaxAccounts:    p.MaxAccounts,
			Assigned:       p.AssignedAccounts,
			LiveAccounts:   live,
			ActiveMappings: activeMappings,
			OverCapacity:   live > int64(p.MaxAccounts),
		}
		report.Proxies = append(report.Proxies, summary)

		if summary.OverCapacity {
			report.Issues = append(report.Issues,
				fmt.Sprintf("proxy %d holds %d accounts over its capacity of %d", p.ID, live, p.MaxAccounts))
		}
		if int64(p.AssignedAccounts) != live {
			report.Issues = append(report.Issues,
				fmt.Sprintf("proxy %d counter says %d but %d accounts are live", p.ID, p.AssignedAccounts, live))
		}
	}

	uc.logger.Infow("msg", "mapping validation finished",
		"checked", report.Checked,
		"valid", report.Valid,
		"issues", len(report.Issues))
	return report, nil
}

// RebalanceMappings is the corrective action for over-capacity proxies:
// any proxy holding more live accounts than max_accounts gives up the
// excess, most recently assigned first. Capacity enforcement at create
// and move time makes this a no-op unless capacity was lowered or data
// drifted underneath the controller.
func (uc *AllocationUsecase) RebalanceMappings(ctx context.Context) (*RebalanceReport, error) {
	proxies, err := uc.proxies.ListProxies(ctx, "")
	if err != nil {
		return nil, err
	}

	report := &RebalanceReport{}
	for _, p := range proxies {
		live, err := uc.accounts.CountByProxy(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		excess := live - int64(p.MaxAccounts)
		if excess <= 0 {
			continue
		}

		// Newest assignments leave first.
		mappings, err := uc.mappings.ListActiveByProxy(ctx, p.ID)
		if err != nil {
			return nil, err
		}

		if excess < int64(len(mappings)) {
			mappings = mappings[:excess]
		}
		for _, m := range mappings {
			target, err := uc.MoveAccount(ctx, m.AccountID, ReasonRebalance)
			if err != nil {
				report.Failed++
				report.Details = append(report.Details,
					fmt.Sprintf("account %d: %v", m.AccountID, err))
				continue
			}
			report.Moved++
			report.Details = append(report.Details,
				fmt.Sprintf("account %d: proxy %d -> %d", m.AccountID, p.ID, target.ID))
		}
	}

	uc.logger.Infow("msg", "rebalance finished", "moved", report.Moved, "failed", report.Failed)
	return report, nil
}

// ResetDailyActionsAll zeroes the daily action counter for every account
// and returns the number of accounts touched.
func (uc *AllocationUsecase) ResetDailyActionsAll(ctx context.Context) (int64, error) {
	return uc.accounts.ResetDailyActions(ctx)
}

// GetMappings returns the assignment history, optionally only active rows.
func (uc *AllocationUsecase) GetMappings(ctx context.Context, activeOnly bool) ([]*data.Mapping, error) {
	return uc.mappings.ListMappings(ctx, activeOnly)
}

// reserveAnySlot selects and reserves a slot on any proxy with capacity.
// Selection and reservation race against concurrent creates, so a lost
// reservation retries with the loser excluded.
func (uc *AllocationUsecase) reserveAnySlot(ctx context.Context) (*data.Proxy, error) {
	return uc.reserveSlotExcluding(ctx, nil)
}

func (uc *AllocationUsecase) reserveSlotExcluding(ctx context.Context, exclude []int64) (*data.Proxy, error) {
	for {
		proxy, err := uc.proxies.SelectAvailableProxy(ctx, exclude)
		if err != nil {
			return nil, err
		}
		if proxy == nil {
			return nil, ErrCapacityExhausted("no proxy has spare capacity")
		}

		ok, err := uc.proxies.ReserveSlot(ctx, proxy.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			return proxy, nil
		}

		// Lost the race for this proxy's last slot; try the next one.
		exclude = append(exclude, proxy.ID)
	}
}

// compensateSlot releases a reserved slot after a failed placement.
func (uc *AllocationUsecase) compensateSlot(ctx context.Context, proxyID int64) {
	if err := uc.proxies.ReleaseSlot(ctx, proxyID); err != nil {
		uc.logger.Errorw("msg", "failed to release reserved slot during compensation",
			"proxy_id", proxyID,
			"error", err)
	}
}
