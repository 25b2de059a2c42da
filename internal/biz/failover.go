package biz

import (
	"context"
	"fmt"
	"time"

	"github.com/YannisKiefer/control-center/internal/conf"
	"github.com/YannisKiefer/control-center/internal/data"
	"github.com/YannisKiefer/control-center/internal/model"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kratos/kratos/v2/log"
)

// degradedFailoverRate is the smoothed success rate below which a
// degraded proxy gets all its accounts moved off, not just flagged.
const degradedFailoverRate = 50.0

// BulkFailoverReport aggregates a bulk failover run. A run with both
// successes and failures is terminal; failed accounts keep their old
// assignment and surface in Errors.
type BulkFailoverReport struct {
	ProxyID    int64    `json:"proxy_id"`
	Successful int      `json:"successful"`
	Failed     int      `json:"failed"`
	Errors     []string `json:"errors,omitempty"`
}

// FailoverUsecase moves accounts off failing proxies. All failover entry
// points serialize per account through the guard so concurrent triggers
// cannot double-move the same account.
type FailoverUsecase struct {
	proxies   data.ProxyRepo
	accounts  data.AccountRepo
	incidents data.IncidentRepo
	guard     data.FailoverGuard
	alloc     *AllocationUsecase
	health    *HealthUsecase
	events    EventPublisher
	cfg       *conf.Fleet
	logger    *log.Helper
}

// NewFailoverUsecase creates a new failover usecase.
func NewFailoverUsecase(
	proxies data.ProxyRepo,
	accounts data.AccountRepo,
	incidents data.IncidentRepo,
	guard data.FailoverGuard,
	alloc *AllocationUsecase,
	health *HealthUsecase,
	events EventPublisher,
	cfg *conf.Fleet,
	logger log.Logger,
) *FailoverUsecase {
	return &FailoverUsecase{
		proxies:   proxies,
		accounts:  accounts,
		incidents: incidents,
		guard:     guard,
		alloc:     alloc,
		health:    health,
		events:    events,
		cfg:       cfg,
		logger:    log.NewHelper(logger),
	}
}

// HandleProxyFailure reacts to one account reporting its proxy dead.
// The owning proxy is derived from the account row and marked failed;
// with auto-failover enabled the account is moved to a healthy proxy,
// otherwise only an incident is opened. A second request for the same
// account while one is in flight is rejected, never queued.
func (uc *FailoverUsecase) HandleProxyFailure(ctx context.Context, accountID int64, reason string) (*data.Proxy, error) {
	if !uc.guard.Acquire(ctx, accountID) {
		return nil, ErrAlreadyInProgress("failover for account %d is already in progress", accountID)
	}
	defer uc.guard.Release(ctx, accountID)

	account, err := uc.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, ErrNotFound("account %d not found", accountID)
	}
	if account.ProxyID == nil {
		return nil, ErrValidationFailure("account %d has no proxy assigned", accountID)
	}
	proxyID := *account.ProxyID

	proxy, err := uc.proxies.GetProxy(ctx, proxyID)
	if err != nil {
		return nil, ErrNotFound("proxy %d not found", proxyID)
	}

	if proxy.Status != data.ProxyStatusFailed {
		if err := uc.proxies.UpdateProxyStatus(ctx, proxyID, data.ProxyStatusFailed); err != nil {
			return nil, err
		}
	}

	if reason == "" {
		reason = ReasonFailover
	}

	if !uc.cfg.AutoFailover {
		inc := &data.Incident{
			Type:        data.IncidentProxyFailure,
			Severity:    data.SeverityCritical,
			ProxyID:     &proxyID,
			AccountID:   &accountID,
			Description: fmt.Sprintf("proxy %d reported dead by account %d, auto-failover disabled", proxyID, accountID),
		}
		if err := uc.incidents.CreateIncident(ctx, inc); err != nil {
			return nil, err
		}
		return nil, nil
	}

	target, err := uc.alloc.MoveAccount(ctx, accountID, reason)
	if err != nil {
		if IsCapacityExhausted(err) {
			inc := &data.Incident{
				Type:        data.IncidentProxyFailure,
				Severity:    data.SeverityCritical,
				ProxyID:     &proxyID,
				AccountID:   &accountID,
				Description: fmt.Sprintf("proxy %d failed and no spare capacity remains for account %d", proxyID, accountID),
			}
			if incErr := uc.incidents.CreateIncident(ctx, inc); incErr != nil {
				uc.logger.Errorw("msg", "failed to open capacity incident", "proxy_id", proxyID, "error", incErr)
			}
		}
		return nil, err
	}

	// Audit trail of the completed failover; resolved on creation.
	now := time.Now()
	inc := &data.Incident{
		Type:        data.IncidentFailoverTriggered,
		Severity:    data.SeverityWarning,
		Status:      data.IncidentResolved,
		ProxyID:     &proxyID,
		AccountID:   &accountID,
		Description: fmt.Sprintf("account %d moved from proxy %d to proxy %d", accountID, proxyID, target.ID),
		Resolution:  "automatic failover completed",
		ResolvedBy:  resolverController,
		ResolvedAt:  &now,
	}
	if err := uc.incidents.CreateIncident(ctx, inc); err != nil {
		uc.logger.Errorw("msg", "failed to record failover incident", "proxy_id", proxyID, "error", err)
	}

	if err := uc.events.Publish(ctx, model.FailoverCompletedEvent{
		AccountID:   accountID,
		FromProxyID: proxyID,
		ToProxyID:   target.ID,
		Reason:      reason,
	}); err != nil {
		uc.logger.Warnw("msg", "failed to publish failover event", "account_id", accountID, "error", err)
	}

	uc.logger.Infow("msg", "failover completed",
		"account_id", accountID,
		"from_proxy", proxyID,
		"to_proxy", target.ID)
	return target, nil
}

// HandleProxyDegradation flags a proxy whose smoothed metrics dropped.
// A warning incident is opened and the health score docked; a success
// rate below 50 escalates to moving every account off the proxy.
func (uc *FailoverUsecase) HandleProxyDegradation(ctx context.Context, proxyID int64, metrics model.ProxyMetrics) (*BulkFailoverReport, error) {
	if _, err := uc.proxies.GetProxy(ctx, proxyID); err != nil {
		return nil, ErrNotFound("proxy %d not found", proxyID)
	}

	inc := &data.Incident{
		Type:     data.IncidentProxyDegraded,
		Severity: data.SeverityWarning,
		ProxyID:  &proxyID,
		Description: fmt.Sprintf("proxy %d degraded: avg response %dms, success rate %.1f%%",
			proxyID, metrics.AvgResponseTimeMs, metrics.SuccessRate),
	}
	if err := uc.incidents.CreateIncident(ctx, inc); err != nil {
		return nil, err
	}

	if err := uc.proxies.AdjustHealthScore(ctx, proxyID, -15); err != nil {
		uc.logger.Warnw("msg", "failed to dock degraded proxy score", "proxy_id", proxyID, "error", err)
	}

	if metrics.SuccessRate >= degradedFailoverRate {
		return nil, nil
	}

	uc.logger.Warnw("msg", "proxy degradation escalated to bulk failover",
		"proxy_id", proxyID,
		"success_rate", metrics.SuccessRate)
	return uc.BulkFailover(ctx, proxyID)
}

// BulkFailover marks a proxy failed and moves every account off it, one
// at a time, claiming the per-account guard around each move. Individual
// failures do not stop the run.
func (uc *FailoverUsecase) BulkFailover(ctx context.Context, proxyID int64) (*BulkFailoverReport, error) {
	proxy, err := uc.proxies.GetProxy(ctx, proxyID)
	if err != nil {
		return nil, ErrNotFound("proxy %d not found", proxyID)
	}

	if proxy.Status != data.ProxyStatusFailed {
		if err := uc.proxies.UpdateProxyStatus(ctx, proxyID, data.ProxyStatusFailed); err != nil {
			return nil, err
		}
	}

	accounts, err := uc.accounts.ListAccountsByProxy(ctx, proxyID)
	if err != nil {
		return nil, err
	}

	report := &BulkFailoverReport{ProxyID: proxyID}
	for _, account := range accounts {
		if !uc.guard.Acquire(ctx, account.ID) {
			report.Failed++
			report.Errors = append(report.Errors,
				fmt.Sprintf("account %d: failover already in progress", account.ID))
			continue
		}
		_, err := uc.alloc.MoveAccount(ctx, account.ID, ReasonFailover)
		uc.guard.Release(ctx, account.ID)
		if err != nil {
			report.Failed++
			report.Errors = append(report.Errors,
				fmt.Sprintf("account %d: %v", account.ID, err))
			continue
		}
		report.Successful++
	}

	if err := uc.events.Publish(ctx, model.BulkFailoverCompletedEvent{
		ProxyID:    proxyID,
		Successful: report.Successful,
		Failed:     report.Failed,
	}); err != nil {
		uc.logger.Warnw("msg", "failed to publish bulk failover event", "proxy_id", proxyID, "error", err)
	}

	uc.logger.Infow("msg", "bulk failover finished",
		"proxy_id", proxyID,
		"successful", report.Successful,
		"failed", report.Failed)
	return report, nil
}

// RecoverProxy verifies a non-active proxy with a retried probe and
// brings it back into rotation on success.
func (uc *FailoverUsecase) RecoverProxy(ctx context.Context, proxyID int64) error {
	proxy, err := uc.proxies.GetProxy(ctx, proxyID)
	if err != nil {
		return ErrNotFound("proxy %d not found", proxyID)
	}
	if proxy.Status == data.ProxyStatusActive {
		return ErrValidationFailure("proxy %d is already active", proxyID)
	}

	err = uc.withRetry(ctx, func() error {
		result, err := uc.health.TestProxy(ctx, proxyID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !result.OK {
			return fmt.Errorf("probe failed: %s", result.Err)
		}
		return nil
	})
	if err != nil {
		return ErrProbeFailure("proxy %d failed recovery probe: %v", proxyID, err)
	}

	if err := uc.proxies.UpdateProxyStatus(ctx, proxyID, data.ProxyStatusActive); err != nil {
		return err
	}
	if err := uc.proxies.AdjustHealthScore(ctx, proxyID, 10); err != nil {
		uc.logger.Warnw("msg", "failed to adjust recovered proxy score", "proxy_id", proxyID, "error", err)
	}

	resolved, err := uc.incidents.ResolveByProxy(ctx, proxyID, resolverController,
		"proxy passed its recovery probe and returned to rotation")
	if err != nil {
		uc.logger.Warnw("msg", "failed to resolve incidents for recovered proxy",
			"proxy_id", proxyID,
			"error", err)
	}

	if err := uc.events.Publish(ctx, model.ProxyRecoveredEvent{
		ProxyID:           proxyID,
		HealthScore:       proxy.HealthScore + 10,
		ResolvedIncidents: resolved,
		RecoveredAt:       time.Now(),
	}); err != nil {
		uc.logger.Warnw("msg", "failed to publish proxy recovered event", "proxy_id", proxyID, "error", err)
	}

	uc.logger.Infow("msg", "proxy recovered", "proxy_id", proxyID, "resolved_incidents", resolved)
	return nil
}

// EnterMaintenance evacuates a proxy and parks it in maintenance.
// Evacuation happens first so the proxy never holds accounts while
// unprobed; a move failure aborts with the proxy still active.
func (uc *FailoverUsecase) EnterMaintenance(ctx context.Context, proxyID int64) error {
	proxy, err := uc.proxies.GetProxy(ctx, proxyID)
	if err != nil {
		return ErrNotFound("proxy %d not found", proxyID)
	}
	if proxy.Status == data.ProxyStatusMaintenance {
		return ErrValidationFailure("proxy %d is already in maintenance", proxyID)
	}

	accounts, err := uc.accounts.ListAccountsByProxy(ctx, proxyID)
	if err != nil {
		return err
	}

	for _, account := range accounts {
		if _, err := uc.alloc.MoveAccount(ctx, account.ID, ReasonMaintenance); err != nil {
			return fmt.Errorf("evacuation stopped at account %d: %w", account.ID, err)
		}
	}

	if err := uc.proxies.UpdateProxyStatus(ctx, proxyID, data.ProxyStatusMaintenance); err != nil {
		return err
	}

	uc.logger.Infow("msg", "proxy entered maintenance", "proxy_id", proxyID, "evacuated", len(accounts))
	return nil
}

// ExitMaintenance probes a maintenance proxy and returns it to rotation.
// A failed probe leaves it in maintenance.
func (uc *FailoverUsecase) ExitMaintenance(ctx context.Context, proxyID int64) error {
	proxy, err := uc.proxies.GetProxy(ctx, proxyID)
	if err != nil {
		return ErrNotFound("proxy %d not found", proxyID)
	}
	if proxy.Status != data.ProxyStatusMaintenance {
		return ErrValidationFailure("proxy %d is not in maintenance", proxyID)
	}

	result, err := uc.health.TestProxy(ctx, proxyID)
	if err != nil {
		return err
	}
	if !result.OK {
		return ErrProbeFailure("proxy %d failed its exit probe: %s", proxyID, result.Err)
	}

	if err := uc.proxies.UpdateProxyStatus(ctx, proxyID, data.ProxyStatusActive); err != nil {
		return err
	}

	uc.logger.Infow("msg", "proxy exited maintenance", "proxy_id", proxyID)
	return nil
}

// withRetry runs op with exponential backoff: base delay doubled per
// attempt, no jitter, bounded by the configured retry budget.
func (uc *FailoverUsecase) withRetry(ctx context.Context, op backoff.Operation) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = uc.cfg.RetryBaseDelay.AsDuration()
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	retries := uint64(0)
	if uc.cfg.MaxRetries > 1 {
		retries = uint64(uc.cfg.MaxRetries - 1) // #nosec G115 -- validated >= 1 at config load
	}

	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, retries), ctx))
}
