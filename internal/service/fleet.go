// Package service exposes the fleet controller's operations as a single
// facade over the biz usecases. Transport layers and the cron scheduler
// call through this service.
package service

import (
	"context"

	"github.com/YannisKiefer/control-center/internal/biz"
	"github.com/YannisKiefer/control-center/internal/data"
	"github.com/YannisKiefer/control-center/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
)

// ProviderSet is service providers.
var ProviderSet = wire.NewSet(NewFleetService)

// FleetService is the operations facade of the controller.
type FleetService struct {
	alloc    *biz.AllocationUsecase
	health   *biz.HealthUsecase
	failover *biz.FailoverUsecase
	workflow *biz.WorkflowUsecase
	logger   *log.Helper
}

// NewFleetService creates the fleet service facade.
func NewFleetService(
	alloc *biz.AllocationUsecase,
	health *biz.HealthUsecase,
	failover *biz.FailoverUsecase,
	workflow *biz.WorkflowUsecase,
	logger log.Logger,
) *FleetService {
	return &FleetService{
		alloc:    alloc,
		health:   health,
		failover: failover,
		workflow: workflow,
		logger:   log.NewHelper(logger),
	}
}

// RegisterProxy adds a proxy to the fleet.
func (s *FleetService) RegisterProxy(ctx context.Context, proxy *data.Proxy) error {
	s.logger.Infow("msg", "register proxy requested", "host", proxy.Host, "port", proxy.Port)
	return s.alloc.RegisterProxy(ctx, proxy)
}

// CreateAccount creates an account bound to a proxy with spare capacity.
func (s *FleetService) CreateAccount(ctx context.Context, handle string) (*data.Account, error) {
	s.logger.Infow("msg", "create account requested", "handle", handle)
	return s.alloc.CreateAccount(ctx, handle)
}

// BulkCreateAccounts creates several accounts, tolerating failures.
func (s *FleetService) BulkCreateAccounts(ctx context.Context, handles []string) (*biz.BulkCreateReport, error) {
	s.logger.Infow("msg", "bulk create accounts requested", "count", len(handles))
	return s.alloc.BulkCreateAccounts(ctx, handles)
}

// MoveAccount reassigns an account to any proxy with spare capacity.
func (s *FleetService) MoveAccount(ctx context.Context, accountID int64, reason string) (*data.Proxy, error) {
	s.logger.Infow("msg", "move account requested", "account_id", accountID, "reason", reason)
	return s.alloc.MoveAccount(ctx, accountID, reason)
}

// MoveAccountTo reassigns an account to one named proxy.
func (s *FleetService) MoveAccountTo(ctx context.Context, accountID, targetProxyID int64, reason string) (*data.Proxy, error) {
	s.logger.Infow("msg", "move account requested",
		"account_id", accountID,
		"target_proxy_id", targetProxyID,
		"reason", reason)
	return s.alloc.MoveAccountTo(ctx, accountID, targetProxyID, reason)
}

// AdvancePhase promotes an account to its next rollout phase.
func (s *FleetService) AdvancePhase(ctx context.Context, accountID int64) (*data.Account, error) {
	s.logger.Infow("msg", "advance phase requested", "account_id", accountID)
	return s.alloc.AdvancePhase(ctx, accountID)
}

// RunHealthCheck sweeps account health across the fleet.
func (s *FleetService) RunHealthCheck(ctx context.Context) (*model.HealthReport, error) {
	s.logger.Infow("msg", "health check sweep requested")
	return s.health.RunDailyHealthCheck(ctx)
}

// CheckAccountHealth evaluates one account.
func (s *FleetService) CheckAccountHealth(ctx context.Context, accountID int64) (*model.HealthCheckResult, error) {
	return s.health.CheckAccountHealth(ctx, accountID)
}

// TestProxy probes one proxy.
func (s *FleetService) TestProxy(ctx context.Context, proxyID int64) (*model.ProbeResult, error) {
	return s.health.TestProxy(ctx, proxyID)
}

// TestAllProxies probes the whole fleet and applies status transitions.
func (s *FleetService) TestAllProxies(ctx context.Context) (*model.ProxySweepReport, error) {
	s.logger.Infow("msg", "proxy sweep requested")
	return s.health.CheckAllProxies(ctx)
}

// HandleProxyFailure reacts to a dead proxy report for one account. The
// owning proxy is derived from the account itself.
func (s *FleetService) HandleProxyFailure(ctx context.Context, accountID int64, reason string) (*data.Proxy, error) {
	s.logger.Warnw("msg", "proxy failure reported", "account_id", accountID, "reason", reason)
	return s.failover.HandleProxyFailure(ctx, accountID, reason)
}

// HandleProxyDegradation reacts to degraded proxy metrics.
func (s *FleetService) HandleProxyDegradation(ctx context.Context, proxyID int64, metrics model.ProxyMetrics) (*biz.BulkFailoverReport, error) {
	s.logger.Warnw("msg", "proxy degradation reported", "proxy_id", proxyID, "success_rate", metrics.SuccessRate)
	return s.failover.HandleProxyDegradation(ctx, proxyID, metrics)
}

// BulkFailover moves every account off a proxy.
func (s *FleetService) BulkFailover(ctx context.Context, proxyID int64) (*biz.BulkFailoverReport, error) {
	s.logger.Warnw("msg", "bulk failover requested", "proxy_id", proxyID)
	return s.failover.BulkFailover(ctx, proxyID)
}

// RecoverProxy verifies and reactivates a non-active proxy.
func (s *FleetService) RecoverProxy(ctx context.Context, proxyID int64) error {
	s.logger.Infow("msg", "proxy recovery requested", "proxy_id", proxyID)
	return s.failover.RecoverProxy(ctx, proxyID)
}

// EnterMaintenance evacuates a proxy and parks it in maintenance.
func (s *FleetService) EnterMaintenance(ctx context.Context, proxyID int64) error {
	s.logger.Infow("msg", "maintenance entry requested", "proxy_id", proxyID)
	return s.failover.EnterMaintenance(ctx, proxyID)
}

// ExitMaintenance probes a maintenance proxy and returns it to rotation.
func (s *FleetService) ExitMaintenance(ctx context.Context, proxyID int64) error {
	s.logger.Infow("msg", "maintenance exit requested", "proxy_id", proxyID)
	return s.failover.ExitMaintenance(ctx, proxyID)
}

// ResetDailyActions zeroes every account's daily action counter.
func (s *FleetService) ResetDailyActions(ctx context.Context) (int64, error) {
	s.logger.Infow("msg", "daily action reset requested")
	return s.alloc.ResetDailyActionsAll(ctx)
}

// GetStats returns a point-in-time fleet snapshot.
func (s *FleetService) GetStats(ctx context.Context) (*model.StatsSnapshot, error) {
	return s.health.Stats(ctx)
}

// GetHealthSummary reports stored health scores without re-evaluating.
func (s *FleetService) GetHealthSummary(ctx context.Context) (*model.HealthReport, error) {
	return s.health.Summary(ctx)
}

// GetMappings returns the assignment history.
func (s *FleetService) GetMappings(ctx context.Context, activeOnly bool) ([]*data.Mapping, error) {
	return s.alloc.GetMappings(ctx, activeOnly)
}

// ValidateMappings checks assignment consistency across the fleet.
func (s *FleetService) ValidateMappings(ctx context.Context) (*biz.MappingValidationReport, error) {
	s.logger.Infow("msg", "mapping validation requested")
	return s.alloc.ValidateMappings(ctx)
}

// RebalanceMappings moves excess accounts off over-capacity proxies.
func (s *FleetService) RebalanceMappings(ctx context.Context) (*biz.RebalanceReport, error) {
	s.logger.Infow("msg", "rebalance requested")
	return s.alloc.RebalanceMappings(ctx)
}

// ListOpenIncidents returns every incident not yet resolved or ignored.
func (s *FleetService) ListOpenIncidents(ctx context.Context) ([]*data.Incident, error) {
	return s.health.ListOpenIncidents(ctx)
}

// GetIncident returns one incident.
func (s *FleetService) GetIncident(ctx context.Context, id int64) (*data.Incident, error) {
	return s.health.GetIncident(ctx, id)
}

// SetIncidentStatus moves an incident to investigating or ignored.
func (s *FleetService) SetIncidentStatus(ctx context.Context, id int64, status data.IncidentStatus) error {
	s.logger.Infow("msg", "incident status change requested", "incident_id", id, "status", status)
	return s.health.SetIncidentStatus(ctx, id, status)
}

// ResolveIncident closes an incident with resolver and resolution text.
func (s *FleetService) ResolveIncident(ctx context.Context, id int64, resolvedBy, resolution string) error {
	s.logger.Infow("msg", "incident resolution requested", "incident_id", id, "resolved_by", resolvedBy)
	return s.health.ResolveIncident(ctx, id, resolvedBy, resolution)
}

// RunOnboarding runs the audited onboarding workflow for one account.
func (s *FleetService) RunOnboarding(ctx context.Context, handle string) (*model.Workflow, error) {
	s.logger.Infow("msg", "onboarding workflow requested", "handle", handle)
	return s.workflow.RunOnboarding(ctx, handle)
}

// BulkOnboard runs the audited bulk onboarding workflow.
func (s *FleetService) BulkOnboard(ctx context.Context, handles []string) (*model.Workflow, error) {
	s.logger.Infow("msg", "bulk onboarding workflow requested", "count", len(handles))
	return s.workflow.BulkOnboard(ctx, handles)
}

// RunDailyMaintenance runs the audited daily maintenance workflow.
func (s *FleetService) RunDailyMaintenance(ctx context.Context) (*model.Workflow, error) {
	s.logger.Infow("msg", "daily maintenance workflow requested")
	return s.workflow.RunDailyMaintenance(ctx)
}

// RunWeeklyMaintenance runs the audited weekly maintenance workflow.
func (s *FleetService) RunWeeklyMaintenance(ctx context.Context) (*model.Workflow, error) {
	s.logger.Infow("msg", "weekly maintenance workflow requested")
	return s.workflow.RunWeeklyMaintenance(ctx)
}

// RunRecovery runs the audited proxy recovery workflow.
func (s *FleetService) RunRecovery(ctx context.Context, proxyID int64) (*model.Workflow, error) {
	s.logger.Infow("msg", "recovery workflow requested", "proxy_id", proxyID)
	return s.workflow.RunRecovery(ctx, proxyID)
}

// RunEmergencyFailover runs the audited emergency failover workflow.
// proxyID 0 targets every failed proxy.
func (s *FleetService) RunEmergencyFailover(ctx context.Context, proxyID int64) (*model.Workflow, error) {
	s.logger.Warnw("msg", "emergency failover workflow requested", "proxy_id", proxyID)
	return s.workflow.RunEmergencyFailover(ctx, proxyID)
}

// GetWorkflow returns one workflow run with its step trail.
func (s *FleetService) GetWorkflow(ctx context.Context, id string) (*model.Workflow, error) {
	return s.workflow.GetWorkflow(ctx, id)
}

// ListRecentWorkflows returns the most recent workflow runs.
func (s *FleetService) ListRecentWorkflows(ctx context.Context, limit int) ([]*model.Workflow, error) {
	return s.workflow.ListRecentWorkflows(ctx, limit)
}
