package biz

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/YannisKiefer/control-center/internal/data"
	"github.com/YannisKiefer/control-center/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stepNames(wf *model.Workflow) []string {
	names := make([]string, 0, len(wf.Steps))
	for _, s := range wf.Steps {
		names = append(names, s.Name)
	}
	return names
}

func TestRunOnboarding(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.addProxy(2)

	wf, err := f.workflow.RunOnboarding(ctx, "newbie")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowCompleted, wf.Status)
	assert.NotEmpty(t, wf.ID)
	assert.NotNil(t, wf.CompletedAt)

	assert.Equal(t, []string{
		"validate_config",
		"check_capacity",
		"create_account",
		"verify_mapping",
		"health_check",
		"publish_completion",
	}, stepNames(wf))

	for _, step := range wf.Steps {
		assert.Equal(t, model.StepCompleted, step.Status, "step %s", step.Name)
		assert.NotNil(t, step.StartedAt, "step %s", step.Name)
		assert.NotNil(t, step.CompletedAt, "step %s", step.Name)
		assert.NotEmpty(t, step.Output, "step %s", step.Name)
		assert.Empty(t, step.Error, "step %s", step.Name)
	}

	// The account exists with one active mapping.
	accounts, err := f.accounts.ListActiveAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "newbie", accounts[0].Handle)

	// The run was persisted and is retrievable.
	stored, err := f.workflow.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowCompleted, stored.Status)
	assert.Len(t, stored.Steps, 6)

	assert.Equal(t, 1, f.events.count(model.EventWorkflowCompleted))
}

func TestRunOnboardingNoCapacity(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	// No proxies at all.

	wf, err := f.workflow.RunOnboarding(ctx, "homeless")
	require.Error(t, err)
	assert.True(t, IsCapacityExhausted(err))
	assert.Equal(t, model.WorkflowFailed, wf.Status)
	assert.Equal(t, "check_capacity", wf.FailedStep())

	// Exactly one manual intervention incident names the failed step.
	require.Equal(t, 1, f.incidents.openByType(data.IncidentManualIntervention))
	open, err := f.incidents.ListOpenIncidents(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Contains(t, open[0].Description, wf.ID)
	assert.Contains(t, open[0].Description, "check_capacity")
	assert.Equal(t, data.SeverityCritical, open[0].Severity)

	assert.Equal(t, 0, f.events.count(model.EventWorkflowCompleted))
}

func TestRunOnboardingValidationFailure(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.addProxy(2)

	wf, err := f.workflow.RunOnboarding(ctx, "")
	require.Error(t, err)
	assert.True(t, IsValidationFailure(err))
	assert.Equal(t, model.WorkflowFailed, wf.Status)
	assert.Equal(t, "validate_config", wf.FailedStep())
	require.Len(t, wf.Steps, 1)
	assert.Equal(t, model.StepFailed, wf.Steps[0].Status)
	assert.NotEmpty(t, wf.Steps[0].Error)
}

func TestRunOnboardingHealthCheckFailureKeepsAccount(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.addProxy(2)

	// Score persistence breaks after creation, so the run dies at the
	// health_check step with the account already in place.
	f.accounts.failUpdateScore = errors.New("score store offline")

	wf, err := f.workflow.RunOnboarding(ctx, "half-born")
	require.Error(t, err)
	assert.Equal(t, model.WorkflowFailed, wf.Status)
	assert.Equal(t, "health_check", wf.FailedStep())

	// The account and its mapping survive; partial onboarding stays
	// visible instead of being rolled back.
	accounts, listErr := f.accounts.ListActiveAccounts(ctx)
	require.NoError(t, listErr)
	require.Len(t, accounts, 1)
	assert.Equal(t, "half-born", accounts[0].Handle)

	count, countErr := f.mappings.CountActiveByAccount(ctx, accounts[0].ID)
	require.NoError(t, countErr)
	assert.Equal(t, int64(1), count)

	// Exactly one manual intervention incident references the run.
	require.Equal(t, 1, f.incidents.openByType(data.IncidentManualIntervention))
	open, openErr := f.incidents.ListOpenIncidents(ctx)
	require.NoError(t, openErr)
	require.Len(t, open, 1)
	assert.Contains(t, open[0].Description, wf.ID)
	assert.Contains(t, open[0].Description, "health_check")
}

func TestBulkOnboard(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.addProxy(2)
	f.addProxy(2)

	wf, err := f.workflow.BulkOnboard(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowCompleted, wf.Status)
	assert.Equal(t, []string{
		"validate_input",
		"create_accounts",
		"verify_mappings",
		"summarize",
	}, stepNames(wf))

	accounts, err := f.accounts.ListActiveAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, accounts, 3)

	// The summary step carries the creation report.
	assert.Contains(t, wf.Steps[3].Output, "created")
}

func TestBulkOnboardRejectsEmptyBatch(t *testing.T) {
	f := newFixture()

	wf, err := f.workflow.BulkOnboard(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, model.WorkflowFailed, wf.Status)
	assert.Equal(t, "validate_input", wf.FailedStep())
}

func TestRunDailyMaintenance(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.addProxy(4)

	account, err := f.alloc.CreateAccount(ctx, "worker")
	require.NoError(t, err)
	f.accounts.mu.Lock()
	f.accounts.accounts[account.ID].ActionsToday = 7
	f.accounts.mu.Unlock()

	wf, err := f.workflow.RunDailyMaintenance(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowCompleted, wf.Status)
	assert.Equal(t, []string{
		"reset_action_counters",
		"run_health_checks",
		"test_proxies",
		"summarize_incidents",
	}, stepNames(wf))

	// Action counters were reset and the proxy got probed.
	got, err := f.accounts.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(0), got.ActionsToday)

	assert.Contains(t, wf.Steps[0].Output, "1 accounts reset")
	assert.Equal(t, 1, f.events.count(model.EventHealthCheckCompleted))
	assert.Equal(t, 1, f.events.count(model.EventDailyMaintenanceCompleted))
}

func TestRunWeeklyMaintenance(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	healthy := f.addProxy(4)
	degraded := f.addProxy(4)

	// Seed probe metrics so the degraded proxy trips the success rate
	// threshold without being dead.
	now := time.Now()
	require.NoError(t, f.proxies.UpdateProbeMetrics(ctx, healthy.ID, 80, 99.0, now))
	require.NoError(t, f.proxies.UpdateProbeMetrics(ctx, degraded.ID, 1200, 85.0, now))

	account, err := f.alloc.CreateAccount(ctx, "candidate")
	require.NoError(t, err)
	f.accounts.mu.Lock()
	f.accounts.accounts[account.ID].ActionsToday = 8
	f.accounts.mu.Unlock()

	wf, err := f.workflow.RunWeeklyMaintenance(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowCompleted, wf.Status)
	assert.Equal(t, []string{
		"comprehensive_health_check",
		"flag_degraded_proxies",
		"identify_phase_candidates",
		"snapshot_stats",
	}, stepNames(wf))

	// The degraded proxy was flagged but not failed (85% > 50%).
	assert.Contains(t, wf.Steps[1].Output, "1 proxies flagged")
	assert.Equal(t, 1, f.incidents.openByType(data.IncidentProxyDegraded))
	got, _ := f.proxies.GetProxy(ctx, degraded.ID)
	assert.Equal(t, data.ProxyStatusActive, got.Status)

	// The busy healthy account is a phase candidate.
	assert.Contains(t, wf.Steps[2].Output, "candidate")
	assert.Equal(t, 1, f.events.count(model.EventWeeklyMaintenanceCompleted))
}

func TestRunRecovery(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	p := f.addProxy(2)
	require.NoError(t, f.proxies.UpdateProxyStatus(ctx, p.ID, data.ProxyStatusFailed))

	wf, err := f.workflow.RunRecovery(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowCompleted, wf.Status)
	assert.Equal(t, []string{
		"verify_status",
		"probe_and_recover",
		"confirm_active",
	}, stepNames(wf))

	got, _ := f.proxies.GetProxy(ctx, p.ID)
	assert.Equal(t, data.ProxyStatusActive, got.Status)
}

func TestRunRecoveryOnActiveProxyFails(t *testing.T) {
	f := newFixture()
	p := f.addProxy(2)

	wf, err := f.workflow.RunRecovery(context.Background(), p.ID)
	require.Error(t, err)
	assert.Equal(t, model.WorkflowFailed, wf.Status)
	assert.Equal(t, "verify_status", wf.FailedStep())
}

func TestRunEmergencyFailoverSingleProxy(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	p1 := f.addProxy(2)
	f.addProxy(4)

	var onP1 []int64
	for _, h := range []string{"a", "b", "c", "d"} {
		account, err := f.alloc.CreateAccount(ctx, h)
		require.NoError(t, err)
		if *account.ProxyID == p1.ID {
			onP1 = append(onP1, account.ID)
		}
	}
	require.NotEmpty(t, onP1)
	require.NoError(t, f.proxies.UpdateProxyStatus(ctx, p1.ID, data.ProxyStatusFailed))

	wf, err := f.workflow.RunEmergencyFailover(ctx, p1.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowCompleted, wf.Status)
	assert.Equal(t, []string{
		"enumerate_targets",
		"check_capacity",
		"execute_failovers",
		"recheck_incidents",
	}, stepNames(wf))

	for _, id := range onP1 {
		moved, _ := f.accounts.GetAccount(ctx, id)
		assert.NotEqual(t, p1.ID, *moved.ProxyID)
	}
}

func TestRunEmergencyFailoverAllFailed(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	p1 := f.addProxy(1)
	p2 := f.addProxy(1)

	a1, err := f.alloc.CreateAccount(ctx, "one")
	require.NoError(t, err)
	a2, err := f.alloc.CreateAccount(ctx, "two")
	require.NoError(t, err)

	// Capacity arrives after the outage takes both small proxies down.
	f.addProxy(4)
	require.NoError(t, f.proxies.UpdateProxyStatus(ctx, p1.ID, data.ProxyStatusFailed))
	require.NoError(t, f.proxies.UpdateProxyStatus(ctx, p2.ID, data.ProxyStatusFailed))

	wf, err := f.workflow.RunEmergencyFailover(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowCompleted, wf.Status)
	assert.Contains(t, wf.Steps[0].Output, "2 proxies, 2 stranded accounts")

	for _, id := range []int64{a1.ID, a2.ID} {
		moved, _ := f.accounts.GetAccount(ctx, id)
		require.NotNil(t, moved.ProxyID)
		assert.NotEqual(t, p1.ID, *moved.ProxyID)
		assert.NotEqual(t, p2.ID, *moved.ProxyID)
	}
}

func TestRunEmergencyFailoverNoSpareCapacity(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	p := f.addProxy(1)
	_, err := f.alloc.CreateAccount(ctx, "stranded")
	require.NoError(t, err)
	require.NoError(t, f.proxies.UpdateProxyStatus(ctx, p.ID, data.ProxyStatusFailed))

	wf, err := f.workflow.RunEmergencyFailover(ctx, p.ID)
	require.Error(t, err)
	assert.True(t, IsCapacityExhausted(err))
	assert.Equal(t, model.WorkflowFailed, wf.Status)
	assert.Equal(t, "check_capacity", wf.FailedStep())
	assert.Equal(t, 1, f.incidents.openByType(data.IncidentManualIntervention))
}

func TestListRecentWorkflows(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.addProxy(4)

	for _, h := range []string{"a", "b", "c"} {
		_, err := f.workflow.RunOnboarding(ctx, h)
		require.NoError(t, err)
	}

	recent, err := f.workflow.ListRecentWorkflows(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}

func TestGetWorkflowUnknownID(t *testing.T) {
	f := newFixture()

	_, err := f.workflow.GetWorkflow(context.Background(), "missing")
	assert.True(t, IsNotFound(err))
}
