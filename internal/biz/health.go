package biz

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/YannisKiefer/control-center/internal/conf"
	"github.com/YannisKiefer/control-center/internal/data"
	"github.com/YannisKiefer/control-center/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

// Scoring deductions. The score starts at 100 and deductions are
// summed before clamping to [0, 100], so the same inputs always
// produce the same score.
const (
	deductProxyUnreachable = 40
	deductSuspended        = 30
	deductBanned           = 50
	deductNearActionLimit  = 10
	deductPerIssue         = 2

	nearLimitRatio     = 0.9
	staleActivityAfter = 48 * time.Hour
	elevatedSpamScore  = 50
)

// ewmaAlpha weights the newest probe sample when smoothing proxy metrics.
const ewmaAlpha = 0.3

// trendWindow is how many recent checks feed an account's score trend.
const trendWindow = 5

// resolverController identifies automatic resolutions in the incident
// audit trail, as opposed to a named operator.
const resolverController = "controller"

// HealthUsecase evaluates account health and proxy connectivity.
type HealthUsecase struct {
	proxies   data.ProxyRepo
	accounts  data.AccountRepo
	incidents data.IncidentRepo
	logs      data.HealthLogRepo
	prober    Prober
	events    EventPublisher
	cache     data.CacheClient
	cfg       *conf.Fleet
	logger    *log.Helper
}

// NewHealthUsecase creates a new health usecase.
func NewHealthUsecase(
	proxies data.ProxyRepo,
	accounts data.AccountRepo,
	incidents data.IncidentRepo,
	logs data.HealthLogRepo,
	prober Prober,
	events EventPublisher,
	cache data.CacheClient,
	cfg *conf.Fleet,
	logger log.Logger,
) *HealthUsecase {
	return &HealthUsecase{
		proxies:   proxies,
		accounts:  accounts,
		incidents: incidents,
		logs:      logs,
		prober:    prober,
		events:    events,
		cache:     cache,
		cfg:       cfg,
		logger:    log.NewHelper(logger),
	}
}

// scoreAccount computes the deterministic health score for an account.
// Deductions: unreachable proxy -40, suspended -30, banned -50, daily
// action budget above 90% -10, spam score divided by 10, and -2 per
// secondary issue (stale activity, limit reached, elevated spam).
func scoreAccount(account *data.Account, proxyWorking bool, now time.Time) (int, []string) {
	score := 100
	var issues []string

	if !proxyWorking {
		score -= deductProxyUnreachable
		issues = append(issues, "proxy unreachable")
	}

	switch account.Status {
	case data.AccountStatusSuspended:
		score -= deductSuspended
		issues = append(issues, "account suspended")
	case data.AccountStatusBanned:
		score -= deductBanned
		issues = append(issues, "account banned")
	}

	if account.DailyActionLimit > 0 {
		ratio := float64(account.ActionsToday) / float64(account.DailyActionLimit)
		if ratio > nearLimitRatio {
			score -= deductNearActionLimit
			issues = append(issues, "daily action budget nearly exhausted")
		}
	}

	score -= account.SpamScore / 10

	// Secondary issues each shave two points on top of their own signal.
	var secondary []string
	if account.LastActivityAt != nil && now.Sub(*account.LastActivityAt) > staleActivityAfter {
		secondary = append(secondary, "no activity in the last 48 hours")
	}
	if account.DailyActionLimit > 0 && account.ActionsToday >= account.DailyActionLimit {
		secondary = append(secondary, "daily action limit reached")
	}
	if account.SpamScore > elevatedSpamScore {
		secondary = append(secondary, "elevated spam score")
	}
	score -= deductPerIssue * len(secondary)
	issues = append(issues, secondary...)

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score, issues
}

// criticalIncidentType picks the incident type for an account whose
// score fell below the critical threshold, by the dominant signal.
func criticalIncidentType(account *data.Account) data.IncidentType {
	switch {
	case account.Status == data.AccountStatusSuspended || account.Status == data.AccountStatusBanned:
		return data.IncidentAccountSuspended
	case account.DailyActionLimit > 0 && account.ActionsToday >= account.DailyActionLimit:
		return data.IncidentRateLimitHit
	case account.SpamScore > elevatedSpamScore:
		return data.IncidentAccountSuspicious
	default:
		return data.IncidentHealthCheckFailed
	}
}

// CheckAccountHealth evaluates one account, persists the new score and
// appends a health check log entry.
func (uc *HealthUsecase) CheckAccountHealth(ctx context.Context, accountID int64) (*model.HealthCheckResult, error) {
	account, err := uc.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, ErrNotFound("account %d not found", accountID)
	}

	proxyWorking := false
	if account.ProxyID != nil {
		proxy, err := uc.proxies.GetProxy(ctx, *account.ProxyID)
		if err == nil {
			proxyWorking = proxy.Status == data.ProxyStatusActive
		}
	}

	score, issues := scoreAccount(account, proxyWorking, time.Now())

	if err := uc.accounts.UpdateHealthScore(ctx, accountID, score); err != nil {
		return nil, err
	}

	result := &model.HealthCheckResult{
		AccountID:   accountID,
		HealthScore: score,
		Issues:      issues,
	}
	if score < int(uc.cfg.CriticalThreshold) {
		result.Alerts = append(result.Alerts,
			fmt.Sprintf("health score %d below critical threshold %d", score, uc.cfg.CriticalThreshold))
	} else if score < int(uc.cfg.WarningThreshold) {
		result.Alerts = append(result.Alerts,
			fmt.Sprintf("health score %d below warning threshold %d", score, uc.cfg.WarningThreshold))
	}

	details, _ := json.Marshal(issues)
	entry := &data.HealthCheckLog{
		TargetType: data.HealthTargetAccount,
		TargetID:   accountID,
		Score:      score,
		OK:         score >= int(uc.cfg.WarningThreshold),
		Details:    string(details),
	}
	if err := uc.logs.AppendLog(ctx, entry); err != nil {
		uc.logger.Warnw("msg", "failed to append account health log",
			"account_id", accountID,
			"error", err)
	}

	return result, nil
}

// RunDailyHealthCheck sweeps every active account. Scores below the
// critical threshold open an incident; scores below the warning
// threshold publish an alert event.
func (uc *HealthUsecase) RunDailyHealthCheck(ctx context.Context) (*model.HealthReport, error) {
	accounts, err := uc.accounts.ListActiveAccounts(ctx)
	if err != nil {
		return nil, err
	}

	report := &model.HealthReport{}
	var scoreSum int

	for _, account := range accounts {
		result, err := uc.CheckAccountHealth(ctx, account.ID)
		if err != nil {
			uc.logger.Errorw("msg", "health check failed for account",
				"account_id", account.ID,
				"error", err)
			continue
		}

		report.Checked++
		scoreSum += result.HealthScore

		switch {
		case result.HealthScore < int(uc.cfg.CriticalThreshold):
			report.Critical++
			inc := &data.Incident{
				Type:      criticalIncidentType(account),
				Severity:  data.SeverityCritical,
				AccountID: &account.ID,
				ProxyID:   account.ProxyID,
				Description: fmt.Sprintf("account %s health score %d below critical threshold %d: %s",
					account.Handle, result.HealthScore, uc.cfg.CriticalThreshold,
					strings.Join(result.Issues, "; ")),
			}
			if err := uc.incidents.CreateIncident(ctx, inc); err != nil {
				uc.logger.Errorw("msg", "failed to open health incident",
					"account_id", account.ID,
					"error", err)
			}
		case result.HealthScore < int(uc.cfg.WarningThreshold):
			report.Warnings++
			var proxyID int64
			if account.ProxyID != nil {
				proxyID = *account.ProxyID
			}
			if err := uc.events.Publish(ctx, model.IncidentAlertEvent{
				AccountID:   account.ID,
				ProxyID:     proxyID,
				HealthScore: result.HealthScore,
				Message:     strings.Join(result.Issues, "; "),
			}); err != nil {
				uc.logger.Warnw("msg", "failed to publish health alert",
					"account_id", account.ID,
					"error", err)
			}
		}
	}

	if report.Checked > 0 {
		report.AverageScore = float64(scoreSum) / float64(report.Checked)
	}

	if err := uc.events.Publish(ctx, model.HealthCheckCompletedEvent{
		Checked:   report.Checked,
		Warnings:  report.Warnings,
		Critical:  report.Critical,
		CheckedAt: time.Now(),
	}); err != nil {
		uc.logger.Warnw("msg", "failed to publish health check completed event", "error", err)
	}

	uc.logger.Infow("msg", "daily health check finished",
		"checked", report.Checked,
		"warnings", report.Warnings,
		"critical", report.Critical,
		"average", report.AverageScore)
	return report, nil
}

// TestProxy probes one proxy and folds the sample into its smoothed
// metrics. The first sample seeds the metrics directly.
func (uc *HealthUsecase) TestProxy(ctx context.Context, proxyID int64) (*model.ProbeResult, error) {
	proxy, err := uc.proxies.GetProxy(ctx, proxyID)
	if err != nil {
		return nil, ErrNotFound("proxy %d not found", proxyID)
	}

	result := uc.prober.TestConnectivity(ctx, proxy.URL(), uc.cfg.ProbeTestURL, uc.cfg.ProbeTimeout.AsDuration())

	sampleRate := 0.0
	if result.OK {
		sampleRate = 100.0
	}

	var avgMs int64
	var successRate float64
	if proxy.LastTestedAt == nil {
		avgMs = result.LatencyMs
		successRate = sampleRate
	} else {
		avgMs = int64((1-ewmaAlpha)*float64(proxy.AvgResponseTimeMs) + ewmaAlpha*float64(result.LatencyMs))
		successRate = (1-ewmaAlpha)*proxy.SuccessRate + ewmaAlpha*sampleRate
	}

	if err := uc.proxies.UpdateProbeMetrics(ctx, proxyID, avgMs, successRate, time.Now()); err != nil {
		uc.logger.Errorw("msg", "failed to update probe metrics",
			"proxy_id", proxyID,
			"error", err)
	}

	entry := &data.HealthCheckLog{
		TargetType: data.HealthTargetProxy,
		TargetID:   proxyID,
		OK:         result.OK,
		LatencyMs:  result.LatencyMs,
		Details:    result.Err,
	}
	if err := uc.logs.AppendLog(ctx, entry); err != nil {
		uc.logger.Warnw("msg", "failed to append proxy probe log",
			"proxy_id", proxyID,
			"error", err)
	}

	return result, nil
}

// CheckAllProxies probes the whole fleet and applies status transitions.
// An active proxy failing its probe goes to failed with a -20 score hit
// and one proxy_failure incident on the transition. A failed proxy
// passing goes back to active with +10 and its incidents resolved.
// Proxies in maintenance are left alone.
func (uc *HealthUsecase) CheckAllProxies(ctx context.Context) (*model.ProxySweepReport, error) {
	proxies, err := uc.proxies.ListProxies(ctx, "")
	if err != nil {
		return nil, err
	}

	report := &model.ProxySweepReport{}
	for _, proxy := range proxies {
		if proxy.Status == data.ProxyStatusMaintenance {
			continue
		}

		result, err := uc.TestProxy(ctx, proxy.ID)
		if err != nil {
			uc.logger.Errorw("msg", "proxy probe errored", "proxy_id", proxy.ID, "error", err)
			continue
		}

		report.Tested++
		if result.OK {
			report.Passed++
		} else {
			report.Failed++
		}

		switch {
		case proxy.Status == data.ProxyStatusActive && !result.OK:
			if err := uc.markProxyFailed(ctx, proxy, result); err != nil {
				uc.logger.Errorw("msg", "failed to mark proxy failed", "proxy_id", proxy.ID, "error", err)
				continue
			}
			report.Transitions = append(report.Transitions, proxy.ID)

		case proxy.Status == data.ProxyStatusFailed && result.OK:
			if err := uc.markProxyRecovered(ctx, proxy); err != nil {
				uc.logger.Errorw("msg", "failed to mark proxy recovered", "proxy_id", proxy.ID, "error", err)
				continue
			}
			report.Transitions = append(report.Transitions, proxy.ID)
		}
	}

	uc.logger.Infow("msg", "proxy sweep finished",
		"tested", report.Tested,
		"passed", report.Passed,
		"failed", report.Failed,
		"transitions", len(report.Transitions))
	return report, nil
}

// markProxyFailed transitions active -> failed. The incident is opened
// only if no proxy_failure incident is already unresolved, so repeated
// sweeps do not pile up duplicates.
func (uc *HealthUsecase) markProxyFailed(ctx context.Context, proxy *data.Proxy, result *model.ProbeResult) error {
	if err := uc.proxies.UpdateProxyStatus(ctx, proxy.ID, data.ProxyStatusFailed); err != nil {
		return err
	}
	if err := uc.proxies.AdjustHealthScore(ctx, proxy.ID, -20); err != nil {
		uc.logger.Warnw("msg", "failed to adjust proxy health score", "proxy_id", proxy.ID, "error", err)
	}

	open, err := uc.incidents.ListOpenByProxy(ctx, proxy.ID, data.IncidentProxyFailure)
	if err != nil {
		return err
	}
	if len(open) > 0 {
		return nil
	}

	inc := &data.Incident{
		Type:        data.IncidentProxyFailure,
		Severity:    data.SeverityCritical,
		ProxyID:     &proxy.ID,
		Description: fmt.Sprintf("proxy %s:%d failed connectivity probe: %s", proxy.Host, proxy.Port, result.Err),
	}
	return uc.incidents.CreateIncident(ctx, inc)
}

// markProxyRecovered transitions failed -> active and resolves the
// proxy's unresolved incidents.
func (uc *HealthUsecase) markProxyRecovered(ctx context.Context, proxy *data.Proxy) error {
	if err := uc.proxies.UpdateProxyStatus(ctx, proxy.ID, data.ProxyStatusActive); err != nil {
		return err
	}
	if err := uc.proxies.AdjustHealthScore(ctx, proxy.ID, 10); err != nil {
		uc.logger.Warnw("msg", "failed to adjust proxy health score", "proxy_id", proxy.ID, "error", err)
	}

	resolved, err := uc.incidents.ResolveByProxy(ctx, proxy.ID, resolverController,
		"proxy passed its connectivity probe and returned to rotation")
	if err != nil {
		uc.logger.Warnw("msg", "failed to resolve incidents for recovered proxy",
			"proxy_id", proxy.ID,
			"error", err)
	}

	if err := uc.events.Publish(ctx, model.ProxyRecoveredEvent{
		ProxyID:           proxy.ID,
		HealthScore:       proxy.HealthScore + 10,
		ResolvedIncidents: resolved,
		RecoveredAt:       time.Now(),
	}); err != nil {
		uc.logger.Warnw("msg", "failed to publish proxy recovered event",
			"proxy_id", proxy.ID,
			"error", err)
	}
	return nil
}

// ListOpenIncidents returns every incident not yet resolved or ignored,
// newest first.
func (uc *HealthUsecase) ListOpenIncidents(ctx context.Context) ([]*data.Incident, error) {
	return uc.incidents.ListOpenIncidents(ctx)
}

// GetIncident returns one incident with its full audit fields.
func (uc *HealthUsecase) GetIncident(ctx context.Context, id int64) (*data.Incident, error) {
	inc, err := uc.incidents.GetIncident(ctx, id)
	if err != nil {
		return nil, ErrNotFound("incident %d not found", id)
	}
	return inc, nil
}

// SetIncidentStatus moves an incident forward, to investigating or
// ignored. Resolving goes through ResolveIncident so the resolution
// is recorded.
func (uc *HealthUsecase) SetIncidentStatus(ctx context.Context, id int64, status data.IncidentStatus) error {
	if status == data.IncidentResolved {
		return ErrValidationFailure("resolving incident %d requires a resolution, use ResolveIncident", id)
	}

	inc, err := uc.incidents.GetIncident(ctx, id)
	if err != nil {
		return ErrNotFound("incident %d not found", id)
	}
	if !inc.Status.CanTransitionTo(status) {
		return ErrValidationFailure("incident %d cannot move from %s to %s", id, inc.Status, status)
	}

	return uc.incidents.UpdateIncidentStatus(ctx, id, status)
}

// ResolveIncident closes an incident with the resolver identity and
// resolution text kept for audit.
func (uc *HealthUsecase) ResolveIncident(ctx context.Context, id int64, resolvedBy, resolution string) error {
	if resolvedBy == "" {
		return ErrValidationFailure("incident resolution requires a resolver identity")
	}
	if resolution == "" {
		return ErrValidationFailure("incident resolution requires resolution text")
	}

	inc, err := uc.incidents.GetIncident(ctx, id)
	if err != nil {
		return ErrNotFound("incident %d not found", id)
	}
	if !inc.Status.CanTransitionTo(data.IncidentResolved) {
		return ErrValidationFailure("incident %d is already %s", id, inc.Status)
	}

	return uc.incidents.ResolveIncident(ctx, id, resolvedBy, resolution)
}

// Summary reports stored health scores without re-evaluating anything,
// plus a per-account trend built from the recent check logs.
func (uc *HealthUsecase) Summary(ctx context.Context) (*model.HealthReport, error) {
	accounts, err := uc.accounts.ListActiveAccounts(ctx)
	if err != nil {
		return nil, err
	}

	report := &model.HealthReport{}
	var scoreSum int
	for _, account := range accounts {
		report.Checked++
		scoreSum += account.HealthScore
		switch {
		case account.HealthScore < int(uc.cfg.CriticalThreshold):
			report.Critical++
		case account.HealthScore < int(uc.cfg.WarningThreshold):
			report.Warnings++
		}

		if trend := uc.accountTrend(ctx, account.ID); trend != nil {
			report.Trends = append(report.Trends, *trend)
		}
	}
	if report.Checked > 0 {
		report.AverageScore = float64(scoreSum) / float64(report.Checked)
	}
	return report, nil
}

// accountTrend compares the newest logged score against the oldest in
// the window. One check is not a trend.
func (uc *HealthUsecase) accountTrend(ctx context.Context, accountID int64) *model.AccountTrend {
	logs, err := uc.logs.RecentForAccount(ctx, accountID, trendWindow)
	if err != nil {
		uc.logger.Warnw("msg", "failed to load recent health checks",
			"account_id", accountID,
			"error", err)
		return nil
	}
	if len(logs) < 2 {
		return nil
	}

	trend := &model.AccountTrend{AccountID: accountID}
	for _, entry := range logs {
		trend.Scores = append(trend.Scores, entry.Score)
	}
	switch newest, oldest := logs[0].Score, logs[len(logs)-1].Score; {
	case newest > oldest:
		trend.Direction = model.TrendImproving
	case newest < oldest:
		trend.Direction = model.TrendDeclining
	default:
		trend.Direction = model.TrendSteady
	}
	return trend
}

// Stats assembles a point-in-time fleet snapshot. The snapshot is cached
// briefly so dashboards polling it do not hammer the database.
func (uc *HealthUsecase) Stats(ctx context.Context) (*model.StatsSnapshot, error) {
	cacheKey := data.BuildCacheKey(data.CacheKeyStats, "fleet")

	var cached model.StatsSnapshot
	if err := uc.cache.Get(ctx, cacheKey, &cached); err == nil {
		return &cached, nil
	}

	accountCounts, err := uc.accounts.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	proxyCounts, err := uc.proxies.StatusCounts(ctx)
	if err != nil {
		return nil, err
	}
	spare, err := uc.proxies.SpareCapacity(ctx)
	if err != nil {
		return nil, err
	}
	openBySeverity, err := uc.incidents.CountOpenBySeverity(ctx)
	if err != nil {
		return nil, err
	}
	avgHealth, err := uc.accounts.AverageHealthScore(ctx)
	if err != nil {
		return nil, err
	}

	snapshot := &model.StatsSnapshot{
		Timestamp:        time.Now(),
		AccountsByStatus: accountCounts,
		ProxiesByStatus:  proxyCounts,
		SpareCapacity:    spare,
		OpenBySeverity:   openBySeverity,
		AvgAccountHealth: avgHealth,
	}
	for _, c := range accountCounts {
		snapshot.TotalAccounts += c
	}
	for _, c := range proxyCounts {
		snapshot.TotalProxies += c
	}
	for _, c := range openBySeverity {
		snapshot.OpenIncidents += c
	}

	if err := uc.cache.Set(ctx, cacheKey, snapshot, data.TTLStats); err != nil {
		uc.logger.Warnw("msg", "failed to cache fleet stats", "error", err)
	}

	return snapshot, nil
}
