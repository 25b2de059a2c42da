package model

import "time"

// ProbeResult is the outcome of one connectivity probe through a proxy.
// A failed probe is a result, not an error: Err carries the cause.
type ProbeResult struct {
	OK         bool   `json:"ok"`
	LatencyMs  int64  `json:"latency_ms"`
	StatusCode int    `json:"status_code,omitempty"`
	Err        string `json:"error,omitempty"`
}

// HealthCheckResult is the outcome of one account health evaluation.
type HealthCheckResult struct {
	AccountID   int64    `json:"account_id"`
	HealthScore int      `json:"health_score"`
	Issues      []string `json:"issues,omitempty"`
	Alerts      []string `json:"alerts,omitempty"`
}

// HealthReport summarizes one full account health sweep.
type HealthReport struct {
	Checked      int            `json:"checked"`
	Warnings     int            `json:"warnings"`
	Critical     int            `json:"critical"`
	AverageScore float64        `json:"average_score"`
	Trends       []AccountTrend `json:"trends,omitempty"`
}

// Trend directions reported per account.
const (
	TrendImproving = "improving"
	TrendDeclining = "declining"
	TrendSteady    = "steady"
)

// AccountTrend is the recent score trajectory of one account, newest
// check first.
type AccountTrend struct {
	AccountID int64  `json:"account_id"`
	Scores    []int  `json:"scores"`
	Direction string `json:"direction"`
}

// ProxySweepReport summarizes one full proxy connectivity sweep.
type ProxySweepReport struct {
	Tested      int     `json:"tested"`
	Passed      int     `json:"passed"`
	Failed      int     `json:"failed"`
	Transitions []int64 `json:"transitions,omitempty"` // proxy ids that changed status
}

// ProxyMetrics carries observed degradation metrics for a proxy.
type ProxyMetrics struct {
	AvgResponseTimeMs int64   `json:"avg_response_time_ms"`
	SuccessRate       float64 `json:"success_rate"`
}

// StatsSnapshot is a point-in-time view of the fleet, used by the stats
// API and the weekly maintenance snapshot step.
type StatsSnapshot struct {
	Timestamp        time.Time        `json:"timestamp"`
	TotalAccounts    int64            `json:"total_accounts"`
	AccountsByStatus map[string]int64 `json:"accounts_by_status"`
	TotalProxies     int64            `json:"total_proxies"`
	ProxiesByStatus  map[string]int64 `json:"proxies_by_status"`
	SpareCapacity    int64            `json:"spare_capacity"`
	OpenIncidents    int64            `json:"open_incidents"`
	OpenBySeverity   map[string]int64 `json:"open_by_severity"`
	AvgAccountHealth float64          `json:"avg_account_health"`
}
