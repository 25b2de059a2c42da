// Package model holds cross-layer value types: the closed event union
// published on fleet state transitions and the result structures shared
// between the biz and service layers.
package model

import "time"

// EventKind identifies one variant of the event union.
type EventKind string

// Event kinds published by the controller on state transitions.
const (
	EventAccountCreated             EventKind = "account.created"
	EventProxyRecovered             EventKind = "proxy.recovered"
	EventIncidentAlert              EventKind = "incident.alert"
	EventFailoverCompleted          EventKind = "failover.account.completed"
	EventBulkFailoverCompleted      EventKind = "failover.bulk.completed"
	EventHealthCheckCompleted       EventKind = "health-check.completed"
	EventDailyMaintenanceCompleted  EventKind = "maintenance.daily.completed"
	EventWeeklyMaintenanceCompleted EventKind = "maintenance.weekly.completed"
	EventWorkflowCompleted          EventKind = "workflow.completed"
)

// Event is the closed union of fleet notifications. Each variant carries
// its own strongly-typed payload; consumers switch on Kind().
type Event interface {
	Kind() EventKind
}

// AccountCreatedEvent is published when an account is created and bound
// to a proxy.
type AccountCreatedEvent struct {
	AccountID int64
	ProxyID   int64
	Handle    string
	CreatedAt time.Time
}

func (AccountCreatedEvent) Kind() EventKind { return EventAccountCreated }

// ProxyRecoveredEvent is published when a failed proxy transitions back
// to active, either automatically or via explicit recovery.
type ProxyRecoveredEvent struct {
	ProxyID           int64
	HealthScore       int
	ResolvedIncidents int64
	RecoveredAt       time.Time
}

func (ProxyRecoveredEvent) Kind() EventKind { return EventProxyRecovered }

// IncidentAlertEvent is published for sub-incident warnings, e.g. an
// account health score falling below the warning threshold.
type IncidentAlertEvent struct {
	AccountID   int64
	ProxyID     int64
	HealthScore int
	Message     string
}

func (IncidentAlertEvent) Kind() EventKind { return EventIncidentAlert }

// FailoverCompletedEvent is published after a single account failover.
type FailoverCompletedEvent struct {
	AccountID   int64
	FromProxyID int64
	ToProxyID   int64
	Reason      string
}

func (FailoverCompletedEvent) Kind() EventKind { return EventFailoverCompleted }

// BulkFailoverCompletedEvent is published after a bulk failover run,
// including partially failed ones.
type BulkFailoverCompletedEvent struct {
	ProxyID    int64
	Successful int
	Failed     int
}

func (BulkFailoverCompletedEvent) Kind() EventKind { return EventBulkFailoverCompleted }

// HealthCheckCompletedEvent summarizes one account health sweep.
type HealthCheckCompletedEvent struct {
	Checked   int
	Warnings  int
	Critical  int
	CheckedAt time.Time
}

func (HealthCheckCompletedEvent) Kind() EventKind { return EventHealthCheckCompleted }

// DailyMaintenanceCompletedEvent is published when the daily maintenance
// workflow completes.
type DailyMaintenanceCompletedEvent struct {
	WorkflowID string
}

func (DailyMaintenanceCompletedEvent) Kind() EventKind { return EventDailyMaintenanceCompleted }

// WeeklyMaintenanceCompletedEvent is published when the weekly
// maintenance workflow completes.
type WeeklyMaintenanceCompletedEvent struct {
	WorkflowID string
}

func (WeeklyMaintenanceCompletedEvent) Kind() EventKind { return EventWeeklyMaintenanceCompleted }

// WorkflowCompletedEvent is published when an orchestrated workflow
// finishes successfully.
type WorkflowCompletedEvent struct {
	WorkflowID string
	Type       string
}

func (WorkflowCompletedEvent) Kind() EventKind { return EventWorkflowCompleted }
