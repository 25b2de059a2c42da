package model

import "time"

// Workflow and step statuses.
const (
	WorkflowRunning   = "running"
	WorkflowCompleted = "completed"
	WorkflowFailed    = "failed"

	StepPending    = "pending"
	StepInProgress = "in_progress"
	StepCompleted  = "completed"
	StepFailed     = "failed"
)

// Workflow types.
const (
	WorkflowOnboarding        = "onboarding"
	WorkflowDailyMaintenance  = "daily_maintenance"
	WorkflowWeeklyMaintenance = "weekly_maintenance"
	WorkflowRecovery          = "recovery"
	WorkflowEmergencyFailover = "emergency_failover"
	WorkflowBulkOnboard       = "bulk_onboard"
)

// WorkflowStep is one audited step of a workflow run. Every step stamps
// its start and completion times and keeps its output or error.
type WorkflowStep struct {
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Output      string     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Workflow is one orchestrated run with its full step audit trail.
type Workflow struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Status      string         `json:"status"`
	Steps       []WorkflowStep `json:"steps"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// FailedStep returns the name of the first failed step, or "" when none.
func (w *Workflow) FailedStep() string {
	for _, s := range w.Steps {
		if s.Status == StepFailed {
			return s.Name
		}
	}
	return ""
}
