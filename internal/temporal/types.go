package temporal

import (
	"fmt"
	"time"
)

// TestCycleWorkflowType identifies the cycle-level workflow in tracking rows.
const TestCycleWorkflowType = "TestCycleWorkflow"

// ReportWorkflowType identifies the per-report workflow in tracking rows.
const ReportWorkflowType = "ReportTestingWorkflow"

// CycleRequest starts a test cycle workflow covering one or more reports.
type CycleRequest struct {
	CycleID         int            `json:"cycle_id"`
	InitiatedBy     int            `json:"initiated_by_user_id"`
	ReportIDs       []int          `json:"report_ids,omitempty"`  // defaults to every report in the cycle
	SkipPhases      []string       `json:"skip_phases,omitempty"` // validated against the phase set
	Metadata        map[string]any `json:"metadata,omitempty"`
	WorkflowVersion string         `json:"workflow_version"`

	// ManualPollSeconds overrides the human-gate poll interval. Zero means
	// the default.
	ManualPollSeconds int `json:"manual_poll_seconds,omitempty"`
}

// ReportRequest drives one report's nine-phase run as a child workflow.
type ReportRequest struct {
	CycleID         int      `json:"cycle_id"`
	ReportID        int      `json:"report_id"`
	InitiatedBy     int      `json:"initiated_by_user_id"`
	SkipPhases      []string `json:"skip_phases,omitempty"`
	WorkflowVersion string   `json:"workflow_version"`

	ManualPollSeconds int `json:"manual_poll_seconds,omitempty"`
}

// PhaseInput is the uniform argument for phase lifecycle activities. StepID
// names the tracking step the phase runs under, so activities can record
// their retry attempts against it.
type PhaseInput struct {
	CycleID   int    `json:"cycle_id"`
	ReportID  int    `json:"report_id"`
	UserID    int    `json:"user_id"`
	PhaseName string `json:"phase_name"`
	StepID    string `json:"step_id,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

// ActivityResult is the uniform return shape for business activities.
// Business-rule violations surface as Success=false with a descriptive
// Error; only transient infrastructure failures become Go errors, which the
// engine retries.
type ActivityResult struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// OK returns a successful result carrying data.
func OK(data map[string]any) ActivityResult {
	return ActivityResult{Success: true, Data: data}
}

// Fail returns a business-rule failure with a descriptive error.
func Fail(format string, args ...any) ActivityResult {
	return ActivityResult{Success: false, Error: fmt.Sprintf(format, args...)}
}

// ManualActivityInput creates or polls a human-gated review step.
type ManualActivityInput struct {
	CycleID      int    `json:"cycle_id"`
	ReportID     int    `json:"report_id"`
	PhaseName    string `json:"phase_name"`
	ActivityName string `json:"activity_name"`
	ActivityID   string `json:"activity_id,omitempty"`
}

// ManualActivityStatus is returned by the manual-activity poll.
type ManualActivityStatus struct {
	Completed  bool           `json:"completed"`
	Decision   string         `json:"decision,omitempty"`
	ResultData map[string]any `json:"result_data,omitempty"`
}

// NotificationInput is sent to the notification activity.
type NotificationInput struct {
	CycleID   int    `json:"cycle_id"`
	ReportID  int    `json:"report_id"`
	PhaseName string `json:"phase_name"`
	Event     string `json:"event"`
	Message   string `json:"message"`
}

// StartWorkflowResult is returned to the caller that started a cycle run.
type StartWorkflowResult struct {
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`
	CycleID    int    `json:"cycle_id"`
	ReportIDs  []int  `json:"report_ids"`
	Status     string `json:"status"`
}

// WorkflowStatus is the status contract served from the tracking store,
// falling back to the execution engine when the store has no row.
type WorkflowStatus struct {
	WorkflowID      string     `json:"workflow_id"`
	Status          string     `json:"status"`
	CurrentPhase    string     `json:"current_phase,omitempty"`
	CompletedPhases []string   `json:"completed_phases"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationSeconds float64    `json:"duration_seconds"`
}

// ReportResult is the outcome of one report's child workflow.
type ReportResult struct {
	ReportID        int      `json:"report_id"`
	Status          string   `json:"status"`
	CompletedPhases []string `json:"completed_phases"`
	FailedPhase     string   `json:"failed_phase,omitempty"`
	Error           string   `json:"error,omitempty"`
}

// CycleResult is the outcome of the cycle-level workflow.
type CycleResult struct {
	CycleID int            `json:"cycle_id"`
	Status  string         `json:"status"`
	Reports []ReportResult `json:"reports"`
}
