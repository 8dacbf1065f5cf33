package temporal

import (
	"context"

	"github.com/synapse-reg/synapse/internal/store"
)

// Tracking activity inputs. Kept flat and JSON-serializable so the durable
// history stays readable.

type RecordWorkflowStartInput struct {
	WorkflowID      string `json:"workflow_id"`
	RunID           string `json:"run_id"`
	WorkflowType    string `json:"workflow_type"`
	WorkflowVersion string `json:"workflow_version"`
	CycleID         int    `json:"cycle_id"`
	ReportID        *int   `json:"report_id,omitempty"`
	InitiatedBy     int    `json:"initiated_by"`
	InputData       string `json:"input_data,omitempty"`
}

type RecordWorkflowCompleteInput struct {
	ExecutionID  string `json:"execution_id"`
	Status       string `json:"status"`
	OutputData   string `json:"output_data,omitempty"`
	ErrorDetails string `json:"error_details,omitempty"`
}

type RecordStepStartInput struct {
	// StepID is a deterministic identifier minted by workflow code. It
	// keys the insert so a retried record activity never duplicates the
	// step.
	StepID       string `json:"step_id,omitempty"`
	ExecutionID  string `json:"execution_id"`
	ParentStepID string `json:"parent_step_id,omitempty"`
	StepName     string `json:"step_name"`
	StepType     string `json:"step_type"`
	PhaseName    string `json:"phase_name,omitempty"`
	ActivityName string `json:"activity_name,omitempty"`
	MaxAttempts  int    `json:"max_attempts,omitempty"`
}

type RecordStepCompleteInput struct {
	StepID       string `json:"step_id"`
	Status       string `json:"status"`
	OutputData   string `json:"output_data,omitempty"`
	ErrorDetails string `json:"error_details,omitempty"`
}

type RecordTransitionInput struct {
	TransitionID       string  `json:"transition_id,omitempty"`
	ExecutionID        string  `json:"execution_id"`
	FromStepID         string  `json:"from_step_id,omitempty"`
	ToStepID           string  `json:"to_step_id"`
	TransitionType     string  `json:"transition_type"`
	ConditionEvaluated *string `json:"condition_evaluated,omitempty"`
	ConditionResult    *bool   `json:"condition_result,omitempty"`
}

// RecordWorkflowStartActivity inserts the execution row and returns its ID.
// Idempotent across activity retries and workflow replays.
func (a *Activities) RecordWorkflowStartActivity(_ context.Context, in RecordWorkflowStartInput) (string, error) {
	return a.Recorder.WorkflowStarted(store.WorkflowExecution{
		WorkflowID:      in.WorkflowID,
		RunID:           in.RunID,
		WorkflowType:    in.WorkflowType,
		WorkflowVersion: in.WorkflowVersion,
		CycleID:         in.CycleID,
		ReportID:        in.ReportID,
		InitiatedBy:     in.InitiatedBy,
		InputData:       in.InputData,
	})
}

// RecordWorkflowCompleteActivity marks the execution terminal and evaluates
// the slow-execution alert rule.
func (a *Activities) RecordWorkflowCompleteActivity(_ context.Context, in RecordWorkflowCompleteInput) error {
	_, err := a.Recorder.WorkflowCompleted(in.ExecutionID, in.Status, in.OutputData, in.ErrorDetails)
	return err
}

// RecordStepStartActivity records a step start and returns the step ID.
func (a *Activities) RecordStepStartActivity(_ context.Context, in RecordStepStartInput) (string, error) {
	return a.Recorder.StepStarted(store.WorkflowStep{
		StepID:       in.StepID,
		ExecutionID:  in.ExecutionID,
		ParentStepID: in.ParentStepID,
		StepName:     in.StepName,
		StepType:     in.StepType,
		PhaseName:    in.PhaseName,
		ActivityName: in.ActivityName,
		MaxAttempts:  in.MaxAttempts,
	})
}

// RecordStepCompleteActivity marks a step terminal and evaluates the
// slow-step alert rule.
func (a *Activities) RecordStepCompleteActivity(_ context.Context, in RecordStepCompleteInput) error {
	_, err := a.Recorder.StepCompleted(in.StepID, in.Status, in.OutputData, in.ErrorDetails)
	return err
}

// RecordTransitionActivity records a completed edge between two steps.
func (a *Activities) RecordTransitionActivity(_ context.Context, in RecordTransitionInput) (string, error) {
	transitionID, err := a.Recorder.TransitionStarted(store.WorkflowTransition{
		TransitionID:       in.TransitionID,
		ExecutionID:        in.ExecutionID,
		FromStepID:         in.FromStepID,
		ToStepID:           in.ToStepID,
		TransitionType:     in.TransitionType,
		ConditionEvaluated: in.ConditionEvaluated,
		ConditionResult:    in.ConditionResult,
	})
	if err != nil {
		return "", err
	}
	if err := a.Recorder.TransitionCompleted(transitionID); err != nil {
		return "", err
	}
	return transitionID, nil
}

// CalculateMetricsActivity folds a completed execution into the metric
// buckets and evaluates the failure-rate rule.
func (a *Activities) CalculateMetricsActivity(_ context.Context, executionID string) error {
	return a.Recorder.CalculateMetrics(executionID)
}
