// Package tracking records workflow execution events and derives duration
// metrics and threshold alerts from them.
package tracking

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/synapse-reg/synapse/internal/phase"
	"github.com/synapse-reg/synapse/internal/store"
)

// Alert thresholds. A workflow is slow past 1.2x its expected duration and
// severe past 1.5x; a step is slow past 1.5x its phase's expected duration.
const (
	workflowSlowFactor   = 1.2
	workflowSevereFactor = 1.5
	stepSlowFactor       = 1.5

	failureRateThreshold = 0.5
	failureRateMinRuns   = 5
)

// DefaultExpectedWorkflowDuration is the expected wall-clock time for one
// full report test cycle.
const DefaultExpectedWorkflowDuration = 7 * 24 * time.Hour

// DefaultExpectedPhaseDurations is the per-phase expected duration table.
func DefaultExpectedPhaseDurations() map[string]time.Duration {
	return map[string]time.Duration{
		phase.Planning:           2 * 24 * time.Hour,
		phase.DataProfiling:      3 * 24 * time.Hour,
		phase.Scoping:            2 * 24 * time.Hour,
		phase.SampleSelection:    2 * 24 * time.Hour,
		phase.DataProviderID:     2 * 24 * time.Hour,
		phase.RequestInfo:        3 * 24 * time.Hour,
		phase.Testing:            5 * 24 * time.Hour,
		phase.Observations:       3 * 24 * time.Hour,
		phase.FinalizeTestReport: 2 * 24 * time.Hour,
	}
}

// Recorder writes execution events to the tracking store and raises alerts
// when completions cross duration or failure-rate thresholds.
type Recorder struct {
	store            *store.Store
	logger           *slog.Logger
	expectedWorkflow time.Duration
	expectedPhases   map[string]time.Duration
}

// NewRecorder builds a Recorder with the default expected-duration tables.
func NewRecorder(s *store.Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:            s,
		logger:           logger,
		expectedWorkflow: DefaultExpectedWorkflowDuration,
		expectedPhases:   DefaultExpectedPhaseDurations(),
	}
}

// SetExpectedWorkflowDuration overrides the workflow-level expectation.
func (r *Recorder) SetExpectedWorkflowDuration(d time.Duration) {
	if d > 0 {
		r.expectedWorkflow = d
	}
}

// SetExpectedPhaseDuration overrides one phase's expectation.
func (r *Recorder) SetExpectedPhaseDuration(phaseName string, d time.Duration) {
	if d > 0 {
		r.expectedPhases[phaseName] = d
	}
}

// Store exposes the underlying store for read paths.
func (r *Recorder) Store() *store.Store {
	return r.store
}

// WorkflowStarted records a new execution and returns its ID. Safe to call
// again for the same workflow/run pair.
func (r *Recorder) WorkflowStarted(e store.WorkflowExecution) (string, error) {
	executionID, err := r.store.InsertExecution(e)
	if err != nil {
		return "", err
	}
	r.logger.Info("workflow started",
		"execution_id", executionID,
		"workflow_id", e.WorkflowID,
		"workflow_type", e.WorkflowType,
		"cycle_id", e.CycleID)
	return executionID, nil
}

// WorkflowCompleted marks an execution terminal and evaluates the
// slow-execution rule against the expected workflow duration.
func (r *Recorder) WorkflowCompleted(executionID, status, outputData, errorDetails string) (*store.WorkflowExecution, error) {
	e, err := r.store.CompleteExecution(executionID, status, outputData, errorDetails)
	if err != nil {
		return nil, err
	}
	r.logger.Info("workflow completed",
		"execution_id", executionID,
		"status", status,
		"duration_seconds", e.DurationSeconds)

	expected := r.expectedWorkflow.Seconds()
	if e.DurationSeconds > expected*workflowSlowFactor {
		severity := store.SeverityMedium
		if e.DurationSeconds > expected*workflowSevereFactor {
			severity = store.SeverityHigh
		}
		alert := store.WorkflowAlert{
			ExecutionID:    executionID,
			WorkflowType:   e.WorkflowType,
			AlertType:      store.AlertSlowExecution,
			Severity:       severity,
			ThresholdValue: expected * workflowSlowFactor,
			ActualValue:    e.DurationSeconds,
			AlertMessage: fmt.Sprintf("workflow %s took %.0fs, expected %.0fs",
				e.WorkflowType, e.DurationSeconds, expected),
		}
		if _, err := r.store.InsertAlert(alert); err != nil {
			return nil, err
		}
		r.logger.Warn("slow execution alert",
			"execution_id", executionID,
			"severity", severity,
			"actual_seconds", e.DurationSeconds)
	}
	return e, nil
}

// StepStarted records the start of a step and returns its ID.
func (r *Recorder) StepStarted(st store.WorkflowStep) (string, error) {
	stepID, err := r.store.InsertStep(st)
	if err != nil {
		return "", err
	}
	r.logger.Debug("step started",
		"step_id", stepID,
		"execution_id", st.ExecutionID,
		"step_name", st.StepName,
		"step_type", st.StepType)
	return stepID, nil
}

// StepCompleted marks a step terminal and evaluates the slow-step rule
// against the phase-specific expected duration. A step whose phase has no
// expectation never alerts.
func (r *Recorder) StepCompleted(stepID, status, outputData, errorDetails string) (*store.WorkflowStep, error) {
	st, err := r.store.CompleteStep(stepID, status, outputData, errorDetails)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("step completed",
		"step_id", stepID,
		"status", status,
		"duration_seconds", st.DurationSeconds)

	expected, ok := r.expectedPhases[st.PhaseName]
	if !ok || st.StepType != store.StepTypePhase {
		return st, nil
	}
	threshold := expected.Seconds() * stepSlowFactor
	if st.DurationSeconds > threshold {
		alert := store.WorkflowAlert{
			ExecutionID:    st.ExecutionID,
			PhaseName:      st.PhaseName,
			AlertType:      store.AlertSlowStep,
			Severity:       store.SeverityMedium,
			ThresholdValue: threshold,
			ActualValue:    st.DurationSeconds,
			AlertMessage: fmt.Sprintf("phase %s took %.0fs, threshold %.0fs",
				st.PhaseName, st.DurationSeconds, threshold),
		}
		if _, err := r.store.InsertAlert(alert); err != nil {
			return nil, err
		}
		r.logger.Warn("slow step alert",
			"step_id", stepID,
			"phase", st.PhaseName,
			"actual_seconds", st.DurationSeconds)
	}
	return st, nil
}

// RecordStepAttempt bumps a step's retry counter.
func (r *Recorder) RecordStepAttempt(stepID string, attempt int) error {
	return r.store.RecordStepAttempt(stepID, attempt)
}

// TransitionStarted records a directed edge between two steps.
func (r *Recorder) TransitionStarted(tr store.WorkflowTransition) (string, error) {
	return r.store.InsertTransition(tr)
}

// TransitionCompleted stamps a transition's completion.
func (r *Recorder) TransitionCompleted(transitionID string) error {
	return r.store.CompleteTransition(transitionID)
}

// CalculateMetrics walks the completed execution's step tree, folds each
// phase step and the execution itself into the current metric bucket, then
// evaluates the failure-rate rule for the workflow type.
func (r *Recorder) CalculateMetrics(executionID string) error {
	e, err := r.store.GetExecution(executionID)
	if err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("tracking: execution %q: not found", executionID)
	}
	if e.CompletedAt == nil {
		return fmt.Errorf("tracking: execution %q: not completed", executionID)
	}

	steps, err := r.store.StepsForExecution(executionID)
	if err != nil {
		return err
	}

	// Retries per phase step come from the activity steps nested under it.
	retriesByParent := make(map[string]int)
	for _, st := range steps {
		if st.ParentStepID != "" && st.AttemptNumber > 1 {
			retriesByParent[st.ParentStepID] += st.AttemptNumber - 1
		}
	}

	for _, st := range steps {
		if st.StepType != store.StepTypePhase || st.CompletedAt == nil {
			continue
		}
		// The step carries its own attempt counter for retries reported
		// directly against it.
		retries := retriesByParent[st.StepID]
		if st.AttemptNumber > 1 {
			retries += st.AttemptNumber - 1
		}
		sample := store.MetricSample{
			WorkflowType:    e.WorkflowType,
			PhaseName:       st.PhaseName,
			StepType:        store.StepTypePhase,
			Status:          st.Status,
			DurationSeconds: st.DurationSeconds,
			RetryCount:      retries,
			CompletedAt:     *st.CompletedAt,
		}
		if err := r.store.UpsertMetricSample(sample); err != nil {
			return err
		}
	}

	if err := r.store.UpsertMetricSample(store.MetricSample{
		WorkflowType:    e.WorkflowType,
		Status:          e.Status,
		DurationSeconds: e.DurationSeconds,
		CompletedAt:     *e.CompletedAt,
	}); err != nil {
		return err
	}

	return r.checkFailureRate(e)
}

// checkFailureRate raises a high_failure_rate alert when the workflow
// type's current bucket shows a majority of failures across enough runs.
func (r *Recorder) checkFailureRate(e *store.WorkflowExecution) error {
	m, err := r.store.GetMetric(e.WorkflowType, "", "", "", *e.CompletedAt)
	if err != nil {
		return err
	}
	if m == nil || m.ExecutionCount < failureRateMinRuns {
		return nil
	}
	rate := float64(m.FailureCount+m.TimeoutCount) / float64(m.ExecutionCount)
	if rate <= failureRateThreshold {
		return nil
	}

	alert := store.WorkflowAlert{
		WorkflowType:   e.WorkflowType,
		AlertType:      store.AlertHighFailureRate,
		Severity:       store.SeverityCritical,
		ThresholdValue: failureRateThreshold,
		ActualValue:    rate,
		AlertMessage: fmt.Sprintf("workflow %s failure rate %.0f%% over %d runs",
			e.WorkflowType, rate*100, m.ExecutionCount),
	}
	if _, err := r.store.InsertAlert(alert); err != nil {
		return err
	}
	r.logger.Warn("high failure rate alert",
		"workflow_type", e.WorkflowType,
		"rate", rate,
		"runs", m.ExecutionCount)
	return nil
}
