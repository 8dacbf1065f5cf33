package temporal

import (
	"context"
	"fmt"
	"log/slog"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/synapse-reg/synapse/internal/phase"
	"github.com/synapse-reg/synapse/internal/store"
	"github.com/synapse-reg/synapse/internal/tracking"
)

// Application error types carried on non-retryable failures.
const (
	ErrTypeNotFound   = "NotFound"
	ErrTypeValidation = "ValidationError"
)

// LLMClient generates data profiling rules for a report's attributes.
type LLMClient interface {
	GenerateProfilingRules(ctx context.Context, cycleID, reportID int) ([]string, error)
}

// Notifier delivers phase-event notifications to stakeholders.
type Notifier interface {
	Send(ctx context.Context, n NotificationInput) error
}

// Activities holds dependencies for Temporal activity methods.
type Activities struct {
	Store    *store.Store
	Recorder *tracking.Recorder
	Registry *phase.Registry
	Graph    *phase.Graph
	LLM      LLMClient
	Notifier Notifier
}

// noteAttempt records an engine retry against the phase's tracking step so
// the retry statistics in the metric rollups stay live.
func (a *Activities) noteAttempt(ctx context.Context, stepID string) {
	info := activity.GetInfo(ctx)
	if stepID == "" || info.Attempt <= 1 {
		return
	}
	if err := a.Recorder.RecordStepAttempt(stepID, int(info.Attempt)); err != nil {
		activity.GetLogger(ctx).Warn("record step attempt failed", "StepID", stepID, "Error", err)
	}
}

// StartPhaseActivity authorizes the caller and idempotently moves the phase
// to in_progress. Authorization and unknown-phase conditions are business
// failures, not engine errors.
func (a *Activities) StartPhaseActivity(ctx context.Context, in PhaseInput) (ActivityResult, error) {
	logger := activity.GetLogger(ctx)
	a.noteAttempt(ctx, in.StepID)

	handler, ok := a.Registry.Handler(in.PhaseName)
	if !ok {
		return Fail("unknown phase %q", in.PhaseName), nil
	}

	role, err := a.Store.UserRole(in.UserID)
	if err != nil {
		return ActivityResult{}, err
	}
	if !handler.CanStart(role) {
		return Fail("user %d (role %q) may not start phase %q", in.UserID, role, in.PhaseName), nil
	}

	st, err := a.Store.StartPhase(in.CycleID, in.ReportID, in.PhaseName, in.UserID)
	if err != nil {
		return ActivityResult{}, err
	}

	logger.Info("phase started", "Phase", in.PhaseName, "CycleID", in.CycleID, "ReportID", in.ReportID)
	return OK(map[string]any{
		"phase_name": st.PhaseName,
		"state":      st.State,
		"started_at": st.ActualStartDate,
	}), nil
}

// CompletePhaseActivity authorizes the caller, verifies the phase-specific
// completion predicate against the report's progress snapshot, and moves
// the phase to complete. Unmet criteria leave the phase editable.
func (a *Activities) CompletePhaseActivity(ctx context.Context, in PhaseInput) (ActivityResult, error) {
	logger := activity.GetLogger(ctx)
	a.noteAttempt(ctx, in.StepID)

	handler, ok := a.Registry.Handler(in.PhaseName)
	if !ok {
		return Fail("unknown phase %q", in.PhaseName), nil
	}

	role, err := a.Store.UserRole(in.UserID)
	if err != nil {
		return ActivityResult{}, err
	}
	if !handler.CanStart(role) {
		return Fail("user %d (role %q) may not complete phase %q", in.UserID, role, in.PhaseName), nil
	}

	progress, err := a.Store.GetProgress(in.CycleID, in.ReportID)
	if err != nil {
		return ActivityResult{}, err
	}
	if err := handler.CompletionCheck(progress); err != nil {
		return Fail("%s", err.Error()), nil
	}

	st, err := a.Store.CompletePhase(in.CycleID, in.ReportID, in.PhaseName, in.UserID, in.Notes)
	if err != nil {
		return ActivityResult{}, err
	}

	logger.Info("phase completed",
		"Phase", in.PhaseName,
		"CycleID", in.CycleID,
		"ReportID", in.ReportID,
		"ScheduleStatus", st.ScheduleStatus)
	return OK(map[string]any{
		"phase_name":      st.PhaseName,
		"state":           st.State,
		"schedule_status": st.ScheduleStatus,
		"completed_at":    st.ActualEndDate,
	}), nil
}

// CreateManualActivityActivity records a pending human-gated review step.
// The workflow supplies a deterministic ActivityID, so a retried create
// never orphans a duplicate pending record.
func (a *Activities) CreateManualActivityActivity(ctx context.Context, in ManualActivityInput) (ActivityResult, error) {
	activityID, err := a.Store.CreateManualActivity(in.ActivityID, in.CycleID, in.ReportID, in.PhaseName, in.ActivityName)
	if err != nil {
		return ActivityResult{}, err
	}
	activity.GetLogger(ctx).Info("manual activity created",
		"ActivityID", activityID,
		"Phase", in.PhaseName,
		"Activity", in.ActivityName)
	return OK(map[string]any{"activity_id": activityID}), nil
}

// CheckManualActivityCompletedActivity is the poll target for human-gated
// steps. A request_revision decision reopens the record so the poll keeps
// waiting for a fresh decision.
func (a *Activities) CheckManualActivityCompletedActivity(ctx context.Context, in ManualActivityInput) (ManualActivityStatus, error) {
	ma, err := a.Store.GetManualActivity(in.ActivityID)
	if err != nil {
		return ManualActivityStatus{}, err
	}
	if ma == nil {
		return ManualActivityStatus{}, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("manual activity %q not found", in.ActivityID), ErrTypeNotFound, nil)
	}
	if ma.Status != store.ManualCompleted {
		return ManualActivityStatus{Completed: false}, nil
	}
	if ma.Decision == store.DecisionRequestRevision {
		if err := a.Store.ReopenManualActivity(in.ActivityID); err != nil {
			return ManualActivityStatus{}, err
		}
		activity.GetLogger(ctx).Info("manual activity revision requested, reopened", "ActivityID", in.ActivityID)
		return ManualActivityStatus{Completed: false, Decision: store.DecisionRequestRevision}, nil
	}
	return ManualActivityStatus{Completed: true, Decision: ma.Decision}, nil
}

// GenerateProfilingRulesActivity asks the LLM for profiling rules and folds
// the count into the report's progress snapshot so the Data Profiling
// completion predicate can pass.
func (a *Activities) GenerateProfilingRulesActivity(ctx context.Context, in PhaseInput) (ActivityResult, error) {
	logger := activity.GetLogger(ctx)
	a.noteAttempt(ctx, in.StepID)

	rules, err := a.LLM.GenerateProfilingRules(ctx, in.CycleID, in.ReportID)
	if err != nil {
		return ActivityResult{}, fmt.Errorf("generate profiling rules: %w", err)
	}
	if len(rules) == 0 {
		return Fail("llm produced no profiling rules for report %d", in.ReportID), nil
	}

	progress, err := a.Store.GetProgress(in.CycleID, in.ReportID)
	if err != nil {
		return ActivityResult{}, err
	}
	progress.ProfilingRules += len(rules)
	if err := a.Store.SetProgress(in.CycleID, in.ReportID, progress); err != nil {
		return ActivityResult{}, err
	}

	logger.Info("profiling rules generated", "ReportID", in.ReportID, "Rules", len(rules))
	return OK(map[string]any{"rules": rules, "rule_count": len(rules)}), nil
}

// SendNotificationActivity delivers a phase-event notification.
func (a *Activities) SendNotificationActivity(ctx context.Context, in NotificationInput) error {
	if err := a.Notifier.Send(ctx, in); err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	return nil
}

// ResolveReportsActivity validates the cycle and resolves the report set
// for a run. An unknown cycle or an empty report set fails the workflow
// without retry.
func (a *Activities) ResolveReportsActivity(ctx context.Context, req CycleRequest) ([]int, error) {
	exists, err := a.Store.CycleExists(req.CycleID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("cycle %d not found", req.CycleID), ErrTypeNotFound, nil)
	}

	reportIDs := req.ReportIDs
	if len(reportIDs) == 0 {
		reportIDs, err = a.Store.ReportsForCycle(req.CycleID)
		if err != nil {
			return nil, err
		}
	}
	if len(reportIDs) == 0 {
		return nil, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("cycle %d has no reports to test", req.CycleID), ErrTypeValidation, nil)
	}
	return reportIDs, nil
}

// StubLLM is the default rule generator used when no provider is wired.
type StubLLM struct{}

func (StubLLM) GenerateProfilingRules(_ context.Context, cycleID, reportID int) ([]string, error) {
	return []string{
		fmt.Sprintf("report %d: values must be non-null for all mandatory attributes", reportID),
		fmt.Sprintf("report %d: numeric attributes must fall within cycle %d reference ranges", reportID, cycleID),
	}, nil
}

// LogNotifier writes notifications to the structured log instead of an
// external channel.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Send(_ context.Context, in NotificationInput) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification",
		"event", in.Event,
		"cycle_id", in.CycleID,
		"report_id", in.ReportID,
		"phase", in.PhaseName,
		"message", in.Message)
	return nil
}
