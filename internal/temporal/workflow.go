package temporal

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.temporal.io/sdk/workflow"

	"github.com/synapse-reg/synapse/internal/phase"
	"github.com/synapse-reg/synapse/internal/store"
)

// manualPollInterval is how long the workflow sleeps between polls of a
// human-gated activity unless the request overrides it. Each poll is its own
// short-lived activity, so the run suspends durably between checks.
const manualPollInterval = 30 * time.Second

func pollInterval(req ReportRequest) time.Duration {
	if req.ManualPollSeconds > 0 {
		return time.Duration(req.ManualPollSeconds) * time.Second
	}
	return manualPollInterval
}

// manualGates names the human review step embedded in each gated phase.
// Phases absent from this map run fully automatically.
var manualGates = map[string]string{
	phase.DataProfiling:      "profiling_rule_review",
	phase.SampleSelection:    "sample_approval",
	phase.Observations:       "observation_approval",
	phase.FinalizeTestReport: "report_approval",
}

// TestCycleWorkflow runs a full regulatory test cycle: it resolves the
// report set, fans out one ReportTestingWorkflow child per report, and
// fails if any report fails. Reports run fully independently.
func TestCycleWorkflow(ctx workflow.Context, req CycleRequest) (CycleResult, error) {
	logger := workflow.GetLogger(ctx)
	info := workflow.GetInfo(ctx)
	version := normalizeVersion(req.WorkflowVersion)
	req.WorkflowVersion = version

	var a *Activities

	trackCtx := workflow.WithActivityOptions(ctx, trackingActivityOptions())
	var executionID string
	if err := workflow.ExecuteActivity(trackCtx, a.RecordWorkflowStartActivity, RecordWorkflowStartInput{
		WorkflowID:      info.WorkflowExecution.ID,
		RunID:           info.WorkflowExecution.RunID,
		WorkflowType:    TestCycleWorkflowType,
		WorkflowVersion: version,
		CycleID:         req.CycleID,
		InitiatedBy:     req.InitiatedBy,
		InputData:       marshalJSON(req),
	}).Get(ctx, &executionID); err != nil {
		return CycleResult{}, fmt.Errorf("record workflow start: %w", err)
	}

	genericCtx := workflow.WithActivityOptions(ctx, genericActivityOptions())
	var reportIDs []int
	if err := workflow.ExecuteActivity(genericCtx, a.ResolveReportsActivity, req).Get(ctx, &reportIDs); err != nil {
		finishExecution(ctx, a, executionID, store.StatusFailed, "", err.Error())
		return CycleResult{}, fmt.Errorf("resolve reports: %w", err)
	}

	logger.Info("test cycle started",
		"CycleID", req.CycleID,
		"Version", version,
		"Reports", len(reportIDs))

	// Fan out one child per report. Children are tied to the parent: the
	// cycle run owns its reports' runs.
	type pendingReport struct {
		reportID int
		future   workflow.ChildWorkflowFuture
	}
	pending := make([]pendingReport, 0, len(reportIDs))
	for _, reportID := range reportIDs {
		childOpts := workflow.ChildWorkflowOptions{
			WorkflowID: ReportWorkflowID(req.CycleID, reportID, version),
		}
		childCtx := workflow.WithChildOptions(ctx, childOpts)
		fut := workflow.ExecuteChildWorkflow(childCtx, ReportTestingWorkflow, ReportRequest{
			CycleID:           req.CycleID,
			ReportID:          reportID,
			InitiatedBy:       req.InitiatedBy,
			SkipPhases:        req.SkipPhases,
			WorkflowVersion:   version,
			ManualPollSeconds: req.ManualPollSeconds,
		})
		pending = append(pending, pendingReport{reportID: reportID, future: fut})
	}

	result := CycleResult{CycleID: req.CycleID, Status: store.StatusCompleted}
	for _, p := range pending {
		var rr ReportResult
		if err := p.future.Get(ctx, &rr); err != nil {
			rr = ReportResult{ReportID: p.reportID, Status: store.StatusFailed, Error: err.Error()}
		}
		if rr.Status != store.StatusCompleted {
			result.Status = store.StatusFailed
		}
		result.Reports = append(result.Reports, rr)
	}

	if ctx.Err() != nil {
		result.Status = store.StatusCancelled
	}

	finishExecution(ctx, a, executionID, result.Status, marshalJSON(result), cycleErrorDetails(result))

	if result.Status == store.StatusFailed {
		return result, fmt.Errorf("cycle %d failed: %s", req.CycleID, cycleErrorDetails(result))
	}
	logger.Info("test cycle finished", "CycleID", req.CycleID, "Status", result.Status)
	return result, nil
}

// ReportTestingWorkflow drives one report through the nine-phase state
// machine. Each loop iteration dispatches every currently-ready phase
// concurrently, waits for the batch, and re-evaluates readiness. A single
// failed phase fails the whole report; other reports are unaffected.
func ReportTestingWorkflow(ctx workflow.Context, req ReportRequest) (ReportResult, error) {
	logger := workflow.GetLogger(ctx)
	info := workflow.GetInfo(ctx)
	version := normalizeVersion(req.WorkflowVersion)

	var a *Activities
	graph := phase.NewGraph()

	trackCtx := workflow.WithActivityOptions(ctx, trackingActivityOptions())
	var executionID string
	if err := workflow.ExecuteActivity(trackCtx, a.RecordWorkflowStartActivity, RecordWorkflowStartInput{
		WorkflowID:      info.WorkflowExecution.ID,
		RunID:           info.WorkflowExecution.RunID,
		WorkflowType:    ReportWorkflowType,
		WorkflowVersion: version,
		CycleID:         req.CycleID,
		ReportID:        &req.ReportID,
		InitiatedBy:     req.InitiatedBy,
		InputData:       marshalJSON(req),
	}).Get(ctx, &executionID); err != nil {
		return ReportResult{}, fmt.Errorf("record workflow start: %w", err)
	}

	// Skipped phases count as completed for readiness purposes but are
	// never started.
	completed := make(map[string]bool, len(graph.Phases()))
	started := make(map[string]bool, len(graph.Phases()))
	for _, name := range req.SkipPhases {
		completed[name] = true
	}

	result := ReportResult{ReportID: req.ReportID}
	var prevStepIDs []string

	for len(completedPhases(graph, completed, req.SkipPhases)) < len(graph.Phases())-len(req.SkipPhases) {
		// Cancellation is checked before dispatching new work. Activities
		// already in flight receive the cancellation through their context.
		if ctx.Err() != nil {
			result.Status = store.StatusCancelled
			result.Error = "workflow cancelled"
			finishExecution(ctx, a, executionID, store.StatusCancelled, marshalJSON(result), result.Error)
			return result, ctx.Err()
		}

		ready := graph.Ready(completed, started)
		if len(ready) == 0 {
			result.Status = store.StatusFailed
			result.Error = "no phase is ready and the run is not complete: dependency configuration error"
			finishExecution(ctx, a, executionID, store.StatusFailed, marshalJSON(result), result.Error)
			return result, fmt.Errorf("report %d: %s", req.ReportID, result.Error)
		}

		logger.Info("dispatching ready phases", "ReportID", req.ReportID, "Phases", strings.Join(ready, ", "))

		outcomes := make(map[string]phaseOutcome, len(ready))
		wg := workflow.NewWaitGroup(ctx)
		for _, name := range ready {
			started[name] = true
			name := name
			prev := prevStepIDs
			batch := len(ready)
			wg.Add(1)
			workflow.Go(ctx, func(gctx workflow.Context) {
				defer wg.Done()
				outcomes[name] = runPhase(gctx, a, req, executionID, name, prev, batch)
			})
		}
		wg.Wait(ctx)

		var batchSteps []string
		for _, name := range ready {
			out := outcomes[name]
			if out.stepID != "" {
				batchSteps = append(batchSteps, out.stepID)
			}
			if out.err != "" {
				// A cancellation that lands mid-phase surfaces through the
				// phase outcome; it is a cancellation, not a failure.
				if ctx.Err() != nil {
					result.Status = store.StatusCancelled
					result.Error = "workflow cancelled"
					finishExecution(ctx, a, executionID, store.StatusCancelled, marshalJSON(result), result.Error)
					return result, ctx.Err()
				}
				result.Status = store.StatusFailed
				result.FailedPhase = name
				result.Error = out.err
				finishExecution(ctx, a, executionID, store.StatusFailed, marshalJSON(result), result.Error)
				return result, fmt.Errorf("report %d: phase %q failed: %s", req.ReportID, name, out.err)
			}
			completed[name] = true
			result.CompletedPhases = append(result.CompletedPhases, name)
		}
		prevStepIDs = batchSteps
	}

	result.Status = store.StatusCompleted
	finishExecution(ctx, a, executionID, store.StatusCompleted, marshalJSON(result), "")
	logger.Info("report testing finished", "ReportID", req.ReportID, "Phases", len(result.CompletedPhases))
	return result, nil
}

type phaseOutcome struct {
	stepID string
	err    string
}

// runPhase executes one phase: tracking step, start activity, phase-specific
// work (LLM generation, human gates), then the completion activity. Every
// business failure is returned as a message, never a Go error, so the
// caller decides the report's fate.
func runPhase(ctx workflow.Context, a *Activities, req ReportRequest, executionID, phaseName string, prevStepIDs []string, batchSize int) phaseOutcome {
	logger := workflow.GetLogger(ctx)
	trackCtx := workflow.WithActivityOptions(ctx, trackingActivityOptions())
	genericCtx := workflow.WithActivityOptions(ctx, genericActivityOptions())

	// Step IDs are deterministic so retried tracking activities upsert
	// instead of duplicating rows.
	var stepID string
	if err := workflow.ExecuteActivity(trackCtx, a.RecordStepStartActivity, RecordStepStartInput{
		StepID:      fmt.Sprintf("%s/%s", executionID, phaseName),
		ExecutionID: executionID,
		StepName:    phaseName,
		StepType:    store.StepTypePhase,
		PhaseName:   phaseName,
	}).Get(ctx, &stepID); err != nil {
		return phaseOutcome{err: fmt.Sprintf("record step start: %s", err)}
	}

	recordEdges(ctx, a, executionID, prevStepIDs, stepID, batchSize)

	fail := func(msg string) phaseOutcome {
		recordCtx := ctx
		status := store.StatusFailed
		if ctx.Err() != nil {
			recordCtx, _ = workflow.NewDisconnectedContext(ctx)
			status = store.StatusCancelled
		}
		failCtx := workflow.WithActivityOptions(recordCtx, trackingActivityOptions())
		_ = workflow.ExecuteActivity(failCtx, a.RecordStepCompleteActivity, RecordStepCompleteInput{
			StepID: stepID, Status: status, ErrorDetails: msg,
		}).Get(recordCtx, nil)
		if status == store.StatusFailed {
			notify(ctx, a, req, phaseName, "phase_failed", msg)
		}
		return phaseOutcome{stepID: stepID, err: msg}
	}

	input := PhaseInput{CycleID: req.CycleID, ReportID: req.ReportID, UserID: req.InitiatedBy, PhaseName: phaseName, StepID: stepID}

	var startRes ActivityResult
	if err := workflow.ExecuteActivity(genericCtx, a.StartPhaseActivity, input).Get(ctx, &startRes); err != nil {
		return fail(fmt.Sprintf("start activity error: %s", err))
	}
	if !startRes.Success {
		return fail(startRes.Error)
	}

	// Data Profiling generates its rule set via the LLM before review.
	if phaseName == phase.DataProfiling {
		llmCtx := workflow.WithActivityOptions(ctx, llmActivityOptions())
		var genRes ActivityResult
		if err := workflow.ExecuteActivity(llmCtx, a.GenerateProfilingRulesActivity, input).Get(ctx, &genRes); err != nil {
			return fail(fmt.Sprintf("profiling rule generation error: %s", err))
		}
		if !genRes.Success {
			return fail(genRes.Error)
		}
	}

	if gateName, gated := manualGates[phaseName]; gated {
		decision, err := awaitManualActivity(ctx, a, executionID, stepID, pollInterval(req), ManualActivityInput{
			CycleID:      req.CycleID,
			ReportID:     req.ReportID,
			PhaseName:    phaseName,
			ActivityName: gateName,
		})
		if err != nil {
			return fail(fmt.Sprintf("manual activity %s: %s", gateName, err))
		}
		if decision == store.DecisionRejected {
			return fail(fmt.Sprintf("%s rejected by reviewer", gateName))
		}
		logger.Info("manual gate approved", "Phase", phaseName, "Gate", gateName)
	}

	var completeRes ActivityResult
	if err := workflow.ExecuteActivity(genericCtx, a.CompletePhaseActivity, input).Get(ctx, &completeRes); err != nil {
		return fail(fmt.Sprintf("complete activity error: %s", err))
	}
	if !completeRes.Success {
		return fail(completeRes.Error)
	}

	if err := workflow.ExecuteActivity(trackCtx, a.RecordStepCompleteActivity, RecordStepCompleteInput{
		StepID: stepID, Status: store.StatusCompleted,
	}).Get(ctx, nil); err != nil {
		return phaseOutcome{stepID: stepID, err: fmt.Sprintf("record step complete: %s", err)}
	}

	notify(ctx, a, req, phaseName, "phase_completed", fmt.Sprintf("phase %s completed for report %d", phaseName, req.ReportID))
	return phaseOutcome{stepID: stepID}
}

// awaitManualActivity creates the human-gated record, then polls its
// completion on a fixed interval. Returns the reviewer's decision.
func awaitManualActivity(ctx workflow.Context, a *Activities, executionID, parentStepID string, poll time.Duration, in ManualActivityInput) (string, error) {
	trackCtx := workflow.WithActivityOptions(ctx, trackingActivityOptions())
	genericCtx := workflow.WithActivityOptions(ctx, genericActivityOptions())

	var gateStepID string
	if err := workflow.ExecuteActivity(trackCtx, a.RecordStepStartActivity, RecordStepStartInput{
		StepID:       fmt.Sprintf("%s/%s/%s", executionID, in.PhaseName, in.ActivityName),
		ExecutionID:  executionID,
		ParentStepID: parentStepID,
		StepName:     in.ActivityName,
		StepType:     store.StepTypeActivity,
		PhaseName:    in.PhaseName,
		ActivityName: in.ActivityName,
	}).Get(ctx, &gateStepID); err != nil {
		return "", err
	}

	// The activity ID is minted here so a retried create finds the existing
	// record instead of inserting a second pending row.
	in.ActivityID = fmt.Sprintf("%s/%s/%s", executionID, in.PhaseName, in.ActivityName)

	var createRes ActivityResult
	if err := workflow.ExecuteActivity(genericCtx, a.CreateManualActivityActivity, in).Get(ctx, &createRes); err != nil {
		return "", err
	}
	if !createRes.Success {
		return "", fmt.Errorf("%s", createRes.Error)
	}
	if id, _ := createRes.Data["activity_id"].(string); id != "" {
		in.ActivityID = id
	}

	var status ManualActivityStatus
	for !status.Completed {
		if err := workflow.Sleep(ctx, poll); err != nil {
			return "", err
		}
		if err := workflow.ExecuteActivity(genericCtx, a.CheckManualActivityCompletedActivity, in).Get(ctx, &status); err != nil {
			return "", err
		}
	}

	stepStatus := store.StatusCompleted
	if status.Decision == store.DecisionRejected {
		stepStatus = store.StatusFailed
	}
	_ = workflow.ExecuteActivity(trackCtx, a.RecordStepCompleteActivity, RecordStepCompleteInput{
		StepID: gateStepID, Status: stepStatus, OutputData: marshalJSON(status),
	}).Get(ctx, nil)

	return status.Decision, nil
}

// recordEdges writes the transition rows linking the previous batch's steps
// to a newly started step. Batch size determines the edge type.
func recordEdges(ctx workflow.Context, a *Activities, executionID string, prevStepIDs []string, toStepID string, batchSize int) {
	trackCtx := workflow.WithActivityOptions(ctx, trackingActivityOptions())

	transitionType := store.TransitionSequential
	switch {
	case batchSize > 1:
		transitionType = store.TransitionParallelFork
	case len(prevStepIDs) > 1:
		transitionType = store.TransitionParallelJoin
	}

	if len(prevStepIDs) == 0 {
		_ = workflow.ExecuteActivity(trackCtx, a.RecordTransitionActivity, RecordTransitionInput{
			TransitionID:   fmt.Sprintf("%s>%s", executionID, toStepID),
			ExecutionID:    executionID,
			ToStepID:       toStepID,
			TransitionType: transitionType,
		}).Get(ctx, nil)
		return
	}
	for _, from := range prevStepIDs {
		_ = workflow.ExecuteActivity(trackCtx, a.RecordTransitionActivity, RecordTransitionInput{
			TransitionID:   fmt.Sprintf("%s>%s", from, toStepID),
			ExecutionID:    executionID,
			FromStepID:     from,
			ToStepID:       toStepID,
			TransitionType: transitionType,
		}).Get(ctx, nil)
	}
}

// finishExecution records the terminal status and folds the run into the
// metric buckets. On cancellation the context is already dead, so a
// disconnected context carries the writes.
func finishExecution(ctx workflow.Context, a *Activities, executionID, status, outputData, errorDetails string) {
	recordCtx := ctx
	if ctx.Err() != nil {
		recordCtx, _ = workflow.NewDisconnectedContext(ctx)
	}
	trackCtx := workflow.WithActivityOptions(recordCtx, trackingActivityOptions())

	_ = workflow.ExecuteActivity(trackCtx, a.RecordWorkflowCompleteActivity, RecordWorkflowCompleteInput{
		ExecutionID:  executionID,
		Status:       status,
		OutputData:   outputData,
		ErrorDetails: errorDetails,
	}).Get(recordCtx, nil)
	_ = workflow.ExecuteActivity(trackCtx, a.CalculateMetricsActivity, executionID).Get(recordCtx, nil)
}

// notify sends a best-effort phase event notification.
func notify(ctx workflow.Context, a *Activities, req ReportRequest, phaseName, event, message string) {
	notifyCtx := workflow.WithActivityOptions(ctx, notificationActivityOptions())
	_ = workflow.ExecuteActivity(notifyCtx, a.SendNotificationActivity, NotificationInput{
		CycleID:   req.CycleID,
		ReportID:  req.ReportID,
		PhaseName: phaseName,
		Event:     event,
		Message:   message,
	}).Get(ctx, nil)
}

func completedPhases(g *phase.Graph, completed map[string]bool, skipped []string) []string {
	skip := make(map[string]bool, len(skipped))
	for _, name := range skipped {
		skip[name] = true
	}
	var out []string
	for _, name := range g.Phases() {
		if completed[name] && !skip[name] {
			out = append(out, name)
		}
	}
	return out
}

func cycleErrorDetails(result CycleResult) string {
	var parts []string
	for _, rr := range result.Reports {
		if rr.Status != store.StatusCompleted {
			parts = append(parts, fmt.Sprintf("report %d: %s", rr.ReportID, rr.Error))
		}
	}
	return strings.Join(parts, "; ")
}

func marshalJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
