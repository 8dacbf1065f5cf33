package temporal

import (
	"context"
	"fmt"
	"log/slog"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"

	"github.com/synapse-reg/synapse/internal/config"
	"github.com/synapse-reg/synapse/internal/phase"
	"github.com/synapse-reg/synapse/internal/store"
)

// Client starts, inspects, and cancels test cycle runs. Status reads are
// served from the tracking store when it has a row, falling back to the
// execution engine.
type Client struct {
	temporal client.Client
	store    *store.Store
	cfg      *config.Config
	logger   *slog.Logger
	graph    *phase.Graph
}

// NewClient dials Temporal and wraps it with the tracking store.
func NewClient(cfg *config.Config, st *store.Store, logger *slog.Logger) (*Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("dial temporal: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{temporal: c, store: st, cfg: cfg, logger: logger, graph: phase.NewGraph()}, nil
}

// Close releases the Temporal connection.
func (c *Client) Close() {
	c.temporal.Close()
}

// StartTestCycle validates the request and starts the cycle workflow. The
// workflow ID embeds the current orchestrator version, so runs already in
// flight keep the version they started with.
func (c *Client) StartTestCycle(ctx context.Context, req CycleRequest) (*StartWorkflowResult, error) {
	exists, err := c.store.CycleExists(req.CycleID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("cycle %d not found", req.CycleID)
	}

	skip, err := c.graph.ValidateSkipPhases(req.SkipPhases)
	if err != nil {
		return nil, err
	}
	req.SkipPhases = skip

	reportIDs := req.ReportIDs
	if len(reportIDs) == 0 {
		reportIDs, err = c.store.ReportsForCycle(req.CycleID)
		if err != nil {
			return nil, err
		}
	}
	if len(reportIDs) == 0 {
		return nil, fmt.Errorf("cycle %d has no reports to test", req.CycleID)
	}
	req.ReportIDs = reportIDs

	version := req.WorkflowVersion
	if version == "" {
		version = c.cfg.General.WorkflowVersion
	}
	req.WorkflowVersion = normalizeVersion(version)

	if req.ManualPollSeconds == 0 {
		req.ManualPollSeconds = int(c.cfg.Temporal.ManualPollInterval.Duration.Seconds())
	}

	run, err := c.temporal.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        CycleWorkflowID(req.CycleID, req.WorkflowVersion),
		TaskQueue: c.cfg.Temporal.TaskQueue,
	}, TestCycleWorkflow, req)
	if err != nil {
		return nil, fmt.Errorf("start test cycle: %w", err)
	}

	c.logger.Info("test cycle started",
		"workflow_id", run.GetID(),
		"run_id", run.GetRunID(),
		"cycle_id", req.CycleID,
		"reports", len(reportIDs))

	return &StartWorkflowResult{
		WorkflowID: run.GetID(),
		RunID:      run.GetRunID(),
		CycleID:    req.CycleID,
		ReportIDs:  reportIDs,
		Status:     "started",
	}, nil
}

// GetStatus returns the status contract for a workflow ID.
func (c *Client) GetStatus(ctx context.Context, workflowID string) (*WorkflowStatus, error) {
	e, err := c.store.LatestExecutionForWorkflow(workflowID)
	if err != nil {
		return nil, err
	}
	if e != nil {
		return c.statusFromStore(e)
	}
	return c.statusFromEngine(ctx, workflowID)
}

func (c *Client) statusFromStore(e *store.WorkflowExecution) (*WorkflowStatus, error) {
	steps, err := c.store.PhaseSteps(e.ExecutionID)
	if err != nil {
		return nil, err
	}

	st := &WorkflowStatus{
		WorkflowID:      e.WorkflowID,
		Status:          e.Status,
		CompletedPhases: []string{},
		StartedAt:       e.StartedAt,
		CompletedAt:     e.CompletedAt,
		DurationSeconds: e.DurationSeconds,
	}
	for _, step := range steps {
		switch step.Status {
		case store.StatusCompleted:
			st.CompletedPhases = append(st.CompletedPhases, step.PhaseName)
		case store.StatusRunning:
			st.CurrentPhase = step.PhaseName
		}
	}
	return st, nil
}

func (c *Client) statusFromEngine(ctx context.Context, workflowID string) (*WorkflowStatus, error) {
	desc, err := c.temporal.DescribeWorkflowExecution(ctx, workflowID, "")
	if err != nil {
		return nil, fmt.Errorf("describe workflow %s: %w", workflowID, err)
	}
	info := desc.GetWorkflowExecutionInfo()
	if info == nil {
		return nil, fmt.Errorf("workflow %s not found", workflowID)
	}

	st := &WorkflowStatus{
		WorkflowID:      workflowID,
		Status:          engineStatus(info.GetStatus()),
		CompletedPhases: []string{},
	}
	if t := info.GetStartTime(); t != nil {
		st.StartedAt = t.AsTime()
	}
	if t := info.GetCloseTime(); t != nil {
		closeTime := t.AsTime()
		st.CompletedAt = &closeTime
		st.DurationSeconds = closeTime.Sub(st.StartedAt).Seconds()
	}
	return st, nil
}

// Cancel requests cancellation of a run. Cancellation stops new phases from
// dispatching; committed side effects are not rolled back. The reason is
// recorded on the tracking row.
func (c *Client) Cancel(ctx context.Context, workflowID, reason string) error {
	if err := c.temporal.CancelWorkflow(ctx, workflowID, ""); err != nil {
		return fmt.Errorf("cancel workflow %s: %w", workflowID, err)
	}

	if err := c.recordCancelReason(workflowID, reason); err != nil {
		c.logger.Warn("record cancel reason failed",
			"workflow_id", workflowID,
			"reason", reason,
			"error", err)
	}

	c.logger.Info("cancellation requested", "workflow_id", workflowID, "reason", reason)
	return nil
}

// recordCancelReason attaches the caller's reason to the tracking row. A
// missing row is an error so the dropped reason is never silent.
func (c *Client) recordCancelReason(workflowID, reason string) error {
	if reason == "" {
		return nil
	}
	e, err := c.store.LatestExecutionForWorkflow(workflowID)
	if err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("no tracking row for workflow %s", workflowID)
	}
	return c.store.SetExecutionErrorDetails(e.ExecutionID, reason)
}

func engineStatus(s enumspb.WorkflowExecutionStatus) string {
	switch s {
	case enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING:
		return store.StatusRunning
	case enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		return store.StatusCompleted
	case enumspb.WORKFLOW_EXECUTION_STATUS_FAILED:
		return store.StatusFailed
	case enumspb.WORKFLOW_EXECUTION_STATUS_CANCELED, enumspb.WORKFLOW_EXECUTION_STATUS_TERMINATED:
		return store.StatusCancelled
	case enumspb.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:
		return store.StatusTimedOut
	default:
		return store.StatusPending
	}
}
