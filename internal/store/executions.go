package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WorkflowExecution is one durable run of a workflow. Rows are never
// deleted; they form the audit trail.
type WorkflowExecution struct {
	ExecutionID     string
	WorkflowID      string
	RunID           string
	WorkflowType    string
	WorkflowVersion string
	CycleID         int
	ReportID        *int
	InitiatedBy     int
	Status          string
	StartedAt       time.Time
	CompletedAt     *time.Time
	DurationSeconds float64
	InputData       string
	OutputData      string
	ErrorDetails    string
}

const executionCols = `execution_id, workflow_id, run_id, workflow_type, workflow_version, cycle_id, report_id, initiated_by, status, started_at, completed_at, duration_seconds, input_data, output_data, error_details`

// InsertExecution records the start of a durable run and returns the new
// execution ID. Idempotent on workflow_id+run_id: re-recording the same run
// (a replayed start activity) returns the existing row's ID.
func (s *Store) InsertExecution(e WorkflowExecution) (string, error) {
	if existing, err := s.GetExecutionByRun(e.WorkflowID, e.RunID); err == nil && existing != nil {
		return existing.ExecutionID, nil
	} else if err != nil {
		return "", err
	}

	executionID := e.ExecutionID
	if executionID == "" {
		executionID = uuid.NewString()
	}
	status := e.Status
	if status == "" {
		status = StatusRunning
	}
	startedAt := e.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	inputData := e.InputData
	if inputData == "" {
		inputData = "{}"
	}

	_, err := s.db.Exec(
		`INSERT INTO workflow_executions (execution_id, workflow_id, run_id, workflow_type, workflow_version, cycle_id, report_id, initiated_by, status, started_at, input_data)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		executionID, e.WorkflowID, e.RunID, e.WorkflowType, e.WorkflowVersion,
		e.CycleID, e.ReportID, e.InitiatedBy, status, startedAt.UTC(), inputData,
	)
	if err != nil {
		return "", fmt.Errorf("store: insert execution: %w", err)
	}
	return executionID, nil
}

// CompleteExecution marks an execution terminal and computes its duration
// from the stored start timestamp.
func (s *Store) CompleteExecution(executionID, status, outputData, errorDetails string) (*WorkflowExecution, error) {
	e, err := s.GetExecution(executionID)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("store: execution %q: not found", executionID)
	}

	completedAt := time.Now().UTC()
	if completedAt.Before(e.StartedAt) {
		completedAt = e.StartedAt
	}
	duration := completedAt.Sub(e.StartedAt).Seconds()
	if outputData == "" {
		outputData = "{}"
	}

	_, err = s.db.Exec(
		`UPDATE workflow_executions SET status = ?, completed_at = ?, duration_seconds = ?, output_data = ?, error_details = ? WHERE execution_id = ?`,
		status, completedAt, duration, outputData, errorDetails, executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: complete execution: %w", err)
	}

	e.Status = status
	e.CompletedAt = &completedAt
	e.DurationSeconds = duration
	e.OutputData = outputData
	e.ErrorDetails = errorDetails
	return e, nil
}

// SetExecutionErrorDetails records a reason against an execution, used when
// a cancellation carries an operator-supplied explanation.
func (s *Store) SetExecutionErrorDetails(executionID, details string) error {
	res, err := s.db.Exec(
		`UPDATE workflow_executions SET error_details = ? WHERE execution_id = ?`,
		details, executionID,
	)
	if err != nil {
		return fmt.Errorf("store: set execution error details: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: set execution error details: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("store: execution %q: not found", executionID)
	}
	return nil
}

// GetExecution returns an execution by its ID, or nil when absent.
func (s *Store) GetExecution(executionID string) (*WorkflowExecution, error) {
	row := s.db.QueryRow(`SELECT `+executionCols+` FROM workflow_executions WHERE execution_id = ?`, executionID)
	return scanExecution(row)
}

// GetExecutionByRun returns the execution for a workflow_id/run_id pair, or
// nil when absent.
func (s *Store) GetExecutionByRun(workflowID, runID string) (*WorkflowExecution, error) {
	row := s.db.QueryRow(
		`SELECT `+executionCols+` FROM workflow_executions WHERE workflow_id = ? AND run_id = ?`,
		workflowID, runID,
	)
	return scanExecution(row)
}

// LatestExecutionForWorkflow returns the most recent execution row for a
// workflow ID, or nil when none exists.
func (s *Store) LatestExecutionForWorkflow(workflowID string) (*WorkflowExecution, error) {
	row := s.db.QueryRow(
		`SELECT `+executionCols+` FROM workflow_executions WHERE workflow_id = ? ORDER BY started_at DESC LIMIT 1`,
		workflowID,
	)
	return scanExecution(row)
}

// ExecutionsForCycle returns all executions recorded for a cycle, newest first.
func (s *Store) ExecutionsForCycle(cycleID int) ([]WorkflowExecution, error) {
	rows, err := s.db.Query(
		`SELECT `+executionCols+` FROM workflow_executions WHERE cycle_id = ? ORDER BY started_at DESC`,
		cycleID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: executions for cycle: %w", err)
	}
	defer rows.Close()

	var out []WorkflowExecution
	for rows.Next() {
		e, scanErr := scanExecutionRow(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: executions for cycle: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row *sql.Row) (*WorkflowExecution, error) {
	e, err := scanExecutionRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return e, nil
}

func scanExecutionRow(scanner rowScanner) (*WorkflowExecution, error) {
	var e WorkflowExecution
	var reportID sql.NullInt64
	var completedAt sql.NullTime
	if err := scanner.Scan(
		&e.ExecutionID, &e.WorkflowID, &e.RunID, &e.WorkflowType, &e.WorkflowVersion,
		&e.CycleID, &reportID, &e.InitiatedBy, &e.Status, &e.StartedAt, &completedAt,
		&e.DurationSeconds, &e.InputData, &e.OutputData, &e.ErrorDetails,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store: scan execution: %w", err)
	}
	if reportID.Valid {
		v := int(reportID.Int64)
		e.ReportID = &v
	}
	e.CompletedAt = nullTime(completedAt)
	return &e, nil
}
