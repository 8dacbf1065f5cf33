package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WorkflowStep is one tracked unit of orchestration work within an
// execution. Steps form a tree: phases at depth 0, activities nested under
// them via ParentStepID.
type WorkflowStep struct {
	StepID            string
	ExecutionID       string
	ParentStepID      string
	StepName          string
	StepType          string
	PhaseName         string
	ActivityName      string
	Status            string
	StartedAt         time.Time
	CompletedAt       *time.Time
	DurationSeconds   float64
	AttemptNumber     int
	MaxAttempts       int
	RetryDelaySeconds float64
	InputData         string
	OutputData        string
	ErrorDetails      string
}

// WorkflowTransition is a directed edge recording movement between two steps.
type WorkflowTransition struct {
	TransitionID       string
	ExecutionID        string
	FromStepID         string
	ToStepID           string
	TransitionType     string
	StartedAt          time.Time
	CompletedAt        *time.Time
	DurationSeconds    float64
	ConditionEvaluated *string
	ConditionResult    *bool
}

const stepCols = `step_id, execution_id, parent_step_id, step_name, step_type, phase_name, activity_name, status, started_at, completed_at, duration_seconds, attempt_number, max_attempts, retry_delay_seconds, input_data, output_data, error_details`

// InsertStep records the start of a step and returns the step ID. Callers
// that supply a deterministic StepID get an idempotent insert: re-recording
// the same step (a retried tracking activity) returns the existing row's ID.
// The parent step, when set, must belong to the same execution.
func (s *Store) InsertStep(st WorkflowStep) (string, error) {
	if st.ExecutionID == "" {
		return "", fmt.Errorf("store: insert step: execution_id is required")
	}
	if st.StepID != "" {
		existing, err := s.GetStep(st.StepID)
		if err != nil {
			return "", err
		}
		if existing != nil {
			return existing.StepID, nil
		}
	}
	if st.ParentStepID != "" {
		parent, err := s.GetStep(st.ParentStepID)
		if err != nil {
			return "", err
		}
		if parent == nil || parent.ExecutionID != st.ExecutionID {
			return "", fmt.Errorf("store: insert step: parent %q not in execution %q", st.ParentStepID, st.ExecutionID)
		}
	}

	stepID := st.StepID
	if stepID == "" {
		stepID = uuid.NewString()
	}
	status := st.Status
	if status == "" {
		status = StatusRunning
	}
	startedAt := st.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	if st.AttemptNumber <= 0 {
		st.AttemptNumber = 1
	}
	if st.MaxAttempts <= 0 {
		st.MaxAttempts = 3
	}
	if st.AttemptNumber > st.MaxAttempts {
		return "", fmt.Errorf("store: insert step: attempt %d exceeds max attempts %d", st.AttemptNumber, st.MaxAttempts)
	}
	inputData := st.InputData
	if inputData == "" {
		inputData = "{}"
	}

	var parent any
	if st.ParentStepID != "" {
		parent = st.ParentStepID
	}

	_, err := s.db.Exec(
		`INSERT INTO workflow_steps (step_id, execution_id, parent_step_id, step_name, step_type, phase_name, activity_name, status, started_at, attempt_number, max_attempts, retry_delay_seconds, input_data)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		stepID, st.ExecutionID, parent, st.StepName, st.StepType, st.PhaseName, st.ActivityName,
		status, startedAt.UTC(), st.AttemptNumber, st.MaxAttempts, st.RetryDelaySeconds, inputData,
	)
	if err != nil {
		return "", fmt.Errorf("store: insert step: %w", err)
	}
	return stepID, nil
}

// CompleteStep marks a step terminal, computing duration from the stored
// start timestamp, and returns the updated row.
func (s *Store) CompleteStep(stepID, status, outputData, errorDetails string) (*WorkflowStep, error) {
	st, err := s.GetStep(stepID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("store: step %q: not found", stepID)
	}

	completedAt := time.Now().UTC()
	if completedAt.Before(st.StartedAt) {
		completedAt = st.StartedAt
	}
	duration := completedAt.Sub(st.StartedAt).Seconds()
	if outputData == "" {
		outputData = "{}"
	}

	_, err = s.db.Exec(
		`UPDATE workflow_steps SET status = ?, completed_at = ?, duration_seconds = ?, output_data = ?, error_details = ? WHERE step_id = ?`,
		status, completedAt, duration, outputData, errorDetails, stepID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: complete step: %w", err)
	}

	st.Status = status
	st.CompletedAt = &completedAt
	st.DurationSeconds = duration
	st.OutputData = outputData
	st.ErrorDetails = errorDetails
	return st, nil
}

// RecordStepAttempt bumps a step's attempt counter after an engine retry.
// Monotonic, and the counter never exceeds max_attempts.
func (s *Store) RecordStepAttempt(stepID string, attempt int) error {
	res, err := s.db.Exec(
		`UPDATE workflow_steps SET attempt_number = MAX(attempt_number, ?) WHERE step_id = ? AND ? <= max_attempts`,
		attempt, stepID, attempt,
	)
	if err != nil {
		return fmt.Errorf("store: record step attempt: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: record step attempt: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("store: step %q: attempt %d rejected", stepID, attempt)
	}
	return nil
}

// GetStep returns a step by ID, or nil when absent.
func (s *Store) GetStep(stepID string) (*WorkflowStep, error) {
	row := s.db.QueryRow(`SELECT `+stepCols+` FROM workflow_steps WHERE step_id = ?`, stepID)
	st, err := scanStep(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return st, nil
}

// StepsForExecution returns every step in an execution ordered by start time.
func (s *Store) StepsForExecution(executionID string) ([]WorkflowStep, error) {
	rows, err := s.db.Query(
		`SELECT `+stepCols+` FROM workflow_steps WHERE execution_id = ? ORDER BY started_at ASC, step_id ASC`,
		executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: steps for execution: %w", err)
	}
	defer rows.Close()

	var out []WorkflowStep
	for rows.Next() {
		st, scanErr := scanStep(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: steps for execution: %w", err)
	}
	return out, nil
}

// PhaseSteps returns the phase-type steps of an execution ordered by start
// time. Used by the status contract and the metrics walk.
func (s *Store) PhaseSteps(executionID string) ([]WorkflowStep, error) {
	rows, err := s.db.Query(
		`SELECT `+stepCols+` FROM workflow_steps WHERE execution_id = ? AND step_type = ? ORDER BY started_at ASC, step_id ASC`,
		executionID, StepTypePhase,
	)
	if err != nil {
		return nil, fmt.Errorf("store: phase steps: %w", err)
	}
	defer rows.Close()

	var out []WorkflowStep
	for rows.Next() {
		st, scanErr := scanStep(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: phase steps: %w", err)
	}
	return out, nil
}

// InsertTransition records a directed edge between two steps. A
// caller-supplied TransitionID makes the insert idempotent. For conditional
// transitions the evaluated condition and its result are required.
func (s *Store) InsertTransition(tr WorkflowTransition) (string, error) {
	if tr.ExecutionID == "" {
		return "", fmt.Errorf("store: insert transition: execution_id is required")
	}
	if tr.TransitionID != "" {
		var one int
		err := s.db.QueryRow(`SELECT 1 FROM workflow_transitions WHERE transition_id = ?`, tr.TransitionID).Scan(&one)
		if err == nil {
			return tr.TransitionID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("store: insert transition: %w", err)
		}
	}
	if tr.ToStepID == "" {
		return "", fmt.Errorf("store: insert transition: to_step_id is required")
	}
	if tr.TransitionType == TransitionConditional && (tr.ConditionEvaluated == nil || tr.ConditionResult == nil) {
		return "", fmt.Errorf("store: insert transition: conditional transition requires condition_evaluated and condition_result")
	}

	transitionID := tr.TransitionID
	if transitionID == "" {
		transitionID = uuid.NewString()
	}
	transitionType := tr.TransitionType
	if transitionType == "" {
		transitionType = TransitionSequential
	}
	startedAt := tr.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(
		`INSERT INTO workflow_transitions (transition_id, execution_id, from_step_id, to_step_id, transition_type, started_at, condition_evaluated, condition_result)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		transitionID, tr.ExecutionID, tr.FromStepID, tr.ToStepID, transitionType,
		startedAt.UTC(), tr.ConditionEvaluated, tr.ConditionResult,
	)
	if err != nil {
		return "", fmt.Errorf("store: insert transition: %w", err)
	}
	return transitionID, nil
}

// CompleteTransition stamps a transition's completion and duration.
func (s *Store) CompleteTransition(transitionID string) error {
	var startedAt time.Time
	err := s.db.QueryRow(`SELECT started_at FROM workflow_transitions WHERE transition_id = ?`, transitionID).Scan(&startedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("store: transition %q: not found", transitionID)
		}
		return fmt.Errorf("store: complete transition: %w", err)
	}

	completedAt := time.Now().UTC()
	if completedAt.Before(startedAt) {
		completedAt = startedAt
	}
	_, err = s.db.Exec(
		`UPDATE workflow_transitions SET completed_at = ?, duration_seconds = ? WHERE transition_id = ?`,
		completedAt, completedAt.Sub(startedAt).Seconds(), transitionID,
	)
	if err != nil {
		return fmt.Errorf("store: complete transition: %w", err)
	}
	return nil
}

// TransitionsForExecution returns all transitions in an execution ordered
// by start time.
func (s *Store) TransitionsForExecution(executionID string) ([]WorkflowTransition, error) {
	rows, err := s.db.Query(
		`SELECT transition_id, execution_id, from_step_id, to_step_id, transition_type, started_at, completed_at, duration_seconds, condition_evaluated, condition_result
		 FROM workflow_transitions WHERE execution_id = ? ORDER BY started_at ASC, transition_id ASC`,
		executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: transitions for execution: %w", err)
	}
	defer rows.Close()

	var out []WorkflowTransition
	for rows.Next() {
		var tr WorkflowTransition
		var completedAt sql.NullTime
		var condEval sql.NullString
		var condResult sql.NullBool
		if err := rows.Scan(
			&tr.TransitionID, &tr.ExecutionID, &tr.FromStepID, &tr.ToStepID, &tr.TransitionType,
			&tr.StartedAt, &completedAt, &tr.DurationSeconds, &condEval, &condResult,
		); err != nil {
			return nil, fmt.Errorf("store: scan transition: %w", err)
		}
		tr.CompletedAt = nullTime(completedAt)
		if condEval.Valid {
			v := condEval.String
			tr.ConditionEvaluated = &v
		}
		if condResult.Valid {
			v := condResult.Bool
			tr.ConditionResult = &v
		}
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: transitions for execution: %w", err)
	}
	return out, nil
}

func scanStep(scanner rowScanner) (*WorkflowStep, error) {
	var st WorkflowStep
	var parent sql.NullString
	var completedAt sql.NullTime
	if err := scanner.Scan(
		&st.StepID, &st.ExecutionID, &parent, &st.StepName, &st.StepType, &st.PhaseName,
		&st.ActivityName, &st.Status, &st.StartedAt, &completedAt, &st.DurationSeconds,
		&st.AttemptNumber, &st.MaxAttempts, &st.RetryDelaySeconds,
		&st.InputData, &st.OutputData, &st.ErrorDetails,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store: scan step: %w", err)
	}
	st.ParentStepID = parent.String
	st.CompletedAt = nullTime(completedAt)
	return &st, nil
}
