package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/synapse-reg/synapse/internal/phase"
)

// Phase lifecycle states persisted in cycle_report_phases.
const (
	PhaseNotStarted = "not_started"
	PhaseInProgress = "in_progress"
	PhaseComplete   = "complete"
)

// Schedule statuses computed when a phase completes.
const (
	ScheduleOnTrack        = "on_track"
	ScheduleBehindSchedule = "behind_schedule"
)

// Manual activity statuses and reviewer decisions.
const (
	ManualPending   = "pending"
	ManualCompleted = "completed"

	DecisionApproved        = "approved"
	DecisionRejected        = "rejected"
	DecisionRequestRevision = "request_revision"
)

// PhaseState is the persisted lifecycle record for one phase of one report
// in a cycle, keyed by (cycle_id, report_id, phase_name).
type PhaseState struct {
	ID               int64
	CycleID          int
	ReportID         int
	PhaseName        string
	State            string
	ScheduleStatus   string
	PlannedStartDate *time.Time
	PlannedEndDate   *time.Time
	ActualStartDate  *time.Time
	ActualEndDate    *time.Time
	StartedBy        int
	CompletedBy      int
	Notes            string
	Version          int
}

// ManualActivity is a human-gated review step awaiting external completion.
type ManualActivity struct {
	ActivityID   string
	CycleID      int
	ReportID     int
	PhaseName    string
	ActivityName string
	Status       string
	Decision     string
	CompletedBy  int
	ResultData   string
	CreatedAt    time.Time
	CompletedAt  *time.Time
}

const phaseCols = `id, cycle_id, report_id, phase_name, state, schedule_status, planned_start_date, planned_end_date, actual_start_date, actual_end_date, started_by, completed_by, notes, version`

// StartPhase idempotently moves a phase to in_progress. The first call
// creates the row and stamps actual_start_date; repeated calls return the
// existing row unchanged, so retried start activities never create
// duplicates.
func (s *Store) StartPhase(cycleID, reportID int, phaseName string, userID int) (*PhaseState, error) {
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO cycle_report_phases (cycle_id, report_id, phase_name, state, actual_start_date, started_by, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(cycle_id, report_id, phase_name) DO UPDATE SET
			state = CASE WHEN state = 'not_started' THEN 'in_progress' ELSE state END,
			actual_start_date = COALESCE(actual_start_date, excluded.actual_start_date),
			started_by = CASE WHEN actual_start_date IS NULL THEN excluded.started_by ELSE started_by END,
			updated_at = excluded.updated_at`,
		cycleID, reportID, phaseName, PhaseInProgress, now, userID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("store: start phase: %w", err)
	}
	return s.GetPhaseState(cycleID, reportID, phaseName)
}

// CompletePhase moves an in_progress phase to complete, stamping
// actual_end_date and computing on-time status against the planned end
// date. Idempotent: completing an already-complete phase returns the
// existing row unchanged, so a retried completion activity whose first
// attempt committed does not fail the phase. The version check is the
// optimistic-concurrency guard: a concurrent writer bumps version and the
// stale update affects zero rows.
func (s *Store) CompletePhase(cycleID, reportID int, phaseName string, userID int, notes string) (*PhaseState, error) {
	st, err := s.GetPhaseState(cycleID, reportID, phaseName)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("store: phase %q for cycle %d report %d: not found", phaseName, cycleID, reportID)
	}
	if st.State == PhaseComplete {
		return st, nil
	}
	if st.State != PhaseInProgress {
		return nil, fmt.Errorf("store: phase %q is %s, expected %s", phaseName, st.State, PhaseInProgress)
	}

	now := time.Now().UTC()
	scheduleStatus := ScheduleOnTrack
	if st.PlannedEndDate != nil && now.After(*st.PlannedEndDate) {
		scheduleStatus = ScheduleBehindSchedule
	}

	res, err := s.db.Exec(
		`UPDATE cycle_report_phases
		 SET state = ?, schedule_status = ?, actual_end_date = ?, completed_by = ?, notes = ?, version = version + 1, updated_at = ?
		 WHERE cycle_id = ? AND report_id = ? AND phase_name = ? AND version = ?`,
		PhaseComplete, scheduleStatus, now, userID, notes, now,
		cycleID, reportID, phaseName, st.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("store: complete phase: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("store: complete phase: %w", err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("store: complete phase %q: concurrent update detected", phaseName)
	}
	return s.GetPhaseState(cycleID, reportID, phaseName)
}

// SetPlannedDates sets the planned window for a phase, creating the row if
// needed.
func (s *Store) SetPlannedDates(cycleID, reportID int, phaseName string, start, end time.Time) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO cycle_report_phases (cycle_id, report_id, phase_name, planned_start_date, planned_end_date, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(cycle_id, report_id, phase_name) DO UPDATE SET
			planned_start_date = excluded.planned_start_date,
			planned_end_date = excluded.planned_end_date,
			updated_at = excluded.updated_at`,
		cycleID, reportID, phaseName, start.UTC(), end.UTC(), now,
	)
	if err != nil {
		return fmt.Errorf("store: set planned dates: %w", err)
	}
	return nil
}

// GetPhaseState returns the lifecycle row for a phase, or nil when absent.
func (s *Store) GetPhaseState(cycleID, reportID int, phaseName string) (*PhaseState, error) {
	row := s.db.QueryRow(
		`SELECT `+phaseCols+` FROM cycle_report_phases WHERE cycle_id = ? AND report_id = ? AND phase_name = ?`,
		cycleID, reportID, phaseName,
	)
	st, err := scanPhaseState(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return st, nil
}

// PhaseStates returns every phase lifecycle row for a report.
func (s *Store) PhaseStates(cycleID, reportID int) ([]PhaseState, error) {
	rows, err := s.db.Query(
		`SELECT `+phaseCols+` FROM cycle_report_phases WHERE cycle_id = ? AND report_id = ? ORDER BY id ASC`,
		cycleID, reportID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: phase states: %w", err)
	}
	defer rows.Close()

	var out []PhaseState
	for rows.Next() {
		st, scanErr := scanPhaseState(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: phase states: %w", err)
	}
	return out, nil
}

func scanPhaseState(scanner rowScanner) (*PhaseState, error) {
	var st PhaseState
	var plannedStart, plannedEnd, actualStart, actualEnd sql.NullTime
	if err := scanner.Scan(
		&st.ID, &st.CycleID, &st.ReportID, &st.PhaseName, &st.State, &st.ScheduleStatus,
		&plannedStart, &plannedEnd, &actualStart, &actualEnd,
		&st.StartedBy, &st.CompletedBy, &st.Notes, &st.Version,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store: scan phase state: %w", err)
	}
	st.PlannedStartDate = nullTime(plannedStart)
	st.PlannedEndDate = nullTime(plannedEnd)
	st.ActualStartDate = nullTime(actualStart)
	st.ActualEndDate = nullTime(actualEnd)
	return &st, nil
}

// --- manual activities ---

// CreateManualActivity records a pending human-gated step and returns its
// ID. A caller-supplied deterministic activityID makes the insert
// idempotent: a retried create leaves the existing record, and any decision
// already made on it, untouched. An empty activityID mints a fresh one.
func (s *Store) CreateManualActivity(activityID string, cycleID, reportID int, phaseName, activityName string) (string, error) {
	if activityID == "" {
		activityID = uuid.NewString()
	}
	_, err := s.db.Exec(
		`INSERT INTO manual_activities (activity_id, cycle_id, report_id, phase_name, activity_name) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(activity_id) DO NOTHING`,
		activityID, cycleID, reportID, phaseName, activityName,
	)
	if err != nil {
		return "", fmt.Errorf("store: create manual activity: %w", err)
	}
	return activityID, nil
}

// CompleteManualActivity records the reviewer's decision. Called by the
// external review surface, consumed by the orchestrator's poll loop.
func (s *Store) CompleteManualActivity(activityID, decision string, userID int, resultData string) error {
	switch decision {
	case DecisionApproved, DecisionRejected, DecisionRequestRevision:
	default:
		return fmt.Errorf("store: complete manual activity: unknown decision %q", decision)
	}
	if resultData == "" {
		resultData = "{}"
	}
	res, err := s.db.Exec(
		`UPDATE manual_activities SET status = ?, decision = ?, completed_by = ?, result_data = ?, completed_at = ? WHERE activity_id = ? AND status = ?`,
		ManualCompleted, decision, userID, resultData, time.Now().UTC(), activityID, ManualPending,
	)
	if err != nil {
		return fmt.Errorf("store: complete manual activity: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: complete manual activity: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("store: manual activity %q: not found or already completed", activityID)
	}
	return nil
}

// ReopenManualActivity resets a revision-requested activity to pending so
// the poll loop keeps waiting for a fresh decision.
func (s *Store) ReopenManualActivity(activityID string) error {
	res, err := s.db.Exec(
		`UPDATE manual_activities SET status = ?, decision = '', completed_at = NULL WHERE activity_id = ?`,
		ManualPending, activityID,
	)
	if err != nil {
		return fmt.Errorf("store: reopen manual activity: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: reopen manual activity: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("store: manual activity %q: not found", activityID)
	}
	return nil
}

// GetManualActivity returns a manual activity by ID, or nil when absent.
func (s *Store) GetManualActivity(activityID string) (*ManualActivity, error) {
	var ma ManualActivity
	var completedAt sql.NullTime
	err := s.db.QueryRow(
		`SELECT activity_id, cycle_id, report_id, phase_name, activity_name, status, decision, completed_by, result_data, created_at, completed_at
		 FROM manual_activities WHERE activity_id = ?`,
		activityID,
	).Scan(
		&ma.ActivityID, &ma.CycleID, &ma.ReportID, &ma.PhaseName, &ma.ActivityName,
		&ma.Status, &ma.Decision, &ma.CompletedBy, &ma.ResultData, &ma.CreatedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get manual activity: %w", err)
	}
	ma.CompletedAt = nullTime(completedAt)
	return &ma, nil
}

// --- report progress ---

// GetProgress returns the business-counter snapshot for a report. A missing
// row yields the zero Progress.
func (s *Store) GetProgress(cycleID, reportID int) (phase.Progress, error) {
	var raw string
	err := s.db.QueryRow(
		`SELECT progress FROM report_progress WHERE cycle_id = ? AND report_id = ?`,
		cycleID, reportID,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return phase.Progress{}, nil
		}
		return phase.Progress{}, fmt.Errorf("store: get progress: %w", err)
	}

	var p phase.Progress
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return phase.Progress{}, fmt.Errorf("store: invalid progress JSON: %w", err)
	}
	return p, nil
}

// SetProgress upserts the business-counter snapshot for a report. The CRUD
// layer owns these numbers; this entry point exists for it and for tests.
func (s *Store) SetProgress(cycleID, reportID int, p phase.Progress) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("store: marshal progress: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO report_progress (cycle_id, report_id, progress, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(cycle_id, report_id) DO UPDATE SET progress = excluded.progress, updated_at = excluded.updated_at`,
		cycleID, reportID, string(raw), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("store: set progress: %w", err)
	}
	return nil
}

// --- cycles, reports, users ---

// CreateCycle registers a test cycle.
func (s *Store) CreateCycle(cycleID int, name string) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO test_cycles (cycle_id, cycle_name) VALUES (?, ?)`, cycleID, name)
	if err != nil {
		return fmt.Errorf("store: create cycle: %w", err)
	}
	return nil
}

// CycleExists reports whether a cycle is known.
func (s *Store) CycleExists(cycleID int) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM test_cycles WHERE cycle_id = ?`, cycleID).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("store: cycle exists: %w", err)
	}
	return true, nil
}

// AddReport attaches a report to a cycle.
func (s *Store) AddReport(cycleID, reportID int, name string) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO cycle_reports (cycle_id, report_id, report_name) VALUES (?, ?, ?)`, cycleID, reportID, name)
	if err != nil {
		return fmt.Errorf("store: add report: %w", err)
	}
	return nil
}

// ReportsForCycle returns the report IDs registered for a cycle.
func (s *Store) ReportsForCycle(cycleID int) ([]int, error) {
	rows, err := s.db.Query(`SELECT report_id FROM cycle_reports WHERE cycle_id = ? ORDER BY report_id ASC`, cycleID)
	if err != nil {
		return nil, fmt.Errorf("store: reports for cycle: %w", err)
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan report id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: reports for cycle: %w", err)
	}
	return out, nil
}

// UpsertUser registers a user's role for phase authorization checks.
func (s *Store) UpsertUser(userID int, role string) error {
	_, err := s.db.Exec(
		`INSERT INTO users (user_id, role) VALUES (?, ?) ON CONFLICT(user_id) DO UPDATE SET role = excluded.role`,
		userID, role,
	)
	if err != nil {
		return fmt.Errorf("store: upsert user: %w", err)
	}
	return nil
}

// UserRole returns the role for a user, or empty when unknown.
func (s *Store) UserRole(userID int) (string, error) {
	var role string
	err := s.db.QueryRow(`SELECT role FROM users WHERE user_id = ?`, userID).Scan(&role)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("store: user role: %w", err)
	}
	return role, nil
}
