// Package store provides SQLite-backed persistence for workflow tracking
// and phase lifecycle state.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Workflow, step, and phase statuses shared across the tracking tables.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusTimedOut  = "timed_out"
)

// Step types recorded in workflow_steps.
const (
	StepTypePhase          = "phase"
	StepTypeActivity       = "activity"
	StepTypeTransition     = "transition"
	StepTypeDecision       = "decision"
	StepTypeParallelBranch = "parallel_branch"
	StepTypeSubWorkflow    = "sub_workflow"
)

// Transition types recorded in workflow_transitions.
const (
	TransitionSequential   = "sequential"
	TransitionParallelFork = "parallel_fork"
	TransitionParallelJoin = "parallel_join"
	TransitionConditional  = "conditional"
)

// Store wraps the tracking database.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS workflow_executions (
	execution_id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	run_id TEXT NOT NULL DEFAULT '',
	workflow_type TEXT NOT NULL,
	workflow_version TEXT NOT NULL DEFAULT '',
	cycle_id INTEGER NOT NULL,
	report_id INTEGER,
	initiated_by INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending',
	started_at DATETIME NOT NULL DEFAULT (datetime('now')),
	completed_at DATETIME,
	duration_seconds REAL NOT NULL DEFAULT 0,
	input_data TEXT NOT NULL DEFAULT '{}',
	output_data TEXT NOT NULL DEFAULT '{}',
	error_details TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS workflow_steps (
	step_id TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL REFERENCES workflow_executions(execution_id) ON DELETE CASCADE,
	parent_step_id TEXT,
	step_name TEXT NOT NULL,
	step_type TEXT NOT NULL,
	phase_name TEXT NOT NULL DEFAULT '',
	activity_name TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'running',
	started_at DATETIME NOT NULL DEFAULT (datetime('now')),
	completed_at DATETIME,
	duration_seconds REAL NOT NULL DEFAULT 0,
	attempt_number INTEGER NOT NULL DEFAULT 1,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	retry_delay_seconds REAL NOT NULL DEFAULT 1,
	input_data TEXT NOT NULL DEFAULT '{}',
	output_data TEXT NOT NULL DEFAULT '{}',
	error_details TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS workflow_transitions (
	transition_id TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL REFERENCES workflow_executions(execution_id) ON DELETE CASCADE,
	from_step_id TEXT NOT NULL DEFAULT '',
	to_step_id TEXT NOT NULL,
	transition_type TEXT NOT NULL DEFAULT 'sequential',
	started_at DATETIME NOT NULL DEFAULT (datetime('now')),
	completed_at DATETIME,
	duration_seconds REAL NOT NULL DEFAULT 0,
	condition_evaluated TEXT,
	condition_result BOOLEAN
);

CREATE TABLE IF NOT EXISTS workflow_metrics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	workflow_type TEXT NOT NULL,
	phase_name TEXT NOT NULL DEFAULT '',
	activity_name TEXT NOT NULL DEFAULT '',
	step_type TEXT NOT NULL DEFAULT '',
	period_start DATETIME NOT NULL,
	period_end DATETIME NOT NULL,
	execution_count INTEGER NOT NULL DEFAULT 0,
	success_count INTEGER NOT NULL DEFAULT 0,
	failure_count INTEGER NOT NULL DEFAULT 0,
	timeout_count INTEGER NOT NULL DEFAULT 0,
	avg_duration REAL NOT NULL DEFAULT 0,
	min_duration REAL NOT NULL DEFAULT 0,
	max_duration REAL NOT NULL DEFAULT 0,
	p50_duration REAL,
	p90_duration REAL,
	p95_duration REAL,
	p99_duration REAL,
	avg_retry_count REAL NOT NULL DEFAULT 0,
	UNIQUE(workflow_type, phase_name, activity_name, step_type, period_start, period_end)
);

CREATE TABLE IF NOT EXISTS workflow_alerts (
	alert_id TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL DEFAULT '',
	workflow_type TEXT NOT NULL DEFAULT '',
	phase_name TEXT NOT NULL DEFAULT '',
	alert_type TEXT NOT NULL,
	severity TEXT NOT NULL,
	threshold_value REAL NOT NULL DEFAULT 0,
	actual_value REAL NOT NULL DEFAULT 0,
	alert_message TEXT NOT NULL DEFAULT '',
	acknowledged BOOLEAN NOT NULL DEFAULT 0,
	acknowledged_by INTEGER,
	acknowledged_at DATETIME,
	resolved BOOLEAN NOT NULL DEFAULT 0,
	resolved_at DATETIME,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS cycle_report_phases (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	cycle_id INTEGER NOT NULL,
	report_id INTEGER NOT NULL,
	phase_name TEXT NOT NULL,
	state TEXT NOT NULL DEFAULT 'not_started',
	schedule_status TEXT NOT NULL DEFAULT 'on_track',
	planned_start_date DATETIME,
	planned_end_date DATETIME,
	actual_start_date DATETIME,
	actual_end_date DATETIME,
	started_by INTEGER NOT NULL DEFAULT 0,
	completed_by INTEGER NOT NULL DEFAULT 0,
	notes TEXT NOT NULL DEFAULT '',
	version INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE(cycle_id, report_id, phase_name)
);

CREATE TABLE IF NOT EXISTS manual_activities (
	activity_id TEXT PRIMARY KEY,
	cycle_id INTEGER NOT NULL,
	report_id INTEGER NOT NULL,
	phase_name TEXT NOT NULL,
	activity_name TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	decision TEXT NOT NULL DEFAULT '',
	completed_by INTEGER NOT NULL DEFAULT 0,
	result_data TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS report_progress (
	cycle_id INTEGER NOT NULL,
	report_id INTEGER NOT NULL,
	progress TEXT NOT NULL DEFAULT '{}',
	updated_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (cycle_id, report_id)
);

CREATE TABLE IF NOT EXISTS test_cycles (
	cycle_id INTEGER PRIMARY KEY,
	cycle_name TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS cycle_reports (
	cycle_id INTEGER NOT NULL REFERENCES test_cycles(cycle_id) ON DELETE CASCADE,
	report_id INTEGER NOT NULL,
	report_name TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (cycle_id, report_id)
);

CREATE TABLE IF NOT EXISTS users (
	user_id INTEGER PRIMARY KEY,
	role TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_executions_workflow ON workflow_executions(workflow_id);
CREATE INDEX IF NOT EXISTS idx_executions_cycle ON workflow_executions(cycle_id, report_id);
CREATE INDEX IF NOT EXISTS idx_executions_status ON workflow_executions(status);
CREATE INDEX IF NOT EXISTS idx_steps_execution ON workflow_steps(execution_id);
CREATE INDEX IF NOT EXISTS idx_steps_parent ON workflow_steps(parent_step_id);
CREATE INDEX IF NOT EXISTS idx_transitions_execution ON workflow_transitions(execution_id);
CREATE INDEX IF NOT EXISTS idx_alerts_execution ON workflow_alerts(execution_id);
CREATE INDEX IF NOT EXISTS idx_alerts_unacked ON workflow_alerts(acknowledged, created_at);
CREATE INDEX IF NOT EXISTS idx_phases_cycle_report ON cycle_report_phases(cycle_id, report_id);
CREATE INDEX IF NOT EXISTS idx_manual_status ON manual_activities(status);
`

// Open creates or opens the tracking database at the given path and ensures
// the schema exists.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// migrate applies incremental schema migrations for existing databases.
func migrate(db *sql.DB) error {
	// Add the optimistic-concurrency version column for databases created
	// before it existed.
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('cycle_report_phases') WHERE name = 'version'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("check cycle_report_phases version column: %w", err)
	}
	if count == 0 {
		if _, err := db.Exec(`ALTER TABLE cycle_report_phases ADD COLUMN version INTEGER NOT NULL DEFAULT 1`); err != nil {
			return fmt.Errorf("add cycle_report_phases version column: %w", err)
		}
	}

	err = db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('workflow_executions') WHERE name = 'workflow_version'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("check workflow_version column: %w", err)
	}
	if count == 0 {
		if _, err := db.Exec(`ALTER TABLE workflow_executions ADD COLUMN workflow_version TEXT NOT NULL DEFAULT ''`); err != nil {
			return fmt.Errorf("add workflow_version column: %w", err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// nullTime converts a sql.NullTime to a *time.Time.
func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
