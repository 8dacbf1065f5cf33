package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// WorkflowMetric is an aggregated rollup over a time bucket, keyed by
// (workflow_type, phase_name, activity_name, step_type, period).
type WorkflowMetric struct {
	WorkflowType   string
	PhaseName      string
	ActivityName   string
	StepType       string
	PeriodStart    time.Time
	PeriodEnd      time.Time
	ExecutionCount int
	SuccessCount   int
	FailureCount   int
	TimeoutCount   int
	AvgDuration    float64
	MinDuration    float64
	MaxDuration    float64
	P50Duration    *float64
	P90Duration    *float64
	P95Duration    *float64
	P99Duration    *float64
	AvgRetryCount  float64
}

// MetricSample is one completed execution or step folded into a bucket.
type MetricSample struct {
	WorkflowType    string
	PhaseName       string
	ActivityName    string
	StepType        string
	Status          string
	DurationSeconds float64
	RetryCount      int
	CompletedAt     time.Time
}

// MetricPeriod is the bucket width for metric aggregation. Buckets are
// aligned to UTC day boundaries.
const MetricPeriod = 24 * time.Hour

// BucketFor returns the [start, end) metric bucket containing t.
func BucketFor(t time.Time) (time.Time, time.Time) {
	start := t.UTC().Truncate(MetricPeriod)
	return start, start.Add(MetricPeriod)
}

// UpsertMetricSample folds one sample into its time bucket using
// incremental-average arithmetic: new_avg = (old_avg*(n-1) + value) / n.
// Percentile columns are left unpopulated; nothing computes them online.
func (s *Store) UpsertMetricSample(m MetricSample) error {
	periodStart, periodEnd := BucketFor(m.CompletedAt)

	success := 0
	failure := 0
	timeout := 0
	switch m.Status {
	case StatusCompleted:
		success = 1
	case StatusTimedOut:
		timeout = 1
	case StatusFailed, StatusCancelled:
		failure = 1
	}

	// SQLite evaluates DO UPDATE expressions against the pre-update row, so
	// the average update can reference execution_count before the increment.
	_, err := s.db.Exec(
		`INSERT INTO workflow_metrics (workflow_type, phase_name, activity_name, step_type, period_start, period_end,
			execution_count, success_count, failure_count, timeout_count,
			avg_duration, min_duration, max_duration, avg_retry_count)
		 VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(workflow_type, phase_name, activity_name, step_type, period_start, period_end) DO UPDATE SET
			execution_count = execution_count + 1,
			success_count = success_count + excluded.success_count,
			failure_count = failure_count + excluded.failure_count,
			timeout_count = timeout_count + excluded.timeout_count,
			avg_duration = (avg_duration * execution_count + excluded.avg_duration) / (execution_count + 1),
			min_duration = MIN(min_duration, excluded.min_duration),
			max_duration = MAX(max_duration, excluded.max_duration),
			avg_retry_count = (avg_retry_count * execution_count + excluded.avg_retry_count) / (execution_count + 1)`,
		m.WorkflowType, m.PhaseName, m.ActivityName, m.StepType, periodStart, periodEnd,
		success, failure, timeout,
		m.DurationSeconds, m.DurationSeconds, m.DurationSeconds, float64(m.RetryCount),
	)
	if err != nil {
		return fmt.Errorf("store: upsert metric sample: %w", err)
	}
	return nil
}

const metricCols = `workflow_type, phase_name, activity_name, step_type, period_start, period_end, execution_count, success_count, failure_count, timeout_count, avg_duration, min_duration, max_duration, p50_duration, p90_duration, p95_duration, p99_duration, avg_retry_count`

// GetMetric returns the rollup row for a key within the bucket containing
// at, or nil when no samples have been recorded.
func (s *Store) GetMetric(workflowType, phaseName, activityName, stepType string, at time.Time) (*WorkflowMetric, error) {
	periodStart, _ := BucketFor(at)
	row := s.db.QueryRow(
		`SELECT `+metricCols+` FROM workflow_metrics
		 WHERE workflow_type = ? AND phase_name = ? AND activity_name = ? AND step_type = ? AND period_start = ?`,
		workflowType, phaseName, activityName, stepType, periodStart,
	)
	m, err := scanMetric(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return m, nil
}

// ListMetrics returns every rollup for a workflow type, newest bucket first.
func (s *Store) ListMetrics(workflowType string) ([]WorkflowMetric, error) {
	rows, err := s.db.Query(
		`SELECT `+metricCols+` FROM workflow_metrics WHERE workflow_type = ? ORDER BY period_start DESC, phase_name ASC, activity_name ASC`,
		workflowType,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list metrics: %w", err)
	}
	defer rows.Close()

	var out []WorkflowMetric
	for rows.Next() {
		m, scanErr := scanMetric(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list metrics: %w", err)
	}
	return out, nil
}

func scanMetric(scanner rowScanner) (*WorkflowMetric, error) {
	var m WorkflowMetric
	var p50, p90, p95, p99 sql.NullFloat64
	if err := scanner.Scan(
		&m.WorkflowType, &m.PhaseName, &m.ActivityName, &m.StepType,
		&m.PeriodStart, &m.PeriodEnd,
		&m.ExecutionCount, &m.SuccessCount, &m.FailureCount, &m.TimeoutCount,
		&m.AvgDuration, &m.MinDuration, &m.MaxDuration,
		&p50, &p90, &p95, &p99, &m.AvgRetryCount,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store: scan metric: %w", err)
	}
	m.P50Duration = nullFloat(p50)
	m.P90Duration = nullFloat(p90)
	m.P95Duration = nullFloat(p95)
	m.P99Duration = nullFloat(p99)
	return &m, nil
}

func nullFloat(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}
