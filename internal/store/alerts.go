package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Alert types raised by the tracking recorder.
const (
	AlertSlowExecution   = "slow_execution"
	AlertSlowStep        = "slow_step"
	AlertHighFailureRate = "high_failure_rate"
	AlertSLABreach       = "sla_breach"
)

// Alert severities.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// WorkflowAlert is a derived signal created when a completion event crosses
// a configured threshold. Only acknowledgment and resolution mutate it
// afterward.
type WorkflowAlert struct {
	AlertID        string
	ExecutionID    string
	WorkflowType   string
	PhaseName      string
	AlertType      string
	Severity       string
	ThresholdValue float64
	ActualValue    float64
	AlertMessage   string
	Acknowledged   bool
	AcknowledgedBy *int
	AcknowledgedAt *time.Time
	Resolved       bool
	ResolvedAt     *time.Time
	CreatedAt      time.Time
}

const alertCols = `alert_id, execution_id, workflow_type, phase_name, alert_type, severity, threshold_value, actual_value, alert_message, acknowledged, acknowledged_by, acknowledged_at, resolved, resolved_at, created_at`

// InsertAlert records a new alert and returns its ID.
func (s *Store) InsertAlert(a WorkflowAlert) (string, error) {
	alertID := a.AlertID
	if alertID == "" {
		alertID = uuid.NewString()
	}
	_, err := s.db.Exec(
		`INSERT INTO workflow_alerts (alert_id, execution_id, workflow_type, phase_name, alert_type, severity, threshold_value, actual_value, alert_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alertID, a.ExecutionID, a.WorkflowType, a.PhaseName, a.AlertType, a.Severity,
		a.ThresholdValue, a.ActualValue, a.AlertMessage,
	)
	if err != nil {
		return "", fmt.Errorf("store: insert alert: %w", err)
	}
	return alertID, nil
}

// AlertsForExecution returns all alerts raised for an execution.
func (s *Store) AlertsForExecution(executionID string) ([]WorkflowAlert, error) {
	return s.queryAlerts(`SELECT `+alertCols+` FROM workflow_alerts WHERE execution_id = ? ORDER BY created_at ASC`, executionID)
}

// UnacknowledgedAlerts returns open alerts, oldest first.
func (s *Store) UnacknowledgedAlerts() ([]WorkflowAlert, error) {
	return s.queryAlerts(`SELECT ` + alertCols + ` FROM workflow_alerts WHERE acknowledged = 0 ORDER BY created_at ASC`)
}

// AcknowledgeAlert marks an alert acknowledged by a user.
func (s *Store) AcknowledgeAlert(alertID string, userID int) error {
	res, err := s.db.Exec(
		`UPDATE workflow_alerts SET acknowledged = 1, acknowledged_by = ?, acknowledged_at = ? WHERE alert_id = ?`,
		userID, time.Now().UTC(), alertID,
	)
	if err != nil {
		return fmt.Errorf("store: acknowledge alert: %w", err)
	}
	return requireAlertRow(res, alertID)
}

// ResolveAlert marks an alert resolved.
func (s *Store) ResolveAlert(alertID string) error {
	res, err := s.db.Exec(
		`UPDATE workflow_alerts SET resolved = 1, resolved_at = ? WHERE alert_id = ?`,
		time.Now().UTC(), alertID,
	)
	if err != nil {
		return fmt.Errorf("store: resolve alert: %w", err)
	}
	return requireAlertRow(res, alertID)
}

func requireAlertRow(res sql.Result, alertID string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: alert %q: %w", alertID, err)
	}
	if affected == 0 {
		return fmt.Errorf("store: alert %q: not found", alertID)
	}
	return nil
}

func (s *Store) queryAlerts(query string, args ...any) ([]WorkflowAlert, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query alerts: %w", err)
	}
	defer rows.Close()

	var out []WorkflowAlert
	for rows.Next() {
		var a WorkflowAlert
		var ackBy sql.NullInt64
		var ackAt, resolvedAt sql.NullTime
		if err := rows.Scan(
			&a.AlertID, &a.ExecutionID, &a.WorkflowType, &a.PhaseName, &a.AlertType, &a.Severity,
			&a.ThresholdValue, &a.ActualValue, &a.AlertMessage,
			&a.Acknowledged, &ackBy, &ackAt, &a.Resolved, &resolvedAt, &a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan alert: %w", err)
		}
		if ackBy.Valid {
			v := int(ackBy.Int64)
			a.AcknowledgedBy = &v
		}
		a.AcknowledgedAt = nullTime(ackAt)
		a.ResolvedAt = nullTime(resolvedAt)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: query alerts: %w", err)
	}
	return out, nil
}
