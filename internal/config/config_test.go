package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/synapse-reg/synapse/internal/phase"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "synapse.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ``))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.General.WorkflowVersion != "2.0" {
		t.Errorf("workflow_version = %q, want 2.0", cfg.General.WorkflowVersion)
	}
	if cfg.Temporal.TaskQueue != "synapse-test-cycle" {
		t.Errorf("task_queue = %q", cfg.Temporal.TaskQueue)
	}
	if cfg.Temporal.ManualPollInterval.Duration != 30*time.Second {
		t.Errorf("manual_poll_interval = %v, want 30s", cfg.Temporal.ManualPollInterval.Duration)
	}
	if cfg.Tracking.ExpectedWorkflowDuration.Duration != 7*24*time.Hour {
		t.Errorf("expected_workflow_duration = %v, want 168h", cfg.Tracking.ExpectedWorkflowDuration.Duration)
	}
}

func TestLoadParsesDurationsAndOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[general]
log_level = "debug"
workflow_version = "3.1"

[temporal]
host_port = "temporal.internal:7233"
task_queue = "reg-testing"
manual_poll_interval = "10s"

[tracking]
db = "/tmp/synapse-test/tracking.db"
expected_workflow_duration = "96h"

[tracking.expected_phase_durations]
"Planning" = "24h"
"Request Info" = "72h"
`))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.General.WorkflowVersion != "3.1" {
		t.Errorf("workflow_version = %q", cfg.General.WorkflowVersion)
	}
	if cfg.Temporal.ManualPollInterval.Duration != 10*time.Second {
		t.Errorf("manual_poll_interval = %v", cfg.Temporal.ManualPollInterval.Duration)
	}
	if cfg.Tracking.ExpectedWorkflowDuration.Duration != 96*time.Hour {
		t.Errorf("expected_workflow_duration = %v", cfg.Tracking.ExpectedWorkflowDuration.Duration)
	}
	if d := cfg.Tracking.ExpectedPhaseDurations[phase.Planning].Duration; d != 24*time.Hour {
		t.Errorf("Planning expected duration = %v", d)
	}
	if d := cfg.Tracking.ExpectedPhaseDurations[phase.RequestInfo].Duration; d != 72*time.Hour {
		t.Errorf("Request Info expected duration = %v", d)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	if _, err := Load(writeConfig(t, `
[tracking.expected_phase_durations]
"Imaginary Phase" = "24h"
`)); err == nil {
		t.Error("expected error for unknown phase in expected_phase_durations")
	}

	if _, err := Load(writeConfig(t, `
[general]
log_level = "verbose"
`)); err == nil {
		t.Error("expected error for unknown log level")
	}

	if _, err := Load(writeConfig(t, `
[temporal]
manual_poll_interval = "not-a-duration"
`)); err == nil {
		t.Error("expected error for malformed duration")
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	if got := ExpandHome("~/x.db"); got != filepath.Join(home, "x.db") {
		t.Errorf("ExpandHome = %q", got)
	}
	if got := ExpandHome("/abs/x.db"); got != "/abs/x.db" {
		t.Errorf("ExpandHome changed absolute path: %q", got)
	}
}
