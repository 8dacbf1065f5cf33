package store

import (
	"testing"
	"time"

	"github.com/synapse-reg/synapse/internal/phase"
)

func TestStartPhaseIdempotent(t *testing.T) {
	s := tempStore(t)

	first, err := s.StartPhase(1, 10, phase.Planning, 42)
	if err != nil {
		t.Fatal(err)
	}
	if first.State != PhaseInProgress {
		t.Errorf("state = %q, want %q", first.State, PhaseInProgress)
	}
	if first.ActualStartDate == nil {
		t.Fatal("actual_start_date not set")
	}

	second, err := s.StartPhase(1, 10, phase.Planning, 99)
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Error("repeated start created a new row")
	}
	if !second.ActualStartDate.Equal(*first.ActualStartDate) {
		t.Error("repeated start changed actual_start_date")
	}
	if second.StartedBy != 42 {
		t.Errorf("started_by = %d, want original 42", second.StartedBy)
	}
}

func TestCompletePhaseScheduleStatus(t *testing.T) {
	s := tempStore(t)

	// Behind schedule: planned end in the past.
	if err := s.SetPlannedDates(1, 10, phase.Planning, time.Now().UTC().Add(-48*time.Hour), time.Now().UTC().Add(-24*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.StartPhase(1, 10, phase.Planning, 42); err != nil {
		t.Fatal(err)
	}
	st, err := s.CompletePhase(1, 10, phase.Planning, 42, "done late")
	if err != nil {
		t.Fatal(err)
	}
	if st.State != PhaseComplete {
		t.Errorf("state = %q, want %q", st.State, PhaseComplete)
	}
	if st.ScheduleStatus != ScheduleBehindSchedule {
		t.Errorf("schedule_status = %q, want %q", st.ScheduleStatus, ScheduleBehindSchedule)
	}
	if st.ActualEndDate == nil {
		t.Error("actual_end_date not set")
	}

	// On track: planned end in the future.
	if err := s.SetPlannedDates(1, 10, phase.Scoping, time.Now().UTC(), time.Now().UTC().Add(24*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.StartPhase(1, 10, phase.Scoping, 42); err != nil {
		t.Fatal(err)
	}
	st, err = s.CompletePhase(1, 10, phase.Scoping, 42, "")
	if err != nil {
		t.Fatal(err)
	}
	if st.ScheduleStatus != ScheduleOnTrack {
		t.Errorf("schedule_status = %q, want %q", st.ScheduleStatus, ScheduleOnTrack)
	}
}

func TestCompletePhaseGuards(t *testing.T) {
	s := tempStore(t)

	if _, err := s.CompletePhase(1, 10, phase.Planning, 42, ""); err == nil {
		t.Error("completing a never-started phase should fail")
	}

	if _, err := s.StartPhase(1, 10, phase.Planning, 42); err != nil {
		t.Fatal(err)
	}
	first, err := s.CompletePhase(1, 10, phase.Planning, 42, "")
	if err != nil {
		t.Fatal(err)
	}

	// A repeated complete, as from a retried activity whose first attempt
	// committed, returns the finished row unchanged.
	second, err := s.CompletePhase(1, 10, phase.Planning, 99, "late notes")
	if err != nil {
		t.Fatalf("repeated complete: %v", err)
	}
	if second.State != PhaseComplete {
		t.Errorf("state = %q, want %q", second.State, PhaseComplete)
	}
	if second.Version != first.Version {
		t.Errorf("repeated complete bumped version: %d -> %d", first.Version, second.Version)
	}
	if second.ActualEndDate == nil || !second.ActualEndDate.Equal(*first.ActualEndDate) {
		t.Error("repeated complete changed actual_end_date")
	}
}

func TestCompletePhaseBumpsVersion(t *testing.T) {
	s := tempStore(t)

	st, err := s.StartPhase(1, 10, phase.Planning, 42)
	if err != nil {
		t.Fatal(err)
	}
	before := st.Version

	st, err = s.CompletePhase(1, 10, phase.Planning, 42, "")
	if err != nil {
		t.Fatal(err)
	}
	if st.Version != before+1 {
		t.Errorf("version = %d, want %d", st.Version, before+1)
	}
}

func TestManualActivityLifecycle(t *testing.T) {
	s := tempStore(t)

	id, err := s.CreateManualActivity("", 1, 10, phase.Observations, "observation_approval")
	if err != nil {
		t.Fatal(err)
	}

	ma, err := s.GetManualActivity(id)
	if err != nil {
		t.Fatal(err)
	}
	if ma.Status != ManualPending {
		t.Errorf("status = %q, want %q", ma.Status, ManualPending)
	}

	if err := s.CompleteManualActivity(id, "maybe", 7, ""); err == nil {
		t.Error("unknown decision should be rejected")
	}

	if err := s.CompleteManualActivity(id, DecisionApproved, 7, `{"note":"ok"}`); err != nil {
		t.Fatal(err)
	}
	ma, err = s.GetManualActivity(id)
	if err != nil {
		t.Fatal(err)
	}
	if ma.Status != ManualCompleted || ma.Decision != DecisionApproved {
		t.Errorf("got %q/%q, want completed/approved", ma.Status, ma.Decision)
	}
	if ma.CompletedAt == nil {
		t.Error("completed_at not set")
	}

	// Double completion is rejected.
	if err := s.CompleteManualActivity(id, DecisionRejected, 7, ""); err == nil {
		t.Error("completing twice should fail")
	}
}

func TestManualActivityReopen(t *testing.T) {
	s := tempStore(t)

	id, err := s.CreateManualActivity("", 1, 10, phase.DataProfiling, "profiling_rule_review")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteManualActivity(id, DecisionRequestRevision, 7, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.ReopenManualActivity(id); err != nil {
		t.Fatal(err)
	}

	ma, err := s.GetManualActivity(id)
	if err != nil {
		t.Fatal(err)
	}
	if ma.Status != ManualPending || ma.Decision != "" {
		t.Errorf("after reopen got %q/%q, want pending with no decision", ma.Status, ma.Decision)
	}

	// A fresh decision can now land.
	if err := s.CompleteManualActivity(id, DecisionApproved, 8, ""); err != nil {
		t.Fatal(err)
	}
}

func TestCreateManualActivityIdempotent(t *testing.T) {
	s := tempStore(t)

	id, err := s.CreateManualActivity("exec-1/Observations/observation_approval", 1, 10, phase.Observations, "observation_approval")
	if err != nil {
		t.Fatal(err)
	}
	if id != "exec-1/Observations/observation_approval" {
		t.Errorf("id = %q, want the supplied one", id)
	}

	if err := s.CompleteManualActivity(id, DecisionApproved, 7, ""); err != nil {
		t.Fatal(err)
	}

	// A retried create with the same ID leaves the decided record alone.
	again, err := s.CreateManualActivity(id, 1, 10, phase.Observations, "observation_approval")
	if err != nil {
		t.Fatalf("repeated create: %v", err)
	}
	if again != id {
		t.Errorf("repeated create returned %q, want %q", again, id)
	}
	ma, err := s.GetManualActivity(id)
	if err != nil {
		t.Fatal(err)
	}
	if ma.Status != ManualCompleted || ma.Decision != DecisionApproved {
		t.Errorf("got %q/%q, want completed/approved preserved", ma.Status, ma.Decision)
	}
}

func TestProgressRoundTrip(t *testing.T) {
	s := tempStore(t)

	// Missing row yields the zero snapshot.
	p, err := s.GetProgress(1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if p.AttributesTotal != 0 {
		t.Errorf("zero progress expected, got %+v", p)
	}

	want := phase.Progress{AttributesTotal: 12, AttributesScoped: 5, RequestsTotal: 10, RequestsAnswered: 9}
	if err := s.SetProgress(1, 10, want); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetProgress(1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("progress = %+v, want %+v", got, want)
	}

	// Upsert overwrites.
	want.AttributesScoped = 12
	if err := s.SetProgress(1, 10, want); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetProgress(1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if got.AttributesScoped != 12 {
		t.Errorf("attributes_scoped = %d, want 12", got.AttributesScoped)
	}
}

func TestCyclesReportsAndUsers(t *testing.T) {
	s := tempStore(t)

	exists, err := s.CycleExists(1)
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Error("cycle 1 should not exist yet")
	}

	if err := s.CreateCycle(1, "Q3 2026"); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateCycle(1, "Q3 2026"); err != nil {
		t.Fatal(err) // idempotent
	}
	exists, err = s.CycleExists(1)
	if err != nil {
		t.Fatal(err)
	}
	if !exists {
		t.Error("cycle 1 should exist")
	}

	for _, reportID := range []int{10, 11} {
		if err := s.AddReport(1, reportID, "report"); err != nil {
			t.Fatal(err)
		}
	}
	reports, err := s.ReportsForCycle(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 2 || reports[0] != 10 || reports[1] != 11 {
		t.Errorf("reports = %v, want [10 11]", reports)
	}

	if err := s.UpsertUser(42, phase.RoleTester); err != nil {
		t.Fatal(err)
	}
	role, err := s.UserRole(42)
	if err != nil {
		t.Fatal(err)
	}
	if role != phase.RoleTester {
		t.Errorf("role = %q, want %q", role, phase.RoleTester)
	}
	role, err = s.UserRole(999)
	if err != nil {
		t.Fatal(err)
	}
	if role != "" {
		t.Errorf("unknown user role = %q, want empty", role)
	}
}
