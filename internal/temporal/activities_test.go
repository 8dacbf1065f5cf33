package temporal

import (
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"

	"github.com/synapse-reg/synapse/internal/phase"
	"github.com/synapse-reg/synapse/internal/store"
	"github.com/synapse-reg/synapse/internal/tracking"
)

// testActivities wires the activity set against a real temp-file store,
// seeded with one cycle, two reports, and a tester user.
func testActivities(t *testing.T) (*Activities, *testsuite.TestActivityEnvironment) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "tracking.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.CreateCycle(1, "Q3 2026"))
	require.NoError(t, st.AddReport(1, 10, "FR Y-14M"))
	require.NoError(t, st.AddReport(1, 11, "FR Y-9C"))
	require.NoError(t, st.UpsertUser(42, phase.RoleTester))
	require.NoError(t, st.UpsertUser(77, phase.RoleReportOwner))

	a := &Activities{
		Store:    st,
		Recorder: tracking.NewRecorder(st, slog.Default()),
		Registry: phase.NewRegistry(),
		Graph:    phase.NewGraph(),
		LLM:      StubLLM{},
		Notifier: LogNotifier{},
	}

	s := testsuite.WorkflowTestSuite{}
	env := s.NewTestActivityEnvironment()
	env.RegisterActivity(a.StartPhaseActivity)
	env.RegisterActivity(a.CompletePhaseActivity)
	env.RegisterActivity(a.CreateManualActivityActivity)
	env.RegisterActivity(a.CheckManualActivityCompletedActivity)
	env.RegisterActivity(a.GenerateProfilingRulesActivity)
	env.RegisterActivity(a.ResolveReportsActivity)
	return a, env
}

func execPhaseActivity(t *testing.T, env *testsuite.TestActivityEnvironment, fn any, in any) ActivityResult {
	t.Helper()
	val, err := env.ExecuteActivity(fn, in)
	require.NoError(t, err)
	var res ActivityResult
	require.NoError(t, val.Get(&res))
	return res
}

func TestStartPhaseAuthorization(t *testing.T) {
	a, env := testActivities(t)

	res := execPhaseActivity(t, env, a.StartPhaseActivity, PhaseInput{
		CycleID: 1, ReportID: 10, UserID: 42, PhaseName: phase.Planning,
	})
	require.True(t, res.Success)
	require.Equal(t, store.PhaseInProgress, res.Data["state"])

	// Report owners may not start Planning.
	res = execPhaseActivity(t, env, a.StartPhaseActivity, PhaseInput{
		CycleID: 1, ReportID: 11, UserID: 77, PhaseName: phase.Planning,
	})
	require.False(t, res.Success)
	require.Contains(t, res.Error, "may not start")

	// Unknown phases are a business failure, not an engine error.
	res = execPhaseActivity(t, env, a.StartPhaseActivity, PhaseInput{
		CycleID: 1, ReportID: 10, UserID: 42, PhaseName: "Imaginary",
	})
	require.False(t, res.Success)
	require.Contains(t, res.Error, "unknown phase")
}

func TestStartPhaseIdempotentAcrossRetries(t *testing.T) {
	a, env := testActivities(t)
	in := PhaseInput{CycleID: 1, ReportID: 10, UserID: 42, PhaseName: phase.Planning}

	first := execPhaseActivity(t, env, a.StartPhaseActivity, in)
	require.True(t, first.Success)
	second := execPhaseActivity(t, env, a.StartPhaseActivity, in)
	require.True(t, second.Success)
	require.Equal(t, first.Data["started_at"], second.Data["started_at"])
}

func TestCompletePhaseCriteriaGate(t *testing.T) {
	a, env := testActivities(t)
	in := PhaseInput{CycleID: 1, ReportID: 10, UserID: 42, PhaseName: phase.Planning}

	require.True(t, execPhaseActivity(t, env, a.StartPhaseActivity, in).Success)

	// No attributes yet: criteria unmet, phase stays editable.
	res := execPhaseActivity(t, env, a.CompletePhaseActivity, in)
	require.False(t, res.Success)
	require.Contains(t, res.Error, "at least one attribute")

	ps, err := a.Store.GetPhaseState(1, 10, phase.Planning)
	require.NoError(t, err)
	require.Equal(t, store.PhaseInProgress, ps.State)

	require.NoError(t, a.Store.SetProgress(1, 10, phase.Progress{AttributesTotal: 5}))
	res = execPhaseActivity(t, env, a.CompletePhaseActivity, in)
	require.True(t, res.Success)
	require.Equal(t, store.PhaseComplete, res.Data["state"])
	require.Equal(t, store.ScheduleOnTrack, res.Data["schedule_status"])
}

func TestManualActivityPollFlow(t *testing.T) {
	a, env := testActivities(t)

	create := execPhaseActivity(t, env, a.CreateManualActivityActivity, ManualActivityInput{
		CycleID: 1, ReportID: 10, PhaseName: phase.Observations, ActivityName: "observation_approval",
	})
	require.True(t, create.Success)
	activityID := create.Data["activity_id"].(string)

	poll := func() ManualActivityStatus {
		val, err := env.ExecuteActivity(a.CheckManualActivityCompletedActivity, ManualActivityInput{ActivityID: activityID})
		require.NoError(t, err)
		var status ManualActivityStatus
		require.NoError(t, val.Get(&status))
		return status
	}

	require.False(t, poll().Completed)

	// A revision request reopens the record and the poll keeps waiting.
	require.NoError(t, a.Store.CompleteManualActivity(activityID, store.DecisionRequestRevision, 77, ""))
	status := poll()
	require.False(t, status.Completed)
	require.Equal(t, store.DecisionRequestRevision, status.Decision)
	require.False(t, poll().Completed)

	require.NoError(t, a.Store.CompleteManualActivity(activityID, store.DecisionApproved, 77, ""))
	status = poll()
	require.True(t, status.Completed)
	require.Equal(t, store.DecisionApproved, status.Decision)
}

func TestCheckManualActivityUnknownIDIsNonRetryable(t *testing.T) {
	a, env := testActivities(t)

	_, err := env.ExecuteActivity(a.CheckManualActivityCompletedActivity, ManualActivityInput{ActivityID: "no-such"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "not found")
}

func TestGenerateProfilingRulesUpdatesProgress(t *testing.T) {
	a, env := testActivities(t)

	res := execPhaseActivity(t, env, a.GenerateProfilingRulesActivity, PhaseInput{
		CycleID: 1, ReportID: 10, UserID: 42, PhaseName: phase.DataProfiling,
	})
	require.True(t, res.Success)

	p, err := a.Store.GetProgress(1, 10)
	require.NoError(t, err)
	require.Greater(t, p.ProfilingRules, 0)
}

func TestResolveReports(t *testing.T) {
	a, env := testActivities(t)

	val, err := env.ExecuteActivity(a.ResolveReportsActivity, CycleRequest{CycleID: 1, InitiatedBy: 42})
	require.NoError(t, err)
	var ids []int
	require.NoError(t, val.Get(&ids))
	require.Equal(t, []int{10, 11}, ids)

	// Explicit report IDs pass through untouched.
	val, err = env.ExecuteActivity(a.ResolveReportsActivity, CycleRequest{CycleID: 1, ReportIDs: []int{11}})
	require.NoError(t, err)
	require.NoError(t, val.Get(&ids))
	require.Equal(t, []int{11}, ids)

	// Unknown cycle fails without retry.
	_, err = env.ExecuteActivity(a.ResolveReportsActivity, CycleRequest{CycleID: 999})
	require.Error(t, err)
	require.Contains(t, err.Error(), "not found")
}
