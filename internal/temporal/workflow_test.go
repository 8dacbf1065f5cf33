package temporal

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"

	"github.com/synapse-reg/synapse/internal/phase"
	"github.com/synapse-reg/synapse/internal/store"
)

// stubTracking mocks the tracking activities so workflow logic can be
// exercised without a database.
func stubTracking(env *testsuite.TestWorkflowEnvironment) {
	var a *Activities
	env.OnActivity(a.RecordWorkflowStartActivity, mock.Anything, mock.Anything).Return("exec-1", nil)
	env.OnActivity(a.RecordWorkflowCompleteActivity, mock.Anything, mock.Anything).Return(nil)
	env.OnActivity(a.RecordStepStartActivity, mock.Anything, mock.Anything).Return("step-1", nil)
	env.OnActivity(a.RecordStepCompleteActivity, mock.Anything, mock.Anything).Return(nil)
	env.OnActivity(a.RecordTransitionActivity, mock.Anything, mock.Anything).Return("tr-1", nil)
	env.OnActivity(a.CalculateMetricsActivity, mock.Anything, mock.Anything).Return(nil)
	env.OnActivity(a.SendNotificationActivity, mock.Anything, mock.Anything).Return(nil)
}

// stubHappyPhases mocks every business activity for a clean full run and
// records the order phases were started in.
func stubHappyPhases(env *testsuite.TestWorkflowEnvironment, startedPhases *[]string) {
	var a *Activities

	env.OnActivity(a.StartPhaseActivity, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			in := args.Get(1).(PhaseInput)
			*startedPhases = append(*startedPhases, in.PhaseName)
		}).
		Return(OK(map[string]any{"state": store.PhaseInProgress}), nil)
	env.OnActivity(a.CompletePhaseActivity, mock.Anything, mock.Anything).
		Return(OK(map[string]any{"state": store.PhaseComplete}), nil)
	env.OnActivity(a.GenerateProfilingRulesActivity, mock.Anything, mock.Anything).
		Return(OK(map[string]any{"rule_count": 3}), nil)
	env.OnActivity(a.CreateManualActivityActivity, mock.Anything, mock.Anything).
		Return(OK(map[string]any{"activity_id": "ma-1"}), nil)
	env.OnActivity(a.CheckManualActivityCompletedActivity, mock.Anything, mock.Anything).
		Return(ManualActivityStatus{Completed: true, Decision: store.DecisionApproved}, nil)
}

func reportRequest() ReportRequest {
	return ReportRequest{CycleID: 1, ReportID: 10, InitiatedBy: 42, WorkflowVersion: "2.0"}
}

func TestReportWorkflowHappyPathRunsAllPhasesInOrder(t *testing.T) {
	s := testsuite.WorkflowTestSuite{}
	env := s.NewTestWorkflowEnvironment()

	var startedPhases []string
	stubTracking(env)
	stubHappyPhases(env, &startedPhases)

	env.ExecuteWorkflow(ReportTestingWorkflow, reportRequest())

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result ReportResult
	require.NoError(t, env.GetWorkflowResult(&result))
	require.Equal(t, store.StatusCompleted, result.Status)
	require.Equal(t, phase.NewGraph().Phases(), result.CompletedPhases)
	require.Equal(t, phase.NewGraph().Phases(), startedPhases)
}

func TestReportWorkflowFailsWhenCompletionCriteriaUnmet(t *testing.T) {
	s := testsuite.WorkflowTestSuite{}
	env := s.NewTestWorkflowEnvironment()
	var a *Activities

	stubTracking(env)
	env.OnActivity(a.StartPhaseActivity, mock.Anything, mock.Anything).
		Return(OK(nil), nil)
	// Planning is the first phase, so its unmet criteria end the run before
	// any other completion activity fires.
	env.OnActivity(a.CompletePhaseActivity, mock.Anything, mock.Anything).
		Return(Fail("planning requires at least one attribute in the test plan"), nil)

	env.ExecuteWorkflow(ReportTestingWorkflow, reportRequest())

	require.True(t, env.IsWorkflowCompleted())
	err := env.GetWorkflowError()
	require.Error(t, err)
	require.Contains(t, err.Error(), phase.Planning)
	require.Contains(t, err.Error(), "at least one attribute")
}

func TestReportWorkflowSkipPhases(t *testing.T) {
	s := testsuite.WorkflowTestSuite{}
	env := s.NewTestWorkflowEnvironment()

	var startedPhases []string
	stubTracking(env)
	stubHappyPhases(env, &startedPhases)

	req := reportRequest()
	req.SkipPhases = []string{phase.DataProfiling, phase.SampleSelection}
	env.ExecuteWorkflow(ReportTestingWorkflow, req)

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result ReportResult
	require.NoError(t, env.GetWorkflowResult(&result))
	require.Equal(t, store.StatusCompleted, result.Status)
	require.NotContains(t, startedPhases, phase.DataProfiling)
	require.NotContains(t, startedPhases, phase.SampleSelection)
	require.Len(t, startedPhases, 7)
}

func TestReportWorkflowManualGateRejectionFailsPhase(t *testing.T) {
	s := testsuite.WorkflowTestSuite{}
	env := s.NewTestWorkflowEnvironment()
	var a *Activities

	stubTracking(env)
	env.OnActivity(a.StartPhaseActivity, mock.Anything, mock.Anything).Return(OK(nil), nil)
	env.OnActivity(a.CompletePhaseActivity, mock.Anything, mock.Anything).Return(OK(nil), nil)
	env.OnActivity(a.GenerateProfilingRulesActivity, mock.Anything, mock.Anything).
		Return(OK(map[string]any{"rule_count": 3}), nil)
	env.OnActivity(a.CreateManualActivityActivity, mock.Anything, mock.Anything).
		Return(OK(map[string]any{"activity_id": "ma-1"}), nil)
	env.OnActivity(a.CheckManualActivityCompletedActivity, mock.Anything, mock.Anything).
		Return(ManualActivityStatus{Completed: true, Decision: store.DecisionRejected}, nil)

	env.ExecuteWorkflow(ReportTestingWorkflow, reportRequest())

	require.True(t, env.IsWorkflowCompleted())
	err := env.GetWorkflowError()
	require.Error(t, err)
	require.Contains(t, err.Error(), phase.DataProfiling)
	require.Contains(t, err.Error(), "rejected")
}

func TestReportWorkflowManualGatePollsUntilDecision(t *testing.T) {
	s := testsuite.WorkflowTestSuite{}
	env := s.NewTestWorkflowEnvironment()
	var a *Activities

	var startedPhases []string
	stubTracking(env)
	env.OnActivity(a.StartPhaseActivity, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			in := args.Get(1).(PhaseInput)
			startedPhases = append(startedPhases, in.PhaseName)
		}).
		Return(OK(nil), nil)
	env.OnActivity(a.CompletePhaseActivity, mock.Anything, mock.Anything).Return(OK(nil), nil)
	env.OnActivity(a.GenerateProfilingRulesActivity, mock.Anything, mock.Anything).
		Return(OK(map[string]any{"rule_count": 1}), nil)
	env.OnActivity(a.CreateManualActivityActivity, mock.Anything, mock.Anything).
		Return(OK(map[string]any{"activity_id": "ma-1"}), nil)

	// Two pending polls before the reviewer approves. The workflow sleeps
	// between polls; the test environment advances time automatically.
	env.OnActivity(a.CheckManualActivityCompletedActivity, mock.Anything, mock.Anything).
		Return(ManualActivityStatus{Completed: false}, nil).Twice()
	env.OnActivity(a.CheckManualActivityCompletedActivity, mock.Anything, mock.Anything).
		Return(ManualActivityStatus{Completed: true, Decision: store.DecisionApproved}, nil)

	env.ExecuteWorkflow(ReportTestingWorkflow, reportRequest())

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	require.Equal(t, phase.NewGraph().Phases(), startedPhases)
}

func TestReportWorkflowRetriesTransientErrorsUpToBound(t *testing.T) {
	s := testsuite.WorkflowTestSuite{}
	env := s.NewTestWorkflowEnvironment()
	var a *Activities

	stubTracking(env)

	// A persistent infrastructure error: the engine retries the activity up
	// to its retry policy's maximum, then fails the phase.
	var attempts int
	env.OnActivity(a.StartPhaseActivity, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { attempts++ }).
		Return(ActivityResult{}, errors.New("store unavailable"))

	env.ExecuteWorkflow(ReportTestingWorkflow, reportRequest())

	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
	require.Equal(t, 3, attempts)
}

func TestReportWorkflowCancellationRecordsCancelled(t *testing.T) {
	s := testsuite.WorkflowTestSuite{}
	env := s.NewTestWorkflowEnvironment()
	var a *Activities

	// Tracking mocks capture the terminal status and the phase step's
	// terminal status instead of using the shared stub.
	var finalStatus string
	var stepStatuses []string
	env.OnActivity(a.RecordWorkflowStartActivity, mock.Anything, mock.Anything).Return("exec-1", nil)
	env.OnActivity(a.RecordWorkflowCompleteActivity, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			in := args.Get(1).(RecordWorkflowCompleteInput)
			finalStatus = in.Status
		}).
		Return(nil)
	env.OnActivity(a.RecordStepStartActivity, mock.Anything, mock.Anything).Return("step-1", nil)
	env.OnActivity(a.RecordStepCompleteActivity, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			in := args.Get(1).(RecordStepCompleteInput)
			stepStatuses = append(stepStatuses, in.Status)
		}).
		Return(nil)
	env.OnActivity(a.RecordTransitionActivity, mock.Anything, mock.Anything).Return("tr-1", nil)
	env.OnActivity(a.CalculateMetricsActivity, mock.Anything, mock.Anything).Return(nil)
	env.OnActivity(a.SendNotificationActivity, mock.Anything, mock.Anything).Return(nil)

	env.OnActivity(a.StartPhaseActivity, mock.Anything, mock.Anything).Return(OK(nil), nil)
	env.OnActivity(a.CompletePhaseActivity, mock.Anything, mock.Anything).Return(OK(nil), nil)
	env.OnActivity(a.GenerateProfilingRulesActivity, mock.Anything, mock.Anything).
		Return(OK(map[string]any{"rule_count": 1}), nil)
	env.OnActivity(a.CreateManualActivityActivity, mock.Anything, mock.Anything).
		Return(OK(map[string]any{"activity_id": "ma-1"}), nil)
	// The reviewer never decides, so the run is parked at the Data Profiling
	// gate when the cancellation lands.
	env.OnActivity(a.CheckManualActivityCompletedActivity, mock.Anything, mock.Anything).
		Return(ManualActivityStatus{Completed: false}, nil)

	env.RegisterDelayedCallback(func() {
		env.CancelWorkflow()
	}, 5*time.Minute)

	env.ExecuteWorkflow(ReportTestingWorkflow, reportRequest())

	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
	require.Equal(t, store.StatusCancelled, finalStatus)
	require.Contains(t, stepStatuses, store.StatusCancelled)
	require.NotContains(t, stepStatuses, store.StatusFailed)
}

func TestCycleWorkflowFansOutReports(t *testing.T) {
	s := testsuite.WorkflowTestSuite{}
	env := s.NewTestWorkflowEnvironment()
	var a *Activities

	env.RegisterWorkflow(ReportTestingWorkflow)

	stubTracking(env)
	env.OnActivity(a.ResolveReportsActivity, mock.Anything, mock.Anything).Return([]int{10, 11}, nil)
	env.OnWorkflow(ReportTestingWorkflow, mock.Anything, mock.Anything).
		Return(func(_ workflow.Context, req ReportRequest) (ReportResult, error) {
			return ReportResult{ReportID: req.ReportID, Status: store.StatusCompleted}, nil
		})

	env.ExecuteWorkflow(TestCycleWorkflow, CycleRequest{CycleID: 1, InitiatedBy: 42})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result CycleResult
	require.NoError(t, env.GetWorkflowResult(&result))
	require.Equal(t, store.StatusCompleted, result.Status)
	require.Len(t, result.Reports, 2)
}

func TestCycleWorkflowFailsWhenAnyReportFails(t *testing.T) {
	s := testsuite.WorkflowTestSuite{}
	env := s.NewTestWorkflowEnvironment()
	var a *Activities

	env.RegisterWorkflow(ReportTestingWorkflow)

	stubTracking(env)
	env.OnActivity(a.ResolveReportsActivity, mock.Anything, mock.Anything).Return([]int{10, 11}, nil)
	env.OnWorkflow(ReportTestingWorkflow, mock.Anything, mock.Anything).
		Return(func(_ workflow.Context, req ReportRequest) (ReportResult, error) {
			if req.ReportID == 11 {
				return ReportResult{ReportID: 11, Status: store.StatusFailed, FailedPhase: phase.Testing, Error: "tests incomplete"}, nil
			}
			return ReportResult{ReportID: req.ReportID, Status: store.StatusCompleted}, nil
		})

	env.ExecuteWorkflow(TestCycleWorkflow, CycleRequest{CycleID: 1, InitiatedBy: 42})

	require.True(t, env.IsWorkflowCompleted())
	err := env.GetWorkflowError()
	require.Error(t, err)
	require.Contains(t, err.Error(), "report 11")
}

func TestWorkflowIDsEmbedVersion(t *testing.T) {
	require.Equal(t, "test-cycle-7-v2.0", CycleWorkflowID(7, "2.0"))
	require.Equal(t, "test-cycle-7-v2.1", CycleWorkflowID(7, "2.1"))
	require.Equal(t, "test-cycle-7-report-3-v2.0", ReportWorkflowID(7, 3, ""))

	// A version bump changes only new IDs; the old ID remains addressable.
	require.NotEqual(t, CycleWorkflowID(7, "2.0"), CycleWorkflowID(7, "3.0"))
}

func TestNormalizeVersion(t *testing.T) {
	require.Equal(t, DefaultWorkflowVersion, normalizeVersion(""))
	require.Equal(t, DefaultWorkflowVersion, normalizeVersion("  "))
	require.Equal(t, "2.5", normalizeVersion(" 2.5 "))
}
