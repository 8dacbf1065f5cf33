package temporal

import (
	"fmt"
	"log/slog"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/synapse-reg/synapse/internal/config"
	"github.com/synapse-reg/synapse/internal/phase"
	"github.com/synapse-reg/synapse/internal/store"
	"github.com/synapse-reg/synapse/internal/tracking"
)

// newLLM resolves the configured rule-generation provider.
func newLLM(cfg *config.Config) (LLMClient, error) {
	switch cfg.LLM.Provider {
	case "", "stub":
		return StubLLM{}, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
}

// StartWorker connects to Temporal and runs the test-cycle task queue
// worker until interrupted. The store and recorder are injected so
// activities can persist phase state and tracking events.
func StartWorker(cfg *config.Config, st *store.Store, logger *slog.Logger) error {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		return err
	}
	defer c.Close()

	llm, err := newLLM(cfg)
	if err != nil {
		return err
	}

	recorder := tracking.NewRecorder(st, logger)
	recorder.SetExpectedWorkflowDuration(cfg.Tracking.ExpectedWorkflowDuration.Duration)
	for name, d := range cfg.Tracking.ExpectedPhaseDurations {
		recorder.SetExpectedPhaseDuration(name, d.Duration)
	}

	acts := &Activities{
		Store:    st,
		Recorder: recorder,
		Registry: phase.NewRegistry(),
		Graph:    phase.NewGraph(),
		LLM:      llm,
		Notifier: LogNotifier{Logger: logger},
	}

	w := worker.New(c, cfg.Temporal.TaskQueue, worker.Options{})

	w.RegisterWorkflow(TestCycleWorkflow)
	w.RegisterWorkflow(ReportTestingWorkflow)

	// --- Business activities ---
	w.RegisterActivity(acts.StartPhaseActivity)
	w.RegisterActivity(acts.CompletePhaseActivity)
	w.RegisterActivity(acts.CreateManualActivityActivity)
	w.RegisterActivity(acts.CheckManualActivityCompletedActivity)
	w.RegisterActivity(acts.GenerateProfilingRulesActivity)
	w.RegisterActivity(acts.SendNotificationActivity)
	w.RegisterActivity(acts.ResolveReportsActivity)

	// --- Tracking activities ---
	w.RegisterActivity(acts.RecordWorkflowStartActivity)
	w.RegisterActivity(acts.RecordWorkflowCompleteActivity)
	w.RegisterActivity(acts.RecordStepStartActivity)
	w.RegisterActivity(acts.RecordStepCompleteActivity)
	w.RegisterActivity(acts.RecordTransitionActivity)
	w.RegisterActivity(acts.CalculateMetricsActivity)

	logger.Info("worker started", "task_queue", cfg.Temporal.TaskQueue, "host", cfg.Temporal.HostPort)
	return w.Run(worker.InterruptCh())
}
