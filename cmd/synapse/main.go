// Command synapse runs the regulatory test-cycle orchestrator: a Temporal
// worker plus operational subcommands to start, inspect, and cancel runs.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/synapse-reg/synapse/internal/config"
	"github.com/synapse-reg/synapse/internal/store"
	"github.com/synapse-reg/synapse/internal/temporal"
)

func configureLogger(logLevel string, useDev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if useDev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func openStore(cfg *config.Config) (*store.Store, error) {
	dbPath := config.ExpandHome(cfg.Tracking.DB)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create tracking db directory: %w", err)
	}
	return store.Open(dbPath)
}

func main() {
	var (
		configPath string
		dev        bool
	)

	var cfg *config.Config
	var logger *slog.Logger

	root := &cobra.Command{
		Use:           "synapse",
		Short:         "Regulatory test-cycle workflow orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = loadConfig(configPath)
			if err != nil {
				return err
			}
			logger = configureLogger(cfg.General.LogLevel, dev)
			slog.SetDefault(logger)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to TOML config file")
	root.PersistentFlags().BoolVar(&dev, "dev", false, "use text log format (default is JSON)")

	root.AddCommand(workerCmd(&cfg, &logger))
	root.AddCommand(startCmd(&cfg, &logger))
	root.AddCommand(statusCmd(&cfg, &logger))
	root.AddCommand(cancelCmd(&cfg, &logger))
	root.AddCommand(metricsCmd(&cfg, &logger))
	root.AddCommand(alertsCmd(&cfg, &logger))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func workerCmd(cfg **config.Config, logger **slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the Temporal worker for the test-cycle task queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(*cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			return temporal.StartWorker(*cfg, st, *logger)
		},
	}
}

func startCmd(cfg **config.Config, logger **slog.Logger) *cobra.Command {
	var (
		cycleID    int
		userID     int
		reportIDs  []int
		skipPhases []string
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a test cycle workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(*cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			c, err := temporal.NewClient(*cfg, st, *logger)
			if err != nil {
				return err
			}
			defer c.Close()

			res, err := c.StartTestCycle(context.Background(), temporal.CycleRequest{
				CycleID:     cycleID,
				InitiatedBy: userID,
				ReportIDs:   reportIDs,
				SkipPhases:  skipPhases,
			})
			if err != nil {
				return err
			}
			fmt.Printf("started %s (run %s) covering %d report(s)\n", res.WorkflowID, res.RunID, len(res.ReportIDs))
			return nil
		},
	}
	cmd.Flags().IntVar(&cycleID, "cycle", 0, "test cycle ID")
	cmd.Flags().IntVar(&userID, "user", 0, "initiating user ID")
	cmd.Flags().IntSliceVar(&reportIDs, "reports", nil, "report IDs (defaults to all reports in the cycle)")
	cmd.Flags().StringSliceVar(&skipPhases, "skip-phases", nil, "phase names to bypass")
	cmd.MarkFlagRequired("cycle")
	cmd.MarkFlagRequired("user")
	return cmd
}

func statusCmd(cfg **config.Config, logger **slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <workflow-id>",
		Short: "Show the status of a workflow run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(*cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			c, err := temporal.NewClient(*cfg, st, *logger)
			if err != nil {
				return err
			}
			defer c.Close()

			status, err := c.GetStatus(context.Background(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("workflow:  %s\n", status.WorkflowID)
			fmt.Printf("status:    %s\n", status.Status)
			if status.CurrentPhase != "" {
				fmt.Printf("current:   %s\n", status.CurrentPhase)
			}
			fmt.Printf("completed: %s\n", strings.Join(status.CompletedPhases, ", "))
			fmt.Printf("started:   %s\n", status.StartedAt.Format("2006-01-02 15:04:05"))
			if status.CompletedAt != nil {
				fmt.Printf("finished:  %s (%.1fs)\n", status.CompletedAt.Format("2006-01-02 15:04:05"), status.DurationSeconds)
			}
			return nil
		},
	}
	return cmd
}

func cancelCmd(cfg **config.Config, logger **slog.Logger) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <workflow-id>",
		Short: "Cancel a running workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(*cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			c, err := temporal.NewClient(*cfg, st, *logger)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.Cancel(context.Background(), args[0], reason); err != nil {
				return err
			}
			fmt.Printf("cancellation requested for %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the tracking row")
	return cmd
}

func metricsCmd(cfg **config.Config, logger **slog.Logger) *cobra.Command {
	var workflowType string
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Show aggregated duration metrics per workflow type",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(*cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			metrics, err := st.ListMetrics(workflowType)
			if err != nil {
				return err
			}
			if len(metrics) == 0 {
				fmt.Println("no metrics recorded")
				return nil
			}
			for _, m := range metrics {
				scope := m.PhaseName
				if scope == "" {
					scope = "(workflow)"
				}
				fmt.Printf("%s  %s  runs=%d ok=%d fail=%d avg=%.1fs min=%.1fs max=%.1fs\n",
					m.PeriodStart.Format("2006-01-02"), scope,
					m.ExecutionCount, m.SuccessCount, m.FailureCount,
					m.AvgDuration, m.MinDuration, m.MaxDuration)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&workflowType, "type", temporal.ReportWorkflowType, "workflow type to report on")
	return cmd
}

func alertsCmd(cfg **config.Config, logger **slog.Logger) *cobra.Command {
	var (
		ack    string
		ackBy  int
		resolv string
	)
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List and manage unacknowledged alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(*cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			if ack != "" {
				return st.AcknowledgeAlert(ack, ackBy)
			}
			if resolv != "" {
				return st.ResolveAlert(resolv)
			}

			alerts, err := st.UnacknowledgedAlerts()
			if err != nil {
				return err
			}
			if len(alerts) == 0 {
				fmt.Println("no open alerts")
				return nil
			}
			for _, a := range alerts {
				fmt.Printf("%s  [%s/%s]  %s\n", a.AlertID, a.AlertType, a.Severity, a.AlertMessage)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&ack, "ack", "", "alert ID to acknowledge")
	cmd.Flags().IntVar(&ackBy, "user", 0, "acknowledging user ID")
	cmd.Flags().StringVar(&resolv, "resolve", "", "alert ID to resolve")
	return cmd
}
