package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

// RunFunc performs one sync run configured from the invoking command.
type RunFunc func(ctx context.Context, cmd *cobra.Command) error

// NewScheduleCommand repeats run on a cron schedule until SIGINT or SIGTERM.
func NewScheduleCommand(run RunFunc) *cobra.Command {
	var spec string

	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the sync on a cron schedule",
		Long: `Run the sync on a cron schedule. A tick that fires while the previous
run is still busy is skipped. Stop with Ctrl+C or SIGTERM.`,
		Example: `  mail-to-sheets schedule --cron "*/15 * * * *" --target-id <spreadsheet id>
  mail-to-sheets schedule --cron "@every 1h" --source imap --sink sql --target-id runs.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := slog.New(slog.NewTextHandler(cmd.OutOrStdout(), nil))
			return Schedule(ctx, spec, func(ctx context.Context) error {
				return run(ctx, cmd)
			}, logger)
		},
	}
	scheduleCmd.Flags().StringVar(&spec, "cron", "", `Cron expression, e.g. "*/15 * * * *" or "@every 1h"`)
	_ = scheduleCmd.MarkFlagRequired("cron")

	return scheduleCmd
}

// Schedule runs job on spec until ctx is done, then waits for a running job
// to return. Overlapping ticks are skipped and job errors are only logged.
func Schedule(ctx context.Context, spec string, job func(ctx context.Context) error, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	cl := cronLogger{logger: logger}

	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(spec, func() {
		if err := job(ctx); err != nil {
			logger.Error("scheduled run failed", "err", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}

	logger.Info("scheduler started", "cron", spec)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	logger.Info("scheduler stopped")
	return nil
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
