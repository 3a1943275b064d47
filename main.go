package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-to-sheets/auth"
	"github.com/dhcgn/mail-to-sheets/cmd"
	"github.com/dhcgn/mail-to-sheets/config"
	"github.com/dhcgn/mail-to-sheets/filter"
	"github.com/dhcgn/mail-to-sheets/gmail"
	"github.com/dhcgn/mail-to-sheets/imap"
	"github.com/dhcgn/mail-to-sheets/mbox"
	"github.com/dhcgn/mail-to-sheets/progress"
	"github.com/dhcgn/mail-to-sheets/runner"
	"github.com/dhcgn/mail-to-sheets/sheets"
	"github.com/dhcgn/mail-to-sheets/sqlstore"
	"github.com/dhcgn/mail-to-sheets/state"
	"github.com/dhcgn/mail-to-sheets/stats"
	"github.com/dhcgn/mail-to-sheets/xlsx"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mail-to-sheets",
		Short: "Copy unread emails into a spreadsheet and mark them read",
		Long: `Lists unread inbox messages whose subject matches the configured keywords,
appends one row per message to the target sheet, records the message ids
and finally marks the messages read. Messages already recorded are skipped.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(c *cobra.Command, args []string) error {
			return syncOnce(c.Context(), c)
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
	rootCmd.AddCommand(
		cmd.NewScheduleCommand(syncOnce),
		cmd.NewInspectCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// syncOnce loads the configuration from c and performs a single run.
func syncOnce(ctx context.Context, c *cobra.Command) error {
	cfg, err := config.LoadConfig(c)
	if err != nil {
		return err
	}

	logger, cleanup, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = cleanup()
	}()

	logger = logger.With("run", uuid.NewString())
	logger.Info("starting mail-to-sheets", "source", cfg.Source, "sink", cfg.Sink, "include", cfg.Include, "exclude", cfg.Exclude, "dryRun", cfg.DryRun)

	return run(ctx, cfg, logger)
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	start := time.Now()

	var httpClient *http.Client
	if cfg.NeedsGoogle() {
		var err error
		httpClient, err = googleClient(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("google auth: %w", err)
		}
	}

	source, closeSource, err := openSource(ctx, cfg, httpClient, logger)
	if err != nil {
		return err
	}
	defer closeQuietly(closeSource, "source", logger)

	sink, closeSink, err := openSink(ctx, cfg, httpClient, logger)
	if err != nil {
		return err
	}
	defer closeQuietly(closeSink, "sink", logger)

	collector := stats.NewCollector()
	metrics := stats.NewMetrics()
	bar := progress.New(cfg.Progress, os.Stdout)

	r, err := runner.New(source, sink, runner.Options{
		Filter:   filter.New(filter.Options{Include: cfg.Include, Exclude: cfg.Exclude}),
		DryRun:   cfg.DryRun,
		Recorder: stats.Multi{collector, metrics, bar},
	}, logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}

	result, runErr := r.Run(ctx)

	duration := time.Since(start)
	summary := collector.Snapshot()
	bar.Stop(summary, duration)
	attrs := append(summary.LogAttrs(), slog.Group("result", result.LogAttrs()...), "duration", duration.Round(time.Millisecond))
	logger.Info("run complete", attrs...)

	metrics.Finish(duration)
	exportMetrics(ctx, cfg, metrics, logger)

	return runErr
}

func googleClient(ctx context.Context, cfg config.Config, logger *slog.Logger) (*http.Client, error) {
	var store auth.TokenStore = auth.FileTokenStore{Path: cfg.TokenFile}
	if cfg.TokenStore == config.TokenStoreKeyring {
		ring, err := auth.OpenKeyring(filepath.Dir(cfg.TokenFile))
		if err != nil {
			return nil, err
		}
		store = auth.KeyringTokenStore{Ring: ring}
	}

	provider, err := auth.NewProvider(auth.Options{
		CredentialsFile: cfg.CredentialsFile,
		Store:           store,
		Interactive:     cfg.Interactive,
	}, logger)
	if err != nil {
		return nil, err
	}
	return provider.Client(ctx)
}

func openSource(ctx context.Context, cfg config.Config, httpClient *http.Client, logger *slog.Logger) (runner.Source, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Source {
	case config.SourceGmail:
		svc, err := gmail.NewService(ctx, httpClient)
		if err != nil {
			return nil, noop, fmt.Errorf("gmail.NewService: %w", err)
		}
		src, err := gmail.New(svc, gmail.Options{Include: cfg.Include, Retry: cfg.RetryPolicy()}, logger)
		if err != nil {
			return nil, noop, fmt.Errorf("gmail.New: %w", err)
		}
		return src, noop, nil

	case config.SourceIMAP:
		src, err := imap.New(imap.Options{
			Host:               cfg.IMAPHost,
			Port:               cfg.IMAPPort,
			Username:           cfg.IMAPUser,
			Password:           cfg.IMAPPass,
			UseTLS:             cfg.UseTLS,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			Mailbox:            cfg.IMAPMailbox,
			Include:            cfg.Include,
			Retry:              cfg.RetryPolicy(),
		}, logger)
		if err != nil {
			return nil, noop, fmt.Errorf("imap.New: %w", err)
		}
		return src, src.Close, nil

	case config.SourceMbox:
		journal, err := state.NewFileJournal(cfg.StateDir)
		if err != nil {
			return nil, noop, fmt.Errorf("state journal: %w", err)
		}
		src, err := mbox.New(mbox.Options{Path: cfg.MboxPath, Include: cfg.Include}, journal, logger)
		if err != nil {
			_ = journal.Close()
			return nil, noop, fmt.Errorf("mbox.New: %w", err)
		}
		logger.Debug("mbox journal opened", "path", journal.Path(), "acknowledged", journal.Snapshot().Acknowledged)
		return src, journal.Close, nil
	}
	return nil, noop, fmt.Errorf("unsupported source %q", cfg.Source)
}

func openSink(ctx context.Context, cfg config.Config, httpClient *http.Client, logger *slog.Logger) (runner.Sink, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Sink {
	case config.SinkSheets:
		svc, err := sheets.NewService(ctx, httpClient)
		if err != nil {
			return nil, noop, fmt.Errorf("sheets.NewService: %w", err)
		}
		w, err := sheets.New(svc, sheets.Options{
			SpreadsheetID:  cfg.TargetID,
			DataSheet:      cfg.DataSheet,
			ProcessedSheet: cfg.ProcessedSheet,
			Retry:          cfg.RetryPolicy(),
		}, logger)
		if err != nil {
			return nil, noop, fmt.Errorf("sheets.New: %w", err)
		}
		return w, noop, nil

	case config.SinkXLSX:
		w, err := xlsx.New(xlsx.Options{
			Path:           cfg.TargetID,
			DataSheet:      cfg.DataSheet,
			ProcessedSheet: cfg.ProcessedSheet,
		}, logger)
		if err != nil {
			return nil, noop, fmt.Errorf("xlsx.New: %w", err)
		}
		return w, noop, nil

	case config.SinkSQL:
		store, err := sqlstore.Open(ctx, sqlstore.Options{Driver: cfg.SQLDriver, DSN: cfg.TargetID}, logger)
		if err != nil {
			return nil, noop, fmt.Errorf("sqlstore.Open: %w", err)
		}
		return store, store.Close, nil
	}
	return nil, noop, fmt.Errorf("unsupported sink %q", cfg.Sink)
}

func exportMetrics(ctx context.Context, cfg config.Config, metrics *stats.Metrics, logger *slog.Logger) {
	if cfg.MetricsFile != "" {
		if err := metrics.WriteTextfile(cfg.MetricsFile); err != nil {
			logger.Warn("failed to write metrics file", "path", cfg.MetricsFile, "err", err)
		}
	}
	if cfg.MetricsPushURL != "" {
		if err := metrics.Push(ctx, cfg.MetricsPushURL); err != nil {
			logger.Warn("failed to push metrics", "url", cfg.MetricsPushURL, "err", err)
		}
	}
}

func closeQuietly(closeFn func() error, what string, logger *slog.Logger) {
	if err := closeFn(); err != nil {
		logger.Warn("close failed", "component", what, "err", err)
	}
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("mail-to-sheets-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler), cleanup, nil
}
