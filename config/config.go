package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dhcgn/mail-to-sheets/filter"
	"github.com/dhcgn/mail-to-sheets/retry"
)

const (
	SourceGmail = "gmail"
	SourceIMAP  = "imap"
	SourceMbox  = "mbox"

	SinkSheets = "sheets"
	SinkXLSX   = "xlsx"
	SinkSQL    = "sql"

	TokenStoreFile    = "file"
	TokenStoreKeyring = "keyring"

	// PlaceholderTargetID is the value shipped in sample configuration.
	PlaceholderTargetID = "REPLACE_WITH_YOUR_SPREADSHEET_ID"

	envPrefix = "MAIL_TO_SHEETS"
)

var (
	ErrPlaceholderTarget = errors.New("target id is empty or still the placeholder")

	DefaultInclude = []string{"invoice", "receipt", "payment", "bill"}
)

// Config captures every option of a sync run.
type Config struct {
	Source         string
	Sink           string
	TargetID       string
	SQLDriver      string
	DataSheet      string
	ProcessedSheet string
	Include        []string
	Exclude        []string

	CredentialsFile string
	TokenFile       string
	TokenStore      string
	Interactive     bool

	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	UseTLS             bool
	InsecureSkipVerify bool
	IMAPMailbox        string

	MboxPath string
	StateDir string

	RetryAttempts   int
	RetryBaseDelay  time.Duration
	RetryMultiplier float64

	DryRun         bool
	Progress       bool
	MetricsFile    string
	MetricsPushURL string
	LogLevel       string
	LogDir         string
}

// RetryPolicy returns the backoff policy configured for remote calls. The
// classifier is left to each client.
func (c Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.RetryAttempts,
		BaseDelay:   c.RetryBaseDelay,
		Multiplier:  c.RetryMultiplier,
	}
}

// RegisterFlags attaches all options as persistent flags so subcommands
// share them.
func RegisterFlags(cmd *cobra.Command) error {
	defaultStateDir, err := defaultStateDir()
	if err != nil {
		return err
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "", "Optional YAML config file")
	flags.String("source", SourceGmail, "Message source: gmail, imap, mbox")
	flags.String("sink", SinkSheets, "Row sink: sheets, xlsx, sql")
	flags.String("target-id", "", "Spreadsheet id, xlsx path or SQL DSN (env SPREADSHEET_ID)")
	flags.String("sql-driver", "sqlite", "SQL driver for --sink sql: sqlite, postgres")
	flags.String("data-sheet", "Emails", "Sheet receiving one row per message")
	flags.String("processed-sheet", "Processed", "Sheet holding processed message ids")
	flags.StringSlice("include", DefaultInclude, "Subject keywords, any must match (env SUBJECT_INCLUDE)")
	flags.StringSlice("exclude", nil, "Subject keywords that reject a message (env SUBJECT_EXCLUDE)")
	flags.Bool("all-subjects", false, "Ignore include keywords and accept every subject")
	flags.String("credentials-file", filepath.Join("credentials", "credentials.json"), "OAuth client secrets file")
	flags.String("token-file", filepath.Join("credentials", "token.json"), "OAuth token file")
	flags.String("token-store", TokenStoreFile, "Where to keep the OAuth token: file, keyring")
	flags.Bool("interactive", false, "Allow browser consent when no token is stored")
	flags.String("imap-host", "", "IMAP server hostname")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS env var)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("imap-mailbox", "INBOX", "IMAP mailbox to read")
	flags.String("mbox", "", "Path to the .mbox file for --source mbox")
	flags.String("state-dir", defaultStateDir, "Directory for the mbox acknowledgement journal")
	flags.Int("retry-attempts", 3, "Attempts per remote call")
	flags.Duration("retry-base-delay", 500*time.Millisecond, "Delay before the first retry")
	flags.Float64("retry-multiplier", 2.0, "Backoff multiplier between retries")
	flags.Bool("dry-run", false, "List, fetch and parse without writing or marking read")
	flags.Bool("progress", false, "Show a progress bar")
	flags.String("metrics-file", "", "Write Prometheus metrics to this textfile after each run")
	flags.String("metrics-push-url", "", "Push Prometheus metrics to this Pushgateway")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Also write logs to a timestamped file in this directory")

	return nil
}

// LoadConfig merges flags, environment and the optional config file, then
// validates the result.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return Config{}, fmt.Errorf("bind flags: %w", err)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for key, names := range map[string][]string{
		"target-id": {envPrefix + "_TARGET_ID", "SPREADSHEET_ID"},
		"include":   {envPrefix + "_INCLUDE", "SUBJECT_INCLUDE"},
		"exclude":   {envPrefix + "_EXCLUDE", "SUBJECT_EXCLUDE"},
		"log-level": {envPrefix + "_LOG_LEVEL", "LOG_LEVEL"},
		"imap-pass": {envPrefix + "_IMAP_PASS", "IMAP_PASS"},
	} {
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := Config{
		Source:             strings.ToLower(strings.TrimSpace(v.GetString("source"))),
		Sink:               strings.ToLower(strings.TrimSpace(v.GetString("sink"))),
		TargetID:           strings.TrimSpace(v.GetString("target-id")),
		SQLDriver:          strings.ToLower(strings.TrimSpace(v.GetString("sql-driver"))),
		DataSheet:          v.GetString("data-sheet"),
		ProcessedSheet:     v.GetString("processed-sheet"),
		Include:            keywords(v.Get("include")),
		Exclude:            keywords(v.Get("exclude")),
		CredentialsFile:    v.GetString("credentials-file"),
		TokenFile:          v.GetString("token-file"),
		TokenStore:         strings.ToLower(v.GetString("token-store")),
		Interactive:        v.GetBool("interactive"),
		IMAPHost:           v.GetString("imap-host"),
		IMAPPort:           v.GetInt("imap-port"),
		IMAPUser:           v.GetString("imap-user"),
		IMAPPass:           v.GetString("imap-pass"),
		UseTLS:             v.GetBool("use-tls"),
		InsecureSkipVerify: v.GetBool("insecure-skip-verify"),
		IMAPMailbox:        v.GetString("imap-mailbox"),
		MboxPath:           v.GetString("mbox"),
		StateDir:           v.GetString("state-dir"),
		RetryAttempts:      v.GetInt("retry-attempts"),
		RetryBaseDelay:     v.GetDuration("retry-base-delay"),
		RetryMultiplier:    v.GetFloat64("retry-multiplier"),
		DryRun:             v.GetBool("dry-run"),
		Progress:           v.GetBool("progress"),
		MetricsFile:        v.GetString("metrics-file"),
		MetricsPushURL:     v.GetString("metrics-push-url"),
		LogLevel:           strings.ToLower(v.GetString("log-level")),
		LogDir:             v.GetString("log-dir"),
	}

	if v.GetBool("all-subjects") {
		cfg.Include = nil
	}

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return Config{}, err
		}
		cfg.StateDir = dir
	}
	cfg.StateDir = filepath.Clean(cfg.StateDir)

	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// keywords accepts a comma separated string or a list from flags and files.
func keywords(raw any) []string {
	switch v := raw.(type) {
	case nil:
		return nil
	case string:
		return filter.SplitKeywords(v)
	case []string:
		return filter.SplitKeywords(strings.Join(v, ","))
	case []any:
		parts := make([]string, 0, len(v))
		for _, p := range v {
			parts = append(parts, fmt.Sprint(p))
		}
		return filter.SplitKeywords(strings.Join(parts, ","))
	default:
		return filter.SplitKeywords(fmt.Sprint(v))
	}
}

func validateConfig(cfg Config) error {
	switch cfg.Source {
	case SourceGmail, SourceIMAP, SourceMbox:
	default:
		return fmt.Errorf("invalid --source: %s", cfg.Source)
	}
	switch cfg.Sink {
	case SinkSheets, SinkXLSX, SinkSQL:
	default:
		return fmt.Errorf("invalid --sink: %s", cfg.Sink)
	}
	if cfg.TargetID == "" || cfg.TargetID == PlaceholderTargetID {
		return fmt.Errorf("%w: set --target-id or SPREADSHEET_ID", ErrPlaceholderTarget)
	}
	if cfg.Sink == SinkSQL {
		switch cfg.SQLDriver {
		case "sqlite", "postgres":
		default:
			return fmt.Errorf("invalid --sql-driver: %s", cfg.SQLDriver)
		}
	}

	switch cfg.Source {
	case SourceIMAP:
		if cfg.IMAPHost == "" {
			return fmt.Errorf("--imap-host is required for --source imap")
		}
		if cfg.IMAPUser == "" {
			return fmt.Errorf("--imap-user is required for --source imap")
		}
		if cfg.IMAPPass == "" {
			return fmt.Errorf("IMAP password must be provided via --imap-pass or IMAP_PASS env var")
		}
		if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
			return fmt.Errorf("--imap-port must be between 1 and 65535")
		}
	case SourceMbox:
		if cfg.MboxPath == "" {
			return fmt.Errorf("--mbox is required for --source mbox")
		}
	}

	if cfg.NeedsGoogle() {
		switch cfg.TokenStore {
		case TokenStoreFile, TokenStoreKeyring:
		default:
			return fmt.Errorf("invalid --token-store: %s", cfg.TokenStore)
		}
	}

	if cfg.RetryAttempts <= 0 {
		return fmt.Errorf("--retry-attempts must be positive")
	}
	if cfg.RetryBaseDelay < 0 {
		return fmt.Errorf("--retry-base-delay must not be negative")
	}
	if cfg.RetryMultiplier < 1 {
		return fmt.Errorf("--retry-multiplier must be at least 1")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}

// NeedsGoogle reports whether the run talks to a Google API.
func (c Config) NeedsGoogle() bool {
	return c.Source == SourceGmail || c.Sink == SinkSheets
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".mail-to-sheets", "state"), nil
}
