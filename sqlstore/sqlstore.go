// Package sqlstore is a SQL sink for synced messages. SQLite (pure Go) and
// PostgreSQL are supported.
package sqlstore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/dhcgn/mail-to-sheets/model"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS emails (
		id TEXT PRIMARY KEY,
		sender TEXT NOT NULL,
		subject TEXT NOT NULL,
		received_at TEXT NOT NULL,
		content TEXT NOT NULL,
		message_id TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_emails_message_id ON emails (message_id)`,
	`CREATE TABLE IF NOT EXISTS processed_messages (
		message_id TEXT PRIMARY KEY,
		processed_at TEXT NOT NULL
	)`,
}

type Options struct {
	Driver string
	DSN    string
}

// Store writes rows and processed ids in one transaction, rows first.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

func Open(ctx context.Context, opts Options, logger *slog.Logger) (*Store, error) {
	driver := strings.ToLower(strings.TrimSpace(opts.Driver))
	switch driver {
	case "", DriverSQLite:
		driver = DriverSQLite
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", opts.Driver)
	}
	if strings.TrimSpace(opts.DSN) == "" {
		return nil, fmt.Errorf("sql dsn is empty")
	}

	db, err := sqlx.Open(driver, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening %s db: %w", driver, err)
	}
	if driver == DriverSQLite {
		// a single connection keeps writes serialized
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, logger: logger, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema statement %d: %w", i+1, err)
		}
	}
	return nil
}

func (s *Store) LoadProcessedIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, "SELECT message_id FROM processed_messages ORDER BY processed_at, message_id"); err != nil {
		return nil, fmt.Errorf("select processed ids: %w", err)
	}
	return ids, nil
}

// AppendBatch inserts rows before ids inside one transaction.
func (s *Store) AppendBatch(ctx context.Context, rows []model.ParsedRecord, ids []string) error {
	if len(rows) == 0 && len(ids) == 0 {
		return nil
	}
	if len(rows) != len(ids) {
		return fmt.Errorf("batch mismatch: %d rows, %d ids", len(rows), len(ids))
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stamp := s.now().UTC().Format(time.RFC3339)

	insertRow := tx.Rebind(`INSERT INTO emails
		(id, sender, subject, received_at, content, message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	for i, r := range rows {
		if _, err := tx.ExecContext(ctx, insertRow,
			uuid.NewString(), r.Sender, r.Subject, r.ReceivedAt, r.Content, ids[i], stamp,
		); err != nil {
			return fmt.Errorf("insert row %s: %w", ids[i], err)
		}
	}

	insertID := tx.Rebind(`INSERT INTO processed_messages (message_id, processed_at)
		VALUES (?, ?) ON CONFLICT (message_id) DO NOTHING`)
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, insertID, id, stamp); err != nil {
			return fmt.Errorf("insert processed id %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing batch: %w", err)
	}
	if s.logger != nil {
		s.logger.Debug("sql batch appended", "rows", len(rows))
	}
	return nil
}
