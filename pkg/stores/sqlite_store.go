package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/stanza-tools/stanza/pkg/telemetry"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory journal.
const MemoryPath = ":memory:"

// DefaultListLimit bounds List when the filter sets no limit.
const DefaultListLimit = 50

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore is a journal of orchestration events backed by SQLite.
type SQLiteStore struct {
	db     *sqlx.DB
	cfg    Config
	logger zerolog.Logger
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// WriteTimeout bounds every append made by a Subscriber, retries included.
	WriteTimeout time.Duration

	// WriteRetries is how often a Subscriber retries a failed append.
	WriteRetries uint64
}

// errNoID marks events that can never be journaled.
var errNoID = errors.New("event has no id")

// Entry is one journaled event.
type Entry struct {
	ID        string                 `json:"id"`
	CycleID   string                 `json:"cycle_id,omitempty"`
	Type      string                 `json:"type"`
	Bundle    string                 `json:"bundle,omitempty"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Filter selects journal entries. Empty fields match everything.
type Filter struct {
	Bundle  string
	CycleID string
	Type    string
	Level   string
	Since   time.Time
	Limit   int
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config, logger zerolog.Logger) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.WriteRetries == 0 {
		cfg.WriteRetries = 3
	}
	// Every connection to :memory: is a separate database.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg:    cfg,
		logger: logger.With().Str("component", "journal").Logger(),
	}, nil
}

// Open creates, initializes and migrates a journal at path.
func Open(ctx context.Context, path string, logger zerolog.Logger) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(Config{Path: path}, logger)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path
	if s.cfg.Path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(s.cfg.Path), 0o755); err != nil {
			return fmt.Errorf("failed to create journal directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", s.cfg.Path)
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db.DB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Append journals an event. Appending an event ID twice is a no-op.
func (s *SQLiteStore) Append(ctx context.Context, event telemetry.Event) error {
	if event.ID == "" {
		return errNoID
	}
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	var data sql.NullString
	if len(event.Data) > 0 {
		encoded, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
		data = sql.NullString{String: string(encoded), Valid: true}
	}

	created := event.Timestamp
	if created.IsZero() {
		created = time.Now()
	}

	query := `
		INSERT INTO events (id, cycle_id, type, bundle, level, message, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.CycleID,
		event.Type,
		event.Bundle,
		event.Level,
		event.Message,
		data,
		created.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

// List returns the newest entries matching filter, newest first.
func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]Entry, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, arg interface{}) {
		where = append(where, clause)
		args = append(args, arg)
	}
	if filter.Bundle != "" {
		add("bundle = ?", filter.Bundle)
	}
	if filter.CycleID != "" {
		add("cycle_id = ?", filter.CycleID)
	}
	if filter.Type != "" {
		add("type = ?", filter.Type)
	}
	if filter.Level != "" {
		add("level = ?", filter.Level)
	}
	if !filter.Since.IsZero() {
		add("created_at >= ?", filter.Since.UTC().Format(timeLayout))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := "SELECT id, cycle_id, type, bundle, level, message, data, created_at FROM events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	var rows []entryRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := row.entry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// entryRow is the column layout of the events table.
type entryRow struct {
	ID        string         `db:"id"`
	CycleID   string         `db:"cycle_id"`
	Type      string         `db:"type"`
	Bundle    string         `db:"bundle"`
	Level     string         `db:"level"`
	Message   string         `db:"message"`
	Data      sql.NullString `db:"data"`
	CreatedAt string         `db:"created_at"`
}

func (r entryRow) entry() (Entry, error) {
	entry := Entry{
		ID:      r.ID,
		CycleID: r.CycleID,
		Type:    r.Type,
		Bundle:  r.Bundle,
		Level:   r.Level,
		Message: r.Message,
	}

	var err error
	if entry.CreatedAt, err = time.Parse(timeLayout, r.CreatedAt); err != nil {
		return Entry{}, fmt.Errorf("failed to parse event time %q: %w", r.CreatedAt, err)
	}
	if r.Data.Valid {
		if err := json.Unmarshal([]byte(r.Data.String), &entry.Data); err != nil {
			return Entry{}, fmt.Errorf("failed to decode event data: %w", err)
		}
	}
	return entry, nil
}

// Prune deletes entries older than before and returns how many were removed.
func (s *SQLiteStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	if s.db == nil {
		return 0, fmt.Errorf("database not initialized")
	}

	result, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE created_at < ?", before.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}

	return result.RowsAffected()
}

// Subscriber returns an event subscriber that journals every event it
// receives. Failed appends are retried with exponential backoff, then logged.
func (s *SQLiteStore) Subscriber() telemetry.EventSubscriber {
	return func(event telemetry.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
		defer cancel()

		policy := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.cfg.WriteRetries), ctx)
		err := backoff.Retry(func() error {
			err := s.Append(ctx, event)
			if errors.Is(err, errNoID) {
				return backoff.Permanent(err)
			}
			return err
		}, policy)
		if err != nil {
			s.logger.Warn().Err(err).
				Str("event", event.Type).
				Str("bundle", event.Bundle).
				Msg("Failed to journal event")
		}
	}
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
