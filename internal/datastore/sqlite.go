// Package datastore persists provider instances and sinks in SQLite.
package datastore

import (
	"context"
	"database/sql"
	"embed"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timestamps are stored as fixed width UTC text so that they sort lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is the SQLite database holding instances and sinks.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

func WithLogger(logger zerolog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// Open opens (creating if needed) the database at path and applies pending
// migrations. Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string, options ...StoreOption) (*Store, error) {
	if path == "" {
		return nil, errors.New("[datastore.Open] db path is required")
	}

	s := &Store{logger: log.Logger}
	for _, opt := range options {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "datastore").Logger()

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, errors.Wrap(err, "[datastore.Open] create db directory")
		}
	}

	// pragmas in the DSN apply to every pooled connection
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, errors.Wrap(err, "[datastore.Open] open sqlite db")
	}
	if path == ":memory:" {
		// every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "[datastore.Open] ping")
	}

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s.db = db
	s.logger.Debug().Msgf("opened database [%s]", path)
	return s, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return errors.Wrap(err, "[datastore.runMigrations] set goose dialect")
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return errors.Wrap(err, "[datastore.runMigrations] run goose migrations")
	}
	return nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Instances returns the instances repo backed by this store.
func (s *Store) Instances() *InstanceRepo {
	return &InstanceRepo{db: s.db}
}

// Sinks returns the sinks repo backed by this store.
func (s *Store) Sinks() *SinkRepo {
	return &SinkRepo{db: s.db}
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse time %q", value)
	}
	return t.UTC(), nil
}

func parseNullTime(value sql.NullString) (time.Time, error) {
	if !value.Valid || value.String == "" {
		return time.Time{}, nil
	}
	return parseTime(value.String)
}

type scanner interface {
	Scan(dest ...any) error
}
