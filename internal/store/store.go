// Package store implements the durable data model on SQLite via sqlx.
// Schema changes ship as embedded goose migrations.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync/atomic"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// memSeq numbers in-memory databases so each Open gets its own.
var memSeq atomic.Int64

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicate is returned when a uniqueness constraint is violated.
var ErrDuplicate = errors.New("store: duplicate")

// Store bundles the entity repositories over one database handle.
type Store struct {
	db *sqlx.DB

	Users    *UserRepo
	APIKeys  *APIKeyRepo
	Routes   *RouteRepo
	Policies *PolicyRepo
	IPRules  *IPRuleRepo
	Audit    *AuditRepo
}

// Open opens (or creates) the SQLite database at dsn, runs migrations,
// and returns a ready Store. dsn ":memory:" yields a private in-memory
// database, used by tests.
func Open(dsn string) (*Store, error) {
	pragmas := "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"

	var fullDSN string
	if dsn == ":memory:" {
		// Unique name per Open so callers get independent databases;
		// shared cache so every pooled connection sees the same data.
		fullDSN = fmt.Sprintf("file:mem-%d?mode=memory&cache=shared&%s",
			memSeq.Add(1), pragmas)
	} else {
		fullDSN = "file:" + dsn + "?" + pragmas
	}

	db, err := sqlx.Open("sqlite", fullDSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY
	// churn and is plenty for the cached config-read workload.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	s := &Store{db: db}
	s.Users = &UserRepo{db: db}
	s.APIKeys = &APIKeyRepo{db: db}
	s.Routes = &RouteRepo{db: db}
	s.Policies = &PolicyRepo{db: db}
	s.IPRules = &IPRuleRepo{db: db}
	s.Audit = &AuditRepo{db: db}
	return s, nil
}

// runMigrations applies embedded SQL migrations using goose. fs.Sub
// strips the "migrations/" prefix so goose sees files at the FS root.
func runMigrations(db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("sub fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	_, err = provider.Up(context.Background())
	return err
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// translateErr maps driver errors onto the store sentinel errors.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	// modernc/sqlite reports constraint violations in the error text;
	// the driver does not export typed constraint errors.
	if msg := err.Error(); strings.Contains(msg, "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %s", ErrDuplicate, msg)
	}
	return err
}
