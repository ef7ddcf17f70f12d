// Package store persists the execution core's state in an embedded SQLite
// database. One process owns the file: writes flow through a single mutex and
// an immediate-mode transaction primitive, reads go through the same pool with
// WAL enabled. Opening the store recovers rows left behind by a crash so
// in-memory dispatch state can always be rebuilt from a clean base.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"waveline.dev/waveline/runtime/task"
	"waveline.dev/waveline/telemetry"
)

type (
	// Store wraps the SQLite database.
	Store struct {
		db      *sqlx.DB
		writeMu sync.Mutex
		clock   task.Clock
		log     telemetry.Logger
	}

	// Options configures Open.
	Options struct {
		// Path is the database file. Required.
		Path string
		// Clock supplies timestamps. Defaults to the system clock.
		Clock task.Clock
		// Logger defaults to the no-op logger.
		Logger telemetry.Logger
	}

	txKey struct{}
)

// Sentinel errors returned by store operations.
var (
	// ErrNotFound marks lookups for rows that do not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict marks writes rejected because the row was not in the
	// expected state (lost claim races, invalid transitions).
	ErrConflict = errors.New("store: conflict")
)

// Open opens (creating if needed) the database at opts.Path, applies the
// schema, and recovers rows interrupted by a previous crash.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, errors.New("store: path is required")
	}
	if opts.Clock == nil {
		opts.Clock = task.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	// _txlock=immediate makes every transaction take the write lock up
	// front, which is the single-writer discipline this store relies on.
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_txlock=immediate", opts.Path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", opts.Path, err)
	}
	// SQLite serializes writers anyway; a small pool keeps reads snappy
	// without multiplying lock contention.
	db.SetMaxOpenConns(4)
	s := &Store{db: db, clock: opts.Clock, log: opts.Logger}
	if err := s.applySchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.recover(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// WithTx runs fn inside a write transaction. Calls are re-entrant: when the
// context already carries a transaction, fn joins it and commit/rollback stay
// with the outermost caller. The transaction begins in immediate mode so the
// write lock is held for its whole extent.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx *sqlx.Tx) error) error {
	if tx, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return fn(ctx, tx)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	ctx = context.WithValue(ctx, txKey{}, tx)
	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.log.Error(ctx, "transaction rollback failed", "err", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// reader returns the executor for read queries: the ambient transaction when
// one is open on the context, the pool otherwise. Reads inside a transaction
// must use its connection or they would block on the write lock.
func (s *Store) reader(ctx context.Context) sqlx.ExtContext {
	if tx, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return tx
	}
	return s.db
}

// recover fails tasks left RUNNING or QUEUED by a crash and pauses projects
// that were mid-execution. Reservations are process-local, so a fresh start
// has none; failing the interrupted rows keeps the ledger consistent.
func (s *Store) recover(ctx context.Context) error {
	return s.WithTx(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		now := s.clock.Now()
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, error = ?, updated_at = ?
			WHERE status IN (?, ?)`,
			task.StatusFailed, "Server restart - task interrupted", now,
			task.StatusRunning, task.StatusQueued)
		if err != nil {
			return fmt.Errorf("store: recover tasks: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			s.log.Warn(ctx, "recovered interrupted tasks", "count", n)
		}
		res, err = tx.ExecContext(ctx, `
			UPDATE projects SET status = ?, updated_at = ? WHERE status = ?`,
			task.ProjectPaused, now, task.ProjectExecuting)
		if err != nil {
			return fmt.Errorf("store: recover projects: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			s.log.Warn(ctx, "paused interrupted projects", "count", n)
		}
		return nil
	})
}
