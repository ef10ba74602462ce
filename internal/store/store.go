// Package store persists the orchestrator's execution state: requests,
// plans, tasks, execution steps, the pause queue, known agents, the audit
// retry queue, and LLM quota counters.
//
// Two guarantees are enforced at this layer rather than in callers. Tasks in
// a terminal status are immutable; any write that would touch one fails with
// ErrImmutabilityViolation. Status transitions are compare-and-set; a
// transition whose expected prior status does not match the stored row fails
// with ErrStatusConflict. All writes flow through the single writer
// connection of the underlying pool.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/chorushq/chorus/internal/db"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStatusConflict is returned when a compare-and-set transition reads
	// a different status than the caller expected. The caller re-reads and
	// decides.
	ErrStatusConflict = errors.New("status conflict")

	// ErrImmutabilityViolation is returned when a write would modify a task
	// in a terminal status. It means a racing terminal transition won; the
	// caller logs and discards.
	ErrImmutabilityViolation = errors.New("terminal task is immutable")
)

// MaxPageSize bounds every offset/limit query.
const MaxPageSize = 1000

// sqlTerminalSet is the SQL literal of the terminal status set, used by the
// immutability guard on task updates.
const sqlTerminalSet = "('success','failed','rejected','cancelled')"

// Store provides transactional access to orchestrator state.
type Store struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

// New creates a Store over the given pool and initializes the schema.
func New(pool *db.Pool) (*Store, error) {
	s := &Store{db: pool.Writer(), ro: pool.Reader()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// driver returns the writer's driver name for dialect decisions.
func (s *Store) driver() string {
	return s.db.DriverName()
}

// withTx runs fn inside a write transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("failed to rollback: %v (original error: %w)", rbErr, err)
		}
		return err
	}
	return tx.Commit()
}

// clampPage normalizes limit/offset to the bounds every range query obeys.
func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 100
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// isNoRows reports whether err is the no-rows sentinel from database/sql.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
