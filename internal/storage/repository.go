package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"stratus/internal/schema"
)

// Config is the minimal configuration needed to create a warehouse repository.
//
// When to use:
//   - Use Config when constructing a Repository via New.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
//
// Errors:
//   - New returns an error if Kind is empty or unsupported.
type Config struct {
	Kind string
	DSN  string
}

// Sync attempt statuses recorded in sync_state.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// SyncCursor is one row of sync_state: how far a (job, entity) pair has
// successfully synced. CursorValue/CursorKey always reflect the last
// successful run; failed attempts update status and error bookkeeping only.
type SyncCursor struct {
	JobName     string
	Entity      string
	CursorValue time.Time
	CursorKey   string // opaque pagination token, empty when unused
	LastStatus  string
	LastRunAt   time.Time
	ErrorCount  int // consecutive failures; reset to zero on success
	ErrorMsg    string
}

// SyncAttempt is the outcome of one job run, recorded via RecordAttempt.
type SyncAttempt struct {
	JobName     string
	Entity      string
	CursorValue time.Time
	CursorKey   string
	Status      string // StatusSuccess or StatusFailed
	RanAt       time.Time
	ErrorMsg    string
}

// UpsertStats reports exactly how many rows a conflict-resolving write
// created vs overwrote. Backends must derive these from the storage engine
// (returning clause, merge action, or pre-read inside the transaction),
// never from input size.
type UpsertStats struct {
	Inserted int64
	Updated  int64
}

// PersistenceError marks a batch-fatal storage failure: the whole write was
// rolled back and the caller must not advance the sync cursor.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Repository is a backend-agnostic interface for the warehouse.
//
// IMPORTANT: This interface is intentionally minimal and focused on the
// operations the upsert engine and job runner need. Each backend implements
// these semantics in its own idiomatic way (Postgres ON CONFLICT with
// RETURNING xmax, SQLite ON CONFLICT with a transactional pre-read, MSSQL
// MERGE with OUTPUT $action).
type Repository interface {
	// Close releases any backend resources (connections, prepared statements, etc).
	//
	// When to use:
	//   - Always call Close when you are done with the repository to avoid leaks.
	//
	// Edge cases:
	//   - Treat Close as "call once" at process shutdown.
	Close()

	// EnsureTables creates entity tables, their unique-key constraints, and
	// the sync_state table as needed (create-if-not-exists semantics).
	EnsureTables(ctx context.Context, entities []schema.Entity) error

	// SelectExistingKeys returns which of the given key tuples already exist
	// in table. The result set is keyed by KeyString(tuple). Used for the
	// engine's batched foreign-key pass.
	SelectExistingKeys(ctx context.Context, table string, keyColumns []string, keys [][]any) (map[string]bool, error)

	// UpsertRows writes a batch with at-most-one-row-per-key semantics:
	// insert absent keys in full, overwrite only ent.MutableColumns() for
	// present keys. The whole batch commits or rolls back atomically.
	//
	// The caller must have deduplicated rows on the unique key; behavior for
	// duplicate keys within one batch is backend-defined.
	UpsertRows(ctx context.Context, ent schema.Entity, columns []string, rows [][]any) (UpsertStats, error)

	// GetCursor returns the sync_state row for (job, entity), or nil if the
	// pair has never been recorded.
	GetCursor(ctx context.Context, job, entity string) (*SyncCursor, error)

	// RecordAttempt upserts one sync_state row atomically. The cursor value
	// only advances when att.Status is StatusSuccess; a failed attempt
	// updates status/error bookkeeping and leaves the cursor intact.
	RecordAttempt(ctx context.Context, att SyncAttempt) error

	// ListSyncStatus returns every sync_state row ordered by job name then
	// entity. An empty slice means no job has ever recorded an attempt.
	// Used by health checks.
	ListSyncStatus(ctx context.Context) ([]SyncCursor, error)
}

// Healthy reports whether a sync_state row looks good as of now: the last
// attempt succeeded and ran within staleAfter.
func Healthy(c SyncCursor, staleAfter time.Duration, now time.Time) bool {
	if c.LastStatus != StatusSuccess {
		return false
	}
	return now.Sub(c.LastRunAt) <= staleAfter
}

// ---- backend factories (one per storage kind) ----

type factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	factoryMu sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a warehouse backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//   - The `kind` string becomes the lookup key used by New.
//
// Edge cases:
//   - kind must be non-empty.
//   - f must be non-nil.
//   - Registering the same kind more than once panics. This is intentional to
//     fail fast and avoid ambiguous backend selection.
func Register(kind string, f factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// New constructs a Repository using the registered backend factory.
//
// Concurrency:
//   - Safe for concurrent use with Register. New takes a read lock while
//     selecting the factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing Kind")
	}

	factoryMu.RLock()
	f := factories[cfg.Kind]
	factoryMu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}
