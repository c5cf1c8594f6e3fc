package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"stratus/internal/schema"
	"stratus/internal/storage"
)

/*
Repo implements storage.Repository for Postgres.

It provides:
  - Conflict-resolving batch upserts with exact inserted/updated counts
  - Batched key-existence lookups for the engine's foreign-key pass
  - Atomic sync_state bookkeeping (cursor advances only on success)

Insert/update discrimination uses RETURNING (xmax = 0): for a row touched by
INSERT ... ON CONFLICT DO UPDATE, xmax is zero when the row was freshly
inserted and non-zero when an existing row was updated. This is exact and
costs nothing beyond the returning clause.
*/
type Repo struct {
	pool *pgxpool.Pool
}

// New creates a new Postgres-backed Repo.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	return &Repo{pool: pool}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() {
	r.pool.Close()
}

// Keep parameter counts well below the Postgres limit (65535) even for wide
// tables. A 20-column entity at 1000 rows is 20k parameters.
const maxRowsPerStatement = 1000

// EnsureTables creates entity tables and the sync_state table.
//
// This method is idempotent; all DDL uses IF NOT EXISTS.
func (r *Repo) EnsureTables(ctx context.Context, entities []schema.Entity) error {
	for _, e := range entities {
		ddl, err := buildCreateSQL(e)
		if err != nil {
			return err
		}
		if _, err := r.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create table %s: %w", e.Table, err)
		}
	}
	if _, err := r.pool.Exec(ctx, syncStateDDL); err != nil {
		return fmt.Errorf("create sync_state: %w", err)
	}
	return nil
}

// UpsertRows writes one batch inside a single transaction.
//
// Rows are chunked to bound parameter counts, but every chunk shares the
// transaction: the batch commits or rolls back as a whole.
func (r *Repo) UpsertRows(
	ctx context.Context,
	ent schema.Entity,
	columns []string,
	rows [][]any,
) (storage.UpsertStats, error) {
	var stats storage.UpsertStats
	if len(rows) == 0 {
		return stats, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return stats, err
	}
	defer tx.Rollback(ctx)

	for start := 0; start < len(rows); start += maxRowsPerStatement {
		end := start + maxRowsPerStatement
		if end > len(rows) {
			end = len(rows)
		}

		sql, args := buildUpsertSQL(ent, columns, rows[start:end])

		res, err := tx.Query(ctx, sql, args...)
		if err != nil {
			return storage.UpsertStats{}, err
		}
		for res.Next() {
			var inserted bool
			if err := res.Scan(&inserted); err != nil {
				res.Close()
				return storage.UpsertStats{}, err
			}
			if inserted {
				stats.Inserted++
			} else {
				stats.Updated++
			}
		}
		if err := res.Err(); err != nil {
			res.Close()
			return storage.UpsertStats{}, err
		}
		res.Close()
	}

	if err := tx.Commit(ctx); err != nil {
		return storage.UpsertStats{}, err
	}
	return stats, nil
}

// buildUpsertSQL constructs a single conflict-resolving INSERT and its args.
//
// Why this exists:
//   - It is pure and deterministic, so we can unit test correctness
//     (especially the ON CONFLICT clause, identity-column exclusion, and
//     placeholder numbering) without a database.
//
// Constraints:
//   - rows must have the same length as columns for every row.
//   - columns must include every unique key column.
func buildUpsertSQL(ent schema.Entity, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(ent.Table)
	b.WriteString(" (")

	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	b.WriteString(" ON CONFLICT (")
	for i, c := range ent.UniqueKey {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(")")

	// Only mutable columns are overwritten on conflict. Identity columns
	// (creation timestamps, original source ids) keep their stored value.
	mutable := intersect(ent.MutableColumns(), columns)
	if len(mutable) == 0 {
		b.WriteString(" DO NOTHING")
	} else {
		b.WriteString(" DO UPDATE SET ")
		for i, c := range mutable {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(pgIdent(c))
			b.WriteString(" = EXCLUDED.")
			b.WriteString(pgIdent(c))
		}
	}

	b.WriteString(" RETURNING (xmax = 0)")
	return b.String(), args
}

// SelectExistingKeys reports which key tuples already exist in table.
//
// This uses parameterized row-value IN lists (chunked) so composite keys
// need a single round trip per chunk.
func (r *Repo) SelectExistingKeys(
	ctx context.Context,
	table string,
	keyColumns []string,
	keys [][]any,
) (map[string]bool, error) {
	out := make(map[string]bool, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	if table == "" || len(keyColumns) == 0 {
		return nil, fmt.Errorf("SelectExistingKeys: table and keyColumns are required")
	}

	const chunk = 1000
	for start := 0; start < len(keys); start += chunk {
		end := start + chunk
		if end > len(keys) {
			end = len(keys)
		}
		part := keys[start:end]

		sql, args := buildExistingKeysSQL(table, keyColumns, part)

		rows, err := r.pool.Query(ctx, sql, args...)
		if err != nil {
			return nil, fmt.Errorf("SelectExistingKeys: query %s: %w", table, err)
		}

		dest := make([]any, len(keyColumns))
		scan := make([]any, len(keyColumns))
		for i := range dest {
			scan[i] = &dest[i]
		}
		for rows.Next() {
			if err := rows.Scan(scan...); err != nil {
				rows.Close()
				return nil, fmt.Errorf("SelectExistingKeys: scan %s: %w", table, err)
			}
			out[storage.KeyString(dest)] = true
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("SelectExistingKeys: rows %s: %w", table, err)
		}
		rows.Close()
	}

	return out, nil
}

// buildExistingKeysSQL builds the row-value IN query for one key chunk.
func buildExistingKeysSQL(table string, keyColumns []string, keys [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("SELECT ")
	for i, c := range keyColumns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(" FROM ")
	b.WriteString(table)
	b.WriteString(" WHERE (")
	for i, c := range keyColumns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(") IN (")

	args := make([]any, 0, len(keys)*len(keyColumns))
	p := 1
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range keyColumns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", p)
			args = append(args, k[j])
			p++
		}
		b.WriteString(")")
	}
	b.WriteString(")")
	return b.String(), args
}

const syncStateDDL = `CREATE TABLE IF NOT EXISTS sync_state (
  job_name TEXT NOT NULL,
  entity_type TEXT NOT NULL,
  cursor_value TIMESTAMPTZ,
  cursor_key TEXT,
  last_status TEXT NOT NULL,
  last_run_at TIMESTAMPTZ NOT NULL,
  error_count INTEGER NOT NULL DEFAULT 0,
  error_message TEXT,
  updated_at TIMESTAMPTZ NOT NULL,
  UNIQUE (job_name, entity_type)
);`

// recordAttemptSQL upserts one sync_state row.
//
// The CASE expressions are the monotonic-on-success guarantee: a failed
// attempt records status/error bookkeeping but keeps the previous cursor, so
// the next run retries the same window. error_count counts consecutive
// failures and resets on success.
const recordAttemptSQL = `INSERT INTO sync_state
  (job_name, entity_type, cursor_value, cursor_key, last_status, last_run_at, error_count, error_message, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (job_name, entity_type) DO UPDATE SET
  cursor_value = CASE WHEN EXCLUDED.last_status = 'success' THEN EXCLUDED.cursor_value ELSE sync_state.cursor_value END,
  cursor_key = CASE WHEN EXCLUDED.last_status = 'success' THEN EXCLUDED.cursor_key ELSE sync_state.cursor_key END,
  last_status = EXCLUDED.last_status,
  last_run_at = EXCLUDED.last_run_at,
  error_count = CASE WHEN EXCLUDED.last_status = 'success' THEN 0 ELSE sync_state.error_count + 1 END,
  error_message = EXCLUDED.error_message,
  updated_at = EXCLUDED.updated_at;`

// RecordAttempt upserts one sync_state row atomically.
func (r *Repo) RecordAttempt(ctx context.Context, att storage.SyncAttempt) error {
	errCount := 0
	if att.Status != storage.StatusSuccess {
		errCount = 1
	}

	var cursorVal any
	if !att.CursorValue.IsZero() {
		cursorVal = att.CursorValue.UTC()
	}

	_, err := r.pool.Exec(ctx, recordAttemptSQL,
		att.JobName,
		att.Entity,
		cursorVal,
		att.CursorKey,
		att.Status,
		att.RanAt.UTC(),
		errCount,
		nullIfEmpty(att.ErrorMsg),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("RecordAttempt %s/%s: %w", att.JobName, att.Entity, err)
	}
	return nil
}

// GetCursor returns the sync_state row for (job, entity), or nil if the pair
// has never been recorded.
func (r *Repo) GetCursor(ctx context.Context, job, entity string) (*storage.SyncCursor, error) {
	const q = `SELECT cursor_value, cursor_key, last_status, last_run_at, error_count, error_message
FROM sync_state WHERE job_name = $1 AND entity_type = $2`

	rows, err := r.pool.Query(ctx, q, job, entity)
	if err != nil {
		return nil, fmt.Errorf("GetCursor %s/%s: %w", job, entity, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}

	c := storage.SyncCursor{JobName: job, Entity: entity}
	var (
		cursorVal *time.Time
		cursorKey *string
		errMsg    *string
	)
	if err := rows.Scan(&cursorVal, &cursorKey, &c.LastStatus, &c.LastRunAt, &c.ErrorCount, &errMsg); err != nil {
		return nil, fmt.Errorf("GetCursor %s/%s: scan: %w", job, entity, err)
	}
	if cursorVal != nil {
		c.CursorValue = cursorVal.UTC()
	}
	if cursorKey != nil {
		c.CursorKey = *cursorKey
	}
	if errMsg != nil {
		c.ErrorMsg = *errMsg
	}
	return &c, nil
}

// ListSyncStatus returns every sync_state row ordered by job then entity.
func (r *Repo) ListSyncStatus(ctx context.Context) ([]storage.SyncCursor, error) {
	const q = `SELECT job_name, entity_type, cursor_value, cursor_key, last_status, last_run_at, error_count, error_message
FROM sync_state ORDER BY job_name, entity_type`

	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("ListSyncStatus: %w", err)
	}
	defer rows.Close()

	var out []storage.SyncCursor
	for rows.Next() {
		var (
			c         storage.SyncCursor
			cursorVal *time.Time
			cursorKey *string
			errMsg    *string
		)
		if err := rows.Scan(&c.JobName, &c.Entity, &cursorVal, &cursorKey, &c.LastStatus, &c.LastRunAt, &c.ErrorCount, &errMsg); err != nil {
			return nil, fmt.Errorf("ListSyncStatus: scan: %w", err)
		}
		if cursorVal != nil {
			c.CursorValue = cursorVal.UTC()
		}
		if cursorKey != nil {
			c.CursorKey = *cursorKey
		}
		if errMsg != nil {
			c.ErrorMsg = *errMsg
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

/* ---------- DDL ---------- */

// buildCreateSQL generates CREATE TABLE IF NOT EXISTS for an entity,
// including its unique-key constraint. The unique constraint is load-bearing:
// ON CONFLICT targets it, and concurrent writers serialize on it.
func buildCreateSQL(e schema.Entity) (string, error) {
	if strings.TrimSpace(e.Table) == "" {
		return "", fmt.Errorf("buildCreateSQL: entity %s: table is empty", e.Name)
	}

	cols := make([]string, 0, len(e.Columns)+1)
	for _, c := range e.Columns {
		def, err := buildColumnDef(c)
		if err != nil {
			return "", fmt.Errorf("buildCreateSQL: table %s: %w", e.Table, err)
		}
		cols = append(cols, def)
	}

	var uk strings.Builder
	uk.WriteString("UNIQUE (")
	for i, c := range e.UniqueKey {
		if i > 0 {
			uk.WriteString(", ")
		}
		uk.WriteString(pgIdent(c))
	}
	uk.WriteString(")")
	cols = append(cols, uk.String())

	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s);`,
		e.Table, strings.Join(cols, ", ")), nil
}

// buildColumnDef renders a single column definition.
//
// Nullable semantics: Nullable=false => NOT NULL (conservative default,
// matching the schema descriptors).
func buildColumnDef(c schema.Column) (string, error) {
	name := strings.TrimSpace(c.Name)
	typ := strings.TrimSpace(c.Type)
	if name == "" || typ == "" {
		return "", fmt.Errorf("column name/type must be set")
	}

	var b strings.Builder
	b.WriteString(pgIdent(name))
	b.WriteString(" ")
	b.WriteString(typ)
	if !c.Nullable {
		b.WriteString(" NOT NULL")
	}
	return b.String(), nil
}

/* ---------- helpers ---------- */

// pgIdent quotes an identifier for Postgres.
func pgIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// intersect returns the members of want that are present in have, in want's
// order.
func intersect(want, have []string) []string {
	set := make(map[string]bool, len(have))
	for _, c := range have {
		set[c] = true
	}
	out := make([]string, 0, len(want))
	for _, c := range want {
		if set[c] {
			out = append(out, c)
		}
	}
	return out
}
