package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"stratus/internal/schema"
	"stratus/internal/storage"
)

// Repo implements storage.Repository for SQLite.
//
// Key design points vs Postgres:
//   - SQLite has no equivalent of RETURNING (xmax = 0), so exact
//     inserted/updated counts come from a pre-read of the batch's keys inside
//     the upsert transaction. The transaction makes the pre-read consistent
//     with the writes.
//   - SQLite has no native TIMESTAMPTZ type. Timestamps are stored as
//     RFC3339Nano strings in UTC for reliable round-trip behavior and easy
//     debugging.
type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	// The upsert transaction holds a read followed by writes; a single
	// connection avoids table-lock contention between pool members.
	db.SetMaxOpenConns(1)
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

// EnsureTables creates entity tables and the sync_state table. Idempotent.
func (r *Repo) EnsureTables(ctx context.Context, entities []schema.Entity) error {
	for _, e := range entities {
		ddl, err := buildCreateSQL(e)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table %s: %w", e.Table, err)
		}
	}
	if _, err := r.db.ExecContext(ctx, syncStateDDL); err != nil {
		return fmt.Errorf("create sync_state: %w", err)
	}
	return nil
}

// UpsertRows writes one batch inside a single transaction.
//
// The inserted/updated split works in two steps, both inside the tx:
//  1. Read which of the batch's keys already exist (that count is "updated").
//  2. Run the conflict-resolving INSERTs.
//
// The caller guarantees unique keys within a batch, so the arithmetic is
// exact: existing keys become updates, the rest become inserts.
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

	keyIdx, err := keyIndexes(ent, columns)
	if err != nil {
		return stats, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, err
	}
	defer tx.Rollback()

	keys := make([][]any, len(rows))
	for i, row := range rows {
		k := make([]any, len(keyIdx))
		for j, idx := range keyIdx {
			k[j] = bindSQLite(row[idx])
		}
		keys[i] = k
	}

	existing, err := selectExistingKeysTx(ctx, tx, ent.Table, ent.UniqueKey, keys)
	if err != nil {
		return storage.UpsertStats{}, err
	}

	sqlText := buildUpsertSQL(ent, columns)
	stmt, err := tx.PrepareContext(ctx, sqlText)
	if err != nil {
		return storage.UpsertStats{}, err
	}
	defer stmt.Close()

	for i, row := range rows {
		args := make([]any, len(row))
		for j, v := range row {
			args[j] = bindSQLite(v)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return storage.UpsertStats{}, fmt.Errorf("upsert %s row %d: %w", ent.Table, i, err)
		}
		if existing[storage.KeyString(keys[i])] {
			stats.Updated++
		} else {
			stats.Inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return storage.UpsertStats{}, err
	}
	return stats, nil
}

// buildUpsertSQL builds the single-row conflict-resolving INSERT. SQLite
// supports the Postgres-style ON CONFLICT clause, so the structure matches
// the Postgres backend minus RETURNING.
func buildUpsertSQL(ent schema.Entity, columns []string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(ent.Table)
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(sqlIdent(c))
	}
	b.WriteString(") VALUES (")
	for i := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("?")
	}
	b.WriteString(") ON CONFLICT (")
	for i, c := range ent.UniqueKey {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(sqlIdent(c))
	}
	b.WriteString(")")

	mutable := intersect(ent.MutableColumns(), columns)
	if len(mutable) == 0 {
		b.WriteString(" DO NOTHING")
		return b.String()
	}
	b.WriteString(" DO UPDATE SET ")
	for i, c := range mutable {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(sqlIdent(c))
		b.WriteString(" = excluded.")
		b.WriteString(sqlIdent(c))
	}
	return b.String()
}

// SelectExistingKeys reports which key tuples already exist in table.
func (r *Repo) SelectExistingKeys(
	ctx context.Context,
	table string,
	keyColumns []string,
	keys [][]any,
) (map[string]bool, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	bound := make([][]any, len(keys))
	for i, k := range keys {
		b := make([]any, len(k))
		for j, v := range k {
			b[j] = bindSQLite(v)
		}
		bound[i] = b
	}
	return selectExistingKeysTx(ctx, tx, table, keyColumns, bound)
}

// selectExistingKeysTx runs the existence check with OR-grouped equality
// predicates. Row-value IN lists exist in modern SQLite but OR groups work on
// every version and plan identically for our small chunk sizes.
func selectExistingKeysTx(
	ctx context.Context,
	tx *sql.Tx,
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

	const chunk = 200
	for start := 0; start < len(keys); start += chunk {
		end := start + chunk
		if end > len(keys) {
			end = len(keys)
		}
		part := keys[start:end]

		q, args := buildExistingKeysSQL(table, keyColumns, part)

		rows, err := tx.QueryContext(ctx, q, args...)
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

func buildExistingKeysSQL(table string, keyColumns []string, keys [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("SELECT ")
	for i, c := range keyColumns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(sqlIdent(c))
	}
	b.WriteString(" FROM ")
	b.WriteString(table)
	b.WriteString(" WHERE ")

	args := make([]any, 0, len(keys)*len(keyColumns))
	for i, k := range keys {
		if i > 0 {
			b.WriteString(" OR ")
		}
		b.WriteString("(")
		for j, c := range keyColumns {
			if j > 0 {
				b.WriteString(" AND ")
			}
			b.WriteString(sqlIdent(c))
			b.WriteString(" = ?")
			args = append(args, k[j])
		}
		b.WriteString(")")
	}
	return b.String(), args
}

const syncStateDDL = `CREATE TABLE IF NOT EXISTS sync_state (
  job_name TEXT NOT NULL,
  entity_type TEXT NOT NULL,
  cursor_value TEXT,
  cursor_key TEXT,
  last_status TEXT NOT NULL,
  last_run_at TEXT NOT NULL,
  error_count INTEGER NOT NULL DEFAULT 0,
  error_message TEXT,
  updated_at TEXT NOT NULL,
  UNIQUE (job_name, entity_type)
);`

const recordAttemptSQL = `INSERT INTO sync_state
  (job_name, entity_type, cursor_value, cursor_key, last_status, last_run_at, error_count, error_message, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (job_name, entity_type) DO UPDATE SET
  cursor_value = CASE WHEN excluded.last_status = 'success' THEN excluded.cursor_value ELSE sync_state.cursor_value END,
  cursor_key = CASE WHEN excluded.last_status = 'success' THEN excluded.cursor_key ELSE sync_state.cursor_key END,
  last_status = excluded.last_status,
  last_run_at = excluded.last_run_at,
  error_count = CASE WHEN excluded.last_status = 'success' THEN 0 ELSE sync_state.error_count + 1 END,
  error_message = excluded.error_message,
  updated_at = excluded.updated_at;`

// RecordAttempt upserts one sync_state row atomically. The CASE clauses keep
// the stored cursor when an attempt fails, so the next run retries the same
// window, and reset the consecutive-failure count on success.
func (r *Repo) RecordAttempt(ctx context.Context, att storage.SyncAttempt) error {
	errCount := 0
	if att.Status != storage.StatusSuccess {
		errCount = 1
	}

	var cursorVal any
	if !att.CursorValue.IsZero() {
		cursorVal = formatSQLiteTime(att.CursorValue)
	}

	_, err := r.db.ExecContext(ctx, recordAttemptSQL,
		att.JobName,
		att.Entity,
		cursorVal,
		att.CursorKey,
		att.Status,
		formatSQLiteTime(att.RanAt),
		errCount,
		nullIfEmpty(att.ErrorMsg),
		formatSQLiteTime(time.Now()),
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
FROM sync_state WHERE job_name = ? AND entity_type = ?`

	c := storage.SyncCursor{JobName: job, Entity: entity}
	var (
		cursorVal sql.NullString
		cursorKey sql.NullString
		ranAtRaw  string
		errMsg    sql.NullString
	)
	err := r.db.QueryRowContext(ctx, q, job, entity).Scan(
		&cursorVal, &cursorKey, &c.LastStatus, &ranAtRaw, &c.ErrorCount, &errMsg,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetCursor %s/%s: %w", job, entity, err)
	}

	if cursorVal.Valid && cursorVal.String != "" {
		ts, err := parseSQLiteTime(cursorVal.String)
		if err != nil {
			return nil, fmt.Errorf("GetCursor %s/%s: cursor_value: %w", job, entity, err)
		}
		c.CursorValue = ts
	}
	ranAt, err := parseSQLiteTime(ranAtRaw)
	if err != nil {
		return nil, fmt.Errorf("GetCursor %s/%s: last_run_at: %w", job, entity, err)
	}
	c.LastRunAt = ranAt
	c.CursorKey = cursorKey.String
	c.ErrorMsg = errMsg.String
	return &c, nil
}

// ListSyncStatus returns every sync_state row ordered by job then entity.
func (r *Repo) ListSyncStatus(ctx context.Context) ([]storage.SyncCursor, error) {
	const q = `SELECT job_name, entity_type, cursor_value, cursor_key, last_status, last_run_at, error_count, error_message
FROM sync_state ORDER BY job_name, entity_type`

	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("ListSyncStatus: %w", err)
	}
	defer rows.Close()

	var out []storage.SyncCursor
	for rows.Next() {
		var (
			c         storage.SyncCursor
			cursorVal sql.NullString
			cursorKey sql.NullString
			ranAtRaw  string
			errMsg    sql.NullString
		)
		if err := rows.Scan(&c.JobName, &c.Entity, &cursorVal, &cursorKey, &c.LastStatus, &ranAtRaw, &c.ErrorCount, &errMsg); err != nil {
			return nil, fmt.Errorf("ListSyncStatus: scan: %w", err)
		}
		if cursorVal.Valid && cursorVal.String != "" {
			ts, err := parseSQLiteTime(cursorVal.String)
			if err != nil {
				return nil, fmt.Errorf("ListSyncStatus: cursor_value: %w", err)
			}
			c.CursorValue = ts
		}
		ranAt, err := parseSQLiteTime(ranAtRaw)
		if err != nil {
			return nil, fmt.Errorf("ListSyncStatus: last_run_at: %w", err)
		}
		c.LastRunAt = ranAt
		c.CursorKey = cursorKey.String
		c.ErrorMsg = errMsg.String
		out = append(out, c)
	}
	return out, rows.Err()
}

/* ---------- DDL ---------- */

// buildCreateSQL generates CREATE TABLE IF NOT EXISTS for an entity. Column
// types from the schema descriptor are passed through; SQLite's type affinity
// makes TIMESTAMPTZ/NUMERIC declarations harmless, but timestamps still
// travel as RFC3339Nano strings (see bindSQLite).
func buildCreateSQL(e schema.Entity) (string, error) {
	if strings.TrimSpace(e.Table) == "" {
		return "", fmt.Errorf("buildCreateSQL: entity %s: table is empty", e.Name)
	}

	cols := make([]string, 0, len(e.Columns)+1)
	for _, c := range e.Columns {
		name := strings.TrimSpace(c.Name)
		typ := strings.TrimSpace(c.Type)
		if name == "" || typ == "" {
			return "", fmt.Errorf("buildCreateSQL: table %s: column name/type must be set", e.Table)
		}
		def := sqlIdent(name) + " " + typ
		if !c.Nullable {
			def += " NOT NULL"
		}
		cols = append(cols, def)
	}

	var uk strings.Builder
	uk.WriteString("UNIQUE (")
	for i, c := range e.UniqueKey {
		if i > 0 {
			uk.WriteString(", ")
		}
		uk.WriteString(sqlIdent(c))
	}
	uk.WriteString(")")
	cols = append(cols, uk.String())

	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s);`,
		e.Table, strings.Join(cols, ", ")), nil
}

/* ---------- helpers ---------- */

// sqlIdent quotes an identifier for SQLite.
func sqlIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// bindSQLite converts values into forms SQLite round-trips cleanly.
// time.Time becomes an RFC3339Nano string so comparisons and the key
// pre-read behave textually and deterministically.
func bindSQLite(v any) any {
	switch t := v.(type) {
	case time.Time:
		return formatSQLiteTime(t)
	case *time.Time:
		if t == nil {
			return nil
		}
		return formatSQLiteTime(*t)
	default:
		return v
	}
}

// formatSQLiteTime formats a time as RFC3339Nano in UTC.
func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseSQLiteTime parses timestamps returned by SQLite into time.Time.
//
// Accepted layouts:
//   - RFC3339Nano (what we write)
//   - RFC3339
//   - common space-separated variants, for rows written by other tools
func parseSQLiteTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time string")
	}

	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		if layout == "2006-01-02 15:04:05" {
			if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				return ts.UTC(), nil
			}
			continue
		}
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported time format: %q", s)
}

func keyIndexes(ent schema.Entity, columns []string) ([]int, error) {
	idx := make([]int, 0, len(ent.UniqueKey))
	for _, k := range ent.UniqueKey {
		found := -1
		for i, c := range columns {
			if c == k {
				found = i
				break
			}
		}
		if found < 0 {
			return nil, fmt.Errorf("upsert %s: key column %s missing from column set", ent.Table, k)
		}
		idx = append(idx, found)
	}
	return idx, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

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
