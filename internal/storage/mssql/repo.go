package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/microsoft/go-mssqldb"

	"stratus/internal/schema"
	"stratus/internal/storage"
)

// Repo implements storage.Repository for Microsoft SQL Server.
//
// Insert/update discrimination uses MERGE ... OUTPUT $action: SQL Server
// reports 'INSERT' or 'UPDATE' per touched row, which gives exact counts in
// the same statement that performs the write.
//
// Concurrency:
//   - MERGE uses HOLDLOCK so concurrent merges on the same keys serialize
//     instead of racing into duplicate-key errors.
type Repo struct {
	db dbConn
}

func init() {
	storage.Register("mssql", New)
}

// New constructs a Repo using database/sql and the "sqlserver" driver.
//
// This method validates connectivity via PingContext.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}

	// Conservative defaults for bursty sync loads.
	raw.SetMaxOpenConns(64)
	raw.SetMaxIdleConns(64)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &Repo{db: &sqlDB{db: raw}}, nil
}

// Close releases database resources held by this repository.
func (r *Repo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

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

// MERGE source rows are inlined VALUES, so chunk to stay under the 2100
// parameter limit with room for wide tables.
const maxRowsPerMerge = 100

// UpsertRows writes one batch inside a single transaction, chunked into
// MERGE statements. Every chunk shares the transaction, so the batch commits
// or rolls back as a whole.
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

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, err
	}
	defer tx.Rollback()

	for start := 0; start < len(rows); start += maxRowsPerMerge {
		end := start + maxRowsPerMerge
		if end > len(rows) {
			end = len(rows)
		}

		stmt, args := buildMergeSQL(ent, columns, rows[start:end])

		res, err := tx.QueryContext(ctx, stmt, args...)
		if err != nil {
			return storage.UpsertStats{}, fmt.Errorf("merge %s: %w", ent.Table, err)
		}
		for res.Next() {
			var action string
			if err := res.Scan(&action); err != nil {
				res.Close()
				return storage.UpsertStats{}, err
			}
			switch action {
			case "INSERT":
				stats.Inserted++
			case "UPDATE":
				stats.Updated++
			}
		}
		if err := res.Err(); err != nil {
			res.Close()
			return storage.UpsertStats{}, err
		}
		res.Close()
	}

	if err := tx.Commit(); err != nil {
		return storage.UpsertStats{}, err
	}
	return stats, nil
}

// buildMergeSQL constructs one MERGE statement and its args.
//
// Shape:
//
//	MERGE [t] WITH (HOLDLOCK) AS target
//	USING (VALUES (@p1, ...), ...) AS src (c1, ...)
//	ON target.[k] = src.[k] AND ...
//	WHEN MATCHED THEN UPDATE SET target.[m] = src.[m], ...
//	WHEN NOT MATCHED THEN INSERT (...) VALUES (src...)
//	OUTPUT $action;
//
// When no mutable columns are present the WHEN MATCHED branch is omitted,
// which makes the merge insert-only (matched rows are untouched and do not
// appear in OUTPUT).
func buildMergeSQL(ent schema.Entity, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("MERGE ")
	b.WriteString(mssqlTableIdent(ent.Table))
	b.WriteString(" WITH (HOLDLOCK) AS target USING (VALUES ")

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
			fmt.Fprintf(&b, "@p%d", p)
			args = append(args, bindMSSQL(row[j]))
			p++
		}
		b.WriteString(")")
	}

	b.WriteString(") AS src (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(") ON ")
	for i, k := range ent.UniqueKey {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString("target.")
		b.WriteString(mssqlIdent(k))
		b.WriteString(" = src.")
		b.WriteString(mssqlIdent(k))
	}

	mutable := intersect(ent.MutableColumns(), columns)
	if len(mutable) > 0 {
		b.WriteString(" WHEN MATCHED THEN UPDATE SET ")
		for i, c := range mutable {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("target.")
			b.WriteString(mssqlIdent(c))
			b.WriteString(" = src.")
			b.WriteString(mssqlIdent(c))
		}
	}

	b.WriteString(" WHEN NOT MATCHED THEN INSERT (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(") VALUES (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("src.")
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(") OUTPUT $action;")

	return b.String(), args
}

// SelectExistingKeys reports which key tuples already exist in table.
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

	const chunk = 200
	for start := 0; start < len(keys); start += chunk {
		end := start + chunk
		if end > len(keys) {
			end = len(keys)
		}

		q, args := buildExistingKeysSQL(table, keyColumns, keys[start:end])

		rows, err := r.db.QueryContext(ctx, q, args...)
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
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(" FROM ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" WHERE ")

	args := make([]any, 0, len(keys)*len(keyColumns))
	p := 1
	for i, k := range keys {
		if i > 0 {
			b.WriteString(" OR ")
		}
		b.WriteString("(")
		for j, c := range keyColumns {
			if j > 0 {
				b.WriteString(" AND ")
			}
			b.WriteString(mssqlIdent(c))
			fmt.Fprintf(&b, " = @p%d", p)
			args = append(args, bindMSSQL(k[j]))
			p++
		}
		b.WriteString(")")
	}
	return b.String(), args
}

const syncStateDDL = `IF OBJECT_ID(N'sync_state', N'U') IS NULL BEGIN CREATE TABLE [sync_state] (
  [job_name] NVARCHAR(255) NOT NULL,
  [entity_type] NVARCHAR(255) NOT NULL,
  [cursor_value] DATETIMEOFFSET NULL,
  [cursor_key] NVARCHAR(MAX) NULL,
  [last_status] NVARCHAR(32) NOT NULL,
  [last_run_at] DATETIMEOFFSET NOT NULL,
  [error_count] INT NOT NULL DEFAULT 0,
  [error_message] NVARCHAR(MAX) NULL,
  [updated_at] DATETIMEOFFSET NOT NULL,
  CONSTRAINT [uq_sync_state] UNIQUE ([job_name], [entity_type])
); END;`

// recordAttemptSQL merges one sync_state row. The CASE expressions keep the
// stored cursor on failure and reset error_count on success.
const recordAttemptSQL = `MERGE [sync_state] WITH (HOLDLOCK) AS target
USING (VALUES (@p1, @p2, @p3, @p4, @p5, @p6, @p7, @p8, @p9))
  AS src ([job_name], [entity_type], [cursor_value], [cursor_key], [last_status], [last_run_at], [error_count], [error_message], [updated_at])
ON target.[job_name] = src.[job_name] AND target.[entity_type] = src.[entity_type]
WHEN MATCHED THEN UPDATE SET
  target.[cursor_value] = CASE WHEN src.[last_status] = 'success' THEN src.[cursor_value] ELSE target.[cursor_value] END,
  target.[cursor_key] = CASE WHEN src.[last_status] = 'success' THEN src.[cursor_key] ELSE target.[cursor_key] END,
  target.[last_status] = src.[last_status],
  target.[last_run_at] = src.[last_run_at],
  target.[error_count] = CASE WHEN src.[last_status] = 'success' THEN 0 ELSE target.[error_count] + 1 END,
  target.[error_message] = src.[error_message],
  target.[updated_at] = src.[updated_at]
WHEN NOT MATCHED THEN INSERT
  ([job_name], [entity_type], [cursor_value], [cursor_key], [last_status], [last_run_at], [error_count], [error_message], [updated_at])
  VALUES (src.[job_name], src.[entity_type], src.[cursor_value], src.[cursor_key], src.[last_status], src.[last_run_at], src.[error_count], src.[error_message], src.[updated_at]);`

// RecordAttempt merges one sync_state row atomically.
func (r *Repo) RecordAttempt(ctx context.Context, att storage.SyncAttempt) error {
	errCount := 0
	if att.Status != storage.StatusSuccess {
		errCount = 1
	}

	var cursorVal any
	if !att.CursorValue.IsZero() {
		cursorVal = att.CursorValue.UTC()
	}

	_, err := r.db.ExecContext(ctx, recordAttemptSQL,
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
	const q = `SELECT [cursor_value], [cursor_key], [last_status], [last_run_at], [error_count], [error_message]
FROM [sync_state] WHERE [job_name] = @p1 AND [entity_type] = @p2`

	rows, err := r.db.QueryContext(ctx, q, job, entity)
	if err != nil {
		return nil, fmt.Errorf("GetCursor %s/%s: %w", job, entity, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}

	c := storage.SyncCursor{JobName: job, Entity: entity}
	var (
		cursorVal sql.NullTime
		cursorKey sql.NullString
		errMsg    sql.NullString
	)
	if err := rows.Scan(&cursorVal, &cursorKey, &c.LastStatus, &c.LastRunAt, &c.ErrorCount, &errMsg); err != nil {
		return nil, fmt.Errorf("GetCursor %s/%s: scan: %w", job, entity, err)
	}
	if cursorVal.Valid {
		c.CursorValue = cursorVal.Time.UTC()
	}
	c.LastRunAt = c.LastRunAt.UTC()
	c.CursorKey = cursorKey.String
	c.ErrorMsg = errMsg.String
	return &c, nil
}

// ListSyncStatus returns every sync_state row ordered by job then entity.
func (r *Repo) ListSyncStatus(ctx context.Context) ([]storage.SyncCursor, error) {
	const q = `SELECT [job_name], [entity_type], [cursor_value], [cursor_key], [last_status], [last_run_at], [error_count], [error_message]
FROM [sync_state] ORDER BY [job_name], [entity_type]`

	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("ListSyncStatus: %w", err)
	}
	defer rows.Close()

	var out []storage.SyncCursor
	for rows.Next() {
		var (
			c         storage.SyncCursor
			cursorVal sql.NullTime
			cursorKey sql.NullString
			errMsg    sql.NullString
		)
		if err := rows.Scan(&c.JobName, &c.Entity, &cursorVal, &cursorKey, &c.LastStatus, &c.LastRunAt, &c.ErrorCount, &errMsg); err != nil {
			return nil, fmt.Errorf("ListSyncStatus: scan: %w", err)
		}
		if cursorVal.Valid {
			c.CursorValue = cursorVal.Time.UTC()
		}
		c.LastRunAt = c.LastRunAt.UTC()
		c.CursorKey = cursorKey.String
		c.ErrorMsg = errMsg.String
		out = append(out, c)
	}
	return out, rows.Err()
}

/* ---------- DDL ---------- */

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
		def := mssqlIdent(name) + " " + mssqlType(typ)
		if c.Nullable {
			def += " NULL"
		} else {
			def += " NOT NULL"
		}
		cols = append(cols, def)
	}

	var uk strings.Builder
	fmt.Fprintf(&uk, "CONSTRAINT [uq_%s] UNIQUE (", strings.ReplaceAll(e.Table, ".", "_"))
	for i, c := range e.UniqueKey {
		if i > 0 {
			uk.WriteString(", ")
		}
		uk.WriteString(mssqlIdent(c))
	}
	uk.WriteString(")")
	cols = append(cols, uk.String())

	return fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		e.Table, mssqlTableIdent(e.Table), strings.Join(cols, ", ")), nil
}

// mssqlType maps the portable column types used by the schema descriptors to
// SQL Server types. Unrecognized types pass through untouched so callers can
// use native types directly.
func mssqlType(t string) string {
	switch strings.ToUpper(t) {
	case "TEXT":
		return "NVARCHAR(450)"
	case "TIMESTAMPTZ":
		return "DATETIMEOFFSET"
	case "BOOLEAN":
		return "BIT"
	default:
		if strings.HasPrefix(strings.ToUpper(t), "NUMERIC") {
			return strings.ToUpper(t)
		}
		return t
	}
}

/* ---------- helpers ---------- */

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified
// names, e.g. "dbo.orders" -> [dbo].[orders].
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

func bindMSSQL(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case *time.Time:
		if t == nil {
			return nil
		}
		return t.UTC()
	default:
		return v
	}
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

// ---- database/sql seam types ----

// dbConn is a small interface over *sql.DB used to make this package testable.
//
// It intentionally includes only the methods this file needs.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

// txConn is a small interface over *sql.Tx used for testability.
type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	Commit() error
	Rollback() error
}

// sqlDB wraps *sql.DB to implement dbConn.
type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &sqlTx{tx: tx}, nil
}

func (s *sqlDB) Close() error { return s.db.Close() }

// sqlTx wraps *sql.Tx to implement txConn.
type sqlTx struct {
	tx *sql.Tx
}

func (s *sqlTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.tx.ExecContext(ctx, query, args...)
}

func (s *sqlTx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.tx.QueryContext(ctx, query, args...)
}

func (s *sqlTx) Commit() error   { return s.tx.Commit() }
func (s *sqlTx) Rollback() error { return s.tx.Rollback() }
