// Package engine implements schema-driven idempotent upserts.
//
// The engine turns loosely-typed source records into batched writes against a
// storage.Repository, with three passes before anything touches the database:
//
//  1. Validation: records missing required fields are skipped and reported.
//  2. Referential check: records whose foreign keys point at rows that do not
//     exist are skipped and reported, so child writes never fail a batch.
//  3. Deduplication: when a batch carries the same unique key twice, the last
//     occurrence wins and earlier ones are dropped silently.
//
// Before the passes run, values are coerced toward the declared column types,
// so timestamps and amounts read from CSV or JSON arrive at the driver as
// time.Time, decimal.Decimal and int64 rather than raw strings.
//
// What survives is written in one atomic batch. Replaying the same batch is
// safe and converges on the same end state.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"stratus/internal/etlutil"
	"stratus/internal/schema"
	"stratus/internal/storage"
)

// Skip reasons reported in Result.Errors.
const (
	ReasonMissingRequiredField = "missing_required_field"
	ReasonOrphanedForeignKey   = "orphaned_foreign_key"
)

// RecordError describes one record the engine refused to write.
type RecordError struct {
	Record schema.Record
	Reason string
	Field  string
	Detail string
}

func (e RecordError) Error() string {
	return fmt.Sprintf("%s: field %s: %s", e.Reason, e.Field, e.Detail)
}

// Result summarizes one Upsert call.
//
// Inserted+Updated equals the number of rows written. Skipped counts records
// rejected by validation or the referential check; deduplicated records are
// not counted anywhere (they were superseded, not rejected).
type Result struct {
	Inserted int64
	Updated  int64
	Skipped  int
	Errors   []RecordError
}

// Logger is the minimal logging surface the engine needs.
type Logger interface {
	Printf(format string, v ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Engine validates and writes batches of records for registered entities.
type Engine struct {
	repo storage.Repository
	reg  *schema.Registry
	log  Logger
}

// New creates an Engine. log may be nil.
func New(repo storage.Repository, reg *schema.Registry, log Logger) *Engine {
	if log == nil {
		log = nopLogger{}
	}
	return &Engine{repo: repo, reg: reg, log: log}
}

// Upsert writes one batch of records for the named entity.
//
// Edge cases:
//   - Empty input returns a zero Result and performs no I/O.
//   - A record with an unknown column is not an error: unknown columns are
//     ignored, only declared columns travel to storage.
//
// Errors:
//   - Unknown entity names fail immediately (schema.ErrUnknownEntity).
//   - Storage failures are wrapped in *storage.PersistenceError; when the
//     write fails the whole batch rolled back and Result is zero.
func (e *Engine) Upsert(ctx context.Context, entityName string, records []schema.Record) (Result, error) {
	var res Result
	if len(records) == 0 {
		return res, nil
	}

	ent, err := e.reg.Get(entityName)
	if err != nil {
		return res, err
	}

	records = coerceRecords(ent, records)

	valid := e.validate(ent, records, &res)

	valid, err = e.checkReferences(ctx, ent, valid, &res)
	if err != nil {
		return Result{}, err
	}

	valid = dedupeLastWins(ent, valid)

	if len(valid) == 0 {
		e.log.Printf("stage=upsert entity=%s written=0 skipped=%d", ent.Name, res.Skipped)
		return res, nil
	}

	columns := presentColumns(ent, valid)
	rows := make([][]any, len(valid))
	for i, rec := range valid {
		row := make([]any, len(columns))
		for j, c := range columns {
			row[j] = schema.BindValue(rec[c])
		}
		rows[i] = row
	}

	stats, err := e.repo.UpsertRows(ctx, ent, columns, rows)
	if err != nil {
		return Result{}, &storage.PersistenceError{
			Op:  fmt.Sprintf("upsert %s", ent.Table),
			Err: err,
		}
	}

	res.Inserted = stats.Inserted
	res.Updated = stats.Updated
	e.log.Printf("stage=upsert entity=%s inserted=%d updated=%d skipped=%d",
		ent.Name, res.Inserted, res.Updated, res.Skipped)
	return res, nil
}

// CheckShape reports how many records are missing required fields for the
// named entity, without writing anything. Callers use it as a cheap sanity
// pass before Upsert, which re-validates authoritatively.
func (e *Engine) CheckShape(entityName string, records []schema.Record) (int, error) {
	ent, err := e.reg.Get(entityName)
	if err != nil {
		return 0, err
	}
	var res Result
	e.validate(ent, records, &res)
	return res.Skipped, nil
}

// validate drops records missing required fields. Key columns are implicitly
// required; empty strings count as missing.
func (e *Engine) validate(ent schema.Entity, records []schema.Record, res *Result) []schema.Record {
	required := ent.RequiredColumns()
	out := records[:0:0]

	for _, rec := range records {
		missing := ""
		for _, f := range required {
			v, ok := rec[f]
			if !ok || v == nil {
				missing = f
				break
			}
			if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
				missing = f
				break
			}
		}
		if missing != "" {
			res.Skipped++
			res.Errors = append(res.Errors, RecordError{
				Record: rec,
				Reason: ReasonMissingRequiredField,
				Field:  missing,
				Detail: fmt.Sprintf("required field %q is absent or empty", missing),
			})
			continue
		}
		out = append(out, rec)
	}
	return out
}

// checkReferences drops records whose foreign keys point at absent parents.
// Each foreign key costs one batched existence query, not one per record.
func (e *Engine) checkReferences(
	ctx context.Context,
	ent schema.Entity,
	records []schema.Record,
	res *Result,
) ([]schema.Record, error) {
	if len(ent.ForeignKeys) == 0 || len(records) == 0 {
		return records, nil
	}

	// orphaned[i] holds the first violated foreign key for records[i].
	orphaned := make([]string, len(records))

	for _, fk := range ent.ForeignKeys {
		parent, err := e.reg.Get(fk.References)
		if err != nil {
			return nil, fmt.Errorf("entity %s: foreign key %s: %w", ent.Name, fk.Column, err)
		}
		if len(parent.UniqueKey) != 1 {
			return nil, fmt.Errorf("entity %s: foreign key %s: referenced entity %s has a composite key",
				ent.Name, fk.Column, parent.Name)
		}

		// Distinct non-nil values only; nil FK values are treated as valid
		// (nullability is the validation pass's concern).
		seen := map[string]bool{}
		var keys [][]any
		for _, rec := range records {
			v := rec[fk.Column]
			if v == nil {
				continue
			}
			norm := storage.NormalizeKey(v)
			if norm == "" || seen[norm] {
				continue
			}
			seen[norm] = true
			keys = append(keys, []any{schema.BindValue(v)})
		}
		if len(keys) == 0 {
			continue
		}

		existing, err := e.repo.SelectExistingKeys(ctx, parent.Table, parent.UniqueKey, keys)
		if err != nil {
			return nil, &storage.PersistenceError{
				Op:  fmt.Sprintf("check references %s -> %s", ent.Table, parent.Table),
				Err: err,
			}
		}

		for i, rec := range records {
			if orphaned[i] != "" {
				continue
			}
			v := rec[fk.Column]
			// Mirror the key-building pass: nil and empty values were never
			// queried, so they cannot be judged orphaned here.
			if v == nil || storage.NormalizeKey(v) == "" {
				continue
			}
			if !existing[storage.KeyString([]any{v})] {
				orphaned[i] = fk.Column
			}
		}
	}

	out := records[:0:0]
	for i, rec := range records {
		if fkCol := orphaned[i]; fkCol != "" {
			res.Skipped++
			res.Errors = append(res.Errors, RecordError{
				Record: rec,
				Reason: ReasonOrphanedForeignKey,
				Field:  fkCol,
				Detail: fmt.Sprintf("no parent row for %s=%v", fkCol, rec[fkCol]),
			})
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// dedupeLastWins collapses records sharing a unique key, keeping the last
// occurrence in input order. Backends may then assume unique keys per batch.
func dedupeLastWins(ent schema.Entity, records []schema.Record) []schema.Record {
	if len(records) < 2 {
		return records
	}

	last := make(map[string]int, len(records))
	for i, rec := range records {
		last[recordKey(ent, rec)] = i
	}
	if len(last) == len(records) {
		return records
	}

	out := make([]schema.Record, 0, len(last))
	for i, rec := range records {
		if last[recordKey(ent, rec)] == i {
			out = append(out, rec)
		}
	}
	return out
}

func recordKey(ent schema.Entity, rec schema.Record) string {
	vals := make([]any, len(ent.UniqueKey))
	for i, k := range ent.UniqueKey {
		vals[i] = rec[k]
	}
	return storage.KeyString(vals)
}

// coerceRecords nudges values toward their declared column types. File and
// HTTP sources surface everything as strings or json.Number; the declared
// type decides which etlutil conversion applies. A value that does not
// convert is passed through untouched and left for the driver to reject, so
// coercion never rejects a record on its own.
//
// Input records are never mutated; a record is copied the first time one of
// its values changes.
func coerceRecords(ent schema.Entity, records []schema.Record) []schema.Record {
	out := make([]schema.Record, len(records))
	for i, rec := range records {
		out[i] = coerceRecord(ent, rec)
	}
	return out
}

func coerceRecord(ent schema.Entity, rec schema.Record) schema.Record {
	var changed schema.Record
	for _, col := range ent.Columns {
		v, ok := rec[col.Name]
		if !ok || v == nil {
			continue
		}
		cv, did := coerceValue(col.Type, v)
		if !did {
			continue
		}
		if changed == nil {
			changed = make(schema.Record, len(rec))
			for k, val := range rec {
				changed[k] = val
			}
		}
		changed[col.Name] = cv
	}
	if changed == nil {
		return rec
	}
	return changed
}

// coerceValue converts v per the declared column type. The bool result
// reports whether a conversion happened.
func coerceValue(colType string, v any) (any, bool) {
	t := strings.ToLower(colType)
	switch {
	case strings.HasPrefix(t, "timestamp") || strings.HasPrefix(t, "datetime") || t == "date":
		if s, ok := v.(string); ok {
			if ts, err := etlutil.ParseTime(s); err == nil {
				return ts, true
			}
		}
	case strings.HasPrefix(t, "numeric") || strings.HasPrefix(t, "decimal") || strings.HasPrefix(t, "money"):
		switch v.(type) {
		case string, json.Number, float64:
			if d, err := etlutil.CoerceDecimal(v); err == nil {
				return d, true
			}
		}
	case strings.HasPrefix(t, "int") || strings.HasPrefix(t, "bigint") || strings.HasPrefix(t, "smallint"):
		switch v.(type) {
		case string, json.Number, float64:
			if n, err := etlutil.CoerceInt(v); err == nil {
				return n, true
			}
		}
	}
	return v, false
}

// presentColumns returns the declared columns that appear in at least one
// record, in the entity's declaration order. Key columns are always included.
func presentColumns(ent schema.Entity, records []schema.Record) []string {
	present := map[string]bool{}
	for _, k := range ent.UniqueKey {
		present[k] = true
	}
	for _, rec := range records {
		for name := range rec {
			present[name] = true
		}
	}

	out := make([]string, 0, len(present))
	for _, c := range ent.Columns {
		if present[c.Name] {
			out = append(out, c.Name)
		}
	}
	return out
}
