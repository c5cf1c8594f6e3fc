// Package schema holds the entity catalogue shared by the engine and the
// storage backends. The types need to live in a place both can import
// without circular deps.
package schema

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Record is a normalized row produced by an adapter: column name -> scalar
// value. Values are one of: string, int64, float64, bool, time.Time,
// decimal.Decimal, []byte (opaque JSON blob), or nil.
//
// Records are created fresh per fetch and treated as immutable once handed
// to the upsert engine.
type Record map[string]any

// Column describes one warehouse column, including the DDL type used when
// auto-creating tables.
type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable,omitempty"`
}

// ForeignKey declares that a child column must reference an existing row in
// another entity's table. Records violating this are dropped by the engine
// (counted, never silently lost), not rejected by the database.
type ForeignKey struct {
	Column     string `json:"column"`
	References string `json:"references"` // referenced entity name
}

// Entity is the static per-entity-type descriptor: how one kind of record
// maps to storage. Created at process start, never mutated, shared
// read-only across all jobs.
type Entity struct {
	Name      string       `json:"name"`
	Table     string       `json:"table"`
	UniqueKey []string     `json:"unique_key"`
	Columns   []Column     `json:"columns"`

	// Identity columns are written on insert but never overwritten on
	// conflict (e.g. creation timestamps, original source id).
	Identity []string `json:"identity,omitempty"`

	// Required columns must be present and non-nil in every record.
	// The unique key columns are implicitly required.
	Required []string `json:"required,omitempty"`

	ForeignKeys []ForeignKey `json:"foreign_keys,omitempty"`
}

// Validate checks internal consistency of the descriptor.
//
// Errors:
//   - empty name/table
//   - empty or unknown unique key columns
//   - identity/required/foreign-key columns not present in Columns
func (e Entity) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("schema: entity name is empty")
	}
	if e.Table == "" {
		return fmt.Errorf("schema: entity %s: table is empty", e.Name)
	}
	if len(e.UniqueKey) == 0 {
		return fmt.Errorf("schema: entity %s: unique_key is empty", e.Name)
	}
	if len(e.Columns) == 0 {
		return fmt.Errorf("schema: entity %s: no columns", e.Name)
	}

	have := make(map[string]bool, len(e.Columns))
	for _, c := range e.Columns {
		if c.Name == "" || c.Type == "" {
			return fmt.Errorf("schema: entity %s: column name/type must be set", e.Name)
		}
		if have[c.Name] {
			return fmt.Errorf("schema: entity %s: duplicate column %q", e.Name, c.Name)
		}
		have[c.Name] = true
	}

	check := func(kind string, cols []string) error {
		for _, c := range cols {
			if !have[c] {
				return fmt.Errorf("schema: entity %s: %s column %q not in columns", e.Name, kind, c)
			}
		}
		return nil
	}
	if err := check("unique_key", e.UniqueKey); err != nil {
		return err
	}
	if err := check("identity", e.Identity); err != nil {
		return err
	}
	if err := check("required", e.Required); err != nil {
		return err
	}
	for _, fk := range e.ForeignKeys {
		if !have[fk.Column] {
			return fmt.Errorf("schema: entity %s: foreign key column %q not in columns", e.Name, fk.Column)
		}
		if fk.References == "" {
			return fmt.Errorf("schema: entity %s: foreign key %q references nothing", e.Name, fk.Column)
		}
	}
	return nil
}

// ColumnNames returns the declared column names in declaration order.
func (e Entity) ColumnNames() []string {
	out := make([]string, 0, len(e.Columns))
	for _, c := range e.Columns {
		out = append(out, c.Name)
	}
	return out
}

// RequiredColumns returns the effective required set: declared required
// columns plus the unique key.
func (e Entity) RequiredColumns() []string {
	seen := make(map[string]bool, len(e.Required)+len(e.UniqueKey))
	out := make([]string, 0, len(e.Required)+len(e.UniqueKey))
	for _, c := range e.UniqueKey {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	for _, c := range e.Required {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

// MutableColumns returns the columns overwritten on conflict: everything
// except the unique key and the identity columns.
func (e Entity) MutableColumns() []string {
	skip := make(map[string]bool, len(e.UniqueKey)+len(e.Identity))
	for _, c := range e.UniqueKey {
		skip[c] = true
	}
	for _, c := range e.Identity {
		skip[c] = true
	}
	out := make([]string, 0, len(e.Columns))
	for _, c := range e.Columns {
		if !skip[c.Name] {
			out = append(out, c.Name)
		}
	}
	return out
}

// IsKeyColumn reports whether name is part of the unique key.
func (e Entity) IsKeyColumn(name string) bool {
	for _, k := range e.UniqueKey {
		if k == name {
			return true
		}
	}
	return false
}

// BindValue converts a record value into a form every backend driver can
// bind directly.
//
// decimal.Decimal is bound as its canonical string form rather than a
// driver-specific numeric type; the warehouse columns are NUMERIC/TEXT and
// round-trip exactly through the string representation.
func BindValue(v any) any {
	switch t := v.(type) {
	case decimal.Decimal:
		return t.String()
	case *decimal.Decimal:
		if t == nil {
			return nil
		}
		return t.String()
	case time.Time:
		return t.UTC()
	default:
		return v
	}
}
