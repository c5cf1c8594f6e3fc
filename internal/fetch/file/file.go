// Package file implements a fetch.Func over exported data files.
//
// Some source systems cannot be polled over HTTP and instead drop periodic
// CSV or JSON exports. This adapter reads one export per run and returns its
// rows as records; incremental filtering happens in the engine, whose
// idempotent writes make re-reading a full export harmless.
package file

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"stratus/internal/schema"
)

// Options configures a Source.
type Options struct {
	// Path is the export file. The extension selects the format unless
	// Format is set.
	Path string

	// Format is "csv", "json" or "ndjson". Empty means derive from the
	// file extension (.csv, .json, .ndjson/.jsonl).
	Format string

	// FieldMap renames source columns/keys to schema column names,
	// e.g. {"Order ID": "order_id"}. Unmapped names pass through.
	FieldMap map[string]string

	// Comma overrides the CSV delimiter. Zero means ','.
	Comma rune

	// TrimSpace trims surrounding whitespace from CSV values.
	TrimSpace bool

	// DataField selects the array inside a JSON envelope object. Empty
	// means the document root must be an array.
	DataField string
}

// Source reads one export file per Fetch call.
type Source struct {
	opts Options
}

// New validates opts and builds a Source.
func New(opts Options) (*Source, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, fmt.Errorf("file: Path is required")
	}
	if opts.Format == "" {
		switch strings.ToLower(filepath.Ext(opts.Path)) {
		case ".csv":
			opts.Format = "csv"
		case ".json":
			opts.Format = "json"
		case ".ndjson", ".jsonl":
			opts.Format = "ndjson"
		default:
			return nil, fmt.Errorf("file: cannot derive format from %q; set Format", opts.Path)
		}
	}
	switch opts.Format {
	case "csv", "json", "ndjson":
	default:
		return nil, fmt.Errorf("file: unknown format %q", opts.Format)
	}
	if opts.Comma == 0 {
		opts.Comma = ','
	}
	return &Source{opts: opts}, nil
}

// Fetch implements fetch.Func. The since argument is ignored: exports are
// whole snapshots and the upsert layer absorbs the replay.
func (s *Source) Fetch(ctx context.Context, _ time.Time) ([]schema.Record, error) {
	f, err := os.Open(s.opts.Path)
	if err != nil {
		return nil, fmt.Errorf("file: %w", err)
	}
	defer f.Close()

	switch s.opts.Format {
	case "csv":
		return s.readCSV(ctx, f)
	case "ndjson":
		return s.readNDJSON(ctx, f)
	default:
		return s.readJSON(f)
	}
}

func (s *Source) readCSV(ctx context.Context, r io.Reader) ([]schema.Record, error) {
	cr := csv.NewReader(r)
	cr.Comma = s.opts.Comma
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("file: read header: %w", err)
	}
	names := make([]string, len(header))
	for i, h := range header {
		names[i] = s.mapField(strings.TrimSpace(h))
	}

	var out []schema.Record
	for line := 2; ; line++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("file: line %d: %w", line, err)
		}

		rec := make(schema.Record, len(names))
		for i, name := range names {
			if i >= len(row) || name == "" {
				continue
			}
			v := row[i]
			if s.opts.TrimSpace {
				v = strings.TrimSpace(v)
			}
			// Empty cells mean absent, matching how JSON sources omit keys.
			if v == "" {
				continue
			}
			rec[name] = v
		}
		if len(rec) > 0 {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Source) readJSON(r io.Reader) ([]schema.Record, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var raw []map[string]any
	if s.opts.DataField == "" {
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("file: decode: %w", err)
		}
	} else {
		var envelope map[string]json.RawMessage
		if err := dec.Decode(&envelope); err != nil {
			return nil, fmt.Errorf("file: decode: %w", err)
		}
		field, ok := envelope[s.opts.DataField]
		if !ok {
			return nil, fmt.Errorf("file: field %q missing", s.opts.DataField)
		}
		if err := json.Unmarshal(field, &raw); err != nil {
			return nil, fmt.Errorf("file: decode %s: %w", s.opts.DataField, err)
		}
	}

	out := make([]schema.Record, 0, len(raw))
	for _, obj := range raw {
		out = append(out, s.mapRecord(obj))
	}
	return out, nil
}

func (s *Source) readNDJSON(ctx context.Context, r io.Reader) ([]schema.Record, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var out []schema.Record
	for line := 1; ; line++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var obj map[string]any
		if err := dec.Decode(&obj); err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("file: line %d: %w", line, err)
		}
		out = append(out, s.mapRecord(obj))
	}
	return out, nil
}

func (s *Source) mapRecord(obj map[string]any) schema.Record {
	rec := make(schema.Record, len(obj))
	for k, v := range obj {
		rec[s.mapField(k)] = v
	}
	return rec
}

func (s *Source) mapField(name string) string {
	if mapped, ok := s.opts.FieldMap[name]; ok {
		return mapped
	}
	return name
}
