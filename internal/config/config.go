// Package config defines the sync service's JSON configuration and its
// validation. Validation reports all problems at once, with severities, so an
// operator fixes a config in one round trip instead of one error at a time.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// Issue severities.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// Issue is one validation finding.
type Issue struct {
	Severity string
	Path     string
	Message  string
}

// Config is the root document.
type Config struct {
	Storage StorageConfig `json:"storage"`
	Jobs    []JobConfig   `json:"jobs"`
}

// StorageConfig selects and configures the warehouse backend.
type StorageConfig struct {
	// Kind is a registered backend: "postgres", "sqlite" or "mssql".
	Kind string `json:"kind"`

	// DSN may reference environment variables as ${VAR}; they are expanded
	// at load time so credentials stay out of the file.
	DSN string `json:"dsn"`
}

// JobConfig describes one recurring sync job.
type JobConfig struct {
	Name   string       `json:"name"`
	Entity string       `json:"entity"`
	Source SourceConfig `json:"source"`

	// Group optionally tags jobs from the same platform so they can be
	// run together, e.g. "erp" or "accounting".
	Group string `json:"group,omitempty"`

	// LookbackHours bounds the first window when no cursor exists yet.
	// 0 means the runner default.
	LookbackHours int `json:"lookback_hours,omitempty"`

	// AdvanceOnEmpty moves the cursor forward on empty fetches.
	AdvanceOnEmpty bool `json:"advance_on_empty,omitempty"`

	// MaxAttempts caps fetch retries per run. 0 means the fetch default.
	MaxAttempts int `json:"max_attempts,omitempty"`
}

// SourceConfig configures a job's data source. Type selects the adapter:
// "rest" (the default) polls an HTTP API, "file" reads an export file.
type SourceConfig struct {
	Type string `json:"type,omitempty"`

	// REST fields.
	BaseURL    string            `json:"base_url,omitempty"`
	SinceParam string            `json:"since_param,omitempty"`
	PageSize   int               `json:"page_size,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`

	// TokenEnv names the environment variable holding the bearer token.
	// The token itself never appears in config files.
	TokenEnv string `json:"token_env,omitempty"`

	// IDFields lists response fields that carry resource URLs instead of
	// plain IDs; each is reduced to the URL's trailing segment.
	IDFields []string `json:"id_fields,omitempty"`

	// File fields.
	Path     string            `json:"path,omitempty"`
	Format   string            `json:"format,omitempty"`
	FieldMap map[string]string `json:"field_map,omitempty"`

	// DataField selects the array inside an envelope object. Shared by
	// both adapters.
	DataField string `json:"data_field,omitempty"`
}

// Load reads and decodes a config file, expanding ${VAR} references in the
// storage DSN. It does not validate; call Validate on the result.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode reads a config document from r.
func Decode(r io.Reader) (Config, error) {
	var c Config
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	c.Storage.DSN = os.ExpandEnv(c.Storage.DSN)
	return c, nil
}

// Validate checks the whole document and returns every finding. The config
// is usable iff no Issue has SeverityError.
func Validate(c Config) []Issue {
	var issues []Issue
	errf := func(path, format string, args ...any) {
		issues = append(issues, Issue{Severity: SeverityError, Path: path, Message: fmt.Sprintf(format, args...)})
	}
	warnf := func(path, format string, args ...any) {
		issues = append(issues, Issue{Severity: SeverityWarning, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	switch c.Storage.Kind {
	case "postgres", "sqlite", "mssql":
	case "":
		errf("storage.kind", "storage kind is required")
	default:
		errf("storage.kind", "unknown storage kind %q", c.Storage.Kind)
	}
	if strings.TrimSpace(c.Storage.DSN) == "" {
		errf("storage.dsn", "storage DSN is required")
	}

	if len(c.Jobs) == 0 {
		warnf("jobs", "no jobs configured; nothing will sync")
	}

	seen := map[string]bool{}
	for i, j := range c.Jobs {
		path := fmt.Sprintf("jobs[%d]", i)

		if strings.TrimSpace(j.Name) == "" {
			errf(path+".name", "job name is required")
		} else if seen[j.Name] {
			errf(path+".name", "duplicate job name %q", j.Name)
		} else {
			seen[j.Name] = true
		}

		if strings.TrimSpace(j.Entity) == "" {
			errf(path+".entity", "entity is required")
		}
		switch j.Source.Type {
		case "", "rest":
			if strings.TrimSpace(j.Source.BaseURL) == "" {
				errf(path+".source.base_url", "base_url is required")
			} else if !strings.HasPrefix(j.Source.BaseURL, "http://") && !strings.HasPrefix(j.Source.BaseURL, "https://") {
				errf(path+".source.base_url", "base_url must be http(s), got %q", j.Source.BaseURL)
			}
			if j.Source.TokenEnv != "" && os.Getenv(j.Source.TokenEnv) == "" {
				warnf(path+".source.token_env", "environment variable %q is not set", j.Source.TokenEnv)
			}
		case "file":
			if strings.TrimSpace(j.Source.Path) == "" {
				errf(path+".source.path", "path is required for file sources")
			}
			switch j.Source.Format {
			case "", "csv", "json", "ndjson":
			default:
				errf(path+".source.format", "unknown format %q", j.Source.Format)
			}
			if j.Source.BaseURL != "" {
				warnf(path+".source.base_url", "ignored for file sources")
			}
		default:
			errf(path+".source.type", "unknown source type %q", j.Source.Type)
		}
		if j.LookbackHours < 0 {
			errf(path+".lookback_hours", "must be >= 0")
		}
		if j.MaxAttempts < 0 {
			errf(path+".max_attempts", "must be >= 0")
		}
		if j.Source.PageSize < 0 {
			errf(path+".source.page_size", "must be >= 0")
		}
	}

	return issues
}

// HasErrors reports whether any issue is fatal.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}
