// Command sync runs incremental syncs from configured source systems into
// the warehouse. It loads a JSON config, wires the storage backend, engine
// and runner, executes the selected jobs once, and exits.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"stratus/internal/config"
	"stratus/internal/engine"
	"stratus/internal/fetch"
	"stratus/internal/fetch/file"
	"stratus/internal/fetch/rest"
	"stratus/internal/metrics"
	"stratus/internal/metrics/datadog"
	"stratus/internal/runner"
	"stratus/internal/schema"
	"stratus/internal/storage"

	// register all backends with the storage factory.
	_ "stratus/internal/storage/all"
)

// backendCloser is the minimal interface used to manage a metrics backend.
type backendCloser interface {
	metrics.Backend
	Close() error
}

// deps are external seams for testability.
type deps struct {
	Stdout io.Writer
	Stderr io.Writer

	OpenRepo       func(ctx context.Context, cfg storage.Config) (storage.Repository, error)
	BackendFactory func(ctx context.Context, jobName string, tags []string) (backendCloser, error)
}

// main is intentionally small: it wires real dependencies and exits with a code.
func main() {
	code := run(context.Background(), os.Args[1:], deps{
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
		OpenRepo: storage.New,
		BackendFactory: func(ctx context.Context, jobName string, tags []string) (backendCloser, error) {
			return datadog.NewBackend(ctx, datadog.Options{
				JobName:    jobName,
				Tags:       tags,
				FlushEvery: 60 * time.Second,
			})
		},
	})
	os.Exit(code)
}

// run executes the sync command and returns an exit code.
//
// Exit codes:
//   - 0: all selected jobs succeeded (or validation/check passed).
//   - 1: at least one job failed.
//   - 2: configuration/initialization error.
func run(ctx context.Context, args []string, d deps) int {
	if d.Stdout == nil {
		d.Stdout = io.Discard
	}
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}
	if d.OpenRepo == nil {
		fmt.Fprintln(d.Stderr, "internal error: OpenRepo is nil")
		return 2
	}

	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	fs.SetOutput(d.Stderr)
	var (
		cfgPath        = fs.String("config", "configs/sync.json", "sync config JSON path")
		jobName        = fs.String("job", "", "run only the named job (default: all)")
		groupName      = fs.String("group", "", "run only jobs in the named group")
		validate       = fs.Bool("validate", false, "validate the configuration and exit")
		check          = fs.Bool("check", false, "check storage connectivity and sync health, then exit")
		staleAfter     = fs.Duration("stale-after", 24*time.Hour, "age past which a successful sync counts as stale in -check")
		metricsBackend = fs.String("metrics-backend", "", "metrics backend to use (datadog, none)")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	logger := log.New(d.Stderr, "", log.LstdFlags)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(d.Stderr, "%v\n", err)
		return 2
	}

	issues := config.Validate(cfg)
	for _, iss := range issues {
		fmt.Fprintf(d.Stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		logger.Printf("stage=config status=invalid path=%s", *cfgPath)
		return 2
	}
	if *validate {
		fmt.Fprintf(d.Stdout, "configuration is valid: %s\n", *cfgPath)
		return 0
	}

	if *jobName != "" && findJob(cfg.Jobs, *jobName) == nil {
		fmt.Fprintf(d.Stderr, "unknown job %q\n", *jobName)
		return 2
	}
	if *groupName != "" && !groupExists(cfg.Jobs, *groupName) {
		fmt.Fprintf(d.Stderr, "unknown group %q\n", *groupName)
		return 2
	}

	reg := schema.Builtin()

	repo, err := d.OpenRepo(ctx, storage.Config{Kind: cfg.Storage.Kind, DSN: cfg.Storage.DSN})
	if err != nil {
		fmt.Fprintf(d.Stderr, "open storage: %v\n", err)
		return 2
	}
	defer repo.Close()

	if err := repo.EnsureTables(ctx, reg.All()); err != nil {
		fmt.Fprintf(d.Stderr, "ensure tables: %v\n", err)
		return 2
	}
	if *check {
		fmt.Fprintf(d.Stdout, "storage ok: kind=%s\n", cfg.Storage.Kind)
		statuses, err := repo.ListSyncStatus(ctx)
		if err != nil {
			fmt.Fprintf(d.Stderr, "list sync status: %v\n", err)
			return 2
		}
		unhealthy := 0
		now := time.Now().UTC()
		for _, s := range statuses {
			healthy := storage.Healthy(s, *staleAfter, now)
			if !healthy {
				unhealthy++
			}
			fmt.Fprintf(d.Stdout, "job=%s entity=%s last_status=%s last_run=%s error_count=%d healthy=%t\n",
				s.JobName, s.Entity, s.LastStatus, s.LastRunAt.Format(time.RFC3339), s.ErrorCount, healthy)
		}
		if unhealthy > 0 {
			return 1
		}
		return 0
	}

	if backendName := pickMetricsBackend(*metricsBackend); backendName == "datadog" {
		if d.BackendFactory == nil {
			fmt.Fprintln(d.Stderr, "internal error: BackendFactory is nil")
			return 2
		}
		tags := datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS"))
		b, err := d.BackendFactory(ctx, *jobName, tags)
		if err != nil {
			logger.Printf("stage=metrics status=init_failed error=%q", err)
		} else {
			metrics.SetBackend(b)
			defer func() {
				if err := b.Close(); err != nil {
					logger.Printf("stage=metrics status=flush_failed error=%q", err)
				}
			}()
		}
	}

	jobs, err := buildJobs(cfg, *jobName, *groupName)
	if err != nil {
		fmt.Fprintf(d.Stderr, "%v\n", err)
		return 2
	}

	r := runner.New(repo, engine.New(repo, reg, logger), logger)
	outcomes := r.RunAll(ctx, jobs)

	failed := 0
	for _, out := range outcomes {
		fmt.Fprintf(d.Stdout, "job=%s status=%s fetched=%d inserted=%d updated=%d skipped=%d duration=%s\n",
			out.Job, out.Status, out.Fetched,
			out.Result.Inserted, out.Result.Updated, out.Result.Skipped,
			out.Duration.Round(time.Millisecond))
		if out.Status == runner.StatusFailed {
			failed++
			fmt.Fprintf(d.Stderr, "job=%s error=%q\n", out.Job, out.Err)
		}
	}
	if failed > 0 {
		return 1
	}
	return 0
}

// pickMetricsBackend resolves flag then environment then "none".
func pickMetricsBackend(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv("METRICS_BACKEND"); v != "" {
		return v
	}
	return "none"
}

func findJob(jobs []config.JobConfig, name string) *config.JobConfig {
	for i := range jobs {
		if jobs[i].Name == name {
			return &jobs[i]
		}
	}
	return nil
}

func groupExists(jobs []config.JobConfig, group string) bool {
	for i := range jobs {
		if jobs[i].Group == group {
			return true
		}
	}
	return false
}

// buildJobs turns job configs into runnable jobs, wiring one source adapter
// per job. A non-empty only selects one job by name; a non-empty group
// selects every job tagged with that group.
func buildJobs(cfg config.Config, only, group string) ([]runner.Job, error) {
	var jobs []runner.Job
	for _, jc := range cfg.Jobs {
		if only != "" && jc.Name != only {
			continue
		}
		if group != "" && jc.Group != group {
			continue
		}

		fetchFn, err := buildSource(jc.Source)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", jc.Name, err)
		}

		jobs = append(jobs, runner.Job{
			Name:           jc.Name,
			Entity:         jc.Entity,
			Fetch:          fetchFn,
			Retry:          fetch.Retry{MaxAttempts: jc.MaxAttempts},
			Lookback:       time.Duration(jc.LookbackHours) * time.Hour,
			AdvanceOnEmpty: jc.AdvanceOnEmpty,
		})
	}
	return jobs, nil
}

// buildSource builds the fetch function for one source config.
func buildSource(sc config.SourceConfig) (fetch.Func, error) {
	if sc.Type == "file" {
		src, err := file.New(file.Options{
			Path:      sc.Path,
			Format:    sc.Format,
			FieldMap:  sc.FieldMap,
			DataField: sc.DataField,
			TrimSpace: true,
		})
		if err != nil {
			return nil, err
		}
		return src.Fetch, nil
	}
	client, err := rest.New(rest.Options{
		BaseURL:    sc.BaseURL,
		SinceParam: sc.SinceParam,
		DataField:  sc.DataField,
		IDFields:   sc.IDFields,
		PageSize:   sc.PageSize,
		Headers:    sc.Headers,
		Token:      os.Getenv(sc.TokenEnv),
	})
	if err != nil {
		return nil, err
	}
	return client.Fetch, nil
}
