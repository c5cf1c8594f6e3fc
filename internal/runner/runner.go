// Package runner orchestrates sync jobs: it computes the incremental time
// window from stored cursors, pulls records from the source with retries,
// hands them to the upsert engine, and records the attempt in sync_state.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"stratus/internal/engine"
	"stratus/internal/fetch"
	"stratus/internal/metrics"
	"stratus/internal/storage"
)

// Run outcomes.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Run stages, in order of progression. Outcome.Stage records how far a run
// got, which is mostly interesting for failed runs.
const (
	StageFetchingCursor = "fetching_cursor"
	StageFetching       = "fetching"
	StageValidating     = "validating"
	StageUpserting      = "upserting"
	StageRecordingState = "recording_state"
	StageDone           = "done"
)

// Window bounds are pulled back by this much so records committed by the
// source just before the previous run's cutoff are not lost to clock skew or
// late commits. Re-fetching the overlap is free: the engine is idempotent.
const windowOverlap = 5 * time.Minute

// defaultLookback applies when a job has never synced and sets no explicit
// lookback.
const defaultLookback = 24 * time.Hour

// maxLookback clamps how far back any window may start, whatever the cursor
// says. Protects against unbounded refetches after long outages.
const maxLookback = 30 * 24 * time.Hour

// Job describes one recurring sync: a named source pull feeding one entity.
type Job struct {
	// Name identifies the job in sync_state and logs, e.g. "erp_orders".
	Name string

	// Entity is the registered schema entity the fetched records target.
	Entity string

	// Fetch pulls records modified since the window start.
	Fetch fetch.Func

	// Retry tunes the fetch retry loop. Zero value uses the defaults.
	Retry fetch.Retry

	// Lookback overrides defaultLookback for the first run. <= 0 means
	// default.
	Lookback time.Duration

	// AdvanceOnEmpty moves the cursor forward even when a window returns no
	// records. Leave false for sources whose "modified since" filtering is
	// unreliable enough that an empty page may mean a source-side glitch.
	AdvanceOnEmpty bool

	// Timeout bounds the whole run, fetch retries included. <= 0 means no
	// per-job bound beyond the caller's context.
	Timeout time.Duration
}

// Window is the half-open interval [Since, Until) a run covers.
type Window struct {
	Since time.Time
	Until time.Time
}

// Outcome reports one run.
type Outcome struct {
	Job      string
	RunID    string
	Status   string
	Stage    string
	Window   Window
	Fetched  int
	Result   engine.Result
	Duration time.Duration
	Err      error
}

// Logger is the minimal logging surface the runner needs.
type Logger interface {
	Printf(format string, v ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Runner executes jobs. It is safe for concurrent use; runs of the same job
// are mutually exclusive within the process.
type Runner struct {
	repo storage.Repository
	eng  *engine.Engine
	log  Logger

	// now is a seam for deterministic window tests.
	now func() time.Time

	mu      sync.Mutex
	running map[string]bool
}

// New creates a Runner. log may be nil.
func New(repo storage.Repository, eng *engine.Engine, log Logger) *Runner {
	if log == nil {
		log = nopLogger{}
	}
	return &Runner{
		repo:    repo,
		eng:     eng,
		log:     log,
		now:     time.Now,
		running: make(map[string]bool),
	}
}

// Run executes one job end to end.
//
// Edge cases:
//   - If the same job is already running in this process, Run returns a
//     skipped Outcome without touching the source or sync_state.
//   - A failed run records the failure in sync_state but keeps the previous
//     cursor, so the next run retries the same window.
//   - If the data writes succeed but recording the attempt fails, the run is
//     reported failed: without a recorded cursor the next run would refetch,
//     which the idempotent engine absorbs.
//
// The result is named so the deferred duration/metrics bookkeeping mutates
// what the caller receives, not a copy.
func (r *Runner) Run(ctx context.Context, job Job) (out Outcome) {
	out = Outcome{
		Job:    job.Name,
		RunID:  uuid.NewString(),
		Status: StatusFailed,
	}

	if job.Name == "" || job.Entity == "" || job.Fetch == nil {
		out.Err = fmt.Errorf("job %q: name, entity and fetch are required", job.Name)
		return out
	}

	lockKey := job.Name + "\x00" + job.Entity
	if !r.tryLock(lockKey) {
		out.Status = StatusSkipped
		r.log.Printf("stage=run job=%s run_id=%s outcome=skipped reason=already_running", job.Name, out.RunID)
		return out
	}
	defer r.unlock(lockKey)

	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	started := r.now()
	defer func() {
		out.Duration = r.now().Sub(started)
		r.observe(job, out)
	}()

	out.Stage = StageFetchingCursor
	cursor, err := r.repo.GetCursor(ctx, job.Name, job.Entity)
	if err != nil {
		out.Err = fmt.Errorf("job %s: load cursor: %w", job.Name, err)
		return out
	}

	out.Window = r.computeWindow(job, cursor)
	r.log.Printf("stage=run job=%s run_id=%s window_since=%s window_until=%s",
		job.Name, out.RunID, out.Window.Since.Format(time.RFC3339), out.Window.Until.Format(time.RFC3339))

	out.Stage = StageFetching
	records, err := fetch.Do(ctx, job.Retry, job.Fetch, out.Window.Since)
	if err != nil {
		out.Err = fmt.Errorf("job %s: fetch: %w", job.Name, err)
		r.recordFailure(ctx, job, out)
		return out
	}
	out.Fetched = len(records)

	// Cheap shape pass before the engine call. The engine re-validates and
	// does the actual skipping; this exists to surface malformed batches in
	// the run log and to fail fast on unregistered entities.
	out.Stage = StageValidating
	if malformed, err := r.eng.CheckShape(job.Entity, records); err != nil {
		out.Err = fmt.Errorf("job %s: %w", job.Name, err)
		r.recordFailure(ctx, job, out)
		return out
	} else if malformed > 0 {
		r.log.Printf("stage=run job=%s run_id=%s malformed=%d", job.Name, out.RunID, malformed)
	}

	out.Stage = StageUpserting
	res, err := r.eng.Upsert(ctx, job.Entity, records)
	if err != nil {
		out.Err = fmt.Errorf("job %s: upsert: %w", job.Name, err)
		r.recordFailure(ctx, job, out)
		return out
	}
	out.Result = res

	// Decide where the cursor lands. An empty window only advances the
	// cursor when the job opts in.
	cursorVal := out.Window.Until
	if out.Fetched == 0 && !job.AdvanceOnEmpty {
		cursorVal = time.Time{}
		if cursor != nil {
			cursorVal = cursor.CursorValue
		}
	}

	out.Stage = StageRecordingState
	att := storage.SyncAttempt{
		JobName:     job.Name,
		Entity:      job.Entity,
		CursorValue: cursorVal,
		Status:      storage.StatusSuccess,
		RanAt:       r.now().UTC(),
	}
	if err := r.repo.RecordAttempt(ctx, att); err != nil {
		out.Err = fmt.Errorf("job %s: record attempt: %w", job.Name, err)
		return out
	}

	out.Stage = StageDone
	out.Status = StatusSuccess
	r.log.Printf("stage=run job=%s run_id=%s outcome=success fetched=%d inserted=%d updated=%d skipped=%d",
		job.Name, out.RunID, out.Fetched, res.Inserted, res.Updated, res.Skipped)
	return out
}

// RunAll executes jobs in order and returns one Outcome per job. It keeps
// going after failures so one broken source does not starve the others.
func (r *Runner) RunAll(ctx context.Context, jobs []Job) []Outcome {
	outcomes := make([]Outcome, 0, len(jobs))
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		outcomes = append(outcomes, r.Run(ctx, job))
	}
	return outcomes
}

// computeWindow derives the fetch window for this run.
//
// Rules, applied in order:
//   - Start from the stored cursor, else now minus the job lookback.
//   - Pull the start back by the overlap margin.
//   - Never start further back than maxLookback.
//   - Align both bounds down to whole minutes so windows are stable across
//     retries within the same minute.
func (r *Runner) computeWindow(job Job, cursor *storage.SyncCursor) Window {
	now := r.now().UTC()

	lookback := job.Lookback
	if lookback <= 0 {
		lookback = defaultLookback
	}

	since := now.Add(-lookback)
	if cursor != nil && !cursor.CursorValue.IsZero() {
		since = cursor.CursorValue.UTC()
	}

	since = since.Add(-windowOverlap)

	if floor := now.Add(-maxLookback); since.Before(floor) {
		since = floor
	}

	return Window{
		Since: since.Truncate(time.Minute),
		Until: now.Truncate(time.Minute),
	}
}

func (r *Runner) recordFailure(ctx context.Context, job Job, out Outcome) {
	att := storage.SyncAttempt{
		JobName:  job.Name,
		Entity:   job.Entity,
		Status:   storage.StatusFailed,
		RanAt:    r.now().UTC(),
		ErrorMsg: out.Err.Error(),
	}
	if err := r.repo.RecordAttempt(ctx, att); err != nil {
		r.log.Printf("stage=run job=%s run_id=%s error=record_failure detail=%q", job.Name, out.RunID, err)
	}
	r.log.Printf("stage=run job=%s run_id=%s outcome=failed error=%q", job.Name, out.RunID, out.Err)
}

func (r *Runner) observe(job Job, out Outcome) {
	labels := metrics.Labels{"job": job.Name, "status": out.Status}
	metrics.IncCounter("sync_runs_total", 1, labels)
	metrics.ObserveHistogram("sync_run_duration_seconds", out.Duration.Seconds(), labels)

	if out.Status != StatusSuccess {
		return
	}
	metrics.IncCounter("sync_batches_total", 1, nil)
	for op, n := range map[string]float64{
		"inserted": float64(out.Result.Inserted),
		"updated":  float64(out.Result.Updated),
		"skipped":  float64(out.Result.Skipped),
	} {
		if n > 0 {
			metrics.IncCounter("sync_records_total", n, metrics.Labels{"entity": job.Entity, "op": op})
		}
	}
}

func (r *Runner) tryLock(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[name] {
		return false
	}
	r.running[name] = true
	return true
}

func (r *Runner) unlock(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, name)
}
