// Package runner is the Job Runner: a poll loop that dispatches pending
// jobs to registered handlers under a concurrency bound, retrying failures
// with exponential backoff until a job escalates to the dead-letter queue.
package runner

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/drivesync/internal/events"
	"github.com/agentworkforce/drivesync/internal/jobstore"
)

// Handler processes a single job's payload. Returning an error counts as a
// failed attempt; handlers must not recover their own panics into success.
type Handler func(ctx context.Context, job jobstore.Job) error

// Config configures a Runner. PollInterval is fixed at one second per the
// runner's polling contract but is kept overridable for tests.
type Config struct {
	Concurrency     int
	RetryDelay      time.Duration
	PollInterval    time.Duration
	StaleRunningAge time.Duration
	Logger          *zap.SugaredLogger
}

// Stats merges in-memory runner state with the job store's own counts, per
// JR.get_stats.
type Stats struct {
	Running     bool
	Paused      bool
	Active      int
	Concurrency int
	Store       jobstore.Stats
}

// Runner is the Job Runner. Zero value is not usable; build with New.
type Runner struct {
	store   jobstore.Store
	bus     *events.Bus
	logger  *zap.SugaredLogger
	handlers map[string]Handler

	retryDelay      time.Duration
	pollInterval    time.Duration
	staleRunningAge time.Duration

	mu          sync.Mutex
	concurrency int
	active      map[string]struct{}
	paused      bool
	running     bool

	cancel context.CancelFunc
	done   chan struct{}
}

const (
	defaultPollInterval    = time.Second
	defaultStaleRunningAge = 10 * time.Minute
)

// New builds a Runner bound to store, publishing job:* events on bus. bus
// may be nil, in which case events are dropped.
func New(store jobstore.Store, bus *events.Bus, cfg Config) *Runner {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	staleAge := cfg.StaleRunningAge
	if staleAge <= 0 {
		staleAge = defaultStaleRunningAge
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Runner{
		store:           store,
		bus:             bus,
		logger:          logger,
		handlers:        map[string]Handler{},
		retryDelay:      cfg.RetryDelay,
		pollInterval:    pollInterval,
		staleRunningAge: staleAge,
		concurrency:     concurrency,
		active:          map[string]struct{}{},
	}
}

// RegisterHandler binds jobType to handler. Call before Start.
func (r *Runner) RegisterHandler(jobType string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = handler
}

// Start runs the startup recovery sweep, then the poll loop in a background
// goroutine. It returns once the sweep has completed.
func (r *Runner) Start(ctx context.Context) error {
	if err := r.recoverStaleRunning(ctx); err != nil {
		r.logger.Errorw("startup recovery sweep failed", "error", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.running = true
	r.done = make(chan struct{})
	r.mu.Unlock()

	go r.pollLoop(runCtx)
	return nil
}

// Stop halts polling immediately; in-flight handlers are allowed to finish
// or be abandoned on process exit, per the runner's best-effort cancellation
// policy.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	done := r.done
	r.running = false
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Pause stops new dispatch on the next poll tick; in-flight jobs continue.
func (r *Runner) Pause() {
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
}

// Resume re-enables dispatch on the next poll tick.
func (r *Runner) Resume() {
	r.mu.Lock()
	r.paused = false
	r.mu.Unlock()
}

// SetConcurrency updates the dispatch bound. If n is lower than the number
// of jobs currently active, no job is cancelled; the excess drains
// naturally as handlers complete, since tick only admits new work up to
// concurrency - len(active).
func (r *Runner) SetConcurrency(n int) {
	if n <= 0 {
		n = 1
	}
	r.mu.Lock()
	r.concurrency = n
	r.mu.Unlock()
}

// GetStats merges runner state with the job store's counts.
func (r *Runner) GetStats(ctx context.Context) (Stats, error) {
	storeStats, err := r.store.GetStats(ctx)
	if err != nil {
		return Stats{}, err
	}
	r.mu.Lock()
	stats := Stats{
		Running:     r.running,
		Paused:      r.paused,
		Active:      len(r.active),
		Concurrency: r.concurrency,
		Store:       storeStats,
	}
	r.mu.Unlock()
	return stats, nil
}

// GetActiveJobs returns the ids of jobs currently being processed.
func (r *Runner) GetActiveJobs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	return ids
}

func (r *Runner) pollLoop(ctx context.Context) {
	defer func() {
		r.mu.Lock()
		done := r.done
		r.mu.Unlock()
		if done != nil {
			close(done)
		}
	}()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	r.mu.Lock()
	paused := r.paused
	concurrency := r.concurrency
	active := len(r.active)
	r.mu.Unlock()
	if paused {
		return
	}
	free := concurrency - active
	if free <= 0 {
		return
	}

	jobs, err := r.store.FindPendingJobs(ctx, free)
	if err != nil {
		r.logger.Errorw("find pending jobs failed", "error", err)
		return
	}
	for _, job := range jobs {
		r.mu.Lock()
		r.active[job.ID] = struct{}{}
		r.mu.Unlock()

		claimed, err := r.store.MarkRunning(ctx, job.ID)
		if err != nil {
			r.releaseActive(job.ID)
			r.logger.Warnw("mark running failed, skipping dispatch", "job_id", job.ID, "error", err)
			continue
		}
		go r.process(context.WithoutCancel(ctx), claimed)
	}
}

func (r *Runner) releaseActive(jobID string) {
	r.mu.Lock()
	delete(r.active, jobID)
	r.mu.Unlock()
}

func (r *Runner) process(ctx context.Context, job jobstore.Job) {
	defer r.releaseActive(job.ID)

	r.publish(events.Event{Kind: events.JobStarted, JobID: job.ID, JobType: job.Type})

	r.mu.Lock()
	handler, ok := r.handlers[job.Type]
	r.mu.Unlock()
	if !ok {
		diagnostic := fmt.Sprintf("no handler registered for job type %q", job.Type)
		r.logger.Errorw("fatal: unregistered job type", "job_id", job.ID, "type", job.Type)
		r.fail(ctx, job, diagnostic)
		return
	}

	if err := handler(ctx, job); err != nil {
		r.fail(ctx, job, err.Error())
		return
	}

	if _, err := r.store.MarkCompleted(ctx, job.ID); err != nil {
		r.logger.Errorw("mark completed failed", "job_id", job.ID, "error", err)
		return
	}
	r.publish(events.Event{Kind: events.JobCompleted, JobID: job.ID, JobType: job.Type})
}

func (r *Runner) fail(ctx context.Context, job jobstore.Job, errMsg string) {
	latest, err := r.store.FindByID(ctx, job.ID)
	if err != nil {
		r.logger.Errorw("re-read job before failing it", "job_id", job.ID, "error", err)
		latest = job
	}

	failed, err := r.store.MarkFailed(ctx, job.ID, errMsg)
	if err != nil {
		r.logger.Errorw("mark failed failed", "job_id", job.ID, "error", err)
		return
	}

	if failed.Status == jobstore.StatusDead {
		r.logger.Warnw("job escalated to dead-letter", "job_id", job.ID, "attempts", failed.Attempts, "error", errMsg)
		r.publish(events.Event{Kind: events.JobFailed, JobID: job.ID, JobType: job.Type, Attempt: failed.Attempts, Err: errMsg})
		return
	}

	delay := backoffDelay(r.retryDelay, latest.Attempts)
	if _, err := r.store.Reschedule(ctx, job.ID, delay); err != nil {
		r.logger.Errorw("reschedule failed", "job_id", job.ID, "error", err)
		return
	}
	r.publish(events.Event{Kind: events.JobRetry, JobID: job.ID, JobType: job.Type, Attempt: failed.Attempts, Err: errMsg})
}

// backoffDelay computes retry_delay_ms * 2^attempts, uncapped and without
// jitter — jitter is a PC concern applied at a lower layer, not here.
func backoffDelay(base time.Duration, attempts int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempts < 0 {
		attempts = 0
	}
	multiplier := math.Pow(2, float64(attempts))
	return time.Duration(float64(base) * multiplier)
}

func (r *Runner) publish(evt events.Event) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(evt)
}

// recoverStaleRunning reclaims jobs left in running by a crashed runner
// process (see the design note on stuck running rows). Eligible backends
// implement jobstore.StaleRunningScanner; others simply opt out.
func (r *Runner) recoverStaleRunning(ctx context.Context) error {
	scanner, ok := r.store.(jobstore.StaleRunningScanner)
	if !ok {
		return nil
	}
	cutoff := time.Now().Add(-r.staleRunningAge)
	stale, err := scanner.FindStaleRunning(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, job := range stale {
		r.logger.Warnw("reclaiming stale running job", "job_id", job.ID, "type", job.Type, "started_at", job.StartedAt)
		if _, err := r.store.MarkFailed(ctx, job.ID, "abandoned: runner restarted while running"); err != nil {
			r.logger.Errorw("failed to mark stale running job failed", "job_id", job.ID, "error", err)
			continue
		}
		latest, err := r.store.FindByID(ctx, job.ID)
		if err != nil {
			continue
		}
		if latest.Status == jobstore.StatusFailed {
			if _, err := r.store.Reschedule(ctx, job.ID, 0); err != nil {
				r.logger.Errorw("failed to reschedule reclaimed job", "job_id", job.ID, "error", err)
			}
		}
	}
	return nil
}
