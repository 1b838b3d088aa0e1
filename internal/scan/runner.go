package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"pricewatch/internal/activity"
	"pricewatch/internal/candidate"
	"pricewatch/internal/config"
	"pricewatch/internal/scanlock"
	"pricewatch/internal/storage"
)

// ErrLockHeld is returned by RunCycle when another run owns the scan lock.
var ErrLockHeld = errors.New("scan: lock held by another run")

const forcedUnlockMessage = "Forced unlock by admin"

// SignalCollector gathers and persists new signals.
type SignalCollector interface {
	Collect(ctx context.Context) ([]storage.Signal, error)
}

// CandidateQueue admits signals and yields pending candidates.
type CandidateQueue interface {
	Enqueue(ctx context.Context, signal storage.Signal) (storage.Candidate, candidate.Admission, error)
	Next(ctx context.Context, limit int) ([]storage.Candidate, error)
	RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// CandidateProcessor verifies one candidate.
type CandidateProcessor interface {
	Process(ctx context.Context, c storage.Candidate) (candidate.Outcome, error)
}

// Recorder observes finished runs.
type Recorder interface {
	ObserveScanRun(status string, elapsed time.Duration, candidates int)
}

// Deps are the collaborators of a Runner. Collector, Activity and Recorder are optional.
type Deps struct {
	Lock      *scanlock.Manager
	Jobs      storage.JobStore
	Collector SignalCollector
	Queue     CandidateQueue
	Processor CandidateProcessor
	Activity  *activity.Ring
	Recorder  Recorder
	Now       func() time.Time
}

// Result summarises one Trigger or RunCycle call.
type Result struct {
	RunID  string
	Queued bool
	Job    storage.ScanJob
	Reruns int
}

// Runner executes scan cycles under the distributed scan lock.
type Runner struct {
	deps   Deps
	cfg    config.ScanConfig
	now    func() time.Time
	logger zerolog.Logger
}

// NewRunner constructs a Runner.
func NewRunner(deps Deps, cfg config.ScanConfig, logger zerolog.Logger) *Runner {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = cfg.LockTTL
	}
	if cfg.CandidateStaleAfter <= 0 {
		cfg.CandidateStaleAfter = 10 * time.Minute
	}
	return &Runner{
		deps:   deps,
		cfg:    cfg,
		now:    now,
		logger: logger.With().Str("component", "scan_runner").Logger(),
	}
}

// Tick adapts Trigger to the scheduler.
func (r *Runner) Tick(ctx context.Context, _ time.Time) error {
	_, err := r.Trigger(ctx, "scheduled")
	return err
}

// Trigger starts a run when the lock is free, otherwise queues one to run after the current.
func (r *Runner) Trigger(ctx context.Context, trigger string) (Result, error) {
	info, err := r.deps.Lock.LockInfo(ctx)
	if err != nil {
		return Result{}, err
	}
	if info != nil {
		return r.queue(ctx, info.RunID)
	}

	res, err := r.RunCycle(ctx, trigger)
	if errors.Is(err, ErrLockHeld) {
		return r.queue(ctx, "")
	}
	return res, err
}

// Start is Trigger without waiting for the run. ctx must outlive the request
// that called it.
func (r *Runner) Start(ctx context.Context, trigger string) (Result, error) {
	info, err := r.deps.Lock.LockInfo(ctx)
	if err != nil {
		return Result{}, err
	}
	if info != nil {
		return r.queue(ctx, info.RunID)
	}
	go func() {
		if _, err := r.Trigger(ctx, trigger); err != nil {
			r.logger.Error().Err(err).Str("trigger", trigger).Msg("background scan failed")
		}
	}()
	return Result{}, nil
}

func (r *Runner) queue(ctx context.Context, holder string) (Result, error) {
	set, err := r.deps.Lock.RequestRunAfterCurrent(ctx, r.cfg.PendingTTL)
	if err != nil {
		return Result{}, err
	}
	msg := "scan already running; queued to run after current"
	if !set {
		msg = "scan already running; a follow-up run is already queued"
	}
	r.deps.Activity.Add(activity.WithRunID(ctx, holder), activity.KindScanQueued, msg)
	r.logger.Info().Str("holder_run_id", holder).Bool("newly_queued", set).Msg(msg)
	return Result{RunID: holder, Queued: true}, nil
}

// RunCycle runs one full scan, then one more for each pending request consumed.
func (r *Runner) RunCycle(ctx context.Context, trigger string) (Result, error) {
	var res Result
	for {
		job, err := r.runOnce(ctx, trigger)
		if job.RunID != "" {
			res.RunID, res.Job = job.RunID, job
		}
		if err != nil {
			return res, err
		}

		pending, err := r.deps.Lock.ConsumePending(ctx)
		if err != nil {
			r.logger.Warn().Err(err).Msg("failed to consume pending scan flag")
			return res, nil
		}
		if !pending || ctx.Err() != nil {
			return res, nil
		}
		res.Reruns++
		trigger = "pending"
		r.logger.Info().Str("previous_run_id", job.RunID).Msg("running queued scan")
	}
}

type runStats struct {
	mu         sync.Mutex
	processed  int
	succeeded  int
	passErrors int
	deals      int
}

func (s *runStats) add(out candidate.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed++
	s.passErrors += out.PassErrors
	if out.PassErrors == 0 {
		s.succeeded++
	}
	if out.Verified {
		s.deals++
	}
}

func (r *Runner) runOnce(ctx context.Context, trigger string) (storage.ScanJob, error) {
	runID := scanlock.NewRunID()
	token, err := r.deps.Lock.Acquire(ctx, runID, r.cfg.LockTTL)
	if err != nil {
		return storage.ScanJob{}, err
	}
	if token == "" {
		return storage.ScanJob{}, ErrLockHeld
	}

	ctx = activity.WithRunID(ctx, runID)
	logger := r.logger.With().Str("run_id", runID).Logger()
	started := r.now()

	job, err := r.deps.Jobs.CreateJob(ctx, storage.ScanJob{
		RunID:     runID,
		Trigger:   trigger,
		Status:    storage.JobRunning,
		StartedAt: started,
	})
	if err != nil {
		r.release(ctx, runID, token, logger)
		return storage.ScanJob{}, fmt.Errorf("create scan job: %w", err)
	}
	r.deps.Activity.Add(ctx, activity.KindScanStarted, fmt.Sprintf("scan started (%s)", trigger))
	logger.Info().Str("trigger", trigger).Msg("scan started")

	if reset, err := r.deps.Queue.RecoverStale(ctx, r.cfg.CandidateStaleAfter); err != nil {
		logger.Warn().Err(err).Msg("failed to recover stale candidates")
	} else if reset > 0 {
		r.deps.Activity.Add(ctx, activity.KindRecovery, fmt.Sprintf("%d stale candidates returned to pending", reset))
	}

	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)
	if r.cfg.MaxDuration > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, r.cfg.MaxDuration)
		defer cancelTimeout()
	}

	hbCtx, stopHeartbeat := context.WithCancel(runCtx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		err := r.deps.Lock.RunHeartbeat(hbCtx, runID, token, r.cfg.LockTTL, r.cfg.HeartbeatInterval, r.cfg.MaxHeartbeatFailures)
		if err != nil {
			cancelRun(err)
		}
	}()

	stats := &runStats{}
	runErr := r.execute(runCtx, stats, logger)
	stopHeartbeat()
	<-hbDone
	if runErr == nil && runCtx.Err() != nil {
		runErr = context.Cause(runCtx)
	}

	completed := r.now()
	job.CompletedAt = &completed
	job.ProcessedItems = stats.processed
	job.SuccessCount = stats.succeeded
	job.ErrorCount = stats.passErrors
	job.DealsFound = stats.deals
	job.Status = storage.JobCompleted
	if runErr != nil {
		job.Status = storage.JobFailed
		job.ErrorMessage = describeRunError(runErr)
	}
	if err := r.deps.Jobs.UpdateJob(context.WithoutCancel(ctx), job); err != nil {
		logger.Error().Err(err).Msg("failed to complete scan job")
	}
	r.release(ctx, runID, token, logger)

	elapsed := completed.Sub(started)
	if r.deps.Recorder != nil {
		r.deps.Recorder.ObserveScanRun(job.Status, elapsed, stats.processed)
	}
	summary := fmt.Sprintf("scan %s: %d processed, %d deals, %d pass errors", job.Status, stats.processed, stats.deals, stats.passErrors)
	r.deps.Activity.Add(ctx, activity.KindScanFinished, summary)

	event := logger.Info()
	if runErr != nil {
		event = logger.Error().Err(runErr)
	}
	event.Int("processed", stats.processed).
		Int("deals", stats.deals).
		Int("pass_errors", stats.passErrors).
		Dur("elapsed", elapsed).
		Msg("scan finished")

	return job, runErr
}

func (r *Runner) execute(ctx context.Context, stats *runStats, logger zerolog.Logger) error {
	if err := r.ingest(ctx, logger); err != nil {
		return err
	}

	seen := make(map[int64]struct{})
	for {
		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}
		batch, err := r.deps.Queue.Next(ctx, r.cfg.BatchSize+len(seen))
		if err != nil {
			return fmt.Errorf("load pending candidates: %w", err)
		}

		fresh := batch[:0]
		for _, c := range batch {
			if _, ok := seen[c.ID]; ok {
				continue
			}
			seen[c.ID] = struct{}{}
			fresh = append(fresh, c)
			if len(fresh) == r.cfg.BatchSize {
				break
			}
		}
		if len(fresh) == 0 {
			return nil
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.cfg.Workers)
		for _, c := range fresh {
			g.Go(func() error {
				if gctx.Err() != nil {
					return nil
				}
				out, err := r.deps.Processor.Process(gctx, c)
				if err != nil {
					return fmt.Errorf("process candidate %d: %w", c.ID, err)
				}
				stats.add(out)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
}

func (r *Runner) ingest(ctx context.Context, logger zerolog.Logger) error {
	if r.deps.Collector == nil {
		return nil
	}
	signals, err := r.deps.Collector.Collect(ctx)
	if err != nil {
		return fmt.Errorf("collect signals: %w", err)
	}
	admitted := 0
	for _, signal := range signals {
		_, outcome, err := r.deps.Queue.Enqueue(ctx, signal)
		if err != nil {
			return fmt.Errorf("enqueue signal %d: %w", signal.ID, err)
		}
		if outcome == candidate.Admitted {
			admitted++
		}
	}
	if len(signals) > 0 {
		logger.Info().Int("signals", len(signals)).Int("admitted", admitted).Msg("signals ingested")
	}
	return nil
}

func (r *Runner) release(ctx context.Context, runID, token string, logger zerolog.Logger) {
	released, err := r.deps.Lock.Release(context.WithoutCancel(ctx), runID, token)
	if err != nil {
		logger.Error().Err(err).Msg("failed to release scan lock")
		return
	}
	if !released {
		logger.Warn().Msg("scan lock no longer owned at release")
	}
}

func describeRunError(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "scan exceeded max duration"
	case errors.Is(err, scanlock.ErrHeartbeatStopped):
		return "scan lock heartbeat stopped"
	default:
		return truncateUTF8(err.Error(), 500)
	}
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// ForceUnlock fails any running job tied to the held lock, then deletes the lock.
// It reports whether a lock was held.
func (r *Runner) ForceUnlock(ctx context.Context) (bool, error) {
	info, err := r.deps.Lock.LockInfo(ctx)
	if err != nil {
		return false, err
	}
	if info == nil {
		return false, nil
	}
	if info.RunID != "" {
		failed, err := r.deps.Jobs.FailRunningJobs(ctx, info.RunID, forcedUnlockMessage, r.now())
		if err != nil {
			return true, fmt.Errorf("fail running jobs: %w", err)
		}
		r.logger.Warn().Str("run_id", info.RunID).Int64("jobs_failed", failed).Msg("admin forced scan unlock")
	}
	if err := r.deps.Lock.ForceUnlock(ctx); err != nil {
		return true, err
	}
	r.deps.Activity.Add(activity.WithRunID(ctx, info.RunID), activity.KindRecovery, forcedUnlockMessage)
	return true, nil
}

// LockStatus is the diagnostic view of the scan lock.
type LockStatus struct {
	Locked       bool       `json:"locked"`
	RunID        string     `json:"run_id,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	TTLSeconds   float64    `json:"ttl_seconds,omitempty"`
	HeartbeatAge *float64   `json:"heartbeat_age_seconds,omitempty"`
	Corrupt      bool       `json:"corrupt,omitempty"`
}

// Status reads lock info and heartbeat age.
func (r *Runner) Status(ctx context.Context) (LockStatus, error) {
	info, err := r.deps.Lock.LockInfo(ctx)
	if err != nil {
		return LockStatus{}, err
	}
	var status LockStatus
	if info != nil {
		status.Locked = true
		status.RunID = info.RunID
		status.Corrupt = info.RunID == ""
		status.TTLSeconds = info.TTL.Seconds()
		if !info.StartedAt.IsZero() {
			started := info.StartedAt
			status.StartedAt = &started
		}
	}
	age, ok, err := r.deps.Lock.HeartbeatAge(ctx)
	if err != nil {
		return LockStatus{}, err
	}
	if ok {
		seconds := age.Seconds()
		status.HeartbeatAge = &seconds
	}
	return status, nil
}

// Activity returns the most recent activity entries.
func (r *Runner) Activity(limit int) []activity.Entry {
	return r.deps.Activity.Recent(limit)
}
