package watchdog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"pricewatch/internal/activity"
	"pricewatch/internal/config"
	"pricewatch/internal/scanlock"
	"pricewatch/internal/storage"
)

// Action is what a check did about the lock.
type Action string

const (
	ActionNone             Action = "none"
	ActionCorrupt          Action = "corrupt_lock"
	ActionOrphaned         Action = "orphaned_lock"
	ActionMissingHeartbeat Action = "missing_heartbeat"
	ActionStaleHeartbeat   Action = "stale_heartbeat"
	ActionMaxDuration      Action = "max_duration"
)

// Recorder observes watchdog findings.
type Recorder interface {
	SetHeartbeatAge(age time.Duration)
	ObserveRecovery(reason string)
}

// Report describes one check.
type Report struct {
	Locked       bool
	RunID        string
	HeartbeatAge *time.Duration
	JobAge       *time.Duration
	LowTTL       bool
	Action       Action
	Message      string
}

// Recovered reports whether the lock was force-unlocked.
func (r Report) Recovered() bool {
	return r.Action != ActionNone
}

// Options configure a Watchdog.
type Options struct {
	Activity *activity.Ring
	Recorder Recorder
	Now      func() time.Time
}

// Watchdog detects and repairs stuck scan locks.
type Watchdog struct {
	lock        *scanlock.Manager
	jobs        storage.JobStore
	stale       time.Duration
	ttlWarning  time.Duration
	maxDuration time.Duration
	activity    *activity.Ring
	recorder    Recorder
	now         func() time.Time
	logger      zerolog.Logger
}

// New constructs a Watchdog. maxDuration is the absolute scan limit.
func New(lock *scanlock.Manager, jobs storage.JobStore, cfg config.WatchdogConfig, maxDuration time.Duration, opts Options, logger zerolog.Logger) *Watchdog {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	stale := cfg.StaleThreshold
	if stale <= 0 {
		stale = 5 * time.Minute
	}
	return &Watchdog{
		lock:        lock,
		jobs:        jobs,
		stale:       stale,
		ttlWarning:  cfg.TTLWarning,
		maxDuration: maxDuration,
		activity:    opts.Activity,
		recorder:    opts.Recorder,
		now:         now,
		logger:      logger.With().Str("component", "watchdog").Logger(),
	}
}

// Check inspects the lock once. It is a no-op when no lock is held and safe to
// run concurrently with itself.
func (w *Watchdog) Check(ctx context.Context) (Report, error) {
	report := Report{Action: ActionNone}

	info, err := w.lock.LockInfo(ctx)
	if err != nil {
		return report, err
	}
	age, hasHeartbeat, err := w.lock.HeartbeatAge(ctx)
	if err != nil {
		return report, err
	}
	if hasHeartbeat {
		report.HeartbeatAge = &age
	}
	if w.recorder != nil {
		if hasHeartbeat {
			w.recorder.SetHeartbeatAge(age)
		} else {
			w.recorder.SetHeartbeatAge(-1)
		}
	}

	if info == nil {
		return report, nil
	}
	report.Locked = true
	report.RunID = info.RunID

	if info.RunID == "" {
		return w.recover(ctx, report, ActionCorrupt, "lock value has no run_id", false)
	}

	job, err := w.jobs.GetJobByRunID(ctx, info.RunID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return report, fmt.Errorf("load scan job %s: %w", info.RunID, err)
	}
	if errors.Is(err, storage.ErrNotFound) || job.Status != storage.JobRunning {
		return w.recover(ctx, report, ActionOrphaned, "no running scan job for lock", false)
	}

	var jobAge time.Duration
	if !job.StartedAt.IsZero() {
		jobAge = w.now().Sub(job.StartedAt)
		report.JobAge = &jobAge
	}

	switch {
	case !hasHeartbeat && jobAge > w.stale:
		msg := fmt.Sprintf("Watchdog: missing heartbeat detected. Job age %.0fs (> %.0fs)", jobAge.Seconds(), w.stale.Seconds())
		return w.recover(ctx, report, ActionMissingHeartbeat, msg, true)
	case hasHeartbeat && age > w.stale:
		msg := fmt.Sprintf("Watchdog: stale heartbeat detected. Heartbeat age %.0fs (> %.0fs)", age.Seconds(), w.stale.Seconds())
		return w.recover(ctx, report, ActionStaleHeartbeat, msg, true)
	case w.maxDuration > 0 && jobAge > w.maxDuration:
		msg := fmt.Sprintf("Watchdog: stale lock detected. Job ran for %.0f seconds (> %.0f limit)", jobAge.Seconds(), w.maxDuration.Seconds())
		return w.recover(ctx, report, ActionMaxDuration, msg, true)
	}

	if w.ttlWarning > 0 && info.TTL >= 0 && info.TTL < w.ttlWarning {
		report.LowTTL = true
		w.logger.Warn().Str("run_id", info.RunID).Dur("ttl", info.TTL).Msg("scan lock ttl is low; heartbeat may have stopped")
		return report, nil
	}

	w.logger.Debug().Str("run_id", info.RunID).Int64("job_id", job.ID).Dur("ttl", info.TTL).Msg("scan lock healthy")
	return report, nil
}

func (w *Watchdog) recover(ctx context.Context, report Report, action Action, message string, failJob bool) (Report, error) {
	report.Action = action
	report.Message = message

	if failJob {
		if _, err := w.jobs.FailRunningJobs(ctx, report.RunID, message, w.now()); err != nil {
			return report, fmt.Errorf("fail scan job %s: %w", report.RunID, err)
		}
	}
	if err := w.lock.ForceUnlock(ctx); err != nil {
		return report, err
	}
	if w.recorder != nil {
		w.recorder.ObserveRecovery(string(action))
	}
	w.activity.Add(activity.WithRunID(ctx, report.RunID), activity.KindRecovery, message)
	w.logger.Warn().Str("run_id", report.RunID).Str("action", string(action)).Msg(message)
	return report, nil
}

// Run adapts Check to a scheduled job; failures are logged.
func (w *Watchdog) Run(ctx context.Context) {
	if _, err := w.Check(ctx); err != nil {
		w.logger.Error().Err(err).Msg("watchdog check failed")
	}
}
