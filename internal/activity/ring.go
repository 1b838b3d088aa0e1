package activity

import (
	"context"
	"sync"
	"time"
)

// Entry kinds.
const (
	KindScanStarted  = "scan_started"
	KindScanFinished = "scan_finished"
	KindScanQueued   = "scan_queued"
	KindVerified     = "verified"
	KindRejected     = "rejected"
	KindDeferred     = "deferred"
	KindPassError    = "pass_error"
	KindRecovery     = "recovery"
)

// Entry is one recorded event.
type Entry struct {
	Time    time.Time `json:"time"`
	Kind    string    `json:"kind"`
	RunID   string    `json:"run_id,omitempty"`
	Message string    `json:"message"`
}

// Ring keeps the most recent entries up to a fixed capacity.
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
	now     func() time.Time
}

// NewRing constructs a Ring holding at most size entries.
func NewRing(size int, now func() time.Time) *Ring {
	if size <= 0 {
		size = 100
	}
	if now == nil {
		now = time.Now
	}
	return &Ring{entries: make([]Entry, size), now: now}
}

// Add records an entry, overwriting the oldest once full. A nil Ring discards it.
func (r *Ring) Add(ctx context.Context, kind, message string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = Entry{Time: r.now().UTC(), Kind: kind, RunID: RunID(ctx), Message: message}
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
}

// Recent returns up to limit entries, newest first. A non-positive limit returns all.
func (r *Ring) Recent(limit int) []Entry {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.next
	if r.full {
		n = len(r.entries)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Entry, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (r.next - i + len(r.entries)) % len(r.entries)
		out = append(out, r.entries[idx])
	}
	return out
}

type runIDKey struct{}

// WithRunID tags ctx with the scan run id recorded on entries.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunID returns the run id carried by ctx, if any.
func RunID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}
