package budget

import (
	"context"
	"sync"
	"time"
)

// Limiter gates residential-proxy requests per retailer.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Limits are the per-key caps. A zero cap is unlimited.
type Limits struct {
	MaxPerHour int
	MaxPerDay  int
}

// Manager is an in-process sliding-window limiter over hourly and daily windows.
type Manager struct {
	limits Limits
	now    func() time.Time

	mu     sync.Mutex
	hourly map[string][]time.Time
	daily  map[string][]time.Time
}

// NewManager constructs a Manager. now may be nil.
func NewManager(limits Limits, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{
		limits: limits,
		now:    now,
		hourly: make(map[string][]time.Time),
		daily:  make(map[string][]time.Time),
	}
}

// Allow records a request and returns true only if both windows have room.
func (m *Manager) Allow(_ context.Context, key string) (bool, error) {
	return m.AllowRequest(key), nil
}

// AllowRequest is the context-free form of Allow.
func (m *Manager) AllowRequest(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	hourly := trim(m.hourly[key], now.Add(-time.Hour))
	daily := trim(m.daily[key], now.Add(-24*time.Hour))
	m.hourly[key] = hourly
	m.daily[key] = daily

	if m.limits.MaxPerHour > 0 && len(hourly) >= m.limits.MaxPerHour {
		return false
	}
	if m.limits.MaxPerDay > 0 && len(daily) >= m.limits.MaxPerDay {
		return false
	}

	m.hourly[key] = append(hourly, now)
	m.daily[key] = append(daily, now)
	return true
}

// Usage returns the in-window request counts for key.
func (m *Manager) Usage(key string) (hour, day int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	return len(trim(m.hourly[key], now.Add(-time.Hour))), len(trim(m.daily[key], now.Add(-24*time.Hour)))
}

// trim drops timestamps at or before cutoff. Entries are kept in insertion order.
func trim(entries []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(entries) && !entries[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return entries
	}
	out := make([]time.Time, len(entries)-i)
	copy(out, entries[i:])
	return out
}

var _ Limiter = (*Manager)(nil)
