package scanlock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrStoreUnavailable wraps failures talking to the coordination store.
var ErrStoreUnavailable = errors.New("scanlock: coordination store unavailable")

// ErrHeartbeatStopped is returned by RunHeartbeat after too many consecutive refresh failures.
var ErrHeartbeatStopped = errors.New("scanlock: heartbeat stopped after consecutive failures")

// Release outcomes reported by the compare-and-delete script.
const (
	releaseMismatch = -1
	releaseAbsent   = 0
	releaseDeleted  = 1
)

var acquireScript = redis.NewScript(`
if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'EX', ARGV[2]) then
  redis.call('SET', KEYS[2], ARGV[3], 'EX', ARGV[2])
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
local value = redis.call('GET', KEYS[1])
if not value then
  return 0
end
local ok, data = pcall(cjson.decode, value)
if not ok or type(data) ~= 'table' then
  return -1
end
if data['run_id'] == ARGV[1] and data['token'] == ARGV[2] then
  redis.call('DEL', KEYS[1])
  redis.call('DEL', KEYS[2])
  return 1
end
return -1
`)

var refreshScript = redis.NewScript(`
local value = redis.call('GET', KEYS[1])
if not value then
  return 0
end
local ok, data = pcall(cjson.decode, value)
if not ok or type(data) ~= 'table' then
  return 0
end
if data['run_id'] == ARGV[1] and data['token'] == ARGV[2] then
  redis.call('EXPIRE', KEYS[1], ARGV[3])
  redis.call('SET', KEYS[2], ARGV[4], 'EX', ARGV[3])
  return 1
end
return 0
`)

var consumePendingScript = redis.NewScript(`
local pending = redis.call('GET', KEYS[1])
if pending then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)

// Keys names the three coordination keys.
type Keys struct {
	Lock      string
	Heartbeat string
	Pending   string
}

// KeysFor derives the coordination keys from a prefix.
func KeysFor(prefix string) Keys {
	if prefix == "" {
		prefix = "scan:category"
	}
	return Keys{
		Lock:      prefix + ":lock",
		Heartbeat: prefix + ":heartbeat",
		Pending:   prefix + ":pending",
	}
}

// LockInfo is the decoded lock value. RunID is empty when the stored value is corrupt.
type LockInfo struct {
	RunID     string        `json:"run_id"`
	Token     string        `json:"token"`
	StartedAt time.Time     `json:"started_at"`
	TTL       time.Duration `json:"-"`
	Raw       string        `json:"-"`
}

// Recorder observes heartbeat outcomes.
type Recorder interface {
	ObserveHeartbeat(success bool)
}

// Options configure a Manager.
type Options struct {
	KeyPrefix string
	Now       func() time.Time
	Recorder  Recorder
}

// Manager is the distributed scan lock.
type Manager struct {
	client   redis.Cmdable
	keys     Keys
	now      func() time.Time
	recorder Recorder
	logger   zerolog.Logger
}

// New constructs a Manager over a redis client.
func New(client redis.Cmdable, opts Options, logger zerolog.Logger) *Manager {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		client:   client,
		keys:     KeysFor(opts.KeyPrefix),
		now:      now,
		recorder: opts.Recorder,
		logger:   logger.With().Str("component", "scan_lock").Logger(),
	}
}

// Keys returns the coordination keys in use.
func (m *Manager) Keys() Keys {
	return m.keys
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return hexUUID()
}

func hexUUID() string {
	id := uuid.New()
	return fmt.Sprintf("%x", id[:])
}

// Acquire sets the lock only if absent. It returns an empty token when the lock is held.
func (m *Manager) Acquire(ctx context.Context, runID string, ttl time.Duration) (string, error) {
	token := hexUUID()
	value, err := json.Marshal(LockInfo{RunID: runID, Token: token, StartedAt: m.now().UTC()})
	if err != nil {
		return "", fmt.Errorf("encode lock value: %w", err)
	}

	res, err := acquireScript.Run(ctx, m.client,
		[]string{m.keys.Lock, m.keys.Heartbeat},
		string(value), ttlSeconds(ttl), m.heartbeatValue(),
	).Int64()
	if err != nil {
		return "", fmt.Errorf("acquire lock: %w: %w", ErrStoreUnavailable, err)
	}
	if res != 1 {
		m.logger.Debug().Str("run_id", runID).Msg("scan lock already held")
		return "", nil
	}

	m.logger.Info().Str("run_id", runID).Dur("ttl", ttl).Msg("acquired scan lock")
	return token, nil
}

// Refresh extends the lock and heartbeat when runID and token own the lock.
func (m *Manager) Refresh(ctx context.Context, runID, token string, ttl time.Duration) (bool, error) {
	res, err := refreshScript.Run(ctx, m.client,
		[]string{m.keys.Lock, m.keys.Heartbeat},
		runID, token, ttlSeconds(ttl), m.heartbeatValue(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("refresh lock: %w: %w", ErrStoreUnavailable, err)
	}
	return res == 1, nil
}

// Release deletes the lock and heartbeat only when runID and token own the lock.
func (m *Manager) Release(ctx context.Context, runID, token string) (bool, error) {
	res, err := releaseScript.Run(ctx, m.client,
		[]string{m.keys.Lock, m.keys.Heartbeat},
		runID, token,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("release lock: %w: %w", ErrStoreUnavailable, err)
	}

	switch res {
	case releaseDeleted:
		m.logger.Info().Str("run_id", runID).Msg("released scan lock")
		return true, nil
	case releaseMismatch:
		m.logger.Warn().Str("run_id", runID).Msg("refusing to release scan lock owned by another run")
		return false, nil
	default:
		m.logger.Debug().Str("run_id", runID).Msg("scan lock already released")
		return false, nil
	}
}

// ForceUnlock deletes the lock and heartbeat unconditionally.
func (m *Manager) ForceUnlock(ctx context.Context) error {
	if err := m.client.Del(ctx, m.keys.Lock, m.keys.Heartbeat).Err(); err != nil {
		return fmt.Errorf("force unlock: %w: %w", ErrStoreUnavailable, err)
	}
	m.logger.Warn().Msg("scan lock force-unlocked")
	return nil
}

// LockInfo returns the current lock, or nil when no lock is held.
func (m *Manager) LockInfo(ctx context.Context) (*LockInfo, error) {
	value, err := m.client.Get(ctx, m.keys.Lock).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get lock: %w: %w", ErrStoreUnavailable, err)
	}

	info := &LockInfo{Raw: value}
	if decodeErr := json.Unmarshal([]byte(value), info); decodeErr != nil {
		m.logger.Warn().Str("value", value).Msg("scan lock value is not valid json")
		info = &LockInfo{Raw: value}
	}

	ttl, err := m.client.TTL(ctx, m.keys.Lock).Result()
	if err != nil {
		return nil, fmt.Errorf("get lock ttl: %w: %w", ErrStoreUnavailable, err)
	}
	info.TTL = ttl
	return info, nil
}

// HeartbeatAge reports the time since the last heartbeat. ok is false when no heartbeat exists.
func (m *Manager) HeartbeatAge(ctx context.Context) (age time.Duration, ok bool, err error) {
	value, err := m.client.Get(ctx, m.keys.Heartbeat).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get heartbeat: %w: %w", ErrStoreUnavailable, err)
	}

	seconds, parseErr := strconv.ParseFloat(value, 64)
	if parseErr != nil {
		m.logger.Warn().Str("value", value).Msg("heartbeat value is not a timestamp")
		return 0, false, nil
	}
	last := time.Unix(0, int64(seconds*float64(time.Second)))
	age = m.now().Sub(last)
	if age < 0 {
		age = 0
	}
	return age, true, nil
}

// RequestRunAfterCurrent sets the pending flag if it is not already set.
func (m *Manager) RequestRunAfterCurrent(ctx context.Context, ttl time.Duration) (bool, error) {
	set, err := m.client.SetNX(ctx, m.keys.Pending, m.heartbeatValue(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("set pending flag: %w: %w", ErrStoreUnavailable, err)
	}
	if set {
		m.logger.Info().Msg("queued scan to run after current")
	}
	return set, nil
}

// ConsumePending reads and clears the pending flag atomically.
func (m *Manager) ConsumePending(ctx context.Context) (bool, error) {
	res, err := consumePendingScript.Run(ctx, m.client, []string{m.keys.Pending}).Int64()
	if err != nil {
		return false, fmt.Errorf("consume pending flag: %w: %w", ErrStoreUnavailable, err)
	}
	return res == 1, nil
}

// RunHeartbeat refreshes the lock every interval until ctx is done.
// It gives up after maxFailures consecutive failed refreshes and lets the lock expire.
func (m *Manager) RunHeartbeat(ctx context.Context, runID, token string, ttl, interval time.Duration, maxFailures int) error {
	if maxFailures <= 0 {
		maxFailures = 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		ok, err := m.Refresh(ctx, runID, token, ttl)
		if ctx.Err() != nil {
			return nil
		}
		if m.recorder != nil {
			m.recorder.ObserveHeartbeat(err == nil && ok)
		}
		if err == nil && ok {
			failures = 0
			continue
		}

		failures++
		event := m.logger.Warn().Str("run_id", runID).Int("consecutive_failures", failures)
		if err != nil {
			event = event.Err(err)
		}
		event.Msg("scan lock heartbeat refresh failed")

		if failures >= maxFailures {
			m.logger.Error().Str("run_id", runID).Msg("stopping heartbeat; lock will expire via ttl")
			return ErrHeartbeatStopped
		}
	}
}

func (m *Manager) heartbeatValue() string {
	now := m.now()
	return strconv.FormatFloat(float64(now.UnixNano())/float64(time.Second), 'f', 3, 64)
}

func ttlSeconds(ttl time.Duration) int64 {
	secs := int64(ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
