package scanlock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(client, Options{KeyPrefix: "test", Now: clock.Now}, zerolog.Nop()), mr, clock
}

func TestAcquireIsExclusive(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		tokens []string
	)
	for _, runID := range []string{"run-a", "run-b", "run-c", "run-d"} {
		wg.Add(1)
		go func(runID string) {
			defer wg.Done()
			token, err := m.Acquire(ctx, runID, time.Hour)
			if err != nil {
				t.Errorf("acquire %s: %v", runID, err)
				return
			}
			if token != "" {
				mu.Lock()
				tokens = append(tokens, token)
				mu.Unlock()
			}
		}(runID)
	}
	wg.Wait()

	if len(tokens) != 1 {
		t.Fatalf("exactly one acquire should succeed, got %d", len(tokens))
	}
}

func TestAcquireSetsHeartbeatAndTTL(t *testing.T) {
	m, mr, _ := newTestManager(t)
	ctx := context.Background()

	token, err := m.Acquire(ctx, "run-a", 2*time.Hour)
	if err != nil || token == "" {
		t.Fatalf("acquire: token=%q err=%v", token, err)
	}
	if ttl := mr.TTL(m.Keys().Lock); ttl != 2*time.Hour {
		t.Fatalf("lock ttl = %v", ttl)
	}
	if ttl := mr.TTL(m.Keys().Heartbeat); ttl != 2*time.Hour {
		t.Fatalf("heartbeat ttl = %v", ttl)
	}

	info, err := m.LockInfo(ctx)
	if err != nil || info == nil {
		t.Fatalf("lock info: %+v err=%v", info, err)
	}
	if info.RunID != "run-a" || info.Token != token {
		t.Fatalf("unexpected lock info: %+v", info)
	}
}

func TestReleaseRequiresOwnership(t *testing.T) {
	m, mr, _ := newTestManager(t)
	ctx := context.Background()

	tokenB, _ := m.Acquire(ctx, "run-b", time.Hour)

	released, err := m.Release(ctx, "run-a", "token-a")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released {
		t.Fatal("foreign release must be refused")
	}
	if !mr.Exists(m.Keys().Lock) {
		t.Fatal("lock must survive foreign release")
	}

	released, _ = m.Release(ctx, "run-b", "wrong-token")
	if released {
		t.Fatal("release with matching run id but wrong token must be refused")
	}

	released, _ = m.Release(ctx, "run-b", tokenB)
	if !released {
		t.Fatal("owner release should succeed")
	}
	if mr.Exists(m.Keys().Lock) || mr.Exists(m.Keys().Heartbeat) {
		t.Fatal("release must delete lock and heartbeat")
	}
}

func TestRefreshExtendsAndUpdatesHeartbeat(t *testing.T) {
	m, mr, clock := newTestManager(t)
	ctx := context.Background()

	token, _ := m.Acquire(ctx, "run-a", time.Hour)
	mr.FastForward(30 * time.Minute)
	clock.Advance(30 * time.Minute)

	age, ok, _ := m.HeartbeatAge(ctx)
	if !ok || age != 30*time.Minute {
		t.Fatalf("heartbeat age before refresh = %v ok=%v", age, ok)
	}

	for i := 0; i < 3; i++ {
		clock.Advance(45 * time.Second)
		refreshed, err := m.Refresh(ctx, "run-a", token, time.Hour)
		if err != nil || !refreshed {
			t.Fatalf("refresh %d: %v %v", i, refreshed, err)
		}
		age, ok, _ = m.HeartbeatAge(ctx)
		if !ok || age >= 45*time.Second {
			t.Fatalf("heartbeat age after refresh = %v", age)
		}
	}
	if ttl := mr.TTL(m.Keys().Lock); ttl != time.Hour {
		t.Fatalf("refresh should reset lock ttl, got %v", ttl)
	}

	refreshed, _ := m.Refresh(ctx, "run-a", "other", time.Hour)
	if refreshed {
		t.Fatal("refresh with wrong token must fail")
	}
}

func TestPendingFlagSetOnce(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	first, _ := m.RequestRunAfterCurrent(ctx, time.Hour)
	second, _ := m.RequestRunAfterCurrent(ctx, time.Hour)
	if !first || second {
		t.Fatalf("pending flag should be set once: first=%v second=%v", first, second)
	}

	consumed, _ := m.ConsumePending(ctx)
	if !consumed {
		t.Fatal("pending flag should be consumed")
	}
	consumed, _ = m.ConsumePending(ctx)
	if consumed {
		t.Fatal("pending flag should be cleared after consume")
	}
}

func TestLockInfoCorruptValue(t *testing.T) {
	m, mr, _ := newTestManager(t)
	ctx := context.Background()
	if err := mr.Set(m.Keys().Lock, "not-json"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	info, err := m.LockInfo(ctx)
	if err != nil || info == nil {
		t.Fatalf("lock info: %+v %v", info, err)
	}
	if info.RunID != "" || info.Raw != "not-json" {
		t.Fatalf("corrupt lock should surface without run id: %+v", info)
	}

	if err := m.ForceUnlock(ctx); err != nil {
		t.Fatalf("force unlock: %v", err)
	}
	info, _ = m.LockInfo(ctx)
	if info != nil {
		t.Fatalf("lock should be gone, got %+v", info)
	}
}

func TestHeartbeatStopsAfterConsecutiveFailures(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// no lock held, so every refresh fails
	err := m.RunHeartbeat(ctx, "run-a", "token", time.Hour, 5*time.Millisecond, 3)
	if err != ErrHeartbeatStopped {
		t.Fatalf("expected ErrHeartbeatStopped, got %v", err)
	}
}
