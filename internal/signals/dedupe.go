package signals

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"pricewatch/internal/storage"
)

// Deduper remembers signal keys for a TTL.
type Deduper interface {
	// Seen reports whether key was already recorded; otherwise it records it.
	Seen(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Key buckets a signal by retailer, product, price and type.
func Key(signal storage.Signal, bucket float64) string {
	price := "none"
	if signal.DetectedPrice != nil {
		if bucket > 0 {
			step := decimal.NewFromFloat(bucket)
			price = signal.DetectedPrice.Div(step).Floor().Mul(step).String()
		} else {
			price = signal.DetectedPrice.String()
		}
	}
	return strings.Join([]string{
		strings.ToLower(signal.Retailer),
		signal.ProductID,
		price,
		strings.ToLower(signal.SignalType),
	}, "|")
}

// MemoryDeduper keeps keys in process.
type MemoryDeduper struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

// NewMemoryDeduper constructs a MemoryDeduper. now may be nil.
func NewMemoryDeduper(now func() time.Time) *MemoryDeduper {
	if now == nil {
		now = time.Now
	}
	return &MemoryDeduper{expires: make(map[string]time.Time), now: now}
}

// Seen implements Deduper.
func (d *MemoryDeduper) Seen(_ context.Context, key string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for k, exp := range d.expires {
		if !now.Before(exp) {
			delete(d.expires, k)
		}
	}
	if _, ok := d.expires[key]; ok {
		return true, nil
	}
	d.expires[key] = now.Add(ttl)
	return false, nil
}

// RedisDeduper shares seen keys across processes with SET NX EX.
type RedisDeduper struct {
	client redis.Cmdable
	prefix string
}

// NewRedisDeduper constructs a RedisDeduper.
func NewRedisDeduper(client redis.Cmdable, prefix string) *RedisDeduper {
	if prefix == "" {
		prefix = "signals:seen"
	}
	return &RedisDeduper{client: client, prefix: prefix}
}

// Seen implements Deduper.
func (d *RedisDeduper) Seen(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	set, err := d.client.SetNX(ctx, d.prefix+":"+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("signal dedupe: %w", err)
	}
	return !set, nil
}

var (
	_ Deduper = (*MemoryDeduper)(nil)
	_ Deduper = (*RedisDeduper)(nil)
)
