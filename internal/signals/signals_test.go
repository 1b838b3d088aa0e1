package signals

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricewatch/internal/config"
	"pricewatch/internal/storage"
)

const dealFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Deals</title>
    <item>
      <title>Wireless Headphones now $4.99 (was $49.99)</title>
      <link>https://shop.example.com/p/P123?ref=feed</link>
      <guid>deal-1</guid>
      <pubDate>Sun, 01 Mar 2026 11:00:00 GMT</pubDate>
    </item>
    <item>
      <title>Store-wide sale</title>
      <link>https://shop.example.com/sale</link>
    </item>
    <item>
      <title>Desk Lamp $1,249.00 price error?</title>
      <link>https://shop.example.com/p/LAMP-9</link>
    </item>
  </channel>
</rss>`

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func feedServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(dealFeed))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFeedSourcePoll(t *testing.T) {
	srv := feedServer(t)
	src, err := NewFeedSource(config.FeedConfig{
		Name:       "deals",
		URL:        srv.URL,
		Retailer:   "shop",
		SignalType: "price_drop",
	}, srv.Client(), func() time.Time { return testNow }, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewFeedSource: %v", err)
	}

	got, err := src.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 signals, got %d", len(got))
	}

	first := got[0]
	if first.ProductID != "P123" || first.Retailer != "shop" || first.SignalType != "price_drop" {
		t.Fatalf("unexpected first signal: %+v", first)
	}
	if first.DetectedPrice == nil || first.DetectedPrice.String() != "4.99" {
		t.Fatalf("expected first price 4.99, got %v", first.DetectedPrice)
	}
	if !first.DetectedAt.Equal(time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected pubDate as detected_at, got %v", first.DetectedAt)
	}
	if got[1].DetectedPrice == nil || got[1].DetectedPrice.String() != "1249" {
		t.Fatalf("expected thousands separator to be stripped, got %v", got[1].DetectedPrice)
	}
	if !got[1].DetectedAt.Equal(testNow) {
		t.Fatalf("expected fallback detected_at, got %v", got[1].DetectedAt)
	}
}

func TestFeedSourceRejectsBadPattern(t *testing.T) {
	_, err := NewFeedSource(config.FeedConfig{URL: "http://x", Retailer: "shop", ProductPattern: "("}, nil, nil, zerolog.Nop())
	if err == nil {
		t.Fatal("expected invalid product_pattern to fail")
	}
}

func TestFeedSourceStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	src, err := NewFeedSource(config.FeedConfig{URL: srv.URL, Retailer: "shop"}, srv.Client(), nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewFeedSource: %v", err)
	}
	if _, err := src.Poll(context.Background()); err == nil {
		t.Fatal("expected non-200 feed to fail")
	}
}

func TestKeyBucketsPrice(t *testing.T) {
	price := func(v string) *decimal.Decimal {
		d := decimal.RequireFromString(v)
		return &d
	}
	a := Key(storage.Signal{Retailer: "Shop", ProductID: "P1", DetectedPrice: price("4.10"), SignalType: "drop"}, 1)
	b := Key(storage.Signal{Retailer: "shop", ProductID: "P1", DetectedPrice: price("4.90"), SignalType: "DROP"}, 1)
	c := Key(storage.Signal{Retailer: "shop", ProductID: "P1", DetectedPrice: price("5.00"), SignalType: "drop"}, 1)
	if a != b {
		t.Fatalf("expected same bucket: %q vs %q", a, b)
	}
	if a == c {
		t.Fatalf("expected different bucket for 5.00: %q", c)
	}
	if got := Key(storage.Signal{Retailer: "shop", ProductID: "P1"}, 1); got != "shop|P1|none|" {
		t.Fatalf("unexpected key without price: %q", got)
	}
}

func TestMemoryDeduperExpires(t *testing.T) {
	now := testNow
	d := NewMemoryDeduper(func() time.Time { return now })
	ctx := context.Background()

	if seen, _ := d.Seen(ctx, "k", time.Hour); seen {
		t.Fatal("first sighting reported as seen")
	}
	if seen, _ := d.Seen(ctx, "k", time.Hour); !seen {
		t.Fatal("second sighting not reported as seen")
	}
	now = now.Add(time.Hour)
	if seen, _ := d.Seen(ctx, "k", time.Hour); seen {
		t.Fatal("expired key reported as seen")
	}
}

func TestRedisDeduper(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	d := NewRedisDeduper(client, "test:seen")
	ctx := context.Background()

	if seen, err := d.Seen(ctx, "k", time.Minute); err != nil || seen {
		t.Fatalf("first Seen = %v, %v", seen, err)
	}
	if seen, err := d.Seen(ctx, "k", time.Minute); err != nil || !seen {
		t.Fatalf("second Seen = %v, %v", seen, err)
	}
	if ttl := mr.TTL("test:seen:k"); ttl != time.Minute {
		t.Fatalf("expected ttl 1m, got %v", ttl)
	}
	mr.FastForward(2 * time.Minute)
	if seen, err := d.Seen(ctx, "k", time.Minute); err != nil || seen {
		t.Fatalf("Seen after expiry = %v, %v", seen, err)
	}
}

type brokenSource struct{}

func (brokenSource) Name() string { return "broken" }
func (brokenSource) Poll(context.Context) ([]storage.Signal, error) {
	return nil, errors.New("feed down")
}

type countRecorder map[string]int

func (c countRecorder) ObserveSignals(source string, n int) { c[source] += n }

func TestCollectorPersistsNewSignals(t *testing.T) {
	store := storage.NewMemoryStore()
	price := decimal.RequireFromString("4.99")
	signal := storage.Signal{Retailer: "shop", ProductID: "P123", DetectedPrice: &price, SignalType: "price_drop"}
	recorder := countRecorder{}

	collector := NewCollector(
		[]Source{brokenSource{}, NewStaticSource("manual", signal, signal)},
		NewMemoryDeduper(func() time.Time { return testNow }),
		store,
		CollectorOptions{DedupeTTL: time.Hour, PriceBucket: 1, Recorder: recorder, Now: func() time.Time { return testNow }},
		zerolog.Nop(),
	)

	got, err := collector.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 new signal, got %d", len(got))
	}
	if got[0].ID == 0 || got[0].Source != "manual" || !got[0].DetectedAt.Equal(testNow) {
		t.Fatalf("unexpected persisted signal: %+v", got[0])
	}
	if recorder["manual"] != 1 {
		t.Fatalf("expected recorder to see 1 manual signal, got %d", recorder["manual"])
	}

	again, err := collector.Collect(context.Background())
	if err != nil {
		t.Fatalf("second Collect: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected duplicates to be dropped, got %d", len(again))
	}
}
