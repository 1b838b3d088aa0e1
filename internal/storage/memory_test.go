package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestMemoryPendingOrdering(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, score := range []int{3, 10, 10, 5} {
		if _, err := store.InsertCandidate(ctx, Candidate{
			Retailer:      "x",
			ProductID:     "p",
			PriorityScore: score,
			Status:        CandidatePending,
			CreatedAt:     base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("insert candidate: %v", err)
		}
	}

	pending, err := store.ListPendingCandidates(ctx, 4)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	want := []int{10, 10, 5, 3}
	for i, c := range pending {
		if c.PriorityScore != want[i] {
			t.Fatalf("position %d: got score %d want %d", i, c.PriorityScore, want[i])
		}
	}
	if !pending[0].CreatedAt.Before(pending[1].CreatedAt) {
		t.Fatal("equal priorities must be drained oldest first")
	}
}

func TestMemoryObservationsNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	product, err := store.EnsureProduct(ctx, Product{Store: "x", SKU: "P1"})
	if err != nil {
		t.Fatalf("ensure product: %v", err)
	}

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		_, err := store.AddObservation(ctx, PriceObservation{
			ProductID: product.ID,
			Price:     decimal.NewFromInt(int64(10 + i)),
			FetchedAt: now.Add(-time.Duration(i) * 24 * time.Hour),
		})
		if err != nil {
			t.Fatalf("add observation: %v", err)
		}
	}

	recent, _ := store.ListObservations(ctx, product.ID, now.Add(-36*time.Hour), 0)
	if len(recent) != 2 {
		t.Fatalf("expected 2 observations within window, got %d", len(recent))
	}
	if !recent[0].Price.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("newest observation first, got %s", recent[0].Price)
	}

	limited, _ := store.ListObservations(ctx, product.ID, time.Time{}, 3)
	if len(limited) != 3 {
		t.Fatalf("limit not applied: %d", len(limited))
	}
}

func TestMemoryFailRunningJobs(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	job, _ := store.CreateJob(ctx, ScanJob{RunID: "run-1", Status: JobRunning, StartedAt: time.Now()})

	n, err := store.FailRunningJobs(ctx, "run-1", "Forced unlock by admin", time.Now())
	if err != nil || n != 1 {
		t.Fatalf("fail running jobs: n=%d err=%v", n, err)
	}
	got, _ := store.GetJobByRunID(ctx, "run-1")
	if got.ID != job.ID || got.Status != JobFailed || got.ErrorMessage == "" {
		t.Fatalf("job not failed: %+v", got)
	}

	if _, err := store.GetJobByRunID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing job should be ErrNotFound, got %v", err)
	}
}

func TestMemorySiblingPrices(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	skus := map[string]int64{"TV-55": 500, "TV-65": 700, "TV-75": 900, "RADIO": 20}
	ids := map[string]int64{}
	for sku, price := range skus {
		p, _ := store.EnsureProduct(ctx, Product{Store: "x", SKU: sku})
		ids[sku] = p.ID
		_, _ = store.AddObservation(ctx, PriceObservation{ProductID: p.ID, Price: decimal.NewFromInt(price), FetchedAt: time.Now()})
	}

	prices, err := store.ListSiblingPrices(ctx, "x", "TV", ids["TV-55"])
	if err != nil {
		t.Fatalf("list sibling prices: %v", err)
	}
	if len(prices) != 2 {
		t.Fatalf("expected 2 siblings, got %v", prices)
	}
}
