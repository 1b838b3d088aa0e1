package activity

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestRingKeepsNewestEntries(t *testing.T) {
	ring := NewRing(3, func() time.Time { return time.Unix(0, 0) })
	ctx := WithRunID(context.Background(), "run-1")
	for i := 0; i < 5; i++ {
		ring.Add(ctx, KindVerified, fmt.Sprintf("event %d", i))
	}

	got := ring.Recent(0)
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	for i, want := range []string{"event 4", "event 3", "event 2"} {
		if got[i].Message != want {
			t.Fatalf("entry %d = %q, want %q", i, got[i].Message, want)
		}
	}
	if got[0].RunID != "run-1" {
		t.Fatalf("expected run id to be recorded, got %q", got[0].RunID)
	}
}

func TestRingRecentLimitBeforeFull(t *testing.T) {
	ring := NewRing(10, nil)
	ring.Add(context.Background(), KindRejected, "a")
	ring.Add(context.Background(), KindRejected, "b")

	if got := ring.Recent(5); len(got) != 2 || got[0].Message != "b" {
		t.Fatalf("unexpected entries %+v", got)
	}
	if got := ring.Recent(1); len(got) != 1 || got[0].Message != "b" {
		t.Fatalf("unexpected limited entries %+v", got)
	}
}

func TestNilRingIsSafe(t *testing.T) {
	var ring *Ring
	ring.Add(context.Background(), KindVerified, "ignored")
	if ring.Recent(1) != nil {
		t.Fatal("nil ring should return nothing")
	}
}
