package candidate

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"

	"pricewatch/internal/config"
	"pricewatch/internal/detect"
	"pricewatch/internal/fetcher"
	"pricewatch/internal/normalize"
	"pricewatch/internal/storage"
)

func escalationConfig() config.EscalationConfig {
	return config.EscalationConfig{
		LowConfidence:     0.75,
		TriggerConfidence: 0.6,
		CertainConfidence: 0.9,
		PennyThreshold:    1.0,
		MSRPDiscount:      0.7,
		PriorityThreshold: 10,
	}
}

func normalized(price string, confidence float64) *normalize.Price {
	return &normalize.Price{Price: decimal.RequireFromString(price), Availability: normalize.InStock, Confidence: confidence}
}

func triggered(confidence float64) *detect.Result {
	return &detect.Result{Triggered: true, Confidence: confidence}
}

func TestEscalatorDecide(t *testing.T) {
	e := NewEscalator(escalationConfig())
	cases := []struct {
		name      string
		candidate storage.Candidate
		pass      PassOutcome
		want      string
	}{
		{
			name: "blocked fetch",
			pass: PassOutcome{Err: &fetcher.FetchError{Kind: fetcher.KindBlocked, StatusCode: 403}},
			want: "fetch_error:blocked",
		},
		{
			name: "timeout",
			pass: PassOutcome{Err: fmt.Errorf("fetch: %w", context.DeadlineExceeded)},
			want: ReasonFetchError,
		},
		{
			name: "not found is not retried",
			pass: PassOutcome{Err: &fetcher.FetchError{Kind: fetcher.KindNotFound, StatusCode: 404}},
		},
		{
			name: "unstructured error text is ignored",
			pass: PassOutcome{Err: errors.New("403 captcha blocked")},
		},
		{
			name: "low normalization confidence",
			pass: PassOutcome{Price: normalized("20", 0.5), Detection: &detect.Result{}},
			want: ReasonLowConfidence,
		},
		{
			name: "probable but uncertain trigger",
			pass: PassOutcome{Price: normalized("20", 0.95), Detection: triggered(0.855)},
			want: ReasonHighScore,
		},
		{
			name: "certain trigger at a normal price",
			pass: PassOutcome{Price: normalized("20", 1), Detection: triggered(0.9)},
		},
		{
			name: "certain trigger at a penny price",
			pass: PassOutcome{Price: normalized("0.99", 1), Detection: triggered(0.95)},
			want: ReasonPennyPrice,
		},
		{
			name: "penny price without a trigger",
			pass: PassOutcome{Price: normalized("0.99", 1), Detection: &detect.Result{}},
		},
		{
			name: "deep msrp discount",
			pass: PassOutcome{Price: normalized("4.99", 1), Detection: triggered(0.9), MSRP: priced("49.99")},
			want: ReasonMSRPDiscount,
		},
		{
			name:      "high priority candidate",
			candidate: storage.Candidate{PriorityScore: 10},
			pass:      PassOutcome{Price: normalized("20", 1), Detection: &detect.Result{}},
			want:      ReasonHighPriority,
		},
		{
			name:      "high priority after a failed pass",
			candidate: storage.Candidate{PriorityScore: 12},
			pass:      PassOutcome{Err: &fetcher.FetchError{Kind: fetcher.KindParse}},
			want:      ReasonHighPriority,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := e.Decide(tc.candidate, tc.pass)
			if got.Escalate != (tc.want != "") || got.Reason != tc.want {
				t.Fatalf("Decide() = %+v, want reason %q", got, tc.want)
			}
		})
	}
}
