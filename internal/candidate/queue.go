package candidate

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricewatch/internal/config"
	"pricewatch/internal/storage"
)

// Admission is the outcome of offering a signal to the queue.
type Admission string

const (
	Admitted          Admission = "admitted"
	RejectedNoProduct Admission = "no_product"
	RejectedBudget    Admission = "budget_exceeded"
	RejectedDuplicate Admission = "duplicate"
)

// AdmissionRecorder observes queue admissions.
type AdmissionRecorder interface {
	ObserveAdmission(retailer string, outcome string)
}

// Queue admits signals as candidates and hands out pending work.
type Queue struct {
	candidates storage.CandidateStore
	cfg        config.QueueConfig
	recorder   AdmissionRecorder
	now        func() time.Time
	logger     zerolog.Logger
}

// NewQueue constructs a Queue. recorder may be nil.
func NewQueue(candidates storage.CandidateStore, cfg config.QueueConfig, recorder AdmissionRecorder, now func() time.Time, logger zerolog.Logger) *Queue {
	if now == nil {
		now = time.Now
	}
	return &Queue{
		candidates: candidates,
		cfg:        cfg,
		recorder:   recorder,
		now:        now,
		logger:     logger.With().Str("component", "candidate_queue").Logger(),
	}
}

// Enqueue creates a candidate from signal unless the retailer is over its
// hourly budget or an active candidate already covers the same price.
func (q *Queue) Enqueue(ctx context.Context, signal storage.Signal) (storage.Candidate, Admission, error) {
	outcome, err := q.admit(ctx, signal)
	if err != nil {
		return storage.Candidate{}, "", err
	}
	if outcome != Admitted {
		q.observe(signal.Retailer, outcome)
		return storage.Candidate{}, outcome, nil
	}

	candidate, err := q.candidates.InsertCandidate(ctx, storage.Candidate{
		Retailer:       signal.Retailer,
		ProductID:      signal.ProductID,
		URL:            signal.URL,
		SourceSignalID: signal.ID,
		SignalPrice:    signal.DetectedPrice,
		PriorityScore:  Priority(signal, q.cfg),
		Status:         storage.CandidatePending,
		CreatedAt:      q.now().UTC(),
	})
	if err != nil {
		return storage.Candidate{}, "", fmt.Errorf("insert candidate: %w", err)
	}
	q.observe(signal.Retailer, Admitted)
	q.logger.Debug().
		Int64("candidate_id", candidate.ID).
		Str("retailer", candidate.Retailer).
		Str("product_id", candidate.ProductID).
		Int("priority", candidate.PriorityScore).
		Msg("candidate enqueued")
	return candidate, Admitted, nil
}

func (q *Queue) admit(ctx context.Context, signal storage.Signal) (Admission, error) {
	if signal.ProductID == "" {
		return RejectedNoProduct, nil
	}

	over, err := q.exceedsBudget(ctx, signal.Retailer)
	if err != nil {
		return "", err
	}
	if over {
		q.logger.Debug().Str("retailer", signal.Retailer).Msg("candidate budget exceeded")
		return RejectedBudget, nil
	}

	dup, err := q.isDuplicate(ctx, signal)
	if err != nil {
		return "", err
	}
	if dup {
		return RejectedDuplicate, nil
	}
	return Admitted, nil
}

// RecoverStale returns candidates left in a scanning state for longer than
// olderThan to pending.
func (q *Queue) RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	reset, err := q.candidates.ResetStaleCandidates(ctx, q.now().UTC().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("reset stale candidates: %w", err)
	}
	if reset > 0 {
		q.logger.Warn().Int64("candidates", reset).Dur("older_than", olderThan).Msg("stale scanning candidates returned to pending")
	}
	return reset, nil
}

// Next returns pending candidates by priority descending, then creation time.
func (q *Queue) Next(ctx context.Context, limit int) ([]storage.Candidate, error) {
	candidates, err := q.candidates.ListPendingCandidates(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending candidates: %w", err)
	}
	return candidates, nil
}

func (q *Queue) exceedsBudget(ctx context.Context, retailer string) (bool, error) {
	if q.cfg.HourlyBudget <= 0 {
		return false, nil
	}
	count, err := q.candidates.CountCandidatesSince(ctx, retailer, q.now().UTC().Add(-time.Hour))
	if err != nil {
		return false, fmt.Errorf("count candidates: %w", err)
	}
	return count >= q.cfg.HourlyBudget, nil
}

// isDuplicate matches active candidates for the same product. When the signal
// carries a price, only candidates whose signal price is within tolerance count.
func (q *Queue) isDuplicate(ctx context.Context, signal storage.Signal) (bool, error) {
	active, err := q.candidates.ListActiveCandidates(ctx, signal.Retailer, signal.ProductID)
	if err != nil {
		return false, fmt.Errorf("list active candidates: %w", err)
	}
	if signal.DetectedPrice == nil {
		return len(active) > 0, nil
	}
	tolerance := decimal.NewFromFloat(q.cfg.PriceTolerance)
	for _, c := range active {
		if c.SignalPrice == nil {
			continue
		}
		if c.SignalPrice.Sub(*signal.DetectedPrice).Abs().LessThanOrEqual(tolerance) {
			return true, nil
		}
	}
	return false, nil
}

func (q *Queue) observe(retailer string, outcome Admission) {
	if q.recorder != nil {
		q.recorder.ObserveAdmission(retailer, string(outcome))
	}
}
