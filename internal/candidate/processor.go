package candidate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricewatch/internal/activity"
	"pricewatch/internal/alerting"
	"pricewatch/internal/budget"
	"pricewatch/internal/detect"
	"pricewatch/internal/fetcher"
	"pricewatch/internal/normalize"
	"pricewatch/internal/storage"
)

const maxErrorLen = 255

// Recorder observes processing outcomes.
type Recorder interface {
	ObserveEscalation(trigger string)
	ObserveResidentialRequest(retailer string, allowed bool)
	ObserveVerifiedDeal(retailer string)
	ObservePassError(proxy string, kind string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveEscalation(string)               {}
func (nopRecorder) ObserveResidentialRequest(string, bool) {}
func (nopRecorder) ObserveVerifiedDeal(string)             {}
func (nopRecorder) ObservePassError(string, string)        {}

// Deps are the collaborators of a Processor. Composite, Baselines, Notifier,
// Activity and Recorder are optional.
type Deps struct {
	Store     storage.Repository
	Fetchers  *fetcher.Registry
	Engine    *detect.Engine
	Composite *detect.CompositeScorer
	Baselines *detect.BaselineJob
	Escalator *Escalator
	Budget    budget.Limiter
	Notifier  alerting.Notifier
	Activity  *activity.Ring
	Recorder  Recorder
	Now       func() time.Time
}

// Outcome is the result of processing one candidate.
type Outcome struct {
	Candidate  storage.Candidate
	Price      *normalize.Price
	Detection  *detect.Result
	Deal       *alerting.Deal
	Verified   bool
	Deferred   bool
	PassErrors int
}

// Processor runs the two-pass verification state machine for candidates.
type Processor struct {
	deps   Deps
	now    func() time.Time
	logger zerolog.Logger
}

// NewProcessor constructs a Processor.
func NewProcessor(deps Deps, logger zerolog.Logger) *Processor {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	return &Processor{
		deps:   deps,
		now:    now,
		logger: logger.With().Str("component", "candidate_processor").Logger(),
	}
}

// passResult is the outcome of one fetch, normalize and detect pass.
type passResult struct {
	pass      int
	proxy     fetcher.ProxyType
	product   storage.Product
	price     *normalize.Price
	detection *detect.Result
	err       error
}

func (r passResult) outcome() PassOutcome {
	out := PassOutcome{Err: r.err, Price: r.price, Detection: r.detection}
	if r.err != nil {
		// A failed pass carries only its error into the decision.
		out.Price, out.Detection = nil, nil
		return out
	}
	if r.price != nil && r.price.MSRP != nil && r.price.MSRP.IsPositive() {
		out.MSRP = r.price.MSRP
	} else if r.product.MSRP != nil && r.product.MSRP.IsPositive() {
		out.MSRP = r.product.MSRP
	}
	return out
}

// Process verifies one candidate. Pass failures are recorded as evidence and
// never returned; only state persistence errors and cancellation are. A
// candidate that cannot reach a terminal state is returned to pending.
func (p *Processor) Process(ctx context.Context, c storage.Candidate) (Outcome, error) {
	signal := p.loadSignal(ctx, c)
	// Writes after the first one must land even when ctx is cancelled mid-pass.
	persist := context.WithoutCancel(ctx)

	c.Status = storage.CandidateScanningDatacenter
	if err := p.deps.Store.UpdateCandidate(ctx, c); err != nil {
		return Outcome{}, fmt.Errorf("mark candidate %d scanning: %w", c.ID, err)
	}
	settled := false
	defer func() {
		if !settled {
			p.requeue(persist, c)
		}
	}()

	outcome := Outcome{}
	datacenter := p.scan(ctx, c, signal, 1, fetcher.ProxyDatacenter)
	if err := interrupted(ctx, c); err != nil {
		return Outcome{}, err
	}
	if datacenter.err != nil {
		outcome.PassErrors++
	}
	final := datacenter

	decision := p.deps.Escalator.Decide(c, datacenter.outcome())
	if decision.Escalate {
		trigger := "confidence"
		if datacenter.err != nil {
			trigger = "error"
		}
		p.deps.Recorder.ObserveEscalation(trigger)
		c.EscalationReason = decision.Reason

		allowed, err := p.deps.Budget.Allow(ctx, c.Retailer)
		if err != nil {
			p.logger.Warn().Err(err).Int64("candidate_id", c.ID).Msg("residential budget check failed")
		}
		p.deps.Recorder.ObserveResidentialRequest(c.Retailer, allowed)
		if !allowed {
			c.Status = storage.CandidatePending
			c.EscalationReason = ReasonBudgetExhausted
			if err := p.deps.Store.UpdateCandidate(persist, c); err != nil {
				return Outcome{}, fmt.Errorf("defer candidate %d: %w", c.ID, err)
			}
			settled = true
			p.deps.Activity.Add(ctx, activity.KindDeferred, fmt.Sprintf("candidate %d %s/%s waiting for residential budget", c.ID, c.Retailer, c.ProductID))
			outcome.Candidate = c
			outcome.Price = datacenter.price
			outcome.Detection = datacenter.detection
			outcome.Deferred = true
			return outcome, nil
		}

		c.Status = storage.CandidateScanningResidential
		if err := p.deps.Store.UpdateCandidate(persist, c); err != nil {
			return Outcome{}, fmt.Errorf("mark candidate %d residential: %w", c.ID, err)
		}
		residential := p.scan(ctx, c, signal, 2, fetcher.ProxyResidential)
		if err := interrupted(ctx, c); err != nil {
			return Outcome{}, err
		}
		if residential.err != nil {
			outcome.PassErrors++
		}
		if residential.price != nil {
			final = residential
		}
	}

	verified := final.detection != nil && final.detection.Triggered
	processedAt := p.now().UTC()
	c.ProcessedAt = &processedAt
	c.Status = storage.CandidateRejected
	if verified {
		c.Status = storage.CandidateVerified
	}

	if final.price != nil {
		p.recordObservation(persist, final)
	}

	outcome.Candidate = c
	outcome.Price = final.price
	outcome.Detection = final.detection
	outcome.Verified = verified

	if verified {
		deal := p.buildDeal(persist, c, signal, final)
		outcome.Deal = &deal
		p.deps.Recorder.ObserveVerifiedDeal(c.Retailer)
		p.deps.Activity.Add(ctx, activity.KindVerified, fmt.Sprintf("candidate %d %s/%s verified at $%s (%s)", c.ID, c.Retailer, c.ProductID, final.price.Price.StringFixed(2), deal.Reason))
	} else {
		reason := "no usable price"
		if final.detection != nil {
			reason = final.detection.Reason
		}
		p.deps.Activity.Add(ctx, activity.KindRejected, fmt.Sprintf("candidate %d %s/%s rejected: %s", c.ID, c.Retailer, c.ProductID, reason))
	}

	if err := p.deps.Store.UpdateCandidate(persist, c); err != nil {
		return outcome, fmt.Errorf("finish candidate %d: %w", c.ID, err)
	}
	settled = true

	if outcome.Deal != nil && p.deps.Notifier != nil {
		if err := p.deps.Notifier.Notify(persist, *outcome.Deal); err != nil {
			p.logger.Error().Err(err).Int64("candidate_id", c.ID).Msg("failed to dispatch deal")
		}
	}
	return outcome, nil
}

// interrupted reports the cancellation cause once ctx is done.
func interrupted(ctx context.Context, c storage.Candidate) error {
	if ctx.Err() == nil {
		return nil
	}
	return fmt.Errorf("candidate %d interrupted: %w", c.ID, context.Cause(ctx))
}

// requeue puts a candidate that could not finish back to pending.
func (p *Processor) requeue(ctx context.Context, c storage.Candidate) {
	c.Status = storage.CandidatePending
	c.ProcessedAt = nil
	if err := p.deps.Store.UpdateCandidate(ctx, c); err != nil {
		p.logger.Error().Err(err).Int64("candidate_id", c.ID).Msg("failed to return candidate to pending")
		return
	}
	p.logger.Warn().Int64("candidate_id", c.ID).Msg("candidate returned to pending")
}

func (p *Processor) loadSignal(ctx context.Context, c storage.Candidate) *storage.Signal {
	if c.SourceSignalID == 0 {
		return nil
	}
	signal, err := p.deps.Store.GetSignal(ctx, c.SourceSignalID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			p.logger.Warn().Err(err).Int64("candidate_id", c.ID).Msg("load source signal")
		}
		return nil
	}
	return &signal
}

// scan runs one pass and appends exactly one evidence row for it.
func (p *Processor) scan(ctx context.Context, c storage.Candidate, signal *storage.Signal, pass int, proxy fetcher.ProxyType) passResult {
	res := p.runPass(ctx, c, signal, pass, proxy)

	evidence := storage.ScanEvidence{
		CandidateID: c.ID,
		ScanPass:    pass,
		ProxyType:   string(proxy),
		Timestamp:   p.now().UTC(),
	}
	if res.price != nil {
		observed := res.price.Price
		evidence.ObservedPrice = &observed
		evidence.StockStatus = res.price.Availability
	}
	if res.err != nil {
		evidence.Error = truncate(res.err.Error(), maxErrorLen)
		kind := string(fetcher.KindOf(res.err))
		if kind == "" {
			kind = "other"
		}
		p.deps.Recorder.ObservePassError(string(proxy), kind)
		p.deps.Activity.Add(ctx, activity.KindPassError, fmt.Sprintf("candidate %d pass %d (%s): %s", c.ID, pass, proxy, evidence.Error))
		p.logger.Warn().Err(res.err).
			Int64("candidate_id", c.ID).
			Int("scan_pass", pass).
			Str("proxy_type", string(proxy)).
			Msg("candidate scan pass failed")
	} else {
		evidence.PriceConfirmed = res.price != nil
	}

	if _, err := p.deps.Store.AppendEvidence(context.WithoutCancel(ctx), evidence); err != nil {
		p.logger.Error().Err(err).Int64("candidate_id", c.ID).Int("scan_pass", pass).Msg("failed to record scan evidence")
	}
	return res
}

func (p *Processor) runPass(ctx context.Context, c storage.Candidate, signal *storage.Signal, pass int, proxy fetcher.ProxyType) passResult {
	res := passResult{pass: pass, proxy: proxy}

	f, err := p.deps.Fetchers.Get(c.Retailer)
	if err != nil {
		res.err = err
		return res
	}
	raw, err := f.Fetch(ctx, fetchIdentifier(c), proxy)
	if err != nil {
		res.err = err
		return res
	}

	product, err := p.deps.Store.EnsureProduct(ctx, storage.Product{
		Store: c.Retailer,
		SKU:   c.ProductID,
		URL:   firstNonEmpty(raw.URL, c.URL),
		Title: raw.Title,
		MSRP:  raw.MSRP,
	})
	if err != nil {
		res.err = fmt.Errorf("ensure product: %w", err)
		return res
	}
	res.product = product

	previous, err := p.previousPrice(ctx, product.ID)
	if err != nil {
		res.err = err
		return res
	}
	price, err := normalize.Normalize(raw, previous)
	if err != nil {
		res.err = err
		return res
	}
	res.price = &price

	in := detect.Input{Product: product, Price: price}
	if signal != nil {
		in.SignalType = signal.SignalType
	}
	detection, err := p.deps.Engine.Detect(ctx, in)
	if err != nil {
		res.err = fmt.Errorf("detect: %w", err)
		return res
	}
	res.detection = &detection
	return res
}

func (p *Processor) previousPrice(ctx context.Context, productID int64) (*decimal.Decimal, error) {
	latest, err := p.deps.Store.ListObservations(ctx, productID, time.Time{}, 1)
	if err != nil {
		return nil, fmt.Errorf("previous price: %w", err)
	}
	if len(latest) == 0 {
		return nil, nil
	}
	prev := latest[0].Price
	return &prev, nil
}

// recordObservation appends the winning price to history and refreshes the baseline.
func (p *Processor) recordObservation(ctx context.Context, res passResult) {
	price := res.price
	_, err := p.deps.Store.AddObservation(ctx, storage.PriceObservation{
		ProductID:     res.product.ID,
		Price:         price.Price,
		OriginalPrice: price.OriginalPrice,
		Shipping:      price.Shipping,
		Availability:  price.Availability,
		Confidence:    price.Confidence,
		FetchedAt:     price.FetchedAt,
	})
	if err != nil {
		p.logger.Error().Err(err).Int64("product_id", res.product.ID).Msg("failed to record observation")
		return
	}
	if p.deps.Baselines == nil {
		return
	}
	if _, err := p.deps.Baselines.Recalculate(ctx, res.product.ID); err != nil && !errors.Is(err, detect.ErrInsufficientData) {
		p.logger.Warn().Err(err).Int64("product_id", res.product.ID).Msg("baseline update failed")
	}
}

func (p *Processor) buildDeal(ctx context.Context, c storage.Candidate, signal *storage.Signal, res passResult) alerting.Deal {
	price := res.price
	det := res.detection
	product := res.product

	msrp := price.MSRP
	if msrp == nil {
		msrp = product.MSRP
	}

	discount := 0.0
	switch {
	case msrp != nil && msrp.IsPositive():
		discount = detect.Discount(price.Price, *msrp)
	case product.BaselinePrice != nil && product.BaselinePrice.IsPositive():
		discount = detect.Discount(price.Price, *product.BaselinePrice)
	}

	signals := make([]string, 0, 5)
	if c.SourceSignalID != 0 {
		signals = append(signals, "signal")
		if signal != nil && signal.SignalType != "" {
			signals = append(signals, signal.SignalType)
		}
	}
	if res.pass == 2 {
		signals = append(signals, "two_pass")
	} else {
		signals = append(signals, "datacenter_pass")
	}

	deal := alerting.Deal{
		CandidateID:     c.ID,
		ProductID:       product.ID,
		Retailer:        c.Retailer,
		SKU:             product.SKU,
		Title:           firstNonEmpty(price.Title, product.Title, c.ProductID),
		URL:             firstNonEmpty(price.URL, product.URL, c.URL),
		Price:           price.Price,
		MSRP:            msrp,
		BaselinePrice:   product.BaselinePrice,
		DiscountPercent: discount,
		Confidence:      det.Confidence,
		Reason:          det.Reason,
		ScanPass:        res.pass,
		ProxyType:       string(res.proxy),
		DetectedAt:      p.now().UTC(),
	}
	if deal.Reason == "" {
		deal.Reason = "signal verification"
	}
	if det.Rule != nil {
		deal.Rule = det.Rule.Label()
	}
	if det.Anomaly != nil {
		deal.AnomalyScore = det.Anomaly.Score
		if det.Anomaly.IsAnomaly {
			signals = append(signals, "anomaly")
		}
	}

	if p.deps.Composite != nil {
		original := price.OriginalPrice
		if original == nil {
			original = msrp
		}
		composite, err := p.deps.Composite.Score(ctx, product, price.Price, original)
		if err != nil {
			p.logger.Warn().Err(err).Int64("candidate_id", c.ID).Msg("composite score failed")
		} else {
			score := composite.Score
			deal.CompositeScore = &score
			if composite.IsAnomalous {
				signals = append(signals, "composite")
			}
		}
	}
	deal.DetectionSignals = signals
	return deal
}

// fetchIdentifier strips a "retailer:" prefix from canonical product ids.
func fetchIdentifier(c storage.Candidate) string {
	if prefix := c.Retailer + ":"; strings.HasPrefix(c.ProductID, prefix) {
		if raw := strings.TrimPrefix(c.ProductID, prefix); raw != "" {
			return raw
		}
	}
	return c.ProductID
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
