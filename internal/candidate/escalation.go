package candidate

import (
	"github.com/shopspring/decimal"

	"pricewatch/internal/config"
	"pricewatch/internal/detect"
	"pricewatch/internal/fetcher"
	"pricewatch/internal/normalize"
	"pricewatch/internal/storage"
)

// Escalation reasons, also stored on the candidate.
const (
	ReasonFetchError      = "fetch_error"
	ReasonLowConfidence   = "low_confidence"
	ReasonHighScore       = "high_score"
	ReasonPennyPrice      = "penny_price"
	ReasonMSRPDiscount    = "msrp_discount"
	ReasonHighPriority    = "high_priority"
	ReasonBudgetExhausted = "residential_budget_exhausted"
)

// PassOutcome is what the escalation decision sees of a datacenter pass.
type PassOutcome struct {
	Err       error
	Price     *normalize.Price
	Detection *detect.Result
	// MSRP is the reference price known for the product, if any.
	MSRP *decimal.Decimal
}

// Decision says whether a residential pass is needed and why.
type Decision struct {
	Escalate bool
	Reason   string
}

// Escalator decides whether a candidate needs a residential verification pass.
type Escalator struct {
	cfg config.EscalationConfig
}

// NewEscalator constructs an Escalator.
func NewEscalator(cfg config.EscalationConfig) *Escalator {
	return &Escalator{cfg: cfg}
}

// Decide has no side effects. Any single condition is enough to escalate.
func (e *Escalator) Decide(c storage.Candidate, pass PassOutcome) Decision {
	if pass.Err != nil && fetcher.ShouldEscalate(pass.Err) {
		reason := ReasonFetchError
		if kind := fetcher.KindOf(pass.Err); kind != "" {
			reason += ":" + string(kind)
		}
		return Decision{Escalate: true, Reason: reason}
	}

	if pass.Price != nil && pass.Price.Confidence < e.cfg.LowConfidence {
		return Decision{Escalate: true, Reason: ReasonLowConfidence}
	}

	if det := pass.Detection; det != nil && det.Triggered {
		if det.Confidence >= e.cfg.TriggerConfidence && det.Confidence < e.cfg.CertainConfidence {
			return Decision{Escalate: true, Reason: ReasonHighScore}
		}
		if pass.Price != nil && pass.Price.Price.LessThanOrEqual(decimal.NewFromFloat(e.cfg.PennyThreshold)) {
			return Decision{Escalate: true, Reason: ReasonPennyPrice}
		}
	}

	if pass.Price != nil && pass.MSRP != nil && pass.MSRP.IsPositive() {
		if detect.Discount(pass.Price.Price, *pass.MSRP) >= e.cfg.MSRPDiscount*100 {
			return Decision{Escalate: true, Reason: ReasonMSRPDiscount}
		}
	}

	if c.PriorityScore >= e.cfg.PriorityThreshold {
		return Decision{Escalate: true, Reason: ReasonHighPriority}
	}
	return Decision{}
}
