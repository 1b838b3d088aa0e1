package detect

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"pricewatch/internal/storage"
)

// RuleKind enumerates the rule variants the engine can evaluate.
type RuleKind int

const (
	RulePercentDrop RuleKind = iota + 1
	RuleAbsolute
	RuleMSRPRatio
	RuleVelocity
	RulePennyPricing
	RuleCurrencyError
	RuleVariantDiscrepancy
	RuleCategoryOutlier
	RuleMSRPDeviation
)

var ruleKindNames = map[RuleKind]string{
	RulePercentDrop:        "percent_drop",
	RuleAbsolute:           "absolute",
	RuleMSRPRatio:          "msrp_ratio",
	RuleVelocity:           "velocity",
	RulePennyPricing:       "penny_pricing",
	RuleCurrencyError:      "currency_error",
	RuleVariantDiscrepancy: "variant_discrepancy",
	RuleCategoryOutlier:    "category_outlier",
	RuleMSRPDeviation:      "msrp_deviation",
}

func (k RuleKind) String() string {
	if name, ok := ruleKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("rule_kind(%d)", int(k))
}

// ParseRuleKind maps a persisted rule_type to its kind.
func ParseRuleKind(s string) (RuleKind, error) {
	needle := strings.ToLower(strings.TrimSpace(s))
	for kind, name := range ruleKindNames {
		if name == needle {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("unknown rule type %q", s)
}

// Rule is one detection predicate with its threshold.
type Rule struct {
	ID        int64
	Name      string
	Kind      RuleKind
	Threshold decimal.Decimal
	Enabled   bool
	Priority  int
}

// RuleFromRecord converts a stored rule.
func RuleFromRecord(rec storage.RuleRecord) (Rule, error) {
	kind, err := ParseRuleKind(rec.RuleType)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %d: %w", rec.ID, err)
	}
	return Rule{
		ID:        rec.ID,
		Name:      rec.Name,
		Kind:      kind,
		Threshold: rec.Threshold,
		Enabled:   rec.Enabled,
		Priority:  rec.Priority,
	}, nil
}

// Label names the rule for logs and reasons.
func (r Rule) Label() string {
	if r.Name != "" {
		return r.Name
	}
	return r.Kind.String()
}

// CategoryStats is the price distribution of a product category.
type CategoryStats struct {
	Count  int
	Mean   float64
	StdDev float64
}

// RuleInput is the context a rule predicate is evaluated against.
type RuleInput struct {
	Current          decimal.Decimal
	Baseline         *decimal.Decimal
	MSRP             *decimal.Decimal
	Previous         *decimal.Decimal
	PriceText        string
	SignalType       string
	Siblings         []decimal.Decimal
	Category         *CategoryStats
	PennyExpectedMin decimal.Decimal
}

// Evaluate reports whether the rule triggers and why.
func (r Rule) Evaluate(in RuleInput) (bool, string) {
	if !r.Enabled {
		return false, "rule disabled"
	}
	switch r.Kind {
	case RulePercentDrop:
		return r.percentDrop(in)
	case RuleAbsolute:
		return r.absolute(in)
	case RuleMSRPRatio:
		return r.msrpRatio(in)
	case RuleVelocity:
		return r.velocity(in)
	case RulePennyPricing:
		return r.pennyPricing(in)
	case RuleCurrencyError:
		return r.currencyError(in)
	case RuleVariantDiscrepancy:
		return r.variantDiscrepancy(in)
	case RuleCategoryOutlier:
		return r.categoryOutlier(in)
	case RuleMSRPDeviation:
		return r.msrpDeviation(in)
	default:
		return false, fmt.Sprintf("unsupported rule kind %s", r.Kind)
	}
}

func (r Rule) percentDrop(in RuleInput) (bool, string) {
	if !positive(in.Baseline) {
		return false, "no baseline price available"
	}
	if in.Current.LessThanOrEqual(in.Baseline.Mul(r.Threshold)) {
		return true, fmt.Sprintf("%.1f%% off baseline ($%s)", percentOff(in.Current, *in.Baseline), in.Baseline.StringFixed(2))
	}
	return false, "rule not triggered"
}

func (r Rule) absolute(in RuleInput) (bool, string) {
	if in.Current.LessThanOrEqual(r.Threshold) {
		return true, fmt.Sprintf("price $%s <= threshold $%s", in.Current.StringFixed(2), r.Threshold.StringFixed(2))
	}
	return false, "rule not triggered"
}

func (r Rule) msrpRatio(in RuleInput) (bool, string) {
	if !positive(in.MSRP) {
		return false, "no msrp available"
	}
	if in.Current.LessThanOrEqual(in.MSRP.Mul(r.Threshold)) {
		return true, fmt.Sprintf("%.1f%% off MSRP ($%s)", percentOff(in.Current, *in.MSRP), in.MSRP.StringFixed(2))
	}
	return false, "rule not triggered"
}

func (r Rule) velocity(in RuleInput) (bool, string) {
	if !positive(in.Previous) {
		return false, "no previous price available"
	}
	if in.Current.LessThanOrEqual(in.Previous.Mul(r.Threshold)) {
		return true, fmt.Sprintf("dropped %.1f%% from previous price $%s", percentOff(in.Current, *in.Previous), in.Previous.StringFixed(2))
	}
	return false, "rule not triggered"
}

func (r Rule) pennyPricing(in RuleInput) (bool, string) {
	if in.Current.GreaterThan(r.Threshold) {
		return false, "rule not triggered"
	}
	expected := in.MSRP
	if !positive(expected) {
		expected = in.Baseline
	}
	if positive(expected) && expected.GreaterThanOrEqual(in.PennyExpectedMin) {
		return true, fmt.Sprintf("penny pricing: $%s for item expected $%s", in.Current.StringFixed(2), expected.StringFixed(2))
	}
	return false, "rule not triggered"
}

var (
	currencyCodePattern = regexp.MustCompile(`(?i)\$\d+\.\d+\s*(MXN|CAD|EUR|GBP|JPY)`)
	currencyWordPattern = regexp.MustCompile(`(?i)\d+\.\d+\s*(pesos|euros|pounds|yen)`)

	conversionRatios   = []decimal.Decimal{decimal.RequireFromString("0.01"), decimal.RequireFromString("0.05")}
	conversionEpsilon  = decimal.RequireFromString("0.001")
	defaultCategoryZ   = decimal.NewFromInt(3)
	clearanceSignalTag = "clearance"
)

func (r Rule) currencyError(in RuleInput) (bool, string) {
	if currencyCodePattern.MatchString(in.PriceText) || currencyWordPattern.MatchString(in.PriceText) {
		return true, fmt.Sprintf("currency error in price text: %s", in.PriceText)
	}
	if positive(in.MSRP) {
		ratio := in.Current.Div(*in.MSRP)
		for _, target := range conversionRatios {
			if ratio.Sub(target).Abs().LessThan(conversionEpsilon) {
				return true, fmt.Sprintf("possible currency conversion error: $%s vs MSRP $%s", in.Current.StringFixed(2), in.MSRP.StringFixed(2))
			}
		}
	}
	return false, "rule not triggered"
}

func (r Rule) variantDiscrepancy(in RuleInput) (bool, string) {
	if len(in.Siblings) < 2 {
		return false, "not enough variant prices"
	}
	med := decimal.NewFromFloat(median(toFloats(in.Siblings)))
	if med.Sign() <= 0 {
		return false, "not enough variant prices"
	}
	if in.Current.LessThanOrEqual(med.Mul(r.Threshold)) {
		return true, fmt.Sprintf("%.1f%% below variant median $%s", percentOff(in.Current, med), med.StringFixed(2))
	}
	return false, "rule not triggered"
}

func (r Rule) categoryOutlier(in RuleInput) (bool, string) {
	if in.Category == nil || in.Category.StdDev <= 0 {
		return false, "no category statistics"
	}
	threshold := r.Threshold
	if threshold.Sign() <= 0 {
		threshold = defaultCategoryZ
	}
	z := (toFloat(in.Current) - in.Category.Mean) / in.Category.StdDev
	if z < -toFloat(threshold) {
		return true, fmt.Sprintf("category outlier: %.1f sigma below category average $%.2f", -z, in.Category.Mean)
	}
	return false, "rule not triggered"
}

func (r Rule) msrpDeviation(in RuleInput) (bool, string) {
	if strings.EqualFold(in.SignalType, clearanceSignalTag) {
		return false, "clearance item"
	}
	if !positive(in.MSRP) {
		return false, "no msrp available"
	}
	discount := Discount(in.Current, *in.MSRP)
	if discount >= toFloat(r.Threshold)*100 {
		return true, fmt.Sprintf("%.1f%% off MSRP ($%s), potential error", discount, in.MSRP.StringFixed(2))
	}
	return false, "rule not triggered"
}

func positive(d *decimal.Decimal) bool {
	return d != nil && d.Sign() > 0
}

func percentOff(current, reference decimal.Decimal) float64 {
	if reference.Sign() <= 0 {
		return 0
	}
	return (1 - toFloat(current.Div(reference))) * 100
}
