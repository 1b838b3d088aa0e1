package detect

import (
	"testing"

	"github.com/shopspring/decimal"

	"pricewatch/internal/storage"
)

func dec(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func decPtr(v float64) *decimal.Decimal {
	d := decimal.NewFromFloat(v)
	return &d
}

func TestRuleVariants(t *testing.T) {
	cases := []struct {
		name string
		rule Rule
		in   RuleInput
		want bool
	}{
		{
			name: "percent drop below baseline share",
			rule: Rule{Kind: RulePercentDrop, Threshold: dec(0.3), Enabled: true},
			in:   RuleInput{Current: dec(29), Baseline: decPtr(100)},
			want: true,
		},
		{
			name: "percent drop without baseline",
			rule: Rule{Kind: RulePercentDrop, Threshold: dec(0.3), Enabled: true},
			in:   RuleInput{Current: dec(1)},
			want: false,
		},
		{
			name: "absolute at threshold",
			rule: Rule{Kind: RuleAbsolute, Threshold: dec(10), Enabled: true},
			in:   RuleInput{Current: dec(10)},
			want: true,
		},
		{
			name: "msrp ratio",
			rule: Rule{Kind: RuleMSRPRatio, Threshold: dec(0.2), Enabled: true},
			in:   RuleInput{Current: dec(19.99), MSRP: decPtr(199.99)},
			want: true,
		},
		{
			name: "velocity drop from previous",
			rule: Rule{Kind: RuleVelocity, Threshold: dec(0.5), Enabled: true},
			in:   RuleInput{Current: dec(20), Previous: decPtr(50)},
			want: true,
		},
		{
			name: "penny pricing on high value item",
			rule: Rule{Kind: RulePennyPricing, Threshold: dec(1), Enabled: true},
			in:   RuleInput{Current: dec(0.99), Baseline: decPtr(120), PennyExpectedMin: dec(50)},
			want: true,
		},
		{
			name: "penny pricing on cheap item",
			rule: Rule{Kind: RulePennyPricing, Threshold: dec(1), Enabled: true},
			in:   RuleInput{Current: dec(0.99), MSRP: decPtr(3), PennyExpectedMin: dec(50)},
			want: false,
		},
		{
			name: "currency code in price text",
			rule: Rule{Kind: RuleCurrencyError, Enabled: true},
			in:   RuleInput{Current: dec(19.99), PriceText: "$19.99 MXN"},
			want: true,
		},
		{
			name: "currency word in price text",
			rule: Rule{Kind: RuleCurrencyError, Enabled: true},
			in:   RuleInput{Current: dec(1999), PriceText: "1999.00 yen"},
			want: true,
		},
		{
			name: "price at one percent of msrp",
			rule: Rule{Kind: RuleCurrencyError, Enabled: true},
			in:   RuleInput{Current: dec(5), MSRP: decPtr(500), PriceText: "$5.00"},
			want: true,
		},
		{
			name: "variant far below siblings",
			rule: Rule{Kind: RuleVariantDiscrepancy, Threshold: dec(0.5), Enabled: true},
			in:   RuleInput{Current: dec(10), Siblings: []decimal.Decimal{dec(40), dec(42), dec(45)}},
			want: true,
		},
		{
			name: "variant needs two siblings",
			rule: Rule{Kind: RuleVariantDiscrepancy, Threshold: dec(0.5), Enabled: true},
			in:   RuleInput{Current: dec(10), Siblings: []decimal.Decimal{dec(40)}},
			want: false,
		},
		{
			name: "category outlier",
			rule: Rule{Kind: RuleCategoryOutlier, Enabled: true},
			in:   RuleInput{Current: dec(10), Category: &CategoryStats{Count: 20, Mean: 100, StdDev: 20}},
			want: true,
		},
		{
			name: "msrp deviation",
			rule: Rule{Kind: RuleMSRPDeviation, Threshold: dec(0.9), Enabled: true},
			in:   RuleInput{Current: dec(9), MSRP: decPtr(100)},
			want: true,
		},
		{
			name: "msrp deviation skipped for clearance",
			rule: Rule{Kind: RuleMSRPDeviation, Threshold: dec(0.9), Enabled: true},
			in:   RuleInput{Current: dec(9), MSRP: decPtr(100), SignalType: "clearance"},
			want: false,
		},
		{
			name: "disabled rule",
			rule: Rule{Kind: RuleAbsolute, Threshold: dec(10), Enabled: false},
			in:   RuleInput{Current: dec(1)},
			want: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, reason := tc.rule.Evaluate(tc.in)
			if got != tc.want {
				t.Fatalf("Evaluate() = %v (%s), want %v", got, reason, tc.want)
			}
		})
	}
}

func TestRuleFromRecord(t *testing.T) {
	rule, err := RuleFromRecord(storage.RuleRecord{ID: 4, RuleType: "msrp_ratio", Threshold: dec(0.2), Enabled: true, Priority: 2})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if rule.Kind != RuleMSRPRatio || rule.Label() != "msrp_ratio" {
		t.Fatalf("unexpected rule %+v", rule)
	}
	if _, err := RuleFromRecord(storage.RuleRecord{ID: 5, RuleType: "bogus"}); err == nil {
		t.Fatal("expected unknown rule type to fail")
	}
}

func TestBaseSKU(t *testing.T) {
	if got := baseSKU("TV55-BLK"); got != "TV55" {
		t.Fatalf("baseSKU = %q", got)
	}
	if got := baseSKU("PLAIN"); got != "PLAIN" {
		t.Fatalf("baseSKU = %q", got)
	}
}
