package normalize

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"pricewatch/internal/fetcher"
)

func price(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

func TestNormalizeRejectsInvalidPrices(t *testing.T) {
	for _, raw := range []fetcher.RawPriceData{
		{},
		{Price: price("0")},
		{Price: price("-3.50")},
	} {
		if _, err := Normalize(raw, nil); !errors.Is(err, ErrInvalidPrice) {
			t.Fatalf("price %v: expected ErrInvalidPrice, got %v", raw.Price, err)
		}
	}
}

func TestNormalizeConfidenceCaps(t *testing.T) {
	got, err := Normalize(fetcher.RawPriceData{Price: price("9.99"), Title: "See price in cart", Confidence: 0.95}, nil)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got.Confidence != 0.3 {
		t.Fatalf("placeholder confidence = %v", got.Confidence)
	}

	got, _ = Normalize(fetcher.RawPriceData{Price: price("9.99"), Availability: "Sold Out", Confidence: 0.95}, nil)
	if got.Availability != OutOfStock || got.Confidence != 0.5 {
		t.Fatalf("out of stock: %+v", got)
	}
}

func TestNormalizeDefaults(t *testing.T) {
	got, err := Normalize(fetcher.RawPriceData{Price: price("4.994"), Currency: "usd"}, price("49.99"))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got.Currency != "USD" || !got.Shipping.IsZero() {
		t.Fatalf("defaults not applied: %+v", got)
	}
	if !got.Price.Equal(decimal.RequireFromString("4.99")) {
		t.Fatalf("price should round to cents: %s", got.Price)
	}
	if got.OriginalPrice == nil || !got.OriginalPrice.Equal(decimal.RequireFromString("49.99")) {
		t.Fatalf("previous price should become original price: %v", got.OriginalPrice)
	}
	if got.Confidence != 1 {
		t.Fatalf("missing confidence defaults to 1, got %v", got.Confidence)
	}
}

func TestAvailability(t *testing.T) {
	cases := map[string]string{
		"":             Unknown,
		"In Stock":     InStock,
		"OUT_OF_STOCK": OutOfStock,
		"Pre-order":    Preorder,
		"ships later":  Unknown,
	}
	for in, want := range cases {
		if got := Availability(in); got != want {
			t.Fatalf("Availability(%q) = %q want %q", in, got, want)
		}
	}
}
