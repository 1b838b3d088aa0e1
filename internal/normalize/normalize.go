package normalize

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pricewatch/internal/fetcher"
)

// ErrInvalidPrice rejects missing, zero and negative prices.
var ErrInvalidPrice = errors.New("normalize: invalid price")

// Canonical availability values.
const (
	InStock    = "in_stock"
	OutOfStock = "out_of_stock"
	Preorder   = "preorder"
	Unknown    = "unknown"
)

const (
	placeholderConfidence = 0.3
	outOfStockConfidence  = 0.5
)

var placeholderPhrases = []string{
	"see price in cart",
	"see price at checkout",
	"contact us",
	"price unavailable",
}

// Price is a validated, canonical price observation.
type Price struct {
	Price         decimal.Decimal
	OriginalPrice *decimal.Decimal
	MSRP          *decimal.Decimal
	Shipping      decimal.Decimal
	Currency      string
	Availability  string
	Title         string
	URL           string
	PriceText     string
	Confidence    float64
	FetchedAt     time.Time
}

// Normalize validates raw fetcher output. previous is the last known price, if any.
func Normalize(raw fetcher.RawPriceData, previous *decimal.Decimal) (Price, error) {
	if raw.Price == nil {
		return Price{}, fmt.Errorf("%w: missing", ErrInvalidPrice)
	}
	if raw.Price.Sign() <= 0 {
		return Price{}, fmt.Errorf("%w: %s", ErrInvalidPrice, raw.Price.String())
	}

	confidence := raw.Confidence
	if confidence <= 0 || confidence > 1 {
		confidence = 1
	}

	haystack := strings.ToLower(raw.Title + " " + raw.PriceText)
	for _, phrase := range placeholderPhrases {
		if strings.Contains(haystack, phrase) {
			confidence = minFloat(confidence, placeholderConfidence)
			break
		}
	}

	availability := Availability(raw.Availability)
	if availability == OutOfStock {
		confidence = minFloat(confidence, outOfStockConfidence)
	}

	currency := strings.ToUpper(strings.TrimSpace(raw.Currency))
	if currency == "" {
		currency = "USD"
	}

	shipping := decimal.Zero
	if raw.Shipping != nil && raw.Shipping.Sign() > 0 {
		shipping = *raw.Shipping
	}

	fetchedAt := raw.Timestamp
	if fetchedAt.IsZero() {
		fetchedAt = time.Now().UTC()
	}

	out := Price{
		Price:        raw.Price.Round(2),
		Shipping:     shipping,
		Currency:     currency,
		Availability: availability,
		Title:        strings.TrimSpace(raw.Title),
		URL:          raw.URL,
		PriceText:    raw.PriceText,
		Confidence:   confidence,
		FetchedAt:    fetchedAt,
	}
	if raw.MSRP != nil && raw.MSRP.Sign() > 0 {
		original := raw.MSRP.Round(2)
		out.OriginalPrice = &original
		out.MSRP = &original
	} else if previous != nil && previous.GreaterThan(out.Price) {
		original := *previous
		out.OriginalPrice = &original
	}
	return out, nil
}

// Availability maps free-form stock text to a canonical value.
func Availability(text string) string {
	t := strings.ToLower(strings.TrimSpace(text))
	t = strings.ReplaceAll(t, "_", " ")
	switch {
	case t == "":
		return Unknown
	case strings.Contains(t, "pre-order"), strings.Contains(t, "preorder"), strings.Contains(t, "pre order"):
		return Preorder
	case strings.Contains(t, "out of stock"), strings.Contains(t, "sold out"),
		strings.Contains(t, "unavailable"), strings.Contains(t, "outofstock"):
		return OutOfStock
	case strings.Contains(t, "in stock"), strings.Contains(t, "instock"),
		strings.Contains(t, "available"), strings.Contains(t, "add to cart"):
		return InStock
	default:
		return Unknown
	}
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
