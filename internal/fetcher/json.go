package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// FieldMap names where each field lives in a retailer response.
// For JSON fetchers these are dotted paths, for HTML fetchers CSS selectors.
type FieldMap struct {
	Price        string
	MSRP         string
	Title        string
	Availability string
	Currency     string
}

// JSONFetcher reads prices from a retailer JSON endpoint.
type JSONFetcher struct {
	retailer string
	template string
	fields   FieldMap
	client   *HTTPClient
}

// NewJSONFetcher constructs a JSONFetcher.
func NewJSONFetcher(retailer, urlTemplate string, fields FieldMap, client *HTTPClient) *JSONFetcher {
	return &JSONFetcher{retailer: retailer, template: urlTemplate, fields: fields, client: client}
}

// Fetch implements Fetcher.
func (f *JSONFetcher) Fetch(ctx context.Context, identifier string, proxy ProxyType) (RawPriceData, error) {
	target := ExpandURL(f.template, identifier)
	body, err := f.client.Get(ctx, f.retailer, target, "application/json", proxy)
	if err != nil {
		return RawPriceData{}, err
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return RawPriceData{}, &FetchError{Kind: KindParse, Retailer: f.retailer, Err: err}
	}

	priceValue, ok := lookupPath(doc, f.fields.Price)
	if !ok {
		return RawPriceData{}, &FetchError{Kind: KindParse, Retailer: f.retailer, Err: fmt.Errorf("price field %q missing", f.fields.Price)}
	}

	raw := RawPriceData{
		URL:        target,
		PriceText:  stringify(priceValue),
		Confidence: 0.95,
		Timestamp:  time.Now().UTC(),
		Currency:   f.fields.Currency,
	}
	raw.Price = decimalValue(priceValue)
	if f.fields.MSRP != "" {
		if v, ok := lookupPath(doc, f.fields.MSRP); ok {
			raw.MSRP = decimalValue(v)
		}
	}
	if f.fields.Title != "" {
		if v, ok := lookupPath(doc, f.fields.Title); ok {
			raw.Title = stringify(v)
		}
	}
	if f.fields.Availability != "" {
		if v, ok := lookupPath(doc, f.fields.Availability); ok {
			raw.Availability = stringify(v)
		}
	}
	return raw, nil
}

func lookupPath(doc any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	current := doc
	for _, part := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[part]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, current != nil
}

func decimalValue(v any) *decimal.Decimal {
	switch value := v.(type) {
	case float64:
		d := decimal.NewFromFloat(value)
		return &d
	case string:
		d, ok := ParsePriceText(value)
		if !ok {
			return nil
		}
		return d
	default:
		return nil
	}
}

func stringify(v any) string {
	switch value := v.(type) {
	case string:
		return value
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(value)
	case nil:
		return ""
	default:
		return fmt.Sprint(value)
	}
}

var _ Fetcher = (*JSONFetcher)(nil)
