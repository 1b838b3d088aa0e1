package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// HTMLFetcher reads prices from a product page using CSS selectors.
type HTMLFetcher struct {
	retailer string
	template string
	fields   FieldMap
	client   *HTTPClient
}

// NewHTMLFetcher constructs an HTMLFetcher.
func NewHTMLFetcher(retailer, urlTemplate string, fields FieldMap, client *HTTPClient) *HTMLFetcher {
	return &HTMLFetcher{retailer: retailer, template: urlTemplate, fields: fields, client: client}
}

// Fetch implements Fetcher.
func (f *HTMLFetcher) Fetch(ctx context.Context, identifier string, proxy ProxyType) (RawPriceData, error) {
	target := ExpandURL(f.template, identifier)
	body, err := f.client.Get(ctx, f.retailer, target, "text/html", proxy)
	if err != nil {
		return RawPriceData{}, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return RawPriceData{}, &FetchError{Kind: KindParse, Retailer: f.retailer, Err: err}
	}

	priceText := selectText(doc, f.fields.Price)
	if priceText == "" {
		return RawPriceData{}, &FetchError{Kind: KindParse, Retailer: f.retailer, Err: fmt.Errorf("price selector %q matched nothing", f.fields.Price)}
	}

	raw := RawPriceData{
		URL:          target,
		PriceText:    priceText,
		Title:        selectText(doc, f.fields.Title),
		Availability: selectText(doc, f.fields.Availability),
		Currency:     f.fields.Currency,
		Confidence:   0.85,
		Timestamp:    time.Now().UTC(),
	}
	raw.Price, _ = ParsePriceText(priceText)
	if msrpText := selectText(doc, f.fields.MSRP); msrpText != "" {
		raw.MSRP, _ = ParsePriceText(msrpText)
	}
	return raw, nil
}

// selectText prefers a content attribute (meta/itemprop markup) over element text.
func selectText(doc *goquery.Document, selector string) string {
	if selector == "" {
		return ""
	}
	sel := doc.Find(selector).First()
	if sel.Length() == 0 {
		return ""
	}
	if content, ok := sel.Attr("content"); ok && strings.TrimSpace(content) != "" {
		return strings.TrimSpace(content)
	}
	return strings.TrimSpace(sel.Text())
}

var _ Fetcher = (*HTMLFetcher)(nil)
