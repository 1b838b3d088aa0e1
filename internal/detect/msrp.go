package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricewatch/internal/config"
	"pricewatch/internal/storage"
)

// MSRPLookup resolves a list price for an external product identifier.
type MSRPLookup interface {
	ListPrice(ctx context.Context, identifier string) (*decimal.Decimal, error)
}

// KeepaClient reads list prices from the Keepa product API.
type KeepaClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewKeepaClient constructs a Keepa client.
func NewKeepaClient(apiKey, baseURL string, timeout time.Duration) *KeepaClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://keepa.com/api/1.0"
	}
	return &KeepaClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// ListPrice returns the listPrice of an ASIN, or nil when Keepa has none.
func (k *KeepaClient) ListPrice(ctx context.Context, asin string) (*decimal.Decimal, error) {
	params := url.Values{}
	params.Set("key", k.apiKey)
	params.Set("domain", "1")
	params.Set("asin", asin)
	params.Set("stats", "90")
	params.Set("history", "0")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.baseURL+"/product?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create keepa request: %w", err)
	}
	resp, err := k.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send keepa request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("keepa unexpected status: %d", resp.StatusCode)
	}

	var payload struct {
		Products []struct {
			ListPrice int64 `json:"listPrice"`
		} `json:"products"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode keepa response: %w", err)
	}
	if len(payload.Products) == 0 || payload.Products[0].ListPrice <= 0 {
		return nil, nil
	}
	// listPrice is in cents.
	msrp := decimal.New(payload.Products[0].ListPrice, -2)
	return &msrp, nil
}

// MSRPService serves cached MSRPs and refreshes stale ones through an optional lookup.
type MSRPService struct {
	products  storage.ProductStore
	lookup    MSRPLookup
	stores    map[string]struct{}
	ttl       time.Duration
	threshold float64
	now       func() time.Time
	logger    zerolog.Logger
}

// NewMSRPService constructs the service. lookup and now may be nil.
func NewMSRPService(products storage.ProductStore, lookup MSRPLookup, cfg config.MSRPConfig, now func() time.Time, logger zerolog.Logger) *MSRPService {
	if now == nil {
		now = time.Now
	}
	stores := make(map[string]struct{}, len(cfg.KeepaStores))
	for _, s := range cfg.KeepaStores {
		stores[s] = struct{}{}
	}
	return &MSRPService{
		products:  products,
		lookup:    lookup,
		stores:    stores,
		ttl:       cfg.CacheTTL,
		threshold: cfg.DiscountThreshold,
		now:       now,
		logger:    logger.With().Str("component", "msrp").Logger(),
	}
}

// MSRP returns the product's MSRP, refreshing it when the cached value has expired.
func (s *MSRPService) MSRP(ctx context.Context, product storage.Product) (*decimal.Decimal, error) {
	if product.MSRPVerifiedAt != nil && s.now().Sub(*product.MSRPVerifiedAt) < s.ttl {
		return product.MSRP, nil
	}
	if s.lookup == nil || product.SKU == "" {
		return product.MSRP, nil
	}
	if _, ok := s.stores[product.Store]; !ok {
		return product.MSRP, nil
	}

	msrp, err := s.lookup.ListPrice(ctx, product.SKU)
	if err != nil {
		s.logger.Debug().Err(err).Str("sku", product.SKU).Msg("msrp lookup failed")
		return product.MSRP, nil
	}
	if msrp == nil {
		return product.MSRP, nil
	}
	if product.ID != 0 {
		if err := s.products.UpdateProductMSRP(ctx, product.ID, *msrp, "keepa", s.now().UTC()); err != nil {
			return nil, fmt.Errorf("update msrp: %w", err)
		}
	}
	s.logger.Debug().Str("sku", product.SKU).Str("msrp", msrp.StringFixed(2)).Msg("refreshed msrp")
	return msrp, nil
}

// IsAnomalousDiscount reports whether price is at least the configured share below MSRP.
// The returned discount is a percentage.
func (s *MSRPService) IsAnomalousDiscount(ctx context.Context, price decimal.Decimal, product storage.Product) (bool, float64, error) {
	msrp, err := s.MSRP(ctx, product)
	if err != nil {
		return false, 0, err
	}
	if !positive(msrp) {
		return false, 0, nil
	}
	discount := Discount(price, *msrp)
	return discount >= s.threshold*100, discount, nil
}

// Discount is the percentage below msrp, never negative.
func Discount(price, msrp decimal.Decimal) float64 {
	if msrp.Sign() <= 0 {
		return 0
	}
	d := (1 - toFloat(price.Div(msrp))) * 100
	if d < 0 {
		return 0
	}
	return d
}
