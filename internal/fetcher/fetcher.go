package fetcher

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ProxyType selects the network tier a fetch is routed through.
type ProxyType string

const (
	ProxyDatacenter  ProxyType = "datacenter"
	ProxyResidential ProxyType = "residential"
)

// RawPriceData is an unvalidated price read from a retailer.
type RawPriceData struct {
	Price        *decimal.Decimal
	MSRP         *decimal.Decimal
	Shipping     *decimal.Decimal
	Title        string
	URL          string
	Availability string
	Currency     string
	PriceText    string
	Confidence   float64
	Timestamp    time.Time
}

// Fetcher reads the current price of a product identifier.
type Fetcher interface {
	Fetch(ctx context.Context, identifier string, proxy ProxyType) (RawPriceData, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, identifier string, proxy ProxyType) (RawPriceData, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, identifier string, proxy ProxyType) (RawPriceData, error) {
	return f(ctx, identifier, proxy)
}

// Registry maps retailer names to fetchers.
type Registry struct {
	mu       sync.RWMutex
	fetchers map[string]Fetcher
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{fetchers: make(map[string]Fetcher)}
}

// Register installs the fetcher for a retailer, replacing any previous one.
func (r *Registry) Register(retailer string, f Fetcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchers[retailer] = f
}

// Get returns the fetcher for a retailer.
func (r *Registry) Get(retailer string) (Fetcher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.fetchers[retailer]
	if !ok {
		return nil, fmt.Errorf("no fetcher registered for retailer %q", retailer)
	}
	return f, nil
}

// Retailers lists registered retailer names.
func (r *Registry) Retailers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.fetchers))
	for name := range r.fetchers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
