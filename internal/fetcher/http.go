package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const maxBodyBytes = 4 << 20

// HTTPOptions parameterise the shared HTTP transport.
type HTTPOptions struct {
	Timeout           time.Duration
	UserAgent         string
	DatacenterProxy   string
	ResidentialProxy  string
	RequestsPerSecond float64
	Burst             int
}

// HTTPClient routes retailer requests through the configured proxy tiers and paces them per retailer.
type HTTPClient struct {
	opts    HTTPOptions
	clients map[ProxyType]*http.Client
	logger  zerolog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHTTPClient builds the proxy-aware HTTP client.
func NewHTTPClient(opts HTTPOptions, logger zerolog.Logger) (*HTTPClient, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = "pricewatch/1.0"
	}

	clients := make(map[ProxyType]*http.Client, 2)
	for proxy, raw := range map[ProxyType]string{
		ProxyDatacenter:  opts.DatacenterProxy,
		ProxyResidential: opts.ResidentialProxy,
	} {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if raw != "" {
			proxyURL, err := url.Parse(raw)
			if err != nil {
				return nil, fmt.Errorf("parse %s proxy url: %w", proxy, err)
			}
			transport.Proxy = http.ProxyURL(proxyURL)
		}
		clients[proxy] = &http.Client{Timeout: opts.Timeout, Transport: transport}
	}

	return &HTTPClient{
		opts:     opts,
		clients:  clients,
		logger:   logger.With().Str("component", "http_fetcher").Logger(),
		limiters: make(map[string]*rate.Limiter),
	}, nil
}

// SetRate overrides the request pacing for one retailer.
func (c *HTTPClient) SetRate(retailer string, perSecond float64) {
	if perSecond <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limiters[retailer] = rate.NewLimiter(rate.Limit(perSecond), c.opts.Burst)
}

func (c *HTTPClient) limiter(retailer string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[retailer]
	if !ok {
		limit := rate.Inf
		if c.opts.RequestsPerSecond > 0 {
			limit = rate.Limit(c.opts.RequestsPerSecond)
		}
		l = rate.NewLimiter(limit, c.opts.Burst)
		c.limiters[retailer] = l
	}
	return l
}

// Get fetches target for retailer through the proxy tier and returns the body of a usable response.
func (c *HTTPClient) Get(ctx context.Context, retailer, target, accept string, proxy ProxyType) ([]byte, error) {
	if err := c.limiter(retailer).Wait(ctx); err != nil {
		return nil, &FetchError{Kind: KindTimeout, Retailer: retailer, Err: err}
	}

	client, ok := c.clients[proxy]
	if !ok {
		client = c.clients[ProxyDatacenter]
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyTransportError(retailer, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, classifyTransportError(retailer, err)
	}

	if kind := ClassifyResponse(resp.StatusCode, body); kind != "" {
		c.logger.Debug().Str("retailer", retailer).Int("status", resp.StatusCode).
			Str("kind", string(kind)).Str("proxy", string(proxy)).Msg("retailer response rejected")
		return nil, &FetchError{Kind: kind, StatusCode: resp.StatusCode, Retailer: retailer}
	}
	return body, nil
}

func classifyTransportError(retailer string, err error) error {
	kind := KindNetwork
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = KindTimeout
	}
	return &FetchError{Kind: kind, Retailer: retailer, Err: err}
}

// ExpandURL substitutes the product identifier into a URL template.
func ExpandURL(template, identifier string) string {
	return strings.ReplaceAll(template, "{id}", url.PathEscape(identifier))
}

var priceTextPattern = regexp.MustCompile(`\d[\d,]*(?:\.\d+)?`)

// ParsePriceText extracts the first numeric amount from display text such as "$1,299.99".
func ParsePriceText(text string) (*decimal.Decimal, bool) {
	match := priceTextPattern.FindString(text)
	if match == "" {
		return nil, false
	}
	value, err := decimal.NewFromString(strings.ReplaceAll(match, ",", ""))
	if err != nil {
		return nil, false
	}
	return &value, true
}
