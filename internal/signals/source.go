package signals

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricewatch/internal/config"
	"pricewatch/internal/storage"
)

// Source produces raw price signals.
type Source interface {
	Name() string
	Poll(ctx context.Context) ([]storage.Signal, error)
}

var (
	defaultProductPattern = regexp.MustCompile(`/(?:dp|p|product|ip)/([A-Za-z0-9_-]+)`)
	defaultPricePattern   = regexp.MustCompile(`\$\s?([0-9][0-9,]*(?:\.[0-9]{1,2})?)`)
)

// FeedSource turns RSS/Atom deal-feed items into signals.
type FeedSource struct {
	cfg     config.FeedConfig
	client  *http.Client
	product *regexp.Regexp
	price   *regexp.Regexp
	now     func() time.Time
	logger  zerolog.Logger
}

// NewFeedSource compiles the feed's patterns. client may be nil.
func NewFeedSource(cfg config.FeedConfig, client *http.Client, now func() time.Time, logger zerolog.Logger) (*FeedSource, error) {
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	if now == nil {
		now = time.Now
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Retailer + "_feed"
	}
	if cfg.SignalType == "" {
		cfg.SignalType = "feed_deal"
	}

	src := &FeedSource{
		cfg:     cfg,
		client:  client,
		product: defaultProductPattern,
		price:   defaultPricePattern,
		now:     now,
		logger:  logger.With().Str("component", "feed_source").Str("feed", cfg.Name).Logger(),
	}
	if cfg.ProductPattern != "" {
		re, err := regexp.Compile(cfg.ProductPattern)
		if err != nil {
			return nil, fmt.Errorf("feed %s: product_pattern: %w", cfg.Name, err)
		}
		src.product = re
	}
	if cfg.PricePattern != "" {
		re, err := regexp.Compile(cfg.PricePattern)
		if err != nil {
			return nil, fmt.Errorf("feed %s: price_pattern: %w", cfg.Name, err)
		}
		src.price = re
	}
	return src, nil
}

// Name identifies the feed.
func (s *FeedSource) Name() string { return s.cfg.Name }

// Poll fetches the feed once. Items without a product id are skipped.
func (s *FeedSource) Poll(ctx context.Context) ([]storage.Signal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("feed %s: build request: %w", s.cfg.Name, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed %s: %w", s.cfg.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed %s: unexpected status %d", s.cfg.Name, resp.StatusCode)
	}

	feed, err := gofeed.NewParser().Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("feed %s: parse: %w", s.cfg.Name, err)
	}

	out := make([]storage.Signal, 0, len(feed.Items))
	skipped := 0
	for _, item := range feed.Items {
		signal, ok := s.toSignal(item)
		if !ok {
			skipped++
			continue
		}
		out = append(out, signal)
	}
	if skipped > 0 {
		s.logger.Debug().Int("skipped", skipped).Msg("feed items without product id")
	}
	return out, nil
}

func (s *FeedSource) toSignal(item *gofeed.Item) (storage.Signal, bool) {
	link := strings.TrimSpace(item.Link)
	match := s.product.FindStringSubmatch(link)
	if len(match) < 2 {
		return storage.Signal{}, false
	}

	detectedAt := s.now()
	if item.PublishedParsed != nil {
		detectedAt = *item.PublishedParsed
	} else if item.UpdatedParsed != nil {
		detectedAt = *item.UpdatedParsed
	}

	title := strings.TrimSpace(item.Title)
	signal := storage.Signal{
		Source:     s.cfg.Name,
		Retailer:   s.cfg.Retailer,
		ProductID:  match[1],
		URL:        link,
		DetectedAt: detectedAt,
		SignalType: s.cfg.SignalType,
		Metadata:   map[string]any{"title": title},
	}
	if item.GUID != "" {
		signal.Metadata["guid"] = item.GUID
	}
	if price, ok := s.extractPrice(title); ok {
		signal.DetectedPrice = &price
	}
	return signal, true
}

func (s *FeedSource) extractPrice(text string) (decimal.Decimal, bool) {
	match := s.price.FindStringSubmatch(text)
	if len(match) < 2 {
		return decimal.Decimal{}, false
	}
	price, err := decimal.NewFromString(strings.ReplaceAll(match[1], ",", ""))
	if err != nil || !price.IsPositive() {
		return decimal.Decimal{}, false
	}
	return price, true
}

var _ Source = (*FeedSource)(nil)
