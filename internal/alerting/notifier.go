package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Deal 是经过验证的价格错误。
type Deal struct {
	CandidateID      int64
	ProductID        int64
	Retailer         string
	SKU              string
	Title            string
	URL              string
	Price            decimal.Decimal
	MSRP             *decimal.Decimal
	BaselinePrice    *decimal.Decimal
	DiscountPercent  float64
	Confidence       float64
	Reason           string
	Rule             string
	DetectionSignals []string
	AnomalyScore     float64
	CompositeScore   *float64
	ScanPass         int
	ProxyType        string
	DetectedAt       time.Time
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, deal Deal) error
}

// LogNotifier writes verified deals to the structured log.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier constructs a LogNotifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify logs the deal at info level.
func (n *LogNotifier) Notify(_ context.Context, deal Deal) error {
	n.logger.Info().
		Int64("candidate_id", deal.CandidateID).
		Str("retailer", deal.Retailer).
		Str("sku", deal.SKU).
		Str("price", deal.Price.StringFixed(2)).
		Float64("discount_pct", deal.DiscountPercent).
		Float64("confidence", deal.Confidence).
		Strs("signals", deal.DetectionSignals).
		Int("scan_pass", deal.ScanPass).
		Str("proxy_type", deal.ProxyType).
		Msg(deal.Reason)
	return nil
}

// Multi fans a deal out to every notifier and joins their errors.
type Multi []Notifier

// Notify delivers to all notifiers even when one fails.
func (m Multi) Notify(ctx context.Context, deal Deal) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, deal); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, deal Deal) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    Render(deal),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Int64("candidate_id", deal.CandidateID).
		Str("retailer", deal.Retailer).
		Str("sku", deal.SKU).
		Msg("告警已发送 (Telegram)")
	return nil
}

// Render formats a deal as a one-block text summary.
func Render(deal Deal) string {
	var b strings.Builder
	b.WriteString("[Price Error]\n")
	title := deal.Title
	if title == "" {
		title = deal.SKU
	}
	fmt.Fprintf(&b, "%s (%s)\n", title, deal.Retailer)
	fmt.Fprintf(&b, "Price: $%s\n", deal.Price.StringFixed(2))
	if deal.MSRP != nil {
		fmt.Fprintf(&b, "MSRP: $%s\n", deal.MSRP.StringFixed(2))
	}
	if deal.BaselinePrice != nil {
		fmt.Fprintf(&b, "Baseline: $%s\n", deal.BaselinePrice.StringFixed(2))
	}
	fmt.Fprintf(&b, "Discount: %.1f%%  Confidence: %.2f\n", deal.DiscountPercent, deal.Confidence)
	if deal.CompositeScore != nil {
		fmt.Fprintf(&b, "Composite: %.2f\n", *deal.CompositeScore)
	}
	fmt.Fprintf(&b, "Reason: %s\n", deal.Reason)
	if len(deal.DetectionSignals) > 0 {
		fmt.Fprintf(&b, "Signals: %s\n", strings.Join(deal.DetectionSignals, ","))
	}
	fmt.Fprintf(&b, "Verified: pass %d via %s", deal.ScanPass, deal.ProxyType)
	if deal.URL != "" {
		fmt.Fprintf(&b, "\n%s", deal.URL)
	}
	return b.String()
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = Multi(nil)
)
