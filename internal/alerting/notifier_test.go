package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func testDeal() Deal {
	msrp := decimal.RequireFromString("49.99")
	return Deal{
		CandidateID:      7,
		Retailer:         "retailer-x",
		SKU:              "P123",
		Price:            decimal.RequireFromString("4.99"),
		MSRP:             &msrp,
		DiscountPercent:  90.02,
		Confidence:       0.855,
		Reason:           "price 90.0% below baseline",
		DetectionSignals: []string{"signal", "two_pass"},
		ScanPass:         2,
		ProxyType:        "residential",
		DetectedAt:       time.Now(),
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), testDeal()); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if !strings.Contains(received["text"], "$4.99") || !strings.Contains(received["text"], "two_pass") {
		t.Fatalf("text 缺少价格或信号: %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), testDeal()); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

type failingNotifier struct{ calls int }

func (f *failingNotifier) Notify(context.Context, Deal) error {
	f.calls++
	return errors.New("boom")
}

func TestMultiDeliversToAll(t *testing.T) {
	first, second := &failingNotifier{}, &failingNotifier{}
	err := Multi{first, NewLogNotifier(testLogger()), second}.Notify(context.Background(), testDeal())
	if err == nil {
		t.Fatal("expected joined error")
	}
	if first.calls != 1 || second.calls != 1 {
		t.Fatalf("expected every notifier to be called, got %d/%d", first.calls, second.calls)
	}
}

func TestRenderFallsBackToSKU(t *testing.T) {
	text := Render(testDeal())
	if !strings.HasPrefix(text, "[Price Error]\nP123 (retailer-x)") {
		t.Fatalf("unexpected header: %q", text)
	}
	if !strings.Contains(text, "MSRP: $49.99") || !strings.Contains(text, "pass 2 via residential") {
		t.Fatalf("unexpected body: %q", text)
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
