package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"pricewatch/internal/activity"
	"pricewatch/internal/config"
	"pricewatch/internal/metrics"
	"pricewatch/internal/scan"
	"pricewatch/internal/watchdog"
)

type fakeScans struct {
	locked    bool
	started   int
	unlocked  int
	statusErr error
	entries   []activity.Entry
}

func (f *fakeScans) Start(_ context.Context, trigger string) (scan.Result, error) {
	if f.locked {
		return scan.Result{RunID: "holder", Queued: true}, nil
	}
	f.started++
	return scan.Result{}, nil
}

func (f *fakeScans) ForceUnlock(context.Context) (bool, error) {
	f.unlocked++
	held := f.locked
	f.locked = false
	return held, nil
}

func (f *fakeScans) Status(context.Context) (scan.LockStatus, error) {
	if f.statusErr != nil {
		return scan.LockStatus{}, f.statusErr
	}
	age := 12.5
	return scan.LockStatus{Locked: f.locked, RunID: "holder", HeartbeatAge: &age}, nil
}

func (f *fakeScans) Activity(limit int) []activity.Entry {
	if limit < len(f.entries) {
		return f.entries[:limit]
	}
	return f.entries
}

type fakeChecker struct{}

func (fakeChecker) Check(context.Context) (watchdog.Report, error) {
	return watchdog.Report{Locked: true, RunID: "holder", Action: watchdog.ActionStaleHeartbeat, Message: "stale"}, nil
}

func newTestServer(scans *fakeScans) http.Handler {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.ObserveEscalation("error")
	return New(config.OpsConfig{Addr: ":0"}, scans, fakeChecker{}, reg, context.Background(), zerolog.Nop()).Handler()
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) response {
	t.Helper()
	var body response
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestHealthAndMetrics(t *testing.T) {
	h := newTestServer(&fakeScans{})

	if rec := do(t, h, http.MethodGet, "/healthz"); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"build":{"version"`) {
		t.Fatalf("healthz %d %s", rec.Code, rec.Body.String())
	}
	rec := do(t, h, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `pricewatch_candidate_escalations_total{trigger="error"} 1`) {
		t.Fatalf("metrics output missing escalation counter:\n%s", rec.Body.String())
	}
}

func TestTriggerStartsOrQueues(t *testing.T) {
	scans := &fakeScans{}
	h := newTestServer(scans)

	rec := do(t, h, http.MethodPost, "/scan/trigger")
	if rec.Code != http.StatusAccepted || decode(t, rec).Message != "started" || scans.started != 1 {
		t.Fatalf("unexpected trigger response %d %s", rec.Code, rec.Body.String())
	}

	scans.locked = true
	rec = do(t, h, http.MethodPost, "/scan/trigger")
	if rec.Code != http.StatusAccepted || decode(t, rec).Message != "queued" {
		t.Fatalf("unexpected queued response %d %s", rec.Code, rec.Body.String())
	}
	if scans.started != 1 {
		t.Fatalf("locked trigger must not start a run")
	}
}

func TestLockInfoAndForceUnlock(t *testing.T) {
	scans := &fakeScans{locked: true}
	h := newTestServer(scans)

	rec := do(t, h, http.MethodGet, "/scan/lock")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"heartbeat_age_seconds":12.5`) {
		t.Fatalf("unexpected lock info %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, "/scan/force-unlock")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"was_locked":true`) {
		t.Fatalf("unexpected force unlock %d %s", rec.Code, rec.Body.String())
	}

	scans.statusErr = errors.New("redis down")
	if rec := do(t, h, http.MethodGet, "/scan/lock"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when store is down, got %d", rec.Code)
	}
}

func TestActivityLimit(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	scans := &fakeScans{entries: []activity.Entry{
		{Time: now, Kind: activity.KindVerified, Message: "deal"},
		{Time: now, Kind: activity.KindRejected, Message: "no deal"},
	}}
	h := newTestServer(scans)

	rec := do(t, h, http.MethodGet, "/scan/activity?limit=1")
	if rec.Code != http.StatusOK {
		t.Fatalf("activity status %d", rec.Code)
	}
	var body struct {
		Data []activity.Entry `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Data) != 1 || body.Data[0].Kind != activity.KindVerified {
		t.Fatalf("unexpected activity: %+v", body.Data)
	}

	if rec := do(t, h, http.MethodGet, "/scan/activity?limit=abc"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestWatchdogEndpoint(t *testing.T) {
	h := newTestServer(&fakeScans{})
	rec := do(t, h, http.MethodPost, "/scan/watchdog")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"action":"stale_heartbeat"`) {
		t.Fatalf("unexpected watchdog response %d %s", rec.Code, rec.Body.String())
	}
}
