package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("app:\n  name: test\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.App.Name != "test" {
		t.Fatalf("app.name = %q", cfg.App.Name)
	}
	if cfg.Scan.LockTTL != 2*time.Hour || cfg.Scan.HeartbeatInterval != 45*time.Second {
		t.Fatalf("unexpected lock timings: %v / %v", cfg.Scan.LockTTL, cfg.Scan.HeartbeatInterval)
	}
	if cfg.Watchdog.StaleThreshold != 5*time.Minute {
		t.Fatalf("stale threshold = %v", cfg.Watchdog.StaleThreshold)
	}
	if cfg.Scan.CandidateStaleAfter != 10*time.Minute {
		t.Fatalf("candidate stale after = %v", cfg.Scan.CandidateStaleAfter)
	}
	if cfg.Escalation.LowConfidence != 0.75 || cfg.Escalation.CertainConfidence != 0.9 {
		t.Fatalf("unexpected escalation defaults: %+v", cfg.Escalation)
	}
	if len(cfg.Queue.FastSignalTypes) != 2 {
		t.Fatalf("fast signal types = %v", cfg.Queue.FastSignalTypes)
	}
	if cfg.Detection.Composite.DiscountWeight != 0.25 {
		t.Fatalf("composite discount weight = %v", cfg.Detection.Composite.DiscountWeight)
	}
}

func TestLoadRetailersAndRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
fetchers:
  retailers:
    - name: acme
      kind: json
      url_template: "https://acme.test/api/{id}"
      price: data.price
detection:
  rules:
    - name: half-off
      type: percent_drop
      threshold: 0.5
      priority: 5
      enabled: true
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if len(cfg.Fetchers.Retailers) != 1 || cfg.Fetchers.Retailers[0].Price != "data.price" {
		t.Fatalf("retailers not decoded: %+v", cfg.Fetchers.Retailers)
	}
	if len(cfg.Detection.Rules) != 1 || cfg.Detection.Rules[0].Priority != 5 {
		t.Fatalf("rules not decoded: %+v", cfg.Detection.Rules)
	}
}

func TestValidateRejectsBadRetailerKind(t *testing.T) {
	cfg := validConfig()
	cfg.Fetchers.Retailers = []RetailerConfig{{Name: "acme", Kind: "xml", URLTemplate: "https://acme.test/{id}"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("unsupported retailer kind should fail validation")
	}
}

func TestValidateHeartbeatShorterThanTTL(t *testing.T) {
	cfg := validConfig()
	cfg.Scan.HeartbeatInterval = cfg.Scan.LockTTL
	if err := cfg.Validate(); err == nil {
		t.Fatal("heartbeat interval equal to ttl should fail validation")
	}
}

func validConfig() *Config {
	return &Config{
		Scheduler: SchedulerConfig{Interval: time.Minute},
		Scan: ScanConfig{
			LockTTL:           time.Hour,
			HeartbeatInterval: time.Second,
			Workers:           1,
		},
		Baseline:   BaselineConfig{MinObservations: 3},
		Escalation: EscalationConfig{TriggerConfidence: 0.6, CertainConfidence: 0.9},
		Export:     ExportConfig{MaxDataPoints: 10},
	}
}
