package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"pricewatch/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     logging.Config    `mapstructure:"logging"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Scan        ScanConfig        `mapstructure:"scan"`
	Watchdog    WatchdogConfig    `mapstructure:"watchdog"`
	Baseline    BaselineConfig    `mapstructure:"baseline"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Escalation  EscalationConfig  `mapstructure:"escalation"`
	Residential ResidentialConfig `mapstructure:"residential"`
	Detection   DetectionConfig   `mapstructure:"detection"`
	MSRP        MSRPConfig        `mapstructure:"msrp"`
	Comparative ComparativeConfig `mapstructure:"comparative"`
	Signals     SignalsConfig     `mapstructure:"signals"`
	Fetchers    FetchersConfig    `mapstructure:"fetchers"`
	Alerting    AlertingConfig    `mapstructure:"alerting"`
	Ops         OpsConfig         `mapstructure:"ops"`
	Export      ExportConfig      `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// RedisConfig points at the coordination store.
type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// SchedulerConfig governs scan cadence.
type SchedulerConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	AlignToBucket bool          `mapstructure:"align_to_bucket"`
	StartupDelay  time.Duration `mapstructure:"startup_delay"`
}

// ScanConfig tunes a single scan run and its lock.
type ScanConfig struct {
	LockTTL              time.Duration `mapstructure:"lock_ttl"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	MaxHeartbeatFailures int           `mapstructure:"max_heartbeat_failures"`
	PendingTTL           time.Duration `mapstructure:"pending_ttl"`
	MaxDuration          time.Duration `mapstructure:"max_duration"`
	Workers              int           `mapstructure:"workers"`
	BatchSize            int           `mapstructure:"batch_size"`
	ActivitySize         int           `mapstructure:"activity_size"`
	CandidateStaleAfter  time.Duration `mapstructure:"candidate_stale_after"`
}

// WatchdogConfig controls stuck-lock recovery.
type WatchdogConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Schedule       string        `mapstructure:"schedule"`
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`
	TTLWarning     time.Duration `mapstructure:"ttl_warning"`
}

// BaselineConfig parameterises rolling price statistics.
type BaselineConfig struct {
	Schedule           string  `mapstructure:"schedule"`
	LockKey            int64   `mapstructure:"lock_key"`
	MinObservations    int     `mapstructure:"min_observations"`
	HistoryLimit       int     `mapstructure:"history_limit"`
	StabilityThreshold float64 `mapstructure:"stability_threshold"`
	ZThreshold         float64 `mapstructure:"z_threshold"`
	DiscountThreshold  float64 `mapstructure:"discount_threshold"`
}

// QueueConfig drives candidate admission and priority scoring.
type QueueConfig struct {
	HourlyBudget       int      `mapstructure:"hourly_budget"`
	PriceTolerance     float64  `mapstructure:"price_tolerance"`
	PennyThreshold     float64  `mapstructure:"penny_threshold"`
	HighPriceThreshold float64  `mapstructure:"high_price_threshold"`
	FastSignalTypes    []string `mapstructure:"fast_signal_types"`
	PennyBonus         int      `mapstructure:"penny_bonus"`
	DeepDiscountBonus  int      `mapstructure:"deep_discount_bonus"`
	DiscountBonus      int      `mapstructure:"discount_bonus"`
	VolatilityBonus    int      `mapstructure:"volatility_bonus"`
	HighPriceBonus     int      `mapstructure:"high_price_bonus"`
	FastSignalBonus    int      `mapstructure:"fast_signal_bonus"`
}

// EscalationConfig holds the residential escalation thresholds.
type EscalationConfig struct {
	LowConfidence     float64 `mapstructure:"low_confidence"`
	TriggerConfidence float64 `mapstructure:"trigger_confidence"`
	CertainConfidence float64 `mapstructure:"certain_confidence"`
	PennyThreshold    float64 `mapstructure:"penny_threshold"`
	MSRPDiscount      float64 `mapstructure:"msrp_discount"`
	PriorityThreshold int     `mapstructure:"priority_threshold"`
}

// ResidentialConfig caps expensive proxy usage per retailer.
type ResidentialConfig struct {
	MaxPerHour int  `mapstructure:"max_per_hour"`
	MaxPerDay  int  `mapstructure:"max_per_day"`
	Shared     bool `mapstructure:"shared"`
}

// DetectionConfig covers the rule engine and the anomaly detector.
type DetectionConfig struct {
	OutOfStockMinConfidence float64          `mapstructure:"out_of_stock_min_confidence"`
	BaselineWindow          time.Duration    `mapstructure:"baseline_window"`
	BaselineMinConfidence   float64          `mapstructure:"baseline_min_confidence"`
	VelocityWindow          time.Duration    `mapstructure:"velocity_window"`
	VelocityMaxDistinct     int              `mapstructure:"velocity_max_distinct"`
	ConfidenceFactor        float64          `mapstructure:"confidence_factor"`
	MLBoostScore            float64          `mapstructure:"ml_boost_score"`
	MLBoost                 float64          `mapstructure:"ml_boost"`
	PennyExpectedMin        float64          `mapstructure:"penny_expected_min"`
	Anomaly                 AnomalyConfig    `mapstructure:"anomaly"`
	Composite               CompositeConfig  `mapstructure:"composite"`
	Rules                   []RuleSeedConfig `mapstructure:"rules"`
}

// AnomalyConfig parameterises the ensemble detector.
type AnomalyConfig struct {
	ZThreshold       float64 `mapstructure:"z_threshold"`
	IQRMultiplier    float64 `mapstructure:"iqr_multiplier"`
	RateOfChange     float64 `mapstructure:"rate_of_change"`
	RecentWindow     int     `mapstructure:"recent_window"`
	ScoreThreshold   float64 `mapstructure:"score_threshold"`
	ModelPath        string  `mapstructure:"model_path"`
	ModelThreshold   float64 `mapstructure:"model_threshold"`
	ModelTrees       int     `mapstructure:"model_trees"`
	ModelSampleSize  int     `mapstructure:"model_sample_size"`
	EnsembleEnabled  bool    `mapstructure:"ensemble_enabled"`
	TwoMethodBoost   float64 `mapstructure:"two_method_boost"`
	ThreeMethodBoost float64 `mapstructure:"three_method_boost"`
}

// CompositeConfig weights the composite anomaly score.
type CompositeConfig struct {
	Threshold         float64 `mapstructure:"threshold"`
	DiscountWeight    float64 `mapstructure:"discount_weight"`
	ZWeight           float64 `mapstructure:"z_weight"`
	PriceDropWeight   float64 `mapstructure:"price_drop_weight"`
	VolatilityWeight  float64 `mapstructure:"volatility_weight"`
	ComparativeWeight float64 `mapstructure:"comparative_weight"`
	MSRPWeight        float64 `mapstructure:"msrp_weight"`
}

// RuleSeedConfig declares a detection rule inserted on startup when missing.
type RuleSeedConfig struct {
	Name      string  `mapstructure:"name"`
	Type      string  `mapstructure:"type"`
	Threshold float64 `mapstructure:"threshold"`
	Priority  int     `mapstructure:"priority"`
	Enabled   bool    `mapstructure:"enabled"`
}

// MSRPConfig configures reference-price lookups.
type MSRPConfig struct {
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
	DiscountThreshold float64       `mapstructure:"discount_threshold"`
	KeepaAPIKey       string        `mapstructure:"keepa_api_key"`
	KeepaBaseURL      string        `mapstructure:"keepa_base_url"`
	KeepaStores       []string      `mapstructure:"keepa_stores"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
}

// ComparativeConfig configures cross-retailer pricing.
type ComparativeConfig struct {
	Window             time.Duration `mapstructure:"window"`
	MinPrices          int           `mapstructure:"min_prices"`
	MinPricesForZ      int           `mapstructure:"min_prices_for_z"`
	ZThreshold         float64       `mapstructure:"z_threshold"`
	DeviationThreshold float64       `mapstructure:"deviation_threshold"`
	CategoryZThreshold float64       `mapstructure:"category_z_threshold"`
}

// SignalsConfig defines signal sources and dedupe.
type SignalsConfig struct {
	DedupeTTL   time.Duration `mapstructure:"dedupe_ttl"`
	PriceBucket float64       `mapstructure:"price_bucket"`
	Feeds       []FeedConfig  `mapstructure:"feeds"`
}

// FeedConfig describes one RSS/Atom deal feed.
type FeedConfig struct {
	Name           string        `mapstructure:"name"`
	URL            string        `mapstructure:"url"`
	Retailer       string        `mapstructure:"retailer"`
	SignalType     string        `mapstructure:"signal_type"`
	ProductPattern string        `mapstructure:"product_pattern"`
	PricePattern   string        `mapstructure:"price_pattern"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// FetchersConfig configures retailer fetchers and proxy routing.
type FetchersConfig struct {
	RequestTimeout    time.Duration    `mapstructure:"request_timeout"`
	UserAgent         string           `mapstructure:"user_agent"`
	DatacenterProxy   string           `mapstructure:"datacenter_proxy"`
	ResidentialProxy  string           `mapstructure:"residential_proxy"`
	RequestsPerSecond float64          `mapstructure:"requests_per_second"`
	Burst             int              `mapstructure:"burst"`
	Retailers         []RetailerConfig `mapstructure:"retailers"`
}

// RetailerConfig describes how to read one retailer's product page.
type RetailerConfig struct {
	Name              string  `mapstructure:"name"`
	Kind              string  `mapstructure:"kind"`
	URLTemplate       string  `mapstructure:"url_template"`
	Price             string  `mapstructure:"price"`
	MSRP              string  `mapstructure:"msrp"`
	Title             string  `mapstructure:"title"`
	Availability      string  `mapstructure:"availability"`
	Currency          string  `mapstructure:"currency"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// AlertingConfig defines verified-deal routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// OpsConfig exposes the operational HTTP surface.
type OpsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PRICEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "pricewatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "scan:category")
	v.SetDefault("redis.dial_timeout", "5s")

	v.SetDefault("scheduler.interval", "15m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("scan.lock_ttl", "2h")
	v.SetDefault("scan.heartbeat_interval", "45s")
	v.SetDefault("scan.max_heartbeat_failures", 3)
	v.SetDefault("scan.pending_ttl", "2h")
	v.SetDefault("scan.max_duration", "2h")
	v.SetDefault("scan.workers", 4)
	v.SetDefault("scan.batch_size", 50)
	v.SetDefault("scan.activity_size", 200)
	v.SetDefault("scan.candidate_stale_after", "10m")

	v.SetDefault("watchdog.enabled", true)
	v.SetDefault("watchdog.schedule", "0 */2 * * * *")
	v.SetDefault("watchdog.stale_threshold", "5m")
	v.SetDefault("watchdog.ttl_warning", "60s")

	v.SetDefault("baseline.schedule", "0 30 3 * * *")
	v.SetDefault("baseline.lock_key", 7301)
	v.SetDefault("baseline.min_observations", 3)
	v.SetDefault("baseline.history_limit", 100)
	v.SetDefault("baseline.stability_threshold", 0.7)
	v.SetDefault("baseline.z_threshold", -2.5)
	v.SetDefault("baseline.discount_threshold", 0.5)

	v.SetDefault("queue.hourly_budget", 200)
	v.SetDefault("queue.price_tolerance", 1.0)
	v.SetDefault("queue.penny_threshold", 1.0)
	v.SetDefault("queue.high_price_threshold", 200.0)
	v.SetDefault("queue.fast_signal_types", []string{"new_low", "clearance"})
	v.SetDefault("queue.penny_bonus", 10)
	v.SetDefault("queue.deep_discount_bonus", 8)
	v.SetDefault("queue.discount_bonus", 5)
	v.SetDefault("queue.volatility_bonus", 5)
	v.SetDefault("queue.high_price_bonus", 3)
	v.SetDefault("queue.fast_signal_bonus", 2)

	v.SetDefault("escalation.low_confidence", 0.75)
	v.SetDefault("escalation.trigger_confidence", 0.6)
	v.SetDefault("escalation.certain_confidence", 0.9)
	v.SetDefault("escalation.penny_threshold", 1.0)
	v.SetDefault("escalation.msrp_discount", 0.7)
	v.SetDefault("escalation.priority_threshold", 10)

	v.SetDefault("residential.max_per_hour", 50)
	v.SetDefault("residential.max_per_day", 500)
	v.SetDefault("residential.shared", false)

	v.SetDefault("detection.out_of_stock_min_confidence", 0.8)
	v.SetDefault("detection.baseline_window", "720h")
	v.SetDefault("detection.baseline_min_confidence", 0.7)
	v.SetDefault("detection.velocity_window", "10m")
	v.SetDefault("detection.velocity_max_distinct", 3)
	v.SetDefault("detection.confidence_factor", 0.9)
	v.SetDefault("detection.ml_boost_score", 0.7)
	v.SetDefault("detection.ml_boost", 0.1)
	v.SetDefault("detection.penny_expected_min", 50.0)
	v.SetDefault("detection.anomaly.z_threshold", -2.5)
	v.SetDefault("detection.anomaly.iqr_multiplier", 1.5)
	v.SetDefault("detection.anomaly.rate_of_change", 0.5)
	v.SetDefault("detection.anomaly.recent_window", 5)
	v.SetDefault("detection.anomaly.score_threshold", 0.5)
	v.SetDefault("detection.anomaly.model_threshold", 0.5)
	v.SetDefault("detection.anomaly.model_trees", 100)
	v.SetDefault("detection.anomaly.model_sample_size", 256)
	v.SetDefault("detection.anomaly.ensemble_enabled", false)
	v.SetDefault("detection.anomaly.two_method_boost", 1.2)
	v.SetDefault("detection.anomaly.three_method_boost", 1.1)
	v.SetDefault("detection.composite.threshold", 0.6)
	v.SetDefault("detection.composite.discount_weight", 0.25)
	v.SetDefault("detection.composite.z_weight", 0.20)
	v.SetDefault("detection.composite.price_drop_weight", 0.15)
	v.SetDefault("detection.composite.volatility_weight", 0.10)
	v.SetDefault("detection.composite.comparative_weight", 0.15)
	v.SetDefault("detection.composite.msrp_weight", 0.15)

	v.SetDefault("msrp.cache_ttl", "2160h")
	v.SetDefault("msrp.discount_threshold", 0.9)
	v.SetDefault("msrp.keepa_base_url", "https://keepa.com/api/1.0")
	v.SetDefault("msrp.keepa_stores", []string{"amazon_us"})
	v.SetDefault("msrp.request_timeout", "10s")

	v.SetDefault("comparative.window", "720h")
	v.SetDefault("comparative.min_prices", 3)
	v.SetDefault("comparative.min_prices_for_z", 10)
	v.SetDefault("comparative.z_threshold", -3.0)
	v.SetDefault("comparative.deviation_threshold", 0.5)
	v.SetDefault("comparative.category_z_threshold", 3.0)

	v.SetDefault("signals.dedupe_ttl", "12h")
	v.SetDefault("signals.price_bucket", 1.0)

	v.SetDefault("fetchers.request_timeout", "20s")
	v.SetDefault("fetchers.user_agent", "pricewatch/1.0")
	v.SetDefault("fetchers.requests_per_second", 0.5)
	v.SetDefault("fetchers.burst", 1)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"log"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("ops.enabled", true)
	v.SetDefault("ops.addr", ":8090")

	v.SetDefault("export.max_data_points", 5000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scan.LockTTL <= 0 {
		return fmt.Errorf("scan.lock_ttl must be greater than zero")
	}
	if c.Scan.HeartbeatInterval <= 0 || c.Scan.HeartbeatInterval >= c.Scan.LockTTL {
		return fmt.Errorf("scan.heartbeat_interval must be positive and shorter than scan.lock_ttl")
	}
	if c.Scan.Workers <= 0 {
		return fmt.Errorf("scan.workers must be greater than zero")
	}
	if c.Baseline.MinObservations < 1 {
		return fmt.Errorf("baseline.min_observations must be at least 1")
	}
	if c.Queue.HourlyBudget < 0 {
		return fmt.Errorf("queue.hourly_budget cannot be negative")
	}
	if c.Residential.MaxPerHour < 0 || c.Residential.MaxPerDay < 0 {
		return fmt.Errorf("residential caps cannot be negative")
	}
	if c.Escalation.CertainConfidence < c.Escalation.TriggerConfidence {
		return fmt.Errorf("escalation.certain_confidence must not be below escalation.trigger_confidence")
	}
	for _, rule := range c.Detection.Rules {
		if rule.Type == "" {
			return fmt.Errorf("detection.rules[%s]: type is required", rule.Name)
		}
	}
	for _, retailer := range c.Fetchers.Retailers {
		if retailer.Name == "" || retailer.URLTemplate == "" {
			return fmt.Errorf("fetchers.retailers entries require name and url_template")
		}
		switch retailer.Kind {
		case "json", "html":
		default:
			return fmt.Errorf("fetchers.retailers[%s]: unsupported kind %q", retailer.Name, retailer.Kind)
		}
	}
	for _, feed := range c.Signals.Feeds {
		if feed.URL == "" || feed.Retailer == "" {
			return fmt.Errorf("signals.feeds entries require url and retailer")
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
