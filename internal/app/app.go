package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricewatch/internal/activity"
	"pricewatch/internal/alerting"
	"pricewatch/internal/budget"
	"pricewatch/internal/candidate"
	"pricewatch/internal/config"
	"pricewatch/internal/detect"
	"pricewatch/internal/fetcher"
	"pricewatch/internal/logging"
	"pricewatch/internal/metrics"
	"pricewatch/internal/scan"
	"pricewatch/internal/scanlock"
	"pricewatch/internal/signals"
	"pricewatch/internal/storage"
	"pricewatch/internal/watchdog"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logging.Component(logger, "app")}
}

// components is the wired object graph shared by the commands.
type components struct {
	store     storage.Repository
	redis     *redis.Client
	lock      *scanlock.Manager
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	activity  *activity.Ring
	queue     *candidate.Queue
	processor *candidate.Processor
	anomaly   *detect.AnomalyDetector
	baselines *detect.BaselineJob
	collector *signals.Collector
	runner    *scan.Runner
	watchdog  *watchdog.Watchdog
	closers   []func()
}

func (c *components) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

// openStore returns the pgx store, or an in-memory store when no DSN is configured.
func (a *App) openStore(ctx context.Context) (storage.Repository, func(), error) {
	if a.Config.Database.DSN == "" {
		a.Logger.Warn().Msg("database.dsn not configured; using in-memory store")
		return storage.NewMemoryStore(), func() {}, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	store := storage.NewStore(pool)
	return store, store.Close, nil
}

func (a *App) openRedis(ctx context.Context) (*redis.Client, error) {
	client := scanlock.NewRedisClient(a.Config.Redis)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s: %w: %w", a.Config.Redis.Addr, scanlock.ErrStoreUnavailable, err)
	}
	return client, nil
}

// build wires every component. Callers must call close on the result.
func (a *App) build(ctx context.Context) (*components, error) {
	cfg := a.Config
	c := &components{}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	c.store = store
	c.closers = append(c.closers, closeStore)

	client, err := a.openRedis(ctx)
	if err != nil {
		c.close()
		return nil, err
	}
	c.redis = client
	c.closers = append(c.closers, func() { _ = client.Close() })

	if err := a.seedRules(ctx, store); err != nil {
		c.close()
		return nil, err
	}

	c.registry = prometheus.NewRegistry()
	c.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	c.metrics = metrics.New(c.registry)
	c.activity = activity.NewRing(cfg.Scan.ActivitySize, nil)

	c.lock = scanlock.New(client, scanlock.Options{
		KeyPrefix: cfg.Redis.KeyPrefix,
		Recorder:  c.metrics,
	}, a.Logger)

	fetchers, err := a.newFetchers()
	if err != nil {
		c.close()
		return nil, err
	}

	calc := detect.NewBaselineCalculator(cfg.Baseline, nil)
	c.anomaly = detect.NewAnomalyDetector(store, calc, cfg.Detection.Anomaly, cfg.Baseline.HistoryLimit, a.Logger)
	c.anomaly.LoadModel(cfg.Detection.Anomaly.ModelPath)
	comparative := detect.NewComparativeEngine(store, cfg.Comparative, nil)
	var lookup detect.MSRPLookup
	if cfg.MSRP.KeepaAPIKey != "" {
		lookup = detect.NewKeepaClient(cfg.MSRP.KeepaAPIKey, cfg.MSRP.KeepaBaseURL, cfg.MSRP.RequestTimeout)
	}
	msrp := detect.NewMSRPService(store, lookup, cfg.MSRP, nil, a.Logger)
	engine := detect.NewEngine(store, store, c.anomaly, comparative, cfg.Detection, nil, a.Logger)
	c.baselines = detect.NewBaselineJob(store, store, store, calc, cfg.Baseline.HistoryLimit, a.Logger)

	c.queue = candidate.NewQueue(store, cfg.Queue, c.metrics, nil, a.Logger)
	c.processor = candidate.NewProcessor(candidate.Deps{
		Store:     store,
		Fetchers:  fetchers,
		Engine:    engine,
		Composite: detect.NewCompositeScorer(c.anomaly, comparative, msrp, cfg.Detection.Composite),
		Baselines: c.baselines,
		Escalator: candidate.NewEscalator(cfg.Escalation),
		Budget:    a.newBudget(client),
		Notifier:  a.newNotifier(),
		Activity:  c.activity,
		Recorder:  c.metrics,
	}, a.Logger)

	sources, err := a.newSources()
	if err != nil {
		c.close()
		return nil, err
	}
	c.collector = signals.NewCollector(sources, signals.NewRedisDeduper(client, cfg.Redis.KeyPrefix+":signals"), store, signals.CollectorOptions{
		DedupeTTL:   cfg.Signals.DedupeTTL,
		PriceBucket: cfg.Signals.PriceBucket,
		Recorder:    c.metrics,
	}, a.Logger)

	c.runner = scan.NewRunner(scan.Deps{
		Lock:      c.lock,
		Jobs:      store,
		Collector: c.collector,
		Queue:     c.queue,
		Processor: c.processor,
		Activity:  c.activity,
		Recorder:  c.metrics,
	}, cfg.Scan, a.Logger)

	c.watchdog = watchdog.New(c.lock, store, cfg.Watchdog, cfg.Scan.MaxDuration, watchdog.Options{
		Activity: c.activity,
		Recorder: c.metrics,
	}, a.Logger)

	return c, nil
}

func (a *App) seedRules(ctx context.Context, rules storage.RuleStore) error {
	for _, seed := range a.Config.Detection.Rules {
		if _, err := detect.ParseRuleKind(seed.Type); err != nil {
			return fmt.Errorf("detection.rules[%s]: %w", seed.Name, err)
		}
		record := storage.RuleRecord{
			Name:      seed.Name,
			RuleType:  seed.Type,
			Threshold: decimal.NewFromFloat(seed.Threshold),
			Enabled:   seed.Enabled,
			Priority:  seed.Priority,
		}
		if err := rules.EnsureRule(ctx, record); err != nil {
			return fmt.Errorf("seed rule %s: %w", seed.Name, err)
		}
	}
	return nil
}

func (a *App) newFetchers() (*fetcher.Registry, error) {
	cfg := a.Config.Fetchers
	client, err := fetcher.NewHTTPClient(fetcher.HTTPOptions{
		Timeout:           cfg.RequestTimeout,
		UserAgent:         cfg.UserAgent,
		DatacenterProxy:   cfg.DatacenterProxy,
		ResidentialProxy:  cfg.ResidentialProxy,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
	}, a.Logger)
	if err != nil {
		return nil, err
	}

	registry := fetcher.NewRegistry()
	for _, retailer := range cfg.Retailers {
		fields := fetcher.FieldMap{
			Price:        retailer.Price,
			MSRP:         retailer.MSRP,
			Title:        retailer.Title,
			Availability: retailer.Availability,
			Currency:     retailer.Currency,
		}
		if retailer.RequestsPerSecond > 0 {
			client.SetRate(retailer.Name, retailer.RequestsPerSecond)
		}
		switch retailer.Kind {
		case "json":
			registry.Register(retailer.Name, fetcher.NewJSONFetcher(retailer.Name, retailer.URLTemplate, fields, client))
		case "html":
			registry.Register(retailer.Name, fetcher.NewHTMLFetcher(retailer.Name, retailer.URLTemplate, fields, client))
		default:
			return nil, fmt.Errorf("fetchers.retailers[%s]: unsupported kind %q", retailer.Name, retailer.Kind)
		}
	}
	if len(cfg.Retailers) == 0 {
		a.Logger.Warn().Msg("no retailers configured; every candidate pass will fail")
	}
	return registry, nil
}

func (a *App) newBudget(client redis.Cmdable) budget.Limiter {
	limits := budget.Limits{
		MaxPerHour: a.Config.Residential.MaxPerHour,
		MaxPerDay:  a.Config.Residential.MaxPerDay,
	}
	if a.Config.Residential.Shared {
		return budget.NewRedisManager(client, a.Config.Redis.KeyPrefix+":residential", limits, nil)
	}
	return budget.NewManager(limits, nil)
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled {
		return nil
	}
	var out alerting.Multi
	for _, channel := range a.Config.Alerting.Channels {
		switch channel {
		case "log":
			out = append(out, alerting.NewLogNotifier(a.Logger))
		case "telegram":
			tg := a.Config.Alerting.Telegram
			if !tg.Enabled {
				a.Logger.Warn().Msg("telegram channel listed but alerting.telegram.enabled is false")
				continue
			}
			out = append(out, alerting.NewTelegramNotifier(tg.BotToken, tg.ChatID, tg.APIBase, tg.Timeout, a.Logger))
		default:
			a.Logger.Warn().Str("channel", channel).Msg("unknown alert channel ignored")
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (a *App) newSources() ([]signals.Source, error) {
	sources := make([]signals.Source, 0, len(a.Config.Signals.Feeds))
	for _, feed := range a.Config.Signals.Feeds {
		src, err := signals.NewFeedSource(feed, nil, nil, a.Logger)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, nil
}

// withBaselineLock runs fn under the database advisory lock when the store
// supports one; a held lock skips fn.
func (a *App) withBaselineLock(ctx context.Context, store storage.Repository, fn func(context.Context) error) error {
	locker, ok := store.(storage.AdvisoryLocker)
	if !ok || a.Config.Baseline.LockKey == 0 {
		return fn(ctx)
	}
	unlock, acquired, err := locker.TryAdvisoryLock(ctx, a.Config.Baseline.LockKey)
	if err != nil {
		return fmt.Errorf("baseline advisory lock: %w", err)
	}
	if !acquired {
		a.Logger.Info().Msg("baseline recalculation already running elsewhere; skipping")
		return nil
	}
	defer unlock()
	return fn(ctx)
}

func (a *App) recalculateBaselines(ctx context.Context, c *components) error {
	return a.withBaselineLock(ctx, c.store, func(ctx context.Context) error {
		updated, err := c.baselines.RecalculateAll(ctx)
		c.metrics.ObserveBaselines(updated)
		if err != nil && !errors.Is(err, context.Canceled) {
			a.Logger.Warn().Err(err).Int("updated", updated).Msg("some baselines could not be recalculated")
		}
		return err
	})
}
