package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pricewatch/internal/candidate"
	"pricewatch/internal/detect"
	"pricewatch/internal/storage"
)

// Trigger runs a scan now, or queues one behind the current holder.
func (a *App) Trigger(ctx context.Context) error {
	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	res, err := c.runner.Trigger(ctx, "manual")
	if res.Queued {
		fmt.Fprintf(os.Stdout, "scan already running (run %s); queued to run after it\n", orDash(res.RunID))
		return err
	}
	if res.RunID != "" {
		printJob(os.Stdout, res.Job, res.Reruns)
	}
	return err
}

// LockInfo prints the scan lock state.
func (a *App) LockInfo(ctx context.Context) error {
	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	status, err := c.runner.Status(ctx)
	if err != nil {
		return err
	}
	if !status.Locked {
		fmt.Fprintln(os.Stdout, "scan lock is free")
		return nil
	}
	fmt.Fprintf(os.Stdout, "locked by run %s\n", orDash(status.RunID))
	if status.Corrupt {
		fmt.Fprintln(os.Stdout, "  lock value is corrupt (no run id)")
	}
	if status.StartedAt != nil {
		fmt.Fprintf(os.Stdout, "  started:   %s\n", status.StartedAt.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(os.Stdout, "  ttl:       %.0fs\n", status.TTLSeconds)
	if status.HeartbeatAge != nil {
		fmt.Fprintf(os.Stdout, "  heartbeat: %.1fs ago\n", *status.HeartbeatAge)
	} else {
		fmt.Fprintln(os.Stdout, "  heartbeat: none")
	}
	return nil
}

// ForceUnlock clears the scan lock and fails the holder's job.
func (a *App) ForceUnlock(ctx context.Context) error {
	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	held, err := c.runner.ForceUnlock(ctx)
	if err != nil {
		return err
	}
	if held {
		fmt.Fprintln(os.Stdout, "scan lock released")
	} else {
		fmt.Fprintln(os.Stdout, "scan lock was not held")
	}
	return nil
}

// Watchdog runs a single stuck-lock check.
func (a *App) Watchdog(ctx context.Context) error {
	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	report, err := c.watchdog.Check(ctx)
	if err != nil {
		return err
	}
	switch {
	case !report.Locked:
		fmt.Fprintln(os.Stdout, "no scan lock held")
	case report.Recovered():
		fmt.Fprintf(os.Stdout, "recovered (%s): %s\n", report.Action, report.Message)
	default:
		line := fmt.Sprintf("lock held by run %s looks healthy", orDash(report.RunID))
		if report.HeartbeatAge != nil {
			line += fmt.Sprintf("; heartbeat %s ago", report.HeartbeatAge.Round(time.Second))
		}
		if report.LowTTL {
			line += "; ttl is low"
		}
		fmt.Fprintln(os.Stdout, line)
	}
	return nil
}

// EnqueueOptions describe a manually injected signal.
type EnqueueOptions struct {
	Retailer   string
	ProductID  string
	URL        string
	Price      string
	SignalType string
}

func (o EnqueueOptions) signal(now time.Time) (storage.Signal, error) {
	if o.Retailer == "" || o.ProductID == "" {
		return storage.Signal{}, errors.New("--retailer and --product are required")
	}
	sig := storage.Signal{
		Source:     "manual",
		Retailer:   o.Retailer,
		ProductID:  o.ProductID,
		URL:        o.URL,
		DetectedAt: now,
		SignalType: o.SignalType,
	}
	if sig.SignalType == "" {
		sig.SignalType = "manual"
	}
	if o.Price != "" {
		price, err := decimal.NewFromString(o.Price)
		if err != nil {
			return storage.Signal{}, fmt.Errorf("invalid --price %q: %w", o.Price, err)
		}
		if !price.IsPositive() {
			return storage.Signal{}, errors.New("--price must be greater than zero")
		}
		sig.DetectedPrice = &price
	}
	return sig, nil
}

// Enqueue stores a manual signal and offers it to the candidate queue.
func (a *App) Enqueue(ctx context.Context, opts EnqueueOptions) error {
	sig, err := opts.signal(time.Now().UTC())
	if err != nil {
		return err
	}

	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	stored, err := c.store.InsertSignal(ctx, sig)
	if err != nil {
		return fmt.Errorf("store signal: %w", err)
	}
	cand, admission, err := c.queue.Enqueue(ctx, stored)
	if err != nil {
		return err
	}
	if admission != candidate.Admitted {
		fmt.Fprintf(os.Stdout, "signal %d not queued: %s\n", stored.ID, admission)
		return nil
	}
	fmt.Fprintf(os.Stdout, "candidate %d queued with priority %d\n", cand.ID, cand.PriorityScore)
	return nil
}

// ProcessOptions configure a one-off queue drain.
type ProcessOptions struct {
	Limit int
	Force bool
}

// Process verifies up to Limit pending candidates outside a scan run.
func (a *App) Process(ctx context.Context, opts ProcessOptions) error {
	if opts.Limit <= 0 {
		return errors.New("--limit must be greater than zero")
	}

	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	if !opts.Force {
		info, err := c.lock.LockInfo(ctx)
		if err != nil {
			return err
		}
		if info != nil {
			return fmt.Errorf("scan %s holds the lock; retry later or pass --force", orDash(info.RunID))
		}
	}

	pending, err := c.queue.Next(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Fprintln(os.Stdout, "no pending candidates")
		return nil
	}

	outcomes := make([]candidate.Outcome, 0, len(pending))
	for _, cand := range pending {
		out, err := c.processor.Process(ctx, cand)
		if err != nil {
			return fmt.Errorf("process candidate %d: %w", cand.ID, err)
		}
		outcomes = append(outcomes, out)
	}
	printOutcomes(os.Stdout, outcomes)
	return nil
}

// RecalculateBaselines refreshes every product baseline once.
func (a *App) RecalculateBaselines(ctx context.Context) error {
	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.close()
	return a.recalculateBaselines(ctx, c)
}

// TrainOptions configure outlier model training.
type TrainOptions struct {
	Output string
	Seed   uint64
}

// TrainModel fits the isolation forest on stored history and writes it to disk.
func (a *App) TrainModel(ctx context.Context, opts TrainOptions) error {
	path := opts.Output
	if path == "" {
		path = a.Config.Detection.Anomaly.ModelPath
	}
	if path == "" {
		return errors.New("--output or detection.anomaly.model_path must be set")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	samples, err := c.baselines.TrainingSamples(ctx)
	if err != nil {
		return err
	}
	forest, err := detect.Fit(samples, a.Config.Detection.Anomaly.ModelTrees, a.Config.Detection.Anomaly.ModelSampleSize, opts.Seed)
	if err != nil {
		return err
	}
	if err := forest.Save(path); err != nil {
		return err
	}
	a.Logger.Info().Int("samples", len(samples)).Str("path", path).Msg("outlier model trained")
	return nil
}

func printJob(w io.Writer, job storage.ScanJob, reruns int) {
	fmt.Fprintf(w, "run %s %s: processed=%d ok=%d pass_errors=%d deals=%d\n",
		job.RunID, job.Status, job.ProcessedItems, job.SuccessCount, job.ErrorCount, job.DealsFound)
	if job.ErrorMessage != "" {
		fmt.Fprintf(w, "  error: %s\n", sanitizeInline(job.ErrorMessage))
	}
	if reruns > 0 {
		fmt.Fprintf(w, "  followed by %d queued run(s)\n", reruns)
	}
}

func printOutcomes(w io.Writer, outcomes []candidate.Outcome) {
	tw := newTable(w)
	fmt.Fprintln(tw, "Candidate\tRetailer\tProduct\tStatus\tPrice\tReason")
	for _, out := range outcomes {
		price := "-"
		if out.Price != nil {
			price = formatDecimal(out.Price.Price, 2)
		}
		reason := out.Candidate.EscalationReason
		if out.Detection != nil && out.Detection.Reason != "" {
			reason = out.Detection.Reason
		}
		status := string(out.Candidate.Status)
		if out.Deferred {
			status += " (deferred)"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			out.Candidate.ID, out.Candidate.Retailer, out.Candidate.ProductID, status, price, sanitizeInline(orDash(reason)))
	}
	tw.Flush()
}

func orDash(v string) string {
	if strings.TrimSpace(v) == "" {
		return "-"
	}
	return v
}

// Migrate applies the SQL files under database.migrations_path.
func (a *App) Migrate(ctx context.Context) error {
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	applied, err := storage.Migrate(ctx, pool, a.Config.Database.MigrationsPath)
	if err != nil {
		return err
	}
	for _, file := range applied {
		fmt.Fprintf(os.Stdout, "applied %s\n", file)
	}
	return nil
}
