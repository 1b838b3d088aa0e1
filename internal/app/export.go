package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"pricewatch/internal/storage"
)

// ExportOptions hold parameters for exporting a product's price history.
type ExportOptions struct {
	Store     string
	SKU       string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// Export renders one product's price history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.Store == "" || opts.SKU == "" {
		return errors.New("--store and --sku must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-a.Config.Detection.BaselineWindow)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	product, err := store.FindProduct(ctx, opts.Store, opts.SKU)
	if err != nil {
		return fmt.Errorf("find product %s/%s: %w", opts.Store, opts.SKU, err)
	}
	history, err := store.ListObservations(ctx, product.ID, from, 0)
	if err != nil {
		return err
	}
	history = chronological(history, to)
	if len(history) == 0 {
		a.Logger.Info().Int64("product_id", product.ID).Msg("no observations found for export window")
		return nil
	}

	var baseline *storage.ProductBaseline
	if cached, err := store.GetBaseline(ctx, product.ID); err == nil {
		baseline = &cached
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("load baseline: %w", err)
	}

	downsampled := downsampleObservations(history, opts.MaxPoints)
	a.Logger.Info().Int("total", len(history)).Int("exported", len(downsampled)).Msg("exporting price history")

	if opts.CSVPath != "" {
		if err := writeHistoryCSV(opts.CSVPath, downsampled, baseline); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeHistoryPNG(opts.PNGPath, product, downsampled, baseline); err != nil {
			return err
		}
	}
	return nil
}

// chronological reverses newest-first history and drops rows after to.
func chronological(history []storage.PriceObservation, to time.Time) []storage.PriceObservation {
	out := make([]storage.PriceObservation, 0, len(history))
	for _, obs := range history {
		if obs.FetchedAt.After(to) {
			continue
		}
		out = append(out, obs)
	}
	slices.Reverse(out)
	return out
}

func downsampleObservations(history []storage.PriceObservation, max int) []storage.PriceObservation {
	if max <= 0 || len(history) <= max {
		return history
	}
	if max == 1 {
		return history[len(history)-1:]
	}

	result := make([]storage.PriceObservation, 0, max)
	step := float64(len(history)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(history) {
			idx = len(history) - 1
		}
		result = append(result, history[idx])
	}
	return result
}

func writeHistoryCSV(path string, history []storage.PriceObservation, baseline *storage.ProductBaseline) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"fetched_at", "price", "original_price", "shipping", "availability", "confidence", "baseline"}
	if err := writer.Write(header); err != nil {
		return err
	}

	base := ""
	if baseline != nil {
		base = fmt.Sprintf("%.2f", baseline.CurrentBaseline)
	}
	for _, obs := range history {
		original := ""
		if obs.OriginalPrice != nil {
			original = formatDecimal(*obs.OriginalPrice, 2)
		}
		record := []string{
			obs.FetchedAt.UTC().Format(time.RFC3339),
			formatDecimal(obs.Price, 2),
			original,
			formatDecimal(obs.Shipping, 2),
			obs.Availability,
			fmt.Sprintf("%.3f", obs.Confidence),
			base,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeHistoryPNG(path string, product storage.Product, history []storage.PriceObservation, baseline *storage.ProductBaseline) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(history))
	prices := make([]float64, len(history))
	for i, obs := range history {
		x[i] = obs.FetchedAt
		prices[i] = obs.Price.InexactFloat64()
	}

	series := []chart.Series{
		chart.TimeSeries{Name: "Price", XValues: x, YValues: prices},
	}
	if baseline != nil && baseline.CurrentBaseline > 0 {
		series = append(series, flatSeries("Baseline", x, baseline.CurrentBaseline))
	}
	if product.MSRP != nil && product.MSRP.IsPositive() {
		series = append(series, flatSeries("MSRP", x, product.MSRP.InexactFloat64()))
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	title := product.Title
	if title == "" {
		title = product.Store + " " + product.SKU
	}
	graph := chart.Chart{
		Title:  title,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price",
			ValueFormatter: priceFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func flatSeries(name string, x []time.Time, value float64) chart.TimeSeries {
	y := make([]float64, len(x))
	for i := range y {
		y[i] = value
	}
	return chart.TimeSeries{
		Name:    name,
		XValues: x,
		YValues: y,
		Style:   chart.Style{StrokeDashArray: []float64{5, 5}},
	}
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
