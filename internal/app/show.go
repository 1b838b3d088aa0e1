package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"pricewatch/internal/storage"
)

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit    int
	Evidence bool
}

// Show prints recent candidates and, optionally, their scan evidence.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	candidates, err := store.ListRecentCandidates(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		fmt.Fprintln(os.Stdout, "no candidates found")
		return nil
	}

	evidence := map[int64][]storage.ScanEvidence{}
	if opts.Evidence {
		for _, c := range candidates {
			rows, err := store.ListEvidence(ctx, c.ID)
			if err != nil {
				return fmt.Errorf("load evidence for %d: %w", c.ID, err)
			}
			evidence[c.ID] = rows
		}
	}
	writeCandidates(os.Stdout, candidates, evidence)
	return nil
}

func writeCandidates(w io.Writer, candidates []storage.Candidate, evidence map[int64][]storage.ScanEvidence) {
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tCreated (UTC)\tRetailer\tProduct\tSignal\tPriority\tStatus\tEscalation")
	for _, c := range candidates {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			c.ID,
			c.CreatedAt.UTC().Format(time.RFC3339),
			c.Retailer,
			c.ProductID,
			formatOptional(c.SignalPrice, 2),
			c.PriorityScore,
			c.Status,
			orDash(c.EscalationReason),
		)
		for _, ev := range evidence[c.ID] {
			confirmed := "no"
			if ev.PriceConfirmed {
				confirmed = "yes"
			}
			fmt.Fprintf(tw, "\t  pass %d\t%s\t%s\t%s\tconfirmed=%s\t%s\t%s\n",
				ev.ScanPass,
				ev.ProxyType,
				ev.Timestamp.UTC().Format(time.RFC3339),
				formatOptional(ev.ObservedPrice, 2),
				confirmed,
				orDash(ev.StockStatus),
				sanitizeInline(ev.Error),
			)
		}
	}
	tw.Flush()
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func formatOptional(d *decimal.Decimal, places int32) string {
	if d == nil {
		return "-"
	}
	return formatDecimal(*d, places)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
