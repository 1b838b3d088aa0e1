package cli

import (
	"github.com/spf13/cobra"

	"pricewatch/internal/app"
)

var (
	enqueueOpts  app.EnqueueOptions
	processLimit int
	processForce bool
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Inject a manual signal and offer it to the candidate queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Enqueue(cmd.Context(), enqueueOpts)
	},
}

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Verify pending candidates once without a scan run",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Process(cmd.Context(), app.ProcessOptions{Limit: processLimit, Force: processForce})
	},
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueOpts.Retailer, "retailer", "", "Retailer name (required)")
	enqueueCmd.Flags().StringVar(&enqueueOpts.ProductID, "product", "", "Retailer product id or SKU (required)")
	enqueueCmd.Flags().StringVar(&enqueueOpts.URL, "url", "", "Product page URL")
	enqueueCmd.Flags().StringVar(&enqueueOpts.Price, "price", "", "Price seen in the signal")
	enqueueCmd.Flags().StringVar(&enqueueOpts.SignalType, "type", "manual", "Signal type")

	processCmd.Flags().IntVar(&processLimit, "limit", 10, "Maximum candidates to process")
	processCmd.Flags().BoolVar(&processForce, "force", false, "Process even while a scan holds the lock")
}
