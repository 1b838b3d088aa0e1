package cli

import (
	"github.com/spf13/cobra"

	"pricewatch/internal/app"
)

var (
	trainOutput string
	trainSeed   uint64
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply SQL migrations to the configured database",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Migrate(cmd.Context())
	},
}

var baselinesCmd = &cobra.Command{
	Use:   "recalc-baselines",
	Short: "Recalculate cached baselines for every product",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().RecalculateBaselines(cmd.Context())
	},
}

var trainCmd = &cobra.Command{
	Use:   "train-model",
	Short: "Fit the isolation forest on stored price history",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().TrainModel(cmd.Context(), app.TrainOptions{Output: trainOutput, Seed: trainSeed})
	},
}

func init() {
	trainCmd.Flags().StringVar(&trainOutput, "output", "", "Model path (defaults to detection.anomaly.model_path)")
	trainCmd.Flags().Uint64Var(&trainSeed, "seed", 42, "Random seed")
}
