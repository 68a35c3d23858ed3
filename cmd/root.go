package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/brandpulse/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "brandpulse",
	Short: "Multi-provider brand health diagnostics",
	Long:  "Fans natural-language brand questions across AI answer providers, tracks each task through retry and dead-lettering, and aggregates the answers into brand-health metrics.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
