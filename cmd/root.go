package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/domain-intel/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "domain-intel",
	Short: "Domain intelligence pipeline",
	Long:  "Crawls a company's website, scrapes it with an adaptive strategy, extracts structured data, enriches it via Claude, and generates a research briefing — with human review gates between phases.",
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
