// Command sahayak runs the teaching assistant: the Telegram webhook server, a
// one-shot ask command and pipeline catalog checks.
//
// Usage:
//
//	sahayak serve --config sahayak.yaml
//	sahayak ask "Write a story in Marathi about a farmer and rain"
//	sahayak ask --image page.jpg "Make worksheets for grades 3 and 4"
//	sahayak pipelines --catalog prompts.yaml
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jeeves-cluster-organization/sahayak/coreengine/observability"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/settings"
)

var configFile string

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "sahayak",
		Short: "Teaching assistant for multi-grade classrooms",
		Long: `Sahayak answers teacher requests from Telegram: stories, explanations,
textbook questions, worksheets from a photographed page, lesson plans and
calendar management.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to sahayak.yaml (default: ./sahayak.yaml or $HOME/.sahayak/sahayak.yaml)")

	root.AddCommand(serveCmd())
	root.AddCommand(askCmd())
	root.AddCommand(pipelinesCmd())
	return root
}

// loadConfig reads settings and builds the process logger.
func loadConfig() (*settings.AppConfig, *observability.ZapLogger, error) {
	cfg, err := settings.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	logger, err := observability.NewZapLogger(cfg.Log.Mode)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
