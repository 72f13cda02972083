package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/link-enricher/pkg/config"
	"github.com/Sternrassler/link-enricher/pkg/logging"
)

// rootOptions are the flags shared by every command.
type rootOptions struct {
	configFile string
	logLevel   string
	apiKey     string
	pretty     bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "link-enricher",
		Short:         "Rate-limited AI enrichment queue for a link catalog",
		Long:          `Classifies catalog links with an LLM provider in small batches, staying inside the provider's request window and backing off on quota errors.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "link-enricher.yaml", "Path to the YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.apiKey, "api-key", "", "Provider API key (defaults to GEMINI_API_KEY or ANTHROPIC_API_KEY)")
	cmd.PersistentFlags().BoolVar(&opts.pretty, "pretty", false, "Human-readable console logs")

	cmd.AddCommand(
		newRunCmd(opts),
		newEnrichCmd(opts),
		newImportCmd(opts),
		newSearchCmd(opts),
		newStatusCmd(opts),
	)
	return cmd
}

// load reads the configuration, applies flag overrides and sets up logging.
func (o *rootOptions) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, err
	}
	if o.apiKey != "" {
		cfg.Provider.APIKey = o.apiKey
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.pretty {
		cfg.Log.Pretty = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Log.Level),
		Pretty: cfg.Log.Pretty,
		Output: cmd.ErrOrStderr(),
	})
	return cfg, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
