// wxhistory records weather lookups and turns the query history into
// comparison, trend, forecast and usage reports exported as text, CSV or JSON.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"

	"github.com/1broseidon/wxhistory/internal/config"
	"github.com/1broseidon/wxhistory/internal/engine"
	"github.com/1broseidon/wxhistory/internal/logging"
)

var validate = validator.New()

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "wxhistory",
		Short:         "Weather query history and reporting engine",
		Long:          "Records every weather lookup and aggregates the history into comparison, trend, forecast and usage reports.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file (default ./config.yml or /etc/wxhistory/config.yml)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log debug output to stderr")

	root.AddCommand(
		newServeCmd(opts),
		newRecordCmd(opts),
		newHistoryCmd(opts),
		newReportCmd(opts),
		newFavoritesCmd(opts),
		newConfigCmd(opts),
	)
	return root
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openEngine loads the configuration, history and favorites for a one-shot
// command. Logs go to stderr so stdout carries only command output.
func (o *rootOptions) openEngine(ctx context.Context) (*engine.Engine, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}

	level := "warn"
	if o.verbose {
		level = "debug"
	}
	logger, err := logging.InitLogger(logging.Config{
		Level:  level,
		Format: "text",
		Output: "stderr",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return engine.New(ctx, cfg, engine.Options{}, logger)
}

// closeEngine writes pending state, keeping the command's own error first
func closeEngine(eng *engine.Engine, err *error) {
	if cerr := eng.Close(context.Background()); cerr != nil && *err == nil {
		*err = cerr
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
