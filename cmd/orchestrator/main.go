// Command orchestrator runs the workflow runtime and its registry API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"nexus-orchestrator/backend/internal/config"
	"nexus-orchestrator/backend/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type app struct {
	envFile string
	cfg     *config.Config
	log     *logging.Logger
}

func main() {
	a := &app{}
	root := &cobra.Command{
		Use:           "orchestrator",
		Short:         "Workflow orchestrator runtime",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}
	root.PersistentFlags().StringVar(&a.envFile, "env", "", "Path to .env file")

	root.AddCommand(
		newServeCmd(a),
		newMigrateCmd(a),
		newSeedCmd(a),
		newRunActionCmd(a),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func (a *app) load() error {
	cfg, err := config.LoadConfig(a.envFile)
	if err != nil {
		return fmt.Errorf("configuration loading failed: %w", err)
	}
	a.cfg = cfg
	a.log = logging.NewLogger(logging.Options{
		Level: cfg.App.LogLevel,
		JSON:  cfg.App.LogJSON,
	})
	a.log.Debug("Configuration loaded",
		"environment", cfg.Environment,
		"okta_domain", cfg.Auth.OktaDomain,
		"schema_url", cfg.Connectors.SchemaURL,
		"config_file", viper.ConfigFileUsed(),
	)
	return nil
}
