package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"nexus-orchestrator/backend/internal/auth"
	"nexus-orchestrator/backend/internal/engine"
	"nexus-orchestrator/backend/pkg/models"
)

func newRunActionCmd(a *app) *cobra.Command {
	var (
		connectorKey string
		operation    string
		input        string
		env          string
		account      string
		dryRun       bool
	)
	cmd := &cobra.Command{
		Use:   "run-action",
		Short: "Run one connector action and print its result",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{}
			if input != "" {
				if err := json.Unmarshal([]byte(input), &params); err != nil {
					return fmt.Errorf("invalid --input: %w", err)
				}
			}
			if account == "" {
				account = a.cfg.Auth.DevAccount
			}

			tokens, err := auth.NewAccessTokens(a.cfg.Auth.MasterKey)
			if err != nil {
				return err
			}
			resolver, err := a.newResolver()
			if err != nil {
				return err
			}
			defer resolver.Close()

			runner := engine.NewActionRunner(resolver, engine.DialChannel(a.log, a.channelOptions()...), tokens, a.log)
			step := models.OperationSchema{Connector: connectorKey, Operation: operation}
			out, err := runner.RunSingle(cmd.Context(), step, params, dryRun, env, models.User{Subject: account})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&connectorKey, "connector", "", "Connector key")
	cmd.Flags().StringVar(&operation, "operation", "", "Action key")
	cmd.Flags().StringVar(&input, "input", "", "Action input as a JSON object")
	cmd.Flags().StringVar(&env, "environment", models.EnvironmentProduction, "Connector environment")
	cmd.Flags().StringVar(&account, "account", "", "Account the action runs for (defaults to auth.dev_account)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", true, "Ask the connector not to apply side effects")
	_ = cmd.MarkFlagRequired("connector")
	_ = cmd.MarkFlagRequired("operation")
	return cmd
}
