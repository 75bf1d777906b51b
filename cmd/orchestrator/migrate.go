package main

import (
	"github.com/spf13/cobra"

	"nexus-orchestrator/backend/internal/services"
)

func newMigrateCmd(a *app) *cobra.Command {
	var credentials bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			repo, err := a.openRepository(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()
			if !credentials {
				return nil
			}

			svc, err := services.NewWorkflowService(repo, nil, nil, nil, a.log)
			if err != nil {
				return err
			}
			n, err := svc.MigrateAllCredentials(ctx)
			if err != nil {
				return err
			}
			a.log.Info("credential migration finished", "workflows", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&credentials, "credentials", false, "Also move legacy step credentials into the authentication field")
	return cmd
}
