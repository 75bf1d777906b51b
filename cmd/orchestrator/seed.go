package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"nexus-orchestrator/backend/internal/repository"
	"nexus-orchestrator/backend/pkg/models"
)

const seedWorkspaceKey = "dev-workspace"

// defaultSeed is used when no seed file is given. Seeded workflows are off so
// that a fresh database does not dial connectors on boot.
const defaultSeed = `
- title: Heartbeat to log
  state: "off"
  source: urn:grindery:seed
  trigger:
    connector: timer
    operation: every
    input:
      interval: "60"
  actions:
    - connector: echo
      operation: log
      input:
        message: "tick {{trigger.timestamp}}"
- title: Transfer notification
  state: "off"
  source: urn:grindery:seed
  trigger:
    connector: web3
    operation: newTransaction
    input:
      chain: eth
      to: "0x0000000000000000000000000000000000000000"
  actions:
    - connector: discord
      operation: sendMessage
      input:
        content: "received {{trigger.value}} from {{trigger.from}}"
`

func newSeedCmd(a *app) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create a development workspace and sample workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			data := []byte(defaultSeed)
			if file != "" {
				var err error
				if data, err = os.ReadFile(file); err != nil {
					return err
				}
			}
			workflows, err := parseSeed(data)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			repo, err := a.openRepository(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()
			return a.seed(ctx, repo, workflows)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML file with a list of workflows")
	return cmd
}

// parseSeed reads a YAML list of workflow documents. YAML is converted through
// JSON so that the json field names of the models apply.
func parseSeed(data []byte) ([]models.WorkflowSchema, error) {
	var doc []any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid seed file: %w", err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("invalid seed file: %w", err)
	}
	var workflows []models.WorkflowSchema
	if err := json.Unmarshal(raw, &workflows); err != nil {
		return nil, fmt.Errorf("invalid seed file: %w", err)
	}
	return workflows, nil
}

func (a *app) seed(ctx context.Context, repo *repository.Postgres, workflows []models.WorkflowSchema) error {
	account := a.cfg.Auth.DevAccount

	err := repo.CreateWorkspace(ctx, &models.Workspace{
		Key:     seedWorkspaceKey,
		Title:   "Development",
		Creator: account,
		Admins:  []string{account},
	})
	switch {
	case errors.Is(err, repository.ErrConflict):
		a.log.Info("Found existing workspace", "workspace", seedWorkspaceKey)
	case err != nil:
		return fmt.Errorf("failed to create workspace: %w", err)
	default:
		a.log.Info("Created workspace", "workspace", seedWorkspaceKey)
	}

	existing, err := repo.ListWorkflows(ctx, repository.WorkflowFilter{UserAccountID: account})
	if err != nil {
		return fmt.Errorf("failed to list existing workflows: %w", err)
	}
	titles := make(map[string]bool, len(existing))
	for _, w := range existing {
		titles[w.Workflow.Title] = true
	}

	for _, wf := range workflows {
		if titles[wf.Title] {
			a.log.Info("Skipping existing workflow", "title", wf.Title)
			continue
		}
		record := &models.WorkflowRecord{
			Key:           uuid.New().String(),
			UserAccountID: account,
			Workflow:      wf,
			Enabled:       wf.Enabled(),
		}
		if err := repo.CreateWorkflow(ctx, record); err != nil {
			return fmt.Errorf("failed to create workflow %q: %w", wf.Title, err)
		}
		a.log.Info("Created workflow", "title", wf.Title, "key", record.Key)
	}
	return nil
}
