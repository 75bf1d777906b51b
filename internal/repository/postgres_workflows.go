package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"nexus-orchestrator/backend/pkg/models"
)

const workflowColumns = "key, COALESCE(workspace_key, ''), user_account_id, workflow, enabled, created_at, updated_at"

func scanWorkflow(row pgx.Row) (*models.WorkflowRecord, error) {
	var (
		record models.WorkflowRecord
		doc    []byte
	)
	err := row.Scan(&record.Key, &record.WorkspaceKey, &record.UserAccountID, &doc, &record.Enabled, &record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(doc, &record.Workflow); err != nil {
		return nil, fmt.Errorf("workflow %s: invalid document: %w", record.Key, err)
	}
	return &record, nil
}

func (s *Postgres) CreateWorkflow(ctx context.Context, record *models.WorkflowRecord) error {
	doc, err := json.Marshal(record.Workflow)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	_, err = s.db.Exec(ctx, `
		INSERT INTO workflows (key, workspace_key, user_account_id, workflow, enabled, created_at, updated_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7)`,
		record.Key, record.WorkspaceKey, record.UserAccountID, doc, record.Enabled, record.CreatedAt, record.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("workflow %s: %w", record.Key, ErrConflict)
	}
	return err
}

func (s *Postgres) GetWorkflow(ctx context.Context, key string) (*models.WorkflowRecord, error) {
	record, err := scanWorkflow(s.db.QueryRow(ctx, "SELECT "+workflowColumns+" FROM workflows WHERE key = $1", key))
	if err != nil {
		return nil, notFound(err, "workflow", key)
	}
	return record, nil
}

func (s *Postgres) UpdateWorkflow(ctx context.Context, key string, workflow models.WorkflowSchema, enabled bool) error {
	doc, err := json.Marshal(workflow)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx,
		"UPDATE workflows SET workflow = $2, enabled = $3, updated_at = now() WHERE key = $1",
		key, doc, enabled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("workflow %s: %w", key, ErrNotFound)
	}
	return nil
}

func (s *Postgres) MoveWorkflow(ctx context.Context, key, workspaceKey string) error {
	tag, err := s.db.Exec(ctx,
		"UPDATE workflows SET workspace_key = NULLIF($2, ''), updated_at = now() WHERE key = $1",
		key, workspaceKey)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("workflow %s: %w", key, ErrNotFound)
	}
	return nil
}

func (s *Postgres) DeleteWorkflow(ctx context.Context, key string) (bool, error) {
	var deleted bool
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, "DELETE FROM workflows WHERE key = $1", key)
		if err != nil {
			return err
		}
		deleted = tag.RowsAffected() == 1
		if _, err := tx.Exec(ctx, "DELETE FROM workflow_executions WHERE workflow_key = $1", key); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, "DELETE FROM workflow_states WHERE workflow_key = $1", key)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete workflow %s: %w", key, err)
	}
	return deleted, nil
}

func (s *Postgres) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*models.WorkflowRecord, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if filter.WorkspaceKey != "" {
		rows, err = s.db.Query(ctx,
			"SELECT "+workflowColumns+" FROM workflows WHERE workspace_key = $1 ORDER BY created_at",
			filter.WorkspaceKey)
	} else {
		rows, err = s.db.Query(ctx,
			"SELECT "+workflowColumns+" FROM workflows WHERE user_account_id = $1 AND workspace_key IS NULL ORDER BY created_at",
			filter.UserAccountID)
	}
	if err != nil {
		return nil, err
	}
	return collectWorkflows(rows)
}

func (s *Postgres) ListEnabledWorkflows(ctx context.Context) ([]*models.WorkflowRecord, error) {
	rows, err := s.db.Query(ctx, "SELECT "+workflowColumns+" FROM workflows WHERE enabled ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	return collectWorkflows(rows)
}

func (s *Postgres) ListAllWorkflows(ctx context.Context) ([]*models.WorkflowRecord, error) {
	rows, err := s.db.Query(ctx, "SELECT "+workflowColumns+" FROM workflows ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	return collectWorkflows(rows)
}

func collectWorkflows(rows pgx.Rows) ([]*models.WorkflowRecord, error) {
	defer rows.Close()

	var records []*models.WorkflowRecord
	for rows.Next() {
		record, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}
