package repository

import (
	"context"
	"fmt"
	"time"

	"nexus-orchestrator/backend/pkg/models"
)

func (s *Postgres) InsertExecutionLog(ctx context.Context, log *models.ExecutionLog) error {
	input, err := marshalJSON(log.Input)
	if err != nil {
		return fmt.Errorf("failed to encode input: %w", err)
	}
	output, err := marshalJSON(log.Output)
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO workflow_executions (workflow_key, session_id, execution_id, step_index, input, output, error, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9)`,
		log.WorkflowKey, log.SessionID, log.ExecutionID, log.StepIndex, input, output, log.Error, log.StartedAt, log.EndedAt)
	return err
}

// UpdateExecutionLog records the outcome of a step. Only the newest record of
// (executionID, stepIndex) is touched.
func (s *Postgres) UpdateExecutionLog(ctx context.Context, executionID string, stepIndex int, update models.ExecutionLogUpdate) error {
	output, err := marshalJSON(update.Output)
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	endedAt := update.EndedAt
	if endedAt.IsZero() {
		endedAt = time.Now()
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE workflow_executions
		SET output = COALESCE($3, output), error = COALESCE(NULLIF($4, ''), error), ended_at = $5
		WHERE id = (
			SELECT id FROM workflow_executions
			WHERE execution_id = $1 AND step_index = $2
			ORDER BY id DESC LIMIT 1
		)`,
		executionID, stepIndex, output, update.Error, endedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("execution %s step %d: %w", executionID, stepIndex, ErrNotFound)
	}
	return nil
}

func (s *Postgres) ListExecutions(ctx context.Context, workflowKey string, query ExecutionQuery) ([]models.ExecutionSummary, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = DefaultExecutionLimit
	}
	var since, until *time.Time
	if !query.Since.IsZero() {
		since = &query.Since
	}
	if !query.Until.IsZero() {
		until = &query.Until
	}
	rows, err := s.db.Query(ctx, `
		SELECT execution_id, min(started_at) AS started_at
		FROM workflow_executions
		WHERE workflow_key = $1
		  AND ($2::timestamptz IS NULL OR started_at >= $2)
		  AND ($3::timestamptz IS NULL OR started_at <= $3)
		GROUP BY execution_id
		ORDER BY started_at DESC
		LIMIT $4`,
		workflowKey, since, until, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summaries := []models.ExecutionSummary{}
	for rows.Next() {
		var summary models.ExecutionSummary
		if err := rows.Scan(&summary.ExecutionID, &summary.StartedAt); err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, rows.Err()
}

func (s *Postgres) GetExecutionLog(ctx context.Context, executionID string) ([]models.ExecutionLog, error) {
	rows, err := s.db.Query(ctx, `
		SELECT workflow_key, session_id, execution_id, step_index, input, output, COALESCE(error, ''), started_at, ended_at
		FROM workflow_executions
		WHERE execution_id = $1
		ORDER BY step_index, id`,
		executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []models.ExecutionLog{}
	for rows.Next() {
		var (
			log           models.ExecutionLog
			input, output []byte
		)
		if err := rows.Scan(&log.WorkflowKey, &log.SessionID, &log.ExecutionID, &log.StepIndex, &input, &output, &log.Error, &log.StartedAt, &log.EndedAt); err != nil {
			return nil, err
		}
		if log.Input, err = unmarshalJSON(input); err != nil {
			return nil, err
		}
		if log.Output, err = unmarshalJSON(output); err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}
