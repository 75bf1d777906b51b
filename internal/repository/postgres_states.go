package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
)

func (s *Postgres) GetState(ctx context.Context, workflowKey string, stepIndex int, key string) (json.RawMessage, error) {
	var value []byte
	err := s.db.QueryRow(ctx,
		"SELECT value FROM workflow_states WHERE workflow_key = $1 AND step_index = $2 AND state_key = $3",
		workflowKey, stepIndex, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(value), nil
}

func (s *Postgres) SetState(ctx context.Context, workflowKey string, stepIndex int, key string, value json.RawMessage) error {
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO workflow_states (workflow_key, step_index, state_key, value)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (workflow_key, step_index, state_key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		workflowKey, stepIndex, key, []byte(value))
	return err
}

func (s *Postgres) ListStates(ctx context.Context, workflowKey string, stepIndex int) (map[string]json.RawMessage, error) {
	rows, err := s.db.Query(ctx,
		"SELECT state_key, value FROM workflow_states WHERE workflow_key = $1 AND step_index = $2",
		workflowKey, stepIndex)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	states := make(map[string]json.RawMessage)
	for rows.Next() {
		var (
			key   string
			value []byte
		)
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		states[key] = json.RawMessage(value)
	}
	return states, rows.Err()
}
