package repository

import (
	"context"
	"fmt"
	"time"

	"nexus-orchestrator/backend/pkg/models"
)

func (s *Postgres) CreateWorkspace(ctx context.Context, ws *models.Workspace) error {
	now := time.Now().UTC()
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = now
	}
	ws.UpdatedAt = now
	admins, users := ws.Admins, ws.Users
	if admins == nil {
		admins = []string{}
	}
	if users == nil {
		users = []string{}
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO workspaces (key, title, creator, admins, users, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ws.Key, ws.Title, ws.Creator, admins, users, ws.CreatedAt, ws.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("workspace %s: %w", ws.Key, ErrConflict)
	}
	return err
}

func (s *Postgres) GetWorkspace(ctx context.Context, key string) (*models.Workspace, error) {
	var ws models.Workspace
	err := s.db.QueryRow(ctx,
		"SELECT key, title, creator, admins, users, created_at, updated_at FROM workspaces WHERE key = $1", key).
		Scan(&ws.Key, &ws.Title, &ws.Creator, &ws.Admins, &ws.Users, &ws.CreatedAt, &ws.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "workspace", key)
	}
	return &ws, nil
}
