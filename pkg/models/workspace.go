package models

import (
	"slices"
	"time"
)

// Workspace scopes workflows to a group of accounts.
type Workspace struct {
	Key       string    `json:"key"`
	Title     string    `json:"title"`
	Creator   string    `json:"creator"`
	Admins    []string  `json:"admins"`
	Users     []string  `json:"users"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HasMember reports whether the account is an admin or a user of the workspace.
func (w *Workspace) HasMember(accountID string) bool {
	return slices.Contains(w.Admins, accountID) || slices.Contains(w.Users, accountID)
}
