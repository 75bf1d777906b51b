package models

import (
	"strings"
	"time"
)

// Workflow states as stored in WorkflowSchema.State.
const (
	WorkflowStateOn  = "on"
	WorkflowStateOff = "off"
)

// Environments a workflow can run against.
const (
	EnvironmentProduction = "production"
	EnvironmentStaging    = "staging"
)

// StagingKeyPrefix marks workflows bound to the staging connector environment.
const StagingKeyPrefix = "staging-"

// WorkflowSchema is the user-authored definition of a workflow: one trigger
// followed by an ordered chain of actions.
type WorkflowSchema struct {
	Title     string            `json:"title,omitempty"`
	Trigger   OperationSchema   `json:"trigger" jsonschema:"required"`
	Actions   []OperationSchema `json:"actions" jsonschema:"required"`
	State     string            `json:"state,omitempty" jsonschema:"enum=on,enum=off"`
	Source    string            `json:"source,omitempty"`
	Creator   string            `json:"creator,omitempty"`
	Signature string            `json:"signature,omitempty"`
}

// Enabled reports whether the workflow should have a live runtime.
func (w WorkflowSchema) Enabled() bool {
	return w.State != WorkflowStateOff
}

// OperationSchema binds a trigger or an action step to a connector operation.
type OperationSchema struct {
	Connector      string         `json:"connector" jsonschema:"required,minLength=1"`
	Operation      string         `json:"operation" jsonschema:"required,minLength=1"`
	Input          map[string]any `json:"input,omitempty"`
	Credentials    any            `json:"credentials,omitempty"`
	Authentication string         `json:"authentication,omitempty"`
}

// Ref returns the "connector/operation" reference used in logs and tracking.
func (o OperationSchema) Ref() string {
	return o.Connector + "/" + o.Operation
}

// WorkflowRecord is the persisted form of a workflow.
type WorkflowRecord struct {
	Key           string         `json:"key"`
	WorkspaceKey  string         `json:"workspaceKey,omitempty"`
	UserAccountID string         `json:"userAccountId"`
	Workflow      WorkflowSchema `json:"workflow"`
	Enabled       bool           `json:"enabled"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// Owner returns the identity that runtime tokens are issued for.
func (r *WorkflowRecord) Owner() User {
	u := User{Subject: r.UserAccountID}
	if r.WorkspaceKey != "" {
		u.Workspace = r.WorkspaceKey
		u.Role = RoleUser
	}
	return u
}

// WorkflowEnvironment derives the connector environment from a workflow key.
func WorkflowEnvironment(workflowKey string) string {
	if strings.HasPrefix(workflowKey, StagingKeyPrefix) {
		return EnvironmentStaging
	}
	return EnvironmentProduction
}
