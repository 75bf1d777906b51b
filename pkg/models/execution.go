package models

import (
	"encoding/json"
	"time"
)

// TriggerStepIndex is the step index of records describing the trigger rather
// than an action step. Workflow state is stored under the same index.
const TriggerStepIndex = -1

// NilUUID identifies log records that belong to no execution, such as trigger
// setup failures.
const NilUUID = "00000000-0000-0000-0000-000000000000"

// ExecutionLog is one step of one execution.
type ExecutionLog struct {
	WorkflowKey string     `json:"workflowKey"`
	SessionID   string     `json:"sessionId"`
	ExecutionID string     `json:"executionId"`
	StepIndex   int        `json:"stepIndex"`
	Input       any        `json:"input"`
	Output      any        `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"startedAt"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
}

// ExecutionLogUpdate is applied when a step ends. Exactly one of Output or
// Error is expected to be set.
type ExecutionLogUpdate struct {
	Output  any
	Error   string
	EndedAt time.Time
}

// ExecutionSummary lists one execution of a workflow.
type ExecutionSummary struct {
	ExecutionID string    `json:"executionId"`
	StartedAt   time.Time `json:"startedAt"`
}

// WorkflowState is a value persisted on behalf of a trigger connector.
type WorkflowState struct {
	WorkflowKey string          `json:"workflowKey"`
	StepIndex   int             `json:"stepIndex"`
	StateKey    string          `json:"stateKey"`
	Value       json.RawMessage `json:"value"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}
