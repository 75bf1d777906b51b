package models

import (
	"encoding/json"
	"fmt"
)

// OperationType tags the variant carried by an OperationSpec.
type OperationType string

const (
	OperationPolling         OperationType = "polling"
	OperationAPI             OperationType = "api"
	OperationBlockchainCall  OperationType = "blockchain:call"
	OperationBlockchainEvent OperationType = "blockchain:event"
	OperationHook            OperationType = "hook"
)

// Field types understood by the input sanitizer.
const (
	FieldTypeString  = "string"
	FieldTypeNumber  = "number"
	FieldTypeBoolean = "boolean"
)

// ConnectorSchema describes the triggers and actions a connector exposes.
type ConnectorSchema struct {
	Key             string              `json:"key"`
	Name            string              `json:"name,omitempty"`
	Version         string              `json:"version,omitempty"`
	PlatformVersion string              `json:"platformVersion,omitempty"`
	Triggers        []TriggerDefinition `json:"triggers,omitempty"`
	Actions         []ActionDefinition  `json:"actions,omitempty"`
	Authentication  json.RawMessage     `json:"authentication,omitempty"`
}

// Trigger returns the trigger definition with the given key.
func (c *ConnectorSchema) Trigger(key string) (*TriggerDefinition, bool) {
	for i := range c.Triggers {
		if c.Triggers[i].Key == key {
			return &c.Triggers[i], true
		}
	}
	return nil, false
}

// Action returns the action definition with the given key.
func (c *ConnectorSchema) Action(key string) (*ActionDefinition, bool) {
	for i := range c.Actions {
		if c.Actions[i].Key == key {
			return &c.Actions[i], true
		}
	}
	return nil, false
}

// Display holds the human facing labels of a trigger or action.
type Display struct {
	Label       string `json:"label,omitempty"`
	Description string `json:"description,omitempty"`
}

// TriggerDefinition is one event source offered by a connector.
type TriggerDefinition struct {
	Key       string        `json:"key"`
	Name      string        `json:"name,omitempty"`
	Display   Display       `json:"display,omitempty"`
	Operation OperationSpec `json:"operation"`
}

// ActionDefinition is one callable operation offered by a connector.
type ActionDefinition struct {
	Key       string        `json:"key"`
	Name      string        `json:"name,omitempty"`
	Display   Display       `json:"display,omitempty"`
	Operation OperationSpec `json:"operation"`
}

// FieldSchema declares one input field of an operation.
type FieldSchema struct {
	Key         string `json:"key"`
	Label       string `json:"label,omitempty"`
	Type        string `json:"type,omitempty"`
	Required    bool   `json:"required,omitempty"`
	Default     any    `json:"default,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
	List        bool   `json:"list,omitempty"`
}

// HasDefault reports whether a usable default value is declared. Empty
// strings count as no default.
func (f FieldSchema) HasDefault() bool {
	switch v := f.Default.(type) {
	case nil:
		return false
	case string:
		return v != ""
	default:
		return true
	}
}

// Endpoint locates the remote side of an operation.
type Endpoint struct {
	URL string `json:"url"`
}

// Operation is implemented by every operation variant. The set of variants is
// closed; switch on the concrete type to handle each one.
type Operation interface {
	Type() OperationType
	Fields() []FieldSchema
	UserTokenRequired() bool
	isOperation()
}

// OperationBase carries the fields shared by all variants.
type OperationBase struct {
	InputFields       []FieldSchema   `json:"inputFields,omitempty"`
	OutputFields      []FieldSchema   `json:"outputFields,omitempty"`
	Sample            json.RawMessage `json:"sample,omitempty"`
	RequiresUserToken bool            `json:"requiresUserToken,omitempty"`
}

func (b OperationBase) Fields() []FieldSchema   { return b.InputFields }
func (b OperationBase) UserTokenRequired() bool { return b.RequiresUserToken }
func (OperationBase) isOperation()              {}

// PollingOperation keeps a signal subscription open on a websocket endpoint.
type PollingOperation struct {
	OperationBase
	Operation Endpoint `json:"operation"`
}

func (PollingOperation) Type() OperationType { return OperationPolling }

// APIOperation is a request/response call on a websocket endpoint.
type APIOperation struct {
	OperationBase
	Operation Endpoint `json:"operation"`
}

func (APIOperation) Type() OperationType { return OperationAPI }

// BlockchainCallOperation is a smart contract function call routed through
// the web3 connector.
type BlockchainCallOperation struct {
	OperationBase
	Signature string `json:"signature"`
}

func (BlockchainCallOperation) Type() OperationType { return OperationBlockchainCall }

// BlockchainEventOperation is a smart contract event subscription routed
// through the web3 connector.
type BlockchainEventOperation struct {
	OperationBase
	Signature string `json:"signature"`
}

func (BlockchainEventOperation) Type() OperationType { return OperationBlockchainEvent }

// HookOperation is a webhook based trigger.
type HookOperation struct {
	OperationBase
}

func (HookOperation) Type() OperationType { return OperationHook }

// OperationSpec wraps an Operation so that it can be decoded from the tagged
// JSON form {"type": "...", ...}.
type OperationSpec struct {
	Operation
}

// UnmarshalJSON decodes the variant selected by the "type" member.
func (s *OperationSpec) UnmarshalJSON(data []byte) error {
	var tag struct {
		Type OperationType `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return err
	}
	var op Operation
	switch tag.Type {
	case OperationPolling:
		v := PollingOperation{}
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		op = v
	case OperationAPI:
		v := APIOperation{}
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		op = v
	case OperationBlockchainCall:
		v := BlockchainCallOperation{}
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		op = v
	case OperationBlockchainEvent:
		v := BlockchainEventOperation{}
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		op = v
	case OperationHook:
		v := HookOperation{}
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		op = v
	default:
		return fmt.Errorf("unknown operation type %q", tag.Type)
	}
	s.Operation = op
	return nil
}

// MarshalJSON encodes the wrapped variant together with its type tag.
func (s OperationSpec) MarshalJSON() ([]byte, error) {
	if s.Operation == nil {
		return []byte("null"), nil
	}
	body, err := json.Marshal(s.Operation)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	tag, _ := json.Marshal(s.Operation.Type())
	fields["type"] = tag
	return json.Marshal(fields)
}
