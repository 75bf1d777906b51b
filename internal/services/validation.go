package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/invopop/jsonschema"
	jsonschemav5 "github.com/santhosh-tekuri/jsonschema/v5"

	"nexus-orchestrator/backend/pkg/models"
)

// Account ids follow CAIP-10: https://github.com/ChainAgnostic/CAIPs/blob/master/CAIPs/caip-10.md
var accountIDPattern = regexp.MustCompile(`^[-a-z0-9]{3,8}:[-a-zA-Z0-9]{1,32}:[a-zA-Z0-9]{1,64}$`)

func verifyAccountID(accountID string) error {
	if !accountIDPattern.MatchString(accountID) {
		return fmt.Errorf("%w: invalid CAIP-10 account ID", ErrInvalidParams)
	}
	return nil
}

const workflowSchemaID = "schema://workflow"

// Validator checks workflow documents against the JSON schema reflected from
// models.WorkflowSchema.
type Validator struct {
	schema *jsonschemav5.Schema
}

// NewValidator reflects and compiles the workflow schema.
func NewValidator() (*Validator, error) {
	reflector := jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		AllowAdditionalProperties:  true,
		Anonymous:                  true,
	}
	schemaBytes, err := json.Marshal(reflector.Reflect(&models.WorkflowSchema{}))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal workflow schema: %w", err)
	}

	compiler := jsonschemav5.NewCompiler()
	if err := compiler.AddResource(workflowSchemaID, bytes.NewReader(schemaBytes)); err != nil {
		return nil, fmt.Errorf("failed to add workflow schema: %w", err)
	}
	schema, err := compiler.Compile(workflowSchemaID)
	if err != nil {
		return nil, fmt.Errorf("failed to compile workflow schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Validate reports an ErrInvalidParams error when workflow does not match
// the schema.
func (v *Validator) Validate(workflow models.WorkflowSchema) error {
	raw, err := json.Marshal(workflow)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: invalid workflow: %v", ErrInvalidParams, err)
	}
	return nil
}
