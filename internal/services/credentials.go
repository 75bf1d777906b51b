package services

import "nexus-orchestrator/backend/pkg/models"

// LegacyCredentialTokenField is where older clients stored the credential
// token inside the credentials object.
const LegacyCredentialTokenField = "_grinderyCredentialToken"

// MigrateCredentials moves legacy credential tokens of every step into the
// authentication field. It reports whether anything changed.
func MigrateCredentials(workflow *models.WorkflowSchema) bool {
	changed := migrateStep(&workflow.Trigger)
	for i := range workflow.Actions {
		if migrateStep(&workflow.Actions[i]) {
			changed = true
		}
	}
	return changed
}

func migrateStep(step *models.OperationSchema) bool {
	creds, ok := step.Credentials.(map[string]any)
	if !ok {
		return false
	}
	token, ok := creds[LegacyCredentialTokenField].(string)
	if !ok || token == "" {
		return false
	}
	if step.Authentication == "" {
		step.Authentication = token
	}
	step.Credentials = nil
	return true
}
