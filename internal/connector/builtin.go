package connector

import "nexus-orchestrator/backend/pkg/models"

// Web3ConnectorKey identifies the generic blockchain connector. Blockchain
// call and event operations of other connectors are routed through it.
const Web3ConnectorKey = "web3"

// Operation keys offered by the web3 connector.
const (
	Web3NewEvent          = "newEvent"
	Web3NewTransaction    = "newTransaction"
	Web3CallSmartContract = "callSmartContract"
)

var chainField = models.FieldSchema{
	Key:      "chain",
	Label:    "Name of the blockchain",
	Type:     models.FieldTypeString,
	Required: true,
	Default:  "eth",
}

// Web3Schema builds the built-in web3 connector served from url.
func Web3Schema(url string) *models.ConnectorSchema {
	endpoint := models.Endpoint{URL: url}
	return &models.ConnectorSchema{
		Key:             Web3ConnectorKey,
		Name:            "Web3 connector",
		Version:         "1.0.0",
		PlatformVersion: "1.0.0",
		Triggers: []models.TriggerDefinition{
			{
				Key:  Web3NewEvent,
				Name: "New smart contract event",
				Display: models.Display{
					Label:       "New smart contract event",
					Description: "Trigger when a new event on specified smart contract is received",
				},
				Operation: models.OperationSpec{Operation: models.PollingOperation{
					Operation: endpoint,
					OperationBase: models.OperationBase{InputFields: []models.FieldSchema{
						chainField,
						{Key: "contractAddress", Label: "Contract address", Type: models.FieldTypeString, Placeholder: "0x...", Required: true},
						{Key: "eventDeclaration", Label: "Event declaration", Type: models.FieldTypeString, Placeholder: "event EventName(address indexed param1, uint256 param2)", Required: true},
					}},
				}},
			},
			{
				Key:  Web3NewTransaction,
				Name: "New transaction",
				Display: models.Display{
					Label:       "New transaction",
					Description: "Trigger when a new transaction is received",
				},
				Operation: models.OperationSpec{Operation: models.PollingOperation{
					Operation: endpoint,
					OperationBase: models.OperationBase{InputFields: []models.FieldSchema{
						chainField,
						{Key: "from", Label: "From address", Type: models.FieldTypeString, Placeholder: "0x..."},
						{Key: "to", Label: "To address", Type: models.FieldTypeString, Placeholder: "0x..."},
					}},
				}},
			},
		},
		Actions: []models.ActionDefinition{
			{
				Key:  Web3CallSmartContract,
				Name: "Call smart contract function",
				Display: models.Display{
					Label:       "Call smart contract function",
					Description: "Call a function on a smart contract",
				},
				Operation: models.OperationSpec{Operation: models.APIOperation{
					Operation: endpoint,
					OperationBase: models.OperationBase{
						RequiresUserToken: true,
						InputFields: []models.FieldSchema{
							chainField,
							{Key: "contractAddress", Label: "Contract address", Type: models.FieldTypeString, Placeholder: "0x...", Required: true},
							{Key: "functionDeclaration", Label: "Function declaration", Type: models.FieldTypeString, Placeholder: "function functionName(address param1, uint256 param2)", Required: true},
							{Key: "maxFeePerGas", Label: "Max fee per gas", Type: models.FieldTypeNumber},
							{Key: "maxPriorityFeePerGas", Label: "Max priority fee per gas", Type: models.FieldTypeNumber},
						},
					},
				}},
			},
		},
	}
}
