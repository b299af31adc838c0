package definition

import "github.com/pitabwire/sagaflow/model"

// BuiltinSource is the SourceFile recorded for the compiled-in catalog.
const BuiltinSource = "builtin"

// DefaultDefinitions returns the compiled-in workflow catalog. YAML files
// loaded alongside it must use other workflow types.
func DefaultDefinitions() model.DefinitionFile {
	return model.DefinitionFile{
		SourceFile: BuiltinSource,
		Workflows: []model.WorkflowDefinition{
			{
				Type:        "tenant_provisioning",
				Description: "Provision storage and services for a new tenant",
				Steps: []model.Step{
					{Name: "validate_tenant", Type: "validation"},
					{Name: "create_database", Type: "provisioning", Config: map[string]any{"resource": "database"}},
					{Name: "configure_services", Type: "configuration"},
					{Name: "send_welcome", Type: "notification", Config: map[string]any{"template": "tenant_welcome"}},
				},
			},
			{
				Type:        "customer_onboarding",
				Description: "Verify and activate a new customer account",
				Steps: []model.Step{
					{Name: "verify_identity", Type: "verification"},
					{Name: "create_account", Type: "account_creation"},
					{Name: "send_welcome", Type: "notification", Config: map[string]any{"template": "customer_welcome"}},
				},
			},
			{
				Type:        "order_processing",
				Description: "Validate, reserve, charge and ship an order",
				Steps: []model.Step{
					{Name: "validate_order", Type: "validation"},
					{Name: "reserve_inventory", Type: "inventory"},
					{Name: "charge_payment", Type: "payment"},
					{Name: "ship_order", Type: "fulfillment"},
				},
			},
			{
				Type:        "data_processing",
				Description: "Four-stage data pipeline",
				Steps: []model.Step{
					{Name: "validation", Type: "validation"},
					{Name: "transformation", Type: "transformation"},
					{Name: "enrichment", Type: "enrichment"},
					{Name: "storage", Type: "storage"},
				},
			},
		},
	}
}
