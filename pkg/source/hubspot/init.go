package hubspot

import (
	"github.com/knoom0/datanav/pkg/schema"
	"github.com/knoom0/datanav/pkg/source/registry"
)

func init() {
	// Register the HubSpot connector in the global catalog
	registry.MustRegister(&registry.Config{
		ID:          "hubspot",
		Name:        "HubSpot",
		Description: "Syncs CRM contacts, companies and deals from HubSpot",
		Resources:   Resources(),
		NewAdapter:  New,
	})
}

// Resources returns the resource schemas this adapter syncs.
func Resources() []schema.Resource {
	return []schema.Resource{
		{
			Name:        "contacts",
			Description: "CRM contact records",
			Fields: []schema.Field{
				{Name: "id", Type: schema.FieldTypeString},
				{Name: "email", Type: schema.FieldTypeString, Nullable: true},
				{Name: "firstname", Type: schema.FieldTypeString, Nullable: true},
				{Name: "lastname", Type: schema.FieldTypeString, Nullable: true},
				{Name: "phone", Type: schema.FieldTypeString, Nullable: true},
				{Name: "lifecyclestage", Type: schema.FieldTypeString, Nullable: true},
				{Name: "updated_at", Type: schema.FieldTypeTimestamp, Nullable: true},
			},
		},
		{
			Name:        "companies",
			Description: "CRM company records",
			Fields: []schema.Field{
				{Name: "id", Type: schema.FieldTypeString},
				{Name: "name", Type: schema.FieldTypeString, Nullable: true},
				{Name: "domain", Type: schema.FieldTypeString, Nullable: true},
				{Name: "industry", Type: schema.FieldTypeString, Nullable: true},
				{Name: "city", Type: schema.FieldTypeString, Nullable: true},
				{Name: "updated_at", Type: schema.FieldTypeTimestamp, Nullable: true},
			},
		},
		{
			Name:        "deals",
			Description: "CRM deal records",
			Fields: []schema.Field{
				{Name: "id", Type: schema.FieldTypeString},
				{Name: "dealname", Type: schema.FieldTypeString, Nullable: true},
				{Name: "amount", Type: schema.FieldTypeString, Nullable: true},
				{Name: "dealstage", Type: schema.FieldTypeString, Nullable: true},
				{Name: "closedate", Type: schema.FieldTypeString, Nullable: true},
				{Name: "updated_at", Type: schema.FieldTypeTimestamp, Nullable: true},
			},
		},
	}
}
