package postgres

import (
	"github.com/knoom0/datanav/pkg/schema"
	"github.com/knoom0/datanav/pkg/source/registry"
)

// NewConfig builds a catalog entry for a PostgreSQL source. Unlike API
// connectors the resource set is deployment-specific, so there is no init()
// registration; the embedding application declares its tables and registers
// the entry itself. An id field is prepended to any resource that does not
// declare one.
func NewConfig(id, name, description string, resources []schema.Resource) *registry.Config {
	declared := make([]schema.Resource, len(resources))
	for i, res := range resources {
		declared[i] = res.WithIDField()
	}
	return &registry.Config{
		ID:          id,
		Name:        name,
		Description: description,
		Resources:   declared,
		NewAdapter:  New,
	}
}
