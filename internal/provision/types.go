package provision

import (
	"github.com/nerrad567/iotagent-core/internal/device"
	"github.com/nerrad567/iotagent-core/internal/infrastructure/config"
)

// typeGroup converts the configured template for entityType into a group.
// It returns nil when no template exists.
func typeGroup(types map[string]config.TypeConfig, entityType string) *device.Group {
	tc, ok := types[entityType]
	if !ok {
		return nil
	}
	return &device.Group{
		Service:          tc.Service,
		Subservice:       tc.Subservice,
		APIKey:           tc.APIKey,
		Type:             entityType,
		Transport:        tc.Transport,
		CBHost:           tc.CBHost,
		NGSIVersion:      tc.NGSIVersion,
		EntityNameExp:    tc.EntityNameExp,
		Timestamp:        tc.Timestamp,
		Autoprovision:    tc.Autoprovision,
		Attributes:       typeAttributes(tc.Attributes),
		Lazy:             typeAttributes(tc.Lazy),
		Commands:         typeAttributes(tc.Commands),
		StaticAttributes: typeAttributes(tc.StaticAttributes),
	}
}

func typeAttributes(in []config.TypeAttribute) []device.Attribute {
	if len(in) == 0 {
		return nil
	}
	out := make([]device.Attribute, len(in))
	for i, a := range in {
		out[i] = device.Attribute{
			ObjectID:   a.ObjectID,
			Name:       a.Name,
			Type:       a.Type,
			Value:      a.Value,
			Expression: a.Expression,
			EntityName: a.EntityName,
			EntityType: a.EntityType,
		}
	}
	return out
}
