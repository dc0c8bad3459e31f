package middleware

import (
	"context"

	"github.com/nerrad567/iotagent-core/internal/device"
	"github.com/nerrad567/iotagent-core/internal/ngsi"
)

// AttributeAlias renames attributes that arrive under a device-local
// object_id to their declared name, and takes the declared type.
func AttributeAlias() Func {
	return func(_ context.Context, entities []ngsi.Entity, d *device.Device) ([]ngsi.Entity, *device.Device, error) {
		if d == nil {
			return entities, d, nil
		}

		out := make([]ngsi.Entity, len(entities))
		for i, e := range entities {
			e.Attributes = cloneAttributes(e.Attributes)
			for j, a := range e.Attributes {
				def, ok := aliasOf(d, a.Name)
				if !ok {
					continue
				}
				e.Attributes[j].Name = def.Name
				if def.Type != "" {
					e.Attributes[j].Type = def.Type
				}
			}
			out[i] = e
		}
		return out, d, nil
	}
}

// aliasOf finds the definition whose object_id is objectID.
func aliasOf(d *device.Device, objectID string) (device.Attribute, bool) {
	for _, list := range [][]device.Attribute{d.Active, d.Lazy, d.Commands} {
		for _, a := range list {
			if a.ObjectID != "" && a.ObjectID == objectID && a.Name != "" {
				return a, true
			}
		}
	}
	return device.Attribute{}, false
}
