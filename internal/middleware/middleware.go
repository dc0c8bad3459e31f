// Package middleware holds the entity transformation chains that run between
// the NGSI adapters and the user handlers, and the built-in transformations:
// attribute aliasing, expressions, multi-entity fan-out, timestamping and
// attribute history.
//
// A chain runs its functions in registration order. The first error stops
// the chain and is returned unchanged.
package middleware

import (
	"context"

	"github.com/nerrad567/iotagent-core/internal/device"
	"github.com/nerrad567/iotagent-core/internal/ngsi"
)

// Func transforms the entities of an update or query before they reach the
// broker or the handler. It may replace the device seen by later stages.
type Func func(ctx context.Context, entities []ngsi.Entity, d *device.Device) ([]ngsi.Entity, *device.Device, error)

// NotificationFunc transforms the attributes of a broker notification.
type NotificationFunc func(ctx context.Context, d *device.Device, attrs []ngsi.Attribute) (*device.Device, []ngsi.Attribute, error)

// Run applies chain to entities.
func Run(ctx context.Context, chain []Func, entities []ngsi.Entity, d *device.Device) ([]ngsi.Entity, *device.Device, error) {
	var err error
	for _, fn := range chain {
		if entities, d, err = fn(ctx, entities, d); err != nil {
			return nil, nil, err
		}
	}
	return entities, d, nil
}

// RunNotification applies chain to the attributes of a notification.
func RunNotification(ctx context.Context, chain []NotificationFunc, d *device.Device, attrs []ngsi.Attribute) (*device.Device, []ngsi.Attribute, error) {
	var err error
	for _, fn := range chain {
		if d, attrs, err = fn(ctx, d, attrs); err != nil {
			return nil, nil, err
		}
	}
	return d, attrs, nil
}

// definition returns the active, lazy or command definition whose name or
// object_id is name.
func definition(d *device.Device, name string) (device.Attribute, bool) {
	if d == nil {
		return device.Attribute{}, false
	}
	for _, list := range [][]device.Attribute{d.Active, d.Lazy, d.Commands} {
		for _, a := range list {
			if a.Name == name || (a.ObjectID != "" && a.ObjectID == name) {
				return a, true
			}
		}
	}
	return device.Attribute{}, false
}

func cloneAttributes(attrs []ngsi.Attribute) []ngsi.Attribute {
	if attrs == nil {
		return nil
	}
	out := make([]ngsi.Attribute, len(attrs))
	copy(out, attrs)
	return out
}
