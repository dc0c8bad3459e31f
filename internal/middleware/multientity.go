package middleware

import (
	"context"

	"github.com/nerrad567/iotagent-core/internal/device"
	"github.com/nerrad567/iotagent-core/internal/expression"
	"github.com/nerrad567/iotagent-core/internal/ngsi"
)

// MultiEntity moves attributes whose active definition names another
// entity_name into entities of their own. entity_name may be an expression
// over the update's attributes; when it cannot be evaluated it is used
// verbatim. entity_type defaults to the device type. The device's own
// entity stays first.
//
// Register MultiEntity before Timestamp so every produced entity is stamped.
func MultiEntity(engine *expression.Engine) Func {
	if engine == nil {
		engine = expression.Default()
	}
	return func(_ context.Context, entities []ngsi.Entity, d *device.Device) ([]ngsi.Entity, *device.Device, error) {
		if d == nil || !hasEntityNames(d.Active) {
			return entities, d, nil
		}

		var out []ngsi.Entity
		for _, e := range entities {
			out = append(out, fanOut(engine, e, d)...)
		}
		return out, d, nil
	}
}

func hasEntityNames(attrs []device.Attribute) bool {
	for _, a := range attrs {
		if a.EntityName != "" {
			return true
		}
	}
	return false
}

type entityKey struct {
	name string
	typ  string
}

func fanOut(engine *expression.Engine, e ngsi.Entity, d *device.Device) []ngsi.Entity {
	ctx := EvaluationContext(d, e.Attributes)

	main := ngsi.Entity{ID: e.ID, Type: e.Type}
	var (
		order  []entityKey
		routed = make(map[entityKey][]ngsi.Attribute)
	)

	for _, a := range e.Attributes {
		def, ok := activeDefinition(d, a.Name)
		if !ok || def.EntityName == "" {
			main.Attributes = append(main.Attributes, a)
			continue
		}

		key := entityKey{name: entityName(engine, def.EntityName, ctx), typ: def.EntityType}
		if key.typ == "" {
			key.typ = d.Type
		}
		if _, seen := routed[key]; !seen {
			order = append(order, key)
		}
		if !containsAttribute(routed[key], a.Name) {
			routed[key] = append(routed[key], a)
		}
	}

	out := []ngsi.Entity{main}
	for _, key := range order {
		out = append(out, ngsi.Entity{ID: key.name, Type: key.typ, Attributes: routed[key]})
	}
	return out
}

func activeDefinition(d *device.Device, name string) (device.Attribute, bool) {
	for _, a := range d.Active {
		if a.Name == name || (a.ObjectID != "" && a.ObjectID == name) {
			return a, true
		}
	}
	return device.Attribute{}, false
}

func entityName(engine *expression.Engine, source string, ctx map[string]any) string {
	if !engine.ContextAvailable(source, ctx) {
		return source
	}
	v, err := engine.Evaluate(source, ctx)
	if err != nil {
		return source
	}
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return source
}

func containsAttribute(attrs []ngsi.Attribute, name string) bool {
	for _, a := range attrs {
		if a.Name == name {
			return true
		}
	}
	return false
}
