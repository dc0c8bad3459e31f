package middleware

import (
	"context"

	"github.com/nerrad567/iotagent-core/internal/device"
	"github.com/nerrad567/iotagent-core/internal/expression"
	"github.com/nerrad567/iotagent-core/internal/ngsi"
)

// Expression computes every active attribute that declares an expression.
// The evaluation context holds the entity's attributes (by name and
// object_id), the device's static attributes and the id, type, service and
// subservice of the device. A computed attribute replaces the incoming one
// with the same name or is appended. Expressions whose identifiers are not
// all bound are skipped; evaluation failures stop the chain with
// expression.ErrInvalidExpression.
func Expression(engine *expression.Engine) Func {
	if engine == nil {
		engine = expression.Default()
	}
	return func(_ context.Context, entities []ngsi.Entity, d *device.Device) ([]ngsi.Entity, *device.Device, error) {
		if d == nil || !hasExpressions(d.Active) {
			return entities, d, nil
		}

		out := make([]ngsi.Entity, len(entities))
		for i, e := range entities {
			computed, err := evaluateEntity(engine, e, d)
			if err != nil {
				return nil, nil, err
			}
			out[i] = computed
		}
		return out, d, nil
	}
}

func hasExpressions(attrs []device.Attribute) bool {
	for _, a := range attrs {
		if a.Expression != "" {
			return true
		}
	}
	return false
}

func evaluateEntity(engine *expression.Engine, e ngsi.Entity, d *device.Device) (ngsi.Entity, error) {
	ctx := EvaluationContext(d, e.Attributes)

	e.Attributes = cloneAttributes(e.Attributes)
	for _, def := range d.Active {
		if def.Expression == "" || !engine.ContextAvailable(def.Expression, ctx) {
			continue
		}
		value, err := engine.Apply(def.Expression, ctx, def.Type)
		if err != nil {
			return ngsi.Entity{}, err
		}

		name := def.Name
		if name == "" {
			name = def.ObjectID
		}
		replaced := false
		for j := range e.Attributes {
			if e.Attributes[j].Name == name || (def.ObjectID != "" && e.Attributes[j].Name == def.ObjectID) {
				e.Attributes[j].Name = name
				e.Attributes[j].Value = value
				if def.Type != "" {
					e.Attributes[j].Type = def.Type
				}
				replaced = true
				break
			}
		}
		if !replaced {
			e.Attributes = append(e.Attributes, ngsi.Attribute{Name: name, Type: def.Type, Value: value})
		}
	}
	return e, nil
}

// EvaluationContext builds the context an attribute or command expression
// is evaluated against.
func EvaluationContext(d *device.Device, attrs []ngsi.Attribute) map[string]any {
	var inputs []expression.Attribute
	if d != nil {
		for _, s := range d.StaticAttributes {
			inputs = append(inputs, expression.Attribute{Name: s.Name, ObjectID: s.ObjectID, Value: s.Value})
		}
	}
	for _, a := range attrs {
		in := expression.Attribute{Name: a.Name, Value: a.Value}
		if def, ok := definition(d, a.Name); ok && def.ObjectID != "" {
			in.ObjectID = def.ObjectID
		}
		inputs = append(inputs, in)
	}

	ctx := expression.ExtractContext(inputs)
	if d != nil {
		for k, v := range map[string]any{
			"id":         d.ID,
			"type":       d.Type,
			"service":    d.Service,
			"subservice": d.Subservice,
		} {
			if _, taken := ctx[k]; !taken {
				ctx[k] = v
			}
		}
	}
	return ctx
}
