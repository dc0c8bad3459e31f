package device

import "fmt"

// Field names a list-valued device field that can be inherited from a group.
type Field string

// Mergeable fields. FieldActive reads the group's Attributes list.
const (
	FieldLazy               Field = "lazy"
	FieldActive             Field = "active"
	FieldStaticAttributes   Field = "staticAttributes"
	FieldCommands           Field = "commands"
	FieldSubscriptions      Field = "subscriptions"
	FieldInternalAttributes Field = "internalAttributes"
)

// StandardMergeFields and StandardMergeDefaults form the field/default table
// used on the query, registration and expiry paths.
var (
	StandardMergeFields   = []Field{FieldLazy, FieldActive, FieldStaticAttributes, FieldCommands, FieldSubscriptions}
	StandardMergeDefaults = []any{nil, nil, []Attribute{}, []Attribute{}, []Subscription{}}
)

// ContextMergeFields and ContextMergeDefaults extend the standard table with
// internal attributes. The north-bound update path uses them.
var (
	ContextMergeFields   = []Field{FieldLazy, FieldInternalAttributes, FieldActive, FieldStaticAttributes, FieldCommands, FieldSubscriptions}
	ContextMergeDefaults = []any{nil, nil, []Attribute{}, []Attribute{}, []Attribute{}, []Subscription{}}
)

// MergeDeviceWithConfiguration returns a copy of d where every listed field
// that is empty on the device is taken from the group, or from the
// positional default when the group has nothing either. Values are never
// combined. Entries of active, lazy and commands get object_id and name
// filled from each other. A nil group only applies defaults.
func MergeDeviceWithConfiguration(fields []Field, defaults []any, d *Device, g *Group) (*Device, error) {
	if d == nil {
		return nil, fmt.Errorf("%w: nil device", ErrInvalidDevice)
	}
	if len(fields) != len(defaults) {
		return nil, fmt.Errorf("%w: %d merge fields but %d defaults", ErrInvalidDevice, len(fields), len(defaults))
	}

	merged := d.DeepCopy()

	for i, field := range fields {
		if err := mergeField(merged, g, field, defaults[i]); err != nil {
			return nil, err
		}
	}

	if g != nil {
		mergeScalars(merged, g)
	}

	return merged, nil
}

// Merge applies the standard field/default table.
func Merge(d *Device, g *Group) (*Device, error) {
	return MergeDeviceWithConfiguration(StandardMergeFields, StandardMergeDefaults, d, g)
}

func mergeField(d *Device, g *Group, field Field, def any) error {
	switch field {
	case FieldActive, FieldLazy, FieldCommands, FieldStaticAttributes:
		target := attributeField(d, field)
		if len(*target) == 0 {
			var fromGroup []Attribute
			if g != nil {
				fromGroup = groupAttributeField(g, field)
			}
			switch {
			case len(fromGroup) > 0:
				*target = copyAttributes(fromGroup)
			default:
				defAttrs, err := attributeDefault(field, def)
				if err != nil {
					return err
				}
				*target = defAttrs
			}
		}
		if field != FieldStaticAttributes {
			*target = setDefaultAttributeIDs(*target)
		}

	case FieldInternalAttributes:
		if len(d.InternalAttributes) > 0 {
			return nil
		}
		if g != nil && len(g.InternalAttributes) > 0 {
			d.InternalAttributes = g.DeepCopy().InternalAttributes
			return nil
		}
		switch v := def.(type) {
		case nil:
			d.InternalAttributes = nil
		case []any:
			d.InternalAttributes = append([]any{}, v...)
		case []Attribute:
			d.InternalAttributes = make([]any, 0, len(v))
			for _, a := range v {
				d.InternalAttributes = append(d.InternalAttributes, a)
			}
		default:
			return fmt.Errorf("%w: bad default %T for %s", ErrInvalidDevice, def, field)
		}

	case FieldSubscriptions:
		// Groups carry no subscriptions; only the default can apply.
		if len(d.Subscriptions) > 0 {
			return nil
		}
		switch v := def.(type) {
		case nil:
			d.Subscriptions = nil
		case []Subscription:
			d.Subscriptions = append([]Subscription{}, v...)
		default:
			return fmt.Errorf("%w: bad default %T for %s", ErrInvalidDevice, def, field)
		}

	default:
		return fmt.Errorf("%w: unknown merge field %q", ErrInvalidDevice, field)
	}
	return nil
}

func attributeField(d *Device, field Field) *[]Attribute {
	switch field {
	case FieldActive:
		return &d.Active
	case FieldLazy:
		return &d.Lazy
	case FieldCommands:
		return &d.Commands
	default:
		return &d.StaticAttributes
	}
}

func groupAttributeField(g *Group, field Field) []Attribute {
	switch field {
	case FieldActive:
		return g.Attributes
	case FieldLazy:
		return g.Lazy
	case FieldCommands:
		return g.Commands
	default:
		return g.StaticAttributes
	}
}

func attributeDefault(field Field, def any) ([]Attribute, error) {
	switch v := def.(type) {
	case nil:
		return nil, nil
	case []Attribute:
		return copyAttributes(v), nil
	default:
		return nil, fmt.Errorf("%w: bad default %T for %s", ErrInvalidDevice, def, field)
	}
}

// setDefaultAttributeIDs makes every entry addressable by either key.
func setDefaultAttributeIDs(attrs []Attribute) []Attribute {
	for i := range attrs {
		switch {
		case attrs[i].ObjectID == "" && attrs[i].Name != "":
			attrs[i].ObjectID = attrs[i].Name
		case attrs[i].Name == "" && attrs[i].ObjectID != "":
			attrs[i].Name = attrs[i].ObjectID
		}
	}
	return attrs
}

func mergeScalars(d *Device, g *Group) {
	if d.CBHost == "" {
		d.CBHost = g.CBHost
	}
	if d.NGSIVersion == "" {
		d.NGSIVersion = g.NGSIVersion
	}
	if d.Timezone == "" {
		d.Timezone = g.Timezone
	}
	if d.EntityNameExp == "" {
		d.EntityNameExp = g.EntityNameExp
	}
	if d.ExplicitAttrs == nil {
		d.ExplicitAttrs = copyBool(g.ExplicitAttrs)
	}
	if d.Timestamp == nil {
		d.Timestamp = copyBool(g.Timestamp)
	}
}
