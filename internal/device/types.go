package device

import (
	"encoding/json"
	"time"
)

// Transport values that influence command delivery.
const (
	TransportHTTP = "HTTP"
	TransportMQTT = "MQTT"
)

// Attribute is a device or group attribute definition. The same shape serves
// active, lazy, command and static attributes; Value is only meaningful for
// static attributes.
type Attribute struct {
	// ObjectID is the device-local measurement key.
	ObjectID string `json:"object_id,omitempty"`
	// Name is the attribute name exposed on the NGSI entity.
	Name string `json:"name,omitempty"`
	Type string `json:"type,omitempty"`

	Value any `json:"value,omitempty"`

	// Expression computes the exposed value from the device's measures.
	Expression string `json:"expression,omitempty"`

	// EntityName and EntityType route the attribute to a different entity.
	EntityName string `json:"entity_name,omitempty"`
	EntityType string `json:"entity_type,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// Subscription is a broker subscription created on behalf of a device.
// It is cancelled when the device is unregistered.
type Subscription struct {
	ID       string   `json:"id"`
	Triggers []string `json:"triggers,omitempty"`
}

// Device is a south-bound thing registered with the agent, scoped by
// service and subservice.
type Device struct {
	ID         string `json:"id"`
	Service    string `json:"service"`
	Subservice string `json:"subservice"`

	// Name and Type identify the NGSI entity the device maps to.
	Name string `json:"name,omitempty"`
	Type string `json:"type,omitempty"`

	Active             []Attribute `json:"active,omitempty"`
	Lazy               []Attribute `json:"lazy,omitempty"`
	Commands           []Attribute `json:"commands,omitempty"`
	StaticAttributes   []Attribute `json:"staticAttributes,omitempty"`
	InternalAttributes []any       `json:"internalAttributes,omitempty"`

	APIKey         string `json:"apikey,omitempty"`
	Resource       string `json:"resource,omitempty"`
	Endpoint       string `json:"endpoint,omitempty"`
	Protocol       string `json:"protocol,omitempty"`
	Transport      string `json:"transport,omitempty"`
	Polling        bool   `json:"polling,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
	RegistrationID string `json:"registrationId,omitempty"`
	InternalID     string `json:"internalId,omitempty"`

	CBHost        string `json:"cbHost,omitempty"`
	NGSIVersion   string `json:"ngsiVersion,omitempty"`
	ExplicitAttrs *bool  `json:"explicitAttrs,omitempty"`
	EntityNameExp string `json:"entityNameExp,omitempty"`
	Timestamp     *bool  `json:"timestamp,omitempty"`

	Subscriptions []Subscription `json:"subscriptions,omitempty"`

	CreatedAt time.Time `json:"creationDate"`
}

// DeepCopy creates a complete independent copy of the Device.
// Handlers receive copies so they never mutate registry state.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}

	cpy := *d
	cpy.Active = copyAttributes(d.Active)
	cpy.Lazy = copyAttributes(d.Lazy)
	cpy.Commands = copyAttributes(d.Commands)
	cpy.StaticAttributes = copyAttributes(d.StaticAttributes)
	if d.InternalAttributes != nil {
		cpy.InternalAttributes = make([]any, len(d.InternalAttributes))
		for i, v := range d.InternalAttributes {
			cpy.InternalAttributes[i] = deepCopyValue(v)
		}
	}
	if d.Subscriptions != nil {
		cpy.Subscriptions = make([]Subscription, len(d.Subscriptions))
		for i, s := range d.Subscriptions {
			s.Triggers = append([]string(nil), s.Triggers...)
			cpy.Subscriptions[i] = s
		}
	}
	cpy.ExplicitAttrs = copyBool(d.ExplicitAttrs)
	cpy.Timestamp = copyBool(d.Timestamp)

	return &cpy
}

// Command returns the command definition with the given name.
func (d *Device) Command(name string) (Attribute, bool) {
	return findAttribute(d.Commands, name)
}

// LazyAttribute returns the lazy attribute definition with the given name.
func (d *Device) LazyAttribute(name string) (Attribute, bool) {
	return findAttribute(d.Lazy, name)
}

// HasTimestamp reports whether TimeInstant stamping is enabled for the device.
func (d *Device) HasTimestamp() bool {
	return d.Timestamp != nil && *d.Timestamp
}

// Group is a configuration template shared by every device that matches
// (apikey, resource) or (service, subservice, type).
type Group struct {
	ID         string `json:"id"`
	Service    string `json:"service"`
	Subservice string `json:"subservice"`
	Resource   string `json:"resource"`
	APIKey     string `json:"apikey"`
	Type       string `json:"type,omitempty"`

	// Attributes holds the active attribute definitions.
	Attributes         []Attribute `json:"attributes,omitempty"`
	Lazy               []Attribute `json:"lazy,omitempty"`
	Commands           []Attribute `json:"commands,omitempty"`
	StaticAttributes   []Attribute `json:"staticAttributes,omitempty"`
	InternalAttributes []any       `json:"internalAttributes,omitempty"`

	CBHost      string `json:"cbHost,omitempty"`
	Trust       string `json:"trust,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
	NGSIVersion string `json:"ngsiVersion,omitempty"`
	Transport   string `json:"transport,omitempty"`
	Description string `json:"description,omitempty"`

	EntityNameExp                string `json:"entityNameExp,omitempty"`
	DefaultEntityNameConjunction string `json:"defaultEntityNameConjunction,omitempty"`

	ExplicitAttrs *bool `json:"explicitAttrs,omitempty"`
	Timestamp     *bool `json:"timestamp,omitempty"`
	Autoprovision *bool `json:"autoprovision,omitempty"`

	CreatedAt time.Time `json:"creationDate"`
}

// DeepCopy creates a complete independent copy of the Group.
func (g *Group) DeepCopy() *Group {
	if g == nil {
		return nil
	}
	cpy := *g
	cpy.Attributes = copyAttributes(g.Attributes)
	cpy.Lazy = copyAttributes(g.Lazy)
	cpy.Commands = copyAttributes(g.Commands)
	cpy.StaticAttributes = copyAttributes(g.StaticAttributes)
	if g.InternalAttributes != nil {
		cpy.InternalAttributes = make([]any, len(g.InternalAttributes))
		for i, v := range g.InternalAttributes {
			cpy.InternalAttributes[i] = deepCopyValue(v)
		}
	}
	cpy.ExplicitAttrs = copyBool(g.ExplicitAttrs)
	cpy.Timestamp = copyBool(g.Timestamp)
	cpy.Autoprovision = copyBool(g.Autoprovision)
	return &cpy
}

// AllowsAutoprovision reports whether unknown devices may be created on the
// fly for this group. Unset means allowed.
func (g *Group) AllowsAutoprovision() bool {
	return g == nil || g.Autoprovision == nil || *g.Autoprovision
}

// ListFilter scopes a device listing. Empty Service or Subservice means any.
// A zero Limit means no limit.
type ListFilter struct {
	Service    string
	Subservice string
	Limit      int
	Offset     int
}

// ListResult is a page of devices plus the size of the full filtered set.
type ListResult struct {
	Devices []*Device
	Count   int
}

// GroupListResult is a page of groups plus the size of the full filtered set.
type GroupListResult struct {
	Groups []*Group
	Count  int
}

func findAttribute(attrs []Attribute, name string) (Attribute, bool) {
	for _, a := range attrs {
		if a.Name == name {
			return a, true
		}
	}
	return Attribute{}, false
}

func copyAttributes(attrs []Attribute) []Attribute {
	if attrs == nil {
		return nil
	}
	cpy := make([]Attribute, len(attrs))
	for i, a := range attrs {
		a.Value = deepCopyValue(a.Value)
		a.Metadata = deepCopyMap(a.Metadata)
		cpy[i] = a
	}
	return cpy
}

func copyBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

// deepCopyValue recursively copies a value, handling nested maps and slices.
func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	case json.RawMessage:
		return append(json.RawMessage(nil), val...)
	default:
		return v
	}
}
