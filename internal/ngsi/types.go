package ngsi

import "sort"

// Attribute is a single NGSI attribute in its version-neutral form.
//
// Metadata maps a metadata name to its {"type", "value"} object, the shape
// used by NGSI-v2. The v1 adapter converts to and from "metadatas" arrays.
type Attribute struct {
	Name     string         `json:"name"`
	Type     string         `json:"type,omitempty"`
	Value    any            `json:"value"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Entity is a context entity with its attributes in request order.
type Entity struct {
	ID         string      `json:"id"`
	Type       string      `json:"type,omitempty"`
	Attributes []Attribute `json:"attributes,omitempty"`
}

// Attribute returns the attribute with the given name.
func (e Entity) Attribute(name string) (Attribute, bool) {
	for _, a := range e.Attributes {
		if a.Name == name {
			return a, true
		}
	}
	return Attribute{}, false
}

// Tenant is the (service, subservice) scope of a request.
type Tenant struct {
	Service    string
	Subservice string
}

// EntityRef identifies an entity in a query.
type EntityRef struct {
	ID   string
	Type string
}

// UpdateRequest is a parsed north-bound update.
type UpdateRequest struct {
	Tenant   Tenant
	Entities []Entity
}

// QueryRequest is a parsed north-bound query. An empty Attributes list asks
// for every attribute the device exposes lazily.
type QueryRequest struct {
	Tenant     Tenant
	Entities   []EntityRef
	Attributes []string
}

// Notification is a parsed subscription notification from the broker.
type Notification struct {
	Tenant         Tenant
	SubscriptionID string
	Entities       []Entity
}

// Operation names the north-bound operation a response belongs to. Error
// envelopes differ per operation in NGSI-v1.
type Operation int

// Operations.
const (
	OpUpdate Operation = iota
	OpQuery
	OpNotify
)

func (o Operation) String() string {
	switch o {
	case OpUpdate:
		return "update"
	case OpQuery:
		return "query"
	case OpNotify:
		return "notify"
	default:
		return "unknown"
	}
}

// sortedKeys returns the keys of m in lexical order.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
