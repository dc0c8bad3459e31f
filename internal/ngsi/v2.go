package ngsi

import (
	"fmt"
	"net/http"
)

// V2 speaks NGSI-v2 batch operations with key-valued attributes.
type V2 struct{}

type v2UpdateBody struct {
	ActionType string           `json:"actionType"`
	Entities   []map[string]any `json:"entities"`
}

type v2QueryBody struct {
	Entities []struct {
		ID        string `json:"id"`
		IDPattern string `json:"idPattern"`
		Type      string `json:"type"`
	} `json:"entities"`
	Attrs []string `json:"attrs"`
}

type v2NotificationBody struct {
	SubscriptionID string           `json:"subscriptionId"`
	Data           []map[string]any `json:"data"`
}

// Version implements Adapter.
func (V2) Version() string { return VersionV2 }

// ParseUpdate implements Adapter.
func (V2) ParseUpdate(r *http.Request) (*UpdateRequest, error) {
	tenant, body, err := v2Prelude(r)
	if err != nil {
		return nil, err
	}
	if err := validate(v2UpdateSchema, body); err != nil {
		return nil, err
	}

	var parsed v2UpdateBody
	if err := decodeJSON(body, &parsed); err != nil {
		return nil, err
	}

	req := &UpdateRequest{Tenant: tenant}
	for _, raw := range parsed.Entities {
		req.Entities = append(req.Entities, keyValuedEntity(raw, nil, nil))
	}
	return req, nil
}

// ParseQuery implements Adapter. Only single-entity queries without id
// patterns are accepted.
func (V2) ParseQuery(r *http.Request) (*QueryRequest, error) {
	tenant, body, err := v2Prelude(r)
	if err != nil {
		return nil, err
	}

	var parsed v2QueryBody
	if err := decodeJSON(body, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Entities) != 1 {
		return nil, fmt.Errorf("%w: query does not contain a single entity", ErrBadRequest)
	}
	if parsed.Entities[0].IDPattern != "" {
		return nil, fmt.Errorf("%w: idPattern usage in query", ErrBadRequest)
	}

	return &QueryRequest{
		Tenant:     tenant,
		Entities:   []EntityRef{{ID: parsed.Entities[0].ID, Type: parsed.Entities[0].Type}},
		Attributes: parsed.Attrs,
	}, nil
}

// ParseNotification implements Adapter.
func (V2) ParseNotification(r *http.Request) (*Notification, error) {
	tenant, body, err := v2Prelude(r)
	if err != nil {
		return nil, err
	}
	if err := validate(dataNotificationSchema, body); err != nil {
		return nil, err
	}

	var parsed v2NotificationBody
	if err := decodeJSON(body, &parsed); err != nil {
		return nil, err
	}

	n := &Notification{Tenant: tenant, SubscriptionID: parsed.SubscriptionID}
	for _, raw := range parsed.Data {
		e := keyValuedEntity(raw, nil, nil)
		for i := range e.Attributes {
			if e.Attributes[i].Metadata == nil {
				e.Attributes[i].Metadata = map[string]any{}
			}
		}
		n.Entities = append(n.Entities, e)
	}
	return n, nil
}

// WriteUpdateResponse implements Adapter.
func (V2) WriteUpdateResponse(w http.ResponseWriter, _ []Entity) {
	w.WriteHeader(http.StatusNoContent)
}

// WriteQueryResponse implements Adapter.
func (V2) WriteQueryResponse(w http.ResponseWriter, entities []Entity) {
	out := make([]map[string]any, 0, len(entities))
	for _, e := range entities {
		out = append(out, keyValuedObject(e, false))
	}
	writeJSON(w, http.StatusOK, out)
}

// WriteNotificationResponse implements Adapter.
func (V2) WriteNotificationResponse(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{})
}

// WriteError implements Adapter.
func (V2) WriteError(w http.ResponseWriter, _ *http.Request, _ Operation, err error) {
	writeErrorDescription(w, err)
}

func v2Prelude(r *http.Request) (Tenant, []byte, error) {
	tenant, err := fiwareTenant(r)
	if err != nil {
		return Tenant{}, nil, err
	}
	if err := requireJSON(r); err != nil {
		return Tenant{}, nil, err
	}
	body, err := readBody(r)
	if err != nil {
		return Tenant{}, nil, err
	}
	return tenant, body, nil
}

// writeErrorDescription writes the {error, description} envelope shared by
// NGSI-v2 and NGSI-LD.
func writeErrorDescription(w http.ResponseWriter, err error) {
	name, code, details := errorDetails(err)
	writeJSON(w, code, map[string]string{
		"error":       name,
		"description": details,
	})
}

// keyValuedEntity reads an entity whose attributes are keyed by name. Keys
// in skip are ignored alongside id and type. Attributes come out sorted by
// name.
func keyValuedEntity(raw map[string]any, skip, excluded map[string]bool) Entity {
	e := Entity{}
	e.ID, _ = raw["id"].(string)
	e.Type, _ = raw["type"].(string)

	for _, name := range sortedKeys(raw) {
		if name == "id" || name == "type" || skip[name] {
			continue
		}
		e.Attributes = append(e.Attributes, keyValuedAttribute(name, raw[name], excluded))
	}
	return e
}

// keyValuedAttribute reads {type, value, metadata}. With excluded set (the
// NGSI-LD form), members other than type, value and the excluded keys are
// collected as metadata instead of reading a metadata member.
func keyValuedAttribute(name string, raw any, excluded map[string]bool) Attribute {
	a := Attribute{Name: name}
	obj, ok := raw.(map[string]any)
	if !ok {
		a.Value = raw
		return a
	}

	a.Type, _ = obj["type"].(string)
	a.Value = obj["value"]

	if excluded == nil {
		if md, ok := obj["metadata"].(map[string]any); ok {
			a.Metadata = md
		}
		return a
	}

	for k, v := range obj {
		if k == "type" || k == "value" || excluded[k] {
			continue
		}
		if a.Metadata == nil {
			a.Metadata = map[string]any{}
		}
		a.Metadata[k] = v
	}
	return a
}

// keyValuedObject renders e as {id, type, <name>: {type, value, metadata}}.
func keyValuedObject(e Entity, ld bool) map[string]any {
	out := map[string]any{"id": e.ID}
	if e.Type != "" {
		out["type"] = e.Type
	}
	for _, a := range e.Attributes {
		attr := map[string]any{"value": a.Value}
		switch {
		case ld:
			attr["type"] = ldAttributeType(a.Type)
			for k, v := range a.Metadata {
				attr[k] = v
			}
		default:
			if a.Type != "" {
				attr["type"] = a.Type
			}
			if len(a.Metadata) > 0 {
				attr["metadata"] = a.Metadata
			}
		}
		out[a.Name] = attr
	}
	return out
}
