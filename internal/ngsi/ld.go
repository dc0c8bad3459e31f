package ngsi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// LDNull is the NGSI-LD encoding of a null value.
const LDNull = "urn:ngsi-ld:null"

// LD speaks NGSI-LD entity attribute operations. The entity id and the
// optional attribute name are read from the "entity" and "attr" route
// parameters.
type LD struct {
	Options LDOptions
}

// ldExcludedMetadata are the attribute members that are not metadata.
var ldExcludedMetadata = map[string]bool{"datasetId": true}

// ldSkippedKeys are entity members that are not attributes.
var ldSkippedKeys = map[string]bool{"@context": true}

// Version implements Adapter.
func (LD) Version() string { return VersionLD }

// Tenant resolves the NGSI-LD tenant from NGSILD-Tenant, then
// fiware-service, then the configured fallback. The path follows the same
// order.
func (l LD) Tenant(r *http.Request) Tenant {
	t := Tenant{Service: l.Options.FallbackTenant, Subservice: l.Options.FallbackPath}
	if v := r.Header.Get(HeaderLDTenant); v != "" {
		t.Service = v
	} else if v := r.Header.Get(HeaderService); v != "" {
		t.Service = v
	}
	if v := r.Header.Get(HeaderLDPath); v != "" {
		t.Subservice = v
	} else if v := r.Header.Get(HeaderSubservice); v != "" {
		t.Subservice = v
	}
	return t
}

// ParseUpdate implements Adapter. PATCH .../attrs carries a map of
// attributes; PATCH .../attrs/{attr} carries a single attribute.
func (l LD) ParseUpdate(r *http.Request) (*UpdateRequest, error) {
	if err := requireJSON(r); err != nil {
		return nil, err
	}
	body, err := readBody(r)
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	if err := decodeJSON(body, &payload); err != nil {
		return nil, err
	}
	if err := checkLDPayload(payload); err != nil {
		return nil, err
	}

	entityID := chi.URLParam(r, "entity")
	if entityID == "" {
		return nil, fmt.Errorf("%w: missing entity id", ErrBadRequest)
	}

	e := Entity{ID: entityID}
	if attr := chi.URLParam(r, "attr"); attr != "" {
		if ds, ok := payload["datasetId"].(string); ok && ds != "@none" {
			return nil, datasetIDError()
		}
		a := keyValuedAttribute(attr, payload, ldExcludedMetadata)
		if a.Type == "" {
			a.Type = "Property"
		}
		e.Attributes = []Attribute{a}
	} else {
		e = keyValuedEntity(payload, ldSkippedKeys, ldExcludedMetadata)
		e.ID, e.Type = entityID, ""
	}

	return &UpdateRequest{Tenant: l.Tenant(r), Entities: []Entity{e}}, nil
}

// ParseQuery implements Adapter. Attributes are read from the comma
// separated "attrs" query parameter.
func (l LD) ParseQuery(r *http.Request) (*QueryRequest, error) {
	entityID := chi.URLParam(r, "entity")
	if entityID == "" {
		return nil, fmt.Errorf("%w: missing entity id", ErrBadRequest)
	}

	q := &QueryRequest{
		Tenant:   l.Tenant(r),
		Entities: []EntityRef{{ID: entityID, Type: r.URL.Query().Get("type")}},
	}
	if attrs := r.URL.Query().Get("attrs"); attrs != "" {
		for _, a := range strings.Split(attrs, ",") {
			if a = strings.TrimSpace(a); a != "" {
				q.Attributes = append(q.Attributes, a)
			}
		}
	}
	return q, nil
}

// ParseNotification implements Adapter.
func (l LD) ParseNotification(r *http.Request) (*Notification, error) {
	if err := requireJSON(r); err != nil {
		return nil, err
	}
	body, err := readBody(r)
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

	n := &Notification{Tenant: l.Tenant(r), SubscriptionID: parsed.SubscriptionID}
	for _, raw := range parsed.Data {
		if err := checkLDPayload(raw); err != nil {
			return nil, err
		}
		n.Entities = append(n.Entities, keyValuedEntity(raw, ldSkippedKeys, ldExcludedMetadata))
	}
	return n, nil
}

// WriteUpdateResponse implements Adapter.
func (LD) WriteUpdateResponse(w http.ResponseWriter, _ []Entity) {
	w.WriteHeader(http.StatusNoContent)
}

// WriteQueryResponse implements Adapter. NGSI-LD answers a single entity
// retrieval with the entity itself.
func (LD) WriteQueryResponse(w http.ResponseWriter, entities []Entity) {
	if len(entities) == 1 {
		writeJSON(w, http.StatusOK, keyValuedObject(entities[0], true))
		return
	}
	out := make([]map[string]any, 0, len(entities))
	for _, e := range entities {
		out = append(out, keyValuedObject(e, true))
	}
	writeJSON(w, http.StatusOK, out)
}

// WriteNotificationResponse implements Adapter.
func (LD) WriteNotificationResponse(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{})
}

// WriteError implements Adapter.
func (LD) WriteError(w http.ResponseWriter, _ *http.Request, _ Operation, err error) {
	writeErrorDescription(w, err)
}

// checkLDPayload replaces LDNull markers with nil and rejects payloads that
// then hold nulls or a datasetId.
func checkLDPayload(payload map[string]any) error {
	replaceLDNull(payload)
	if containsNull(payload) {
		return fmt.Errorf("%w: NGSI-LD Null found within the payload. This IoT Agent does not support nulls for this endpoint", ErrBadRequest)
	}
	for _, v := range payload {
		switch val := v.(type) {
		case []any:
			for _, item := range val {
				if obj, ok := item.(map[string]any); ok && obj["datasetId"] != nil {
					return datasetIDError()
				}
			}
		case map[string]any:
			if ds, ok := val["datasetId"]; ok && ds != "@none" {
				return datasetIDError()
			}
		}
	}
	return nil
}

func datasetIDError() error {
	return fmt.Errorf("%w: datasetId found within the payload. This IoT Agent does not support multi-attribute requests", ErrBadRequest)
}

func replaceLDNull(payload map[string]any) {
	for k, v := range payload {
		switch val := v.(type) {
		case string:
			if val == LDNull {
				payload[k] = nil
			}
		case map[string]any:
			replaceLDNull(val)
		}
	}
}

func containsNull(payload map[string]any) bool {
	for _, v := range payload {
		switch val := v.(type) {
		case nil:
			return true
		case map[string]any:
			if containsNull(val) {
				return true
			}
		}
	}
	return false
}

// ldAttributeType maps an attribute type onto an NGSI-LD attribute kind.
func ldAttributeType(t string) string {
	switch t {
	case "Property", "Relationship", "GeoProperty", "LanguageProperty":
		return t
	case "geo:json", "geo:point":
		return "GeoProperty"
	default:
		return "Property"
	}
}
