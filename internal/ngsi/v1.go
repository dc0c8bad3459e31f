package ngsi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// V1 speaks NGSI-v1 (NGSI10). Bodies may be JSON or XML; responses are
// always JSON.
type V1 struct{}

type v1Metadata struct {
	Name  string `json:"name"`
	Type  string `json:"type,omitempty"`
	Value any    `json:"value"`
}

type v1Attribute struct {
	Name      string       `json:"name"`
	Type      string       `json:"type,omitempty"`
	Value     any          `json:"value"`
	Metadatas []v1Metadata `json:"metadatas,omitempty"`
}

type v1ContextElement struct {
	Attributes []v1Attribute `json:"attributes"`
	ID         string        `json:"id"`
	IsPattern  any           `json:"isPattern"`
	Type       string        `json:"type,omitempty"`
}

type v1StatusCode struct {
	Code         any    `json:"code"`
	ReasonPhrase string `json:"reasonPhrase"`
	Details      string `json:"details,omitempty"`
}

type v1ContextResponse struct {
	ContextElement any          `json:"contextElement"`
	StatusCode     v1StatusCode `json:"statusCode"`
}

type v1UpdateBody struct {
	ContextElements []v1ContextElement `json:"contextElements"`
	UpdateAction    string             `json:"updateAction"`
}

type v1QueryEntity struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	IsPattern any    `json:"isPattern"`
}

type v1QueryBody struct {
	Entities   []v1QueryEntity `json:"entities"`
	Attributes []string        `json:"attributes"`
}

type v1NotifiedElement struct {
	ContextElement v1ContextElement `json:"contextElement"`
	StatusCode     *v1StatusCode    `json:"statusCode"`
}

type v1NotificationBody struct {
	SubscriptionID   string              `json:"subscriptionId"`
	ContextResponses []v1NotifiedElement `json:"contextResponses"`
}

// Version implements Adapter.
func (V1) Version() string { return VersionV1 }

// ParseUpdate implements Adapter.
func (V1) ParseUpdate(r *http.Request) (*UpdateRequest, error) {
	tenant, body, isXML, err := v1Prelude(r)
	if err != nil {
		return nil, err
	}

	var parsed v1UpdateBody
	if isXML {
		if parsed, err = decodeXMLUpdate(body); err != nil {
			return nil, err
		}
	} else {
		if err := validate(v1UpdateSchema, body); err != nil {
			return nil, err
		}
		if err := decodeJSON(body, &parsed); err != nil {
			return nil, err
		}
	}

	req := &UpdateRequest{Tenant: tenant}
	for _, ce := range parsed.ContextElements {
		req.Entities = append(req.Entities, ce.entity())
	}
	return req, nil
}

// ParseQuery implements Adapter.
func (V1) ParseQuery(r *http.Request) (*QueryRequest, error) {
	tenant, body, isXML, err := v1Prelude(r)
	if err != nil {
		return nil, err
	}

	var parsed v1QueryBody
	if isXML {
		if parsed, err = decodeXMLQuery(body); err != nil {
			return nil, err
		}
	} else {
		if err := validate(v1QuerySchema, body); err != nil {
			return nil, err
		}
		if err := decodeJSON(body, &parsed); err != nil {
			return nil, err
		}
	}

	req := &QueryRequest{Tenant: tenant, Attributes: parsed.Attributes}
	for _, e := range parsed.Entities {
		if isTrue(e.IsPattern) {
			return nil, fmt.Errorf("%w: pattern queries are not supported", ErrBadRequest)
		}
		req.Entities = append(req.Entities, EntityRef{ID: e.ID, Type: e.Type})
	}
	if len(req.Entities) == 0 {
		return nil, fmt.Errorf("%w: query does not contain any entity", ErrBadRequest)
	}
	return req, nil
}

// ParseNotification implements Adapter. Context responses whose status code
// is not 200 are skipped.
func (V1) ParseNotification(r *http.Request) (*Notification, error) {
	tenant, body, isXML, err := v1Prelude(r)
	if err != nil {
		return nil, err
	}

	var parsed v1NotificationBody
	if isXML {
		if parsed, err = decodeXMLNotification(body); err != nil {
			return nil, err
		}
	} else {
		if err := validate(v1NotificationSchema, body); err != nil {
			return nil, err
		}
		if err := decodeJSON(body, &parsed); err != nil {
			return nil, err
		}
	}

	n := &Notification{Tenant: tenant, SubscriptionID: parsed.SubscriptionID}
	for _, cr := range parsed.ContextResponses {
		if cr.StatusCode != nil && fmt.Sprint(cr.StatusCode.Code) != "200" {
			continue
		}
		n.Entities = append(n.Entities, cr.ContextElement.entity())
	}
	return n, nil
}

// WriteUpdateResponse implements Adapter. Updated attributes are echoed
// with empty values.
func (V1) WriteUpdateResponse(w http.ResponseWriter, entities []Entity) {
	responses := make([]v1ContextResponse, 0, len(entities))
	for _, e := range entities {
		blank := e
		blank.Attributes = make([]Attribute, len(e.Attributes))
		for i, a := range e.Attributes {
			blank.Attributes[i] = Attribute{Name: a.Name, Type: a.Type, Value: ""}
		}
		responses = append(responses, v1OK(blank))
	}
	writeJSON(w, http.StatusOK, map[string]any{"contextResponses": responses})
}

// WriteQueryResponse implements Adapter.
func (V1) WriteQueryResponse(w http.ResponseWriter, entities []Entity) {
	responses := make([]v1ContextResponse, 0, len(entities))
	for _, e := range entities {
		responses = append(responses, v1OK(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"contextResponses": responses})
}

// WriteNotificationResponse implements Adapter.
func (V1) WriteNotificationResponse(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{})
}

// WriteError implements Adapter. Update failures echo the request body in a
// context response; other failures use the errorCode envelope.
func (V1) WriteError(w http.ResponseWriter, r *http.Request, op Operation, err error) {
	name, code, details := errorDetails(err)

	if op != OpUpdate {
		writeJSON(w, code, map[string]any{
			"errorCode": v1StatusCode{Code: code, ReasonPhrase: name, Details: details},
		})
		return
	}

	var element any = map[string]any{}
	if r != nil {
		if body, readErr := readBody(r); readErr == nil && json.Valid(body) {
			element = json.RawMessage(body)
		}
	}
	writeJSON(w, code, map[string]any{
		"contextResponses": []v1ContextResponse{{
			ContextElement: element,
			StatusCode:     v1StatusCode{Code: code, ReasonPhrase: name, Details: details},
		}},
	})
}

// v1Prelude checks headers and content type and reads the body.
func v1Prelude(r *http.Request) (Tenant, []byte, bool, error) {
	tenant, err := fiwareTenant(r)
	if err != nil {
		return Tenant{}, nil, false, err
	}

	mt := mediaType(r)
	isXML := mt == "application/xml" || mt == "text/xml"
	if !isXML && !isJSON(mt) {
		return Tenant{}, nil, false, fmt.Errorf("%w: %q", ErrUnsupportedContentType, r.Header.Get("Content-Type"))
	}

	body, err := readBody(r)
	if err != nil {
		return Tenant{}, nil, false, err
	}
	return tenant, body, isXML, nil
}

func (ce v1ContextElement) entity() Entity {
	e := Entity{ID: ce.ID, Type: ce.Type}
	for _, a := range ce.Attributes {
		attr := Attribute{Name: a.Name, Type: a.Type, Value: a.Value}
		if len(a.Metadatas) > 0 {
			attr.Metadata = make(map[string]any, len(a.Metadatas))
			for _, m := range a.Metadatas {
				attr.Metadata[m.Name] = map[string]any{"type": m.Type, "value": m.Value}
			}
		}
		e.Attributes = append(e.Attributes, attr)
	}
	return e
}

func v1OK(e Entity) v1ContextResponse {
	element := v1ContextElement{
		Attributes: make([]v1Attribute, 0, len(e.Attributes)),
		ID:         e.ID,
		IsPattern:  false,
		Type:       e.Type,
	}
	for _, a := range e.Attributes {
		element.Attributes = append(element.Attributes, v1Attribute{
			Name:      a.Name,
			Type:      a.Type,
			Value:     a.Value,
			Metadatas: v1Metadatas(a.Metadata),
		})
	}
	return v1ContextResponse{
		ContextElement: element,
		StatusCode:     v1StatusCode{Code: http.StatusOK, ReasonPhrase: "OK"},
	}
}

func v1Metadatas(md map[string]any) []v1Metadata {
	if len(md) == 0 {
		return nil
	}
	out := make([]v1Metadata, 0, len(md))
	for _, name := range sortedKeys(md) {
		m := v1Metadata{Name: name, Value: md[name]}
		if obj, ok := md[name].(map[string]any); ok {
			m.Type, _ = obj["type"].(string)
			m.Value = obj["value"]
		}
		out = append(out, m)
	}
	return out
}

func isTrue(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return strings.EqualFold(b, "true")
	}
	return false
}
