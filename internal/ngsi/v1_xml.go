package ngsi

import (
	"encoding/xml"
	"fmt"
)

type xmlEntityID struct {
	Type      string `xml:"type,attr"`
	IsPattern string `xml:"isPattern,attr"`
	ID        string `xml:"id"`
}

type xmlMetadata struct {
	Name  string `xml:"name"`
	Type  string `xml:"type"`
	Value string `xml:"value"`
}

type xmlContextAttribute struct {
	Name      string        `xml:"name"`
	Type      string        `xml:"type"`
	Value     string        `xml:"contextValue"`
	Metadatas []xmlMetadata `xml:"metadata>contextMetadata"`
}

type xmlContextElement struct {
	EntityID   xmlEntityID           `xml:"entityId"`
	Attributes []xmlContextAttribute `xml:"contextAttributeList>contextAttribute"`
}

type xmlUpdateContextRequest struct {
	XMLName         xml.Name            `xml:"updateContextRequest"`
	ContextElements []xmlContextElement `xml:"contextElementList>contextElement"`
	UpdateAction    string              `xml:"updateAction"`
}

type xmlQueryContextRequest struct {
	XMLName    xml.Name      `xml:"queryContextRequest"`
	Entities   []xmlEntityID `xml:"entityIdList>entityId"`
	Attributes []string      `xml:"attributeList>attribute"`
}

type xmlNotifyContextRequest struct {
	XMLName        xml.Name `xml:"notifyContextRequest"`
	SubscriptionID string   `xml:"subscriptionId"`
	Responses      []struct {
		ContextElement xmlContextElement `xml:"contextElement"`
		StatusCode     struct {
			Code string `xml:"code"`
		} `xml:"statusCode"`
	} `xml:"contextResponseList>contextElementResponse"`
}

func decodeXML(body []byte, v any) error {
	if err := xml.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: malformed XML: %w", ErrBadRequest, err)
	}
	return nil
}

func decodeXMLUpdate(body []byte) (v1UpdateBody, error) {
	var req xmlUpdateContextRequest
	if err := decodeXML(body, &req); err != nil {
		return v1UpdateBody{}, err
	}
	if len(req.ContextElements) == 0 {
		return v1UpdateBody{}, fmt.Errorf("%w: no context elements", ErrBadRequest)
	}
	out := v1UpdateBody{UpdateAction: req.UpdateAction}
	for _, ce := range req.ContextElements {
		out.ContextElements = append(out.ContextElements, ce.toJSON())
	}
	return out, nil
}

func decodeXMLQuery(body []byte) (v1QueryBody, error) {
	var req xmlQueryContextRequest
	if err := decodeXML(body, &req); err != nil {
		return v1QueryBody{}, err
	}
	var out v1QueryBody
	out.Attributes = req.Attributes
	for _, e := range req.Entities {
		out.Entities = append(out.Entities, v1QueryEntity{ID: e.ID, Type: e.Type, IsPattern: e.IsPattern})
	}
	return out, nil
}

func decodeXMLNotification(body []byte) (v1NotificationBody, error) {
	var req xmlNotifyContextRequest
	if err := decodeXML(body, &req); err != nil {
		return v1NotificationBody{}, err
	}
	out := v1NotificationBody{SubscriptionID: req.SubscriptionID}
	for _, cr := range req.Responses {
		var status *v1StatusCode
		if cr.StatusCode.Code != "" {
			status = &v1StatusCode{Code: cr.StatusCode.Code}
		}
		out.ContextResponses = append(out.ContextResponses, v1NotifiedElement{
			ContextElement: cr.ContextElement.toJSON(),
			StatusCode:     status,
		})
	}
	return out, nil
}

func (ce xmlContextElement) toJSON() v1ContextElement {
	out := v1ContextElement{
		ID:        ce.EntityID.ID,
		Type:      ce.EntityID.Type,
		IsPattern: ce.EntityID.IsPattern,
	}
	for _, a := range ce.Attributes {
		attr := v1Attribute{Name: a.Name, Type: a.Type, Value: a.Value}
		for _, m := range a.Metadatas {
			attr.Metadatas = append(attr.Metadatas, v1Metadata{Name: m.Name, Type: m.Type, Value: m.Value})
		}
		out.Attributes = append(out.Attributes, attr)
	}
	return out
}
