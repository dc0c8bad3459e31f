package influxdb

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// AttributeMeasurement is the measurement attribute history is written to.
const AttributeMeasurement = "attribute_history"

// AttributeSample is one attribute value of an entity at a point in time.
type AttributeSample struct {
	Service    string
	Subservice string
	EntityID   string
	EntityType string
	Name       string
	Type       string
	Value      any
	Time       time.Time
}

// WriteAttribute records an attribute value.
//
// Numbers go to the "value" field, booleans to "flag", and anything else to
// "text" (objects and arrays as JSON). The write is non-blocking; data is
// batched and sent asynchronously. Samples written after Close are
// counted as dropped.
func (c *Client) WriteAttribute(s AttributeSample) {
	if !c.IsConnected() {
		c.dropped.Add(1)
		return
	}
	c.writeAPI.WritePoint(attributePoint(s))
	c.written.Add(1)
}

func attributePoint(s AttributeSample) *write.Point {
	ts := s.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	tags := map[string]string{
		"service":     s.Service,
		"subservice":  s.Subservice,
		"entity_id":   s.EntityID,
		"entity_type": s.EntityType,
		"attribute":   s.Name,
	}
	if s.Type != "" {
		tags["attribute_type"] = s.Type
	}

	return write.NewPoint(AttributeMeasurement, tags, attributeFields(s.Value), ts)
}

func attributeFields(v any) map[string]interface{} {
	switch val := v.(type) {
	case float64:
		return map[string]interface{}{"value": val}
	case float32:
		return map[string]interface{}{"value": float64(val)}
	case int:
		return map[string]interface{}{"value": float64(val)}
	case int64:
		return map[string]interface{}{"value": float64(val)}
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return map[string]interface{}{"value": f}
		}
		return map[string]interface{}{"text": val.String()}
	case bool:
		return map[string]interface{}{"flag": val}
	case string:
		return map[string]interface{}{"text": val}
	case nil:
		return map[string]interface{}{"text": ""}
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return map[string]interface{}{"text": fmt.Sprint(val)}
		}
		return map[string]interface{}{"text": string(raw)}
	}
}
