package ngsi

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const attributeListSchema = `{
	"type": "array",
	"items": {
		"type": "object",
		"required": ["name"],
		"properties": {
			"name": {"type": "string"},
			"type": {"type": "string"},
			"metadatas": {"type": "array"}
		}
	}
}`

var (
	v1UpdateSchema = mustSchema(`{
		"type": "object",
		"required": ["contextElements"],
		"properties": {
			"updateAction": {"type": "string"},
			"contextElements": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["id", "attributes"],
					"properties": {
						"id": {"type": "string"},
						"type": {"type": "string"},
						"attributes": ` + attributeListSchema + `
					}
				}
			}
		}
	}`)

	v1QuerySchema = mustSchema(`{
		"type": "object",
		"required": ["entities"],
		"properties": {
			"entities": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["id"],
					"properties": {
						"id": {"type": "string"},
						"type": {"type": "string"}
					}
				}
			},
			"attributes": {"type": "array", "items": {"type": "string"}}
		}
	}`)

	v1NotificationSchema = mustSchema(`{
		"type": "object",
		"required": ["contextResponses"],
		"properties": {
			"subscriptionId": {"type": "string"},
			"contextResponses": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["contextElement"],
					"properties": {
						"contextElement": {
							"type": "object",
							"required": ["id"],
							"properties": {
								"id": {"type": "string"},
								"attributes": ` + attributeListSchema + `
							}
						}
					}
				}
			}
		}
	}`)

	v2UpdateSchema = mustSchema(`{
		"type": "object",
		"required": ["actionType", "entities"],
		"properties": {
			"actionType": {"type": "string"},
			"entities": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["id"],
					"properties": {
						"id": {"type": "string"},
						"type": {"type": "string"}
					}
				}
			}
		}
	}`)

	// Shared by NGSI-v2 and NGSI-LD notifications.
	dataNotificationSchema = mustSchema(`{
		"type": "object",
		"required": ["data"],
		"properties": {
			"subscriptionId": {"type": "string"},
			"data": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["id"],
					"properties": {
						"id": {"type": "string"},
						"type": {"type": "string"}
					}
				}
			}
		}
	}`)
)

func mustSchema(source string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(source))
	if err != nil {
		panic(fmt.Sprintf("ngsi: compiling schema: %v", err))
	}
	return schema
}

// validate checks body against schema. Both malformed JSON and schema
// violations are reported as ErrBadRequest.
func validate(schema *gojsonschema.Schema, body []byte) error {
	if len(body) == 0 {
		return fmt.Errorf("%w: empty body", ErrBadRequest)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("%w: malformed JSON: %w", ErrBadRequest, err)
	}
	if result.Valid() {
		return nil
	}
	descs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		descs = append(descs, desc.String())
	}
	return fmt.Errorf("%w: %s", ErrBadRequest, strings.Join(descs, "; "))
}
