package provision

import (
	"time"

	"github.com/nerrad567/iotagent-core/internal/command"
	"github.com/nerrad567/iotagent-core/internal/device"
	"github.com/nerrad567/iotagent-core/internal/middleware"
	"github.com/nerrad567/iotagent-core/internal/ngsi"
)

// Initial attribute values by type.
const (
	LocationType    = "geo:point"
	LocationDefault = "0, 0"
	DateTimeType    = "DateTime"
	DateTimeDefault = "1970-01-01T00:00:00.000Z"
	ValueDefault    = " "
)

// InitialValue is the placeholder written for an attribute of attrType
// before the device reports a value.
func InitialValue(attrType string) any {
	switch attrType {
	case LocationType:
		return LocationDefault
	case DateTimeType:
		return DateTimeDefault
	default:
		return ValueDefault
	}
}

// initialEntity builds the entity created when d is registered. Active
// attributes routed to another entity are left out; static attributes keep
// their value; every command gets <name>_status and <name>_info.
func initialEntity(d *device.Device, now time.Time) ngsi.Entity {
	e := ngsi.Entity{ID: d.Name, Type: d.Type}

	for _, a := range d.Active {
		if a.EntityName != "" {
			continue
		}
		e.Attributes = append(e.Attributes, ngsi.Attribute{
			Name:     a.Name,
			Type:     a.Type,
			Value:    InitialValue(a.Type),
			Metadata: a.Metadata,
		})
	}
	for _, s := range d.StaticAttributes {
		e.Attributes = append(e.Attributes, ngsi.Attribute{Name: s.Name, Type: s.Type, Value: s.Value, Metadata: s.Metadata})
	}
	for _, c := range d.Commands {
		e.Attributes = append(e.Attributes,
			ngsi.Attribute{Name: c.Name + command.StatusSuffix, Type: command.StatusType, Value: command.StatusUnknown},
			ngsi.Attribute{Name: c.Name + command.InfoSuffix, Type: command.ResultType, Value: ValueDefault},
		)
	}

	if d.HasTimestamp() && len(e.Attributes) > 0 {
		if _, ok := e.Attribute(middleware.TimestampAttribute); !ok {
			e.Attributes = append(e.Attributes, ngsi.Attribute{
				Name:  middleware.TimestampAttribute,
				Type:  middleware.TimestampType,
				Value: now.UTC().Format(middleware.TimestampFormat),
			})
		}
	}
	return e
}
