package middleware

import (
	"context"
	"time"

	"github.com/nerrad567/iotagent-core/internal/device"
	"github.com/nerrad567/iotagent-core/internal/ngsi"
)

// Timestamp attribute name and type.
const (
	TimestampAttribute = "TimeInstant"
	TimestampType      = "DateTime"
)

// TimestampFormat is the layout TimeInstant values are written in.
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// Timestamp stamps the update of a device whose timestamp flag is set. The
// TimeInstant of the first entity is reused when present; otherwise now is
// used. Every entity gets the TimeInstant attribute and every other
// attribute gets it as metadata.
func Timestamp(now func() time.Time) Func {
	if now == nil {
		now = time.Now
	}
	return func(_ context.Context, entities []ngsi.Entity, d *device.Device) ([]ngsi.Entity, *device.Device, error) {
		if d == nil || !d.HasTimestamp() || len(entities) == 0 {
			return entities, d, nil
		}

		var stamp any = now().UTC().Format(TimestampFormat)
		if ts, ok := entities[0].Attribute(TimestampAttribute); ok && ts.Value != nil {
			stamp = ts.Value
		}

		out := make([]ngsi.Entity, len(entities))
		for i, e := range entities {
			out[i] = stampEntity(e, stamp)
		}
		return out, d, nil
	}
}

func stampEntity(e ngsi.Entity, stamp any) ngsi.Entity {
	attrs := make([]ngsi.Attribute, 0, len(e.Attributes)+1)
	for _, a := range e.Attributes {
		if a.Name == TimestampAttribute {
			continue
		}
		md := make(map[string]any, len(a.Metadata)+1)
		for k, v := range a.Metadata {
			md[k] = v
		}
		md[TimestampAttribute] = map[string]any{"type": TimestampType, "value": stamp}
		a.Metadata = md
		attrs = append(attrs, a)
	}
	attrs = append(attrs, ngsi.Attribute{Name: TimestampAttribute, Type: TimestampType, Value: stamp})
	e.Attributes = attrs
	return e
}
