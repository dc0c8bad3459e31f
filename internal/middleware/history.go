package middleware

import (
	"context"
	"time"

	"github.com/nerrad567/iotagent-core/internal/device"
	"github.com/nerrad567/iotagent-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/iotagent-core/internal/ngsi"
)

// HistoryWriter receives attribute samples. *influxdb.Client implements it.
type HistoryWriter interface {
	WriteAttribute(s influxdb.AttributeSample)
}

// History records every attribute of the update in w and passes the
// entities through unchanged. Register it last so it sees what the broker
// receives.
func History(w HistoryWriter, now func() time.Time) Func {
	if now == nil {
		now = time.Now
	}
	return func(_ context.Context, entities []ngsi.Entity, d *device.Device) ([]ngsi.Entity, *device.Device, error) {
		if w == nil {
			return entities, d, nil
		}

		ts := now()
		var service, subservice string
		if d != nil {
			service, subservice = d.Service, d.Subservice
		}
		for _, e := range entities {
			for _, a := range e.Attributes {
				w.WriteAttribute(influxdb.AttributeSample{
					Service:    service,
					Subservice: subservice,
					EntityID:   e.ID,
					EntityType: e.Type,
					Name:       a.Name,
					Type:       a.Type,
					Value:      a.Value,
					Time:       ts,
				})
			}
		}
		return entities, d, nil
	}
}

var _ HistoryWriter = (*influxdb.Client)(nil)
