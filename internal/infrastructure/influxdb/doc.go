// Package influxdb records attribute history in InfluxDB.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, batched non-blocking writes and health monitoring. The
// history middleware writes one point per attribute of every update the
// agent sends to the context broker.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteAttribute(influxdb.AttributeSample{
//	    Service:  "smartgondor",
//	    EntityID: "TheFirstLight",
//	    Name:     "temperature",
//	    Value:    19.5,
//	})
//
// # Error Handling
//
// Write operations are non-blocking; batch errors are delivered to the
// callback set with SetOnError, wrapped in ErrWriteFailed. Stats counts
// written, dropped and failed samples. Connection and health check errors
// are returned directly.
package influxdb
