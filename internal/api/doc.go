// Package api implements the north-bound HTTP server of the IoT agent.
//
// This package provides:
//   - NGSI-v1, NGSI-v2 and NGSI-LD context-provider routes the broker
//     forwards updates, commands and lazy queries to
//   - the /notify endpoint for subscription notifications
//   - the provisioning API for devices (/iot/devices) and configuration
//     groups (/iot/services)
//   - /iot/about, /version, /health and the Prometheus metrics endpoint
//   - Middleware stack (correlator, logging, recovery, metrics, CORS, body limit)
//
// # Architecture
//
// Context-provider requests are parsed by the ngsi adapter of their dialect
// into a version-neutral request, handed to the dispatcher and answered by
// the same adapter. Every request carries a correlator taken from the
// Fiware-Correlator header or generated, which is echoed in the response
// and passed to the handlers.
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api
