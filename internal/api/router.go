package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// defaultMetricsPath is used when metrics are enabled without a path.
const defaultMetricsPath = "/metrics"

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(s.corsMiddleware())
	r.Use(s.bodySizeLimitMiddleware)

	// NGSI-v1 context provider
	for _, prefix := range []string{"/v1", "/NGSI10"} {
		r.Post(prefix+"/updateContext", s.handleUpdate(s.v1))
		r.Post(prefix+"/queryContext", s.handleQuery(s.v1))
	}

	// NGSI-v2 context provider
	r.Post("/v2/op/update", s.handleUpdate(s.v2))
	r.Post("/v2/op/query", s.handleQuery(s.v2))

	if s.northbound.PathAliases {
		r.Post("//updateContext", s.handleUpdate(s.v1))
		r.Post("//op/update", s.handleUpdate(s.v2))
		r.Post("//op/query", s.handleQuery(s.v2))
	}

	// NGSI-LD context source
	r.Route("/ngsi-ld/v1/entities", func(r chi.Router) {
		r.Get("/", s.handleLDUnsupported)
		r.Post("/", s.handleLDUnsupported)

		r.Route("/{entity}", func(r chi.Router) {
			r.Get("/", s.handleQuery(s.ld))
			r.Patch("/", s.handleLDUnsupported)
			r.Delete("/", s.handleLDUnsupported)

			r.Patch("/attrs", s.handleUpdate(s.ld))
			r.Put("/attrs", s.handleUpdate(s.ld))
			r.Patch("/attrs/{attr}", s.handleUpdate(s.ld))
			r.Put("/attrs/{attr}", s.handleUpdate(s.ld))
			r.Delete("/attrs/{attr}", s.handleLDUnsupported)
		})
	})

	r.Post("/notify", s.handleNotify(s.notify))

	// Provisioning API
	r.Route("/iot", func(r chi.Router) {
		r.Get("/about", s.handleAbout)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)
			r.Post("/", s.handleCreateDevices)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Put("/", s.handleUpdateDevice)
				r.Delete("/", s.handleDeleteDevice)
			})
		})

		r.Route("/services", func(r chi.Router) {
			r.Get("/", s.handleListGroups)
			r.Post("/", s.handleCreateGroups)
			r.Put("/", s.handleUpdateGroup)
			r.Delete("/", s.handleDeleteGroup)
		})
	})

	r.Get("/version", s.handleAbout)
	r.Get("/health", s.handleHealth)

	if s.metricsCfg.Enabled && s.gatherer != nil {
		path := s.metricsCfg.Path
		if path == "" {
			path = defaultMetricsPath
		}
		r.Handle(path, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return r
}
