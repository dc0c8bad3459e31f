package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/iotagent-core/internal/device"
	"github.com/nerrad567/iotagent-core/internal/dispatch"
	"github.com/nerrad567/iotagent-core/internal/infrastructure/config"
	"github.com/nerrad567/iotagent-core/internal/infrastructure/logging"
	"github.com/nerrad567/iotagent-core/internal/ngsi"
	"github.com/nerrad567/iotagent-core/internal/provision"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config        config.APIConfig
	Northbound    config.NorthboundConfig
	ContextBroker config.ContextBrokerConfig
	Metrics       config.MetricsConfig
	Agent         config.AgentConfig
	Logger        *logging.Logger

	Dispatcher *dispatch.Dispatcher
	Provision  *provision.Service
	Devices    *device.Registry
	Groups     *device.GroupRegistry

	// Registerer receives the HTTP metrics; Gatherer backs the metrics
	// endpoint. Both are optional.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer

	Version string
}

// Server is the north-bound HTTP server of the agent.
//
// It serves the NGSI context-provider routes the broker forwards to, the
// provisioning API for devices and configuration groups, and the health,
// version and metrics endpoints. The server is created with New() and
// started with Start().
type Server struct {
	cfg        config.APIConfig
	northbound config.NorthboundConfig
	metricsCfg config.MetricsConfig
	agent      config.AgentConfig
	logger     *logging.Logger
	dispatcher *dispatch.Dispatcher
	provision  *provision.Service
	devices    *device.Registry
	groups     *device.GroupRegistry
	gatherer   prometheus.Gatherer
	metrics    *httpMetrics
	version    string
	started    time.Time

	v1     ngsi.Adapter
	v2     ngsi.Adapter
	ld     ngsi.Adapter
	notify ngsi.Adapter

	server *http.Server
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if deps.Provision == nil {
		return nil, fmt.Errorf("provisioning service is required")
	}
	if deps.Devices == nil || deps.Groups == nil {
		return nil, fmt.Errorf("device and group registries are required")
	}

	ldOpts := ngsi.LDOptions{
		FallbackTenant: deps.ContextBroker.FallbackTenant,
		FallbackPath:   deps.ContextBroker.FallbackPath,
	}
	notifyVersion := deps.Northbound.NGSIVersion
	if notifyVersion == "" {
		notifyVersion = ngsi.VersionV2
	}
	notify, err := ngsi.New(notifyVersion, ldOpts)
	if err != nil {
		return nil, fmt.Errorf("notification adapter: %w", err)
	}

	m, err := newHTTPMetrics(deps.Registerer)
	if err != nil {
		return nil, fmt.Errorf("registering http metrics: %w", err)
	}

	return &Server{
		cfg:        deps.Config,
		northbound: deps.Northbound,
		metricsCfg: deps.Metrics,
		agent:      deps.Agent,
		logger:     deps.Logger.Component("api"),
		dispatcher: deps.Dispatcher,
		provision:  deps.Provision,
		devices:    deps.Devices,
		groups:     deps.Groups,
		gatherer:   deps.Gatherer,
		metrics:    m,
		version:    deps.Version,
		started:    time.Now(),
		v1:         ngsi.V1{},
		v2:         ngsi.V2{},
		ld:         ngsi.LD{Options: ldOpts},
		notify:     notify,
	}, nil
}

// Start begins listening for HTTP connections.
//
// The listener runs in a background goroutine; the server can be stopped
// with Close().
func (s *Server) Start(_ context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}

// Handler returns the router without starting a listener. Used to mount
// the API in tests and behind other muxes.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}
