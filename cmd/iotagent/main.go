// IoT Agent - NGSI context provider for constrained devices
//
// This is the main entry point of the agent. It serves the NGSI north-bound
// API and the provisioning API, keeps the device and configuration-group
// registry, and talks to devices over MQTT.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nerrad567/iotagent-core/internal/api"
	"github.com/nerrad567/iotagent-core/internal/broker"
	"github.com/nerrad567/iotagent-core/internal/command"
	"github.com/nerrad567/iotagent-core/internal/device"
	"github.com/nerrad567/iotagent-core/internal/dispatch"
	"github.com/nerrad567/iotagent-core/internal/expression"
	"github.com/nerrad567/iotagent-core/internal/infrastructure/config"
	"github.com/nerrad567/iotagent-core/internal/infrastructure/database"
	"github.com/nerrad567/iotagent-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/iotagent-core/internal/infrastructure/logging"
	"github.com/nerrad567/iotagent-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/iotagent-core/internal/middleware"
	"github.com/nerrad567/iotagent-core/internal/provision"
	"github.com/nerrad567/iotagent-core/internal/southbound"
	"github.com/nerrad567/iotagent-core/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Cancel on Ctrl+C and SIGTERM for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability. It
// returns nil on a clean shutdown.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting IoT agent",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	devices := device.NewRegistry(device.NewSQLiteRepository(db.DB))
	devices.SetLogger(log.Component("device"))
	groups := device.NewGroupRegistry(device.NewSQLiteGroupRepository(db.DB))
	groups.SetLogger(log.Component("group"))

	contextBroker := newBroker(cfg, log)

	commands, err := command.NewManager(command.NewSQLiteStore(db.DB), command.Options{
		Interval:   cfg.Polling.DaemonFrequency,
		Expiration: cfg.Polling.Expiration,
		Registerer: registry,
	})
	if err != nil {
		return fmt.Errorf("creating command manager: %w", err)
	}
	commands.SetLogger(log.Component("command"))

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			stats := influxClient.Stats()
			log.Info("closing InfluxDB connection",
				"written", stats.Written, "dropped", stats.Dropped, "failed", stats.Failed)
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("attribute history enabled",
			"url", cfg.InfluxDB.URL,
			"target", influxClient.Target(),
			"measurement", influxdb.AttributeMeasurement,
		)
	} else {
		log.Info("InfluxDB disabled, attribute history not recorded")
	}

	engine := expression.Default()
	hooks := newHooks(engine, influxClient)

	dispatcher, err := dispatch.NewDispatcher(hooks, devices, groups, commands, contextBroker, dispatch.Options{
		Engine:     engine,
		Registerer: registry,
	})
	if err != nil {
		return fmt.Errorf("creating dispatcher: %w", err)
	}
	dispatcher.SetLogger(log.Component("dispatch"))

	commands.SetExpiryFunc(dispatcher.ExpireCommand)
	commands.Start(ctx)
	defer commands.Stop()

	provisioner := provision.NewService(devices, groups, contextBroker, provision.Options{
		Agent:         cfg.Agent,
		Types:         cfg.Types,
		BrokerVersion: cfg.ContextBroker.NGSIVersion,
		Engine:        engine,
	})
	provisioner.SetLogger(log.Component("provision"))

	// Connect to MQTT broker (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = startMQTT(ctx, cfg, log, provisioner, dispatcher, commands, registry)
		if err != nil {
			return err
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
	} else {
		log.Info("MQTT disabled, commands to push devices need another transport")
	}

	server, err := api.New(api.Deps{
		Config:        cfg.API,
		Northbound:    cfg.Northbound,
		ContextBroker: cfg.ContextBroker,
		Metrics:       cfg.Metrics,
		Agent:         cfg.Agent,
		Logger:        log,
		Dispatcher:    dispatcher,
		Provision:     provisioner,
		Devices:       devices,
		Groups:        groups,
		Registerer:    registry,
		Gatherer:      registry,
		Version:       version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error stopping API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// API server, MQTT, command sweep, InfluxDB, database

	log.Info("IoT agent stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses IOTA_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("IOTA_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// newBroker returns the HTTP context broker client, or an in-memory
// recorder when no broker URL is configured.
func newBroker(cfg *config.Config, log *logging.Logger) broker.Client {
	if cfg.ContextBroker.URL == "" {
		log.Warn("no context broker configured, entity updates are kept in memory")
		return broker.NewRecorder()
	}
	log.Info("context broker configured",
		"url", cfg.ContextBroker.URL,
		"ngsi_version", cfg.ContextBroker.NGSIVersion,
	)
	return broker.NewHTTPClient(broker.Config{
		URL:           cfg.ContextBroker.URL,
		Version:       cfg.ContextBroker.NGSIVersion,
		ProviderURL:   cfg.Northbound.ProviderURL,
		JSONLDContext: cfg.ContextBroker.JSONLDContext,
		Timeout:       cfg.GetBrokerTimeout(),
	})
}

// newHooks builds the update middleware chain. History runs last so it
// records what the broker receives.
func newHooks(engine *expression.Engine, history *influxdb.Client) *dispatch.Context {
	hooks := &dispatch.Context{}
	hooks.AddUpdateMiddleware(middleware.AttributeAlias())
	hooks.AddUpdateMiddleware(middleware.Expression(engine))
	hooks.AddUpdateMiddleware(middleware.MultiEntity(engine))
	hooks.AddUpdateMiddleware(middleware.Timestamp(time.Now))
	if history != nil {
		hooks.AddUpdateMiddleware(middleware.History(history, time.Now))
	}
	return hooks
}

// startMQTT connects to the MQTT broker and starts the south-bound
// transport as the command handler of the dispatcher.
func startMQTT(
	ctx context.Context,
	cfg *config.Config,
	log *logging.Logger,
	provisioner *provision.Service,
	dispatcher *dispatch.Dispatcher,
	commands *command.Manager,
	registry prometheus.Registerer,
) (*mqtt.Client, error) {
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	mqttLog := log.Component("mqtt")
	mqttClient.SetLogger(mqttLog)
	mqttClient.SetOnConnect(func() {
		mqttLog.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		mqttLog.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	transport, err := southbound.New(mqttClient, provisioner, dispatcher, commands, southbound.Options{
		QoS:        byte(cfg.MQTT.QoS),
		Measures:   true,
		Registerer: registry,
	})
	if err != nil {
		_ = mqttClient.Close()
		return nil, fmt.Errorf("creating southbound transport: %w", err)
	}
	transport.SetLogger(log.Component("southbound"))
	dispatcher.Context().SetCommandHandler(transport.CommandHandler(nil))

	if err := transport.Start(ctx); err != nil {
		_ = mqttClient.Close()
		return nil, fmt.Errorf("starting southbound transport: %w", err)
	}
	return mqttClient, nil
}

// healthCheck verifies all infrastructure connections are healthy. The
// MQTT and InfluxDB clients may be nil when disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
