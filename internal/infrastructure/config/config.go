package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrBadConfiguration is returned when required connection settings are
// missing or inconsistent. It is fatal at startup.
var ErrBadConfiguration = errors.New("config: bad configuration")

// NGSI versions understood by the agent, both north-bound and towards the broker.
const (
	NGSIv1 = "v1"
	NGSIv2 = "v2"
	NGSILD = "ld"
)

// Config is the root configuration structure for the IoT agent.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Agent         AgentConfig         `yaml:"agent"`
	Database      DatabaseConfig      `yaml:"database"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	API           APIConfig           `yaml:"api"`
	Northbound    NorthboundConfig    `yaml:"northbound"`
	ContextBroker ContextBrokerConfig `yaml:"context_broker"`
	Polling       PollingConfig       `yaml:"polling"`
	InfluxDB      InfluxDBConfig      `yaml:"influxdb"`
	Logging       LoggingConfig       `yaml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics"`

	// Types maps an entity type to the template used for devices of that
	// type that match no configuration group.
	Types map[string]TypeConfig `yaml:"types"`
}

// AgentConfig contains provisioning defaults applied to every device.
type AgentConfig struct {
	Name            string `yaml:"name"`
	DefaultType     string `yaml:"default_type"`
	DefaultResource string `yaml:"default_resource"`
	// DefaultEntityNameConjunction joins type and id when a device has no
	// explicit entity name.
	DefaultEntityNameConjunction string `yaml:"default_entity_name_conjunction"`
	Autoprovision                bool   `yaml:"autoprovision"`
	Timestamp                    bool   `yaml:"timestamp"`
	ExplicitAttrs                bool   `yaml:"explicit_attrs"`
	SingleConfigurationMode      bool   `yaml:"single_configuration_mode"`
}

// TypeConfig is a configuration group declared in the config file.
type TypeConfig struct {
	Service       string `yaml:"service"`
	Subservice    string `yaml:"subservice"`
	APIKey        string `yaml:"apikey"`
	Transport     string `yaml:"transport"`
	CBHost        string `yaml:"cb_host"`
	NGSIVersion   string `yaml:"ngsi_version"`
	EntityNameExp string `yaml:"entity_name_exp"`
	Timestamp     *bool  `yaml:"timestamp"`
	Autoprovision *bool  `yaml:"autoprovision"`

	Attributes       []TypeAttribute `yaml:"attributes"`
	Lazy             []TypeAttribute `yaml:"lazy"`
	Commands         []TypeAttribute `yaml:"commands"`
	StaticAttributes []TypeAttribute `yaml:"static_attributes"`
}

// TypeAttribute is an attribute definition inside a TypeConfig.
type TypeAttribute struct {
	ObjectID   string `yaml:"object_id"`
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Value      any    `yaml:"value"`
	Expression string `yaml:"expression"`
	EntityName string `yaml:"entity_name"`
	EntityType string `yaml:"entity_type"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains the south-bound MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
	// TopicPrefix is prepended to every device topic. Empty keeps the
	// plain /<apikey>/<deviceId>/... layout.
	TopicPrefix string `yaml:"topic_prefix"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP server settings for the north-bound and
// provisioning APIs.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// NorthboundConfig controls the context server the broker talks to.
type NorthboundConfig struct {
	// NGSIVersion selects which adapter serves POST /notify.
	NGSIVersion string `yaml:"ngsi_version"`
	// PathAliases mounts the empty-tenant routes (//updateContext,
	// //op/update, //op/query) some brokers still emit.
	PathAliases bool `yaml:"path_aliases"`
	// ProviderURL is the address the broker uses to reach this agent for
	// lazy attributes and commands.
	ProviderURL string `yaml:"provider_url"`
}

// ContextBrokerConfig contains outbound context broker settings.
type ContextBrokerConfig struct {
	URL            string `yaml:"url"`
	NGSIVersion    string `yaml:"ngsi_version"`
	FallbackTenant string `yaml:"fallback_tenant"`
	FallbackPath   string `yaml:"fallback_path"`
	// JSONLDContext is sent as the Link header on NGSI-LD requests.
	JSONLDContext string `yaml:"jsonld_context"`
	Timeout       int    `yaml:"timeout"`
}

// PollingConfig controls the command expiration sweep. Both values must be
// set for the sweep to run.
type PollingConfig struct {
	DaemonFrequency time.Duration `yaml:"daemon_frequency"`
	Expiration      time.Duration `yaml:"expiration"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: IOTA_SECTION_KEY
// For example: IOTA_DATABASE_PATH, IOTA_CB_URL
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration. Useful for tests and for
// running without a config file.
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Name:                         "iotagent",
			DefaultType:                  "Thing",
			DefaultResource:              "/iot/d",
			DefaultEntityNameConjunction: ":",
			Autoprovision:                true,
		},
		Database: DatabaseConfig{
			Path:        "./data/iotagent.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "iotagent",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 4041,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		Northbound: NorthboundConfig{
			NGSIVersion: NGSIv2,
			PathAliases: true,
		},
		ContextBroker: ContextBrokerConfig{
			URL:           "http://localhost:1026",
			NGSIVersion:   NGSIv2,
			FallbackPath:  "/",
			JSONLDContext: "https://uri.etsi.org/ngsi-ld/v1/ngsi-ld-core-context.jsonld",
			Timeout:       10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("IOTA_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("IOTA_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("IOTA_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("IOTA_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("IOTA_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("IOTA_PROVIDER_URL"); v != "" {
		cfg.Northbound.ProviderURL = v
	}

	if v := os.Getenv("IOTA_CB_URL"); v != "" {
		cfg.ContextBroker.URL = v
	}
	if v := os.Getenv("IOTA_CB_NGSI_VERSION"); v != "" {
		cfg.ContextBroker.NGSIVersion = strings.ToLower(v)
	}

	if v := os.Getenv("IOTA_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("IOTA_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for missing or inconsistent settings.
// All problems are reported at once, wrapped in ErrBadConfiguration.
func (c *Config) Validate() error {
	var errs []string

	if c.Agent.DefaultResource == "" {
		errs = append(errs, "agent.default_resource is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled && c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required when mqtt is enabled")
	}
	if strings.ContainsAny(c.MQTT.TopicPrefix, "+#") {
		errs = append(errs, "mqtt.topic_prefix must not contain wildcards")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if !validVersion(c.Northbound.NGSIVersion) {
		errs = append(errs, "northbound.ngsi_version must be v1, v2 or ld")
	}
	if !validVersion(c.ContextBroker.NGSIVersion) {
		errs = append(errs, "context_broker.ngsi_version must be v1, v2 or ld")
	}
	if c.ContextBroker.URL != "" {
		if u, err := url.Parse(c.ContextBroker.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, "context_broker.url must be an absolute URL")
		}
	}

	if (c.Polling.DaemonFrequency > 0) != (c.Polling.Expiration > 0) {
		errs = append(errs, "polling.daemon_frequency and polling.expiration must be set together")
	}
	if c.Polling.DaemonFrequency < 0 || c.Polling.Expiration < 0 {
		errs = append(errs, "polling durations must not be negative")
	}

	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.bucket is required when influxdb is enabled")
		}
	}

	for name, tc := range c.Types {
		if !validVersion(tc.NGSIVersion) && tc.NGSIVersion != "" {
			errs = append(errs, fmt.Sprintf("types.%s.ngsi_version must be v1, v2 or ld", name))
		}
		for _, a := range tc.Attributes {
			if a.Name == "" && a.ObjectID == "" {
				errs = append(errs, fmt.Sprintf("types.%s: attribute needs a name or object_id", name))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrBadConfiguration, strings.Join(errs, "; "))
	}

	return nil
}

// PollingEnabled reports whether the command expiration sweep should run.
func (c *Config) PollingEnabled() bool {
	return c.Polling.DaemonFrequency > 0 && c.Polling.Expiration > 0
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// GetBrokerTimeout returns the outbound broker request timeout.
func (c *Config) GetBrokerTimeout() time.Duration {
	return time.Duration(c.ContextBroker.Timeout) * time.Second
}

func validVersion(v string) bool {
	switch v {
	case NGSIv1, NGSIv2, NGSILD:
		return true
	}
	return false
}
