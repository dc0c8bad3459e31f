package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/iotagent-core/internal/broker"
	"github.com/nerrad567/iotagent-core/internal/device"
	"github.com/nerrad567/iotagent-core/internal/dispatch"
	"github.com/nerrad567/iotagent-core/internal/expression"
	"github.com/nerrad567/iotagent-core/internal/infrastructure/config"
	"github.com/nerrad567/iotagent-core/internal/infrastructure/database"
	"github.com/nerrad567/iotagent-core/internal/infrastructure/logging"
	"github.com/nerrad567/iotagent-core/internal/ngsi"
)

// writeConfig writes a config file for run() and points IOTA_CONFIG at it.
func writeConfig(t *testing.T, body string) {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "test-config.yaml")
	if err := os.WriteFile(configPath, []byte(body), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	t.Setenv("IOTA_CONFIG", configPath)
}

func agentConfig(dbPath string, port int) string {
	return fmt.Sprintf(`
agent:
  name: test-agent
  default_resource: /iot/d

database:
  path: "%s"
  wal_mode: true
  busy_timeout: 5

mqtt:
  enabled: false

context_broker:
  url: ""
  ngsi_version: v2

influxdb:
  enabled: false

logging:
  level: info
  format: text
  output: stdout

api:
  host: "127.0.0.1"
  port: %d
  timeouts:
    read: 30
    write: 60
    idle: 120
`, dbPath, port)
}

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("IOTA_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

// TestRun_MissingDatabasePath verifies run fails when database path is empty.
func TestRun_MissingDatabasePath(t *testing.T) {
	writeConfig(t, agentConfig("", 19181))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail with empty database path")
	}
	if !strings.Contains(err.Error(), "database.path") {
		t.Errorf("run() error = %v, want database.path validation error", err)
	}
}

// TestGetConfigPath_Default verifies default config path.
func TestGetConfigPath_Default(t *testing.T) {
	t.Setenv("IOTA_CONFIG", "")

	if path := getConfigPath(); path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}
}

// TestGetConfigPath_EnvOverride verifies environment variable override.
func TestGetConfigPath_EnvOverride(t *testing.T) {
	expected := "/custom/path/config.yaml"
	t.Setenv("IOTA_CONFIG", expected)

	if path := getConfigPath(); path != expected {
		t.Errorf("getConfigPath() = %q, want %q", path, expected)
	}
}

// TestHealthCheck_OptionalClients verifies health check with MQTT and
// InfluxDB disabled.
func TestHealthCheck_OptionalClients(t *testing.T) {
	ctx := context.Background()
	db, err := database.Open(ctx, database.Config{Path: database.MemoryPath, BusyTimeout: 5})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	defer db.Close()

	if err := healthCheck(ctx, db, nil, nil); err != nil {
		t.Errorf("healthCheck() error = %v", err)
	}
}

// TestNewBroker verifies the recorder fallback and the HTTP client choice.
func TestNewBroker(t *testing.T) {
	cfg := config.Default()
	log := logging.Discard()

	if _, ok := newBroker(cfg, log).(*broker.HTTPClient); !ok {
		t.Error("newBroker() with URL should return *broker.HTTPClient")
	}

	cfg.ContextBroker.URL = ""
	if _, ok := newBroker(cfg, log).(*broker.Recorder); !ok {
		t.Error("newBroker() without URL should return *broker.Recorder")
	}
}

// TestNewHooks verifies the middleware chain renames and stamps measures.
func TestNewHooks(t *testing.T) {
	recorder := broker.NewRecorder()
	dispatcher, err := dispatch.NewDispatcher(newHooks(expression.Default(), nil), nil, nil, nil, recorder, dispatch.Options{})
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}

	stamp := true
	d := &device.Device{
		ID:        "d1",
		Name:      "Sensor:d1",
		Type:      "Sensor",
		Timestamp: &stamp,
		Active:    []device.Attribute{{ObjectID: "t", Name: "temperature", Type: "Number"}},
	}
	if err := dispatcher.SendUpdate(context.Background(), d, []ngsi.Attribute{{Name: "t", Value: 21}}); err != nil {
		t.Fatalf("SendUpdate() error = %v", err)
	}

	upserts := recorder.Entities()
	if len(upserts) != 1 {
		t.Fatalf("upserts = %d, want 1", len(upserts))
	}
	e := upserts[0].Entity
	if a, ok := e.Attribute("temperature"); !ok || a.Type != "Number" {
		t.Errorf("object_id t was not renamed to temperature: %+v", e.Attributes)
	}
	if _, ok := e.Attribute("TimeInstant"); !ok {
		t.Error("TimeInstant missing")
	}
}

// TestRun_SuccessfulStartupAndShutdown runs the agent without MQTT or a
// context broker and checks the API answers before shutdown.
func TestRun_SuccessfulStartupAndShutdown(t *testing.T) {
	const port = 19182
	writeConfig(t, agentConfig(filepath.Join(t.TempDir(), "test.db"), port))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- run(ctx) }()

	url := fmt.Sprintf("http://127.0.0.1:%d/iot/about", port)
	var body string
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			b, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				body = string(b)
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !strings.Contains(body, `"name":"test-agent"`) {
		t.Errorf("/iot/about body = %q, want agent name", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run() error = %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("run() did not return after cancel")
	}
}
