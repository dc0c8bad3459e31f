package influxdb_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/iotagent-core/internal/infrastructure/config"
	"github.com/nerrad567/iotagent-core/internal/infrastructure/influxdb"
)

// testConfig returns a configuration for a local development InfluxDB.
func testConfig() config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           "http://127.0.0.1:8086",
		Token:         "iotagent-dev-token",
		Org:           "iotagent",
		Bucket:        "history",
		BatchSize:     100,
		FlushInterval: 1,
	}
}

// skipIfNoInfluxDB skips the test if InfluxDB is not running.
func skipIfNoInfluxDB(t *testing.T) {
	t.Helper()
	if os.Getenv("RUN_INTEGRATION") == "" {
		client, err := influxdb.Connect(testConfig())
		if err != nil {
			t.Skip("InfluxDB not available, skipping integration test")
		}
		client.Close()
	}
}

// connectWithErrors connects and records async write errors.
func connectWithErrors(t *testing.T) (*influxdb.Client, func() error) {
	t.Helper()
	client, err := influxdb.Connect(testConfig())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })

	var (
		mu       sync.Mutex
		writeErr error
	)
	client.SetOnError(func(err error) {
		mu.Lock()
		writeErr = err
		mu.Unlock()
	})
	return client, func() error {
		client.Flush()
		time.Sleep(100 * time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		return writeErr
	}
}

func TestConnect(t *testing.T) {
	skipIfNoInfluxDB(t)

	client, err := influxdb.Connect(testConfig())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	if !client.IsConnected() {
		t.Error("IsConnected() = false after Connect()")
	}
}

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false

	_, err := influxdb.Connect(cfg)
	if !errors.Is(err, influxdb.ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_MissingBucket(t *testing.T) {
	for _, mutate := range []func(*config.InfluxDBConfig){
		func(c *config.InfluxDBConfig) { c.Bucket = "" },
		func(c *config.InfluxDBConfig) { c.Org = "" },
	} {
		cfg := testConfig()
		mutate(&cfg)
		if _, err := influxdb.Connect(cfg); !errors.Is(err, influxdb.ErrNoBucket) {
			t.Errorf("Connect() error = %v, want ErrNoBucket", err)
		}
	}
}

func TestConnect_InvalidURL(t *testing.T) {
	cfg := testConfig()
	cfg.URL = "http://127.0.0.1:59999"

	_, err := influxdb.Connect(cfg)
	if !errors.Is(err, influxdb.ErrConnectionFailed) {
		t.Fatalf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestHealthCheck(t *testing.T) {
	skipIfNoInfluxDB(t)

	client, err := influxdb.Connect(testConfig())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	cancelled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	if err := client.HealthCheck(cancelled); err == nil {
		t.Error("HealthCheck() should return error for cancelled context")
	}
}

func TestWriteAttribute(t *testing.T) {
	skipIfNoInfluxDB(t)
	client, flush := connectWithErrors(t)

	for _, v := range []any{21.5, true, "on", map[string]any{"type": "Point"}} {
		client.WriteAttribute(influxdb.AttributeSample{
			Service:    "smartgondor",
			Subservice: "/gardens",
			EntityID:   "TheFirstLight",
			EntityType: "Light",
			Name:       "state",
			Value:      v,
		})
	}

	if err := flush(); err != nil {
		t.Errorf("Write error = %v", err)
	}
	if s := client.Stats(); s.Written != 4 || s.Failed != 0 {
		t.Errorf("Stats() = %+v, want 4 written and no failures", s)
	}
}

func TestClose(t *testing.T) {
	skipIfNoInfluxDB(t)

	client, err := influxdb.Connect(testConfig())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	client.WriteAttribute(influxdb.AttributeSample{EntityID: "close-test", Name: "metric", Value: 1.0})
	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}

	// Writes after close are dropped.
	client.WriteAttribute(influxdb.AttributeSample{EntityID: "close-test", Name: "metric", Value: 2.0})
	client.Flush()
}
