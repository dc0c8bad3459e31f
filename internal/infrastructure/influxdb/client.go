package influxdb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/nerrad567/iotagent-core/internal/infrastructure/config"
)

var (
	// ErrDisabled is returned by Connect when history is turned off.
	ErrDisabled = errors.New("influxdb: history disabled in configuration")

	// ErrNoBucket is returned by Connect when org or bucket is missing.
	ErrNoBucket = errors.New("influxdb: history org and bucket are required")

	// ErrConnectionFailed wraps ping failures during Connect.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrNotConnected is returned by HealthCheck after Close.
	ErrNotConnected = errors.New("influxdb: not connected")

	// ErrUnhealthy is returned by HealthCheck when the server answers but
	// reports itself unhealthy or the ping fails.
	ErrUnhealthy = errors.New("influxdb: history sink unhealthy")

	// ErrWriteFailed wraps every asynchronous batch error handed to the
	// SetOnError callback.
	ErrWriteFailed = errors.New("influxdb: history write failed")
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPingTimeout    = 5 * time.Second
	defaultBatchSize      = 100
	defaultFlushSeconds   = 10
)

// Stats counts the attribute samples handed to the sink.
type Stats struct {
	// Written is the number of samples queued for a batch.
	Written uint64

	// Dropped is the number of samples ignored because the sink was closed.
	Dropped uint64

	// Failed is the number of batch errors reported by the server.
	Failed uint64
}

// Client is the attribute history sink. Samples are queued on the
// non-blocking write API of influxdb-client-go and flushed in batches to
// one org and bucket.
//
// All methods are safe for concurrent use.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	org      string
	bucket   string

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64

	mu        sync.RWMutex
	connected bool
	onError   func(err error)
}

// Connect pings the server and opens the batched write API for the
// configured history bucket.
func Connect(cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if cfg.Org == "" || cfg.Bucket == "" {
		return nil, ErrNoBucket
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	flushSeconds := cfg.FlushInterval
	if flushSeconds <= 0 {
		flushSeconds = defaultFlushSeconds
	}

	// #nosec G115 -- both values are positive here
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(time.Duration(flushSeconds)*time.Second/time.Millisecond)))

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, cfg.URL, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: %s: server not healthy", ErrConnectionFailed, cfg.URL)
	}

	return newClient(client, cfg.Org, cfg.Bucket), nil
}

// newClient wires the write API of an existing client and starts
// forwarding its batch errors.
func newClient(client influxdb2.Client, org, bucket string) *Client {
	c := &Client{
		client:    client,
		writeAPI:  client.WriteAPI(org, bucket),
		org:       org,
		bucket:    bucket,
		connected: true,
	}
	go c.forwardErrors(c.writeAPI.Errors())
	return c
}

func (c *Client) forwardErrors(errs <-chan error) {
	for err := range errs {
		c.reportError(err)
	}
}

// reportError counts a failed batch and hands it to the callback.
func (c *Client) reportError(err error) {
	c.failed.Add(1)

	c.mu.RLock()
	callback := c.onError
	c.mu.RUnlock()

	if callback != nil {
		callback(fmt.Errorf("%w: %s: %w", ErrWriteFailed, c.Target(), err))
	}
}

// Target returns "<org>/<bucket>", the destination of every sample.
func (c *Client) Target() string {
	return c.org + "/" + c.bucket
}

// Stats returns the sample counters.
func (c *Client) Stats() Stats {
	return Stats{
		Written: c.written.Load(),
		Dropped: c.dropped.Load(),
		Failed:  c.failed.Load(),
	}
}

// Close flushes queued samples and closes the client. Later writes are
// dropped.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	c.mu.Unlock()

	c.writeAPI.Flush()
	c.client.Close()
	return nil
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	checkCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	healthy, err := c.client.Ping(checkCtx)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnhealthy, c.Target(), err)
	}
	if !healthy {
		return fmt.Errorf("%w: %s", ErrUnhealthy, c.Target())
	}
	return nil
}

// IsConnected reports whether Close has not been called yet.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// SetOnError sets the callback for asynchronous batch errors. Errors wrap
// ErrWriteFailed.
func (c *Client) SetOnError(callback func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = callback
}

// Flush blocks until queued samples are sent. No-op after Close.
func (c *Client) Flush() {
	if c.writeAPI == nil || !c.IsConnected() {
		return
	}
	c.writeAPI.Flush()
}
