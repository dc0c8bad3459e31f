package mqtt

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/iotagent-core/internal/infrastructure/config"
)

// testConfig returns a valid MQTT configuration for testing.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "iotagent-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// disconnectedClient returns a client that never dialled the broker.
func disconnectedClient() *Client {
	return &Client{
		cfg:           testConfig(),
		subscriptions: make(map[string]subscription),
	}
}

// =============================================================================
// Topic Tests
// =============================================================================

func TestTopicBuilders(t *testing.T) {
	tests := []struct {
		name     string
		got      string
		expected string
	}{
		{"Command", Topics{}.Command("k1", "dev-01"), "/k1/dev-01/cmd"},
		{"CommandAck", Topics{}.CommandAck("k1", "dev-01"), "/k1/dev-01/cmdexe"},
		{"Attributes", Topics{}.Attributes("k1", "dev-01"), "/k1/dev-01/attrs"},
		{"AllCommandAcks", Topics{}.AllCommandAcks(), "/+/+/cmdexe"},
		{"AllAttributes", Topics{}.AllAttributes(), "/+/+/attrs"},
		{"Status", Topics{}.Status(), "iotagent/status"},
		{"prefixed Command", Topics{Prefix: "site1"}.Command("k1", "dev-01"), "site1/k1/dev-01/cmd"},
		{"prefixed trailing slash", Topics{Prefix: "site1/"}.CommandAck("k1", "dev-01"), "site1/k1/dev-01/cmdexe"},
		{"prefixed Status", Topics{Prefix: "site1"}.Status(), "site1/iotagent/status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("got %q, want %q", tt.got, tt.expected)
			}
		})
	}
}

func TestTopicsParse(t *testing.T) {
	tests := []struct {
		name    string
		prefix  string
		topic   string
		want    DeviceTopic
		wantErr bool
	}{
		{
			name:  "command ack",
			topic: "/k1/dev-01/cmdexe",
			want:  DeviceTopic{APIKey: "k1", DeviceID: "dev-01", Suffix: SuffixCommandAck},
		},
		{
			name:   "prefixed measures",
			prefix: "site1",
			topic:  "site1/k1/dev-01/attrs",
			want:   DeviceTopic{APIKey: "k1", DeviceID: "dev-01", Suffix: SuffixAttributes},
		},
		{name: "outside prefix", prefix: "site1", topic: "/k1/dev-01/cmdexe", wantErr: true},
		{name: "too shallow", topic: "/k1/cmdexe", wantErr: true},
		{name: "too deep", topic: "/k1/dev-01/cmdexe/extra", wantErr: true},
		{name: "empty device", topic: "/k1//cmdexe", wantErr: true},
		{name: "empty", topic: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Topics{Prefix: tt.prefix}.Parse(tt.topic)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidTopic) {
					t.Fatalf("Parse(%q) error = %v, want ErrInvalidTopic", tt.topic, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) error = %v", tt.topic, err)
			}
			if got != tt.want {
				t.Errorf("Parse(%q) = %+v, want %+v", tt.topic, got, tt.want)
			}
		})
	}
}

func TestTopicsRoundTrip(t *testing.T) {
	topics := Topics{Prefix: "edge"}
	parsed, err := topics.Parse(topics.Command("key-9", "pump"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if parsed.APIKey != "key-9" || parsed.DeviceID != "pump" || parsed.Suffix != SuffixCommand {
		t.Errorf("Parse() = %+v", parsed)
	}
}

// =============================================================================
// Option Tests
// =============================================================================

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Username = "agent"
	cfg.Auth.Password = "secret"

	opts := buildClientOptions(cfg)

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "tcp://127.0.0.1:1883" {
		t.Errorf("Servers = %v, want tcp://127.0.0.1:1883", opts.Servers)
	}
	if opts.ClientID != "iotagent-test" {
		t.Errorf("ClientID = %q", opts.ClientID)
	}
	if opts.Username != "agent" || opts.Password != "secret" {
		t.Errorf("credentials = %q/%q", opts.Username, opts.Password)
	}
	if !opts.CleanSession || !opts.AutoReconnect {
		t.Error("expected clean session and auto-reconnect")
	}
	if opts.TLSConfig != nil && len(opts.TLSConfig.Certificates) > 0 {
		t.Error("unexpected TLS certificates")
	}
}

func TestBuildClientOptionsTLS(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.TLS = true
	cfg.Broker.Port = 8883

	opts := buildClientOptions(cfg)

	if opts.Servers[0].Scheme != "ssl" {
		t.Errorf("scheme = %q, want ssl", opts.Servers[0].Scheme)
	}
	if opts.TLSConfig == nil || opts.TLSConfig.MinVersion != tlsMinVersion {
		t.Error("TLS config not applied")
	}
}

func TestConfigureLWT(t *testing.T) {
	opts := pahomqtt.NewClientOptions()
	configureLWT(opts, Topics{Prefix: "site1"}, "iotagent-test")

	if !opts.WillEnabled {
		t.Fatal("will not enabled")
	}
	if opts.WillTopic != "site1/iotagent/status" {
		t.Errorf("WillTopic = %q", opts.WillTopic)
	}
	if !opts.WillRetained || opts.WillQos != 1 {
		t.Errorf("will retained=%v qos=%d", opts.WillRetained, opts.WillQos)
	}
	if !strings.Contains(string(opts.WillPayload), `"status":"offline"`) {
		t.Errorf("WillPayload = %s", opts.WillPayload)
	}
}

func TestStatusPayloads(t *testing.T) {
	online := buildOnlinePayload("a1")
	if !strings.Contains(online, `"status":"online"`) || !strings.Contains(online, `"client_id":"a1"`) {
		t.Errorf("online payload = %s", online)
	}
	offline := buildOfflinePayload("a1")
	if !strings.Contains(offline, `"reason":"graceful_shutdown"`) {
		t.Errorf("offline payload = %s", offline)
	}
}

// =============================================================================
// Validation Tests (no broker)
// =============================================================================

func TestCloseNil(t *testing.T) {
	c := &Client{}
	if err := c.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v", err)
	}
}

func TestHealthCheckDisconnected(t *testing.T) {
	c := disconnectedClient()
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
}

func TestHealthCheckCancelled(t *testing.T) {
	c := disconnectedClient()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck() error = %v, want context.Canceled", err)
	}
}

func TestPublishValidation(t *testing.T) {
	c := disconnectedClient()
	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		wantErr error
	}{
		{"empty topic", "", []byte("x"), 1, ErrInvalidTopic},
		{"invalid qos", "/k/d/cmd", []byte("x"), 3, ErrInvalidQoS},
		{"oversized", "/k/d/cmd", make([]byte, maxPayloadSize+1), 1, ErrPublishFailed},
		{"disconnected", "/k/d/cmd", []byte("x"), 1, ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := c.Publish(tt.topic, tt.payload, tt.qos, false); !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSubscribeValidation(t *testing.T) {
	c := disconnectedClient()
	handler := func(string, []byte) error { return nil }

	if err := c.Subscribe("", 1, handler); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic error = %v", err)
	}
	if err := c.Subscribe("/+/+/cmdexe", 3, handler); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("invalid qos error = %v", err)
	}
	if err := c.Subscribe("/+/+/cmdexe", 1, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("nil handler error = %v", err)
	}
	if err := c.Subscribe("/+/+/cmdexe", 1, handler); !errors.Is(err, ErrNotConnected) {
		t.Errorf("disconnected error = %v", err)
	}
	if c.SubscriptionCount() != 0 || c.HasSubscription("/+/+/cmdexe") {
		t.Error("failed subscription must not be tracked")
	}
	if err := c.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Unsubscribe empty error = %v", err)
	}
}

// =============================================================================
// Handler Wrapping Tests
// =============================================================================

// fakeMessage implements pahomqtt.Message.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

// mockLogger implements Logger for testing.
type mockLogger struct {
	mu     sync.Mutex
	errors []string
	warns  []string
	infos  []string
}

func (l *mockLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	l.errors = append(l.errors, msg)
	l.mu.Unlock()
}

func (l *mockLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

func (l *mockLogger) Info(msg string, _ ...any) {
	l.mu.Lock()
	l.infos = append(l.infos, msg)
	l.mu.Unlock()
}

func TestWrapHandlerDelivers(t *testing.T) {
	c := disconnectedClient()
	var gotTopic, gotPayload string
	wrapped := c.wrapHandler(func(topic string, payload []byte) error {
		gotTopic, gotPayload = topic, string(payload)
		return nil
	})

	wrapped(nil, fakeMessage{topic: "/k1/d1/cmdexe", payload: []byte(`{"ping":"ok"}`)})

	if gotTopic != "/k1/d1/cmdexe" || gotPayload != `{"ping":"ok"}` {
		t.Errorf("handler got %q %q", gotTopic, gotPayload)
	}
}

func TestWrapHandlerLogsError(t *testing.T) {
	c := disconnectedClient()
	logger := &mockLogger{}
	c.SetLogger(logger)

	wrapped := c.wrapHandler(func(string, []byte) error { return errors.New("boom") })
	wrapped(nil, fakeMessage{topic: "/k1/d1/cmdexe"})

	if len(logger.warns) != 1 {
		t.Errorf("warns = %v, want one entry", logger.warns)
	}
}

func TestWrapHandlerRecoversPanic(t *testing.T) {
	c := disconnectedClient()
	logger := &mockLogger{}
	c.SetLogger(logger)

	wrapped := c.wrapHandler(func(string, []byte) error { panic("bad payload") })
	wrapped(nil, fakeMessage{topic: "/k1/d1/cmdexe"})

	if len(logger.errors) != 1 {
		t.Errorf("errors = %v, want one entry", logger.errors)
	}
}

func TestWrapHandlerWithoutLogger(t *testing.T) {
	c := disconnectedClient()
	wrapped := c.wrapHandler(func(string, []byte) error { panic("ignored") })
	wrapped(nil, fakeMessage{topic: "/k1/d1/cmdexe"})
}

func TestSetLogger(t *testing.T) {
	c := disconnectedClient()
	c.SetLogger(&mockLogger{})
	if c.getLogger() == nil {
		t.Error("getLogger() = nil after SetLogger()")
	}
	c.SetLogger(nil)
	if c.getLogger() != nil {
		t.Error("getLogger() should be nil after SetLogger(nil)")
	}
}

func TestHandleDisconnectCallback(t *testing.T) {
	c := disconnectedClient()
	logger := &mockLogger{}
	c.SetLogger(logger)

	var got error
	c.SetOnDisconnect(func(err error) { got = err })

	cause := errors.New("network down")
	c.handleDisconnect(cause)

	if !errors.Is(got, cause) {
		t.Errorf("onDisconnect got %v, want %v", got, cause)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after disconnect")
	}
	if len(logger.warns) != 1 {
		t.Errorf("warns = %v, want one entry", logger.warns)
	}
}
