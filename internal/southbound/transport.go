package southbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/iotagent-core/internal/command"
	"github.com/nerrad567/iotagent-core/internal/device"
	"github.com/nerrad567/iotagent-core/internal/dispatch"
	"github.com/nerrad567/iotagent-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/iotagent-core/internal/ngsi"
)

// StatusOK is written to <command>_status when a device acknowledges a
// command.
const StatusOK = "OK"

// defaultMessageTimeout bounds the handling of one received message.
const defaultMessageTimeout = 10 * time.Second

// Client is the MQTT surface the transport needs. *mqtt.Client satisfies it.
type Client interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	Topics() mqtt.Topics
}

// DeviceResolver finds (or auto-provisions) the device behind a device
// topic. *provision.Service satisfies it.
type DeviceResolver interface {
	Retrieve(ctx context.Context, id, apikey string) (*device.Device, error)
}

// Reporter forwards device data to the context broker.
// *dispatch.Dispatcher satisfies it.
type Reporter interface {
	SendUpdate(ctx context.Context, dev *device.Device, attrs []ngsi.Attribute) error
	SetCommandResult(ctx context.Context, dev *device.Device, name, status string, result any) error
}

// CommandRemover drops acknowledged commands from the pending queue.
// *command.Manager satisfies it.
type CommandRemover interface {
	Remove(ctx context.Context, service, subservice, deviceID, name string) error
}

// Logger is the logging interface used by the transport.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options tunes a Transport.
type Options struct {
	// QoS is used for command publishes and subscriptions.
	QoS byte

	// Measures subscribes to /+/+/attrs when set.
	Measures bool

	// MessageTimeout bounds the handling of one received message.
	// Zero uses 10s.
	MessageTimeout time.Duration

	// Registerer receives the transport metrics. Nil disables them.
	Registerer prometheus.Registerer
}

// Transport is the MQTT south-bound side of the agent. It publishes
// commands to devices and turns their acknowledgements and measures into
// broker updates.
//
// Thread Safety: all methods are safe for concurrent use after Start.
type Transport struct {
	client   Client
	devices  DeviceResolver
	reporter Reporter
	commands CommandRemover
	opts     Options
	metrics  *metrics
	logger   Logger

	// base is the parent context of message handling; set by Start.
	base context.Context
}

// New creates a transport. commands may be nil when no command queue is
// configured.
func New(client Client, devices DeviceResolver, reporter Reporter, commands CommandRemover, opts Options) (*Transport, error) {
	if client == nil || devices == nil || reporter == nil {
		return nil, ErrMissingDependency
	}
	if opts.MessageTimeout <= 0 {
		opts.MessageTimeout = defaultMessageTimeout
	}
	m, err := newMetrics(opts.Registerer)
	if err != nil {
		return nil, fmt.Errorf("registering southbound metrics: %w", err)
	}
	return &Transport{
		client:   client,
		devices:  devices,
		reporter: reporter,
		commands: commands,
		opts:     opts,
		metrics:  m,
		logger:   noopLogger{},
		base:     context.Background(),
	}, nil
}

// SetLogger sets the logger. Call before Start.
func (t *Transport) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	t.logger = logger
}

// Start subscribes to the command acknowledgement topic and, when enabled,
// the measures topic. Messages are handled under ctx.
func (t *Transport) Start(ctx context.Context) error {
	t.base = ctx
	topics := t.client.Topics()

	if err := t.client.Subscribe(topics.AllCommandAcks(), t.opts.QoS, t.handleCommandAck); err != nil {
		return fmt.Errorf("subscribing to command acks: %w", err)
	}
	if t.opts.Measures {
		if err := t.client.Subscribe(topics.AllAttributes(), t.opts.QoS, t.handleMeasures); err != nil {
			return fmt.Errorf("subscribing to measures: %w", err)
		}
	}

	t.logger.Info("southbound transport started",
		"acks", topics.AllCommandAcks(), "measures", t.opts.Measures)
	return nil
}

// Stop removes the transport subscriptions.
func (t *Transport) Stop() error {
	topics := t.client.Topics()
	var errs []error
	if err := t.client.Unsubscribe(topics.AllCommandAcks()); err != nil {
		errs = append(errs, err)
	}
	if t.opts.Measures {
		if err := t.client.Unsubscribe(topics.AllAttributes()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CommandHandler returns a dispatch.CommandHandler that publishes commands
// for MQTT devices and hands every other device to next. A nil next
// rejects non-MQTT devices with ErrUnsupportedTransport.
func (t *Transport) CommandHandler(next dispatch.CommandHandler) dispatch.CommandHandler {
	return func(ctx context.Context, rc dispatch.RequestContext, d *device.Device, e ngsi.Entity) error {
		if !strings.EqualFold(d.Transport, device.TransportMQTT) {
			if next == nil {
				return fmt.Errorf("%w: device %s uses %q", ErrUnsupportedTransport, d.ID, d.Transport)
			}
			return next(ctx, rc, d, e)
		}
		return t.PushCommands(rc, d, e.Attributes)
	}
}

// PushCommands publishes each command as {"<name>": <value>} on the
// device's command topic, in order. The first failure stops the batch.
func (t *Transport) PushCommands(rc dispatch.RequestContext, d *device.Device, cmds []ngsi.Attribute) error {
	if d.APIKey == "" {
		return fmt.Errorf("%w: device %s has no apikey", ErrUnsupportedTransport, d.ID)
	}
	topic := t.client.Topics().Command(d.APIKey, d.ID)

	for _, c := range cmds {
		payload, err := json.Marshal(map[string]any{c.Name: c.Value})
		if err != nil {
			t.metrics.message("command", "error")
			return fmt.Errorf("encoding command %s: %w", c.Name, err)
		}
		if err := t.client.Publish(topic, payload, t.opts.QoS, false); err != nil {
			t.metrics.message("command", "error")
			t.logger.Warn("command publish failed",
				"correlator", rc.CorrelationID, "device_id", d.ID, "command", c.Name, "error", err)
			return fmt.Errorf("%w: %w", ErrPublish, err)
		}
		t.metrics.message("command", "ok")
		t.logger.Debug("command published",
			"correlator", rc.CorrelationID, "device_id", d.ID, "command", c.Name, "topic", topic)
	}
	return nil
}

// handleCommandAck processes /<apikey>/<deviceId>/cmdexe. The payload maps
// command names to results; each becomes <name>_status = OK and
// <name>_info = result, and any queued copy of the command is dropped.
func (t *Transport) handleCommandAck(topic string, payload []byte) (err error) {
	defer func() { t.metrics.message("ack", outcome(err)) }()

	ctx, cancel := context.WithTimeout(t.base, t.opts.MessageTimeout)
	defer cancel()

	dev, results, err := t.resolve(ctx, topic, payload)
	if err != nil {
		return err
	}

	for _, name := range sortedKeys(results) {
		if err := t.reporter.SetCommandResult(ctx, dev, name, StatusOK, results[name]); err != nil {
			return fmt.Errorf("reporting result of %s: %w", name, err)
		}
		if t.commands == nil {
			continue
		}
		if err := t.commands.Remove(ctx, dev.Service, dev.Subservice, dev.ID, name); err != nil &&
			!errors.Is(err, command.ErrCommandNotFound) {
			return fmt.Errorf("removing command %s: %w", name, err)
		}
	}

	t.logger.Debug("command results reported", "device_id", dev.ID, "count", len(results))
	return nil
}

// handleMeasures processes /<apikey>/<deviceId>/attrs. Every key of the
// payload becomes an attribute; its type comes from the device definition
// with the same name or object_id.
func (t *Transport) handleMeasures(topic string, payload []byte) (err error) {
	defer func() { t.metrics.message("measure", outcome(err)) }()

	ctx, cancel := context.WithTimeout(t.base, t.opts.MessageTimeout)
	defer cancel()

	dev, values, err := t.resolve(ctx, topic, payload)
	if err != nil {
		return err
	}

	attrs := make([]ngsi.Attribute, 0, len(values))
	for _, name := range sortedKeys(values) {
		attrs = append(attrs, ngsi.Attribute{Name: name, Type: measureType(dev, name), Value: values[name]})
	}
	return t.reporter.SendUpdate(ctx, dev, attrs)
}

// resolve parses the topic and the JSON object payload and finds the
// device.
func (t *Transport) resolve(ctx context.Context, topic string, payload []byte) (*device.Device, map[string]any, error) {
	parsed, err := t.client.Topics().Parse(topic)
	if err != nil {
		return nil, nil, err
	}

	var values map[string]any
	if err := json.Unmarshal(payload, &values); err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %w", ErrInvalidPayload, topic, err)
	}
	if len(values) == 0 {
		return nil, nil, fmt.Errorf("%w: %s: empty object", ErrInvalidPayload, topic)
	}

	dev, err := t.devices.Retrieve(ctx, parsed.DeviceID, parsed.APIKey)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving device %s (apikey %s): %w", parsed.DeviceID, parsed.APIKey, err)
	}
	return dev, values, nil
}

// measureType returns the declared type of the active attribute named or
// aliased name, or ngsi.DefaultAttributeType.
func measureType(d *device.Device, name string) string {
	for _, a := range d.Active {
		if (a.Name == name || a.ObjectID == name) && a.Type != "" {
			return a.Type
		}
	}
	return ngsi.DefaultAttributeType
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
