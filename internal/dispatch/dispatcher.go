package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/iotagent-core/internal/command"
	"github.com/nerrad567/iotagent-core/internal/device"
	"github.com/nerrad567/iotagent-core/internal/expression"
	"github.com/nerrad567/iotagent-core/internal/middleware"
	"github.com/nerrad567/iotagent-core/internal/ngsi"
)

// DeviceRegistry is the device lookup the dispatcher needs.
type DeviceRegistry interface {
	Get(ctx context.Context, id, service, subservice string) (*device.Device, error)
	GetByNameAndType(ctx context.Context, name, entityType, service, subservice string) (*device.Device, error)
}

// GroupFinder finds the configuration group a device inherits from.
type GroupFinder interface {
	FindConfigurationGroup(ctx context.Context, d *device.Device) (*device.Group, error)
}

// CommandQueue stores commands for polling devices.
type CommandQueue interface {
	Add(ctx context.Context, service, subservice, deviceID string, cmd command.Command) (*command.Command, error)
}

// Broker receives south-bound entity updates.
type Broker interface {
	UpsertEntity(ctx context.Context, d *device.Device, e ngsi.Entity) error
}

// Logger is the logging interface used by the dispatcher.
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

// Options tunes a Dispatcher.
type Options struct {
	// Engine evaluates command expressions. Nil uses expression.Default().
	Engine *expression.Engine

	// Registerer receives the dispatch metrics. Nil disables them.
	Registerer prometheus.Registerer
}

// Dispatcher resolves the devices behind north-bound requests and invokes
// the registered handlers.
//
// Thread Safety: all methods are safe for concurrent use.
type Dispatcher struct {
	hooks    *Context
	devices  DeviceRegistry
	groups   GroupFinder
	commands CommandQueue
	broker   Broker
	engine   *expression.Engine
	metrics  *metrics
	logger   Logger
}

// NewDispatcher creates a dispatcher.
//
// Parameters:
//   - hooks: Handler slots and middlewares (nil creates an empty Context)
//   - devices: Device registry for entity → device resolution
//   - groups: Group lookup for merging (may be nil)
//   - commands: Pending-command queue for polling devices (may be nil)
//   - broker: Context broker client for south-bound updates
//   - opts: Expression engine and metrics registerer
func NewDispatcher(hooks *Context, devices DeviceRegistry, groups GroupFinder, commands CommandQueue, broker Broker, opts Options) (*Dispatcher, error) {
	if hooks == nil {
		hooks = &Context{}
	}
	engine := opts.Engine
	if engine == nil {
		engine = expression.Default()
	}
	m, err := newMetrics(opts.Registerer)
	if err != nil {
		return nil, fmt.Errorf("registering dispatch metrics: %w", err)
	}
	return &Dispatcher{
		hooks:    hooks,
		devices:  devices,
		groups:   groups,
		commands: commands,
		broker:   broker,
		engine:   engine,
		metrics:  m,
		logger:   noopLogger{},
	}, nil
}

// SetLogger sets the logger. Call before serving requests.
func (d *Dispatcher) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	d.logger = logger
}

// Context returns the handler registry of the dispatcher.
func (d *Dispatcher) Context() *Context {
	return d.hooks
}

// Update dispatches a north-bound update. Entities are processed one at a
// time in request order and the first failure is returned.
func (d *Dispatcher) Update(ctx context.Context, rc RequestContext, req ngsi.UpdateRequest) (err error) {
	start := time.Now()
	defer func() { d.metrics.observe("update", start, err) }()

	snap := d.hooks.snapshot()
	if snap.update == nil && snap.command == nil {
		return ErrHandlerNotFound
	}

	for _, e := range req.Entities {
		if err := d.updateEntity(ctx, rc, snap, e); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) updateEntity(ctx context.Context, rc RequestContext, snap snapshot, e ngsi.Entity) error {
	dev, err := d.resolveByName(ctx, rc, e.ID, e.Type, device.ContextMergeFields, device.ContextMergeDefaults)
	if err != nil {
		return err
	}
	entityType := e.Type
	if entityType == "" {
		entityType = dev.Type
	}

	plain, cmds := ngsi.Split(e.Attributes, dev.Commands)

	if len(plain) > 0 {
		if snap.update == nil {
			d.logger.Debug("no update handler, plain attributes ignored",
				"correlator", rc.CorrelationID, "entity", e.ID)
		} else {
			entities, updated, err := middleware.Run(ctx, snap.updateMiddlewares,
				[]ngsi.Entity{{ID: e.ID, Type: entityType, Attributes: plain}}, dev)
			if err != nil {
				return err
			}
			for _, out := range entities {
				if err := snap.update(ctx, rc, updated, out); err != nil {
					return err
				}
			}
		}
	}

	if len(cmds) == 0 {
		return nil
	}
	if cmds, err = d.commandValues(dev, cmds); err != nil {
		return err
	}
	if err := d.deliverCommands(ctx, rc, snap, dev, ngsi.Entity{ID: e.ID, Type: entityType, Attributes: cmds}); err != nil {
		return err
	}

	pending := make([]ngsi.Attribute, 0, len(cmds))
	for _, c := range cmds {
		pending = append(pending, ngsi.Attribute{
			Name:  c.Name + command.StatusSuffix,
			Type:  command.StatusType,
			Value: command.StatusPending,
		})
	}
	return d.SendUpdate(ctx, dev, pending)
}

// commandValues replaces the value of every command whose definition has
// an expression that can be evaluated.
func (d *Dispatcher) commandValues(dev *device.Device, cmds []ngsi.Attribute) ([]ngsi.Attribute, error) {
	out := make([]ngsi.Attribute, len(cmds))
	for i, c := range cmds {
		out[i] = c
		def, ok := dev.Command(c.Name)
		if !ok || def.Expression == "" {
			continue
		}
		exprCtx := middleware.EvaluationContext(dev, []ngsi.Attribute{c})
		if !d.engine.ContextAvailable(def.Expression, exprCtx) {
			continue
		}
		value, err := d.engine.Apply(def.Expression, exprCtx, c.Type)
		if err != nil {
			return nil, err
		}
		out[i].Value = value
	}
	return out, nil
}

func (d *Dispatcher) deliverCommands(ctx context.Context, rc RequestContext, snap snapshot, dev *device.Device, e ngsi.Entity) error {
	if !dev.Polling {
		if snap.command == nil {
			return ErrHandlerNotFound
		}
		return snap.command(ctx, rc, dev, e)
	}

	if d.commands == nil {
		return fmt.Errorf("%w: polling device %s has no command queue", ErrHandlerNotFound, dev.ID)
	}
	for _, c := range e.Attributes {
		if _, err := d.commands.Add(ctx, dev.Service, dev.Subservice, dev.ID, command.Command{
			Name:  c.Name,
			Type:  c.Type,
			Value: c.Value,
		}); err != nil {
			return err
		}
	}
	d.logger.Debug("commands queued for polling device",
		"correlator", rc.CorrelationID, "device_id", dev.ID, "count", len(e.Attributes))
	return nil
}

// Query dispatches a north-bound query. Entities are resolved concurrently;
// the result keeps request order. Without a query handler every entity is
// answered by ngsi.DefaultQuery.
func (d *Dispatcher) Query(ctx context.Context, rc RequestContext, req ngsi.QueryRequest) (_ []ngsi.Entity, err error) {
	start := time.Now()
	defer func() { d.metrics.observe("query", start, err) }()

	snap := d.hooks.snapshot()
	results := make([][]ngsi.Entity, len(req.Entities))

	g, gctx := errgroup.WithContext(ctx)
	for i, ref := range req.Entities {
		g.Go(func() error {
			dev, err := d.resolveByName(gctx, rc, ref.ID, ref.Type, device.StandardMergeFields, device.StandardMergeDefaults)
			if err != nil {
				return err
			}

			var e ngsi.Entity
			if snap.query != nil {
				if e, err = snap.query(gctx, rc, dev, ref, req.Attributes); err != nil {
					return err
				}
			} else {
				e = ngsi.DefaultQuery(dev, ref.ID, ref.Type, req.Attributes)
			}

			entities, _, err := middleware.Run(gctx, snap.queryMiddlewares, []ngsi.Entity{e}, dev)
			if err != nil {
				return err
			}
			results[i] = entities
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []ngsi.Entity
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

// Notify hands the entities of a broker notification to the notification
// handler, one device at a time.
func (d *Dispatcher) Notify(ctx context.Context, rc RequestContext, n ngsi.Notification) (err error) {
	start := time.Now()
	defer func() { d.metrics.observe("notify", start, err) }()

	snap := d.hooks.snapshot()
	if snap.notification == nil {
		return ErrHandlerNotFound
	}

	for _, e := range n.Entities {
		dev, err := d.resolveByName(ctx, rc, e.ID, e.Type, device.StandardMergeFields, device.StandardMergeDefaults)
		if err != nil {
			return err
		}
		dev, attrs, err := middleware.RunNotification(ctx, snap.notificationMiddlewares, dev, e.Attributes)
		if err != nil {
			return err
		}
		if err := snap.notification(ctx, rc, dev, attrs); err != nil {
			return err
		}
	}
	return nil
}

// SendUpdate sends device measures to the broker. The attributes run
// through the update middlewares first; every entity they produce is
// upserted.
func (d *Dispatcher) SendUpdate(ctx context.Context, dev *device.Device, attrs []ngsi.Attribute) (err error) {
	start := time.Now()
	defer func() { d.metrics.observe("send_update", start, err) }()

	snap := d.hooks.snapshot()
	name := dev.Name
	if name == "" {
		name = dev.ID
	}

	entities, dev, err := middleware.Run(ctx, snap.updateMiddlewares,
		[]ngsi.Entity{{ID: name, Type: dev.Type, Attributes: attrs}}, dev)
	if err != nil {
		return err
	}
	for _, e := range entities {
		if err := d.broker.UpsertEntity(ctx, dev, e); err != nil {
			return err
		}
	}
	return nil
}

// SetCommandResult reports the outcome of a command: status goes to
// <name>_status and result to <name>_info. Returns
// command.ErrCommandNotFound if the device declares no such command.
func (d *Dispatcher) SetCommandResult(ctx context.Context, dev *device.Device, name, status string, result any) error {
	merged, err := d.merge(ctx, dev, device.StandardMergeFields, device.StandardMergeDefaults)
	if err != nil {
		return err
	}
	if _, ok := merged.Command(name); !ok {
		return fmt.Errorf("%w: %s on device %s", command.ErrCommandNotFound, name, dev.ID)
	}

	return d.SendUpdate(ctx, merged, []ngsi.Attribute{
		{Name: name + command.StatusSuffix, Type: command.StatusType, Value: status},
		{Name: name + command.InfoSuffix, Type: command.ResultType, Value: result},
	})
}

// ExpireCommand reports an expired command as <name>_status = ERROR. It
// has the shape of command.ExpiryFunc.
func (d *Dispatcher) ExpireCommand(ctx context.Context, cmd *command.Command) error {
	dev, err := d.devices.Get(ctx, cmd.DeviceID, cmd.Service, cmd.Subservice)
	if err != nil {
		return err
	}
	merged, err := d.merge(ctx, dev, device.StandardMergeFields, device.StandardMergeDefaults)
	if err != nil {
		return err
	}

	d.logger.Info("command expired", "device_id", cmd.DeviceID, "command", cmd.Name)
	return d.SendUpdate(ctx, merged, []ngsi.Attribute{
		{Name: cmd.Name + command.StatusSuffix, Type: command.StatusType, Value: command.StatusError},
	})
}

func (d *Dispatcher) resolveByName(ctx context.Context, rc RequestContext, name, entityType string, fields []device.Field, defaults []any) (*device.Device, error) {
	dev, err := d.devices.GetByNameAndType(ctx, name, entityType, rc.Service, rc.Subservice)
	if err != nil {
		return nil, err
	}
	return d.merge(ctx, dev, fields, defaults)
}

func (d *Dispatcher) merge(ctx context.Context, dev *device.Device, fields []device.Field, defaults []any) (*device.Device, error) {
	var g *device.Group
	if d.groups != nil {
		var err error
		if g, err = d.groups.FindConfigurationGroup(ctx, dev); err != nil {
			return nil, err
		}
	}
	return device.MergeDeviceWithConfiguration(fields, defaults, dev, g)
}
