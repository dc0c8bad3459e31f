package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/iotagent-core/internal/broker"
	"github.com/nerrad567/iotagent-core/internal/device"
	"github.com/nerrad567/iotagent-core/internal/expression"
	"github.com/nerrad567/iotagent-core/internal/infrastructure/config"
	"github.com/nerrad567/iotagent-core/internal/ngsi"
)

// ldPrefix is prepended to generated entity names of NGSI-LD devices.
const ldPrefix = "urn:ngsi-ld:"

// DeviceStore is the device persistence the workflow needs.
type DeviceStore interface {
	Get(ctx context.Context, id, service, subservice string) (*device.Device, error)
	Store(ctx context.Context, d *device.Device) (*device.Device, error)
	Update(ctx context.Context, d *device.Device) (*device.Device, error)
	SetRegistration(ctx context.Context, id, service, subservice, registrationID string, subs []device.Subscription) error
	Remove(ctx context.Context, id, service, subservice string) error
}

// GroupStore is the configuration group lookup the workflow needs.
type GroupStore interface {
	Get(ctx context.Context, resource, apikey string) (*device.Group, error)
	FindConfigurationGroup(ctx context.Context, d *device.Device) (*device.Group, error)
}

// Logger is the logging interface used by the workflow.
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

// Options holds the agent defaults applied during registration.
type Options struct {
	Agent config.AgentConfig

	// Types are the config-file groups, keyed by entity type.
	Types map[string]config.TypeConfig

	// BrokerVersion is the NGSI version used when neither the device nor
	// its group name one.
	BrokerVersion string

	Engine *expression.Engine
	Now    func() time.Time
}

// Service runs device registration against the registry and the broker.
//
// Thread Safety: safe for concurrent use. Concurrent registrations of the
// same id are resolved by the store's uniqueness check.
type Service struct {
	devices DeviceStore
	groups  GroupStore
	broker  broker.Client
	opts    Options
	logger  Logger
}

// NewService creates the registration workflow.
func NewService(devices DeviceStore, groups GroupStore, b broker.Client, opts Options) *Service {
	if opts.Engine == nil {
		opts.Engine = expression.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		devices: devices,
		groups:  groups,
		broker:  b,
		opts:    opts,
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger. Call before use.
func (s *Service) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	s.logger = logger
}

// Register provisions a new device. The device is completed from its
// configuration group (or the config-file type) and the agent defaults,
// registered with the broker and stored. Returns device.ErrDeviceExists
// when the id is taken in the device's scope.
func (s *Service) Register(ctx context.Context, d *device.Device) (*device.Device, error) {
	if d == nil {
		return nil, device.ErrInvalidDevice
	}
	if err := device.ValidateID(d.ID); err != nil {
		return nil, err
	}

	_, err := s.devices.Get(ctx, d.ID, d.Service, d.Subservice)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: %s", device.ErrDeviceExists, d.ID)
	case !errors.Is(err, device.ErrDeviceNotFound):
		return nil, err
	}

	g, err := s.groups.FindConfigurationGroup(ctx, d)
	if err != nil {
		return nil, err
	}

	if g == nil {
		g = typeGroup(s.opts.Types, d.Type)
	}
	data := s.prepare(d, g)
	if g == nil {
		g = typeGroup(s.opts.Types, data.Type)
	}

	merged, err := device.Merge(data, g)
	if err != nil {
		return nil, err
	}

	if len(merged.Lazy) > 0 || len(merged.Commands) > 0 {
		regID, err := s.broker.RegisterContextProvider(ctx, merged)
		if err != nil {
			return nil, err
		}
		data.RegistrationID = regID
		merged.RegistrationID = regID
	}

	if e := initialEntity(merged, s.opts.Now()); len(e.Attributes) > 0 {
		if err := s.broker.UpsertEntity(ctx, merged, e); err != nil {
			s.rollback(ctx, merged)
			return nil, err
		}
	}

	stored, err := s.devices.Store(ctx, data)
	if err != nil {
		s.rollback(ctx, merged)
		return nil, err
	}

	s.logger.Info("device provisioned",
		"id", stored.ID, "service", stored.Service, "subservice", stored.Subservice,
		"entity", stored.Name, "type", stored.Type, "polling", stored.Polling)
	return stored, nil
}

// rollback removes a provider registration created by a failed Register.
func (s *Service) rollback(ctx context.Context, d *device.Device) {
	if d.RegistrationID == "" {
		return
	}
	if err := s.broker.Unregister(ctx, d, d.RegistrationID); err != nil {
		s.logger.Warn("failed to roll back registration",
			"id", d.ID, "registration_id", d.RegistrationID, "error", err)
	}
}

// prepare fills the fields the device left empty.
func (s *Service) prepare(d *device.Device, g *device.Group) *device.Device {
	data := d.DeepCopy()

	if data.Type == "" {
		if g != nil && g.Type != "" {
			data.Type = g.Type
		} else {
			data.Type = s.opts.Agent.DefaultType
		}
	}

	if data.ExplicitAttrs == nil {
		explicit := s.opts.Agent.ExplicitAttrs
		if g != nil && g.ExplicitAttrs != nil {
			explicit = *g.ExplicitAttrs
		}
		data.ExplicitAttrs = &explicit
	}

	if data.Timestamp == nil && (g == nil || g.Timestamp == nil) {
		stamp := s.opts.Agent.Timestamp
		data.Timestamp = &stamp
	}

	if data.NGSIVersion == "" && g != nil {
		data.NGSIVersion = g.NGSIVersion
	}
	if data.Transport == "" && g != nil {
		data.Transport = g.Transport
	}
	if strings.EqualFold(data.Transport, device.TransportHTTP) {
		data.Polling = data.Endpoint == ""
	}

	if data.Name == "" {
		data.Name = s.entityName(data, g)
	}
	return data
}

// entityName evaluates the group's entityNameExp, falling back to
// type + conjunction + id.
func (s *Service) entityName(d *device.Device, g *device.Group) string {
	if g != nil && g.EntityNameExp != "" {
		attrs := []expression.Attribute{
			{Name: "id", Value: d.ID},
			{Name: "type", Value: d.Type},
			{Name: "service", Value: d.Service},
			{Name: "subservice", Value: d.Subservice},
		}
		for _, list := range [][]device.Attribute{d.StaticAttributes, g.StaticAttributes} {
			for _, a := range list {
				attrs = append(attrs, expression.Attribute{Name: a.Name, ObjectID: a.ObjectID, Value: a.Value})
			}
		}
		exprCtx := expression.ExtractContext(attrs)
		if s.opts.Engine.ContextAvailable(g.EntityNameExp, exprCtx) {
			if v, err := s.opts.Engine.Evaluate(g.EntityNameExp, exprCtx); err == nil {
				if name, ok := v.(string); ok && name != "" {
					return name
				}
			}
		}
		s.logger.Debug("entityNameExp did not yield a name", "expression", g.EntityNameExp, "id", d.ID)
	}

	conjunction := s.opts.Agent.DefaultEntityNameConjunction
	if g != nil && g.DefaultEntityNameConjunction != "" {
		conjunction = g.DefaultEntityNameConjunction
	}
	name := d.Type + conjunction + d.ID
	if s.version(d, g) == ngsi.VersionLD {
		name = ldPrefix + name
	}
	return name
}

func (s *Service) version(d *device.Device, g *device.Group) string {
	switch {
	case d.NGSIVersion != "":
		return strings.ToLower(d.NGSIVersion)
	case g != nil && g.NGSIVersion != "":
		return strings.ToLower(g.NGSIVersion)
	default:
		return strings.ToLower(s.opts.BrokerVersion)
	}
}

// Unregister cancels the device's subscriptions and provider registration
// and removes it from the registry.
func (s *Service) Unregister(ctx context.Context, id, service, subservice string) error {
	d, err := s.devices.Get(ctx, id, service, subservice)
	if err != nil {
		return err
	}
	merged, err := s.merge(ctx, d)
	if err != nil {
		return err
	}

	for _, sub := range merged.Subscriptions {
		if err := s.broker.Unsubscribe(ctx, merged, sub.ID); err != nil {
			return err
		}
	}
	if merged.RegistrationID != "" {
		if err := s.broker.Unregister(ctx, merged, merged.RegistrationID); err != nil {
			return err
		}
	}
	if err := s.devices.Remove(ctx, id, service, subservice); err != nil {
		return err
	}

	s.logger.Info("device unregistered", "id", id, "service", service, "subservice", subservice)
	return nil
}

// Update overwrites the mutable fields of a provisioned device. When the
// set of provided attributes changes the provider registration is renewed;
// new active attributes are created on the entity with initial values.
func (s *Service) Update(ctx context.Context, d *device.Device) (*device.Device, error) {
	if d == nil {
		return nil, device.ErrInvalidDevice
	}
	previous, err := s.devices.Get(ctx, d.ID, d.Service, d.Subservice)
	if err != nil {
		return nil, err
	}
	stored, err := s.devices.Update(ctx, d)
	if err != nil {
		return nil, err
	}

	before, err := s.merge(ctx, previous)
	if err != nil {
		return nil, err
	}
	after, err := s.merge(ctx, stored)
	if err != nil {
		return nil, err
	}

	if before.Name != after.Name || !sameNames(provided(before), provided(after)) {
		if err := s.reregister(ctx, before, after); err != nil {
			return nil, err
		}
		stored.RegistrationID = after.RegistrationID
	}

	added := addedAttributes(before.Active, after.Active)
	if len(added) > 0 {
		delta := *after
		delta.Active, delta.StaticAttributes, delta.Commands = added, nil, nil
		if err := s.broker.UpsertEntity(ctx, after, initialEntity(&delta, s.opts.Now())); err != nil {
			return nil, err
		}
	}
	return stored, nil
}

func (s *Service) reregister(ctx context.Context, before, after *device.Device) error {
	if before.RegistrationID != "" {
		if err := s.broker.Unregister(ctx, before, before.RegistrationID); err != nil {
			return err
		}
	}
	after.RegistrationID = ""
	if len(after.Lazy) > 0 || len(after.Commands) > 0 {
		regID, err := s.broker.RegisterContextProvider(ctx, after)
		if err != nil {
			return err
		}
		after.RegistrationID = regID
	}
	return s.devices.SetRegistration(ctx, after.ID, after.Service, after.Subservice, after.RegistrationID, after.Subscriptions)
}

// FindOrCreate returns the device id of the scope of g, provisioning it
// when it does not exist and g allows autoprovisioning.
func (s *Service) FindOrCreate(ctx context.Context, id, apikey string, g *device.Group) (*device.Device, error) {
	if g == nil {
		return nil, device.ErrGroupNotFound
	}

	d, err := s.devices.Get(ctx, id, g.Service, g.Subservice)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, device.ErrDeviceNotFound) {
		return nil, err
	}

	allowed := s.opts.Agent.Autoprovision
	if g.Autoprovision != nil {
		allowed = *g.Autoprovision
	}
	if !allowed {
		s.logger.Info("device not provisioned, autoprovision disabled", "id", id, "apikey", apikey)
		return nil, fmt.Errorf("%w: %s (autoprovision disabled)", device.ErrDeviceNotFound, id)
	}

	if apikey == "" {
		apikey = g.APIKey
	}
	return s.Register(ctx, &device.Device{
		ID:          id,
		Service:     g.Service,
		Subservice:  g.Subservice,
		Type:        g.Type,
		APIKey:      apikey,
		Resource:    g.Resource,
		NGSIVersion: g.NGSIVersion,
	})
}

// Retrieve resolves the device behind a south-bound message: the group is
// found by (default resource, apikey), the device is found or created and
// the result is merged with the group.
func (s *Service) Retrieve(ctx context.Context, id, apikey string) (*device.Device, error) {
	g, err := s.groups.Get(ctx, s.opts.Agent.DefaultResource, apikey)
	if err != nil {
		return nil, err
	}
	d, err := s.FindOrCreate(ctx, id, apikey, g)
	if err != nil {
		return nil, err
	}
	return device.Merge(d, g)
}

func (s *Service) merge(ctx context.Context, d *device.Device) (*device.Device, error) {
	g, err := s.groups.FindConfigurationGroup(ctx, d)
	if err != nil {
		return nil, err
	}
	if g == nil {
		g = typeGroup(s.opts.Types, d.Type)
	}
	return device.Merge(d, g)
}

func provided(d *device.Device) []string {
	names := make([]string, 0, len(d.Lazy)+len(d.Commands))
	for _, a := range d.Lazy {
		names = append(names, a.Name)
	}
	for _, a := range d.Commands {
		names = append(names, a.Name)
	}
	return names
}

func sameNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, n := range a {
		seen[n]++
	}
	for _, n := range b {
		if seen[n] == 0 {
			return false
		}
		seen[n]--
	}
	return true
}

// addedAttributes returns the attributes of after whose name is not in before.
func addedAttributes(before, after []device.Attribute) []device.Attribute {
	known := make(map[string]struct{}, len(before))
	for _, a := range before {
		known[a.Name] = struct{}{}
	}
	var added []device.Attribute
	for _, a := range after {
		if _, ok := known[a.Name]; !ok {
			added = append(added, a)
		}
	}
	return added
}
