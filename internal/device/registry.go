package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry provides device management with caching and thread safety.
// It wraps a Repository and adds an in-memory cache for key lookups.
//
// The cache is filled lazily on Get and invalidated on every Update and
// Remove. ClearCache drops it entirely after out-of-band store changes.
//
// All public methods are thread-safe.
type Registry struct {
	repo    Repository
	cache   map[deviceKey]*Device
	cacheMu sync.RWMutex
	logger  Logger
}

type deviceKey struct {
	service, subservice, id string
}

// NewRegistry creates a new device registry.
// The repository is used for persistence; the registry adds caching.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:   repo,
		cache:  make(map[deviceKey]*Device),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

func (r *Registry) ready() error {
	if r == nil || r.repo == nil {
		return ErrRegistryNotAvailable
	}
	return nil
}

// ClearCache drops every cached device.
func (r *Registry) ClearCache() {
	if r == nil {
		return
	}
	r.cacheMu.Lock()
	r.cache = make(map[deviceKey]*Device)
	r.cacheMu.Unlock()
}

// Get retrieves a device by id within a service scope.
// The returned device is a deep copy; callers can safely modify it.
func (r *Registry) Get(ctx context.Context, id, service, subservice string) (*Device, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}

	key := deviceKey{service, subservice, id}
	r.cacheMu.RLock()
	cached, ok := r.cache[key]
	r.cacheMu.RUnlock()
	if ok {
		return cached.DeepCopy(), nil
	}

	d, err := r.repo.Get(ctx, service, subservice, id)
	if err != nil {
		return nil, err
	}

	r.cacheMu.Lock()
	r.cache[key] = d.DeepCopy()
	r.cacheMu.Unlock()

	return d, nil
}

// GetByName retrieves a device by its entity name.
func (r *Registry) GetByName(ctx context.Context, name, service, subservice string) (*Device, error) {
	return r.GetByNameAndType(ctx, name, "", service, subservice)
}

// GetByNameAndType retrieves a device by entity name and type. An empty type
// matches any.
func (r *Registry) GetByNameAndType(ctx context.Context, name, entityType, service, subservice string) (*Device, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	return r.repo.GetByName(ctx, service, subservice, name, entityType)
}

// Store validates and persists a new device.
// Returns ErrDeviceExists if the id is already taken in the same scope.
func (r *Registry) Store(ctx context.Context, d *Device) (*Device, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	if err := ValidateDevice(d); err != nil {
		return nil, err
	}

	stored := d.DeepCopy()
	if err := r.repo.Create(ctx, stored); err != nil {
		return nil, err
	}

	r.cacheMu.Lock()
	r.cache[deviceKey{stored.Service, stored.Subservice, stored.ID}] = stored.DeepCopy()
	r.cacheMu.Unlock()

	r.logger.Info("device created", "id", stored.ID, "service", stored.Service, "subservice", stored.Subservice)
	return stored, nil
}

// Update overwrites the mutable subset of the stored device (lazy, active,
// commands, staticAttributes, endpoint, name, type, internalId) and keeps
// every other stored field.
func (r *Registry) Update(ctx context.Context, d *Device) (*Device, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	if d == nil {
		return nil, ErrInvalidDevice
	}

	stored, err := r.repo.Get(ctx, d.Service, d.Subservice, d.ID)
	if err != nil {
		return nil, err
	}

	stored.Lazy = copyAttributes(d.Lazy)
	stored.Active = copyAttributes(d.Active)
	stored.Commands = copyAttributes(d.Commands)
	stored.StaticAttributes = copyAttributes(d.StaticAttributes)
	stored.Endpoint = d.Endpoint
	stored.Name = d.Name
	stored.Type = d.Type
	stored.InternalID = d.InternalID

	if err := ValidateDevice(stored); err != nil {
		return nil, err
	}
	if err := r.repo.Update(ctx, stored); err != nil {
		return nil, err
	}
	r.invalidate(stored.Service, stored.Subservice, stored.ID)

	r.logger.Info("device updated", "id", stored.ID, "service", stored.Service, "subservice", stored.Subservice)
	return stored.DeepCopy(), nil
}

// SetRegistration records the broker bookkeeping of a device: its context
// provider registration and its subscriptions. Nothing else changes.
func (r *Registry) SetRegistration(ctx context.Context, id, service, subservice, registrationID string, subs []Subscription) error {
	if err := r.ready(); err != nil {
		return err
	}

	stored, err := r.repo.Get(ctx, service, subservice, id)
	if err != nil {
		return err
	}
	stored.RegistrationID = registrationID
	stored.Subscriptions = append([]Subscription(nil), subs...)

	if err := r.repo.Update(ctx, stored); err != nil {
		return err
	}
	r.invalidate(service, subservice, id)

	r.logger.Debug("device registration updated", "id", id, "registration_id", registrationID)
	return nil
}

// Remove deletes a device.
func (r *Registry) Remove(ctx context.Context, id, service, subservice string) error {
	if err := r.ready(); err != nil {
		return err
	}
	if err := r.repo.Delete(ctx, service, subservice, id); err != nil {
		return err
	}
	r.invalidate(service, subservice, id)

	r.logger.Info("device deleted", "id", id, "service", service, "subservice", subservice)
	return nil
}

// List returns one page of devices sorted by id. Count is the size of the
// whole filtered set regardless of Limit and Offset.
func (r *Registry) List(ctx context.Context, filter ListFilter) (*ListResult, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	devices, count, err := r.repo.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	if devices == nil {
		devices = []*Device{}
	}
	return &ListResult{Devices: devices, Count: count}, nil
}

// GetByAttribute returns every device in scope whose top-level field, by
// its JSON name, equals value. Returns ErrDeviceNotFound when none match.
func (r *Registry) GetByAttribute(ctx context.Context, name string, value any, service, subservice string) ([]*Device, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}

	devices, _, err := r.repo.List(ctx, ListFilter{Service: service, Subservice: subservice})
	if err != nil {
		return nil, err
	}

	want, err := normalise(value)
	if err != nil {
		return nil, fmt.Errorf("%w: attribute value: %w", ErrInvalidDevice, err)
	}

	var matches []*Device
	for _, d := range devices {
		fields, err := toMap(d)
		if err != nil {
			return nil, fmt.Errorf("encoding device %s: %w", d.ID, err)
		}
		if got, ok := fields[name]; ok && reflect.DeepEqual(got, want) {
			matches = append(matches, d)
		}
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: %s=%v", ErrDeviceNotFound, name, value)
	}
	return matches, nil
}

func (r *Registry) invalidate(service, subservice, id string) {
	r.cacheMu.Lock()
	delete(r.cache, deviceKey{service, subservice, id})
	r.cacheMu.Unlock()
}

// GroupRegistry provides configuration group management.
type GroupRegistry struct {
	repo   GroupRepository
	logger Logger
}

// NewGroupRegistry creates a new group registry.
func NewGroupRegistry(repo GroupRepository) *GroupRegistry {
	return &GroupRegistry{repo: repo, logger: noopLogger{}}
}

// SetLogger sets the logger for the group registry.
func (r *GroupRegistry) SetLogger(logger Logger) {
	r.logger = logger
}

func (r *GroupRegistry) ready() error {
	if r == nil || r.repo == nil {
		return ErrRegistryNotAvailable
	}
	return nil
}

// Create validates and persists a group.
// Returns ErrGroupExists when (apikey, resource) is already registered.
func (r *GroupRegistry) Create(ctx context.Context, g *Group) (*Group, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	if err := ValidateGroup(g); err != nil {
		return nil, err
	}

	stored := g.DeepCopy()
	if err := r.repo.Create(ctx, stored); err != nil {
		return nil, err
	}

	r.logger.Info("group created", "id", stored.ID, "apikey", stored.APIKey, "resource", stored.Resource)
	return stored, nil
}

// Get retrieves the group keyed by (resource, apikey).
func (r *GroupRegistry) Get(ctx context.Context, resource, apikey string) (*Group, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	return r.repo.Get(ctx, resource, apikey)
}

// GetByID retrieves a group by its identifier.
func (r *GroupRegistry) GetByID(ctx context.Context, id string) (*Group, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	return r.repo.GetByID(ctx, id)
}

// GetType retrieves the group for an entity type within a service scope.
func (r *GroupRegistry) GetType(ctx context.Context, service, subservice, entityType string) (*Group, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	return r.repo.GetByType(ctx, service, subservice, entityType)
}

// List returns one page of groups of a service and the full count.
func (r *GroupRegistry) List(ctx context.Context, service string, limit, offset int) (*GroupListResult, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	groups, count, err := r.repo.List(ctx, ListFilter{Service: service, Limit: limit, Offset: offset})
	if err != nil {
		return nil, err
	}
	if groups == nil {
		groups = []*Group{}
	}
	return &GroupListResult{Groups: groups, Count: count}, nil
}

// Update replaces a stored group.
func (r *GroupRegistry) Update(ctx context.Context, g *Group) (*Group, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	if err := ValidateGroup(g); err != nil {
		return nil, err
	}

	stored := g.DeepCopy()
	if err := r.repo.Update(ctx, stored); err != nil {
		return nil, err
	}

	r.logger.Info("group updated", "id", stored.ID, "apikey", stored.APIKey, "resource", stored.Resource)
	return stored, nil
}

// Remove deletes the group keyed by (resource, apikey).
func (r *GroupRegistry) Remove(ctx context.Context, resource, apikey string) error {
	if err := r.ready(); err != nil {
		return err
	}
	if err := r.repo.Delete(ctx, resource, apikey); err != nil {
		return err
	}
	r.logger.Info("group deleted", "apikey", apikey, "resource", resource)
	return nil
}

// FindConfigurationGroup returns the group a device inherits from, or nil
// when it must be fully self-described.
//
// Lookup order:
//  1. exact (resource, apikey)
//  2. (service, subservice, apikey) when the device has an apikey but no resource
//  3. (service, subservice, type)
func (r *GroupRegistry) FindConfigurationGroup(ctx context.Context, d *Device) (*Group, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	if d == nil {
		return nil, ErrInvalidDevice
	}

	if d.APIKey != "" {
		var (
			g   *Group
			err error
		)
		if d.Resource != "" {
			g, err = r.repo.Get(ctx, d.Resource, d.APIKey)
		} else {
			g, err = r.repo.GetByAPIKey(ctx, d.Service, d.Subservice, d.APIKey)
		}
		switch {
		case err == nil:
			return g, nil
		case !errors.Is(err, ErrGroupNotFound):
			return nil, err
		}
	}

	if d.Type != "" {
		g, err := r.repo.GetByType(ctx, d.Service, d.Subservice, d.Type)
		switch {
		case err == nil:
			return g, nil
		case !errors.Is(err, ErrGroupNotFound):
			return nil, err
		}
	}

	return nil, nil
}

// normalise brings a Go value into the shape encoding/json produces when
// decoding into any.
func normalise(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func toMap(d *Device) (map[string]any, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}
