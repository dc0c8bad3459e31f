package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/iotagent-core/internal/device"
	"github.com/nerrad567/iotagent-core/internal/middleware"
	"github.com/nerrad567/iotagent-core/internal/ngsi"
)

// RequestContext carries the tenant and correlation id of one north-bound
// request to the handlers.
type RequestContext struct {
	Service       string
	Subservice    string
	CorrelationID string
	Start         time.Time
}

// NewRequestContext scopes a request to tenant. An empty correlator is
// replaced by a fresh UUID.
func NewRequestContext(tenant ngsi.Tenant, correlator string) RequestContext {
	if correlator == "" {
		correlator = uuid.NewString()
	}
	return RequestContext{
		Service:       tenant.Service,
		Subservice:    tenant.Subservice,
		CorrelationID: correlator,
		Start:         time.Now(),
	}
}

// UpdateHandler applies the plain attributes of one entity to its device.
type UpdateHandler func(ctx context.Context, rc RequestContext, d *device.Device, e ngsi.Entity) error

// QueryHandler reads the requested attributes of one entity from its
// device. An empty attrs asks for every lazy attribute.
type QueryHandler func(ctx context.Context, rc RequestContext, d *device.Device, ref ngsi.EntityRef, attrs []string) (ngsi.Entity, error)

// CommandHandler delivers the commands in e to a device that is not polling.
type CommandHandler func(ctx context.Context, rc RequestContext, d *device.Device, e ngsi.Entity) error

// NotificationHandler receives the attributes of a broker notification for
// one device.
type NotificationHandler func(ctx context.Context, rc RequestContext, d *device.Device, attrs []ngsi.Attribute) error

// Context holds the handler slots and middleware lists a transport
// registers.
type Context struct {
	mu sync.RWMutex

	update       UpdateHandler
	query        QueryHandler
	command      CommandHandler
	notification NotificationHandler

	updateMiddlewares       []middleware.Func
	queryMiddlewares        []middleware.Func
	notificationMiddlewares []middleware.NotificationFunc
}

// snapshot is a consistent copy of a Context taken at request start.
type snapshot struct {
	update       UpdateHandler
	query        QueryHandler
	command      CommandHandler
	notification NotificationHandler

	updateMiddlewares       []middleware.Func
	queryMiddlewares        []middleware.Func
	notificationMiddlewares []middleware.NotificationFunc
}

// SetUpdateHandler sets the handler for plain attribute updates.
func (c *Context) SetUpdateHandler(h UpdateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.update = h
}

// SetQueryHandler sets the handler for lazy attribute queries.
func (c *Context) SetQueryHandler(h QueryHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.query = h
}

// SetCommandHandler sets the handler for commands to push devices.
func (c *Context) SetCommandHandler(h CommandHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.command = h
}

// SetNotificationHandler sets the handler for broker notifications.
func (c *Context) SetNotificationHandler(h NotificationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notification = h
}

// AddUpdateMiddleware appends fn to the update chain. It also runs on
// south-bound measures.
func (c *Context) AddUpdateMiddleware(fn middleware.Func) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateMiddlewares = append(c.updateMiddlewares, fn)
}

// AddQueryMiddleware appends fn to the query chain.
func (c *Context) AddQueryMiddleware(fn middleware.Func) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queryMiddlewares = append(c.queryMiddlewares, fn)
}

// AddNotificationMiddleware appends fn to the notification chain.
func (c *Context) AddNotificationMiddleware(fn middleware.NotificationFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notificationMiddlewares = append(c.notificationMiddlewares, fn)
}

// Clear removes every handler and middleware.
func (c *Context) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.update = nil
	c.query = nil
	c.command = nil
	c.notification = nil
	c.updateMiddlewares = nil
	c.queryMiddlewares = nil
	c.notificationMiddlewares = nil
}

func (c *Context) snapshot() snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return snapshot{
		update:                  c.update,
		query:                   c.query,
		command:                 c.command,
		notification:            c.notification,
		updateMiddlewares:       append([]middleware.Func(nil), c.updateMiddlewares...),
		queryMiddlewares:        append([]middleware.Func(nil), c.queryMiddlewares...),
		notificationMiddlewares: append([]middleware.NotificationFunc(nil), c.notificationMiddlewares...),
	}
}
