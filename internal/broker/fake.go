package broker

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/nerrad567/iotagent-core/internal/device"
	"github.com/nerrad567/iotagent-core/internal/ngsi"
)

// Upsert is one entity write recorded by Recorder.
type Upsert struct {
	Service    string
	Subservice string
	Entity     ngsi.Entity
}

// Recorder is an in-memory Client that records every call. It backs tests
// and runs without a broker when none is configured.
type Recorder struct {
	mu sync.Mutex

	// Registrations maps registration id to entity name.
	Registrations map[string]string
	// Subscriptions maps subscription id to entity name.
	Subscriptions map[string]string
	Upserts       []Upsert

	// Err, when set, is returned by every call.
	Err error
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		Registrations: make(map[string]string),
		Subscriptions: make(map[string]string),
	}
}

// RegisterContextProvider implements Client.
func (r *Recorder) RegisterContextProvider(_ context.Context, d *device.Device) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return "", r.Err
	}
	id := uuid.NewString()
	r.Registrations[id] = d.Name
	return id, nil
}

// Unregister implements Client.
func (r *Recorder) Unregister(_ context.Context, _ *device.Device, registrationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	delete(r.Registrations, registrationID)
	return nil
}

// UpsertEntity implements Client.
func (r *Recorder) UpsertEntity(_ context.Context, d *device.Device, e ngsi.Entity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	u := Upsert{Entity: e}
	if d != nil {
		u.Service, u.Subservice = d.Service, d.Subservice
	}
	r.Upserts = append(r.Upserts, u)
	return nil
}

// Subscribe implements Client.
func (r *Recorder) Subscribe(_ context.Context, d *device.Device, _, _ []string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return "", r.Err
	}
	id := uuid.NewString()
	r.Subscriptions[id] = d.Name
	return id, nil
}

// Unsubscribe implements Client.
func (r *Recorder) Unsubscribe(_ context.Context, _ *device.Device, subscriptionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	delete(r.Subscriptions, subscriptionID)
	return nil
}

// Entities returns a copy of the recorded upserts.
func (r *Recorder) Entities() []Upsert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Upsert(nil), r.Upserts...)
}

// Reset forgets every recorded call.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Registrations = make(map[string]string)
	r.Subscriptions = make(map[string]string)
	r.Upserts = nil
	r.Err = nil
}

var (
	_ Client = (*HTTPClient)(nil)
	_ Client = (*Recorder)(nil)
)
