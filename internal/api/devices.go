package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/iotagent-core/internal/device"
	"github.com/nerrad567/iotagent-core/internal/ngsi"
)

// deviceBody is a device in provisioning API format.
type deviceBody struct {
	DeviceID           string             `json:"device_id"`
	APIKey             string             `json:"apikey,omitempty"`
	Service            string             `json:"service,omitempty"`
	ServicePath        string             `json:"service_path,omitempty"`
	EntityName         string             `json:"entity_name,omitempty"`
	EntityType         string             `json:"entity_type,omitempty"`
	Timezone           string             `json:"timezone,omitempty"`
	Timestamp          *bool              `json:"timestamp,omitempty"`
	Endpoint           string             `json:"endpoint,omitempty"`
	Polling            bool               `json:"polling,omitempty"`
	Transport          string             `json:"transport,omitempty"`
	Protocol           string             `json:"protocol,omitempty"`
	Attributes         []device.Attribute `json:"attributes,omitempty"`
	Lazy               []device.Attribute `json:"lazy,omitempty"`
	Commands           []device.Attribute `json:"commands,omitempty"`
	StaticAttributes   []device.Attribute `json:"static_attributes,omitempty"`
	InternalAttributes []any              `json:"internal_attributes,omitempty"`
	ExplicitAttrs      *bool              `json:"explicitAttrs,omitempty"`
	NGSIVersion        string             `json:"ngsiVersion,omitempty"`
	EntityNameExp      string             `json:"entityNameExp,omitempty"`
}

func toDeviceBody(d *device.Device) deviceBody {
	return deviceBody{
		DeviceID:           d.ID,
		APIKey:             d.APIKey,
		Service:            d.Service,
		ServicePath:        d.Subservice,
		EntityName:         d.Name,
		EntityType:         d.Type,
		Timezone:           d.Timezone,
		Timestamp:          d.Timestamp,
		Endpoint:           d.Endpoint,
		Polling:            d.Polling,
		Transport:          d.Transport,
		Protocol:           d.Protocol,
		Attributes:         d.Active,
		Lazy:               d.Lazy,
		Commands:           d.Commands,
		StaticAttributes:   d.StaticAttributes,
		InternalAttributes: d.InternalAttributes,
		ExplicitAttrs:      d.ExplicitAttrs,
		NGSIVersion:        d.NGSIVersion,
		EntityNameExp:      d.EntityNameExp,
	}
}

// device converts the body to a registry device scoped to t. The tenant
// headers win over service fields in the body.
func (b deviceBody) device(t ngsi.Tenant) *device.Device {
	return &device.Device{
		ID:                 b.DeviceID,
		Service:            t.Service,
		Subservice:         t.Subservice,
		Name:               b.EntityName,
		Type:               b.EntityType,
		Active:             b.Attributes,
		Lazy:               b.Lazy,
		Commands:           b.Commands,
		StaticAttributes:   b.StaticAttributes,
		InternalAttributes: b.InternalAttributes,
		APIKey:             b.APIKey,
		Endpoint:           b.Endpoint,
		Protocol:           b.Protocol,
		Transport:          b.Transport,
		Polling:            b.Polling,
		Timezone:           b.Timezone,
		NGSIVersion:        b.NGSIVersion,
		ExplicitAttrs:      b.ExplicitAttrs,
		EntityNameExp:      b.EntityNameExp,
		Timestamp:          b.Timestamp,
	}
}

// handleCreateDevices provisions every device in the body, in order. The
// first failure stops the batch.
func (s *Server) handleCreateDevices(w http.ResponseWriter, r *http.Request) {
	t, err := tenant(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var body struct {
		Devices []deviceBody `json:"devices"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if len(body.Devices) == 0 {
		writeBadRequest(w, "devices is required")
		return
	}

	for _, b := range body.Devices {
		if _, err := s.provision.Register(r.Context(), b.device(t)); err != nil {
			s.logger.Warn("device provisioning failed",
				"device_id", b.DeviceID,
				"service", t.Service,
				"subservice", t.Subservice,
				"error", err,
			)
			writeError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusCreated, map[string]any{})
}

// handleListDevices returns one page of the devices in the tenant.
//
// Query parameters:
//   - limit: maximum number of devices (default: all)
//   - offset: number of devices to skip
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	t, err := tenant(r)
	if err != nil {
		writeError(w, err)
		return
	}
	limit, offset, err := pagination(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	result, err := s.devices.List(r.Context(), device.ListFilter{
		Service:    t.Service,
		Subservice: t.Subservice,
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	devices := make([]deviceBody, 0, len(result.Devices))
	for _, d := range result.Devices {
		devices = append(devices, toDeviceBody(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": result.Count, "devices": devices})
}

// handleGetDevice returns a single device. An apikey query parameter
// narrows the match.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toDeviceBody(d))
}

// handleUpdateDevice overwrites the fields present in the body. The device
// id cannot change.
func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	existing, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}

	body := toDeviceBody(existing)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	body.DeviceID = existing.ID

	updated := body.device(ngsi.Tenant{Service: existing.Service, Subservice: existing.Subservice})
	updated.Resource = existing.Resource
	updated.RegistrationID = existing.RegistrationID
	updated.InternalID = existing.InternalID
	updated.Subscriptions = existing.Subscriptions
	updated.CBHost = existing.CBHost
	updated.CreatedAt = existing.CreatedAt

	if _, err := s.provision.Update(r.Context(), updated); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteDevice unregisters a device from the broker and removes it.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}
	if err := s.provision.Unregister(r.Context(), d.ID, d.Service, d.Subservice); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// lookupDevice resolves the {id} route parameter in the request tenant and
// writes the error response when it cannot.
func (s *Server) lookupDevice(w http.ResponseWriter, r *http.Request) (*device.Device, bool) {
	t, err := tenant(r)
	if err != nil {
		writeError(w, err)
		return nil, false
	}

	id := chi.URLParam(r, "id")
	d, err := s.devices.Get(r.Context(), id, t.Service, t.Subservice)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	if apikey := r.URL.Query().Get("apikey"); apikey != "" && d.APIKey != apikey {
		writeError(w, fmt.Errorf("%w: %s", device.ErrDeviceNotFound, id))
		return nil, false
	}
	return d, true
}

// tenant reads the mandatory fiware-service and fiware-servicepath headers.
func tenant(r *http.Request) (ngsi.Tenant, error) {
	service, hasService := r.Header[http.CanonicalHeaderKey(ngsi.HeaderService)]
	subservice, hasSubservice := r.Header[http.CanonicalHeaderKey(ngsi.HeaderSubservice)]
	if !hasService || !hasSubservice {
		return ngsi.Tenant{}, fmt.Errorf("%w: fiware-service, fiware-servicepath", ngsi.ErrMissingHeaders)
	}
	return ngsi.Tenant{Service: service[0], Subservice: subservice[0]}, nil
}

// pagination reads the limit and offset query parameters.
func pagination(r *http.Request) (int, int, error) {
	var limit, offset int
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, fmt.Errorf("invalid limit %q", v)
		}
		limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, fmt.Errorf("invalid offset %q", v)
		}
		offset = n
	}
	return limit, offset, nil
}
