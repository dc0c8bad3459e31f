package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/nerrad567/iotagent-core/internal/device"
	"github.com/nerrad567/iotagent-core/internal/ngsi"
)

// groupBody is a configuration group in provisioning API format.
type groupBody struct {
	APIKey                       string             `json:"apikey"`
	Resource                     string             `json:"resource"`
	Service                      string             `json:"service,omitempty"`
	ServicePath                  string             `json:"service_path,omitempty"`
	EntityType                   string             `json:"entity_type,omitempty"`
	Attributes                   []device.Attribute `json:"attributes,omitempty"`
	Lazy                         []device.Attribute `json:"lazy,omitempty"`
	Commands                     []device.Attribute `json:"commands,omitempty"`
	StaticAttributes             []device.Attribute `json:"static_attributes,omitempty"`
	InternalAttributes           []any              `json:"internal_attributes,omitempty"`
	CBHost                       string             `json:"cbHost,omitempty"`
	Trust                        string             `json:"trust,omitempty"`
	Timezone                     string             `json:"timezone,omitempty"`
	NGSIVersion                  string             `json:"ngsiVersion,omitempty"`
	Transport                    string             `json:"transport,omitempty"`
	Description                  string             `json:"description,omitempty"`
	EntityNameExp                string             `json:"entityNameExp,omitempty"`
	DefaultEntityNameConjunction string             `json:"defaultEntityNameConjunction,omitempty"`
	ExplicitAttrs                *bool              `json:"explicitAttrs,omitempty"`
	Timestamp                    *bool              `json:"timestamp,omitempty"`
	Autoprovision                *bool              `json:"autoprovision,omitempty"`
}

func toGroupBody(g *device.Group) groupBody {
	return groupBody{
		APIKey:                       g.APIKey,
		Resource:                     g.Resource,
		Service:                      g.Service,
		ServicePath:                  g.Subservice,
		EntityType:                   g.Type,
		Attributes:                   g.Attributes,
		Lazy:                         g.Lazy,
		Commands:                     g.Commands,
		StaticAttributes:             g.StaticAttributes,
		InternalAttributes:           g.InternalAttributes,
		CBHost:                       g.CBHost,
		Trust:                        g.Trust,
		Timezone:                     g.Timezone,
		NGSIVersion:                  g.NGSIVersion,
		Transport:                    g.Transport,
		Description:                  g.Description,
		EntityNameExp:                g.EntityNameExp,
		DefaultEntityNameConjunction: g.DefaultEntityNameConjunction,
		ExplicitAttrs:                g.ExplicitAttrs,
		Timestamp:                    g.Timestamp,
		Autoprovision:                g.Autoprovision,
	}
}

func (b groupBody) group(t ngsi.Tenant) *device.Group {
	return &device.Group{
		Service:                      t.Service,
		Subservice:                   t.Subservice,
		Resource:                     b.Resource,
		APIKey:                       b.APIKey,
		Type:                         b.EntityType,
		Attributes:                   b.Attributes,
		Lazy:                         b.Lazy,
		Commands:                     b.Commands,
		StaticAttributes:             b.StaticAttributes,
		InternalAttributes:           b.InternalAttributes,
		CBHost:                       b.CBHost,
		Trust:                        b.Trust,
		Timezone:                     b.Timezone,
		NGSIVersion:                  b.NGSIVersion,
		Transport:                    b.Transport,
		Description:                  b.Description,
		EntityNameExp:                b.EntityNameExp,
		DefaultEntityNameConjunction: b.DefaultEntityNameConjunction,
		ExplicitAttrs:                b.ExplicitAttrs,
		Timestamp:                    b.Timestamp,
		Autoprovision:                b.Autoprovision,
	}
}

// handleCreateGroups stores every group in the body, in order.
func (s *Server) handleCreateGroups(w http.ResponseWriter, r *http.Request) {
	t, err := tenant(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var body struct {
		Services []groupBody `json:"services"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if len(body.Services) == 0 {
		writeBadRequest(w, "services is required")
		return
	}

	for _, b := range body.Services {
		if _, err := s.groups.Create(r.Context(), b.group(t)); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, map[string]any{})
}

// handleListGroups returns one page of the groups of the request service.
func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
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

	result, err := s.groups.List(r.Context(), t.Service, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}

	services := make([]groupBody, 0, len(result.Groups))
	for _, g := range result.Groups {
		services = append(services, toGroupBody(g))
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": result.Count, "services": services})
}

// handleUpdateGroup overwrites the fields present in the body on the group
// named by the resource and apikey query parameters.
func (s *Server) handleUpdateGroup(w http.ResponseWriter, r *http.Request) {
	existing, ok := s.lookupGroup(w, r)
	if !ok {
		return
	}

	body := toGroupBody(existing)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	updated := body.group(ngsi.Tenant{Service: existing.Service, Subservice: existing.Subservice})
	updated.ID = existing.ID
	updated.CreatedAt = existing.CreatedAt
	if _, err := s.groups.Update(r.Context(), updated); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteGroup removes the group named by the resource and apikey
// query parameters. Devices keep their own stored attributes.
func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	g, ok := s.lookupGroup(w, r)
	if !ok {
		return
	}
	if err := s.groups.Remove(r.Context(), g.Resource, g.APIKey); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// lookupGroup resolves the group addressed by the query string inside the
// request tenant.
func (s *Server) lookupGroup(w http.ResponseWriter, r *http.Request) (*device.Group, bool) {
	t, err := tenant(r)
	if err != nil {
		writeError(w, err)
		return nil, false
	}

	resource := r.URL.Query().Get("resource")
	apikey := r.URL.Query().Get("apikey")
	if resource == "" || apikey == "" {
		writeBadRequest(w, "resource and apikey query parameters are required")
		return nil, false
	}

	g, err := s.groups.Get(r.Context(), resource, apikey)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	if g.Service != t.Service || g.Subservice != t.Subservice {
		writeError(w, fmt.Errorf("%w: apikey %q resource %q", device.ErrGroupNotFound, apikey, resource))
		return nil, false
	}
	return g, true
}
