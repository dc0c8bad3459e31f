// Package ngsi translates north-bound NGSI-v1, NGSI-v2 and NGSI-LD wire
// messages to and from a version-neutral entity model.
package ngsi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/nerrad567/iotagent-core/internal/device"
)

// Request headers carrying the tenant.
const (
	HeaderService    = "Fiware-Service"
	HeaderSubservice = "Fiware-ServicePath"
	HeaderCorrelator = "Fiware-Correlator"
	HeaderLDTenant   = "NGSILD-Tenant"
	HeaderLDPath     = "NGSILD-Path"
)

// Supported versions.
const (
	VersionV1 = "v1"
	VersionV2 = "v2"
	VersionLD = "ld"
)

// DefaultAttributeType is reported for queried attributes the device does
// not declare.
const DefaultAttributeType = "string"

// maxBodyBytes bounds every north-bound body.
const maxBodyBytes = 1 << 20

// Adapter parses and writes one NGSI dialect.
type Adapter interface {
	Version() string

	ParseUpdate(r *http.Request) (*UpdateRequest, error)
	ParseQuery(r *http.Request) (*QueryRequest, error)
	ParseNotification(r *http.Request) (*Notification, error)

	WriteUpdateResponse(w http.ResponseWriter, entities []Entity)
	WriteQueryResponse(w http.ResponseWriter, entities []Entity)
	WriteNotificationResponse(w http.ResponseWriter)
	// WriteError writes err in the envelope op uses. r may have been
	// parsed already; its body stays readable.
	WriteError(w http.ResponseWriter, r *http.Request, op Operation, err error)
}

// LDOptions holds the tenant fallbacks used when an NGSI-LD request carries
// no tenant headers.
type LDOptions struct {
	FallbackTenant string
	FallbackPath   string
}

// New returns the adapter for version.
func New(version string, ld LDOptions) (Adapter, error) {
	switch strings.ToLower(version) {
	case VersionV1:
		return V1{}, nil
	case VersionV2:
		return V2{}, nil
	case VersionLD:
		return LD{Options: ld}, nil
	default:
		return nil, fmt.Errorf("ngsi: unknown version %q", version)
	}
}

// Split separates the incoming attributes that name one of the device
// commands from plain attribute updates. Command entries take the declared
// command type.
func Split(attrs []Attribute, commands []device.Attribute) (plain, cmds []Attribute) {
	for _, a := range attrs {
		if c, ok := findCommand(commands, a.Name); ok {
			if c.Type != "" {
				a.Type = c.Type
			}
			cmds = append(cmds, a)
			continue
		}
		plain = append(plain, a)
	}
	return plain, cmds
}

func findCommand(commands []device.Attribute, name string) (device.Attribute, bool) {
	for _, c := range commands {
		if c.Name == name {
			return c, true
		}
	}
	return device.Attribute{}, false
}

// DefaultQuery builds the response used when no query handler is set. Every
// requested attribute (or every lazy attribute when none is requested) is
// reported with an empty value; its type comes from the lazy list, then the
// command list, then DefaultAttributeType. Static attributes are appended,
// filtered by the requested names when there are any.
func DefaultQuery(d *device.Device, id, entityType string, attrs []string) Entity {
	e := Entity{ID: id, Type: entityType}
	if e.Type == "" && d != nil {
		e.Type = d.Type
	}

	names := attrs
	if len(names) == 0 && d != nil {
		for _, l := range d.Lazy {
			names = append(names, l.Name)
		}
	}

	for _, name := range names {
		attrType := DefaultAttributeType
		if d != nil {
			if l, ok := d.LazyAttribute(name); ok && l.Type != "" {
				attrType = l.Type
			} else if c, ok := d.Command(name); ok && c.Type != "" {
				attrType = c.Type
			}
		}
		e.Attributes = append(e.Attributes, Attribute{Name: name, Type: attrType, Value: ""})
	}

	if d == nil {
		return e
	}
	for _, s := range d.StaticAttributes {
		if len(attrs) > 0 && !contains(attrs, s.Name) {
			continue
		}
		if _, dup := e.Attribute(s.Name); dup {
			continue
		}
		e.Attributes = append(e.Attributes, Attribute{Name: s.Name, Type: s.Type, Value: s.Value, Metadata: s.Metadata})
	}
	return e
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// readBody reads the request body and puts it back so error writers can
// read it again.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %w", ErrBadRequest, err)
	}
	if len(data) > maxBodyBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrBadRequest, maxBodyBytes)
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

// mediaType returns the lower-cased media type of the request, or "".
func mediaType(r *http.Request) string {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(ct))
	}
	return mt
}

func isJSON(mt string) bool {
	return mt == "application/json" || mt == "application/ld+json" || strings.HasSuffix(mt, "+json")
}

func requireJSON(r *http.Request) error {
	if mt := mediaType(r); !isJSON(mt) {
		return fmt.Errorf("%w: %q", ErrUnsupportedContentType, r.Header.Get("Content-Type"))
	}
	return nil
}

// fiwareTenant reads the mandatory fiware-service headers.
func fiwareTenant(r *http.Request) (Tenant, error) {
	var missing []string
	service, hasService := headerValue(r, HeaderService)
	if !hasService {
		missing = append(missing, strings.ToLower(HeaderService))
	}
	subservice, hasSubservice := headerValue(r, HeaderSubservice)
	if !hasSubservice {
		missing = append(missing, strings.ToLower(HeaderSubservice))
	}
	if len(missing) > 0 {
		return Tenant{}, fmt.Errorf("%w: %s", ErrMissingHeaders, strings.Join(missing, ", "))
	}
	return Tenant{Service: service, Subservice: subservice}, nil
}

func headerValue(r *http.Request, name string) (string, bool) {
	values, ok := r.Header[http.CanonicalHeaderKey(name)]
	if !ok || len(values) == 0 {
		return "", false
	}
	return values[0], true
}

func decodeJSON(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: malformed JSON: %w", ErrBadRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// errorDetails returns the classified name, status and sanitized message of err.
func errorDetails(err error) (string, int, string) {
	name, code := Classify(err)
	return name, code, Sanitize(err.Error())
}

// Encode renders e as the entity body of the given version: a v1 context
// element, or a v2/LD entity keyed by attribute name.
func Encode(version string, e Entity) any {
	switch strings.ToLower(version) {
	case VersionV1:
		return v1OK(e).ContextElement
	case VersionLD:
		return keyValuedObject(e, true)
	default:
		return keyValuedObject(e, false)
	}
}
