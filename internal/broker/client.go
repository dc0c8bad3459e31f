// Package broker is the outbound client towards the NGSI context broker:
// context provider registrations, entity upserts and subscriptions.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/nerrad567/iotagent-core/internal/device"
	"github.com/nerrad567/iotagent-core/internal/ngsi"
)

// Client is the set of broker operations the agent needs. The tenant of
// every call is the device's service and subservice; the device's cbHost
// and ngsiVersion override the client defaults.
type Client interface {
	// RegisterContextProvider registers the agent as provider of the
	// device's lazy attributes and commands and returns the registration id.
	RegisterContextProvider(ctx context.Context, d *device.Device) (string, error)

	// Unregister removes a registration created by RegisterContextProvider.
	Unregister(ctx context.Context, d *device.Device, registrationID string) error

	// UpsertEntity creates the entity or appends/replaces its attributes.
	UpsertEntity(ctx context.Context, d *device.Device, e ngsi.Entity) error

	// Subscribe asks the broker to notify the agent when any trigger
	// attribute of the device entity changes. content lists the attributes
	// to include in notifications; empty means all.
	Subscribe(ctx context.Context, d *device.Device, triggers, content []string) (string, error)

	// Unsubscribe cancels a subscription.
	Unsubscribe(ctx context.Context, d *device.Device, subscriptionID string) error
}

// Config holds the broker connection settings.
type Config struct {
	// URL is the default broker base URL.
	URL string

	// Version is the default NGSI version spoken to the broker.
	Version string

	// ProviderURL is the agent base URL the broker calls back.
	ProviderURL string

	// JSONLDContext is advertised in the Link header of NGSI-LD calls.
	JSONLDContext string

	Timeout time.Duration
}

// HTTPClient implements Client over HTTP for NGSI-v1, NGSI-v2 and NGSI-LD.
type HTTPClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewHTTPClient creates a broker client.
func NewHTTPClient(cfg Config) *HTTPClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	if cfg.Version == "" {
		cfg.Version = ngsi.VersionV2
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	cfg.ProviderURL = strings.TrimRight(cfg.ProviderURL, "/")

	return &HTTPClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// target resolves the base URL and version used for d.
func (c *HTTPClient) target(d *device.Device) (string, string) {
	base, version := c.cfg.URL, c.cfg.Version
	if d == nil {
		return base, version
	}
	if d.CBHost != "" {
		base = strings.TrimRight(d.CBHost, "/")
		if !strings.Contains(base, "://") {
			base = "http://" + base
		}
	}
	if d.NGSIVersion != "" {
		version = strings.ToLower(d.NGSIVersion)
	}
	return base, version
}

// doRequest performs a JSON request against the broker.
func (c *HTTPClient) doRequest(ctx context.Context, d *device.Device, method, reqPath string, body any) (*response, error) {
	base, version := c.target(d)

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, base+reqPath, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	if d != nil {
		switch version {
		case ngsi.VersionLD:
			if d.Service != "" {
				req.Header.Set(ngsi.HeaderLDTenant, d.Service)
			}
			if d.Subservice != "" {
				req.Header.Set(ngsi.HeaderLDPath, d.Subservice)
			}
		default:
			req.Header.Set(ngsi.HeaderService, d.Service)
			req.Header.Set(ngsi.HeaderSubservice, d.Subservice)
		}
	}
	if version == ngsi.VersionLD && c.cfg.JSONLDContext != "" {
		req.Header.Set("Link", fmt.Sprintf(`<%s>; rel="http://www.w3.org/ns/json-ld#context"; type="application/ld+json"`, c.cfg.JSONLDContext))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return &response{status: resp.StatusCode, header: resp.Header, body: respBody}, nil
}

// call runs doRequest and wraps any transport or HTTP failure in sentinel.
func (c *HTTPClient) call(ctx context.Context, d *device.Device, sentinel error, method, reqPath string, body any) (*response, error) {
	resp, err := c.doRequest(ctx, d, method, reqPath, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", sentinel, method, reqPath, err)
	}
	if resp.status >= 400 {
		return resp, fmt.Errorf("%w: %s %s returned %d: %s",
			sentinel, method, reqPath, resp.status, strings.TrimSpace(string(resp.body)))
	}
	return resp, nil
}

// RegisterContextProvider implements Client.
func (c *HTTPClient) RegisterContextProvider(ctx context.Context, d *device.Device) (string, error) {
	_, version := c.target(d)
	attrs := providedAttributes(d)

	switch version {
	case ngsi.VersionV1:
		var body struct {
			RegistrationID string `json:"registrationId"`
		}
		resp, err := c.call(ctx, d, ErrRegistration, http.MethodPost, "/NGSI9/registerContext", map[string]any{
			"contextRegistrations": []map[string]any{{
				"entities":             []map[string]any{{"type": d.Type, "isPattern": "false", "id": d.Name}},
				"attributes":           v1RegistrationAttributes(attrs),
				"providingApplication": c.cfg.ProviderURL,
			}},
			"duration": "P1M",
		})
		if err != nil {
			return "", err
		}
		if err := json.Unmarshal(resp.body, &body); err != nil || body.RegistrationID == "" {
			return "", fmt.Errorf("%w: no registration id in response", ErrRegistration)
		}
		return body.RegistrationID, nil

	case ngsi.VersionLD:
		resp, err := c.call(ctx, d, ErrRegistration, http.MethodPost, "/ngsi-ld/v1/csourceRegistrations/", map[string]any{
			"type": "ContextSourceRegistration",
			"information": []map[string]any{{
				"entities":      []map[string]any{{"type": d.Type, "id": d.Name}},
				"propertyNames": attributeNames(attrs),
			}},
			"endpoint": c.cfg.ProviderURL,
		})
		if err != nil {
			return "", err
		}
		return locationID(resp, ErrRegistration)

	default:
		resp, err := c.call(ctx, d, ErrRegistration, http.MethodPost, "/v2/registrations", map[string]any{
			"dataProvided": map[string]any{
				"entities": []map[string]any{{"type": d.Type, "id": d.Name}},
				"attrs":    attributeNames(attrs),
			},
			"provider": map[string]any{
				"http": map[string]any{"url": c.cfg.ProviderURL},
			},
		})
		if err != nil {
			return "", err
		}
		return locationID(resp, ErrRegistration)
	}
}

// Unregister implements Client.
func (c *HTTPClient) Unregister(ctx context.Context, d *device.Device, registrationID string) error {
	if registrationID == "" {
		return nil
	}
	_, version := c.target(d)

	var err error
	switch version {
	case ngsi.VersionV1:
		_, err = c.call(ctx, d, ErrUnregistration, http.MethodPost, "/NGSI9/registerContext", map[string]any{
			"contextRegistrations": []map[string]any{},
			"duration":             "PT1S",
			"registrationId":       registrationID,
		})
	case ngsi.VersionLD:
		_, err = c.call(ctx, d, ErrUnregistration, http.MethodDelete, "/ngsi-ld/v1/csourceRegistrations/"+registrationID, nil)
	default:
		_, err = c.call(ctx, d, ErrUnregistration, http.MethodDelete, "/v2/registrations/"+registrationID, nil)
	}
	return err
}

// UpsertEntity implements Client.
func (c *HTTPClient) UpsertEntity(ctx context.Context, d *device.Device, e ngsi.Entity) error {
	_, version := c.target(d)

	var (
		resp *response
		err  error
	)
	switch version {
	case ngsi.VersionV1:
		resp, err = c.call(ctx, d, ErrEntityGeneric, http.MethodPost, "/v1/updateContext", map[string]any{
			"contextElements": []any{ngsi.Encode(ngsi.VersionV1, e)},
			"updateAction":    "APPEND",
		})
	case ngsi.VersionLD:
		resp, err = c.call(ctx, d, ErrEntityGeneric, http.MethodPost, "/ngsi-ld/v1/entityOperations/upsert/?options=update",
			[]any{ngsi.Encode(ngsi.VersionLD, e)})
	default:
		resp, err = c.call(ctx, d, ErrEntityGeneric, http.MethodPost, "/v2/op/update", map[string]any{
			"actionType": "append",
			"entities":   []any{ngsi.Encode(ngsi.VersionV2, e)},
		})
	}
	if err != nil && resp != nil && resp.status == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrEntityNotFound, e.ID)
	}
	return err
}

// Subscribe implements Client.
func (c *HTTPClient) Subscribe(ctx context.Context, d *device.Device, triggers, content []string) (string, error) {
	_, version := c.target(d)
	notifyURL := c.cfg.ProviderURL + "/notify"

	switch version {
	case ngsi.VersionV1:
		var body struct {
			SubscribeResponse struct {
				SubscriptionID string `json:"subscriptionId"`
			} `json:"subscribeResponse"`
		}
		resp, err := c.call(ctx, d, ErrSubscription, http.MethodPost, "/v1/subscribeContext", map[string]any{
			"entities":         []map[string]any{{"type": d.Type, "isPattern": "false", "id": d.Name}},
			"reference":        notifyURL,
			"duration":         "P100Y",
			"notifyConditions": []map[string]any{{"type": "ONCHANGE", "condValues": triggers}},
			"attributes":       nonNil(content),
		})
		if err != nil {
			return "", err
		}
		if err := json.Unmarshal(resp.body, &body); err != nil || body.SubscribeResponse.SubscriptionID == "" {
			return "", fmt.Errorf("%w: no subscription id in response", ErrSubscription)
		}
		return body.SubscribeResponse.SubscriptionID, nil

	case ngsi.VersionLD:
		resp, err := c.call(ctx, d, ErrSubscription, http.MethodPost, "/ngsi-ld/v1/subscriptions/", map[string]any{
			"type":              "Subscription",
			"entities":          []map[string]any{{"type": d.Type, "id": d.Name}},
			"watchedAttributes": nonNil(triggers),
			"notification": map[string]any{
				"attributes": nonNil(content),
				"endpoint":   map[string]any{"uri": notifyURL, "accept": "application/json"},
			},
		})
		if err != nil {
			return "", err
		}
		return locationID(resp, ErrSubscription)

	default:
		resp, err := c.call(ctx, d, ErrSubscription, http.MethodPost, "/v2/subscriptions", map[string]any{
			"subject": map[string]any{
				"entities":  []map[string]any{{"type": d.Type, "id": d.Name}},
				"condition": map[string]any{"attrs": nonNil(triggers)},
			},
			"notification": map[string]any{
				"http":  map[string]any{"url": notifyURL},
				"attrs": nonNil(content),
			},
		})
		if err != nil {
			return "", err
		}
		return locationID(resp, ErrSubscription)
	}
}

// Unsubscribe implements Client.
func (c *HTTPClient) Unsubscribe(ctx context.Context, d *device.Device, subscriptionID string) error {
	_, version := c.target(d)

	var err error
	switch version {
	case ngsi.VersionV1:
		_, err = c.call(ctx, d, ErrSubscription, http.MethodPost, "/v1/unsubscribeContext",
			map[string]any{"subscriptionId": subscriptionID})
	case ngsi.VersionLD:
		_, err = c.call(ctx, d, ErrSubscription, http.MethodDelete, "/ngsi-ld/v1/subscriptions/"+subscriptionID, nil)
	default:
		_, err = c.call(ctx, d, ErrSubscription, http.MethodDelete, "/v2/subscriptions/"+subscriptionID, nil)
	}
	return err
}

// providedAttributes lists the lazy attributes and commands of d.
func providedAttributes(d *device.Device) []device.Attribute {
	attrs := make([]device.Attribute, 0, len(d.Lazy)+len(d.Commands))
	attrs = append(attrs, d.Lazy...)
	for _, cmd := range d.Commands {
		if cmd.Type == "" {
			cmd.Type = "command"
		}
		attrs = append(attrs, cmd)
	}
	return attrs
}

func attributeNames(attrs []device.Attribute) []string {
	names := make([]string, 0, len(attrs))
	for _, a := range attrs {
		names = append(names, a.Name)
	}
	return names
}

func v1RegistrationAttributes(attrs []device.Attribute) []map[string]any {
	out := make([]map[string]any, 0, len(attrs))
	for _, a := range attrs {
		out = append(out, map[string]any{"name": a.Name, "type": a.Type, "isDomain": "false"})
	}
	return out
}

// locationID extracts the trailing id of the Location header.
func locationID(resp *response, sentinel error) (string, error) {
	loc := resp.header.Get("Location")
	if loc == "" {
		return "", fmt.Errorf("%w: no Location header in response", sentinel)
	}
	return path.Base(strings.TrimRight(loc, "/")), nil
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}
