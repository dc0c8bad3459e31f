package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/iotagent-core/internal/broker"
	"github.com/nerrad567/iotagent-core/internal/command"
	"github.com/nerrad567/iotagent-core/internal/device"
	"github.com/nerrad567/iotagent-core/internal/dispatch"
	"github.com/nerrad567/iotagent-core/internal/infrastructure/config"
	"github.com/nerrad567/iotagent-core/internal/infrastructure/database"
	"github.com/nerrad567/iotagent-core/internal/infrastructure/logging"
	"github.com/nerrad567/iotagent-core/internal/ngsi"
	"github.com/nerrad567/iotagent-core/internal/provision"
	"github.com/nerrad567/iotagent-core/migrations"
)

const (
	testService    = "smartgondor"
	testSubservice = "/gardens"
	testAPIKey     = "801230BJKL23Y9090DSFL123HJK09H324HV8732"
)

// testEnv bundles a server with the collaborators tests inspect.
type testEnv struct {
	srv        *Server
	router     http.Handler
	devices    *device.Registry
	groups     *device.GroupRegistry
	broker     *broker.Recorder
	dispatcher *dispatch.Dispatcher
}

// testServer creates a Server over in-memory SQLite registries and a
// recording broker. mutate may adjust the dependencies before New.
func testServer(t *testing.T, mutate func(*Deps)) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(ctx, database.Config{Path: database.MemoryPath, BusyTimeout: 5})
	if err != nil {
		t.Fatalf("database.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	env := &testEnv{
		devices: device.NewRegistry(device.NewSQLiteRepository(db.DB)),
		groups:  device.NewGroupRegistry(device.NewSQLiteGroupRepository(db.DB)),
		broker:  broker.NewRecorder(),
	}

	commands, err := command.NewManager(command.NewSQLiteStore(db.DB), command.Options{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	env.dispatcher, err = dispatch.NewDispatcher(nil, env.devices, env.groups, commands, env.broker, dispatch.Options{})
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}

	defaults := config.Default()
	svc := provision.NewService(env.devices, env.groups, env.broker, provision.Options{
		Agent:         defaults.Agent,
		BrokerVersion: ngsi.VersionV2,
	})

	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")

	deps := Deps{
		Config: config.APIConfig{
			Host: "127.0.0.1",
			Port: 0,
			Timeouts: config.APITimeoutConfig{
				Read:  5,
				Write: 5,
				Idle:  5,
			},
		},
		Northbound: config.NorthboundConfig{NGSIVersion: ngsi.VersionV2},
		Agent:      defaults.Agent,
		Logger:     log,
		Dispatcher: env.dispatcher,
		Provision:  svc,
		Devices:    env.devices,
		Groups:     env.groups,
		Version:    "test",
	}
	if mutate != nil {
		mutate(&deps)
	}

	env.srv, err = New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	env.router = env.srv.buildRouter()
	return env
}

// do sends a request with the test tenant headers and a JSON body.
func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	return e.doWith(t, method, path, body, map[string]string{
		ngsi.HeaderService:    testService,
		ngsi.HeaderSubservice: testSubservice,
	})
}

func (e *testEnv) doWith(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// provisionLight registers a push device with a lazy attribute and a command.
func (e *testEnv) provisionLight(t *testing.T, extra string) {
	t.Helper()
	body := `{"devices":[{
		"device_id": "light1",
		"entity_type": "Light",
		"endpoint": "http://device.local:9001",
		"transport": "HTTP",
		"attributes": [{"object_id": "t", "name": "temperature", "type": "Number"}],
		"lazy": [{"name": "luminance", "type": "lumens"}],
		"commands": [{"name": "switch", "type": "command"}]` + extra + `
	}]}`
	w := e.do(t, http.MethodPost, "/iot/devices", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("provision status = %d, body = %s", w.Code, w.Body.String())
	}
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding response %q: %v", w.Body.String(), err)
	}
}

func errorName(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	decodeBody(t, w, &body)
	if name, ok := body["name"].(string); ok {
		return name
	}
	name, _ := body["error"].(string)
	return name
}

// ─── Server Tests ──────────────────────────────────────────────────

func TestNew_RequiresDependencies(t *testing.T) {
	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")

	if _, err := New(Deps{}); err == nil {
		t.Error("New() without logger should fail")
	}
	if _, err := New(Deps{Logger: log}); err == nil {
		t.Error("New() without dispatcher should fail")
	}
}

func TestNew_UnknownNotificationVersion(t *testing.T) {
	env := testServer(t, nil)
	deps := Deps{
		Northbound: config.NorthboundConfig{NGSIVersion: "v3"},
		Logger:     logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test"),
		Dispatcher: env.dispatcher,
		Provision:  env.srv.provision,
		Devices:    env.devices,
		Groups:     env.groups,
	}
	if _, err := New(deps); err == nil {
		t.Error("New() with unknown ngsi version should fail")
	}
}

func TestHealth(t *testing.T) {
	env := testServer(t, nil)

	w := env.do(t, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var resp map[string]any
	decodeBody(t, w, &resp)
	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
	if resp["version"] != "test" {
		t.Errorf("version = %v, want test", resp["version"])
	}
}

func TestAbout(t *testing.T) {
	env := testServer(t, nil)

	for _, path := range []string{"/iot/about", "/version"} {
		t.Run(path, func(t *testing.T) {
			w := env.do(t, http.MethodGet, path, "")
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", w.Code)
			}
			var about About
			decodeBody(t, w, &about)
			if about.Version != "test" {
				t.Errorf("version = %q, want test", about.Version)
			}
			if about.NGSIVersion != ngsi.VersionV2 {
				t.Errorf("ngsiVersion = %q, want %q", about.NGSIVersion, ngsi.VersionV2)
			}
			if about.Runtime.Goroutines == 0 {
				t.Error("runtime goroutines should be reported")
			}
		})
	}
}

func TestCorrelator_Generated(t *testing.T) {
	env := testServer(t, nil)

	w := env.do(t, http.MethodGet, "/health", "")
	if w.Header().Get(ngsi.HeaderCorrelator) == "" {
		t.Error("Fiware-Correlator header should be generated")
	}
}

func TestCorrelator_PreservesClient(t *testing.T) {
	env := testServer(t, nil)

	w := env.doWith(t, http.MethodGet, "/health", "", map[string]string{ngsi.HeaderCorrelator: "corr-42"})
	if got := w.Header().Get(ngsi.HeaderCorrelator); got != "corr-42" {
		t.Errorf("Fiware-Correlator = %q, want corr-42", got)
	}
}

func TestCORS_Preflight(t *testing.T) {
	env := testServer(t, nil)

	w := env.doWith(t, http.MethodOptions, "/v2/op/update", "", map[string]string{
		"Origin":                        "http://dashboard.local",
		"Access-Control-Request-Method": http.MethodPost,
	})
	if w.Code >= http.StatusMultipleChoices {
		t.Errorf("preflight status = %d, want 2xx", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("Access-Control-Allow-Origin should be set")
	}
}

func TestNotFound(t *testing.T) {
	env := testServer(t, nil)

	w := env.do(t, http.MethodGet, "/api/v1/devices", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	env := testServer(t, func(d *Deps) {
		d.Metrics = config.MetricsConfig{Enabled: true, Path: "/metrics"}
		d.Registerer = reg
		d.Gatherer = reg
	})

	env.do(t, http.MethodGet, "/health", "")

	w := env.do(t, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "iotagent_http_requests_total") {
		t.Errorf("metrics output missing http counter:\n%s", w.Body.String())
	}
}

func TestMetricsEndpoint_DisabledByDefault(t *testing.T) {
	env := testServer(t, nil)

	w := env.do(t, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestRecovery(t *testing.T) {
	env := testServer(t, nil)
	env.dispatcher.Context().SetNotificationHandler(func(context.Context, dispatch.RequestContext, *device.Device, []ngsi.Attribute) error {
		panic("boom")
	})
	env.provisionLight(t, "")

	w := env.do(t, http.MethodPost, "/notify", `{"subscriptionId":"s1","data":[{"id":"Light:light1","type":"Light","temperature":{"type":"Number","value":21}}]}`)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

// ─── Device Provisioning Tests ─────────────────────────────────────

func TestProvisionDevice_Lifecycle(t *testing.T) {
	env := testServer(t, nil)
	env.provisionLight(t, "")

	if len(env.broker.Registrations) != 1 {
		t.Errorf("registrations = %d, want 1", len(env.broker.Registrations))
	}

	w := env.do(t, http.MethodGet, "/iot/devices/light1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d, body = %s", w.Code, w.Body.String())
	}
	var got deviceBody
	decodeBody(t, w, &got)
	if got.EntityName != "Light:light1" {
		t.Errorf("entity_name = %q, want Light:light1", got.EntityName)
	}
	if got.ServicePath != testSubservice {
		t.Errorf("service_path = %q, want %q", got.ServicePath, testSubservice)
	}
	if len(got.Commands) != 1 || got.Commands[0].Name != "switch" {
		t.Errorf("commands = %+v, want [switch]", got.Commands)
	}

	w = env.do(t, http.MethodGet, "/iot/devices", "")
	var list struct {
		Count   int          `json:"count"`
		Devices []deviceBody `json:"devices"`
	}
	decodeBody(t, w, &list)
	if list.Count != 1 || len(list.Devices) != 1 {
		t.Errorf("list = %d/%d, want 1/1", list.Count, len(list.Devices))
	}

	w = env.do(t, http.MethodDelete, "/iot/devices/light1", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, body = %s", w.Code, w.Body.String())
	}
	if len(env.broker.Registrations) != 0 {
		t.Errorf("registrations after delete = %d, want 0", len(env.broker.Registrations))
	}

	w = env.do(t, http.MethodGet, "/iot/devices/light1", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", w.Code)
	}
	if name := errorName(t, w); name != "DeviceNotFound" {
		t.Errorf("error name = %q, want DeviceNotFound", name)
	}
}

func TestProvisionDevice_Errors(t *testing.T) {
	env := testServer(t, nil)
	env.provisionLight(t, "")

	tests := []struct {
		name     string
		headers  map[string]string
		body     string
		wantCode int
		wantName string
	}{
		{
			name:     "duplicate id",
			body:     `{"devices":[{"device_id":"light1"}]}`,
			wantCode: http.StatusConflict,
			wantName: "DuplicateDeviceId",
		},
		{
			name:     "missing headers",
			headers:  map[string]string{},
			body:     `{"devices":[{"device_id":"light2"}]}`,
			wantCode: http.StatusBadRequest,
			wantName: "MissingHeaders",
		},
		{
			name:     "invalid JSON",
			body:     `{"devices":`,
			wantCode: http.StatusBadRequest,
			wantName: "BadRequest",
		},
		{
			name:     "empty batch",
			body:     `{"devices":[]}`,
			wantCode: http.StatusBadRequest,
			wantName: "BadRequest",
		},
		{
			name:     "forbidden id characters",
			body:     `{"devices":[{"device_id":"light<2>"}]}`,
			wantCode: http.StatusBadRequest,
			wantName: "BadRequest",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := tt.headers
			if headers == nil {
				headers = map[string]string{ngsi.HeaderService: testService, ngsi.HeaderSubservice: testSubservice}
			}
			w := env.doWith(t, http.MethodPost, "/iot/devices", tt.body, headers)
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.wantCode, w.Body.String())
			}
			if name := errorName(t, w); name != tt.wantName {
				t.Errorf("error name = %q, want %q", name, tt.wantName)
			}
		})
	}
}

func TestProvisionDevice_OtherTenantNotVisible(t *testing.T) {
	env := testServer(t, nil)
	env.provisionLight(t, "")

	w := env.doWith(t, http.MethodGet, "/iot/devices/light1", "", map[string]string{
		ngsi.HeaderService:    "othertenant",
		ngsi.HeaderSubservice: testSubservice,
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestProvisionDevice_WrongAPIKey(t *testing.T) {
	env := testServer(t, nil)
	env.provisionLight(t, `, "apikey": "`+testAPIKey+`"`)

	if w := env.do(t, http.MethodGet, "/iot/devices/light1?apikey="+testAPIKey, ""); w.Code != http.StatusOK {
		t.Errorf("matching apikey status = %d, want 200", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/iot/devices/light1?apikey=other", ""); w.Code != http.StatusNotFound {
		t.Errorf("wrong apikey status = %d, want 404", w.Code)
	}
}

func TestListDevices_Pagination(t *testing.T) {
	env := testServer(t, nil)
	for i := range 3 {
		body := fmt.Sprintf(`{"devices":[{"device_id":"sensor%d","entity_type":"Sensor"}]}`, i)
		if w := env.do(t, http.MethodPost, "/iot/devices", body); w.Code != http.StatusCreated {
			t.Fatalf("provision sensor%d status = %d", i, w.Code)
		}
	}

	w := env.do(t, http.MethodGet, "/iot/devices?limit=2&offset=1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var list struct {
		Count   int          `json:"count"`
		Devices []deviceBody `json:"devices"`
	}
	decodeBody(t, w, &list)
	if list.Count != 3 {
		t.Errorf("count = %d, want 3", list.Count)
	}
	if len(list.Devices) != 2 {
		t.Errorf("page size = %d, want 2", len(list.Devices))
	}

	if w := env.do(t, http.MethodGet, "/iot/devices?limit=abc", ""); w.Code != http.StatusBadRequest {
		t.Errorf("invalid limit status = %d, want 400", w.Code)
	}
}

func TestUpdateDevice(t *testing.T) {
	env := testServer(t, nil)
	env.provisionLight(t, "")
	before := len(env.broker.Entities())

	w := env.do(t, http.MethodPut, "/iot/devices/light1", `{
		"lazy": [{"name": "luminance", "type": "lumens"}, {"name": "battery", "type": "Percent"}]
	}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("update status = %d, body = %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodGet, "/iot/devices/light1", "")
	var got deviceBody
	decodeBody(t, w, &got)
	if len(got.Lazy) != 2 {
		t.Errorf("lazy = %+v, want 2 entries", got.Lazy)
	}
	if len(got.Commands) != 1 {
		t.Errorf("commands = %+v, fields absent from the body must be kept", got.Commands)
	}
	if len(env.broker.Registrations) != 1 {
		t.Errorf("registrations = %d, want 1 after re-registration", len(env.broker.Registrations))
	}
	if len(env.broker.Entities()) != before {
		t.Errorf("no entity write expected for a lazy change")
	}
}

func TestUpdateDevice_NotFound(t *testing.T) {
	env := testServer(t, nil)

	w := env.do(t, http.MethodPut, "/iot/devices/ghost", `{"entity_type":"Light"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

// ─── Configuration Group Tests ─────────────────────────────────────

func TestGroups_Lifecycle(t *testing.T) {
	env := testServer(t, nil)
	groupPath := "/iot/services?resource=/iot/d&apikey=" + testAPIKey

	w := env.do(t, http.MethodPost, "/iot/services", `{"services":[{
		"apikey": "`+testAPIKey+`",
		"resource": "/iot/d",
		"entity_type": "Light",
		"attributes": [{"object_id": "t", "name": "temperature", "type": "Number"}]
	}]}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodPost, "/iot/services", `{"services":[{"apikey":"`+testAPIKey+`","resource":"/iot/d"}]}`)
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate create status = %d, want 409", w.Code)
	}

	w = env.do(t, http.MethodPut, groupPath, `{"entity_type":"Sensor"}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("update status = %d, body = %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodGet, "/iot/services", "")
	var list struct {
		Count    int         `json:"count"`
		Services []groupBody `json:"services"`
	}
	decodeBody(t, w, &list)
	if list.Count != 1 || len(list.Services) != 1 {
		t.Fatalf("list = %d/%d, want 1/1", list.Count, len(list.Services))
	}
	if list.Services[0].EntityType != "Sensor" {
		t.Errorf("entity_type = %q, want Sensor", list.Services[0].EntityType)
	}
	if len(list.Services[0].Attributes) != 1 {
		t.Errorf("attributes = %+v, fields absent from the body must be kept", list.Services[0].Attributes)
	}

	if w = env.do(t, http.MethodDelete, groupPath, ""); w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", w.Code)
	}
	w = env.do(t, http.MethodDelete, groupPath, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", w.Code)
	}
	if name := errorName(t, w); name != "DeviceGroupNotFound" {
		t.Errorf("error name = %q, want DeviceGroupNotFound", name)
	}
}

func TestGroups_Errors(t *testing.T) {
	env := testServer(t, nil)
	if w := env.do(t, http.MethodPost, "/iot/services", `{"services":[{"apikey":"k1","resource":"/iot/d"}]}`); w.Code != http.StatusCreated {
		t.Fatalf("create status = %d", w.Code)
	}

	tests := []struct {
		name     string
		method   string
		path     string
		body     string
		headers  map[string]string
		wantCode int
	}{
		{"missing resource", http.MethodPost, "/iot/services", `{"services":[{"apikey":"k2"}]}`, nil, http.StatusBadRequest},
		{"missing query", http.MethodDelete, "/iot/services", "", nil, http.StatusBadRequest},
		{"other service", http.MethodDelete, "/iot/services?resource=/iot/d&apikey=k1", "", map[string]string{
			ngsi.HeaderService: "othertenant", ngsi.HeaderSubservice: testSubservice,
		}, http.StatusNotFound},
		{"missing headers", http.MethodGet, "/iot/services", "", map[string]string{}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := tt.headers
			if headers == nil {
				headers = map[string]string{ngsi.HeaderService: testService, ngsi.HeaderSubservice: testSubservice}
			}
			w := env.doWith(t, tt.method, tt.path, tt.body, headers)
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.wantCode, w.Body.String())
			}
		})
	}
}

// ─── Context Provider Tests ────────────────────────────────────────

func TestV2Update_PushCommand(t *testing.T) {
	env := testServer(t, nil)
	env.provisionLight(t, "")

	var got []ngsi.Entity
	var correlator string
	env.dispatcher.Context().SetCommandHandler(func(_ context.Context, rc dispatch.RequestContext, _ *device.Device, e ngsi.Entity) error {
		got = append(got, e)
		correlator = rc.CorrelationID
		return nil
	})
	env.broker.Reset()

	w := env.doWith(t, http.MethodPost, "/v2/op/update", `{
		"actionType": "update",
		"entities": [{"id": "Light:light1", "type": "Light", "switch": {"type": "command", "value": "on"}}]
	}`, map[string]string{
		ngsi.HeaderService:    testService,
		ngsi.HeaderSubservice: testSubservice,
		ngsi.HeaderCorrelator: "corr-7",
	})
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	if len(got) != 1 || len(got[0].Attributes) != 1 || got[0].Attributes[0].Value != "on" {
		t.Fatalf("command handler received %+v", got)
	}
	if correlator != "corr-7" {
		t.Errorf("correlator = %q, want corr-7", correlator)
	}

	upserts := env.broker.Entities()
	if len(upserts) != 1 {
		t.Fatalf("upserts = %d, want 1", len(upserts))
	}
	status, ok := upserts[0].Entity.Attribute("switch" + command.StatusSuffix)
	if !ok || status.Value != command.StatusPending {
		t.Errorf("switch_status = %+v, want PENDING", status)
	}
}

func TestV2Update_Errors(t *testing.T) {
	env := testServer(t, nil)
	env.provisionLight(t, "")

	update := `{"actionType":"update","entities":[{"id":"Light:light1","type":"Light","switch":{"type":"command","value":"on"}}]}`

	w := env.do(t, http.MethodPost, "/v2/op/update", update)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("no handler status = %d, want 500", w.Code)
	}

	env.dispatcher.Context().SetCommandHandler(func(context.Context, dispatch.RequestContext, *device.Device, ngsi.Entity) error {
		return nil
	})

	tests := []struct {
		name     string
		body     string
		headers  map[string]string
		wantCode int
		wantName string
	}{
		{
			name:     "unknown entity",
			body:     `{"actionType":"update","entities":[{"id":"Light:ghost","type":"Light","switch":{"value":"on"}}]}`,
			wantCode: http.StatusNotFound,
			wantName: "DeviceNotFound",
		},
		{
			name:     "missing entities",
			body:     `{"actionType":"update"}`,
			wantCode: http.StatusBadRequest,
			wantName: "BadRequest",
		},
		{
			name:     "missing headers",
			body:     update,
			headers:  map[string]string{},
			wantCode: http.StatusBadRequest,
			wantName: "MissingHeaders",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := tt.headers
			if headers == nil {
				headers = map[string]string{ngsi.HeaderService: testService, ngsi.HeaderSubservice: testSubservice}
			}
			w := env.doWith(t, http.MethodPost, "/v2/op/update", tt.body, headers)
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.wantCode, w.Body.String())
			}
			if name := errorName(t, w); name != tt.wantName {
				t.Errorf("error = %q, want %q", name, tt.wantName)
			}
		})
	}
}

func TestV2Query_DefaultHandler(t *testing.T) {
	env := testServer(t, nil)
	env.provisionLight(t, "")

	w := env.do(t, http.MethodPost, "/v2/op/query", `{"entities":[{"id":"Light:light1","type":"Light"}],"attrs":["luminance"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var entities []map[string]any
	decodeBody(t, w, &entities)
	if len(entities) != 1 {
		t.Fatalf("entities = %d, want 1", len(entities))
	}
	lum, ok := entities[0]["luminance"].(map[string]any)
	if !ok {
		t.Fatalf("luminance missing from %v", entities[0])
	}
	if lum["type"] != "lumens" {
		t.Errorf("luminance type = %v, want lumens", lum["type"])
	}
}

func TestV1UpdateAndQuery(t *testing.T) {
	env := testServer(t, nil)
	env.provisionLight(t, "")
	env.dispatcher.Context().SetCommandHandler(func(context.Context, dispatch.RequestContext, *device.Device, ngsi.Entity) error {
		return nil
	})

	for _, path := range []string{"/v1/updateContext", "/NGSI10/updateContext"} {
		t.Run(path, func(t *testing.T) {
			w := env.do(t, http.MethodPost, path, `{
				"contextElements": [{
					"type": "Light", "isPattern": "false", "id": "Light:light1",
					"attributes": [{"name": "switch", "type": "command", "value": "on"}]
				}],
				"updateAction": "UPDATE"
			}`)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
			}
			var resp struct {
				ContextResponses []struct {
					StatusCode struct {
						Code any `json:"code"`
					} `json:"statusCode"`
				} `json:"contextResponses"`
			}
			decodeBody(t, w, &resp)
			if len(resp.ContextResponses) != 1 || fmt.Sprint(resp.ContextResponses[0].StatusCode.Code) != "200" {
				t.Errorf("contextResponses = %+v", resp.ContextResponses)
			}
		})
	}

	w := env.do(t, http.MethodPost, "/v1/queryContext", `{"entities":[{"type":"Light","isPattern":"false","id":"Light:light1"}],"attributes":["luminance"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("query status = %d, body = %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "luminance") {
		t.Errorf("query response missing luminance: %s", w.Body.String())
	}
}

func TestPathAliases(t *testing.T) {
	withAliases := testServer(t, func(d *Deps) { d.Northbound.PathAliases = true })
	withAliases.provisionLight(t, "")

	w := withAliases.do(t, http.MethodPost, "//op/query", `{"entities":[{"id":"Light:light1","type":"Light"}],"attrs":["luminance"]}`)
	if w.Code != http.StatusOK {
		t.Errorf("aliased query status = %d, want 200", w.Code)
	}

	without := testServer(t, nil)
	w = without.do(t, http.MethodPost, "//op/query", `{"entities":[{"id":"Light:light1"}]}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("query without aliases status = %d, want 404", w.Code)
	}
}

func TestLD_QueryAndUnsupported(t *testing.T) {
	env := testServer(t, nil)
	env.provisionLight(t, `, "ngsiVersion": "ld"`)

	ldHeaders := map[string]string{
		ngsi.HeaderLDTenant: testService,
		ngsi.HeaderLDPath:   testSubservice,
	}

	w := env.doWith(t, http.MethodGet, "/ngsi-ld/v1/entities/urn:ngsi-ld:Light:light1?attrs=luminance", "", ldHeaders)
	if w.Code != http.StatusOK {
		t.Fatalf("query status = %d, body = %s", w.Code, w.Body.String())
	}
	var entity map[string]any
	decodeBody(t, w, &entity)
	if entity["id"] != "urn:ngsi-ld:Light:light1" {
		t.Errorf("id = %v, want urn:ngsi-ld:Light:light1", entity["id"])
	}

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/ngsi-ld/v1/entities"},
		{http.MethodPost, "/ngsi-ld/v1/entities"},
		{http.MethodDelete, "/ngsi-ld/v1/entities/urn:ngsi-ld:Light:light1"},
		{http.MethodDelete, "/ngsi-ld/v1/entities/urn:ngsi-ld:Light:light1/attrs/switch"},
	} {
		w := env.doWith(t, tc.method, tc.path, "", ldHeaders)
		if w.Code != http.StatusNotImplemented {
			t.Errorf("%s %s status = %d, want 501", tc.method, tc.path, w.Code)
		}
		if name := errorName(t, w); name != "MethodNotSupported" {
			t.Errorf("%s %s error = %q, want MethodNotSupported", tc.method, tc.path, name)
		}
	}
}

func TestLD_PatchAttribute(t *testing.T) {
	env := testServer(t, nil)
	env.provisionLight(t, `, "ngsiVersion": "ld"`)

	var got []ngsi.Entity
	env.dispatcher.Context().SetCommandHandler(func(_ context.Context, _ dispatch.RequestContext, _ *device.Device, e ngsi.Entity) error {
		got = append(got, e)
		return nil
	})

	w := env.doWith(t, http.MethodPatch, "/ngsi-ld/v1/entities/urn:ngsi-ld:Light:light1/attrs/switch",
		`{"type":"Property","value":"on"}`, map[string]string{
			ngsi.HeaderLDTenant: testService,
			ngsi.HeaderLDPath:   testSubservice,
		})
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if len(got) != 1 || got[0].ID != "urn:ngsi-ld:Light:light1" {
		t.Errorf("command handler received %+v", got)
	}
}

func TestNotify(t *testing.T) {
	env := testServer(t, nil)
	env.provisionLight(t, "")

	w := env.do(t, http.MethodPost, "/notify", `{"subscriptionId":"s1","data":[{"id":"Light:light1","type":"Light","temperature":{"type":"Number","value":21}}]}`)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("without handler status = %d, want 500", w.Code)
	}

	var received []ngsi.Attribute
	env.dispatcher.Context().SetNotificationHandler(func(_ context.Context, _ dispatch.RequestContext, _ *device.Device, attrs []ngsi.Attribute) error {
		received = attrs
		return nil
	})

	w = env.do(t, http.MethodPost, "/notify", `{"subscriptionId":"s1","data":[{"id":"Light:light1","type":"Light","temperature":{"type":"Number","value":21}}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if len(received) != 1 || received[0].Name != "temperature" {
		t.Errorf("handler received %+v", received)
	}
}

// ─── Lifecycle Tests ───────────────────────────────────────────────

func TestServer_StartAndClose(t *testing.T) {
	port := 19081
	env := testServer(t, func(d *Deps) { d.Config.Port = port })

	if err := env.srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	// Wait for server to be ready
	time.Sleep(100 * time.Millisecond)

	addr := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	resp, err := http.Get(addr)
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health check status = %d, want 200", resp.StatusCode)
	}

	if err := env.srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() after Start = %v", err)
	}

	if err := env.srv.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if _, err := http.Get(addr); err == nil {
		t.Error("server still responding after Close()")
	}
}

func TestServer_HealthCheckBeforeStart(t *testing.T) {
	env := testServer(t, nil)

	if err := env.srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start should fail")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := env.srv.HealthCheck(ctx); err == nil {
		t.Error("HealthCheck() with cancelled context should fail")
	}
}

func TestServer_CloseWithoutStart(t *testing.T) {
	env := testServer(t, nil)
	if err := env.srv.Close(); err != nil {
		t.Errorf("Close() without Start = %v", err)
	}
}
