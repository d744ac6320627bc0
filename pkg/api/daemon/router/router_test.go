package router

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"

	"github.com/warppool/warppool/pkg/api"
	"github.com/warppool/warppool/pkg/auth"
	"github.com/warppool/warppool/pkg/config"
	"github.com/warppool/warppool/pkg/logbuf"
	"github.com/warppool/warppool/pkg/warp"
)

type fakeDriver struct {
	kind      warp.Backend
	mode      warp.Mode
	proto     warp.Protocol
	connected bool
	excludes  []string
}

func (d *fakeDriver) Kind() warp.Backend      { return d.kind }
func (d *fakeDriver) Mode() warp.Mode         { return d.mode }
func (d *fakeDriver) Protocol() warp.Protocol { return d.proto }
func (d *fakeDriver) SocksPort() int          { return 1080 }

func (d *fakeDriver) Initialize(ctx context.Context) error { return nil }

func (d *fakeDriver) Connect(ctx context.Context) error {
	d.connected = true
	return nil
}

func (d *fakeDriver) Disconnect(ctx context.Context) error {
	d.connected = false
	return nil
}

func (d *fakeDriver) IsConnected(ctx context.Context) bool { return d.connected }

func (d *fakeDriver) Status(ctx context.Context) api.StatusRecord {
	return warp.BaseStatus(d.kind, d.mode, d.proto, 1080, d.connected)
}

func (d *fakeDriver) RotateIP(ctx context.Context) error { return nil }

func (d *fakeDriver) SetMode(ctx context.Context, mode warp.Mode) error {
	d.mode = mode
	return nil
}

func (d *fakeDriver) SetProtocol(ctx context.Context, proto warp.Protocol) error {
	if err := warp.ValidateProtocol(proto, d.kind, d.mode); err != nil {
		return err
	}
	d.proto = proto
	return nil
}

func (d *fakeDriver) SetCustomEndpoint(ctx context.Context, endpoint string) error { return nil }

// splitDriver adds the split-tunnel capability on top of fakeDriver.
type splitDriver struct {
	fakeDriver
}

func (d *splitDriver) AddExcludes(ctx context.Context, subnets []string) error {
	d.excludes = append(d.excludes, subnets...)
	return nil
}

func (d *splitDriver) RemoveExcludes(ctx context.Context, subnets []string) error { return nil }

func (d *splitDriver) ListExcludes(ctx context.Context) ([]string, error) {
	return d.excludes, nil
}

func (d *splitDriver) ResetExcludes(ctx context.Context) error {
	d.excludes = nil
	return nil
}

type fakeSupervisor struct {
	driver warp.Driver
}

func (s *fakeSupervisor) Current() warp.Driver            { return s.driver }
func (s *fakeSupervisor) CurrentBackend() warp.Backend    { return s.driver.Kind() }

func (s *fakeSupervisor) Switch(ctx context.Context, name string) (warp.Driver, error) {
	kind, err := warp.ParseBackend(name)
	if err != nil {
		return nil, err
	}
	s.driver = &fakeDriver{kind: kind, mode: warp.ModeProxy, proto: warp.ProtocolMasque}
	return s.driver, nil
}

type fakeKernels struct{}

func (fakeKernels) ListVersions(backend string) []string { return []string{"1.4.1", "1.4.0"} }

func (fakeKernels) ActiveVersion(ctx context.Context, backend string) string { return "1.4.1" }

func (fakeKernels) SetActiveVersion(backend, version string) error { return nil }

func newTestServer(t *testing.T, driver warp.Driver, password string) (*httptest.Server, *fakeSupervisor) {
	t.Helper()
	cfg := config.Load(t.TempDir())
	if password != "" {
		assert.Equal(t, nil, cfg.SetPanelPassword(password))
	}
	sup := &fakeSupervisor{driver: driver}
	r := mux.NewRouter()
	AddRoutes(r, &Backend{
		Warp:    sup,
		Auth:    auth.New(cfg),
		Logs:    logbuf.NewCollector(10),
		Kernels: fakeKernels{},
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, sup
}

func usqueDriver() *fakeDriver {
	return &fakeDriver{kind: warp.BackendUsque, mode: warp.ModeProxy, proto: warp.ProtocolMasque}
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	assert.Equal(t, nil, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		assert.Equal(t, nil, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, in, out interface{}) int {
	t.Helper()
	var body bytes.Buffer
	if in != nil {
		assert.Equal(t, nil, json.NewEncoder(&body).Encode(in))
	}
	resp, err := http.Post(url, "application/json", &body)
	assert.Equal(t, nil, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		assert.Equal(t, nil, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestGetVersion(t *testing.T) {
	srv, _ := newTestServer(t, usqueDriver(), "")

	var resp api.VersionResponse
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/version", &resp))
	assert.NotEqual(t, "", resp.Version)
}

func TestGetStatus(t *testing.T) {
	srv, _ := newTestServer(t, usqueDriver(), "")

	var status api.StatusRecord
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/status", &status))
	assert.Equal(t, "usque", status.Backend)
	assert.Equal(t, api.StatusDisconnected, status.Status)
}

func TestAuthRequired(t *testing.T) {
	srv, _ := newTestServer(t, usqueDriver(), "hunter2")

	// Protected routes reject unauthenticated requests; login and version
	// stay open.
	assert.Equal(t, http.StatusUnauthorized, getJSON(t, srv.URL+"/api/status", nil))
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/version", nil))
}

func TestLoginFlow(t *testing.T) {
	srv, _ := newTestServer(t, usqueDriver(), "hunter2")

	assert.Equal(t, http.StatusUnauthorized,
		postJSON(t, srv.URL+"/api/auth/login", api.LoginRequest{Password: "wrong"}, nil))

	var login api.LoginResponse
	assert.Equal(t, http.StatusOK,
		postJSON(t, srv.URL+"/api/auth/login", api.LoginRequest{Password: "hunter2"}, &login))
	assert.NotEqual(t, "", login.Token)

	req, err := http.NewRequest("GET", srv.URL+"/api/status", nil)
	assert.Equal(t, nil, err)
	req.Header.Set("Authorization", "Bearer "+login.Token)
	resp, err := http.DefaultClient.Do(req)
	assert.Equal(t, nil, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestConnectDisconnect(t *testing.T) {
	driver := usqueDriver()
	srv, _ := newTestServer(t, driver, "")

	var status api.StatusRecord
	assert.Equal(t, http.StatusOK, postJSON(t, srv.URL+"/api/connect", nil, &status))
	assert.Equal(t, api.StatusConnected, status.Status)
	assert.True(t, driver.connected)

	assert.Equal(t, http.StatusOK, postJSON(t, srv.URL+"/api/disconnect", nil, &status))
	assert.Equal(t, api.StatusDisconnected, status.Status)
}

func TestPostModeInvalid(t *testing.T) {
	srv, _ := newTestServer(t, usqueDriver(), "")

	assert.Equal(t, http.StatusBadRequest,
		postJSON(t, srv.URL+"/api/mode", api.ModeRequest{Mode: "bridge"}, nil))
}

func TestPostMode(t *testing.T) {
	driver := usqueDriver()
	srv, _ := newTestServer(t, driver, "")

	var resp api.ModeRequest
	assert.Equal(t, http.StatusOK,
		postJSON(t, srv.URL+"/api/mode", api.ModeRequest{Mode: "tun"}, &resp))
	assert.Equal(t, "tun", resp.Mode)
	assert.Equal(t, warp.ModeTun, driver.mode)
}

func TestPostProtocolRejected(t *testing.T) {
	srv, _ := newTestServer(t, usqueDriver(), "")

	assert.Equal(t, http.StatusBadRequest,
		postJSON(t, srv.URL+"/api/protocol", api.ProtocolRequest{Protocol: "wireguard"}, nil))
}

func TestBackendSwitch(t *testing.T) {
	srv, sup := newTestServer(t, usqueDriver(), "")

	var resp api.SwitchBackendResponse
	assert.Equal(t, http.StatusOK,
		postJSON(t, srv.URL+"/api/backend/switch", api.SwitchBackendRequest{Backend: "official"}, &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "usque", resp.PreviousBackend)
	assert.Equal(t, "official", resp.Backend)
	assert.True(t, resp.Connected)
	assert.Equal(t, warp.BackendOfficial, sup.CurrentBackend())
}

func TestBackendSwitchUnknown(t *testing.T) {
	srv, _ := newTestServer(t, usqueDriver(), "")

	assert.Equal(t, http.StatusBadRequest,
		postJSON(t, srv.URL+"/api/backend/switch", api.SwitchBackendRequest{Backend: "wireproxy"}, nil))
}

func TestExcludesUnsupported(t *testing.T) {
	srv, _ := newTestServer(t, usqueDriver(), "")

	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/excludes", nil))
	assert.Equal(t, http.StatusBadRequest,
		postJSON(t, srv.URL+"/api/excludes", api.ExcludeRequest{Subnets: []string{"10.0.0.0/8"}}, nil))
}

func TestExcludes(t *testing.T) {
	driver := &splitDriver{fakeDriver: *usqueDriver()}
	driver.kind = warp.BackendOfficial
	srv, _ := newTestServer(t, driver, "")

	assert.Equal(t, http.StatusOK,
		postJSON(t, srv.URL+"/api/excludes", api.ExcludeRequest{Subnets: []string{"10.0.0.0/8"}}, nil))

	var list api.ExcludeListResponse
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/excludes", &list))
	assert.Equal(t, []string{"10.0.0.0/8"}, list.Subnets)

	assert.Equal(t, http.StatusOK, postJSON(t, srv.URL+"/api/excludes/reset", nil, nil))
	var after api.ExcludeListResponse
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/excludes", &after))
	assert.Equal(t, 0, len(after.Subnets))
}

func TestKernelVersions(t *testing.T) {
	srv, _ := newTestServer(t, usqueDriver(), "")

	var resp api.KernelVersions
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/kernels/usque/versions", &resp))
	assert.Equal(t, "usque", resp.Backend)
	assert.Equal(t, "1.4.1", resp.Active)
	assert.Equal(t, []string{"1.4.1", "1.4.0"}, resp.Versions)
}

func TestGetLogs(t *testing.T) {
	srv, _ := newTestServer(t, usqueDriver(), "")

	var resp struct {
		Total int            `json:"total"`
		Logs  []api.LogEntry `json:"logs"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/logs", &resp))
	assert.Equal(t, 0, resp.Total)
}
