package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/warppool/warppool/pkg/api"
)

func TestHTTPStatusErrorUnwrapsErrorJSON(t *testing.T) {
	body, err := json.Marshal(api.ErrorJSON{Message: "tun mode is not supported inside a container"})
	assert.Equal(t, nil, err)

	statusErr := &HTTPStatusError{StatusCode: http.StatusBadRequest, Body: string(body)}
	assert.Equal(t, "tun mode is not supported inside a container", statusErr.Error())
}

func TestHTTPStatusErrorPlainBody(t *testing.T) {
	statusErr := &HTTPStatusError{StatusCode: http.StatusBadGateway, Body: "<html>bad gateway</html>"}
	assert.Contains(t, statusErr.Error(), "Bad Gateway")
	assert.Contains(t, statusErr.Error(), "bad gateway")
}

func TestStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/status", r.URL.Path)
		assert.Equal(t, "Bearer tok123", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(api.StatusRecord{Backend: "usque", Status: api.StatusConnected})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.SetToken("tok123")
	status, err := c.Status(context.Background())
	assert.Equal(t, nil, err)
	assert.Equal(t, "usque", status.Backend)
	assert.Equal(t, api.StatusConnected, status.Status)
}

func TestLoginInstallsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/auth/login" {
			var req api.LoginRequest
			assert.Equal(t, nil, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "hunter2", req.Password)
			_ = json.NewEncoder(w).Encode(api.LoginResponse{Token: "tok456"})
			return
		}
		assert.Equal(t, "Bearer tok456", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(api.VersionResponse{Version: "v1.0.0"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	assert.Equal(t, nil, c.Login(context.Background(), "hunter2"))

	version, err := c.Version(context.Background())
	assert.Equal(t, nil, err)
	assert.Equal(t, "v1.0.0", version)
}

func TestErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(api.ErrorJSON{Message: "unknown backend"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.SwitchBackend(context.Background(), "wireproxy")
	assert.NotEqual(t, nil, err)
	assert.Equal(t, "unknown backend", err.Error())
}
