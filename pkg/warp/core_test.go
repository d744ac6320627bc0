package warp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRotateReconnects(t *testing.T) {
	connected := true
	disconnects, connects := 0, 0

	err := Rotate(context.Background(), BackendUsque,
		func(ctx context.Context) error {
			disconnects++
			connected = false
			return nil
		},
		func(ctx context.Context) error {
			connects++
			connected = true
			return nil
		},
		func(ctx context.Context) bool { return connected })

	assert.Equal(t, nil, err)
	assert.Equal(t, 1, disconnects)
	assert.Equal(t, 1, connects)
	assert.True(t, connected)
}

func TestRotateConnectFailure(t *testing.T) {
	// A failed reconnect surfaces the error and leaves the driver down,
	// never in an intermediate state.
	connected := true
	err := Rotate(context.Background(), BackendOfficial,
		func(ctx context.Context) error {
			connected = false
			return nil
		},
		func(ctx context.Context) error {
			return errors.New("no registration")
		},
		func(ctx context.Context) bool { return connected })

	assert.NotEqual(t, nil, err)
	assert.False(t, connected)
}

func TestFetchIPInfoCaches(t *testing.T) {
	fetches := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches++
		_, _ = w.Write([]byte("ip=104.28.200.1\ncolo=LAX\nloc=US\n"))
	}))
	defer srv.Close()

	core := &Core{Lookup: Lookup{Endpoints: []string{srv.URL + "/cdn-cgi/trace"}}}

	info := core.FetchIPInfo(context.Background(), "")
	assert.NotEqual(t, (*IPInfo)(nil), info)
	assert.Equal(t, "104.28.200.1", info.IP)
	assert.Equal(t, 1, fetches)

	// Within the IP-info TTL the cached value is served.
	info = core.FetchIPInfo(context.Background(), "")
	assert.Equal(t, "104.28.200.1", info.IP)
	assert.Equal(t, 1, fetches)
}

func TestFetchIPInfoStaleFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	core := &Core{Lookup: Lookup{Endpoints: []string{srv.URL + "/cdn-cgi/trace"}}}
	core.ipInfo = &IPInfo{IP: "104.28.200.9"}
	core.ipInfoAt = time.Now().Add(-10 * time.Minute) // expired

	// Every endpoint fails; the stale value beats reporting Unknown.
	info := core.FetchIPInfo(context.Background(), "")
	assert.NotEqual(t, (*IPInfo)(nil), info)
	assert.Equal(t, "104.28.200.9", info.IP)
}

func TestClearIPInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	core := &Core{Lookup: Lookup{Endpoints: []string{srv.URL + "/cdn-cgi/trace"}}}
	core.ipInfo = &IPInfo{IP: "104.28.200.9"}
	core.ipInfoAt = time.Now()

	core.ClearIPInfo()
	assert.Equal(t, (*IPInfo)(nil), core.FetchIPInfo(context.Background(), ""))
}
