package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/warppool/warppool/pkg/api"
	"github.com/warppool/warppool/pkg/auth"
	"github.com/warppool/warppool/pkg/logbuf"
	"github.com/warppool/warppool/pkg/version"
	"github.com/warppool/warppool/pkg/warp"
)

// WarpSupervisor is the slice of the backend supervisor the API needs.
type WarpSupervisor interface {
	Current() warp.Driver
	CurrentBackend() warp.Backend
	Switch(ctx context.Context, name string) (warp.Driver, error)
}

// KernelManager resolves installed tunnel-client versions.
type KernelManager interface {
	ListVersions(backend string) []string
	ActiveVersion(ctx context.Context, backend string) string
	SetActiveVersion(backend, version string) error
}

type Backend struct {
	Warp    WarpSupervisor
	Auth    *auth.Authenticator
	Logs    *logbuf.Collector
	Kernels KernelManager
}

func (b *Backend) onError(w http.ResponseWriter, err error, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(api.ErrorJSON{Message: err.Error()})
}

func (b *Backend) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}

func (b *Backend) Login(w http.ResponseWriter, r *http.Request) {
	var req api.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		b.onError(w, err, http.StatusBadRequest)
		return
	}
	if !b.Auth.VerifyPassword(req.Password) {
		b.onError(w, errors.New("invalid password"), http.StatusUnauthorized)
		return
	}
	token, err := b.Auth.CreateToken()
	if err != nil {
		b.onError(w, err, http.StatusInternalServerError)
		return
	}
	b.writeJSON(w, api.LoginResponse{Token: token})
}

func (b *Backend) GetVersion(w http.ResponseWriter, r *http.Request) {
	b.writeJSON(w, api.VersionResponse{Version: version.Version})
}

func (b *Backend) GetStatus(w http.ResponseWriter, r *http.Request) {
	b.writeJSON(w, b.Warp.Current().Status(r.Context()))
}

func (b *Backend) GetLogs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	logs := b.Logs.Recent(limit)
	b.writeJSON(w, map[string]interface{}{"total": len(logs), "logs": logs})
}

func (b *Backend) PostConnect(w http.ResponseWriter, r *http.Request) {
	driver := b.Warp.Current()
	if err := driver.Connect(r.Context()); err != nil {
		logrus.Errorf("connect failed: %v", err)
		b.onError(w, err, http.StatusInternalServerError)
		return
	}
	b.writeJSON(w, driver.Status(r.Context()))
}

func (b *Backend) PostDisconnect(w http.ResponseWriter, r *http.Request) {
	driver := b.Warp.Current()
	if err := driver.Disconnect(r.Context()); err != nil {
		logrus.Errorf("disconnect failed: %v", err)
		b.onError(w, err, http.StatusInternalServerError)
		return
	}
	b.writeJSON(w, driver.Status(r.Context()))
}

func (b *Backend) PostRotate(w http.ResponseWriter, r *http.Request) {
	driver := b.Warp.Current()
	if err := driver.RotateIP(r.Context()); err != nil {
		logrus.Errorf("rotate failed: %v", err)
		b.onError(w, err, http.StatusInternalServerError)
		return
	}
	b.writeJSON(w, driver.Status(r.Context()))
}

func (b *Backend) GetBackend(w http.ResponseWriter, r *http.Request) {
	b.writeJSON(w, api.BackendInfo{
		Backend:   string(b.Warp.CurrentBackend()),
		Connected: b.Warp.Current().IsConnected(r.Context()),
	})
}

func (b *Backend) PostBackendSwitch(w http.ResponseWriter, r *http.Request) {
	var req api.SwitchBackendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		b.onError(w, err, http.StatusBadRequest)
		return
	}
	previous := string(b.Warp.CurrentBackend())

	driver, err := b.Warp.Switch(r.Context(), req.Backend)
	if err != nil {
		b.onError(w, err, http.StatusBadRequest)
		return
	}
	connectErr := driver.Connect(r.Context())
	if connectErr != nil {
		logrus.Errorf("connect after backend switch: %v", connectErr)
	}
	b.writeJSON(w, api.SwitchBackendResponse{
		Success:         true,
		PreviousBackend: previous,
		Backend:         req.Backend,
		Connected:       connectErr == nil,
		Mode:            string(driver.Mode()),
		Status:          driver.Status(r.Context()),
	})
}

func (b *Backend) GetMode(w http.ResponseWriter, r *http.Request) {
	b.writeJSON(w, api.ModeRequest{Mode: string(b.Warp.Current().Mode())})
}

func (b *Backend) PostMode(w http.ResponseWriter, r *http.Request) {
	var req api.ModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		b.onError(w, err, http.StatusBadRequest)
		return
	}
	mode, err := warp.ParseMode(req.Mode)
	if err != nil {
		b.onError(w, err, http.StatusBadRequest)
		return
	}
	if err := b.Warp.Current().SetMode(r.Context(), mode); err != nil {
		b.onError(w, err, http.StatusBadRequest)
		return
	}
	b.writeJSON(w, api.ModeRequest{Mode: string(mode)})
}

func (b *Backend) GetProtocol(w http.ResponseWriter, r *http.Request) {
	b.writeJSON(w, api.ProtocolRequest{Protocol: string(b.Warp.Current().Protocol())})
}

func (b *Backend) PostProtocol(w http.ResponseWriter, r *http.Request) {
	var req api.ProtocolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		b.onError(w, err, http.StatusBadRequest)
		return
	}
	proto, err := warp.ParseProtocol(req.Protocol)
	if err != nil {
		b.onError(w, err, http.StatusBadRequest)
		return
	}
	if err := b.Warp.Current().SetProtocol(r.Context(), proto); err != nil {
		b.onError(w, err, http.StatusBadRequest)
		return
	}
	b.writeJSON(w, api.ProtocolRequest{Protocol: string(proto)})
}

func (b *Backend) PostEndpoint(w http.ResponseWriter, r *http.Request) {
	var req api.EndpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		b.onError(w, err, http.StatusBadRequest)
		return
	}
	driver := b.Warp.Current()
	if err := driver.SetCustomEndpoint(r.Context(), req.Endpoint); err != nil {
		b.onError(w, err, http.StatusInternalServerError)
		return
	}
	b.writeJSON(w, driver.Status(r.Context()))
}

// splitTunneler returns the active driver's split-tunnel capability, or
// an error when the backend has none.
func (b *Backend) splitTunneler() (warp.SplitTunneler, error) {
	if st, ok := b.Warp.Current().(warp.SplitTunneler); ok {
		return st, nil
	}
	return nil, warp.ErrUnsupported
}

func (b *Backend) GetExcludes(w http.ResponseWriter, r *http.Request) {
	st, err := b.splitTunneler()
	if err != nil {
		b.onError(w, err, http.StatusBadRequest)
		return
	}
	subnets, err := st.ListExcludes(r.Context())
	if err != nil {
		b.onError(w, err, http.StatusInternalServerError)
		return
	}
	b.writeJSON(w, api.ExcludeListResponse{Subnets: subnets})
}

func (b *Backend) PostExcludes(w http.ResponseWriter, r *http.Request) {
	b.mutateExcludes(w, r, func(ctx context.Context, st warp.SplitTunneler, subnets []string) error {
		return st.AddExcludes(ctx, subnets)
	})
}

func (b *Backend) DeleteExcludes(w http.ResponseWriter, r *http.Request) {
	b.mutateExcludes(w, r, func(ctx context.Context, st warp.SplitTunneler, subnets []string) error {
		return st.RemoveExcludes(ctx, subnets)
	})
}

func (b *Backend) ResetExcludes(w http.ResponseWriter, r *http.Request) {
	st, err := b.splitTunneler()
	if err != nil {
		b.onError(w, err, http.StatusBadRequest)
		return
	}
	if err := st.ResetExcludes(r.Context()); err != nil {
		b.onError(w, err, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (b *Backend) mutateExcludes(w http.ResponseWriter, r *http.Request, op func(context.Context, warp.SplitTunneler, []string) error) {
	st, err := b.splitTunneler()
	if err != nil {
		b.onError(w, err, http.StatusBadRequest)
		return
	}
	var req api.ExcludeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		b.onError(w, err, http.StatusBadRequest)
		return
	}
	if err := op(r.Context(), st, req.Subnets); err != nil {
		b.onError(w, err, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (b *Backend) GetKernelVersions(w http.ResponseWriter, r *http.Request) {
	backend := mux.Vars(r)["backend"]
	b.writeJSON(w, api.KernelVersions{
		Backend:  backend,
		Active:   b.Kernels.ActiveVersion(r.Context(), backend),
		Versions: b.Kernels.ListVersions(backend),
	})
}

func (b *Backend) PostKernelVersion(w http.ResponseWriter, r *http.Request) {
	backend := mux.Vars(r)["backend"]
	var req struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		b.onError(w, err, http.StatusBadRequest)
		return
	}
	if err := b.Kernels.SetActiveVersion(backend, req.Version); err != nil {
		b.onError(w, err, http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// AddRoutes wires the API under /api. Login and version are reachable
// without a token; everything else goes through the auth middleware.
func AddRoutes(r *mux.Router, b *Backend) {
	open := r.PathPrefix("/api").Subrouter()
	open.Path("/auth/login").Methods("POST").HandlerFunc(b.Login)
	open.Path("/version").Methods("GET").HandlerFunc(b.GetVersion)

	protected := r.PathPrefix("/api").Subrouter()
	protected.Use(b.Auth.Middleware)
	protected.Path("/status").Methods("GET").HandlerFunc(b.GetStatus)
	protected.Path("/logs").Methods("GET").HandlerFunc(b.GetLogs)
	protected.Path("/connect").Methods("POST").HandlerFunc(b.PostConnect)
	protected.Path("/disconnect").Methods("POST").HandlerFunc(b.PostDisconnect)
	protected.Path("/rotate").Methods("POST").HandlerFunc(b.PostRotate)
	protected.Path("/backend/current").Methods("GET").HandlerFunc(b.GetBackend)
	protected.Path("/backend/switch").Methods("POST").HandlerFunc(b.PostBackendSwitch)
	protected.Path("/mode").Methods("GET").HandlerFunc(b.GetMode)
	protected.Path("/mode").Methods("POST").HandlerFunc(b.PostMode)
	protected.Path("/protocol").Methods("GET").HandlerFunc(b.GetProtocol)
	protected.Path("/protocol").Methods("POST").HandlerFunc(b.PostProtocol)
	protected.Path("/config/endpoint").Methods("POST").HandlerFunc(b.PostEndpoint)
	protected.Path("/excludes").Methods("GET").HandlerFunc(b.GetExcludes)
	protected.Path("/excludes").Methods("POST").HandlerFunc(b.PostExcludes)
	protected.Path("/excludes").Methods("DELETE").HandlerFunc(b.DeleteExcludes)
	protected.Path("/excludes/reset").Methods("POST").HandlerFunc(b.ResetExcludes)
	protected.Path("/kernels/{backend}/versions").Methods("GET").HandlerFunc(b.GetKernelVersions)
	protected.Path("/kernels/{backend}/version").Methods("POST").HandlerFunc(b.PostKernelVersion)
	protected.Path("/ws").Methods("GET").HandlerFunc(b.ServeStream)
}
