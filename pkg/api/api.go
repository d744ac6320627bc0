// Package api holds the JSON types exchanged between the daemon, its HTTP
// clients and the WebSocket stream.
package api

// StatusRecord describes the current tunnel state. Connection state is
// always derived from live process/port/device checks, never persisted.
type StatusRecord struct {
	Backend        string            `json:"backend"`
	Status         string            `json:"status"`
	IP             string            `json:"ip"`
	Location       string            `json:"location"`
	City           string            `json:"city"`
	Country        string            `json:"country"`
	ISP            string            `json:"isp"`
	Protocol       string            `json:"warp_protocol"`
	Mode           string            `json:"warp_mode"`
	ConnectionTime string            `json:"connection_time"`
	NetworkType    string            `json:"network_type"`
	ProxyAddress   string            `json:"proxy_address"`
	Details        map[string]string `json:"details"`
}

const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

type BackendInfo struct {
	Backend   string `json:"backend"`
	Connected bool   `json:"connected"`
}

type SwitchBackendRequest struct {
	Backend string `json:"backend"`
}

type SwitchBackendResponse struct {
	Success         bool         `json:"success"`
	PreviousBackend string       `json:"previous_backend"`
	Backend         string       `json:"backend"`
	Connected       bool         `json:"connected"`
	Mode            string       `json:"mode"`
	Status          StatusRecord `json:"status"`
}

type ModeRequest struct {
	Mode string `json:"mode"`
}

type ProtocolRequest struct {
	Protocol string `json:"protocol"`
}

type EndpointRequest struct {
	Endpoint string `json:"endpoint"`
}

type ExcludeRequest struct {
	Subnets []string `json:"subnets"`
}

type ExcludeListResponse struct {
	Subnets []string `json:"subnets"`
}

type LoginRequest struct {
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string `json:"token"`
}

type VersionResponse struct {
	Version string `json:"version"`
}

type KernelVersions struct {
	Backend  string   `json:"backend"`
	Active   string   `json:"active"`
	Versions []string `json:"versions"`
}

// LogEntry is one collected log line, replayed over /api/logs and pushed
// over the event stream.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// Event is a WebSocket stream frame: Type is "status" or "log".
type Event struct {
	Type   string        `json:"type"`
	Status *StatusRecord `json:"status,omitempty"`
	Log    *LogEntry     `json:"log,omitempty"`
}

type ErrorJSON struct {
	Message string `json:"message"`
}
