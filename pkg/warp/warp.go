// Package warp defines the backend driver contract shared by the usque
// and official client implementations, plus the pieces both need: status
// caching, IP/geo lookup through the tunnel and state polling.
package warp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/warppool/warppool/pkg/api"
	"github.com/warppool/warppool/pkg/netinfo"
)

// Backend selects which tunnel client implementation drives the host.
type Backend string

const (
	BackendUsque    Backend = "usque"
	BackendOfficial Backend = "official"
)

func ParseBackend(s string) (Backend, error) {
	switch Backend(s) {
	case BackendUsque, BackendOfficial:
		return Backend(s), nil
	}
	return "", fmt.Errorf("unknown backend %q (use %q or %q)", s, BackendUsque, BackendOfficial)
}

// Mode is how traffic reaches the tunnel: a local SOCKS5 listener, or a
// TUN device owning the host default route.
type Mode string

const (
	ModeProxy Mode = "proxy"
	ModeTun   Mode = "tun"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeProxy, ModeTun:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown mode %q (use %q or %q)", s, ModeProxy, ModeTun)
}

// Protocol is the tunnel transport protocol of the underlying client.
type Protocol string

const (
	ProtocolMasque    Protocol = "masque"
	ProtocolWireGuard Protocol = "wireguard"
)

func ParseProtocol(s string) (Protocol, error) {
	switch Protocol(s) {
	case ProtocolMasque, ProtocolWireGuard:
		return Protocol(s), nil
	}
	return "", fmt.Errorf("unknown protocol %q (use %q or %q)", s, ProtocolMasque, ProtocolWireGuard)
}

// ValidateProtocol enforces the one supported non-default combination:
// WireGuard requires the official client in TUN mode.
func ValidateProtocol(p Protocol, b Backend, m Mode) error {
	if p == ProtocolWireGuard && (b != BackendOfficial || m != ModeTun) {
		return fmt.Errorf("protocol %q requires backend %q in mode %q", ProtocolWireGuard, BackendOfficial, ModeTun)
	}
	return nil
}

// ErrUnsupported marks an operation the active backend cannot perform.
var ErrUnsupported = errors.New("operation not supported by this backend")

// Driver is the uniform lifecycle contract both backends implement.
// Lifecycle operations (Connect, Disconnect, SetMode, SetProtocol,
// SetCustomEndpoint, RotateIP) are serialized per instance; IsConnected
// and Status are safe to call concurrently with them.
type Driver interface {
	Kind() Backend
	Mode() Mode
	Protocol() Protocol
	SocksPort() int

	// Initialize makes sure a registration artifact exists; idempotent.
	Initialize(ctx context.Context) error
	// Connect brings the tunnel up; success when already connected.
	Connect(ctx context.Context) error
	// Disconnect tears everything down unconditionally; only a failure
	// to stop the backing services is an error.
	Disconnect(ctx context.Context) error
	// IsConnected is a cheap composite check with no network calls.
	IsConnected(ctx context.Context) bool
	// Status returns the cached status record, recomputing when stale.
	Status(ctx context.Context) api.StatusRecord
	// RotateIP reconnects from scratch to obtain a new egress IP.
	RotateIP(ctx context.Context) error

	SetMode(ctx context.Context, mode Mode) error
	SetProtocol(ctx context.Context, proto Protocol) error
	SetCustomEndpoint(ctx context.Context, endpoint string) error
}

// SplitTunneler is the optional capability of managing the client's own
// split-tunnel exclude list. Callers type-assert; drivers without it get a
// defined "unsupported" outcome instead of attribute probing.
type SplitTunneler interface {
	AddExcludes(ctx context.Context, subnets []string) error
	RemoveExcludes(ctx context.Context, subnets []string) error
	ListExcludes(ctx context.Context) ([]string, error)
	ResetExcludes(ctx context.Context) error
}

// NetProbe is the read-only host-state view drivers need; implemented by
// netinfo.Inspector and by fakes in tests.
type NetProbe interface {
	DefaultRoute(ctx context.Context) netinfo.Route
	IsPortListening(port int) bool
	ListeningTCPPorts() []int
	TunInterfaceName(ctx context.Context) string
	TunInterfaceExists(ctx context.Context) bool
	IsContainerized() bool
}

// WaitFor polls cond once per second until it holds or timeout elapses.
func WaitFor(ctx context.Context, timeout time.Duration, cond func(context.Context) bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if cond(ctx) {
			return true
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Second):
		}
	}
}

// ProxyAddress renders the SOCKS5 address advertised in status records.
func ProxyAddress(port int) string {
	return fmt.Sprintf("socks5://127.0.0.1:%d", port)
}
