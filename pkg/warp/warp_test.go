package warp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseBackend(t *testing.T) {
	b, err := ParseBackend("usque")
	assert.Equal(t, nil, err)
	assert.Equal(t, BackendUsque, b)

	b, err = ParseBackend("official")
	assert.Equal(t, nil, err)
	assert.Equal(t, BackendOfficial, b)

	_, err = ParseBackend("wireproxy")
	assert.NotEqual(t, nil, err)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("tun")
	assert.Equal(t, nil, err)
	assert.Equal(t, ModeTun, m)

	_, err = ParseMode("TUN")
	assert.NotEqual(t, nil, err)
}

func TestValidateProtocol(t *testing.T) {
	// MASQUE works everywhere.
	assert.Equal(t, nil, ValidateProtocol(ProtocolMasque, BackendUsque, ModeProxy))
	assert.Equal(t, nil, ValidateProtocol(ProtocolMasque, BackendUsque, ModeTun))
	assert.Equal(t, nil, ValidateProtocol(ProtocolMasque, BackendOfficial, ModeProxy))
	assert.Equal(t, nil, ValidateProtocol(ProtocolMasque, BackendOfficial, ModeTun))

	// WireGuard only on the official client in TUN mode.
	assert.Equal(t, nil, ValidateProtocol(ProtocolWireGuard, BackendOfficial, ModeTun))
	assert.NotEqual(t, nil, ValidateProtocol(ProtocolWireGuard, BackendOfficial, ModeProxy))
	assert.NotEqual(t, nil, ValidateProtocol(ProtocolWireGuard, BackendUsque, ModeTun))
	assert.NotEqual(t, nil, ValidateProtocol(ProtocolWireGuard, BackendUsque, ModeProxy))
}

func TestProxyAddress(t *testing.T) {
	assert.Equal(t, "socks5://127.0.0.1:1080", ProxyAddress(1080))
}

func TestWaitForImmediate(t *testing.T) {
	calls := 0
	ok := WaitFor(context.Background(), 10*time.Second, func(ctx context.Context) bool {
		calls++
		return true
	})
	assert.True(t, ok)
	assert.Equal(t, 1, calls)
}

func TestWaitForTimeout(t *testing.T) {
	ok := WaitFor(context.Background(), 0, func(ctx context.Context) bool {
		return false
	})
	assert.False(t, ok)
}

func TestWaitForCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ok := WaitFor(ctx, 10*time.Second, func(ctx context.Context) bool {
		return false
	})
	assert.False(t, ok)
}

func TestBaseStatus(t *testing.T) {
	record := BaseStatus(BackendUsque, ModeProxy, ProtocolMasque, 1080, false)
	assert.Equal(t, "usque", record.Backend)
	assert.Equal(t, "disconnected", record.Status)
	assert.Equal(t, "Unknown", record.IP)
	assert.Equal(t, "socks5://127.0.0.1:1080", record.ProxyAddress)

	record = BaseStatus(BackendOfficial, ModeTun, ProtocolWireGuard, 1080, true)
	assert.Equal(t, "connected", record.Status)
	assert.Equal(t, "wireguard", record.Protocol)
	assert.Equal(t, "tun", record.Mode)
}

func TestApplyIPInfo(t *testing.T) {
	record := BaseStatus(BackendUsque, ModeProxy, ProtocolMasque, 1080, true)
	ApplyIPInfo(&record, &IPInfo{
		IP:      "104.28.200.1",
		City:    "Los Angeles",
		Country: "United States",
		Details: map[string]string{"colo": "LAX"},
	})
	assert.Equal(t, "104.28.200.1", record.IP)
	assert.Equal(t, "Los Angeles", record.City)
	assert.Equal(t, "United States", record.Country)
	assert.Equal(t, "LAX", record.Details["colo"])
	// Fields the lookup did not provide keep their defaults.
	assert.Equal(t, "Cloudflare WARP", record.ISP)

	// Nil info is a no-op.
	before := record
	ApplyIPInfo(&record, nil)
	assert.Equal(t, before.IP, record.IP)
}
