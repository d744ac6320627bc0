package warp

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warppool/warppool/pkg/api"
)

// Core carries the state both driver implementations share: the status
// cache and the longer-lived IP info cache. One Core per driver instance;
// it is never shared across drivers.
type Core struct {
	Lookup Lookup

	status StatusCache

	ipMu     sync.Mutex
	ipInfo   *IPInfo
	ipInfoAt time.Time
}

// InvalidateStatus drops the cached status record. The IP info cache is
// kept: it serves as the stale fallback when a fresh lookup fails.
func (c *Core) InvalidateStatus() {
	c.status.Invalidate()
}

// CachedStatus serves the memoized status record, recomputing via fill
// when stale.
func (c *Core) CachedStatus(fill func() api.StatusRecord) api.StatusRecord {
	return c.status.Get(StatusTTL, fill)
}

// ClearIPInfo forgets the cached egress IP, used when the tunnel is
// observed disconnected.
func (c *Core) ClearIPInfo() {
	c.ipMu.Lock()
	c.ipInfo = nil
	c.ipMu.Unlock()
}

// FetchIPInfo returns the cached IP info while fresh, otherwise performs
// a lookup (through socksAddr when non-empty). When every endpoint fails
// but a previous lookup exists, the stale value is reused rather than
// reporting Unknown.
func (c *Core) FetchIPInfo(ctx context.Context, socksAddr string) *IPInfo {
	c.ipMu.Lock()
	if c.ipInfo != nil && time.Since(c.ipInfoAt) < ipInfoTTL {
		info := c.ipInfo
		c.ipMu.Unlock()
		return info
	}
	stale := c.ipInfo
	c.ipMu.Unlock()

	info, err := c.Lookup.Fetch(ctx, socksAddr)
	if err != nil {
		logrus.Warnf("ip lookup failed: %v", err)
		return stale
	}

	c.ipMu.Lock()
	c.ipInfo = info
	c.ipInfoAt = time.Now()
	c.ipMu.Unlock()
	return info
}

// BaseStatus is the default status record: disconnected with unknown
// location fields. Drivers overlay lookup results when connected.
func BaseStatus(backend Backend, mode Mode, proto Protocol, socksPort int, connected bool) api.StatusRecord {
	status := api.StatusDisconnected
	if connected {
		status = api.StatusConnected
	}
	return api.StatusRecord{
		Backend:        string(backend),
		Status:         status,
		IP:             "Unknown",
		Location:       "Unknown",
		City:           "Unknown",
		Country:        "Unknown",
		ISP:            "Cloudflare WARP",
		Protocol:       string(proto),
		Mode:           string(mode),
		ConnectionTime: "Unknown",
		NetworkType:    "Unknown",
		ProxyAddress:   ProxyAddress(socksPort),
		Details:        map[string]string{},
	}
}

// ApplyIPInfo overlays lookup results onto a status record.
func ApplyIPInfo(record *api.StatusRecord, info *IPInfo) {
	if info == nil {
		return
	}
	if info.IP != "" {
		record.IP = info.IP
	}
	if info.City != "" {
		record.City = info.City
	}
	if info.Country != "" {
		record.Country = info.Country
	}
	if info.Location != "" {
		record.Location = info.Location
	}
	if info.ISP != "" {
		record.ISP = info.ISP
	}
	for k, v := range info.Details {
		record.Details[k] = v
	}
}

// Rotate obtains a new egress IP with a full disconnect/reconnect cycle;
// the underlying clients offer no lighter-weight rotation primitive. It
// always ends connected, or disconnected with the failure reported.
// Drivers call it with their already-locked internals so the whole cycle
// runs under one lifecycle critical section.
func Rotate(ctx context.Context, kind Backend, disconnect, connect func(context.Context) error, isConnected func(context.Context) bool) error {
	logrus.WithField("backend", kind).Info("rotating IP (disconnect + reconnect)")

	if err := disconnect(ctx); err != nil {
		logrus.Warnf("rotate: disconnect reported: %v", err)
	}
	WaitFor(ctx, 5*time.Second, func(ctx context.Context) bool {
		return !isConnected(ctx)
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(2 * time.Second):
	}

	if err := connect(ctx); err != nil {
		return err
	}
	if !WaitFor(ctx, 15*time.Second, isConnected) {
		return errors.New("timed out waiting for reconnect")
	}
	return nil
}
