// Package routing mutates host routing and firewall state for TUN-mode
// tunnels and makes every mutation reversible and idempotent: "already
// exists" on add and "already gone" on delete are success, so connect and
// disconnect can be retried without accumulating or orphaning state.
//
// One consistent scheme is used everywhere: policy routing table 100 at
// rule priority 100, nftables table "inet warppool" with rules tagged by
// the "warppool" comment.
package routing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warppool/warppool/pkg/command"
)

const (
	// BypassTable is the policy-routing table holding the pre-tunnel
	// default route for bypassed sources.
	BypassTable = 100
	// BypassPriority is the ip-rule priority of bypass rules.
	BypassPriority = 100
	// FirewallTable is the nftables table owned by this system.
	FirewallTable = "warppool"
	// FirewallChain is the input chain inside FirewallTable.
	FirewallChain = "input"
	// RuleTag marks every rule this system adds, so cleanup can identify
	// exactly our rules.
	RuleTag = "warppool"

	// tunRouteMetric is lower (higher priority) than typical DHCP routes,
	// so the TUN default route wins while it exists and the original
	// route takes over again if the device disappears.
	tunRouteMetric = 50

	cmdTimeout = 15 * time.Second
)

type Manager struct {
	runner command.Runner
}

func NewManager(runner command.Runner) *Manager {
	return &Manager{runner: runner}
}

// benign reports whether stderr indicates the operation was already done.
func benign(stderr string, markers ...string) bool {
	for _, m := range markers {
		if strings.Contains(stderr, m) {
			return true
		}
	}
	return false
}

// SetupBypass directs traffic originating from sourceIP through the
// original gateway, keeping panel/SSH reachable once the TUN device owns
// the default route. Safe to call twice.
func (m *Manager) SetupBypass(ctx context.Context, gateway, iface, sourceIP string) error {
	if gateway == "" || iface == "" || sourceIP == "" {
		return fmt.Errorf("bypass routing needs gateway, interface and source (got %q, %q, %q)", gateway, iface, sourceIP)
	}

	rc, _, stderr := m.runner.Run(ctx, cmdTimeout, "ip", "rule", "add",
		"from", sourceIP, "table", fmt.Sprint(BypassTable), "priority", fmt.Sprint(BypassPriority))
	if rc != 0 && !benign(stderr, "File exists") {
		return fmt.Errorf("add bypass rule: %s", stderr)
	}

	rc, _, stderr = m.runner.Run(ctx, cmdTimeout, "ip", "route", "add",
		"default", "via", gateway, "dev", iface, "table", fmt.Sprint(BypassTable))
	if rc != 0 && !benign(stderr, "File exists") {
		return fmt.Errorf("add bypass route: %s", stderr)
	}

	logrus.WithFields(logrus.Fields{"source": sourceIP, "gateway": gateway, "dev": iface}).
		Infof("bypass routing active (table %d)", BypassTable)
	return nil
}

// CleanupBypass removes the policy rule for sourceIP and flushes the
// bypass table. Tolerates the rule already being gone; duplicated rules
// from earlier crashes are drained.
func (m *Manager) CleanupBypass(ctx context.Context, sourceIP string) {
	if sourceIP == "" {
		return
	}
	for attempt := 0; attempt < 5; attempt++ {
		rc, _, _ := m.runner.Run(ctx, cmdTimeout, "ip", "rule", "del",
			"from", sourceIP, "table", fmt.Sprint(BypassTable), "priority", fmt.Sprint(BypassPriority))
		if rc != 0 {
			break // no matching rule left
		}
	}
	m.runner.Run(ctx, cmdTimeout, "ip", "route", "flush", "table", fmt.Sprint(BypassTable))
	logrus.WithField("source", sourceIP).Info("bypass routing removed")
}

// AddHostRoute pins destination through the original gateway so the tunnel
// transport itself is never routed into the tunnel (anti-loop).
func (m *Manager) AddHostRoute(ctx context.Context, destination, gateway, iface string) error {
	rc, _, stderr := m.runner.Run(ctx, cmdTimeout, "ip", "route", "add",
		destination, "via", gateway, "dev", iface)
	if rc != 0 && !benign(stderr, "File exists") {
		return fmt.Errorf("add host route %s: %s", destination, stderr)
	}
	logrus.WithFields(logrus.Fields{"destination": destination, "gateway": gateway}).Info("anti-loop route added")
	return nil
}

// DelHostRoute removes a host route added by AddHostRoute.
func (m *Manager) DelHostRoute(ctx context.Context, destination string) {
	rc, _, stderr := m.runner.Run(ctx, cmdTimeout, "ip", "route", "del", destination)
	if rc != 0 && !benign(stderr, "No such process", "No such file") {
		logrus.Warnf("failed to delete host route %s: %s", destination, stderr)
	}
}

// RedirectDefault adds a default route through tunDevice at a lower metric
// than the original route. The original stays in place as a fallback: if
// the tunnel crashes and the device vanishes, the kernel drops our route
// and the host is routable again without intervention.
func (m *Manager) RedirectDefault(ctx context.Context, tunDevice string) error {
	rc, _, stderr := m.runner.Run(ctx, cmdTimeout, "ip", "route", "add",
		"default", "dev", tunDevice, "metric", fmt.Sprint(tunRouteMetric))
	if rc != 0 && !benign(stderr, "File exists") {
		return fmt.Errorf("redirect default route to %s: %s", tunDevice, stderr)
	}
	logrus.WithField("dev", tunDevice).Info("default route redirected to tunnel")
	return nil
}

// RestoreDefault removes the tunnel default route. The device being gone
// (kernel already dropped the route) is success.
func (m *Manager) RestoreDefault(ctx context.Context, tunDevice string) {
	rc, _, stderr := m.runner.Run(ctx, cmdTimeout, "ip", "route", "del",
		"default", "dev", tunDevice, "metric", fmt.Sprint(tunRouteMetric))
	if rc != 0 && !benign(stderr, "No such process", "Cannot find device", "No such device") {
		logrus.Warnf("failed to remove tunnel default route: %s", stderr)
	}
}
