// Package netinfo answers read-only questions about host networking state:
// the pre-tunnel default route, TUN device presence, listening ports and
// whether we are running inside a container. All queries degrade to empty
// or false results instead of failing hard, because they gate readiness
// checks that must never crash a lifecycle operation.
package netinfo

import (
	"context"
	"os"
	"strings"
	"time"

	gopsnet "github.com/shirou/gopsutil/v3/net"
	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"

	"github.com/warppool/warppool/pkg/command"
)

// tunPrefixes are the interface-name prefixes treated as tunnel devices.
// usque creates tunN, the official client names its device CloudflareWARP.
var tunPrefixes = []string{"tun", "CloudflareWARP"}

const queryTimeout = 10 * time.Second

// Route is the host's default route as captured before a TUN connect.
type Route struct {
	Gateway   string
	Interface string
	SourceIP  string
}

// Empty reports whether no usable default route was found.
func (r Route) Empty() bool {
	return r.Gateway == "" && r.Interface == ""
}

type Inspector struct {
	runner command.Runner
}

func NewInspector(runner command.Runner) *Inspector {
	return &Inspector{runner: runner}
}

// DefaultRoute parses `ip -j route show default`. When the route entry has
// no prefsrc, the source address is resolved from the route's interface.
// Total failure yields an empty Route, never an error.
func (i *Inspector) DefaultRoute(ctx context.Context) Route {
	rc, out, stderr := i.runner.Run(ctx, queryTimeout, "ip", "-j", "route", "show", "default")
	if rc != 0 {
		logrus.Errorf("failed to read default route: %s", stderr)
		return Route{}
	}

	route, err := ParseDefaultRoute([]byte(out))
	if err != nil {
		logrus.Errorf("failed to parse default route: %v", err)
		return Route{}
	}

	if route.SourceIP == "" && route.Interface != "" {
		route.SourceIP = i.interfaceAddr(ctx, route.Interface)
	}
	return route
}

func (i *Inspector) interfaceAddr(ctx context.Context, dev string) string {
	rc, out, stderr := i.runner.Run(ctx, queryTimeout, "ip", "-j", "addr", "show", "dev", dev)
	if rc != 0 {
		logrus.Errorf("failed to read addresses of %s: %s", dev, stderr)
		return ""
	}
	addr, err := ParseInterfaceAddr([]byte(out))
	if err != nil {
		logrus.Errorf("failed to parse addresses of %s: %v", dev, err)
		return ""
	}
	return addr
}

// IsPortListening reports whether a local TCP socket is listening on port.
// Query failures count as "not listening" so readiness polls fail closed.
func (i *Inspector) IsPortListening(port int) bool {
	conns, err := gopsnet.Connections("tcp")
	if err != nil {
		logrus.Debugf("failed to list tcp sockets: %v", err)
		return false
	}
	for _, c := range conns {
		if c.Status == "LISTEN" && int(c.Laddr.Port) == port {
			return true
		}
	}
	return false
}

// ListeningTCPPorts lists all locally listening TCP ports, used when
// building the firewall snapshot.
func (i *Inspector) ListeningTCPPorts() []int {
	conns, err := gopsnet.Connections("tcp")
	if err != nil {
		logrus.Debugf("failed to list tcp sockets: %v", err)
		return nil
	}
	seen := map[int]struct{}{}
	var ports []int
	for _, c := range conns {
		if c.Status != "LISTEN" {
			continue
		}
		port := int(c.Laddr.Port)
		if _, dup := seen[port]; dup {
			continue
		}
		seen[port] = struct{}{}
		ports = append(ports, port)
	}
	return ports
}

// TunInterfaceName returns the name of the first tunnel device, or "".
func (i *Inspector) TunInterfaceName(ctx context.Context) string {
	links, err := netlink.LinkList()
	if err != nil {
		logrus.Debugf("failed to list links: %v", err)
		return ""
	}
	for _, link := range links {
		name := link.Attrs().Name
		for _, prefix := range tunPrefixes {
			if strings.HasPrefix(name, prefix) {
				return name
			}
		}
	}
	return ""
}

// TunInterfaceExists reports whether any tunnel device is present.
func (i *Inspector) TunInterfaceExists(ctx context.Context) bool {
	return i.TunInterfaceName(ctx) != ""
}

// IsContainerized reports whether the process runs inside a container.
// TUN mode is refused there: the host routing table is not ours to own.
func (i *Inspector) IsContainerized() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	data, err := os.ReadFile("/proc/1/cgroup")
	if err != nil {
		return false
	}
	content := string(data)
	return strings.Contains(content, "docker") || strings.Contains(content, "container")
}
