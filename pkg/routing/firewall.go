package routing

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// Snapshot captures what the host firewall already allowed before the
// tunnel's own table is created. It is consumed while building the allow
// list and then discarded; enabling the tunnel must never cut off a
// service that was reachable before.
type Snapshot struct {
	TCPPorts          map[int]struct{}
	UDPPorts          map[int]struct{}
	Interfaces        map[string]struct{}
	InterfacePatterns map[string]struct{}
}

func NewSnapshot() *Snapshot {
	return &Snapshot{
		TCPPorts:          map[int]struct{}{},
		UDPPorts:          map[int]struct{}{},
		Interfaces:        map[string]struct{}{},
		InterfacePatterns: map[string]struct{}{},
	}
}

// MergedTCPPorts returns the union of snapshot TCP ports and required,
// sorted ascending.
func (s *Snapshot) MergedTCPPorts(required ...int) []int {
	set := map[int]struct{}{}
	for p := range s.TCPPorts {
		set[p] = struct{}{}
	}
	for _, p := range required {
		set[p] = struct{}{}
	}
	ports := make([]int, 0, len(set))
	for p := range set {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports
}

func (s *Snapshot) sortedUDPPorts() []int {
	ports := make([]int, 0, len(s.UDPPorts))
	for p := range s.UDPPorts {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports
}

// PortLister supplies currently listening local TCP ports; backed by
// gopsutil in production.
type PortLister func() []int

// CaptureSnapshot merges accept rules already present in nftables and
// iptables with the host's currently listening TCP ports. Either firewall
// backend being absent is fine; listeningPorts may be nil.
func (m *Manager) CaptureSnapshot(ctx context.Context, listeningPorts PortLister) *Snapshot {
	snap := NewSnapshot()

	if rc, out, _ := m.runner.Run(ctx, cmdTimeout, "nft", "list", "ruleset"); rc == 0 {
		ParseNftAccepts(out, snap)
	}
	if rc, out, _ := m.runner.Run(ctx, cmdTimeout, "iptables-save"); rc == 0 {
		ParseIptablesAccepts(out, snap)
	}
	if listeningPorts != nil {
		for _, p := range listeningPorts() {
			snap.TCPPorts[p] = struct{}{}
		}
	}

	logrus.WithFields(logrus.Fields{
		"tcpPorts":   len(snap.TCPPorts),
		"udpPorts":   len(snap.UDPPorts),
		"interfaces": len(snap.Interfaces),
	}).Info("firewall snapshot captured")
	return snap
}

// ApplyAllowRules (re)creates the warppool nftables table with accept
// rules for loopback, established/related traffic, the merged TCP allow
// list on iface, snapshot UDP ports and snapshot-allowed interfaces.
// Every rule carries the warppool comment tag.
func (m *Manager) ApplyAllowRules(ctx context.Context, iface string, requiredPorts []int, snap *Snapshot) error {
	if snap == nil {
		snap = NewSnapshot()
	}

	// Recreate from scratch so repeated connects do not stack rules.
	m.CleanupFirewall(ctx)

	if rc, _, stderr := m.runner.Run(ctx, cmdTimeout, "nft", "add", "table", "inet", FirewallTable); rc != 0 {
		return fmt.Errorf("create nftables table: %s", stderr)
	}
	rc, _, stderr := m.runner.Run(ctx, cmdTimeout, "nft", "add", "chain", "inet", FirewallTable, FirewallChain,
		"{", "type", "filter", "hook", "input", "priority", "0", ";", "policy", "accept", ";", "}")
	if rc != 0 {
		return fmt.Errorf("create nftables chain: %s", stderr)
	}

	m.addRule(ctx, "ct", "state", "established,related", "accept")
	m.addRule(ctx, "iifname", "lo", "accept")

	for name := range snap.Interfaces {
		m.addRule(ctx, "iifname", name, "accept")
	}
	for pattern := range snap.InterfacePatterns {
		m.addRule(ctx, "iifname", pattern, "accept")
	}

	ports := snap.MergedTCPPorts(requiredPorts...)
	for _, port := range ports {
		m.addRule(ctx, "iifname", iface, "tcp", "dport", strconv.Itoa(port), "accept")
	}
	for _, port := range snap.sortedUDPPorts() {
		m.addRule(ctx, "iifname", iface, "udp", "dport", strconv.Itoa(port), "accept")
	}

	logrus.WithFields(logrus.Fields{"iface": iface, "tcpPorts": ports}).
		Infof("nftables allow rules applied to table %s", FirewallTable)
	return nil
}

func (m *Manager) addRule(ctx context.Context, tokens ...string) {
	args := append([]string{"add", "rule", "inet", FirewallTable, FirewallChain}, tokens...)
	args = append(args, "comment", RuleTag)
	if rc, _, stderr := m.runner.Run(ctx, cmdTimeout, "nft", args...); rc != 0 {
		logrus.Warnf("failed to add nftables rule %v: %s", tokens, stderr)
	}
}

// CleanupFirewall deletes the warppool table. The table not existing
// (never created, or already removed) is success.
func (m *Manager) CleanupFirewall(ctx context.Context) {
	rc, _, stderr := m.runner.Run(ctx, cmdTimeout, "nft", "delete", "table", "inet", FirewallTable)
	if rc != 0 && !benign(stderr, "No such file or directory", "does not exist") {
		logrus.Warnf("nftables cleanup: %s", stderr)
	}
}

// ParseNftAccepts scans `nft list ruleset` output for accept rules and
// records their ports and interfaces into snap. Our own tagged rules are
// skipped so a stale warppool table never feeds back into a new snapshot.
func ParseNftAccepts(ruleset string, snap *Snapshot) {
	for _, line := range strings.Split(ruleset, "\n") {
		line = strings.TrimSpace(line)
		if !strings.Contains(line, "accept") || strings.Contains(line, "comment \""+RuleTag+"\"") {
			continue
		}
		fields := strings.Fields(line)
		for idx, tok := range fields {
			switch tok {
			case "dport":
				proto := protoBefore(fields, idx)
				for _, port := range portsAfter(fields, idx) {
					if proto == "udp" {
						snap.UDPPorts[port] = struct{}{}
					} else {
						snap.TCPPorts[port] = struct{}{}
					}
				}
			case "iifname":
				for _, name := range namesAfter(fields, idx) {
					if name == "lo" {
						continue
					}
					if strings.Contains(name, "*") {
						snap.InterfacePatterns[name] = struct{}{}
					} else {
						snap.Interfaces[name] = struct{}{}
					}
				}
			}
		}
	}
}

func protoBefore(fields []string, idx int) string {
	if idx > 0 && (fields[idx-1] == "udp" || fields[idx-1] == "tcp") {
		return fields[idx-1]
	}
	return "tcp"
}

// portsAfter handles both `dport 22` and `dport { 22, 80 }`.
func portsAfter(fields []string, idx int) []int {
	var ports []int
	if idx+1 >= len(fields) {
		return nil
	}
	if fields[idx+1] != "{" {
		if p, err := strconv.Atoi(strings.Trim(fields[idx+1], ",")); err == nil {
			ports = append(ports, p)
		}
		return ports
	}
	for _, tok := range fields[idx+2:] {
		if tok == "}" {
			break
		}
		if p, err := strconv.Atoi(strings.Trim(tok, ",")); err == nil {
			ports = append(ports, p)
		}
	}
	return ports
}

// namesAfter handles both `iifname "eth0"` and `iifname { "veth*", "docker0" }`.
func namesAfter(fields []string, idx int) []string {
	var names []string
	if idx+1 >= len(fields) {
		return nil
	}
	clean := func(tok string) string {
		return strings.Trim(tok, `",`)
	}
	if fields[idx+1] != "{" {
		if n := clean(fields[idx+1]); n != "" {
			names = append(names, n)
		}
		return names
	}
	for _, tok := range fields[idx+2:] {
		if tok == "}" {
			break
		}
		if n := clean(tok); n != "" {
			names = append(names, n)
		}
	}
	return names
}

// ParseIptablesAccepts scans `iptables-save` output for ACCEPT rules on
// input chains and records their ports and interfaces into snap.
func ParseIptablesAccepts(saved string, snap *Snapshot) {
	for _, line := range strings.Split(saved, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "-A") || !strings.Contains(line, "-j ACCEPT") {
			continue
		}
		fields := strings.Fields(line)
		proto := "tcp"
		for idx, tok := range fields {
			if (tok == "-p" || tok == "--protocol") && idx+1 < len(fields) {
				proto = fields[idx+1]
			}
		}
		for idx, tok := range fields {
			switch tok {
			case "--dport", "--destination-port":
				if idx+1 < len(fields) {
					if p, err := strconv.Atoi(fields[idx+1]); err == nil {
						if proto == "udp" {
							snap.UDPPorts[p] = struct{}{}
						} else {
							snap.TCPPorts[p] = struct{}{}
						}
					}
				}
			case "-i", "--in-interface":
				if idx+1 < len(fields) {
					name := fields[idx+1]
					if name == "lo" {
						continue
					}
					if strings.Contains(name, "+") {
						// iptables wildcard: veth+ matches veth*
						snap.InterfacePatterns[strings.Replace(name, "+", "*", 1)] = struct{}{}
					} else {
						snap.Interfaces[name] = struct{}{}
					}
				}
			}
		}
	}
}
