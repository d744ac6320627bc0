package netinfo

import (
	"encoding/json"
)

// routeEntry mirrors one element of `ip -j route show default` output.
type routeEntry struct {
	Dst      string   `json:"dst"`
	Gateway  string   `json:"gateway"`
	Dev      string   `json:"dev"`
	Protocol string   `json:"protocol"`
	PrefSrc  string   `json:"prefsrc"`
	Metric   int      `json:"metric"`
	Flags    []string `json:"flags"`
}

// addrInfo mirrors one element of the addr_info array of `ip -j addr show`.
type addrInfo struct {
	Family    string `json:"family"`
	Local     string `json:"local"`
	PrefixLen int    `json:"prefixlen"`
	Scope     string `json:"scope"`
	Label     string `json:"label"`
}

type ifaceEntry struct {
	IfIndex   int        `json:"ifindex"`
	IfName    string     `json:"ifname"`
	Operstate string     `json:"operstate"`
	LinkType  string     `json:"link_type"`
	AddrInfos []addrInfo `json:"addr_info"`
}

// ParseDefaultRoute extracts (gateway, interface, source) from the JSON
// output of `ip -j route show default`. Only the first default entry is
// considered; a missing prefsrc is left empty for the caller to resolve.
func ParseDefaultRoute(jsonRoutes []byte) (Route, error) {
	var entries []routeEntry
	if err := json.Unmarshal(jsonRoutes, &entries); err != nil {
		return Route{}, err
	}
	for _, e := range entries {
		if e.Dst != "default" {
			continue
		}
		return Route{Gateway: e.Gateway, Interface: e.Dev, SourceIP: e.PrefSrc}, nil
	}
	return Route{}, nil
}

// ParseInterfaceAddr returns the first global IPv4 address from the JSON
// output of `ip -j addr show dev X`, falling back to any IPv4 address.
func ParseInterfaceAddr(jsonAddrs []byte) (string, error) {
	var ifaces []ifaceEntry
	if err := json.Unmarshal(jsonAddrs, &ifaces); err != nil {
		return "", err
	}
	fallback := ""
	for _, iface := range ifaces {
		for _, info := range iface.AddrInfos {
			if info.Family != "inet" {
				continue
			}
			if info.Scope == "global" {
				return info.Local, nil
			}
			if fallback == "" {
				fallback = info.Local
			}
		}
	}
	return fallback, nil
}
