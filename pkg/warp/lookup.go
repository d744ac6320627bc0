package warp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	xproxy "golang.org/x/net/proxy"
)

// IPInfo is the normalized result of an egress IP/geolocation lookup.
type IPInfo struct {
	IP       string
	City     string
	Country  string
	Location string
	ISP      string
	Details  map[string]string
}

// lookupTimeout bounds each individual endpoint attempt.
const lookupTimeout = 8 * time.Second

// Lookup fetches egress IP information, trying endpoints in priority
// order until one returns parseable data. With a SOCKS address the
// request goes through the tunnel's proxy; without one it goes out
// directly (TUN mode, where all egress is already tunneled).
type Lookup struct {
	// Endpoints overrides the default endpoint list in tests.
	Endpoints []string
}

var defaultEndpoints = []string{
	"https://www.cloudflare.com/cdn-cgi/trace",
	"http://ip-api.com/json/?fields=status,message,query,country,city,isp",
	"https://ipinfo.io/json",
}

func (l *Lookup) endpoints() []string {
	if len(l.Endpoints) > 0 {
		return l.Endpoints
	}
	return defaultEndpoints
}

func (l *Lookup) Fetch(ctx context.Context, socksAddr string) (*IPInfo, error) {
	client, err := newHTTPClient(socksAddr)
	if err != nil {
		return nil, err
	}
	defer client.CloseIdleConnections()

	for _, endpoint := range l.endpoints() {
		info, err := l.fetchOne(ctx, client, endpoint)
		if err != nil {
			logrus.Debugf("ip lookup via %s failed: %v", endpoint, err)
			continue
		}
		return info, nil
	}
	return nil, errors.New("all ip lookup endpoints failed")
}

func (l *Lookup) fetchOne(ctx context.Context, client *http.Client, endpoint string) (*IPInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected HTTP status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, err
	}
	return ParseLookupResponse(endpoint, body)
}

func newHTTPClient(socksAddr string) (*http.Client, error) {
	if socksAddr == "" {
		return &http.Client{Timeout: lookupTimeout}, nil
	}
	dialer, err := xproxy.SOCKS5("tcp", socksAddr, nil, xproxy.Direct)
	if err != nil {
		return nil, err
	}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if cd, ok := dialer.(xproxy.ContextDialer); ok {
				return cd.DialContext(ctx, network, addr)
			}
			return dialer.Dial(network, addr)
		},
	}
	return &http.Client{Transport: transport, Timeout: lookupTimeout}, nil
}

// ParseLookupResponse normalizes a lookup endpoint response. Unknown
// endpoints and unparseable payloads are errors so the caller moves on to
// the next endpoint.
func ParseLookupResponse(endpoint string, body []byte) (*IPInfo, error) {
	switch {
	case strings.Contains(endpoint, "cdn-cgi/trace"):
		return parseTrace(body)
	case strings.Contains(endpoint, "ip-api.com"):
		return parseIPAPI(body)
	case strings.Contains(endpoint, "ipinfo.io"):
		return parseIPInfoIO(body)
	}
	return nil, fmt.Errorf("no parser for endpoint %s", endpoint)
}

// parseTrace handles Cloudflare's key=value trace output. The colo code
// and ISO country code are mapped to display names.
func parseTrace(body []byte) (*IPInfo, error) {
	fields := map[string]string{}
	for _, line := range strings.Split(string(body), "\n") {
		k, v, found := strings.Cut(strings.TrimSpace(line), "=")
		if found {
			fields[k] = v
		}
	}
	ip := fields["ip"]
	if ip == "" {
		return nil, errors.New("trace output has no ip field")
	}
	info := &IPInfo{
		IP:       ip,
		Location: fields["loc"],
		ISP:      "Cloudflare WARP",
		Details:  fields,
	}
	if colo := fields["colo"]; colo != "" {
		info.City = CityFromColo(colo)
	}
	if loc := fields["loc"]; loc != "" {
		info.Country = CountryName(loc)
	}
	return info, nil
}

func parseIPAPI(body []byte) (*IPInfo, error) {
	var data struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Query   string `json:"query"`
		Country string `json:"country"`
		City    string `json:"city"`
		ISP     string `json:"isp"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, err
	}
	if data.Status != "success" {
		return nil, fmt.Errorf("ip-api lookup failed: %s", data.Message)
	}
	isp := data.ISP
	if isp == "" {
		isp = "Cloudflare WARP"
	}
	return &IPInfo{
		IP:       data.Query,
		Country:  data.Country,
		City:     data.City,
		Location: data.Country,
		ISP:      isp,
		Details:  map[string]string{"isp": isp},
	}, nil
}

func parseIPInfoIO(body []byte) (*IPInfo, error) {
	var data struct {
		IP      string `json:"ip"`
		City    string `json:"city"`
		Country string `json:"country"`
		Org     string `json:"org"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, err
	}
	if data.IP == "" {
		return nil, errors.New("ipinfo response has no ip")
	}
	isp := data.Org
	if isp == "" {
		isp = "Cloudflare WARP"
	}
	return &IPInfo{
		IP:       data.IP,
		Country:  CountryName(data.Country),
		City:     data.City,
		Location: data.Country,
		ISP:      isp,
		Details:  map[string]string{"isp": isp},
	}, nil
}
