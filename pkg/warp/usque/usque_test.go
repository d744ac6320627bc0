package usque

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/warppool/warppool/pkg/api"
	"github.com/warppool/warppool/pkg/netinfo"
	"github.com/warppool/warppool/pkg/routing"
	"github.com/warppool/warppool/pkg/warp"
)

type fakeRunner struct {
	mu     sync.Mutex
	calls  []string
	inputs []string
	handle func(cmdline string) (int, string, string)
}

func (r *fakeRunner) dispatch(cmdline string) (int, string, string) {
	r.mu.Lock()
	r.calls = append(r.calls, cmdline)
	handle := r.handle
	r.mu.Unlock()
	if handle != nil {
		return handle(cmdline)
	}
	return 0, "", ""
}

func (r *fakeRunner) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (int, string, string) {
	return r.dispatch(strings.Join(append([]string{name}, args...), " "))
}

func (r *fakeRunner) RunShell(ctx context.Context, timeout time.Duration, script string) (int, string, string) {
	return r.dispatch(script)
}

func (r *fakeRunner) RunInput(ctx context.Context, timeout time.Duration, dir, input string, name string, args ...string) (int, string, string) {
	r.mu.Lock()
	r.inputs = append(r.inputs, input)
	r.mu.Unlock()
	return r.dispatch(strings.Join(append([]string{name}, args...), " "))
}

func (r *fakeRunner) called(substr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

type fakeProbe struct {
	mu            sync.Mutex
	route         netinfo.Route
	listening     map[int]bool
	tunName       string
	containerized bool
}

func (p *fakeProbe) DefaultRoute(ctx context.Context) netinfo.Route { return p.route }

func (p *fakeProbe) IsPortListening(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listening[port]
}

func (p *fakeProbe) setListening(port int, on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listening == nil {
		p.listening = map[int]bool{}
	}
	p.listening[port] = on
}

func (p *fakeProbe) ListeningTCPPorts() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ports []int
	for port, on := range p.listening {
		if on {
			ports = append(ports, port)
		}
	}
	return ports
}

func (p *fakeProbe) TunInterfaceName(ctx context.Context) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tunName
}

func (p *fakeProbe) setTunName(name string) {
	p.mu.Lock()
	p.tunName = name
	p.mu.Unlock()
}

func (p *fakeProbe) TunInterfaceExists(ctx context.Context) bool {
	return p.TunInterfaceName(ctx) != ""
}

func (p *fakeProbe) IsContainerized() bool { return p.containerized }

func writeConfig(t *testing.T, values map[string]interface{}) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	data, err := json.Marshal(values)
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, os.WriteFile(path, data, 0o600))
	return path
}

func newTestDriver(t *testing.T, runner *fakeRunner, probe *fakeProbe) *Driver {
	t.Helper()
	return New(Config{
		SocksPort:  1080,
		PanelPort:  8000,
		ConfigPath: writeConfig(t, map[string]interface{}{"private_key": "k"}),
	}, runner, probe, routing.NewManager(runner))
}

func TestConnectProxy(t *testing.T) {
	probe := &fakeProbe{}
	runner := &fakeRunner{}
	var started bool
	runner.handle = func(cmdline string) (int, string, string) {
		switch {
		case cmdline == "supervisorctl start usque":
			started = true
			probe.setListening(1080, true)
			return 0, "usque: started", ""
		case cmdline == "supervisorctl status usque":
			if started {
				return 0, "usque  RUNNING  pid 42, uptime 0:00:01", ""
			}
			return 3, "usque  STOPPED", ""
		}
		return 0, "", ""
	}
	d := newTestDriver(t, runner, probe)

	err := d.Connect(context.Background())
	assert.Equal(t, nil, err)
	assert.True(t, runner.called("supervisorctl stop usque"))
	assert.True(t, runner.called("supervisorctl start usque"))
	assert.True(t, d.IsConnected(context.Background()))

	// One unreachable lookup endpoint; the record still reports connected
	// with the local proxy address.
	d.core.Lookup.Endpoints = []string{"http://127.0.0.1:1/cdn-cgi/trace"}
	record := d.Status(context.Background())
	assert.Equal(t, api.StatusConnected, record.Status)
	assert.Equal(t, "socks5://127.0.0.1:1080", record.ProxyAddress)
}

func TestConnectAlreadyConnected(t *testing.T) {
	probe := &fakeProbe{}
	probe.setListening(1080, true)
	runner := &fakeRunner{
		handle: func(cmdline string) (int, string, string) {
			if strings.HasPrefix(cmdline, "supervisorctl status") {
				return 0, "usque  RUNNING  pid 42, uptime 1:02:03", ""
			}
			return 0, "", ""
		},
	}
	d := newTestDriver(t, runner, probe)

	err := d.Connect(context.Background())
	assert.Equal(t, nil, err)
	assert.False(t, runner.called("supervisorctl start"))
}

func TestConnectTun(t *testing.T) {
	probe := &fakeProbe{
		route: netinfo.Route{Gateway: "192.168.1.1", Interface: "eth0", SourceIP: "192.168.1.155"},
	}
	probe.setListening(22, true)
	runner := &fakeRunner{}
	var tunStarted bool
	runner.handle = func(cmdline string) (int, string, string) {
		switch {
		case cmdline == "supervisorctl start usque-tun":
			tunStarted = true
			probe.setTunName("tun0")
			return 0, "usque-tun: started", ""
		case cmdline == "supervisorctl status usque-tun":
			if tunStarted {
				return 0, "usque-tun  RUNNING  pid 43, uptime 0:00:01", ""
			}
			return 3, "usque-tun  STOPPED", ""
		case strings.HasPrefix(cmdline, "supervisorctl status"):
			return 3, "STOPPED", ""
		}
		return 0, "", ""
	}
	d := New(Config{
		SocksPort:  1080,
		PanelPort:  8000,
		ConfigPath: writeConfig(t, map[string]interface{}{"private_key": "k", "endpoint_v4": "162.159.198.1"}),
	}, runner, probe, routing.NewManager(runner))
	assert.Equal(t, nil, d.SetMode(context.Background(), warp.ModeTun))

	err := d.Connect(context.Background())
	assert.Equal(t, nil, err)

	// Routing overlay in order: bypass for the panel source, anti-loop
	// route to the endpoint, allow rules, then the tunnel default route.
	assert.True(t, runner.called("ip rule add from 192.168.1.155 table 100 priority 100"))
	assert.True(t, runner.called("ip route add 162.159.198.1 via 192.168.1.1 dev eth0"))
	assert.True(t, runner.called("iifname eth0 tcp dport 8000 accept"))
	assert.True(t, runner.called("iifname eth0 tcp dport 1080 accept"))
	assert.True(t, runner.called("ip route add default dev tun0 metric 50"))

	// Disconnect undoes the overlay: tunnel route, policy rule, bypass
	// table and firewall table.
	assert.Equal(t, nil, d.Disconnect(context.Background()))
	assert.True(t, runner.called("ip route del default dev tun0 metric 50"))
	assert.True(t, runner.called("ip rule del from 192.168.1.155 table 100 priority 100"))
	assert.True(t, runner.called("ip route flush table 100"))
	assert.True(t, runner.called("nft delete table inet warppool"))
}

func TestConnectTunContainerized(t *testing.T) {
	probe := &fakeProbe{}
	runner := &fakeRunner{
		handle: func(cmdline string) (int, string, string) {
			if strings.HasPrefix(cmdline, "supervisorctl status") {
				return 3, "STOPPED", ""
			}
			return 0, "", ""
		},
	}
	d := newTestDriver(t, runner, probe)
	assert.Equal(t, nil, d.SetMode(context.Background(), warp.ModeTun))

	probe.containerized = true
	err := d.Connect(context.Background())
	assert.NotEqual(t, nil, err)
	assert.Contains(t, err.Error(), "container")
}

func TestDisconnectIdempotent(t *testing.T) {
	runner := &fakeRunner{
		handle: func(cmdline string) (int, string, string) {
			if strings.HasPrefix(cmdline, "supervisorctl stop") {
				return 1, "usque: ERROR (not running)", ""
			}
			return 0, "", ""
		},
	}
	d := newTestDriver(t, runner, &fakeProbe{})

	// Already stopped is success, and proxy mode must not touch routing.
	err := d.Disconnect(context.Background())
	assert.Equal(t, nil, err)
	assert.False(t, runner.called("ip "))
	assert.False(t, runner.called("nft"))
}

func TestDisconnectTunAlwaysCleansUp(t *testing.T) {
	probe := &fakeProbe{}
	runner := &fakeRunner{
		handle: func(cmdline string) (int, string, string) {
			if strings.HasPrefix(cmdline, "supervisorctl stop") {
				return 1, "", "error: could not contact supervisord"
			}
			if strings.HasPrefix(cmdline, "supervisorctl status") {
				return 3, "STOPPED", ""
			}
			return 0, "", ""
		},
	}
	d := newTestDriver(t, runner, probe)
	assert.Equal(t, nil, d.SetMode(context.Background(), warp.ModeTun))
	probe.setTunName("tun0")

	// Stop failure is reported, but routing and firewall are restored anyway.
	err := d.Disconnect(context.Background())
	assert.NotEqual(t, nil, err)
	assert.True(t, runner.called("ip route del default dev tun0 metric 50"))
	assert.True(t, runner.called("nft delete table inet warppool"))
}

func TestSetModeSameIsNoop(t *testing.T) {
	runner := &fakeRunner{}
	d := newTestDriver(t, runner, &fakeProbe{})

	assert.Equal(t, nil, d.SetMode(context.Background(), warp.ModeProxy))
	assert.Equal(t, 0, len(runner.calls))
}

func TestSetModeTunRejectedInContainer(t *testing.T) {
	runner := &fakeRunner{}
	d := newTestDriver(t, runner, &fakeProbe{containerized: true})

	err := d.SetMode(context.Background(), warp.ModeTun)
	assert.NotEqual(t, nil, err)
	assert.Equal(t, warp.ModeProxy, d.Mode())
}

func TestSetProtocol(t *testing.T) {
	d := newTestDriver(t, &fakeRunner{}, &fakeProbe{})

	assert.Equal(t, nil, d.SetProtocol(context.Background(), warp.ProtocolMasque))
	assert.NotEqual(t, nil, d.SetProtocol(context.Background(), warp.ProtocolWireGuard))
	assert.Equal(t, warp.ProtocolMasque, d.Protocol())
}

func TestInitializeSkipsExistingConfig(t *testing.T) {
	runner := &fakeRunner{}
	d := newTestDriver(t, runner, &fakeProbe{})

	assert.Equal(t, nil, d.Initialize(context.Background()))
	assert.Equal(t, 0, len(runner.calls))
}

func TestInitializeRegisters(t *testing.T) {
	runner := &fakeRunner{}
	d := New(Config{
		SocksPort:  1080,
		ConfigPath: filepath.Join(t.TempDir(), "config.json"),
	}, runner, &fakeProbe{}, routing.NewManager(runner))

	assert.Equal(t, nil, d.Initialize(context.Background()))
	assert.True(t, runner.called("usque register"))
	// Registration prompts for TOS acceptance on stdin.
	assert.Equal(t, []string{"y\n"}, runner.inputs)
}

func TestSetCustomEndpoint(t *testing.T) {
	runner := &fakeRunner{
		handle: func(cmdline string) (int, string, string) {
			if strings.HasPrefix(cmdline, "supervisorctl status") {
				return 3, "STOPPED", ""
			}
			return 0, "", ""
		},
	}
	d := newTestDriver(t, runner, &fakeProbe{})

	assert.Equal(t, nil, d.SetCustomEndpoint(context.Background(), "162.159.198.2"))
	assert.Equal(t, "162.159.198.2", d.configEndpoint())

	assert.Equal(t, nil, d.SetCustomEndpoint(context.Background(), ""))
	assert.Equal(t, "", d.configEndpoint())
}

func TestStatusDisconnected(t *testing.T) {
	runner := &fakeRunner{
		handle: func(cmdline string) (int, string, string) {
			if strings.HasPrefix(cmdline, "supervisorctl status") {
				return 3, "STOPPED", ""
			}
			return 0, "", ""
		},
	}
	d := newTestDriver(t, runner, &fakeProbe{})

	record := d.Status(context.Background())
	assert.Equal(t, "usque", record.Backend)
	assert.Equal(t, api.StatusDisconnected, record.Status)
	assert.Equal(t, "Unknown", record.IP)
	assert.Equal(t, "socks5://127.0.0.1:1080", record.ProxyAddress)
}

func TestStoppedAlready(t *testing.T) {
	assert.True(t, stoppedAlready("usque: ERROR (not running)"))
	assert.True(t, stoppedAlready("usque: ERROR (no such process)"))
	assert.False(t, stoppedAlready("error: could not contact supervisord"))
}

// Status and IsConnected run from HTTP handlers while SetMode rewrites
// the mode; the read path must stay race-free under the detector.
func TestStatusDuringModeChange(t *testing.T) {
	runner := &fakeRunner{
		handle: func(cmdline string) (int, string, string) {
			if strings.HasPrefix(cmdline, "supervisorctl status") {
				return 3, "STOPPED", ""
			}
			return 0, "", ""
		},
	}
	d := newTestDriver(t, runner, &fakeProbe{})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				d.Status(context.Background())
				d.IsConnected(context.Background())
				d.Mode()
			}
		}()
	}
	for i := 0; i < 50; i++ {
		assert.Equal(t, nil, d.SetMode(context.Background(), warp.ModeTun))
		assert.Equal(t, nil, d.SetMode(context.Background(), warp.ModeProxy))
	}
	wg.Wait()
	assert.Equal(t, warp.ModeProxy, d.Mode())
}
