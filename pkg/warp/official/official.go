// Package official drives the official Cloudflare WARP client: warp-svc
// as a supervisor-managed daemon, warp-cli for control, and socat
// forwarding the configured SOCKS5 port to the client's internal proxy
// port in proxy mode.
package official

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warppool/warppool/pkg/api"
	"github.com/warppool/warppool/pkg/command"
	"github.com/warppool/warppool/pkg/netinfo"
	"github.com/warppool/warppool/pkg/routing"
	"github.com/warppool/warppool/pkg/warp"
)

const (
	svcProgram   = "warp-svc"
	socatProgram = "socat"

	// internalProxyPort is where warp-cli's own SOCKS5 proxy listens;
	// socat forwards the configured panel-facing port to it.
	internalProxyPort = 40001

	supervisorTimeout = 30 * time.Second
	clientTimeout     = 10 * time.Second
	responsiveTimeout = 2 * time.Second
	connectWait       = 30 * time.Second
	tunConnectWait    = 60 * time.Second
)

// privateSubnets are excluded from the tunnel in TUN mode through the
// client's native split-tunnel list, keeping LAN and RFC1918 reachable.
var privateSubnets = []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"}

type Config struct {
	SocksPort  int
	PanelPort  int
	RegPath    string        // registration artifact (reg.json)
	BinaryPath func() string // warp-cli path
}

type Driver struct {
	cfg    Config
	runner command.Runner
	probe  warp.NetProbe
	routes *routing.Manager
	core   warp.Core

	mu sync.Mutex // serializes lifecycle operations

	// stateMu guards mode and proto so Status and IsConnected never block
	// behind a lifecycle operation holding mu. Writers hold both locks.
	stateMu sync.RWMutex
	mode    warp.Mode
	proto   warp.Protocol

	saved    netinfo.Route
	endpoint string
	tunName  string
}

func New(cfg Config, runner command.Runner, probe warp.NetProbe, routes *routing.Manager) *Driver {
	if cfg.RegPath == "" {
		cfg.RegPath = "/var/lib/cloudflare-warp/reg.json"
	}
	if cfg.BinaryPath == nil {
		cfg.BinaryPath = func() string { return "warp-cli" }
	}
	return &Driver{
		cfg:    cfg,
		runner: runner,
		probe:  probe,
		routes: routes,
		mode:   warp.ModeProxy,
		proto:  warp.ProtocolMasque,
	}
}

func (d *Driver) Kind() warp.Backend { return warp.BackendOfficial }
func (d *Driver) SocksPort() int     { return d.cfg.SocksPort }

func (d *Driver) Mode() warp.Mode {
	d.stateMu.RLock()
	defer d.stateMu.RUnlock()
	return d.mode
}

func (d *Driver) Protocol() warp.Protocol {
	d.stateMu.RLock()
	defer d.stateMu.RUnlock()
	return d.proto
}

// cli runs a warp-cli subcommand and returns its stdout, or an error on
// nonzero exit. Transient failures surface as errors, never panics.
func (d *Driver) cli(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	full := append([]string{"--accept-tos"}, args...)
	rc, out, stderr := d.runner.Run(ctx, timeout, d.cfg.BinaryPath(), full...)
	if rc != 0 {
		return "", fmt.Errorf("warp-cli %s: %s", strings.Join(args, " "), stderr)
	}
	return out, nil
}

// Initialize makes sure a WARP registration exists. Idempotent.
func (d *Driver) Initialize(ctx context.Context) error {
	if _, err := os.Stat(d.cfg.RegPath); err == nil {
		return nil
	}
	logrus.Info("no WARP registration found, registering")
	// A half-written registration blocks "registration new"; delete first.
	if _, err := d.cli(ctx, clientTimeout, "registration", "delete"); err != nil {
		logrus.Debugf("registration delete: %v", err)
	}
	if _, err := d.cli(ctx, supervisorTimeout, "registration", "new"); err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}
	return nil
}

func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connect(ctx)
}

func (d *Driver) connect(ctx context.Context) error {
	if d.isConnected(ctx) {
		logrus.Info("official WARP already connected")
		return nil
	}
	if err := d.Initialize(ctx); err != nil {
		return err
	}
	if !d.daemonResponsive(ctx) {
		logrus.Info("warp-svc not responsive, restarting services")
		d.stopServices(ctx)
		if err := d.startServices(ctx); err != nil {
			return err
		}
	}
	if d.mode == warp.ModeTun {
		return d.connectTun(ctx)
	}
	return d.connectProxy(ctx)
}

func (d *Driver) connectProxy(ctx context.Context) error {
	d.ensureSocat(ctx)

	logrus.Info("connecting WARP (official, proxy mode)")
	// Reset to a clean state before reconfiguring.
	if _, err := d.cli(ctx, clientTimeout, "disconnect"); err != nil {
		logrus.Debugf("pre-connect disconnect: %v", err)
	}
	d.configureProxy(ctx)

	if out, err := d.cli(ctx, clientTimeout, "connect"); err != nil {
		return err
	} else if strings.Contains(out, "Error") {
		return fmt.Errorf("connect command returned: %s", out)
	}

	time.Sleep(2 * time.Second)
	if !warp.WaitFor(ctx, connectWait, d.cliConnected) {
		status, _ := d.cli(ctx, responsiveTimeout, "status")
		return fmt.Errorf("official WARP connection timed out, last status: %s", status)
	}
	d.core.InvalidateStatus()
	logrus.Info("official WARP proxy connection established")
	return nil
}

func (d *Driver) connectTun(ctx context.Context) error {
	if d.probe.IsContainerized() {
		return errors.New("tun mode is not supported inside a container")
	}

	route := d.probe.DefaultRoute(ctx)
	if route.Empty() {
		return errors.New("cannot determine default route for tun mode")
	}
	d.saved = route
	snapshot := d.routes.CaptureSnapshot(ctx, d.probe.ListeningTCPPorts)

	logrus.Info("connecting WARP (official, tun mode)")
	if err := d.addExcludes(ctx, privateSubnets); err != nil {
		logrus.Warnf("split-tunnel excludes: %v", err)
	}
	if _, err := d.cli(ctx, clientTimeout, "mode", "warp"); err != nil {
		return err
	}
	if _, err := d.cli(ctx, clientTimeout, "tunnel", "protocol", "set", protocolArg(d.proto)); err != nil {
		logrus.Warnf("protocol set: %v", err)
	}
	if _, err := d.cli(ctx, clientTimeout, "connect"); err != nil {
		d.cleanupTun(ctx)
		return err
	}

	if !warp.WaitFor(ctx, 30*time.Second, d.probe.TunInterfaceExists) {
		d.cleanupTun(ctx)
		return errors.New("WARP tun device did not appear")
	}
	d.tunName = d.probe.TunInterfaceName(ctx)

	if err := d.routes.SetupBypass(ctx, route.Gateway, route.Interface, route.SourceIP); err != nil {
		d.cleanupTun(ctx)
		return err
	}
	if d.endpoint != "" {
		if err := d.routes.AddHostRoute(ctx, endpointHost(d.endpoint), route.Gateway, route.Interface); err != nil {
			logrus.Warnf("anti-loop route: %v", err)
		}
	}
	if err := d.routes.ApplyAllowRules(ctx, route.Interface, []int{d.cfg.PanelPort, d.cfg.SocksPort}, snapshot); err != nil {
		logrus.Warnf("firewall allow rules: %v", err)
	}
	if err := d.routes.RedirectDefault(ctx, d.tunName); err != nil {
		d.cleanupTun(ctx)
		return err
	}

	if !warp.WaitFor(ctx, tunConnectWait, d.cliConnected) {
		status, _ := d.cli(ctx, responsiveTimeout, "status")
		d.cleanupTun(ctx)
		return fmt.Errorf("official WARP tun connection timed out, last status: %s", status)
	}
	d.core.InvalidateStatus()
	logrus.WithField("dev", d.tunName).Info("official WARP tun connection established")
	return nil
}

func (d *Driver) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.disconnect(ctx)
}

func (d *Driver) disconnect(ctx context.Context) error {
	logrus.Info("disconnecting WARP (official)")

	// Graceful client disconnect is best-effort; a wedged daemon must not
	// block teardown.
	if _, err := d.cli(ctx, clientTimeout, "disconnect"); err != nil {
		logrus.Debugf("graceful disconnect: %v", err)
	}
	warp.WaitFor(ctx, 5*time.Second, func(ctx context.Context) bool {
		return !d.cliConnected(ctx)
	})

	err := d.stopServices(ctx)

	if d.mode == warp.ModeTun {
		d.cleanupTun(ctx)
	}

	d.core.InvalidateStatus()
	d.core.ClearIPInfo()
	return err
}

func (d *Driver) cleanupTun(ctx context.Context) {
	tun := d.tunName
	if tun == "" {
		tun = d.probe.TunInterfaceName(ctx)
	}
	if tun != "" {
		d.routes.RestoreDefault(ctx, tun)
	}
	d.routes.CleanupBypass(ctx, d.saved.SourceIP)
	if d.endpoint != "" {
		d.routes.DelHostRoute(ctx, endpointHost(d.endpoint))
	}
	d.routes.CleanupFirewall(ctx)

	d.saved = netinfo.Route{}
	d.tunName = ""
}

func (d *Driver) IsConnected(ctx context.Context) bool {
	return d.isConnected(ctx)
}

func (d *Driver) isConnected(ctx context.Context) bool {
	switch d.Mode() {
	case warp.ModeTun:
		return d.serviceRunning(ctx, svcProgram) && d.probe.TunInterfaceExists(ctx)
	default:
		return d.serviceRunning(ctx, svcProgram) && d.probe.IsPortListening(d.cfg.SocksPort)
	}
}

// cliConnected asks the daemon itself, used inside connect/disconnect
// polling where daemon state matters more than port state.
func (d *Driver) cliConnected(ctx context.Context) bool {
	out, err := d.cli(ctx, responsiveTimeout, "status")
	if err != nil {
		return false
	}
	lower := strings.ToLower(out)
	return strings.Contains(lower, "connected") && !strings.Contains(lower, "disconnected")
}

func (d *Driver) serviceRunning(ctx context.Context, program string) bool {
	rc, out, _ := d.runner.Run(ctx, clientTimeout, "supervisorctl", "status", program)
	return rc == 0 && strings.Contains(out, "RUNNING")
}

func (d *Driver) daemonResponsive(ctx context.Context) bool {
	if !d.serviceRunning(ctx, svcProgram) {
		return false
	}
	_, err := d.cli(ctx, responsiveTimeout, "status")
	return err == nil
}

func (d *Driver) startServices(ctx context.Context) error {
	logrus.Info("starting official WARP services")
	if rc, _, stderr := d.runner.Run(ctx, supervisorTimeout, "supervisorctl", "start", svcProgram); rc != 0 {
		return fmt.Errorf("failed to start warp-svc: %s", stderr)
	}
	time.Sleep(3 * time.Second)
	if d.mode == warp.ModeProxy {
		d.ensureSocat(ctx)
	}

	if !warp.WaitFor(ctx, 30*time.Second, d.daemonResponsive) {
		return errors.New("timed out waiting for warp-svc to become responsive")
	}
	logrus.Info("warp-svc is ready")
	if d.mode == warp.ModeProxy {
		d.configureProxy(ctx)
	}
	return nil
}

func (d *Driver) configureProxy(ctx context.Context) {
	for _, args := range [][]string{
		{"tunnel", "protocol", "set", protocolArg(warp.ProtocolMasque)},
		{"mode", "proxy"},
		{"proxy", "port", fmt.Sprint(internalProxyPort)},
	} {
		if _, err := d.cli(ctx, clientTimeout, args...); err != nil {
			logrus.Warnf("configure: %v", err)
		}
	}
}

func (d *Driver) stopServices(ctx context.Context) error {
	var firstErr error
	for _, program := range []string{socatProgram, svcProgram} {
		rc, out, stderr := d.runner.Run(ctx, supervisorTimeout, "supervisorctl", "stop", program)
		if rc != 0 && !stoppedAlready(out+stderr) && firstErr == nil {
			firstErr = fmt.Errorf("failed to stop %s: %s", program, stderr)
		}
	}
	return firstErr
}

func stoppedAlready(output string) bool {
	return strings.Contains(output, "not running") ||
		strings.Contains(output, "NOT_STARTED") ||
		strings.Contains(output, "no such process")
}

func (d *Driver) Status(ctx context.Context) api.StatusRecord {
	return d.core.CachedStatus(func() api.StatusRecord {
		d.stateMu.RLock()
		mode, proto := d.mode, d.proto
		d.stateMu.RUnlock()

		connected := d.isConnected(ctx)
		record := warp.BaseStatus(warp.BackendOfficial, mode, proto, d.cfg.SocksPort, connected)
		if !connected {
			d.core.ClearIPInfo()
			return record
		}
		socksAddr := ""
		if mode == warp.ModeProxy {
			socksAddr = fmt.Sprintf("127.0.0.1:%d", d.cfg.SocksPort)
		}
		warp.ApplyIPInfo(&record, d.core.FetchIPInfo(ctx, socksAddr))
		return record
	})
}

func (d *Driver) RotateIP(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return warp.Rotate(ctx, warp.BackendOfficial, d.disconnect, d.connect, d.isConnected)
}

func (d *Driver) SetMode(ctx context.Context, mode warp.Mode) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if mode == d.mode {
		return nil
	}
	if mode == warp.ModeTun && d.probe.IsContainerized() {
		return errors.New("tun mode is not supported inside a container")
	}
	if err := warp.ValidateProtocol(d.proto, warp.BackendOfficial, mode); err != nil {
		// Leaving tun mode drops the WireGuard prerequisite.
		logrus.Infof("mode change resets protocol to %s: %v", warp.ProtocolMasque, err)
		d.stateMu.Lock()
		d.proto = warp.ProtocolMasque
		d.stateMu.Unlock()
	}

	if err := d.disconnect(ctx); err != nil {
		logrus.Warnf("disconnect before mode switch: %v", err)
	}
	d.stateMu.Lock()
	d.mode = mode
	d.stateMu.Unlock()
	logrus.WithField("mode", mode).Info("official WARP mode changed")
	return nil
}

// SetProtocol validates the MASQUE/WireGuard constraint before any side
// effect, then applies the change with a reconnect when needed.
func (d *Driver) SetProtocol(ctx context.Context, proto warp.Protocol) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := warp.ValidateProtocol(proto, warp.BackendOfficial, d.mode); err != nil {
		return err
	}
	if proto == d.proto {
		return nil
	}

	wasConnected := d.isConnected(ctx)
	if wasConnected {
		if err := d.disconnect(ctx); err != nil {
			logrus.Warnf("disconnect for protocol change: %v", err)
		}
	}
	if _, err := d.cli(ctx, clientTimeout, "tunnel", "protocol", "set", protocolArg(proto)); err != nil {
		return err
	}
	d.stateMu.Lock()
	d.proto = proto
	d.stateMu.Unlock()
	logrus.WithField("protocol", proto).Info("official WARP protocol changed")

	if wasConnected {
		time.Sleep(2 * time.Second)
		return d.connect(ctx)
	}
	return nil
}

// SetCustomEndpoint overrides (or resets, when empty) the tunnel endpoint
// and forces a reconnect cycle so it takes effect.
func (d *Driver) SetCustomEndpoint(ctx context.Context, endpoint string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if endpoint == "" {
		if _, err := d.cli(ctx, clientTimeout, "tunnel", "endpoint", "reset"); err != nil {
			return err
		}
		logrus.Info("custom endpoint reset")
	} else {
		if _, err := d.cli(ctx, clientTimeout, "tunnel", "endpoint", "set", endpoint); err != nil {
			return err
		}
		logrus.WithField("endpoint", endpoint).Info("custom endpoint set")
	}
	d.endpoint = endpoint

	if !d.isConnected(ctx) {
		return nil
	}
	if err := d.disconnect(ctx); err != nil {
		logrus.Warnf("disconnect for endpoint change: %v", err)
	}
	time.Sleep(2 * time.Second)
	return d.connect(ctx)
}

func protocolArg(p warp.Protocol) string {
	if p == warp.ProtocolWireGuard {
		return "WireGuard"
	}
	return "MASQUE"
}

// endpointHost strips an optional :port so the anti-loop route targets
// the bare address.
func endpointHost(endpoint string) string {
	if host, _, found := strings.Cut(endpoint, ":"); found && !strings.Contains(endpoint, "::") {
		return host
	}
	return endpoint
}
