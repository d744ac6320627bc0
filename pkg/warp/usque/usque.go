// Package usque drives the third-party usque MASQUE client through
// supervisor-managed programs: "usque" serves the SOCKS5 proxy, and
// "usque-tun" runs the native TUN device for full-tunnel mode.
package usque

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
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
	proxyProgram = "usque"
	tunProgram   = "usque-tun"

	supervisorTimeout = 30 * time.Second
	clientTimeout     = 10 * time.Second

	// connectPollAttempts * 1s is the readiness window after starting
	// the proxy service.
	connectPollAttempts = 15
)

// Config carries the construction-time settings of a usque driver.
type Config struct {
	SocksPort  int
	PanelPort  int
	ConfigPath string        // usque registration/config artifact (config.json)
	BinaryPath func() string // resolved by the kernels manager
}

type Driver struct {
	cfg    Config
	runner command.Runner
	probe  warp.NetProbe
	routes *routing.Manager
	core   warp.Core

	mu sync.Mutex // serializes lifecycle operations

	// stateMu guards mode so Status and IsConnected never block behind a
	// lifecycle operation holding mu. Writers hold both locks.
	stateMu sync.RWMutex
	mode    warp.Mode

	saved    netinfo.Route // pre-tunnel default route, owned by this instance
	endpoint string        // anti-loop host route target while in tun mode
	tunName  string
}

func New(cfg Config, runner command.Runner, probe warp.NetProbe, routes *routing.Manager) *Driver {
	if cfg.ConfigPath == "" {
		cfg.ConfigPath = "/var/lib/warp/config.json"
	}
	if cfg.BinaryPath == nil {
		cfg.BinaryPath = func() string { return "usque" }
	}
	return &Driver{
		cfg:    cfg,
		runner: runner,
		probe:  probe,
		routes: routes,
		mode:   warp.ModeProxy,
	}
}

func (d *Driver) Kind() warp.Backend { return warp.BackendUsque }
func (d *Driver) SocksPort() int     { return d.cfg.SocksPort }

func (d *Driver) Mode() warp.Mode {
	d.stateMu.RLock()
	defer d.stateMu.RUnlock()
	return d.mode
}

// Protocol is always MASQUE: usque implements nothing else.
func (d *Driver) Protocol() warp.Protocol { return warp.ProtocolMasque }

// Initialize registers a usque account unless the config artifact already
// exists. Idempotent.
func (d *Driver) Initialize(ctx context.Context) error {
	if _, err := os.Stat(d.cfg.ConfigPath); err == nil {
		return nil
	}
	configDir := filepath.Dir(d.cfg.ConfigPath)
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	logrus.Info("usque config not found, registering new account")
	rc, _, stderr := d.runner.RunInput(ctx, supervisorTimeout, configDir, "y\n", d.cfg.BinaryPath(), "register")
	if rc != 0 {
		return fmt.Errorf("usque registration failed: %s", stderr)
	}
	logrus.Info("usque registration successful")
	return nil
}

func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connect(ctx)
}

func (d *Driver) connect(ctx context.Context) error {
	if err := d.Initialize(ctx); err != nil {
		return err
	}
	if d.isConnected(ctx) {
		logrus.Info("usque already connected")
		return nil
	}
	if d.mode == warp.ModeTun {
		return d.connectTun(ctx)
	}
	return d.connectProxy(ctx)
}

func (d *Driver) connectProxy(ctx context.Context) error {
	logrus.WithField("port", d.cfg.SocksPort).Info("starting usque (proxy mode)")
	d.syncSupervisorPort(ctx)

	// Stop first to clear FATAL/BACKOFF state from previous runs.
	d.runner.Run(ctx, supervisorTimeout, "supervisorctl", "stop", proxyProgram)
	time.Sleep(500 * time.Millisecond)
	if rc, _, stderr := d.runner.Run(ctx, supervisorTimeout, "supervisorctl", "start", proxyProgram); rc != 0 {
		return fmt.Errorf("failed to start usque service: %s", stderr)
	}

	for attempt := 0; attempt < connectPollAttempts; attempt++ {
		if d.proxyReady(ctx) {
			d.core.InvalidateStatus()
			logrus.Info("usque proxy is up")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return errors.New("usque proxy did not become ready in time")
}

func (d *Driver) connectTun(ctx context.Context) error {
	if d.probe.IsContainerized() {
		return errors.New("tun mode is not supported inside a container")
	}

	// Capture host state before anything mutates it.
	route := d.probe.DefaultRoute(ctx)
	if route.Empty() {
		return errors.New("cannot determine default route for tun mode")
	}
	d.saved = route
	snapshot := d.routes.CaptureSnapshot(ctx, d.probe.ListeningTCPPorts)

	if rc, _, stderr := d.runner.Run(ctx, supervisorTimeout, "supervisorctl", "start", tunProgram); rc != 0 {
		d.cleanupTun(ctx)
		return fmt.Errorf("failed to start usque tun service: %s", stderr)
	}

	if !warp.WaitFor(ctx, 15*time.Second, d.probe.TunInterfaceExists) {
		d.cleanupTun(ctx)
		return errors.New("tun device did not appear")
	}
	d.tunName = d.probe.TunInterfaceName(ctx)

	if err := d.routes.SetupBypass(ctx, route.Gateway, route.Interface, route.SourceIP); err != nil {
		d.cleanupTun(ctx)
		return err
	}
	if endpoint := d.configEndpoint(); endpoint != "" {
		d.endpoint = endpoint
		if err := d.routes.AddHostRoute(ctx, endpoint, route.Gateway, route.Interface); err != nil {
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

	if !warp.WaitFor(ctx, 15*time.Second, d.isConnected) {
		d.cleanupTun(ctx)
		return errors.New("usque tun did not become ready in time")
	}
	d.core.InvalidateStatus()
	logrus.WithField("dev", d.tunName).Info("usque tun is up")
	return nil
}

func (d *Driver) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.disconnect(ctx)
}

// disconnect stops the services and, in tun mode, unconditionally undoes
// routing and firewall changes even when stopping the services failed.
func (d *Driver) disconnect(ctx context.Context) error {
	logrus.Info("stopping usque services")

	var firstErr error
	for _, program := range []string{proxyProgram, tunProgram} {
		rc, out, stderr := d.runner.Run(ctx, supervisorTimeout, "supervisorctl", "stop", program)
		if rc != 0 && !stoppedAlready(out + stderr) {
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to stop %s: %s", program, stderr)
			}
		}
	}

	if d.mode == warp.ModeTun {
		d.cleanupTun(ctx)
	}

	d.core.InvalidateStatus()
	d.core.ClearIPInfo()
	return firstErr
}

func stoppedAlready(output string) bool {
	return strings.Contains(output, "not running") ||
		strings.Contains(output, "NOT_STARTED") ||
		strings.Contains(output, "no such process")
}

// cleanupTun restores the routing baseline. Every step runs regardless of
// earlier failures; each tolerates "already gone".
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
		d.routes.DelHostRoute(ctx, d.endpoint)
	}
	d.routes.CleanupFirewall(ctx)

	d.saved = netinfo.Route{}
	d.endpoint = ""
	d.tunName = ""
}

func (d *Driver) IsConnected(ctx context.Context) bool {
	return d.isConnected(ctx)
}

// isConnected is a cheap composite check, no network calls.
func (d *Driver) isConnected(ctx context.Context) bool {
	switch d.Mode() {
	case warp.ModeTun:
		return d.serviceRunning(ctx, tunProgram) && d.probe.TunInterfaceExists(ctx)
	default:
		return d.proxyReady(ctx)
	}
}

func (d *Driver) proxyReady(ctx context.Context) bool {
	return d.serviceRunning(ctx, proxyProgram) && d.probe.IsPortListening(d.cfg.SocksPort)
}

func (d *Driver) serviceRunning(ctx context.Context, program string) bool {
	rc, out, _ := d.runner.Run(ctx, clientTimeout, "supervisorctl", "status", program)
	return rc == 0 && strings.Contains(out, "RUNNING")
}

func (d *Driver) Status(ctx context.Context) api.StatusRecord {
	return d.core.CachedStatus(func() api.StatusRecord {
		mode := d.Mode()
		connected := d.isConnected(ctx)
		record := warp.BaseStatus(warp.BackendUsque, mode, warp.ProtocolMasque, d.cfg.SocksPort, connected)
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
	return warp.Rotate(ctx, warp.BackendUsque, d.disconnect, d.connect, d.isConnected)
}

// SetMode switches between proxy and tun, disconnecting the current mode
// first. It does not reconnect; the caller decides when.
func (d *Driver) SetMode(ctx context.Context, mode warp.Mode) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if mode == d.mode {
		return nil
	}
	if mode == warp.ModeTun && d.probe.IsContainerized() {
		return errors.New("tun mode is not supported inside a container")
	}

	if err := d.disconnect(ctx); err != nil {
		logrus.Warnf("disconnect before mode switch: %v", err)
	}
	d.stateMu.Lock()
	d.mode = mode
	d.stateMu.Unlock()
	logrus.WithField("mode", mode).Info("usque mode changed")
	return nil
}

// SetProtocol accepts only MASQUE; usque has no other transport.
func (d *Driver) SetProtocol(ctx context.Context, proto warp.Protocol) error {
	if err := warp.ValidateProtocol(proto, warp.BackendUsque, d.Mode()); err != nil {
		return err
	}
	// Only MASQUE survives validation for this backend; nothing to change.
	return nil
}

// SetCustomEndpoint writes (or clears) the endpoint override in the usque
// config, then forces a reconnect cycle so it takes effect.
func (d *Driver) SetCustomEndpoint(ctx context.Context, endpoint string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.writeConfigEndpoint(endpoint); err != nil {
		return err
	}
	wasConnected := d.isConnected(ctx)
	if err := d.disconnect(ctx); err != nil {
		logrus.Warnf("disconnect for endpoint change: %v", err)
	}
	if !wasConnected {
		return nil
	}
	time.Sleep(2 * time.Second)
	return d.connect(ctx)
}

// configEndpoint reads the endpoint override from the usque config, "" if
// unset or unreadable.
func (d *Driver) configEndpoint() string {
	data, err := os.ReadFile(d.cfg.ConfigPath)
	if err != nil {
		return ""
	}
	var cfg map[string]interface{}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return ""
	}
	if v, ok := cfg["endpoint_v4"].(string); ok {
		return v
	}
	return ""
}

func (d *Driver) writeConfigEndpoint(endpoint string) error {
	data, err := os.ReadFile(d.cfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("read usque config: %w", err)
	}
	var cfg map[string]interface{}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse usque config: %w", err)
	}
	if endpoint == "" {
		delete(cfg, "endpoint_v4")
		logrus.Info("usque custom endpoint cleared")
	} else {
		cfg["endpoint_v4"] = endpoint
		logrus.WithField("endpoint", endpoint).Info("usque custom endpoint set")
	}
	out, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(d.cfg.ConfigPath, out, 0o600)
}
