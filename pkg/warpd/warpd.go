// Package warpd owns the single active backend driver. It constructs the
// driver matching the configured backend, exposes the uniform lifecycle
// operations regardless of which one is active, and performs atomic
// backend switches: drain the old driver, get the shared SOCKS5 port
// back, then instantiate the new one.
package warpd

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	gopsnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"

	"github.com/warppool/warppool/pkg/api"
	"github.com/warppool/warppool/pkg/command"
	"github.com/warppool/warppool/pkg/config"
	"github.com/warppool/warppool/pkg/kernels"
	"github.com/warppool/warppool/pkg/routing"
	"github.com/warppool/warppool/pkg/warp"
	"github.com/warppool/warppool/pkg/warp/official"
	"github.com/warppool/warppool/pkg/warp/usque"
)

type Supervisor struct {
	cfg     *config.Store
	runner  command.Runner
	probe   warp.NetProbe
	routes  *routing.Manager
	kernels *kernels.Manager

	// NewDriver constructs a driver for a backend; replaceable in tests.
	NewDriver func(kind warp.Backend) warp.Driver
	// ReclaimPort force-frees a port held by a leftover process; last
	// resort during switches.
	ReclaimPort func(port int)

	mu      sync.Mutex
	current warp.Driver
	kind    warp.Backend
}

func New(cfg *config.Store, runner command.Runner, probe warp.NetProbe, routes *routing.Manager, kernelMgr *kernels.Manager) *Supervisor {
	s := &Supervisor{
		cfg:         cfg,
		runner:      runner,
		probe:       probe,
		routes:      routes,
		kernels:     kernelMgr,
		ReclaimPort: killPortHolder,
	}
	s.NewDriver = s.buildDriver
	return s
}

func (s *Supervisor) buildDriver(kind warp.Backend) warp.Driver {
	socksPort := s.cfg.Socks5Port()
	panelPort := s.cfg.PanelPort()
	switch kind {
	case warp.BackendOfficial:
		return official.New(official.Config{
			SocksPort:  socksPort,
			PanelPort:  panelPort,
			BinaryPath: func() string { return s.kernels.BinaryPath("official") },
		}, s.runner, s.probe, s.routes)
	default:
		return usque.New(usque.Config{
			SocksPort:  socksPort,
			PanelPort:  panelPort,
			ConfigPath: os.Getenv("USQUE_CONFIG_PATH"),
			BinaryPath: func() string { return s.kernels.BinaryPath("usque") },
		}, s.runner, s.probe, s.routes)
	}
}

// Current returns the active driver, lazily constructing one for the
// configured backend. If the configured name changed behind our back the
// old instance is discarded; teardown is Switch's job, not this accessor's.
func (s *Supervisor) Current() warp.Driver {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLocked()
}

func (s *Supervisor) currentLocked() warp.Driver {
	kind, err := warp.ParseBackend(s.cfg.Backend())
	if err != nil {
		logrus.Warnf("configured backend invalid, falling back to usque: %v", err)
		kind = warp.BackendUsque
	}
	if s.current == nil || s.kind != kind {
		logrus.WithField("backend", kind).Info("constructing backend driver")
		s.current = s.NewDriver(kind)
		s.kind = kind
	}
	return s.current
}

// CurrentBackend names the active backend.
func (s *Supervisor) CurrentBackend() warp.Backend {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return s.kind
	}
	if kind, err := warp.ParseBackend(s.cfg.Backend()); err == nil {
		return kind
	}
	return warp.BackendUsque
}

// Switch tears the current backend down, waits for the shared SOCKS5
// port to be released (bounded polling, then a forced reclaim), and
// returns a fresh driver for the new backend. Switches are serialized
// against each other and against lifecycle calls through this supervisor.
func (s *Supervisor) Switch(ctx context.Context, name string) (warp.Driver, error) {
	kind, err := warp.ParseBackend(name)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil && s.kind == kind {
		return s.current, nil
	}

	logrus.WithFields(logrus.Fields{"from": s.kind, "to": kind}).Info("switching backend")
	if s.current != nil {
		if err := s.current.Disconnect(ctx); err != nil {
			logrus.Warnf("disconnect during backend switch: %v", err)
		}
	}

	port := s.cfg.Socks5Port()
	if !s.waitPortReleased(ctx, port) {
		logrus.Warnf("port %d still held after disconnect, reclaiming", port)
		s.ReclaimPort(port)
		if !s.waitPortReleased(ctx, port) {
			return nil, fmt.Errorf("port %d could not be released", port)
		}
	}

	if err := s.cfg.SetBackend(string(kind)); err != nil {
		logrus.Warnf("failed to persist backend selection: %v", err)
	}
	s.current = s.NewDriver(kind)
	s.kind = kind
	return s.current, nil
}

// waitPortReleased polls up to 10 times at 500ms.
func (s *Supervisor) waitPortReleased(ctx context.Context, port int) bool {
	for attempt := 0; attempt < 10; attempt++ {
		if !s.probe.IsPortListening(port) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(500 * time.Millisecond):
		}
	}
	return false
}

// killPortHolder kills whichever process still listens on port.
func killPortHolder(port int) {
	conns, err := gopsnet.Connections("tcp")
	if err != nil {
		logrus.Warnf("failed to list tcp sockets: %v", err)
		return
	}
	for _, c := range conns {
		if c.Status != "LISTEN" || int(c.Laddr.Port) != port || c.Pid == 0 {
			continue
		}
		proc, err := process.NewProcess(c.Pid)
		if err != nil {
			continue
		}
		logrus.Warnf("killing pid %d holding port %d", c.Pid, port)
		if err := proc.Kill(); err != nil {
			logrus.Warnf("failed to kill pid %d: %v", c.Pid, err)
		}
	}
}

// Uniform operations, resolved against the active driver.

func (s *Supervisor) Connect(ctx context.Context) error {
	return s.Current().Connect(ctx)
}

func (s *Supervisor) Disconnect(ctx context.Context) error {
	return s.Current().Disconnect(ctx)
}

func (s *Supervisor) RotateIP(ctx context.Context) error {
	return s.Current().RotateIP(ctx)
}

func (s *Supervisor) Status(ctx context.Context) api.StatusRecord {
	return s.Current().Status(ctx)
}

func (s *Supervisor) IsConnected(ctx context.Context) bool {
	return s.Current().IsConnected(ctx)
}
