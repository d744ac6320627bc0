// Package kernels resolves runnable tunnel-client binaries. Usque builds
// are kept per version under <dataDir>/kernels/usque/<version>/usque with
// the active one selected via config and symlinked; the official client
// is always the system-installed warp-cli.
package kernels

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warppool/warppool/pkg/command"
	"github.com/warppool/warppool/pkg/config"
)

const systemDefault = "System Default"

type Manager struct {
	kernelsDir string
	cfg        *config.Store
	runner     command.Runner
	// symlinkPath is where the active usque binary is linked; empty
	// disables symlinking (tests).
	symlinkPath string
}

func NewManager(dataDir string, cfg *config.Store, runner command.Runner) *Manager {
	dir := filepath.Join(dataDir, "kernels")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logrus.Errorf("failed to create kernels dir %s: %v", dir, err)
	}
	return &Manager{
		kernelsDir:  dir,
		cfg:         cfg,
		runner:      runner,
		symlinkPath: "/usr/local/bin/usque",
	}
}

// ListVersions lists installed versions, newest first. The official
// backend has no managed versions.
func (m *Manager) ListVersions(backend string) []string {
	if backend == "official" {
		return []string{systemDefault}
	}
	entries, err := os.ReadDir(filepath.Join(m.kernelsDir, backend))
	if err != nil {
		return nil
	}
	var versions []string
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			versions = append(versions, entry.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(versions)))
	return versions
}

// ActiveVersion reports the selected version; for the official backend it
// asks warp-cli itself.
func (m *Manager) ActiveVersion(ctx context.Context, backend string) string {
	if backend == "official" {
		if rc, out, _ := m.runner.Run(ctx, 2*time.Second, "warp-cli", "--version"); rc == 0 && out != "" {
			return out
		}
		return systemDefault
	}
	return m.cfg.UsqueVersion()
}

// SetActiveVersion selects an installed version and refreshes the symlink.
func (m *Manager) SetActiveVersion(backend, version string) error {
	if backend == "official" {
		return fmt.Errorf("official backend version is managed by the system")
	}
	versionDir := filepath.Join(m.kernelsDir, backend, version)
	if _, err := os.Stat(versionDir); err != nil {
		return fmt.Errorf("version %s not installed for %s", version, backend)
	}
	if err := m.cfg.SetUsqueVersion(version); err != nil {
		return err
	}
	if m.symlinkPath != "" && backend == "usque" {
		m.updateSymlink(backend)
	}
	return nil
}

func (m *Manager) updateSymlink(backend string) {
	target := m.BinaryPath(backend)
	if err := os.Remove(m.symlinkPath); err != nil && !os.IsNotExist(err) {
		logrus.Errorf("failed to remove old symlink %s: %v", m.symlinkPath, err)
		return
	}
	if err := os.Symlink(target, m.symlinkPath); err != nil {
		logrus.Errorf("failed to create symlink %s: %v", m.symlinkPath, err)
		return
	}
	logrus.Infof("symlink updated: %s -> %s", m.symlinkPath, target)
}

// BinaryPath returns an absolute path to the active binary for backend,
// falling back to the bare name (PATH lookup) when no managed version is
// selected or present.
func (m *Manager) BinaryPath(backend string) string {
	if backend == "official" {
		return "warp-cli"
	}
	version := m.cfg.UsqueVersion()
	if version == "" {
		return backend
	}
	path := filepath.Join(m.kernelsDir, backend, version, backend)
	if _, err := os.Stat(path); err != nil {
		return backend
	}
	return path
}
