// Package config persists panel settings as JSON in the data directory.
// A single Store is constructed at process start and threaded through
// constructors; there is no ambient global.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

type Values struct {
	Socks5Port    int    `json:"socks5_port"`
	PanelPort     int    `json:"panel_port"`
	PanelPassword string `json:"panel_password"` // empty disables auth
	Backend       string `json:"backend"`
	UsqueVersion  string `json:"usque_version,omitempty"`
}

func defaults() Values {
	v := Values{
		Socks5Port: 1080,
		PanelPort:  8000,
		Backend:    "usque",
	}
	if backend := os.Getenv("WARP_BACKEND"); backend != "" {
		v.Backend = backend
	}
	if password := os.Getenv("PANEL_PASSWORD"); password != "" {
		v.PanelPassword = password
	}
	return v
}

type Store struct {
	mu     sync.RWMutex
	path   string
	values Values
}

// Load reads dataDir/config.json, falling back to defaults (and env
// bootstrap) when the file is missing or unreadable.
func Load(dataDir string) *Store {
	s := &Store{
		path:   filepath.Join(dataDir, "config.json"),
		values: defaults(),
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logrus.Errorf("failed to read config %s: %v", s.path, err)
		} else {
			logrus.Infof("no config file at %s, using defaults", s.path)
		}
		return s
	}
	if err := json.Unmarshal(data, &s.values); err != nil {
		logrus.Errorf("failed to parse config %s: %v", s.path, err)
		s.values = defaults()
	}
	return s
}

func (s *Store) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.values, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

func (s *Store) Socks5Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values.Socks5Port
}

func (s *Store) SetSocks5Port(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("socks5 port %d out of range", port)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values.Socks5Port = port
	return s.save()
}

func (s *Store) PanelPort() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values.PanelPort
}

func (s *Store) PanelPassword() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values.PanelPassword
}

func (s *Store) SetPanelPassword(password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values.PanelPassword = password
	return s.save()
}

func (s *Store) Backend() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values.Backend
}

func (s *Store) SetBackend(backend string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values.Backend = backend
	return s.save()
}

func (s *Store) UsqueVersion() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values.UsqueVersion
}

func (s *Store) SetUsqueVersion(version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values.UsqueVersion = version
	return s.save()
}
