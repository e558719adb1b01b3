// Package config holds the settings of the session host and its peers.
//
// Defaults come from Default; a YAML file may override any of them and the
// command line flags of each binary override the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// Settings is the complete configuration of a host or peer.
type Settings struct {
	Session     SessionConfig     `yaml:"session"`
	Log         LogConfig         `yaml:"log"`
	Master      MasterConfig      `yaml:"master"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Scene       SceneConfig       `yaml:"scene"`
}

// SessionConfig contains the replication session parameters.
type SessionConfig struct {
	Name     string `yaml:"name"`
	Port     uint   `yaml:"port"`
	TickRate int    `yaml:"tickRate"`
	MaxPeers int    `yaml:"maxPeers"`
	// HostID is the owner id of the host. Empty means generate one.
	HostID           string `yaml:"hostID"`
	AckTimeoutTicks  int    `yaml:"ackTimeoutTicks"`
	MaxPendingDeltas int    `yaml:"maxPendingDeltas"`
	// MaxPendingPerPeer bounds the deltas one peer may have waiting for
	// replicas that do not exist yet, across all names.
	MaxPendingPerPeer int `yaml:"maxPendingPerPeer"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
	// File enables a rotating log file in addition to stderr.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
}

// MasterConfig contains the session directory registration settings.
type MasterConfig struct {
	URL       string        `yaml:"url"`
	Address   string        `yaml:"address"`
	Region    string        `yaml:"region"`
	Heartbeat time.Duration `yaml:"heartbeat"`
}

// MetricsConfig contains the prometheus endpoint settings.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// PersistenceConfig contains scene persistence settings.
type PersistenceConfig struct {
	Enabled bool   `yaml:"enabled"`
	AppName string `yaml:"appName"`
}

// SceneConfig is the scene the host creates at startup.
type SceneConfig struct {
	Nodes     []string       `yaml:"nodes"`
	Materials []string       `yaml:"materials"`
	Spheres   []SphereConfig `yaml:"spheres"`
}

// SphereConfig describes one sphere geometry.
type SphereConfig struct {
	Name       string  `yaml:"name"`
	Radius     float64 `yaml:"radius"`
	TileX      float64 `yaml:"tileX"`
	TileY      float64 `yaml:"tileY"`
	ParentNode string  `yaml:"parentNode"`
	Material   string  `yaml:"material"`
}

// Default returns the built-in settings.
func Default() Settings {
	return Settings{
		Session: SessionConfig{
			Name:              "ApertusVR Session",
			Port:              7373,
			TickRate:          20,
			MaxPeers:          16,
			AckTimeoutTicks:   10,
			MaxPendingDeltas:  32,
			MaxPendingPerPeer: 1024,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  20,
			MaxBackups: 3,
		},
		Master: MasterConfig{
			Heartbeat: 30 * time.Second,
		},
		Persistence: PersistenceConfig{
			AppName: "apertusvr",
		},
	}
}

// Load reads the YAML file at path over the defaults. An empty path returns
// the defaults.
func Load(path string) (Settings, error) {
	s := Default()
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, fmt.Errorf("config %s: %w", path, err)
	}
	return s, nil
}

// Validate reports the first setting that cannot work.
func (s Settings) Validate() error {
	switch {
	case s.Session.TickRate <= 0:
		return errors.New("session.tickRate must be positive")
	case s.Session.Port == 0 || s.Session.Port > 65535:
		return fmt.Errorf("session.port %d out of range", s.Session.Port)
	case s.Session.MaxPeers < 0:
		return errors.New("session.maxPeers must not be negative")
	case s.Session.AckTimeoutTicks < 0:
		return errors.New("session.ackTimeoutTicks must not be negative")
	case s.Session.MaxPendingDeltas < 0 || s.Session.MaxPendingPerPeer < 0:
		return errors.New("session pending delta limits must not be negative")
	case s.Master.URL != "" && s.Master.Heartbeat <= 0:
		return errors.New("master.heartbeat must be positive")
	case s.Persistence.Enabled && s.Persistence.AppName == "":
		return errors.New("persistence.appName is required")
	}
	names := make(map[string]bool)
	check := func(name string) error {
		if name == "" {
			return errors.New("scene entity without a name")
		}
		if names[name] {
			return fmt.Errorf("scene entity %q declared twice", name)
		}
		names[name] = true
		return nil
	}
	for _, n := range s.Scene.Nodes {
		if err := check(n); err != nil {
			return err
		}
	}
	for _, m := range s.Scene.Materials {
		if err := check(m); err != nil {
			return err
		}
	}
	for _, sp := range s.Scene.Spheres {
		if err := check(sp.Name); err != nil {
			return err
		}
		if sp.Radius < 0 {
			return fmt.Errorf("sphere %q has a negative radius", sp.Name)
		}
	}
	return nil
}
