package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Settings are the daemon level settings, read from the settings file
// and overridable by flags. They tune the processes themselves, not the
// device network (which lives in the devices configuration file).
type Settings struct {
	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`

	// DevicesCfg is the path of the devices network configuration.
	DevicesCfg string `yaml:"devices_cfg"`

	// MetadataDir is the root of the device metadata registry.
	MetadataDir string `yaml:"metadata_dir"`

	// StatsDir receives the polling statistics checkpoints.
	StatsDir string `yaml:"stats_dir"`

	Broker struct {
		Listen string `yaml:"listen"`
	} `yaml:"broker"`

	Metrics struct {
		Listen string `yaml:"listen"`
	} `yaml:"metrics"`
}

// DefaultSettingsPath is the default location of the settings file.
const DefaultSettingsPath = "/etc/gridbox/gridbox.yaml"

func defaultSettings() Settings {
	var s Settings
	s.Log.Level = "info"
	s.DevicesCfg = "/etc/gridbox/devices.cfg"
	s.MetadataDir = "/usr/share/gridbox/devcfg.d"
	s.StatsDir = "/var/lib/gridbox"
	s.Broker.Listen = "127.0.0.1:8730"
	return s
}

// loadSettings reads the settings file when present. A missing file at
// the default location is not an error: the defaults apply.
func loadSettings(path string) (Settings, error) {
	s := defaultSettings()

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && path == DefaultSettingsPath {
			return s, nil
		}
		return s, fmt.Errorf("reading settings: %w", err)
	}
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("parsing settings: %w", err)
	}
	return s, nil
}
