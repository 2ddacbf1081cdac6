// Package config loads the daemon configuration from a YAML file, with sane
// defaults for everything so an empty file is valid.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration.
type Config struct {
	// Server
	ListenAddr string `yaml:"listen_addr"` // HTTP API address

	// Library
	MusicDirs []string `yaml:"music_dirs"` // directories scanned for tracks
	CachePath string   `yaml:"cache_path"` // SQLite analysis cache

	// Playback
	CrossfadeSecs    float64 `yaml:"crossfade_secs"`    // crossfade length, [1,30]
	CrossfadeCurve   string  `yaml:"crossfade_curve"`   // linear | logarithmic | scurve
	PreloadThreshold float64 `yaml:"preload_threshold"` // seconds before end to preload
	BPMSync          bool    `yaml:"bpm_sync"`          // tempo-match the next track
	Volume           float64 `yaml:"volume"`            // initial gain [0,1]

	// Broadcast
	Broadcast bool `yaml:"broadcast"` // enable /stream and /offer endpoints
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:       ":8080",
		CachePath:        "deckmix-cache.db",
		CrossfadeSecs:    10,
		CrossfadeCurve:   "scurve",
		PreloadThreshold: 10,
		Volume:           1.0,
	}
}

// Load reads the YAML file at path over the defaults. A missing file yields
// the defaults; a malformed one is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg.validate()
}

func (c Config) validate() (Config, error) {
	if c.CrossfadeSecs < 1 || c.CrossfadeSecs > 30 {
		return c, fmt.Errorf("crossfade_secs must be within [1,30], got %g", c.CrossfadeSecs)
	}
	if c.PreloadThreshold <= 0 {
		c.PreloadThreshold = Default().PreloadThreshold
	}
	if c.Volume < 0 || c.Volume > 1 {
		return c, fmt.Errorf("volume must be within [0,1], got %g", c.Volume)
	}
	if c.ListenAddr == "" {
		c.ListenAddr = Default().ListenAddr
	}
	return c, nil
}
