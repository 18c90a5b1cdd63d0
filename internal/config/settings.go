/*
Copyright (C) 2026 Skald Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Settings holds user-tunable playback preferences, persisted as YAML.
type Settings struct {
	// Preferred quality level: standard, higher, exhigh, lossless, hires.
	MusicQuality string `yaml:"music_quality"`

	// Sources enabled for scripted parsing, in no particular order.
	// Empty means all sources the active script declares.
	EnabledSources []string `yaml:"enabled_sources"`

	// Custom third-party URL API endpoint, tried before scripted parsing
	// when enabled globally. Individual songs can be pinned to it even
	// while the global switch is off.
	CustomAPIURL     string `yaml:"custom_api_url"`
	CustomAPIName    string `yaml:"custom_api_name"`
	CustomAPIEnabled bool   `yaml:"custom_api_enabled"`

	// Duration probe tuning.
	ProbeEnabled          bool    `yaml:"probe_enabled"`
	ProbeToleranceSeconds float64 `yaml:"probe_tolerance_seconds"`

	// Preload lookahead: how many upcoming tracks to warm.
	PreloadCount int `yaml:"preload_count"`
}

// DefaultSettings returns settings matching fresh-install behavior.
func DefaultSettings() *Settings {
	return &Settings{
		MusicQuality:          "exhigh",
		ProbeEnabled:          true,
		ProbeToleranceSeconds: 5,
		PreloadCount:          2,
	}
}

// LoadSettings reads the YAML settings file, falling back to defaults when
// the file does not exist.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultSettings(), nil
		}
		return nil, fmt.Errorf("read settings: %w", err)
	}

	settings := DefaultSettings()
	if err := yaml.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}

	if settings.ProbeToleranceSeconds <= 0 {
		settings.ProbeToleranceSeconds = 5
	}
	if settings.PreloadCount < 0 {
		settings.PreloadCount = 0
	}

	return settings, nil
}

// SaveSettings writes settings back to the YAML file.
func SaveSettings(path string, settings *Settings) error {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// SourceEnabled reports whether a source key is allowed by the settings.
func (s *Settings) SourceEnabled(source string) bool {
	if len(s.EnabledSources) == 0 {
		return true
	}
	for _, enabled := range s.EnabledSources {
		if enabled == source {
			return true
		}
	}
	return false
}
