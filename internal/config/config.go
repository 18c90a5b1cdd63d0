/*
Copyright (C) 2026 Skald Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// Config covers process level configuration read from environment variables.
// Per-user playback preferences live in the YAML settings file instead.
type Config struct {
	Environment  string
	HTTPBind     string
	HTTPPort     int
	MetricsBind  string
	DBBackend    DatabaseBackend
	DBDSN        string
	SettingsPath string

	// Failed-parse cache backend
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Scripted source runner
	ScriptPath        string
	ScriptInitTimeout time.Duration
	ScriptCallTimeout time.Duration
	ScriptWatch       bool

	// Resolution collaborators
	OfficialAPIBase  string
	BilibiliProxyURL string
	HTTPTimeout      time.Duration

	// Media probe scratch space
	MediaTempDir string
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment:  getEnvAny([]string{"TONEARM_ENV", "TA_ENV"}, "development"),
		HTTPBind:     getEnvAny([]string{"TONEARM_HTTP_BIND", "TA_HTTP_BIND"}, "127.0.0.1"),
		HTTPPort:     getEnvIntAny([]string{"TONEARM_HTTP_PORT", "TA_HTTP_PORT"}, 8642),
		MetricsBind:  getEnvAny([]string{"TONEARM_METRICS_BIND", "TA_METRICS_BIND"}, "127.0.0.1:9642"),
		DBBackend:    DatabaseBackend(getEnvAny([]string{"TONEARM_DB_BACKEND", "TA_DB_BACKEND"}, string(DatabaseSQLite))),
		DBDSN:        getEnvAny([]string{"TONEARM_DB_DSN", "TA_DB_DSN"}, "tonearm.db"),
		SettingsPath: getEnvAny([]string{"TONEARM_SETTINGS_PATH", "TA_SETTINGS_PATH"}, "settings.yaml"),

		RedisAddr:     getEnvAny([]string{"TONEARM_REDIS_ADDR", "TA_REDIS_ADDR"}, ""),
		RedisPassword: getEnvAny([]string{"TONEARM_REDIS_PASSWORD", "TA_REDIS_PASSWORD"}, ""),
		RedisDB:       getEnvIntAny([]string{"TONEARM_REDIS_DB", "TA_REDIS_DB"}, 0),

		ScriptPath:        getEnvAny([]string{"TONEARM_SCRIPT_PATH", "TA_SCRIPT_PATH"}, ""),
		ScriptInitTimeout: time.Duration(getEnvIntAny([]string{"TONEARM_SCRIPT_INIT_TIMEOUT_SECONDS", "TA_SCRIPT_INIT_TIMEOUT_SECONDS"}, 10)) * time.Second,
		ScriptCallTimeout: time.Duration(getEnvIntAny([]string{"TONEARM_SCRIPT_CALL_TIMEOUT_SECONDS", "TA_SCRIPT_CALL_TIMEOUT_SECONDS"}, 30)) * time.Second,
		ScriptWatch:       getEnvBoolAny([]string{"TONEARM_SCRIPT_WATCH", "TA_SCRIPT_WATCH"}, true),

		OfficialAPIBase:  getEnvAny([]string{"TONEARM_OFFICIAL_API_BASE", "TA_OFFICIAL_API_BASE"}, ""),
		BilibiliProxyURL: getEnvAny([]string{"TONEARM_BILIBILI_PROXY_URL", "TA_BILIBILI_PROXY_URL"}, ""),
		HTTPTimeout:      time.Duration(getEnvIntAny([]string{"TONEARM_HTTP_TIMEOUT_SECONDS", "TA_HTTP_TIMEOUT_SECONDS"}, 30)) * time.Second,

		MediaTempDir: getEnvAny([]string{"TONEARM_MEDIA_TEMP_DIR", "TA_MEDIA_TEMP_DIR"}, os.TempDir()),
	}

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}

	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("TONEARM_DB_DSN or TA_DB_DSN must be provided")
	}

	if cfg.ScriptInitTimeout <= 0 || cfg.ScriptCallTimeout <= 0 {
		return nil, fmt.Errorf("script timeouts must be positive")
	}

	return cfg, nil
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// getEnvIntAny returns the first set integer environment variable value from keys, or def.
func getEnvIntAny(keys []string, def int) int {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvBoolAny returns the first set boolean environment variable value from keys, or def.
func getEnvBoolAny(keys []string, def bool) bool {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "true" || v == "1" || v == "yes" {
				return true
			}
			if v == "false" || v == "0" || v == "no" {
				return false
			}
		}
	}
	return def
}
