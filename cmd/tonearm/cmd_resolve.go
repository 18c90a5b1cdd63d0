/*
Copyright (C) 2026 Skald Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/skaldlabs/tonearm/internal/config"
	"github.com/skaldlabs/tonearm/internal/db"
	"github.com/skaldlabs/tonearm/internal/failcache"
	"github.com/skaldlabs/tonearm/internal/httpx"
	"github.com/skaldlabs/tonearm/internal/models"
	"github.com/skaldlabs/tonearm/internal/request"
	"github.com/skaldlabs/tonearm/internal/resolve"
	"github.com/skaldlabs/tonearm/internal/scriptrunner"
	"github.com/skaldlabs/tonearm/internal/sourceconf"
)

var (
	resolveSongJSON string
	resolveSongID   int64
	resolveQuality  string
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve a song to a playable URL and exit",
	Long:  "Run the resolution pipeline once for a single song, printing the resulting URL as JSON",
	RunE:  runResolve,
}

func init() {
	resolveCmd.Flags().StringVar(&resolveSongJSON, "song", "", "song as JSON")
	resolveCmd.Flags().Int64Var(&resolveSongID, "id", 0, "song id (alternative to --song)")
	resolveCmd.Flags().StringVar(&resolveQuality, "quality", "", "quality tag: 128k, 320k, flac, flac24bit")
}

func runResolve(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	var song models.Song
	switch {
	case resolveSongJSON != "":
		if err := json.Unmarshal([]byte(resolveSongJSON), &song); err != nil {
			return fmt.Errorf("parse --song: %w", err)
		}
	case resolveSongID != 0:
		song.ID = resolveSongID
	default:
		return fmt.Errorf("either --song or --id is required")
	}
	if song.ID == 0 {
		return fmt.Errorf("song id is required")
	}

	settings, err := config.LoadSettings(cfg.SettingsPath)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	quality := models.Quality(resolveQuality)
	if resolveQuality == "" {
		quality = models.QualityFromLevel(settings.MusicQuality)
	}

	database, err := db.Connect(cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close(database)
	if err := db.Migrate(database); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	client := httpx.NewClient(cfg.HTTPTimeout, logger)
	cache := failcache.New(failcache.DefaultConfig(), logger)
	defer cache.Close()

	var script resolve.ScriptProvider = resolve.StaticScript{}
	if cfg.ScriptPath != "" {
		runner, err := scriptrunner.New(scriptrunner.Options{
			Path:        cfg.ScriptPath,
			InitTimeout: cfg.ScriptInitTimeout,
			CallTimeout: cfg.ScriptCallTimeout,
		}, client, logger)
		if err != nil {
			return fmt.Errorf("load script: %w", err)
		}
		defer runner.Close()
		script = resolve.StaticScript{Source: runner}
	}

	pipeline := resolve.NewPipeline(resolve.Deps{
		HTTP:             client,
		Validator:        request.NewManager(logger),
		Cache:            cache,
		Prefs:            sourceconf.NewStore(database, logger),
		Script:           script,
		Settings:         settings,
		OfficialAPIBase:  cfg.OfficialAPIBase,
		BilibiliProxyURL: cfg.BilibiliProxyURL,
	}, logger)

	res, err := pipeline.Resolve(context.Background(), "", &song, quality)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"url":        res.URL,
		"method":     string(res.Method),
		"source":     string(res.Source),
		"quality":    string(res.Quality),
		"expires_at": res.ExpiresAt,
	})
}
