/*
Copyright (C) 2026 Skald Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/skaldlabs/tonearm/internal/config"
	"github.com/skaldlabs/tonearm/internal/db"
	"github.com/skaldlabs/tonearm/internal/events"
	"github.com/skaldlabs/tonearm/internal/failcache"
	"github.com/skaldlabs/tonearm/internal/httpx"
	"github.com/skaldlabs/tonearm/internal/media"
	"github.com/skaldlabs/tonearm/internal/models"
	"github.com/skaldlabs/tonearm/internal/player"
	"github.com/skaldlabs/tonearm/internal/preload"
	"github.com/skaldlabs/tonearm/internal/probe"
	"github.com/skaldlabs/tonearm/internal/request"
	"github.com/skaldlabs/tonearm/internal/resolve"
	"github.com/skaldlabs/tonearm/internal/scriptrunner"
	"github.com/skaldlabs/tonearm/internal/scriptwatch"
	"github.com/skaldlabs/tonearm/internal/server"
	"github.com/skaldlabs/tonearm/internal/sourceconf"
	"github.com/skaldlabs/tonearm/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Tonearm daemon",
	Long:  "Start the local control API, the source script runner, and the resolution pipeline",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	logger.Info().Msg("Tonearm starting")

	settings, err := config.LoadSettings(cfg.SettingsPath)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	database, err := db.Connect(cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer func() {
		if err := db.Close(database); err != nil {
			logger.Error().Err(err).Msg("database close failed")
		}
	}()
	if err := db.Migrate(database); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	cacheCfg := failcache.DefaultConfig()
	cacheCfg.RedisAddr = cfg.RedisAddr
	cacheCfg.RedisPassword = cfg.RedisPassword
	cacheCfg.RedisDB = cfg.RedisDB
	cache := failcache.New(cacheCfg, logger)
	defer cache.Close()

	client := httpx.NewClient(cfg.HTTPTimeout, logger)
	metrics := telemetry.New()
	bus := events.NewBus()
	prefs := sourceconf.NewStore(database, logger)
	requests := request.NewManager(logger)

	scriptProvider, scriptInfo, songInfo, closeScript, err := loadScript(client, metrics, bus)
	if err != nil {
		return err
	}
	defer closeScript()

	pipeline := resolve.NewPipeline(resolve.Deps{
		HTTP:             client,
		Validator:        requests,
		Cache:            cache,
		Prefs:            prefs,
		Script:           scriptProvider,
		Settings:         settings,
		Metrics:          metrics,
		Bus:              bus,
		OfficialAPIBase:  cfg.OfficialAPIBase,
		BilibiliProxyURL: cfg.BilibiliProxyURL,
	}, logger)

	prober := media.NewProber(client, cfg.MediaTempDir, logger)
	verifier := probe.New(probe.Deps{
		Measurer:  prober,
		HTTP:      client,
		Cache:     cache,
		Prefs:     prefs,
		Script:    scriptProvider,
		Settings:  settings,
		Validator: requests,
		Metrics:   metrics,
		Bus:       bus,
	}, logger)

	warm := preload.NewCache(func(ctx context.Context, song *models.Song, quality models.Quality) (*models.Resolution, error) {
		return pipeline.Resolve(ctx, "", song, quality)
	}, metrics, logger)

	playerSvc := player.New(player.Deps{
		Requests: requests,
		Resolver: pipeline,
		Verifier: verifier,
		Preload:  warm,
		Prefs:    prefs,
		Cache:    cache,
		Settings: settings,
		Bus:      bus,
		Sink:     player.NewLogSink(bus, logger),
	}, logger)
	defer playerSvc.Close()

	srv := server.New(server.Deps{
		Config:   cfg,
		Settings: settings,
		Player:   playerSvc,
		Resolver: pipeline,
		Requests: requests,
		Prefs:    prefs,
		Script:   scriptInfo,
		Info:     songInfo,
		Metrics:  metrics,
	}, logger)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	if cfg.MetricsBind != "" {
		go func() {
			logger.Info().Str("addr", cfg.MetricsBind).Msg("metrics listening")
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.MetricsBind, mux); err != nil {
				logger.Error().Err(err).Msg("metrics server error")
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down gracefully...")

	timeoutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(timeoutCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	requests.CancelAll("shutdown")

	logger.Info().Msg("Tonearm stopped")
	return nil
}

// loadScript wires the source script, hot-reloading when configured. A
// missing script path disables scripted parsing but keeps the daemon up.
func loadScript(client *httpx.Client, metrics *telemetry.Metrics, bus *events.Bus) (resolve.ScriptProvider, server.ScriptInfo, server.SongInfo, func(), error) {
	if cfg.ScriptPath == "" {
		logger.Warn().Msg("no source script configured, scripted parsing disabled")
		return resolve.StaticScript{}, nil, nil, func() {}, nil
	}

	opts := scriptrunner.Options{
		Path:        cfg.ScriptPath,
		InitTimeout: cfg.ScriptInitTimeout,
		CallTimeout: cfg.ScriptCallTimeout,
	}

	if cfg.ScriptWatch {
		watcher, err := scriptwatch.New(opts, client, metrics, bus, logger)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("load script: %w", err)
		}
		return watcher, watcher, watcher, watcher.Close, nil
	}

	runner, err := scriptrunner.New(opts, client, logger)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("load script: %w", err)
	}
	logger.Info().Str("script", runner.Header().Name).Msg("script loaded")
	return resolve.StaticScript{Source: runner}, runner, runner, runner.Close, nil
}
