/*
Copyright (C) 2026 Skald Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package server exposes the local control API. It binds to loopback by
// default; the daemon is a per-user helper, not a network service.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/skaldlabs/tonearm/internal/config"
	"github.com/skaldlabs/tonearm/internal/models"
	"github.com/skaldlabs/tonearm/internal/player"
	"github.com/skaldlabs/tonearm/internal/request"
	"github.com/skaldlabs/tonearm/internal/resolve"
	"github.com/skaldlabs/tonearm/internal/scriptrunner"
	"github.com/skaldlabs/tonearm/internal/sourceconf"
	"github.com/skaldlabs/tonearm/internal/telemetry"
)

// Resolver resolves a song outside a playback request.
type Resolver interface {
	Resolve(ctx context.Context, reqID string, song *models.Song, quality models.Quality) (*models.Resolution, error)
}

// ScriptInfo describes the active source script.
type ScriptInfo interface {
	Header() scriptrunner.Header
}

// SongInfo fetches auxiliary track data from the active script.
type SongInfo interface {
	Lyric(ctx context.Context, source models.SourceKey, song *models.Song) (string, error)
	PicURL(ctx context.Context, source models.SourceKey, song *models.Song) (string, error)
}

// Deps wires the API's collaborators.
type Deps struct {
	Config   *config.Config
	Settings *config.Settings
	Player   *player.Player
	Resolver Resolver
	Requests *request.Manager
	Prefs    *sourceconf.Store
	Script   ScriptInfo
	Info     SongInfo
	Metrics  *telemetry.Metrics
}

// Server is the control API daemon.
type Server struct {
	deps       Deps
	log        zerolog.Logger
	router     chi.Router
	httpServer *http.Server
}

// New builds the router and the HTTP server.
func New(deps Deps, log zerolog.Logger) *Server {
	s := &Server{
		deps: deps,
		log:  log.With().Str("component", "server").Logger(),
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))
	router.Use(s.requestLogger)
	s.router = router
	s.routes()

	addr := fmt.Sprintf("%s:%d", deps.Config.HTTPBind, deps.Config.HTTPPort)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start serves until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("control api listening")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) routes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics.Handler())
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/play", s.handlePlay)
		r.Post("/queue", s.handleQueue)
		r.Post("/next", s.handleNext)
		r.Post("/prev", s.handlePrev)
		r.Post("/stop", s.handleStop)
		r.Post("/resolve", s.handleResolve)
		r.Post("/lyric", s.handleLyric)
		r.Post("/pic", s.handlePic)
		r.Get("/script", s.handleScript)
		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handlePutSettings)
		r.Get("/requests/current", s.handleCurrentRequest)
		r.Post("/songs/{id}/pin", s.handleSetPin)
		r.Delete("/songs/{id}/pin", s.handleClearPin)
	})
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	var song models.Song
	if err := readJSON(r, &song); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if song.ID == 0 {
		writeError(w, http.StatusBadRequest, errors.New("song id is required"))
		return
	}

	if err := s.deps.Player.PlaySong(r.Context(), &song); err != nil {
		if errors.Is(err, resolve.ErrCancelled) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"song_id": song.ID, "playing": true})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Songs []*models.Song `json:"songs"`
		Index int            `json:"index"`
	}
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(body.Songs) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("queue is empty"))
		return
	}
	s.deps.Player.SetQueue(body.Songs, body.Index)
	writeJSON(w, http.StatusOK, map[string]any{"queued": len(body.Songs)})
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	s.stepHandler(w, r, s.deps.Player.Next)
}

func (s *Server) handlePrev(w http.ResponseWriter, r *http.Request) {
	s.stepHandler(w, r, s.deps.Player.Prev)
}

func (s *Server) stepHandler(w http.ResponseWriter, r *http.Request, step func(context.Context) error) {
	if err := step(r.Context()); err != nil {
		switch {
		case errors.Is(err, player.ErrEmptyQueue):
			writeError(w, http.StatusConflict, err)
		case errors.Is(err, resolve.ErrCancelled):
			writeError(w, http.StatusConflict, err)
		default:
			writeError(w, http.StatusBadGateway, err)
		}
		return
	}
	current := s.deps.Player.Current()
	writeJSON(w, http.StatusOK, map[string]any{"song_id": current.ID, "playing": true})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.deps.Player.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"playing": false})
}

// handleResolve runs a detached resolution: no playback request is created
// and nothing starts playing.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Song    models.Song `json:"song"`
		Quality string      `json:"quality"`
	}
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.Song.ID == 0 {
		writeError(w, http.StatusBadRequest, errors.New("song id is required"))
		return
	}

	quality := models.Quality(body.Quality)
	if body.Quality == "" {
		quality = models.QualityFromLevel(s.deps.Settings.MusicQuality)
	}

	res, err := s.deps.Resolver.Resolve(r.Context(), "", &body.Song, quality)
	if err != nil {
		if errors.Is(err, resolve.ErrNoURL) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"url":        res.URL,
		"method":     string(res.Method),
		"source":     string(res.Source),
		"quality":    string(res.Quality),
		"expires_at": res.ExpiresAt,
	})
}

// songInfoRequest decodes a lyric/pic request and settles the source: the
// body's source wins, the song's own source is the fallback.
func (s *Server) songInfoRequest(w http.ResponseWriter, r *http.Request) (*models.Song, models.SourceKey, bool) {
	var body struct {
		Song   models.Song `json:"song"`
		Source string      `json:"source"`
	}
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return nil, "", false
	}
	if body.Song.ID == 0 {
		writeError(w, http.StatusBadRequest, errors.New("song id is required"))
		return nil, "", false
	}
	source := models.SourceKey(body.Source)
	if source == "" {
		source = body.Song.Source
	}
	if !models.ValidSource(source) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown source %q", source))
		return nil, "", false
	}
	return &body.Song, source, true
}

func (s *Server) handleLyric(w http.ResponseWriter, r *http.Request) {
	if s.deps.Info == nil {
		writeError(w, http.StatusNotFound, errors.New("no script loaded"))
		return
	}
	song, source, ok := s.songInfoRequest(w, r)
	if !ok {
		return
	}
	lyric, err := s.deps.Info.Lyric(r.Context(), source, song)
	if err != nil {
		if errors.Is(err, scriptrunner.ErrSourceUnsupported) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusBadGateway, err)
		return
	}
	if lyric == "" {
		writeError(w, http.StatusNotFound, errors.New("no lyric available"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"lyric": lyric, "source": string(source)})
}

func (s *Server) handlePic(w http.ResponseWriter, r *http.Request) {
	if s.deps.Info == nil {
		writeError(w, http.StatusNotFound, errors.New("no script loaded"))
		return
	}
	song, source, ok := s.songInfoRequest(w, r)
	if !ok {
		return
	}
	url, err := s.deps.Info.PicURL(r.Context(), source, song)
	if err != nil {
		if errors.Is(err, scriptrunner.ErrSourceUnsupported) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusBadGateway, err)
		return
	}
	if url == "" {
		writeError(w, http.StatusNotFound, errors.New("no cover art available"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url, "source": string(source)})
}

func (s *Server) handleScript(w http.ResponseWriter, r *http.Request) {
	if s.deps.Script == nil {
		writeError(w, http.StatusNotFound, errors.New("no script loaded"))
		return
	}
	header := s.deps.Script.Header()
	writeJSON(w, http.StatusOK, map[string]string{
		"name":        header.Name,
		"description": header.Description,
		"version":     header.Version,
		"author":      header.Author,
		"homepage":    header.Homepage,
	})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Settings)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	updated := *s.deps.Settings
	if err := readJSON(r, &updated); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !models.ValidQualityLevel(updated.MusicQuality) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown quality level %q", updated.MusicQuality))
		return
	}

	*s.deps.Settings = updated
	if s.deps.Config.SettingsPath != "" {
		if err := config.SaveSettings(s.deps.Config.SettingsPath, s.deps.Settings); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, s.deps.Settings)
}

func (s *Server) handleCurrentRequest(w http.ResponseWriter, r *http.Request) {
	req := s.deps.Requests.Current()
	if req == nil {
		writeError(w, http.StatusNotFound, errors.New("no playback request"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":         req.ID,
		"song_id":    req.SongID,
		"status":     string(req.Status),
		"reason":     req.Reason,
		"created_at": req.CreatedAt,
		"updated_at": req.UpdatedAt,
	})
}

func (s *Server) handleSetPin(w http.ResponseWriter, r *http.Request) {
	songID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid song id"))
		return
	}
	var body struct {
		Source string `json:"source"`
	}
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	source := models.SourceKey(body.Source)
	if !models.ValidSource(source) && source != models.SourceCustom {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown source %q", body.Source))
		return
	}
	if err := s.deps.Prefs.SetManualPin(songID, source); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"song_id": songID, "source": body.Source, "manual": true})
}

func (s *Server) handleClearPin(w http.ResponseWriter, r *http.Request) {
	songID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid song id"))
		return
	}
	if err := s.deps.Prefs.ClearPin(songID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func readJSON(r *http.Request, dest any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(dest); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
