package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/skaldlabs/tonearm/internal/config"
	"github.com/skaldlabs/tonearm/internal/failcache"
	"github.com/skaldlabs/tonearm/internal/models"
	"github.com/skaldlabs/tonearm/internal/player"
	"github.com/skaldlabs/tonearm/internal/preload"
	"github.com/skaldlabs/tonearm/internal/request"
	"github.com/skaldlabs/tonearm/internal/resolve"
	"github.com/skaldlabs/tonearm/internal/scriptrunner"
	"github.com/skaldlabs/tonearm/internal/sourceconf"
)

type fakeResolver struct {
	mu  sync.Mutex
	err error
	res *models.Resolution
}

func (f *fakeResolver) Resolve(_ context.Context, _ string, song *models.Song, quality models.Quality) (*models.Resolution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.res != nil {
		return f.res, nil
	}
	return &models.Resolution{
		URL:       "https://cdn/track.mp3",
		Method:    models.MethodParsed,
		Source:    models.SourceKuwo,
		Quality:   quality,
		ExpiresAt: time.Now().Add(30 * time.Minute),
	}, nil
}

type fakeSink struct{}

func (fakeSink) Play(*models.Song, *models.Resolution) error { return nil }

type fakeScriptInfo struct{}

func (fakeScriptInfo) Header() scriptrunner.Header {
	return scriptrunner.Header{Name: "Test Source", Version: "1.0.0"}
}

type fakeSongInfo struct {
	lyric string
	pic   string
	err   error
}

func (f *fakeSongInfo) Lyric(context.Context, models.SourceKey, *models.Song) (string, error) {
	return f.lyric, f.err
}

func (f *fakeSongInfo) PicURL(context.Context, models.SourceKey, *models.Song) (string, error) {
	return f.pic, f.err
}

type harness struct {
	srv      *Server
	resolver *fakeResolver
	requests *request.Manager
	prefs    *sourceconf.Store
	settings *config.Settings
	info     *fakeSongInfo
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.SourceConfig{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	resolver := &fakeResolver{}
	requests := request.NewManager(zerolog.Nop())
	prefs := sourceconf.NewStore(db, zerolog.Nop())
	settings := config.DefaultSettings()
	settings.PreloadCount = 0

	warm := preload.NewCache(func(ctx context.Context, song *models.Song, q models.Quality) (*models.Resolution, error) {
		return resolver.Resolve(ctx, "", song, q)
	}, nil, zerolog.Nop())

	p := player.New(player.Deps{
		Requests:     requests,
		Resolver:     resolver,
		Preload:      warm,
		Prefs:        prefs,
		Cache:        failcache.New(failcache.DefaultConfig(), zerolog.Nop()),
		Settings:     settings,
		Sink:         fakeSink{},
		StartTimeout: time.Hour,
	}, zerolog.Nop())
	t.Cleanup(p.Close)

	cfg := &config.Config{
		HTTPBind:     "127.0.0.1",
		HTTPPort:     0,
		SettingsPath: filepath.Join(t.TempDir(), "settings.yaml"),
	}
	info := &fakeSongInfo{}
	srv := New(Deps{
		Config:   cfg,
		Settings: settings,
		Player:   p,
		Resolver: resolver,
		Requests: requests,
		Prefs:    prefs,
		Script:   fakeScriptInfo{},
		Info:     info,
	}, zerolog.Nop())

	return &harness{srv: srv, resolver: resolver, requests: requests, prefs: prefs, settings: settings, info: info}
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.srv.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	out := map[string]any{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if decode(t, rec)["status"] != "ok" {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestPlayEndpoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/play", map[string]any{"id": 42, "name": "Track"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}

	req := h.requests.Current()
	if req == nil || req.SongID != 42 || req.Status != request.StatusCompleted {
		t.Fatalf("unexpected request state: %+v", req)
	}
}

func TestPlayRequiresSongID(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/play", map[string]any{"name": "nameless"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestResolveIsDetached(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/resolve", map[string]any{
		"song": map[string]any{"id": 7, "name": "T"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["url"] != "https://cdn/track.mp3" || body["method"] != "parsed" {
		t.Fatalf("unexpected resolution: %+v", body)
	}
	if h.requests.Current() != nil {
		t.Fatal("detached resolve created a playback request")
	}
}

func TestResolveNotFound(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.resolver.err = resolve.ErrNoURL
	rec := h.do(t, http.MethodPost, "/api/resolve", map[string]any{
		"song": map[string]any{"id": 7},
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestLyricEndpoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.info.lyric = "[00:01.00]line one"
	rec := h.do(t, http.MethodPost, "/api/lyric", map[string]any{
		"song": map[string]any{"id": 7, "source": "kw"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["lyric"] != "[00:01.00]line one" || body["source"] != "kw" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestLyricEndpointEmptyIsNotFound(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/lyric", map[string]any{
		"song": map[string]any{"id": 7, "source": "kw"},
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestLyricEndpointUnsupportedSource(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.info.err = scriptrunner.ErrSourceUnsupported
	rec := h.do(t, http.MethodPost, "/api/lyric", map[string]any{
		"song":   map[string]any{"id": 7},
		"source": "tx",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestPicEndpoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.info.pic = "https://cdn/cover.jpg"
	rec := h.do(t, http.MethodPost, "/api/pic", map[string]any{
		"song":   map[string]any{"id": 7, "source": "kw"},
		"source": "kg",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["url"] != "https://cdn/cover.jpg" || body["source"] != "kg" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestScriptEndpoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/api/script", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if decode(t, rec)["name"] != "Test Source" {
		t.Fatalf("unexpected script info: %s", rec.Body.String())
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/api/settings", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status %d", rec.Code)
	}

	rec = h.do(t, http.MethodPut, "/api/settings", map[string]any{
		"MusicQuality": "lossless",
		"ProbeEnabled": true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("put status %d: %s", rec.Code, rec.Body.String())
	}
	if h.settings.MusicQuality != "lossless" {
		t.Fatalf("settings not applied: %+v", h.settings)
	}
}

func TestSettingsRejectsUnknownQuality(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	rec := h.do(t, http.MethodPut, "/api/settings", map[string]any{"MusicQuality": "ultra"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestPinLifecycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/songs/9/pin", map[string]any{"source": "kw"})
	if rec.Code != http.StatusOK {
		t.Fatalf("set pin status %d: %s", rec.Code, rec.Body.String())
	}
	pin, err := h.prefs.GetPin(9)
	if err != nil || pin == nil || pin.Source != models.SourceKuwo || !pin.Manual {
		t.Fatalf("pin not persisted: %+v %v", pin, err)
	}

	rec = h.do(t, http.MethodDelete, "/api/songs/9/pin", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("clear pin status %d", rec.Code)
	}
	pin, err = h.prefs.GetPin(9)
	if err != nil || pin != nil {
		t.Fatalf("pin not cleared: %+v %v", pin, err)
	}
}

func TestPinAcceptsCustomSource(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/songs/11/pin", map[string]any{"source": "custom"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	pin, err := h.prefs.GetPin(11)
	if err != nil || pin == nil || pin.Source != models.SourceCustom {
		t.Fatalf("pin not persisted: %+v %v", pin, err)
	}
}

func TestPinRejectsUnknownSource(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/songs/9/pin", map[string]any{"source": "xx"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestCurrentRequestEndpoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/api/requests/current", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("empty status %d", rec.Code)
	}

	if rec := h.do(t, http.MethodPost, "/api/play", map[string]any{"id": 3}); rec.Code != http.StatusOK {
		t.Fatalf("play failed: %s", rec.Body.String())
	}
	rec = h.do(t, http.MethodGet, "/api/requests/current", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	body := decode(t, rec)
	if body["status"] != "completed" || body["song_id"].(float64) != 3 {
		t.Fatalf("unexpected request: %+v", body)
	}
}
