package probe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/skaldlabs/tonearm/internal/config"
	"github.com/skaldlabs/tonearm/internal/failcache"
	"github.com/skaldlabs/tonearm/internal/httpx"
	"github.com/skaldlabs/tonearm/internal/models"
	"github.com/skaldlabs/tonearm/internal/resolve"
	"github.com/skaldlabs/tonearm/internal/sourceconf"
)

type fakeMeasurer struct {
	durations map[string]time.Duration
	err       error
	calls     []string
}

func (m *fakeMeasurer) Duration(_ context.Context, url string) (time.Duration, error) {
	m.calls = append(m.calls, url)
	if m.err != nil {
		return 0, m.err
	}
	if d, ok := m.durations[url]; ok {
		return d, nil
	}
	return 0, errors.New("unknown url")
}

type fakeScript struct {
	sources map[models.SourceKey]string
	errs    map[models.SourceKey]error
}

func (f *fakeScript) Supports(source models.SourceKey) bool {
	_, ok := f.sources[source]
	if !ok {
		_, ok = f.errs[source]
	}
	return ok
}

func (f *fakeScript) Resolve(_ context.Context, source models.SourceKey, _ *models.Song, quality models.Quality) (string, models.Quality, error) {
	if err, ok := f.errs[source]; ok {
		return "", "", err
	}
	return f.sources[source], quality, nil
}

type harness struct {
	probe    *Probe
	measurer *fakeMeasurer
	script   *fakeScript
	prefs    *sourceconf.Store
	cache    *failcache.Cache
	settings *config.Settings
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

	measurer := &fakeMeasurer{durations: map[string]time.Duration{}}
	script := &fakeScript{sources: map[models.SourceKey]string{}, errs: map[models.SourceKey]error{}}
	prefs := sourceconf.NewStore(db, zerolog.Nop())
	cache := failcache.New(failcache.DefaultConfig(), zerolog.Nop())
	settings := config.DefaultSettings()

	p := New(Deps{
		Measurer: measurer,
		HTTP:     httpx.NewClient(2*time.Second, zerolog.Nop()),
		Cache:    cache,
		Prefs:    prefs,
		Script:   resolve.StaticScript{Source: script},
		Settings: settings,
	}, zerolog.Nop())

	return &harness{probe: p, measurer: measurer, script: script, prefs: prefs, cache: cache, settings: settings}
}

func songWithDuration(seconds int64) *models.Song {
	return &models.Song{ID: 77, Name: "T", DurationMS: seconds * 1000, Source: models.SourceNetease}
}

func parsedResolution(url string, source models.SourceKey) *models.Resolution {
	return &models.Resolution{URL: url, Method: models.MethodParsed, Source: source, Quality: models.Quality320k}
}

func TestWithinToleranceKeepsURLAndAutoPins(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	song := songWithDuration(200)
	res := parsedResolution("https://cdn/x.mp3", models.SourceKuwo)
	h.measurer.durations[res.URL] = 203 * time.Second

	got, err := h.probe.Verify(context.Background(), "r1", song, res)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got != res {
		t.Fatalf("url replaced: %+v", got)
	}
	pin, _ := h.prefs.GetPin(song.ID)
	if pin == nil || pin.Source != models.SourceKuwo || pin.Manual {
		t.Fatalf("auto pin missing: %+v", pin)
	}
}

func TestMismatchSwitchesToMatchingSource(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	song := songWithDuration(200)
	res := parsedResolution("https://cdn/wrong.mp3", models.SourceNetease)
	h.measurer.durations[res.URL] = 320 * time.Second

	h.script.sources[models.SourceKuwo] = "https://cdn/kw.mp3"
	h.measurer.durations["https://cdn/kw.mp3"] = 199 * time.Second

	got, err := h.probe.Verify(context.Background(), "r1", song, res)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.URL != "https://cdn/kw.mp3" || got.Source != models.SourceKuwo {
		t.Fatalf("did not switch source: %+v", got)
	}
	pin, _ := h.prefs.GetPin(song.ID)
	if pin == nil || pin.Source != models.SourceKuwo || pin.Manual {
		t.Fatalf("auto pin missing: %+v", pin)
	}
}

func TestEndpointShapedCandidateFollowedBeforeMeasuring(t *testing.T) {
	t.Parallel()

	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://cdn/kw-real.mp3", http.StatusFound)
	}))
	defer endpoint.Close()

	h := newHarness(t)
	song := songWithDuration(200)
	res := parsedResolution("https://cdn/wrong.mp3", models.SourceNetease)
	h.measurer.durations[res.URL] = 320 * time.Second

	// The candidate source hands back an API endpoint, not a media file.
	h.script.sources[models.SourceKuwo] = endpoint.URL + "/api/track?id=77"
	h.measurer.durations["https://cdn/kw-real.mp3"] = 200 * time.Second

	got, err := h.probe.Verify(context.Background(), "r1", song, res)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.URL != "https://cdn/kw-real.mp3" || got.Source != models.SourceKuwo {
		t.Fatalf("endpoint not chased to media url: %+v", got)
	}
	for _, measured := range h.measurer.calls {
		if measured == h.script.sources[models.SourceKuwo] {
			t.Fatal("raw endpoint url was measured")
		}
	}
}

func TestAcceptedCandidateCached(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	song := songWithDuration(200)
	res := parsedResolution("https://cdn/wrong.mp3", models.SourceNetease)
	h.measurer.durations[res.URL] = 320 * time.Second

	h.script.sources[models.SourceKuwo] = "https://cdn/kw.mp3"
	h.measurer.durations["https://cdn/kw.mp3"] = 199 * time.Second

	got, err := h.probe.Verify(context.Background(), "r1", song, res)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	cached, ok := h.cache.GetURL(context.Background(), song.ID, got.Quality)
	if !ok || cached.URL != got.URL {
		t.Fatalf("accepted candidate not cached: %v %+v", ok, cached)
	}
}

func TestNoMatchFallsBackToClosest(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	song := songWithDuration(200)
	res := parsedResolution("https://cdn/wy.mp3", models.SourceNetease)
	h.measurer.durations[res.URL] = 320 * time.Second // delta 120s

	h.script.sources[models.SourceKuwo] = "https://cdn/kw.mp3"
	h.measurer.durations["https://cdn/kw.mp3"] = 230 * time.Second // delta 30s
	h.script.sources[models.SourceMigu] = "https://cdn/mg.mp3"
	h.measurer.durations["https://cdn/mg.mp3"] = 260 * time.Second // delta 60s

	got, err := h.probe.Verify(context.Background(), "r1", song, res)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.Source != models.SourceKuwo {
		t.Fatalf("closest source not chosen: %+v", got)
	}
}

func TestOriginalKeptWhenItIsClosest(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	song := songWithDuration(200)
	res := parsedResolution("https://cdn/wy.mp3", models.SourceNetease)
	h.measurer.durations[res.URL] = 210 * time.Second // delta 10s, over tolerance

	h.script.sources[models.SourceKuwo] = "https://cdn/kw.mp3"
	h.measurer.durations["https://cdn/kw.mp3"] = 260 * time.Second // delta 60s

	got, err := h.probe.Verify(context.Background(), "r1", song, res)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got != res {
		t.Fatalf("original should win: %+v", got)
	}
	if pin, _ := h.prefs.GetPin(song.ID); pin != nil {
		t.Fatalf("no pin expected when keeping original: %+v", pin)
	}
}

func TestSkipsUnknownExpectedDuration(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	song := songWithDuration(0)
	res := parsedResolution("https://cdn/x.mp3", models.SourceKuwo)

	got, err := h.probe.Verify(context.Background(), "r1", song, res)
	if err != nil || got != res {
		t.Fatalf("probe should skip: %v %+v", err, got)
	}
	if len(h.measurer.calls) != 0 {
		t.Fatal("measurement attempted for unknown duration")
	}
}

func TestSkipsBilibili(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	song := &models.Song{ID: 9, DurationMS: 100000, BilibiliBvid: "BV1"}
	res := &models.Resolution{URL: "http://proxy/a", Method: models.MethodBilibili, Source: models.SourceBilibili}

	if got, err := h.probe.Verify(context.Background(), "r1", song, res); err != nil || got != res {
		t.Fatalf("probe should skip bilibili: %v", err)
	}
	if len(h.measurer.calls) != 0 {
		t.Fatal("measurement attempted for bilibili")
	}
}

func TestSkipsManualPin(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	song := songWithDuration(200)
	h.prefs.SetManualPin(song.ID, models.SourceTencent)
	res := parsedResolution("https://cdn/tx.mp3", models.SourceTencent)

	if got, err := h.probe.Verify(context.Background(), "r1", song, res); err != nil || got != res {
		t.Fatalf("probe should honor manual pin: %v", err)
	}
	if len(h.measurer.calls) != 0 {
		t.Fatal("measurement attempted despite manual pin")
	}
}

func TestMeasurementFailureKeepsURL(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	song := songWithDuration(200)
	res := parsedResolution("https://cdn/x.mp3", models.SourceKuwo)
	h.measurer.err = errors.New("download failed")

	got, err := h.probe.Verify(context.Background(), "r1", song, res)
	if err != nil || got != res {
		t.Fatalf("measurement failure must be best-effort: %v %+v", err, got)
	}
}

func TestTriedSourcesNotRevisited(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	song := songWithDuration(200)
	res := parsedResolution("https://cdn/wy.mp3", models.SourceNetease)
	h.measurer.durations[res.URL] = 400 * time.Second

	h.prefs.MarkTried(song.ID, models.SourceKuwo)
	h.script.sources[models.SourceKuwo] = "https://cdn/kw.mp3"
	h.measurer.durations["https://cdn/kw.mp3"] = 200 * time.Second

	got, err := h.probe.Verify(context.Background(), "r1", song, res)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.Source == models.SourceKuwo {
		t.Fatal("already-tried source re-probed")
	}
}

func TestProbeDisabledInSettings(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.settings.ProbeEnabled = false
	song := songWithDuration(200)
	res := parsedResolution("https://cdn/x.mp3", models.SourceKuwo)

	if got, err := h.probe.Verify(context.Background(), "r1", song, res); err != nil || got != res {
		t.Fatalf("disabled probe must be a no-op: %v", err)
	}
	if len(h.measurer.calls) != 0 {
		t.Fatal("measurement attempted while disabled")
	}
}
