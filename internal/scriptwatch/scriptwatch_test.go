package scriptwatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/skaldlabs/tonearm/internal/events"
	"github.com/skaldlabs/tonearm/internal/httpx"
	"github.com/skaldlabs/tonearm/internal/models"
	"github.com/skaldlabs/tonearm/internal/scriptrunner"
)

func scriptSource(version, url string) string {
	return `/*!
 * @name Watch Test
 * @version ` + version + `
 */
lx.on(lx.EVENT_NAMES.request, function(ev) {
	return '` + url + `';
});
lx.send(lx.EVENT_NAMES.inited, {
	status: true,
	sources: {
		kw: { name: 'kuwo', type: 'music', actions: ['musicUrl'], qualitys: ['128k', '320k'] }
	}
});
`
}

func writeScript(t *testing.T, path, src string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
}

func newWatcher(t *testing.T, path string, bus *events.Bus) *Watcher {
	t.Helper()
	client := httpx.NewClient(5*time.Second, zerolog.Nop())
	w, err := New(scriptrunner.Options{
		Path:        path,
		InitTimeout: 5 * time.Second,
		CallTimeout: 5 * time.Second,
	}, client, nil, bus, zerolog.Nop())
	if err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	t.Cleanup(w.Close)
	return w
}

func TestInitialLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "source.js")
	writeScript(t, path, scriptSource("1.0.0", "https://x/a.mp3"))
	w := newWatcher(t, path, nil)

	if h := w.Header(); h.Name != "Watch Test" || h.Version != "1.0.0" {
		t.Fatalf("unexpected header: %+v", h)
	}

	script := w.Script()
	if script == nil || !script.Supports(models.SourceKuwo) {
		t.Fatal("loaded script does not serve")
	}

	song := &models.Song{ID: 1, Name: "T"}
	url, _, err := script.Resolve(context.Background(), models.SourceKuwo, song, models.Quality320k)
	if err != nil || url != "https://x/a.mp3" {
		t.Fatalf("resolve: %q %v", url, err)
	}
}

func TestBrokenScriptFailsStartup(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "source.js")
	writeScript(t, path, "this is not javascript {{{")
	client := httpx.NewClient(time.Second, zerolog.Nop())

	_, err := New(scriptrunner.Options{Path: path, InitTimeout: time.Second}, client, nil, nil, zerolog.Nop())
	if err == nil {
		t.Fatal("broken script accepted at startup")
	}
}

func TestReloadSwapsRunner(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "source.js")
	writeScript(t, path, scriptSource("1.0.0", "https://x/old.mp3"))

	bus := events.NewBus()
	sub := bus.Subscribe(events.EventScriptReloaded)
	w := newWatcher(t, path, bus)

	writeScript(t, path, scriptSource("2.0.0", "https://x/new.mp3"))
	w.Reload()

	if h := w.Header(); h.Version != "2.0.0" {
		t.Fatalf("runner not swapped: %+v", h)
	}
	song := &models.Song{ID: 1, Name: "T"}
	url, _, err := w.Script().Resolve(context.Background(), models.SourceKuwo, song, models.Quality320k)
	if err != nil || url != "https://x/new.mp3" {
		t.Fatalf("resolve after reload: %q %v", url, err)
	}

	select {
	case payload := <-sub:
		if payload["version"] != "2.0.0" {
			t.Fatalf("unexpected reload payload: %+v", payload)
		}
	default:
		t.Fatal("no reload event published")
	}
}

func TestFailedReloadKeepsPreviousRunner(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "source.js")
	writeScript(t, path, scriptSource("1.0.0", "https://x/a.mp3"))
	w := newWatcher(t, path, nil)

	writeScript(t, path, "broken {{{")
	w.Reload()

	if h := w.Header(); h.Version != "1.0.0" {
		t.Fatalf("previous runner lost: %+v", h)
	}
	song := &models.Song{ID: 1, Name: "T"}
	if _, _, err := w.Script().Resolve(context.Background(), models.SourceKuwo, song, models.Quality320k); err != nil {
		t.Fatalf("previous runner no longer serves: %v", err)
	}
}

func TestWriteTriggersReload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "source.js")
	writeScript(t, path, scriptSource("1.0.0", "https://x/a.mp3"))
	w := newWatcher(t, path, nil)

	writeScript(t, path, scriptSource("3.0.0", "https://x/b.mp3"))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if w.Header().Version == "3.0.0" {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("watcher never picked up the write: %+v", w.Header())
}
