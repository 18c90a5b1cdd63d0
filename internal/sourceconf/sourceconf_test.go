package sourceconf

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/skaldlabs/tonearm/internal/models"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.SourceConfig{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewStore(db, zerolog.Nop())
}

func TestPinRoundTrip(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	if err := store.SetManualPin(42, models.SourceKuwo); err != nil {
		t.Fatalf("set pin: %v", err)
	}
	pin, err := store.GetPin(42)
	if err != nil {
		t.Fatalf("get pin: %v", err)
	}
	if pin == nil || pin.Source != models.SourceKuwo || !pin.Manual {
		t.Fatalf("unexpected pin: %+v", pin)
	}
}

func TestGetPinMissingSong(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	pin, err := store.GetPin(1)
	if err != nil {
		t.Fatalf("get pin: %v", err)
	}
	if pin != nil {
		t.Fatalf("expected no pin, got %+v", pin)
	}
}

func TestAutoPinNeverOverridesManual(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	if err := store.SetManualPin(7, models.SourceNetease); err != nil {
		t.Fatalf("set manual pin: %v", err)
	}
	if err := store.SetAutoPin(7, models.SourceTencent); err != nil {
		t.Fatalf("set auto pin: %v", err)
	}
	pin, err := store.GetPin(7)
	if err != nil {
		t.Fatalf("get pin: %v", err)
	}
	if pin.Source != models.SourceNetease || !pin.Manual {
		t.Fatalf("manual pin overridden: %+v", pin)
	}
}

func TestAutoPinReplacesAutoPin(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	if err := store.SetAutoPin(7, models.SourceKugou); err != nil {
		t.Fatalf("set auto pin: %v", err)
	}
	if err := store.SetAutoPin(7, models.SourceMigu); err != nil {
		t.Fatalf("replace auto pin: %v", err)
	}
	pin, _ := store.GetPin(7)
	if pin.Source != models.SourceMigu || pin.Manual {
		t.Fatalf("unexpected pin: %+v", pin)
	}
}

func TestClearPin(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	if err := store.SetManualPin(9, models.SourceKuwo); err != nil {
		t.Fatalf("set pin: %v", err)
	}
	if err := store.ClearPin(9); err != nil {
		t.Fatalf("clear pin: %v", err)
	}
	pin, _ := store.GetPin(9)
	if pin != nil {
		t.Fatalf("pin survived clear: %+v", pin)
	}
}

func TestTriedBookkeeping(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	if store.Tried(1, models.SourceKuwo) {
		t.Fatal("untried source reported tried")
	}
	store.MarkTried(1, models.SourceKuwo)
	if !store.Tried(1, models.SourceKuwo) {
		t.Fatal("tried source not recorded")
	}
	if store.Tried(2, models.SourceKuwo) {
		t.Fatal("tried state leaked across songs")
	}
}

func TestBestMatchPicksSmallestDiff(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	store.RecordDiff(5, models.SourceKuwo, 12*time.Second)
	store.RecordDiff(5, models.SourceTencent, -3*time.Second)
	store.RecordDiff(5, models.SourceMigu, 8*time.Second)

	source, diff, ok := store.BestMatch(5)
	if !ok {
		t.Fatal("expected a best match")
	}
	if source != models.SourceTencent || diff != 3*time.Second {
		t.Fatalf("got %s/%v, want tx/3s", source, diff)
	}
}

func TestBestMatchTieBreaksOnPriority(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	store.RecordDiff(5, models.SourceTencent, 4*time.Second)
	store.RecordDiff(5, models.SourceNetease, 4*time.Second)

	source, _, ok := store.BestMatch(5)
	if !ok || source != models.SourceNetease {
		t.Fatalf("got %s, want wy", source)
	}
}

func TestClearSessionForgetsOnlyThatSong(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	store.MarkTried(1, models.SourceKuwo)
	store.RecordDiff(1, models.SourceKuwo, time.Second)
	store.MarkTried(2, models.SourceMigu)

	store.ClearSession(1)

	if store.Tried(1, models.SourceKuwo) {
		t.Fatal("session state survived clear")
	}
	if _, _, ok := store.BestMatch(1); ok {
		t.Fatal("diffs survived clear")
	}
	if !store.Tried(2, models.SourceMigu) {
		t.Fatal("clear leaked across songs")
	}
}
