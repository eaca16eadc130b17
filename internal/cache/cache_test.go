package cache

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/zahidf/muezzin/internal/local"
	"github.com/zahidf/muezzin/internal/prayer"
	"github.com/zahidf/muezzin/internal/store"
)

// fakeClock hands the cache a controllable notion of now.
type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func newTimetableCache(t *testing.T, ttl time.Duration, clk *fakeClock) *Timetable {
	t.Helper()
	ls, err := local.NewStore(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("local.NewStore: %v", err)
	}
	return NewTimetable(ls, Config{TTL: ttl, Now: clk.Now}, zap.NewNop())
}

func TestReadFreshSnapshot(t *testing.T) {
	clk := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := newTimetableCache(t, 24*time.Hour, clk)

	c.Write([]prayer.Record{{Date: "2025-03-01", Fajr: "05:12"}})

	snap, ok := c.Read(false)
	if !ok {
		t.Fatal("expected a fresh snapshot")
	}
	if len(snap.Records) != 1 || snap.Records[0].Fajr != "05:12" {
		t.Errorf("unexpected records %+v", snap.Records)
	}
	if !snap.WrittenAt.Equal(clk.now) {
		t.Errorf("WrittenAt = %v, want %v", snap.WrittenAt, clk.now)
	}
}

func TestReadMissWhenEmpty(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	c := newTimetableCache(t, 24*time.Hour, clk)

	if _, ok := c.Read(false); ok {
		t.Fatal("empty cache reported a snapshot")
	}
	if _, ok := c.Read(true); ok {
		t.Fatal("empty cache reported a snapshot even ignoring expiry")
	}
}

func TestExpiryBoundary(t *testing.T) {
	ttl := 24 * time.Hour
	clk := &fakeClock{now: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)}
	c := newTimetableCache(t, ttl, clk)

	c.Write([]prayer.Record{{Date: "2025-03-01"}})

	// Just inside the TTL.
	clk.Advance(ttl - time.Second)
	if _, ok := c.Read(false); !ok {
		t.Fatal("snapshot just inside the TTL reported absent")
	}

	// Just past the TTL.
	clk.Advance(2 * time.Second)
	if _, ok := c.Read(false); ok {
		t.Fatal("snapshot past the TTL reported fresh")
	}
}

func TestStaleReadWithIgnoreExpiry(t *testing.T) {
	clk := &fakeClock{now: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)}
	c := newTimetableCache(t, 24*time.Hour, clk)

	c.Write([]prayer.Record{{Date: "2025-03-01", Maghrib: "18:42"}})

	// Ten days later the snapshot is long expired but still readable
	// on the fallback path.
	clk.Advance(10 * 24 * time.Hour)

	if _, ok := c.Read(false); ok {
		t.Fatal("expired snapshot reported fresh")
	}
	snap, ok := c.Read(true)
	if !ok {
		t.Fatal("stale snapshot not returned when expiry is ignored")
	}
	if snap.Records[0].Maghrib != "18:42" {
		t.Errorf("stale snapshot corrupted: %+v", snap.Records)
	}
}

func TestWriteRefreshesStamp(t *testing.T) {
	ttl := 24 * time.Hour
	clk := &fakeClock{now: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)}
	c := newTimetableCache(t, ttl, clk)

	c.Write([]prayer.Record{{Date: "2025-03-01"}})
	clk.Advance(23 * time.Hour)
	c.Write([]prayer.Record{{Date: "2025-03-01"}, {Date: "2025-03-02"}})
	clk.Advance(23 * time.Hour)

	snap, ok := c.Read(false)
	if !ok {
		t.Fatal("rewritten snapshot should still be fresh")
	}
	if len(snap.Records) != 2 {
		t.Errorf("expected the rewritten snapshot, got %d records", len(snap.Records))
	}
}

func TestInvalidate(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	c := newTimetableCache(t, 24*time.Hour, clk)

	c.Write([]prayer.Record{{Date: "2025-03-01"}})
	c.Invalidate()

	if _, ok := c.Read(true); ok {
		t.Fatal("snapshot survived invalidation")
	}
}

func TestMosqueCache(t *testing.T) {
	clk := &fakeClock{now: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)}
	ls, err := local.NewStore(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("local.NewStore: %v", err)
	}
	c := NewMosque(ls, Config{TTL: 7 * 24 * time.Hour, Now: clk.Now}, zap.NewNop())

	c.Write(store.MosqueInfo{Name: "Central Mosque", Announcement: "Ramadan timetable out now"})

	info, _, ok := c.Read(false)
	if !ok {
		t.Fatal("expected cached mosque info")
	}
	if info.Name != "Central Mosque" {
		t.Errorf("unexpected info %+v", info)
	}

	clk.Advance(8 * 24 * time.Hour)
	if _, _, ok := c.Read(false); ok {
		t.Fatal("mosque info should expire after a week")
	}
	if _, _, ok := c.Read(true); !ok {
		t.Fatal("stale mosque info should remain readable")
	}
}
