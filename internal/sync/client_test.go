package sync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/zahidf/muezzin/internal/cache"
	"github.com/zahidf/muezzin/internal/event"
	"github.com/zahidf/muezzin/internal/local"
	"github.com/zahidf/muezzin/internal/prayer"
	"github.com/zahidf/muezzin/internal/store"
)

// fakeStore is an in-memory store.Store with switchable failure modes.
type fakeStore struct {
	mu      sync.Mutex
	records map[string]prayer.Record
	events  map[string]event.Definition
	mosque  *store.MosqueInfo
	clients map[string]bool

	failReads  bool
	failWrites bool

	fetchCalls     int
	fetchDateCalls int
	replaceCalls   int

	// When set, FetchTimetable blocks until the channel is closed.
	fetchGate chan struct{}

	timetableSubs []func()
	eventSubs     []func()
	connSubs      []func(bool)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records: make(map[string]prayer.Record),
		events:  make(map[string]event.Definition),
		clients: make(map[string]bool),
	}
}

var _ store.Store = (*fakeStore)(nil)

func (f *fakeStore) setRecords(records ...prayer.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = make(map[string]prayer.Record, len(records))
	for _, rec := range records {
		f.records[rec.Date] = rec
	}
}

func (f *fakeStore) setFailReads(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failReads = fail
}

func (f *fakeStore) setFailWrites(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWrites = fail
}

func (f *fakeStore) setFetchGate(gate chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchGate = gate
}

func (f *fakeStore) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls
}

func (f *fakeStore) clientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *fakeStore) publishTimetable() {
	f.mu.Lock()
	subs := append([]func(){}, f.timetableSubs...)
	f.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

func (f *fakeStore) publishEvents() {
	f.mu.Lock()
	subs := append([]func(){}, f.eventSubs...)
	f.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

func (f *fakeStore) setOnline(online bool) {
	f.mu.Lock()
	subs := append([]func(bool){}, f.connSubs...)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(online)
	}
}

func (f *fakeStore) FetchTimetable(ctx context.Context) ([]prayer.Record, error) {
	f.mu.Lock()
	f.fetchCalls++
	gate := f.fetchGate
	fail := f.failReads
	records := make([]prayer.Record, 0, len(f.records))
	for _, rec := range f.records {
		records = append(records, rec)
	}
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if fail {
		return nil, errors.New("store offline")
	}
	return records, nil
}

func (f *fakeStore) FetchDate(ctx context.Context, date string) (prayer.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchDateCalls++
	if f.failReads {
		return prayer.Record{}, errors.New("store offline")
	}
	rec, ok := f.records[date]
	if !ok {
		return prayer.Record{}, store.ErrNotFound
	}
	return rec, nil
}

func (f *fakeStore) FetchRange(ctx context.Context, start, end string) ([]prayer.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failReads {
		return nil, errors.New("store offline")
	}
	var out []prayer.Record
	for _, rec := range f.records {
		if rec.Date >= start && rec.Date <= end {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeStore) ReplaceTimetable(ctx context.Context, records []prayer.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replaceCalls++
	if f.failWrites {
		return errors.New("store offline")
	}
	f.records = make(map[string]prayer.Record, len(records))
	for _, rec := range records {
		f.records[rec.Date] = rec
	}
	return nil
}

func (f *fakeStore) PatchDate(ctx context.Context, date string, patch prayer.Patch) (prayer.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return prayer.Record{}, errors.New("store offline")
	}
	rec, ok := f.records[date]
	if !ok {
		return prayer.Record{}, store.ErrNotFound
	}
	patch.Apply(&rec)
	f.records[date] = rec
	return rec, nil
}

func (f *fakeStore) DeleteDate(ctx context.Context, date string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errors.New("store offline")
	}
	if _, ok := f.records[date]; !ok {
		return store.ErrNotFound
	}
	delete(f.records, date)
	return nil
}

func (f *fakeStore) FetchEvents(ctx context.Context) ([]event.Definition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failReads {
		return nil, errors.New("store offline")
	}
	var out []event.Definition
	for _, def := range f.events {
		out = append(out, def)
	}
	return out, nil
}

func (f *fakeStore) PutEvent(ctx context.Context, def event.Definition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errors.New("store offline")
	}
	f.events[def.ID] = def
	return nil
}

func (f *fakeStore) DeleteEvent(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errors.New("store offline")
	}
	if _, ok := f.events[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.events, id)
	return nil
}

func (f *fakeStore) FetchMosque(ctx context.Context) (store.MosqueInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failReads {
		return store.MosqueInfo{}, errors.New("store offline")
	}
	if f.mosque == nil {
		return store.MosqueInfo{}, store.ErrNotFound
	}
	return *f.mosque, nil
}

func (f *fakeStore) PutMosque(ctx context.Context, info store.MosqueInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errors.New("store offline")
	}
	f.mosque = &info
	return nil
}

func (f *fakeStore) RegisterClient(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errors.New("store offline")
	}
	f.clients[id] = true
	return nil
}

func (f *fakeStore) SubscribeTimetable(ctx context.Context, fn func()) (store.Unsubscribe, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timetableSubs = append(f.timetableSubs, fn)
	return func() {}, nil
}

func (f *fakeStore) SubscribeEvents(ctx context.Context, fn func()) (store.Unsubscribe, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eventSubs = append(f.eventSubs, fn)
	return func() {}, nil
}

func (f *fakeStore) SubscribeConnectivity(ctx context.Context, fn func(bool)) (store.Unsubscribe, error) {
	f.mu.Lock()
	f.connSubs = append(f.connSubs, fn)
	f.mu.Unlock()
	fn(true)
	return func() {}, nil
}

func (f *fakeStore) Close() error { return nil }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

type testEnv struct {
	client *Client
	fake   *fakeStore
	clock  *fakeClock
	local  *local.Store
	ttable *cache.Timetable
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	fake := newFakeStore()
	clk := &fakeClock{now: time.Date(2025, 3, 1, 6, 0, 0, 0, time.UTC)}

	ls, err := local.NewStore(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("local.NewStore: %v", err)
	}
	ttable := cache.NewTimetable(ls, cache.Config{TTL: 24 * time.Hour, Now: clk.Now}, zap.NewNop())
	mosque := cache.NewMosque(ls, cache.Config{TTL: 7 * 24 * time.Hour, Now: clk.Now}, zap.NewNop())

	return &testEnv{
		client: New(fake, ttable, mosque, ls, zap.NewNop()),
		fake:   fake,
		clock:  clk,
		local:  ls,
		ttable: ttable,
	}
}

func march(day int) prayer.Record {
	dates := map[int]string{1: "2025-03-01", 2: "2025-03-02", 3: "2025-03-03"}
	return prayer.Record{Date: dates[day], Fajr: "05:12", Maghrib: "18:42", Isha: "20:05"}
}

func TestTimetableFetchesAndCaches(t *testing.T) {
	env := newTestEnv(t)
	env.fake.setRecords(march(2), march(1))

	records, err := env.client.Timetable(context.Background())
	if err != nil {
		t.Fatalf("Timetable: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Date != "2025-03-01" || records[1].Date != "2025-03-02" {
		t.Errorf("records not sorted: %s, %s", records[0].Date, records[1].Date)
	}
	if env.fake.fetchCount() != 1 {
		t.Errorf("expected exactly one store fetch, got %d", env.fake.fetchCount())
	}

	// The snapshot must now live in the cache.
	if _, ok := env.ttable.Read(false); !ok {
		t.Error("timetable not cached after fetch")
	}
}

func TestTimetableServesFreshCacheWithoutWaiting(t *testing.T) {
	env := newTestEnv(t)
	env.fake.setRecords(march(1))

	if _, err := env.client.Timetable(context.Background()); err != nil {
		t.Fatalf("prime: %v", err)
	}

	// Block any further store fetches. A cached read must still return
	// immediately because the refresh is uncoupled.
	gate := make(chan struct{})
	env.fake.setFetchGate(gate)
	env.fake.setRecords(march(1), march(2))

	done := make(chan struct{})
	go func() {
		defer close(done)
		records, err := env.client.Timetable(context.Background())
		if err != nil || len(records) != 1 {
			t.Errorf("cached read returned %d records, err %v", len(records), err)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cached read blocked on the background refresh")
	}

	// Release the refresh and wait for it to land in the cache.
	close(gate)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if snap, ok := env.ttable.Read(false); ok && len(snap.Records) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("background refresh never updated the cache")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTimetableStaleFallback(t *testing.T) {
	env := newTestEnv(t)
	env.fake.setRecords(march(1), march(2), march(3))

	if _, err := env.client.Timetable(context.Background()); err != nil {
		t.Fatalf("prime: %v", err)
	}

	// Ten days later, far past the 24h TTL, with the store down.
	env.clock.Advance(10 * 24 * time.Hour)
	env.fake.setFailReads(true)

	records, err := env.client.Timetable(context.Background())
	if err != nil {
		t.Fatalf("expected the stale snapshot, got error: %v", err)
	}
	if len(records) != 3 {
		t.Errorf("stale snapshot has %d records, want 3", len(records))
	}
}

func TestTimetableUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.fake.setFailReads(true)

	_, err := env.client.Timetable(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestRefreshBypassesFreshCache(t *testing.T) {
	env := newTestEnv(t)
	env.fake.setRecords(march(1))

	if _, err := env.client.Timetable(context.Background()); err != nil {
		t.Fatalf("prime: %v", err)
	}

	env.fake.setRecords(march(1), march(2))
	records, err := env.client.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("refresh returned %d records, want 2", len(records))
	}

	// Refresh failure surfaces instead of silently serving the cache.
	env.fake.setFailReads(true)
	if _, err := env.client.Refresh(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable from a failed refresh, got %v", err)
	}
}

func TestReplaceTimetableValidatesAndWarns(t *testing.T) {
	env := newTestEnv(t)

	warnings, err := env.client.ReplaceTimetable(context.Background(), []prayer.Record{
		{Date: "2025-03-01", Fajr: "05:12"},
		{Date: "bogus", Fajr: "05:12"},
		{Date: "2025-03-02", Fajr: "05:10"},
		{Date: "2025-03-02", Fajr: "05:11"},
	})
	if err != nil {
		t.Fatalf("ReplaceTimetable: %v", err)
	}
	if len(warnings) != 2 {
		t.Errorf("expected 2 warnings, got %v", warnings)
	}

	env.fake.mu.Lock()
	stored := len(env.fake.records)
	kept := env.fake.records["2025-03-02"].Fajr
	env.fake.mu.Unlock()
	if stored != 2 {
		t.Errorf("store holds %d records, want 2", stored)
	}
	if kept != "05:11" {
		t.Errorf("duplicate not resolved last-write-wins: %q", kept)
	}

	// The write is also mirrored into the cache.
	snap, ok := env.ttable.Read(false)
	if !ok || len(snap.Records) != 2 {
		t.Error("cache not written through after import")
	}
}

func TestReplaceTimetableRejectsEmptyImport(t *testing.T) {
	env := newTestEnv(t)

	warnings, err := env.client.ReplaceTimetable(context.Background(), []prayer.Record{
		{Date: "bogus"},
		{Date: "2025-99-01"},
	})
	if !errors.Is(err, ErrNoValidRecords) {
		t.Fatalf("expected ErrNoValidRecords, got %v", err)
	}
	if len(warnings) != 2 {
		t.Errorf("expected warnings for both rows, got %v", warnings)
	}

	env.fake.mu.Lock()
	calls := env.fake.replaceCalls
	env.fake.mu.Unlock()
	if calls != 0 {
		t.Error("store write attempted for an import with no valid records")
	}
}

func TestIdentityMintedOnceAndReused(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.client.ReplaceTimetable(context.Background(), []prayer.Record{march(1)}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if env.fake.clientCount() != 1 {
		t.Fatalf("expected 1 registered client, got %d", env.fake.clientCount())
	}

	// A second client over the same data directory must reuse the
	// persisted identity.
	mosque := cache.NewMosque(env.local, cache.Config{TTL: time.Hour, Now: env.clock.Now}, zap.NewNop())
	ttable := cache.NewTimetable(env.local, cache.Config{TTL: time.Hour, Now: env.clock.Now}, zap.NewNop())
	second := New(env.fake, ttable, mosque, env.local, zap.NewNop())

	if err := second.SaveMosque(context.Background(), store.MosqueInfo{Name: "Central Mosque"}); err != nil {
		t.Fatalf("second client write: %v", err)
	}
	if env.fake.clientCount() != 1 {
		t.Errorf("restart minted a new identity, %d registered", env.fake.clientCount())
	}
}

func TestSubscribeTimetableDeliversFullSnapshot(t *testing.T) {
	env := newTestEnv(t)

	got := make(chan []prayer.Record, 1)
	unsub, err := env.client.SubscribeTimetable(context.Background(), func(records []prayer.Record) {
		got <- records
	})
	if err != nil {
		t.Fatalf("SubscribeTimetable: %v", err)
	}
	defer unsub()

	env.fake.setRecords(march(3), march(1), march(2))
	env.fake.publishTimetable()

	select {
	case records := <-got:
		if len(records) != 3 {
			t.Fatalf("snapshot has %d records, want 3", len(records))
		}
		for i := 1; i < len(records); i++ {
			if records[i-1].Date >= records[i].Date {
				t.Fatal("snapshot not sorted")
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot delivered")
	}

	// A failed re-fetch delivers nothing rather than a partial set.
	env.fake.setFailReads(true)
	env.fake.publishTimetable()
	select {
	case <-got:
		t.Fatal("snapshot delivered despite a failed re-fetch")
	default:
	}
}

func TestRecordForDate(t *testing.T) {
	env := newTestEnv(t)
	env.fake.setRecords(march(1), march(2))

	if _, err := env.client.Timetable(context.Background()); err != nil {
		t.Fatalf("prime: %v", err)
	}

	rec, err := env.client.RecordForDate(context.Background(), "2025-03-02")
	if err != nil {
		t.Fatalf("RecordForDate: %v", err)
	}
	if rec.Date != "2025-03-02" {
		t.Errorf("wrong record %+v", rec)
	}

	// Beyond the published horizon.
	if _, err := env.client.RecordForDate(context.Background(), "2030-01-01"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	// Malformed date.
	if _, err := env.client.RecordForDate(context.Background(), "tomorrow"); !errors.Is(err, prayer.ErrBadRecord) {
		t.Errorf("expected ErrBadRecord, got %v", err)
	}
}

func TestRecordForDateStaleFallback(t *testing.T) {
	env := newTestEnv(t)
	env.fake.setRecords(march(1))

	if _, err := env.client.Timetable(context.Background()); err != nil {
		t.Fatalf("prime: %v", err)
	}

	env.clock.Advance(48 * time.Hour)
	env.fake.setFailReads(true)

	rec, err := env.client.RecordForDate(context.Background(), "2025-03-01")
	if err != nil {
		t.Fatalf("expected the stale record, got %v", err)
	}
	if rec.Fajr != "05:12" {
		t.Errorf("stale record corrupted: %+v", rec)
	}
}

func TestRecordsInRange(t *testing.T) {
	env := newTestEnv(t)
	env.fake.setRecords(march(1), march(2), march(3))

	if _, err := env.client.Timetable(context.Background()); err != nil {
		t.Fatalf("prime: %v", err)
	}

	records, err := env.client.RecordsInRange(context.Background(), "2025-03-02", "2025-03-03")
	if err != nil {
		t.Fatalf("RecordsInRange: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("expected 2 records, got %d", len(records))
	}

	if _, err := env.client.RecordsInRange(context.Background(), "2025-03-03", "2025-03-01"); !errors.Is(err, prayer.ErrBadRecord) {
		t.Errorf("inverted range accepted: %v", err)
	}
}

func TestPatchRecordKeepsCacheCoherent(t *testing.T) {
	env := newTestEnv(t)
	env.fake.setRecords(march(1))

	if _, err := env.client.Timetable(context.Background()); err != nil {
		t.Fatalf("prime: %v", err)
	}

	newFajr := "05:20"
	rec, err := env.client.PatchRecord(context.Background(), "2025-03-01", prayer.Patch{Fajr: &newFajr})
	if err != nil {
		t.Fatalf("PatchRecord: %v", err)
	}
	if rec.Fajr != "05:20" {
		t.Errorf("patched record %+v", rec)
	}

	snap, ok := env.ttable.Read(true)
	if !ok || snap.Records[0].Fajr != "05:20" {
		t.Error("cache not updated after patch")
	}

	bad := "26:00"
	if _, err := env.client.PatchRecord(context.Background(), "2025-03-01", prayer.Patch{Fajr: &bad}); !errors.Is(err, prayer.ErrBadRecord) {
		t.Errorf("invalid patch accepted: %v", err)
	}
}

func TestDeleteRecord(t *testing.T) {
	env := newTestEnv(t)
	env.fake.setRecords(march(1), march(2))

	if _, err := env.client.Timetable(context.Background()); err != nil {
		t.Fatalf("prime: %v", err)
	}

	if err := env.client.DeleteRecord(context.Background(), "2025-03-01"); err != nil {
		t.Fatalf("DeleteRecord: %v", err)
	}
	if err := env.client.DeleteRecord(context.Background(), "2025-03-01"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound on double delete, got %v", err)
	}

	snap, ok := env.ttable.Read(true)
	if !ok || len(snap.Records) != 1 {
		t.Error("cache not updated after delete")
	}
}

func TestSaveEventAssignsID(t *testing.T) {
	env := newTestEnv(t)

	def, err := env.client.SaveEvent(context.Background(), event.Definition{
		Title: "Tafsir circle", Kind: event.Recurring, Weekdays: []string{"friday"},
		TimeType: event.Relative, Anchor: prayer.Maghrib, Direction: event.After, OffsetMinutes: 10,
	})
	if err != nil {
		t.Fatalf("SaveEvent: %v", err)
	}
	if def.ID == "" {
		t.Fatal("no id assigned to the new event")
	}

	defs, err := env.client.Events(context.Background())
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(defs) != 1 || defs[0].ID != def.ID {
		t.Errorf("stored events %+v", defs)
	}

	if _, err := env.client.SaveEvent(context.Background(), event.Definition{Title: ""}); !errors.Is(err, event.ErrBadDefinition) {
		t.Errorf("invalid definition accepted: %v", err)
	}
}

func TestMosqueStaleFallback(t *testing.T) {
	env := newTestEnv(t)

	if err := env.client.SaveMosque(context.Background(), store.MosqueInfo{Name: "Central Mosque"}); err != nil {
		t.Fatalf("SaveMosque: %v", err)
	}

	// Eight days later the cached copy is stale, and the store is
	// unreachable.
	env.clock.Advance(8 * 24 * time.Hour)
	env.fake.setFailReads(true)

	info, err := env.client.Mosque(context.Background())
	if err != nil {
		t.Fatalf("expected stale mosque info, got %v", err)
	}
	if info.Name != "Central Mosque" {
		t.Errorf("stale info corrupted: %+v", info)
	}
}

func TestOnlineTracksConnectivity(t *testing.T) {
	env := newTestEnv(t)

	states := make(chan bool, 4)
	unsub, err := env.client.SubscribeConnectivity(context.Background(), func(online bool) { states <- online })
	if err != nil {
		t.Fatalf("SubscribeConnectivity: %v", err)
	}
	defer unsub()

	// The fake delivers the initial state synchronously.
	if online := <-states; !online {
		t.Fatal("expected the initial state to be online")
	}
	if !env.client.Online() {
		t.Fatal("Online() should start true")
	}

	env.fake.setOnline(false)
	if online := <-states; online {
		t.Fatal("offline transition not relayed")
	}
	if env.client.Online() {
		t.Error("Online() did not track the offline transition")
	}
}
