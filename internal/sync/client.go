// Package sync keeps the local snapshot caches coherent with the
// remote document store and is the single place reads and writes go
// through. Reads prefer the cache and degrade to stale data when the
// store is unreachable; writes validate, stamp an anonymous client
// identity and go straight to the store.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zahidf/muezzin/internal/cache"
	"github.com/zahidf/muezzin/internal/event"
	"github.com/zahidf/muezzin/internal/local"
	"github.com/zahidf/muezzin/internal/metrics"
	"github.com/zahidf/muezzin/internal/prayer"
	"github.com/zahidf/muezzin/internal/store"
)

// identityKey is the local store key holding the anonymous client id.
const identityKey = "client.identity"

var (
	// ErrUnavailable reports that the store could not be reached and
	// no cached data exists to fall back on.
	ErrUnavailable = errors.New("remote store unavailable")

	// ErrNoValidRecords reports an import in which not a single record
	// survived validation.
	ErrNoValidRecords = errors.New("import contains no valid records")
)

// Client mediates between the remote store and the local caches.
type Client struct {
	store  store.Store
	ttable *cache.Timetable
	mosque *cache.Mosque
	local  *local.Store
	logger *zap.Logger

	refreshing atomic.Bool
	online     atomic.Bool

	mu       sync.Mutex
	identity string
}

// New wires a client. The caches own freshness; the client owns the
// read and write paths.
func New(st store.Store, ttable *cache.Timetable, mosque *cache.Mosque, ls *local.Store, logger *zap.Logger) *Client {
	c := &Client{
		store:  st,
		ttable: ttable,
		mosque: mosque,
		local:  ls,
		logger: logger,
	}
	c.online.Store(true)
	return c
}

// Timetable returns the full record set. A fresh cached snapshot is
// served immediately while a background refresh runs; otherwise the
// store is read and cached. When the store is unreachable any stale
// snapshot is served instead, and only with no snapshot at all does
// the call fail.
func (c *Client) Timetable(ctx context.Context) ([]prayer.Record, error) {
	if snap, ok := c.ttable.Read(false); ok {
		metrics.RecordCacheRead("hit")
		c.refreshInBackground()
		return snap.Records, nil
	}
	metrics.RecordCacheRead("miss")

	records, err := c.fetchAndCache(ctx)
	if err == nil {
		return records, nil
	}

	if snap, ok := c.ttable.Read(true); ok {
		metrics.RecordCacheRead("stale_hit")
		c.logger.Warn("store unreachable, serving stale timetable snapshot",
			zap.Time("written_at", snap.WrittenAt),
			zap.Error(err),
		)
		return snap.Records, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// Refresh forces a store read, bypassing the cache. The cache is
// rewritten on success; on failure the caller keeps whatever it had.
func (c *Client) Refresh(ctx context.Context) ([]prayer.Record, error) {
	records, err := c.fetchAndCache(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return records, nil
}

func (c *Client) fetchAndCache(ctx context.Context) ([]prayer.Record, error) {
	records, err := c.store.FetchTimetable(ctx)
	if err != nil {
		metrics.RecordStoreFetch("error")
		return nil, err
	}
	metrics.RecordStoreFetch("ok")
	prayer.SortByDate(records)
	c.ttable.Write(records)
	return records, nil
}

// refreshInBackground starts at most one concurrent refresh. The
// caller is never coupled to its outcome.
func (c *Client) refreshInBackground() {
	if !c.refreshing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer c.refreshing.Store(false)
		if _, err := c.fetchAndCache(context.Background()); err != nil {
			c.logger.Debug("background refresh failed", zap.Error(err))
		}
	}()
}

// RecordForDate returns the record for one date. A date absent from
// the published horizon reports store.ErrNotFound.
func (c *Client) RecordForDate(ctx context.Context, date string) (prayer.Record, error) {
	if _, err := prayer.ParseDate(date); err != nil {
		return prayer.Record{}, fmt.Errorf("%w: %v", prayer.ErrBadRecord, err)
	}

	// A fresh snapshot is the authoritative horizon.
	if snap, ok := c.ttable.Read(false); ok {
		metrics.RecordCacheRead("hit")
		return recordFrom(snap.Records, date)
	}
	metrics.RecordCacheRead("miss")

	rec, err := c.store.FetchDate(ctx, date)
	if err == nil {
		metrics.RecordStoreFetch("ok")
		return rec, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return prayer.Record{}, err
	}
	metrics.RecordStoreFetch("error")

	if snap, ok := c.ttable.Read(true); ok {
		metrics.RecordCacheRead("stale_hit")
		return recordFrom(snap.Records, date)
	}
	return prayer.Record{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// RecordsInRange returns records with start <= date <= end.
func (c *Client) RecordsInRange(ctx context.Context, start, end string) ([]prayer.Record, error) {
	if _, err := prayer.ParseDate(start); err != nil {
		return nil, fmt.Errorf("%w: %v", prayer.ErrBadRecord, err)
	}
	if _, err := prayer.ParseDate(end); err != nil {
		return nil, fmt.Errorf("%w: %v", prayer.ErrBadRecord, err)
	}
	if start > end {
		return nil, fmt.Errorf("%w: range start %s after end %s", prayer.ErrBadRecord, start, end)
	}

	if snap, ok := c.ttable.Read(false); ok {
		metrics.RecordCacheRead("hit")
		return rangeFrom(snap.Records, start, end), nil
	}
	metrics.RecordCacheRead("miss")

	records, err := c.store.FetchRange(ctx, start, end)
	if err == nil {
		metrics.RecordStoreFetch("ok")
		prayer.SortByDate(records)
		return records, nil
	}
	metrics.RecordStoreFetch("error")

	if snap, ok := c.ttable.Read(true); ok {
		metrics.RecordCacheRead("stale_hit")
		return rangeFrom(snap.Records, start, end), nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func recordFrom(records []prayer.Record, date string) (prayer.Record, error) {
	for _, rec := range records {
		if rec.Date == date {
			return rec, nil
		}
	}
	return prayer.Record{}, store.ErrNotFound
}

func rangeFrom(records []prayer.Record, start, end string) []prayer.Record {
	out := []prayer.Record{}
	for _, rec := range records {
		if rec.Date >= start && rec.Date <= end {
			out = append(out, rec)
		}
	}
	return out
}

// ReplaceTimetable validates and imports a full timetable, replacing
// the published collection. Invalid rows are dropped and reported in
// the returned warnings; duplicate dates keep the last row. The cache
// is written through on success.
func (c *Client) ReplaceTimetable(ctx context.Context, records []prayer.Record) ([]string, error) {
	clean, warnings := prayer.Normalize(records)
	if len(clean) == 0 {
		return warnings, ErrNoValidRecords
	}

	if _, err := c.ensureIdentity(ctx); err != nil {
		return warnings, err
	}
	if err := c.store.ReplaceTimetable(ctx, clean); err != nil {
		return warnings, fmt.Errorf("replace timetable: %w", err)
	}

	c.ttable.Write(clean)
	c.logger.Info("timetable replaced",
		zap.Int("records", len(clean)),
		zap.Int("warnings", len(warnings)),
	)
	return warnings, nil
}

// PatchRecord applies a partial update to one date.
func (c *Client) PatchRecord(ctx context.Context, date string, patch prayer.Patch) (prayer.Record, error) {
	if _, err := prayer.ParseDate(date); err != nil {
		return prayer.Record{}, fmt.Errorf("%w: %v", prayer.ErrBadRecord, err)
	}
	if err := patch.Validate(); err != nil {
		return prayer.Record{}, err
	}

	if _, err := c.ensureIdentity(ctx); err != nil {
		return prayer.Record{}, err
	}
	updated, err := c.store.PatchDate(ctx, date, patch)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return prayer.Record{}, err
		}
		return prayer.Record{}, fmt.Errorf("patch record %s: %w", date, err)
	}

	// Keep any cached snapshot coherent with the write.
	if snap, ok := c.ttable.Read(true); ok {
		for i := range snap.Records {
			if snap.Records[i].Date == date {
				snap.Records[i] = updated
				break
			}
		}
		c.ttable.Write(snap.Records)
	}
	return updated, nil
}

// DeleteRecord removes one date from the published timetable.
func (c *Client) DeleteRecord(ctx context.Context, date string) error {
	if _, err := prayer.ParseDate(date); err != nil {
		return fmt.Errorf("%w: %v", prayer.ErrBadRecord, err)
	}

	if _, err := c.ensureIdentity(ctx); err != nil {
		return err
	}
	if err := c.store.DeleteDate(ctx, date); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return err
		}
		return fmt.Errorf("delete record %s: %w", date, err)
	}

	if snap, ok := c.ttable.Read(true); ok {
		kept := snap.Records[:0]
		for _, rec := range snap.Records {
			if rec.Date != date {
				kept = append(kept, rec)
			}
		}
		c.ttable.Write(kept)
	}
	return nil
}

// Events returns every event definition from the store. Event
// definitions are not cached locally; offline consumers rely on the
// scheduler's last plan instead.
func (c *Client) Events(ctx context.Context) ([]event.Definition, error) {
	defs, err := c.store.FetchEvents(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return defs, nil
}

// SaveEvent validates and upserts an event definition, assigning an id
// to new definitions.
func (c *Client) SaveEvent(ctx context.Context, def event.Definition) (event.Definition, error) {
	if err := def.Validate(); err != nil {
		return event.Definition{}, err
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}

	if _, err := c.ensureIdentity(ctx); err != nil {
		return event.Definition{}, err
	}
	if err := c.store.PutEvent(ctx, def); err != nil {
		return event.Definition{}, fmt.Errorf("save event: %w", err)
	}
	return def, nil
}

// DeleteEvent removes an event definition.
func (c *Client) DeleteEvent(ctx context.Context, id string) error {
	if _, err := c.ensureIdentity(ctx); err != nil {
		return err
	}
	if err := c.store.DeleteEvent(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return err
		}
		return fmt.Errorf("delete event %s: %w", id, err)
	}
	return nil
}

// Mosque returns the mosque metadata, cache-first with a stale
// fallback.
func (c *Client) Mosque(ctx context.Context) (store.MosqueInfo, error) {
	if info, _, ok := c.mosque.Read(false); ok {
		metrics.RecordCacheRead("hit")
		return info, nil
	}
	metrics.RecordCacheRead("miss")

	info, err := c.store.FetchMosque(ctx)
	if err == nil {
		metrics.RecordStoreFetch("ok")
		c.mosque.Write(info)
		return info, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return store.MosqueInfo{}, err
	}
	metrics.RecordStoreFetch("error")

	if info, writtenAt, ok := c.mosque.Read(true); ok {
		metrics.RecordCacheRead("stale_hit")
		c.logger.Warn("store unreachable, serving stale mosque info",
			zap.Time("written_at", writtenAt),
			zap.Error(err),
		)
		return info, nil
	}
	return store.MosqueInfo{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// SaveMosque replaces the mosque metadata document.
func (c *Client) SaveMosque(ctx context.Context, info store.MosqueInfo) error {
	if _, err := c.ensureIdentity(ctx); err != nil {
		return err
	}
	if err := c.store.PutMosque(ctx, info); err != nil {
		return fmt.Errorf("save mosque info: %w", err)
	}
	c.mosque.Write(info)
	return nil
}

// SubscribeTimetable re-fetches the full timetable on every remote
// change and hands fn a complete, sorted snapshot. Failed re-fetches
// are logged and skipped; no partial sets are ever delivered.
func (c *Client) SubscribeTimetable(ctx context.Context, fn func([]prayer.Record)) (store.Unsubscribe, error) {
	return c.store.SubscribeTimetable(ctx, func() {
		records, err := c.fetchAndCache(ctx)
		if err != nil {
			c.logger.Warn("timetable change notification dropped, re-fetch failed", zap.Error(err))
			return
		}
		fn(records)
	})
}

// SubscribeEvents re-fetches all event definitions on every remote
// change and hands fn the complete set.
func (c *Client) SubscribeEvents(ctx context.Context, fn func([]event.Definition)) (store.Unsubscribe, error) {
	return c.store.SubscribeEvents(ctx, func() {
		defs, err := c.store.FetchEvents(ctx)
		if err != nil {
			c.logger.Warn("event change notification dropped, re-fetch failed", zap.Error(err))
			return
		}
		fn(defs)
	})
}

// SubscribeConnectivity relays store reachability and keeps Online
// current.
func (c *Client) SubscribeConnectivity(ctx context.Context, fn func(bool)) (store.Unsubscribe, error) {
	return c.store.SubscribeConnectivity(ctx, func(online bool) {
		c.online.Store(online)
		metrics.SetStoreOnline(online)
		if fn != nil {
			fn(online)
		}
	})
}

// Online reports the last observed store reachability. It starts
// optimistic until the first connectivity report lands.
func (c *Client) Online() bool {
	return c.online.Load()
}

// ensureIdentity returns the anonymous client id, minting and
// persisting one on first use and registering it with the store.
// Registration is idempotent, so re-registering after a restart is
// harmless.
func (c *Client) ensureIdentity(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.identity != "" {
		return c.identity, nil
	}

	var id string
	if b, ok := c.local.Get(identityKey); ok && len(b) > 0 {
		id = string(b)
	} else {
		id = uuid.NewString()
		if err := c.local.Set(identityKey, []byte(id)); err != nil {
			c.logger.Warn("client identity not persisted, a new one will be minted next start", zap.Error(err))
		}
	}

	if err := c.store.RegisterClient(ctx, id); err != nil {
		return "", fmt.Errorf("register client identity: %w", err)
	}
	c.identity = id
	return id, nil
}
