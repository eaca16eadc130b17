// Package cache keeps freshness-stamped local snapshots of remote
// collections so reads keep working offline.
package cache

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/zahidf/muezzin/internal/local"
	"github.com/zahidf/muezzin/internal/prayer"
	"github.com/zahidf/muezzin/internal/store"
)

// Local store keys. Each snapshot is a JSON payload plus a sibling
// RFC 3339 write stamp.
const (
	timetableKey      = "timetable.snapshot.json"
	timetableStampKey = "timetable.snapshot.at"
	mosqueKey         = "mosque.snapshot.json"
	mosqueStampKey    = "mosque.snapshot.at"
)

// Config tunes a snapshot cache. A nil Now falls back to time.Now.
type Config struct {
	TTL time.Duration
	Now func() time.Time
}

// document is the payload-plus-stamp mechanism shared by the typed
// caches. Persistence failures on either side degrade to a cache miss.
type document struct {
	store      *local.Store
	payloadKey string
	stampKey   string
	ttl        time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

func newDocument(ls *local.Store, payloadKey, stampKey string, cfg Config, logger *zap.Logger) document {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return document{
		store:      ls,
		payloadKey: payloadKey,
		stampKey:   stampKey,
		ttl:        cfg.TTL,
		now:        now,
		logger:     logger,
	}
}

// read returns the stored payload and its write stamp. With
// ignoreExpiry false a payload older than the TTL is reported absent;
// with ignoreExpiry true any stored payload is returned regardless of
// age.
func (d document) read(ignoreExpiry bool) ([]byte, time.Time, bool) {
	payload, ok := d.store.Get(d.payloadKey)
	if !ok {
		return nil, time.Time{}, false
	}
	raw, ok := d.store.Get(d.stampKey)
	if !ok {
		return nil, time.Time{}, false
	}
	writtenAt, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		d.logger.Warn("cache stamp unreadable, treating as miss",
			zap.String("key", d.stampKey),
			zap.Error(err),
		)
		return nil, time.Time{}, false
	}
	if !ignoreExpiry && d.now().Sub(writtenAt) > d.ttl {
		return nil, time.Time{}, false
	}
	return payload, writtenAt, true
}

func (d document) write(payload []byte) {
	if err := d.store.Set(d.payloadKey, payload); err != nil {
		d.logger.Warn("cache write failed", zap.String("key", d.payloadKey), zap.Error(err))
		return
	}
	stamp := d.now().Format(time.RFC3339Nano)
	if err := d.store.Set(d.stampKey, []byte(stamp)); err != nil {
		d.logger.Warn("cache stamp write failed", zap.String("key", d.stampKey), zap.Error(err))
	}
}

func (d document) invalidate() {
	d.store.Delete(d.payloadKey)
	d.store.Delete(d.stampKey)
}

// Snapshot is a cached timetable together with the moment it was
// written.
type Snapshot struct {
	Records   []prayer.Record
	WrittenAt time.Time
}

// Timetable caches the full prayer timetable.
type Timetable struct {
	doc document
}

// NewTimetable builds the timetable cache on top of the local store.
func NewTimetable(ls *local.Store, cfg Config, logger *zap.Logger) *Timetable {
	return &Timetable{doc: newDocument(ls, timetableKey, timetableStampKey, cfg, logger)}
}

// Read returns the cached snapshot. With ignoreExpiry false an expired
// snapshot is reported absent; with ignoreExpiry true staleness is
// ignored, which backs the offline fallback path.
func (c *Timetable) Read(ignoreExpiry bool) (Snapshot, bool) {
	payload, writtenAt, ok := c.doc.read(ignoreExpiry)
	if !ok {
		return Snapshot{}, false
	}
	var records []prayer.Record
	if err := json.Unmarshal(payload, &records); err != nil {
		c.doc.logger.Warn("cached timetable unreadable, treating as miss", zap.Error(err))
		return Snapshot{}, false
	}
	return Snapshot{Records: records, WrittenAt: writtenAt}, true
}

// Write replaces the snapshot and stamps it with the current time.
func (c *Timetable) Write(records []prayer.Record) {
	payload, err := json.Marshal(records)
	if err != nil {
		c.doc.logger.Warn("timetable snapshot marshal failed", zap.Error(err))
		return
	}
	c.doc.write(payload)
}

// Invalidate drops the snapshot and its stamp.
func (c *Timetable) Invalidate() {
	c.doc.invalidate()
}

// Mosque caches the mosque metadata document.
type Mosque struct {
	doc document
}

func NewMosque(ls *local.Store, cfg Config, logger *zap.Logger) *Mosque {
	return &Mosque{doc: newDocument(ls, mosqueKey, mosqueStampKey, cfg, logger)}
}

func (c *Mosque) Read(ignoreExpiry bool) (store.MosqueInfo, time.Time, bool) {
	payload, writtenAt, ok := c.doc.read(ignoreExpiry)
	if !ok {
		return store.MosqueInfo{}, time.Time{}, false
	}
	var info store.MosqueInfo
	if err := json.Unmarshal(payload, &info); err != nil {
		c.doc.logger.Warn("cached mosque info unreadable, treating as miss", zap.Error(err))
		return store.MosqueInfo{}, time.Time{}, false
	}
	return info, writtenAt, true
}

func (c *Mosque) Write(info store.MosqueInfo) {
	payload, err := json.Marshal(info)
	if err != nil {
		c.doc.logger.Warn("mosque snapshot marshal failed", zap.Error(err))
		return
	}
	c.doc.write(payload)
}

func (c *Mosque) Invalidate() {
	c.doc.invalidate()
}
