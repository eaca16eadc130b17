// Package redisstore implements the remote document store on Redis.
// Collections live in hashes, the timetable keeps a sorted-set date
// index for range reads, and change notifications ride pub/sub.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/zahidf/muezzin/internal/event"
	"github.com/zahidf/muezzin/internal/prayer"
	"github.com/zahidf/muezzin/internal/store"
)

// Config holds Redis connection settings.
type Config struct {
	Host     string
	Port     int
	Password string
	DB       int

	// Prefix namespaces every key. Defaults to "muezzin".
	Prefix string
	// PingInterval paces the connectivity probe. Defaults to 15s.
	PingInterval time.Duration
}

// Store is the Redis-backed document store.
type Store struct {
	rdb    *redis.Client
	prefix string
	ping   time.Duration
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New connects to Redis and verifies connectivity.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "muezzin"
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 15 * time.Second
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     10,
		MinIdleConns: 2,
		PoolTimeout:  4 * time.Second,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	logger.Info("redis store connected",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("prefix", cfg.Prefix),
	)

	lifeCtx, cancel := context.WithCancel(context.Background())
	return &Store{
		rdb:    rdb,
		prefix: cfg.Prefix,
		ping:   cfg.PingInterval,
		logger: logger,
		ctx:    lifeCtx,
		cancel: cancel,
	}, nil
}

// Close stops all subscriptions and releases the connection pool.
func (s *Store) Close() error {
	s.cancel()
	return s.rdb.Close()
}

func (s *Store) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (s *Store) timetableKey() string  { return s.key("timetable") }
func (s *Store) indexKey() string      { return s.key("timetable", "index") }
func (s *Store) eventsKey() string     { return s.key("events") }
func (s *Store) mosqueKey() string     { return s.key("mosque") }
func (s *Store) clientsKey() string    { return s.key("clients") }
func (s *Store) timetableChan() string { return s.key("timetable", "changed") }
func (s *Store) eventsChan() string    { return s.key("events", "changed") }

// FetchTimetable returns every timetable record, sorted by date.
func (s *Store) FetchTimetable(ctx context.Context) ([]prayer.Record, error) {
	raw, err := s.rdb.HGetAll(ctx, s.timetableKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch timetable: %w", err)
	}

	records := make([]prayer.Record, 0, len(raw))
	for date, doc := range raw {
		var rec prayer.Record
		if err := json.Unmarshal([]byte(doc), &rec); err != nil {
			s.logger.Warn("skipping undecodable timetable document",
				zap.String("date", date),
				zap.Error(err),
			)
			continue
		}
		records = append(records, rec)
	}
	prayer.SortByDate(records)
	return records, nil
}

// FetchDate returns the record stored under one date.
func (s *Store) FetchDate(ctx context.Context, date string) (prayer.Record, error) {
	doc, err := s.rdb.HGet(ctx, s.timetableKey(), date).Result()
	if errors.Is(err, redis.Nil) {
		return prayer.Record{}, store.ErrNotFound
	}
	if err != nil {
		return prayer.Record{}, fmt.Errorf("fetch date %s: %w", date, err)
	}

	var rec prayer.Record
	if err := json.Unmarshal([]byte(doc), &rec); err != nil {
		return prayer.Record{}, fmt.Errorf("decode date %s: %w", date, err)
	}
	return rec, nil
}

// FetchRange returns records with start <= date <= end, sorted by
// date. The sorted-set index makes this a lexicographic range read.
func (s *Store) FetchRange(ctx context.Context, start, end string) ([]prayer.Record, error) {
	dates, err := s.rdb.ZRangeByLex(ctx, s.indexKey(), &redis.ZRangeBy{
		Min: "[" + start,
		Max: "[" + end,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch range %s..%s: %w", start, end, err)
	}
	if len(dates) == 0 {
		return []prayer.Record{}, nil
	}

	docs, err := s.rdb.HMGet(ctx, s.timetableKey(), dates...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch range %s..%s: %w", start, end, err)
	}

	records := make([]prayer.Record, 0, len(docs))
	for i, doc := range docs {
		str, ok := doc.(string)
		if !ok {
			// Index entry without a document, self-heal by dropping it.
			s.rdb.ZRem(ctx, s.indexKey(), dates[i])
			continue
		}
		var rec prayer.Record
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			s.logger.Warn("skipping undecodable timetable document",
				zap.String("date", dates[i]),
				zap.Error(err),
			)
			continue
		}
		records = append(records, rec)
	}
	prayer.SortByDate(records)
	return records, nil
}

// ReplaceTimetable swaps the whole timetable collection for records in
// one transaction and announces the change.
func (s *Store) ReplaceTimetable(ctx context.Context, records []prayer.Record) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.timetableKey(), s.indexKey())

	if len(records) > 0 {
		fields := make([]interface{}, 0, len(records)*2)
		members := make([]redis.Z, 0, len(records))
		for _, rec := range records {
			doc, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("encode record %s: %w", rec.Date, err)
			}
			fields = append(fields, rec.Date, string(doc))
			members = append(members, redis.Z{Score: 0, Member: rec.Date})
		}
		pipe.HSet(ctx, s.timetableKey(), fields...)
		pipe.ZAdd(ctx, s.indexKey(), members...)
	}
	pipe.Publish(ctx, s.timetableChan(), "replace")

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("replace timetable: %w", err)
	}
	return nil
}

// PatchDate applies a partial update to one record and returns the
// updated document.
func (s *Store) PatchDate(ctx context.Context, date string, patch prayer.Patch) (prayer.Record, error) {
	rec, err := s.FetchDate(ctx, date)
	if err != nil {
		return prayer.Record{}, err
	}
	patch.Apply(&rec)

	doc, err := json.Marshal(rec)
	if err != nil {
		return prayer.Record{}, fmt.Errorf("encode record %s: %w", date, err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.timetableKey(), date, string(doc))
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: 0, Member: date})
	pipe.Publish(ctx, s.timetableChan(), date)
	if _, err := pipe.Exec(ctx); err != nil {
		return prayer.Record{}, fmt.Errorf("patch date %s: %w", date, err)
	}
	return rec, nil
}

// DeleteDate removes one record.
func (s *Store) DeleteDate(ctx context.Context, date string) error {
	removed, err := s.rdb.HDel(ctx, s.timetableKey(), date).Result()
	if err != nil {
		return fmt.Errorf("delete date %s: %w", date, err)
	}
	if removed == 0 {
		return store.ErrNotFound
	}

	pipe := s.rdb.TxPipeline()
	pipe.ZRem(ctx, s.indexKey(), date)
	pipe.Publish(ctx, s.timetableChan(), date)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete date %s: %w", date, err)
	}
	return nil
}

// FetchEvents returns every event definition, sorted by id.
func (s *Store) FetchEvents(ctx context.Context) ([]event.Definition, error) {
	raw, err := s.rdb.HGetAll(ctx, s.eventsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch events: %w", err)
	}

	defs := make([]event.Definition, 0, len(raw))
	for id, doc := range raw {
		var def event.Definition
		if err := json.Unmarshal([]byte(doc), &def); err != nil {
			s.logger.Warn("skipping undecodable event document",
				zap.String("event_id", id),
				zap.Error(err),
			)
			continue
		}
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs, nil
}

// PutEvent upserts one event definition.
func (s *Store) PutEvent(ctx context.Context, def event.Definition) error {
	doc, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", def.ID, err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.eventsKey(), def.ID, string(doc))
	pipe.Publish(ctx, s.eventsChan(), def.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put event %s: %w", def.ID, err)
	}
	return nil
}

// DeleteEvent removes one event definition.
func (s *Store) DeleteEvent(ctx context.Context, id string) error {
	removed, err := s.rdb.HDel(ctx, s.eventsKey(), id).Result()
	if err != nil {
		return fmt.Errorf("delete event %s: %w", id, err)
	}
	if removed == 0 {
		return store.ErrNotFound
	}
	if err := s.rdb.Publish(ctx, s.eventsChan(), id).Err(); err != nil {
		return fmt.Errorf("delete event %s: %w", id, err)
	}
	return nil
}

// FetchMosque returns the mosque metadata document.
func (s *Store) FetchMosque(ctx context.Context) (store.MosqueInfo, error) {
	doc, err := s.rdb.Get(ctx, s.mosqueKey()).Result()
	if errors.Is(err, redis.Nil) {
		return store.MosqueInfo{}, store.ErrNotFound
	}
	if err != nil {
		return store.MosqueInfo{}, fmt.Errorf("fetch mosque info: %w", err)
	}

	var info store.MosqueInfo
	if err := json.Unmarshal([]byte(doc), &info); err != nil {
		return store.MosqueInfo{}, fmt.Errorf("decode mosque info: %w", err)
	}
	return info, nil
}

// PutMosque replaces the mosque metadata document.
func (s *Store) PutMosque(ctx context.Context, info store.MosqueInfo) error {
	doc, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode mosque info: %w", err)
	}
	if err := s.rdb.Set(ctx, s.mosqueKey(), string(doc), 0).Err(); err != nil {
		return fmt.Errorf("put mosque info: %w", err)
	}
	return nil
}

// RegisterClient records the first sighting of an anonymous client id.
func (s *Store) RegisterClient(ctx context.Context, id string) error {
	stamp := time.Now().UTC().Format(time.RFC3339)
	if err := s.rdb.HSetNX(ctx, s.clientsKey(), id, stamp).Err(); err != nil {
		return fmt.Errorf("register client: %w", err)
	}
	return nil
}

// SubscribeTimetable invokes fn after every timetable mutation.
func (s *Store) SubscribeTimetable(ctx context.Context, fn func()) (store.Unsubscribe, error) {
	return s.subscribe(ctx, s.timetableChan(), fn)
}

// SubscribeEvents invokes fn after every event mutation.
func (s *Store) SubscribeEvents(ctx context.Context, fn func()) (store.Unsubscribe, error) {
	return s.subscribe(ctx, s.eventsChan(), fn)
}

func (s *Store) subscribe(ctx context.Context, channel string, fn func()) (store.Unsubscribe, error) {
	pubsub := s.rdb.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	var once sync.Once
	unsub := func() {
		once.Do(func() { _ = pubsub.Close() })
	}

	go func() {
		defer unsub()
		ch := pubsub.Channel()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				fn()
			}
		}
	}()
	return unsub, nil
}

// SubscribeConnectivity reports reachability, immediately and then on
// every transition observed by a periodic ping.
func (s *Store) SubscribeConnectivity(ctx context.Context, fn func(online bool)) (store.Unsubscribe, error) {
	subCtx, cancel := context.WithCancel(ctx)

	online := s.rdb.Ping(subCtx).Err() == nil
	fn(online)

	go func() {
		ticker := time.NewTicker(s.ping)
		defer ticker.Stop()
		last := online
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-subCtx.Done():
				return
			case <-ticker.C:
				now := s.rdb.Ping(subCtx).Err() == nil
				if now != last {
					last = now
					s.logger.Info("store connectivity changed", zap.Bool("online", now))
					fn(now)
				}
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}
