// Package pgstore implements the remote document store on Postgres.
// Documents live as jsonb rows and change notifications ride
// LISTEN/NOTIFY.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/zahidf/muezzin/internal/event"
	"github.com/zahidf/muezzin/internal/prayer"
	"github.com/zahidf/muezzin/internal/store"
)

const (
	timetableChannel = "muezzin_timetable_changed"
	eventsChannel    = "muezzin_events_changed"
)

// Config holds Postgres connection settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// PingInterval paces the connectivity probe. Defaults to 15s.
	PingInterval time.Duration
}

// Store is the Postgres-backed document store.
type Store struct {
	pool   *pgxpool.Pool
	ping   time.Duration
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New connects to Postgres and verifies connectivity.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 15 * time.Second
	}

	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	logger.Info("postgres store connected",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.Database),
	)

	lifeCtx, cancel := context.WithCancel(context.Background())
	return &Store{
		pool:   pool,
		ping:   cfg.PingInterval,
		logger: logger,
		ctx:    lifeCtx,
		cancel: cancel,
	}, nil
}

// Close stops all subscriptions and releases the pool.
func (s *Store) Close() error {
	s.cancel()
	s.pool.Close()
	return nil
}

// FetchTimetable returns every timetable record, sorted by date.
func (s *Store) FetchTimetable(ctx context.Context) ([]prayer.Record, error) {
	rows, err := s.pool.Query(ctx, `SELECT doc FROM prayer_times ORDER BY date`)
	if err != nil {
		return nil, fmt.Errorf("fetch timetable: %w", err)
	}
	defer rows.Close()

	var records []prayer.Record
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("fetch timetable: %w", err)
		}
		var rec prayer.Record
		if err := json.Unmarshal(doc, &rec); err != nil {
			s.logger.Warn("skipping undecodable timetable document", zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch timetable: %w", err)
	}
	return records, nil
}

// FetchDate returns the record stored under one date.
func (s *Store) FetchDate(ctx context.Context, date string) (prayer.Record, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM prayer_times WHERE date = $1`, date).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return prayer.Record{}, store.ErrNotFound
	}
	if err != nil {
		return prayer.Record{}, fmt.Errorf("fetch date %s: %w", date, err)
	}

	var rec prayer.Record
	if err := json.Unmarshal(doc, &rec); err != nil {
		return prayer.Record{}, fmt.Errorf("decode date %s: %w", date, err)
	}
	return rec, nil
}

// FetchRange returns records with start <= date <= end, sorted by date.
func (s *Store) FetchRange(ctx context.Context, start, end string) ([]prayer.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT doc FROM prayer_times WHERE date >= $1 AND date <= $2 ORDER BY date`,
		start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("fetch range %s..%s: %w", start, end, err)
	}
	defer rows.Close()

	records := []prayer.Record{}
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("fetch range %s..%s: %w", start, end, err)
		}
		var rec prayer.Record
		if err := json.Unmarshal(doc, &rec); err != nil {
			s.logger.Warn("skipping undecodable timetable document", zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch range %s..%s: %w", start, end, err)
	}
	return records, nil
}

// ReplaceTimetable swaps the whole timetable collection inside one
// transaction and announces the change on commit.
func (s *Store) ReplaceTimetable(ctx context.Context, records []prayer.Record) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("replace timetable: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM prayer_times`); err != nil {
		return fmt.Errorf("replace timetable: %w", err)
	}

	if len(records) > 0 {
		batch := &pgx.Batch{}
		for _, rec := range records {
			doc, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("encode record %s: %w", rec.Date, err)
			}
			batch.Queue(`INSERT INTO prayer_times (date, doc) VALUES ($1, $2)`, rec.Date, doc)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("replace timetable: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, 'replace')`, timetableChannel); err != nil {
		return fmt.Errorf("replace timetable: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("replace timetable: %w", err)
	}
	return nil
}

// PatchDate applies a partial update to one record and returns the
// updated document.
func (s *Store) PatchDate(ctx context.Context, date string, patch prayer.Patch) (prayer.Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return prayer.Record{}, fmt.Errorf("patch date %s: %w", date, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var doc []byte
	err = tx.QueryRow(ctx, `SELECT doc FROM prayer_times WHERE date = $1 FOR UPDATE`, date).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return prayer.Record{}, store.ErrNotFound
	}
	if err != nil {
		return prayer.Record{}, fmt.Errorf("patch date %s: %w", date, err)
	}

	var rec prayer.Record
	if err := json.Unmarshal(doc, &rec); err != nil {
		return prayer.Record{}, fmt.Errorf("decode date %s: %w", date, err)
	}
	patch.Apply(&rec)

	updated, err := json.Marshal(rec)
	if err != nil {
		return prayer.Record{}, fmt.Errorf("encode record %s: %w", date, err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE prayer_times SET doc = $2, updated_at = NOW() WHERE date = $1`,
		date, updated,
	); err != nil {
		return prayer.Record{}, fmt.Errorf("patch date %s: %w", date, err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, timetableChannel, date); err != nil {
		return prayer.Record{}, fmt.Errorf("patch date %s: %w", date, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return prayer.Record{}, fmt.Errorf("patch date %s: %w", date, err)
	}
	return rec, nil
}

// DeleteDate removes one record.
func (s *Store) DeleteDate(ctx context.Context, date string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM prayer_times WHERE date = $1`, date)
	if err != nil {
		return fmt.Errorf("delete date %s: %w", date, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	if _, err := s.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, timetableChannel, date); err != nil {
		return fmt.Errorf("delete date %s: %w", date, err)
	}
	return nil
}

// FetchEvents returns every event definition, sorted by id.
func (s *Store) FetchEvents(ctx context.Context) ([]event.Definition, error) {
	rows, err := s.pool.Query(ctx, `SELECT doc FROM mosque_events ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("fetch events: %w", err)
	}
	defer rows.Close()

	var defs []event.Definition
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("fetch events: %w", err)
		}
		var def event.Definition
		if err := json.Unmarshal(doc, &def); err != nil {
			s.logger.Warn("skipping undecodable event document", zap.Error(err))
			continue
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch events: %w", err)
	}
	return defs, nil
}

// PutEvent upserts one event definition.
func (s *Store) PutEvent(ctx context.Context, def event.Definition) error {
	doc, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", def.ID, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO mosque_events (id, doc) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = NOW()`,
		def.ID, doc,
	)
	if err != nil {
		return fmt.Errorf("put event %s: %w", def.ID, err)
	}
	if _, err := s.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, eventsChannel, def.ID); err != nil {
		return fmt.Errorf("put event %s: %w", def.ID, err)
	}
	return nil
}

// DeleteEvent removes one event definition.
func (s *Store) DeleteEvent(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM mosque_events WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete event %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	if _, err := s.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, eventsChannel, id); err != nil {
		return fmt.Errorf("delete event %s: %w", id, err)
	}
	return nil
}

// FetchMosque returns the mosque metadata document.
func (s *Store) FetchMosque(ctx context.Context) (store.MosqueInfo, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM mosque_info WHERE id`).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.MosqueInfo{}, store.ErrNotFound
	}
	if err != nil {
		return store.MosqueInfo{}, fmt.Errorf("fetch mosque info: %w", err)
	}

	var info store.MosqueInfo
	if err := json.Unmarshal(doc, &info); err != nil {
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
	_, err = s.pool.Exec(ctx, `
		INSERT INTO mosque_info (id, doc) VALUES (TRUE, $1)
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = NOW()`,
		doc,
	)
	if err != nil {
		return fmt.Errorf("put mosque info: %w", err)
	}
	return nil
}

// RegisterClient records the first sighting of an anonymous client id.
func (s *Store) RegisterClient(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO clients (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`,
		id,
	)
	if err != nil {
		return fmt.Errorf("register client: %w", err)
	}
	return nil
}

// SubscribeTimetable invokes fn after every timetable mutation.
func (s *Store) SubscribeTimetable(ctx context.Context, fn func()) (store.Unsubscribe, error) {
	return s.listen(ctx, timetableChannel, fn)
}

// SubscribeEvents invokes fn after every event mutation.
func (s *Store) SubscribeEvents(ctx context.Context, fn func()) (store.Unsubscribe, error) {
	return s.listen(ctx, eventsChannel, fn)
}

// listen parks a dedicated connection on LISTEN and relays
// notifications to fn.
func (s *Store) listen(ctx context.Context, channel string, fn func()) (store.Unsubscribe, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", channel, err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", channel, err)
	}

	waitCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer conn.Release()
		for {
			if _, err := conn.Conn().WaitForNotification(waitCtx); err != nil {
				if waitCtx.Err() == nil && s.ctx.Err() == nil {
					s.logger.Warn("notification listener stopped",
						zap.String("channel", channel),
						zap.Error(err),
					)
				}
				return
			}
			fn()
		}
	}()
	go func() {
		select {
		case <-s.ctx.Done():
			cancel()
		case <-waitCtx.Done():
		}
	}()

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

// SubscribeConnectivity reports reachability, immediately and then on
// every transition observed by a periodic ping.
func (s *Store) SubscribeConnectivity(ctx context.Context, fn func(online bool)) (store.Unsubscribe, error) {
	subCtx, cancel := context.WithCancel(ctx)

	online := s.pool.Ping(subCtx) == nil
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
				now := s.pool.Ping(subCtx) == nil
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
