// Package store defines the remote document store contract shared by
// the Redis and Postgres drivers.
package store

import (
	"context"
	"errors"

	"github.com/zahidf/muezzin/internal/event"
	"github.com/zahidf/muezzin/internal/prayer"
)

// ErrNotFound reports a lookup for a document that does not exist.
var ErrNotFound = errors.New("document not found")

// MosqueInfo is the single mosque metadata document.
type MosqueInfo struct {
	Name         string `json:"name"`
	Address      string `json:"address,omitempty"`
	Phone        string `json:"phone,omitempty"`
	Website      string `json:"website,omitempty"`
	Announcement string `json:"announcement,omitempty"`
}

// Unsubscribe detaches a change subscription. It is safe to call more
// than once.
type Unsubscribe func()

// Store is the remote document store holding the mosque's published
// timetable, events and metadata. Implementations must deliver change
// notifications for the timetable and event collections and report
// connectivity transitions.
type Store interface {
	// Timetable collection, keyed by "YYYY-MM-DD" date.
	FetchTimetable(ctx context.Context) ([]prayer.Record, error)
	FetchDate(ctx context.Context, date string) (prayer.Record, error)
	FetchRange(ctx context.Context, start, end string) ([]prayer.Record, error)
	ReplaceTimetable(ctx context.Context, records []prayer.Record) error
	PatchDate(ctx context.Context, date string, patch prayer.Patch) (prayer.Record, error)
	DeleteDate(ctx context.Context, date string) error

	// Event definitions, keyed by id.
	FetchEvents(ctx context.Context) ([]event.Definition, error)
	PutEvent(ctx context.Context, def event.Definition) error
	DeleteEvent(ctx context.Context, id string) error

	// Mosque metadata singleton.
	FetchMosque(ctx context.Context) (MosqueInfo, error)
	PutMosque(ctx context.Context, info MosqueInfo) error

	// RegisterClient records an anonymous client identity. Repeated
	// registration of the same id is a no-op.
	RegisterClient(ctx context.Context, id string) error

	// Change subscriptions. Callbacks fire from a driver goroutine and
	// carry no payload; subscribers re-fetch the collection.
	SubscribeTimetable(ctx context.Context, fn func()) (Unsubscribe, error)
	SubscribeEvents(ctx context.Context, fn func()) (Unsubscribe, error)

	// SubscribeConnectivity delivers the current reachability state
	// immediately and again on every transition.
	SubscribeConnectivity(ctx context.Context, fn func(online bool)) (Unsubscribe, error)

	Close() error
}
