package local

import (
	"bytes"
	"testing"

	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestSetGet(t *testing.T) {
	s := newTestStore(t)

	if err := s.Set("timetable.snapshot.json", []byte(`[{"date":"2025-03-01"}]`)); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok := s.Get("timetable.snapshot.json")
	if !ok {
		t.Fatal("expected value to be present")
	}
	if !bytes.Contains(got, []byte("2025-03-01")) {
		t.Errorf("unexpected value %q", got)
	}
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	if _, ok := s.Get("nope"); ok {
		t.Fatal("missing key reported as present")
	}
}

func TestSetOverwrites(t *testing.T) {
	s := newTestStore(t)

	if err := s.Set("k", []byte("one")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set("k", []byte("two")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok := s.Get("k")
	if !ok || string(got) != "two" {
		t.Fatalf("Get = %q, %v; want two", got, ok)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)

	if err := s.Set("k", []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	s.Delete("k")
	if _, ok := s.Get("k"); ok {
		t.Fatal("value still present after delete")
	}

	// Deleting a missing key is a no-op.
	s.Delete("k")
}

func TestKeyCannotEscapeDirectory(t *testing.T) {
	s := newTestStore(t)

	if err := s.Set("../escape", []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok := s.Get("../escape"); !ok {
		t.Fatal("flattened key not readable back")
	}
}
