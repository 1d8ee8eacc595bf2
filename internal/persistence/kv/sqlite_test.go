package kv

import (
	"errors"
	"path/filepath"
	"testing"

	"marscolony.ai/internal/persistence/recordstore"
)

func TestSQLiteBackendUpsert(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "state", "records.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if _, err := s.Load("hall"); !errors.Is(err, recordstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Save("hall", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Save("hall", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("save again: %v", err)
	}
	got, err := s.Load("hall")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(got) != `{"v":2}` {
		t.Fatalf("expected latest body, got %s", got)
	}
	keys, err := s.Keys()
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 1 || keys[0] != "hall" {
		t.Fatalf("unexpected keys: %v", keys)
	}
}
