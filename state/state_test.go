package state_test

import (
	"path/filepath"
	"testing"

	"github.com/mailroom/mailroom/state"
)

func testStorage(t *testing.T, s state.Storage) {
	t.Helper()

	v, err := s.Get("comments", "alice@example.com")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != state.FirstState {
		t.Errorf("Get on unseen key = %q, want %q", v, state.FirstState)
	}

	if err := s.Set("comments", "alice@example.com", "POSTED"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, err = s.Get("comments", "alice@example.com")
	if err != nil {
		t.Fatalf("Get after Set: %v", err)
	}
	if v != "POSTED" {
		t.Errorf("Get after Set = %q, want %q", v, "POSTED")
	}

	v, err = s.Get("comments", "bob@example.com")
	if err != nil {
		t.Fatalf("Get for different sender: %v", err)
	}
	if v != state.FirstState {
		t.Errorf("Get for different sender = %q, want %q", v, state.FirstState)
	}

	if err := s.Set("comments", "alice@example.com", state.FirstState); err != nil {
		t.Fatalf("Set back to FirstState: %v", err)
	}
	v, err = s.Get("comments", "alice@example.com")
	if err != nil {
		t.Fatalf("Get after rewind: %v", err)
	}
	if v != state.FirstState {
		t.Errorf("Get after rewind = %q, want %q", v, state.FirstState)
	}

	if err := s.Set("comments", "alice@example.com", "POSTED"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	v, err = s.Get("comments", "alice@example.com")
	if err != nil {
		t.Fatalf("Get after Clear: %v", err)
	}
	if v != state.FirstState {
		t.Errorf("Get after Clear = %q, want %q", v, state.FirstState)
	}
}

func TestMemoryStorage(t *testing.T) {
	testStorage(t, state.NewMemory())
}

func TestPersistentStorage(t *testing.T) {
	dir := t.TempDir()
	s, err := state.NewPersistent(filepath.Join(dir, "state.json"))
	if err != nil {
		t.Fatalf("NewPersistent: %v", err)
	}
	testStorage(t, s)
}

func TestPersistentStorageSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	s1, err := state.NewPersistent(path)
	if err != nil {
		t.Fatalf("NewPersistent: %v", err)
	}
	if err := s1.Set("comments", "alice@example.com", "POSTED"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	s2, err := state.NewPersistent(path)
	if err != nil {
		t.Fatalf("NewPersistent (reopen): %v", err)
	}
	v, err := s2.Get("comments", "alice@example.com")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != "POSTED" {
		t.Errorf("Get after reopen = %q, want %q", v, "POSTED")
	}
}
