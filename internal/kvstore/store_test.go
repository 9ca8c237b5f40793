package kvstore

import (
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.Get("members", "support"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get on empty store: %v, want ErrNotFound", err)
	}

	if err := s.Put("members", "support", "v1"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get("members", "support")
	if err != nil || got != "v1" {
		t.Fatalf("Get = %q, %v, want v1", got, err)
	}

	// Put replaces.
	if err := s.Put("members", "support", "v2"); err != nil {
		t.Fatalf("Put replace: %v", err)
	}
	if got, _ := s.Get("members", "support"); got != "v2" {
		t.Errorf("Get after replace = %q, want v2", got)
	}

	if err := s.Delete("members", "support"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get("members", "support"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete: %v, want ErrNotFound", err)
	}
	// Deleting a missing key is not an error.
	if err := s.Delete("members", "support"); err != nil {
		t.Errorf("Delete missing: %v", err)
	}
}

func TestFamiliesAreSeparate(t *testing.T) {
	s := openTestStore(t)
	s.Put("a", "k", "va")
	s.Put("b", "k", "vb")

	if got, _ := s.Get("a", "k"); got != "va" {
		t.Errorf("family a = %q", got)
	}
	if got, _ := s.Get("b", "k"); got != "vb" {
		t.Errorf("family b = %q", got)
	}
	s.Delete("a", "k")
	if _, err := s.Get("b", "k"); err != nil {
		t.Error("delete in one family leaked into another")
	}
}

func TestKeysSorted(t *testing.T) {
	s := openTestStore(t)
	for _, k := range []string{"zeta", "alpha", "mid"} {
		if err := s.Put("members", k, "x"); err != nil {
			t.Fatalf("Put %s: %v", k, err)
		}
	}
	keys, err := s.Keys("members")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	want := []string{"alpha", "mid", "zeta"}
	if len(keys) != len(want) {
		t.Fatalf("keys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("keys = %v, want %v", keys, want)
		}
	}
}

func TestReopenPersists(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Put("members", "support", "kept"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if got, _ := s2.Get("members", "support"); got != "kept" {
		t.Errorf("value after reopen = %q, want kept", got)
	}
	if _, err := filepath.Glob(filepath.Join(dir, "*.db")); err != nil {
		t.Fatalf("glob: %v", err)
	}
}
