package store

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(&Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewInstallsDefaultSettings(t *testing.T) {
	s := newTestStore(t)

	mode, ok, err := s.GetSetting("delivery_mode")
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if !ok || mode != DefaultDeliveryMode {
		t.Errorf("delivery_mode = %q, ok=%v, want %q", mode, ok, DefaultDeliveryMode)
	}
}

func TestNewIsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := New(&Config{DataDir: dir})
	if err != nil {
		t.Fatalf("first New: %v", err)
	}
	if err := s1.SetSetting("delivery_mode", "p2p_only"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	s1.Close()

	s2, err := New(&Config{DataDir: dir})
	if err != nil {
		t.Fatalf("second New: %v", err)
	}
	defer s2.Close()

	mode, ok, err := s2.GetSetting("delivery_mode")
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if !ok || mode != "p2p_only" {
		t.Errorf("reopening overwrote existing setting: got %q", mode)
	}
}
