package prefs

import (
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileReturnsZeroValue(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "preferences.json"))
	p, err := s.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if p.LastActiveSessionID != "" {
		t.Errorf("LastActiveSessionID = %q, want empty", p.LastActiveSessionID)
	}
}

func TestSetLastActiveSessionID_PersistsAcrossLoads(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "preferences.json"))

	if err := s.SetLastActiveSessionID("sess1"); err != nil {
		t.Fatalf("SetLastActiveSessionID failed: %v", err)
	}

	p, err := s.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if p.LastActiveSessionID != "sess1" {
		t.Errorf("LastActiveSessionID = %q, want sess1", p.LastActiveSessionID)
	}
}

func TestSetLastActiveSessionID_Overwrites(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "preferences.json"))

	if err := s.SetLastActiveSessionID("sess1"); err != nil {
		t.Fatalf("SetLastActiveSessionID failed: %v", err)
	}
	if err := s.SetLastActiveSessionID("sess2"); err != nil {
		t.Fatalf("SetLastActiveSessionID failed: %v", err)
	}

	p, err := s.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if p.LastActiveSessionID != "sess2" {
		t.Errorf("LastActiveSessionID = %q, want sess2", p.LastActiveSessionID)
	}
}
