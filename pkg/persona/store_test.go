package persona

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

const testID = "11111111-1111-1111-1111-111111111111"

func TestSaveAndLoadCard(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(zerolog.Nop())

	card := &Persona{
		ID:           testID,
		Name:         "Archivist",
		SystemPrompt: "You are a meticulous archivist.",
		Independence: 2,
		Temperature:  0.7,
	}
	if err := store.SaveCard(dir, card); err != nil {
		t.Fatalf("failed to save card: %v", err)
	}

	fresh := NewStore(zerolog.Nop())
	if err := fresh.LoadDir(dir); err != nil {
		t.Fatalf("failed to load dir: %v", err)
	}
	loaded := fresh.Get(testID)
	if loaded == nil {
		t.Fatalf("card not loaded")
	}
	if loaded.Name != "Archivist" || loaded.Independence != 2 || loaded.Temperature != 0.7 {
		t.Fatalf("card fields lost in round trip: %+v", loaded)
	}
}

func TestLoadDirToleratesComments(t *testing.T) {
	dir := t.TempDir()
	raw := `{
  // A persona card with comments.
  id: "` + testID + `",
  name: "Scout",
  independence: 0,
}`
	if err := os.WriteFile(filepath.Join(dir, "scout.json5"), []byte(raw), 0o644); err != nil {
		t.Fatalf("failed to write card: %v", err)
	}
	store := NewStore(zerolog.Nop())
	if err := store.LoadDir(dir); err != nil {
		t.Fatalf("failed to load dir: %v", err)
	}
	if store.Get(testID) == nil {
		t.Fatalf("json5 card with comments not loaded")
	}
}

func TestLoadDirSkipsInvalidCards(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{nope"), 0o644); err != nil {
		t.Fatalf("failed to write card: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "not-uuid.json"), []byte(`{"id":"abc","name":"X"}`), 0o644); err != nil {
		t.Fatalf("failed to write card: %v", err)
	}
	store := NewStore(zerolog.Nop())
	if err := store.LoadDir(dir); err != nil {
		t.Fatalf("invalid cards should be skipped, not fatal: %v", err)
	}
	if len(store.All()) != 0 {
		t.Fatalf("expected no personas, got %d", len(store.All()))
	}
}

func TestLoadMissingDir(t *testing.T) {
	store := NewStore(zerolog.Nop())
	if err := store.LoadDir(filepath.Join(t.TempDir(), "nope")); err != nil {
		t.Fatalf("missing dir should be tolerated: %v", err)
	}
}

func TestClampedIndependence(t *testing.T) {
	tests := []struct {
		in, want int
	}{{-5, 0}, {0, 0}, {2, 2}, {3, 3}, {7, 3}}
	for _, tc := range tests {
		p := &Persona{Independence: tc.in}
		if got := p.ClampedIndependence(); got != tc.want {
			t.Fatalf("clamp(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
