package persona

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
)

// Store holds the loaded persona cards. Cards live as JSON5 files (one per
// persona) in a directory, so they can carry comments.
type Store struct {
	log zerolog.Logger

	mu       sync.RWMutex
	personas map[string]*Persona
}

func NewStore(log zerolog.Logger) *Store {
	return &Store{
		log:      log.With().Str("component", "personas").Logger(),
		personas: make(map[string]*Persona),
	}
}

// LoadDir reads every .json/.json5 card in dir. Unreadable or invalid cards
// are logged and skipped; a missing directory is not an error.
func (s *Store) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to read persona dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".json" && ext != ".json5" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		card, err := loadCard(path)
		if err != nil {
			s.log.Warn().Err(err).Str("path", path).Msg("Skipping persona card")
			continue
		}
		s.Add(card)
		s.log.Debug().Str("persona_id", card.ID).Str("name", card.Name).Msg("Loaded persona card")
	}
	return nil
}

func loadCard(path string) (*Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var card Persona
	if err = json5.Unmarshal(data, &card); err != nil {
		return nil, fmt.Errorf("failed to parse card: %w", err)
	}
	if err = card.Validate(); err != nil {
		return nil, err
	}
	return &card, nil
}

// SaveCard writes a card to dir atomically (tmp file + rename), named after
// the persona's ID.
func (s *Store) SaveCard(dir string, card *Persona) error {
	if err := card.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	payload, err := json5.MarshalIndent(card, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, card.ID+".json5")
	tmp := path + ".tmp"
	if err = os.WriteFile(tmp, payload, 0o644); err != nil {
		return err
	}
	if err = os.Rename(tmp, path); err != nil {
		return err
	}
	s.Add(card)
	return nil
}

// Add registers or replaces a persona in memory.
func (s *Store) Add(card *Persona) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.personas[card.ID] = card
}

// Get looks up a persona by ID.
func (s *Store) Get(id string) *Persona {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.personas[id]
}

// All returns the personas sorted by name for stable listings.
func (s *Store) All() []*Persona {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Persona, 0, len(s.personas))
	for _, card := range s.personas {
		out = append(out, card)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}
