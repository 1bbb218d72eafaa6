// Package prefs persists UI preferences and user-registered bundle and
// behavior entries as a single JSON document in the state directory.
package prefs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const prefsFile = "web-preferences.json"

// CustomEntry is a user-registered bundle or behavior source.
type CustomEntry struct {
	Name        string `json:"name"`
	URI         string `json:"uri"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`
}

// Preferences is the persisted document. UI holds arbitrary client-side
// settings the gateway round-trips without interpreting.
type Preferences struct {
	DefaultBundle    string         `json:"default_bundle,omitempty"`
	DefaultBehaviors []string       `json:"default_behaviors,omitempty"`
	DefaultCwd       string         `json:"default_cwd,omitempty"`
	ShowThinking     *bool          `json:"show_thinking,omitempty"`
	UI               map[string]any `json:"ui,omitempty"`
	CustomBundles    []CustomEntry  `json:"custom_bundles,omitempty"`
	CustomBehaviors  []CustomEntry  `json:"custom_behaviors,omitempty"`
}

// Store reads and writes the preferences document.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore creates a store rooted at stateRoot.
func NewStore(stateRoot string) *Store {
	return &Store{path: filepath.Join(stateRoot, prefsFile)}
}

// Get loads the current preferences. A missing file yields zero-value
// preferences, not an error.
func (s *Store) Get() (Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Put replaces the whole document atomically.
func (s *Store) Put(p Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(p)
}

// Update applies fn to the current document and persists the result.
func (s *Store) Update(fn func(*Preferences) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(&p); err != nil {
		return err
	}
	return s.save(p)
}

func (s *Store) load() (Preferences, error) {
	var p Preferences
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return p, nil
	}
	if err != nil {
		return p, fmt.Errorf("read preferences: %w", err)
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return Preferences{}, fmt.Errorf("parse preferences: %w", err)
	}
	return p, nil
}

func (s *Store) save(p Preferences) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
