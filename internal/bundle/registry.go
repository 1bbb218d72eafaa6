// Package bundle exposes the catalog of built-in and user-registered
// bundles and behaviors, and validates the URIs customs are loaded from.
package bundle

import (
	"errors"
	"fmt"
	"sort"

	"github.com/agentgate/agentgate/internal/prefs"
)

var (
	// ErrNotFound indicates an unknown bundle or behavior name.
	ErrNotFound = errors.New("not found")
	// ErrExists indicates a name collision with a builtin or existing custom.
	ErrExists = errors.New("already registered")
)

// Info describes one catalog entry.
type Info struct {
	Name        string `json:"name"`
	URI         string `json:"uri,omitempty"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`
	Builtin     bool   `json:"builtin"`
}

var builtinBundles = []Info{
	{Name: "foundation", Description: "Core tools and default provider wiring", Builtin: true},
	{Name: "coding", Description: "Code-focused tools with repository access", Builtin: true},
}

var builtinBehaviors = []Info{
	{Name: "concise", Description: "Prefer short answers", Builtin: true},
	{Name: "web-research", Description: "Enable web search and fetch tools", Builtin: true},
}

// Registry serves catalog reads and mutations. Customs are persisted in the
// preferences store; builtins are compiled in.
type Registry struct {
	prefs *prefs.Store
}

// NewRegistry creates a registry backed by the given preferences store.
func NewRegistry(store *prefs.Store) *Registry {
	return &Registry{prefs: store}
}

// ListBundles returns builtins followed by customs, each group sorted by name.
func (r *Registry) ListBundles() ([]Info, error) {
	p, err := r.prefs.Get()
	if err != nil {
		return nil, err
	}
	return merge(builtinBundles, p.CustomBundles), nil
}

// ListBehaviors returns builtins followed by customs.
func (r *Registry) ListBehaviors() ([]Info, error) {
	p, err := r.prefs.Get()
	if err != nil {
		return nil, err
	}
	return merge(builtinBehaviors, p.CustomBehaviors), nil
}

// GetBundle looks up one bundle by name.
func (r *Registry) GetBundle(name string) (Info, error) {
	entries, err := r.ListBundles()
	if err != nil {
		return Info{}, err
	}
	return find(entries, name)
}

// GetBehavior looks up one behavior by name.
func (r *Registry) GetBehavior(name string) (Info, error) {
	entries, err := r.ListBehaviors()
	if err != nil {
		return Info{}, err
	}
	return find(entries, name)
}

// AddCustomBundle validates the URI and registers a custom bundle. Manifest
// fields discovered during validation fill in missing metadata.
func (r *Registry) AddCustomBundle(entry prefs.CustomEntry) error {
	return r.addCustom(entry, builtinBundles,
		func(p *prefs.Preferences) *[]prefs.CustomEntry { return &p.CustomBundles })
}

// AddCustomBehavior validates the URI and registers a custom behavior.
func (r *Registry) AddCustomBehavior(entry prefs.CustomEntry) error {
	return r.addCustom(entry, builtinBehaviors,
		func(p *prefs.Preferences) *[]prefs.CustomEntry { return &p.CustomBehaviors })
}

// RemoveCustomBundle unregisters a custom bundle. Builtins cannot be removed.
func (r *Registry) RemoveCustomBundle(name string) error {
	return r.removeCustom(name,
		func(p *prefs.Preferences) *[]prefs.CustomEntry { return &p.CustomBundles })
}

// RemoveCustomBehavior unregisters a custom behavior.
func (r *Registry) RemoveCustomBehavior(name string) error {
	return r.removeCustom(name,
		func(p *prefs.Preferences) *[]prefs.CustomEntry { return &p.CustomBehaviors })
}

func (r *Registry) addCustom(entry prefs.CustomEntry, builtins []Info, slot func(*prefs.Preferences) *[]prefs.CustomEntry) error {
	if entry.Name == "" {
		return errors.New("name is required")
	}
	result := ValidateURI(entry.URI)
	if !result.Valid {
		return fmt.Errorf("invalid uri: %s", result.Error)
	}
	if result.Manifest != nil {
		if entry.Version == "" {
			entry.Version = result.Manifest.Version
		}
		if entry.Description == "" {
			entry.Description = result.Manifest.Description
		}
	}
	for _, b := range builtins {
		if b.Name == entry.Name {
			return fmt.Errorf("%q: %w", entry.Name, ErrExists)
		}
	}
	return r.prefs.Update(func(p *prefs.Preferences) error {
		customs := slot(p)
		for _, c := range *customs {
			if c.Name == entry.Name {
				return fmt.Errorf("%q: %w", entry.Name, ErrExists)
			}
		}
		*customs = append(*customs, entry)
		return nil
	})
}

func (r *Registry) removeCustom(name string, slot func(*prefs.Preferences) *[]prefs.CustomEntry) error {
	return r.prefs.Update(func(p *prefs.Preferences) error {
		customs := slot(p)
		for i, c := range *customs {
			if c.Name == name {
				*customs = append((*customs)[:i], (*customs)[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("%q: %w", name, ErrNotFound)
	})
}

func merge(builtins []Info, customs []prefs.CustomEntry) []Info {
	out := make([]Info, 0, len(builtins)+len(customs))
	out = append(out, builtins...)

	extra := make([]Info, 0, len(customs))
	for _, c := range customs {
		extra = append(extra, Info{
			Name:        c.Name,
			URI:         c.URI,
			Description: c.Description,
			Version:     c.Version,
		})
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i].Name < extra[j].Name })
	return append(out, extra...)
}

func find(entries []Info, name string) (Info, error) {
	for _, e := range entries {
		if e.Name == name {
			return e, nil
		}
	}
	return Info{}, fmt.Errorf("%q: %w", name, ErrNotFound)
}
