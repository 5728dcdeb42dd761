package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"stealthflow/internal/model"
)

// Store owns the ordered collection of transport profiles. The failover
// controller is the single writer for stats; readers always get copies,
// never references into the store.
type Store struct {
	path string

	mu       sync.RWMutex
	profiles []model.Profile
}

// fileFormat is the on-disk shape; keeping it separate from Store lets
// later fields be added without breaking old files.
type fileFormat struct {
	UpdatedAt time.Time       `yaml:"updated_at"`
	Profiles  []model.Profile `yaml:"profiles"`
}

// Load reads the profile file at path. A missing file yields an empty
// store bound to that path.
func Load(path string) (*Store, error) {
	s := &Store{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}

	var file fileFormat
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	for _, p := range file.Profiles {
		if err := validate(p); err != nil {
			return nil, fmt.Errorf("profile %q: %w", p.Name, err)
		}
	}
	s.profiles = file.Profiles
	return s, nil
}

// Save writes the current profiles back to the store's path.
func (s *Store) Save() error {
	s.mu.RLock()
	file := fileFormat{
		UpdatedAt: time.Now().UTC(),
		Profiles:  append([]model.Profile(nil), s.profiles...),
	}
	s.mu.RUnlock()

	data, err := yaml.Marshal(&file)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

func validate(p model.Profile) error {
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	if p.Server == "" {
		return fmt.Errorf("server is required")
	}
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("port %d out of range", p.Port)
	}
	known := false
	for _, k := range model.KnownKinds {
		if p.Kind == k {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unknown kind %q", p.Kind)
	}
	return nil
}

// Add inserts a new profile. Names must be unique.
func (s *Store) Add(p model.Profile) error {
	if err := validate(p); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.profiles {
		if existing.Name == p.Name {
			return fmt.Errorf("profile %q already exists", p.Name)
		}
	}
	s.profiles = append(s.profiles, p)
	return nil
}

// Update replaces the named profile's configuration, keeping its stats.
func (s *Store) Update(p model.Profile) error {
	if err := validate(p); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.profiles {
		if s.profiles[i].Name == p.Name {
			p.Stats = s.profiles[i].Stats
			s.profiles[i] = p
			return nil
		}
	}
	return fmt.Errorf("profile %q not found", p.Name)
}

// SetEnabled flips the enabled flag. Profiles are never deleted at
// runtime, only disabled.
func (s *Store) SetEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.profiles {
		if s.profiles[i].Name == name {
			s.profiles[i].Enabled = enabled
			return nil
		}
	}
	return fmt.Errorf("profile %q not found", name)
}

// Get returns a copy of the named profile.
func (s *Store) Get(name string) (model.Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.profiles {
		if p.Name == name {
			return p, true
		}
	}
	return model.Profile{}, false
}

// Snapshot returns an immutable copy of all profiles ordered by priority
// (lower first), then name. Safe for concurrent readers.
func (s *Store) Snapshot() []model.Profile {
	s.mu.RLock()
	out := append([]model.Profile(nil), s.profiles...)
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Enabled returns the enabled subset of Snapshot.
func (s *Store) Enabled() []model.Profile {
	all := s.Snapshot()
	out := all[:0]
	for _, p := range all {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// MutateStats applies fn to the named profile's stats under the write
// lock, so readers never observe a partially updated record.
func (s *Store) MutateStats(name string, fn func(*model.Stats)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.profiles {
		if s.profiles[i].Name == name {
			fn(&s.profiles[i].Stats)
			return true
		}
	}
	return false
}
