package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/renameio/v2"
)

// SnapshotVersion is the current version of the cache file format.
const SnapshotVersion = 1

// KnownSpa records one spa a client has connected to.
type KnownSpa struct {
	// Identifier is the unique spa identifier.
	Identifier string `json:"identifier"`

	// Name is the spa name as last advertised.
	Name string `json:"name,omitempty"`

	// Address is the "ip:port" the spa was last reached at.
	Address string `json:"address"`

	// LastConnected is when a session to this spa last completed its
	// handshake.
	LastConnected time.Time `json:"last_connected"`
}

// Snapshot is the on-disk cache contents.
type Snapshot struct {
	// Version is the cache file format version.
	Version int `json:"version"`

	// SavedAt is when the cache was last saved.
	SavedAt time.Time `json:"saved_at"`

	// Spas lists known spas, most recently connected first.
	Spas []KnownSpa `json:"spas,omitempty"`
}

// Store manages the known-spa cache in a JSON file.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore creates a store backed by the file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Save persists the snapshot to disk atomically.
func (s *Store) Save(snapshot *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(snapshot)
}

func (s *Store) saveLocked(snapshot *Snapshot) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	snapshot.Version = SnapshotVersion
	if snapshot.SavedAt.IsZero() {
		snapshot.SavedAt = time.Now()
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	return renameio.WriteFile(s.path, data, 0644)
}

// Load reads the cache from disk.
// Returns nil, nil if the file doesn't exist (empty cache).
func (s *Store) Load() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (*Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	snapshot := &Snapshot{}
	if err := json.Unmarshal(data, snapshot); err != nil {
		return nil, err
	}

	return snapshot, nil
}

// Remember upserts one spa into the cache, keyed by identifier, and
// saves. The list stays ordered most recently connected first.
func (s *Store) Remember(spa KnownSpa) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot, err := s.loadLocked()
	if err != nil {
		return err
	}
	if snapshot == nil {
		snapshot = &Snapshot{}
	}

	replaced := false
	for i := range snapshot.Spas {
		if snapshot.Spas[i].Identifier == spa.Identifier {
			snapshot.Spas[i] = spa
			replaced = true
			break
		}
	}
	if !replaced {
		snapshot.Spas = append(snapshot.Spas, spa)
	}

	sort.SliceStable(snapshot.Spas, func(i, j int) bool {
		return snapshot.Spas[i].LastConnected.After(snapshot.Spas[j].LastConnected)
	})

	snapshot.SavedAt = time.Time{}
	return s.saveLocked(snapshot)
}

// Addresses returns the cached addresses, most recently connected
// first. A missing or unreadable cache yields nil.
func (s *Store) Addresses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot, err := s.loadLocked()
	if err != nil || snapshot == nil {
		return nil
	}

	addrs := make([]string, 0, len(snapshot.Spas))
	for _, spa := range snapshot.Spas {
		if spa.Address != "" {
			addrs = append(addrs, spa.Address)
		}
	}
	return addrs
}

// Clear removes the cache file.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
