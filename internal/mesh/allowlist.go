package mesh

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
)

// ErrConfigCorrupt is returned when the persisted allow-list cannot be
// parsed. Writes are atomic replace-on-success, so a corrupt file means
// external interference rather than a torn write.
var ErrConfigCorrupt = errors.New("allow-list file is corrupt")

// AllowList is the durable set of mesh identities permitted to connect.
// It behaves as a tiny transactional key-set store: every mutation rewrites
// the whole file to a temp path and renames it into place.
type AllowList struct {
	mu   sync.Mutex
	path string
}

type allowListFile struct {
	Peers []string `json:"peers"`
}

// NewAllowList creates an allow-list persisted at path.
func NewAllowList(path string) *AllowList {
	return &AllowList{path: path}
}

// Load returns the current allowed set. A missing file is an empty set.
func (a *AllowList) Load() (map[peer.ID]struct{}, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.load()
}

func (a *AllowList) load() (map[peer.ID]struct{}, error) {
	data, err := os.ReadFile(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[peer.ID]struct{}{}, nil
		}
		return nil, fmt.Errorf("failed to read allow-list: %w", err)
	}

	var f allowListFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigCorrupt, err)
	}

	set := make(map[peer.ID]struct{}, len(f.Peers))
	for _, s := range f.Peers {
		id, err := peer.Decode(s)
		if err != nil {
			return nil, fmt.Errorf("%w: bad peer id %q", ErrConfigCorrupt, s)
		}
		set[id] = struct{}{}
	}
	return set, nil
}

// Add inserts a peer ID. Adding an already-present ID is a no-op; the
// returned bool reports whether the set changed.
func (a *AllowList) Add(id peer.ID) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	set, err := a.load()
	if err != nil {
		return false, err
	}
	if _, ok := set[id]; ok {
		return false, nil
	}
	set[id] = struct{}{}
	return true, a.save(set)
}

// Remove deletes a peer ID. Removing an absent ID is a no-op; the returned
// int is the number of peers remaining after the removal.
func (a *AllowList) Remove(id peer.ID) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	set, err := a.load()
	if err != nil {
		return 0, err
	}
	delete(set, id)
	if err := a.save(set); err != nil {
		return 0, err
	}
	return len(set), nil
}

func (a *AllowList) save(set map[peer.ID]struct{}) error {
	f := allowListFile{Peers: make([]string, 0, len(set))}
	for id := range set {
		f.Peers = append(f.Peers, id.String())
	}
	sort.Strings(f.Peers)

	data, err := json.MarshalIndent(&f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode allow-list: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(a.path), 0755); err != nil {
		return fmt.Errorf("failed to create allow-list directory: %w", err)
	}

	tmp := a.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write allow-list: %w", err)
	}
	if err := os.Rename(tmp, a.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace allow-list: %w", err)
	}
	return nil
}
