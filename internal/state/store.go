// Package state owns the engine's durable belief about positions, pending
// orders and risk counters. One versioned record per instrument; every
// mutation goes through compare-and-swap so concurrent writers (executor and
// reconciler) never silently overwrite each other.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrVersionConflict is returned by CompareAndSwap when the caller's
// expected version no longer matches. The caller must re-read and retry.
var ErrVersionConflict = errors.New("state: version conflict")

// ErrCorrupt marks a durable record that exists but cannot be parsed.
// Startup must treat this as fatal rather than trade on guessed state.
var ErrCorrupt = errors.New("state: corrupt durable record")

// Store holds the per-instrument aggregates in memory and persists each one
// as a JSON record written atomically (temp file + rename).
type Store struct {
	mu    sync.Mutex
	dir   string
	snaps map[string]*Snapshot
}

// NewStore creates a store rooted at dir. The directory is created if
// missing; existing records are not loaded until Load is called.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Store{dir: dir, snaps: make(map[string]*Snapshot)}, nil
}

// Load reads every durable record under the state directory. It is
// mandatory before any trading action. A record that exists but cannot be
// parsed or fails validation is fatal (ErrCorrupt): the engine must not
// guess its starting state.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read state dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
		}
		if err := snap.Validate(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
		}
		s.snaps[snap.Instrument] = &snap
		log.Info().
			Str("instrument", snap.Instrument).
			Uint64("version", snap.Version).
			Str("side", string(snap.Position.Side)).
			Float64("qty", snap.Position.Qty).
			Msg("recovered durable state")
	}
	return nil
}

// Snapshot returns a copy of the current aggregate for the instrument,
// creating an empty flat record on first use.
func (s *Store) Snapshot(instrument string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(instrument).clone()
}

// Instruments lists every instrument the store currently tracks.
func (s *Store) Instruments() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.snaps))
	for k := range s.snaps {
		out = append(out, k)
	}
	return out
}

// CompareAndSwap applies mutate to a copy of the current snapshot and
// installs the result only if the stored version still equals
// expectedVersion. On success the new snapshot (version bumped) is persisted
// and returned. ErrVersionConflict means a concurrent writer won; re-read
// and retry against fresh state.
func (s *Store) CompareAndSwap(instrument string, expectedVersion uint64, mutate func(*Snapshot) error) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.getLocked(instrument)
	if cur.Version != expectedVersion {
		return Snapshot{}, fmt.Errorf("%w: %s expected v%d, have v%d",
			ErrVersionConflict, instrument, expectedVersion, cur.Version)
	}

	next := cur.clone()
	if err := mutate(&next); err != nil {
		return Snapshot{}, err
	}
	if err := next.Validate(); err != nil {
		return Snapshot{}, fmt.Errorf("mutation violates invariants: %w", err)
	}
	next.Version++

	if err := s.persistLocked(&next); err != nil {
		return Snapshot{}, err
	}
	s.snaps[instrument] = &next
	return next.clone(), nil
}

// Update is CompareAndSwap with an internal read-retry loop, for callers
// whose mutation does not depend on a previously-read snapshot.
func (s *Store) Update(instrument string, mutate func(*Snapshot) error) (Snapshot, error) {
	for {
		snap := s.Snapshot(instrument)
		next, err := s.CompareAndSwap(instrument, snap.Version, mutate)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		return next, err
	}
}

func (s *Store) getLocked(instrument string) *Snapshot {
	if snap, ok := s.snaps[instrument]; ok {
		return snap
	}
	snap := &Snapshot{
		Instrument: instrument,
		Position:   Position{Side: Flat},
	}
	s.snaps[instrument] = snap
	return snap
}

// persistLocked writes the record to a temp file in the state directory and
// renames it into place, so a crash mid-write never leaves a partial record.
func (s *Store) persistLocked(snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	final := s.recordPath(snap.Instrument)
	tmp, err := os.CreateTemp(s.dir, snap.Instrument+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("swap state file: %w", err)
	}
	return nil
}

func (s *Store) recordPath(instrument string) string {
	return filepath.Join(s.dir, strings.ToUpper(instrument)+".json")
}
