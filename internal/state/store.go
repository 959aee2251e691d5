// Package state holds the in-memory mirror of amplifier zone state. The
// store is single-writer (the protocol engine) and multi-reader; readers
// always receive copies, and observers get whole-zone old/new change pairs.
package state

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NumZones is the fixed zone count of the amplifier.
const NumZones = 6

// ErrUnknownZone is returned for zone ids outside 1-6.
var ErrUnknownZone = errors.New("unknown zone id")

// ZoneState is a snapshot of one zone's last confirmed state. Volume and
// source are only trustworthy while Power is true; a powered-off zone keeps
// its last known values but they must be re-read after power-on. Known is
// false until the first confirmed status frame arrives for the zone.
type ZoneState struct {
	ID          int
	Power       bool
	Volume      int
	Source      int
	Mute        bool
	Known       bool
	LastUpdated time.Time
}

// Change is published to observers on every store update.
type Change struct {
	Old ZoneState
	New ZoneState
}

// changeBuffer is the per-observer channel depth. Observers that fall
// further behind miss intermediate changes rather than stalling the writer.
const changeBuffer = 16

// Store maps zone ids 1-6 to their latest snapshots. All six zones exist
// from construction, initially unknown and unpowered.
type Store struct {
	mu    sync.RWMutex
	zones [NumZones]ZoneState

	observerMu sync.Mutex
	observers  map[string]chan Change
}

// NewStore creates a store with all zones marked unknown. Source defaults to
// 1, matching what the unit reports for a factory-fresh zone.
func NewStore() *Store {
	s := &Store{observers: make(map[string]chan Change)}
	for i := range s.zones {
		s.zones[i] = ZoneState{ID: i + 1, Source: 1}
	}
	return s
}

// Get returns a copy of the zone's latest snapshot.
func (s *Store) Get(zone int) (ZoneState, error) {
	if zone < 1 || zone > NumZones {
		return ZoneState{}, fmt.Errorf("zone %d: %w", zone, ErrUnknownZone)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.zones[zone-1], nil
}

// Snapshot returns copies of all six zones in id order.
func (s *Store) Snapshot() []ZoneState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ZoneState, NumZones)
	copy(out, s.zones[:])
	return out
}

// Apply replaces a zone's snapshot and notifies observers. It is called
// exclusively by the protocol engine after a confirmed status frame; the
// whole ZoneState is swapped at once so readers never see a partial update.
func (s *Store) Apply(z ZoneState) error {
	if z.ID < 1 || z.ID > NumZones {
		return fmt.Errorf("zone %d: %w", z.ID, ErrUnknownZone)
	}
	z.Known = true
	if z.LastUpdated.IsZero() {
		z.LastUpdated = time.Now()
	}

	s.mu.Lock()
	old := s.zones[z.ID-1]
	s.zones[z.ID-1] = z
	s.mu.Unlock()

	s.publish(Change{Old: old, New: z})
	return nil
}

// Subscribe registers an observer for change notifications. The returned id
// identifies the observer when unsubscribing. Delivery is non-blocking: a
// full observer channel drops the change rather than stalling the engine.
func (s *Store) Subscribe() (string, <-chan Change) {
	id := uuid.NewString()
	ch := make(chan Change, changeBuffer)
	s.observerMu.Lock()
	defer s.observerMu.Unlock()
	s.observers[id] = ch
	return id, ch
}

// Unsubscribe removes an observer and closes its channel.
func (s *Store) Unsubscribe(id string) {
	s.observerMu.Lock()
	defer s.observerMu.Unlock()
	if ch, ok := s.observers[id]; ok {
		close(ch)
		delete(s.observers, id)
	}
}

// Close drops all observers.
func (s *Store) Close() {
	s.observerMu.Lock()
	defer s.observerMu.Unlock()
	for id, ch := range s.observers {
		close(ch)
		delete(s.observers, id)
	}
}

func (s *Store) publish(c Change) {
	s.observerMu.Lock()
	defer s.observerMu.Unlock()
	for _, ch := range s.observers {
		select {
		case ch <- c:
		default:
		}
	}
}
