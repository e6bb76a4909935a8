package logs

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

type PatchKind string

const (
	PatchKindAdd     PatchKind = "add"
	PatchKindReplace PatchKind = "replace"
)

// Patch is one mutation of the normalized log: an append or a whole-entry
// replacement at an index. Partial field updates are never emitted.
type Patch struct {
	Kind  PatchKind
	Index int
	Entry NormalizedEntry
}

// MsgStore is the append-only normalized log for one execution process.
// Entries are addressable by index and mutated only by whole-entry replace.
type MsgStore struct {
	mu      sync.RWMutex
	entries []NormalizedEntry
	subs    []chan Patch
}

func NewMsgStore() *MsgStore {
	return &MsgStore{}
}

// Push appends an entry and returns its index.
func (s *MsgStore) Push(entry NormalizedEntry) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	idx := len(s.entries) - 1
	s.broadcastLocked(Patch{Kind: PatchKindAdd, Index: idx, Entry: entry})
	return idx
}

// Replace swaps the entry at idx for a new one.
func (s *MsgStore) Replace(idx int, entry NormalizedEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx < 0 || idx >= len(s.entries) {
		return fmt.Errorf("replace index %d out of range (len %d)", idx, len(s.entries))
	}
	s.entries[idx] = entry
	s.broadcastLocked(Patch{Kind: PatchKindReplace, Index: idx, Entry: entry})
	return nil
}

// History returns a point-in-time snapshot of all entries.
func (s *MsgStore) History() []NormalizedEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]NormalizedEntry(nil), s.entries...)
}

// Entry returns the entry at idx, if present.
func (s *MsgStore) Entry(idx int) (NormalizedEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if idx < 0 || idx >= len(s.entries) {
		return NormalizedEntry{}, false
	}
	return s.entries[idx], true
}

// Subscribe returns an ordered stream of patches. The subscription is
// removed and the channel closed when ctx is cancelled. Slow subscribers
// drop patches rather than block the writer.
func (s *MsgStore) Subscribe(ctx context.Context) <-chan Patch {
	ch := make(chan Patch, 64)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, candidate := range s.subs {
			if candidate == ch {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

// broadcastLocked delivers a patch to every live subscriber. It runs with
// s.mu held so a channel cannot be closed mid-send; sends stay non-blocking,
// so holding the lock here never stalls a writer behind a slow subscriber.
func (s *MsgStore) broadcastLocked(patch Patch) {
	for _, ch := range s.subs {
		select {
		case ch <- patch:
		default:
		}
	}
}

// Registry maps execution process ids to their normalized logs. One store is
// registered at spawn and removed at process exit, so lookups after teardown
// simply miss.
type Registry struct {
	mu     sync.RWMutex
	stores map[uuid.UUID]*MsgStore
}

func NewRegistry() *Registry {
	return &Registry{stores: make(map[uuid.UUID]*MsgStore)}
}

func (r *Registry) Register(id uuid.UUID, store *MsgStore) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[id] = store
}

func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.stores, id)
}

func (r *Registry) StoreByID(id uuid.UUID) (*MsgStore, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	store, ok := r.stores[id]
	return store, ok
}
