// Package store holds the in-memory timer index: an id lookup table, a
// cluster-view index used for resync paging, and a min-heap ordered by next
// pop time.
package store

import (
	"container/heap"
	"fmt"
	"sync"

	"github.com/Metaswitch/chronos-sub001/internal/cmn"
	"github.com/Metaswitch/chronos-sub001/internal/timer"
)

// Store is the single authoritative collection of timer pairs on this
// node. All exported methods expect the caller to hold the store locked for
// the duration of the call (via Lock/Unlock) - the handler package owns the
// actual locking policy, so Store itself stays a plain, easily tested data
// structure.
type Store struct {
	mu sync.Mutex

	idIndex   map[timer.ID]timer.Pair
	viewIndex map[uint64]map[timer.ID]struct{}
	heap      timerHeap

	health cmn.HealthChecker
}

func New(health cmn.HealthChecker) *Store {
	return &Store{
		idIndex:   make(map[timer.ID]timer.Pair),
		viewIndex: make(map[uint64]map[timer.ID]struct{}),
		health:    health,
	}
}

func (s *Store) Lock()   { s.mu.Lock() }
func (s *Store) Unlock() { s.mu.Unlock() }

// Insert adds a brand new timer pair to the store. It is a logic error to
// insert an id that is already present.
func (s *Store) Insert(p timer.Pair) error {
	if _, exists := s.idIndex[p.Active.ID]; exists {
		return fmt.Errorf("store: timer %x already present", uint64(p.Active.ID))
	}

	heap.Push(&s.heap, p.Active)
	for _, vid := range p.ClusterViewIDs() {
		s.addToViewIndex(vid, p.Active.ID)
	}
	s.idIndex[p.Active.ID] = p

	if s.health != nil {
		s.health.Passed()
	}
	return nil
}

func (s *Store) addToViewIndex(viewID uint64, id timer.ID) {
	set, ok := s.viewIndex[viewID]
	if !ok {
		set = make(map[timer.ID]struct{})
		s.viewIndex[viewID] = set
	}
	set[id] = struct{}{}
}

func (s *Store) removeFromViewIndex(viewID uint64, id timer.ID) {
	set, ok := s.viewIndex[viewID]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(s.viewIndex, viewID)
	}
}

// Fetch removes and returns the pair for id, if present.
func (s *Store) Fetch(id timer.ID) (timer.Pair, bool) {
	p, ok := s.idIndex[id]
	if !ok {
		return timer.Pair{}, false
	}

	s.heap.removeByID(id)
	for _, vid := range p.ClusterViewIDs() {
		s.removeFromViewIndex(vid, id)
	}
	delete(s.idIndex, id)
	return p, true
}

// Peek returns the pair for id without removing it.
func (s *Store) Peek(id timer.ID) (timer.Pair, bool) {
	p, ok := s.idIndex[id]
	return p, ok
}

// Len reports the number of timer pairs currently held.
func (s *Store) Len() int {
	return len(s.idIndex)
}

// FetchNextTimers removes and returns every pair whose active timer's next
// pop time is before now, using overflow-safe 32-bit comparison.
func (s *Store) FetchNextTimers(now uint32) []timer.Pair {
	var due []timer.Pair
	for len(s.heap.items) > 0 {
		top := s.heap.items[0]
		if !cmn.OverflowLessThan(top.NextPopTime(), now) {
			break
		}

		heap.Pop(&s.heap)
		p := s.idIndex[top.ID]
		for _, vid := range p.ClusterViewIDs() {
			s.removeFromViewIndex(vid, top.ID)
		}
		delete(s.idIndex, top.ID)
		due = append(due, p)
	}
	return due
}

// ForEachStaleView walks every timer pair whose cluster-view-id differs
// from callerViewID, up to limit pairs, for use by the resync server side.
// It returns a cursor-free page; the caller (restapi) is responsible for
// excluding ids already sent when walking across multiple calls within one
// page request, since Go map iteration order is randomized rather than
// stable across calls the way the original's std::map iterator was.
func (s *Store) ForEachStaleView(callerViewID uint64, limit int) []timer.Pair {
	out := make([]timer.Pair, 0, limit)
	for vid, ids := range s.viewIndex {
		if vid == callerViewID {
			continue
		}
		for id := range ids {
			out = append(out, s.idIndex[id])
			if len(out) >= limit {
				return out
			}
		}
	}
	return out
}

// timerHeap is a container/heap.Interface min-heap over *timer.Timer,
// ordered by overflow-safe next pop time, with an index side-table so
// removeByID can remove an arbitrary element in O(log n) rather than a
// linear scan (the "decrease-key" requirement from the original design).
type timerHeap struct {
	items []*timer.Timer
	index map[timer.ID]int
}

func (h *timerHeap) Len() int { return len(h.items) }

func (h *timerHeap) Less(i, j int) bool {
	return cmn.OverflowLessThan(h.items[i].NextPopTime(), h.items[j].NextPopTime())
}

func (h *timerHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	if h.index == nil {
		h.index = make(map[timer.ID]int)
	}
	h.index[h.items[i].ID] = i
	h.index[h.items[j].ID] = j
}

func (h *timerHeap) Push(x interface{}) {
	t := x.(*timer.Timer)
	if h.index == nil {
		h.index = make(map[timer.ID]int)
	}
	h.index[t.ID] = len(h.items)
	h.items = append(h.items, t)
}

func (h *timerHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	t := old[n-1]
	h.items = old[:n-1]
	delete(h.index, t.ID)
	return t
}

func (h *timerHeap) removeByID(id timer.ID) {
	if h.index == nil {
		return
	}
	i, ok := h.index[id]
	if !ok {
		return
	}
	heap.Remove(h, i)
}
