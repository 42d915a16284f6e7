// Package handler implements timer merge semantics, the replica tracker and
// the pop loop that ties the store to the replicator and callback pools.
package handler

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/Metaswitch/chronos-sub001/internal/cluster"
	"github.com/Metaswitch/chronos-sub001/internal/cmn"
	"github.com/Metaswitch/chronos-sub001/internal/hashing"
	"github.com/Metaswitch/chronos-sub001/internal/store"
	"github.com/Metaswitch/chronos-sub001/internal/timer"
)

// Outcome classifies the result of a merge, so callers (mainly the REST
// front-end) can log and count each case distinctly.
type Outcome int

const (
	OutcomeAdd Outcome = iota
	OutcomeNewerInTime
	OutcomeNewerInSequence
	OutcomeDiscardOlderInTime
	OutcomeDiscardOlderInSequence
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAdd:
		return "add"
	case OutcomeNewerInTime:
		return "newer-in-time"
	case OutcomeNewerInSequence:
		return "newer-in-sequence"
	case OutcomeDiscardOlderInTime:
		return "discard-older-in-time"
	case OutcomeDiscardOlderInSequence:
		return "discard-older-in-sequence"
	default:
		return "unknown"
	}
}

// ReplicatorPool is the subset of replicator.Pool the handler needs.
type ReplicatorPool interface {
	Replicate(local string, t *timer.Timer, replicaHashHex string)
}

// CallbackPool is the subset of callback.Pool the handler needs.
type CallbackPool interface {
	Perform(t *timer.Timer)
}

// Handler owns the store and coordinates merges, the replica tracker and
// the pop loop. It does not own the replicator or callback pools - they are
// passed in at construction and started/stopped independently by the
// rungroup, avoiding a cyclic ownership problem between handler and
// callback (callback also holds a reference back into handler).
type Handler struct {
	cmn.Named

	mu       sync.Mutex
	store    *store.Store
	resolver func() *cluster.Resolver

	replicator ReplicatorPool
	callback   CallbackPool

	tickMs int
	stop   chan struct{}
	done   chan struct{}
}

// New constructs a Handler. The callback pool is supplied separately via
// SetCallbackPool because callback.Pool's own constructor needs a
// handler.Handler reference back - neither side can be fully built before
// the other, so the cycle is broken by wiring the callback pool in after
// construction instead of threading an interface value through both
// constructors.
func New(st *store.Store, resolver func() *cluster.Resolver, repl ReplicatorPool, tickMs int) *Handler {
	if tickMs <= 0 {
		tickMs = 10
	}
	return &Handler{
		store:      st,
		resolver:   resolver,
		replicator: repl,
		tickMs:     tickMs,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (h *Handler) SetCallbackPool(cb CallbackPool) {
	h.callback = cb
}

// Merge applies an incoming timer (from a client request or a peer
// replication PUT) to the store, replacing whatever is there under the
// usual "higher start time wins, ties broken by higher-or-equal sequence
// number" rule. replicaIndex is non-nil when the update carried a
// replica-index, i.e. came from a peer's replication fan-out rather than a
// brand new client write. A peer-origin write is never re-replicated here -
// the node that first accepted the client's write already fanned it out,
// so re-fanning on every hop would storm the cluster.
func (h *Handler) Merge(incoming *timer.Timer, replicaIndex *int) Outcome {
	h.mu.Lock()

	existing, ok := h.store.Fetch(incoming.ID)
	var outcome Outcome
	var stored *timer.Timer
	if !ok {
		_ = h.store.Insert(timer.Pair{Active: incoming})
		outcome = OutcomeAdd
		stored = incoming
	} else {
		outcome = h.compare(existing.Active, incoming)
		switch outcome {
		case OutcomeNewerInTime, OutcomeNewerInSequence:
			pair := timer.Pair{Active: incoming, Information: existing.Active}
			_ = h.store.Insert(pair)
			stored = incoming
		default:
			_ = h.store.Insert(existing)
			stored = existing.Active
		}
	}

	h.mu.Unlock()

	glog.V(2).Infof("timer %x: %s", uint64(incoming.ID), outcome)

	if replicaIndex == nil && (outcome == OutcomeAdd || outcome == OutcomeNewerInTime || outcome == OutcomeNewerInSequence) {
		h.replicator.Replicate(h.resolver().View().Local, stored, replicaHashHex(stored))
	}

	return outcome
}

// compare classifies incoming against existing. An exact tie on both
// start time and sequence number resolves to incoming, i.e. last write
// wins rather than first.
func (h *Handler) compare(existing, incoming *timer.Timer) Outcome {
	if incoming.StartTimeMonoMs > existing.StartTimeMonoMs {
		return OutcomeNewerInTime
	}
	if incoming.StartTimeMonoMs == existing.StartTimeMonoMs {
		if incoming.SequenceNumber >= existing.SequenceNumber {
			return OutcomeNewerInSequence
		}
		return OutcomeDiscardOlderInSequence
	}
	return OutcomeDiscardOlderInTime
}

// UpdateReplicaTracker marks replicaIndex as acknowledged for the given
// timer id. Once every replica bit is set, the retained information timer
// (if any) is dropped, since every old-view replica now has the new
// active timer.
func (h *Handler) UpdateReplicaTracker(id timer.ID, replicaIndex int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p, ok := h.store.Fetch(id)
	if !ok {
		return
	}

	if replicaIndex >= 0 && replicaIndex < 64 {
		active := *p.Active
		active.ReplicaTracker |= uint64(1) << replicaIndex
		p.Active = &active
	}

	allAcked := p.Active.ReplicaTracker == (uint64(1)<<len(p.Active.Replicas))-1
	if allAcked {
		p.Information = nil
	}

	_ = h.store.Insert(p)
}

// ReturnTimer re-inserts a timer that has just been popped for callback:
// its next occurrence (or a tombstone, if repeat-for is exhausted) goes
// straight back into the store before the callback pool sends the POST.
func (h *Handler) ReturnTimer(t *timer.Timer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	next := t.Advance()
	_ = h.store.Insert(timer.Pair{Active: next})
}

// HandleSuccessfulCallback replicates the timer's current state to its
// replicas now that the callback has been confirmed delivered.
func (h *Handler) HandleSuccessfulCallback(id timer.ID) {
	h.mu.Lock()
	p, ok := h.store.Peek(id)
	local := h.resolver().View().Local
	h.mu.Unlock()

	if !ok {
		return
	}
	h.replicator.Replicate(local, p.Active, replicaHashHex(p.Active))
}

// HandleFailedCallback drops the timer from the store, including the next
// occurrence that ReturnTimer put back: a failed callback is not retried
// locally, the same way the original implementation treats a non-2xx
// response as terminal.
func (h *Handler) HandleFailedCallback(id timer.ID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.store.Fetch(id)
}

func replicaHashHex(t *timer.Timer) string {
	return fmt.Sprintf("%016x", hashing.ReplicaHash(t.Replicas))
}

// Run is the pop loop: it wakes every tickMs, pulls every timer whose next
// pop time has passed, and dispatches each to the callback pool (or ages
// it out, for tombstones).
func (h *Handler) Run() error {
	ticker := time.NewTicker(time.Duration(h.tickMs) * time.Millisecond)
	defer ticker.Stop()
	defer close(h.done)

	for {
		select {
		case <-h.stop:
			return nil
		case <-ticker.C:
			h.tick()
		}
	}
}

func (h *Handler) tick() {
	now := uint32(time.Now().UnixMilli())

	h.mu.Lock()
	due := h.store.FetchNextTimers(now)
	h.mu.Unlock()

	local := h.resolver().View().Local
	for _, p := range due {
		if p.Active.Tombstone {
			continue
		}
		if !p.Active.IsPrimary(local) {
			// Not the primary for this timer: this node only holds it for
			// merge ordering and failover, so advance it back into the
			// store instead of running its callback.
			h.mu.Lock()
			_ = h.store.Insert(timer.Pair{Active: p.Active.Advance(), Information: p.Information})
			h.mu.Unlock()
			continue
		}
		h.callback.Perform(p.Active)
	}
}

func (h *Handler) Stop() {
	close(h.stop)
	<-h.done
}
