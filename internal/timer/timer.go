// Package timer defines the Timer record and TimerPair, the immutable
// (after creation) units that the rest of chronosd stores, replicates and
// pops.
package timer

import (
	"crypto/rand"
	"encoding/binary"
)

// ID identifies a timer. It is a uniformly random 64-bit value chosen by
// whichever node first creates the timer; colliding ids are a client error,
// not something the store defends against.
type ID uint64

func NewID() ID {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic("timer: failed to read random timer id: " + err.Error())
	}
	return ID(binary.LittleEndian.Uint64(buf[:]))
}

// Timer is one scheduled callback. StartTimeMonoMs, IntervalMs, RepeatForMs,
// CallbackURL, CallbackBody, Replicas, ExtraReplicas and ClusterViewID are
// fixed at creation time; SequenceNumber, ReplicaTracker and Tombstone are
// the only fields later code is allowed to change, and even then only by
// producing a new *Timer value, never by mutating one in place (the store
// and handler always swap pointers, never fields).
type Timer struct {
	ID ID

	StartTimeMonoMs uint32
	IntervalMs      uint32
	RepeatForMs     uint32

	CallbackURL  string
	CallbackBody []byte

	Replicas       []string
	ExtraReplicas  []string
	ClusterViewID  uint64

	SequenceNumber uint32
	ReplicaTracker uint64
	Tombstone      bool
}

const TombstoneRetentionMs = 10 * 60 * 1000

// NextPopTime returns the 32-bit wall-clock-mod time this timer is next due
// to fire. Comparisons against "now" must go through cmn.OverflowLessThan,
// never a plain <, because this value wraps every ~49.7 days.
func (t *Timer) NextPopTime() uint32 {
	return t.StartTimeMonoMs + (t.SequenceNumber+1)*t.IntervalMs
}

// IsLocal reports whether the given local node address is one of this
// timer's replicas, i.e. whether this node holds a copy of it at all.
func (t *Timer) IsLocal(local string) bool {
	for _, r := range t.Replicas {
		if r == local {
			return true
		}
	}
	return false
}

// IsPrimary reports whether the given local node address is this timer's
// primary replica (replicas[0]) - the only node allowed to pop it and run
// its callback. Every other replica holder keeps a copy for merge ordering
// and failover but must never fire it.
func (t *Timer) IsPrimary(local string) bool {
	return len(t.Replicas) > 0 && t.Replicas[0] == local
}

// Retire converts an active timer into a tombstone: the callback body is
// dropped but the record is kept around (with IntervalMs set to the
// tombstone retention period) so that merge ordering still sees it and
// deletions still propagate to replicas that haven't heard about them yet.
func (t *Timer) Retire() *Timer {
	tomb := *t
	tomb.Tombstone = true
	tomb.IntervalMs = TombstoneRetentionMs
	tomb.SequenceNumber++
	tomb.CallbackBody = nil
	return &tomb
}

// Advance produces the Timer's next occurrence: sequence number bumped by
// one, unless repeat_for has been exhausted, in which case the timer
// becomes a tombstone instead.
func (t *Timer) Advance() *Timer {
	next := *t
	next.SequenceNumber++

	if t.RepeatForMs != 0 && uint64(next.SequenceNumber+1)*uint64(t.IntervalMs) > uint64(t.RepeatForMs) {
		return next.Retire()
	}
	return &next
}

// Pair couples a timer's currently active instance with the (optional)
// instance that was in flight when the cluster view last changed. The
// information timer is retained only until every replica from the old view
// has acknowledged the new one via the replica tracker.
type Pair struct {
	Active      *Timer
	Information *Timer
}

// ClusterViewIDs returns every cluster-view-id this pair is indexed under,
// used to maintain the store's view index.
func (p Pair) ClusterViewIDs() []uint64 {
	ids := []uint64{p.Active.ClusterViewID}
	if p.Information != nil && p.Information.ClusterViewID != p.Active.ClusterViewID {
		ids = append(ids, p.Information.ClusterViewID)
	}
	return ids
}
