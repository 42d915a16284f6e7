package handler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Metaswitch/chronos-sub001/internal/cluster"
	"github.com/Metaswitch/chronos-sub001/internal/store"
	"github.com/Metaswitch/chronos-sub001/internal/timer"
)

type fakeReplicator struct{ calls int }

func (f *fakeReplicator) Replicate(local string, t *timer.Timer, replicaHashHex string) { f.calls++ }

type fakeCallback struct{ performed []*timer.Timer }

func (f *fakeCallback) Perform(t *timer.Timer) { f.performed = append(f.performed, t) }

func newTestHandler() (*Handler, *fakeReplicator, *fakeCallback) {
	st := store.New(nil)
	v := cluster.NewView("a:1", []string{"a:1", "b:1"}, nil, 2)
	resolver := cluster.NewResolver(v)
	repl := &fakeReplicator{}
	cb := &fakeCallback{}
	h := New(st, func() *cluster.Resolver { return resolver }, repl, 10)
	h.SetCallbackPool(cb)
	return h, repl, cb
}

func TestMergeAddsNewTimer(t *testing.T) {
	h, _, _ := newTestHandler()
	outcome := h.Merge(&timer.Timer{ID: 1, StartTimeMonoMs: 100}, nil)
	require.Equal(t, OutcomeAdd, outcome)
}

func TestMergeNewerInTimeWins(t *testing.T) {
	h, _, _ := newTestHandler()
	h.Merge(&timer.Timer{ID: 1, StartTimeMonoMs: 100, SequenceNumber: 0}, nil)
	outcome := h.Merge(&timer.Timer{ID: 1, StartTimeMonoMs: 200, SequenceNumber: 0}, nil)
	require.Equal(t, OutcomeNewerInTime, outcome)
}

func TestMergeOlderInTimeDiscarded(t *testing.T) {
	h, _, _ := newTestHandler()
	h.Merge(&timer.Timer{ID: 1, StartTimeMonoMs: 200, SequenceNumber: 0}, nil)
	outcome := h.Merge(&timer.Timer{ID: 1, StartTimeMonoMs: 100, SequenceNumber: 5}, nil)
	require.Equal(t, OutcomeDiscardOlderInTime, outcome)
}

func TestMergeSameTimeHigherSequenceWins(t *testing.T) {
	h, _, _ := newTestHandler()
	h.Merge(&timer.Timer{ID: 1, StartTimeMonoMs: 100, SequenceNumber: 0}, nil)
	outcome := h.Merge(&timer.Timer{ID: 1, StartTimeMonoMs: 100, SequenceNumber: 1}, nil)
	require.Equal(t, OutcomeNewerInSequence, outcome)
}

func TestMergeSameTimeLowerSequenceDiscarded(t *testing.T) {
	h, _, _ := newTestHandler()
	h.Merge(&timer.Timer{ID: 1, StartTimeMonoMs: 100, SequenceNumber: 5}, nil)
	outcome := h.Merge(&timer.Timer{ID: 1, StartTimeMonoMs: 100, SequenceNumber: 1}, nil)
	require.Equal(t, OutcomeDiscardOlderInSequence, outcome)
}

func TestMergeExactTieIncomingWins(t *testing.T) {
	h, _, _ := newTestHandler()
	h.Merge(&timer.Timer{ID: 1, StartTimeMonoMs: 100, SequenceNumber: 3, CallbackURL: "first"}, nil)
	outcome := h.Merge(&timer.Timer{ID: 1, StartTimeMonoMs: 100, SequenceNumber: 3, CallbackURL: "second"}, nil)
	require.Equal(t, OutcomeNewerInSequence, outcome)

	p, ok := h.store.Peek(1)
	require.True(t, ok)
	require.Equal(t, "second", p.Active.CallbackURL)
}

func TestMergeSuppressesReplicationForPeerOrigin(t *testing.T) {
	h, repl, _ := newTestHandler()
	idx := 0
	h.Merge(&timer.Timer{ID: 1, StartTimeMonoMs: 100, Replicas: []string{"a:1", "b:1"}}, &idx)
	require.Equal(t, 0, repl.calls)
}

func TestMergeReplicatesClientOriginWrite(t *testing.T) {
	h, repl, _ := newTestHandler()
	h.Merge(&timer.Timer{ID: 1, StartTimeMonoMs: 100, Replicas: []string{"a:1", "b:1"}}, nil)
	require.Equal(t, 1, repl.calls)
}

func TestReplicaTrackerDropsInformationTimerWhenAllAcked(t *testing.T) {
	h, _, _ := newTestHandler()
	h.Merge(&timer.Timer{ID: 1, StartTimeMonoMs: 100, Replicas: []string{"a:1", "b:1"}}, nil)
	h.Merge(&timer.Timer{ID: 1, StartTimeMonoMs: 200, Replicas: []string{"a:1", "b:1"}}, nil)

	p, ok := h.store.Peek(1)
	require.True(t, ok)
	require.NotNil(t, p.Information)

	h.UpdateReplicaTracker(1, 0)
	h.UpdateReplicaTracker(1, 1)

	p, ok = h.store.Peek(1)
	require.True(t, ok)
	require.Nil(t, p.Information)
}

func TestHandleSuccessfulCallbackReplicates(t *testing.T) {
	h, repl, _ := newTestHandler()
	h.Merge(&timer.Timer{ID: 1, StartTimeMonoMs: 100, Replicas: []string{"a:1", "b:1"}}, nil)
	// The client-origin Merge above already replicated once.
	before := repl.calls
	h.HandleSuccessfulCallback(1)
	require.Equal(t, before+1, repl.calls)
}

func TestTickFiresOnlyForPrimary(t *testing.T) {
	h, _, cb := newTestHandler()
	due := uint32(time.Now().UnixMilli()) - 10000
	// Local node is "a:1" (see newTestHandler). A timer whose primary is the
	// other replica must not be popped locally.
	h.Merge(&timer.Timer{ID: 1, StartTimeMonoMs: due, IntervalMs: 1, Replicas: []string{"b:1", "a:1"}}, nil)

	h.tick()
	require.Empty(t, cb.performed)

	p, ok := h.store.Peek(1)
	require.True(t, ok)
	require.Equal(t, uint32(1), p.Active.SequenceNumber, "non-primary holder should advance, not re-fire, the due timer")
}

func TestTickFiresForPrimary(t *testing.T) {
	h, _, cb := newTestHandler()
	due := uint32(time.Now().UnixMilli()) - 10000
	h.Merge(&timer.Timer{ID: 1, StartTimeMonoMs: due, IntervalMs: 1, Replicas: []string{"a:1", "b:1"}}, nil)

	h.tick()
	require.Len(t, cb.performed, 1)
	require.Equal(t, timer.ID(1), cb.performed[0].ID)
}

func TestHandleFailedCallbackDropsTimer(t *testing.T) {
	h, _, _ := newTestHandler()
	h.Merge(&timer.Timer{ID: 1, StartTimeMonoMs: 100}, nil)
	h.HandleFailedCallback(1)
	_, ok := h.store.Peek(1)
	require.False(t, ok)
}
