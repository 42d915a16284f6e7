package store

import (
	"testing"

	"github.com/Metaswitch/chronos-sub001/internal/timer"
	"github.com/stretchr/testify/require"
)

func pair(id timer.ID, nextPop uint32) timer.Pair {
	return timer.Pair{Active: &timer.Timer{ID: id, StartTimeMonoMs: nextPop, IntervalMs: 0}}
}

func TestInsertFetchRoundTrip(t *testing.T) {
	s := New(nil)
	p := pair(1, 100)
	require.NoError(t, s.Insert(p))
	require.Equal(t, 1, s.Len())

	got, ok := s.Fetch(1)
	require.True(t, ok)
	require.Equal(t, timer.ID(1), got.Active.ID)
	require.Equal(t, 0, s.Len())

	_, ok = s.Fetch(1)
	require.False(t, ok)
}

func TestInsertDuplicateErrors(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Insert(pair(1, 100)))
	require.Error(t, s.Insert(pair(1, 200)))
}

func TestFetchNextTimersOrdering(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Insert(pair(1, 300)))
	require.NoError(t, s.Insert(pair(2, 100)))
	require.NoError(t, s.Insert(pair(3, 200)))

	due := s.FetchNextTimers(250)
	require.Len(t, due, 2)
	require.Equal(t, timer.ID(2), due[0].Active.ID)
	require.Equal(t, timer.ID(3), due[1].Active.ID)
	require.Equal(t, 1, s.Len())
}

func TestViewIndexTracksInsertAndRemoval(t *testing.T) {
	s := New(nil)
	p := pair(1, 100)
	p.Active.ClusterViewID = 42
	require.NoError(t, s.Insert(p))

	stale := s.ForEachStaleView(0, 10)
	require.Len(t, stale, 1)

	_, _ = s.Fetch(1)
	stale = s.ForEachStaleView(0, 10)
	require.Len(t, stale, 0)
}
