package cluster

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReplicasDeterministicAndBounded(t *testing.T) {
	v := NewView("a:1", []string{"a:1", "b:1", "c:1", "d:1"}, nil, 2)
	r := NewResolver(v)

	got1 := r.Replicas(42)
	got2 := r.Replicas(42)
	require.Equal(t, got1, got2)
	require.Len(t, got1, 2)
}

func TestExtraReplicasExcludesNewReplicas(t *testing.T) {
	old := NewView("a:1", []string{"a:1", "b:1"}, nil, 1)
	oldR := NewResolver(old)
	oldReplicas := oldR.Replicas(7)

	newView := NewView("a:1", []string{"a:1", "b:1", "c:1"}, nil, 1)
	newR := NewResolver(newView)
	extra := newR.ExtraReplicas(7, old)

	newReplicas := newR.Replicas(7)
	for _, e := range extra {
		require.NotContains(t, newReplicas, e)
		require.Contains(t, oldReplicas, e)
	}
}

func TestInClusterChecksLeavingToo(t *testing.T) {
	v := NewView("a:1", []string{"a:1"}, []string{"b:1"}, 1)
	require.True(t, v.InCluster("a:1"))
	require.True(t, v.InCluster("b:1"))
	require.False(t, v.InCluster("c:1"))
}
