package hashing

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNodeHashesUnique(t *testing.T) {
	nodes := []string{"10.0.0.1:7253", "10.0.0.2:7253", "10.0.0.3:7253", "10.0.0.4:7253"}
	hashes := NodeHashes(nodes)
	require.Len(t, hashes, len(nodes))

	seen := map[uint32]struct{}{}
	for _, h := range hashes {
		_, dup := seen[h]
		require.False(t, dup, "node hashes must be unique")
		seen[h] = struct{}{}
	}
}

func TestClusterViewIDOrderIndependent(t *testing.T) {
	a := []string{"node-a:7253", "node-b:7253", "node-c:7253"}
	b := []string{"node-c:7253", "node-a:7253", "node-b:7253"}
	require.Equal(t, ClusterViewID(a), ClusterViewID(b))
}

func TestClusterViewIDChangesOnMembershipChange(t *testing.T) {
	a := ClusterViewID([]string{"node-a:7253", "node-b:7253"})
	b := ClusterViewID([]string{"node-a:7253", "node-b:7253", "node-c:7253"})
	require.NotEqual(t, a, b)
}

func TestScoreDeterministic(t *testing.T) {
	h := NodeHashes([]string{"node-a:7253"})["node-a:7253"]
	s1 := Score(12345, h)
	s2 := Score(12345, h)
	require.Equal(t, s1, s2)
}
