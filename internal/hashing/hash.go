// Package hashing implements the rendezvous (highest random weight) node
// scoring and the 64-bit cluster-view bloom filter used to pick timer
// replicas and to detect whether two nodes agree on cluster membership.
package hashing

import (
	"encoding/binary"

	"github.com/spaolacci/murmur3"
)

// NodeHashes assigns every node address a unique 32-bit hash, decrementing
// on collision until it is unique. The order of the input slice determines
// tie-break priority, exactly as generate_hashes does.
func NodeHashes(nodes []string) map[string]uint32 {
	seen := make(map[uint32]struct{}, len(nodes))
	out := make(map[string]uint32, len(nodes))

	for _, n := range nodes {
		h := murmur3.Sum32WithSeed([]byte(n), 0)
		for {
			if _, dup := seen[h]; !dup {
				break
			}
			h--
		}
		seen[h] = struct{}{}
		out[n] = h
	}
	return out
}

// Score computes the rendezvous weight of a node for a given timer id. The
// replica set for a timer is the N nodes with the highest scores.
func Score(timerID uint64, nodeHash uint32) uint32 {
	var buf [12]byte
	binary.LittleEndian.PutUint64(buf[0:8], timerID)
	binary.LittleEndian.PutUint32(buf[8:12], nodeHash)
	return murmur3.Sum32(buf[:])
}

// NodeBloom computes the 64-bit bloom filter contribution of a single node
// address: three 128-bit hashes (seeds 0, 1, 2), each half reduced mod 64
// to a bit position, OR'd together. Combining the bloom value of every
// cluster node (via ClusterViewID) yields an order-independent fingerprint
// of the current view.
func NodeBloom(node string) uint64 {
	var rc uint64
	data := []byte(node)
	for seed := uint32(0); seed < 3; seed++ {
		h1, h2 := murmur3.Sum128WithSeed(data, seed)
		rc |= uint64(1) << (h1 % 64)
		rc |= uint64(1) << (h2 % 64)
	}
	return rc
}

// ClusterViewID OR-accumulates the bloom contribution of every node in the
// cluster into a single 64-bit view identifier.
func ClusterViewID(nodes []string) uint64 {
	var id uint64
	for _, n := range nodes {
		id |= NodeBloom(n)
	}
	return id
}

// ReplicaHash derives the 64-bit value embedded in a timer's URL
// (alongside its id) from its replica set, so that every node computes the
// same sixteen trailing hex digits for a given set of replicas.
func ReplicaHash(replicas []string) uint64 {
	joined := make([]byte, 0, 32*len(replicas))
	for _, r := range replicas {
		joined = append(joined, r...)
	}
	h1, _ := murmur3.Sum128(joined)
	return h1
}
