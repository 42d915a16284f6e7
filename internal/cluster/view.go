// Package cluster tracks cluster membership and resolves which nodes are
// responsible for a given timer.
package cluster

import (
	"sort"

	"github.com/Metaswitch/chronos-sub001/internal/cmn"
	"github.com/Metaswitch/chronos-sub001/internal/hashing"
)

// View is an immutable snapshot of cluster membership: who's in it, who's
// leaving, and the precomputed hashes needed to resolve replicas quickly.
type View struct {
	Local             string
	Nodes             []string
	Leaving           []string
	ReplicationFactor int
	NodeHashes        map[string]uint32
	ViewID            uint64
}

func NewView(local string, nodes, leaving []string, replicationFactor int) *View {
	return &View{
		Local:             local,
		Nodes:             append([]string(nil), nodes...),
		Leaving:           append([]string(nil), leaving...),
		ReplicationFactor: replicationFactor,
		NodeHashes:        hashing.NodeHashes(nodes),
		ViewID:            hashing.ClusterViewID(nodes),
	}
}

// Listener is notified whenever the cluster config owner commits a new
// View, so the resync driver can schedule a catch-up pass.
type Listener interface {
	ViewChanged(old, new *View)
}

// Resolver picks the replica set for a timer id under the current view.
type Resolver struct {
	view *View
}

func NewResolver(v *View) *Resolver { return &Resolver{view: v} }

func (r *Resolver) View() *View { return r.view }

// Replicas returns the ReplicationFactor nodes with the highest rendezvous
// score for id, highest first.
func (r *Resolver) Replicas(id uint64) []string {
	type scored struct {
		node  string
		score uint32
	}
	scores := make([]scored, 0, len(r.view.Nodes))
	for _, n := range r.view.Nodes {
		scores = append(scores, scored{n, hashing.Score(id, r.view.NodeHashes[n])})
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].score != scores[j].score {
			return scores[i].score > scores[j].score
		}
		return scores[i].node < scores[j].node
	})

	n := r.view.ReplicationFactor
	if n > len(scores) {
		n = len(scores)
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = scores[i].node
	}
	return out
}

// ExtraReplicas computes the set of nodes that were replicas of id under
// oldView, plus every leaving node of oldView, minus the replicas of id
// under the current view - the nodes that must still be told about a
// tombstone or final update even though they're no longer "real" replicas.
func (r *Resolver) ExtraReplicas(id uint64, oldView *View) []string {
	if oldView == nil {
		return nil
	}
	oldResolver := NewResolver(oldView)
	oldReplicas := oldResolver.Replicas(id)
	newReplicas := r.Replicas(id)

	newSet := make(map[string]struct{}, len(newReplicas))
	for _, n := range newReplicas {
		newSet[n] = struct{}{}
	}

	var extra []string
	seen := map[string]struct{}{}
	add := func(n string) {
		if _, already := newSet[n]; already {
			return
		}
		if _, dup := seen[n]; dup {
			return
		}
		seen[n] = struct{}{}
		extra = append(extra, n)
	}
	for _, n := range oldReplicas {
		add(n)
	}
	for _, n := range oldView.Leaving {
		add(n)
	}
	return extra
}

// IsLocal reports whether the resolver's local node is among the given
// replica set.
func (r *Resolver) IsLocal(replicas []string) bool {
	for _, n := range replicas {
		if n == r.view.Local {
			return true
		}
	}
	return false
}

// InCluster reports whether addr is a current member or a leaving member
// of the view - both are valid requesters for a resync GET, matching
// node_is_in_cluster's check against both address lists.
func (v *View) InCluster(addr string) bool {
	for _, n := range v.Nodes {
		if n == addr {
			return true
		}
	}
	for _, n := range v.Leaving {
		if n == addr {
			return true
		}
	}
	return false
}

var _ cmn.ConfigListener = (*ConfigBridge)(nil)

// ConfigBridge adapts cmn.ConfigOwner change notifications into cluster
// View changes, computing new hashes/bloom and fanning the result out to
// cluster.Listeners (e.g. the resync driver).
type ConfigBridge struct {
	replicationFactor int
	resolver          *Resolver
	subs              []Listener
}

func NewConfigBridge(replicationFactor int) *ConfigBridge {
	return &ConfigBridge{replicationFactor: replicationFactor}
}

func (b *ConfigBridge) Subscribe(l Listener) {
	b.subs = append(b.subs, l)
}

func (b *ConfigBridge) Resolver() *Resolver { return b.resolver }

func (b *ConfigBridge) ConfigChanged(oldConf, newConf *cmn.Config) {
	oldView := (*View)(nil)
	if b.resolver != nil {
		oldView = b.resolver.view
	}

	newView := NewView(newConf.Cluster.LocalAddress, newConf.Cluster.Nodes, newConf.Cluster.Leaving, b.replicationFactor)
	b.resolver = NewResolver(newView)

	for _, s := range b.subs {
		s.ViewChanged(oldView, newView)
	}
}
