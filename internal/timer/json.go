package timer

import (
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// wireTimer is the JSON shape exchanged over the REST API and in
// replication/resync bodies: a "timing" object, a "callback" object and a
// "reliability" object, matching the field groupings used throughout the
// handlers.
type wireTiming struct {
	IntervalMs     uint32 `json:"interval"`
	RepeatFor      uint32 `json:"repeat-for,omitempty"`
	SequenceNumber uint32 `json:"sequence-number,omitempty"`
}

type wireCallback struct {
	HTTP struct {
		URI  string `json:"uri"`
		Body string `json:"opaque"`
	} `json:"http"`
}

type wireReliability struct {
	Replicas      []string `json:"replicas,omitempty"`
	ReplicaIndex  *int     `json:"replica-index,omitempty"`
	ExtraReplicas []string `json:"extra-replicas,omitempty"`
	ClusterViewID uint64   `json:"cluster-view-id,omitempty"`
	ReplicaCount  int      `json:"replica-count,omitempty"`
}

type wireTimer struct {
	Timing      wireTiming      `json:"timing"`
	Callback    wireCallback    `json:"callback"`
	Reliability wireReliability `json:"reliability,omitempty"`
}

func (t *Timer) toWire() wireTimer {
	var w wireTimer
	w.Timing.IntervalMs = t.IntervalMs
	w.Timing.RepeatFor = t.RepeatForMs
	w.Timing.SequenceNumber = t.SequenceNumber
	w.Callback.HTTP.URI = t.CallbackURL
	w.Callback.HTTP.Body = string(t.CallbackBody)
	w.Reliability.Replicas = t.Replicas
	w.Reliability.ExtraReplicas = t.ExtraReplicas
	w.Reliability.ClusterViewID = t.ClusterViewID
	w.Reliability.ReplicaCount = len(t.Replicas)
	return w
}

// MarshalJSON renders the timer in the wire format used for resync pages.
// It never sets replica-index: its absence
// is how a receiving peer tells a brand new client write apart from a
// replication PUT, so only MarshalForReplica sets it.
func (t *Timer) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.toWire())
}

// MarshalForReplica renders the timer for a replication PUT aimed at one
// specific destination node, embedding that node's index into replicas (or
// a negative index for an extra replica, which the replica tracker ignores).
// Each destination needs its own body, since replica-index is destination
// specific and can't be computed once and shared across every peer.
func (t *Timer) MarshalForReplica(replicaIndex int) ([]byte, error) {
	w := t.toWire()
	w.Reliability.ReplicaIndex = &replicaIndex
	return json.Marshal(w)
}

// FromJSON parses a client- or peer-submitted timer body. replicaIndex
// reports whether the body carried a ReplicaIndex field: its presence is
// how the REST front-end tells a peer-originated replication PUT apart
// from a brand new client request, matching add_or_update_timer's
// replicated_timer detection.
func FromJSON(body []byte, startTimeMonoMs uint32) (t *Timer, replicaIndex *int, err error) {
	var w wireTimer
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, nil, err
	}

	t = &Timer{
		StartTimeMonoMs: startTimeMonoMs,
		IntervalMs:      w.Timing.IntervalMs,
		RepeatForMs:     w.Timing.RepeatFor,
		SequenceNumber:  w.Timing.SequenceNumber,
		CallbackURL:     w.Callback.HTTP.URI,
		CallbackBody:    []byte(w.Callback.HTTP.Body),
		Replicas:        w.Reliability.Replicas,
		ExtraReplicas:   w.Reliability.ExtraReplicas,
		ClusterViewID:   w.Reliability.ClusterViewID,
	}
	return t, w.Reliability.ReplicaIndex, nil
}
