// Package restapi is the HTTP front-end: timer create/update/delete,
// the replica-tracker bulk acknowledgement endpoint, and the resync paging
// endpoint, matching the routes ControllerTask::run dispatches on.
package restapi

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/golang/glog"
	"github.com/gorilla/mux"

	"github.com/Metaswitch/chronos-sub001/internal/cluster"
	"github.com/Metaswitch/chronos-sub001/internal/cmn"
	"github.com/Metaswitch/chronos-sub001/internal/handler"
	"github.com/Metaswitch/chronos-sub001/internal/hashing"
	"github.com/Metaswitch/chronos-sub001/internal/store"
	"github.com/Metaswitch/chronos-sub001/internal/timer"
)

const maxTimersInResponse = 100

// mergeHandler is the subset of handler.Handler the REST front-end needs.
type mergeHandler interface {
	Merge(incoming *timer.Timer, replicaIndex *int) handler.Outcome
	UpdateReplicaTracker(id timer.ID, replicaIndex int)
}

// Server is a cmn.Runner wrapping one http.Server.
type Server struct {
	cmn.Named

	addr       string
	mux        *mux.Router
	httpServer *http.Server

	handler  mergeHandler
	resolver func() *cluster.Resolver
	st       *store.Store
}

func New(addr string, h mergeHandler, resolver func() *cluster.Resolver, st *store.Store) *Server {
	s := &Server{
		addr:     addr,
		mux:      mux.NewRouter(),
		handler:  h,
		resolver: resolver,
		st:       st,
	}
	s.routes()

	s.httpServer = &http.Server{
		Addr:     addr,
		Handler:  s.mux,
		ErrorLog: log.New(glogWriter{}, "", 0),
	}
	return s
}

type glogWriter struct{}

func (glogWriter) Write(p []byte) (int, error) {
	glog.Error(string(p))
	return len(p), nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("/timers", s.handleTimersCollection).Methods(http.MethodPost, http.MethodGet)
	s.mux.HandleFunc("/timers/references", s.handleReferences).Methods(http.MethodDelete)
	s.mux.HandleFunc("/timers/{id:[0-9a-fA-F]{16}}{hash:[0-9a-fA-F]{16}}", s.handleTimer).Methods(http.MethodPut, http.MethodDelete)
}

func (s *Server) Run() error {
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(ctx)
}

// handleTimersCollection handles POST /timers (create a brand new timer,
// id chosen by this node) and GET /timers (resync paging, §4.8).
func (s *Server) handleTimersCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		s.createTimer(w, r)
		return
	}
	s.handleResyncGet(w, r)
}

func (s *Server) createTimer(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "could not read body", http.StatusBadRequest)
		return
	}

	id := timer.NewID()
	now := uint32(time.Now().UnixMilli())

	// A POST is always a brand new client write: whatever replica-index the
	// caller may have sent is ignored, since this path can never be a
	// peer-origin replication PUT.
	t, _, err := timer.FromJSON(body, now)
	if err != nil {
		http.Error(w, "invalid timer body", http.StatusBadRequest)
		return
	}
	t.ID = id

	resolver := s.resolver()
	t.Replicas = resolver.Replicas(uint64(id))
	t.ClusterViewID = resolver.View().ViewID

	if !t.IsPrimary(resolver.View().Local) {
		// This node isn't the primary for the new id: keep only a
		// tombstone locally so it still participates in merge ordering
		// without ever being eligible to pop.
		t = t.Retire()
	}

	s.handler.Merge(t, nil)

	w.Header().Set("Location", fmt.Sprintf("/timers/%016x%s", uint64(id), replicaHashHex(t)))
	w.WriteHeader(http.StatusOK)
}

// handleTimer handles PUT/DELETE /timers/<id><replica-hash>: a peer
// replicating a timer, or a client deleting one.
func (s *Server) handleTimer(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	idBytes, err := hex.DecodeString(vars["id"])
	if err != nil || len(idBytes) != 8 {
		http.Error(w, "invalid timer id", http.StatusBadRequest)
		return
	}
	id := timer.ID(beUint64(idBytes))

	hashBytes, err := hex.DecodeString(vars["hash"])
	if err != nil || len(hashBytes) != 8 {
		http.Error(w, "invalid replica hash", http.StatusBadRequest)
		return
	}
	urlHash := beUint64(hashBytes)

	if r.Method == http.MethodDelete {
		s.st.Lock()
		existing, ok := s.st.Peek(id)
		s.st.Unlock()
		if ok && hashing.ReplicaHash(existing.Active.Replicas) != urlHash {
			http.Error(w, "replica hash does not match timer's replica set", http.StatusBadRequest)
			return
		}

		now := uint32(time.Now().UnixMilli())
		tomb := &timer.Timer{ID: id, StartTimeMonoMs: now}
		tomb = tomb.Retire()
		s.handler.Merge(tomb, nil)
		w.WriteHeader(http.StatusOK)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "could not read body", http.StatusBadRequest)
		return
	}

	now := uint32(time.Now().UnixMilli())
	t, replicaIndex, err := timer.FromJSON(body, now)
	if err != nil {
		http.Error(w, "invalid timer body", http.StatusBadRequest)
		return
	}
	t.ID = id

	if hashing.ReplicaHash(t.Replicas) != urlHash {
		http.Error(w, "replica hash does not match timer's replica set", http.StatusBadRequest)
		return
	}

	if !t.IsPrimary(s.resolver().View().Local) {
		// This node isn't the primary for this timer: keep only a
		// tombstone locally so it still participates in merge ordering
		// without ever being eligible to pop.
		t = t.Retire()
	}

	s.handler.Merge(t, replicaIndex)
	w.WriteHeader(http.StatusOK)
}

// handleReferences handles DELETE /timers/references: a bulk
// acknowledgement of replica-tracker bits from a peer.
func (s *Server) handleReferences(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "could not read body", http.StatusBadRequest)
		return
	}

	var req struct {
		IDs []struct {
			ID           uint64 `json:"ID"`
			ReplicaIndex int    `json:"ReplicaIndex"`
		} `json:"IDs"`
	}
	if err := jsoniter.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusAccepted)

	for _, entry := range req.IDs {
		s.handler.UpdateReplicaTracker(timer.ID(entry.ID), entry.ReplicaIndex)
	}
}

// handleResyncGet handles GET /timers?node-for-replicas=...&time-from=...
// &cluster-view-id=..., paging through timers whose cluster-view-id
// differs from the requester's, per §4.8.
func (s *Server) handleResyncGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	requestingNode := q.Get("node-for-replicas")
	callerViewIDStr := q.Get("cluster-view-id")
	if requestingNode == "" || q.Get("time-from") == "" || callerViewIDStr == "" {
		http.Error(w, "missing required query parameters", http.StatusBadRequest)
		return
	}

	callerViewID, err := strconv.ParseUint(callerViewIDStr, 10, 64)
	if err != nil {
		http.Error(w, "invalid cluster-view-id", http.StatusBadRequest)
		return
	}

	view := s.resolver().View()
	if callerViewID != view.ViewID {
		http.Error(w, "cluster-view-id does not match this node's view", http.StatusBadRequest)
		return
	}
	if !view.InCluster(requestingNode) {
		http.Error(w, "requesting node is not a cluster member", http.StatusBadRequest)
		return
	}

	limit := maxTimersInResponse
	if rangeHdr := r.Header.Get("Range"); rangeHdr != "" {
		if n, err := strconv.Atoi(rangeHdr); err == nil && n > 0 && n < limit {
			limit = n
		}
	}

	s.st.Lock()
	pairs := s.st.ForEachStaleView(callerViewID, limit+1)
	s.st.Unlock()

	more := len(pairs) > limit
	if more {
		pairs = pairs[:limit]
	}

	type respEntry struct {
		TimerID      uint64              `json:"TimerID"`
		OldReplicas  []string            `json:"OldReplicas"`
		ReplicaIndex int                 `json:"ReplicaIndex"`
		Timer        jsoniter.RawMessage `json:"Timer"`
	}
	entries := make([]respEntry, 0, len(pairs))
	for _, p := range pairs {
		body, err := p.Active.MarshalJSON()
		if err != nil {
			continue
		}
		entries = append(entries, respEntry{
			TimerID:     uint64(p.Active.ID),
			OldReplicas: p.Active.Replicas,
			Timer:       body,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if more {
		w.Header().Set("Content-Range", r.Header.Get("Range"))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = jsoniter.NewEncoder(w).Encode(struct {
		Timers []respEntry `json:"Timers"`
	}{Timers: entries})
}

func replicaHashHex(t *timer.Timer) string {
	return fmt.Sprintf("%016x", hashing.ReplicaHash(t.Replicas))
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}
