// Package resync implements the client side of the resync protocol: when
// cluster membership changes, a node pages through each peer's stale-view
// timers and merges them into its own store, acknowledging each timer back
// to its source so the source can drop any retained information timer.
package resync

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/golang/glog"
	"golang.org/x/sync/semaphore"

	"github.com/Metaswitch/chronos-sub001/internal/cluster"
	"github.com/Metaswitch/chronos-sub001/internal/cmn"
	"github.com/Metaswitch/chronos-sub001/internal/handler"
	"github.com/Metaswitch/chronos-sub001/internal/timer"
)

const pageSize = 100

var _ cluster.Listener = (*Driver)(nil)

// Merger is the subset of handler.Handler the resync driver needs.
type Merger interface {
	Merge(incoming *timer.Timer, replicaIndex *int) handler.Outcome
}

// Driver is a cmn.Runner that sits idle until ViewChanged queues a pass
// (it is subscribed as a cluster.Listener to view changes), then walks
// every peer from the old view concurrently, bounded by maxConcurrentPeers.
type Driver struct {
	cmn.Named

	client   *http.Client
	merger   Merger
	resolver func() *cluster.Resolver

	sem  *semaphore.Weighted
	work chan resyncRequest
	stop chan struct{}
	done chan struct{}
}

type resyncRequest struct {
	peers []string
}

func NewDriver(client *http.Client, merger Merger, resolver func() *cluster.Resolver, maxConcurrentPeers int64) *Driver {
	if maxConcurrentPeers <= 0 {
		maxConcurrentPeers = 8
	}
	return &Driver{
		client:   client,
		merger:   merger,
		resolver: resolver,
		sem:      semaphore.NewWeighted(maxConcurrentPeers),
		work:     make(chan resyncRequest, 16),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// ViewChanged implements cluster.Listener: any membership change schedules
// a resync pass against the previous view's nodes (they're the ones who
// might hold timers we don't know about yet, or vice versa).
func (d *Driver) ViewChanged(old, new *cluster.View) {
	if old == nil {
		return
	}
	peers := make([]string, 0, len(old.Nodes))
	for _, n := range old.Nodes {
		if n != new.Local {
			peers = append(peers, n)
		}
	}
	if len(peers) == 0 {
		return
	}
	select {
	case d.work <- resyncRequest{peers: peers}:
	default:
		glog.Warningf("resync already queued, dropping duplicate request for %d peers", len(peers))
	}
}

func (d *Driver) Run() error {
	defer close(d.done)
	for {
		select {
		case <-d.stop:
			return nil
		case req := <-d.work:
			d.runPass(req.peers)
		}
	}
}

func (d *Driver) Stop() {
	close(d.stop)
	<-d.done
}

func (d *Driver) runPass(peers []string) {
	var wg sync.WaitGroup
	for _, peer := range peers {
		peer := peer
		if err := d.sem.Acquire(context.Background(), 1); err != nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer d.sem.Release(1)
			d.resyncFromPeer(peer)
		}()
	}
	wg.Wait()
}

type resyncPage struct {
	Timers []resyncEntry `json:"Timers"`
}

type resyncEntry struct {
	TimerID      uint64          `json:"TimerID"`
	OldReplicas  []string        `json:"OldReplicas"`
	ReplicaIndex int             `json:"ReplicaIndex"`
	Timer        jsoniter.RawMessage `json:"Timer"`
}

func (d *Driver) resyncFromPeer(peer string) {
	resolver := d.resolver()
	view := resolver.View()

	for {
		u := fmt.Sprintf("http://%s/timers?%s", peer, url.Values{
			"node-for-replicas": {view.Local},
			"time-from":         {strconv.FormatInt(time.Now().UnixMilli(), 10)},
			"cluster-view-id":   {strconv.FormatUint(view.ViewID, 10)},
		}.Encode())

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		status, body, err := cmn.Do(ctx, d.client, cmn.ReqArgs{
			Method:  http.MethodGet,
			URL:     u,
			Headers: map[string]string{"Range": strconv.Itoa(pageSize)},
		})
		cancel()

		if err != nil {
			glog.Warningf("resync from %s failed: %v", peer, err)
			return
		}
		if status != http.StatusOK && status != http.StatusPartialContent {
			glog.Warningf("resync from %s returned status %d", peer, status)
			return
		}

		var page resyncPage
		if err := jsoniter.Unmarshal(body, &page); err != nil {
			glog.Errorf("resync from %s: bad page body: %v", peer, err)
			return
		}

		d.mergePage(peer, page)

		if status == http.StatusOK || len(page.Timers) == 0 {
			return
		}
	}
}

func (d *Driver) mergePage(peer string, page resyncPage) {
	now := uint32(time.Now().UnixMilli())
	var acked []ackEntry

	for _, entry := range page.Timers {
		t, _, err := timer.FromJSON(entry.Timer, now)
		if err != nil {
			glog.Errorf("resync from %s: bad timer %x: %v", peer, entry.TimerID, err)
			continue
		}
		t.ID = timer.ID(entry.TimerID)

		d.merger.Merge(t, &entry.ReplicaIndex)
		acked = append(acked, ackEntry{ID: entry.TimerID, ReplicaIndex: entry.ReplicaIndex})
	}

	if len(acked) > 0 {
		go d.sendAck(peer, acked)
	}
}

type ackEntry struct {
	ID           uint64 `json:"ID"`
	ReplicaIndex int    `json:"ReplicaIndex"`
}

// sendAck tells peer that this node has merged the timers it sent, so peer
// can drop any retained information timer once every old replica has
// acknowledged. It runs asynchronously and its result is not waited on -
// a dropped ack just means peer keeps the information timer a little
// longer, which is safe.
func (d *Driver) sendAck(peer string, acked []ackEntry) {
	body, err := jsoniter.Marshal(struct {
		IDs []ackEntry `json:"IDs"`
	}{IDs: acked})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status, _, err := cmn.Do(ctx, d.client, cmn.ReqArgs{
		Method: http.MethodDelete,
		URL:    fmt.Sprintf("http://%s/timers/references", peer),
		Body:   body,
	})
	if err != nil {
		glog.Warningf("ack to %s failed: %v", peer, err)
		return
	}
	if status >= 300 {
		glog.Warningf("ack to %s returned status %d", peer, status)
	}
}
