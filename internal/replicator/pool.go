// Package replicator fans out timer updates to every replica and extra
// replica of a timer, using a fixed pool of workers pulling off a shared
// queue - the Go equivalent of the original's pthread pool over a blocking
// queue.
package replicator

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/Metaswitch/chronos-sub001/internal/cmn"
	"github.com/Metaswitch/chronos-sub001/internal/timer"
)

const DefaultWorkers = 50

// Job is one outstanding PUT to a single peer.
type Job struct {
	URL  string
	Body []byte
}

// Pool is a cmn.Runner: Run blocks processing jobs until Stop is called,
// at which point it drains whatever is already queued before returning.
type Pool struct {
	cmn.Named

	client  *http.Client
	workers int
	queue   chan Job
	wg      sync.WaitGroup
	stop    chan struct{}
}

func NewPool(client *http.Client, workers int) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Pool{
		client:  client,
		workers: workers,
		queue:   make(chan Job, 4096),
		stop:    make(chan struct{}),
	}
}

func (p *Pool) Run() error {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	<-p.stop
	return nil
}

func (p *Pool) Stop() {
	close(p.queue)
	p.wg.Wait()
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for job := range p.queue {
		p.send(job)
	}
}

func (p *Pool) send(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status, _, err := cmn.Do(ctx, p.client, cmn.ReqArgs{
		Method: http.MethodPut,
		URL:    job.URL,
		Body:   job.Body,
	})
	if err != nil {
		glog.Warningf("replication to %s failed: %v", job.URL, err)
		return
	}
	if status >= 300 {
		glog.Warningf("replication to %s returned status %d", job.URL, status)
	}
}

// Replicate enqueues one PUT per replica and extra replica of t, skipping
// the local node, matching Replicator::replicate. Each destination gets its
// own body, carrying that destination's own replica-index, so the receiving
// peer can tell this is a replication PUT and must not re-replicate it.
func (p *Pool) Replicate(local string, t *timer.Timer, replicaHashHex string) {
	idHex := fmt.Sprintf("%016x", uint64(t.ID))

	enqueue := func(node string, replicaIndex int) {
		if node == local {
			return
		}
		body, err := t.MarshalForReplica(replicaIndex)
		if err != nil {
			glog.Errorf("failed to marshal timer %x for replication: %v", uint64(t.ID), err)
			return
		}
		url := fmt.Sprintf("http://%s/timers/%s%s", node, idHex, replicaHashHex)
		select {
		case p.queue <- Job{URL: url, Body: body}:
		default:
			glog.Warningf("replication queue full, dropping update to %s for timer %x", node, uint64(t.ID))
		}
	}

	for i, node := range t.Replicas {
		enqueue(node, i)
	}
	for _, node := range t.ExtraReplicas {
		enqueue(node, -1)
	}
}
