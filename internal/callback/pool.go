// Package callback fires the HTTP POST for every due timer using a fixed
// pool of workers, exactly mirroring HTTPCallback's worker threads. The
// ordering inside each worker - return the timer to the store, then send
// the POST - is load-bearing: see Handler.ReturnTimer and the comment
// below for why.
package callback

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

// Handler is the subset of handler.Handler the callback pool needs. It is
// expressed as an interface here (rather than importing the handler
// package directly) to avoid a cyclic import: handler owns a callback.Pool,
// and the pool calls back into handler.
type Handler interface {
	ReturnTimer(t *timer.Timer)
	HandleSuccessfulCallback(id timer.ID)
	HandleFailedCallback(id timer.ID)
}

type Pool struct {
	cmn.Named

	client  *http.Client
	handler Handler
	workers int
	queue   chan *timer.Timer
	wg      sync.WaitGroup
	stop    chan struct{}
}

func NewPool(client *http.Client, handler Handler, workers int) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Pool{
		client:  client,
		handler: handler,
		workers: workers,
		queue:   make(chan *timer.Timer, 4096),
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

// Perform enqueues a due timer for callback. It never blocks the pop loop:
// if the queue is saturated, the pop is handled as a failed callback and
// the timer is not returned to the store, so it does not fire again.
func (p *Pool) Perform(t *timer.Timer) {
	select {
	case p.queue <- t:
	default:
		glog.Warningf("callback queue full, dropping pop for timer %x", uint64(t.ID))
		p.handler.HandleFailedCallback(t.ID)
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for t := range p.queue {
		p.deliver(t)
	}
}

func (p *Pool) deliver(t *timer.Timer) {
	id := t.ID
	url := t.CallbackURL
	body := t.CallbackBody
	seq := t.SequenceNumber

	// Return the timer to the store before sending the callback. If we sent
	// the callback first, a client that updates the timer in response to
	// the pop could race ahead of us: it would find nothing in the store,
	// insert a fresh timer, and then lose that update when we finally put
	// the popped timer back.
	p.handler.ReturnTimer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status, _, err := cmn.Do(ctx, p.client, cmn.ReqArgs{
		Method: http.MethodPost,
		URL:    url,
		Headers: map[string]string{
			"X-Sequence-Number": fmt.Sprintf("%d", seq),
			"Content-Type":      "application/octet-stream",
		},
		Body: body,
	})

	if err == nil && status >= 200 && status < 300 {
		p.handler.HandleSuccessfulCallback(id)
	} else {
		if err != nil {
			glog.Warningf("callback for timer %x failed: %v", uint64(id), err)
		} else {
			glog.Warningf("callback for timer %x got status %d from %s", uint64(id), status, url)
		}
		p.handler.HandleFailedCallback(id)
	}
}
