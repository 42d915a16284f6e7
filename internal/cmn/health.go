package cmn

import (
	"sync"
	"time"

	"github.com/golang/glog"
)

// HealthChecker tracks whether the process is still making forward
// progress (inserting timers, ticking the pop loop). The original Chronos
// process paired this with an exception watchdog that exits the process if
// too much time passes without a successful health check after an
// exception was logged; chronosd wires the same two pieces together.
type HealthChecker interface {
	Passed()
	Failed(reason string)
}

type watchdog struct {
	mu          sync.Mutex
	maxTTL      time.Duration
	lastPass    time.Time
	exceptional bool
	onExpire    func()
}

func NewWatchdog(maxTTL time.Duration, onExpire func()) HealthChecker {
	return &watchdog{maxTTL: maxTTL, lastPass: time.Now(), onExpire: onExpire}
}

func (w *watchdog) Passed() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastPass = time.Now()
	w.exceptional = false
}

func (w *watchdog) Failed(reason string) {
	w.mu.Lock()
	alreadyExceptional := w.exceptional
	w.exceptional = true
	since := time.Since(w.lastPass)
	w.mu.Unlock()

	glog.Errorf("health check failed: %s", reason)
	if alreadyExceptional && since > w.maxTTL {
		glog.Errorf("no successful health check in %s after exception, exiting", since)
		if w.onExpire != nil {
			w.onExpire()
		}
	}
}
