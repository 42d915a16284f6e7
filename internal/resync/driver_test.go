package resync

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Metaswitch/chronos-sub001/internal/cluster"
	"github.com/Metaswitch/chronos-sub001/internal/handler"
	"github.com/Metaswitch/chronos-sub001/internal/timer"
)

type fakeMerger struct {
	merged []*timer.Timer
}

func (f *fakeMerger) Merge(incoming *timer.Timer, replicaIndex *int) handler.Outcome {
	f.merged = append(f.merged, incoming)
	return handler.OutcomeAdd
}

func TestViewChangedSchedulesAgainstOldPeersExcludingSelf(t *testing.T) {
	merger := &fakeMerger{}
	v := cluster.NewView("a:1", []string{"a:1", "b:1"}, nil, 2)
	resolver := cluster.NewResolver(v)

	d := NewDriver(&http.Client{}, merger, func() *cluster.Resolver { return resolver }, 4)

	old := cluster.NewView("a:1", []string{"a:1", "b:1", "c:1"}, nil, 2)
	d.ViewChanged(old, v)

	select {
	case req := <-d.work:
		require.ElementsMatch(t, []string{"b:1", "c:1"}, req.peers)
	default:
		t.Fatal("expected a resync request to be queued")
	}
}

func TestViewChangedNoOpOnFirstView(t *testing.T) {
	merger := &fakeMerger{}
	v := cluster.NewView("a:1", []string{"a:1"}, nil, 1)
	resolver := cluster.NewResolver(v)
	d := NewDriver(&http.Client{}, merger, func() *cluster.Resolver { return resolver }, 4)

	d.ViewChanged(nil, v)

	select {
	case <-d.work:
		t.Fatal("did not expect a resync request on the first view")
	default:
	}
}
