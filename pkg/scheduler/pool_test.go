package scheduler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kubernetes-sigs/inference-perf/pkg/httpsession"
	"github.com/kubernetes-sigs/inference-perf/pkg/lifecycle"
	"github.com/kubernetes-sigs/inference-perf/pkg/sink"
	"github.com/kubernetes-sigs/inference-perf/pkg/types"
	"github.com/kubernetes-sigs/inference-perf/pkg/worker"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRoutingWorkers(n int) []*worker.Worker {
	workers := make([]*worker.Worker, n)
	for i := range workers {
		workers[i] = worker.New(worker.Config{ID: string(rune('a' + i)), Logger: zerolog.Nop()})
	}
	return workers
}

func TestWorkerPoolTryDispatchRoutesToPreferredWorker(t *testing.T) {
	pool := NewWorkerPool(newRoutingWorkers(3), 4)

	d := types.Dispatch{Descriptor: types.Concrete{PreferredWorkerID: "b"}, StageID: 1}
	require.True(t, pool.TryDispatch(d))

	select {
	case got := <-pool.queues[1]:
		assert.Equal(t, d.Descriptor, got.Descriptor)
	default:
		t.Fatal("expected dispatch to land on preferred worker's queue")
	}
	assert.Empty(t, pool.queues[0])
	assert.Empty(t, pool.queues[2])
}

func TestWorkerPoolTryDispatchFallsBackWhenPreferredWorkerUnknown(t *testing.T) {
	pool := NewWorkerPool(newRoutingWorkers(2), 4)

	d := types.Dispatch{Descriptor: types.Concrete{PreferredWorkerID: "does-not-exist"}, StageID: 1}
	require.True(t, pool.TryDispatch(d))

	total := len(pool.queues[0]) + len(pool.queues[1])
	assert.Equal(t, 1, total)
}

func TestWorkerPoolRoutePrefersFreeCapacity(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte(`{"choices":[{"text":"ok"}]}`))
	}))
	defer srv.Close()
	defer close(release)

	snk := sink.New()
	workers := make([]*worker.Worker, 2)
	for i := range workers {
		s, err := httpsession.New(httpsession.Config{BaseURL: srv.URL})
		require.NoError(t, err)
		defer s.Close()
		engine := lifecycle.NewEngine(lifecycle.Config{Session: s, Registry: lifecycle.NewSessionRegistry(nil), Logger: zerolog.Nop()})
		workers[i] = worker.New(worker.Config{ID: string(rune('a' + i)), Engine: engine, Sink: snk, Logger: zerolog.Nop(), MaxConcurrency: 1})
	}
	pool := NewWorkerPool(workers, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Close()

	// Pin the first request to worker "a" so its single slot fills up
	// and stays occupied until the handler is released.
	require.True(t, pool.TryDispatch(types.Dispatch{
		Descriptor: types.Concrete{API: types.APITypeCompletion, PreferredWorkerID: "a"},
		StageID:    1,
	}))

	require.Eventually(t, func() bool {
		return !workers[0].HasFreeCapacity()
	}, time.Second, time.Millisecond)

	idx := pool.route(types.Dispatch{Descriptor: types.LazyDescriptor{}, StageID: 1})
	assert.Equal(t, 1, idx, "routing should skip the worker whose single slot is occupied")
}

func TestWorkerPoolSetConcurrencyPartitionsFairly(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte(`{"choices":[{"text":"ok"}]}`))
	}))
	defer srv.Close()
	defer close(release)

	snk := sink.New()
	workers := make([]*worker.Worker, 4)
	for i := range workers {
		s, err := httpsession.New(httpsession.Config{BaseURL: srv.URL})
		require.NoError(t, err)
		defer s.Close()
		engine := lifecycle.NewEngine(lifecycle.Config{Session: s, Registry: lifecycle.NewSessionRegistry(nil), Logger: zerolog.Nop()})
		workers[i] = worker.New(worker.Config{ID: string(rune('a' + i)), Engine: engine, Sink: snk, Logger: zerolog.Nop()})
	}
	pool := NewWorkerPool(workers, 8)

	// 10 over 4 workers: the first 10%4=2 workers get 3 each, the rest 2.
	pool.SetConcurrency(10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Close()

	fill := func(id string, n int) {
		for i := 0; i < n; i++ {
			require.True(t, pool.TryDispatch(types.Dispatch{
				Descriptor: types.Concrete{API: types.APITypeCompletion, PreferredWorkerID: id},
				StageID:    1,
			}))
		}
	}

	fill("a", 2)
	require.Eventually(t, func() bool { return workers[0].HasFreeCapacity() }, time.Second, time.Millisecond)
	fill("a", 1)
	require.Eventually(t, func() bool { return !workers[0].HasFreeCapacity() }, time.Second, time.Millisecond)

	fill("c", 2)
	require.Eventually(t, func() bool { return !workers[2].HasFreeCapacity() }, time.Second, time.Millisecond)
}

func TestWorkerPoolSetConcurrencyZeroMeansUnbounded(t *testing.T) {
	workers := newRoutingWorkers(2)
	pool := NewWorkerPool(workers, 4)

	pool.SetConcurrency(0)

	for _, w := range workers {
		assert.True(t, w.HasFreeCapacity())
	}
}
