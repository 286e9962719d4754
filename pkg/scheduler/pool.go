package scheduler

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/kubernetes-sigs/inference-perf/pkg/types"
	"github.com/kubernetes-sigs/inference-perf/pkg/worker"
)

// WorkerPool owns the dispatch channel for each worker and keeps the
// workers' goroutines alive for the lifetime of a run; workers, and the
// HTTP connection pools they wrap, are never recreated between stages.
type WorkerPool struct {
	workers []*worker.Worker
	queues  []chan types.Dispatch
	idIndex map[string]int
	next    atomic.Uint64

	wg sync.WaitGroup
}

// NewWorkerPool builds a pool over workers, giving each one a dispatch
// channel buffered to queueDepth.
func NewWorkerPool(workers []*worker.Worker, queueDepth int) *WorkerPool {
	if queueDepth <= 0 {
		queueDepth = 1
	}
	p := &WorkerPool{
		workers: workers,
		queues:  make([]chan types.Dispatch, len(workers)),
		idIndex: make(map[string]int, len(workers)),
	}
	for i := range p.queues {
		p.queues[i] = make(chan types.Dispatch, queueDepth)
	}
	for i, w := range workers {
		p.idIndex[w.ID()] = i
	}
	return p
}

// Start launches every worker's Run loop. Call Close once all stages
// have finished dispatching.
func (p *WorkerPool) Start(ctx context.Context) {
	for i, w := range p.workers {
		p.wg.Add(1)
		go func(w *worker.Worker, q <-chan types.Dispatch) {
			defer p.wg.Done()
			w.Run(ctx, q)
		}(w, p.queues[i])
	}
}

// Close closes every dispatch channel and waits for workers to drain
// their remaining queued work.
func (p *WorkerPool) Close() {
	for _, q := range p.queues {
		close(q)
	}
	p.wg.Wait()
}

// TryDispatch attempts a non-blocking send to the routed worker, used for
// open-loop stages where a full queue means the request should be
// dropped rather than delay the schedule.
func (p *WorkerPool) TryDispatch(d types.Dispatch) bool {
	if len(p.queues) == 0 {
		return false
	}
	idx := p.route(d)
	select {
	case p.queues[idx] <- d:
		return true
	default:
		return false
	}
}

// Dispatch sends d to its routed worker, blocking until that worker's
// queue has room or ctx is done. Closed-loop stages use this: a worker
// pulling at its own concurrency cap should backpressure the scheduler
// rather than drop work.
func (p *WorkerPool) Dispatch(ctx context.Context, d types.Dispatch) bool {
	if len(p.queues) == 0 {
		return false
	}
	idx := p.route(d)
	select {
	case p.queues[idx] <- d:
		return true
	case <-ctx.Done():
		return false
	}
}

// route picks the worker index a dispatch should land on: a descriptor
// carrying a PreferredWorkerID that maps to a live worker always wins
// (session affinity), otherwise the pool round-robins, preferring the
// first candidate with free concurrency capacity over a strictly blind
// rotation.
func (p *WorkerPool) route(d types.Dispatch) int {
	if id := preferredWorkerID(d.Descriptor); id != "" {
		if idx, ok := p.idIndex[id]; ok {
			return idx
		}
	}

	n := len(p.queues)
	start := int(p.next.Add(1) % uint64(n))
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if p.workers[idx].HasFreeCapacity() {
			return idx
		}
	}
	return start
}

func preferredWorkerID(d types.Descriptor) string {
	switch v := d.(type) {
	case types.Concrete:
		return v.PreferredWorkerID
	case types.LazyDescriptor:
		return v.PreferredWorkerID
	default:
		return ""
	}
}

// SetConcurrency partitions total across every worker as evenly as
// possible, giving the first total%N workers one extra slot, and applies
// the result via each worker's SetConcurrency. total <= 0 means
// unbounded: every worker's cap is cleared.
func (p *WorkerPool) SetConcurrency(total int) {
	n := len(p.workers)
	if n == 0 {
		return
	}
	if total <= 0 {
		for _, w := range p.workers {
			w.SetConcurrency(0)
		}
		return
	}
	base := total / n
	rem := total % n
	for i, w := range p.workers {
		share := base
		if i < rem {
			share++
		}
		w.SetConcurrency(share)
	}
}

// NumWorkers reports the pool size.
func (p *WorkerPool) NumWorkers() int {
	return len(p.workers)
}
