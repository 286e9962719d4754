// Package worker consumes dispatches handed out by the scheduler and
// executes them against the target server through a lifecycle.Engine,
// bounding how many requests it runs concurrently. Grounded on the
// teacher's heartbeatLoop/executorLoop select-on-ticker-and-stopCh idiom,
// adapted here to select on a dispatch channel and a context instead of a
// ticker, since a worker reacts to work handed to it rather than polling.
package worker

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/kubernetes-sigs/inference-perf/pkg/lifecycle"
	"github.com/kubernetes-sigs/inference-perf/pkg/metrics"
	"github.com/kubernetes-sigs/inference-perf/pkg/sink"
	"github.com/kubernetes-sigs/inference-perf/pkg/types"
	"github.com/rs/zerolog"
)

// Worker runs descriptors dispatched to it, one goroutine per in-flight
// request, up to its concurrency cap. The cap is not fixed at
// construction: the scheduler repartitions a closed-loop stage's
// concurrency across workers and calls SetConcurrency between stages.
type Worker struct {
	id      string
	engine  *lifecycle.Engine
	sink    *sink.Sink
	metrics *metrics.Metrics
	logger  zerolog.Logger
	gate    *concurrencyGate
}

// Config controls Worker construction.
type Config struct {
	ID      string
	Engine  *lifecycle.Engine
	Sink    *sink.Sink
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
	// MaxConcurrency seeds the worker's initial cap. 0 means unbounded.
	// A scheduler normally overrides this per stage via SetConcurrency.
	MaxConcurrency int
}

// New builds a Worker from cfg.
func New(cfg Config) *Worker {
	return &Worker{
		id:      cfg.ID,
		engine:  cfg.Engine,
		sink:    cfg.Sink,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		gate:    newConcurrencyGate(cfg.MaxConcurrency),
	}
}

// SetConcurrency updates the worker's concurrency cap. A request already
// in flight is unaffected; the new cap governs every Acquire from this
// point on. 0 means unbounded.
func (w *Worker) SetConcurrency(n int) {
	w.gate.SetCap(n)
}

// HasFreeCapacity reports whether the worker's current in-flight count
// is below its assigned concurrency cap. Always true when unbounded.
func (w *Worker) HasFreeCapacity() bool {
	return w.gate.hasFreeCapacity()
}

// Run consumes dispatches until the channel is closed or ctx is done,
// executing each one in its own goroutine bounded by the worker's
// concurrency cap. Run blocks until every in-flight request this worker
// started has finished, so callers can treat its return as "this worker
// is fully drained".
func (w *Worker) Run(ctx context.Context, dispatches <-chan types.Dispatch) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-dispatches:
			if !ok {
				return
			}

			reqCtx := d.Ctx
			if reqCtx == nil {
				reqCtx = ctx
			}

			if !w.gate.Acquire(reqCtx) {
				w.recordCanceled(d)
				continue
			}

			wg.Add(1)
			if w.metrics != nil {
				w.metrics.WorkerInFlight.WithLabelValues(w.id).Inc()
			}
			go w.execute(reqCtx, d, &wg)
		}
	}
}

func (w *Worker) execute(ctx context.Context, d types.Dispatch, wg *sync.WaitGroup) {
	defer wg.Done()
	defer func() {
		w.gate.Release()
		if w.metrics != nil {
			w.metrics.WorkerInFlight.WithLabelValues(w.id).Dec()
		}
	}()

	rec := w.engine.Execute(ctx, d)
	w.sink.Record(rec)

	if w.metrics != nil {
		stage := strconv.FormatUint(uint64(d.StageID), 10)
		w.metrics.RequestsTotal.WithLabelValues(stage, string(rec.Outcome)).Inc()
		w.metrics.RequestDuration.WithLabelValues(stage).Observe(rec.RequestLatency().Seconds())
	}

	if rec.Outcome != types.OutcomeSuccess {
		w.logger.Debug().
			Str("outcome", string(rec.Outcome)).
			Str("detail", rec.ErrorDetail).
			Uint32("stage_id", d.StageID).
			Msg("request did not succeed")
	}
}

// recordCanceled folds a dispatch that never got to run, because its
// context was done before a concurrency slot freed up, into the sink as
// a canceled record so the scheduler's drain accounting still sees it.
func (w *Worker) recordCanceled(d types.Dispatch) {
	now := time.Now()
	rec := types.LifecycleRecord{
		StageID:        d.StageID,
		ModelName:      d.Model,
		ScheduledTime:  d.ScheduledTime,
		DispatchTime:   now,
		CompletionTime: now,
		Outcome:        types.OutcomeCanceled,
		ErrorDetail:    "canceled while waiting for a worker concurrency slot",
	}
	w.sink.Record(rec)
	if w.metrics != nil {
		w.metrics.RequestsTotal.WithLabelValues(strconv.FormatUint(uint64(d.StageID), 10), string(types.OutcomeCanceled)).Inc()
	}
}

// ID returns the worker's identifier.
func (w *Worker) ID() string {
	return w.id
}
