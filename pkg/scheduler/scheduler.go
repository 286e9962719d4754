// Package scheduler drives the stage machine: for each configured stage
// it either paces dispatch to a target rate (open loop) or keeps a fixed
// number of requests in flight (closed loop), applying the stage's
// traffic split across models, then drains in-flight work before moving
// to the next stage.
package scheduler

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/kubernetes-sigs/inference-perf/pkg/clock"
	"github.com/kubernetes-sigs/inference-perf/pkg/datagen"
	"github.com/kubernetes-sigs/inference-perf/pkg/log"
	"github.com/kubernetes-sigs/inference-perf/pkg/metrics"
	"github.com/kubernetes-sigs/inference-perf/pkg/sink"
	"github.com/kubernetes-sigs/inference-perf/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Scheduler runs a sequence of stages against a WorkerPool.
type Scheduler struct {
	logger  zerolog.Logger
	metrics *metrics.Metrics
	sink    *sink.Sink
	gen     datagen.Generator
	rng     *rand.Rand
}

// Config controls Scheduler construction.
type Config struct {
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
	Sink      *sink.Sink
	Generator datagen.Generator
	// Rand seeds the scheduler's single PRNG instance, used for both
	// inter-arrival draws and traffic-split sampling. Defaults to a
	// fresh generator.
	Rand *rand.Rand
}

// New builds a Scheduler from cfg.
func New(cfg Config) *Scheduler {
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Scheduler{
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		sink:    cfg.Sink,
		gen:     cfg.Generator,
		rng:     rng,
	}
}

// Run executes every stage in order against pool, returning the observed
// runtime envelope of each. Run itself never returns an error for a
// per-request or per-worker failure — those are swallowed into the sink
// as Outcome values, logged and counted without stopping the run. It
// returns an error only for a fatal schedule-generator misconfiguration,
// e.g. an open-loop stage with a non-positive rate.
func (s *Scheduler) Run(ctx context.Context, stages []types.Stage, pool *WorkerPool) ([]types.StageRuntimeInfo, error) {
	runtimeInfo := make([]types.StageRuntimeInfo, 0, len(stages))

	for _, stage := range stages {
		info, err := s.runStage(ctx, stage, pool)
		runtimeInfo = append(runtimeInfo, info)
		if err != nil {
			return runtimeInfo, fmt.Errorf("stage %d: %w", stage.ID, err)
		}
		if ctx.Err() != nil {
			break
		}
	}

	return runtimeInfo, nil
}

func (s *Scheduler) runStage(ctx context.Context, stage types.Stage, pool *WorkerPool) (types.StageRuntimeInfo, error) {
	logger := log.WithStage(s.logger, stage.ID)
	info := types.StageRuntimeInfo{StageID: stage.ID, RequestedRate: stage.Rate, StartTime: time.Now()}

	stageCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g errgroup.Group

	var dispatched int

	if stage.IsOpenLoop() {
		if *stage.Rate <= 0 {
			return info, fmt.Errorf("open-loop stage requires a positive rate, got %v", *stage.Rate)
		}
		if stage.DurationSec <= 0 {
			return info, fmt.Errorf("open-loop stage requires a positive duration")
		}
		pool.SetConcurrency(0)
		g.Go(func() error {
			dispatched = s.runOpenLoop(stageCtx, stage, pool, logger)
			return nil
		})
	} else {
		if stage.Concurrency == nil || *stage.Concurrency == 0 {
			return info, fmt.Errorf("closed-loop stage requires a positive concurrency")
		}
		if stage.NumRequests <= 0 && stage.DurationSec <= 0 {
			return info, fmt.Errorf("closed-loop stage requires num_requests, duration, or both")
		}
		pool.SetConcurrency(int(*stage.Concurrency))
		g.Go(func() error {
			dispatched = s.runClosedLoop(stageCtx, stage, pool, logger)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return info, err
	}

	info.EndTime = time.Now()
	if s.metrics != nil {
		s.metrics.StageDuration.WithLabelValues(strconv.FormatUint(uint64(stage.ID), 10)).Observe(info.EndTime.Sub(info.StartTime).Seconds())
	}

	s.drain(ctx, stage, dispatched, logger, cancel)

	return info, nil
}

// runOpenLoop paces dispatch according to stage's clock.Schedule,
// dropping a descriptor rather than delaying the schedule when the queue
// of the worker it is routed to is full.
func (s *Scheduler) runOpenLoop(ctx context.Context, stage types.Stage, pool *WorkerPool, logger zerolog.Logger) int {
	duration := time.Duration(stage.DurationSec * float64(time.Second))
	var schedule clock.Schedule
	if stage.RateDistribution == types.RateDistributionPoisson {
		schedule = clock.NewPoissonSchedule(time.Now(), *stage.Rate, duration, s.rng)
	} else {
		schedule = clock.NewConstantRateSchedule(time.Now(), *stage.Rate, duration, s.rng)
	}

	var dispatched int
	for {
		next, ok := schedule.Next()
		if !ok {
			return dispatched
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return dispatched
		case <-timer.C:
		}

		d, ok := s.buildDispatch(stage)
		dispatched++
		if !ok {
			continue
		}
		d.Ctx = ctx

		if !pool.TryDispatch(d) {
			s.recordDrop(stage, "queue_full")
			continue
		}
		if s.metrics != nil {
			s.metrics.DispatchTotal.WithLabelValues(strconv.FormatUint(uint64(stage.ID), 10)).Inc()
		}
	}
}

// runClosedLoop keeps stage.Concurrency requests in flight, ending the
// stage as soon as either NumRequests have been dispatched or
// DurationSec has elapsed, whichever configured bound comes first (both
// may be set together). Only the dispatch loop's own pacing is bounded
// by DurationSec: a descriptor already handed to a worker keeps running
// under ctx, the stage's longer-lived context, until drain cancels it.
func (s *Scheduler) runClosedLoop(ctx context.Context, stage types.Stage, pool *WorkerPool, logger zerolog.Logger) int {
	total := int(stage.NumRequests)

	dispatchCtx := ctx
	if stage.DurationSec > 0 {
		var dispatchCancel context.CancelFunc
		dispatchCtx, dispatchCancel = context.WithTimeout(ctx, time.Duration(stage.DurationSec*float64(time.Second)))
		defer dispatchCancel()
	}

	var dispatched int
	for total <= 0 || dispatched < total {
		if dispatchCtx.Err() != nil {
			return dispatched
		}

		d, ok := s.buildDispatch(stage)
		if !ok {
			dispatched++
			continue
		}
		d.Ctx = ctx

		if !pool.Dispatch(dispatchCtx, d) {
			return dispatched
		}
		if s.metrics != nil {
			s.metrics.DispatchTotal.WithLabelValues(strconv.FormatUint(uint64(stage.ID), 10)).Inc()
		}
		dispatched++
	}

	return dispatched
}

// buildDispatch resolves (if needed) and model-assigns one descriptor
// for stage. ok is false only when resolution fails, in which case the
// caller should count the slot as consumed but skip dispatch.
func (s *Scheduler) buildDispatch(stage types.Stage) (types.Dispatch, bool) {
	model := s.pickModel(stage.TrafficSplit)

	var descriptor types.Descriptor = types.LazyDescriptor{}
	if s.gen != nil {
		idx := s.rng.IntN(max(s.gen.Len(), 1))
		concrete, err := s.gen.Resolve(idx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to resolve descriptor, dropping")
			s.recordDrop(stage, "resolve_failed")
			return types.Dispatch{}, false
		}
		concrete.Model = model
		descriptor = concrete
	}

	return types.Dispatch{
		Descriptor:    descriptor,
		StageID:       stage.ID,
		ScheduledTime: time.Now(),
		Model:         model,
	}, true
}

// pickModel performs weighted sampling over a stage's traffic split. An
// empty split returns the empty string; the lifecycle engine then sends
// the descriptor's own Model, and omits the model field when that is
// empty too.
func (s *Scheduler) pickModel(split []types.TrafficWeight) string {
	if len(split) == 0 {
		return ""
	}
	var total float64
	for _, w := range split {
		total += w.Weight
	}
	if total <= 0 {
		return split[0].Model
	}

	r := s.rng.Float64() * total
	var cum float64
	for _, w := range split {
		cum += w.Weight
		if r < cum {
			return w.Model
		}
	}
	return split[len(split)-1].Model
}

func (s *Scheduler) recordDrop(stage types.Stage, reason string) {
	now := time.Now()
	s.sink.Record(types.LifecycleRecord{
		StageID:        stage.ID,
		ScheduledTime:  now,
		DispatchTime:   now,
		CompletionTime: now,
		Outcome:        types.OutcomeDispatchDropped,
		ErrorDetail:    reason,
	})
	if s.metrics != nil {
		s.metrics.DispatchDropped.WithLabelValues(strconv.FormatUint(uint64(stage.ID), 10), reason).Inc()
	}
}

// drain waits for this stage's dispatched requests to finish being
// recorded into the sink, bounded by stage.DrainTimeoutSec. If the
// timeout elapses first, cancel tears down the stage's context so every
// still in-flight request observes a canceled context and is recorded
// with OutcomeCanceled instead of leaking past the stage boundary.
func (s *Scheduler) drain(ctx context.Context, stage types.Stage, dispatched int, logger zerolog.Logger, cancel context.CancelFunc) {
	if dispatched == 0 {
		return
	}
	timeout := time.Duration(stage.DrainTimeoutSec * float64(time.Second))
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		if s.sink.Len(stage.ID) >= dispatched {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
	logger.Warn().
		Int("dispatched", dispatched).
		Int("recorded", s.sink.Len(stage.ID)).
		Msg("stage drain timed out; canceling in-flight requests and proceeding to next stage")
	cancel()
}
