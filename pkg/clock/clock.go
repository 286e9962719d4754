// Package clock generates the timestamps a load stage dispatches against.
// A Schedule is a pull-based iterator: the scheduler calls Next once per
// descriptor it wants to send, rather than the schedule pushing on its own
// goroutine. This mirrors the source material's generator-based load
// timers without needing a generator language feature.
package clock

import (
	"math"
	"math/rand/v2"
	"time"
)

// Schedule yields the wall-clock time at which the next request in a
// stage should be dispatched. Next returns false once the schedule is
// exhausted (a constant-rate or Poisson schedule past its duration, or a
// trace with no offsets).
type Schedule interface {
	Next() (time.Time, bool)
}

// ConstantRateSchedule produces exponentially distributed inter-arrival
// times around a fixed mean rate, matching a Poisson arrival process.
// Grounded on load_timer.py's ConstantLoadTimer: exactly
// floor(rate*duration) intervals are drawn from Exp(rate), then rescaled so their sum
// is exactly duration, preventing multi-second rate drift from
// accumulating floating point error across a long run.
type ConstantRateSchedule struct {
	cursor    time.Time
	intervals []time.Duration
	next      int
}

// NewConstantRateSchedule builds a schedule dispatching at ratePerSec for
// duration, starting at start. rng supplies the exponential draws; pass a
// *rand.Rand seeded once per scheduler run (see pkg/scheduler) so a run
// is reproducible end to end when seeded deterministically.
func NewConstantRateSchedule(start time.Time, ratePerSec float64, duration time.Duration, rng *rand.Rand) *ConstantRateSchedule {
	if ratePerSec <= 0 || duration <= 0 {
		return &ConstantRateSchedule{cursor: start}
	}

	mean := 1.0 / ratePerSec
	n := int(ratePerSec*duration.Seconds() + 1e-9)
	var total time.Duration
	var draws []time.Duration

	for len(draws) < n {
		d := time.Duration(exponential(rng, mean) * float64(time.Second))
		draws = append(draws, d)
		total += d
	}

	if total > 0 {
		scale := float64(duration) / float64(total)
		for i := range draws {
			draws[i] = time.Duration(float64(draws[i]) * scale)
		}
	}

	return &ConstantRateSchedule{cursor: start, intervals: draws}
}

func exponential(rng *rand.Rand, mean float64) float64 {
	u := rng.Float64()
	for u == 0 {
		u = rng.Float64()
	}
	return -mean * math.Log(u)
}

// Next returns the timestamp of the next dispatch and advances the
// cursor.
func (s *ConstantRateSchedule) Next() (time.Time, bool) {
	if s.next >= len(s.intervals) {
		return time.Time{}, false
	}
	s.cursor = s.cursor.Add(s.intervals[s.next])
	s.next++
	return s.cursor, true
}

// PoissonSchedule composes ConstantRateSchedule one second at a time,
// regenerating the next second lazily: each second's arrival count is
// drawn from a Poisson distribution with mean ratePerSec, and those
// arrivals are spread across the second by a ConstantRateSchedule. Grounded on
// PoissonLoadTimer, which delegates each wall-clock second to a fresh
// ConstantLoadTimer instance rather than precomputing the whole run.
type PoissonSchedule struct {
	ratePerSec float64
	rng        *rand.Rand
	cursor     time.Time
	deadline   time.Time
	chunk      *ConstantRateSchedule
}

// NewPoissonSchedule builds a schedule emitting a Poisson process at
// ratePerSec for duration starting at start.
func NewPoissonSchedule(start time.Time, ratePerSec float64, duration time.Duration, rng *rand.Rand) *PoissonSchedule {
	return &PoissonSchedule{
		ratePerSec: ratePerSec,
		rng:        rng,
		cursor:     start,
		deadline:   start.Add(duration),
	}
}

// Next returns the timestamp of the next dispatch and advances the
// cursor, regenerating a one-second chunk whenever the current one is
// exhausted.
func (s *PoissonSchedule) Next() (time.Time, bool) {
	for {
		if s.chunk == nil {
			if !s.cursor.Before(s.deadline) {
				return time.Time{}, false
			}
			remaining := s.deadline.Sub(s.cursor)
			step := time.Second
			if remaining < step {
				step = remaining
			}
			k := 0
			for t := exponential(s.rng, 1.0/s.ratePerSec); s.ratePerSec > 0 && t < step.Seconds(); t += exponential(s.rng, 1.0/s.ratePerSec) {
				k++
			}
			s.chunk = NewConstantRateSchedule(s.cursor, float64(k)/step.Seconds(), step, s.rng)
			s.cursor = s.cursor.Add(step)
		}
		if t, ok := s.chunk.Next(); ok {
			return t, true
		}
		s.chunk = nil
	}
}

// TraceSchedule replays timestamps recorded in a trace, cycling back to
// the start once exhausted so a stage can run longer than the trace it
// was derived from. Grounded on load_timer.py's StreamingTraceLoadTimer,
// which repeats the same interval sequence across wall-clock offsets.
type TraceSchedule struct {
	base      time.Time
	offsets   []time.Duration // monotonically increasing, relative to base
	cycleSpan time.Duration   // wall-clock span of one full pass through offsets
	cycle     int
	idx       int
}

// NewTraceSchedule builds a schedule replaying offsets (each relative to
// the start of the trace) starting at start, repeating indefinitely once
// the trace is exhausted.
func NewTraceSchedule(start time.Time, offsets []time.Duration) *TraceSchedule {
	ts := &TraceSchedule{base: start, offsets: offsets}
	if len(offsets) > 0 {
		ts.cycleSpan = offsets[len(offsets)-1]
	}
	return ts
}

// Next returns the timestamp of the next dispatch. It never reports
// exhaustion: an empty offsets slice is the only terminal case.
func (s *TraceSchedule) Next() (time.Time, bool) {
	if len(s.offsets) == 0 {
		return time.Time{}, false
	}
	if s.idx >= len(s.offsets) {
		s.idx = 0
		s.cycle++
	}
	offset := time.Duration(s.cycle)*s.cycleSpan + s.offsets[s.idx]
	s.idx++
	return s.base.Add(offset), true
}
