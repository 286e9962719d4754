package lifecycle

import (
	"context"
	"sync"

	"github.com/kubernetes-sigs/inference-perf/pkg/metrics"
)

// sessionSlot serializes the rounds of one multi-turn session so round N+1
// never starts before round N finishes, without forcing the scheduler
// itself to dispatch them one at a time. Grounded on user_session.py's
// LocalUserSession, which pairs an asyncio.Lock with a FIFO queue of
// futures to get the same ordering guarantee.
type sessionSlot struct {
	mu   sync.Mutex
	cond *sync.Cond
	next int
}

func newSessionSlot() *sessionSlot {
	s := &sessionSlot{next: 1}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// acquire blocks until round is next in line for this session, or ctx is
// done.
func (s *sessionSlot) acquire(ctx context.Context, round int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	for s.next != round {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.cond.Wait()
	}
	return ctx.Err()
}

// release admits the next round.
func (s *sessionSlot) release() {
	s.mu.Lock()
	s.next++
	s.cond.Broadcast()
	s.mu.Unlock()
}

// SessionRegistry hands out per-session ordering tickets. One slot is
// created lazily per session id and kept for the lifetime of the run.
type SessionRegistry struct {
	slots   sync.Map // sessionID -> *sessionSlot
	metrics *metrics.Metrics
}

// NewSessionRegistry returns an empty registry. m may be nil, in which
// case queue-depth is not reported.
func NewSessionRegistry(m *metrics.Metrics) *SessionRegistry {
	return &SessionRegistry{metrics: m}
}

// Acquire blocks until round is the next round due for sessionID, then
// returns a release function the caller must invoke exactly once, success
// or failure, to admit the following round. While blocked, the caller is
// reflected in the session_queue_depth gauge so an operator can see
// session-affinity backpressure building up live.
func (r *SessionRegistry) Acquire(ctx context.Context, sessionID string, round int) (release func(), err error) {
	v, _ := r.slots.LoadOrStore(sessionID, newSessionSlot())
	slot := v.(*sessionSlot)

	if r.metrics != nil {
		gauge := r.metrics.SessionQueueDepth.WithLabelValues(sessionID)
		gauge.Inc()
		defer gauge.Dec()
	}

	if err := slot.acquire(ctx, round); err != nil {
		return nil, err
	}
	return slot.release, nil
}
