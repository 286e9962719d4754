package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/kubernetes-sigs/inference-perf/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionRegistryReportsQueueDepthWhileWaiting(t *testing.T) {
	m := metrics.New()
	r := NewSessionRegistry(m)
	ctx := context.Background()

	release, err := r.Acquire(ctx, "s1", 1)
	require.NoError(t, err)

	waiterBlocked := make(chan struct{})
	go func() {
		close(waiterBlocked)
		rel, err := r.Acquire(ctx, "s1", 2)
		require.NoError(t, err)
		rel()
	}()

	<-waiterBlocked
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.SessionQueueDepth.WithLabelValues("s1")) == 1
	}, time.Second, time.Millisecond)

	release()
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.SessionQueueDepth.WithLabelValues("s1")) == 0
	}, time.Second, time.Millisecond)
}

func TestSessionRegistryOrdersRoundsFIFO(t *testing.T) {
	r := NewSessionRegistry(nil)
	ctx := context.Background()

	var order []int
	done := make(chan struct{})

	run := func(round int) {
		release, err := r.Acquire(ctx, "s1", round)
		require.NoError(t, err)
		order = append(order, round)
		time.Sleep(5 * time.Millisecond)
		release()
		if round == 3 {
			close(done)
		}
	}

	// start round 3 and 2 first; round 1 must still go first.
	go run(3)
	go run(2)
	go run(1)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for rounds to complete")
	}

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestSessionRegistryIndependentSessions(t *testing.T) {
	r := NewSessionRegistry(nil)
	ctx := context.Background()

	release1, err := r.Acquire(ctx, "a", 1)
	require.NoError(t, err)

	// a different session's round 1 should not block behind session a.
	release2, err := r.Acquire(ctx, "b", 1)
	require.NoError(t, err)

	release1()
	release2()
}

func TestSessionRegistryCancelUnblocks(t *testing.T) {
	r := NewSessionRegistry(nil)
	ctx := context.Background()

	release, err := r.Acquire(ctx, "c", 1)
	require.NoError(t, err)
	defer release()

	cancelCtx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := r.Acquire(cancelCtx, "c", 2)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("cancellation did not unblock waiting round")
	}
}
