package sink

import (
	"sync"
	"testing"

	"github.com/kubernetes-sigs/inference-perf/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestSinkRecordAndDrain(t *testing.T) {
	s := New()

	s.Record(types.LifecycleRecord{StageID: 1, Outcome: types.OutcomeSuccess})
	s.Record(types.LifecycleRecord{StageID: 1, Outcome: types.OutcomeTimeout})
	s.Record(types.LifecycleRecord{StageID: 2, Outcome: types.OutcomeSuccess})

	assert.Equal(t, 2, s.Len(1))
	assert.Equal(t, 1, s.Len(2))

	drained := s.DrainByStage(1)
	assert.Len(t, drained, 2)
	assert.Equal(t, 0, s.Len(1), "draining should empty the stage bucket")
	assert.Equal(t, 1, s.Len(2), "other stages are unaffected")
}

func TestSinkDrainEmptyStage(t *testing.T) {
	s := New()
	assert.Empty(t, s.DrainByStage(99))
}

func TestSinkConcurrentRecord(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	const n = 200

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Record(types.LifecycleRecord{StageID: 1, Outcome: types.OutcomeSuccess})
		}()
	}
	wg.Wait()

	assert.Equal(t, n, s.Len(1))
}
