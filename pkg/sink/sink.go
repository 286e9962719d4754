// Package sink collects lifecycle records as they complete, keyed by the
// stage they ran in, ready for the report composer to fold into summary
// statistics once a stage drains.
package sink

import (
	"sync"

	"github.com/kubernetes-sigs/inference-perf/pkg/types"
)

// Sink appends completed records under a short per-stage critical
// section. Records are stored by value: once handed to Record, no
// worker or engine retains a reference to the record it submitted.
type Sink struct {
	mu     sync.Mutex
	stages map[uint32][]types.LifecycleRecord
}

// New returns an empty sink.
func New() *Sink {
	return &Sink{stages: make(map[uint32][]types.LifecycleRecord)}
}

// Record appends rec under its StageID.
func (s *Sink) Record(rec types.LifecycleRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages[rec.StageID] = append(s.stages[rec.StageID], rec)
}

// DrainByStage returns every record recorded for stageID and removes
// them from the sink, so a report can be composed for that stage
// without re-reading records from a later stage that happens to share
// the map.
func (s *Sink) DrainByStage(stageID uint32) []types.LifecycleRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := s.stages[stageID]
	delete(s.stages, stageID)
	return records
}

// Len reports how many records are currently buffered for stageID,
// without draining them.
func (s *Sink) Len(stageID uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stages[stageID])
}
