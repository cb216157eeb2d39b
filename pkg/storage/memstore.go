package storage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/uhyunpark/atsim/pkg/app/core/portfolio"
	"github.com/uhyunpark/atsim/pkg/backtest"
	"github.com/uhyunpark/atsim/pkg/risk"
)

// MemoryStore keeps runs in process. Loads return copies of the slices.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*memRun
}

type memRun struct {
	rec        RunRecord
	snapshots  []portfolio.Snapshot
	trades     []backtest.Trade
	governance []risk.Event
	decisions  []risk.Decision
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*memRun)}
}

func (s *MemoryStore) SaveResult(res *backtest.Result) error {
	if res == nil || res.RunID == "" {
		return fmt.Errorf("result needs a run id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[res.RunID] = &memRun{
		rec:        RecordOf(res),
		snapshots:  append([]portfolio.Snapshot(nil), res.Snapshots...),
		trades:     append([]backtest.Trade(nil), res.Trades...),
		governance: append([]risk.Event(nil), res.Governance...),
		decisions:  append([]risk.Decision(nil), res.Decisions...),
	}
	return nil
}

func (s *MemoryStore) get(runID string) (*memRun, error) {
	r, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return r, nil
}

func (s *MemoryStore) ListRuns() ([]RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RunRecord, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r.rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out, nil
}

func (s *MemoryStore) LoadRun(runID string) (RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := s.get(runID)
	if err != nil {
		return RunRecord{}, err
	}
	return r.rec, nil
}

func (s *MemoryStore) LoadSnapshots(runID string) ([]portfolio.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := s.get(runID)
	if err != nil {
		return nil, err
	}
	return append([]portfolio.Snapshot(nil), r.snapshots...), nil
}

func (s *MemoryStore) LoadTrades(runID string) ([]backtest.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := s.get(runID)
	if err != nil {
		return nil, err
	}
	return append([]backtest.Trade(nil), r.trades...), nil
}

func (s *MemoryStore) LoadGovernance(runID string) ([]risk.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := s.get(runID)
	if err != nil {
		return nil, err
	}
	return append([]risk.Event(nil), r.governance...), nil
}

func (s *MemoryStore) LoadDecisions(runID string) ([]risk.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := s.get(runID)
	if err != nil {
		return nil, err
	}
	return append([]risk.Decision(nil), r.decisions...), nil
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
