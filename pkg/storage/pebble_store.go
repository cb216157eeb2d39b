package storage

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/atsim/pkg/app/core/portfolio"
	"github.com/uhyunpark/atsim/pkg/backtest"
	"github.com/uhyunpark/atsim/pkg/eventbus"
	"github.com/uhyunpark/atsim/pkg/risk"
)

// RunStore persists runs in pebble, one JSON value per key.
type RunStore struct {
	db *pebble.DB
}

func NewRunStore(path string) (*RunStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open run store %s: %w", path, err)
	}
	return &RunStore{db: db}, nil
}

func (s *RunStore) Close() error { return s.db.Close() }

// SaveResult writes a whole run in one batch.
func (s *RunStore) SaveResult(res *backtest.Result) error {
	if res == nil || res.RunID == "" {
		return fmt.Errorf("result needs a run id")
	}
	b := s.db.NewBatch()
	defer b.Close()

	id := res.RunID
	for _, snap := range res.Snapshots {
		if err := setJSON(b, snapshotKey(id, snap.Bar), "snapshot", snap); err != nil {
			return err
		}
	}
	for _, t := range res.Trades {
		if err := setJSON(b, tradeKey(id, t.Seq), "trade", t); err != nil {
			return err
		}
	}
	for i, ev := range res.Governance {
		if err := setJSON(b, govKey(id, i), "governance event", ev); err != nil {
			return err
		}
	}
	// Risk evaluates every bar, so decision i belongs to bar i.
	for i, d := range res.Decisions {
		if err := setJSON(b, decisionKey(id, i), "decision", d); err != nil {
			return err
		}
	}
	if err := setJSON(b, runKey(id), "run", RecordOf(res)); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit run %s: %w", id, err)
	}
	return nil
}

// SaveRun writes or replaces a run record.
func (s *RunStore) SaveRun(rec RunRecord) error {
	data, err := encode("run", rec)
	if err != nil {
		return err
	}
	if err := s.db.Set(runKey(rec.RunID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

func (s *RunStore) LoadRun(runID string) (RunRecord, error) {
	data, closer, err := s.db.Get(runKey(runID))
	if errors.Is(err, pebble.ErrNotFound) {
		return RunRecord{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return RunRecord{}, fmt.Errorf("failed to get run: %w", err)
	}
	defer closer.Close()
	var rec RunRecord
	if err := decode("run", data, &rec); err != nil {
		return RunRecord{}, err
	}
	return rec, nil
}

// ListRuns returns every run record ordered by run id.
func (s *RunStore) ListRuns() ([]RunRecord, error) {
	prefix := []byte(prefixRun)
	var out []RunRecord
	err := s.scan(prefix, func(_, v []byte) error {
		var rec RunRecord
		if err := decode("run", v, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out, err
}

func (s *RunStore) LoadSnapshots(runID string) ([]portfolio.Snapshot, error) {
	if err := s.exists(runID); err != nil {
		return nil, err
	}
	var out []portfolio.Snapshot
	err := s.scan(runPrefix(prefixSnapshot, runID), func(_, v []byte) error {
		var snap portfolio.Snapshot
		if err := decode("snapshot", v, &snap); err != nil {
			return err
		}
		out = append(out, snap)
		return nil
	})
	return out, err
}

func (s *RunStore) LoadTrades(runID string) ([]backtest.Trade, error) {
	if err := s.exists(runID); err != nil {
		return nil, err
	}
	var out []backtest.Trade
	err := s.scan(runPrefix(prefixTrade, runID), func(_, v []byte) error {
		var t backtest.Trade
		if err := decode("trade", v, &t); err != nil {
			return err
		}
		out = append(out, t)
		return nil
	})
	return out, err
}

func (s *RunStore) LoadGovernance(runID string) ([]risk.Event, error) {
	if err := s.exists(runID); err != nil {
		return nil, err
	}
	var out []risk.Event
	err := s.scan(runPrefix(prefixGov, runID), func(_, v []byte) error {
		var ev risk.Event
		if err := decode("governance event", v, &ev); err != nil {
			return err
		}
		out = append(out, ev)
		return nil
	})
	return out, err
}

func (s *RunStore) LoadDecisions(runID string) ([]risk.Decision, error) {
	if err := s.exists(runID); err != nil {
		return nil, err
	}
	var out []risk.Decision
	err := s.scan(runPrefix(prefixDecision, runID), func(_, v []byte) error {
		var d risk.Decision
		if err := decode("decision", v, &d); err != nil {
			return err
		}
		out = append(out, d)
		return nil
	})
	return out, err
}

func (s *RunStore) exists(runID string) error {
	_, err := s.LoadRun(runID)
	return err
}

func (s *RunStore) scan(prefix []byte, fn func(k, v []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func setJSON(b *pebble.Batch, key []byte, kind string, v any) error {
	data, err := encode(kind, v)
	if err != nil {
		return err
	}
	return b.Set(key, data, nil)
}

// Recorder streams a run into the store as it is published: each bar's
// records are committed in one batch when the bar's snapshot arrives, and
// the run record is written on completion.
type Recorder struct {
	store *RunStore
	runID string

	mu    sync.Mutex
	batch *pebble.Batch
	gov   int
	err   error
}

// Attach subscribes a Recorder for runID to bus.
func (s *RunStore) Attach(bus eventbus.Bus, runID string) *Recorder {
	r := &Recorder{store: s, runID: runID, batch: s.db.NewBatch()}
	bus.Subscribe(eventbus.Wildcard, r.Handle)
	return r
}

func (r *Recorder) Handle(ev eventbus.Event) error {
	if ev.RunID != r.runID {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.err = r.handle(ev)
	return r.err
}

func (r *Recorder) handle(ev eventbus.Event) error {
	id := r.runID
	switch data := ev.Data.(type) {
	case backtest.Trade:
		return setJSON(r.batch, tradeKey(id, data.Seq), "trade", data)
	case risk.Decision:
		return setJSON(r.batch, decisionKey(id, ev.Bar), "decision", data)
	case []risk.Event:
		for _, e := range data {
			if err := setJSON(r.batch, govKey(id, r.gov), "governance event", e); err != nil {
				return err
			}
			r.gov++
		}
		// Governance follows the bar's snapshot.
		return r.commit()
	case portfolio.Snapshot:
		if err := setJSON(r.batch, snapshotKey(id, data.Bar), "snapshot", data); err != nil {
			return err
		}
		return r.commit()
	case *backtest.Result:
		if err := setJSON(r.batch, runKey(id), "run", RecordOf(data)); err != nil {
			return err
		}
		err := r.commit()
		r.batch.Close()
		r.batch = nil
		return err
	}
	return nil
}

func (r *Recorder) commit() error {
	if r.batch == nil {
		return fmt.Errorf("recorder for run %s is finished", r.runID)
	}
	if r.batch.Empty() {
		return nil
	}
	if err := r.batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit bar batch: %w", err)
	}
	r.batch.Close()
	r.batch = r.store.db.NewBatch()
	return nil
}

var _ Store = (*RunStore)(nil)
