// Package artifacts writes a run's event log, equity curve, trade ledger,
// metrics and manifest to disk as the run publishes them.
package artifacts

import (
	"bufio"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"

	"github.com/uhyunpark/atsim/pkg/app/core/portfolio"
	"github.com/uhyunpark/atsim/pkg/backtest"
	"github.com/uhyunpark/atsim/pkg/eventbus"
)

const (
	EventsFile   = "events.jsonl"
	EquityFile   = "equity_curve.csv"
	TradesJSONL  = "trades.jsonl"
	TradesCSV    = "trades.csv"
	MetricsFile  = "metrics.json"
	ManifestFile = "manifest.json"
)

var ErrClosed = errors.New("artifact writer is closed")

var (
	equityHeader = []string{"timestamp", "equity", "cash", "positions_value", "pnl", "drawdown"}
	tradeHeader  = []string{"seq", "bar", "timestamp", "order_id", "symbol", "side", "size", "price",
		"fee", "realized_pnl", "position_qty", "liquidity", "latency_ms"}
)

// Manifest describes a finished run.
type Manifest struct {
	RunID         string    `json:"run_id"`
	EngineVersion string    `json:"engine_version"`
	Symbols       []string  `json:"symbols"`
	BarCount      int       `json:"bar_count"`
	TradeCount    int       `json:"trade_count"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	StopReason    string    `json:"stop_reason"`
	Error         string    `json:"error,omitempty"`
	// LedgerDigest is Keccak-256 over the trades.jsonl lines, hex encoded.
	LedgerDigest string   `json:"ledger_digest"`
	Files        []string `json:"files"`
}

type eventLine struct {
	Ts   time.Time `json:"ts"`
	Type string    `json:"type"`
	Data any       `json:"data"`
}

// Writer persists one run under <root>/<run_id>/. Attach it to the run's
// bus before Run; the run_complete event finalizes and closes it.
type Writer struct {
	mu     sync.Mutex
	runID  string
	dir    string
	logger *zap.SugaredLogger

	files      []*os.File
	events     *bufio.Writer
	tradesJSON *bufio.Writer
	equityCSV  *csv.Writer
	tradesCSV  *csv.Writer
	digest     hash.Hash

	startingCash float64
	peak         float64
	bars         int
	trades       int
	first, last  time.Time
	closed       bool
	manifest     *Manifest
}

func NewWriter(root, runID string, logger *zap.Logger) (*Writer, error) {
	if runID == "" {
		return nil, fmt.Errorf("artifact writer needs a run id")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	dir := filepath.Join(root, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	w := &Writer{runID: runID, dir: dir, logger: logger.Sugar(), digest: sha3.NewLegacyKeccak256()}

	open := func(name string) (*os.File, error) {
		f, err := os.Create(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", name, err)
		}
		w.files = append(w.files, f)
		return f, nil
	}
	ev, err := open(EventsFile)
	if err != nil {
		w.closeFiles()
		return nil, err
	}
	eq, err := open(EquityFile)
	if err != nil {
		w.closeFiles()
		return nil, err
	}
	tj, err := open(TradesJSONL)
	if err != nil {
		w.closeFiles()
		return nil, err
	}
	tc, err := open(TradesCSV)
	if err != nil {
		w.closeFiles()
		return nil, err
	}
	w.events = bufio.NewWriter(ev)
	w.tradesJSON = bufio.NewWriter(tj)
	w.equityCSV = csv.NewWriter(eq)
	w.tradesCSV = csv.NewWriter(tc)
	if err := w.equityCSV.Write(equityHeader); err != nil {
		w.closeFiles()
		return nil, err
	}
	if err := w.tradesCSV.Write(tradeHeader); err != nil {
		w.closeFiles()
		return nil, err
	}
	return w, nil
}

func (w *Writer) Dir() string { return w.dir }

// Attach subscribes the writer to every topic on bus.
func (w *Writer) Attach(bus eventbus.Bus) { bus.Subscribe(eventbus.Wildcard, w.Handle) }

// Manifest returns the manifest once the run has completed.
func (w *Writer) Manifest() (Manifest, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.manifest == nil {
		return Manifest{}, false
	}
	return *w.manifest, true
}

// Handle records one event. Events for other runs are ignored.
func (w *Writer) Handle(ev eventbus.Event) error {
	if ev.RunID != w.runID {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}

	data := ev.Data
	if res, ok := ev.Data.(*backtest.Result); ok {
		data = map[string]any{
			"stop_reason":    res.StopReason,
			"bars_processed": res.BarsProcessed,
			"trades":         len(res.Trades),
			"error":          res.Err,
		}
	}
	if err := writeJSONLine(w.events, eventLine{Ts: ev.Timestamp, Type: ev.Topic, Data: data}); err != nil {
		return fmt.Errorf("events: %w", err)
	}

	switch ev.Topic {
	case eventbus.TopicSnapshot:
		if snap, ok := ev.Data.(portfolio.Snapshot); ok {
			return w.writeEquity(snap)
		}
	case eventbus.TopicFill:
		if tr, ok := ev.Data.(backtest.Trade); ok {
			return w.writeTrade(tr)
		}
	case eventbus.TopicRunComplete:
		if res, ok := ev.Data.(*backtest.Result); ok {
			return w.finalize(res)
		}
	}
	return nil
}

func (w *Writer) writeEquity(s portfolio.Snapshot) error {
	if w.bars == 0 {
		w.startingCash = s.StartingCash
		w.peak = s.StartingCash
		w.first = s.Timestamp
	}
	w.bars++
	w.last = s.Timestamp
	if s.Equity > w.peak {
		w.peak = s.Equity
	}
	var dd float64
	if w.peak > 0 {
		dd = s.Equity/w.peak - 1
	}
	return w.equityCSV.Write([]string{
		s.Timestamp.UTC().Format(time.RFC3339),
		money(s.Equity),
		money(s.Cash),
		money(s.PositionsValue),
		money(s.Equity - w.startingCash),
		decimal.NewFromFloat(dd).StringFixed(6),
	})
}

func (w *Writer) writeTrade(t backtest.Trade) error {
	line, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode trade: %w", err)
	}
	w.digest.Write(line)
	w.digest.Write([]byte{'\n'})
	if _, err := w.tradesJSON.Write(append(line, '\n')); err != nil {
		return err
	}
	w.trades++
	return w.tradesCSV.Write([]string{
		strconv.Itoa(t.Seq),
		strconv.Itoa(t.Bar),
		t.Timestamp.UTC().Format(time.RFC3339Nano),
		t.OrderID,
		t.Symbol,
		string(t.Side),
		qty(t.Size),
		price(t.Price),
		money(t.Fee),
		money(t.RealizedPnL),
		qty(t.PositionQty),
		string(t.Liquidity),
		strconv.FormatFloat(t.LatencyMs, 'f', 3, 64),
	})
}

func (w *Writer) finalize(res *backtest.Result) error {
	defer w.closeFiles()
	w.closed = true
	if err := w.flush(); err != nil {
		return err
	}

	if err := writeJSONFile(filepath.Join(w.dir, MetricsFile), res.Metrics()); err != nil {
		return err
	}
	m := Manifest{
		RunID:         w.runID,
		EngineVersion: backtest.EngineVersion,
		Symbols:       res.Symbols,
		BarCount:      w.bars,
		TradeCount:    w.trades,
		Start:         w.first,
		End:           w.last,
		StopReason:    res.StopReason,
		Error:         res.Err,
		LedgerDigest:  "0x" + hex.EncodeToString(w.digest.Sum(nil)),
		Files:         []string{EventsFile, EquityFile, TradesJSONL, TradesCSV, MetricsFile, ManifestFile},
	}
	if err := writeJSONFile(filepath.Join(w.dir, ManifestFile), m); err != nil {
		return err
	}
	w.manifest = &m
	w.logger.Infow("artifacts_written", "run_id", w.runID, "dir", w.dir, "bars", w.bars,
		"trades", w.trades, "ledger_digest", m.LedgerDigest)
	return nil
}

func (w *Writer) flush() error {
	w.equityCSV.Flush()
	w.tradesCSV.Flush()
	return errors.Join(w.equityCSV.Error(), w.tradesCSV.Error(), w.events.Flush(), w.tradesJSON.Flush())
}

// Close flushes and closes the files of a run that never completed.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	err := w.flush()
	return errors.Join(err, w.closeFiles())
}

func (w *Writer) closeFiles() error {
	var errs []error
	for _, f := range w.files {
		errs = append(errs, f.Close())
	}
	w.files = nil
	return errors.Join(errs...)
}

func writeJSONLine(bw *bufio.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := bw.Write(b); err != nil {
		return err
	}
	return bw.WriteByte('\n')
}

func writeJSONFile(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func money(v float64) string { return decimal.NewFromFloat(v).StringFixed(2) }
func price(v float64) string { return decimal.NewFromFloat(v).StringFixed(6) }
func qty(v float64) string   { return decimal.NewFromFloat(v).String() }
