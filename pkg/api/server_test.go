package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/atsim/pkg/app/core/order"
	"github.com/uhyunpark/atsim/pkg/app/core/portfolio"
	"github.com/uhyunpark/atsim/pkg/backtest"
	"github.com/uhyunpark/atsim/pkg/eventbus"
	"github.com/uhyunpark/atsim/pkg/killswitch"
	"github.com/uhyunpark/atsim/pkg/risk"
	"github.com/uhyunpark/atsim/pkg/storage"
)

var t0 = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

func fixtureResult() *backtest.Result {
	snaps := []portfolio.Snapshot{
		{Timestamp: t0, Bar: 0, Cash: 100_000, Equity: 100_000, StartingCash: 100_000},
		{Timestamp: t0.Add(24 * time.Hour), Bar: 1, Cash: 99_000, Equity: 100_050, PositionsValue: 1_050, GrossExposure: 1_050, StartingCash: 100_000},
		{Timestamp: t0.Add(48 * time.Hour), Bar: 2, Cash: 100_100, Equity: 100_100, StartingCash: 100_000},
	}
	trades := []backtest.Trade{
		{Fill: order.Fill{OrderID: "r1-000001-000", Symbol: "SPY", Side: order.Buy, Size: 10, Price: 100, Timestamp: t0.Add(24 * time.Hour)}, Bar: 1, Seq: 0},
		{Fill: order.Fill{OrderID: "r1-000002-000", Symbol: "SPY", Side: order.Sell, Size: 10, Price: 110, Timestamp: t0.Add(48 * time.Hour)}, Bar: 2, Seq: 1, RealizedPnL: 100, Closing: true},
	}
	return &backtest.Result{
		RunID:         "r1",
		Symbols:       []string{"SPY"},
		Snapshots:     snaps,
		Trades:        trades,
		Governance:    []risk.Event{{Timestamp: t0, Symbol: "SPY", Stage: risk.StageOrder, Message: "blocked"}},
		StopReason:    backtest.StopExhausted,
		BarsProcessed: 3,
		FinalSnapshot: snaps[2],
	}
}

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	store := storage.NewMemoryStore()
	if err := store.SaveResult(fixtureResult()); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}
	return NewServer(store, opts...)
}

func get(t *testing.T, h http.Handler, path string, out any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if out != nil && rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return rec.Code
}

func TestRunEndpoints(t *testing.T) {
	h := newTestServer(t).Handler()

	var runs []RunSummary
	if code := get(t, h, "/api/v1/runs", &runs); code != http.StatusOK {
		t.Fatalf("list status = %d", code)
	}
	if len(runs) != 1 || runs[0].RunID != "r1" || runs[0].Trades != 2 || runs[0].Bars != 3 {
		t.Fatalf("runs = %+v", runs)
	}

	var detail RunDetail
	if code := get(t, h, "/api/v1/runs/r1", &detail); code != http.StatusOK {
		t.Fatalf("detail status = %d", code)
	}
	if detail.FinalEquity != 100_100 || detail.StopReason != backtest.StopExhausted {
		t.Errorf("detail = %+v", detail)
	}
	if detail.TotalReturn <= 0 {
		t.Errorf("total return = %v, want > 0", detail.TotalReturn)
	}

	var curve []EquityPoint
	get(t, h, "/api/v1/runs/r1/equity", &curve)
	if len(curve) != 3 || curve[1].Equity != 100_050 || curve[1].Timestamp != t0.Add(24*time.Hour).UnixMilli() {
		t.Errorf("curve = %+v", curve)
	}

	var trades []TradeInfo
	get(t, h, "/api/v1/runs/r1/trades", &trades)
	if len(trades) != 2 || trades[1].Side != "sell" || trades[1].RealizedPnL != 100 {
		t.Errorf("trades = %+v", trades)
	}

	var gov []GovernanceInfo
	get(t, h, "/api/v1/runs/r1/governance", &gov)
	if len(gov) != 1 || gov[0].Stage != risk.StageOrder {
		t.Errorf("governance = %+v", gov)
	}
}

func TestMissingRunIs404(t *testing.T) {
	h := newTestServer(t).Handler()
	for _, path := range []string{"/api/v1/runs/nope", "/api/v1/runs/nope/equity", "/api/v1/runs/nope/trades"} {
		if code := get(t, h, path, nil); code != http.StatusNotFound {
			t.Errorf("%s status = %d, want 404", path, code)
		}
	}
}

func TestKillSwitchEndpoints(t *testing.T) {
	t.Setenv(killswitch.EnvForce, "")
	t.Setenv(killswitch.EnvIgnore, "")
	k := killswitch.NewFile(filepath.Join(t.TempDir(), "kill"))
	h := newTestServer(t, WithKillSwitch(k)).Handler()

	var st KillSwitchStatus
	get(t, h, "/api/v1/killswitch", &st)
	if st.Engaged {
		t.Fatal("switch engaged before enable")
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/killswitch", strings.NewReader(`{"reason":"drill"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("enable status = %d: %s", rec.Code, rec.Body.String())
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if !st.Engaged || st.Reason != "drill" || !k.Engaged() {
		t.Errorf("after enable: %+v", st)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/killswitch", nil))
	if rec.Code != http.StatusOK || k.Engaged() {
		t.Errorf("disable status = %d engaged = %v", rec.Code, k.Engaged())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/killswitch", strings.NewReader(`{bad`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad body status = %d, want 400", rec.Code)
	}
}

func TestKillSwitchUnconfigured(t *testing.T) {
	h := newTestServer(t).Handler()
	if code := get(t, h, "/api/v1/killswitch", nil); code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", code)
	}
}

func TestRateLimit(t *testing.T) {
	h := newTestServer(t, WithRateLimit(0.001, 1)).Handler()
	if code := get(t, h, "/api/v1/runs", nil); code != http.StatusOK {
		t.Fatalf("first status = %d", code)
	}
	if code := get(t, h, "/api/v1/runs", nil); code != http.StatusTooManyRequests {
		t.Errorf("second status = %d, want 429", code)
	}
	// Health is outside the limited subrouter.
	if code := get(t, h, "/health", nil); code != http.StatusOK {
		t.Errorf("health status = %d", code)
	}
}

func TestMetricsMounted(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("atsim_up 1\n"))
	})
	h := newTestServer(t, WithMetrics(metrics)).Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "atsim_up 1") {
		t.Errorf("metrics = %d %q", rec.Code, rec.Body.String())
	}
}

func TestWebSocketReceivesSubscribedSnapshots(t *testing.T) {
	s := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Hub().Run(ctx)

	bus := eventbus.NewInMemory()
	s.Attach(bus)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err := conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{"snapshots:r2"}}); err != nil {
		t.Fatal(err)
	}
	var ack WSMessage
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Type != "subscribed" {
		t.Fatalf("ack type = %q", ack.Type)
	}

	// Other runs are not delivered.
	bus.Publish(eventbus.Event{RunID: "other", Topic: eventbus.TopicSnapshot, Data: portfolio.Snapshot{Equity: 1}})
	bus.Publish(eventbus.Event{RunID: "r2", Topic: eventbus.TopicSnapshot, Bar: 4, Data: portfolio.Snapshot{Bar: 4, Equity: 123}})

	var msg struct {
		Type  string      `json:"type"`
		RunID string      `json:"runId"`
		Bar   int         `json:"bar"`
		Data  EquityPoint `json:"data"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "snapshot" || msg.RunID != "r2" || msg.Bar != 4 || msg.Data.Equity != 123 {
		t.Errorf("msg = %+v", msg)
	}
}

func TestSubscribeAfterHubShutdown(t *testing.T) {
	hub := NewHub(zap.NewNop().Sugar())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	c := &Client{id: "late", hub: hub, outbox: make(chan []byte, 1)}
	hub.joins <- c
	for deadline := time.Now().Add(2 * time.Second); hub.Clients() == 0; {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(time.Millisecond)
	}
	c.apply(WSSubscribeRequest{Op: "subscribe", Channels: []string{"governance"}})
	if got := len(c.outbox); got != 1 {
		t.Fatalf("outbox = %d, want the ack", got)
	}
	<-c.outbox

	cancel()
	<-hub.done
	if hub.Clients() != 0 {
		t.Fatalf("clients = %d after shutdown", hub.Clients())
	}
	// The outbox is closed now; the ack must be skipped, not sent.
	c.apply(WSSubscribeRequest{Op: "subscribe", Channels: []string{"trades:r1"}})
	if !c.subs.has("trades:r1") {
		t.Error("subscription should still be recorded")
	}
}
