package api

// API response types for REST endpoints and WebSocket messages

// ==============================
// REST Response Types
// ==============================

// RunSummary is one stored backtest run
type RunSummary struct {
	RunID       string   `json:"runId"`
	Symbols     []string `json:"symbols"`
	Bars        int      `json:"bars"`
	Trades      int      `json:"trades"`
	Blocked     int      `json:"blocked"`
	StopReason  string   `json:"stopReason"`
	Error       string   `json:"error,omitempty"`
	Start       int64    `json:"start"` // Unix milliseconds of the first bar
	End         int64    `json:"end"`   // Unix milliseconds of the last bar
	FinalEquity float64  `json:"finalEquity"`
}

// RunDetail adds performance metrics to a summary
type RunDetail struct {
	RunSummary
	TotalReturn  float64 `json:"totalReturn"`
	MaxDrawdown  float64 `json:"maxDrawdown"` // <= 0
	Sharpe       float64 `json:"sharpe"`
	Sortino      float64 `json:"sortino"`
	WinRate      float64 `json:"winRate"`
	ProfitFactor float64 `json:"profitFactor"`
	TotalFees    float64 `json:"totalFees"`
	Turnover     float64 `json:"turnover"`
}

// EquityPoint is one bar of the equity curve
type EquityPoint struct {
	Bar            int     `json:"bar"`
	Timestamp      int64   `json:"timestamp"` // Unix milliseconds
	Equity         float64 `json:"equity"`
	Cash           float64 `json:"cash"`
	PositionsValue float64 `json:"positionsValue"`
	GrossExposure  float64 `json:"grossExposure"`
	Halted         bool    `json:"halted"`
}

// TradeInfo is one booked fill
type TradeInfo struct {
	Seq         int     `json:"seq"`
	Bar         int     `json:"bar"`
	OrderID     string  `json:"orderId"`
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"` // "buy" or "sell"
	Size        float64 `json:"size"`
	Price       float64 `json:"price"`
	Fee         float64 `json:"fee"`
	RealizedPnL float64 `json:"realizedPnL"`
	Timestamp   int64   `json:"timestamp"` // Unix milliseconds
}

// GovernanceInfo is one audit event
type GovernanceInfo struct {
	Timestamp int64          `json:"timestamp"`
	Symbol    string         `json:"symbol,omitempty"`
	Stage     string         `json:"stage"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// KillSwitchStatus reports the control-plane state
type KillSwitchStatus struct {
	Engaged    bool   `json:"engaged"`
	Forced     bool   `json:"forced"`
	Ignored    bool   `json:"ignored"`
	FileExists bool   `json:"fileExists"`
	Path       string `json:"path"`
	EnabledAt  string `json:"enabledAt,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// ==============================
// Request Types
// ==============================

// KillSwitchRequest engages the kill switch
type KillSwitchRequest struct {
	Reason string `json:"reason"`
}

// ErrorResponse represents an API error
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest subscribes to or unsubscribes from channels
// Channels: "snapshots:<runId>", "trades:<runId>", "governance"
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// WSMessage is pushed to subscribers of a channel
type WSMessage struct {
	Type    string `json:"type"` // snapshot, trade, governance
	Channel string `json:"channel"`
	RunID   string `json:"runId"`
	Bar     int    `json:"bar"`
	Data    any    `json:"data"`
}
