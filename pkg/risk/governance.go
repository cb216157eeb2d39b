package risk

import (
	"sync"
	"time"
)

// Governance stages.
const (
	StageOrder      = "rm_order"
	StageBaseline   = "rm1_baseline"
	StagePosture    = "rm4_posture"
	StageAllocation = "rm3_allocation"
	StageKillSwitch = "kill_switch"
	StageEngine     = "engine"
)

// Event is one governance record.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Symbol    string         `json:"symbol"`
	Stage     string         `json:"stage"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// AuditSink receives flushed governance events, for example a write-ahead log.
type AuditSink interface {
	Append(events []Event) error
	Close() error
}

// GovernanceLog is the append-only RM7 event list. It never drops events.
type GovernanceLog struct {
	mu     sync.Mutex
	events []Event
}

func NewGovernanceLog() *GovernanceLog { return &GovernanceLog{} }

func (g *GovernanceLog) Push(e Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events = append(g.events, e)
}

func (g *GovernanceLog) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.events)
}

// Flush returns every pending event and clears the log.
func (g *GovernanceLog) Flush() []Event {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := g.events
	g.events = nil
	return out
}
