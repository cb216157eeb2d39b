package market

import (
	"sort"
	"sync"
)

// DefaultHistoryCap bounds the bars retained per symbol.
const DefaultHistoryCap = 512

// History keeps a bounded, per-symbol window of recent bars.
// Strategies and feature extraction read from it; the engine appends to it.
type History struct {
	mu   sync.RWMutex
	cap  int
	bars map[string][]Bar // symbol -> oldest..newest
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistoryCap
	}
	return &History{
		cap:  capacity,
		bars: make(map[string][]Bar),
	}
}

// Append records b and evicts the oldest bar once the window is full.
func (h *History) Append(b Bar) {
	h.mu.Lock()
	defer h.mu.Unlock()

	series := append(h.bars[b.Symbol], b)
	if len(series) > h.cap {
		series = series[len(series)-h.cap:]
	}
	h.bars[b.Symbol] = series
}

// Bars returns a copy of the retained window for symbol.
func (h *History) Bars(symbol string) []Bar {
	h.mu.RLock()
	defer h.mu.RUnlock()

	series := h.bars[symbol]
	out := make([]Bar, len(series))
	copy(out, series)
	return out
}

// Closes returns the close prices for symbol, oldest first.
func (h *History) Closes(symbol string) []float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	series := h.bars[symbol]
	out := make([]float64, len(series))
	for i, b := range series {
		out[i] = b.Close
	}
	return out
}

// Last returns the most recent bar for symbol.
func (h *History) Last(symbol string) (Bar, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	series := h.bars[symbol]
	if len(series) == 0 {
		return Bar{}, false
	}
	return series[len(series)-1], true
}

// LastBook returns the latest bar of every known symbol.
func (h *History) LastBook() Book {
	h.mu.RLock()
	defer h.mu.RUnlock()

	book := make(Book, len(h.bars))
	for sym, series := range h.bars {
		if len(series) > 0 {
			book[sym] = series[len(series)-1]
		}
	}
	return book
}

// Symbols lists known symbols in sorted order.
func (h *History) Symbols() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(h.bars))
	for sym := range h.bars {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Len returns the retained bar count for symbol.
func (h *History) Len(symbol string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.bars[symbol])
}
