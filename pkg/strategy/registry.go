package strategy

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Factory builds a fresh strategy instance.
type Factory func() Strategy

// Registry maps names to strategy factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory; duplicate names are an error.
func (r *Registry) Register(name string, f Factory) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || f == nil {
		return fmt.Errorf("strategy name and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[name]; dup {
		return fmt.Errorf("strategy %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// Names lists registered strategies in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for n := range r.factories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Make instantiates the named strategies in the given order. An empty list
// means every registered strategy.
func (r *Registry) Make(names []string) ([]Strategy, error) {
	if len(names) == 0 {
		names = r.Names()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Strategy, 0, len(names))
	for _, n := range names {
		key := strings.ToLower(strings.TrimSpace(n))
		f, ok := r.factories[key]
		if !ok {
			return nil, fmt.Errorf("unknown strategy %q", n)
		}
		out = append(out, f())
	}
	return out, nil
}

// Default is the registry of built-in signal strategies.
var Default = func() *Registry {
	r := NewRegistry()
	for _, f := range []Factory{
		func() Strategy { return Momentum{} },
		func() Strategy { return MeanReversion{} },
		func() Strategy { return Breakout{} },
		func() Strategy { return VolatilityRegime{} },
		func() Strategy { return MacroTrend{} },
		func() Strategy { return Swing{} },
	} {
		if err := r.Register(f().Name(), f); err != nil {
			panic(err)
		}
	}
	return r
}()

// Make builds strategies from the default registry.
func Make(names []string) ([]Strategy, error) { return Default.Make(names) }

// ParseNames splits a comma-separated list, dropping blanks.
func ParseNames(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
