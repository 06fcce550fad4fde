// Package symbols resolves foreign call names to addresses.
package symbols

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnresolved is returned when no resolver knows a symbol.
var ErrUnresolved = errors.New("unresolved symbol")

// Resolver maps a symbol name to an address.
type Resolver interface {
	ResolveSymbol(name string) (uintptr, error)
}

// Table is a fixed set of runtime entry points. It is safe for concurrent
// use.
type Table struct {
	mu      sync.RWMutex
	entries map[string]uintptr
}

func NewTable() *Table {
	return &Table{entries: make(map[string]uintptr)}
}

// Define adds name. Redefining a name with another address is an error.
func (t *Table) Define(name string, addr uintptr) error {
	if name == "" || addr == 0 {
		return fmt.Errorf("symbols: invalid entry %q=%#x", name, addr)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.entries[name]; ok && old != addr {
		return fmt.Errorf("symbols: %q already defined at %#x", name, old)
	}
	t.entries[name] = addr
	return nil
}

func (t *Table) ResolveSymbol(name string) (uintptr, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if addr, ok := t.entries[name]; ok {
		return addr, nil
	}
	return 0, fmt.Errorf("%q: %w", name, ErrUnresolved)
}

// Names returns the defined names in sorted order.
func (t *Table) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.entries))
	for name := range t.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Chain tries each resolver in order.
type Chain []Resolver

func (c Chain) ResolveSymbol(name string) (uintptr, error) {
	for _, r := range c {
		addr, err := r.ResolveSymbol(name)
		if err == nil {
			return addr, nil
		}
		if !errors.Is(err, ErrUnresolved) {
			return 0, err
		}
	}
	return 0, fmt.Errorf("%q: %w", name, ErrUnresolved)
}
