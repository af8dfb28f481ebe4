package engine

import (
	"sort"
	"sync"

	"github.com/chazu/stackjit/jit/ir"
)

// AddressMap maps entry addresses of materialized handler functions back to
// the functions. It is safe for concurrent use.
type AddressMap struct {
	mu     sync.RWMutex
	byAddr map[uintptr]*ir.Function
}

// NewAddressMap creates an empty map.
func NewAddressMap() *AddressMap {
	return &AddressMap{byAddr: make(map[uintptr]*ir.Function)}
}

// Record associates addr with fn.
func (m *AddressMap) Record(addr uintptr, fn *ir.Function) {
	m.mu.Lock()
	m.byAddr[addr] = fn
	m.mu.Unlock()
}

// Lookup returns the function at addr.
func (m *AddressMap) Lookup(addr uintptr) (*ir.Function, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn, ok := m.byAddr[addr]
	return fn, ok
}

// Remove forgets addr.
func (m *AddressMap) Remove(addr uintptr) {
	m.mu.Lock()
	delete(m.byAddr, addr)
	m.mu.Unlock()
}

// Reset empties the map.
func (m *AddressMap) Reset() {
	m.mu.Lock()
	m.byAddr = make(map[uintptr]*ir.Function)
	m.mu.Unlock()
}

// Len returns the number of entries.
func (m *AddressMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byAddr)
}

// Range calls f for every entry in address order until f returns false.
func (m *AddressMap) Range(f func(addr uintptr, fn *ir.Function) bool) {
	m.mu.RLock()
	addrs := make([]uintptr, 0, len(m.byAddr))
	for a := range m.byAddr {
		addrs = append(addrs, a)
	}
	fns := make(map[uintptr]*ir.Function, len(m.byAddr))
	for a, fn := range m.byAddr {
		fns[a] = fn
	}
	m.mu.RUnlock()

	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	for _, a := range addrs {
		if !f(a, fns[a]) {
			return
		}
	}
}
