package ir

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrDuplicateFunction is returned by Add for a name already in the module.
var ErrDuplicateFunction = errors.New("ir: duplicate function")

// Module is an ordered, named set of functions. It is safe for concurrent
// use; the functions themselves are not locked.
type Module struct {
	Name string

	mu    sync.RWMutex
	funcs []*Function
	index map[string]*Function
}

// NewModule creates an empty module.
func NewModule(name string) *Module {
	return &Module{Name: name, index: make(map[string]*Function)}
}

// Add appends fn to the module.
func (m *Module) Add(fn *Function) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.index[fn.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateFunction, fn.Name)
	}
	m.funcs = append(m.funcs, fn)
	m.index[fn.Name] = fn
	return nil
}

// Lookup finds a function by name.
func (m *Module) Lookup(name string) *Function {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.index[name]
}

// Remove erases the named function. It reports whether it was present.
func (m *Module) Remove(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.index[name]; !ok {
		return false
	}
	delete(m.index, name)
	for i, fn := range m.funcs {
		if fn.Name == name {
			m.funcs = append(m.funcs[:i], m.funcs[i+1:]...)
			break
		}
	}
	return true
}

// Functions returns a snapshot of the functions in insertion order.
func (m *Module) Functions() []*Function {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Function(nil), m.funcs...)
}

// Len returns the number of functions.
func (m *Module) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.funcs)
}

// WithPrefix returns the functions whose names start with prefix.
func (m *Module) WithPrefix(prefix string) []*Function {
	var out []*Function
	for _, fn := range m.Functions() {
		if strings.HasPrefix(fn.Name, prefix) {
			out = append(out, fn)
		}
	}
	return out
}

// Verify checks every function in the module.
func (m *Module) Verify() error {
	var errs []error
	for _, fn := range m.Functions() {
		if err := Verify(fn, m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
