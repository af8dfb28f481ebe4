// Package engine materializes IR functions into callable code.
//
// Handler functions resolve to the host's primitive opcode handlers; their
// entry address is the address of the host function. Every other function
// is compiled into a tree of Go closures and assigned an address in a
// synthetic code region.
package engine

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/chazu/stackjit/jit/ir"
	"github.com/chazu/stackjit/vm"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("stackjit.engine")

var (
	// ErrUnresolved is returned when a native symbol has no implementation.
	ErrUnresolved = errors.New("engine: unresolved native symbol")
	// ErrUnknownFunction is returned for calls to functions not in the module.
	ErrUnknownFunction = errors.New("engine: unknown function")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("engine: closed")
)

const (
	codeRegionBase = uintptr(0x7f0000000000)
	bytesPerInstr  = 16
	codeAlign      = 16
)

// ---------------------------------------------------------------------------
// Calling convention
// ---------------------------------------------------------------------------

// Context is passed to every materialized function. One context is created
// per compiled unit invocation and shared by everything that invocation
// calls.
type Context struct {
	Ex    *vm.Executor
	Unit  *vm.Unit
	State any // per-invocation state owned by the runtime helpers
}

// Native is a host implementation bound to an IR symbol.
type Native func(c *Context) int64

// UnitFunc is the entry point of a compiled unit.
type UnitFunc func(ex *vm.Executor, unit *vm.Unit)

// AddressOf returns the entry address of a host handler.
func AddressOf(h vm.Handler) uintptr {
	if h == nil {
		return 0
	}
	return reflect.ValueOf(h).Pointer()
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

type machineCode struct {
	fn    *ir.Function
	entry uintptr
	size  int
	call  Native
}

// Stats describes the materialized code.
type Stats struct {
	Functions    int    // currently materialized
	CodeBytes    int    // estimated size of materialized code
	Materialized uint64 // total materializations
	Freed        uint64 // total FreeMachineCode calls that released code
}

// Engine owns the materialized code of one module.
type Engine struct {
	module   *ir.Module
	handlers map[string]vm.Handler
	helpers  map[string]Native
	addrs    *AddressMap

	mu     sync.Mutex
	code   map[string]*machineCode
	next   uintptr
	closed bool

	materialized atomic.Uint64
	freed        atomic.Uint64
}

// New creates an engine for m. handlers are the host opcode handlers keyed
// by symbol; helpers are the runtime helper natives. Every declaration in
// m must resolve to one of them.
func New(m *ir.Module, handlers map[string]vm.Handler, helpers map[string]Native) (*Engine, error) {
	e := &Engine{
		module:   m,
		handlers: handlers,
		helpers:  helpers,
		addrs:    NewAddressMap(),
		code:     make(map[string]*machineCode),
		next:     codeRegionBase,
	}
	for _, fn := range m.Functions() {
		if fn.Native == "" {
			continue
		}
		if _, ok := e.native(fn.Native); !ok {
			return nil, fmt.Errorf("%w: %s (function %s)", ErrUnresolved, fn.Native, fn.Name)
		}
	}
	return e, nil
}

// Module returns the engine's module.
func (e *Engine) Module() *ir.Module { return e.module }

// AddressMap returns the entry address to function map.
func (e *Engine) AddressMap() *AddressMap { return e.addrs }

// native resolves a host symbol: helpers first, then opcode handlers.
func (e *Engine) native(sym string) (Native, bool) {
	if n, ok := e.helpers[sym]; ok {
		return n, true
	}
	if h, ok := e.handlers[sym]; ok {
		return func(c *Context) int64 { return int64(h(c.Ex)) }, true
	}
	return nil, false
}

// PointerToFunction materializes fn if needed and returns its entry
// address.
func (e *Engine) PointerToFunction(fn *ir.Function) (uintptr, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	mc, err := e.materialize(fn)
	if err != nil {
		return 0, err
	}
	return mc.entry, nil
}

// UnitFunction materializes fn and returns it as a unit entry point.
func (e *Engine) UnitFunction(fn *ir.Function) (UnitFunc, error) {
	e.mu.Lock()
	mc, err := e.materialize(fn)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return func(ex *vm.Executor, unit *vm.Unit) {
		mc.call(&Context{Ex: ex, Unit: unit})
	}, nil
}

// Materialized reports whether fn currently has code.
func (e *Engine) Materialized(fn *ir.Function) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	mc, ok := e.code[fn.Name]
	return ok && mc.fn == fn
}

// FreeMachineCode releases the code of fn. Freeing a function without code
// is a no-op.
func (e *Engine) FreeMachineCode(fn *ir.Function) {
	e.mu.Lock()
	defer e.mu.Unlock()
	mc, ok := e.code[fn.Name]
	if !ok || mc.fn != fn {
		return
	}
	delete(e.code, fn.Name)
	if got, ok := e.addrs.Lookup(mc.entry); ok && got == fn {
		e.addrs.Remove(mc.entry)
	}
	e.freed.Add(1)
	log.Debugf("freed machine code of %s at %#x", fn.Name, mc.entry)
}

// Stats returns a snapshot of the engine's counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Stats{
		Functions:    len(e.code),
		Materialized: e.materialized.Load(),
		Freed:        e.freed.Load(),
	}
	for _, mc := range e.code {
		s.CodeBytes += mc.size
	}
	return s
}

// Close releases all code. Later materialization attempts fail.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.code = make(map[string]*machineCode)
	e.addrs.Reset()
}

// materialize compiles fn; the caller holds e.mu. The entry is registered
// before the body is compiled so recursive calls resolve to it.
func (e *Engine) materialize(fn *ir.Function) (*machineCode, error) {
	if e.closed {
		return nil, ErrClosed
	}
	if mc, ok := e.code[fn.Name]; ok && mc.fn == fn {
		return mc, nil
	}

	mc := &machineCode{fn: fn, size: codeSize(fn)}
	if fn.Kind == ir.KindHandler {
		h, ok := e.handlers[fn.Native]
		if !ok {
			return nil, fmt.Errorf("%w: %s (handler %s)", ErrUnresolved, fn.Native, fn.Name)
		}
		mc.entry = AddressOf(h)
	} else {
		mc.entry = e.next
		e.next += uintptr((mc.size + codeAlign - 1) / codeAlign * codeAlign)
	}
	e.code[fn.Name] = mc

	var err error
	if fn.IsDeclaration() {
		n, ok := e.native(fn.Native)
		if !ok {
			err = fmt.Errorf("%w: %s (function %s)", ErrUnresolved, fn.Native, fn.Name)
		}
		mc.call = n
	} else {
		mc.call, err = e.compile(fn)
	}
	if err != nil {
		delete(e.code, fn.Name)
		return nil, err
	}
	e.materialized.Add(1)
	log.Debugf("materialized %s %s at %#x (%d bytes)", fn.Kind, fn.Name, mc.entry, mc.size)
	return mc, nil
}

func codeSize(fn *ir.Function) int {
	n := fn.InstrCount()
	if n == 0 {
		n = 1
	}
	return n * bytesPerInstr
}
