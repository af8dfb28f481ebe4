package jit

import (
	"sort"

	"github.com/chazu/stackjit/jit/bridge"
	"github.com/chazu/stackjit/jit/engine"
	"github.com/chazu/stackjit/jit/fatal"
	"github.com/chazu/stackjit/jit/ir"
	"github.com/chazu/stackjit/vm"
	"github.com/google/uuid"
)

// UncacheablePrefix starts the module symbol of every uncacheable unit.
const UncacheablePrefix = "command_line_code."

// compiled is a cache entry: an optimized, materialized unit.
type compiled struct {
	fn   *ir.Function
	call engine.UnitFunc
}

// ---------------------------------------------------------------------------
// Identity keys
// ---------------------------------------------------------------------------

// Key identifies a unit across executions.
type Key struct {
	File  string
	Scope string
	Name  string
}

// KeyOf returns unit's identity key.
func KeyOf(unit *vm.Unit) Key {
	return Key{File: unit.File, Scope: unit.Scope, Name: unit.Name}
}

// String renders the key as the compiled function's module symbol.
func (k Key) String() string {
	return k.File + "__c__" + k.Scope + "__f__" + k.Name + "__s"
}

// Cacheable reports whether units with this key may be cached. Units
// without a file, or from the command line, are compiled per execution.
func (k Key) Cacheable() bool {
	return k.File != "" && k.File != vm.CommandLineFile
}

// ---------------------------------------------------------------------------
// Install / Uninstall
// ---------------------------------------------------------------------------

// Install makes r the host's active runner, remembering the previous one.
// Installing an installed runtime does nothing.
func (r *Runtime) Install() {
	r.installMu.Lock()
	defer r.installMu.Unlock()
	if r.installed {
		return
	}
	if r.closed.Load() {
		log.Warning("cannot install a runtime that was shut down")
		return
	}
	r.prev = vm.SetRunner(r)
	r.installed = true
	log.Debug("dispatcher installed")
}

// Uninstall restores the runner that was active before Install. It does
// nothing when r is not installed.
func (r *Runtime) Uninstall() {
	r.installMu.Lock()
	defer r.installMu.Unlock()
	if !r.installed {
		return
	}
	vm.SetRunner(r.prev)
	r.prev = nil
	r.installed = false
	log.Debug("dispatcher uninstalled")
}

// Installed reports whether r is the active runner.
func (r *Runtime) Installed() bool {
	r.installMu.Lock()
	defer r.installMu.Unlock()
	return r.installed
}

// ---------------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------------

// Run executes unit through its compiled form, compiling it first when it
// is not cached.
func (r *Runtime) Run(ex *vm.Executor, unit *vm.Unit) {
	if ex.StartOp != nil {
		log.Warning("cannot execute interactive code")
		return
	}
	if r.closed.Load() {
		fatal.Raise("execute", nil, "runtime is shut down, cannot run %s", unit.QualifiedName())
	}

	key := KeyOf(unit)
	var c *compiled
	if key.Cacheable() {
		c = r.cached(unit, key.String())
	} else {
		r.uncacheable.Add(1)
		c = r.compile(unit, UncacheablePrefix+uuid.NewString())
		defer r.discard(c)
	}
	r.invoke(ex, unit, c)
}

// cached returns the cache entry for name, compiling unit on a miss.
// Concurrent misses on one name share a single compilation.
func (r *Runtime) cached(unit *vm.Unit, name string) *compiled {
	if c, ok := r.lookup(name); ok {
		r.hits.Add(1)
		return c
	}
	r.misses.Add(1)

	v, err, _ := r.flights.Do(name, func() (any, error) {
		if c, ok := r.lookup(name); ok {
			return c, nil
		}
		var c *compiled
		if fe := catchFatal(func() { c = r.compile(unit, name) }); fe != nil {
			return nil, fe
		}
		r.cacheMu.Lock()
		r.cache[name] = c
		r.cacheMu.Unlock()
		return c, nil
	})
	if err != nil {
		panic(err)
	}
	return v.(*compiled)
}

func (r *Runtime) lookup(name string) (*compiled, bool) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	c, ok := r.cache[name]
	return c, ok
}

// compile translates, optimizes and materializes unit as function name.
func (r *Runtime) compile(unit *vm.Unit, name string) *compiled {
	r.compileMu.Lock()
	defer r.compileMu.Unlock()

	fn := r.translator.Compile(unit, name, r.module, r.engine)
	if fn == nil {
		fatal.Raise("compile", nil, "couldn't compile function %s", unit.QualifiedName())
	}
	if err := ir.Verify(fn, r.module); err != nil {
		fatal.Raise("compile", err, "generated function %s failed verification", name)
	}
	if r.mpm != nil {
		r.mpm.Run(r.module)
	}
	if _, err := r.fpm.Run(fn); err != nil {
		fatal.Raise("compile", err, "generated function %s failed verification", name)
	}
	call, err := r.engine.UnitFunction(fn)
	if err != nil {
		fatal.Raise("compile", err, "couldn't materialize function %s", name)
	}
	r.compiles.Add(1)
	log.Debugf("compiled %s as %s (%d blocks, %d instructions)", unit.QualifiedName(), name, len(fn.Blocks), fn.InstrCount())
	return &compiled{fn: fn, call: call}
}

// invoke runs c. Frames and calls the call leaves behind when it panics
// are unwound before the panic continues.
func (r *Runtime) invoke(ex *vm.Executor, unit *vm.Unit, c *compiled) {
	mark := ex.CurrentFrame
	calls := ex.MarkCalls()
	inExecution := ex.InExecution
	defer func() {
		if rec := recover(); rec != nil {
			if n := bridge.Unwind(ex, mark); n > 0 {
				log.Debugf("unwound %d frames after a panic in %s", n, unit.QualifiedName())
			}
			ex.RestoreCalls(calls)
			ex.InExecution = inExecution
			panic(rec)
		}
	}()
	c.call(ex, unit)
}

// discard frees an uncacheable unit's code and erases its function.
func (r *Runtime) discard(c *compiled) {
	r.compileMu.Lock()
	defer r.compileMu.Unlock()
	r.engine.FreeMachineCode(c.fn)
	r.module.Remove(c.fn.Name)
}

func catchFatal(f func()) (err *fatal.Error) {
	defer func() {
		if rec := recover(); rec != nil {
			fe, ok := fatal.From(rec)
			if !ok {
				panic(rec)
			}
			err = fe
		}
	}()
	f()
	return nil
}

// ---------------------------------------------------------------------------
// Cache inspection
// ---------------------------------------------------------------------------

// Lookup returns the compiled function cached under key.
func (r *Runtime) Lookup(key Key) (*ir.Function, bool) {
	c, ok := r.lookup(key.String())
	if !ok {
		return nil, false
	}
	return c.fn, true
}

// CacheLen returns the number of cached functions.
func (r *Runtime) CacheLen() int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.cache)
}

// Cached returns the cached function names in sorted order.
func (r *Runtime) Cached() []string {
	r.cacheMu.RLock()
	names := make([]string, 0, len(r.cache))
	for name := range r.cache {
		names = append(names, name)
	}
	r.cacheMu.RUnlock()
	sort.Strings(names)
	return names
}

// Evict drops the entry for key, frees its code and erases its function.
// The next execution recompiles the unit.
func (r *Runtime) Evict(key Key) bool {
	name := key.String()
	r.compileMu.Lock()
	defer r.compileMu.Unlock()

	r.cacheMu.Lock()
	c, ok := r.cache[name]
	delete(r.cache, name)
	r.cacheMu.Unlock()
	if !ok {
		return false
	}
	r.engine.FreeMachineCode(c.fn)
	r.module.Remove(c.fn.Name)
	return true
}

// EvictAll empties the cache and returns how many entries it dropped.
func (r *Runtime) EvictAll() int {
	r.compileMu.Lock()
	defer r.compileMu.Unlock()

	r.cacheMu.Lock()
	entries := r.cache
	r.cache = make(map[string]*compiled)
	r.cacheMu.Unlock()

	for _, c := range entries {
		r.engine.FreeMachineCode(c.fn)
		r.module.Remove(c.fn.Name)
	}
	return len(entries)
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

// Stats describes the runtime's activity.
type Stats struct {
	Compiles    uint64 // translations that produced a materialized function
	Hits        uint64
	Misses      uint64
	Uncacheable uint64 // executions of uncacheable units
	Cached      int
	Engine      engine.Stats
}

// Stats returns a snapshot of the runtime's counters.
func (r *Runtime) Stats() Stats {
	return Stats{
		Compiles:    r.compiles.Load(),
		Hits:        r.hits.Load(),
		Misses:      r.misses.Load(),
		Uncacheable: r.uncacheable.Load(),
		Cached:      r.CacheLen(),
		Engine:      r.engine.Stats(),
	}
}
