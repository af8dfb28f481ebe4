// Package jit compiles bytecode units to native code and installs itself as
// the host interpreter's runner.
//
// A Runtime is created from a template image holding one IR function per
// opcode handler plus the runtime helper declarations. Each unit the host
// executes is translated into a new function of that module, optimized,
// materialized and cached by its identity key.
package jit

import (
	"sync"
	"sync/atomic"

	"github.com/chazu/stackjit/jit/bridge"
	"github.com/chazu/stackjit/jit/engine"
	"github.com/chazu/stackjit/jit/fatal"
	"github.com/chazu/stackjit/jit/image"
	"github.com/chazu/stackjit/jit/ir"
	"github.com/chazu/stackjit/jit/opt"
	"github.com/chazu/stackjit/jit/translate"
	"github.com/chazu/stackjit/vm"
	"github.com/tliron/commonlog"
	"golang.org/x/sync/singleflight"
)

var log = commonlog.GetLogger("stackjit.jit")

// DefaultTemplate is the template image loaded when Init gets no path.
const DefaultTemplate = "module_template.sjt"

// FatalError is the process-terminating error raised by the runtime.
type FatalError = fatal.Error

// Translator lowers a unit into an unoptimized function called name,
// already added to m. It returns nil on failure.
type Translator interface {
	Compile(unit *vm.Unit, name string, m *ir.Module, eng *engine.Engine) *ir.Function
}

// Options configure a Runtime.
type Options struct {
	// Translator defaults to the reference translator.
	Translator Translator
}

// Runtime owns the template module, its execution engine, the optimization
// pipelines and the compiled function cache.
type Runtime struct {
	module     *ir.Module
	engine     *engine.Engine
	fpm        *opt.FunctionPassManager
	mpm        *opt.ModulePassManager // nil unless built with jitipo
	translator Translator

	// compileMu serializes every mutation of module.
	compileMu sync.Mutex

	cacheMu sync.RWMutex
	cache   map[string]*compiled
	flights singleflight.Group

	installMu sync.Mutex
	installed bool
	prev      vm.Runner

	shutdown sync.Once
	closed   atomic.Bool

	compiles    atomic.Uint64
	hits        atomic.Uint64
	misses      atomic.Uint64
	uncacheable atomic.Uint64
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Init loads the template image at path (DefaultTemplate when empty) and
// creates a runtime for it. Any failure is fatal.
func Init(path string) *Runtime {
	if path == "" {
		path = DefaultTemplate
	}
	m, err := image.ReadFile(path)
	if err != nil {
		fatal.Raise("load", err, "could not load template module %s", path)
	}
	log.Infof("loaded template module %s from %s (%d functions)", m.Name, path, m.Len())
	return New(m, Options{})
}

// New creates a runtime for an already loaded template module. The module
// is verified, an engine is created for it and every handler function is
// materialized and recorded in the engine's address map. Any failure is
// fatal.
func New(m *ir.Module, opts Options) *Runtime {
	if err := m.Verify(); err != nil {
		fatal.Raise("load", err, "template module %s is malformed", m.Name)
	}
	eng, err := engine.New(m, vm.HandlerSymbols(), bridge.Natives())
	if err != nil {
		fatal.Raise("load", err, "could not create execution engine")
	}

	// Handler entry addresses are fixed here, before any unit refers to
	// them through the address map.
	for _, fn := range m.WithPrefix(image.HandlerPrefix) {
		if fn.IsDeclaration() {
			continue
		}
		addr, err := eng.PointerToFunction(fn)
		if err != nil {
			fatal.Raise("load", err, "could not materialize %s", fn.Name)
		}
		eng.AddressMap().Record(addr, fn)
	}

	r := &Runtime{
		module:     m,
		engine:     eng,
		fpm:        opt.NewStandardFunctionPipeline(m),
		translator: opts.Translator,
		cache:      make(map[string]*compiled),
	}
	if r.translator == nil {
		r.translator = translate.New()
	}
	if opt.IPOEnabled {
		r.mpm = opt.NewStandardModulePipeline()
	}
	log.Debugf("runtime ready: %d handlers mapped, passes %v", eng.AddressMap().Len(), r.fpm.Passes())
	return r
}

// Module returns the template module, including compiled functions.
func (r *Runtime) Module() *ir.Module { return r.module }

// Engine returns the execution engine.
func (r *Runtime) Engine() *engine.Engine { return r.engine }

// ---------------------------------------------------------------------------
// Save and shutdown
// ---------------------------------------------------------------------------

// Save writes the current module, compiled functions included, as a
// template image. A module that fails verification is fatal; failing to
// write the file is logged and returned.
func (r *Runtime) Save(path string) error {
	r.compileMu.Lock()
	defer r.compileMu.Unlock()

	if err := r.module.Verify(); err != nil {
		fatal.Raise("save", err, "module %s is malformed", r.module.Name)
	}
	if err := image.WriteFile(path, r.module, image.Options{Compress: true}); err != nil {
		log.Warningf("could not save module to %s: %s", path, err.Error())
		return err
	}
	log.Infof("saved module %s to %s", r.module.Name, path)
	return nil
}

// Shutdown uninstalls the runtime and releases the engine and pipelines.
// Later calls do nothing.
func (r *Runtime) Shutdown() {
	r.shutdown.Do(func() {
		r.Uninstall()
		r.closed.Store(true)

		r.compileMu.Lock()
		defer r.compileMu.Unlock()
		r.cacheMu.Lock()
		r.cache = make(map[string]*compiled)
		r.cacheMu.Unlock()
		r.engine.Close()
		r.fpm, r.mpm = nil, nil
		log.Info("runtime shut down")
	})
}

// Closed reports whether Shutdown has run.
func (r *Runtime) Closed() bool { return r.closed.Load() }
