package jit

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/chazu/stackjit/jit/engine"
	"github.com/chazu/stackjit/jit/fatal"
	"github.com/chazu/stackjit/jit/image"
	"github.com/chazu/stackjit/jit/ir"
	"github.com/chazu/stackjit/jit/translate"
	"github.com/chazu/stackjit/vm"
)

// ---------------------------------------------------------------------------
// Test doubles and helpers
// ---------------------------------------------------------------------------

// countingTranslator counts Compile calls and delegates to the reference
// translator unless fail is set.
type countingTranslator struct {
	calls atomic.Int32
	fail  bool
}

func (c *countingTranslator) Compile(unit *vm.Unit, name string, m *ir.Module, eng *engine.Engine) *ir.Function {
	c.calls.Add(1)
	if c.fail {
		return nil
	}
	return translate.New().Compile(unit, name, m, eng)
}

func newRuntime(t *testing.T) (*Runtime, *countingTranslator) {
	t.Helper()
	tr := &countingTranslator{}
	r := New(image.Standard(), Options{Translator: tr})
	t.Cleanup(r.Shutdown)
	return r, tr
}

// expectFatal runs f and returns the fatal error it raised.
func expectFatal(t *testing.T, f func()) (fe *FatalError) {
	t.Helper()
	defer func() {
		rec := recover()
		if rec == nil {
			t.Fatal("expected a fatal error")
		}
		var ok bool
		if fe, ok = fatal.From(rec); !ok {
			t.Fatalf("panic %v is not a fatal error", rec)
		}
	}()
	f()
	return nil
}

func mustBuild(t *testing.T, b *vm.UnitBuilder) *vm.Unit {
	t.Helper()
	u, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	return u
}

// echoUnit echoes text and returns.
func echoUnit(t *testing.T, file, name, text string) *vm.Unit {
	b := vm.NewUnitBuilder(file, "", name)
	b.Emit(vm.Instruction{Opcode: vm.OpECHO, Op1: vm.Const(text)})
	return mustBuild(t, b)
}

// fact($n) { if ($n < 2) return 1; return $n * fact($n - 1); }
func factUnit(t *testing.T) *vm.Unit {
	b := vm.NewUnitBuilder("math.src", "", "fact")
	n := b.Local("n")
	b.Op(vm.OpRECV, n, vm.Const(int64(0)), vm.Unused)
	b.Op(vm.OpIS_SMALLER, b.Temp(0), n, vm.Const(int64(2)))
	rec := b.NewLabel()
	b.EmitJump(vm.OpJMPZ, rec, vm.Tmp(0), vm.Unused)
	b.Emit(vm.Instruction{Opcode: vm.OpRETURN, Op1: vm.Const(int64(1))})
	b.Mark(rec)
	b.Op(vm.OpSUB, b.Temp(1), n, vm.Const(int64(1)))
	b.Op(vm.OpINIT_FCALL, vm.Unused, vm.Unused, vm.Const("fact"))
	b.Op(vm.OpSEND_VAL, vm.Unused, vm.Tmp(1), vm.Unused)
	b.Op(vm.OpDO_FCALL, b.Temp(2), vm.Unused, vm.Unused)
	b.Op(vm.OpMUL, b.Temp(3), n, vm.Tmp(2))
	b.Emit(vm.Instruction{Opcode: vm.OpRETURN, Op1: vm.Tmp(3)})
	return mustBuild(t, b)
}

// echo fact(n)
func factProgram(t *testing.T, n int64) *vm.Program {
	b := vm.NewUnitBuilder("main.src", "", "")
	b.Op(vm.OpINIT_FCALL, vm.Unused, vm.Unused, vm.Const("fact"))
	b.Op(vm.OpSEND_VAL, vm.Unused, vm.Const(n), vm.Unused)
	b.Op(vm.OpDO_FCALL, b.Temp(0), vm.Unused, vm.Unused)
	b.Emit(vm.Instruction{Opcode: vm.OpECHO, Op1: vm.Tmp(0)})
	return &vm.Program{Main: mustBuild(t, b), Functions: []*vm.Unit{factUnit(t)}}
}

func newExecutor(u *vm.Unit) (*vm.Executor, *bytes.Buffer) {
	var out bytes.Buffer
	ex := vm.NewExecutor(&out)
	ex.SymbolTable = ex.Globals
	ex.ActiveUnit = u
	return ex, &out
}

func moduleHas(m *ir.Module, prefix string) bool {
	return len(m.WithPrefix(prefix)) > 0
}

// ---------------------------------------------------------------------------
// Keys
// ---------------------------------------------------------------------------

func TestKey(t *testing.T) {
	k := Key{File: "a.src", Scope: "Box", Name: "get"}
	if got, want := k.String(), "a.src__c__Box__f__get__s"; got != want {
		t.Errorf("String = %q, want %q", got, want)
	}
	tests := []struct {
		file string
		want bool
	}{
		{"a.src", true},
		{"", false},
		{vm.CommandLineFile, false},
	}
	for _, tt := range tests {
		if got := (Key{File: tt.file}).Cacheable(); got != tt.want {
			t.Errorf("Cacheable(%q) = %v, want %v", tt.file, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

func TestCompileOnceForCacheableUnit(t *testing.T) {
	r, tr := newRuntime(t)
	u := echoUnit(t, "a.src", "f", "x")
	ex, out := newExecutor(u)

	r.Run(ex, u)
	r.Run(ex, u)

	if n := tr.calls.Load(); n != 1 {
		t.Errorf("translator called %d times, want 1", n)
	}
	if out.String() != "xx" {
		t.Errorf("output = %q, want %q", out.String(), "xx")
	}
	if n := r.CacheLen(); n != 1 {
		t.Errorf("cache holds %d entries, want 1", n)
	}
	fn, ok := r.Lookup(Key{File: "a.src", Name: "f"})
	if !ok || fn.Name != "a.src__c____f__f__s" {
		t.Errorf("Lookup = %v, %v", fn, ok)
	}
	s := r.Stats()
	if s.Compiles != 1 || s.Hits != 1 || s.Misses != 1 || s.Uncacheable != 0 {
		t.Errorf("stats = %+v", s)
	}
	if ex.CurrentFrame != nil || ex.Stack().Depth() != 0 || ex.InExecution {
		t.Error("executor state not restored after the calls")
	}
}

func TestUncacheableUnitIsDiscarded(t *testing.T) {
	for _, file := range []string{"", vm.CommandLineFile} {
		r, tr := newRuntime(t)
		u := echoUnit(t, file, "", "y")
		ex, out := newExecutor(u)

		if n := r.CacheLen(); n != 0 {
			t.Fatalf("file %q: cache holds %d entries before the call", file, n)
		}
		functions := r.Module().Len()
		r.Run(ex, u)
		r.Run(ex, u)

		if n := tr.calls.Load(); n != 2 {
			t.Errorf("file %q: translator called %d times, want 2", file, n)
		}
		if out.String() != "yy" {
			t.Errorf("file %q: output = %q", file, out.String())
		}
		if n := r.CacheLen(); n != 0 {
			t.Errorf("file %q: cache holds %d entries after the call", file, n)
		}
		if moduleHas(r.Module(), UncacheablePrefix) || r.Module().Len() != functions {
			t.Errorf("file %q: generated function left in the module", file)
		}
		if s := r.Stats(); s.Uncacheable != 2 || s.Engine.Freed != 2 {
			t.Errorf("file %q: stats = %+v", file, s)
		}
	}
}

func TestTranslatorFailureIsFatal(t *testing.T) {
	r, tr := newRuntime(t)
	tr.fail = true
	u := echoUnit(t, "a.src", "broken", "z")
	ex, out := newExecutor(u)

	fe := expectFatal(t, func() { r.Run(ex, u) })
	if fe.Op != "compile" || !strings.Contains(fe.Msg, "couldn't compile function broken") {
		t.Errorf("fatal error = %v", fe)
	}
	if n := r.CacheLen(); n != 0 {
		t.Errorf("cache holds %d entries after a failed compile", n)
	}
	if out.Len() != 0 {
		t.Errorf("output %q after a failed compile", out.String())
	}
}

type invalidTranslator struct{}

func (invalidTranslator) Compile(unit *vm.Unit, name string, m *ir.Module, _ *engine.Engine) *ir.Function {
	fn := ir.NewFunction(name, ir.KindCompiled)
	b := ir.NewBuilder(fn)
	b.SetBlock(b.NewBlock("entry"))
	b.Const(1)
	m.Add(fn)
	return fn
}

func TestVerificationFailureIsFatal(t *testing.T) {
	r := New(image.Standard(), Options{Translator: invalidTranslator{}})
	defer r.Shutdown()
	u := echoUnit(t, "a.src", "f", "x")
	ex, _ := newExecutor(u)

	fe := expectFatal(t, func() { r.Run(ex, u) })
	if fe.Op != "compile" || !errors.Is(fe, ir.ErrInvalid) {
		t.Errorf("fatal error = %v", fe)
	}
}

// operandlessBranchTranslator emits a conditional branch without its
// condition operand.
type operandlessBranchTranslator struct{}

func (operandlessBranchTranslator) Compile(unit *vm.Unit, name string, m *ir.Module, _ *engine.Engine) *ir.Function {
	fn := ir.NewFunction(name, ir.KindCompiled)
	b := ir.NewBuilder(fn)
	entry := b.NewBlock("entry")
	then := b.NewBlock("then")
	els := b.NewBlock("else")
	b.SetBlock(entry)
	b.CondBr(b.Const(1), then, els)
	br := fn.Blocks[entry].Instrs[len(fn.Blocks[entry].Instrs)-1]
	br.Args = nil
	b.SetBlock(then)
	b.Ret(b.Const(0))
	b.SetBlock(els)
	b.Ret(b.Const(0))
	m.Add(fn)
	return fn
}

func TestMalformedFunctionFailsBeforeOptimization(t *testing.T) {
	r := New(image.Standard(), Options{Translator: operandlessBranchTranslator{}})
	defer r.Shutdown()
	u := echoUnit(t, "a.src", "g", "x")
	ex, out := newExecutor(u)

	fe := expectFatal(t, func() { r.Run(ex, u) })
	if fe.Op != "compile" || !errors.Is(fe, ir.ErrInvalid) {
		t.Errorf("fatal error = %v", fe)
	}
	if !strings.Contains(fe.Error(), "condbr") {
		t.Errorf("fatal error %q does not name the branch", fe)
	}
	if r.CacheLen() != 0 || out.Len() != 0 {
		t.Error("malformed function was cached or executed")
	}
}

func TestInteractiveCodeIsSkipped(t *testing.T) {
	r, tr := newRuntime(t)
	u := echoUnit(t, "a.src", "f", "x")
	ex, out := newExecutor(u)
	start := 0
	ex.StartOp = &start

	r.Run(ex, u)
	if tr.calls.Load() != 0 || out.Len() != 0 || r.CacheLen() != 0 {
		t.Error("interactive code was compiled or executed")
	}
}

func TestConcurrentMissesCompileOnce(t *testing.T) {
	r, tr := newRuntime(t)
	u := echoUnit(t, "shared.src", "f", ".")

	const workers = 16
	var wg sync.WaitGroup
	outs := make([]*bytes.Buffer, workers)
	for i := 0; i < workers; i++ {
		ex, out := newExecutor(u)
		outs[i] = out
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Run(ex, u)
		}()
	}
	wg.Wait()

	if n := tr.calls.Load(); n != 1 {
		t.Errorf("translator called %d times, want 1", n)
	}
	for i, out := range outs {
		if out.String() != "." {
			t.Errorf("worker %d output = %q", i, out.String())
		}
	}
}

func TestEvict(t *testing.T) {
	r, tr := newRuntime(t)
	u := echoUnit(t, "a.src", "f", "x")
	ex, _ := newExecutor(u)
	key := KeyOf(u)

	r.Run(ex, u)
	if !r.Evict(key) {
		t.Fatal("Evict of a cached key returned false")
	}
	if r.Evict(key) {
		t.Error("second Evict returned true")
	}
	if r.Module().Lookup(key.String()) != nil {
		t.Error("evicted function still in the module")
	}
	r.Run(ex, u)
	if n := tr.calls.Load(); n != 2 {
		t.Errorf("translator called %d times, want 2 after eviction", n)
	}

	r.Run(ex, echoUnit(t, "b.src", "g", "y"))
	if n := r.EvictAll(); n != 2 {
		t.Errorf("EvictAll dropped %d entries, want 2", n)
	}
	if r.CacheLen() != 0 || len(r.Cached()) != 0 {
		t.Error("cache not empty after EvictAll")
	}
}

// ---------------------------------------------------------------------------
// Installed end to end
// ---------------------------------------------------------------------------

func TestInstallUninstall(t *testing.T) {
	r, _ := newRuntime(t)
	prev := vm.CurrentRunner()

	r.Uninstall() // not installed: no-op
	if vm.CurrentRunner() != prev {
		t.Fatal("Uninstall of an uninstalled runtime changed the runner")
	}
	r.Install()
	r.Install()
	if vm.CurrentRunner() != vm.Runner(r) || !r.Installed() {
		t.Fatal("runtime not installed")
	}
	r.Uninstall()
	r.Uninstall()
	if vm.CurrentRunner() != prev || r.Installed() {
		t.Error("previous runner not restored")
	}
}

func TestRecursiveProgram(t *testing.T) {
	for _, inline := range []bool{false, true} {
		r, tr := newRuntime(t)
		r.Install()

		var out bytes.Buffer
		ex := vm.NewExecutor(&out)
		ex.InlineCalls = inline
		ex.RunMain(factProgram(t, 10))
		r.Uninstall()

		if out.String() != "3628800" {
			t.Errorf("inline=%v: output = %q, want 3628800", inline, out.String())
		}
		if n := tr.calls.Load(); n != 2 {
			t.Errorf("inline=%v: translator called %d times, want 2", inline, n)
		}
		if ex.CurrentFrame != nil || ex.Stack().Depth() != 0 || ex.CallDepth() != 0 {
			t.Errorf("inline=%v: frames unbalanced: depth %d, calls %d", inline, ex.Stack().Depth(), ex.CallDepth())
		}
	}
}

func TestPanicUnwindsFrames(t *testing.T) {
	r, _ := newRuntime(t)
	r.Install()
	defer r.Uninstall()

	b := vm.NewUnitBuilder("bad.src", "", "")
	b.Op(vm.OpINIT_FCALL, vm.Unused, vm.Unused, vm.Const("missing"))
	b.Op(vm.OpDO_FCALL, b.Temp(0), vm.Unused, vm.Unused)
	main := mustBuild(t, b)

	var out bytes.Buffer
	ex := vm.NewExecutor(&out)
	func() {
		defer func() {
			if recover() == nil {
				t.Error("call of an undefined function did not panic")
			}
		}()
		ex.RunMain(&vm.Program{Main: main})
	}()
	if ex.CurrentFrame != nil || ex.Stack().Depth() != 0 {
		t.Errorf("frames left after panic: depth %d", ex.Stack().Depth())
	}
	if ex.InExecution {
		t.Error("InExecution not restored after panic")
	}
}

func TestPanicRestoresCallState(t *testing.T) {
	// boom() { fact(1, missing()); }
	b := vm.NewUnitBuilder("bad.src", "", "boom")
	b.Op(vm.OpINIT_FCALL, vm.Unused, vm.Unused, vm.Const("fact"))
	b.Op(vm.OpSEND_VAL, vm.Unused, vm.Const(int64(1)), vm.Unused)
	b.Op(vm.OpINIT_FCALL, vm.Unused, vm.Unused, vm.Const("missing"))
	boom := mustBuild(t, b)

	b = vm.NewUnitBuilder("bad.src", "", "")
	b.Op(vm.OpINIT_FCALL, vm.Unused, vm.Unused, vm.Const("boom"))
	b.Op(vm.OpDO_FCALL, b.Temp(0), vm.Unused, vm.Unused)
	main := mustBuild(t, b)

	for _, inline := range []bool{false, true} {
		r, _ := newRuntime(t)
		r.Install()

		var out bytes.Buffer
		ex := vm.NewExecutor(&out)
		ex.InlineCalls = inline
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("inline=%v: call of an undefined function did not panic", inline)
				}
			}()
			ex.RunMain(&vm.Program{Main: main, Functions: []*vm.Unit{boom, factUnit(t)}})
		}()

		if ex.CallDepth() != 0 || ex.PendingCalls() != 0 {
			t.Errorf("inline=%v: %d calls and %d pending calls left", inline, ex.CallDepth(), ex.PendingCalls())
		}
		if ex.ActiveUnit != main || ex.SymbolTable != ex.Globals || ex.This != nil {
			t.Errorf("inline=%v: call context not restored: active %v", inline, ex.ActiveUnit)
		}

		ex.RunMain(factProgram(t, 6))
		r.Uninstall()
		if out.String() != "720" {
			t.Errorf("inline=%v: output after recovery = %q, want 720", inline, out.String())
		}
	}
}

// ---------------------------------------------------------------------------
// Loader lifecycle
// ---------------------------------------------------------------------------

func TestInitFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "template.sjt")
	if err := image.WriteFile(path, image.Standard(), image.Options{}); err != nil {
		t.Fatal(err)
	}
	r := Init(path)
	defer r.Shutdown()
	if got, want := r.Engine().AddressMap().Len(), len(vm.Opcodes()); got != want {
		t.Errorf("address map holds %d handlers, want %d", got, want)
	}
}

func TestInitFailuresAreFatal(t *testing.T) {
	dir := t.TempDir()
	fe := expectFatal(t, func() { Init(filepath.Join(dir, "missing.sjt")) })
	if fe.Op != "load" {
		t.Errorf("missing image: op = %s", fe.Op)
	}

	m := image.Standard()
	m.Add(ir.Declare("rt_bogus", ir.KindHelper, "rt_bogus"))
	fe = expectFatal(t, func() { New(m, Options{}) })
	if !errors.Is(fe, engine.ErrUnresolved) {
		t.Errorf("unresolved helper: error = %v", fe)
	}
}

func TestSave(t *testing.T) {
	r, _ := newRuntime(t)
	u := echoUnit(t, "a.src", "f", "x")
	ex, _ := newExecutor(u)
	r.Run(ex, u)

	path := filepath.Join(t.TempDir(), "saved.sjt")
	if err := r.Save(path); err != nil {
		t.Fatal(err)
	}
	m, err := image.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if m.Lookup(KeyOf(u).String()) == nil {
		t.Error("saved image lacks the compiled function")
	}

	if err := r.Save(filepath.Join(t.TempDir(), "no", "such", "dir", "x.sjt")); err == nil {
		t.Error("Save into a missing directory succeeded")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	r, _ := newRuntime(t)
	r.Install()
	r.Shutdown()
	r.Shutdown()
	if !r.Closed() || r.Installed() {
		t.Error("runtime still open or installed after Shutdown")
	}

	u := echoUnit(t, "a.src", "f", "x")
	ex, _ := newExecutor(u)
	fe := expectFatal(t, func() { r.Run(ex, u) })
	if fe.Op != "execute" {
		t.Errorf("op = %s, want execute", fe.Op)
	}
}
