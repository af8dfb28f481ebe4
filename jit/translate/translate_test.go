package translate

import (
	"bytes"
	"strings"
	"testing"

	"github.com/chazu/stackjit/jit/bridge"
	"github.com/chazu/stackjit/jit/engine"
	"github.com/chazu/stackjit/jit/image"
	"github.com/chazu/stackjit/jit/ir"
	"github.com/chazu/stackjit/jit/opt"
	"github.com/chazu/stackjit/vm"
)

// newEngine loads the standard template and records every handler
// function's entry address.
func newEngine(t *testing.T) (*ir.Module, *engine.Engine) {
	t.Helper()
	m := image.Standard()
	eng, err := engine.New(m, vm.HandlerSymbols(), bridge.Natives())
	if err != nil {
		t.Fatal(err)
	}
	for _, fn := range m.WithPrefix(image.HandlerPrefix) {
		addr, err := eng.PointerToFunction(fn)
		if err != nil {
			t.Fatal(err)
		}
		eng.AddressMap().Record(addr, fn)
	}
	return m, eng
}

func mustBuild(t *testing.T, b *vm.UnitBuilder) *vm.Unit {
	t.Helper()
	u, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	return u
}

// countdown echoes n, n-1, ..., 1 separated by spaces.
func countdown(t *testing.T, n int64) *vm.Unit {
	b := vm.NewUnitBuilder("count.src", "", "")
	i := b.Local("i")
	b.Emit(vm.Instruction{Opcode: vm.OpASSIGN, Op1: i, Op2: vm.Const(n)})
	top, end := b.NewLabel(), b.NewLabel()
	b.Mark(top)
	b.EmitJump(vm.OpJMPZ, end, i, vm.Unused)
	b.Emit(vm.Instruction{Opcode: vm.OpECHO, Op1: i})
	b.Emit(vm.Instruction{Opcode: vm.OpECHO, Op1: vm.Const(" ")})
	b.Op(vm.OpSUB, b.Temp(0), i, vm.Const(int64(1)))
	b.Emit(vm.Instruction{Opcode: vm.OpASSIGN, Op1: i, Op2: vm.Tmp(0)})
	b.EmitJump(vm.OpJMP, top, vm.Unused, vm.Unused)
	b.Mark(end)
	return mustBuild(t, b)
}

func run(t *testing.T, eng *engine.Engine, fn *ir.Function, ex *vm.Executor, u *vm.Unit) {
	t.Helper()
	call, err := eng.UnitFunction(fn)
	if err != nil {
		t.Fatal(err)
	}
	ex.SymbolTable = ex.Globals
	ex.ActiveUnit = u
	call(ex, u)
}

func TestCompileShape(t *testing.T) {
	m, eng := newEngine(t)
	u := countdown(t, 3)

	fn := New().Compile(u, "count", m, eng)
	if fn == nil {
		t.Fatal("Compile returned nil")
	}
	if m.Lookup("count") != fn {
		t.Error("compiled function not added to the module")
	}
	if err := ir.Verify(fn, m); err != nil {
		t.Fatal(err)
	}
	if got, want := len(fn.Blocks), len(u.Ops)+6; got != want {
		t.Errorf("%d blocks, want %d", got, want)
	}
	text := fn.String()
	for _, want := range []string{"@rt_init", "@rt_create_frame", "@rt_opline_number", "@OP_JMPZ_HANDLER", "@rt_invalid_reposition"} {
		if !strings.Contains(text, want) {
			t.Errorf("IR missing %s:\n%s", want, text)
		}
	}

	// ASSIGN never repositions: its continue edge goes straight to op_1.
	sw := fn.Blocks[2].Terminator()
	if fn.Blocks[sw.Targets[1]].Name != "op_1" {
		t.Errorf("op_0 continues to %s, want op_1", fn.Blocks[sw.Targets[1]].Name)
	}
	// JMPZ may reposition: continue goes back through dispatch.
	sw = fn.Blocks[3].Terminator()
	if fn.Blocks[sw.Targets[1]].Name != "dispatch" {
		t.Errorf("op_1 continues to %s, want dispatch", fn.Blocks[sw.Targets[1]].Name)
	}
}

func TestCompiledUnitMatchesInterpreter(t *testing.T) {
	m, eng := newEngine(t)
	u := countdown(t, 4)

	var want bytes.Buffer
	vm.NewExecutor(&want).RunMain(&vm.Program{Main: u})

	fn := New().Compile(u, "count", m, eng)
	if fn == nil {
		t.Fatal("Compile returned nil")
	}
	var got bytes.Buffer
	ex := vm.NewExecutor(&got)
	run(t, eng, fn, ex, u)

	if got.String() != want.String() {
		t.Errorf("compiled output %q, interpreted %q", got.String(), want.String())
	}
	if ex.CurrentFrame != nil || ex.Stack().Depth() != 0 {
		t.Errorf("frames left behind: current=%v depth=%d", ex.CurrentFrame, ex.Stack().Depth())
	}
	if ex.InExecution {
		t.Error("InExecution still set")
	}
}

func TestOptimizedUnitMatchesInterpreter(t *testing.T) {
	m, eng := newEngine(t)
	u := countdown(t, 5)

	fn := New().Compile(u, "count", m, eng)
	if fn == nil {
		t.Fatal("Compile returned nil")
	}
	opt.NewStandardModulePipeline().Run(m)
	if _, err := opt.NewStandardFunctionPipeline(m).Run(fn); err != nil {
		t.Fatal(err)
	}
	for _, callee := range fn.Callees() {
		if strings.HasPrefix(callee, image.HandlerPrefix) {
			t.Errorf("handler %s not inlined", callee)
		}
	}
	// ASSIGN's action check folds into a plain branch.
	for _, blk := range fn.Blocks {
		if blk.Name == "op_0" && blk.Terminator().Op != ir.OpBr {
			t.Errorf("op_0 ends in %s, want br:\n%s", blk.Terminator().Op, fn)
		}
	}

	var out bytes.Buffer
	ex := vm.NewExecutor(&out)
	run(t, eng, fn, ex, u)
	if out.String() != "5 4 3 2 1 " {
		t.Errorf("output = %q", out.String())
	}
}

func TestCompileCallsIntoInterpreter(t *testing.T) {
	m, eng := newEngine(t)

	fb := vm.NewUnitBuilder("lib.src", "", "twice")
	x := fb.Local("x")
	fb.Op(vm.OpRECV, x, vm.Const(int64(0)), vm.Unused)
	fb.Op(vm.OpMUL, fb.Temp(0), x, vm.Const(int64(2)))
	fb.Emit(vm.Instruction{Opcode: vm.OpRETURN, Op1: vm.Tmp(0)})
	twice := mustBuild(t, fb)

	mb := vm.NewUnitBuilder("main.src", "", "")
	mb.Op(vm.OpINIT_FCALL, vm.Unused, vm.Unused, vm.Const("twice"))
	mb.Op(vm.OpSEND_VAL, vm.Unused, vm.Const(int64(21)), vm.Unused)
	mb.Op(vm.OpDO_FCALL, mb.Temp(0), vm.Unused, vm.Unused)
	mb.Emit(vm.Instruction{Opcode: vm.OpECHO, Op1: vm.Tmp(0)})
	main := mustBuild(t, mb)

	fn := New().Compile(main, "main", m, eng)
	if fn == nil {
		t.Fatal("Compile returned nil")
	}
	for _, inline := range []bool{false, true} {
		var out bytes.Buffer
		ex := vm.NewExecutor(&out)
		ex.InlineCalls = inline
		ex.DefineFunction(twice)
		run(t, eng, fn, ex, main)
		if out.String() != "42" {
			t.Errorf("inline=%v: output = %q, want 42", inline, out.String())
		}
		if ex.CallDepth() != 0 || ex.Stack().Depth() != 0 {
			t.Errorf("inline=%v: call depth %d, stack depth %d", inline, ex.CallDepth(), ex.Stack().Depth())
		}
	}
}

func TestCompileWithoutTemplateHandler(t *testing.T) {
	m := ir.NewModule("empty")
	for _, sym := range bridge.Symbols {
		m.Add(ir.Declare(sym, ir.KindHelper, sym))
	}
	eng, err := engine.New(m, vm.HandlerSymbols(), bridge.Natives())
	if err != nil {
		t.Fatal(err)
	}
	u := countdown(t, 1)
	if fn := New().Compile(u, "count", m, eng); fn != nil {
		t.Fatal("Compile succeeded without handler functions")
	}
	if m.Lookup("count") != nil {
		t.Error("failed compilation left a function in the module")
	}
}
