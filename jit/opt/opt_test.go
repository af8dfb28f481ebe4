package opt

import (
	"errors"
	"testing"

	"github.com/chazu/stackjit/jit/ir"
)

// interp runs fn directly over its IR. natives supply host symbols.
func interp(t *testing.T, m *ir.Module, fn *ir.Function, natives map[string]func() int64) int64 {
	t.Helper()
	vals := make([]int64, fn.NumValues)
	b := 0
	for steps := 0; steps < 10000; steps++ {
		for _, in := range fn.Blocks[b].Instrs {
			switch {
			case in.Op == ir.OpNop:
			case in.Op == ir.OpConst:
				vals[in.Dst] = in.Imm
			case in.Op.IsBinary():
				vals[in.Dst] = in.Op.Eval(vals[in.Args[0]], vals[in.Args[1]])
			case in.Op == ir.OpCallNative:
				vals[in.Dst] = natives[in.Callee]()
			case in.Op == ir.OpCall:
				callee := m.Lookup(in.Callee)
				if callee.IsDeclaration() {
					vals[in.Dst] = natives[callee.Native]()
				} else {
					vals[in.Dst] = interp(t, m, callee, natives)
				}
			case in.Op == ir.OpBr:
				b = in.Targets[0]
			case in.Op == ir.OpCondBr:
				if vals[in.Args[0]] != 0 {
					b = in.Targets[0]
				} else {
					b = in.Targets[1]
				}
			case in.Op == ir.OpSwitch:
				next := in.Targets[0]
				for i, k := range in.Cases {
					if vals[in.Args[0]] == k {
						next = in.Targets[i+1]
					}
				}
				b = next
			case in.Op == ir.OpRet:
				if len(in.Args) == 0 {
					return 0
				}
				return vals[in.Args[0]]
			default:
				t.Fatalf("interp: unexpected %s", in.Op)
			}
		}
	}
	t.Fatalf("interp: %s did not return", fn.Name)
	return 0
}

func counter(calls *int, v int64) func() int64 {
	return func() int64 {
		*calls++
		return v
	}
}

func newFunc(name string) (*ir.Function, *ir.Builder) {
	fn := ir.NewFunction(name, ir.KindCompiled)
	return fn, ir.NewBuilder(fn)
}

func retDef(fn *ir.Function) *ir.Instr {
	var ret *ir.Instr
	for _, b := range fn.Blocks {
		if t := b.Terminator(); t.Op == ir.OpRet {
			ret = t
		}
	}
	if ret == nil || len(ret.Args) == 0 {
		return nil
	}
	return fn.Defs()[ret.Args[0]]
}

func testModule(fns ...*ir.Function) *ir.Module {
	m := ir.NewModule("test")
	m.Add(ir.Declare("x", ir.KindHelper, "rt_x"))
	for _, fn := range fns {
		m.Add(fn)
	}
	return m
}

// ---------------------------------------------------------------------------
// InstCombine
// ---------------------------------------------------------------------------

func TestInstCombineFoldsConstants(t *testing.T) {
	fn, b := newFunc("f")
	b.SetBlock(b.NewBlock("entry"))
	sum := b.Binary(ir.OpAdd, b.Const(2), b.Const(3))
	prod := b.Binary(ir.OpMul, sum, b.Const(1))
	b.Ret(b.Binary(ir.OpICmpEq, prod, b.Const(5)))

	if !(InstCombine{}).RunOnFunction(fn, nil) {
		t.Fatal("no change reported")
	}
	if n := fn.InstrCount(); n != 2 {
		t.Errorf("%d instructions left, want 2:\n%s", n, fn)
	}
	if d := retDef(fn); d == nil || d.Op != ir.OpConst || d.Imm != 1 {
		t.Errorf("return value not folded to 1:\n%s", fn)
	}
}

func TestInstCombineIdentities(t *testing.T) {
	fn, b := newFunc("f")
	b.SetBlock(b.NewBlock("entry"))
	x := b.CallNative("rt_x")
	y := b.Binary(ir.OpAdd, x, b.Const(0))
	z := b.Binary(ir.OpMul, b.Const(1), y)
	w := b.Binary(ir.OpXor, z, z)
	b.Ret(b.Binary(ir.OpAdd, z, w))

	InstCombine{}.RunOnFunction(fn, nil)
	ret := fn.Blocks[0].Terminator()
	if ret.Args[0] != x {
		t.Errorf("return value = %s, want %s:\n%s", ret.Args[0], x, fn)
	}
	if n := fn.InstrCount(); n != 2 {
		t.Errorf("%d instructions left, want call and ret:\n%s", n, fn)
	}
}

func TestInstCombineKeepsSideEffects(t *testing.T) {
	fn, b := newFunc("f")
	b.SetBlock(b.NewBlock("entry"))
	b.CallNative("rt_x")
	b.Const(9)
	b.Ret(ir.NoValue)

	InstCombine{}.RunOnFunction(fn, nil)
	if fn.Blocks[0].Instrs[0].Op != ir.OpCallNative {
		t.Errorf("unused call removed:\n%s", fn)
	}
	if n := fn.InstrCount(); n != 2 {
		t.Errorf("%d instructions left, want 2", n)
	}
}

// ---------------------------------------------------------------------------
// Reassociate and GVN
// ---------------------------------------------------------------------------

func TestReassociateFoldsChains(t *testing.T) {
	fn, b := newFunc("f")
	b.SetBlock(b.NewBlock("entry"))
	x := b.CallNative("rt_x")
	a := b.Binary(ir.OpAdd, b.Const(5), x)
	b.Ret(b.Binary(ir.OpAdd, a, b.Const(7)))
	m := testModule(fn)

	calls := 0
	natives := map[string]func() int64{"rt_x": counter(&calls, 30)}
	before := interp(t, m, fn, natives)

	if !(Reassociate{}).RunOnFunction(fn, m) {
		t.Fatal("no change reported")
	}
	d := retDef(fn)
	if d == nil || d.Op != ir.OpAdd || d.Args[0] != x {
		t.Fatalf("return not rewritten to x + k:\n%s", fn)
	}
	if k := fn.Defs()[d.Args[1]]; k.Op != ir.OpConst || k.Imm != 12 {
		t.Errorf("combined constant = %v, want 12:\n%s", k, fn)
	}
	if after := interp(t, m, fn, natives); after != before || after != 42 {
		t.Errorf("result %d before, %d after, want 42", before, after)
	}
}

func TestGVNRemovesRedundancy(t *testing.T) {
	fn, b := newFunc("f")
	b.SetBlock(b.NewBlock("entry"))
	x := b.CallNative("rt_x")
	a := b.Binary(ir.OpAdd, x, b.Const(1))
	c := b.Binary(ir.OpAdd, b.Const(1), x)
	b.Ret(b.Binary(ir.OpSub, a, c))
	m := testModule(fn)

	if _, err := NewStandardFunctionPipeline(m).Run(fn); err != nil {
		t.Fatal(err)
	}
	if d := retDef(fn); d == nil || d.Op != ir.OpConst || d.Imm != 0 {
		t.Errorf("x+1 - (1+x) not folded to 0:\n%s", fn)
	}
}

func TestGVNRespectsDominance(t *testing.T) {
	fn, b := newFunc("f")
	entry, left, right := b.NewBlock("entry"), b.NewBlock("left"), b.NewBlock("right")
	b.SetBlock(entry)
	x := b.CallNative("rt_x")
	shared := b.Binary(ir.OpMul, x, x)
	b.CondBr(x, left, right)
	b.SetBlock(left)
	l := b.Binary(ir.OpAnd, x, b.Const(6))
	b.Ret(b.Binary(ir.OpAdd, l, b.Binary(ir.OpMul, x, x)))
	b.SetBlock(right)
	r := b.Binary(ir.OpAnd, x, b.Const(6))
	b.Ret(b.Binary(ir.OpAdd, r, shared))

	GVN{}.RunOnFunction(fn, nil)

	// x*x in left is dominated by entry; the ands live in sibling blocks.
	for _, in := range fn.Blocks[left].Instrs {
		if in.Op == ir.OpMul {
			t.Errorf("dominated x*x not removed from left:\n%s", fn)
		}
	}
	found := false
	for _, in := range fn.Blocks[right].Instrs {
		if in.Op == ir.OpAnd {
			found = true
		}
	}
	if !found {
		t.Errorf("and in right replaced by a value from a sibling block:\n%s", fn)
	}
	if err := ir.Verify(fn, nil); err != nil {
		t.Error(err)
	}
}

func TestDominators(t *testing.T) {
	fn, b := newFunc("f")
	entry := b.NewBlock("entry")
	l, r, join, dead := b.NewBlock("l"), b.NewBlock("r"), b.NewBlock("join"), b.NewBlock("dead")
	b.SetBlock(entry)
	b.CondBr(b.CallNative("rt_x"), l, r)
	b.SetBlock(l)
	b.Br(join)
	b.SetBlock(r)
	b.Br(join)
	b.SetBlock(join)
	b.Ret(ir.NoValue)
	b.SetBlock(dead)
	b.Br(join)

	idom := Dominators(fn)
	want := []int{0, 0, 0, 0, -1}
	for i := range want {
		if idom[i] != want[i] {
			t.Errorf("idom[%d] = %d, want %d", i, idom[i], want[i])
		}
	}
}

// ---------------------------------------------------------------------------
// SimplifyCFG
// ---------------------------------------------------------------------------

func TestSimplifyCFGFoldsConstantBranch(t *testing.T) {
	fn, b := newFunc("f")
	entry, then, els := b.NewBlock("entry"), b.NewBlock("then"), b.NewBlock("else")
	b.SetBlock(entry)
	b.CondBr(b.Const(1), then, els)
	b.SetBlock(then)
	b.Ret(b.CallNative("rt_x"))
	b.SetBlock(els)
	b.Ret(b.Const(0))

	if !(SimplifyCFG{}).RunOnFunction(fn, nil) {
		t.Fatal("no change reported")
	}
	if len(fn.Blocks) != 1 {
		t.Fatalf("%d blocks left, want 1:\n%s", len(fn.Blocks), fn)
	}
	if fn.Blocks[0].Name != "entry" {
		t.Errorf("entry block renamed to %s", fn.Blocks[0].Name)
	}
	if err := ir.Verify(fn, nil); err != nil {
		t.Error(err)
	}
}

func TestSimplifyCFGThreadsForwarders(t *testing.T) {
	fn, b := newFunc("f")
	entry, fwd, other, target := b.NewBlock("entry"), b.NewBlock("fwd"), b.NewBlock("other"), b.NewBlock("target")
	b.SetBlock(entry)
	x := b.CallNative("rt_x")
	b.Switch(x, other, []int64{0}, []int{fwd})
	b.SetBlock(fwd)
	b.Br(target)
	b.SetBlock(other)
	b.Ret(b.Const(1))
	b.SetBlock(target)
	b.Ret(b.Const(2))

	m := testModule(fn)
	calls := 0
	zero := map[string]func() int64{"rt_x": counter(&calls, 0)}
	one := map[string]func() int64{"rt_x": counter(&calls, 1)}

	SimplifyCFG{}.RunOnFunction(fn, m)
	for _, blk := range fn.Blocks {
		if blk.Name == "fwd" {
			t.Errorf("forwarding block kept:\n%s", fn)
		}
	}
	if got := interp(t, m, fn, zero); got != 2 {
		t.Errorf("x=0 returned %d, want 2", got)
	}
	if got := interp(t, m, fn, one); got != 1 {
		t.Errorf("x=1 returned %d, want 1", got)
	}
}

func TestSimplifyCFGCollapsesUniformSwitch(t *testing.T) {
	fn, b := newFunc("f")
	entry, next := b.NewBlock("entry"), b.NewBlock("next")
	b.SetBlock(entry)
	x := b.CallNative("rt_x")
	b.Switch(x, next, []int64{0, 1, 2}, []int{next, next, next})
	b.SetBlock(next)
	b.Ret(x)

	SimplifyCFG{}.RunOnFunction(fn, nil)
	if len(fn.Blocks) != 1 {
		t.Fatalf("%d blocks, want 1:\n%s", len(fn.Blocks), fn)
	}
	if fn.Blocks[0].Terminator().Op != ir.OpRet {
		t.Errorf("terminator = %s", fn.Blocks[0].Terminator().Op)
	}
}

// ---------------------------------------------------------------------------
// Module passes
// ---------------------------------------------------------------------------

func leaf(name string, ret int64) *ir.Function {
	fn := ir.NewFunction(name, ir.KindHandler)
	fn.Native = "rt_x"
	b := ir.NewBuilder(fn)
	b.SetBlock(b.NewBlock("entry"))
	b.CallNative("rt_x")
	b.Ret(b.Const(ret))
	return fn
}

func dispatcher(name, callee string) *ir.Function {
	fn, b := newFunc(name)
	entry, zero, other := b.NewBlock("entry"), b.NewBlock("zero"), b.NewBlock("other")
	b.SetBlock(entry)
	r := b.Call(callee)
	b.Switch(r, other, []int64{0}, []int{zero})
	b.SetBlock(zero)
	b.Ret(b.Const(10))
	b.SetBlock(other)
	b.Ret(b.Const(20))
	return fn
}

func TestInlineSplicesLeaf(t *testing.T) {
	caller := dispatcher("caller", "leaf")
	m := testModule(leaf("leaf", 0), caller)

	if !(Inline{}).RunOnModule(m) {
		t.Fatal("no change reported")
	}
	if len(caller.Callees()) != 0 {
		t.Fatalf("call remains after inlining:\n%s", caller)
	}
	if _, err := NewStandardFunctionPipeline(m).Run(caller); err != nil {
		t.Fatal(err)
	}
	if len(caller.Blocks) != 1 {
		t.Errorf("switch on inlined constant not folded:\n%s", caller)
	}
	calls := 0
	if got := interp(t, m, caller, map[string]func() int64{"rt_x": counter(&calls, 5)}); got != 10 || calls != 1 {
		t.Errorf("returned %d after %d native calls, want 10 after 1", got, calls)
	}
}

func TestInlineSkipsRecursionAndLargeCallees(t *testing.T) {
	self, b := newFunc("self")
	b.SetBlock(b.NewBlock("entry"))
	b.Ret(b.Call("self"))

	big := leaf("big", 0)
	bb := ir.NewBuilder(big)
	bb.SetBlock(0)
	body := big.Blocks[0].Instrs
	big.Blocks[0].Instrs = body[:len(body)-1]
	v := bb.Const(1)
	for i := 0; i < DefaultInlineThreshold; i++ {
		v = bb.Binary(ir.OpAdd, v, v)
	}
	bb.Ret(v)

	caller := dispatcher("caller", "big")
	m := testModule(self, big, caller)
	if (Inline{}).RunOnModule(m) {
		t.Errorf("inliner changed the module:\n%s\n%s", self, caller)
	}
}

func TestConstantReturn(t *testing.T) {
	if k, ok := ConstantReturn(leaf("l", 3)); !ok || k != 3 {
		t.Errorf("ConstantReturn = %d, %v", k, ok)
	}
	fn := dispatcher("d", "l")
	if _, ok := ConstantReturn(fn); ok {
		t.Error("function returning 10 or 20 reported constant")
	}
	if _, ok := ConstantReturn(ir.Declare("decl", ir.KindHelper, "rt_x")); ok {
		t.Error("declaration reported constant")
	}
}

func TestIPSCCPFoldsCallSites(t *testing.T) {
	// callee calls another function, so it is never inlined.
	callee, b := newFunc("callee")
	b.SetBlock(b.NewBlock("entry"))
	b.Call("x")
	b.Ret(b.Const(0))

	caller := dispatcher("caller", "callee")
	m := testModule(callee, caller)

	if !(IPSCCP{}).RunOnModule(m) {
		t.Fatal("no change reported")
	}
	term := caller.Blocks[0].Terminator()
	if term.Op != ir.OpBr || caller.Blocks[term.Targets[0]].Name != "zero" {
		t.Errorf("entry terminator not folded to the zero case:\n%s", caller)
	}
	if len(caller.Callees()) != 1 {
		t.Error("call with side effects removed")
	}
}

// ---------------------------------------------------------------------------
// Pass managers
// ---------------------------------------------------------------------------

func TestFunctionPassManagerVerifiesFirst(t *testing.T) {
	fn, b := newFunc("broken")
	b.SetBlock(b.NewBlock("entry"))
	b.Const(1)
	m := testModule(fn)

	pm := NewStandardFunctionPipeline(m)
	if _, err := pm.Run(fn); !errors.Is(err, ir.ErrInvalid) {
		t.Errorf("Run error = %v, want ErrInvalid", err)
	}
	if fn.InstrCount() != 1 {
		t.Error("passes ran on an invalid function")
	}
	want := []string{"instcombine", "reassociate", "gvn", "simplifycfg"}
	got := pm.Passes()
	if len(got) != len(want) {
		t.Fatalf("passes = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("pass %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestModulePipelineOrder(t *testing.T) {
	got := NewStandardModulePipeline().Passes()
	if len(got) != 2 || got[0] != "inline" || got[1] != "ipsccp" {
		t.Errorf("module passes = %v", got)
	}
}
