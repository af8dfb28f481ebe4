package engine

import (
	"fmt"

	"github.com/chazu/stackjit/jit/ir"
)

// ---------------------------------------------------------------------------
// Closure compilation
// ---------------------------------------------------------------------------

// activation is the register file of one running function.
type activation struct {
	c    *Context
	vals []int64
	ret  int64
}

type step func(a *activation)

// terminator returns the next block, or -1 to return.
type terminator func(a *activation) int

type compiledBlock struct {
	steps []step
	term  terminator
}

// compile lowers fn into closures. The caller holds e.mu.
func (e *Engine) compile(fn *ir.Function) (Native, error) {
	blocks := make([]compiledBlock, len(fn.Blocks))
	for bi, b := range fn.Blocks {
		cb := &blocks[bi]
		for _, in := range b.Instrs {
			if in.Op.IsTerminator() {
				t, err := e.compileTerminator(fn, in)
				if err != nil {
					return nil, err
				}
				cb.term = t
				continue
			}
			s, err := e.compileStep(fn, in)
			if err != nil {
				return nil, err
			}
			if s != nil {
				cb.steps = append(cb.steps, s)
			}
		}
		if cb.term == nil {
			return nil, fmt.Errorf("engine: %s block %d has no terminator", fn.Name, bi)
		}
	}

	nvals := fn.NumValues
	return func(c *Context) int64 {
		a := &activation{c: c, vals: make([]int64, nvals)}
		b := 0
		for {
			blk := &blocks[b]
			for _, s := range blk.steps {
				s(a)
			}
			if b = blk.term(a); b < 0 {
				return a.ret
			}
		}
	}, nil
}

func (e *Engine) compileStep(fn *ir.Function, in *ir.Instr) (step, error) {
	d := in.Dst
	switch op := in.Op; {
	case op == ir.OpNop:
		return nil, nil
	case op == ir.OpConst:
		k := in.Imm
		return func(a *activation) { a.vals[d] = k }, nil
	case op == ir.OpAdd:
		x, y := in.Args[0], in.Args[1]
		return func(a *activation) { a.vals[d] = a.vals[x] + a.vals[y] }, nil
	case op == ir.OpSub:
		x, y := in.Args[0], in.Args[1]
		return func(a *activation) { a.vals[d] = a.vals[x] - a.vals[y] }, nil
	case op.IsBinary():
		x, y := in.Args[0], in.Args[1]
		return func(a *activation) { a.vals[d] = op.Eval(a.vals[x], a.vals[y]) }, nil
	case op == ir.OpCall:
		callee := e.module.Lookup(in.Callee)
		if callee == nil {
			return nil, fmt.Errorf("%w: %s (called from %s)", ErrUnknownFunction, in.Callee, fn.Name)
		}
		mc, err := e.materialize(callee)
		if err != nil {
			return nil, err
		}
		// mc.call may still be nil while a recursive callee is compiling.
		return func(a *activation) { a.vals[d] = mc.call(a.c) }, nil
	case op == ir.OpCallNative:
		n, ok := e.native(in.Callee)
		if !ok {
			return nil, fmt.Errorf("%w: %s (called from %s)", ErrUnresolved, in.Callee, fn.Name)
		}
		return func(a *activation) { a.vals[d] = n(a.c) }, nil
	}
	return nil, fmt.Errorf("engine: %s: cannot compile %s", fn.Name, in.Op)
}

func (e *Engine) compileTerminator(fn *ir.Function, in *ir.Instr) (terminator, error) {
	switch in.Op {
	case ir.OpBr:
		t := in.Targets[0]
		return func(*activation) int { return t }, nil
	case ir.OpCondBr:
		c, then, els := in.Args[0], in.Targets[0], in.Targets[1]
		return func(a *activation) int {
			if a.vals[c] != 0 {
				return then
			}
			return els
		}, nil
	case ir.OpSwitch:
		v, def := in.Args[0], in.Targets[0]
		table := make(map[int64]int, len(in.Cases))
		for i, k := range in.Cases {
			table[k] = in.Targets[i+1]
		}
		return func(a *activation) int {
			if t, ok := table[a.vals[v]]; ok {
				return t
			}
			return def
		}, nil
	case ir.OpRet:
		if len(in.Args) == 0 {
			return func(*activation) int { return -1 }, nil
		}
		r := in.Args[0]
		return func(a *activation) int {
			a.ret = a.vals[r]
			return -1
		}, nil
	case ir.OpUnreachable:
		name := fn.Name
		return func(*activation) int {
			panic("engine: unreachable code executed in " + name)
		}, nil
	}
	return nil, fmt.Errorf("engine: %s: unknown terminator %s", fn.Name, in.Op)
}
