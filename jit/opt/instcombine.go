package opt

import "github.com/chazu/stackjit/jit/ir"

// InstCombine folds constant expressions, applies algebraic identities and
// removes dead pure instructions.
type InstCombine struct{}

func (InstCombine) Name() string { return "instcombine" }

func (InstCombine) RunOnFunction(fn *ir.Function, _ *ir.Module) bool {
	changed := false
	for iter := 0; iter < maxIterations; iter++ {
		defs := fn.Defs()
		round := false
		for _, b := range fn.Blocks {
			for _, in := range b.Instrs {
				if in.Op.IsBinary() && combine(fn, defs, in) {
					round = true
				}
			}
		}
		if !round {
			break
		}
		changed = true
	}
	if sweep(fn) {
		changed = true
	}
	return changed
}

// combine simplifies one binary instruction in place.
func combine(fn *ir.Function, defs map[ir.Value]*ir.Instr, in *ir.Instr) bool {
	x, y := in.Args[0], in.Args[1]
	kx, xc := constOf(defs, x)
	ky, yc := constOf(defs, y)

	if xc && yc {
		toConst(in, in.Op.Eval(kx, ky))
		return true
	}

	// replace forwards uses of in to v and drops in.
	replace := func(v ir.Value) bool {
		fn.ReplaceAllUses(in.Dst, v)
		toNop(in)
		return true
	}

	if x == y {
		switch in.Op {
		case ir.OpSub, ir.OpXor:
			toConst(in, 0)
			return true
		case ir.OpICmpEq:
			toConst(in, 1)
			return true
		case ir.OpAnd, ir.OpOr:
			return replace(x)
		}
	}

	// Identities with the constant on either side of commutative ops.
	other, k, haveConst := y, kx, xc
	if yc {
		other, k, haveConst = x, ky, true
	}
	if !haveConst || (xc && !in.Op.IsCommutative()) {
		return false
	}
	switch in.Op {
	case ir.OpAdd, ir.OpOr, ir.OpXor:
		if k == 0 {
			return replace(other)
		}
	case ir.OpSub:
		if k == 0 {
			return replace(other)
		}
	case ir.OpMul:
		switch k {
		case 0:
			toConst(in, 0)
			return true
		case 1:
			return replace(other)
		}
	case ir.OpAnd:
		if k == 0 {
			toConst(in, 0)
			return true
		}
	}
	return false
}
