package opt

import "github.com/chazu/stackjit/jit/ir"

// Reassociate canonicalizes commutative expressions: constants move to the
// right-hand side, other operands are ordered by value number, and chains
// like (x op c1) op c2 become x op (c1 op c2).
type Reassociate struct{}

func (Reassociate) Name() string { return "reassociate" }

func (Reassociate) RunOnFunction(fn *ir.Function, _ *ir.Module) bool {
	changed := false
	defs := fn.Defs()
	for _, b := range fn.Blocks {
		for _, in := range b.Instrs {
			if in.Op.IsCommutative() && canonicalize(defs, in) {
				changed = true
			}
		}
	}
	for _, b := range fn.Blocks {
		for i := 0; i < len(b.Instrs); i++ {
			in := b.Instrs[i]
			if !in.Op.IsCommutative() || in.Op == ir.OpICmpEq {
				continue
			}
			if k, ok := foldChain(defs, in); ok {
				c := &ir.Instr{Op: ir.OpConst, Dst: fn.NewValue(), Imm: k}
				b.Instrs = append(b.Instrs[:i], append([]*ir.Instr{c}, b.Instrs[i:]...)...)
				defs[c.Dst] = c
				in.Args[1] = c.Dst
				i++
				changed = true
			}
		}
	}
	if changed {
		sweep(fn)
	}
	return changed
}

func canonicalize(defs map[ir.Value]*ir.Instr, in *ir.Instr) bool {
	x, y := in.Args[0], in.Args[1]
	_, xc := constOf(defs, x)
	_, yc := constOf(defs, y)
	switch {
	case xc && !yc:
	case !xc && !yc && x > y:
	default:
		return false
	}
	in.Args[0], in.Args[1] = y, x
	return true
}

// foldChain matches in = (inner op c1) op c2 with inner defined by the same
// op. On a match it rewrites in's left operand to inner's left operand and
// returns the combined constant, which the caller materializes.
func foldChain(defs map[ir.Value]*ir.Instr, in *ir.Instr) (int64, bool) {
	c2, ok := constOf(defs, in.Args[1])
	if !ok {
		return 0, false
	}
	inner, ok := defs[in.Args[0]]
	if !ok || inner.Op != in.Op {
		return 0, false
	}
	c1, ok := constOf(defs, inner.Args[1])
	if !ok {
		return 0, false
	}
	if _, lc := constOf(defs, inner.Args[0]); lc {
		return 0, false
	}
	in.Args[0] = inner.Args[0]
	return in.Op.Eval(c1, c2), true
}
