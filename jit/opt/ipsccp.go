package opt

import "github.com/chazu/stackjit/jit/ir"

// IPSCCP propagates constants across function boundaries. A function whose
// every return yields the same constant has that constant substituted for
// the results of its call sites; constants are then folded through
// arithmetic and branches in every caller.
type IPSCCP struct{}

func (IPSCCP) Name() string { return "ipsccp" }

func (IPSCCP) RunOnModule(m *ir.Module) bool {
	fns := m.Functions()
	returns := make(map[string]int64)
	for _, fn := range fns {
		if k, ok := ConstantReturn(fn); ok {
			returns[fn.Name] = k
		}
	}

	changed := false
	for _, fn := range fns {
		if fn.IsDeclaration() {
			continue
		}
		if substituteReturns(fn, returns) {
			changed = true
		}
		if propagate(fn) {
			changed = true
		}
	}
	return changed
}

// ConstantReturn reports the constant every return of fn yields, if any.
func ConstantReturn(fn *ir.Function) (int64, bool) {
	if fn.IsDeclaration() {
		return 0, false
	}
	defs := fn.Defs()
	var k int64
	seen := false
	for _, b := range fn.Blocks {
		t := b.Terminator()
		if t == nil || t.Op != ir.OpRet {
			continue
		}
		if len(t.Args) == 0 {
			return 0, false
		}
		v, ok := constOf(defs, t.Args[0])
		if !ok || (seen && v != k) {
			return 0, false
		}
		k, seen = v, true
	}
	return k, seen
}

func substituteReturns(fn *ir.Function, returns map[string]int64) bool {
	changed := false
	for _, b := range fn.Blocks {
		for i := 0; i < len(b.Instrs); i++ {
			in := b.Instrs[i]
			if in.Op != ir.OpCall || in.Dst == ir.NoValue {
				continue
			}
			k, ok := returns[in.Callee]
			if !ok {
				continue
			}
			if fn.UseCounts()[in.Dst] == 0 {
				continue
			}
			c := &ir.Instr{Op: ir.OpConst, Dst: fn.NewValue(), Imm: k}
			b.Instrs = append(b.Instrs[:i+1], append([]*ir.Instr{c}, b.Instrs[i+1:]...)...)
			fn.ReplaceAllUses(in.Dst, c.Dst)
			i++
			changed = true
		}
	}
	return changed
}

// propagate folds binary ops over constants and constant terminators to a
// fixpoint.
func propagate(fn *ir.Function) bool {
	changed := false
	for iter := 0; iter < maxIterations; iter++ {
		defs := fn.Defs()
		round := false
		for _, b := range fn.Blocks {
			for _, in := range b.Instrs {
				if !in.Op.IsBinary() {
					continue
				}
				x, xc := constOf(defs, in.Args[0])
				y, yc := constOf(defs, in.Args[1])
				if xc && yc {
					toConst(in, in.Op.Eval(x, y))
					round = true
				}
			}
			if t := b.Terminator(); t != nil && foldTerminator(defs, t) {
				round = true
			}
		}
		if !round {
			break
		}
		changed = true
	}
	return changed
}
