package opt

import "github.com/chazu/stackjit/jit/ir"

// DefaultInlineThreshold is the largest callee, in instructions, Inline
// splices into a caller.
const DefaultInlineThreshold = 8

// Inline replaces calls to small single-block leaf functions with a copy of
// the callee's body.
type Inline struct {
	Threshold int
}

func (Inline) Name() string { return "inline" }

func (p Inline) RunOnModule(m *ir.Module) bool {
	threshold := p.Threshold
	if threshold <= 0 {
		threshold = DefaultInlineThreshold
	}
	changed := false
	for _, fn := range m.Functions() {
		if fn.IsDeclaration() {
			continue
		}
		if p.inlineInto(fn, m, threshold) {
			changed = true
		}
	}
	return changed
}

// Inlinable reports whether callee can be spliced into another function.
func Inlinable(callee *ir.Function, threshold int) bool {
	if callee == nil || len(callee.Blocks) != 1 || callee.InstrCount() > threshold {
		return false
	}
	body := callee.Blocks[0].Instrs
	if body[len(body)-1].Op != ir.OpRet {
		return false
	}
	for _, in := range body {
		if in.Op == ir.OpCall {
			return false
		}
	}
	return true
}

func (Inline) inlineInto(fn *ir.Function, m *ir.Module, threshold int) bool {
	changed := false
	for _, b := range fn.Blocks {
		out := make([]*ir.Instr, 0, len(b.Instrs))
		for _, in := range b.Instrs {
			if in.Op != ir.OpCall || in.Callee == fn.Name {
				out = append(out, in)
				continue
			}
			callee := m.Lookup(in.Callee)
			if !Inlinable(callee, threshold) {
				out = append(out, in)
				continue
			}
			out = append(out, splice(fn, callee, in)...)
			changed = true
		}
		b.Instrs = out
	}
	return changed
}

// splice returns the callee body renumbered into fn. Uses of the call's
// result are rewritten to the returned value.
func splice(fn, callee *ir.Function, call *ir.Instr) []*ir.Instr {
	vmap := make(map[ir.Value]ir.Value)
	body := callee.Blocks[0].Instrs
	out := make([]*ir.Instr, 0, len(body))
	var ret ir.Value = ir.NoValue
	for _, in := range body {
		if in.Op == ir.OpRet {
			if len(in.Args) > 0 {
				ret = vmap[in.Args[0]]
			}
			break
		}
		c := &ir.Instr{Op: in.Op, Dst: ir.NoValue, Imm: in.Imm, Callee: in.Callee}
		for _, a := range in.Args {
			c.Args = append(c.Args, vmap[a])
		}
		if in.Dst != ir.NoValue {
			c.Dst = fn.NewValue()
			vmap[in.Dst] = c.Dst
		}
		out = append(out, c)
	}
	if call.Dst != ir.NoValue {
		if ret == ir.NoValue {
			zero := &ir.Instr{Op: ir.OpConst, Dst: fn.NewValue()}
			out = append(out, zero)
			ret = zero.Dst
		}
		fn.ReplaceAllUses(call.Dst, ret)
	}
	return out
}
