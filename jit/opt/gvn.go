package opt

import "github.com/chazu/stackjit/jit/ir"

// GVN removes redundant pure computations. It walks the dominator tree and
// replaces an expression already computed in a dominating position with the
// earlier result, simplifying each expression before it is numbered.
type GVN struct{}

func (GVN) Name() string { return "gvn" }

type exprKey struct {
	op   ir.Op
	x, y ir.Value
	imm  int64
}

func keyOf(in *ir.Instr) exprKey {
	if in.Op == ir.OpConst {
		return exprKey{op: ir.OpConst, x: ir.NoValue, y: ir.NoValue, imm: in.Imm}
	}
	x, y := in.Args[0], in.Args[1]
	if in.Op.IsCommutative() && x > y {
		x, y = y, x
	}
	return exprKey{op: in.Op, x: x, y: y}
}

func (GVN) RunOnFunction(fn *ir.Function, _ *ir.Module) bool {
	if len(fn.Blocks) == 0 {
		return false
	}
	idom := Dominators(fn)
	children := make([][]int, len(fn.Blocks))
	for b, d := range idom {
		if b != 0 && d >= 0 {
			children[d] = append(children[d], b)
		}
	}

	defs := fn.Defs()
	table := make(map[exprKey]ir.Value)
	changed := false

	var walk func(b int)
	walk = func(b int) {
		var added []exprKey
		for _, in := range fn.Blocks[b].Instrs {
			if !in.Op.IsPure() {
				continue
			}
			// Operands may have just been numbered equal.
			if in.Op.IsBinary() && combine(fn, defs, in) {
				changed = true
				if in.Op == ir.OpNop {
					continue
				}
			}
			k := keyOf(in)
			if v, ok := table[k]; ok {
				fn.ReplaceAllUses(in.Dst, v)
				toNop(in)
				changed = true
				continue
			}
			table[k] = in.Dst
			added = append(added, k)
		}
		for _, c := range children[b] {
			walk(c)
		}
		for _, k := range added {
			delete(table, k)
		}
	}
	walk(0)

	if changed {
		sweep(fn)
	}
	return changed
}

// ---------------------------------------------------------------------------
// Dominators
// ---------------------------------------------------------------------------

// Dominators returns the immediate dominator of every block. The entry
// block is its own dominator; unreachable blocks get -1.
func Dominators(fn *ir.Function) []int {
	n := len(fn.Blocks)
	idom := make([]int, n)
	for i := range idom {
		idom[i] = -1
	}
	if n == 0 {
		return idom
	}

	order := ReversePostorder(fn)
	rpoIndex := make([]int, n)
	for i := range rpoIndex {
		rpoIndex[i] = -1
	}
	for i, b := range order {
		rpoIndex[b] = i
	}
	preds := fn.Predecessors()

	intersect := func(a, b int) int {
		for a != b {
			for rpoIndex[a] > rpoIndex[b] {
				a = idom[a]
			}
			for rpoIndex[b] > rpoIndex[a] {
				b = idom[b]
			}
		}
		return a
	}

	idom[0] = 0
	for changed := true; changed; {
		changed = false
		for _, b := range order[1:] {
			newIdom := -1
			for _, p := range preds[b] {
				if idom[p] < 0 {
					continue
				}
				if newIdom < 0 {
					newIdom = p
				} else {
					newIdom = intersect(p, newIdom)
				}
			}
			if newIdom != idom[b] {
				idom[b] = newIdom
				changed = true
			}
		}
	}
	return idom
}

// ReversePostorder returns the blocks reachable from the entry in reverse
// postorder.
func ReversePostorder(fn *ir.Function) []int {
	n := len(fn.Blocks)
	if n == 0 {
		return nil
	}
	seen := make([]bool, n)
	post := make([]int, 0, n)
	var visit func(b int)
	visit = func(b int) {
		seen[b] = true
		for _, s := range fn.Successors(b) {
			if !seen[s] {
				visit(s)
			}
		}
		post = append(post, b)
	}
	visit(0)
	for i, j := 0, len(post)-1; i < j; i, j = i+1, j-1 {
		post[i], post[j] = post[j], post[i]
	}
	return post
}
