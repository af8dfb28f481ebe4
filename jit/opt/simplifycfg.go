package opt

import "github.com/chazu/stackjit/jit/ir"

// SimplifyCFG folds constant branches, removes unreachable blocks, merges a
// block into its only predecessor and threads branches through empty
// forwarding blocks. Block 0 stays the entry.
type SimplifyCFG struct{}

func (SimplifyCFG) Name() string { return "simplifycfg" }

func (SimplifyCFG) RunOnFunction(fn *ir.Function, _ *ir.Module) bool {
	if len(fn.Blocks) == 0 {
		return false
	}
	changed := false
	for iter := 0; iter < maxIterations; iter++ {
		round := foldBranches(fn)
		if removeUnreachable(fn) {
			round = true
		}
		if threadForwarders(fn) {
			round = true
		}
		if mergeBlocks(fn) {
			round = true
		}
		if !round {
			break
		}
		changed = true
	}
	if changed {
		sweep(fn)
	}
	return changed
}

// foldBranches turns constant and degenerate conditional terminators into
// unconditional branches.
func foldBranches(fn *ir.Function) bool {
	defs := fn.Defs()
	changed := false
	for _, b := range fn.Blocks {
		t := b.Terminator()
		if t == nil {
			continue
		}
		if foldTerminator(defs, t) {
			changed = true
			continue
		}
		if (t.Op == ir.OpCondBr || t.Op == ir.OpSwitch) && allSame(t.Targets) {
			toBr(t, t.Targets[0])
			changed = true
		}
	}
	return changed
}

func allSame(ts []int) bool {
	for _, t := range ts[1:] {
		if t != ts[0] {
			return false
		}
	}
	return true
}

// removeUnreachable drops blocks not reachable from the entry and renumbers
// branch targets.
func removeUnreachable(fn *ir.Function) bool {
	reach := make([]bool, len(fn.Blocks))
	for _, b := range ReversePostorder(fn) {
		reach[b] = true
	}
	return compact(fn, reach)
}

// compact keeps the blocks marked in keep, preserving order.
func compact(fn *ir.Function, keep []bool) bool {
	remap := make([]int, len(fn.Blocks))
	var kept []*ir.Block
	for i, b := range fn.Blocks {
		if keep[i] {
			remap[i] = len(kept)
			kept = append(kept, b)
		} else {
			remap[i] = -1
		}
	}
	if len(kept) == len(fn.Blocks) {
		return false
	}
	for _, b := range kept {
		if t := b.Terminator(); t != nil {
			for i, s := range t.Targets {
				t.Targets[i] = remap[s]
			}
		}
	}
	fn.Blocks = kept
	return true
}

// threadForwarders retargets edges into a block that holds nothing but an
// unconditional branch.
func threadForwarders(fn *ir.Function) bool {
	forward := make(map[int]int)
	for i, b := range fn.Blocks {
		if i == 0 || len(b.Instrs) != 1 {
			continue
		}
		if t := b.Instrs[0]; t.Op == ir.OpBr && t.Targets[0] != i {
			forward[i] = t.Targets[0]
		}
	}
	if len(forward) == 0 {
		return false
	}
	resolve := func(s int) int {
		for hops := 0; hops < len(fn.Blocks); hops++ {
			next, ok := forward[s]
			if !ok {
				break
			}
			s = next
		}
		return s
	}
	changed := false
	for _, b := range fn.Blocks {
		t := b.Terminator()
		if t == nil {
			continue
		}
		for i, s := range t.Targets {
			if r := resolve(s); r != s {
				t.Targets[i] = r
				changed = true
			}
		}
	}
	return changed
}

// mergeBlocks appends a block to its only predecessor when that predecessor
// branches nowhere else.
func mergeBlocks(fn *ir.Function) bool {
	changed := false
	for {
		preds := fn.Predecessors()
		merged := false
		for i, b := range fn.Blocks {
			t := b.Terminator()
			if t == nil || t.Op != ir.OpBr {
				continue
			}
			s := t.Targets[0]
			if s == i || s == 0 || len(preds[s]) != 1 {
				continue
			}
			succ := fn.Blocks[s]
			b.Instrs = append(b.Instrs[:len(b.Instrs)-1], succ.Instrs...)
			succ.Instrs = nil
			keep := make([]bool, len(fn.Blocks))
			for j := range keep {
				keep[j] = j != s
			}
			compact(fn, keep)
			merged = true
			break
		}
		if !merged {
			return changed
		}
		changed = true
	}
}
