// Package opt holds the optimization passes run over compiled units and the
// pass managers that sequence them.
package opt

import (
	"fmt"

	"github.com/chazu/stackjit/jit/ir"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("stackjit.opt")

// maxIterations bounds fixpoint loops inside a pass.
const maxIterations = 32

// FunctionPass transforms one function. It reports whether it changed
// anything.
type FunctionPass interface {
	Name() string
	RunOnFunction(fn *ir.Function, m *ir.Module) bool
}

// ModulePass transforms a whole module.
type ModulePass interface {
	Name() string
	RunOnModule(m *ir.Module) bool
}

// ---------------------------------------------------------------------------
// FunctionPassManager
// ---------------------------------------------------------------------------

// FunctionPassManager verifies a function and runs its passes in order.
type FunctionPassManager struct {
	module *ir.Module
	passes []FunctionPass
}

// NewFunctionPassManager creates a manager for functions of m.
func NewFunctionPassManager(m *ir.Module, passes ...FunctionPass) *FunctionPassManager {
	return &FunctionPassManager{module: m, passes: passes}
}

// NewStandardFunctionPipeline returns the local pipeline run on every newly
// compiled function: instruction combining, reassociation, global value
// numbering and CFG simplification.
func NewStandardFunctionPipeline(m *ir.Module) *FunctionPassManager {
	return NewFunctionPassManager(m, InstCombine{}, Reassociate{}, GVN{}, SimplifyCFG{})
}

// Add appends a pass.
func (pm *FunctionPassManager) Add(p FunctionPass) { pm.passes = append(pm.passes, p) }

// Passes returns the pass names in run order.
func (pm *FunctionPassManager) Passes() []string {
	names := make([]string, len(pm.passes))
	for i, p := range pm.passes {
		names[i] = p.Name()
	}
	return names
}

// Run verifies fn, then runs every pass once. A verification failure is
// returned before any pass runs.
func (pm *FunctionPassManager) Run(fn *ir.Function) (bool, error) {
	if err := ir.Verify(fn, pm.module); err != nil {
		return false, err
	}
	changed := false
	for _, p := range pm.passes {
		if p.RunOnFunction(fn, pm.module) {
			log.Debugf("%s changed %s", p.Name(), fn.Name)
			changed = true
		}
	}
	if err := ir.Verify(fn, pm.module); err != nil {
		return changed, fmt.Errorf("after optimization: %w", err)
	}
	return changed, nil
}

// ---------------------------------------------------------------------------
// ModulePassManager
// ---------------------------------------------------------------------------

// ModulePassManager runs module passes in order.
type ModulePassManager struct {
	passes []ModulePass
}

// NewModulePassManager creates a manager.
func NewModulePassManager(passes ...ModulePass) *ModulePassManager {
	return &ModulePassManager{passes: passes}
}

// NewStandardModulePipeline returns the interprocedural pipeline: inlining
// of small callees, then interprocedural constant propagation.
func NewStandardModulePipeline() *ModulePassManager {
	return NewModulePassManager(Inline{Threshold: DefaultInlineThreshold}, IPSCCP{})
}

// Add appends a pass.
func (pm *ModulePassManager) Add(p ModulePass) { pm.passes = append(pm.passes, p) }

// Passes returns the pass names in run order.
func (pm *ModulePassManager) Passes() []string {
	names := make([]string, len(pm.passes))
	for i, p := range pm.passes {
		names[i] = p.Name()
	}
	return names
}

// Run runs every pass once over m.
func (pm *ModulePassManager) Run(m *ir.Module) bool {
	changed := false
	for _, p := range pm.passes {
		if p.RunOnModule(m) {
			log.Debugf("%s changed module %s", p.Name(), m.Name)
			changed = true
		}
	}
	return changed
}

// ---------------------------------------------------------------------------
// Shared helpers
// ---------------------------------------------------------------------------

func constOf(defs map[ir.Value]*ir.Instr, v ir.Value) (int64, bool) {
	if d, ok := defs[v]; ok && d.Op == ir.OpConst {
		return d.Imm, true
	}
	return 0, false
}

// toNop turns in into a no-op.
func toNop(in *ir.Instr) {
	*in = ir.Instr{Op: ir.OpNop, Dst: ir.NoValue}
}

// toConst turns in into a constant, keeping its result value.
func toConst(in *ir.Instr, k int64) {
	*in = ir.Instr{Op: ir.OpConst, Dst: in.Dst, Imm: k}
}

// toBr turns a terminator into an unconditional branch.
func toBr(in *ir.Instr, target int) {
	*in = ir.Instr{Op: ir.OpBr, Dst: ir.NoValue, Targets: []int{target}}
}

// sweep removes no-ops and pure instructions whose results are unused.
func sweep(fn *ir.Function) bool {
	changed := false
	for iter := 0; iter < maxIterations; iter++ {
		uses := fn.UseCounts()
		removed := false
		for _, b := range fn.Blocks {
			kept := b.Instrs[:0]
			for _, in := range b.Instrs {
				if in.Op == ir.OpNop || (in.Op.IsPure() && uses[in.Dst] == 0) {
					removed = true
					continue
				}
				kept = append(kept, in)
			}
			b.Instrs = kept
		}
		if !removed {
			break
		}
		changed = true
	}
	return changed
}

// foldTerminator replaces a CondBr or Switch on a constant with a Br.
func foldTerminator(defs map[ir.Value]*ir.Instr, t *ir.Instr) bool {
	switch t.Op {
	case ir.OpCondBr:
		if k, ok := constOf(defs, t.Args[0]); ok {
			target := t.Targets[1]
			if k != 0 {
				target = t.Targets[0]
			}
			toBr(t, target)
			return true
		}
	case ir.OpSwitch:
		if k, ok := constOf(defs, t.Args[0]); ok {
			target := t.Targets[0]
			for i, c := range t.Cases {
				if c == k {
					target = t.Targets[i+1]
					break
				}
			}
			toBr(t, target)
			return true
		}
	}
	return false
}
