// Package translate lowers bytecode units into IR functions that drive the
// host's opcode handlers through a dispatch loop.
//
// The generated function has this shape:
//
//	entry:    rt_init; rt_create_frame; br dispatch
//	dispatch: %ip = rt_opline_number; switch %ip [op_0 ... op_n-1], invalid
//	op_i:     %r = OP_<NAME>_HANDLER; switch %r [next, ret, enter, leave], invalid
//	ret:      rt_pre_return; ret 0
//	enter:    rt_pre_enter; rt_execute_active; rt_pre_leave; br dispatch
//	leave:    rt_pre_leave; br dispatch
//	invalid:  rt_invalid_reposition; unreachable
//
// A handler that never repositions the instruction pointer continues
// straight into the next instruction's block; every other continue goes
// back through dispatch.
package translate

import (
	"fmt"

	"github.com/chazu/stackjit/jit/bridge"
	"github.com/chazu/stackjit/jit/engine"
	"github.com/chazu/stackjit/jit/ir"
	"github.com/chazu/stackjit/vm"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("stackjit.translate")

// Translator lowers units into the module's IR.
type Translator struct{}

// New returns a translator.
func New() *Translator { return &Translator{} }

// Compile lowers unit into a function called name and adds it to m. It
// returns nil, leaving m untouched, when an instruction has no handler or
// the handler has no template function in eng's address map.
func (t *Translator) Compile(unit *vm.Unit, name string, m *ir.Module, eng *engine.Engine) *ir.Function {
	callees := make([]string, len(unit.Ops))
	for i := range unit.Ops {
		ins := &unit.Ops[i]
		h := bridge.NativeHandlerFor(ins)
		if h == nil {
			log.Errorf("%s: no handler for %s at %d", unit.QualifiedName(), ins.Opcode, i)
			return nil
		}
		fn, ok := eng.AddressMap().Lookup(engine.AddressOf(h))
		if !ok {
			log.Errorf("%s: handler for %s has no template function", unit.QualifiedName(), ins.Opcode)
			return nil
		}
		callees[i] = fn.Name
	}

	fn := ir.NewFunction(name, ir.KindCompiled)
	b := ir.NewBuilder(fn)

	entry := b.NewBlock("entry")
	dispatch := b.NewBlock("dispatch")
	ops := make([]int, len(unit.Ops))
	for i := range ops {
		ops[i] = b.NewBlock(fmt.Sprintf("op_%d", i))
	}
	ret := b.NewBlock("ret")
	enter := b.NewBlock("enter")
	leave := b.NewBlock("leave")
	invalid := b.NewBlock("invalid")

	b.SetBlock(entry)
	b.Call(bridge.SymInit)
	b.Call(bridge.SymCreateFrame)
	b.Br(dispatch)

	b.SetBlock(dispatch)
	ip := b.Call(bridge.SymOplineNumber)
	cases := make([]int64, len(ops))
	for i := range cases {
		cases[i] = int64(i)
	}
	b.Switch(ip, invalid, cases, ops)

	actions := []int64{
		int64(vm.ActionContinue),
		int64(vm.ActionReturn),
		int64(vm.ActionEnter),
		int64(vm.ActionLeave),
	}
	for i, blk := range ops {
		next := dispatch
		if unit.Ops[i].Opcode.AlwaysContinues() && i+1 < len(ops) {
			next = ops[i+1]
		}
		b.SetBlock(blk)
		r := b.Call(callees[i])
		b.Switch(r, invalid, actions, []int{next, ret, enter, leave})
	}

	b.SetBlock(ret)
	b.Call(bridge.SymPreReturn)
	b.Ret(b.Const(0))

	b.SetBlock(enter)
	b.Call(bridge.SymPreEnter)
	b.Call(bridge.SymExecuteActive)
	b.Call(bridge.SymPreLeave)
	b.Br(dispatch)

	b.SetBlock(leave)
	b.Call(bridge.SymPreLeave)
	b.Br(dispatch)

	b.SetBlock(invalid)
	b.Call(bridge.SymInvalidReposition)
	b.Unreachable()

	if err := m.Add(fn); err != nil {
		log.Errorf("%s: %s", unit.QualifiedName(), err.Error())
		return nil
	}
	log.Debugf("translated %s into %s (%d blocks)", unit.QualifiedName(), name, len(fn.Blocks))
	return fn
}
