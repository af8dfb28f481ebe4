package bridge

import (
	"sync"

	"github.com/chazu/stackjit/vm"
)

// ---------------------------------------------------------------------------
// Jump relocation
// ---------------------------------------------------------------------------

// Relocate rewrites the absolute branch targets of unit, which point into
// an instruction array that started at originalFirst, so that they point at
// the same instruction offsets in the unit's current array.
func Relocate(unit *vm.Unit, originalFirst vm.Addr) {
	for i := range unit.Ops {
		ins := &unit.Ops[i]
		var op *vm.Operand
		switch ins.Opcode {
		case vm.OpJMP:
			op = &ins.Op1
		case vm.OpJMPZ, vm.OpJMPNZ, vm.OpJMPZ_EX, vm.OpJMPNZ_EX:
			op = &ins.Op2
		default:
			continue
		}
		if op.Kind != vm.OperandJump {
			continue
		}
		op.Jump = unit.Base + (op.Jump - originalFirst)
	}
}

// ---------------------------------------------------------------------------
// Opcode handler resolution
// ---------------------------------------------------------------------------

var initHandlers sync.Once

// NativeHandlerFor returns the host's canonical handler for ins. The
// handler table is built once per process; ins itself is not modified.
func NativeHandlerFor(ins *vm.Instruction) vm.Handler {
	initHandlers.Do(vm.InitOpcodeHandlers)
	op := *ins
	vm.SetOpcodeHandler(&op)
	return op.Handler
}
