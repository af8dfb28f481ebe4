package image

import (
	"github.com/chazu/stackjit/jit/bridge"
	"github.com/chazu/stackjit/jit/ir"
	"github.com/chazu/stackjit/vm"
)

// StandardName is the module name of the standard template.
const StandardName = "stackjit.template"

// HandlerPrefix starts the name of every per-opcode handler function.
const HandlerPrefix = "OP_"

// HandlerName returns the template function name for op's handler.
func HandlerName(op vm.Opcode) string {
	return HandlerPrefix + op.Name() + "_HANDLER"
}

// HandlerFunction builds the template handler for op. Its body calls the
// host primitive; handlers that never change control flow return the
// constant continue action so the result check folds away after inlining.
func HandlerFunction(op vm.Opcode) *ir.Function {
	fn := ir.NewFunction(HandlerName(op), ir.KindHandler)
	fn.Native = op.Name()
	b := ir.NewBuilder(fn)
	b.SetBlock(b.NewBlock("entry"))
	r := b.CallNative(op.Name())
	if op.AlwaysContinues() {
		r = b.Const(int64(vm.ActionContinue))
	}
	b.Ret(r)
	return fn
}

// Standard builds the standard template: one handler per opcode and a
// declaration per runtime helper.
func Standard() *ir.Module {
	m := ir.NewModule(StandardName)
	for _, op := range vm.Opcodes() {
		m.Add(HandlerFunction(op))
	}
	for _, sym := range bridge.Symbols {
		m.Add(ir.Declare(sym, ir.KindHelper, sym))
	}
	return m
}
