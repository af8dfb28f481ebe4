// Package bridge connects compiled units to the host interpreter's frame
// stack.
//
// Compiled code drives one StackData through a fixed protocol: Init,
// CreateFrame, then any number of PreEnter/PreLeave pairs around calls back
// into the host, and PreReturn before it returns. Frames are built on the
// executor's own stack so interpreted and compiled code share one call
// chain.
package bridge

import (
	"github.com/chazu/stackjit/jit/fatal"
	"github.com/chazu/stackjit/vm"
)

// StackData is the per-invocation context of a compiled unit.
type StackData struct {
	unit                *vm.Unit
	frame               *vm.Frame
	nested              bool
	originalInExecution bool
	outer               *vm.Frame
}

// Init records unit and the executor's in-execution flag, then marks the
// executor as executing.
func Init(ex *vm.Executor, sd *StackData, unit *vm.Unit) {
	sd.frame = nil
	sd.unit = unit
	sd.nested = false
	sd.originalInExecution = ex.InExecution
	sd.outer = ex.CurrentFrame
	ex.InExecution = true
}

// CreateFrame builds the frame for sd's unit on the executor's stack and
// makes it current.
func CreateFrame(ex *vm.Executor, sd *StackData) *vm.Frame {
	u := sd.unit
	symtab := ex.SymbolTable
	f := vm.NewFrame(u, ex.Stack().Alloc(vm.FrameSize(u, symtab != nil)), symtab)
	for i := 0; i < u.NumLocals; i++ {
		f.BindCV(i, nil)
	}
	f.Prev = ex.CurrentFrame
	ex.CurrentFrame = f
	f.Nested = sd.nested
	sd.nested = true

	u.EnsureRuntimeCache()
	f.IP = u.StartOp

	if u.ThisVar >= 0 && ex.This != nil {
		this := ex.This
		this.AddRef()
		if symtab == nil {
			cell := f.ArgCell(u.ThisVar)
			*cell = this
			f.BindCV(u.ThisVar, cell)
			f.This = this
		} else if cell, ok := symtab.Add("this", this); ok {
			f.BindCV(u.ThisVar, cell)
			f.This = this
		} else {
			this.DelRef()
		}
	}

	ex.OplinePtr = &f.IP
	sd.frame = f
	return f
}

// PreEnter syncs sd with the unit the host is about to run.
func PreEnter(ex *vm.Executor, sd *StackData) {
	sd.unit = ex.ActiveUnit
}

// PreLeave syncs sd with the host's current frame after control returns
// from interpreted code.
func PreLeave(ex *vm.Executor, sd *StackData) {
	sd.frame = ex.CurrentFrame
	if sd.frame != nil {
		sd.unit = sd.frame.Unit
	}
}

// PreReturn restores the in-execution flag seen at Init.
func PreReturn(ex *vm.Executor, sd *StackData) {
	ex.InExecution = sd.originalInExecution
}

// CurrentOpIndex returns the offset of the current instruction from the
// first instruction of the frame's unit.
func CurrentOpIndex(sd *StackData) int {
	return sd.frame.IP
}

// InvalidReposition aborts execution: a handler asked for a control
// transfer compiled code cannot perform.
func InvalidReposition(sd *StackData) {
	name := "<unknown>"
	if sd.frame != nil {
		name = sd.frame.Unit.QualifiedName()
	} else if sd.unit != nil {
		name = sd.unit.QualifiedName()
	}
	fatal.Raise("execute", nil, "an op handler requested an unexpected jump action in %s, execution aborted", name)
}

// Frame returns sd's current frame.
func Frame(sd *StackData) *vm.Frame { return sd.frame }

// Unit returns sd's current unit.
func Unit(sd *StackData) *vm.Unit { return sd.unit }

// Outer returns the frame that was current when sd was initialized.
func Outer(sd *StackData) *vm.Frame { return sd.outer }

// Unwind pops frames until mark is current again and returns how many
// frames it popped. It is used on error paths to keep frame creation and
// teardown paired.
func Unwind(ex *vm.Executor, mark *vm.Frame) int {
	n := 0
	for ex.CurrentFrame != nil && ex.CurrentFrame != mark {
		ex.PopFrame()
		n++
	}
	return n
}
