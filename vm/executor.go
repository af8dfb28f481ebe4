package vm

import (
	"fmt"
	"io"
	"strings"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("stackjit.vm")

// ---------------------------------------------------------------------------
// Executor: per-instance interpreter state
// ---------------------------------------------------------------------------

// pendingCall is a call being assembled by INIT_FCALL / SEND_VAL.
type pendingCall struct {
	name    string
	unit    *Unit
	builtin Builtin
	this    *Object
	args    []Value
}

// callState is the caller context saved by DO_FCALL and restored by
// FinishCall.
type callState struct {
	this         *Object
	symtab       *SymbolTable
	args         []Value
	returnTarget *Value
	active       *Unit
}

// Executor holds the state cells of one interpreter instance. An executor
// must only be driven by one goroutine at a time.
type Executor struct {
	// Cells shared by interpreted and compiled code.
	CurrentFrame *Frame
	InExecution  bool
	This         *Object
	SymbolTable  *SymbolTable
	OplinePtr    *int
	ActiveUnit   *Unit
	StartOp      *int   // set while resuming an interactive fragment
	ReturnTarget *Value // receives the value of the next RETURN
	Args         []Value

	// InlineCalls makes DO_FCALL return ActionEnter instead of re-entering
	// Execute for user functions.
	InlineCalls bool

	Out     io.Writer
	Globals *SymbolTable

	functions map[string]*Unit
	classes   map[string]*Class
	stack     *Stack
	pending   []pendingCall
	calls     []callState
}

// NewExecutor creates an executor writing output to out.
func NewExecutor(out io.Writer) *Executor {
	if out == nil {
		out = io.Discard
	}
	return &Executor{
		Out:       out,
		Globals:   NewSymbolTable(),
		functions: make(map[string]*Unit),
		classes:   make(map[string]*Class),
		stack:     NewStack(),
	}
}

// Stack returns the executor's frame arena.
func (ex *Executor) Stack() *Stack { return ex.stack }

// ---------------------------------------------------------------------------
// Definitions
// ---------------------------------------------------------------------------

// DefineFunction registers a user function.
func (ex *Executor) DefineFunction(u *Unit) {
	ex.functions[strings.ToLower(u.Name)] = u
}

// Function looks up a user function by name.
func (ex *Executor) Function(name string) (*Unit, bool) {
	u, ok := ex.functions[strings.ToLower(name)]
	return u, ok
}

// DefineClass registers a class.
func (ex *Executor) DefineClass(c *Class) {
	ex.classes[strings.ToLower(c.Name)] = c
}

// Class looks up a class by name.
func (ex *Executor) Class(name string) (*Class, bool) {
	c, ok := ex.classes[strings.ToLower(name)]
	return c, ok
}

// Load registers the functions and classes of prog.
func (ex *Executor) Load(prog *Program) {
	for _, fn := range prog.Functions {
		ex.DefineFunction(fn)
	}
	for _, c := range prog.Classes {
		ex.DefineClass(c)
	}
}

// RunMain loads prog and executes its main unit with the global symbol
// table active.
func (ex *Executor) RunMain(prog *Program) {
	ex.Load(prog)
	if prog.Main == nil {
		return
	}
	ex.SymbolTable = ex.Globals
	ex.ActiveUnit = prog.Main
	Execute(ex, prog.Main)
}

// ---------------------------------------------------------------------------
// Frames
// ---------------------------------------------------------------------------

// PushFrame creates a frame for unit on the stack and makes it current.
func (ex *Executor) PushFrame(unit *Unit, nested bool) *Frame {
	symtab := ex.SymbolTable
	f := NewFrame(unit, ex.stack.Alloc(FrameSize(unit, symtab != nil)), symtab)
	f.Prev = ex.CurrentFrame
	f.Nested = nested
	unit.EnsureRuntimeCache()
	f.IP = unit.StartOp
	ex.CurrentFrame = f

	if unit.ThisVar >= 0 && ex.This != nil {
		ex.This.AddRef()
		if symtab == nil {
			cell := f.ArgCell(unit.ThisVar)
			*cell = ex.This
			f.BindCV(unit.ThisVar, cell)
			f.This = ex.This
		} else if cell, ok := symtab.Add("this", ex.This); ok {
			f.BindCV(unit.ThisVar, cell)
			f.This = ex.This
		} else {
			ex.This.DelRef()
		}
	}
	ex.OplinePtr = &f.IP
	return f
}

// PopFrame tears down the current frame and makes its caller current.
func (ex *Executor) PopFrame() {
	f := ex.CurrentFrame
	if f == nil {
		panic("vm: pop with no current frame")
	}
	if f.This != nil {
		f.This.DelRef()
		f.This = nil
	}
	ex.stack.Free(f.slots)
	ex.CurrentFrame = f.Prev
	if f.Prev != nil {
		ex.OplinePtr = &f.Prev.IP
	} else {
		ex.OplinePtr = nil
	}
}

// Depth returns the number of live frames.
func (ex *Executor) Depth() int { return ex.CurrentFrame.Depth() }

// ---------------------------------------------------------------------------
// Operand access
// ---------------------------------------------------------------------------

// Get reads an operand in the current frame.
func (ex *Executor) Get(op *Operand) Value {
	switch op.Kind {
	case OperandConst:
		return op.Val
	case OperandCV:
		return *ex.CurrentFrame.CV(op.Var)
	case OperandTmp:
		return *ex.CurrentFrame.Temp(op.Var)
	}
	return nil
}

// Cell returns the storage cell of a CV or temporary operand, or nil.
func (ex *Executor) Cell(op *Operand) *Value {
	switch op.Kind {
	case OperandCV:
		return ex.CurrentFrame.CV(op.Var)
	case OperandTmp:
		return ex.CurrentFrame.Temp(op.Var)
	}
	return nil
}

// Set writes an operand in the current frame. Writes to unused operands are
// discarded.
func (ex *Executor) Set(op *Operand, v Value) {
	if cell := ex.Cell(op); cell != nil {
		*cell = v
	}
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

// beginCall saves the caller context and installs the callee's.
func (ex *Executor) beginCall(call pendingCall, target *Value) {
	ex.calls = append(ex.calls, callState{
		this:         ex.This,
		symtab:       ex.SymbolTable,
		args:         ex.Args,
		returnTarget: ex.ReturnTarget,
		active:       ex.ActiveUnit,
	})
	ex.This = call.this
	ex.SymbolTable = nil
	ex.Args = call.args
	ex.ReturnTarget = target
	ex.ActiveUnit = call.unit
}

// FinishCall restores the caller context saved when a user call began.
// Whoever completes the call invokes it: RETURN for nested frames, DO_FCALL
// for re-entrant calls, or compiled code after running the active unit.
func (ex *Executor) FinishCall() {
	n := len(ex.calls)
	if n == 0 {
		panic("vm: FinishCall without a call in progress")
	}
	cs := ex.calls[n-1]
	ex.calls = ex.calls[:n-1]
	ex.This = cs.this
	ex.SymbolTable = cs.symtab
	ex.Args = cs.args
	ex.ReturnTarget = cs.returnTarget
	ex.ActiveUnit = cs.active
}

// CallDepth returns the number of user calls in progress.
func (ex *Executor) CallDepth() int { return len(ex.calls) }

// PendingCalls returns the number of calls being assembled.
func (ex *Executor) PendingCalls() int { return len(ex.pending) }

// CallMark is a snapshot of the executor's call context.
type CallMark struct {
	calls, pending int
	state          callState
}

// MarkCalls snapshots the call context so RestoreCalls can return to it
// after a panic skipped FinishCall.
func (ex *Executor) MarkCalls() CallMark {
	return CallMark{
		calls:   len(ex.calls),
		pending: len(ex.pending),
		state: callState{
			this:         ex.This,
			symtab:       ex.SymbolTable,
			args:         ex.Args,
			returnTarget: ex.ReturnTarget,
			active:       ex.ActiveUnit,
		},
	}
}

// RestoreCalls drops calls begun or assembled since m and restores the
// call context cells saved in m.
func (ex *Executor) RestoreCalls(m CallMark) {
	if len(ex.calls) > m.calls {
		clear(ex.calls[m.calls:])
		ex.calls = ex.calls[:m.calls]
	}
	if len(ex.pending) > m.pending {
		clear(ex.pending[m.pending:])
		ex.pending = ex.pending[:m.pending]
	}
	ex.This = m.state.this
	ex.SymbolTable = m.state.symtab
	ex.Args = m.state.args
	ex.ReturnTarget = m.state.returnTarget
	ex.ActiveUnit = m.state.active
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// Error is a runtime error raised by a handler. It is raised with panic and
// carries the position of the failing instruction.
type Error struct {
	Unit string
	IP   int
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s at instruction %d: %s", e.Unit, e.IP, e.Msg)
}

func (ex *Executor) fail(format string, args ...any) {
	e := &Error{Msg: fmt.Sprintf(format, args...)}
	if f := ex.CurrentFrame; f != nil {
		e.Unit = f.Unit.QualifiedName()
		e.IP = f.IP
	}
	panic(e)
}
