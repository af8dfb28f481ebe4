package vm

import (
	"fmt"
	"sync"
)

// ---------------------------------------------------------------------------
// Handler contract
// ---------------------------------------------------------------------------

// Action tells the dispatch loop what to do after a handler ran.
type Action int

const (
	// ActionContinue: keep dispatching in the current frame.
	ActionContinue Action = iota
	// ActionReturn: the entry frame returned; leave the dispatch loop.
	ActionReturn
	// ActionEnter: a user call was prepared; run ActiveUnit.
	ActionEnter
	// ActionLeave: a nested frame returned into its caller.
	ActionLeave
)

func (a Action) String() string {
	switch a {
	case ActionContinue:
		return "continue"
	case ActionReturn:
		return "return"
	case ActionEnter:
		return "enter"
	case ActionLeave:
		return "leave"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Handler executes the instruction at the current frame's IP. It advances
// or repositions the IP itself.
type Handler func(ex *Executor) Action

// ---------------------------------------------------------------------------
// Opcode handler table
// ---------------------------------------------------------------------------

var (
	handlerMu    sync.RWMutex
	handlerTable [256]Handler
)

// InitOpcodeHandlers (re)builds the opcode to handler table. It is safe to
// call any number of times.
func InitOpcodeHandlers() {
	handlerMu.Lock()
	defer handlerMu.Unlock()
	handlerTable = [256]Handler{
		OpNOP:              opNOP,
		OpADD:              opADD,
		OpSUB:              opSUB,
		OpMUL:              opMUL,
		OpDIV:              opDIV,
		OpMOD:              opMOD,
		OpCONCAT:           opCONCAT,
		OpIS_EQUAL:         opIS_EQUAL,
		OpIS_NOT_EQUAL:     opIS_NOT_EQUAL,
		OpIS_SMALLER:       opIS_SMALLER,
		OpIS_SMALLER_EQUAL: opIS_SMALLER_OR_EQUAL,
		OpBOOL_NOT:         opBOOL_NOT,
		OpQM_ASSIGN:        opQM_ASSIGN,
		OpASSIGN:           opASSIGN,
		OpECHO:             opECHO,
		OpJMP:              opJMP,
		OpJMPZ:             opJMPZ,
		OpJMPNZ:            opJMPNZ,
		OpJMPZ_EX:          opJMPZ_EX,
		OpJMPNZ_EX:         opJMPNZ_EX,
		OpINIT_FCALL:       opINIT_FCALL,
		OpINIT_METHOD_CALL: opINIT_METHOD_CALL,
		OpSEND_VAL:         opSEND_VAL,
		OpDO_FCALL:         opDO_FCALL,
		OpRECV:             opRECV,
		OpRETURN:           opRETURN,
		OpNEW:              opNEW,
		OpFETCH_OBJ_R:      opFETCH_OBJ_R,
		OpASSIGN_OBJ:       opASSIGN_OBJ,
	}
}

func init() {
	InitOpcodeHandlers()
}

// SetOpcodeHandler stores the canonical handler for ins.Opcode in
// ins.Handler. Unknown opcodes get a nil handler.
func SetOpcodeHandler(ins *Instruction) {
	handlerMu.RLock()
	ins.Handler = handlerTable[ins.Opcode]
	handlerMu.RUnlock()
}

// HandlerSymbols returns the primitive handlers keyed by opcode name.
func HandlerSymbols() map[string]Handler {
	handlerMu.RLock()
	defer handlerMu.RUnlock()
	syms := make(map[string]Handler, len(opcodeTable))
	for op, info := range opcodeTable {
		if h := handlerTable[op]; h != nil {
			syms[info.Name] = h
		}
	}
	return syms
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func current(ex *Executor) (*Frame, *Instruction) {
	f := ex.CurrentFrame
	return f, &f.Unit.Ops[f.IP]
}

func binary(ex *Executor, fn func(a, b Value) Value) Action {
	f, ins := current(ex)
	ex.Set(&ins.Result, fn(ex.Get(&ins.Op1), ex.Get(&ins.Op2)))
	f.IP++
	return ActionContinue
}

func opNOP(ex *Executor) Action {
	ex.CurrentFrame.IP++
	return ActionContinue
}

func opADD(ex *Executor) Action { return binary(ex, Add) }
func opSUB(ex *Executor) Action { return binary(ex, Sub) }
func opMUL(ex *Executor) Action { return binary(ex, Mul) }

func opDIV(ex *Executor) Action {
	return binary(ex, func(a, b Value) Value {
		v, ok := Div(a, b)
		if !ok {
			log.Warning("division by zero")
		}
		return v
	})
}

func opMOD(ex *Executor) Action {
	return binary(ex, func(a, b Value) Value {
		v, ok := Mod(a, b)
		if !ok {
			log.Warning("modulo by zero")
		}
		return v
	})
}

func opCONCAT(ex *Executor) Action { return binary(ex, Concat) }

func opIS_EQUAL(ex *Executor) Action {
	return binary(ex, func(a, b Value) Value { return Equal(a, b) })
}

func opIS_NOT_EQUAL(ex *Executor) Action {
	return binary(ex, func(a, b Value) Value { return !Equal(a, b) })
}

func opIS_SMALLER(ex *Executor) Action {
	return binary(ex, func(a, b Value) Value { return Less(a, b) })
}

func opIS_SMALLER_OR_EQUAL(ex *Executor) Action {
	return binary(ex, func(a, b Value) Value { return Less(a, b) || Equal(a, b) })
}

func opBOOL_NOT(ex *Executor) Action {
	f, ins := current(ex)
	ex.Set(&ins.Result, !ToBool(ex.Get(&ins.Op1)))
	f.IP++
	return ActionContinue
}

func opQM_ASSIGN(ex *Executor) Action {
	f, ins := current(ex)
	ex.Set(&ins.Result, ex.Get(&ins.Op1))
	f.IP++
	return ActionContinue
}

func opASSIGN(ex *Executor) Action {
	f, ins := current(ex)
	v := ex.Get(&ins.Op2)
	ex.Set(&ins.Op1, v)
	ex.Set(&ins.Result, v)
	f.IP++
	return ActionContinue
}

func opECHO(ex *Executor) Action {
	f, ins := current(ex)
	fmt.Fprint(ex.Out, ToString(ex.Get(&ins.Op1)))
	f.IP++
	return ActionContinue
}

// Jumps

func opJMP(ex *Executor) Action {
	f, ins := current(ex)
	f.IP = f.Unit.IndexOf(ins.Op1.Jump)
	return ActionContinue
}

func condJump(ex *Executor, jumpIf bool, store bool) Action {
	f, ins := current(ex)
	b := ToBool(ex.Get(&ins.Op1))
	if store {
		ex.Set(&ins.Result, b)
	}
	if b == jumpIf {
		f.IP = f.Unit.IndexOf(ins.Op2.Jump)
	} else {
		f.IP++
	}
	return ActionContinue
}

func opJMPZ(ex *Executor) Action     { return condJump(ex, false, false) }
func opJMPNZ(ex *Executor) Action    { return condJump(ex, true, false) }
func opJMPZ_EX(ex *Executor) Action  { return condJump(ex, false, true) }
func opJMPNZ_EX(ex *Executor) Action { return condJump(ex, true, true) }

// Calls

func opINIT_FCALL(ex *Executor) Action {
	f, ins := current(ex)
	name := ToString(ex.Get(&ins.Op2))
	call := pendingCall{name: name}
	u := f.Unit
	if cached := cachedCallee(u, ins.CacheSlot); cached != nil {
		switch c := cached.(type) {
		case *Unit:
			call.unit = c
		case Builtin:
			call.builtin = c
		}
	} else if fn, ok := ex.Function(name); ok {
		call.unit = fn
		storeCallee(u, ins.CacheSlot, fn)
	} else if b, ok := LookupBuiltin(name); ok {
		call.builtin = b
		storeCallee(u, ins.CacheSlot, b)
	} else {
		ex.fail("call to undefined function %s()", name)
	}
	ex.pending = append(ex.pending, call)
	f.IP++
	return ActionContinue
}

func cachedCallee(u *Unit, slot int) any {
	if slot < len(u.RuntimeCache) {
		return u.RuntimeCache[slot]
	}
	return nil
}

func storeCallee(u *Unit, slot int, callee any) {
	if slot < len(u.RuntimeCache) {
		u.RuntimeCache[slot] = callee
	}
}

func opINIT_METHOD_CALL(ex *Executor) Action {
	f, ins := current(ex)
	name := ToString(ex.Get(&ins.Op2))
	obj, ok := ex.Get(&ins.Op1).(*Object)
	if !ok {
		ex.fail("call to a member function %s() on %s", name, TypeName(ex.Get(&ins.Op1)))
	}
	m, ok := obj.Class.Method(name)
	if !ok {
		ex.fail("call to undefined method %s::%s()", obj.Class.Name, name)
	}
	ex.pending = append(ex.pending, pendingCall{name: name, unit: m, this: obj})
	f.IP++
	return ActionContinue
}

func opSEND_VAL(ex *Executor) Action {
	f, ins := current(ex)
	n := len(ex.pending)
	if n == 0 {
		ex.fail("SEND_VAL without a pending call")
	}
	ex.pending[n-1].args = append(ex.pending[n-1].args, ex.Get(&ins.Op1))
	f.IP++
	return ActionContinue
}

func opDO_FCALL(ex *Executor) Action {
	f, ins := current(ex)
	n := len(ex.pending)
	if n == 0 {
		ex.fail("DO_FCALL without a pending call")
	}
	call := ex.pending[n-1]
	ex.pending = ex.pending[:n-1]
	f.IP++

	if call.builtin != nil {
		ex.Set(&ins.Result, call.builtin(call.args))
		return ActionContinue
	}
	ex.beginCall(call, ex.Cell(&ins.Result))
	if ex.InlineCalls {
		return ActionEnter
	}
	Execute(ex, call.unit)
	ex.FinishCall()
	return ActionContinue
}

func opRECV(ex *Executor) Action {
	f, ins := current(ex)
	n := int(ToInt(ex.Get(&ins.Op1)))
	var v Value
	if n < len(ex.Args) {
		v = ex.Args[n]
	} else {
		log.Warningf("missing argument %d for %s()", n+1, f.Unit.QualifiedName())
	}
	ex.Set(&ins.Result, v)
	f.IP++
	return ActionContinue
}

func opRETURN(ex *Executor) Action {
	f, ins := current(ex)
	v := ex.Get(&ins.Op1)
	if ex.ReturnTarget != nil {
		*ex.ReturnTarget = v
	}
	nested := f.Nested
	ex.PopFrame()
	if nested {
		ex.FinishCall()
		return ActionLeave
	}
	return ActionReturn
}

// Objects

func opNEW(ex *Executor) Action {
	f, ins := current(ex)
	name := ToString(ex.Get(&ins.Op1))
	c, ok := ex.Class(name)
	if !ok {
		ex.fail("class %q not found", name)
	}
	ex.Set(&ins.Result, NewObject(c))
	f.IP++
	return ActionContinue
}

func object(ex *Executor, op *Operand) *Object {
	obj, ok := ex.Get(op).(*Object)
	if !ok {
		ex.fail("trying to get property of non-object %s", TypeName(ex.Get(op)))
	}
	return obj
}

func opFETCH_OBJ_R(ex *Executor) Action {
	f, ins := current(ex)
	obj := object(ex, &ins.Op1)
	ex.Set(&ins.Result, obj.Get(ToString(ex.Get(&ins.Op2))))
	f.IP++
	return ActionContinue
}

func opASSIGN_OBJ(ex *Executor) Action {
	f, ins := current(ex)
	obj := object(ex, &ins.Op1)
	obj.Set(ToString(ex.Get(&ins.Op2)), ex.Get(&ins.Data))
	f.IP++
	return ActionContinue
}
