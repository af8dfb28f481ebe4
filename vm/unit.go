package vm

import (
	"fmt"
	"sync/atomic"
)

// CommandLineFile is the file name given to code that has no source file,
// such as code passed on the command line.
const CommandLineFile = "Command line code"

// ---------------------------------------------------------------------------
// Address space
// ---------------------------------------------------------------------------

const (
	addrSpaceStart Addr = 0x10000
	addrGap        Addr = 0x100
)

var nextBase atomic.Uint64

func init() {
	nextBase.Store(uint64(addrSpaceStart))
}

// allocBase reserves an address range for n instructions.
func allocBase(n int) Addr {
	size := uint64(n) + uint64(addrGap)
	return Addr(nextBase.Add(size) - size)
}

// ---------------------------------------------------------------------------
// Unit: a compiled function body
// ---------------------------------------------------------------------------

// Unit is a function, method or top-level script body together with its
// instruction array.
type Unit struct {
	File  string // source file; empty or CommandLineFile for ad-hoc code
	Scope string // enclosing class name, empty for functions
	Name  string // function name, empty for top-level code

	Ops  []Instruction
	Base Addr // address of Ops[0]

	NumLocals  int      // compiled variables
	NumTemps   int      // temporaries
	LocalNames []string // names of compiled variables, indexed by CV number
	ThisVar    int      // CV receiving the receiver, -1 if none
	StartOp    int      // entry instruction

	CacheSlots   int   // runtime cache size
	RuntimeCache []any // allocated on first frame creation

	finalized bool
}

// NewUnit creates an empty unit.
func NewUnit(file, scope, name string) *Unit {
	return &Unit{File: file, Scope: scope, Name: name, ThisVar: -1}
}

// QualifiedName renders Scope::Name, or just Name for plain functions.
func (u *Unit) QualifiedName() string {
	name := u.Name
	if name == "" {
		name = "{main}"
	}
	if u.Scope != "" {
		return u.Scope + "::" + name
	}
	return name
}

func (u *Unit) String() string {
	return fmt.Sprintf("%s (%s)", u.QualifiedName(), u.File)
}

// AddrOf returns the address of instruction i.
func (u *Unit) AddrOf(i int) Addr {
	return u.Base + Addr(i)
}

// IndexOf returns the instruction index of addr. It panics when addr lies
// outside the instruction array.
func (u *Unit) IndexOf(addr Addr) int {
	if addr < u.Base || addr >= u.Base+Addr(len(u.Ops)) {
		panic(fmt.Sprintf("vm: address %#x outside %s [%#x, %#x)",
			uint64(addr), u.QualifiedName(), uint64(u.Base), uint64(u.Base)+uint64(len(u.Ops))))
	}
	return int(addr - u.Base)
}

// LocalIndex returns the CV number of a named local, or -1.
func (u *Unit) LocalIndex(name string) int {
	for i, n := range u.LocalNames {
		if n == name {
			return i
		}
	}
	return -1
}

// Finalize places the instruction array in the address space, resolves jump
// operands to absolute addresses, assigns runtime cache slots and installs
// the opcode handlers. Calling it again is a no-op.
func (u *Unit) Finalize() error {
	if u.finalized {
		return nil
	}
	for len(u.LocalNames) < u.NumLocals {
		u.LocalNames = append(u.LocalNames, fmt.Sprintf("v%d", len(u.LocalNames)))
	}
	if u.StartOp < 0 || (len(u.Ops) > 0 && u.StartOp >= len(u.Ops)) {
		return fmt.Errorf("%s: entry instruction %d out of range", u.QualifiedName(), u.StartOp)
	}
	u.Base = allocBase(len(u.Ops))
	for i := range u.Ops {
		ins := &u.Ops[i]
		if !ins.Opcode.Valid() {
			return fmt.Errorf("%s: instruction %d: unknown opcode %#x", u.QualifiedName(), i, byte(ins.Opcode))
		}
		if op := ins.JumpOperand(); op != nil {
			if op.Kind != OperandJump || op.Var < 0 || op.Var >= len(u.Ops) {
				return fmt.Errorf("%s: instruction %d: bad jump target %s", u.QualifiedName(), i, op)
			}
			op.Jump = u.AddrOf(op.Var)
		}
		if ins.Opcode == OpINIT_FCALL {
			ins.CacheSlot = u.CacheSlots
			u.CacheSlots++
		}
		for _, op := range []*Operand{&ins.Op1, &ins.Op2, &ins.Result, &ins.Data} {
			if err := u.checkOperand(op); err != nil {
				return fmt.Errorf("%s: instruction %d: %w", u.QualifiedName(), i, err)
			}
		}
		SetOpcodeHandler(ins)
	}
	u.finalized = true
	return nil
}

func (u *Unit) checkOperand(op *Operand) error {
	switch op.Kind {
	case OperandCV:
		if op.Var < 0 || op.Var >= u.NumLocals {
			return fmt.Errorf("CV $%d out of range (locals=%d)", op.Var, u.NumLocals)
		}
	case OperandTmp:
		if op.Var < 0 || op.Var >= u.NumTemps {
			return fmt.Errorf("temporary ~%d out of range (temps=%d)", op.Var, u.NumTemps)
		}
	}
	return nil
}

// Finalized reports whether Finalize has run.
func (u *Unit) Finalized() bool { return u.finalized }

// Relocate copies the instruction array to a fresh address range and
// returns the previous base. Jump operands keep pointing into the old range
// until they are fixed up by the caller.
func (u *Unit) Relocate() Addr {
	old := u.Base
	ops := make([]Instruction, len(u.Ops))
	copy(ops, u.Ops)
	u.Ops = ops
	u.Base = allocBase(len(ops))
	return old
}

// EnsureRuntimeCache allocates the runtime cache on first use.
func (u *Unit) EnsureRuntimeCache() {
	if u.RuntimeCache == nil && u.CacheSlots > 0 {
		u.RuntimeCache = make([]any, u.CacheSlots)
	}
}

// ---------------------------------------------------------------------------
// UnitBuilder: helper for constructing units
// ---------------------------------------------------------------------------

// Label marks a jump target that may be placed after the jumps using it.
type Label struct {
	index  int
	fixups []int
}

// UnitBuilder constructs a unit instruction by instruction.
type UnitBuilder struct {
	unit   *Unit
	locals map[string]int
}

// NewUnitBuilder starts a unit.
func NewUnitBuilder(file, scope, name string) *UnitBuilder {
	return &UnitBuilder{unit: NewUnit(file, scope, name), locals: make(map[string]int)}
}

// Local returns the CV operand for a named local, declaring it on first use.
func (b *UnitBuilder) Local(name string) Operand {
	if n, ok := b.locals[name]; ok {
		return CV(n)
	}
	n := b.unit.NumLocals
	b.unit.NumLocals++
	b.unit.LocalNames = append(b.unit.LocalNames, name)
	b.locals[name] = n
	if name == "this" {
		b.unit.ThisVar = n
	}
	return CV(n)
}

// Temp returns the operand for temporary n, growing the temp count.
func (b *UnitBuilder) Temp(n int) Operand {
	if n >= b.unit.NumTemps {
		b.unit.NumTemps = n + 1
	}
	return Tmp(n)
}

// Len returns the number of instructions emitted so far.
func (b *UnitBuilder) Len() int { return len(b.unit.Ops) }

// Emit appends an instruction and returns its index.
func (b *UnitBuilder) Emit(ins Instruction) int {
	b.unit.Ops = append(b.unit.Ops, ins)
	return len(b.unit.Ops) - 1
}

// Op emits an instruction with result and two inputs.
func (b *UnitBuilder) Op(op Opcode, result, op1, op2 Operand) int {
	return b.Emit(Instruction{Opcode: op, Result: result, Op1: op1, Op2: op2})
}

// NewLabel creates an unplaced label.
func (b *UnitBuilder) NewLabel() *Label {
	return &Label{index: -1}
}

// Mark places label at the next instruction and patches earlier jumps.
func (b *UnitBuilder) Mark(label *Label) {
	label.index = len(b.unit.Ops)
	for _, at := range label.fixups {
		if op := b.unit.Ops[at].JumpOperand(); op != nil {
			*op = JumpTo(label.index)
		}
	}
	label.fixups = nil
}

// EmitJump emits a branch to label. For conditional jumps cond is the
// tested operand and result receives the boolean for the _EX forms.
func (b *UnitBuilder) EmitJump(op Opcode, label *Label, cond, result Operand) int {
	ins := Instruction{Opcode: op, Result: result}
	target := JumpTo(label.index)
	if op.Info().Flags&FlagJumpOp1 != 0 {
		ins.Op1 = target
	} else {
		ins.Op1 = cond
		ins.Op2 = target
	}
	at := b.Emit(ins)
	if label.index < 0 {
		label.fixups = append(label.fixups, at)
	}
	return at
}

// Build finishes the unit. A final RETURN null is appended when the last
// instruction is not a RETURN, then the unit is finalized.
func (b *UnitBuilder) Build() (*Unit, error) {
	u := b.unit
	if n := len(u.Ops); n == 0 || u.Ops[n-1].Opcode != OpRETURN {
		u.Ops = append(u.Ops, Instruction{Opcode: OpRETURN, Op1: Const(nil)})
	}
	if err := u.Finalize(); err != nil {
		return nil, err
	}
	return u, nil
}

// ---------------------------------------------------------------------------
// Program: a loadable set of units
// ---------------------------------------------------------------------------

// Program is top-level code plus the functions and classes it defines.
type Program struct {
	Main      *Unit
	Functions []*Unit
	Classes   []*Class
}

// Units returns every unit in the program, main first.
func (p *Program) Units() []*Unit {
	var units []*Unit
	if p.Main != nil {
		units = append(units, p.Main)
	}
	units = append(units, p.Functions...)
	for _, c := range p.Classes {
		for _, m := range c.Methods {
			units = append(units, m)
		}
	}
	return units
}
