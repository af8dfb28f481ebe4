package vm

import (
	"fmt"
	"strings"
)

// Addr is the address of an instruction. Instruction i of a unit lives at
// unit.Base + i; bases of distinct units never overlap.
type Addr uint64

// ---------------------------------------------------------------------------
// Operands
// ---------------------------------------------------------------------------

// OperandKind selects how an operand is interpreted.
type OperandKind uint8

const (
	OperandUnused OperandKind = iota
	OperandConst              // literal value in Val
	OperandCV                 // compiled variable (local) number Var
	OperandTmp                // temporary number Var
	OperandJump               // absolute branch target in Jump, source index in Var
)

// Operand is one input or output slot of an instruction.
type Operand struct {
	Kind OperandKind
	Val  Value
	Var  int
	Jump Addr
}

// Unused is the empty operand.
var Unused = Operand{}

// Const returns a literal operand.
func Const(v Value) Operand { return Operand{Kind: OperandConst, Val: v} }

// CV returns an operand naming compiled variable n.
func CV(n int) Operand { return Operand{Kind: OperandCV, Var: n} }

// Tmp returns an operand naming temporary n.
func Tmp(n int) Operand { return Operand{Kind: OperandTmp, Var: n} }

// JumpTo returns an unresolved branch operand targeting instruction n.
// Finalize turns it into an absolute address.
func JumpTo(n int) Operand { return Operand{Kind: OperandJump, Var: n} }

// IsUsed reports whether the operand is present.
func (o Operand) IsUsed() bool { return o.Kind != OperandUnused }

func (o Operand) String() string {
	switch o.Kind {
	case OperandConst:
		return Repr(o.Val)
	case OperandCV:
		return fmt.Sprintf("$%d", o.Var)
	case OperandTmp:
		return fmt.Sprintf("~%d", o.Var)
	case OperandJump:
		return fmt.Sprintf("@%#x", uint64(o.Jump))
	default:
		return "_"
	}
}

// ---------------------------------------------------------------------------
// Instruction
// ---------------------------------------------------------------------------

// Instruction is one operation of a unit. Handler is filled in by
// SetOpcodeHandler when the unit is finalized.
type Instruction struct {
	Opcode    Opcode
	Op1       Operand
	Op2       Operand
	Result    Operand
	Data      Operand // value operand of ASSIGN_OBJ
	CacheSlot int     // runtime cache slot of INIT_FCALL
	Line      int
	Handler   Handler
}

// String renders the instruction in assembler syntax.
func (ins *Instruction) String() string {
	var parts []string
	for _, c := range ins.Opcode.Info().Layout {
		switch c {
		case 'r':
			parts = append(parts, ins.Result.String())
		case '1':
			parts = append(parts, ins.Op1.String())
		case '2':
			parts = append(parts, ins.Op2.String())
		case 'd':
			parts = append(parts, ins.Data.String())
		}
	}
	if len(parts) == 0 {
		return ins.Opcode.Name()
	}
	return fmt.Sprintf("%-18s %s", ins.Opcode.Name(), strings.Join(parts, ", "))
}

// JumpOperand returns the operand carrying the branch target of a jump
// instruction, or nil for any other instruction.
func (ins *Instruction) JumpOperand() *Operand {
	flags := ins.Opcode.Info().Flags
	switch {
	case flags&FlagJumpOp1 != 0:
		return &ins.Op1
	case flags&FlagJumpOp2 != 0:
		return &ins.Op2
	}
	return nil
}
