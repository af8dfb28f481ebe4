package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode identifies the operation performed by an Instruction.
type Opcode uint8

// Arithmetic and comparison
const (
	OpNOP              Opcode = 0x00 // no operation
	OpADD              Opcode = 0x01 // result = op1 + op2
	OpSUB              Opcode = 0x02 // result = op1 - op2
	OpMUL              Opcode = 0x03 // result = op1 * op2
	OpDIV              Opcode = 0x04 // result = op1 / op2
	OpMOD              Opcode = 0x05 // result = op1 % op2
	OpCONCAT           Opcode = 0x06 // result = op1 . op2
	OpIS_EQUAL         Opcode = 0x07 // result = op1 == op2
	OpIS_NOT_EQUAL     Opcode = 0x08 // result = op1 != op2
	OpIS_SMALLER       Opcode = 0x09 // result = op1 < op2
	OpIS_SMALLER_EQUAL Opcode = 0x0A // result = op1 <= op2
	OpBOOL_NOT         Opcode = 0x0B // result = !op1
)

// Assignment and output
const (
	OpQM_ASSIGN Opcode = 0x10 // result = op1
	OpASSIGN    Opcode = 0x11 // op1 (CV) = op2, result = op2
	OpECHO      Opcode = 0x12 // write op1 to the executor output
)

// Control flow. JMP keeps its target in op1, the conditional jumps in op2.
const (
	OpJMP      Opcode = 0x20 // jump to op1
	OpJMPZ     Opcode = 0x21 // jump to op2 if op1 is false
	OpJMPNZ    Opcode = 0x22 // jump to op2 if op1 is true
	OpJMPZ_EX  Opcode = 0x23 // result = bool(op1), jump to op2 if false
	OpJMPNZ_EX Opcode = 0x24 // result = bool(op1), jump to op2 if true
)

// Calls
const (
	OpINIT_FCALL       Opcode = 0x30 // begin a call to function op2
	OpINIT_METHOD_CALL Opcode = 0x31 // begin a call to method op2 on object op1
	OpSEND_VAL         Opcode = 0x32 // pass op1 to the pending call
	OpDO_FCALL         Opcode = 0x33 // perform the pending call, result = return value
	OpRECV             Opcode = 0x34 // result (CV) = argument number op1
	OpRETURN           Opcode = 0x35 // return op1 to the caller
)

// Objects
const (
	OpNEW         Opcode = 0x40 // result = new instance of class op1
	OpFETCH_OBJ_R Opcode = 0x41 // result = op1->op2
	OpASSIGN_OBJ  Opcode = 0x42 // op1->op2 = data
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeFlags describe how an opcode's handler interacts with control flow.
type OpcodeFlags uint16

const (
	// FlagJumpOp1 marks a branch whose absolute target lives in op1.
	FlagJumpOp1 OpcodeFlags = 1 << iota
	// FlagJumpOp2 marks a branch whose absolute target lives in op2.
	FlagJumpOp2
	// FlagCall marks handlers that may return ActionEnter.
	FlagCall
	// FlagReturn marks handlers that return ActionReturn or ActionLeave.
	FlagReturn
)

// FlagJump is set for every branch kind carrying an address operand.
const FlagJump = FlagJumpOp1 | FlagJumpOp2

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name   string      // symbolic name, also the native handler symbol
	Layout string      // assembler operand order: r=result, 1=op1, 2=op2, d=data
	Flags  OpcodeFlags // control-flow behavior
}

// opcodeTable maps opcodes to their metadata.
var opcodeTable = map[Opcode]OpcodeInfo{
	OpNOP:              {"NOP", "", 0},
	OpADD:              {"ADD", "r12", 0},
	OpSUB:              {"SUB", "r12", 0},
	OpMUL:              {"MUL", "r12", 0},
	OpDIV:              {"DIV", "r12", 0},
	OpMOD:              {"MOD", "r12", 0},
	OpCONCAT:           {"CONCAT", "r12", 0},
	OpIS_EQUAL:         {"IS_EQUAL", "r12", 0},
	OpIS_NOT_EQUAL:     {"IS_NOT_EQUAL", "r12", 0},
	OpIS_SMALLER:       {"IS_SMALLER", "r12", 0},
	OpIS_SMALLER_EQUAL: {"IS_SMALLER_OR_EQUAL", "r12", 0},
	OpBOOL_NOT:         {"BOOL_NOT", "r1", 0},

	OpQM_ASSIGN: {"QM_ASSIGN", "r1", 0},
	OpASSIGN:    {"ASSIGN", "12", 0},
	OpECHO:      {"ECHO", "1", 0},

	OpJMP:      {"JMP", "1", FlagJumpOp1},
	OpJMPZ:     {"JMPZ", "12", FlagJumpOp2},
	OpJMPNZ:    {"JMPNZ", "12", FlagJumpOp2},
	OpJMPZ_EX:  {"JMPZ_EX", "r12", FlagJumpOp2},
	OpJMPNZ_EX: {"JMPNZ_EX", "r12", FlagJumpOp2},

	OpINIT_FCALL:       {"INIT_FCALL", "2", 0},
	OpINIT_METHOD_CALL: {"INIT_METHOD_CALL", "12", 0},
	OpSEND_VAL:         {"SEND_VAL", "1", 0},
	OpDO_FCALL:         {"DO_FCALL", "r", FlagCall},
	OpRECV:             {"RECV", "r1", 0},
	OpRETURN:           {"RETURN", "1", FlagReturn},

	OpNEW:         {"NEW", "r1", 0},
	OpFETCH_OBJ_R: {"FETCH_OBJ_R", "r12", 0},
	OpASSIGN_OBJ:  {"ASSIGN_OBJ", "12d", 0},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
}

// Name returns the symbolic name of an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// Valid reports whether the opcode is defined.
func (op Opcode) Valid() bool {
	_, ok := opcodeTable[op]
	return ok
}

// IsJump reports whether the opcode encodes an absolute branch target.
func (op Opcode) IsJump() bool {
	return op.Info().Flags&FlagJump != 0
}

// MayReposition reports whether the handler can leave the instruction
// pointer somewhere other than the next instruction.
func (op Opcode) MayReposition() bool {
	return op.Info().Flags&(FlagJump|FlagCall|FlagReturn) != 0
}

// AlwaysContinues reports whether the handler only ever returns
// ActionContinue after advancing to the next instruction.
func (op Opcode) AlwaysContinues() bool {
	return op.Info().Flags == 0
}

// Opcodes returns every defined opcode in numeric order.
func Opcodes() []Opcode {
	ops := make([]Opcode, 0, len(opcodeTable))
	for i := 0; i < 256; i++ {
		if op := Opcode(i); op.Valid() {
			ops = append(ops, op)
		}
	}
	return ops
}

// OpcodeByName looks up an opcode from its symbolic name.
func OpcodeByName(name string) (Opcode, bool) {
	name = strings.ToUpper(name)
	for op, info := range opcodeTable {
		if info.Name == name {
			return op, true
		}
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// Disassemble renders a unit's instruction array, one instruction per line,
// prefixed with the instruction index and its address.
func Disassemble(u *Unit) string {
	var sb strings.Builder
	for i := range u.Ops {
		fmt.Fprintf(&sb, "%04d %#08x  %s\n", i, uint64(u.AddrOf(i)), u.Ops[i].String())
	}
	return sb.String()
}
