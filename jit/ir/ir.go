// Package ir is the small SSA form compiled units are expressed in before
// the engine materializes them.
//
// A Function is a list of basic blocks; block 0 is the entry. Every block
// ends in exactly one terminator. Values are numbered per function and
// defined exactly once. Functions take no parameters: handlers and helpers
// reach the executor through the engine's call context, and every call
// yields an int64.
package ir

import "fmt"

// ---------------------------------------------------------------------------
// Opcodes
// ---------------------------------------------------------------------------

// Op is an IR operation.
type Op uint8

const (
	OpNop Op = iota
	OpConst
	OpAdd
	OpSub
	OpMul
	OpAnd
	OpOr
	OpXor
	OpICmpEq
	OpCall       // call a module function by name
	OpCallNative // call a host symbol

	// Terminators
	OpBr
	OpCondBr
	OpSwitch
	OpRet
	OpUnreachable
)

var opNames = [...]string{
	OpNop:         "nop",
	OpConst:       "const",
	OpAdd:         "add",
	OpSub:         "sub",
	OpMul:         "mul",
	OpAnd:         "and",
	OpOr:          "or",
	OpXor:         "xor",
	OpICmpEq:      "icmp.eq",
	OpCall:        "call",
	OpCallNative:  "call.native",
	OpBr:          "br",
	OpCondBr:      "condbr",
	OpSwitch:      "switch",
	OpRet:         "ret",
	OpUnreachable: "unreachable",
}

func (op Op) String() string {
	if int(op) < len(opNames) && opNames[op] != "" {
		return opNames[op]
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

// IsTerminator reports whether op ends a block.
func (op Op) IsTerminator() bool { return op >= OpBr }

// IsBinary reports whether op is a two-operand arithmetic or compare op.
func (op Op) IsBinary() bool { return op >= OpAdd && op <= OpICmpEq }

// IsCommutative reports whether the operands of op may be swapped.
func (op Op) IsCommutative() bool {
	switch op {
	case OpAdd, OpMul, OpAnd, OpOr, OpXor, OpICmpEq:
		return true
	}
	return false
}

// IsPure reports whether op has no side effects and depends only on its
// operands.
func (op Op) IsPure() bool { return op == OpConst || op.IsBinary() }

// Eval folds a binary op over constants.
func (op Op) Eval(x, y int64) int64 {
	switch op {
	case OpAdd:
		return x + y
	case OpSub:
		return x - y
	case OpMul:
		return x * y
	case OpAnd:
		return x & y
	case OpOr:
		return x | y
	case OpXor:
		return x ^ y
	case OpICmpEq:
		if x == y {
			return 1
		}
		return 0
	}
	panic("ir: Eval of non-binary op " + op.String())
}

// ---------------------------------------------------------------------------
// Values, instructions, blocks
// ---------------------------------------------------------------------------

// Value names an SSA value within a function.
type Value int32

// NoValue marks an instruction without a result or a void return.
const NoValue Value = -1

func (v Value) String() string {
	if v == NoValue {
		return "void"
	}
	return fmt.Sprintf("%%%d", int32(v))
}

// Instr is one IR instruction.
//
// Targets holds successor block indices: Br [t], CondBr [then, else],
// Switch [default, case0, case1, ...] aligned with Cases.
type Instr struct {
	Op      Op      `cbor:"1,keyasint"`
	Dst     Value   `cbor:"2,keyasint"`
	Args    []Value `cbor:"3,keyasint,omitempty"`
	Imm     int64   `cbor:"4,keyasint,omitempty"`
	Callee  string  `cbor:"5,keyasint,omitempty"`
	Cases   []int64 `cbor:"6,keyasint,omitempty"`
	Targets []int   `cbor:"7,keyasint,omitempty"`
}

// Block is a basic block.
type Block struct {
	Name   string   `cbor:"1,keyasint"`
	Instrs []*Instr `cbor:"2,keyasint"`
}

// Terminator returns the last instruction, or nil for an empty block.
func (b *Block) Terminator() *Instr {
	if len(b.Instrs) == 0 {
		return nil
	}
	return b.Instrs[len(b.Instrs)-1]
}

// ---------------------------------------------------------------------------
// Functions
// ---------------------------------------------------------------------------

// Kind classifies module functions.
type Kind uint8

const (
	// KindHandler is a per-opcode handler: bound to a host handler symbol
	// and carrying an inlinable body.
	KindHandler Kind = iota
	// KindHelper is a runtime helper, usually a bodiless declaration.
	KindHelper
	// KindCompiled is a unit lowered by a translator.
	KindCompiled
)

func (k Kind) String() string {
	switch k {
	case KindHandler:
		return "handler"
	case KindHelper:
		return "helper"
	case KindCompiled:
		return "compiled"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Function is a named IR function.
type Function struct {
	Name      string   `cbor:"1,keyasint"`
	Kind      Kind     `cbor:"2,keyasint"`
	Native    string   `cbor:"3,keyasint,omitempty"` // bound host symbol
	Blocks    []*Block `cbor:"4,keyasint,omitempty"`
	NumValues int      `cbor:"5,keyasint"`
}

// NewFunction creates an empty function.
func NewFunction(name string, kind Kind) *Function {
	return &Function{Name: name, Kind: kind}
}

// Declare creates a bodiless function bound to a host symbol.
func Declare(name string, kind Kind, native string) *Function {
	return &Function{Name: name, Kind: kind, Native: native}
}

// IsDeclaration reports whether fn has no body.
func (fn *Function) IsDeclaration() bool { return len(fn.Blocks) == 0 }

// NewValue allocates a fresh value number.
func (fn *Function) NewValue() Value {
	v := Value(fn.NumValues)
	fn.NumValues++
	return v
}

// InstrCount returns the number of instructions in all blocks.
func (fn *Function) InstrCount() int {
	n := 0
	for _, b := range fn.Blocks {
		n += len(b.Instrs)
	}
	return n
}

// Defs maps each value to its defining instruction.
func (fn *Function) Defs() map[Value]*Instr {
	defs := make(map[Value]*Instr, fn.NumValues)
	for _, b := range fn.Blocks {
		for _, in := range b.Instrs {
			if in.Dst != NoValue {
				defs[in.Dst] = in
			}
		}
	}
	return defs
}

// Successors returns the successor blocks of block i.
func (fn *Function) Successors(i int) []int {
	t := fn.Blocks[i].Terminator()
	if t == nil {
		return nil
	}
	return t.Targets
}

// Predecessors returns, per block, the list of distinct predecessor blocks.
func (fn *Function) Predecessors() [][]int {
	preds := make([][]int, len(fn.Blocks))
	for i := range fn.Blocks {
		seen := make(map[int]bool)
		for _, s := range fn.Successors(i) {
			if !seen[s] {
				seen[s] = true
				preds[s] = append(preds[s], i)
			}
		}
	}
	return preds
}

// ReplaceAllUses rewrites every use of old to new.
func (fn *Function) ReplaceAllUses(old, new Value) {
	for _, b := range fn.Blocks {
		for _, in := range b.Instrs {
			for i, a := range in.Args {
				if a == old {
					in.Args[i] = new
				}
			}
		}
	}
}

// UseCounts returns how often each value is used.
func (fn *Function) UseCounts() map[Value]int {
	uses := make(map[Value]int)
	for _, b := range fn.Blocks {
		for _, in := range b.Instrs {
			for _, a := range in.Args {
				uses[a]++
			}
		}
	}
	return uses
}

// Callees returns the names of module functions called by fn.
func (fn *Function) Callees() []string {
	var names []string
	seen := make(map[string]bool)
	for _, b := range fn.Blocks {
		for _, in := range b.Instrs {
			if in.Op == OpCall && !seen[in.Callee] {
				seen[in.Callee] = true
				names = append(names, in.Callee)
			}
		}
	}
	return names
}

// Clone returns a deep copy of fn.
func (fn *Function) Clone() *Function {
	c := &Function{Name: fn.Name, Kind: fn.Kind, Native: fn.Native, NumValues: fn.NumValues}
	for _, b := range fn.Blocks {
		nb := &Block{Name: b.Name, Instrs: make([]*Instr, len(b.Instrs))}
		for i, in := range b.Instrs {
			nb.Instrs[i] = in.clone()
		}
		c.Blocks = append(c.Blocks, nb)
	}
	return c
}

func (in *Instr) clone() *Instr {
	c := *in
	c.Args = append([]Value(nil), in.Args...)
	c.Cases = append([]int64(nil), in.Cases...)
	c.Targets = append([]int(nil), in.Targets...)
	return &c
}
