package vm

import (
	"strings"
	"testing"
)

func TestOpcodeTable(t *testing.T) {
	syms := HandlerSymbols()
	for _, op := range Opcodes() {
		info := op.Info()
		if info.Name == "" {
			t.Errorf("opcode %#x has no name", byte(op))
		}
		if syms[info.Name] == nil {
			t.Errorf("%s has no handler symbol", info.Name)
		}
		back, ok := OpcodeByName(strings.ToLower(info.Name))
		if !ok || back != op {
			t.Errorf("OpcodeByName(%q) = %v, %v", info.Name, back, ok)
		}
	}
	if len(syms) != len(Opcodes()) {
		t.Errorf("%d handler symbols for %d opcodes", len(syms), len(Opcodes()))
	}
}

func TestJumpOperand(t *testing.T) {
	tests := []struct {
		op   Opcode
		want string // which operand carries the target
	}{
		{OpJMP, "op1"},
		{OpJMPZ, "op2"},
		{OpJMPNZ, "op2"},
		{OpJMPZ_EX, "op2"},
		{OpJMPNZ_EX, "op2"},
		{OpADD, ""},
		{OpRETURN, ""},
	}
	for _, tt := range tests {
		ins := &Instruction{Opcode: tt.op}
		got := ""
		switch ins.JumpOperand() {
		case &ins.Op1:
			got = "op1"
		case &ins.Op2:
			got = "op2"
		}
		if got != tt.want {
			t.Errorf("%s: jump operand %q, want %q", tt.op, got, tt.want)
		}
		if tt.op.IsJump() != (tt.want != "") {
			t.Errorf("%s: IsJump = %v", tt.op, tt.op.IsJump())
		}
	}
}

func TestOpcodeControlFlags(t *testing.T) {
	if !OpADD.AlwaysContinues() || OpADD.MayReposition() {
		t.Error("ADD should always continue")
	}
	for _, op := range []Opcode{OpJMP, OpJMPZ, OpDO_FCALL, OpRETURN} {
		if !op.MayReposition() {
			t.Errorf("%s should be marked as repositioning", op)
		}
	}
}

func TestFinalizeResolvesJumps(t *testing.T) {
	b := NewUnitBuilder("j.src", "", "j")
	end := b.NewLabel()
	b.EmitJump(OpJMP, end, Unused, Unused)
	b.Emit(Instruction{Opcode: OpNOP})
	b.Mark(end)
	b.Emit(Instruction{Opcode: OpRETURN, Op1: Const(nil)})
	u, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := u.Ops[0].Op1.Jump, u.AddrOf(2); got != want {
		t.Errorf("jump target = %#x, want %#x", got, want)
	}
	if u.IndexOf(u.Ops[0].Op1.Jump) != 2 {
		t.Errorf("IndexOf(target) = %d, want 2", u.IndexOf(u.Ops[0].Op1.Jump))
	}
	for i := range u.Ops {
		if u.Ops[i].Handler == nil {
			t.Errorf("instruction %d has no handler", i)
		}
	}
	if !strings.Contains(Disassemble(u), "JMP") {
		t.Error("disassembly is missing the jump")
	}
}

func TestFinalizeRejectsBadOperands(t *testing.T) {
	u := NewUnit("bad.src", "", "bad")
	u.NumTemps = 1
	u.Ops = []Instruction{
		{Opcode: OpQM_ASSIGN, Result: Tmp(3), Op1: Const(int64(1))},
		{Opcode: OpRETURN, Op1: Const(nil)},
	}
	if err := u.Finalize(); err == nil {
		t.Error("expected an error for an out-of-range temporary")
	}

	j := NewUnit("bad.src", "", "jump")
	j.Ops = []Instruction{{Opcode: OpJMP, Op1: JumpTo(7)}}
	if err := j.Finalize(); err == nil {
		t.Error("expected an error for an out-of-range jump")
	}
}

func TestRelocateMovesBase(t *testing.T) {
	u := testUnit(0, 0)
	if err := u.Finalize(); err != nil {
		t.Fatal(err)
	}
	old := u.Base
	if got := u.Relocate(); got != old {
		t.Errorf("Relocate returned %#x, want old base %#x", got, old)
	}
	if u.Base == old {
		t.Error("base unchanged after Relocate")
	}
}
