package ir

import (
	"fmt"
	"io"
	"strings"
)

// Print writes a text rendering of fn.
func Print(w io.Writer, fn *Function) {
	if fn.IsDeclaration() {
		fmt.Fprintf(w, "declare %s @%s = native %q\n", fn.Kind, fn.Name, fn.Native)
		return
	}
	native := ""
	if fn.Native != "" {
		native = fmt.Sprintf(" native %q", fn.Native)
	}
	fmt.Fprintf(w, "define %s @%s%s {\n", fn.Kind, fn.Name, native)
	for i, b := range fn.Blocks {
		fmt.Fprintf(w, "bb%d: ; %s\n", i, b.Name)
		for _, in := range b.Instrs {
			fmt.Fprintf(w, "  %s\n", in)
		}
	}
	fmt.Fprintln(w, "}")
}

// String renders fn as text.
func (fn *Function) String() string {
	var sb strings.Builder
	Print(&sb, fn)
	return sb.String()
}

func (in *Instr) String() string {
	var sb strings.Builder
	if in.Dst != NoValue {
		fmt.Fprintf(&sb, "%s = ", in.Dst)
	}
	sb.WriteString(in.Op.String())
	switch in.Op {
	case OpConst:
		fmt.Fprintf(&sb, " %d", in.Imm)
	case OpCall, OpCallNative:
		fmt.Fprintf(&sb, " @%s", in.Callee)
	}
	for i, a := range in.Args {
		if i == 0 {
			sb.WriteString(" ")
		} else {
			sb.WriteString(", ")
		}
		sb.WriteString(a.String())
	}
	switch in.Op {
	case OpBr:
		fmt.Fprintf(&sb, " bb%d", in.Targets[0])
	case OpCondBr:
		fmt.Fprintf(&sb, ", bb%d, bb%d", in.Targets[0], in.Targets[1])
	case OpSwitch:
		fmt.Fprintf(&sb, ", default bb%d [", in.Targets[0])
		for i, c := range in.Cases {
			if i > 0 {
				sb.WriteString(" ")
			}
			fmt.Fprintf(&sb, "%d:bb%d", c, in.Targets[i+1])
		}
		sb.WriteString("]")
	}
	return sb.String()
}
