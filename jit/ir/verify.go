package ir

import (
	"errors"
	"fmt"
)

// ErrInvalid wraps every verification failure.
var ErrInvalid = errors.New("ir: invalid function")

func invalid(fn *Function, format string, args ...any) error {
	return fmt.Errorf("%w %s: %s", ErrInvalid, fn.Name, fmt.Sprintf(format, args...))
}

// Verify performs structural checks on fn. When m is non-nil, call targets
// must exist in m.
func Verify(fn *Function, m *Module) error {
	if fn.Name == "" {
		return invalid(fn, "unnamed function")
	}
	if fn.Kind == KindHandler && fn.Native == "" {
		return invalid(fn, "handler without a native symbol")
	}
	if fn.IsDeclaration() {
		if fn.Native == "" {
			return invalid(fn, "declaration without a native symbol")
		}
		if fn.Kind == KindCompiled {
			return invalid(fn, "compiled function without a body")
		}
		return nil
	}

	defined := make([]bool, fn.NumValues)
	for bi, b := range fn.Blocks {
		if len(b.Instrs) == 0 {
			return invalid(fn, "block %d (%s) is empty", bi, b.Name)
		}
		for ii, in := range b.Instrs {
			last := ii == len(b.Instrs)-1
			if in.Op.IsTerminator() != last {
				if last {
					return invalid(fn, "block %d (%s) does not end in a terminator", bi, b.Name)
				}
				return invalid(fn, "block %d (%s): terminator %s before end", bi, b.Name, in.Op)
			}
			if err := verifyInstr(fn, m, in); err != nil {
				return invalid(fn, "block %d (%s) instr %d: %v", bi, b.Name, ii, err)
			}
			if in.Dst != NoValue {
				if int(in.Dst) < 0 || int(in.Dst) >= fn.NumValues {
					return invalid(fn, "value %s out of range", in.Dst)
				}
				if defined[in.Dst] {
					return invalid(fn, "value %s defined twice", in.Dst)
				}
				defined[in.Dst] = true
			}
		}
	}

	// Every use must name a defined value.
	for bi, b := range fn.Blocks {
		for _, in := range b.Instrs {
			for _, a := range in.Args {
				if int(a) < 0 || int(a) >= fn.NumValues || !defined[a] {
					return invalid(fn, "block %d: use of undefined value %s", bi, a)
				}
			}
		}
	}
	return nil
}

func verifyInstr(fn *Function, m *Module, in *Instr) error {
	nargs := func(n int) error {
		if len(in.Args) != n {
			return fmt.Errorf("%s takes %d operands, has %d", in.Op, n, len(in.Args))
		}
		return nil
	}
	targets := func(n int) error {
		if len(in.Targets) != n {
			return fmt.Errorf("%s takes %d targets, has %d", in.Op, n, len(in.Targets))
		}
		for _, t := range in.Targets {
			if t < 0 || t >= len(fn.Blocks) {
				return fmt.Errorf("%s target %d out of range", in.Op, t)
			}
		}
		return nil
	}
	hasResult := func(want bool) error {
		if (in.Dst != NoValue) != want {
			if want {
				return fmt.Errorf("%s has no result", in.Op)
			}
			return fmt.Errorf("%s cannot have a result", in.Op)
		}
		return nil
	}

	switch {
	case in.Op == OpNop:
		return errors.Join(nargs(0), hasResult(false))
	case in.Op == OpConst:
		return errors.Join(nargs(0), hasResult(true))
	case in.Op.IsBinary():
		return errors.Join(nargs(2), hasResult(true))
	case in.Op == OpCall:
		if err := errors.Join(nargs(0), hasResult(true)); err != nil {
			return err
		}
		if in.Callee == "" {
			return errors.New("call without callee")
		}
		if m != nil && m.Lookup(in.Callee) == nil {
			return fmt.Errorf("call to unknown function %s", in.Callee)
		}
	case in.Op == OpCallNative:
		if err := errors.Join(nargs(0), hasResult(true)); err != nil {
			return err
		}
		if in.Callee == "" {
			return errors.New("native call without symbol")
		}
	case in.Op == OpBr:
		return errors.Join(nargs(0), targets(1))
	case in.Op == OpCondBr:
		return errors.Join(nargs(1), targets(2))
	case in.Op == OpSwitch:
		if err := errors.Join(nargs(1), targets(len(in.Cases)+1)); err != nil {
			return err
		}
		seen := make(map[int64]bool, len(in.Cases))
		for _, c := range in.Cases {
			if seen[c] {
				return fmt.Errorf("duplicate switch case %d", c)
			}
			seen[c] = true
		}
	case in.Op == OpRet:
		if len(in.Args) > 1 {
			return fmt.Errorf("ret takes at most one operand")
		}
		return targets(0)
	case in.Op == OpUnreachable:
		return errors.Join(nargs(0), targets(0))
	default:
		return fmt.Errorf("unknown op %s", in.Op)
	}
	return nil
}
