package vm

import (
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Runner: the process-wide execute entry point
// ---------------------------------------------------------------------------

// Runner executes a unit on an executor. Exactly one runner is active per
// process; it is swapped with SetRunner.
type Runner interface {
	Run(ex *Executor, unit *Unit)
}

type runnerSlot struct {
	r Runner
}

var activeRunner atomic.Pointer[runnerSlot]

func init() {
	activeRunner.Store(&runnerSlot{r: Interpreter{}})
}

// SetRunner installs r as the active runner and returns the previous one.
func SetRunner(r Runner) Runner {
	prev := activeRunner.Swap(&runnerSlot{r: r})
	return prev.r
}

// CurrentRunner returns the active runner.
func CurrentRunner() Runner {
	return activeRunner.Load().r
}

// Execute runs unit through the active runner.
func Execute(ex *Executor, unit *Unit) {
	CurrentRunner().Run(ex, unit)
}

// ---------------------------------------------------------------------------
// Interpreter: the dispatch loop
// ---------------------------------------------------------------------------

// Interpreter is the plain bytecode runner: one dispatch loop per entry,
// nested frames for inline calls.
type Interpreter struct{}

// Run executes unit until its entry frame returns.
func (Interpreter) Run(ex *Executor, unit *Unit) {
	saved := ex.InExecution
	ex.InExecution = true

	f := ex.PushFrame(unit, false)
	if ex.StartOp != nil {
		f.IP = *ex.StartOp
		ex.StartOp = nil
	}

	for {
		f := ex.CurrentFrame
		ins := &f.Unit.Ops[f.IP]
		if ins.Handler == nil {
			ex.fail("no handler for %s", ins.Opcode)
		}
		switch action := ins.Handler(ex); action {
		case ActionContinue, ActionLeave:
		case ActionReturn:
			ex.InExecution = saved
			return
		case ActionEnter:
			ex.PushFrame(ex.ActiveUnit, true)
		default:
			ex.fail("unexpected handler action %s", action)
		}
	}
}
