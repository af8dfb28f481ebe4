package bridge

import (
	"github.com/chazu/stackjit/jit/engine"
	"github.com/chazu/stackjit/vm"
)

// Runtime helper symbols called from compiled units.
const (
	SymInit              = "rt_init"
	SymCreateFrame       = "rt_create_frame"
	SymPreEnter          = "rt_pre_enter"
	SymPreLeave          = "rt_pre_leave"
	SymPreReturn         = "rt_pre_return"
	SymOplineNumber      = "rt_opline_number"
	SymInvalidReposition = "rt_invalid_reposition"
	SymExecuteActive     = "rt_execute_active"
)

// Symbols lists every runtime helper symbol.
var Symbols = []string{
	SymInit,
	SymCreateFrame,
	SymPreEnter,
	SymPreLeave,
	SymPreReturn,
	SymOplineNumber,
	SymInvalidReposition,
	SymExecuteActive,
}

func state(c *engine.Context) *StackData {
	sd, ok := c.State.(*StackData)
	if !ok {
		panic("bridge: runtime helper called before " + SymInit)
	}
	return sd
}

// Natives returns the runtime helper implementations keyed by symbol.
func Natives() map[string]engine.Native {
	return map[string]engine.Native{
		SymInit: func(c *engine.Context) int64 {
			sd := &StackData{}
			c.State = sd
			Init(c.Ex, sd, c.Unit)
			return 0
		},
		SymCreateFrame: func(c *engine.Context) int64 {
			CreateFrame(c.Ex, state(c))
			return 0
		},
		SymPreEnter: func(c *engine.Context) int64 {
			PreEnter(c.Ex, state(c))
			return 0
		},
		SymPreLeave: func(c *engine.Context) int64 {
			PreLeave(c.Ex, state(c))
			return 0
		},
		SymPreReturn: func(c *engine.Context) int64 {
			PreReturn(c.Ex, state(c))
			return 0
		},
		SymOplineNumber: func(c *engine.Context) int64 {
			return int64(CurrentOpIndex(state(c)))
		},
		SymInvalidReposition: func(c *engine.Context) int64 {
			InvalidReposition(state(c))
			return 0
		},
		SymExecuteActive: func(c *engine.Context) int64 {
			vm.Execute(c.Ex, c.Ex.ActiveUnit)
			c.Ex.FinishCall()
			return 0
		},
	}
}
