package vm

import (
	"strings"
	"unicode/utf8"
)

// Builtin is a function implemented by the host rather than by a unit.
type Builtin func(args []Value) Value

var builtins = map[string]Builtin{
	"strlen": func(args []Value) Value {
		return int64(len(ToString(arg(args, 0))))
	},
	"mb_strlen": func(args []Value) Value {
		return int64(utf8.RuneCountInString(ToString(arg(args, 0))))
	},
	"strtoupper": func(args []Value) Value {
		return strings.ToUpper(ToString(arg(args, 0)))
	},
	"strtolower": func(args []Value) Value {
		return strings.ToLower(ToString(arg(args, 0)))
	},
	"abs": func(args []Value) Value {
		switch x := toNumber(arg(args, 0)).(type) {
		case int64:
			if x < 0 {
				return -x
			}
			return x
		case float64:
			if x < 0 {
				return -x
			}
			return x
		}
		return int64(0)
	},
	"count_args": func(args []Value) Value {
		return int64(len(args))
	},
}

func arg(args []Value, i int) Value {
	if i < len(args) {
		return args[i]
	}
	return nil
}

// LookupBuiltin finds a builtin function by name.
func LookupBuiltin(name string) (Builtin, bool) {
	b, ok := builtins[strings.ToLower(name)]
	return b, ok
}
