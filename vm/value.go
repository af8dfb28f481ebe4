package vm

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Value: dynamic values
// ---------------------------------------------------------------------------

// Value is a dynamically typed value. The concrete type is one of nil,
// int64, float64, bool, string or *Object.
type Value interface{}

// TypeName returns a short name for the dynamic type of v.
func TypeName(v Value) string {
	switch v.(type) {
	case nil:
		return "null"
	case int64:
		return "int"
	case float64:
		return "float"
	case bool:
		return "bool"
	case string:
		return "string"
	case *Object:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// ToBool converts v to a boolean using the usual loose rules.
func ToBool(v Value) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case int64:
		return x != 0
	case float64:
		return x != 0
	case string:
		return x != "" && x != "0"
	case *Object:
		return true
	}
	return false
}

// ToInt converts v to an integer.
func ToInt(v Value) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case float64:
		return int64(x)
	case bool:
		if x {
			return 1
		}
		return 0
	case string:
		n, _ := parseNumber(x)
		return ToInt(n)
	case *Object:
		return 1
	}
	return 0
}

// ToFloat converts v to a float.
func ToFloat(v Value) float64 {
	switch x := v.(type) {
	case int64:
		return float64(x)
	case float64:
		return x
	case string:
		n, _ := parseNumber(x)
		return ToFloat(n)
	}
	return float64(ToInt(v))
}

// ToString converts v to its printed form.
func ToString(v Value) string {
	switch x := v.(type) {
	case nil:
		return ""
	case bool:
		if x {
			return "1"
		}
		return ""
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'g', -1, 64)
	case string:
		return x
	case *Object:
		return x.Class.Name
	}
	return fmt.Sprint(v)
}

// Repr renders v as an assembler literal.
func Repr(v Value) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(x)
	case float64:
		s := strconv.FormatFloat(x, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		return s
	case string:
		return strconv.Quote(x)
	case *Object:
		return "<" + x.Class.Name + ">"
	}
	return ToString(v)
}

// parseNumber reads a leading numeric prefix of s.
func parseNumber(s string) (Value, bool) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, true
	}
	return int64(0), false
}

// toNumber converts v for arithmetic, keeping integers exact.
func toNumber(v Value) Value {
	switch x := v.(type) {
	case int64, float64:
		return x
	case string:
		n, _ := parseNumber(x)
		return n
	}
	return ToInt(v)
}

// ---------------------------------------------------------------------------
// Arithmetic and comparison
// ---------------------------------------------------------------------------

func arith(a, b Value, ints func(x, y int64) int64, floats func(x, y float64) float64) Value {
	a, b = toNumber(a), toNumber(b)
	x, xok := a.(int64)
	y, yok := b.(int64)
	if xok && yok {
		return ints(x, y)
	}
	return floats(ToFloat(a), ToFloat(b))
}

// Add returns a + b.
func Add(a, b Value) Value {
	return arith(a, b, func(x, y int64) int64 { return x + y }, func(x, y float64) float64 { return x + y })
}

// Sub returns a - b.
func Sub(a, b Value) Value {
	return arith(a, b, func(x, y int64) int64 { return x - y }, func(x, y float64) float64 { return x - y })
}

// Mul returns a * b.
func Mul(a, b Value) Value {
	return arith(a, b, func(x, y int64) int64 { return x * y }, func(x, y float64) float64 { return x * y })
}

// Div returns a / b. The second result is false on division by zero.
// Integer division that does not come out even yields a float.
func Div(a, b Value) (Value, bool) {
	a, b = toNumber(a), toNumber(b)
	if ToFloat(b) == 0 {
		return false, false
	}
	x, xok := a.(int64)
	y, yok := b.(int64)
	if xok && yok && x%y == 0 {
		return x / y, true
	}
	return ToFloat(a) / ToFloat(b), true
}

// Mod returns a % b on integers. The second result is false on modulo by zero.
func Mod(a, b Value) (Value, bool) {
	y := ToInt(b)
	if y == 0 {
		return false, false
	}
	return ToInt(a) % y, true
}

// Concat returns the string concatenation of a and b.
func Concat(a, b Value) Value {
	return ToString(a) + ToString(b)
}

// Equal reports loose equality.
func Equal(a, b Value) bool {
	switch x := a.(type) {
	case nil:
		return !ToBool(b)
	case bool:
		return x == ToBool(b)
	case string:
		if y, ok := b.(string); ok {
			return x == y
		}
	case *Object:
		y, ok := b.(*Object)
		return ok && x == y
	}
	switch b.(type) {
	case nil, bool:
		return Equal(b, a)
	case *Object:
		return false
	}
	return ToFloat(toNumber(a)) == ToFloat(toNumber(b))
}

// Less reports whether a < b.
func Less(a, b Value) bool {
	if x, ok := a.(string); ok {
		if y, ok := b.(string); ok {
			return x < y
		}
	}
	return ToFloat(toNumber(a)) < ToFloat(toNumber(b))
}

// ---------------------------------------------------------------------------
// Objects and classes
// ---------------------------------------------------------------------------

// Class is a named set of methods. Methods are units whose Scope is the
// class name.
type Class struct {
	Name    string
	Methods map[string]*Unit
}

// NewClass creates an empty class.
func NewClass(name string) *Class {
	return &Class{Name: name, Methods: make(map[string]*Unit)}
}

// AddMethod registers a method unit on the class.
func (c *Class) AddMethod(u *Unit) {
	u.Scope = c.Name
	c.Methods[strings.ToLower(u.Name)] = u
}

// Method looks up a method by name, case-insensitively.
func (c *Class) Method(name string) (*Unit, bool) {
	u, ok := c.Methods[strings.ToLower(name)]
	return u, ok
}

// Object is an instance of a class with an explicit reference count. Only
// receiver binding in frames touches the count.
type Object struct {
	Class *Class
	props map[string]Value
	refs  atomic.Int32
}

// NewObject creates an instance holding one reference.
func NewObject(c *Class) *Object {
	o := &Object{Class: c, props: make(map[string]Value)}
	o.refs.Store(1)
	return o
}

// AddRef increments the reference count.
func (o *Object) AddRef() { o.refs.Add(1) }

// DelRef decrements the reference count and returns the new value.
func (o *Object) DelRef() int32 { return o.refs.Add(-1) }

// RefCount returns the current reference count.
func (o *Object) RefCount() int32 { return o.refs.Load() }

// Get reads a property; missing properties read as null.
func (o *Object) Get(name string) Value { return o.props[name] }

// Set writes a property.
func (o *Object) Set(name string, v Value) { o.props[name] = v }

// PropertyNames returns the property names in sorted order.
func (o *Object) PropertyNames() []string {
	names := make([]string, 0, len(o.props))
	for n := range o.props {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
