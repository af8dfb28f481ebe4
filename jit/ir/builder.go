package ir

// Builder appends instructions to a function, one block at a time.
type Builder struct {
	fn  *Function
	cur int
}

// NewBuilder returns a builder for fn positioned at no block.
func NewBuilder(fn *Function) *Builder {
	return &Builder{fn: fn, cur: -1}
}

// Function returns the function being built.
func (b *Builder) Function() *Function { return b.fn }

// NewBlock appends an empty block and returns its index.
func (b *Builder) NewBlock(name string) int {
	b.fn.Blocks = append(b.fn.Blocks, &Block{Name: name})
	return len(b.fn.Blocks) - 1
}

// SetBlock positions the builder at the end of block i.
func (b *Builder) SetBlock(i int) { b.cur = i }

// Block returns the index of the current block.
func (b *Builder) Block() int { return b.cur }

func (b *Builder) emit(in *Instr) *Instr {
	blk := b.fn.Blocks[b.cur]
	blk.Instrs = append(blk.Instrs, in)
	return in
}

func (b *Builder) value(in *Instr) Value {
	in.Dst = b.fn.NewValue()
	b.emit(in)
	return in.Dst
}

// Const emits an integer constant.
func (b *Builder) Const(k int64) Value {
	return b.value(&Instr{Op: OpConst, Imm: k})
}

// Binary emits a two-operand op.
func (b *Builder) Binary(op Op, x, y Value) Value {
	return b.value(&Instr{Op: op, Args: []Value{x, y}})
}

// Call emits a call of a module function.
func (b *Builder) Call(callee string) Value {
	return b.value(&Instr{Op: OpCall, Callee: callee})
}

// CallNative emits a call of a host symbol.
func (b *Builder) CallNative(symbol string) Value {
	return b.value(&Instr{Op: OpCallNative, Callee: symbol})
}

// Br emits an unconditional branch.
func (b *Builder) Br(target int) {
	b.emit(&Instr{Op: OpBr, Dst: NoValue, Targets: []int{target}})
}

// CondBr branches to then when cond is non-zero, else to els.
func (b *Builder) CondBr(cond Value, then, els int) {
	b.emit(&Instr{Op: OpCondBr, Dst: NoValue, Args: []Value{cond}, Targets: []int{then, els}})
}

// Switch branches on v; cases and targets are parallel.
func (b *Builder) Switch(v Value, def int, cases []int64, targets []int) {
	b.emit(&Instr{
		Op:      OpSwitch,
		Dst:     NoValue,
		Args:    []Value{v},
		Cases:   append([]int64(nil), cases...),
		Targets: append([]int{def}, targets...),
	})
}

// Ret returns v, or nothing when v is NoValue.
func (b *Builder) Ret(v Value) {
	in := &Instr{Op: OpRet, Dst: NoValue}
	if v != NoValue {
		in.Args = []Value{v}
	}
	b.emit(in)
}

// Unreachable marks the end of a block control never reaches.
func (b *Builder) Unreachable() {
	b.emit(&Instr{Op: OpUnreachable, Dst: NoValue})
}
