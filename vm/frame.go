package vm

// ---------------------------------------------------------------------------
// Frame: execution state of one unit invocation
// ---------------------------------------------------------------------------

// Frame is the per-invocation record shared by interpreted and compiled
// code. Its slots live on the executor's Stack.
//
// Slot layout: NumLocals CV slots, then (without a symbol table) NumLocals
// argument slots backing unbound CVs, then NumTemps temporaries.
type Frame struct {
	Unit        *Unit
	IP          int    // index of the current instruction
	Prev        *Frame // caller frame
	Nested      bool   // pushed by a running dispatch loop rather than a fresh entry
	SymbolTable *SymbolTable
	This        *Object // receiver whose reference this frame holds

	slots []Slot
}

// FrameSize returns the number of slots a frame for u needs.
func FrameSize(u *Unit, withSymbolTable bool) int {
	factor := 2
	if withSymbolTable {
		factor = 1
	}
	return u.NumLocals*factor + u.NumTemps
}

// NewFrame wraps a window obtained from Stack.Alloc. The window must hold
// FrameSize(u, symtab != nil) slots.
func NewFrame(u *Unit, slots []Slot, symtab *SymbolTable) *Frame {
	if len(slots) != FrameSize(u, symtab != nil) {
		panic("vm: frame window has the wrong size")
	}
	return &Frame{Unit: u, SymbolTable: symtab, slots: slots}
}

// Slots returns the frame's slot window.
func (f *Frame) Slots() []Slot { return f.slots }

// Size returns the number of slots.
func (f *Frame) Size() int { return len(f.slots) }

// NumCVs returns the number of compiled variables.
func (f *Frame) NumCVs() int { return f.Unit.NumLocals }

// NumTemps returns the number of temporaries.
func (f *Frame) NumTemps() int { return f.Unit.NumTemps }

// Current returns the instruction at IP.
func (f *Frame) Current() *Instruction { return &f.Unit.Ops[f.IP] }

// Bound reports whether CV i is bound to a cell.
func (f *Frame) Bound(i int) bool { return f.slots[i].ref != nil }

// BindCV binds CV i to cell; a nil cell unbinds it.
func (f *Frame) BindCV(i int, cell *Value) { f.slots[i].ref = cell }

// ArgCell returns the reserved slot backing CV i when no symbol table is
// active. It returns nil for frames with a symbol table.
func (f *Frame) ArgCell(i int) *Value {
	if f.SymbolTable != nil {
		return nil
	}
	return &f.slots[f.Unit.NumLocals+i].val
}

// CV returns the cell of compiled variable i, binding it on first use to
// the symbol table entry of the same name or to its argument slot.
func (f *Frame) CV(i int) *Value {
	if cell := f.slots[i].ref; cell != nil {
		return cell
	}
	var cell *Value
	if f.SymbolTable != nil {
		cell = f.SymbolTable.Cell(f.Unit.LocalNames[i])
	} else {
		cell = f.ArgCell(i)
	}
	f.slots[i].ref = cell
	return cell
}

// Temp returns the cell of temporary i.
func (f *Frame) Temp(i int) *Value {
	base := f.Unit.NumLocals
	if f.SymbolTable == nil {
		base *= 2
	}
	return &f.slots[base+i].val
}

// Depth returns the number of frames from f to the outermost frame.
func (f *Frame) Depth() int {
	n := 0
	for ; f != nil; f = f.Prev {
		n++
	}
	return n
}
