package vm

import "sort"

// SymbolTable maps variable names to value cells. Top-level code binds its
// compiled variables here instead of in frame slots.
type SymbolTable struct {
	cells map[string]*Value
}

// NewSymbolTable creates an empty symbol table.
func NewSymbolTable() *SymbolTable {
	return &SymbolTable{cells: make(map[string]*Value)}
}

// Add inserts name with value v and returns its cell. It fails, leaving the
// table unchanged, when name already exists.
func (s *SymbolTable) Add(name string, v Value) (*Value, bool) {
	if _, exists := s.cells[name]; exists {
		return nil, false
	}
	cell := new(Value)
	*cell = v
	s.cells[name] = cell
	return cell, true
}

// Lookup returns the cell for name.
func (s *SymbolTable) Lookup(name string) (*Value, bool) {
	cell, ok := s.cells[name]
	return cell, ok
}

// Cell returns the cell for name, inserting a null cell when absent.
func (s *SymbolTable) Cell(name string) *Value {
	if cell, ok := s.cells[name]; ok {
		return cell
	}
	cell := new(Value)
	s.cells[name] = cell
	return cell
}

// Set assigns v to name.
func (s *SymbolTable) Set(name string, v Value) {
	*s.Cell(name) = v
}

// Get returns the value of name, or null.
func (s *SymbolTable) Get(name string) Value {
	if cell, ok := s.cells[name]; ok {
		return *cell
	}
	return nil
}

// Len returns the number of entries.
func (s *SymbolTable) Len() int { return len(s.cells) }

// Names returns the entry names in sorted order.
func (s *SymbolTable) Names() []string {
	names := make([]string, 0, len(s.cells))
	for n := range s.cells {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
