package vm

import "fmt"

// ---------------------------------------------------------------------------
// Stack: the executor's frame arena
// ---------------------------------------------------------------------------

// stackPageSize is the default number of slots in one page.
const stackPageSize = 256

// Slot is one cell of frame storage. CV slots use ref to point at the bound
// value cell; argument and temporary slots hold their value directly.
type Slot struct {
	ref *Value
	val Value
}

type stackRecord struct {
	page, start, n    int
	prevPage, prevTop int
}

// Stack is a paged slot arena. Windows are handed out in LIFO order and
// pages are never reallocated, so a window stays valid until it is freed.
type Stack struct {
	pages   [][]Slot
	page    int
	top     int
	records []stackRecord
	inUse   int
}

// NewStack creates a stack with one page.
func NewStack() *Stack {
	return &Stack{pages: [][]Slot{make([]Slot, stackPageSize)}}
}

// Alloc returns a zeroed window of n slots.
func (s *Stack) Alloc(n int) []Slot {
	rec := stackRecord{n: n, prevPage: s.page, prevTop: s.top}
	if s.top+n > len(s.pages[s.page]) {
		s.page++
		s.top = 0
		if s.page == len(s.pages) || len(s.pages[s.page]) < n {
			size := stackPageSize
			if n > size {
				size = n
			}
			if s.page == len(s.pages) {
				s.pages = append(s.pages, make([]Slot, size))
			} else {
				s.pages[s.page] = make([]Slot, size)
			}
		}
	}
	rec.page, rec.start = s.page, s.top
	s.top += n
	s.records = append(s.records, rec)
	s.inUse += n
	return s.pages[rec.page][rec.start : rec.start+n : rec.start+n]
}

// Free releases the most recently allocated window. Freeing anything else
// is an invariant violation and panics.
func (s *Stack) Free(w []Slot) {
	if len(s.records) == 0 {
		panic("vm: stack underflow")
	}
	rec := s.records[len(s.records)-1]
	if len(w) != rec.n || (rec.n > 0 && &w[0] != &s.pages[rec.page][rec.start]) {
		panic(fmt.Sprintf("vm: non-LIFO stack free (window of %d, top window of %d)", len(w), rec.n))
	}
	clear(w)
	s.records = s.records[:len(s.records)-1]
	s.page, s.top = rec.prevPage, rec.prevTop
	s.inUse -= rec.n
}

// Depth returns the number of live windows.
func (s *Stack) Depth() int { return len(s.records) }

// InUse returns the number of slots in live windows.
func (s *Stack) InUse() int { return s.inUse }

// Pages returns the number of pages allocated so far.
func (s *Stack) Pages() int { return len(s.pages) }
