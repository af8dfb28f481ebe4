// Package vm implements the stackjit host interpreter.
//
// This package contains:
//   - Dynamic values, objects and classes
//   - Units (function bodies) in an integer address space
//   - The paged frame stack and frames with lazily bound locals
//   - The executor's shared state cells and the opcode handlers
//   - The process-wide Runner slot and the plain dispatch loop
package vm
