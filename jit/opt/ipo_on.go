//go:build jitipo

package opt

// IPOEnabled reports whether compiled units run the interprocedural module
// pipeline before their local passes.
const IPOEnabled = true
