//go:build !jitipo

package opt

// IPOEnabled reports whether compiled units run the interprocedural module
// pipeline before their local passes. Build with -tags jitipo to enable it.
const IPOEnabled = false
