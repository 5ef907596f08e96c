// Package vm executes compiled platform classes.
//
// This package contains:
//   - Universe: an isolated class loader with its own static arena
//   - VTable-based method dispatch with parent-chain lookup
//   - Bytecode interpreter
//   - SideTable: weak association from real objects to shadow state
//   - FieldAccessor: per-field read/write capability
//   - Handler: the hook consulted by instrumented shims
package vm
