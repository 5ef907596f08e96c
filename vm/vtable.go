package vm

import "github.com/chazu/umbra/classfile"

// VTable holds the method dispatch table for a class.
//
// Methods are keyed by signature. Inheritance is handled by walking the
// parent chain when a method is not found locally, so a subclass only ever
// reaches a superclass method (and whatever that method dispatches to) when
// it does not declare the signature itself.
type VTable struct {
	class   *Class
	parent  *VTable
	methods map[classfile.Signature]*Method
}

// NewVTable creates a new vtable for a class.
func NewVTable(class *Class, parent *VTable) *VTable {
	return &VTable{
		class:   class,
		parent:  parent,
		methods: make(map[classfile.Signature]*Method),
	}
}

// Lookup finds a method by signature, walking the inheritance chain.
// Returns nil if no method is found.
func (vt *VTable) Lookup(sig classfile.Signature) *Method {
	for v := vt; v != nil; v = v.parent {
		if m, ok := v.methods[sig]; ok {
			return m
		}
	}
	return nil
}

// LookupLocal finds a method by signature in this vtable only.
func (vt *VTable) LookupLocal(sig classfile.Signature) *Method {
	return vt.methods[sig]
}

// AddMethod adds or replaces the method for its signature.
func (vt *VTable) AddMethod(m *Method) {
	vt.methods[m.Signature()] = m
}

// HasMethod returns true if this vtable (not parents) has a method for sig.
func (vt *VTable) HasMethod(sig classfile.Signature) bool {
	_, ok := vt.methods[sig]
	return ok
}

// Parent returns the parent vtable.
func (vt *VTable) Parent() *VTable {
	return vt.parent
}

// Class returns the class this vtable belongs to.
func (vt *VTable) Class() *Class {
	return vt.class
}

// MethodCount returns the number of local methods.
func (vt *VTable) MethodCount() int {
	return len(vt.methods)
}
