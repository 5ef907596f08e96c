package vm

import (
	"github.com/chazu/umbra/classfile"
)

// initState tracks static initialization of a class within its universe.
type initState uint8

const (
	uninitialized initState = iota
	initializing
	initialized
	initFailed
)

// Class is a class linked into a universe.
type Class struct {
	Name  string
	Super *Class

	def      *classfile.Class
	universe *Universe
	vtable   *VTable

	fieldNames []string // instance fields, superclass first
	fieldIndex map[string]int
	statics    map[string]bool

	state initState
}

// Method is a method of a linked class.
type Method struct {
	class *Class
	def   *classfile.Method
}

// Class returns the declaring class.
func (m *Method) Class() *Class { return m.class }

// Name returns the method name as declared.
func (m *Method) Name() string { return m.def.Name }

// Signature returns the dispatch signature.
func (m *Method) Signature() classfile.Signature { return m.def.Signature() }

// IsStatic reports whether the method has no receiver.
func (m *Method) IsStatic() bool { return m.def.IsStatic() }

// Def returns the compiled method.
func (m *Method) Def() *classfile.Method { return m.def }

func (m *Method) String() string {
	return m.class.Name + "." + m.def.Name
}

// Universe returns the universe that loaded the class.
func (c *Class) Universe() *Universe { return c.universe }

// Def returns the compiled class the universe linked.
func (c *Class) Def() *classfile.Class { return c.def }

// VTable returns the class's dispatch table.
func (c *Class) VTable() *VTable { return c.vtable }

// Instrumented reports whether the linked class was produced by the rewriter.
func (c *Class) Instrumented() bool {
	return c.def.Flags.Has(classfile.ClassInstrumented)
}

// Initialized reports whether the class's static initializer has run.
func (c *Class) Initialized() bool { return c.state == initialized }

// Fields returns the instance field names in slot order.
func (c *Class) Fields() []string {
	return append([]string(nil), c.fieldNames...)
}

// HasStatic reports whether the class declares the static field.
func (c *Class) HasStatic(name string) bool { return c.statics[name] }

// Lookup finds a method by signature along the superclass chain.
func (c *Class) Lookup(sig classfile.Signature) *Method {
	return c.vtable.Lookup(sig)
}

// IsSubclassOf reports whether c is name or inherits from it.
func (c *Class) IsSubclassOf(name string) bool {
	for k := c; k != nil; k = k.Super {
		if k.Name == name {
			return true
		}
	}
	return false
}

func (c *Class) String() string { return c.Name }

// link builds the runtime form of def on top of super.
func link(u *Universe, def *classfile.Class, super *Class) *Class {
	c := &Class{
		Name:       def.Name,
		Super:      super,
		def:        def,
		universe:   u,
		fieldIndex: make(map[string]int),
		statics:    make(map[string]bool),
	}
	var parent *VTable
	if super != nil {
		parent = super.vtable
		c.fieldNames = append(c.fieldNames, super.fieldNames...)
	}
	for _, f := range def.Fields {
		if f.Flags.Has(classfile.FieldStatic) {
			c.statics[f.Name] = true
			continue
		}
		c.fieldNames = append(c.fieldNames, f.Name)
	}
	for i, name := range c.fieldNames {
		c.fieldIndex[name] = i
	}
	c.vtable = NewVTable(c, parent)
	for _, m := range def.Methods {
		c.vtable.AddMethod(&Method{class: c, def: m})
	}
	return c
}
