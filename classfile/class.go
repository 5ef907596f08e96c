// Package classfile defines the compiled form of platform classes: the class
// and method model, the bytecode instruction set, a builder and reader for
// bytecode, and a canonical CBOR encoding used by platform archives.
package classfile

import (
	"fmt"
	"strconv"
	"strings"
)

// Well-known method names.
const (
	ConstructorName       = "<init>"
	StaticInitName        = "<clinit>"
	StaticInitializerName = "__staticInitializer__"
	ConstructorAliasName  = "__constructor__"
)

// ---------------------------------------------------------------------------
// Flags
// ---------------------------------------------------------------------------

// ClassFlags describe a class.
type ClassFlags uint16

const (
	ClassPublic ClassFlags = 1 << iota
	ClassFinal
	ClassInterface
	ClassAbstract
	ClassDoNotInstrument // never rewritten
	ClassInstrumented    // produced by the rewriter
)

// Has reports whether all bits in f are set.
func (c ClassFlags) Has(f ClassFlags) bool { return c&f == f }

// MethodFlags describe a method.
type MethodFlags uint16

const (
	MethodPublic MethodFlags = 1 << iota
	MethodProtected
	MethodPrivate
	MethodStatic
	MethodFinal
	MethodAbstract
	MethodNative
	MethodSynthetic
	MethodAlias // original body preserved by the rewriter
	MethodShim  // dispatch shim generated by the rewriter
)

// Has reports whether all bits in f are set.
func (m MethodFlags) Has(f MethodFlags) bool { return m&f == f }

// FieldFlags describe a field.
type FieldFlags uint8

const (
	FieldStatic FieldFlags = 1 << iota
	FieldFinal
)

// Has reports whether all bits in f are set.
func (f FieldFlags) Has(g FieldFlags) bool { return f&g == g }

// ---------------------------------------------------------------------------
// Literals
// ---------------------------------------------------------------------------

// LiteralKind tags a literal constant.
type LiteralKind uint8

const (
	LitNil LiteralKind = iota
	LitInt
	LitFloat
	LitString
	LitBool
)

// Literal is an entry in a method's constant pool.
type Literal struct {
	Kind  LiteralKind `cbor:"1,keyasint"`
	Int   int64       `cbor:"2,keyasint,omitempty"`
	Float float64     `cbor:"3,keyasint,omitempty"`
	Str   string      `cbor:"4,keyasint,omitempty"`
}

// Int returns an integer literal.
func Int(v int64) Literal { return Literal{Kind: LitInt, Int: v} }

// Float returns a float literal.
func Float(v float64) Literal { return Literal{Kind: LitFloat, Float: v} }

// String returns a string literal. Method refs and field refs are strings.
func String(s string) Literal { return Literal{Kind: LitString, Str: s} }

// Bool returns a boolean literal.
func Bool(b bool) Literal {
	if b {
		return Literal{Kind: LitBool, Int: 1}
	}
	return Literal{Kind: LitBool}
}

// Value returns the Go value of the literal.
func (l Literal) Value() any {
	switch l.Kind {
	case LitInt:
		return l.Int
	case LitFloat:
		return l.Float
	case LitString:
		return l.Str
	case LitBool:
		return l.Int != 0
	}
	return nil
}

func (l Literal) String() string {
	switch l.Kind {
	case LitString:
		return strconv.Quote(l.Str)
	case LitNil:
		return "nil"
	}
	return fmt.Sprint(l.Value())
}

// ---------------------------------------------------------------------------
// Members
// ---------------------------------------------------------------------------

// Field declares an instance or static field.
type Field struct {
	Name  string     `cbor:"1,keyasint"`
	Flags FieldFlags `cbor:"2,keyasint,omitempty"`
}

// Method is a compiled method. Arguments occupy locals 0..Arity-1.
type Method struct {
	Name      string      `cbor:"1,keyasint"`
	Arity     int         `cbor:"2,keyasint,omitempty"`
	Flags     MethodFlags `cbor:"3,keyasint,omitempty"`
	MaxLocals int         `cbor:"4,keyasint,omitempty"`
	Literals  []Literal   `cbor:"5,keyasint,omitempty"`
	Code      []byte      `cbor:"6,keyasint,omitempty"`
}

// Signature returns the dispatch signature of the method.
func (m *Method) Signature() Signature {
	return Signature{Name: m.Name, Arity: m.Arity}
}

// IsStatic reports whether the method has no receiver.
func (m *Method) IsStatic() bool { return m.Flags.Has(MethodStatic) }

// Clone returns a deep copy.
func (m *Method) Clone() *Method {
	cp := *m
	cp.Literals = append([]Literal(nil), m.Literals...)
	cp.Code = append([]byte(nil), m.Code...)
	return &cp
}

// Class is the compiled form of a platform class.
type Class struct {
	Name    string     `cbor:"1,keyasint"`
	Super   string     `cbor:"2,keyasint,omitempty"`
	Flags   ClassFlags `cbor:"3,keyasint,omitempty"`
	Fields  []Field    `cbor:"4,keyasint,omitempty"`
	Methods []*Method  `cbor:"5,keyasint,omitempty"`
}

// Package returns the package part of the dotted class name.
func (c *Class) Package() string {
	return PackageOf(c.Name)
}

// Method returns the method with the given signature, or nil.
func (c *Class) Method(sig Signature) *Method {
	for _, m := range c.Methods {
		if m.Name == sig.Name && m.Arity == sig.Arity {
			return m
		}
	}
	return nil
}

// Field returns the named field declaration.
func (c *Class) Field(name string) (Field, bool) {
	for _, f := range c.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Clone returns a deep copy of the class.
func (c *Class) Clone() *Class {
	cp := *c
	cp.Fields = append([]Field(nil), c.Fields...)
	cp.Methods = make([]*Method, len(c.Methods))
	for i, m := range c.Methods {
		cp.Methods[i] = m.Clone()
	}
	return &cp
}

// PackageOf returns everything before the last dot of a class name.
func PackageOf(className string) string {
	if i := strings.LastIndexByte(className, '.'); i >= 0 {
		return className[:i]
	}
	return ""
}

// ---------------------------------------------------------------------------
// Signatures and references
// ---------------------------------------------------------------------------

// Signature identifies a method within a class for dispatch purposes.
type Signature struct {
	Name  string
	Arity int
}

// String renders "name/arity".
func (s Signature) String() string {
	return s.Name + "/" + strconv.Itoa(s.Arity)
}

// ParseSignature parses "name/arity".
func ParseSignature(s string) (Signature, error) {
	i := strings.LastIndexByte(s, '/')
	if i <= 0 {
		return Signature{}, fmt.Errorf("classfile: malformed signature %q", s)
	}
	n, err := strconv.Atoi(s[i+1:])
	if err != nil || n < 0 {
		return Signature{}, fmt.Errorf("classfile: malformed signature %q", s)
	}
	return Signature{Name: s[:i], Arity: n}, nil
}

// Ref names a member of a class: "pkg.Class.member".
type Ref struct {
	Class  string
	Member string
}

// String renders the dotted reference.
func (r Ref) String() string {
	return r.Class + "." + r.Member
}

// ParseRef splits "pkg.Class.member" at the last dot.
func ParseRef(s string) (Ref, error) {
	i := strings.LastIndexByte(s, '.')
	if i <= 0 || i == len(s)-1 {
		return Ref{}, fmt.Errorf("classfile: malformed member reference %q", s)
	}
	return Ref{Class: s[:i], Member: s[i+1:]}, nil
}
