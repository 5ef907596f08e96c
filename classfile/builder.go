package classfile

import "encoding/binary"

// ---------------------------------------------------------------------------
// BytecodeBuilder: Helper for constructing bytecode
// ---------------------------------------------------------------------------

// BytecodeBuilder helps construct bytecode sequences together with their
// literal pool.
type BytecodeBuilder struct {
	bytes    []byte
	literals []Literal
	litIndex map[Literal]uint16
}

// NewBytecodeBuilder creates a new bytecode builder.
func NewBytecodeBuilder() *BytecodeBuilder {
	return &BytecodeBuilder{
		bytes:    make([]byte, 0, 64),
		litIndex: make(map[Literal]uint16),
	}
}

// Bytes returns the constructed bytecode.
func (b *BytecodeBuilder) Bytes() []byte {
	return b.bytes
}

// Literals returns the literal pool.
func (b *BytecodeBuilder) Literals() []Literal {
	return b.literals
}

// Len returns the current length.
func (b *BytecodeBuilder) Len() int {
	return len(b.bytes)
}

// Literal interns a literal and returns its pool index.
func (b *BytecodeBuilder) Literal(l Literal) uint16 {
	if idx, ok := b.litIndex[l]; ok {
		return idx
	}
	idx := uint16(len(b.literals))
	b.literals = append(b.literals, l)
	b.litIndex[l] = idx
	return idx
}

// Emit appends an opcode with no operands.
func (b *BytecodeBuilder) Emit(op Opcode) {
	b.bytes = append(b.bytes, byte(op))
}

// EmitByte appends an opcode with a single byte operand.
func (b *BytecodeBuilder) EmitByte(op Opcode, operand byte) {
	b.bytes = append(b.bytes, byte(op), operand)
}

// EmitInt8 appends PUSH_INT8.
func (b *BytecodeBuilder) EmitInt8(v int8) {
	b.bytes = append(b.bytes, byte(OpPushInt8), byte(v))
}

// EmitUint16 appends an opcode with a 16-bit operand (little-endian).
func (b *BytecodeBuilder) EmitUint16(op Opcode, operand uint16) {
	b.bytes = append(b.bytes, byte(op), byte(operand), byte(operand>>8))
}

// EmitLiteral appends PUSH_LITERAL for an interned literal.
func (b *BytecodeBuilder) EmitLiteral(l Literal) {
	b.EmitUint16(OpPushLiteral, b.Literal(l))
}

// EmitRef appends an opcode whose 16-bit operand names a string literal,
// e.g. GET_FIELD, GET_STATIC or NEW.
func (b *BytecodeBuilder) EmitRef(op Opcode, ref string) {
	b.EmitUint16(op, b.Literal(String(ref)))
}

// EmitInvoke appends an invocation of "Class.method" with argc arguments.
func (b *BytecodeBuilder) EmitInvoke(op Opcode, ref string, argc uint8) {
	idx := b.Literal(String(ref))
	b.bytes = append(b.bytes, byte(op), byte(idx), byte(idx>>8), argc)
}

// EmitDispatch appends a DISPATCH instruction.
func (b *BytecodeBuilder) EmitDispatch(sig Signature, alias string) {
	s := b.Literal(String(sig.String()))
	a := b.Literal(String(alias))
	b.bytes = append(b.bytes, byte(OpDispatch), byte(s), byte(s>>8), byte(a), byte(a>>8))
}

// ---------------------------------------------------------------------------
// Label management for jumps
// ---------------------------------------------------------------------------

// Label represents a forward reference in bytecode.
type Label struct {
	resolved bool
	position int
	refs     []int
}

// NewLabel creates an unresolved label.
func (b *BytecodeBuilder) NewLabel() *Label {
	return &Label{refs: make([]int, 0, 2)}
}

// Mark resolves a label to the current position.
func (b *BytecodeBuilder) Mark(label *Label) {
	if label.resolved {
		panic("label already resolved")
	}
	label.resolved = true
	label.position = len(b.bytes)

	for _, ref := range label.refs {
		offset := label.position - (ref + 2)
		binary.LittleEndian.PutUint16(b.bytes[ref:], uint16(int16(offset)))
	}
	label.refs = nil
}

// EmitJump emits a jump instruction with a label.
func (b *BytecodeBuilder) EmitJump(op Opcode, label *Label) {
	b.bytes = append(b.bytes, byte(op))
	if label.resolved {
		offset := label.position - (len(b.bytes) + 2)
		b.bytes = append(b.bytes, byte(offset), byte(offset>>8))
	} else {
		label.refs = append(label.refs, len(b.bytes))
		b.bytes = append(b.bytes, 0, 0)
	}
}

// ---------------------------------------------------------------------------
// MethodBuilder / ClassBuilder
// ---------------------------------------------------------------------------

// MethodBuilder assembles a Method.
type MethodBuilder struct {
	*BytecodeBuilder
	method Method
}

// NewMethod starts a method definition.
func NewMethod(name string, arity int, flags MethodFlags) *MethodBuilder {
	return &MethodBuilder{
		BytecodeBuilder: NewBytecodeBuilder(),
		method:          Method{Name: name, Arity: arity, Flags: flags, MaxLocals: arity},
	}
}

// Locals sets the number of local slots (arguments included).
func (mb *MethodBuilder) Locals(n int) *MethodBuilder {
	if n > mb.method.MaxLocals {
		mb.method.MaxLocals = n
	}
	return mb
}

// Build returns the finished method.
func (mb *MethodBuilder) Build() *Method {
	m := mb.method
	m.Code = append([]byte(nil), mb.bytes...)
	m.Literals = append([]Literal(nil), mb.literals...)
	return &m
}

// ClassBuilder assembles a Class.
type ClassBuilder struct {
	class Class
}

// NewClass starts a class definition.
func NewClass(name, super string, flags ClassFlags) *ClassBuilder {
	return &ClassBuilder{class: Class{Name: name, Super: super, Flags: flags}}
}

// Field declares an instance field.
func (cb *ClassBuilder) Field(name string) *ClassBuilder {
	cb.class.Fields = append(cb.class.Fields, Field{Name: name})
	return cb
}

// StaticField declares a static field.
func (cb *ClassBuilder) StaticField(name string) *ClassBuilder {
	cb.class.Fields = append(cb.class.Fields, Field{Name: name, Flags: FieldStatic})
	return cb
}

// Method adds a built method.
func (cb *ClassBuilder) Method(m *Method) *ClassBuilder {
	cb.class.Methods = append(cb.class.Methods, m)
	return cb
}

// Build returns the finished class.
func (cb *ClassBuilder) Build() *Class {
	c := cb.class
	return c.Clone()
}
