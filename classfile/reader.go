package classfile

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// BytecodeReader: Helper for reading bytecode
// ---------------------------------------------------------------------------

// BytecodeReader reads bytecode for interpretation or disassembly.
type BytecodeReader struct {
	bytes []byte
	pos   int
}

// NewBytecodeReader creates a reader for bytecode.
func NewBytecodeReader(bc []byte) *BytecodeReader {
	return &BytecodeReader{bytes: bc}
}

// Position returns the current read position.
func (r *BytecodeReader) Position() int {
	return r.pos
}

// HasMore returns true if there are more bytes to read.
func (r *BytecodeReader) HasMore() bool {
	return r.pos < len(r.bytes)
}

// ReadOpcode reads and returns the next opcode.
func (r *BytecodeReader) ReadOpcode() Opcode {
	return Opcode(r.ReadByte())
}

// ReadByte reads a single byte operand.
func (r *BytecodeReader) ReadByte() byte {
	if r.pos >= len(r.bytes) {
		panic("bytecode underflow")
	}
	b := r.bytes[r.pos]
	r.pos++
	return b
}

// ReadInt8 reads a signed 8-bit operand.
func (r *BytecodeReader) ReadInt8() int8 {
	return int8(r.ReadByte())
}

// ReadUint16 reads a 16-bit operand (little-endian).
func (r *BytecodeReader) ReadUint16() uint16 {
	if r.pos+2 > len(r.bytes) {
		panic("bytecode underflow")
	}
	v := binary.LittleEndian.Uint16(r.bytes[r.pos:])
	r.pos += 2
	return v
}

// ReadInt16 reads a signed 16-bit operand (little-endian).
func (r *BytecodeReader) ReadInt16() int16 {
	return int16(r.ReadUint16())
}

// Seek sets the read position.
func (r *BytecodeReader) Seek(pos int) {
	r.pos = pos
}

// ---------------------------------------------------------------------------
// Instruction decoding
// ---------------------------------------------------------------------------

// Instruction is one decoded instruction.
type Instruction struct {
	Pos      int
	Op       Opcode
	Operands []byte // aliases the method's code
}

// Uint16 returns the 16-bit operand at byte offset off.
func (in Instruction) Uint16(off int) uint16 {
	return binary.LittleEndian.Uint16(in.Operands[off:])
}

// DecodeInstructions splits code into instructions. It fails on unknown opcodes and
// truncated operands, which makes it the validity check for method bodies.
func DecodeInstructions(code []byte) ([]Instruction, error) {
	var out []Instruction
	for pos := 0; pos < len(code); {
		op := Opcode(code[pos])
		if !op.Valid() {
			return nil, fmt.Errorf("classfile: unknown opcode 0x%02X at %d", byte(op), pos)
		}
		n := op.Info().OperandBytes
		if pos+1+n > len(code) {
			return nil, fmt.Errorf("classfile: truncated %s at %d", op, pos)
		}
		out = append(out, Instruction{Pos: pos, Op: op, Operands: code[pos+1 : pos+1+n]})
		pos += 1 + n
	}
	return out, nil
}

// Verify checks that every literal operand of m refers into its literal pool
// and that every jump lands on an instruction boundary.
func Verify(m *Method) error {
	ins, err := DecodeInstructions(m.Code)
	if err != nil {
		return fmt.Errorf("%s: %w", m.Signature(), err)
	}
	starts := make(map[int]bool, len(ins)+1)
	for _, in := range ins {
		starts[in.Pos] = true
	}
	starts[len(m.Code)] = true

	for _, in := range ins {
		switch {
		case in.Op == OpPushLiteral || in.Op == OpNew || in.Op.IsInvoke() ||
			(in.Op >= OpGetField && in.Op <= OpArenaPut):
			if int(in.Uint16(0)) >= len(m.Literals) {
				return fmt.Errorf("%s: literal %d out of range at %d", m.Signature(), in.Uint16(0), in.Pos)
			}
		case in.Op == OpDispatch:
			if int(in.Uint16(0)) >= len(m.Literals) || int(in.Uint16(2)) >= len(m.Literals) {
				return fmt.Errorf("%s: dispatch literal out of range at %d", m.Signature(), in.Pos)
			}
		case in.Op == OpJump || in.Op == OpJumpTrue || in.Op == OpJumpFalse:
			target := in.Pos + 3 + int(int16(in.Uint16(0)))
			if !starts[target] {
				return fmt.Errorf("%s: jump to %d is not an instruction boundary", m.Signature(), target)
			}
		case in.Op == OpLoadLocal || in.Op == OpStoreLocal:
			if int(in.Operands[0]) >= max(m.MaxLocals, m.Arity) {
				return fmt.Errorf("%s: local %d out of range at %d", m.Signature(), in.Operands[0], in.Pos)
			}
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// DisassembleInstruction disassembles a single instruction at the reader's
// position. Literal operands are resolved against lits when it is non-nil.
func DisassembleInstruction(r *BytecodeReader, lits []Literal) string {
	pos := r.Position()
	op := r.ReadOpcode()
	info := op.Info()

	lit := func(idx uint16) string {
		if int(idx) < len(lits) {
			return lits[idx].String()
		}
		return fmt.Sprintf("#%d", idx)
	}

	switch op {
	case OpPushInt8:
		return fmt.Sprintf("%04d  %s %d", pos, info.Name, r.ReadInt8())

	case OpLoadLocal, OpStoreLocal:
		return fmt.Sprintf("%04d  %s %d", pos, info.Name, r.ReadByte())

	case OpPushLiteral, OpGetField, OpPutField, OpGetStatic, OpPutStatic,
		OpArenaGet, OpArenaPut, OpNew:
		return fmt.Sprintf("%04d  %s %s", pos, info.Name, lit(r.ReadUint16()))

	case OpJump, OpJumpTrue, OpJumpFalse:
		offset := r.ReadInt16()
		target := r.Position() + int(offset)
		return fmt.Sprintf("%04d  %s %d (-> %04d)", pos, info.Name, offset, target)

	case OpInvokeVirtual, OpInvokeStatic, OpInvokeSpecial,
		OpInvokeIntercepted, OpInvokeInterceptedStatic:
		ref := r.ReadUint16()
		argc := r.ReadByte()
		return fmt.Sprintf("%04d  %s %s argc=%d", pos, info.Name, lit(ref), argc)

	case OpDispatch:
		sig := r.ReadUint16()
		alias := r.ReadUint16()
		return fmt.Sprintf("%04d  %s %s -> %s", pos, info.Name, lit(sig), lit(alias))

	default:
		r.Seek(r.Position() + info.OperandBytes)
		return fmt.Sprintf("%04d  %s", pos, info.Name)
	}
}

// Disassemble returns a full disassembly of bytecode without literal names.
func Disassemble(bc []byte) string {
	return disassemble(bc, nil)
}

func disassemble(bc []byte, lits []Literal) string {
	r := NewBytecodeReader(bc)
	var lines []string
	for r.HasMore() {
		lines = append(lines, DisassembleInstruction(r, lits))
	}
	return strings.Join(lines, "\n")
}

// DisassembleClass renders every method of a class in declaration order.
func DisassembleClass(c *Class) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "class %s", c.Name)
	if c.Super != "" {
		fmt.Fprintf(&sb, " extends %s", c.Super)
	}
	sb.WriteString("\n")
	for _, f := range c.Fields {
		if f.Flags.Has(FieldStatic) {
			fmt.Fprintf(&sb, "  static field %s\n", f.Name)
		} else {
			fmt.Fprintf(&sb, "  field %s\n", f.Name)
		}
	}
	for _, m := range c.Methods {
		fmt.Fprintf(&sb, "\n  method %s%s\n", m.Signature(), methodFlagSuffix(m.Flags))
		if len(m.Code) == 0 {
			continue
		}
		for _, line := range strings.Split(disassemble(m.Code, m.Literals), "\n") {
			sb.WriteString("    ")
			sb.WriteString(line)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func methodFlagSuffix(f MethodFlags) string {
	var tags []string
	for _, t := range []struct {
		flag MethodFlags
		name string
	}{
		{MethodStatic, "static"},
		{MethodNative, "native"},
		{MethodAbstract, "abstract"},
		{MethodAlias, "alias"},
		{MethodShim, "shim"},
	} {
		if f.Has(t.flag) {
			tags = append(tags, t.name)
		}
	}
	if len(tags) == 0 {
		return ""
	}
	return " [" + strings.Join(tags, " ") + "]"
}
