package classfile

import "fmt"

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction.
type Opcode byte

// Stack Operations
const (
	OpNOP  Opcode = 0x00 // no operation
	OpPOP  Opcode = 0x01 // discard top of stack
	OpDUP  Opcode = 0x02 // duplicate top of stack
	OpSWAP Opcode = 0x03 // swap the two topmost values
)

// Push Constants
const (
	OpPushNil     Opcode = 0x10 // push nil
	OpPushTrue    Opcode = 0x11 // push true
	OpPushFalse   Opcode = 0x12 // push false
	OpPushSelf    Opcode = 0x13 // push receiver
	OpPushInt8    Opcode = 0x14 // push 8-bit signed integer
	OpPushLiteral Opcode = 0x16 // push literal (16-bit index)
)

// Variable Operations
const (
	OpLoadLocal  Opcode = 0x20 // push argument/local (8-bit index)
	OpStoreLocal Opcode = 0x21 // pop into argument/local (8-bit index)
	OpGetField   Opcode = 0x28 // pop object, push field (16-bit name literal)
	OpPutField   Opcode = 0x29 // pop value, pop object, store field (16-bit name literal)
	OpGetStatic  Opcode = 0x2A // push static field (16-bit "Class.field" literal)
	OpPutStatic  Opcode = 0x2B // pop into static field (16-bit "Class.field" literal)
	OpArenaGet   Opcode = 0x2C // push static slot from the universe arena
	OpArenaPut   Opcode = 0x2D // pop into static slot of the universe arena
)

// Invocations. The 16-bit operand names a "Class.method" literal, the 8-bit
// operand is the argument count (receiver excluded).
const (
	OpInvokeVirtual           Opcode = 0x30 // virtual call on receiver
	OpInvokeStatic            Opcode = 0x31 // static call
	OpInvokeSpecial           Opcode = 0x32 // non-virtual call on receiver (super, constructors)
	OpInvokeIntercepted       Opcode = 0x33 // receiver call routed to an interceptor
	OpInvokeInterceptedStatic Opcode = 0x34 // static call routed to an interceptor
)

// Object Creation
const (
	OpNew Opcode = 0x40 // allocate instance (16-bit class literal)
)

// Arithmetic and comparison (operate on the two topmost values)
const (
	OpAdd    Opcode = 0x50
	OpSub    Opcode = 0x51
	OpMul    Opcode = 0x52
	OpDiv    Opcode = 0x53
	OpLT     Opcode = 0x54
	OpGT     Opcode = 0x55
	OpEQ     Opcode = 0x56
	OpNot    Opcode = 0x57 // unary
	OpConcat Opcode = 0x58 // string concatenation
)

// Control Flow. Offsets are signed 16-bit, relative to the end of the operand.
const (
	OpJump      Opcode = 0x60
	OpJumpTrue  Opcode = 0x61
	OpJumpFalse Opcode = 0x62
)

// Returns and exceptions
const (
	OpReturn    Opcode = 0x70 // return top of stack
	OpReturnNil Opcode = 0x71 // return nil
	OpThrow     Opcode = 0x78 // pop value and raise it
)

// Instrumentation. Only the rewriter emits these.
const (
	OpDispatch   Opcode = 0x80 // consult handler (16-bit signature literal, 16-bit alias literal)
	OpClassInit  Opcode = 0x81 // notify handler that the class is initializing
	OpShadowInit Opcode = 0x82 // associate shadow state with the receiver
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name         string // human-readable name
	OperandBytes int    // number of operand bytes
}

var opcodeTable = map[Opcode]OpcodeInfo{
	OpNOP:  {"NOP", 0},
	OpPOP:  {"POP", 0},
	OpDUP:  {"DUP", 0},
	OpSWAP: {"SWAP", 0},

	OpPushNil:     {"PUSH_NIL", 0},
	OpPushTrue:    {"PUSH_TRUE", 0},
	OpPushFalse:   {"PUSH_FALSE", 0},
	OpPushSelf:    {"PUSH_SELF", 0},
	OpPushInt8:    {"PUSH_INT8", 1},
	OpPushLiteral: {"PUSH_LITERAL", 2},

	OpLoadLocal:  {"LOAD_LOCAL", 1},
	OpStoreLocal: {"STORE_LOCAL", 1},
	OpGetField:   {"GET_FIELD", 2},
	OpPutField:   {"PUT_FIELD", 2},
	OpGetStatic:  {"GET_STATIC", 2},
	OpPutStatic:  {"PUT_STATIC", 2},
	OpArenaGet:   {"ARENA_GET", 2},
	OpArenaPut:   {"ARENA_PUT", 2},

	OpInvokeVirtual:           {"INVOKE_VIRTUAL", 3},
	OpInvokeStatic:            {"INVOKE_STATIC", 3},
	OpInvokeSpecial:           {"INVOKE_SPECIAL", 3},
	OpInvokeIntercepted:       {"INVOKE_INTERCEPTED", 3},
	OpInvokeInterceptedStatic: {"INVOKE_INTERCEPTED_STATIC", 3},

	OpNew: {"NEW", 2},

	OpAdd:    {"ADD", 0},
	OpSub:    {"SUB", 0},
	OpMul:    {"MUL", 0},
	OpDiv:    {"DIV", 0},
	OpLT:     {"LT", 0},
	OpGT:     {"GT", 0},
	OpEQ:     {"EQ", 0},
	OpNot:    {"NOT", 0},
	OpConcat: {"CONCAT", 0},

	OpJump:      {"JUMP", 2},
	OpJumpTrue:  {"JUMP_TRUE", 2},
	OpJumpFalse: {"JUMP_FALSE", 2},

	OpReturn:    {"RETURN", 0},
	OpReturnNil: {"RETURN_NIL", 0},
	OpThrow:     {"THROW", 0},

	OpDispatch:   {"DISPATCH", 4},
	OpClassInit:  {"CLASS_INIT", 0},
	OpShadowInit: {"SHADOW_INIT", 0},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
}

// Valid reports whether the opcode is defined.
func (op Opcode) Valid() bool {
	_, ok := opcodeTable[op]
	return ok
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Info().Name
}

// IsInvoke reports whether the opcode carries a method-ref and argc operand.
func (op Opcode) IsInvoke() bool {
	switch op {
	case OpInvokeVirtual, OpInvokeStatic, OpInvokeSpecial, OpInvokeIntercepted, OpInvokeInterceptedStatic:
		return true
	}
	return false
}
