package vm

import (
	"context"
	"errors"
	"fmt"

	"github.com/chazu/umbra/classfile"
)

// ---------------------------------------------------------------------------
// Frame: Execution state for a method invocation
// ---------------------------------------------------------------------------

// Frame represents the execution state of a single method invocation.
type Frame struct {
	Method   *Method
	Receiver *Object // nil for static methods
	Locals   []Value
	PC       int // offset of the instruction being executed
}

// ---------------------------------------------------------------------------
// Interpreter: Bytecode execution engine
// ---------------------------------------------------------------------------

// Interpreter executes bytecode for one outermost call into a universe.
// Calls made by plans and interceptors reuse it, so the call depth and the
// stack trace span the whole call tree.
type Interpreter struct {
	u      *Universe
	ctx    context.Context
	frames []*Frame
}

func newInterpreter(u *Universe, ctx context.Context) *Interpreter {
	return &Interpreter{u: u, ctx: ctx, frames: make([]*Frame, 0, 16)}
}

// Depth returns the current call depth.
func (i *Interpreter) Depth() int { return len(i.frames) }

// fail wraps err in an *Error carrying the current trace, unless it already
// is one.
func (i *Interpreter) fail(err error) error {
	var ve *Error
	if errors.As(err, &ve) {
		return err
	}
	return &Error{Err: err, Trace: buildTrace(i.frames)}
}

// ---------------------------------------------------------------------------
// Class resolution and static state
// ---------------------------------------------------------------------------

// initializedClass loads a class and makes sure it is initialized.
func (i *Interpreter) initializedClass(name string) (*Class, error) {
	c, err := i.u.LoadClass(i.ctx, name)
	if err != nil {
		return nil, i.fail(err)
	}
	if err := i.ensureInitialized(c); err != nil {
		return nil, err
	}
	return c, nil
}

// ensureInitialized runs static initialization on first active use:
// superclass first, then the class's own <clinit>. A class whose
// initialization is already running on this call tree counts as initialized.
func (i *Interpreter) ensureInitialized(c *Class) error {
	switch c.state {
	case initialized, initializing:
		return nil
	case initFailed:
		return i.fail(fmt.Errorf("%w: %s", ErrClassInit, c.Name))
	}
	if c.universe.frozen {
		return i.fail(fmt.Errorf("%w: %s is not initialized", ErrFrozen, c.Name))
	}

	c.state = initializing
	// A panic in <clinit> unwinds through here; the class must not stay
	// initializing.
	defer func() {
		if c.state == initializing {
			c.state = initFailed
		}
	}()
	if c.Super != nil {
		if err := i.ensureInitialized(c.Super); err != nil {
			return err
		}
	}
	if m := c.vtable.LookupLocal(classfile.Signature{Name: classfile.StaticInitName}); m != nil {
		if _, err := i.call(m, nil, nil); err != nil {
			return err
		}
	}
	c.state = initialized
	c.universe.initOrder = append(c.universe.initOrder, c)
	log.Debug("initialized class", "class", c.Name)
	return nil
}

// staticOwner finds the class along c's chain declaring the static field.
func staticOwner(c *Class, field string) (*Class, error) {
	for k := c; k != nil; k = k.Super {
		if k.statics[field] {
			return k, nil
		}
	}
	return nil, fmt.Errorf("%w: static %s.%s", ErrNoSuchField, c.Name, field)
}

func (i *Interpreter) getStatic(c *Class, field string) (Value, error) {
	owner, err := staticOwner(c, field)
	if err != nil {
		return nil, i.fail(err)
	}
	return owner.universe.arena.Get(Slot{Class: owner.Name, Field: field}), nil
}

func (i *Interpreter) putStatic(c *Class, field string, v Value) error {
	owner, err := staticOwner(c, field)
	if err != nil {
		return i.fail(err)
	}
	owner.universe.arena.Put(Slot{Class: owner.Name, Field: field}, v)
	return nil
}

// arenaSlot resolves an instrumented static access in the executing
// universe's arena.
func (i *Interpreter) arenaSlot(ref string) (Slot, error) {
	r, err := classfile.ParseRef(ref)
	if err != nil {
		return Slot{}, i.fail(err)
	}
	c, err := i.initializedClass(r.Class)
	if err != nil {
		return Slot{}, err
	}
	owner, err := staticOwner(c, r.Member)
	if err != nil {
		return Slot{}, i.fail(err)
	}
	return Slot{Class: owner.Name, Field: r.Member}, nil
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

func (i *Interpreter) construct(class string, args []Value) (*Object, error) {
	c, err := i.initializedClass(class)
	if err != nil {
		return nil, err
	}
	obj := newObject(c)
	sig := classfile.Signature{Name: classfile.ConstructorName, Arity: len(args)}
	if m := c.vtable.LookupLocal(sig); m != nil {
		if _, err := i.call(m, obj, args); err != nil {
			return nil, err
		}
	} else if len(args) > 0 {
		return nil, i.fail(fmt.Errorf("%w: %s.%s", ErrNoSuchMethod, class, sig))
	}
	return obj, nil
}

func (i *Interpreter) send(recv *Object, method string, args []Value) (Value, error) {
	if recv == nil {
		return nil, i.fail(fmt.Errorf("%w: %s", ErrNullReceiver, method))
	}
	sig := classfile.Signature{Name: method, Arity: len(args)}
	m := recv.class.Lookup(sig)
	if m == nil || m.IsStatic() {
		return nil, i.fail(fmt.Errorf("%w: %s.%s", ErrNoSuchMethod, recv.class.Name, sig))
	}
	return i.call(m, recv, args)
}

func (i *Interpreter) invokeStatic(class, method string, args []Value) (Value, error) {
	c, err := i.initializedClass(class)
	if err != nil {
		return nil, err
	}
	sig := classfile.Signature{Name: method, Arity: len(args)}
	m := c.Lookup(sig)
	if m == nil || !m.IsStatic() {
		return nil, i.fail(fmt.Errorf("%w: static %s.%s", ErrNoSuchMethod, class, sig))
	}
	return i.call(m, nil, args)
}

// invokeSpecial calls the named class's method without virtual dispatch.
func (i *Interpreter) invokeSpecial(class string, recv *Object, method string, args []Value) (Value, error) {
	if recv == nil {
		return nil, i.fail(fmt.Errorf("%w: %s.%s", ErrNullReceiver, class, method))
	}
	c, err := i.u.LoadClass(i.ctx, class)
	if err != nil {
		return nil, i.fail(err)
	}
	sig := classfile.Signature{Name: method, Arity: len(args)}
	m := c.Lookup(sig)
	if m == nil {
		return nil, i.fail(fmt.Errorf("%w: %s.%s", ErrNoSuchMethod, class, sig))
	}
	return i.call(m, recv, args)
}

// call pushes a frame and runs m.
func (i *Interpreter) call(m *Method, recv *Object, args []Value) (Value, error) {
	if err := i.ctx.Err(); err != nil {
		return nil, i.fail(err)
	}
	if len(i.frames) >= i.u.maxDepth {
		return nil, i.fail(fmt.Errorf("%w: %d frames", ErrStackOverflow, len(i.frames)))
	}
	def := m.def
	if len(args) != def.Arity {
		return nil, i.fail(fmt.Errorf("%w: %s expects %d arguments, got %d", ErrNoSuchMethod, m, def.Arity, len(args)))
	}
	if def.Flags.Has(classfile.MethodAbstract) {
		return nil, i.fail(fmt.Errorf("%w: %s", ErrAbstractMethod, m))
	}

	locals := make([]Value, max(def.MaxLocals, def.Arity))
	copy(locals, args)
	f := &Frame{Method: m, Receiver: recv, Locals: locals}
	i.frames = append(i.frames, f)
	defer func() { i.frames = i.frames[:len(i.frames)-1] }()

	return i.run(f)
}

// ---------------------------------------------------------------------------
// Main interpreter loop
// ---------------------------------------------------------------------------

func (i *Interpreter) run(f *Frame) (Value, error) {
	code := f.Method.def.Code
	lits := f.Method.def.Literals
	r := classfile.NewBytecodeReader(code)
	stack := make([]Value, 0, 8)

	push := func(v Value) { stack = append(stack, v) }
	pop := func() Value {
		if len(stack) == 0 {
			panic("operand stack underflow in " + f.Method.String())
		}
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v
	}
	popN := func(n int) []Value {
		args := make([]Value, n)
		for k := n - 1; k >= 0; k-- {
			args[k] = pop()
		}
		return args
	}
	str := func(idx uint16) string { return lits[idx].Str }

	for r.HasMore() {
		f.PC = r.Position()
		op := r.ReadOpcode()

		switch op {
		case classfile.OpNOP:
		case classfile.OpPOP:
			pop()
		case classfile.OpDUP:
			v := pop()
			push(v)
			push(v)
		case classfile.OpSWAP:
			b, a := pop(), pop()
			push(b)
			push(a)

		case classfile.OpPushNil:
			push(nil)
		case classfile.OpPushTrue:
			push(true)
		case classfile.OpPushFalse:
			push(false)
		case classfile.OpPushSelf:
			if f.Receiver == nil {
				push(nil)
			} else {
				push(f.Receiver)
			}
		case classfile.OpPushInt8:
			push(int64(r.ReadInt8()))
		case classfile.OpPushLiteral:
			push(lits[r.ReadUint16()].Value())

		case classfile.OpLoadLocal:
			push(f.Locals[r.ReadByte()])
		case classfile.OpStoreLocal:
			f.Locals[r.ReadByte()] = pop()

		case classfile.OpGetField:
			name := str(r.ReadUint16())
			obj, ok := pop().(*Object)
			if !ok || obj == nil {
				return nil, i.fail(fmt.Errorf("%w: get field %s", ErrNullReceiver, name))
			}
			v, err := obj.getField(name)
			if err != nil {
				return nil, i.fail(err)
			}
			push(v)
		case classfile.OpPutField:
			name := str(r.ReadUint16())
			v := pop()
			obj, ok := pop().(*Object)
			if !ok || obj == nil {
				return nil, i.fail(fmt.Errorf("%w: put field %s", ErrNullReceiver, name))
			}
			if err := obj.putField(name, v); err != nil {
				return nil, i.fail(err)
			}

		case classfile.OpGetStatic, classfile.OpPutStatic:
			ref, err := classfile.ParseRef(str(r.ReadUint16()))
			if err != nil {
				return nil, i.fail(err)
			}
			c, err := i.initializedClass(ref.Class)
			if err != nil {
				return nil, err
			}
			if op == classfile.OpGetStatic {
				v, err := i.getStatic(c, ref.Member)
				if err != nil {
					return nil, err
				}
				push(v)
			} else if err := i.putStatic(c, ref.Member, pop()); err != nil {
				return nil, err
			}

		case classfile.OpArenaGet:
			slot, err := i.arenaSlot(str(r.ReadUint16()))
			if err != nil {
				return nil, err
			}
			push(i.u.arena.Get(slot))
		case classfile.OpArenaPut:
			slot, err := i.arenaSlot(str(r.ReadUint16()))
			if err != nil {
				return nil, err
			}
			i.u.arena.Put(slot, pop())

		case classfile.OpInvokeVirtual, classfile.OpInvokeStatic, classfile.OpInvokeSpecial,
			classfile.OpInvokeIntercepted, classfile.OpInvokeInterceptedStatic:
			refStr := str(r.ReadUint16())
			argc := int(r.ReadByte())
			v, err := i.invoke(op, refStr, popN, argc)
			if err != nil {
				return nil, err
			}
			push(v)

		case classfile.OpNew:
			c, err := i.initializedClass(str(r.ReadUint16()))
			if err != nil {
				return nil, err
			}
			push(newObject(c))

		case classfile.OpAdd, classfile.OpSub, classfile.OpMul, classfile.OpDiv,
			classfile.OpLT, classfile.OpGT:
			b, a := pop(), pop()
			v, err := arith(arithSymbol[op], a, b)
			if err != nil {
				return nil, i.fail(err)
			}
			push(v)
		case classfile.OpEQ:
			b, a := pop(), pop()
			push(Equal(a, b))
		case classfile.OpNot:
			push(!Truthy(pop()))
		case classfile.OpConcat:
			b, a := pop(), pop()
			push(Format(a) + Format(b))

		case classfile.OpJump:
			off := int(r.ReadInt16())
			r.Seek(r.Position() + off)
		case classfile.OpJumpTrue, classfile.OpJumpFalse:
			off := int(r.ReadInt16())
			if Truthy(pop()) == (op == classfile.OpJumpTrue) {
				r.Seek(r.Position() + off)
			}

		case classfile.OpReturn:
			return pop(), nil
		case classfile.OpReturnNil:
			return nil, nil
		case classfile.OpThrow:
			return nil, &Error{Thrown: pop(), Trace: buildTrace(i.frames)}

		case classfile.OpDispatch:
			sig, err := classfile.ParseSignature(str(r.ReadUint16()))
			if err != nil {
				return nil, i.fail(err)
			}
			alias := str(r.ReadUint16())
			v, err := i.dispatch(f, sig, alias)
			if err != nil {
				return nil, err
			}
			push(v)
		case classfile.OpClassInit:
			if err := i.classInit(f.Method.class); err != nil {
				return nil, err
			}
		case classfile.OpShadowInit:
			if err := i.shadowInit(f); err != nil {
				return nil, err
			}

		default:
			return nil, i.fail(fmt.Errorf("vm: unknown opcode %s at %d", op, f.PC))
		}
	}
	return nil, nil
}

var arithSymbol = map[classfile.Opcode]string{
	classfile.OpAdd: "+",
	classfile.OpSub: "-",
	classfile.OpMul: "*",
	classfile.OpDiv: "/",
	classfile.OpLT:  "<",
	classfile.OpGT:  ">",
}

// invoke performs one of the INVOKE instructions.
func (i *Interpreter) invoke(op classfile.Opcode, refStr string, popN func(int) []Value, argc int) (Value, error) {
	ref, err := classfile.ParseRef(refStr)
	if err != nil {
		return nil, i.fail(err)
	}
	args := popN(argc)

	static := op == classfile.OpInvokeStatic || op == classfile.OpInvokeInterceptedStatic
	var recv *Object
	if !static {
		v := popN(1)[0]
		if v != nil {
			o, ok := v.(*Object)
			if !ok {
				return nil, i.fail(fmt.Errorf("%w: receiver of %s is %T", ErrTypeMismatch, refStr, v))
			}
			recv = o
		}
	}

	orig := func() (Value, error) {
		switch op {
		case classfile.OpInvokeStatic, classfile.OpInvokeInterceptedStatic:
			return i.invokeStatic(ref.Class, ref.Member, args)
		case classfile.OpInvokeSpecial:
			return i.invokeSpecial(ref.Class, recv, ref.Member, args)
		}
		return i.send(recv, ref.Member, args)
	}

	if op != classfile.OpInvokeIntercepted && op != classfile.OpInvokeInterceptedStatic {
		return orig()
	}
	h := i.u.handler
	if h == nil {
		return orig()
	}
	fn, ok := h.Intercepted(refStr)
	if !ok {
		return orig()
	}
	c, err := i.u.LoadClass(i.ctx, ref.Class)
	if err != nil {
		return nil, i.fail(err)
	}
	inv := &Invocation{
		Class:     c,
		Signature: classfile.Signature{Name: ref.Member, Arity: argc},
		Receiver:  recv,
		Args:      args,
		interp:    i,
		real:      orig,
	}
	return i.runPlan(inv, fn)
}

// dispatch executes a shim: it asks the handler of the shim's class for a
// plan and falls back to the preserved alias.
func (i *Interpreter) dispatch(f *Frame, sig classfile.Signature, alias string) (Value, error) {
	c := f.Method.class
	static := f.Method.IsStatic()
	args := append([]Value(nil), f.Locals[:sig.Arity]...)

	orig := func() (Value, error) {
		m := c.vtable.LookupLocal(classfile.Signature{Name: alias, Arity: sig.Arity})
		if m == nil {
			return nil, i.fail(fmt.Errorf("%w: alias %s of %s.%s", ErrNoSuchMethod, alias, c.Name, sig))
		}
		return i.call(m, f.Receiver, args)
	}

	h := c.universe.handler
	if h == nil {
		return orig()
	}
	plan := h.MethodInvoked(c, sig, static)
	if plan == nil {
		return orig()
	}
	inv := &Invocation{
		Class:     c,
		Signature: sig,
		Receiver:  f.Receiver,
		Args:      args,
		interp:    i,
		real:      orig,
	}
	return i.runPlan(inv, plan.Run)
}

// classInit executes the generated <clinit> of an instrumented class.
func (i *Interpreter) classInit(c *Class) error {
	orig := func() (Value, error) {
		m := c.vtable.LookupLocal(classfile.Signature{Name: classfile.StaticInitializerName})
		if m == nil {
			return nil, nil
		}
		return i.call(m, nil, nil)
	}
	h := c.universe.handler
	var plan Plan
	if h != nil {
		plan = h.ClassInitializing(c)
	}
	if plan == nil {
		_, err := orig()
		return err
	}
	inv := &Invocation{
		Class:     c,
		Signature: classfile.Signature{Name: classfile.StaticInitializerName},
		interp:    i,
		real:      orig,
	}
	_, err := i.runPlan(inv, plan.Run)
	return err
}

func (i *Interpreter) shadowInit(f *Frame) error {
	h := f.Method.class.universe.handler
	if h == nil || f.Receiver == nil {
		return nil
	}
	inv := &Invocation{
		Class:     f.Method.class,
		Signature: f.Method.Signature(),
		Receiver:  f.Receiver,
		Args:      append([]Value(nil), f.Locals[:f.Method.def.Arity]...),
		interp:    i,
	}
	if err := h.Initializing(inv, f.Receiver); err != nil {
		return i.fail(err)
	}
	return nil
}

// runPlan runs substitute code, turning its panics and plain errors into
// VM errors with a trace.
func (i *Interpreter) runPlan(inv *Invocation, fn func(*Invocation) (Value, error)) (v Value, err error) {
	depth := len(i.frames)
	defer func() {
		if r := recover(); r != nil {
			i.frames = i.frames[:depth]
			v, err = nil, i.fail(fmt.Errorf("vm: panic in %s: %v", inv, r))
		}
	}()
	v, err = fn(inv)
	if err != nil {
		return nil, i.fail(err)
	}
	return v, nil
}
