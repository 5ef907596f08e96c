package vm

import (
	"context"
	"fmt"

	"github.com/chazu/umbra/classfile"
)

// Handler is consulted by instrumented code. A universe has at most one.
type Handler interface {
	// MethodInvoked returns the plan for a shimmed method of class, or nil
	// to run the preserved original body.
	MethodInvoked(class *Class, sig classfile.Signature, static bool) Plan

	// ClassInitializing returns the plan for the static initialization of
	// class, or nil to run its original static initializer.
	ClassInitializing(class *Class) Plan

	// Initializing is called from constructors of instrumented classes
	// before their body runs.
	Initializing(inv *Invocation, obj *Object) error

	// Intercepted returns the interceptor for a "Class.method" call site.
	Intercepted(ref string) (InterceptFunc, bool)
}

// Plan is a resolved action for one shim.
type Plan interface {
	Run(inv *Invocation) (Value, error)
	Describe() string
}

// InterceptFunc replaces an intercepted call. inv.CallReal performs the
// original call.
type InterceptFunc func(inv *Invocation) (Value, error)

// Invocation describes one call handed to a Plan or interceptor.
type Invocation struct {
	// Class is the class declaring the shim; for interceptors, the class
	// named by the call site.
	Class     *Class
	Signature classfile.Signature
	// Receiver is nil for static methods. It is a non-owning reference.
	Receiver *Object
	Args     []Value

	interp *Interpreter
	real   func() (Value, error)
}

// CallReal runs the original behavior: the preserved body for shims, the
// original static initializer for class initialization, or the original
// call for interceptors.
func (inv *Invocation) CallReal() (Value, error) {
	if inv.real == nil {
		return nil, nil
	}
	return inv.real()
}

// Universe returns the universe executing the call.
func (inv *Invocation) Universe() *Universe {
	return inv.interp.u
}

// Context returns the context of the outermost call.
func (inv *Invocation) Context() context.Context {
	return inv.interp.ctx
}

// Send performs a virtual call on the same interpreter.
func (inv *Invocation) Send(recv *Object, method string, args ...Value) (Value, error) {
	return inv.interp.send(recv, method, args)
}

// InvokeStatic performs a static call on the same interpreter.
func (inv *Invocation) InvokeStatic(class, method string, args ...Value) (Value, error) {
	return inv.interp.invokeStatic(class, method, args)
}

func (inv *Invocation) String() string {
	return fmt.Sprintf("%s.%s", inv.Class.Name, inv.Signature)
}

// PlanFunc adapts a function to Plan.
type PlanFunc func(inv *Invocation) (Value, error)

// Run implements Plan.
func (f PlanFunc) Run(inv *Invocation) (Value, error) { return f(inv) }

// Describe implements Plan.
func (f PlanFunc) Describe() string { return "func" }
