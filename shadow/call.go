package shadow

import (
	"context"
	"fmt"

	"github.com/chazu/umbra/vm"
)

// Call is what a substitute method sees of one intercepted call.
type Call struct {
	impl *Implementation
	inv  *vm.Invocation
}

// NewCall binds an invocation to the substitute handling it. impl is nil
// for interceptors.
func NewCall(impl *Implementation, inv *vm.Invocation) *Call {
	return &Call{impl: impl, inv: inv}
}

// Implementation returns the substitute, or nil inside an interceptor.
func (c *Call) Implementation() *Implementation { return c.impl }

// Class returns the class whose method was called.
func (c *Call) Class() *vm.Class { return c.inv.Class }

// Method returns "name/arity" of the called method.
func (c *Call) Method() string { return c.inv.Signature.String() }

// Receiver is the real object, nil for static methods. The substitute must
// not retain it beyond the call.
func (c *Call) Receiver() *vm.Object { return c.inv.Receiver }

// Args returns the call's arguments.
func (c *Call) Args() []vm.Value { return c.inv.Args }

// Arg returns argument i, or nil when out of range.
func (c *Call) Arg(i int) vm.Value {
	if i < 0 || i >= len(c.inv.Args) {
		return nil
	}
	return c.inv.Args[i]
}

// Context returns the context of the outermost call into the universe.
func (c *Call) Context() context.Context { return c.inv.Context() }

// Universe returns the universe executing the call.
func (c *Call) Universe() *vm.Universe { return c.inv.Universe() }

// CallReal runs the original behavior.
func (c *Call) CallReal() (vm.Value, error) { return c.inv.CallReal() }

// Send calls a method on a real object.
func (c *Call) Send(recv *vm.Object, method string, args ...vm.Value) (vm.Value, error) {
	return c.inv.Send(recv, method, args...)
}

// InvokeStatic calls a static method.
func (c *Call) InvokeStatic(class, method string, args ...vm.Value) (vm.Value, error) {
	return c.inv.InvokeStatic(class, method, args...)
}

// State returns the substitute's state for the receiver, creating it on
// first use. It is nil for static calls and substitutes without state.
func (c *Call) State() any {
	if c.impl == nil {
		return nil
	}
	return EnsureState(c.Universe(), c.impl, c.inv.Receiver)
}

// Statics returns the substitute's static slots in this universe.
func (c *Call) Statics() Statics {
	id := ""
	if c.impl != nil {
		id = c.impl.ID
	}
	return StaticsOf(c.Universe(), id)
}

// Field returns an accessor for a field the substitute declared.
func (c *Call) Field(name string) (*vm.FieldAccessor, error) {
	if c.impl == nil || !c.impl.Declares(name) {
		return nil, fmt.Errorf("%w: %s", ErrUndeclaredField, name)
	}
	return c.inv.Class.Accessor(name)
}

// Get reads a declared field of the receiver.
func (c *Call) Get(field string) (vm.Value, error) {
	if c.inv.Receiver == nil {
		return nil, ErrNoReceiver
	}
	a, err := c.Field(field)
	if err != nil {
		return nil, err
	}
	return a.Get(c.inv.Receiver)
}

// Set writes a declared field of the receiver.
func (c *Call) Set(field string, v vm.Value) error {
	if c.inv.Receiver == nil {
		return ErrNoReceiver
	}
	a, err := c.Field(field)
	if err != nil {
		return err
	}
	return a.Set(c.inv.Receiver, v)
}
