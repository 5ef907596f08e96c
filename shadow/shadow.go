// Package shadow defines substitute implementations: Go code that takes over
// the behavior of a platform class's methods inside a sandbox. An
// Implementation is a leaf plugged into the dispatch table; it never owns
// the real object, it only sees a non-owning receiver reference, its own
// per-object state and accessors for the fields it declared.
package shadow

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/chazu/umbra/classfile"
	"github.com/chazu/umbra/vm"
)

var (
	ErrUndeclaredField = errors.New("shadow: field not declared by substitute")
	ErrNoReceiver      = errors.New("shadow: static call has no receiver")
)

// Method is the Go body of a substitute method.
type Method func(c *Call) (vm.Value, error)

// Implementation is one substitute, identified by the substitute identifier
// used in registry descriptors.
type Implementation struct {
	ID string

	// Methods are keyed by "name/arity" or by bare "name", which matches
	// any arity. The exact key wins.
	Methods map[string]Method

	// StaticInitializer replaces the target's static initializer when set.
	// Call.CallReal runs the original one.
	StaticInitializer Method

	// NewState creates the per-object shadow state kept in the side table.
	// The state must not reference the real object.
	NewState func() any

	// Fields lists the target's instance fields the substitute may access.
	Fields []string

	// DoNothingByDefault makes methods without a substitute body return nil
	// instead of running the original body.
	DoNothingByDefault bool

	// Reset runs after every test, before the universe is reset.
	Reset func(s Statics) error
}

// Method returns the substitute body for sig.
func (impl *Implementation) Method(sig classfile.Signature) (Method, bool) {
	if m, ok := impl.Methods[sig.String()]; ok {
		return m, true
	}
	m, ok := impl.Methods[sig.Name]
	return m, ok
}

// Declares reports whether the substitute declared access to field.
func (impl *Implementation) Declares(field string) bool {
	return slices.Contains(impl.Fields, field)
}

// Validate checks the identifier and method keys.
func (impl *Implementation) Validate() error {
	if impl.ID == "" {
		return errors.New("shadow: implementation has no ID")
	}
	for key, m := range impl.Methods {
		if m == nil {
			return fmt.Errorf("shadow: %s: method %q is nil", impl.ID, key)
		}
		if key == "" {
			return fmt.Errorf("shadow: %s: empty method key", impl.ID)
		}
		if strings.Contains(key, "/") {
			if _, err := classfile.ParseSignature(key); err != nil {
				return fmt.Errorf("shadow: %s: %w", impl.ID, err)
			}
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Static slots
// ---------------------------------------------------------------------------

// Statics are a substitute's static slots in one universe's arena. They are
// cleared with the arena when the universe resets.
type Statics struct {
	arena *vm.Arena
	id    string
}

// StaticsOf returns the slots of substitute id in u.
func StaticsOf(u *vm.Universe, id string) Statics {
	return Statics{arena: u.Arena(), id: id}
}

// Get reads a slot; unset slots are nil.
func (s Statics) Get(name string) vm.Value {
	return s.arena.Get(vm.Slot{Class: s.id, Field: name})
}

// Set writes a slot.
func (s Statics) Set(name string, v vm.Value) {
	s.arena.Put(vm.Slot{Class: s.id, Field: name}, v)
}

// ---------------------------------------------------------------------------
// Per-object state
// ---------------------------------------------------------------------------

// states is the side-table value of one object: shadow state per substitute
// along the object's class chain.
type states map[string]any

// EnsureState creates impl's state for obj if it has none yet.
func EnsureState(u *vm.Universe, impl *Implementation, obj *vm.Object) any {
	if impl.NewState == nil || obj == nil {
		return nil
	}
	side := u.SideTable()
	var set states
	if v, ok := side.Get(obj); ok {
		set = v.(states)
	} else {
		set = make(states)
		side.Put(obj, set)
	}
	st, ok := set[impl.ID]
	if !ok {
		st = impl.NewState()
		set[impl.ID] = st
	}
	return st
}

// StateOf returns impl's state for obj without creating it.
func StateOf(u *vm.Universe, impl *Implementation, obj *vm.Object) (any, bool) {
	if obj == nil {
		return nil, false
	}
	v, ok := u.SideTable().Get(obj)
	if !ok {
		return nil, false
	}
	st, ok := v.(states)[impl.ID]
	return st, ok
}
