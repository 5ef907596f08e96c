package vm

import "fmt"

// Object is an instance of a loaded class. Instance fields live in a flat
// slot slice laid out by the class, superclass fields first.
type Object struct {
	class *Class
	slots []Value
}

func newObject(c *Class) *Object {
	return &Object{class: c, slots: make([]Value, len(c.fieldNames))}
}

// Class returns the object's class.
func (o *Object) Class() *Class {
	return o.class
}

// IsA reports whether the object is an instance of the named class or one of
// its subclasses.
func (o *Object) IsA(name string) bool {
	return o.class.IsSubclassOf(name)
}

func (o *Object) String() string {
	return fmt.Sprintf("a %s@%p", o.class.Name, o)
}

func (o *Object) getField(name string) (Value, error) {
	idx, ok := o.class.fieldIndex[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrNoSuchField, o.class.Name, name)
	}
	return o.slots[idx], nil
}

func (o *Object) putField(name string, v Value) error {
	idx, ok := o.class.fieldIndex[name]
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrNoSuchField, o.class.Name, name)
	}
	o.slots[idx] = v
	return nil
}
