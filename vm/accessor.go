package vm

import (
	"context"
	"fmt"
)

// FieldAccessor reads and writes one instance field of one class. It is the
// only way code outside the interpreter touches an object's fields.
type FieldAccessor struct {
	class *Class
	field string
	index int
}

// Accessor returns the accessor for field of class, loading the class if
// needed.
func (u *Universe) Accessor(ctx context.Context, class, field string) (*FieldAccessor, error) {
	c, err := u.LoadClass(ctx, class)
	if err != nil {
		return nil, err
	}
	return c.Accessor(field)
}

// Accessor returns the accessor for one of the class's instance fields.
func (c *Class) Accessor(field string) (*FieldAccessor, error) {
	idx, ok := c.fieldIndex[field]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrNoSuchField, c.Name, field)
	}
	return &FieldAccessor{class: c, field: field, index: idx}, nil
}

// Name returns the field name.
func (a *FieldAccessor) Name() string { return a.field }

// Class returns the class the accessor was made for.
func (a *FieldAccessor) Class() *Class { return a.class }

func (a *FieldAccessor) check(obj *Object) error {
	if obj == nil {
		return ErrNullReceiver
	}
	if !obj.class.IsSubclassOf(a.class.Name) {
		return fmt.Errorf("%w: %s is not a %s", ErrTypeMismatch, obj.class.Name, a.class.Name)
	}
	return nil
}

// Get reads the field of obj.
func (a *FieldAccessor) Get(obj *Object) (Value, error) {
	if err := a.check(obj); err != nil {
		return nil, err
	}
	return obj.slots[a.index], nil
}

// Set writes the field of obj.
func (a *FieldAccessor) Set(obj *Object, v Value) error {
	if err := a.check(obj); err != nil {
		return err
	}
	obj.slots[a.index] = v
	return nil
}
