package vm

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/chazu/umbra/classfile"
	"github.com/chazu/umbra/rewrite"
)

// classMap is an in-memory ClassSource that counts lookups.
type classMap struct {
	classes map[string]*classfile.Class
	finds   atomic.Int32
}

func newClassMap(classes ...*classfile.Class) *classMap {
	m := &classMap{classes: make(map[string]*classfile.Class)}
	for _, c := range classes {
		m.classes[c.Name] = c
	}
	return m
}

func (m *classMap) FindClass(_ context.Context, name string) (*classfile.Class, error) {
	m.finds.Add(1)
	c, ok := m.classes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrClassNotFound, name)
	}
	return c.Clone(), nil
}

// instrumented returns a copy of the map with every class rewritten.
func (m *classMap) instrumented(cfg rewrite.Config) *classMap {
	out := newClassMap()
	for name, c := range m.classes {
		res, err := rewrite.Instrument(c, cfg)
		if err != nil {
			panic(err)
		}
		out.classes[name] = res.Class
	}
	return out
}

var platformScope = rewrite.Config{InstrumentedPackages: []string{"platform"}}

// viewClass: platform.view.View with a "name" field, a static instance
// counter bumped by the constructor, and a few methods.
func viewClass() *classfile.Class {
	clinit := classfile.NewMethod(classfile.StaticInitName, 0, classfile.MethodStatic)
	clinit.EmitInt8(0)
	clinit.EmitRef(classfile.OpPutStatic, "platform.view.View.created")
	clinit.Emit(classfile.OpReturnNil)

	ctor := classfile.NewMethod(classfile.ConstructorName, 1, classfile.MethodPublic)
	ctor.Emit(classfile.OpPushSelf)
	ctor.EmitByte(classfile.OpLoadLocal, 0)
	ctor.EmitRef(classfile.OpPutField, "name")
	ctor.EmitRef(classfile.OpGetStatic, "platform.view.View.created")
	ctor.EmitInt8(1)
	ctor.Emit(classfile.OpAdd)
	ctor.EmitRef(classfile.OpPutStatic, "platform.view.View.created")
	ctor.Emit(classfile.OpReturnNil)

	getName := classfile.NewMethod("getName", 0, classfile.MethodPublic)
	getName.Emit(classfile.OpPushSelf)
	getName.EmitRef(classfile.OpGetField, "name")
	getName.Emit(classfile.OpReturn)

	describe := classfile.NewMethod("describe", 0, classfile.MethodPublic)
	describe.EmitLiteral(classfile.String("View:"))
	describe.Emit(classfile.OpPushSelf)
	describe.EmitInvoke(classfile.OpInvokeVirtual, "platform.view.View.getName", 0)
	describe.Emit(classfile.OpConcat)
	describe.Emit(classfile.OpReturn)

	created := classfile.NewMethod("created", 0, classfile.MethodPublic|classfile.MethodStatic)
	created.EmitRef(classfile.OpGetStatic, "platform.view.View.created")
	created.Emit(classfile.OpReturn)

	fail := classfile.NewMethod("fail", 1, classfile.MethodPublic)
	fail.EmitByte(classfile.OpLoadLocal, 0)
	fail.Emit(classfile.OpThrow)

	return classfile.NewClass("platform.view.View", "", classfile.ClassPublic).
		Field("name").
		StaticField("created").
		Method(clinit.Build()).
		Method(ctor.Build()).
		Method(getName.Build()).
		Method(describe.Build()).
		Method(created.Build()).
		Method(fail.Build()).
		Build()
}

// textViewClass extends View, overriding getName.
func textViewClass() *classfile.Class {
	ctor := classfile.NewMethod(classfile.ConstructorName, 1, classfile.MethodPublic)
	ctor.Emit(classfile.OpPushSelf)
	ctor.EmitByte(classfile.OpLoadLocal, 0)
	ctor.EmitInvoke(classfile.OpInvokeSpecial, "platform.view.View.<init>", 1)
	ctor.Emit(classfile.OpPOP)
	ctor.Emit(classfile.OpReturnNil)

	getName := classfile.NewMethod("getName", 0, classfile.MethodPublic)
	getName.EmitLiteral(classfile.String("text:"))
	getName.Emit(classfile.OpPushSelf)
	getName.EmitRef(classfile.OpGetField, "name")
	getName.Emit(classfile.OpConcat)
	getName.Emit(classfile.OpReturn)

	return classfile.NewClass("platform.widget.TextView", "platform.view.View", classfile.ClassPublic).
		Method(ctor.Build()).
		Method(getName.Build()).
		Build()
}

// clockClass is a static utility with an intercepted call site in now().
func clockClass() *classfile.Class {
	uptime := classfile.NewMethod("uptime", 0, classfile.MethodPublic|classfile.MethodStatic)
	uptime.EmitInt8(42)
	uptime.Emit(classfile.OpReturn)

	now := classfile.NewMethod("now", 0, classfile.MethodPublic|classfile.MethodStatic)
	now.EmitInvoke(classfile.OpInvokeStatic, "platform.os.Clock.uptime", 0)
	now.Emit(classfile.OpReturn)

	recurse := classfile.NewMethod("recurse", 0, classfile.MethodPublic|classfile.MethodStatic)
	recurse.EmitInvoke(classfile.OpInvokeStatic, "platform.os.Clock.recurse", 0)
	recurse.Emit(classfile.OpReturn)

	return classfile.NewClass("platform.os.Clock", "", classfile.ClassPublic).
		Method(uptime.Build()).
		Method(now.Build()).
		Method(recurse.Build()).
		Build()
}

func platformClasses() *classMap {
	return newClassMap(viewClass(), textViewClass(), clockClass())
}

// stubHandler is a configurable Handler.
type stubHandler struct {
	plans        map[string]Plan // "Class.name/arity"
	classInit    map[string]Plan
	interceptors map[string]InterceptFunc
	initialized  []*Object
}

func (h *stubHandler) MethodInvoked(c *Class, sig classfile.Signature, _ bool) Plan {
	return h.plans[c.Name+"."+sig.String()]
}

func (h *stubHandler) ClassInitializing(c *Class) Plan {
	return h.classInit[c.Name]
}

func (h *stubHandler) Initializing(_ *Invocation, obj *Object) error {
	h.initialized = append(h.initialized, obj)
	return nil
}

func (h *stubHandler) Intercepted(ref string) (InterceptFunc, bool) {
	fn, ok := h.interceptors[ref]
	return fn, ok
}
