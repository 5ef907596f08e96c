// Package platformtest provides a miniature platform for tests: a catalog
// of three releases, compiled platform classes that change between levels,
// substitute registrations and their implementations.
package platformtest

import (
	"github.com/chazu/umbra/archive"
	"github.com/chazu/umbra/classfile"
	"github.com/chazu/umbra/platform"
	"github.com/chazu/umbra/registry"
	"github.com/chazu/umbra/rewrite"
	"github.com/chazu/umbra/shadow"
	"github.com/chazu/umbra/vm"
)

// Class names.
const (
	View     = "platform.view.View"
	TextView = "platform.widget.TextView"
	Clock    = "platform.os.SystemClock"
	Log      = "platform.util.Log"
)

// Substitute identifiers.
const (
	ShadowView        = "shadows.ShadowView"
	ShadowTextView    = "shadows.ShadowTextView"
	ShadowClock       = "shadows.ShadowSystemClock"
	ShadowClockModern = "shadows.ShadowSystemClockModern"
)

// Levels of the catalog.
const (
	Alpha platform.Level = 1
	Beta  platform.Level = 2
	Gamma platform.Level = 3
)

// Catalog returns the three-release catalog.
func Catalog() *platform.Catalog {
	return platform.MustCatalog(
		platform.Release{Level: Alpha, Name: "alpha", Version: "1.0"},
		platform.Release{Level: Beta, Name: "beta", Version: "2.0"},
		platform.Release{Level: Gamma, Name: "gamma", Version: "3.0"},
	)
}

// Scope instruments everything under "platform".
func Scope() rewrite.Config {
	return rewrite.Config{InstrumentedPackages: []string{"platform"}}
}

// Archive returns a memory archive holding the platform classes of every
// level. TextView gains getHint at Gamma.
func Archive() *archive.Memory {
	m := archive.NewMemory()
	for _, level := range []platform.Level{Alpha, Beta, Gamma} {
		m.MustPut(level, ViewClass(), TextViewClass(level >= Gamma), ClockClass(), LogClass())
	}
	return m
}

// Registry returns a frozen registry with the standard registrations.
func Registry() *registry.Registry {
	r := registry.New().MustRegister(
		registry.Descriptor{Target: View, Substitute: ShadowView, MinLevel: Alpha, MaxLevel: platform.MaxLevel, Scope: "shadows"},
		registry.Descriptor{Target: TextView, Substitute: ShadowTextView, MinLevel: Alpha, MaxLevel: platform.MaxLevel, Scope: "shadows"},
		registry.Descriptor{Target: Clock, Substitute: ShadowClock, MinLevel: Alpha, MaxLevel: platform.MaxLevel, Scope: "shadows"},
		registry.Descriptor{Target: Clock, Substitute: ShadowClockModern, MinLevel: Gamma, MaxLevel: platform.MaxLevel, Scope: "shadows"},
	)
	r.Freeze()
	return r
}

// Library returns a frozen library with every substitute implementation.
func Library() *shadow.Library {
	l := shadow.NewLibrary().MustAdd(
		shadowView(),
		shadowTextView(),
		shadowClock(ShadowClock, 1000),
		shadowClock(ShadowClockModern, 5000),
	)
	l.Freeze()
	return l
}

// ---------------------------------------------------------------------------
// Platform classes
// ---------------------------------------------------------------------------

// ViewClass has a name field, a static instance counter, performClick and
// a static setter for a global flag.
func ViewClass() *classfile.Class {
	clinit := classfile.NewMethod(classfile.StaticInitName, 0, classfile.MethodStatic)
	clinit.EmitInt8(0)
	clinit.EmitRef(classfile.OpPutStatic, View+".created")
	clinit.Emit(classfile.OpReturnNil)

	ctor := classfile.NewMethod(classfile.ConstructorName, 1, classfile.MethodPublic)
	ctor.Emit(classfile.OpPushSelf)
	ctor.EmitByte(classfile.OpLoadLocal, 0)
	ctor.EmitRef(classfile.OpPutField, "name")
	ctor.EmitRef(classfile.OpGetStatic, View+".created")
	ctor.EmitInt8(1)
	ctor.Emit(classfile.OpAdd)
	ctor.EmitRef(classfile.OpPutStatic, View+".created")
	ctor.Emit(classfile.OpReturnNil)

	getName := classfile.NewMethod("getName", 0, classfile.MethodPublic)
	getName.Emit(classfile.OpPushSelf)
	getName.EmitRef(classfile.OpGetField, "name")
	getName.Emit(classfile.OpReturn)

	describe := classfile.NewMethod("describe", 0, classfile.MethodPublic)
	describe.EmitLiteral(classfile.String("View:"))
	describe.Emit(classfile.OpPushSelf)
	describe.EmitInvoke(classfile.OpInvokeVirtual, View+".getName", 0)
	describe.Emit(classfile.OpConcat)
	describe.Emit(classfile.OpReturn)

	// The real performClick needs a display, so it throws.
	click := classfile.NewMethod("performClick", 0, classfile.MethodPublic)
	click.EmitLiteral(classfile.String("no display"))
	click.Emit(classfile.OpThrow)

	created := classfile.NewMethod("created", 0, classfile.MethodPublic|classfile.MethodStatic)
	created.EmitRef(classfile.OpGetStatic, View+".created")
	created.Emit(classfile.OpReturn)

	setDebug := classfile.NewMethod("setDebug", 1, classfile.MethodPublic|classfile.MethodStatic)
	setDebug.EmitByte(classfile.OpLoadLocal, 0)
	setDebug.EmitRef(classfile.OpPutStatic, View+".debug")
	setDebug.Emit(classfile.OpReturnNil)

	isDebug := classfile.NewMethod("isDebug", 0, classfile.MethodPublic|classfile.MethodStatic)
	isDebug.EmitRef(classfile.OpGetStatic, View+".debug")
	isDebug.Emit(classfile.OpReturn)

	return classfile.NewClass(View, "", classfile.ClassPublic).
		Field("name").
		StaticField("created").
		StaticField("debug").
		Method(clinit.Build()).
		Method(ctor.Build()).
		Method(getName.Build()).
		Method(describe.Build()).
		Method(click.Build()).
		Method(created.Build()).
		Method(setDebug.Build()).
		Method(isDebug.Build()).
		Build()
}

// TextViewClass extends View with a text field. withHint adds getHint,
// which only exists from Gamma on.
func TextViewClass(withHint bool) *classfile.Class {
	ctor := classfile.NewMethod(classfile.ConstructorName, 1, classfile.MethodPublic)
	ctor.Emit(classfile.OpPushSelf)
	ctor.EmitByte(classfile.OpLoadLocal, 0)
	ctor.EmitInvoke(classfile.OpInvokeSpecial, View+"."+classfile.ConstructorName, 1)
	ctor.Emit(classfile.OpPOP)
	ctor.Emit(classfile.OpPushSelf)
	ctor.EmitLiteral(classfile.String(""))
	ctor.EmitRef(classfile.OpPutField, "text")
	ctor.Emit(classfile.OpReturnNil)

	setText := classfile.NewMethod("setText", 1, classfile.MethodPublic)
	setText.Emit(classfile.OpPushSelf)
	setText.EmitByte(classfile.OpLoadLocal, 0)
	setText.EmitRef(classfile.OpPutField, "text")
	setText.Emit(classfile.OpReturnNil)

	getText := classfile.NewMethod("getText", 0, classfile.MethodPublic)
	getText.Emit(classfile.OpPushSelf)
	getText.EmitRef(classfile.OpGetField, "text")
	getText.Emit(classfile.OpReturn)

	b := classfile.NewClass(TextView, View, classfile.ClassPublic).
		Field("text").
		Method(ctor.Build()).
		Method(setText.Build()).
		Method(getText.Build())
	if withHint {
		hint := classfile.NewMethod("getHint", 0, classfile.MethodPublic)
		hint.EmitLiteral(classfile.String("hint"))
		hint.Emit(classfile.OpReturn)
		b.Method(hint.Build())
	}
	return b.Build()
}

// ClockClass keeps the time in a static field; uptimeMillis is native.
func ClockClass() *classfile.Class {
	clinit := classfile.NewMethod(classfile.StaticInitName, 0, classfile.MethodStatic)
	clinit.EmitInt8(0)
	clinit.EmitRef(classfile.OpPutStatic, Clock+".offset")
	clinit.Emit(classfile.OpReturnNil)

	uptime := classfile.NewMethod("uptimeMillis", 0, classfile.MethodPublic|classfile.MethodStatic|classfile.MethodNative)

	elapsed := classfile.NewMethod("elapsed", 0, classfile.MethodPublic|classfile.MethodStatic)
	elapsed.EmitInvoke(classfile.OpInvokeStatic, Clock+".uptimeMillis", 0)
	elapsed.EmitRef(classfile.OpGetStatic, Clock+".offset")
	elapsed.Emit(classfile.OpAdd)
	elapsed.Emit(classfile.OpReturn)

	sleep := classfile.NewMethod("sleep", 1, classfile.MethodPublic|classfile.MethodStatic)
	sleep.EmitRef(classfile.OpGetStatic, Clock+".offset")
	sleep.EmitByte(classfile.OpLoadLocal, 0)
	sleep.Emit(classfile.OpAdd)
	sleep.EmitRef(classfile.OpPutStatic, Clock+".offset")
	sleep.Emit(classfile.OpReturnNil)

	return classfile.NewClass(Clock, "", classfile.ClassPublic|classfile.ClassFinal).
		StaticField("offset").
		Method(clinit.Build()).
		Method(uptime.Build()).
		Method(elapsed.Build()).
		Method(sleep.Build()).
		Build()
}

// LogClass has no substitute; w returns its argument.
func LogClass() *classfile.Class {
	w := classfile.NewMethod("w", 1, classfile.MethodPublic|classfile.MethodStatic)
	w.EmitByte(classfile.OpLoadLocal, 0)
	w.Emit(classfile.OpReturn)
	return classfile.NewClass(Log, "", classfile.ClassPublic).
		Method(w.Build()).
		Build()
}

// ---------------------------------------------------------------------------
// Substitutes
// ---------------------------------------------------------------------------

// ViewState is the shadow state of a View.
type ViewState struct {
	Clicks int
}

func shadowView() *shadow.Implementation {
	return &shadow.Implementation{
		ID:       ShadowView,
		Fields:   []string{"name"},
		NewState: func() any { return &ViewState{} },
		Methods: map[string]shadow.Method{
			"performClick/0": func(c *shadow.Call) (vm.Value, error) {
				st := c.State().(*ViewState)
				st.Clicks++
				return true, nil
			},
		},
	}
}

// TextViewState is the shadow state of a TextView.
type TextViewState struct {
	TextChanges int
}

func shadowTextView() *shadow.Implementation {
	return &shadow.Implementation{
		ID:       ShadowTextView,
		Fields:   []string{"text"},
		NewState: func() any { return &TextViewState{} },
		Methods: map[string]shadow.Method{
			"setText/1": func(c *shadow.Call) (vm.Value, error) {
				c.State().(*TextViewState).TextChanges++
				return c.CallReal()
			},
			"getText": func(c *shadow.Call) (vm.Value, error) {
				v, err := c.Get("text")
				if err != nil {
					return nil, err
				}
				return "[" + vm.Format(v) + "]", nil
			},
		},
	}
}

// shadowClock serves uptimeMillis from a static slot seeded at static
// initialization.
func shadowClock(id string, start int64) *shadow.Implementation {
	return &shadow.Implementation{
		ID: id,
		StaticInitializer: func(c *shadow.Call) (vm.Value, error) {
			c.Statics().Set("uptime", start)
			return c.CallReal()
		},
		Methods: map[string]shadow.Method{
			"uptimeMillis/0": func(c *shadow.Call) (vm.Value, error) {
				return c.Statics().Get("uptime"), nil
			},
		},
	}
}
