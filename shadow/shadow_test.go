package shadow_test

import (
	"context"
	"errors"
	"testing"

	"github.com/chazu/umbra/classfile"
	"github.com/chazu/umbra/internal/platformtest"
	"github.com/chazu/umbra/shadow"
	"github.com/chazu/umbra/vm"
	"github.com/google/go-cmp/cmp"
)

func nop(*shadow.Call) (vm.Value, error) { return nil, nil }

func TestMethodLookupPrefersExactSignature(t *testing.T) {
	exact := func(*shadow.Call) (vm.Value, error) { return "exact", nil }
	bare := func(*shadow.Call) (vm.Value, error) { return "any", nil }
	impl := &shadow.Implementation{
		ID:      "s.Impl",
		Methods: map[string]shadow.Method{"draw/1": exact, "draw": bare},
	}

	tests := []struct {
		sig  classfile.Signature
		want vm.Value
		ok   bool
	}{
		{classfile.Signature{Name: "draw", Arity: 1}, "exact", true},
		{classfile.Signature{Name: "draw", Arity: 2}, "any", true},
		{classfile.Signature{Name: "paint", Arity: 0}, nil, false},
	}
	for _, tc := range tests {
		t.Run(tc.sig.String(), func(t *testing.T) {
			m, ok := impl.Method(tc.sig)
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if !ok {
				return
			}
			if got, _ := m(nil); got != tc.want {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		impl *shadow.Implementation
		ok   bool
	}{
		{"valid", &shadow.Implementation{ID: "a", Methods: map[string]shadow.Method{"x/0": nop, "y": nop}}, true},
		{"no id", &shadow.Implementation{}, false},
		{"nil method", &shadow.Implementation{ID: "a", Methods: map[string]shadow.Method{"x": nil}}, false},
		{"bad signature", &shadow.Implementation{ID: "a", Methods: map[string]shadow.Method{"x/y": nop}}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.impl.Validate()
			if (err == nil) != tc.ok {
				t.Errorf("Validate() = %v", err)
			}
		})
	}
}

func TestLibrary(t *testing.T) {
	l := shadow.NewLibrary()
	a := &shadow.Implementation{ID: "s.A"}
	if err := l.Add(a); err != nil {
		t.Fatal(err)
	}
	if err := l.Add(a); err != nil {
		t.Errorf("re-adding the same implementation: %v", err)
	}
	if err := l.Add(&shadow.Implementation{ID: "s.A"}); err == nil {
		t.Error("expected duplicate error")
	}

	exact := func(*shadow.Call) (vm.Value, error) { return 1, nil }
	wild := func(*shadow.Call) (vm.Value, error) { return 2, nil }
	if err := l.Intercept("p.Clock.now", exact); err != nil {
		t.Fatal(err)
	}
	if err := l.Intercept("p.Clock.*", wild); err != nil {
		t.Fatal(err)
	}
	if err := l.Intercept("nodot", wild); err == nil {
		t.Error("expected malformed ref error")
	}

	if fn, ok := l.Interceptor("p.Clock.now"); !ok {
		t.Error("exact interceptor missing")
	} else if v, _ := fn(nil); v != 1 {
		t.Error("wildcard shadowed exact interceptor")
	}
	if fn, ok := l.Interceptor("p.Clock.later"); !ok {
		t.Error("wildcard interceptor missing")
	} else if v, _ := fn(nil); v != 2 {
		t.Error("wrong interceptor")
	}
	if _, ok := l.Interceptor("p.Other.now"); ok {
		t.Error("unexpected interceptor")
	}

	if diff := cmp.Diff([]string{"p.Clock.*", "p.Clock.now"}, l.InterceptedRefs()); diff != "" {
		t.Errorf("InterceptedRefs (-want +got):\n%s", diff)
	}

	l.Freeze()
	if err := l.Add(&shadow.Implementation{ID: "s.B"}); !errors.Is(err, shadow.ErrFrozen) {
		t.Errorf("Add after Freeze = %v", err)
	}
	if diff := cmp.Diff([]string{"s.A"}, l.IDs()); diff != "" {
		t.Errorf("IDs (-want +got):\n%s", diff)
	}
}

func TestStateAndStatics(t *testing.T) {
	ctx := context.Background()
	arch := platformtest.Archive()
	u := vm.NewUniverse(vm.Options{Source: vm.ClassSourceFunc(
		func(ctx context.Context, name string) (*classfile.Class, error) {
			return arch.Class(ctx, platformtest.Alpha, name)
		})})

	v1, err := u.New(ctx, platformtest.View, "a")
	if err != nil {
		t.Fatal(err)
	}
	v2, err := u.New(ctx, platformtest.View, "b")
	if err != nil {
		t.Fatal(err)
	}

	type counter struct{ n int }
	impl := &shadow.Implementation{ID: "s.Counter", NewState: func() any { return &counter{} }}
	other := &shadow.Implementation{ID: "s.Other", NewState: func() any { return &counter{} }}

	if _, ok := shadow.StateOf(u, impl, v1); ok {
		t.Fatal("state exists before EnsureState")
	}
	shadow.EnsureState(u, impl, v1).(*counter).n = 5
	if got := shadow.EnsureState(u, impl, v1).(*counter).n; got != 5 {
		t.Errorf("EnsureState replaced existing state: n = %d", got)
	}
	shadow.EnsureState(u, other, v1)
	if st, _ := shadow.StateOf(u, impl, v2); st != nil {
		t.Error("state leaked to another object")
	}
	if st, ok := shadow.StateOf(u, other, v1); !ok || st.(*counter).n != 0 {
		t.Error("substitutes share state")
	}

	s := shadow.StaticsOf(u, "s.Counter")
	s.Set("hits", int64(3))
	if got := u.Arena().Get(vm.Slot{Class: "s.Counter", Field: "hits"}); got != int64(3) {
		t.Errorf("arena slot = %v", got)
	}
	if shadow.StaticsOf(u, "s.Other").Get("hits") != nil {
		t.Error("statics shared between substitutes")
	}
}
