package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/chazu/umbra/platform"
	"github.com/google/go-cmp/cmp"
)

func desc(sub string, min, max platform.Level, prio int) Descriptor {
	return Descriptor{Target: "platform.widget.TextView", Substitute: sub, MinLevel: min, MaxLevel: max, Priority: prio}
}

func TestResolveNarrowestThenPriority(t *testing.T) {
	r := New().MustRegister(
		desc("ShadowTextViewA", 1, 10, 0),
		desc("ShadowTextViewB", 5, 15, 1),
	)

	tests := []struct {
		level platform.Level
		want  string
		ok    bool
	}{
		{7, "ShadowTextViewB", true},
		{3, "ShadowTextViewA", true},
		{12, "ShadowTextViewB", true},
		{20, "", false},
	}
	for _, tc := range tests {
		t.Run(tc.level.String(), func(t *testing.T) {
			d, ok := r.Resolve("platform.widget.TextView", tc.level, nil)
			if ok != tc.ok || d.Substitute != tc.want {
				t.Errorf("Resolve(%d) = %q, %v; want %q, %v", tc.level, d.Substitute, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestNestedRangeBeatsPriority(t *testing.T) {
	r := New().MustRegister(
		desc("Wide", 1, platform.MaxLevel, 100),
		desc("Narrow", 21, 28, 0),
	)
	if d, _ := r.Resolve("platform.widget.TextView", 25, nil); d.Substitute != "Narrow" {
		t.Errorf("level 25 resolved to %s, want Narrow", d.Substitute)
	}
	if d, _ := r.Resolve("platform.widget.TextView", 30, nil); d.Substitute != "Wide" {
		t.Errorf("level 30 resolved to %s, want Wide", d.Substitute)
	}
}

func TestOverrideWinsUnconditionally(t *testing.T) {
	r := New().MustRegister(
		desc("ShadowTextViewA", 1, 10, 0),
		desc("ShadowTextViewB", 5, 15, 1),
	)
	overrides := map[string]string{"platform.widget.TextView": "ShadowTextViewC"}
	for _, level := range []platform.Level{3, 7, 99} {
		d, ok := r.Resolve("platform.widget.TextView", level, overrides)
		if !ok || d.Substitute != "ShadowTextViewC" {
			t.Errorf("level %d: got %q, %v", level, d.Substitute, ok)
		}
		if d.Scope != OverrideScope {
			t.Errorf("synthesized override scope = %q", d.Scope)
		}
	}

	// Overrides also apply to targets with no registration at all.
	d, ok := r.Resolve("platform.os.Looper", 7, map[string]string{"platform.os.Looper": "ShadowLooperPaused"})
	if !ok || d.Substitute != "ShadowLooperPaused" {
		t.Errorf("unregistered override: %v %v", d, ok)
	}
}

func TestOverrideKeepsRegisteredDescriptor(t *testing.T) {
	r := New().MustRegister(desc("ShadowTextViewA", 1, 10, 3), desc("ShadowTextViewB", 11, 20, 0))
	d, _ := r.Resolve("platform.widget.TextView", 15, map[string]string{"platform.widget.TextView": "ShadowTextViewA"})
	if diff := cmp.Diff(desc("ShadowTextViewA", 1, 10, 3), d); diff != "" {
		t.Errorf("override descriptor mismatch (-want +got):\n%s", diff)
	}
}

func TestRegisterConflicts(t *testing.T) {
	tests := []struct {
		name     string
		existing []Descriptor
		add      Descriptor
		level    platform.Level
	}{
		{
			name:     "identical range and priority",
			existing: []Descriptor{desc("A", 1, 10, 0)},
			add:      desc("B", 1, 10, 0),
			level:    1,
		},
		{
			name:     "partial overlap same priority",
			existing: []Descriptor{desc("A", 1, 10, 0)},
			add:      desc("B", 5, 15, 0),
			level:    5,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := New().MustRegister(tc.existing...)
			err := r.Register(tc.add)
			var ce *ConflictError
			if !errors.As(err, &ce) {
				t.Fatalf("Register error = %v, want *ConflictError", err)
			}
			if ce.Level != tc.level || ce.Target != tc.add.Target || len(ce.Descriptors) != 2 {
				t.Errorf("conflict = %+v", ce)
			}
			if len(r.Descriptors(tc.add.Target)) != len(tc.existing) {
				t.Error("conflicting descriptor was stored")
			}
		})
	}
}

func TestRegisterNestedSamePriorityIsAllowed(t *testing.T) {
	r := New()
	if err := r.Register(desc("A", 1, 20, 0)); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(desc("B", 5, 10, 0)); err != nil {
		t.Fatalf("nested range rejected: %v", err)
	}
}

func TestRegisterDuplicateIsNoop(t *testing.T) {
	r := New()
	d := desc("A", 1, 10, 0)
	for i := 0; i < 3; i++ {
		if err := r.Register(d); err != nil {
			t.Fatalf("Register #%d: %v", i, err)
		}
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestRegisterSameRuleFromAnotherScope(t *testing.T) {
	r := New()
	d := desc("A", 1, 10, 0)
	d.Scope = "views"
	if err := r.Register(d); err != nil {
		t.Fatal(err)
	}
	d.Scope = "widgets"
	if err := r.Register(d); err != nil {
		t.Fatalf("Register from a second scope: %v", err)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
	if got, ok := r.Resolve(d.Target, 5, nil); !ok || got.Scope != "views" {
		t.Errorf("Resolve = %+v, %v, want the first registration", got, ok)
	}

	// The same substitute over partially overlapping ranges resolves to
	// one identifier everywhere.
	if err := r.Register(desc("A", 5, 15, 0)); err != nil {
		t.Fatalf("Register overlapping range of the same substitute: %v", err)
	}
	if got, ok := r.Resolve(d.Target, 12, nil); !ok || got.Substitute != "A" {
		t.Errorf("Resolve(12) = %+v, %v", got, ok)
	}
}

func TestRegisterValidation(t *testing.T) {
	tests := []struct {
		name string
		d    Descriptor
	}{
		{"no target", Descriptor{Substitute: "S", MaxLevel: 3}},
		{"no substitute", Descriptor{Target: "T", MaxLevel: 3}},
		{"inverted range", Descriptor{Target: "T", Substitute: "S", MinLevel: 5, MaxLevel: 3}},
		{"negative min", Descriptor{Target: "T", Substitute: "S", MinLevel: -1, MaxLevel: 3}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := New().Register(tc.d); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestFreeze(t *testing.T) {
	r := New().MustRegister(desc("A", 1, 10, 0))
	r.Freeze()
	if err := r.Register(desc("B", 11, 20, 0)); !errors.Is(err, ErrFrozen) {
		t.Errorf("Register after Freeze = %v, want ErrFrozen", err)
	}
	if _, ok := r.Resolve("platform.widget.TextView", 5, nil); !ok {
		t.Error("frozen registry no longer resolves")
	}
}

func TestTargetsAndResolveAll(t *testing.T) {
	r := New().MustRegister(
		Descriptor{Target: "b.Two", Substitute: "S2", MinLevel: 1, MaxLevel: platform.MaxLevel},
		Descriptor{Target: "a.One", Substitute: "S1", MinLevel: 1, MaxLevel: 10},
	)
	if diff := cmp.Diff([]string{"a.One", "b.Two"}, r.Targets()); diff != "" {
		t.Errorf("Targets mismatch (-want +got):\n%s", diff)
	}

	got := r.ResolveAll(20, map[string]string{"c.Three": "S3"})
	want := map[string]string{"b.Two": "S2", "c.Three": "S3"}
	subs := make(map[string]string)
	for target, d := range got {
		subs[target] = d.Substitute
	}
	if diff := cmp.Diff(want, subs); diff != "" {
		t.Errorf("ResolveAll mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadIndex(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "widgets.toml")
	data := `
scope = "widgets"

[[substitute]]
target = "platform.widget.TextView"
substitute = "ShadowTextView"
min_level = 21

[[substitute]]
target = "platform.widget.TextView"
substitute = "ShadowLegacyTextView"
min_level = 16
max_level = 20
priority = 2
scope = "legacy"
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	r := New()
	n, err := r.LoadIndexes(filepath.Join(dir, "*.toml"))
	if err != nil {
		t.Fatalf("LoadIndexes: %v", err)
	}
	if n != 2 {
		t.Errorf("loaded %d descriptors, want 2", n)
	}

	want := []Descriptor{
		{Target: "platform.widget.TextView", Substitute: "ShadowTextView", MinLevel: 21, MaxLevel: platform.MaxLevel, Scope: "widgets"},
		{Target: "platform.widget.TextView", Substitute: "ShadowLegacyTextView", MinLevel: 16, MaxLevel: 20, Priority: 2, Scope: "legacy"},
	}
	if diff := cmp.Diff(want, r.Descriptors("platform.widget.TextView")); diff != "" {
		t.Errorf("descriptors mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadIndexReportsConflicts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.toml")
	data := `
[[substitute]]
target = "platform.app.Activity"
substitute = "One"
min_level = 1
max_level = 10

[[substitute]]
target = "platform.app.Activity"
substitute = "Two"
min_level = 1
max_level = 10
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := New().LoadIndex(path)
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("LoadIndex error = %v, want *ConflictError", err)
	}
}
