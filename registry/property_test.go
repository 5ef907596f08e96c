package registry

import (
	"fmt"
	"slices"
	"testing"

	"github.com/chazu/umbra/platform"
	"pgregory.net/rapid"
)

// --- Generators ---

// genDescriptor draws a descriptor over a small level space so ranges
// overlap often.
func genDescriptor(t *rapid.T, label string) Descriptor {
	lo := rapid.IntRange(1, 20).Draw(t, label+"_min")
	hi := rapid.IntRange(lo, 25).Draw(t, label+"_max")
	d := Descriptor{
		Target:     "platform.view.View",
		Substitute: rapid.SampledFrom([]string{"S1", "S2", "S3", "S4"}).Draw(t, label+"_sub"),
		MinLevel:   platform.Level(lo),
		MaxLevel:   platform.Level(hi),
		Priority:   rapid.IntRange(0, 3).Draw(t, label+"_prio"),
	}
	if rapid.Bool().Draw(t, label+"_open") {
		d.MaxLevel = platform.MaxLevel
	}
	return d
}

// fill registers a batch of random descriptors, keeping those accepted.
func fill(t *rapid.T) (*Registry, []Descriptor) {
	r := New()
	var accepted []Descriptor
	n := rapid.IntRange(1, 8).Draw(t, "n")
	for i := range n {
		d := genDescriptor(t, fmt.Sprintf("d%d", i))
		if err := r.Register(d); err == nil && !slices.Contains(accepted, d) {
			accepted = append(accepted, d)
		}
	}
	return r, accepted
}

func TestPropertyResolveIsUniqueBest(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r, _ := fill(t)
		level := platform.Level(rapid.IntRange(0, 30).Draw(t, "level"))

		all := r.Descriptors("platform.view.View")
		got, ok := r.Resolve("platform.view.View", level, nil)

		var inRange []Descriptor
		for _, d := range all {
			if d.Contains(level) {
				inRange = append(inRange, d)
			}
		}
		if !ok {
			if len(inRange) != 0 {
				t.Fatalf("miss at level %d with %d candidates", level, len(inRange))
			}
			return
		}
		if !got.Contains(level) {
			t.Fatalf("resolved %v does not contain level %d", got, level)
		}
		for _, d := range inRange {
			if d == got || dominated(d, inRange) {
				continue
			}
			if d.narrower(got) {
				t.Fatalf("%v is narrower than resolved %v", d, got)
			}
			if !got.narrower(d) && d.Priority > got.Priority {
				t.Fatalf("%v beats resolved %v", d, got)
			}
			if !got.narrower(d) && d.Priority == got.Priority && d.Substitute != got.Substitute {
				t.Fatalf("%v ties resolved %v", d, got)
			}
		}
	})
}

func TestPropertyResolveIsPure(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r, _ := fill(t)
		level := platform.Level(rapid.IntRange(0, 30).Draw(t, "level"))
		a, okA := r.Resolve("platform.view.View", level, nil)
		b, okB := r.Resolve("platform.view.View", level, nil)
		if a != b || okA != okB {
			t.Fatalf("Resolve not pure: %v/%v vs %v/%v", a, okA, b, okB)
		}
	})
}

func TestPropertyOverrideAlwaysWins(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r, _ := fill(t)
		level := platform.Level(rapid.IntRange(0, 30).Draw(t, "level"))
		sub := rapid.StringMatching(`Override[A-Z]`).Draw(t, "override")
		d, ok := r.Resolve("platform.view.View", level, map[string]string{"platform.view.View": sub})
		if !ok || d.Substitute != sub {
			t.Fatalf("override %s lost to %v", sub, d)
		}
	})
}

func TestPropertyRejectedRegistrationLeavesRegistryUnchanged(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r, accepted := fill(t)
		before := r.Descriptors("platform.view.View")
		if len(before) != len(accepted) {
			t.Fatalf("registry holds %d descriptors, accepted %d", len(before), len(accepted))
		}
		d := genDescriptor(t, "extra")
		if err := r.Register(d); err != nil {
			if len(r.Descriptors("platform.view.View")) != len(before) {
				t.Fatal("rejected descriptor changed the registry")
			}
		}
	})
}

func dominated(d Descriptor, set []Descriptor) bool {
	for _, o := range set {
		if o.narrower(d) {
			return true
		}
	}
	return false
}
