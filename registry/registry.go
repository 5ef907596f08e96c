// Package registry holds the substitute descriptors known to the process and
// resolves, for a platform level, which substitute applies to each target
// class.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/chazu/umbra/platform"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("umbra.registry")

// OverrideScope is the scope of descriptors synthesized from overrides.
const OverrideScope = "override"

// ErrFrozen is returned by Register after Freeze.
var ErrFrozen = errors.New("registry: frozen")

// ---------------------------------------------------------------------------
// Descriptor
// ---------------------------------------------------------------------------

// Descriptor declares that Substitute implements Target for every level in
// [MinLevel, MaxLevel].
type Descriptor struct {
	Target     string         `toml:"target" cbor:"1,keyasint"`
	Substitute string         `toml:"substitute" cbor:"2,keyasint"`
	MinLevel   platform.Level `toml:"min_level" cbor:"3,keyasint"`
	MaxLevel   platform.Level `toml:"max_level" cbor:"4,keyasint"`
	Priority   int            `toml:"priority" cbor:"5,keyasint,omitempty"`
	Scope      string         `toml:"scope" cbor:"6,keyasint,omitempty"`
}

// Validate checks the descriptor invariants.
func (d Descriptor) Validate() error {
	switch {
	case strings.TrimSpace(d.Target) == "":
		return fmt.Errorf("registry: descriptor for %q has no target", d.Substitute)
	case strings.TrimSpace(d.Substitute) == "":
		return fmt.Errorf("registry: descriptor for %s has no substitute", d.Target)
	case d.MinLevel < 0:
		return fmt.Errorf("registry: %s: negative min level %d", d.Target, d.MinLevel)
	case d.MinLevel > d.MaxLevel:
		return fmt.Errorf("registry: %s: min level %s above max level %s", d.Target, d.MinLevel, d.MaxLevel)
	}
	return nil
}

// Contains reports whether level lies within the descriptor's range.
func (d Descriptor) Contains(level platform.Level) bool {
	return d.MinLevel <= level && level <= d.MaxLevel
}

// sameRule reports whether d and o register the same substitute for the same
// range and priority. Scope is provenance and does not distinguish them.
func (d Descriptor) sameRule(o Descriptor) bool {
	return d.Target == o.Target && d.Substitute == o.Substitute &&
		d.MinLevel == o.MinLevel && d.MaxLevel == o.MaxLevel && d.Priority == o.Priority
}

// narrower reports whether d's range is strictly nested inside o's.
func (d Descriptor) narrower(o Descriptor) bool {
	return o.MinLevel <= d.MinLevel && d.MaxLevel <= o.MaxLevel &&
		(o.MinLevel != d.MinLevel || o.MaxLevel != d.MaxLevel)
}

// String renders "Substitute[min..max]@priority".
func (d Descriptor) String() string {
	return fmt.Sprintf("%s[%s..%s]@%d", d.Substitute, d.MinLevel, d.MaxLevel, d.Priority)
}

// ConflictError reports a registration that would make resolution ambiguous.
type ConflictError struct {
	Target      string
	Level       platform.Level
	Descriptors []Descriptor
}

func (e *ConflictError) Error() string {
	parts := make([]string, len(e.Descriptors))
	for i, d := range e.Descriptors {
		parts[i] = d.String()
	}
	return fmt.Sprintf("registry: ambiguous substitutes for %s at level %s: %s",
		e.Target, e.Level, strings.Join(parts, ", "))
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// Registry maps targets to their descriptors. It is filled during startup,
// frozen, and then shared read-only by every sandbox.
type Registry struct {
	mu       sync.RWMutex
	byTarget map[string][]Descriptor
	frozen   bool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{byTarget: make(map[string][]Descriptor)}
}

// Register adds a descriptor. Registering the same substitute, range and
// priority again is a no-op, whatever its scope. A descriptor that would
// leave any level with equally specific, equally prioritized candidates
// naming different substitutes is rejected with a *ConflictError.
func (r *Registry) Register(d Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("%w: cannot register %s for %s", ErrFrozen, d.Substitute, d.Target)
	}

	existing := r.byTarget[d.Target]
	for _, e := range existing {
		if e.sameRule(d) {
			return nil
		}
	}

	candidates := append(append([]Descriptor(nil), existing...), d)
	if err := checkAmbiguity(d.Target, candidates); err != nil {
		return err
	}

	r.byTarget[d.Target] = candidates
	log.Debug("registered substitute", "target", d.Target, "substitute", d.Substitute,
		"min", d.MinLevel, "max", d.MaxLevel, "priority", d.Priority)
	return nil
}

// MustRegister is Register for static tables; it panics on error.
func (r *Registry) MustRegister(ds ...Descriptor) *Registry {
	for _, d := range ds {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
	return r
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Targets returns every registered target in sorted order.
func (r *Registry) Targets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byTarget))
	for t := range r.byTarget {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Descriptors returns the descriptors registered for target in registration
// order.
func (r *Registry) Descriptors(target string) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Descriptor(nil), r.byTarget[target]...)
}

// Len returns the total number of descriptors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, ds := range r.byTarget {
		n += len(ds)
	}
	return n
}

// Resolve returns the descriptor that applies to target at level. An override
// naming a substitute for target wins unconditionally. The boolean is false
// when nothing applies.
func (r *Registry) Resolve(target string, level platform.Level, overrides map[string]string) (Descriptor, bool) {
	r.mu.RLock()
	candidates := r.byTarget[target]
	r.mu.RUnlock()

	if sub, ok := overrides[target]; ok && sub != "" {
		return overrideDescriptor(target, sub, level, candidates), true
	}

	winners := best(candidates, level)
	if len(winners) == 0 {
		return Descriptor{}, false
	}
	// Registration guarantees a single winner.
	return winners[0], true
}

// ResolveAll resolves every registered or overridden target at level.
func (r *Registry) ResolveAll(level platform.Level, overrides map[string]string) map[string]Descriptor {
	out := make(map[string]Descriptor)
	for _, t := range r.Targets() {
		if d, ok := r.Resolve(t, level, overrides); ok {
			out[t] = d
		}
	}
	for t := range overrides {
		if _, done := out[t]; done {
			continue
		}
		if d, ok := r.Resolve(t, level, overrides); ok {
			out[t] = d
		}
	}
	return out
}

// overrideDescriptor returns a registered descriptor for sub, preferring one
// whose range contains level, or else an unbounded synthesized one.
func overrideDescriptor(target, sub string, level platform.Level, candidates []Descriptor) Descriptor {
	var match *Descriptor
	for i := range candidates {
		c := candidates[i]
		if c.Substitute != sub {
			continue
		}
		if c.Contains(level) {
			return c
		}
		if match == nil {
			match = &candidates[i]
		}
	}
	if match != nil {
		return *match
	}
	return Descriptor{
		Target:     target,
		Substitute: sub,
		MinLevel:   0,
		MaxLevel:   platform.MaxLevel,
		Scope:      OverrideScope,
	}
}

// best returns the equally good winners among candidates at level: the
// narrowest ranges first, then the highest priority.
func best(candidates []Descriptor, level platform.Level) []Descriptor {
	var in []Descriptor
	for _, c := range candidates {
		if c.Contains(level) {
			in = append(in, c)
		}
	}

	var narrowest []Descriptor
	for _, c := range in {
		dominated := false
		for _, o := range in {
			if o.narrower(c) {
				dominated = true
				break
			}
		}
		if !dominated {
			narrowest = append(narrowest, c)
		}
	}

	var winners []Descriptor
	for _, c := range narrowest {
		switch {
		case len(winners) == 0 || c.Priority > winners[0].Priority:
			winners = []Descriptor{c}
		case c.Priority == winners[0].Priority:
			winners = append(winners, c)
		}
	}
	return winners
}

// checkAmbiguity evaluates resolution at every level where the candidate set
// can change and fails at the first level whose winners name more than one
// substitute.
func checkAmbiguity(target string, candidates []Descriptor) error {
	points := make(map[platform.Level]struct{}, 2*len(candidates))
	for _, c := range candidates {
		points[c.MinLevel] = struct{}{}
		if c.MaxLevel < platform.MaxLevel {
			points[c.MaxLevel+1] = struct{}{}
		}
	}
	levels := make([]platform.Level, 0, len(points))
	for l := range points {
		levels = append(levels, l)
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i] < levels[j] })

	for _, l := range levels {
		w := best(candidates, l)
		for _, d := range w[min(1, len(w)):] {
			if d.Substitute != w[0].Substitute {
				return &ConflictError{Target: target, Level: l, Descriptors: w}
			}
		}
	}
	return nil
}
