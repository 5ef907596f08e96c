// Package dispatch turns a resolved substitute selection into the handler a
// sandbox's universe consults: an immutable table from target class and
// method signature to the plan that runs when the shim is called.
package dispatch

import (
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"

	"github.com/chazu/umbra/classfile"
	"github.com/chazu/umbra/platform"
	"github.com/chazu/umbra/registry"
	"github.com/chazu/umbra/rewrite"
	"github.com/chazu/umbra/shadow"
	"github.com/chazu/umbra/vm"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("umbra.dispatch")

// ErrNoImplementation is returned when a selected substitute is not in the
// library.
var ErrNoImplementation = errors.New("dispatch: substitute has no implementation")

// classTable holds the plans of one target class.
type classTable struct {
	desc    registry.Descriptor
	impl    *shadow.Implementation
	bySig   map[classfile.Signature]vm.Plan
	byName  map[string]vm.Plan
	missing vm.Plan // nil: call through to the original body
	clinit  vm.Plan
}

func (t *classTable) plan(sig classfile.Signature) vm.Plan {
	if p, ok := t.bySig[sig]; ok {
		return p
	}
	if p, ok := t.byName[sig.Name]; ok {
		return p
	}
	return t.missing
}

// Context is the dispatch context of one sandbox. It is built once and
// never changes; it implements vm.Handler.
type Context struct {
	sel         Selection
	fingerprint Fingerprint

	table      map[string]*classTable
	intercepts map[string]vm.InterceptFunc
}

var _ vm.Handler = (*Context)(nil)

// NewContext builds the dispatch table for sel from the implementations in
// lib.
func NewContext(sel Selection, lib *shadow.Library) (*Context, error) {
	fp, err := sel.Fingerprint()
	if err != nil {
		return nil, err
	}
	sel.Options = sel.Options.Normalize()
	sel.Mapping = maps.Clone(sel.Mapping)

	ctx := &Context{
		sel:         sel,
		fingerprint: fp,
		table:       make(map[string]*classTable, len(sel.Mapping)),
		intercepts:  make(map[string]vm.InterceptFunc),
	}

	var missing []string
	for target, desc := range sel.Mapping {
		impl, ok := lib.Implementation(desc.Substitute)
		if !ok {
			missing = append(missing, desc.String())
			continue
		}
		ctx.table[target] = buildClassTable(desc, impl)
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: %s", ErrNoImplementation, strings.Join(missing, ", "))
	}

	for _, ref := range lib.InterceptedRefs() {
		fn, _ := lib.Interceptor(ref)
		ctx.intercepts[ref] = interceptFunc(fn)
	}

	log.Debug("built dispatch context",
		"level", sel.Level, "targets", len(ctx.table), "fingerprint", fp.Short())
	return ctx, nil
}

func buildClassTable(desc registry.Descriptor, impl *shadow.Implementation) *classTable {
	t := &classTable{
		desc:   desc,
		impl:   impl,
		bySig:  make(map[classfile.Signature]vm.Plan),
		byName: make(map[string]vm.Plan),
	}
	for key, fn := range impl.Methods {
		p := &methodPlan{impl: impl, key: key, fn: fn}
		if sig, err := classfile.ParseSignature(key); err == nil {
			t.bySig[sig] = p
		} else {
			t.byName[key] = p
		}
	}
	if impl.DoNothingByDefault {
		t.missing = doNothing{impl: impl}
	}
	if impl.StaticInitializer != nil {
		t.clinit = &methodPlan{impl: impl, key: classfile.StaticInitializerName, fn: impl.StaticInitializer}
	}
	return t
}

// Level returns the emulated platform level.
func (c *Context) Level() platform.Level { return c.sel.Level }

// Options returns the normalized instrumentation options.
func (c *Context) Options() rewrite.Config { return c.sel.Options }

// Fingerprint returns the context's fingerprint.
func (c *Context) Fingerprint() Fingerprint { return c.fingerprint }

// Selection returns a copy of the selection the context was built from.
func (c *Context) Selection() Selection {
	sel := c.sel
	sel.Mapping = maps.Clone(c.sel.Mapping)
	return sel
}

// Substitute returns the descriptor chosen for target.
func (c *Context) Substitute(target string) (registry.Descriptor, bool) {
	d, ok := c.sel.Mapping[target]
	return d, ok
}

// Targets returns the targets with a substitute, sorted.
func (c *Context) Targets() []string {
	targets := make([]string, 0, len(c.table))
	for t := range c.table {
		targets = append(targets, t)
	}
	sort.Strings(targets)
	return targets
}

// Implementations returns the selected implementations in target order.
func (c *Context) Implementations() []*shadow.Implementation {
	var out []*shadow.Implementation
	seen := make(map[string]bool)
	for _, t := range c.Targets() {
		impl := c.table[t].impl
		if !seen[impl.ID] {
			seen[impl.ID] = true
			out = append(out, impl)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// vm.Handler
// ---------------------------------------------------------------------------

// MethodInvoked implements vm.Handler.
func (c *Context) MethodInvoked(class *vm.Class, sig classfile.Signature, _ bool) vm.Plan {
	t, ok := c.table[class.Name]
	if !ok {
		return nil
	}
	return t.plan(sig)
}

// ClassInitializing implements vm.Handler.
func (c *Context) ClassInitializing(class *vm.Class) vm.Plan {
	t, ok := c.table[class.Name]
	if !ok || t.clinit == nil {
		return nil
	}
	return t.clinit
}

// Initializing implements vm.Handler. It attaches the substitute's state to
// a new instance of the constructor's class.
func (c *Context) Initializing(inv *vm.Invocation, obj *vm.Object) error {
	t, ok := c.table[inv.Class.Name]
	if !ok {
		return nil
	}
	shadow.EnsureState(inv.Universe(), t.impl, obj)
	return nil
}

// Intercepted implements vm.Handler.
func (c *Context) Intercepted(ref string) (vm.InterceptFunc, bool) {
	if fn, ok := c.intercepts[ref]; ok {
		return fn, true
	}
	r, err := classfile.ParseRef(ref)
	if err != nil {
		return nil, false
	}
	fn, ok := c.intercepts[r.Class+".*"]
	return fn, ok
}

// ---------------------------------------------------------------------------
// Plans
// ---------------------------------------------------------------------------

type methodPlan struct {
	impl *shadow.Implementation
	key  string
	fn   shadow.Method
}

func (p *methodPlan) Run(inv *vm.Invocation) (vm.Value, error) {
	return p.fn(shadow.NewCall(p.impl, inv))
}

func (p *methodPlan) Describe() string { return p.impl.ID + "#" + p.key }

type doNothing struct {
	impl *shadow.Implementation
}

func (doNothing) Run(*vm.Invocation) (vm.Value, error) { return nil, nil }

func (p doNothing) Describe() string { return p.impl.ID + "#<nothing>" }

func interceptFunc(fn shadow.Interceptor) vm.InterceptFunc {
	return func(inv *vm.Invocation) (vm.Value, error) {
		return fn(shadow.NewCall(nil, inv))
	}
}
