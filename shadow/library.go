package shadow

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/chazu/umbra/classfile"
	"github.com/chazu/umbra/vm"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("umbra.shadow")

// ErrFrozen is returned when adding to a frozen library.
var ErrFrozen = errors.New("shadow: library is frozen")

// Interceptor replaces an intercepted call site. Call.CallReal performs the
// original call.
type Interceptor func(c *Call) (vm.Value, error)

// Library holds every substitute implementation and call-site interceptor
// known to the process. It is populated at startup and read-only once
// frozen, after which it is shared by all sandboxes.
type Library struct {
	mu           sync.RWMutex
	impls        map[string]*Implementation
	interceptors map[string]Interceptor
	frozen       bool
}

// NewLibrary creates an empty library.
func NewLibrary() *Library {
	return &Library{
		impls:        make(map[string]*Implementation),
		interceptors: make(map[string]Interceptor),
	}
}

// Add registers an implementation under its ID.
func (l *Library) Add(impl *Implementation) error {
	if err := impl.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.frozen {
		return fmt.Errorf("%w: adding %s", ErrFrozen, impl.ID)
	}
	if existing, ok := l.impls[impl.ID]; ok && existing != impl {
		return fmt.Errorf("shadow: duplicate implementation %s", impl.ID)
	}
	l.impls[impl.ID] = impl
	log.Debug("added implementation", "id", impl.ID, "methods", len(impl.Methods))
	return nil
}

// MustAdd is Add for static setup; it panics on error.
func (l *Library) MustAdd(impls ...*Implementation) *Library {
	for _, impl := range impls {
		if err := l.Add(impl); err != nil {
			panic(err)
		}
	}
	return l
}

// Intercept registers fn for call sites referring to ref, "Class.method"
// or "Class.*".
func (l *Library) Intercept(ref string, fn Interceptor) error {
	if fn == nil {
		return fmt.Errorf("shadow: nil interceptor for %s", ref)
	}
	if _, err := classfile.ParseRef(ref); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.frozen {
		return fmt.Errorf("%w: intercepting %s", ErrFrozen, ref)
	}
	l.interceptors[ref] = fn
	return nil
}

// Freeze makes the library read-only.
func (l *Library) Freeze() {
	l.mu.Lock()
	l.frozen = true
	l.mu.Unlock()
}

// Implementation returns the implementation registered under id.
func (l *Library) Implementation(id string) (*Implementation, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	impl, ok := l.impls[id]
	return impl, ok
}

// Interceptor returns the interceptor for a "Class.method" call site. An
// exact registration wins over a "Class.*" one.
func (l *Library) Interceptor(ref string) (Interceptor, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if fn, ok := l.interceptors[ref]; ok {
		return fn, true
	}
	r, err := classfile.ParseRef(ref)
	if err != nil {
		return nil, false
	}
	fn, ok := l.interceptors[r.Class+".*"]
	return fn, ok
}

// InterceptedRefs returns the registered interceptor refs, sorted.
func (l *Library) InterceptedRefs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	refs := make([]string, 0, len(l.interceptors))
	for ref := range l.interceptors {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// IDs returns the implementation identifiers, sorted.
func (l *Library) IDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.impls))
	for id := range l.impls {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
