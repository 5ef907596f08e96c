package vm

import (
	"runtime"
	"sync"
	"weak"
)

// ---------------------------------------------------------------------------
// SideTable: weak association from real objects to shadow state
// ---------------------------------------------------------------------------

// SideTable associates shadow state with real objects by identity without
// keeping the objects alive. When an object is collected its entry is
// removed by a cleanup. State values must not reference their object, or the
// object can never be collected.
type SideTable struct {
	mu      sync.Mutex
	entries map[weak.Pointer[Object]]any
}

// NewSideTable creates an empty side table.
func NewSideTable() *SideTable {
	return &SideTable{entries: make(map[weak.Pointer[Object]]any)}
}

// Put associates state with obj, replacing any previous state.
func (t *SideTable) Put(obj *Object, state any) {
	wp := weak.Make(obj)
	t.mu.Lock()
	_, existed := t.entries[wp]
	t.entries[wp] = state
	t.mu.Unlock()
	if !existed {
		runtime.AddCleanup(obj, t.remove, wp)
	}
}

// Get returns the state associated with obj.
func (t *SideTable) Get(obj *Object) (any, bool) {
	if obj == nil {
		return nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.entries[weak.Make(obj)]
	return state, ok
}

// Delete removes obj's entry.
func (t *SideTable) Delete(obj *Object) {
	t.remove(weak.Make(obj))
}

// Len returns the number of live entries.
func (t *SideTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Clear drops every entry.
func (t *SideTable) Clear() {
	t.mu.Lock()
	clear(t.entries)
	t.mu.Unlock()
}

func (t *SideTable) remove(wp weak.Pointer[Object]) {
	t.mu.Lock()
	delete(t.entries, wp)
	t.mu.Unlock()
}
