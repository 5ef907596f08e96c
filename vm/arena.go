package vm

import (
	"sort"
	"sync"
)

// Slot addresses static storage: a class (or substitute identifier) and a
// field name.
type Slot struct {
	Class string
	Field string
}

func (s Slot) String() string { return s.Class + "." + s.Field }

// Arena is the static storage of one universe. Every static field of an
// instrumented class and every static slot of a substitute lives here, so
// clearing the arena returns all static state to its unset value.
type Arena struct {
	mu    sync.RWMutex
	slots map[Slot]Value
}

// NewArena creates an empty arena.
func NewArena() *Arena {
	return &Arena{slots: make(map[Slot]Value)}
}

// Get returns the value of a slot; unset slots read as nil.
func (a *Arena) Get(s Slot) Value {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.slots[s]
}

// Lookup returns the value and whether the slot was ever written.
func (a *Arena) Lookup(s Slot) (Value, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.slots[s]
	return v, ok
}

// Put stores a value.
func (a *Arena) Put(s Slot, v Value) {
	a.mu.Lock()
	a.slots[s] = v
	a.mu.Unlock()
}

// Clear drops every slot.
func (a *Arena) Clear() {
	a.mu.Lock()
	clear(a.slots)
	a.mu.Unlock()
}

// Len returns the number of written slots.
func (a *Arena) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.slots)
}

// Slots returns every written slot in sorted order.
func (a *Arena) Slots() []Slot {
	a.mu.RLock()
	out := make([]Slot, 0, len(a.slots))
	for s := range a.slots {
		out = append(out, s)
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Class != out[j].Class {
			return out[i].Class < out[j].Class
		}
		return out[i].Field < out[j].Field
	})
	return out
}
