package vm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/chazu/umbra/classfile"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("umbra.vm")

// DefaultMaxDepth bounds the interpreter's call depth.
const DefaultMaxDepth = 512

// ClassSource supplies compiled classes to a universe.
type ClassSource interface {
	FindClass(ctx context.Context, name string) (*classfile.Class, error)
}

// ClassSourceFunc adapts a function to ClassSource.
type ClassSourceFunc func(ctx context.Context, name string) (*classfile.Class, error)

// FindClass implements ClassSource.
func (f ClassSourceFunc) FindClass(ctx context.Context, name string) (*classfile.Class, error) {
	return f(ctx, name)
}

// Options configure a Universe.
type Options struct {
	Source  ClassSource
	Handler Handler

	// Parent is a frozen universe consulted for classes that are not
	// acquired. Nil means every class is loaded locally.
	Parent *Universe
	// Acquire reports whether a class must be loaded by this universe even
	// when the parent has it. Nil delegates every class the parent has.
	Acquire func(name string) bool

	MaxDepth int
}

// Universe is an isolated class-loading universe. It owns every class it
// loads and all static state reachable through them; nothing is shared with
// other universes except classes delegated to a frozen parent.
//
// A universe is driven by one goroutine at a time.
type Universe struct {
	source   ClassSource
	handler  Handler
	parent   *Universe
	acquire  func(string) bool
	maxDepth int

	mu      sync.Mutex
	classes map[string]*Class
	loading map[string]bool
	frozen  bool

	arena *Arena
	side  *SideTable

	initOrder []*Class
	baseline  []string

	inFlight atomic.Int32
}

// NewUniverse creates an empty universe.
func NewUniverse(opts Options) *Universe {
	depth := opts.MaxDepth
	if depth <= 0 {
		depth = DefaultMaxDepth
	}
	return &Universe{
		source:   opts.Source,
		handler:  opts.Handler,
		parent:   opts.Parent,
		acquire:  opts.Acquire,
		maxDepth: depth,
		classes:  make(map[string]*Class),
		loading:  make(map[string]bool),
		arena:    NewArena(),
		side:     NewSideTable(),
	}
}

// Handler returns the universe's handler, possibly nil.
func (u *Universe) Handler() Handler { return u.handler }

// Arena returns the universe's static storage.
func (u *Universe) Arena() *Arena { return u.arena }

// SideTable returns the universe's shadow state table.
func (u *Universe) SideTable() *SideTable { return u.side }

// InFlight returns the number of outermost calls currently executing.
func (u *Universe) InFlight() int { return int(u.inFlight.Load()) }

// Class returns an already loaded class.
func (u *Universe) Class(name string) (*Class, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	c, ok := u.classes[name]
	return c, ok
}

// Classes returns the names of the classes this universe loaded itself.
func (u *Universe) Classes() []string {
	u.mu.Lock()
	names := make([]string, 0, len(u.classes))
	for name := range u.classes {
		names = append(names, name)
	}
	u.mu.Unlock()
	sort.Strings(names)
	return names
}

// ---------------------------------------------------------------------------
// Loading and linking
// ---------------------------------------------------------------------------

// LoadClass loads and links a class and its superclasses without running
// static initializers.
func (u *Universe) LoadClass(ctx context.Context, name string) (*Class, error) {
	u.mu.Lock()
	if c, ok := u.classes[name]; ok {
		u.mu.Unlock()
		return c, nil
	}
	if u.frozen {
		u.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot load %s", ErrFrozen, name)
	}
	if u.loading[name] {
		u.mu.Unlock()
		return nil, fmt.Errorf("vm: circular superclass chain through %s", name)
	}
	u.mu.Unlock()

	if u.parent != nil && (u.acquire == nil || !u.acquire(name)) {
		if c, ok := u.parent.Class(name); ok {
			return c, nil
		}
	}

	if u.source == nil {
		return nil, fmt.Errorf("%w: %s", ErrClassNotFound, name)
	}
	def, err := u.source.FindClass(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("vm: load %s: %w", name, err)
	}
	if def.Name != name {
		return nil, fmt.Errorf("vm: load %s: source returned %s", name, def.Name)
	}
	for _, m := range def.Methods {
		if err := classfile.Verify(m); err != nil {
			return nil, fmt.Errorf("vm: load %s: %w", name, err)
		}
	}

	var super *Class
	if def.Super != "" {
		u.mu.Lock()
		u.loading[name] = true
		u.mu.Unlock()
		super, err = u.LoadClass(ctx, def.Super)
		u.mu.Lock()
		delete(u.loading, name)
		u.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("vm: load %s: superclass: %w", name, err)
		}
	}

	c := link(u, def, super)

	u.mu.Lock()
	defer u.mu.Unlock()
	if existing, ok := u.classes[name]; ok {
		return existing, nil
	}
	u.classes[name] = c
	log.Debug("loaded class", "class", name, "instrumented", c.Instrumented())
	return c, nil
}

// Define links an already compiled class directly into the universe.
func (u *Universe) Define(ctx context.Context, def *classfile.Class) (*Class, error) {
	src := u.source
	u.source = ClassSourceFunc(func(ctx context.Context, name string) (*classfile.Class, error) {
		if name == def.Name {
			return def, nil
		}
		if src == nil {
			return nil, fmt.Errorf("%w: %s", ErrClassNotFound, name)
		}
		return src.FindClass(ctx, name)
	})
	defer func() { u.source = src }()
	return u.LoadClass(ctx, def.Name)
}

// Initialize loads a class and runs its static initialization.
func (u *Universe) Initialize(ctx context.Context, name string) (*Class, error) {
	var c *Class
	err := u.enter(ctx, func(i *Interpreter) error {
		var err error
		c, err = i.initializedClass(name)
		return err
	})
	return c, err
}

// Freeze initializes every loaded class and then forbids further loading,
// making the universe safe to share as a parent.
func (u *Universe) Freeze(ctx context.Context) error {
	for _, name := range u.Classes() {
		if _, err := u.Initialize(ctx, name); err != nil {
			return err
		}
	}
	u.mu.Lock()
	u.frozen = true
	u.mu.Unlock()
	return nil
}

// ---------------------------------------------------------------------------
// Baseline and reset
// ---------------------------------------------------------------------------

// MarkBaseline records the classes initialized so far, in initialization
// order, as the state Reset returns to.
func (u *Universe) MarkBaseline() {
	u.baseline = u.baseline[:0]
	for _, c := range u.initOrder {
		u.baseline = append(u.baseline, c.Name)
	}
}

// Baseline returns the baseline class names in initialization order.
func (u *Universe) Baseline() []string {
	return append([]string(nil), u.baseline...)
}

// Reset returns the universe to its baseline: static storage and shadow
// state are cleared, every owned class becomes uninitialized, and the
// baseline classes are initialized again in their original order.
func (u *Universe) Reset(ctx context.Context) error {
	if n := u.InFlight(); n > 0 {
		return fmt.Errorf("%w: %d", ErrCallsInFlight, n)
	}
	u.arena.Clear()
	u.side.Clear()
	u.mu.Lock()
	for _, c := range u.classes {
		c.state = uninitialized
	}
	u.mu.Unlock()
	u.initOrder = u.initOrder[:0]

	for _, name := range u.baseline {
		if _, err := u.Initialize(ctx, name); err != nil {
			return fmt.Errorf("vm: reset: %w", err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Entry points
// ---------------------------------------------------------------------------

// enter runs fn on a fresh interpreter as an outermost call.
func (u *Universe) enter(ctx context.Context, fn func(*Interpreter) error) (err error) {
	u.inFlight.Add(1)
	defer u.inFlight.Add(-1)
	i := newInterpreter(u, ctx)
	defer func() {
		if r := recover(); r != nil {
			err = i.fail(fmt.Errorf("vm: panic: %v", r))
		}
	}()
	return fn(i)
}

// New allocates an instance of class and runs the constructor matching args.
func (u *Universe) New(ctx context.Context, class string, args ...Value) (*Object, error) {
	var obj *Object
	err := u.enter(ctx, func(i *Interpreter) error {
		var err error
		obj, err = i.construct(class, args)
		return err
	})
	return obj, err
}

// Send invokes method on recv with virtual dispatch.
func (u *Universe) Send(ctx context.Context, recv *Object, method string, args ...Value) (Value, error) {
	var result Value
	err := u.enter(ctx, func(i *Interpreter) error {
		var err error
		result, err = i.send(recv, method, args)
		return err
	})
	return result, err
}

// InvokeStatic invokes a static method, initializing its class first.
func (u *Universe) InvokeStatic(ctx context.Context, class, method string, args ...Value) (Value, error) {
	var result Value
	err := u.enter(ctx, func(i *Interpreter) error {
		var err error
		result, err = i.invokeStatic(class, method, args)
		return err
	})
	return result, err
}

// GetStatic reads a static field, initializing its class first.
func (u *Universe) GetStatic(ctx context.Context, class, field string) (Value, error) {
	var result Value
	err := u.enter(ctx, func(i *Interpreter) error {
		c, err := i.initializedClass(class)
		if err != nil {
			return err
		}
		result, err = i.getStatic(c, field)
		return err
	})
	return result, err
}

// PutStatic writes a static field, initializing its class first.
func (u *Universe) PutStatic(ctx context.Context, class, field string, v Value) error {
	return u.enter(ctx, func(i *Interpreter) error {
		c, err := i.initializedClass(class)
		if err != nil {
			return err
		}
		return i.putStatic(c, field, v)
	})
}

// IsClassNotFound reports whether err stems from a missing class.
func IsClassNotFound(err error) bool {
	return errors.Is(err, ErrClassNotFound)
}
