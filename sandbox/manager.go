package sandbox

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/chazu/umbra/archive"
	"github.com/chazu/umbra/config"
	"github.com/chazu/umbra/dispatch"
	"github.com/chazu/umbra/platform"
	"github.com/chazu/umbra/registry"
	"github.com/chazu/umbra/rewrite"
	"github.com/chazu/umbra/shadow"
	"github.com/chazu/umbra/vm"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// DefaultMaxSandboxes bounds the number of cached sandboxes.
const DefaultMaxSandboxes = 8

// Options configure a Manager.
type Options struct {
	Registry *registry.Registry
	Library  *shadow.Library
	Archive  archive.Provider
	// Catalog, when set, rejects levels it does not contain.
	Catalog *platform.Catalog

	// BaseScope is the instrumentation scope every run builds on. The
	// library's intercepted methods are added to it.
	BaseScope rewrite.Config

	Environments []Environment

	// Preload classes are initialized when a sandbox loads and form its
	// reset baseline.
	Preload []string
	// Shared classes are loaded once per level, uninstrumented, into a
	// frozen universe that every sandbox of the level delegates to.
	Shared []string

	MaxSandboxes int
	MaxDepth     int

	// Registerer receives the manager's metrics. Nil leaves them
	// unregistered.
	Registerer prometheus.Registerer
}

// Manager caches sandboxes by fingerprint and drives the per-test
// lifecycle. BeforeTest and AfterTest strictly alternate per test; tests
// with different fingerprints may run concurrently.
type Manager struct {
	opts    Options
	metrics *metrics
	flight  singleflight.Group

	mu      sync.Mutex
	cache   *lru.Cache[dispatch.Fingerprint, *Sandbox]
	failed  map[dispatch.Fingerprint]*InitializationError
	parents map[platform.Level]*vm.Universe
	closed  bool
}

// NewManager creates a manager. Registry, Library and Archive are required.
func NewManager(opts Options) (*Manager, error) {
	switch {
	case opts.Registry == nil:
		return nil, errors.New("sandbox: manager needs a registry")
	case opts.Library == nil:
		return nil, errors.New("sandbox: manager needs a substitute library")
	case opts.Archive == nil:
		return nil, errors.New("sandbox: manager needs an archive")
	}
	if opts.MaxSandboxes <= 0 {
		opts.MaxSandboxes = DefaultMaxSandboxes
	}
	opts.Preload = slices.Clone(opts.Preload)
	opts.Shared = slices.Clone(opts.Shared)
	opts.BaseScope.InterceptedMethods = append(slices.Clone(opts.BaseScope.InterceptedMethods),
		opts.Library.InterceptedRefs()...)
	opts.BaseScope = opts.BaseScope.Normalize()

	m := &Manager{
		opts:    opts,
		metrics: newMetrics(opts.Registerer),
		failed:  make(map[dispatch.Fingerprint]*InitializationError),
		parents: make(map[platform.Level]*vm.Universe),
	}
	cache, err := lru.NewWithEvict(opts.MaxSandboxes, func(_ dispatch.Fingerprint, s *Sandbox) {
		s.Retire(ReasonEvicted)
	})
	if err != nil {
		return nil, fmt.Errorf("sandbox: %w", err)
	}
	m.cache = cache
	return m, nil
}

// Selection computes the dispatch selection for a run.
func (m *Manager) Selection(cfg config.EffectiveConfig) dispatch.Selection {
	return dispatch.Resolve(m.opts.Registry, cfg.Level, cfg.Substitutes, cfg.Instrumentation(m.opts.BaseScope))
}

// BeforeTest enters a new test for cfg in a sandbox: environments are set
// up and the caller holds the sandbox, reachable through the returned
// Test's Sandbox field, until AfterTest.
func (m *Manager) BeforeTest(ctx context.Context, cfg config.EffectiveConfig) (*Test, error) {
	if m.opts.Catalog != nil && !m.opts.Catalog.Contains(cfg.Level) {
		return nil, fmt.Errorf("sandbox: level %s is not in the catalog", cfg.Level)
	}
	sel := m.Selection(cfg)
	fp, err := sel.Fingerprint()
	if err != nil {
		return nil, fmt.Errorf("sandbox: fingerprint: %w", err)
	}

	for {
		s, err := m.sandbox(ctx, sel, fp)
		if err != nil {
			return nil, err
		}
		t := &Test{Name: cfg.Name, Config: cfg}
		err = s.Enter(ctx, t)
		if errors.Is(err, ErrRetired) {
			// Evicted or reset-failed between lookup and entry.
			m.forget(s)
			continue
		}
		if err != nil {
			return nil, err
		}
		return t, nil
	}
}

// AfterTest ends t. Calling it again for the same test returns nil, even
// when another test has since entered the sandbox.
func (m *Manager) AfterTest(ctx context.Context, t *Test) error {
	if t == nil || t.Sandbox == nil {
		return nil
	}
	s := t.Sandbox
	err := s.Exit(ctx, t)
	if errors.Is(err, ErrNotActive) {
		return nil
	}
	if s.State() == Retired {
		m.forget(s)
	}
	return err
}

// forget drops s from the cache if it is still the entry for its
// fingerprint.
func (m *Manager) forget(s *Sandbox) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.cache.Peek(s.Fingerprint()); ok && cur == s {
		m.cache.Remove(s.Fingerprint())
	}
}

// sandbox returns the cached sandbox for fp, loading it on a miss.
func (m *Manager) sandbox(ctx context.Context, sel dispatch.Selection, fp dispatch.Fingerprint) (*Sandbox, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if ierr, ok := m.failed[fp]; ok {
		m.mu.Unlock()
		m.metrics.lookups.WithLabelValues(LookupFailed).Inc()
		return nil, ierr
	}
	if s, ok := m.cache.Get(fp); ok && s.State() != Retired {
		m.mu.Unlock()
		m.metrics.lookups.WithLabelValues(LookupHit).Inc()
		return s, nil
	}
	m.mu.Unlock()
	m.metrics.lookups.WithLabelValues(LookupMiss).Inc()

	v, err, _ := m.flight.Do(fp.String(), func() (any, error) {
		m.mu.Lock()
		if s, ok := m.cache.Peek(fp); ok && s.State() != Retired {
			m.mu.Unlock()
			return s, nil
		}
		m.mu.Unlock()

		s, err := m.load(context.WithoutCancel(ctx), sel, fp)

		m.mu.Lock()
		defer m.mu.Unlock()
		if err != nil {
			var ierr *InitializationError
			if errors.As(err, &ierr) {
				m.failed[fp] = ierr
			}
			return nil, err
		}
		if m.closed {
			s.Retire(ReasonShutdown)
			return nil, ErrClosed
		}
		m.cache.Add(fp, s)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Sandbox), nil
}

// load builds and loads a sandbox. Configuration failures are wrapped in
// *InitializationError.
func (m *Manager) load(ctx context.Context, sel dispatch.Selection, fp dispatch.Fingerprint) (*Sandbox, error) {
	start := time.Now()
	initErr := func(err error) error {
		return &InitializationError{Fingerprint: fp, Level: sel.Level, Err: err}
	}

	dc, err := dispatch.NewContext(sel, m.opts.Library)
	if err != nil {
		return nil, initErr(err)
	}
	inst, err := rewrite.New(sel.Options)
	if err != nil {
		return nil, initErr(err)
	}

	opts := vm.Options{
		Source:   &classSource{provider: m.opts.Archive, level: sel.Level, inst: inst, metrics: m.metrics},
		MaxDepth: m.opts.MaxDepth,
	}
	if len(m.opts.Shared) > 0 {
		parent, err := m.parent(ctx, sel.Level)
		if err != nil {
			return nil, initErr(err)
		}
		opts.Parent = parent
		opts.Acquire = func(name string) bool { return !slices.Contains(m.opts.Shared, name) }
	}

	s := newSandbox(dc, opts, m.opts.Environments, m.metrics)
	if err := s.load(ctx, m.opts.Preload); err != nil {
		return nil, initErr(err)
	}

	m.metrics.created.Inc()
	m.metrics.loadSeconds.Observe(time.Since(start).Seconds())
	log.Info("created sandbox", "sandbox", s.ID(), "level", sel.Level,
		"fingerprint", fp.Short(), "substitutes", len(sel.Mapping))
	return s, nil
}

// parent returns the frozen shared universe of level, building it on first
// use. The build runs under the manager lock.
func (m *Manager) parent(ctx context.Context, level platform.Level) (*vm.Universe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.parents[level]; ok {
		return u, nil
	}
	u := vm.NewUniverse(vm.Options{
		Source:   &classSource{provider: m.opts.Archive, level: level, metrics: m.metrics},
		MaxDepth: m.opts.MaxDepth,
	})
	for _, name := range m.opts.Shared {
		if _, err := u.LoadClass(ctx, name); err != nil {
			return nil, fmt.Errorf("shared class: %w", err)
		}
	}
	if err := u.Freeze(ctx); err != nil {
		return nil, fmt.Errorf("freeze shared classes: %w", err)
	}
	m.parents[level] = u
	log.Debug("built shared universe", "level", level, "classes", len(m.opts.Shared))
	return u, nil
}

// WarmUp loads sandboxes for cfgs in parallel without entering them.
func (m *Manager) WarmUp(ctx context.Context, cfgs ...config.EffectiveConfig) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.MaxSandboxes)
	for _, cfg := range cfgs {
		g.Go(func() error {
			sel := m.Selection(cfg)
			fp, err := sel.Fingerprint()
			if err != nil {
				return err
			}
			_, err = m.sandbox(ctx, sel, fp)
			return err
		})
	}
	return g.Wait()
}

// Len returns the number of cached sandboxes.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.Len()
}

// Sandboxes returns the cached sandboxes, least recently used first.
func (m *Manager) Sandboxes() []*Sandbox {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.Values()
}

// Failure returns the memoized initialization error for fp.
func (m *Manager) Failure(fp dispatch.Fingerprint) (*InitializationError, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ierr, ok := m.failed[fp]
	return ierr, ok
}

// Shutdown retires every cached sandbox; sandboxes in use retire when their
// test exits. Later BeforeTest calls fail with ErrClosed.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for _, s := range m.cache.Values() {
		s.Retire(ReasonShutdown)
	}
	m.cache.Purge()
	log.Info("sandbox manager shut down")
}
