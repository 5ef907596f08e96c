// Package sandbox owns isolated universes configured for one dispatch
// context, drives their per-test lifecycle and caches them by fingerprint.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chazu/umbra/dispatch"
	"github.com/chazu/umbra/platform"
	"github.com/chazu/umbra/shadow"
	"github.com/chazu/umbra/vm"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("umbra.sandbox")

// Sandbox is an isolated universe bound to one dispatch context. It runs one
// test at a time; the turn lock is held from Enter until Exit returns, so the
// teardown and reset of a test complete before the next test sets up.
type Sandbox struct {
	id       string
	dispatch *dispatch.Context
	universe *vm.Universe
	envs     []Environment
	metrics  *metrics

	turn sync.Mutex

	mu      sync.Mutex
	state   State
	test    *Test
	setUp   []Environment
	pending RetireReason
	created time.Time
}

func newSandbox(dc *dispatch.Context, opts vm.Options, envs []Environment, m *metrics) *Sandbox {
	opts.Handler = dc
	return &Sandbox{
		id:       uuid.NewString(),
		dispatch: dc,
		universe: vm.NewUniverse(opts),
		envs:     envs,
		metrics:  m,
		created:  time.Now(),
	}
}

// ID returns the sandbox's unique identifier.
func (s *Sandbox) ID() string { return s.id }

// Fingerprint returns the fingerprint of the sandbox's dispatch context.
func (s *Sandbox) Fingerprint() dispatch.Fingerprint { return s.dispatch.Fingerprint() }

// Level returns the emulated platform level.
func (s *Sandbox) Level() platform.Level { return s.dispatch.Level() }

// Dispatch returns the sandbox's dispatch context.
func (s *Sandbox) Dispatch() *dispatch.Context { return s.dispatch }

// Universe returns the sandbox's universe. It may only be driven by the test
// currently holding the sandbox.
func (s *Sandbox) Universe() *vm.Universe { return s.universe }

// State returns the current lifecycle state.
func (s *Sandbox) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Test returns the test currently using the sandbox, or nil.
func (s *Sandbox) Test() *Test {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.test
}

func (s *Sandbox) String() string {
	return fmt.Sprintf("sandbox %s (level %s, %s)", s.id[:8], s.Level(), s.Fingerprint().Short())
}

// load initializes the preload classes and records them as the reset
// baseline.
func (s *Sandbox) load(ctx context.Context, preload []string) error {
	s.mu.Lock()
	if s.state != Uninitialized {
		s.mu.Unlock()
		return fmt.Errorf("%s: cannot load in state %s", s, s.state)
	}
	s.state = Loading
	s.mu.Unlock()

	for _, name := range preload {
		if _, err := s.universe.Initialize(ctx, name); err != nil {
			s.mu.Lock()
			s.state = Retired
			s.mu.Unlock()
			return fmt.Errorf("preload %s: %w", name, err)
		}
	}
	s.universe.MarkBaseline()

	s.mu.Lock()
	s.state = Ready
	s.mu.Unlock()
	s.metrics.live.Inc()
	log.Debug("sandbox ready", "sandbox", s.id, "level", s.Level(),
		"fingerprint", s.Fingerprint().Short(), "baseline", len(preload))
	return nil
}

// Enter waits for the sandbox's turn and starts t in it. Setup hooks run in
// order; if one fails the hooks that succeeded are torn down, the sandbox is
// reset and the setup error is returned. Entering a retired sandbox fails
// with ErrRetired.
func (s *Sandbox) Enter(ctx context.Context, t *Test) error {
	s.turn.Lock()

	s.mu.Lock()
	if s.state == Retired {
		s.mu.Unlock()
		s.turn.Unlock()
		return fmt.Errorf("%s: %w", s, ErrRetired)
	}
	if !s.state.Enterable() {
		state := s.state
		s.mu.Unlock()
		s.turn.Unlock()
		return fmt.Errorf("%s: cannot enter in state %s", s, state)
	}
	s.state = Active
	s.test = t
	s.setUp = s.setUp[:0]
	s.mu.Unlock()

	t.Sandbox = s
	log.Debug("entering sandbox", "sandbox", s.id, "test", t.Name)

	for _, env := range s.envs {
		if err := env.Setup(ctx, t); err != nil {
			err = fmt.Errorf("%s: setup %s: %w", s, env.Name(), err)
			return errors.Join(err, s.Exit(ctx, t))
		}
		s.mu.Lock()
		s.setUp = append(s.setUp, env)
		s.mu.Unlock()
	}
	return nil
}

// Exit ends the test t. Teardown hooks run in reverse order and their
// failures are collected into a *TeardownError; the reset runs regardless.
// A failed reset retires the sandbox and is reported as a *ResetError. An
// aborted test whose teardown fails also retires it. Exit returns ErrNotActive
// unless t is the test the sandbox is serving. It ignores ctx cancellation
// so cleanup always completes.
func (s *Sandbox) Exit(ctx context.Context, t *Test) error {
	s.mu.Lock()
	if s.state != Active || t == nil || s.test != t {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", s, ErrNotActive)
	}
	setUp := s.setUp
	s.mu.Unlock()
	aborted := t.Aborted()

	ctx = context.WithoutCancel(ctx)

	var tdErr error
	var errs []error
	for i := len(setUp) - 1; i >= 0; i-- {
		if err := setUp[i].Teardown(ctx, t); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", setUp[i].Name(), err))
		}
	}
	if len(errs) > 0 {
		s.metrics.teardownFailures.Inc()
		tdErr = &TeardownError{Test: t.Name, Errs: errs}
	}

	var resetErr error
	if err := s.reset(ctx); err != nil {
		resetErr = &ResetError{Sandbox: s.id, Err: err}
	}

	s.mu.Lock()
	s.test = nil
	s.setUp = s.setUp[:0]
	reason := s.pending
	switch {
	case resetErr != nil:
		reason = ReasonResetFailed
	case aborted && tdErr != nil:
		reason = ReasonAborted
	}
	if reason != "" {
		s.retireLocked(reason)
	} else {
		s.state = Idle
	}
	s.mu.Unlock()
	s.turn.Unlock()

	log.Debug("exited sandbox", "sandbox", s.id, "test", t.Name, "aborted", aborted,
		"state", s.State())
	return errors.Join(tdErr, resetErr)
}

// reset runs the substitutes' reset hooks and returns the universe to its
// baseline.
func (s *Sandbox) reset(ctx context.Context) error {
	var errs []error
	for _, impl := range s.dispatch.Implementations() {
		if impl.Reset == nil {
			continue
		}
		if err := impl.Reset(shadow.StaticsOf(s.universe, impl.ID)); err != nil {
			errs = append(errs, fmt.Errorf("reset %s: %w", impl.ID, err))
		}
	}
	if err := s.universe.Reset(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Retire takes the sandbox out of service. A sandbox in use is retired when
// its current test exits.
func (s *Sandbox) Retire(reason RetireReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Retired:
	case Active:
		if s.pending == "" {
			s.pending = reason
		}
	default:
		s.retireLocked(reason)
	}
}

func (s *Sandbox) retireLocked(reason RetireReason) {
	if s.state == Retired {
		return
	}
	wasLive := s.state == Ready || s.state == Active || s.state == Idle
	s.state = Retired
	s.metrics.retired.WithLabelValues(string(reason)).Inc()
	if wasLive {
		s.metrics.live.Dec()
	}
	log.Info("retired sandbox", "sandbox", s.id, "reason", reason,
		"age", time.Since(s.created).Round(time.Millisecond))
}
