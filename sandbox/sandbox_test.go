package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/chazu/umbra/config"
	"github.com/chazu/umbra/internal/platformtest"
	"github.com/chazu/umbra/platform"
	"github.com/chazu/umbra/registry"
	"github.com/chazu/umbra/shadow"
	"github.com/chazu/umbra/vm"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newManager(t *testing.T, opts Options) (*Manager, *prometheus.Registry) {
	t.Helper()
	if opts.Registry == nil {
		opts.Registry = platformtest.Registry()
	}
	if opts.Library == nil {
		opts.Library = platformtest.Library()
	}
	if opts.Archive == nil {
		opts.Archive = platformtest.Archive()
	}
	if opts.Catalog == nil {
		opts.Catalog = platformtest.Catalog()
	}
	opts.BaseScope = platformtest.Scope()
	reg := prometheus.NewRegistry()
	opts.Registerer = reg
	m, err := NewManager(opts)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(m.Shutdown)
	return m, reg
}

func run(name string, level platform.Level) config.EffectiveConfig {
	return config.EffectiveConfig{Name: name, Level: level}
}

// enter runs BeforeTest and fails the test on error.
func enter(t *testing.T, m *Manager, cfg config.EffectiveConfig) (*Test, *Sandbox) {
	t.Helper()
	test, err := m.BeforeTest(context.Background(), cfg)
	if err != nil {
		t.Fatalf("BeforeTest(%s): %v", cfg.Name, err)
	}
	return test, test.Sandbox
}

func invoke(t *testing.T, s *Sandbox, class, method string, args ...vm.Value) vm.Value {
	t.Helper()
	v, err := s.Universe().InvokeStatic(context.Background(), class, method, args...)
	if err != nil {
		t.Fatalf("%s.%s: %v", class, method, err)
	}
	return v
}

func TestLifecycleResetsBetweenTests(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, Options{})

	first, s := enter(t, m, run("first", platformtest.Alpha))
	if got := s.State(); got != Active {
		t.Fatalf("state = %s, want active", got)
	}
	if s.Test() != first || first.Name != "first" {
		t.Fatalf("Test() = %+v", s.Test())
	}

	invoke(t, s, platformtest.View, "setDebug", true)
	invoke(t, s, platformtest.Clock, "sleep", int64(50))
	if got := invoke(t, s, platformtest.Clock, "elapsed"); got != int64(1050) {
		t.Fatalf("elapsed = %v, want 1050", got)
	}
	view, err := s.Universe().New(ctx, platformtest.View, "a")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.Universe().Send(ctx, view, "performClick"); err != nil {
		t.Fatalf("performClick: %v", err)
	}
	if got := invoke(t, s, platformtest.View, "created"); got != int64(1) {
		t.Fatalf("created = %v, want 1", got)
	}

	if err := m.AfterTest(ctx, first); err != nil {
		t.Fatalf("AfterTest: %v", err)
	}
	if got := s.State(); got != Idle {
		t.Fatalf("state after test = %s, want idle", got)
	}
	if n := s.Universe().SideTable().Len(); n != 0 {
		t.Fatalf("side table keeps %d entries after reset", n)
	}

	second, again := enter(t, m, run("second", platformtest.Alpha))
	defer m.AfterTest(ctx, second)
	if again.ID() != s.ID() {
		t.Fatalf("equal configuration got a new sandbox")
	}
	if got := invoke(t, again, platformtest.View, "isDebug"); got != nil {
		t.Errorf("isDebug = %v, want nil", got)
	}
	if got := invoke(t, again, platformtest.Clock, "elapsed"); got != int64(1000) {
		t.Errorf("elapsed = %v, want 1000", got)
	}
	if got := invoke(t, again, platformtest.View, "created"); got != int64(0) {
		t.Errorf("created = %v, want 0", got)
	}

	if got := testutil.ToFloat64(m.metrics.lookups.WithLabelValues(LookupMiss)); got != 1 {
		t.Errorf("misses = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.metrics.lookups.WithLabelValues(LookupHit)); got != 1 {
		t.Errorf("hits = %v, want 1", got)
	}
}

func TestAfterTestIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, Options{})
	test, s := enter(t, m, run("t", platformtest.Alpha))
	if err := m.AfterTest(ctx, test); err != nil {
		t.Fatal(err)
	}
	if err := m.AfterTest(ctx, test); err != nil {
		t.Fatalf("second AfterTest: %v", err)
	}
	if err := m.AfterTest(ctx, nil); err != nil {
		t.Fatalf("AfterTest(nil): %v", err)
	}
	if err := s.Exit(ctx, test); !errors.Is(err, ErrNotActive) {
		t.Fatalf("Exit on idle sandbox = %v, want ErrNotActive", err)
	}
}

func TestAfterTestOfFinishedRunLeavesNextRunAlone(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	m, _ := newManager(t, Options{Environments: []Environment{rec.env("a", nil, nil)}})

	first, s := enter(t, m, run("first", platformtest.Alpha))
	entered := make(chan *Test, 1)
	go func() {
		test, err := m.BeforeTest(ctx, run("second", platformtest.Alpha))
		if err != nil {
			t.Errorf("BeforeTest(second): %v", err)
		}
		entered <- test
	}()

	if err := m.AfterTest(ctx, first); err != nil {
		t.Fatal(err)
	}
	second := <-entered
	if second == nil {
		t.FailNow()
	}
	defer m.AfterTest(ctx, second)
	if second.Sandbox != s {
		t.Fatal("second run got another sandbox")
	}
	invoke(t, s, platformtest.View, "setDebug", true)

	if err := m.AfterTest(ctx, first); err != nil {
		t.Fatalf("repeated AfterTest: %v", err)
	}
	if got := s.State(); got != Active {
		t.Fatalf("state = %s, want active", got)
	}
	if s.Test() != second {
		t.Fatalf("Test() = %+v, want the second run", s.Test())
	}
	if got := invoke(t, s, platformtest.View, "isDebug"); got != true {
		t.Errorf("isDebug = %v, the running test was reset", got)
	}
	if s.turn.TryLock() {
		s.turn.Unlock()
		t.Error("turn released while the second run is active")
	}
	want := []string{"setup a", "teardown a", "setup a"}
	if diff := cmp.Diff(want, rec.calls); diff != "" {
		t.Errorf("hooks (-want +got):\n%s", diff)
	}
}

func TestFingerprintSelectsSandbox(t *testing.T) {
	ctx := context.Background()
	m, reg := newManager(t, Options{})

	ids := func(cfg config.EffectiveConfig) string {
		test, s := enter(t, m, cfg)
		if err := m.AfterTest(ctx, test); err != nil {
			t.Fatalf("AfterTest(%s): %v", cfg.Name, err)
		}
		return s.ID()
	}

	alpha := ids(run("alpha", platformtest.Alpha))
	beta := ids(run("beta", platformtest.Beta))

	qualified := run("qualified", platformtest.Alpha)
	qualified.Qualifiers = "en-port"
	qualified.Properties = map[string]string{"locale": "fr"}

	overridden := run("overridden", platformtest.Alpha)
	overridden.Substitutes = map[string]string{platformtest.Clock: platformtest.ShadowClockModern}

	if alpha == beta {
		t.Errorf("levels Alpha and Beta share a sandbox")
	}
	if got := ids(qualified); got != alpha {
		t.Errorf("qualifiers and properties changed the sandbox")
	}
	if got := ids(overridden); got == alpha {
		t.Errorf("substitute override reused the default sandbox")
	}
	if n := m.Len(); n != 3 {
		t.Errorf("Len = %d, want 3", n)
	}

	const want = `
# HELP umbra_sandbox_created_total Sandboxes loaded successfully.
# TYPE umbra_sandbox_created_total counter
umbra_sandbox_created_total 3
# HELP umbra_sandbox_live Sandboxes loaded and not yet retired.
# TYPE umbra_sandbox_live gauge
umbra_sandbox_live 3
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want),
		"umbra_sandbox_created_total", "umbra_sandbox_live"); err != nil {
		t.Error(err)
	}
	if got := testutil.ToFloat64(m.metrics.instrumented); got == 0 {
		t.Errorf("no instrumented classes recorded")
	}
}

func TestLevelOutsideCatalog(t *testing.T) {
	m, _ := newManager(t, Options{})
	if _, err := m.BeforeTest(context.Background(), run("t", 99)); err == nil {
		t.Fatal("BeforeTest accepted a level missing from the catalog")
	}
}

func TestInitializationFailureIsMemoized(t *testing.T) {
	ctx := context.Background()
	lib := shadow.NewLibrary().MustAdd(&shadow.Implementation{ID: platformtest.ShadowView})
	m, _ := newManager(t, Options{Library: lib})

	_, err := m.BeforeTest(ctx, run("t", platformtest.Alpha))
	var ierr *InitializationError
	if !errors.As(err, &ierr) {
		t.Fatalf("BeforeTest = %v, want *InitializationError", err)
	}
	if ierr.Level != platformtest.Alpha || ierr.Fingerprint.IsZero() {
		t.Errorf("error = %+v", ierr)
	}
	if !strings.Contains(err.Error(), platformtest.ShadowTextView) {
		t.Errorf("error %q does not name the missing substitute", err)
	}

	_, again := m.BeforeTest(ctx, run("t", platformtest.Alpha))
	if again != error(ierr) {
		t.Errorf("second failure = %v, want the memoized error", again)
	}
	if got, ok := m.Failure(ierr.Fingerprint); !ok || got != ierr {
		t.Errorf("Failure = %v, %v", got, ok)
	}
	if got := testutil.ToFloat64(m.metrics.lookups.WithLabelValues(LookupFailed)); got != 1 {
		t.Errorf("failed lookups = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.metrics.created); got != 0 {
		t.Errorf("created = %v, want 0", got)
	}
}

func TestPreloadBecomesBaseline(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, Options{Preload: []string{platformtest.Clock, platformtest.View}})
	test, s := enter(t, m, run("t", platformtest.Alpha))
	defer m.AfterTest(ctx, test)
	if diff := cmp.Diff([]string{platformtest.Clock, platformtest.View}, s.Universe().Baseline()); diff != "" {
		t.Errorf("baseline (-want +got):\n%s", diff)
	}

	bad, _ := newManager(t, Options{Preload: []string{"platform.missing.Widget"}})
	_, err := bad.BeforeTest(ctx, run("t", platformtest.Alpha))
	var ierr *InitializationError
	if !errors.As(err, &ierr) || !strings.Contains(err.Error(), "platform.missing.Widget") {
		t.Fatalf("BeforeTest = %v, want initialization error naming the class", err)
	}
}

// recorder logs hook calls in order.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) env(name string, setupErr, teardownErr error) Environment {
	return EnvironmentFuncs{
		ID: name,
		SetupFunc: func(context.Context, *Test) error {
			r.add("setup " + name)
			return setupErr
		},
		TeardownFunc: func(context.Context, *Test) error {
			r.add("teardown " + name)
			return teardownErr
		},
	}
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.calls = append(r.calls, s)
	r.mu.Unlock()
}

func TestEnvironmentOrder(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	m, _ := newManager(t, Options{Environments: []Environment{
		rec.env("a", nil, nil),
		rec.env("b", nil, nil),
	}})
	test, _ := enter(t, m, run("t", platformtest.Alpha))
	if err := m.AfterTest(ctx, test); err != nil {
		t.Fatal(err)
	}
	want := []string{"setup a", "setup b", "teardown b", "teardown a"}
	if diff := cmp.Diff(want, rec.calls); diff != "" {
		t.Errorf("hooks (-want +got):\n%s", diff)
	}
}

func TestTeardownFailureStillResets(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	boom := errors.New("boom")
	m, _ := newManager(t, Options{Environments: []Environment{
		rec.env("a", nil, boom),
		rec.env("b", nil, nil),
	}})

	test, s := enter(t, m, run("t", platformtest.Alpha))
	invoke(t, s, platformtest.View, "setDebug", true)

	err := m.AfterTest(ctx, test)
	var td *TeardownError
	if !errors.As(err, &td) || !errors.Is(err, boom) {
		t.Fatalf("AfterTest = %v, want *TeardownError wrapping boom", err)
	}
	if td.Test != "t" || len(td.Errs) != 1 {
		t.Errorf("teardown error = %+v", td)
	}
	if got := s.State(); got != Idle {
		t.Fatalf("state = %s, want idle", got)
	}
	if got := testutil.ToFloat64(m.metrics.teardownFailures); got != 1 {
		t.Errorf("teardown failures = %v, want 1", got)
	}

	next, s := enter(t, m, run("next", platformtest.Alpha))
	defer m.AfterTest(ctx, next)
	if got := invoke(t, s, platformtest.View, "isDebug"); got != nil {
		t.Errorf("isDebug leaked across tests: %v", got)
	}
}

func TestSetupFailureTearsDownEarlierHooks(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	boom := errors.New("no device")
	m, _ := newManager(t, Options{Environments: []Environment{
		rec.env("a", nil, nil),
		rec.env("b", boom, nil),
		rec.env("c", nil, nil),
	}})

	_, err := m.BeforeTest(ctx, run("t", platformtest.Alpha))
	if !errors.Is(err, boom) {
		t.Fatalf("BeforeTest = %v, want setup error", err)
	}
	want := []string{"setup a", "setup b", "teardown a"}
	if diff := cmp.Diff(want, rec.calls); diff != "" {
		t.Errorf("hooks (-want +got):\n%s", diff)
	}
	for _, s := range m.Sandboxes() {
		if got := s.State(); got != Idle {
			t.Errorf("%s state = %s, want idle", s, got)
		}
	}
}

func TestStaticProperties(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, Options{Environments: []Environment{StaticProperties{}}})

	cfg := run("t", platformtest.Alpha)
	cfg.Properties = map[string]string{
		StaticPrefix + platformtest.View + ".debug": "on",
		"locale": "fr",
	}
	test, s := enter(t, m, cfg)
	if got := invoke(t, s, platformtest.View, "isDebug"); got != "on" {
		t.Errorf("isDebug = %v, want on", got)
	}
	if err := m.AfterTest(ctx, test); err != nil {
		t.Fatal(err)
	}

	plain, s := enter(t, m, run("plain", platformtest.Alpha))
	defer m.AfterTest(ctx, plain)
	if got := invoke(t, s, platformtest.View, "isDebug"); got != nil {
		t.Errorf("isDebug = %v after reset, want nil", got)
	}

	bad := run("bad", platformtest.Beta)
	bad.Properties = map[string]string{StaticPrefix + "nodot": "x"}
	if _, err := m.BeforeTest(ctx, bad); err == nil || !strings.Contains(err.Error(), "bad static property") {
		t.Errorf("BeforeTest = %v, want bad static property", err)
	}
}

func TestAbortedTestWithFailedTeardownRetires(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	boom := errors.New("boom")
	m, _ := newManager(t, Options{Environments: []Environment{rec.env("a", nil, boom)}})

	test, s := enter(t, m, run("crashed", platformtest.Alpha))
	test.MarkAborted()
	err := m.AfterTest(ctx, test)
	var td *TeardownError
	if !errors.As(err, &td) {
		t.Fatalf("AfterTest = %v, want *TeardownError", err)
	}
	if got := s.State(); got != Retired {
		t.Fatalf("state = %s, want retired", got)
	}
	if got := testutil.ToFloat64(m.metrics.retired.WithLabelValues(string(ReasonAborted))); got != 1 {
		t.Errorf("aborted retirements = %v, want 1", got)
	}

	next, fresh := enter(t, m, run("next", platformtest.Alpha))
	if fresh == s {
		t.Error("retired sandbox was handed out again")
	}
	if err := m.AfterTest(ctx, next); !errors.Is(err, boom) {
		t.Fatalf("AfterTest = %v, want teardown error", err)
	}
	if got := fresh.State(); got != Idle {
		t.Errorf("state after a normal test with failed teardown = %s, want idle", got)
	}
}

func TestAbortedTestWithCallsInFlightRetires(t *testing.T) {
	ctx := context.Background()
	const blocking = "test.BlockingView"

	started := make(chan struct{})
	release := make(chan struct{})
	reg := registry.New().MustRegister(registry.Descriptor{
		Target: platformtest.View, Substitute: blocking, MinLevel: 0, MaxLevel: platform.MaxLevel,
	})
	lib := shadow.NewLibrary().MustAdd(&shadow.Implementation{
		ID: blocking,
		Methods: map[string]shadow.Method{
			"performClick/0": func(*shadow.Call) (vm.Value, error) {
				close(started)
				<-release
				return true, nil
			},
		},
	})
	m, _ := newManager(t, Options{Registry: reg, Library: lib})

	hung, s := enter(t, m, run("hung", platformtest.Alpha))
	view, err := s.Universe().New(ctx, platformtest.View, "v")
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := s.Universe().Send(ctx, view, "performClick")
		done <- err
	}()
	<-started

	hung.MarkAborted()
	err = m.AfterTest(ctx, hung)
	var rerr *ResetError
	if !errors.As(err, &rerr) || !errors.Is(err, vm.ErrCallsInFlight) {
		t.Fatalf("AfterTest = %v, want *ResetError for calls in flight", err)
	}
	if got := s.State(); got != Retired {
		t.Fatalf("state = %s, want retired", got)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("abandoned call: %v", err)
	}

	if err := s.Enter(ctx, &Test{Name: "again"}); !errors.Is(err, ErrRetired) {
		t.Fatalf("Enter on retired sandbox = %v, want ErrRetired", err)
	}
	next, fresh := enter(t, m, run("next", platformtest.Alpha))
	defer m.AfterTest(ctx, next)
	if fresh.ID() == s.ID() {
		t.Fatal("retired sandbox was handed out again")
	}
	if got := testutil.ToFloat64(m.metrics.retired.WithLabelValues(string(ReasonResetFailed))); got != 1 {
		t.Errorf("reset_failed retirements = %v, want 1", got)
	}
}

func TestEviction(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, Options{MaxSandboxes: 1})

	alpha, idle := enter(t, m, run("alpha", platformtest.Alpha))
	if err := m.AfterTest(ctx, alpha); err != nil {
		t.Fatal(err)
	}

	beta, active := enter(t, m, run("beta", platformtest.Beta))
	if got := idle.State(); got != Retired {
		t.Fatalf("evicted idle sandbox state = %s, want retired", got)
	}

	// Loading Gamma evicts the Beta sandbox while its test still runs.
	gamma, _ := enter(t, m, run("gamma", platformtest.Gamma))
	if got := active.State(); got != Active {
		t.Fatalf("evicted active sandbox state = %s, want active until exit", got)
	}
	if err := m.AfterTest(ctx, beta); err != nil {
		t.Fatal(err)
	}
	if got := active.State(); got != Retired {
		t.Fatalf("state after exit = %s, want retired", got)
	}
	if err := m.AfterTest(ctx, gamma); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(m.metrics.retired.WithLabelValues(string(ReasonEvicted))); got != 2 {
		t.Errorf("evictions = %v, want 2", got)
	}
}

func TestConcurrentTestsShareOneSandbox(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, Options{})

	var g errgroup.Group
	for i := range 8 {
		g.Go(func() error {
			test, err := m.BeforeTest(ctx, run(fmt.Sprintf("t%d", i), platformtest.Alpha))
			if err != nil {
				return err
			}
			defer m.AfterTest(ctx, test)
			s := test.Sandbox
			if v, err := s.Universe().InvokeStatic(ctx, platformtest.View, "isDebug"); err != nil || v != nil {
				return fmt.Errorf("t%d: isDebug = %v, %v", i, v, err)
			}
			if _, err := s.Universe().InvokeStatic(ctx, platformtest.View, "setDebug", int64(i)); err != nil {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(m.metrics.created); got != 1 {
		t.Errorf("created = %v, want 1", got)
	}
	if n := m.Len(); n != 1 {
		t.Errorf("Len = %d, want 1", n)
	}
}

func TestWarmUp(t *testing.T) {
	m, _ := newManager(t, Options{})
	err := m.WarmUp(context.Background(),
		run("a", platformtest.Alpha), run("b", platformtest.Beta), run("c", platformtest.Gamma))
	if err != nil {
		t.Fatal(err)
	}
	if n := m.Len(); n != 3 {
		t.Fatalf("Len = %d, want 3", n)
	}
	for _, s := range m.Sandboxes() {
		if got := s.State(); got != Ready {
			t.Errorf("%s state = %s, want ready", s, got)
		}
	}
}

func TestSharedClassesDelegateToParent(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, Options{Shared: []string{platformtest.Log}})

	load := func(cfg config.EffectiveConfig) *vm.Class {
		test, s := enter(t, m, cfg)
		defer m.AfterTest(ctx, test)
		c, err := s.Universe().LoadClass(ctx, platformtest.Log)
		if err != nil {
			t.Fatal(err)
		}
		if v := invoke(t, s, platformtest.Log, "w", "hi"); v != "hi" {
			t.Errorf("Log.w = %v", v)
		}
		return c
	}

	overridden := run("b", platformtest.Alpha)
	overridden.Substitutes = map[string]string{platformtest.Clock: platformtest.ShadowClockModern}
	a, b := load(run("a", platformtest.Alpha)), load(overridden)
	if a != b {
		t.Error("sandboxes of one level loaded the shared class separately")
	}
	if a.Instrumented() {
		t.Error("shared class was instrumented")
	}
}

func TestShutdown(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, Options{})
	test, s := enter(t, m, run("t", platformtest.Alpha))
	m.Shutdown()
	if got := s.State(); got != Active {
		t.Fatalf("in-use sandbox state = %s, want active", got)
	}
	if err := m.AfterTest(ctx, test); err != nil {
		t.Fatal(err)
	}
	if got := s.State(); got != Retired {
		t.Fatalf("state = %s, want retired", got)
	}
	if _, err := m.BeforeTest(ctx, run("t", platformtest.Alpha)); !errors.Is(err, ErrClosed) {
		t.Fatalf("BeforeTest after Shutdown = %v, want ErrClosed", err)
	}
	if n := m.Len(); n != 0 {
		t.Errorf("Len = %d, want 0", n)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		Uninitialized: "uninitialized",
		Ready:         "ready",
		Retired:       "retired",
		State(42):     "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d) = %q, want %q", s, got, want)
		}
	}
}
