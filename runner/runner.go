// Package runner runs Go tests inside sandboxes: each test expands into one
// subtest per configured platform level, and every subtest is bracketed by
// the sandbox manager's BeforeTest and AfterTest.
//
//	func TestWidget(t *testing.T) {
//		r.Run(t, config.Config{Levels: config.LevelList{config.AllLevels}}, config.Config{},
//			func(t *testing.T, s *sandbox.Sandbox) {
//				...
//			})
//	}
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/chazu/umbra/config"
	"github.com/chazu/umbra/manifest"
	"github.com/chazu/umbra/sandbox"
	"github.com/chazu/umbra/shadow"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("umbra.runner")

// Func is a test body run inside a sandbox.
type Func func(t *testing.T, s *sandbox.Sandbox)

// Runner ties a configuration resolver to a sandbox manager.
type Runner struct {
	manager  *sandbox.Manager
	resolver *config.Resolver
	manifest *manifest.Manifest
	closer   io.Closer
}

// New creates a runner over an existing manager and resolver.
func New(m *sandbox.Manager, r *config.Resolver) *Runner {
	return &Runner{manager: m, resolver: r}
}

// Open finds the umbra.toml above dir and builds the catalog, registry,
// archive, resolver and sandbox manager it describes. The caller supplies
// the substitute library and environments and must Close the runner.
func Open(dir string, lib *shadow.Library, envs ...sandbox.Environment) (*Runner, error) {
	m, err := manifest.FindAndLoad(dir)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("runner: no %s found above %s", manifest.FileName, dir)
	}
	cat, err := m.Catalog()
	if err != nil {
		return nil, err
	}
	reg, err := m.LoadRegistry()
	if err != nil {
		return nil, err
	}
	res, err := m.Resolver(cat)
	if err != nil {
		return nil, err
	}
	store, closer, err := m.OpenArchive()
	if err != nil {
		return nil, err
	}

	opts := m.SandboxOptions(cat, reg, lib, store)
	opts.Environments = envs
	mgr, err := sandbox.NewManager(opts)
	if err != nil {
		closer.Close()
		return nil, err
	}
	log.Info("opened project", "project", m.Project.Name, "dir", m.Dir,
		"levels", cat.Len(), "substitutes", lib.IDs())
	return &Runner{manager: mgr, resolver: res, manifest: m, closer: closer}, nil
}

// Manager returns the sandbox manager.
func (r *Runner) Manager() *sandbox.Manager { return r.manager }

// Resolver returns the configuration resolver.
func (r *Runner) Resolver() *config.Resolver { return r.resolver }

// Close shuts the manager down and releases the archive.
func (r *Runner) Close() error {
	r.manager.Shutdown()
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// Do runs fn in a sandbox for cfg. If fn panics or exits the goroutine, the
// test is marked aborted; AfterTest runs in every case and its error is
// joined to fn's.
func (r *Runner) Do(ctx context.Context, cfg config.EffectiveConfig, fn func(ctx context.Context, s *sandbox.Sandbox) error) (err error) {
	test, err := r.manager.BeforeTest(ctx, cfg)
	if err != nil {
		return err
	}
	completed := false
	defer func() {
		if !completed {
			test.MarkAborted()
		}
		if aerr := r.manager.AfterTest(ctx, test); aerr != nil {
			err = errors.Join(err, aerr)
		}
	}()
	err = fn(ctx, test.Sandbox)
	completed = true
	return err
}

// Run resolves the runs of the calling test from the class and method
// configuration layers and runs fn once per run, each as a subtest named
// after its level. A test with no enabled level is skipped.
func (r *Runner) Run(t *testing.T, class, method config.Config, fn Func) {
	t.Helper()
	for _, run := range r.runs(t, class, method) {
		t.Run(levelName(run), func(t *testing.T) {
			r.do(t, run.Config, func(s *sandbox.Sandbox) { fn(t, s) })
		})
	}
}

// RunParams runs fn once per parameter at every resolved level. Each pair
// is its own subtest, "level=N/param=I", with its own sandbox entry.
func RunParams[P any](r *Runner, t *testing.T, class, method config.Config, params []P, fn func(t *testing.T, s *sandbox.Sandbox, p P)) {
	t.Helper()
	runs := r.runs(t, class, method)
	for _, run := range runs {
		t.Run(levelName(run), func(t *testing.T) {
			for i, p := range params {
				t.Run(fmt.Sprintf("param=%d", i), func(t *testing.T) {
					cfg := run.Config
					cfg.Name = t.Name()
					r.do(t, cfg, func(s *sandbox.Sandbox) { fn(t, s, p) })
				})
			}
		})
	}
}

// runs resolves the runs of t, failing or skipping it as needed.
func (r *Runner) runs(t *testing.T, class, method config.Config) []config.Run {
	t.Helper()
	runs, err := r.resolver.Resolve(t.Name(), class, method)
	if err != nil {
		t.Fatalf("umbra: %v", err)
	}
	if len(runs) == 0 {
		t.Skip("umbra: no enabled level")
	}
	return runs
}

func levelName(run config.Run) string {
	return fmt.Sprintf("level=%d", run.Level)
}

// do runs body under Do and reports its error on t.
func (r *Runner) do(t *testing.T, cfg config.EffectiveConfig, body func(s *sandbox.Sandbox)) {
	t.Helper()
	err := r.Do(t.Context(), cfg, func(_ context.Context, s *sandbox.Sandbox) error {
		body(s)
		return nil
	})
	if err != nil {
		t.Error(err)
	}
}

// RunSuite is Run with the configuration layers taken from a suite file.
func (r *Runner) RunSuite(t *testing.T, suite *config.Suite, method string, fn Func) {
	t.Helper()
	class, m := suite.For(method)
	r.Run(t, class, m, fn)
}

// Suite loads the suite file of a test class from the manifest's suites
// directory. A missing file yields an empty suite.
func (r *Runner) Suite(class string) (*config.Suite, error) {
	if r.manifest == nil {
		return &config.Suite{}, nil
	}
	path := r.manifest.SuitePath(class)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return &config.Suite{}, nil
	}
	return config.LoadSuite(path)
}

// WarmUp loads the sandboxes of the given runs before tests start. It is a
// no-op unless the manifest enables warm-up.
func (r *Runner) WarmUp(ctx context.Context, runs ...config.Run) error {
	if r.manifest == nil || !r.manifest.Runner.WarmUp {
		return nil
	}
	cfgs := make([]config.EffectiveConfig, len(runs))
	for i, run := range runs {
		cfgs[i] = run.Config
	}
	return r.manager.WarmUp(ctx, cfgs...)
}
