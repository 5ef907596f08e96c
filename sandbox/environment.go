package sandbox

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/chazu/umbra/config"
)

// Test is one test run inside a sandbox. The *Test returned by
// Manager.BeforeTest identifies the run: AfterTest and Exit act only on the
// run the sandbox is currently serving.
type Test struct {
	Name    string
	Config  config.EffectiveConfig
	Sandbox *Sandbox

	aborted atomic.Bool
}

// MarkAborted records that the test did not finish normally. An aborted test
// whose teardown fails retires its sandbox on exit.
func (t *Test) MarkAborted() { t.aborted.Store(true) }

// Aborted reports whether MarkAborted was called.
func (t *Test) Aborted() bool { return t.aborted.Load() }

// Environment prepares a sandbox for a test and cleans up after it. Setup
// hooks run in registration order, Teardown hooks in reverse, and only for
// environments whose Setup succeeded.
type Environment interface {
	Name() string
	Setup(ctx context.Context, t *Test) error
	Teardown(ctx context.Context, t *Test) error
}

// EnvironmentFuncs adapts functions to Environment. Nil funcs do nothing.
type EnvironmentFuncs struct {
	ID           string
	SetupFunc    func(ctx context.Context, t *Test) error
	TeardownFunc func(ctx context.Context, t *Test) error
}

var _ Environment = EnvironmentFuncs{}

func (e EnvironmentFuncs) Name() string { return e.ID }

func (e EnvironmentFuncs) Setup(ctx context.Context, t *Test) error {
	if e.SetupFunc == nil {
		return nil
	}
	return e.SetupFunc(ctx, t)
}

func (e EnvironmentFuncs) Teardown(ctx context.Context, t *Test) error {
	if e.TeardownFunc == nil {
		return nil
	}
	return e.TeardownFunc(ctx, t)
}

// StaticPrefix marks run properties that StaticProperties writes into
// static fields.
const StaticPrefix = "static:"

// StaticProperties is an Environment that writes properties of the form
// "static:Class.field" into static fields before the test. The universe reset
// restores the fields afterwards.
type StaticProperties struct{}

func (StaticProperties) Name() string { return "static-properties" }

func (StaticProperties) Setup(ctx context.Context, t *Test) error {
	keys := make([]string, 0, len(t.Config.Properties))
	for key := range t.Config.Properties {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		ref, ok := strings.CutPrefix(key, StaticPrefix)
		if !ok {
			continue
		}
		dot := strings.LastIndexByte(ref, '.')
		if dot <= 0 || dot == len(ref)-1 {
			return fmt.Errorf("sandbox: bad static property %q", key)
		}
		if err := t.Sandbox.Universe().PutStatic(ctx, ref[:dot], ref[dot+1:], t.Config.Properties[key]); err != nil {
			return err
		}
	}
	return nil
}

func (StaticProperties) Teardown(context.Context, *Test) error { return nil }
