package rewrite

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/chazu/umbra/classfile"
)

// Config scopes instrumentation.
type Config struct {
	InstrumentedPackages  []string `toml:"instrumented_packages" cbor:"1,keyasint,omitempty"`
	InstrumentedClasses   []string `toml:"instrumented_classes" cbor:"2,keyasint,omitempty"`
	ExcludedPackages      []string `toml:"excluded_packages" cbor:"3,keyasint,omitempty"`
	ExcludedClasses       []string `toml:"excluded_classes" cbor:"4,keyasint,omitempty"`
	ExcludeRegex          string   `toml:"exclude_regex" cbor:"5,keyasint,omitempty"`
	InterceptedMethods    []string `toml:"intercepted_methods" cbor:"6,keyasint,omitempty"`
	InterceptConstructors bool     `toml:"intercept_constructors" cbor:"7,keyasint,omitempty"`
}

// Normalize returns a copy with every list sorted and deduplicated, so equal
// scopes encode identically.
func (c Config) Normalize() Config {
	norm := func(in []string) []string {
		if len(in) == 0 {
			return nil
		}
		out := slices.Clone(in)
		slices.Sort(out)
		return slices.Compact(out)
	}
	c.InstrumentedPackages = norm(c.InstrumentedPackages)
	c.InstrumentedClasses = norm(c.InstrumentedClasses)
	c.ExcludedPackages = norm(c.ExcludedPackages)
	c.ExcludedClasses = norm(c.ExcludedClasses)
	c.InterceptedMethods = norm(c.InterceptedMethods)
	return c
}

// scope is the compiled form of a Config.
type scope struct {
	cfg         Config
	exclude     *regexp.Regexp
	intercepted map[string]bool // "Class.method" and "Class.*"
}

func compile(cfg Config) (*scope, error) {
	s := &scope{cfg: cfg.Normalize(), intercepted: make(map[string]bool)}
	if cfg.ExcludeRegex != "" {
		re, err := regexp.Compile(cfg.ExcludeRegex)
		if err != nil {
			return nil, fmt.Errorf("rewrite: bad exclude regex: %w", err)
		}
		s.exclude = re
	}
	for _, ref := range cfg.InterceptedMethods {
		if _, err := classfile.ParseRef(ref); err != nil {
			return nil, fmt.Errorf("rewrite: intercepted method: %w", err)
		}
		s.intercepted[ref] = true
	}
	return s, nil
}

// inPackage reports whether class lies in pkg or one of its subpackages.
func inPackage(class, pkg string) bool {
	return strings.HasPrefix(class, pkg+".")
}

func inAny(class string, pkgs []string) bool {
	for _, p := range pkgs {
		if inPackage(class, p) {
			return true
		}
	}
	return false
}

// eligible decides whether a class gets rewritten at all.
func (s *scope) eligible(c *classfile.Class) bool {
	if c.Flags.Has(classfile.ClassInterface) || c.Flags.Has(classfile.ClassDoNotInstrument) {
		return false
	}
	if slices.Contains(s.cfg.ExcludedClasses, c.Name) || inAny(c.Name, s.cfg.ExcludedPackages) {
		return false
	}
	if s.exclude != nil && s.exclude.MatchString(c.Name) {
		return false
	}
	return slices.Contains(s.cfg.InstrumentedClasses, c.Name) || inAny(c.Name, s.cfg.InstrumentedPackages)
}

// interceptedRef reports whether the "Class.method" call site is routed to
// an interceptor.
func (s *scope) interceptedRef(ref string) bool {
	if len(s.intercepted) == 0 {
		return false
	}
	if s.intercepted[ref] {
		return true
	}
	r, err := classfile.ParseRef(ref)
	if err != nil {
		return false
	}
	return s.intercepted[r.Class+".*"]
}
