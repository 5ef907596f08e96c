package config

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/chazu/umbra/platform"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("umbra.config")

// EnabledLevelsEnv restricts the levels any test runs under, e.g. "2,3".
const EnabledLevelsEnv = "UMBRA_ENABLED_LEVELS"

// Run is one (level, configuration) pair a test executes as.
type Run struct {
	Level  platform.Level
	Config EffectiveConfig
}

// Resolver turns merged configuration into runs.
type Resolver struct {
	Catalog *platform.Catalog
	// Target is the level used when a configuration names none; zero
	// means the newest release.
	Target platform.Level
	// Enabled limits every selection; nil enables all levels.
	Enabled []platform.Level
	// Defaults is the least specific configuration layer.
	Defaults Config
}

// NewResolver creates a resolver whose enabled levels come from the
// environment.
func NewResolver(cat *platform.Catalog, defaults Config) (*Resolver, error) {
	enabled, err := EnabledLevelsFromEnv(cat)
	if err != nil {
		return nil, err
	}
	return &Resolver{Catalog: cat, Enabled: enabled, Defaults: defaults}, nil
}

// EnabledLevelsFromEnv parses EnabledLevelsEnv. An unset or empty variable
// enables every level.
func EnabledLevelsFromEnv(cat *platform.Catalog) ([]platform.Level, error) {
	return ParseLevels(os.Getenv(EnabledLevelsEnv), cat)
}

// ParseLevels parses a comma separated list of levels or release names.
func ParseLevels(s string, cat *platform.Catalog) ([]platform.Level, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []platform.Level
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if n, err := strconv.Atoi(part); err == nil {
			lvl := platform.Level(n)
			if cat != nil && !cat.Contains(lvl) {
				return nil, fmt.Errorf("config: unknown level %d", n)
			}
			out = append(out, lvl)
			continue
		}
		lvl, ok := levelByName(cat, part)
		if !ok {
			return nil, fmt.Errorf("config: unknown level %q", part)
		}
		out = append(out, lvl)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

func levelByName(cat *platform.Catalog, name string) (platform.Level, bool) {
	if cat == nil {
		return 0, false
	}
	for _, r := range cat.Releases() {
		if strings.EqualFold(r.Name, name) {
			return r.Level, true
		}
	}
	return 0, false
}

func (r *Resolver) target() platform.Level {
	if r.Target != 0 {
		return r.Target
	}
	return r.Catalog.Newest().Level
}

// Resolve merges the defaults, the class layer and the method layer and
// returns one run per selected level, in ascending level order. Selecting
// no enabled level yields no runs and no error.
func (r *Resolver) Resolve(name string, class, method Config) ([]Run, error) {
	merged := MergeAll(r.Defaults, class, method)
	if err := merged.Validate(r.Catalog); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	levels, err := r.selectLevels(merged)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	runs := make([]Run, 0, len(levels))
	for _, lvl := range levels {
		runName := name
		if len(levels) > 1 {
			runName = fmt.Sprintf("%s/level=%d", name, lvl)
		}
		runs = append(runs, Run{
			Level: lvl,
			Config: EffectiveConfig{
				Name:                 runName,
				Level:                lvl,
				Substitutes:          maps.Clone(merged.Substitutes),
				InstrumentedPackages: slices.Clone(merged.InstrumentedPackages),
				ExcludedPackages:     slices.Clone(merged.ExcludedPackages),
				ExcludedClasses:      slices.Clone(merged.ExcludedClasses),
				Qualifiers:           merged.Qualifiers,
				Properties:           maps.Clone(merged.Properties),
			},
		})
	}
	log.Debug("resolved runs", "test", name, "levels", levels)
	return runs, nil
}

// selectLevels picks explicit levels, then the min/max window, then the
// target level, and filters the result by the enabled set.
func (r *Resolver) selectLevels(c Config) ([]platform.Level, error) {
	var picked []platform.Level
	switch {
	case len(c.Levels) > 0:
		for _, l := range c.Levels {
			switch l {
			case AllLevels:
				picked = append(picked, r.Catalog.Levels()...)
			case TargetLevel:
				picked = append(picked, r.target())
			case OldestLevel:
				picked = append(picked, r.Catalog.Oldest().Level)
			case NewestLevel:
				picked = append(picked, r.Catalog.Newest().Level)
			default:
				picked = append(picked, l)
			}
		}
	case c.MinLevel != 0 || c.MaxLevel != 0:
		lo, hi := c.MinLevel, c.MaxLevel
		if lo == 0 {
			lo = r.Catalog.Oldest().Level
		}
		if hi == 0 {
			hi = r.Catalog.Newest().Level
		}
		picked = r.Catalog.Between(lo, hi)
	default:
		t := r.target()
		if !r.Catalog.Contains(t) {
			return nil, fmt.Errorf("config: target level %s is not in the catalog", t)
		}
		picked = []platform.Level{t}
	}

	slices.Sort(picked)
	picked = slices.Compact(picked)
	if r.Enabled == nil {
		return picked, nil
	}
	return slices.DeleteFunc(picked, func(l platform.Level) bool {
		return !slices.Contains(r.Enabled, l)
	}), nil
}
