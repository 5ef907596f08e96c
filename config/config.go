// Package config merges declarative test configuration and turns it into
// the runs a test is executed as: one per selected platform level.
package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/chazu/umbra/platform"
	"github.com/chazu/umbra/rewrite"
)

// Level sentinels usable in Config.Levels.
const (
	AllLevels   platform.Level = -1
	TargetLevel platform.Level = -2
	OldestLevel platform.Level = -3
	NewestLevel platform.Level = -4
)

var sentinelNames = map[string]platform.Level{
	"all":    AllLevels,
	"target": TargetLevel,
	"oldest": OldestLevel,
	"newest": NewestLevel,
}

// LevelList is a list of levels that also accepts the sentinel names "all",
// "target", "oldest" and "newest" in TOML.
type LevelList []platform.Level

// UnmarshalTOML implements toml.Unmarshaler.
func (l *LevelList) UnmarshalTOML(data any) error {
	items, ok := data.([]any)
	if !ok {
		items = []any{data}
	}
	out := make(LevelList, 0, len(items))
	for _, it := range items {
		switch v := it.(type) {
		case int64:
			out = append(out, platform.Level(v))
		case string:
			lvl, ok := sentinelNames[strings.ToLower(v)]
			if !ok {
				return fmt.Errorf("config: unknown level %q", v)
			}
			out = append(out, lvl)
		default:
			return fmt.Errorf("config: level must be an integer or a name, got %T", it)
		}
	}
	*l = out
	return nil
}

// Config is one layer of declarative test configuration. Zero values mean
// "not set" so layers can be merged.
type Config struct {
	Levels   LevelList      `toml:"levels"`
	MinLevel platform.Level `toml:"min_level"`
	MaxLevel platform.Level `toml:"max_level"`

	// Substitutes force a substitute per target class.
	Substitutes map[string]string `toml:"substitutes"`

	InstrumentedPackages []string `toml:"instrumented_packages"`
	ExcludedPackages     []string `toml:"excluded_packages"`
	ExcludedClasses      []string `toml:"excluded_classes"`

	// Qualifiers describe the emulated device. A value starting with "+"
	// is appended to the inherited qualifiers instead of replacing them.
	Qualifiers string            `toml:"qualifiers"`
	Properties map[string]string `toml:"properties"`
}

// Merge layers overlay on top of base field by field. Neither input is
// modified.
func Merge(base, overlay Config) Config {
	out := Config{
		Levels:               slices.Clone(base.Levels),
		MinLevel:             base.MinLevel,
		MaxLevel:             base.MaxLevel,
		Substitutes:          mergeMaps(base.Substitutes, overlay.Substitutes),
		InstrumentedPackages: union(base.InstrumentedPackages, overlay.InstrumentedPackages),
		ExcludedPackages:     union(base.ExcludedPackages, overlay.ExcludedPackages),
		ExcludedClasses:      union(base.ExcludedClasses, overlay.ExcludedClasses),
		Qualifiers:           mergeQualifiers(base.Qualifiers, overlay.Qualifiers),
		Properties:           mergeMaps(base.Properties, overlay.Properties),
	}
	if len(overlay.Levels) > 0 {
		out.Levels = slices.Clone(overlay.Levels)
	}
	if overlay.MinLevel != 0 {
		out.MinLevel = overlay.MinLevel
	}
	if overlay.MaxLevel != 0 {
		out.MaxLevel = overlay.MaxLevel
	}
	return out
}

// MergeAll merges layers from least to most specific.
func MergeAll(layers ...Config) Config {
	var out Config
	for _, l := range layers {
		out = Merge(out, l)
	}
	return out
}

func mergeMaps(base, overlay map[string]string) map[string]string {
	if len(base) == 0 && len(overlay) == 0 {
		return nil
	}
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]string, len(overlay))
	}
	maps.Copy(out, overlay)
	return out
}

func union(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := slices.Concat(a, b)
	slices.Sort(out)
	return slices.Compact(out)
}

func mergeQualifiers(base, overlay string) string {
	switch {
	case overlay == "":
		return base
	case !strings.HasPrefix(overlay, "+"):
		return overlay
	case base == "":
		return overlay[1:]
	}
	return base + "-" + overlay[1:]
}

// Validate checks a merged configuration against the catalog.
func (c Config) Validate(cat *platform.Catalog) error {
	var errs []error
	if len(c.Levels) > 0 && (c.MinLevel != 0 || c.MaxLevel != 0) {
		errs = append(errs, errors.New("config: explicit levels cannot be combined with min_level/max_level"))
	}
	if c.MinLevel != 0 && c.MaxLevel != 0 && c.MinLevel > c.MaxLevel {
		errs = append(errs, fmt.Errorf("config: min_level %s is above max_level %s", c.MinLevel, c.MaxLevel))
	}
	for _, l := range c.Levels {
		if l < 0 {
			if l < NewestLevel {
				errs = append(errs, fmt.Errorf("config: unknown level sentinel %d", l))
			}
			continue
		}
		if !cat.Contains(l) {
			errs = append(errs, fmt.Errorf("config: unknown level %s", l))
		}
	}
	for _, l := range []platform.Level{c.MinLevel, c.MaxLevel} {
		if l < 0 {
			errs = append(errs, fmt.Errorf("config: level bound %d must be positive", l))
		}
	}
	for target, sub := range c.Substitutes {
		if strings.TrimSpace(target) == "" || strings.TrimSpace(sub) == "" {
			errs = append(errs, fmt.Errorf("config: empty substitute override %q = %q", target, sub))
		}
	}
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// EffectiveConfig
// ---------------------------------------------------------------------------

// EffectiveConfig is the configuration of one run of one test.
type EffectiveConfig struct {
	// Name identifies the run in reports, e.g. "TestClick/level=3".
	Name  string
	Level platform.Level

	Substitutes          map[string]string
	InstrumentedPackages []string
	ExcludedPackages     []string
	ExcludedClasses      []string
	Qualifiers           string
	Properties           map[string]string
}

// Instrumentation returns the rewrite scope of the run on top of base.
func (e EffectiveConfig) Instrumentation(base rewrite.Config) rewrite.Config {
	base.InstrumentedPackages = union(base.InstrumentedPackages, e.InstrumentedPackages)
	base.ExcludedPackages = union(base.ExcludedPackages, e.ExcludedPackages)
	base.ExcludedClasses = union(base.ExcludedClasses, e.ExcludedClasses)
	return base.Normalize()
}

// Property returns a property of the run.
func (e EffectiveConfig) Property(key string) (string, bool) {
	v, ok := e.Properties[key]
	return v, ok
}
