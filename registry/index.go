package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/BurntSushi/toml"
	"github.com/chazu/umbra/platform"
)

// IndexEntry is one [[substitute]] record of a registration index. A missing
// max_level means the range is unbounded above.
type IndexEntry struct {
	Target     string          `toml:"target"`
	Substitute string          `toml:"substitute"`
	MinLevel   platform.Level  `toml:"min_level"`
	MaxLevel   *platform.Level `toml:"max_level"`
	Priority   int             `toml:"priority"`
	Scope      string          `toml:"scope"`
}

// Descriptor converts the entry.
func (e IndexEntry) Descriptor() Descriptor {
	hi := platform.MaxLevel
	if e.MaxLevel != nil {
		hi = *e.MaxLevel
	}
	return Descriptor{
		Target:     e.Target,
		Substitute: e.Substitute,
		MinLevel:   e.MinLevel,
		MaxLevel:   hi,
		Priority:   e.Priority,
		Scope:      e.Scope,
	}
}

// Index is the decoded form of a registration index file.
type Index struct {
	Scope       string       `toml:"scope"`
	Substitutes []IndexEntry `toml:"substitute"`
}

// ParseIndex decodes TOML index data.
func ParseIndex(data []byte) (*Index, error) {
	var idx Index
	if _, err := toml.Decode(string(data), &idx); err != nil {
		return nil, fmt.Errorf("registry: parse index: %w", err)
	}
	return &idx, nil
}

// LoadIndex reads an index file and registers its entries. Entries without a
// scope inherit the file's top-level scope, or the file name.
func (r *Registry) LoadIndex(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("cannot read %s: %w", path, err)
	}
	idx, err := ParseIndex(data)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	scope := idx.Scope
	if scope == "" {
		scope = filepath.Base(path)
	}
	for i, e := range idx.Substitutes {
		d := e.Descriptor()
		if d.Scope == "" {
			d.Scope = scope
		}
		if err := r.Register(d); err != nil {
			return i, fmt.Errorf("%s: substitute %d: %w", path, i+1, err)
		}
	}
	log.Info("loaded registration index", "path", path, "descriptors", len(idx.Substitutes))
	return len(idx.Substitutes), nil
}

// LoadIndexes loads every path in order. Glob patterns are expanded and
// matched files loaded in sorted order.
func (r *Registry) LoadIndexes(paths ...string) (int, error) {
	total := 0
	for _, p := range paths {
		matches, err := filepath.Glob(p)
		if err != nil {
			return total, fmt.Errorf("registry: bad index pattern %q: %w", p, err)
		}
		if len(matches) == 0 {
			return total, fmt.Errorf("registry: no index matches %q", p)
		}
		sort.Strings(matches)
		for _, m := range matches {
			n, err := r.LoadIndex(m)
			total += n
			if err != nil {
				return total, err
			}
		}
	}
	return total, nil
}
