// Package platform defines the catalog of emulated platform releases.
//
// Every release has a stable numeric Level. Levels are the universal ordering
// key for substitute validity ranges and for sandbox selection.
package platform

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Level identifies an emulated platform release. Levels are totally ordered.
type Level int

// MaxLevel is the open upper bound used by ranges without an explicit maximum.
const MaxLevel Level = math.MaxInt32

// String renders the level; the unbounded sentinel renders as "max".
func (l Level) String() string {
	if l == MaxLevel {
		return "max"
	}
	return strconv.Itoa(int(l))
}

// Release is a single emulated platform release.
type Release struct {
	Level   Level  `toml:"level"`
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// String returns "name (level)" or just the level if unnamed.
func (r Release) String() string {
	if r.Name == "" {
		return r.Level.String()
	}
	return fmt.Sprintf("%s (%d)", r.Name, r.Level)
}

// ErrEmptyCatalog is returned when a catalog is built without releases.
var ErrEmptyCatalog = errors.New("platform: catalog has no releases")

// ---------------------------------------------------------------------------
// Catalog
// ---------------------------------------------------------------------------

// Catalog is an ordered, immutable set of releases.
type Catalog struct {
	releases []Release
	byLevel  map[Level]int
}

// NewCatalog builds a catalog. Releases may be given in any order; duplicate
// or non-positive levels are rejected.
func NewCatalog(releases ...Release) (*Catalog, error) {
	if len(releases) == 0 {
		return nil, ErrEmptyCatalog
	}

	sorted := make([]Release, len(releases))
	copy(sorted, releases)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Level < sorted[j].Level })

	c := &Catalog{
		releases: sorted,
		byLevel:  make(map[Level]int, len(sorted)),
	}
	for i, r := range sorted {
		if r.Level <= 0 || r.Level == MaxLevel {
			return nil, fmt.Errorf("platform: invalid level %d for release %q", r.Level, r.Name)
		}
		if _, dup := c.byLevel[r.Level]; dup {
			return nil, fmt.Errorf("platform: duplicate level %d", r.Level)
		}
		c.byLevel[r.Level] = i
	}
	return c, nil
}

// MustCatalog is NewCatalog for static tables; it panics on error.
func MustCatalog(releases ...Release) *Catalog {
	c, err := NewCatalog(releases...)
	if err != nil {
		panic(err)
	}
	return c
}

// catalogFile is the on-disk TOML layout.
type catalogFile struct {
	Releases []Release `toml:"release"`
}

// LoadCatalog reads a catalog from a TOML file of [[release]] tables.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes TOML catalog data.
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("platform: parse catalog: %w", err)
	}
	return NewCatalog(f.Releases...)
}

// Releases returns the releases in ascending level order.
func (c *Catalog) Releases() []Release {
	out := make([]Release, len(c.releases))
	copy(out, c.releases)
	return out
}

// Levels returns all levels in ascending order.
func (c *Catalog) Levels() []Level {
	out := make([]Level, len(c.releases))
	for i, r := range c.releases {
		out[i] = r.Level
	}
	return out
}

// Get returns the release for a level.
func (c *Catalog) Get(l Level) (Release, bool) {
	i, ok := c.byLevel[l]
	if !ok {
		return Release{}, false
	}
	return c.releases[i], true
}

// Contains reports whether the level is part of the catalog.
func (c *Catalog) Contains(l Level) bool {
	_, ok := c.byLevel[l]
	return ok
}

// Oldest returns the lowest release.
func (c *Catalog) Oldest() Release {
	return c.releases[0]
}

// Newest returns the highest release.
func (c *Catalog) Newest() Release {
	return c.releases[len(c.releases)-1]
}

// Between returns the levels l with lo <= l <= hi, ascending.
func (c *Catalog) Between(lo, hi Level) []Level {
	var out []Level
	for _, r := range c.releases {
		if r.Level >= lo && r.Level <= hi {
			out = append(out, r.Level)
		}
	}
	return out
}

// Len returns the number of releases.
func (c *Catalog) Len() int {
	return len(c.releases)
}
