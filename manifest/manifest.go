// Package manifest handles umbra.toml project configuration.
package manifest

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/BurntSushi/toml"
	"github.com/chazu/umbra/archive"
	"github.com/chazu/umbra/config"
	"github.com/chazu/umbra/platform"
	"github.com/chazu/umbra/registry"
	"github.com/chazu/umbra/rewrite"
	"github.com/chazu/umbra/sandbox"
	"github.com/chazu/umbra/shadow"
	"github.com/tliron/commonlog"
)

// FileName is the manifest file name.
const FileName = "umbra.toml"

var log = commonlog.GetLogger("umbra.manifest")

// Archive kinds.
const (
	ArchiveDir    = "dir"
	ArchiveSQLite = "sqlite"
)

// Manifest represents an umbra.toml project configuration.
type Manifest struct {
	Project         Project        `toml:"project"`
	Platform        Platform       `toml:"platform"`
	Archive         Archive        `toml:"archive"`
	Registry        Registry       `toml:"registry"`
	Instrumentation rewrite.Config `toml:"instrumentation"`
	Defaults        config.Config  `toml:"defaults"`
	Sandbox         Sandbox        `toml:"sandbox"`
	Runner          Runner         `toml:"runner"`

	// Dir is the directory containing the umbra.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// Platform names the release catalog, either as a file or inline.
type Platform struct {
	Catalog  string             `toml:"catalog"`
	Releases []platform.Release `toml:"release"`
	// Target is the level tests run under when they name none.
	Target platform.Level `toml:"target"`
}

// Archive locates the platform class archive.
type Archive struct {
	Kind string `toml:"kind"`
	Path string `toml:"path"`
}

// Registry lists registration index files; glob patterns are allowed.
type Registry struct {
	Indexes []string `toml:"indexes"`
}

// Sandbox tunes the sandbox manager.
type Sandbox struct {
	MaxSandboxes int      `toml:"max-sandboxes"`
	MaxDepth     int      `toml:"max-depth"`
	Preload      []string `toml:"preload"`
	Shared       []string `toml:"shared"`
}

// Runner configures test execution.
type Runner struct {
	// Suites is the directory of per-class suite files.
	Suites string `toml:"suites"`
	// WarmUp loads the sandboxes of every run before the first test.
	WarmUp bool `toml:"warm-up"`
}

// Load parses an umbra.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return m, nil
}

// Parse decodes manifest data and applies defaults. Unknown keys are errors.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	md, err := toml.Decode(string(data), &m)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown key %s", undecoded[0])
	}

	// Defaults
	if m.Archive.Kind == "" {
		m.Archive.Kind = ArchiveDir
	}
	if m.Archive.Path == "" {
		m.Archive.Path = "archive"
	}
	if m.Runner.Suites == "" {
		m.Runner.Suites = "suites"
	}
	return &m, nil
}

// FindAndLoad walks up from startDir to find an umbra.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// path resolves p relative to the manifest directory.
func (m *Manifest) path(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.Dir, p)
}

// SuitePath returns the suite file for a test class.
func (m *Manifest) SuitePath(class string) string {
	return filepath.Join(m.path(m.Runner.Suites), class+".toml")
}

// Catalog loads the release catalog. Inline releases are used when no
// catalog file is named.
func (m *Manifest) Catalog() (*platform.Catalog, error) {
	switch {
	case m.Platform.Catalog != "" && len(m.Platform.Releases) > 0:
		return nil, errors.New("manifest: platform.catalog and platform.release cannot be combined")
	case m.Platform.Catalog != "":
		return platform.LoadCatalog(m.path(m.Platform.Catalog))
	default:
		return platform.NewCatalog(m.Platform.Releases...)
	}
}

// IndexPaths returns the registration index patterns as absolute paths.
func (m *Manifest) IndexPaths() []string {
	paths := make([]string, len(m.Registry.Indexes))
	for i, p := range m.Registry.Indexes {
		paths[i] = m.path(p)
	}
	return paths
}

// LoadRegistry registers every index into a new registry and freezes it.
func (m *Manifest) LoadRegistry() (*registry.Registry, error) {
	reg := registry.New()
	n, err := reg.LoadIndexes(m.IndexPaths()...)
	if err != nil {
		return nil, err
	}
	reg.Freeze()
	log.Info("loaded registry", "descriptors", n, "targets", len(reg.Targets()))
	return reg, nil
}

// OpenArchive opens the configured archive store. The closer releases it.
func (m *Manifest) OpenArchive() (archive.Store, io.Closer, error) {
	path := m.path(m.Archive.Path)
	switch m.Archive.Kind {
	case ArchiveDir:
		d, err := archive.NewDir(path)
		if err != nil {
			return nil, nil, err
		}
		return d, nopCloser{}, nil
	case ArchiveSQLite:
		s, err := archive.OpenSQLite(path)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("manifest: unknown archive kind %q", m.Archive.Kind)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Resolver creates a configuration resolver over the manifest defaults.
func (m *Manifest) Resolver(cat *platform.Catalog) (*config.Resolver, error) {
	if err := m.Defaults.Validate(cat); err != nil {
		return nil, fmt.Errorf("manifest: defaults: %w", err)
	}
	r, err := config.NewResolver(cat, m.Defaults)
	if err != nil {
		return nil, err
	}
	if m.Platform.Target != 0 {
		if !cat.Contains(m.Platform.Target) {
			return nil, fmt.Errorf("manifest: target level %s is not in the catalog", m.Platform.Target)
		}
		r.Target = m.Platform.Target
	}
	return r, nil
}

// SandboxOptions assembles manager options from the manifest.
func (m *Manifest) SandboxOptions(cat *platform.Catalog, reg *registry.Registry, lib *shadow.Library, store archive.Provider) sandbox.Options {
	return sandbox.Options{
		Registry:     reg,
		Library:      lib,
		Archive:      store,
		Catalog:      cat,
		BaseScope:    m.Instrumentation,
		Preload:      slices.Clone(m.Sandbox.Preload),
		Shared:       slices.Clone(m.Sandbox.Shared),
		MaxSandboxes: m.Sandbox.MaxSandboxes,
		MaxDepth:     m.Sandbox.MaxDepth,
	}
}
