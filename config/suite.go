package config

import (
	"fmt"
	"os"
	"sort"

	"github.com/BurntSushi/toml"
)

// Suite is the configuration file of one test suite:
//
//	[class]
//	levels = ["all"]
//
//	[method.TestClick]
//	substitutes = { "platform.view.View" = "shadows.ShadowView" }
type Suite struct {
	Class  Config            `toml:"class"`
	Method map[string]Config `toml:"method"`

	// Path is the file the suite was loaded from.
	Path string `toml:"-"`
}

// ParseSuite decodes a suite from TOML. Unknown keys are errors.
func ParseSuite(data []byte) (*Suite, error) {
	var s Suite
	md, err := toml.Decode(string(data), &s)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("config: unknown keys %v", keys)
	}
	return &s, nil
}

// LoadSuite reads a suite file.
func LoadSuite(path string) (*Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %s: %w", path, err)
	}
	s, err := ParseSuite(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s.Path = path
	return s, nil
}

// For returns the class and method layers for a test method.
func (s *Suite) For(method string) (class, m Config) {
	if s == nil {
		return Config{}, Config{}
	}
	return s.Class, s.Method[method]
}

// Runs resolves a test method of the suite.
func (r *Resolver) Runs(s *Suite, method string) ([]Run, error) {
	class, m := s.For(method)
	return r.Resolve(method, class, m)
}
