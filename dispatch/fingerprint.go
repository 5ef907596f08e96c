package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/chazu/umbra/classfile"
	"github.com/chazu/umbra/platform"
	"github.com/chazu/umbra/registry"
	"github.com/chazu/umbra/rewrite"
)

// Selection is everything a sandbox's behavior depends on: the platform
// level, the substitute chosen for every target, and the instrumentation
// options.
type Selection struct {
	Level   platform.Level
	Mapping map[string]registry.Descriptor
	Options rewrite.Config
}

// Resolve selects substitutes for every registered target at level.
func Resolve(reg *registry.Registry, level platform.Level, overrides map[string]string, opts rewrite.Config) Selection {
	return Selection{
		Level:   level,
		Mapping: reg.ResolveAll(level, overrides),
		Options: opts.Normalize(),
	}
}

// Fingerprint identifies behaviorally equivalent sandboxes.
type Fingerprint [32]byte

// String returns the hex form.
func (f Fingerprint) String() string { return hex.EncodeToString(f[:]) }

// Short returns the first 12 hex digits.
func (f Fingerprint) Short() string { return f.String()[:12] }

// IsZero reports whether f was never computed.
func (f Fingerprint) IsZero() bool { return f == Fingerprint{} }

type fingerprintInput struct {
	Level   platform.Level        `cbor:"1,keyasint"`
	Mapping []registry.Descriptor `cbor:"2,keyasint"`
	Options rewrite.Config        `cbor:"3,keyasint"`
}

// Fingerprint hashes the canonical encoding of the level, the mapping in
// target order and the normalized options.
func (s Selection) Fingerprint() (Fingerprint, error) {
	in := fingerprintInput{
		Level:   s.Level,
		Mapping: make([]registry.Descriptor, 0, len(s.Mapping)),
		Options: s.Options.Normalize(),
	}
	for _, d := range s.Mapping {
		in.Mapping = append(in.Mapping, d)
	}
	sort.Slice(in.Mapping, func(i, j int) bool { return in.Mapping[i].Target < in.Mapping[j].Target })

	data, err := classfile.Marshal(in)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("dispatch: fingerprint: %w", err)
	}
	return sha256.Sum256(data), nil
}
