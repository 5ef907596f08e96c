package sandbox

import (
	"context"
	"fmt"

	"github.com/chazu/umbra/archive"
	"github.com/chazu/umbra/classfile"
	"github.com/chazu/umbra/platform"
	"github.com/chazu/umbra/rewrite"
)

// classSource feeds a universe with archive classes of one level, rewritten
// by the sandbox's instrumentor. A nil instrumentor serves classes as they
// are stored.
type classSource struct {
	provider archive.Provider
	level    platform.Level
	inst     *rewrite.Instrumentor
	metrics  *metrics
}

func (s *classSource) FindClass(ctx context.Context, name string) (*classfile.Class, error) {
	c, err := s.provider.Class(ctx, s.level, name)
	if err != nil {
		return nil, err
	}
	if s.inst == nil {
		return c, nil
	}
	res, err := s.inst.Instrument(c)
	if err != nil {
		return nil, fmt.Errorf("sandbox: instrument %s: %w", name, err)
	}
	if res.Rewritten {
		s.metrics.instrumented.Inc()
	}
	return res.Class, nil
}
