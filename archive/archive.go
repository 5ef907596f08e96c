// Package archive provides the platform class archives that sandboxes load
// classes from. A provider returns the byte-identical class for the same
// (level, name) every time it is asked.
package archive

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/chazu/umbra/classfile"
	"github.com/chazu/umbra/platform"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("umbra.archive")

// ErrClassNotFound is returned when an archive has no class of that name for
// the requested level.
var ErrClassNotFound = errors.New("archive: class not found")

// Provider serves compiled platform classes per level.
type Provider interface {
	Class(ctx context.Context, level platform.Level, name string) (*classfile.Class, error)
}

// Store is a provider that can also enumerate and accept classes.
type Store interface {
	Provider
	Classes(ctx context.Context, level platform.Level) ([]string, error)
	Put(ctx context.Context, level platform.Level, c *classfile.Class) error
}

func notFound(level platform.Level, name string) error {
	return fmt.Errorf("%w: %s at level %s", ErrClassNotFound, name, level)
}

// Copy transfers every class of the given levels from src to dst and returns
// the number of classes written.
func Copy(ctx context.Context, dst, src Store, levels []platform.Level) (int, error) {
	n := 0
	for _, level := range levels {
		names, err := src.Classes(ctx, level)
		if err != nil {
			return n, fmt.Errorf("list level %s: %w", level, err)
		}
		for _, name := range names {
			c, err := src.Class(ctx, level, name)
			if err != nil {
				return n, err
			}
			if err := dst.Put(ctx, level, c); err != nil {
				return n, err
			}
			n++
		}
		log.Debug("copied level", "level", level, "classes", len(names))
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Memory
// ---------------------------------------------------------------------------

// Memory is an in-memory store. Classes are kept encoded so every lookup
// returns a fresh decoded copy.
type Memory struct {
	mu      sync.RWMutex
	classes map[platform.Level]map[string][]byte
}

// NewMemory creates an empty in-memory archive.
func NewMemory() *Memory {
	return &Memory{classes: make(map[platform.Level]map[string][]byte)}
}

// Put stores c for level, replacing any previous class of that name.
func (m *Memory) Put(_ context.Context, level platform.Level, c *classfile.Class) error {
	data, err := classfile.Encode(c)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	byName, ok := m.classes[level]
	if !ok {
		byName = make(map[string][]byte)
		m.classes[level] = byName
	}
	byName[c.Name] = data
	return nil
}

// MustPut is Put for fixtures; it panics on error.
func (m *Memory) MustPut(level platform.Level, classes ...*classfile.Class) *Memory {
	for _, c := range classes {
		if err := m.Put(context.Background(), level, c); err != nil {
			panic(err)
		}
	}
	return m
}

// Class implements Provider.
func (m *Memory) Class(ctx context.Context, level platform.Level, name string) (*classfile.Class, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	data, ok := m.classes[level][name]
	m.mu.RUnlock()
	if !ok {
		return nil, notFound(level, name)
	}
	return classfile.Decode(data)
}

// Classes lists the class names stored for level in sorted order.
func (m *Memory) Classes(_ context.Context, level platform.Level) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.classes[level]))
	for name := range m.classes[level] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
