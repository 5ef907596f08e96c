package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/chazu/umbra/classfile"
	"github.com/chazu/umbra/platform"
)

// ClassFileExt is the extension of encoded class files in a directory archive.
const ClassFileExt = ".cls"

// Dir is a directory archive laid out as <root>/<level>/<class>.cls, each
// file holding one canonically encoded class.
type Dir struct {
	root string
}

// NewDir opens a directory archive. The directory must exist.
func NewDir(root string) (*Dir, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("archive: %s is not a directory", root)
	}
	return &Dir{root: root}, nil
}

// Root returns the archive directory.
func (d *Dir) Root() string { return d.root }

func (d *Dir) path(level platform.Level, name string) string {
	return filepath.Join(d.root, strconv.Itoa(int(level)), name+ClassFileExt)
}

// Class implements Provider.
func (d *Dir) Class(ctx context.Context, level platform.Level, name string) (*classfile.Class, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("archive: invalid class name %q", name)
	}
	data, err := os.ReadFile(d.path(level, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(level, name)
	}
	if err != nil {
		return nil, fmt.Errorf("archive: read %s: %w", name, err)
	}
	c, err := classfile.Decode(data)
	if err != nil {
		return nil, err
	}
	if c.Name != name {
		return nil, fmt.Errorf("archive: file for %s contains class %s", name, c.Name)
	}
	return c, nil
}

// Classes lists the classes of a level in sorted order.
func (d *Dir) Classes(_ context.Context, level platform.Level) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(d.root, strconv.Itoa(int(level))))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ClassFileExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ClassFileExt))
	}
	sort.Strings(names)
	return names, nil
}

// Put writes c for level.
func (d *Dir) Put(_ context.Context, level platform.Level, c *classfile.Class) error {
	data, err := classfile.Encode(c)
	if err != nil {
		return err
	}
	p := d.path(level, c.Name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("archive: write %s: %w", c.Name, err)
	}
	return nil
}

// Levels returns the level directories present in the archive.
func (d *Dir) Levels() ([]platform.Level, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	var levels []platform.Level
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		n, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		levels = append(levels, platform.Level(n))
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i] < levels[j] })
	return levels, nil
}
