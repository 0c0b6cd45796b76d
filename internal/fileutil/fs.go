package fileutil

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// FS is the project-relative file view every patcher reads and writes through.
// Paths are slash separated and relative to the project root.
type FS interface {
	ReadFile(rel string) ([]byte, error)
	WriteFile(rel string, data []byte) error
	Remove(rel string) error
	Exists(rel string) bool
}

// CleanRel normalizes a project-relative path and rejects paths that escape the root.
func CleanRel(rel string) (string, error) {
	rel = strings.TrimSpace(filepath.ToSlash(rel))
	if rel == "" {
		return "", errors.New("empty path")
	}
	if path.IsAbs(rel) || filepath.IsAbs(rel) {
		return "", errors.New("absolute path " + rel + " is not project-relative")
	}
	cleaned := path.Clean(rel)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errors.New("path " + rel + " escapes the project root")
	}
	return cleaned, nil
}

// DiskFS reads and writes files under Root.
type DiskFS struct {
	Root string
}

func NewDiskFS(root string) *DiskFS {
	return &DiskFS{Root: root}
}

func (d *DiskFS) abs(rel string) (string, error) {
	cleaned, err := CleanRel(rel)
	if err != nil {
		return "", err
	}
	return filepath.Join(d.Root, filepath.FromSlash(cleaned)), nil
}

func (d *DiskFS) ReadFile(rel string) ([]byte, error) {
	p, err := d.abs(rel)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

func (d *DiskFS) WriteFile(rel string, data []byte) error {
	p, err := d.abs(rel)
	if err != nil {
		return err
	}
	perm := os.FileMode(0644)
	if info, err := os.Stat(p); err == nil {
		perm = info.Mode().Perm()
	}
	return WriteAtomic(p, data, perm)
}

func (d *DiskFS) Remove(rel string) error {
	p, err := d.abs(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	pruneEmptyDirs(d.Root, filepath.Dir(p))
	return nil
}

func (d *DiskFS) Exists(rel string) bool {
	p, err := d.abs(rel)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

func pruneEmptyDirs(root, dir string) {
	root = filepath.Clean(root)
	for dir = filepath.Clean(dir); dir != root && strings.HasPrefix(dir, root); dir = filepath.Dir(dir) {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
	}
}

// Change is one file difference recorded by an OverlayFS.
type Change struct {
	Path    string
	Before  []byte
	After   []byte
	Existed bool
	Removed bool
}

// OverlayFS buffers writes in memory on top of a base FS. Reads see buffered
// writes first. Nothing reaches the base.
type OverlayFS struct {
	base    FS
	files   map[string][]byte
	removed map[string]bool
	before  map[string][]byte
	existed map[string]bool
}

func NewOverlayFS(base FS) *OverlayFS {
	return &OverlayFS{
		base:    base,
		files:   make(map[string][]byte),
		removed: make(map[string]bool),
		before:  make(map[string][]byte),
		existed: make(map[string]bool),
	}
}

func (o *OverlayFS) ReadFile(rel string) ([]byte, error) {
	cleaned, err := CleanRel(rel)
	if err != nil {
		return nil, err
	}
	if o.removed[cleaned] {
		return nil, &fs.PathError{Op: "read", Path: cleaned, Err: fs.ErrNotExist}
	}
	if data, ok := o.files[cleaned]; ok {
		return bytes.Clone(data), nil
	}
	return o.base.ReadFile(cleaned)
}

func (o *OverlayFS) WriteFile(rel string, data []byte) error {
	cleaned, err := CleanRel(rel)
	if err != nil {
		return err
	}
	o.remember(cleaned)
	delete(o.removed, cleaned)
	o.files[cleaned] = bytes.Clone(data)
	return nil
}

func (o *OverlayFS) Remove(rel string) error {
	cleaned, err := CleanRel(rel)
	if err != nil {
		return err
	}
	o.remember(cleaned)
	delete(o.files, cleaned)
	o.removed[cleaned] = true
	return nil
}

func (o *OverlayFS) Exists(rel string) bool {
	cleaned, err := CleanRel(rel)
	if err != nil {
		return false
	}
	if o.removed[cleaned] {
		return false
	}
	if _, ok := o.files[cleaned]; ok {
		return true
	}
	return o.base.Exists(cleaned)
}

func (o *OverlayFS) remember(rel string) {
	if _, seen := o.existed[rel]; seen {
		return
	}
	data, err := o.base.ReadFile(rel)
	o.existed[rel] = err == nil
	if err == nil {
		o.before[rel] = data
	}
}

// Changes lists buffered differences sorted by path. Writes that restore the
// original bytes are omitted.
func (o *OverlayFS) Changes() []Change {
	paths := MapKeysSorted(o.existed)
	changes := make([]Change, 0, len(paths))
	for _, p := range paths {
		change := Change{Path: p, Before: o.before[p], Existed: o.existed[p]}
		if o.removed[p] {
			if !change.Existed {
				continue
			}
			change.Removed = true
		} else {
			change.After = o.files[p]
			if change.Existed && bytes.Equal(change.Before, change.After) {
				continue
			}
		}
		changes = append(changes, change)
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes
}
