package capability

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

//go:embed catalog/*.yaml
var builtin embed.FS

// UnknownError reports a capability id absent from the catalog.
type UnknownError struct {
	ID string
}

func (e *UnknownError) Error() string {
	return fmt.Sprintf("unknown capability %q", e.ID)
}

// Catalog indexes descriptors by id.
type Catalog struct {
	byID map[string]Descriptor
}

func NewCatalog(descriptors ...Descriptor) *Catalog {
	c := &Catalog{byID: make(map[string]Descriptor, len(descriptors))}
	for _, d := range descriptors {
		c.byID[d.ID] = d
	}
	return c
}

// LoadCatalog reads the built-in descriptors, then overlays every *.yaml under
// localDir. Local descriptors replace built-ins with the same id. A missing
// localDir is not an error.
func LoadCatalog(localDir string) (*Catalog, error) {
	c := NewCatalog()
	entries, err := fs.ReadDir(builtin, "catalog")
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		name := "catalog/" + entry.Name()
		data, err := builtin.ReadFile(name)
		if err != nil {
			return nil, err
		}
		d, err := Decode(data, "builtin:"+entry.Name())
		if err != nil {
			return nil, err
		}
		c.byID[d.ID] = d
	}

	if localDir == "" {
		return c, nil
	}
	local, err := os.ReadDir(localDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return c, nil
		}
		return nil, fmt.Errorf("failed to read capability dir %s: %w", localDir, err)
	}
	for _, entry := range local {
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(localDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		d, err := Decode(data, path)
		if err != nil {
			return nil, err
		}
		c.byID[d.ID] = d
	}
	return c, nil
}

func (c *Catalog) Get(id string) (Descriptor, error) {
	d, ok := c.byID[strings.TrimSpace(id)]
	if !ok {
		return Descriptor{}, &UnknownError{ID: id}
	}
	return d, nil
}

// All returns every descriptor sorted by id.
func (c *Catalog) All() []Descriptor {
	out := make([]Descriptor, 0, len(c.byID))
	for _, d := range c.byID {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
