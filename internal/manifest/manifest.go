// Package manifest persists the project manifest: what is installed, what each
// capability changed, the permissions it needs and the paths the engine owns.
//
// Write is the only producer of the manifest file and always receives a full
// Manifest value.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sprout-dev/sprout/internal/fileutil"
	"github.com/sprout-dev/sprout/internal/zone"
)

const (
	StateDir      = ".sprout"
	FileName      = "manifest.json"
	SchemaVersion = 2
)

// ErrNotFound is returned when the project has no manifest.
var ErrNotFound = errors.New("project manifest not found")

type Project struct {
	Name           string `json:"name"`
	Target         string `json:"target"`
	Language       string `json:"language"`
	PackageManager string `json:"packageManager"`
}

// WiringEffect records one injected wiring operation.
type WiringEffect struct {
	ID       string   `json:"id"`
	File     string   `json:"file"`
	Marker   string   `json:"marker"`
	Kind     string   `json:"kind"`
	Snippet  []string `json:"snippet,omitempty"`
	Symbols  []string `json:"symbols,omitempty"`
	Previous []string `json:"previous,omitempty"`
}

// PatchEffect records one text or anchor patch.
type PatchEffect struct {
	ID       string   `json:"id"`
	File     string   `json:"file"`
	Kind     string   `json:"kind"`
	Marker   string   `json:"marker,omitempty"`
	Snippet  []string `json:"snippet,omitempty"`
	Previous []string `json:"previous,omitempty"`
}

type Effects struct {
	Package      string            `json:"package,omitempty"`
	Files        []string          `json:"files,omitempty"`
	Wiring       []WiringEffect    `json:"wiring,omitempty"`
	Patches      []PatchEffect     `json:"patches,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// PermissionRef is a permission as declared by one capability.
type PermissionRef struct {
	Name     string `json:"name"`
	Platform string `json:"platform,omitempty"`
	Required bool   `json:"required"`
}

func (p PermissionRef) String() string {
	s := p.Name
	if p.Platform != "" {
		s = p.Platform + ":" + s
	}
	if !p.Required {
		s += " (optional)"
	}
	return s
}

type Installed struct {
	Version     string          `json:"version"`
	InstalledAt time.Time       `json:"installedAt"`
	Slot        string          `json:"slot,omitempty"`
	Depends     []string        `json:"depends,omitempty"`
	Permissions []PermissionRef `json:"permissions,omitempty"`
	Config      map[string]any  `json:"config,omitempty"`
	Effects     Effects         `json:"effects"`
}

// PermissionGrant is an aggregated permission traced to the capabilities that
// asked for it.
type PermissionGrant struct {
	Permission string   `json:"permission"`
	Platform   string   `json:"platform,omitempty"`
	Required   bool     `json:"required"`
	Sources    []string `json:"sources"`
}

type Manifest struct {
	SchemaVersion int                  `json:"schemaVersion"`
	Project       Project              `json:"project"`
	CreatedAt     time.Time            `json:"createdAt"`
	UpdatedAt     time.Time            `json:"updatedAt"`
	Capabilities  map[string]Installed `json:"capabilities"`
	Permissions   []PermissionGrant    `json:"permissions"`
	Owned         []string             `json:"owned"`
}

// New returns the manifest written at scaffold time.
func New(project Project, now time.Time) *Manifest {
	now = now.UTC().Truncate(time.Second)
	return &Manifest{
		SchemaVersion: SchemaVersion,
		Project:       project,
		CreatedAt:     now,
		UpdatedAt:     now,
		Capabilities:  make(map[string]Installed),
		Permissions:   make([]PermissionGrant, 0),
		Owned:         make([]string, 0),
	}
}

func Path(root string) string {
	return filepath.Join(root, StateDir, FileName)
}

// Read loads the manifest, migrating older schema versions in memory. It does
// not validate; use Load for the check every mutating command needs.
func Read(root string) (*Manifest, error) {
	data, err := os.ReadFile(Path(root))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w at %s; run `sprout init` first", ErrNotFound, Path(root))
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	migrated, _, err := Migrate(data)
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(migrated, &m); err != nil {
		return nil, &ValidationError{Problems: []string{"manifest is not valid JSON: " + err.Error()}}
	}
	m.normalize()
	return &m, nil
}

// Load reads and validates the manifest.
func Load(root string) (*Manifest, error) {
	m, err := Read(root)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Write validates m and replaces the manifest file atomically.
func Write(root string, m *Manifest, now time.Time) error {
	m.normalize()
	m.UpdatedAt = now.UTC().Truncate(time.Second)
	if err := m.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	path := Path(root)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return fileutil.WriteAtomic(path, append(data, '\n'), 0644)
}

// Exists reports whether a manifest file is present.
func Exists(root string) bool {
	_, err := os.Stat(Path(root))
	return err == nil
}

func (m *Manifest) normalize() {
	if m.Capabilities == nil {
		m.Capabilities = make(map[string]Installed)
	}
	if m.Permissions == nil {
		m.Permissions = make([]PermissionGrant, 0)
	}
	if m.Owned == nil {
		m.Owned = make([]string, 0)
	}
}

// Clone returns a deep copy through JSON, so callers can build the next
// manifest without touching the one they read.
func (m *Manifest) Clone() *Manifest {
	data, err := json.Marshal(m)
	if err != nil {
		panic(fmt.Sprintf("manifest: clone: %v", err))
	}
	var out Manifest
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("manifest: clone: %v", err))
	}
	out.normalize()
	return &out
}

func (m *Manifest) Has(id string) bool {
	_, ok := m.Capabilities[id]
	return ok
}

// IDs returns installed capability ids, sorted.
func (m *Manifest) IDs() []string {
	return fileutil.MapKeysSorted(m.Capabilities)
}

// AddCapability records an install and refreshes the aggregated permissions.
func (m *Manifest) AddCapability(id string, installed Installed) {
	m.normalize()
	m.Capabilities[id] = installed
	m.RecomputePermissions()
}

// RemoveCapability drops an install and every owned path it contributed.
func (m *Manifest) RemoveCapability(id string) {
	installed, ok := m.Capabilities[id]
	if !ok {
		return
	}
	delete(m.Capabilities, id)
	drop := fileutil.ToSet(installed.Effects.Files)
	if installed.Effects.Package != "" {
		drop[installed.Effects.Package+"/"] = true
	}
	kept := make([]string, 0, len(m.Owned))
	for _, p := range m.Owned {
		if !drop[p] {
			kept = append(kept, p)
		}
	}
	m.Owned = kept
	m.RecomputePermissions()
}

// AddOwned appends ownership ledger entries, keeping the list unique and sorted.
func (m *Manifest) AddOwned(paths ...string) {
	m.Owned = fileutil.DedupeStrings(append(m.Owned, paths...))
	sort.Strings(m.Owned)
}

// Owns reports whether rel is covered by the ownership ledger.
func (m *Manifest) Owns(rel string) bool {
	return zone.NewMatcher(m.Owned).Matches(rel, false)
}

// RecomputePermissions rebuilds the aggregated grants from installed
// capabilities. A permission is required when any source requires it.
func (m *Manifest) RecomputePermissions() {
	type key struct{ platform, name string }
	grants := make(map[key]*PermissionGrant)
	for _, id := range m.IDs() {
		for _, p := range m.Capabilities[id].Permissions {
			k := key{p.Platform, p.Name}
			g, ok := grants[k]
			if !ok {
				g = &PermissionGrant{Permission: p.Name, Platform: p.Platform, Sources: make([]string, 0, 1)}
				grants[k] = g
			}
			g.Required = g.Required || p.Required
			g.Sources = append(g.Sources, id)
		}
	}

	out := make([]PermissionGrant, 0, len(grants))
	for _, g := range grants {
		g.Sources = fileutil.DedupeStrings(g.Sources)
		sort.Strings(g.Sources)
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Platform != out[j].Platform {
			return out[i].Platform < out[j].Platform
		}
		return out[i].Permission < out[j].Permission
	})
	m.Permissions = out
}
