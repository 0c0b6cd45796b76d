// Package capability decodes capability descriptors and turns their declared
// wiring into ordered structural operations.
package capability

import (
	"bytes"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sprout-dev/sprout/internal/anchor"
	"github.com/sprout-dev/sprout/internal/marker"
	"github.com/sprout-dev/sprout/internal/structural"
	"github.com/sprout-dev/sprout/internal/textpatch"
)

var idPattern = regexp.MustCompile(`^[a-z][a-z0-9-]*\.[a-z][a-z0-9-]*$`)

type SlotMode string

const (
	SlotSingle SlotMode = "single"
	SlotMulti  SlotMode = "multi"
)

// Slot is a named exclusivity group.
type Slot struct {
	Name string   `yaml:"name" json:"name"`
	Mode SlotMode `yaml:"mode" json:"mode"`
}

func (s Slot) Exclusive() bool {
	return s.Name != "" && s.Mode == SlotSingle
}

// Permission is a platform permission a capability needs.
type Permission struct {
	Name     string `yaml:"name" json:"name"`
	Platform string `yaml:"platform,omitempty" json:"platform,omitempty"`
}

func (p Permission) Key() string {
	if p.Platform == "" {
		return p.Name
	}
	return p.Platform + ":" + p.Name
}

type Permissions struct {
	Mandatory []Permission `yaml:"mandatory,omitempty" json:"mandatory,omitempty"`
	Optional  []Permission `yaml:"optional,omitempty" json:"optional,omitempty"`
}

// Package describes the workspace package a capability materializes under the
// managed zone.
type Package struct {
	Name string `yaml:"name" json:"name"`
	Dir  string `yaml:"dir" json:"dir"`
	// Dependencies are the package's own npm dependencies. The value
	// "workspace" marks a sibling managed package.
	Dependencies map[string]string `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
}

// OwnedFile is a template rendered into the package directory.
type OwnedFile struct {
	Path     string `yaml:"path" json:"path"`
	Template string `yaml:"template" json:"template"`
}

// WiringSpec is the YAML shape of one contribution.
type WiringSpec struct {
	Kind    string                  `yaml:"kind"`
	File    string                  `yaml:"file,omitempty"`
	Marker  string                  `yaml:"marker,omitempty"`
	Order   int                     `yaml:"order,omitempty"`
	Imports []structural.ImportSpec `yaml:"imports,omitempty"`
	Symbol  string                  `yaml:"symbol,omitempty"`
	Props   map[string]string       `yaml:"props,omitempty"`
	Call    *structural.CallRef     `yaml:"call,omitempty"`
	Raw     string                  `yaml:"raw,omitempty"`
}

// Contribution converts the spec into the tagged union. Unknown kinds become
// structural.Unknown so the failure surfaces on the operation.
func (w WiringSpec) Contribution() structural.Contribution {
	switch structural.Kind(w.Kind) {
	case structural.KindImport:
		return structural.Import{Specs: w.Imports}
	case structural.KindProvider:
		return structural.Provider{Symbol: w.Symbol, Props: w.Props}
	case structural.KindInitStep:
		step := structural.InitStep{Call: w.Call}
		if w.Raw != "" {
			step.Raw = &structural.RawStatement{Code: w.Raw}
		}
		return step
	case structural.KindRegistration:
		call := structural.CallRef{}
		if w.Call != nil {
			call = *w.Call
		}
		return structural.Registration{Call: call}
	case structural.KindRoot:
		return structural.Root{Symbol: w.Symbol}
	}
	return structural.Unknown{Name: w.Kind}
}

// Descriptor is a capability package definition.
type Descriptor struct {
	ID          string            `yaml:"id"`
	Version     string            `yaml:"version"`
	Category    string            `yaml:"category"`
	Description string            `yaml:"description,omitempty"`
	Targets     []string          `yaml:"targets"`
	Slot        Slot              `yaml:"slot,omitempty"`
	Depends     []string          `yaml:"depends,omitempty"`
	Permissions Permissions       `yaml:"permissions,omitempty"`
	Package     Package           `yaml:"package"`
	Files       []OwnedFile       `yaml:"files,omitempty"`
	Wiring      []WiringSpec      `yaml:"wiring,omitempty"`
	Text        []textpatch.Patch `yaml:"text,omitempty"`
	Patches     []anchor.Patch    `yaml:"patches,omitempty"`
	Owned       []string          `yaml:"owned,omitempty"`
	Config      map[string]any    `yaml:"config,omitempty"`

	// Source is where the descriptor was loaded from.
	Source string `yaml:"-"`
}

// Decode parses a descriptor, rejecting unknown fields.
func Decode(data []byte, source string) (Descriptor, error) {
	var d Descriptor
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil {
		return Descriptor{}, fmt.Errorf("failed to parse descriptor %s: %w", source, err)
	}
	d.Source = source
	if err := d.Validate(); err != nil {
		return Descriptor{}, fmt.Errorf("invalid descriptor %s: %w", source, err)
	}
	return d, nil
}

func (d Descriptor) Validate() error {
	if !idPattern.MatchString(d.ID) {
		return fmt.Errorf("id %q must be a lowercase <category>.<name>", d.ID)
	}
	if strings.TrimSpace(d.Version) == "" {
		return fmt.Errorf("%s: version is required", d.ID)
	}
	if len(d.Targets) == 0 {
		return fmt.Errorf("%s: at least one target is required", d.ID)
	}
	switch d.Slot.Mode {
	case "", SlotSingle, SlotMulti:
	default:
		return fmt.Errorf("%s: slot mode %q must be single or multi", d.ID, d.Slot.Mode)
	}
	if d.Slot.Mode != "" && d.Slot.Name == "" {
		return fmt.Errorf("%s: slot mode set without a slot name", d.ID)
	}
	for _, dep := range d.Depends {
		if dep == d.ID {
			return fmt.Errorf("%s: depends on itself", d.ID)
		}
	}
	if d.Package.Dir != "" && (strings.Contains(d.Package.Dir, "/") || strings.Contains(d.Package.Dir, "..")) {
		return fmt.Errorf("%s: package dir %q must be a single path segment", d.ID, d.Package.Dir)
	}
	if len(d.Files) > 0 && (d.Package.Dir == "" || d.Package.Name == "") {
		return fmt.Errorf("%s: files require package.name and package.dir", d.ID)
	}
	for i, w := range d.Wiring {
		if w.Marker != "" {
			if _, err := marker.ParseType(w.Marker); err != nil {
				return fmt.Errorf("%s: wiring[%d]: %w", d.ID, i, err)
			}
		}
	}
	for _, p := range d.Patches {
		if err := anchor.Validate(p); err != nil {
			return fmt.Errorf("%s: %w", d.ID, err)
		}
	}
	return nil
}

// Supports reports whether the descriptor declares target.
func (d Descriptor) Supports(target string) bool {
	for _, t := range d.Targets {
		if t == target || t == "*" {
			return true
		}
	}
	return false
}

// PackageDir is the project-relative directory of the capability package.
func (d Descriptor) PackageDir(managedDir string) string {
	if d.Package.Dir == "" {
		return ""
	}
	return path.Join(managedDir, d.Package.Dir)
}

// Operations expands the wiring declarations into structural operations.
// Files default to the marker contract file inside the composition package.
func (d Descriptor) Operations(compositionDir string) []structural.Operation {
	ops := make([]structural.Operation, 0, len(d.Wiring))
	for _, w := range d.Wiring {
		c := w.Contribution()
		mt := c.Marker()
		if w.Marker != "" {
			mt = marker.Type(w.Marker)
		}
		file := w.File
		if file == "" {
			if contract, ok := marker.Lookup(mt); ok {
				file = contract.DefaultFile
			}
		}
		ops = append(ops, structural.Operation{
			CapabilityID: d.ID,
			File:         path.Join(compositionDir, file),
			Marker:       mt,
			Contribution: c,
			Order:        w.Order,
		})
	}
	return structural.AssignOrdinals(ops)
}

// TextPatches returns the text patches with paths resolved like wiring files.
func (d Descriptor) TextPatches(compositionDir string) []textpatch.Patch {
	out := make([]textpatch.Patch, 0, len(d.Text))
	for _, p := range d.Text {
		p.CapabilityID = d.ID
		if p.File == "" {
			if contract, ok := marker.Lookup(p.Marker); ok {
				p.File = contract.DefaultFile
			}
		}
		p.File = path.Join(compositionDir, p.File)
		out = append(out, p)
	}
	return out
}

// AnchorPatches returns the anchor patches; their paths are project relative.
func (d Descriptor) AnchorPatches() []anchor.Patch {
	out := make([]anchor.Patch, 0, len(d.Patches))
	for _, p := range d.Patches {
		p.CapabilityID = d.ID
		out = append(out, p)
	}
	return out
}

// ImportRefs lists every import ref the descriptor declares, per file.
func (d Descriptor) ImportRefs(compositionDir string) map[string][]string {
	out := make(map[string][]string)
	for _, op := range d.Operations(compositionDir) {
		imp, ok := op.Contribution.(structural.Import)
		if !ok {
			continue
		}
		for _, spec := range imp.Specs {
			out[op.File] = append(out[op.File], spec.Ref())
		}
	}
	for file := range out {
		sort.Strings(out[file])
	}
	return out
}
