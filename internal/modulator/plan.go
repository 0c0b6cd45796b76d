package modulator

import (
	"context"
	"errors"
	"io/fs"
	"path"
	"slices"
	"sort"

	"github.com/sprout-dev/sprout/internal/anchor"
	"github.com/sprout-dev/sprout/internal/capability"
	"github.com/sprout-dev/sprout/internal/manifest"
	"github.com/sprout-dev/sprout/internal/marker"
	"github.com/sprout-dev/sprout/internal/outcome"
	"github.com/sprout-dev/sprout/internal/resolver"
	"github.com/sprout-dev/sprout/internal/structural"
	"github.com/sprout-dev/sprout/internal/textpatch"
	"github.com/sprout-dev/sprout/internal/workspace"
)

// Plan is everything an install would do, computed without writing.
type Plan struct {
	CapabilityID     string `json:"capabilityId"`
	Version          string `json:"version"`
	AlreadyInstalled bool   `json:"alreadyInstalled,omitempty"`

	PackageDir string   `json:"packageDir,omitempty"`
	Files      []string `json:"files,omitempty"`
	Owned      []string `json:"owned,omitempty"`
	// Dependencies are the package's npm dependencies; Link adds the package
	// itself to the root dependencies.
	Dependencies map[string]string `json:"dependencies,omitempty"`
	Link         map[string]string `json:"link,omitempty"`

	Operations  []structural.Operation   `json:"-"`
	Wiring      []PlannedOp              `json:"wiring,omitempty"`
	Text        []textpatch.Patch        `json:"text,omitempty"`
	Patches     []anchor.Patch           `json:"patches,omitempty"`
	Permissions []manifest.PermissionRef `json:"permissions,omitempty"`

	Conflicts []resolver.Conflict `json:"conflicts,omitempty"`
	Problems  []outcome.Result    `json:"problems,omitempty"`

	descriptor capability.Descriptor
}

// PlannedOp is the serializable view of a wiring operation.
type PlannedOp struct {
	ID     string   `json:"id"`
	File   string   `json:"file"`
	Marker string   `json:"marker"`
	Kind   string   `json:"kind"`
	Order  int      `json:"order"`
	Block  []string `json:"block,omitempty"`
}

func (p *Plan) OK() bool {
	return len(p.Conflicts) == 0 && len(p.Problems) == 0
}

// Err returns the validation error that blocks the plan, if any.
func (p *Plan) Err() error {
	if len(p.Conflicts) > 0 {
		return &resolver.ConflictError{CapabilityID: p.CapabilityID, Conflicts: p.Conflicts}
	}
	if len(p.Problems) > 0 {
		return &PlanError{ID: p.CapabilityID, Problems: p.Problems}
	}
	return nil
}

// Plan computes the plan for installing id. It reads files but never writes.
func (r *Run) Plan(ctx context.Context, id string) (*Plan, error) {
	m, err := r.loadManifest()
	if err != nil {
		return nil, err
	}
	d, err := r.Catalog.Get(id)
	if err != nil {
		return nil, err
	}
	return r.plan(ctx, m, d)
}

func (r *Run) plan(ctx context.Context, m *manifest.Manifest, d capability.Descriptor) (*Plan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := &Plan{
		CapabilityID:     d.ID,
		Version:          d.Version,
		AlreadyInstalled: m.Has(d.ID),
		descriptor:       d,
	}

	installed := r.installedDescriptors(m)
	report := resolver.Resolve(installed, d, m.Project.Target)
	p.Conflicts = report.Conflicts

	if pkgDir := d.PackageDir(r.Config.ManagedDir); pkgDir != "" {
		p.PackageDir = pkgDir
		for _, f := range d.Files {
			p.Files = append(p.Files, path.Join(pkgDir, f.Path))
		}
		p.Files = append(p.Files, path.Join(pkgDir, "package.json"))
		p.Owned = append(p.Owned, pkgDir+"/")
		protocol := workspace.Protocol(m.Project.PackageManager)
		p.Link = map[string]string{d.Package.Name: protocol}
		p.Dependencies = make(map[string]string, len(d.Package.Dependencies))
		for name, version := range d.Package.Dependencies {
			if workspace.IsWorkspaceRef(version) {
				version = protocol
			}
			p.Dependencies[name] = version
		}
	}
	p.Owned = append(p.Owned, d.Owned...)

	p.Operations = structural.SortOperations(d.Operations(r.Config.CompositionDir))
	for _, op := range p.Operations {
		p.Wiring = append(p.Wiring, PlannedOp{
			ID:     op.ID(),
			File:   op.File,
			Marker: string(op.Marker),
			Kind:   string(op.Contribution.Kind()),
			Order:  op.Order,
			Block:  structural.Block(op.Contribution),
		})
	}
	p.Text = d.TextPatches(r.Config.CompositionDir)
	p.Patches = d.AnchorPatches()
	p.Permissions = permissionDelta(m, d)

	if p.AlreadyInstalled && !r.Options.Refresh {
		return p, nil
	}

	t := r.tools(r.view(), nil, append(append([]string(nil), m.Owned...), p.Owned...))
	p.Problems = append(p.Problems, t.structural.Check(p.Operations)...)
	p.Problems = append(p.Problems, r.checkText(t, p.Text)...)
	p.Problems = append(p.Problems, r.checkPatches(t, p.Patches, p.Files)...)
	return p, nil
}

// installedDescriptors resolves installed ids against the catalog, falling
// back to what the manifest recorded for descriptors no longer available.
func (r *Run) installedDescriptors(m *manifest.Manifest) []capability.Descriptor {
	out := make([]capability.Descriptor, 0, len(m.Capabilities))
	for _, id := range m.IDs() {
		if d, err := r.Catalog.Get(id); err == nil {
			out = append(out, d)
			continue
		}
		inst := m.Capabilities[id]
		d := capability.Descriptor{ID: id, Version: inst.Version, Depends: inst.Depends}
		if inst.Slot != "" {
			d.Slot = capability.Slot{Name: inst.Slot, Mode: capability.SlotSingle}
		}
		out = append(out, d)
	}
	return out
}

func permissionDelta(m *manifest.Manifest, d capability.Descriptor) []manifest.PermissionRef {
	granted := make(map[string]bool)
	for _, g := range m.Permissions {
		granted[g.Platform+":"+g.Permission] = true
	}
	out := make([]manifest.PermissionRef, 0)
	for _, ref := range permissionRefs(d) {
		if !granted[ref.Platform+":"+ref.Name] {
			out = append(out, ref)
		}
	}
	return out
}

func permissionRefs(d capability.Descriptor) []manifest.PermissionRef {
	out := make([]manifest.PermissionRef, 0, len(d.Permissions.Mandatory)+len(d.Permissions.Optional))
	for _, p := range d.Permissions.Mandatory {
		out = append(out, manifest.PermissionRef{Name: p.Name, Platform: p.Platform, Required: true})
	}
	for _, p := range d.Permissions.Optional {
		out = append(out, manifest.PermissionRef{Name: p.Name, Platform: p.Platform})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Platform != out[j].Platform {
			return out[i].Platform < out[j].Platform
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// checkText reports text patches whose file or marker is unusable.
func (r *Run) checkText(t *tools, patches []textpatch.Patch) []outcome.Result {
	out := make([]outcome.Result, 0)
	v := marker.NewValidator(r.Config.Namespace)
	for _, p := range patches {
		res := outcome.Result{ID: p.OperationID(), CapabilityID: p.CapabilityID, File: p.File, Marker: string(p.Marker), Kind: "text"}
		if _, err := textpatch.ParseMode(string(p.Mode)); err != nil {
			out = append(out, res.Fail("%v", err))
			continue
		}
		rel, err := t.policy.CheckWiring(p.File)
		if err != nil {
			out = append(out, res.Fail("%v", err))
			continue
		}
		src, err := t.fs.ReadFile(rel)
		if err != nil {
			out = append(out, res.Fail("%s", outcome.NotFound(rel)))
			continue
		}
		if _, err := v.Validate(src, rel, p.Marker); err != nil {
			out = append(out, res.Fail("%v\n%s", err, marker.Remediation(err)))
		}
	}
	return out
}

// checkPatches reports anchor patches outside the patchable zone, whose file
// does not exist and is not scaffolded by the same plan, or whose anchor is
// missing from a file the plan does not scaffold.
func (r *Run) checkPatches(t *tools, patches []anchor.Patch, scaffolded []string) []outcome.Result {
	out := make([]outcome.Result, 0)
	for _, p := range patches {
		res := outcome.Result{ID: p.OperationID(), CapabilityID: p.CapabilityID, File: p.File, Kind: "patch"}
		if err := anchor.Validate(p); err != nil {
			out = append(out, res.Fail("%v", err))
			continue
		}
		rel, err := t.policy.CheckPatch(p.File)
		if err != nil {
			out = append(out, res.Fail("%v", err))
			continue
		}
		src, err := t.fs.ReadFile(rel)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			if !t.policy.InManaged(rel) {
				out = append(out, res.Fail("%s", outcome.NotFound(rel)))
			}
		case err != nil:
			out = append(out, res.Fail("failed to read %s: %v", rel, err))
		case !slices.Contains(scaffolded, rel):
			if err := anchor.Ready(src, p, r.Config.Namespace); err != nil {
				out = append(out, res.Fail("%v", err))
			}
		}
	}
	return out
}
