package modulator

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sprout-dev/sprout/internal/anchor"
	"github.com/sprout-dev/sprout/internal/capability"
	"github.com/sprout-dev/sprout/internal/fileutil"
	"github.com/sprout-dev/sprout/internal/ledger"
	"github.com/sprout-dev/sprout/internal/manifest"
	"github.com/sprout-dev/sprout/internal/marker"
	"github.com/sprout-dev/sprout/internal/outcome"
	"github.com/sprout-dev/sprout/internal/scaffold"
	"github.com/sprout-dev/sprout/internal/structural"
	"github.com/sprout-dev/sprout/internal/textpatch"
	"github.com/sprout-dev/sprout/internal/workspace"
)

// StageResult reports one pipeline stage. Backups maps each file the stage
// mutated to the copy taken before its first mutation.
type StageResult struct {
	Stage     Stage             `json:"stage"`
	Committed bool              `json:"committed"`
	Error     string            `json:"error,omitempty"`
	Backups   map[string]string `json:"backups,omitempty"`
}

type ApplyResult struct {
	CapabilityID     string                `json:"capabilityId"`
	Success          bool                  `json:"success"`
	AlreadyInstalled bool                  `json:"alreadyInstalled,omitempty"`
	DryRun           bool                  `json:"dryRun,omitempty"`
	Plan             *Plan                 `json:"plan,omitempty"`
	Stages           []StageResult         `json:"stages"`
	Operations       []outcome.Result      `json:"operations,omitempty"`
	Files            []scaffold.FileResult `json:"files,omitempty"`
	Backups          map[string]string     `json:"backups,omitempty"`
	Diffs            []FileDiff            `json:"diffs,omitempty"`
	Error            string                `json:"error,omitempty"`
}

func newApplyResult(id string, dryRun bool) *ApplyResult {
	return &ApplyResult{
		CapabilityID: id,
		DryRun:       dryRun,
		Stages:       make([]StageResult, 0, 8),
		Backups:      make(map[string]string),
	}
}

func (res *ApplyResult) commit(stage Stage, backups map[string]string) {
	res.Stages = append(res.Stages, StageResult{Stage: stage, Committed: true, Backups: backups})
	for file, p := range backups {
		if _, ok := res.Backups[file]; !ok {
			res.Backups[file] = p
		}
	}
}

// fail records stage as the one that stopped the pipeline.
func (res *ApplyResult) fail(stage Stage, err error) error {
	res.Stages = append(res.Stages, StageResult{Stage: stage, Error: err.Error()})
	res.Error = err.Error()
	return &StageError{ID: res.CapabilityID, Stage: stage, Err: err}
}

// Committed lists the stages that completed, in order.
func (res *ApplyResult) Committed() []Stage {
	out := make([]Stage, 0, len(res.Stages))
	for _, s := range res.Stages {
		if s.Committed {
			out = append(out, s.Stage)
		}
	}
	return out
}

// OperationsError lists the failed operations of a Wire, Patch or Unwire
// stage.
type OperationsError struct {
	Failed []outcome.Result
}

func (e *OperationsError) Error() string {
	msgs := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		msgs = append(msgs, fmt.Sprintf("%s (%s): %s", f.ID, f.File, f.Message))
	}
	return fmt.Sprintf("%d operation(s) failed:\n  %s", len(e.Failed), strings.Join(msgs, "\n  "))
}

func checkResults(results []outcome.Result) error {
	failed := make([]outcome.Result, 0)
	for _, r := range results {
		if !r.Success {
			failed = append(failed, r)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return &OperationsError{Failed: failed}
}

// Apply installs one capability. Each stage runs only if the previous one
// committed; a failure stops the pipeline and leaves committed stages in
// place with their backups. Re-applying an installed capability is a no-op
// unless Options.Refresh is set.
func (r *Run) Apply(ctx context.Context, id string) (*ApplyResult, error) {
	res := newApplyResult(id, r.Options.DryRun)
	logger := r.Logger.With(zap.String("capability", id))

	m, d, err := r.preflight(id)
	if err != nil {
		return res, res.fail(StagePreflight, err)
	}
	noop := m.Has(id) && !r.Options.Refresh
	if !r.Options.DryRun && !noop {
		held := r.lock != nil
		if err := r.acquire(); err != nil {
			return res, res.fail(StagePreflight, err)
		}
		defer r.release()
		if !held {
			// Another invocation may have finished between the read and the lock.
			r.Manifest = nil
			if m, d, err = r.preflight(id); err != nil {
				return res, res.fail(StagePreflight, err)
			}
		}
	}
	res.commit(StagePreflight, nil)
	if m.Has(id) && !r.Options.Refresh {
		logger.Info("already installed", zap.String("version", m.Capabilities[id].Version))
		res.AlreadyInstalled = true
		res.Success = true
		return res, nil
	}

	plan, err := r.plan(ctx, m, d)
	if err == nil {
		err = plan.Err()
	}
	res.Plan = plan
	if err != nil {
		return res, res.fail(StagePlan, err)
	}
	res.commit(StagePlan, nil)

	fsys := r.view()
	t := r.tools(fsys, r.backuper(), append(append([]string(nil), m.Owned...), plan.Owned...))
	eff := manifest.Effects{}
	prev := m.Capabilities[id].Effects

	defer func() {
		if r.Options.DryRun {
			res.Diffs = r.Diffs()
		}
	}()

	// Scaffold
	files, err := t.scaffold.Materialize(ctx, d, scaffold.Data{
		Project:            m.Project,
		Namespace:          r.Config.Namespace,
		CompositionPackage: scaffold.CompositionPackageName,
	}, r.Config.ManagedDir, m.Owns)
	res.Files = files
	if err != nil {
		return res, res.fail(StageScaffold, err)
	}
	for _, f := range files {
		eff.Files = append(eff.Files, f.Path)
	}
	res.commit(StageScaffold, fileBackups(files))

	// Link
	if plan.PackageDir != "" {
		linked, err := t.linker.Link(ctx, linkRequest(d, plan.PackageDir))
		if err != nil {
			return res, res.fail(StageLink, err)
		}
		eff.Package = plan.PackageDir
		eff.Dependencies = linked.Dependencies
		res.commit(StageLink, linked.Backups)
	} else {
		res.commit(StageLink, nil)
	}

	// Wire
	wired := t.structural.Apply(ctx, plan.Operations, structural.Options{})
	texts := t.text.PatchMarkers(ctx, plan.Text, textpatch.Options{})
	res.Operations = append(res.Operations, wired...)
	res.Operations = append(res.Operations, texts...)
	if err := checkResults(append(append([]outcome.Result(nil), wired...), texts...)); err != nil {
		return res, res.fail(StageWire, err)
	}
	res.commit(StageWire, outcome.Backups(append(append([]outcome.Result(nil), wired...), texts...)))

	// Patch
	patched := t.anchor.Apply(ctx, plan.Patches, anchor.Options{})
	res.Operations = append(res.Operations, patched...)
	if err := checkResults(patched); err != nil {
		return res, res.fail(StagePatch, err)
	}
	res.commit(StagePatch, outcome.Backups(patched))

	// Verify
	present, err := r.verify(t.fs, plan, wired, texts, patched)
	if err != nil {
		return res, res.fail(StageVerify, err)
	}
	res.commit(StageVerify, nil)

	// ManifestUpdate
	eff.Wiring = wiringEffects(plan.Operations, wired, prev.Wiring, present)
	eff.Patches = patchEffects(texts, patched, prev.Patches, present)
	installed := manifest.Installed{
		Version:     d.Version,
		InstalledAt: r.now().UTC().Truncate(time.Second),
		Slot:        d.Slot.Name,
		Depends:     d.Depends,
		Permissions: permissionRefs(d),
		Config:      d.Config,
		Effects:     eff,
	}
	if old, ok := m.Capabilities[id]; ok {
		installed.InstalledAt = old.InstalledAt
	}
	next := m.Clone()
	next.AddCapability(id, installed)
	next.AddOwned(plan.Owned...)
	if !r.Options.DryRun {
		if err := manifest.Write(r.Root, next, r.now()); err != nil {
			return res, res.fail(StageManifestUpdate, err)
		}
	}
	r.Manifest = next
	res.commit(StageManifestUpdate, nil)

	res.Success = true
	counts := outcome.Count(res.Operations)
	logger.Info("capability applied",
		zap.Bool("dry_run", r.Options.DryRun),
		zap.Int("injected", counts[outcome.Injected]),
		zap.Int("skipped", counts[outcome.Skipped]),
		zap.Int("files", len(files)))
	return res, nil
}

// preflight loads the manifest and the descriptor. The manifest must exist
// and validate.
func (r *Run) preflight(id string) (*manifest.Manifest, capability.Descriptor, error) {
	m, err := r.loadManifest()
	if err != nil {
		return nil, capability.Descriptor{}, err
	}
	d, err := r.Catalog.Get(id)
	if err != nil {
		return nil, capability.Descriptor{}, err
	}
	return m, d, nil
}

func linkRequest(d capability.Descriptor, pkgDir string) workspace.Request {
	siblings := make([]string, 0)
	for name, version := range d.Package.Dependencies {
		if workspace.IsWorkspaceRef(version) {
			siblings = append(siblings, name)
		}
	}
	sort.Strings(siblings)
	return workspace.Request{
		CapabilityID: d.ID,
		PackageDir:   pkgDir,
		PackageName:  d.Package.Name,
		Siblings:     siblings,
	}
}

func fileBackups(files []scaffold.FileResult) map[string]string {
	out := make(map[string]string)
	for _, f := range files {
		if f.BackupPath != "" {
			out[f.Path] = f.BackupPath
		}
	}
	return out
}

// verify re-reads every touched file, checks it still carries a clean marker
// contract and returns the set of operation ids whose records are present.
// An operation skipped because its optional marker is absent is not expected
// to leave a record.
func (r *Run) verify(fsys fileutil.FS, plan *Plan, wired, texts, patched []outcome.Result) (map[string]bool, error) {
	l := ledger.New(r.Config.Namespace)
	v := marker.NewValidator(r.Config.Namespace)
	present := make(map[string]bool)
	cache := make(map[string][]byte)
	read := func(rel string) ([]byte, error) {
		if data, ok := cache[rel]; ok {
			return data, nil
		}
		data, err := fsys.ReadFile(rel)
		if err == nil {
			cache[rel] = data
		}
		return data, err
	}

	problems := make([]string, 0)
	expect := func(res outcome.Result, required bool) {
		data, err := read(res.File)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", res.File, err))
			return
		}
		if l.HasRecord(data, res.ID) {
			present[res.ID] = true
			return
		}
		if required {
			problems = append(problems, fmt.Sprintf("%s: record for %s is missing", res.File, res.ID))
		}
	}

	for _, res := range wired {
		mt := marker.Type(res.Marker)
		data, err := read(res.File)
		if err == nil && !mt.Required() {
			if _, ferr := v.Validate(data, res.File, mt); marker.IsMissing(ferr) {
				continue
			}
		}
		expect(res, true)
	}
	for _, res := range texts {
		expect(res, true)
	}
	for _, res := range patched {
		expect(res, res.Action == outcome.Injected && recordable(res.File))
	}

	files := make(map[string]bool)
	for _, op := range plan.Operations {
		files[op.File] = true
	}
	for _, p := range plan.Text {
		files[p.File] = true
	}
	for _, rel := range fileutil.MapKeysSorted(files) {
		data, err := read(rel)
		if err != nil {
			continue
		}
		if _, errs := v.Scan(data, rel); len(errs) > 0 {
			for _, e := range errs {
				problems = append(problems, e.Error())
			}
		}
	}

	if len(problems) > 0 {
		return present, fmt.Errorf("verification failed:\n  %s", strings.Join(problems, "\n  "))
	}
	return present, nil
}

func recordable(rel string) bool {
	return strings.ToLower(filepath.Ext(rel)) != ".json"
}

// wiringEffects turns wiring results into manifest effects. Skipped
// operations whose record is present keep what an earlier install recorded.
func wiringEffects(ops []structural.Operation, results []outcome.Result, previous []manifest.WiringEffect, present map[string]bool) []manifest.WiringEffect {
	prev := make(map[string]manifest.WiringEffect, len(previous))
	for _, e := range previous {
		prev[e.ID] = e
	}
	blocks := make(map[string][]string, len(ops))
	for _, op := range ops {
		blocks[op.ID()] = structural.Block(op.Contribution)
	}

	out := make([]manifest.WiringEffect, 0, len(results))
	for _, res := range results {
		if !present[res.ID] {
			continue
		}
		if res.Action == outcome.Skipped {
			if e, ok := prev[res.ID]; ok {
				out = append(out, e)
				continue
			}
			res.Snippet = blocks[res.ID]
		}
		out = append(out, manifest.WiringEffect{
			ID:       res.ID,
			File:     res.File,
			Marker:   res.Marker,
			Kind:     res.Kind,
			Snippet:  res.Snippet,
			Symbols:  res.Symbols,
			Previous: res.Previous,
		})
	}
	return out
}

func patchEffects(texts, patched []outcome.Result, previous []manifest.PatchEffect, present map[string]bool) []manifest.PatchEffect {
	prev := make(map[string]manifest.PatchEffect, len(previous))
	for _, e := range previous {
		prev[e.ID] = e
	}
	out := make([]manifest.PatchEffect, 0, len(texts)+len(patched))
	add := func(res outcome.Result, kind string) {
		if res.Action == outcome.Skipped {
			if e, ok := prev[res.ID]; ok {
				out = append(out, e)
			}
			return
		}
		out = append(out, manifest.PatchEffect{
			ID:       res.ID,
			File:     res.File,
			Kind:     kind,
			Marker:   res.Marker,
			Snippet:  res.Snippet,
			Previous: res.Previous,
		})
	}
	for _, res := range texts {
		if present[res.ID] {
			add(res, "text")
		}
	}
	for _, res := range patched {
		add(res, "anchor")
	}
	return out
}

// ApplyWiring applies a set of operations from any number of capabilities
// in one deterministic pass. Duplicate ids keep their first occurrence.
func (r *Run) ApplyWiring(ctx context.Context, ops []structural.Operation) ([]outcome.Result, error) {
	m, err := r.loadManifest()
	if err != nil {
		return nil, err
	}
	if !r.Options.DryRun {
		if err := r.acquire(); err != nil {
			return nil, err
		}
		defer r.release()
	}
	seen := make(map[string]bool, len(ops))
	unique := make([]structural.Operation, 0, len(ops))
	for _, op := range ops {
		if seen[op.ID()] {
			continue
		}
		seen[op.ID()] = true
		unique = append(unique, op)
	}
	t := r.tools(r.view(), r.backuper(), m.Owned)
	return t.structural.Apply(ctx, unique, structural.Options{}), nil
}
