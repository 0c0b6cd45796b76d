package modulator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/sprout-dev/sprout/internal/anchor"
	"github.com/sprout-dev/sprout/internal/capability"
	"github.com/sprout-dev/sprout/internal/fileutil"
	"github.com/sprout-dev/sprout/internal/ledger"
	"github.com/sprout-dev/sprout/internal/manifest"
	"github.com/sprout-dev/sprout/internal/marker"
	"github.com/sprout-dev/sprout/internal/outcome"
	"github.com/sprout-dev/sprout/internal/resolver"
	"github.com/sprout-dev/sprout/internal/structural"
	"github.com/sprout-dev/sprout/internal/textpatch"
	"github.com/sprout-dev/sprout/internal/workspace"
)

// handoff moves an import ref still needed by another capability onto that
// capability's import effect in the same file.
type handoff struct {
	to   string
	file string
	ref  string
}

// Remove uninstalls one capability by reversing the effects the manifest
// recorded for it. It refuses while another installed capability depends on
// it.
func (r *Run) Remove(ctx context.Context, id string) (*ApplyResult, error) {
	res := newApplyResult(id, r.Options.DryRun)
	if !r.Options.DryRun {
		if err := r.acquire(); err != nil {
			return res, res.fail(StagePreflight, err)
		}
		defer r.release()
	}

	m, err := r.loadManifest()
	if err != nil {
		return res, res.fail(StagePreflight, err)
	}
	installed, ok := m.Capabilities[id]
	if !ok {
		return res, res.fail(StagePreflight, &NotInstalledError{ID: id})
	}
	res.commit(StagePreflight, nil)

	others := make([]capability.Descriptor, 0, len(m.Capabilities))
	for _, d := range r.installedDescriptors(m) {
		if d.ID != id {
			others = append(others, d)
		}
	}
	if deps := resolver.Dependents(others, id); len(deps) > 0 {
		return res, res.fail(StagePlan, &DependentsError{ID: id, Dependents: deps})
	}
	wiring, handoffs := r.retractable(m, id, others)
	res.commit(StagePlan, nil)

	eff := installed.Effects
	t := r.tools(r.view(), r.backuper(), m.Owned)
	defer func() {
		if r.Options.DryRun {
			res.Diffs = r.Diffs()
		}
	}()

	// Unwire
	unwired := t.structural.Retract(ctx, wiring, structural.Options{})
	texts := t.text.Retract(ctx, textEffects(id, eff.Patches), textpatch.Options{})
	all := append(append([]outcome.Result(nil), unwired...), texts...)
	res.Operations = append(res.Operations, all...)
	if err := checkResults(all); err != nil {
		return res, res.fail(StageUnwire, err)
	}
	res.commit(StageUnwire, outcome.Backups(all))

	// Unpatch
	unpatched := t.anchor.Retract(ctx, anchorPatches(id, eff.Patches), anchor.Options{})
	res.Operations = append(res.Operations, unpatched...)
	if err := checkResults(unpatched); err != nil {
		return res, res.fail(StageUnpatch, err)
	}
	res.commit(StageUnpatch, outcome.Backups(unpatched))

	// Unlink
	if eff.Package != "" {
		unlinked, err := t.linker.Unlink(ctx, workspace.Request{
			CapabilityID: id,
			PackageDir:   eff.Package,
			PackageName:  r.packageName(id, eff),
		})
		if err != nil {
			return res, res.fail(StageUnlink, err)
		}
		res.commit(StageUnlink, unlinked.Backups)
	} else {
		res.commit(StageUnlink, nil)
	}

	// Unscaffold
	removed, err := t.scaffold.RemoveFiles(ctx, id, eff.Files)
	res.Files = removed
	if err != nil {
		return res, res.fail(StageUnscaffold, err)
	}
	res.commit(StageUnscaffold, fileBackups(removed))

	// Verify
	if err := r.verifyRemoved(t.fs, id, eff); err != nil {
		return res, res.fail(StageVerify, err)
	}
	res.commit(StageVerify, nil)

	// ManifestUpdate
	next := m.Clone()
	applyHandoffs(next, handoffs)
	next.RemoveCapability(id)
	if !r.Options.DryRun {
		if err := manifest.Write(r.Root, next, r.now()); err != nil {
			return res, res.fail(StageManifestUpdate, err)
		}
	}
	r.Manifest = next
	res.commit(StageManifestUpdate, nil)

	res.Success = true
	r.Logger.Info("capability removed",
		zap.String("capability", id),
		zap.Bool("dry_run", r.Options.DryRun),
		zap.Int("operations", len(res.Operations)),
		zap.Int("files", len(removed)))
	return res, nil
}

// RemoveMany removes ids dependents first.
func (r *Run) RemoveMany(ctx context.Context, ids []string) *BatchResult {
	batch := &BatchResult{Results: make([]*ApplyResult, 0, len(ids)), RunID: r.auditRun()}
	m, err := r.loadManifest()
	if err != nil {
		for _, id := range ids {
			res := newApplyResult(id, r.Options.DryRun)
			batch.errs = append(batch.errs, res.fail(StagePreflight, err))
			batch.Results = append(batch.Results, res)
		}
		return batch
	}

	want := fileutil.ToSet(ids)
	selected := make([]capability.Descriptor, 0, len(ids))
	for _, d := range r.installedDescriptors(m) {
		if want[d.ID] {
			selected = append(selected, d)
			delete(want, d.ID)
		}
	}
	for _, id := range ids {
		if want[id] {
			res := newApplyResult(id, r.Options.DryRun)
			batch.errs = append(batch.errs, res.fail(StagePreflight, &NotInstalledError{ID: id}))
			batch.Results = append(batch.Results, res)
		}
	}

	ordered, err := resolver.OrderBatch(selected)
	if err != nil {
		for _, d := range selected {
			res := newApplyResult(d.ID, r.Options.DryRun)
			batch.errs = append(batch.errs, res.fail(StagePlan, err))
			batch.Results = append(batch.Results, res)
		}
		return batch
	}
	for i := len(ordered) - 1; i >= 0; i-- {
		id := ordered[i].ID
		batch.Order = append(batch.Order, id)
		res, err := r.Remove(ctx, id)
		batch.Results = append(batch.Results, res)
		if err != nil {
			r.Logger.Warn("capability removal failed", zap.String("capability", id), zap.Error(err))
			batch.errs = append(batch.errs, err)
		}
	}
	if r.Options.DryRun {
		batch.Diffs = r.Diffs()
	}
	return batch
}

// retractable converts id's wiring effects into structural effects. Import
// refs that another installed capability declares for the same file stay in
// place and are handed to that capability.
func (r *Run) retractable(m *manifest.Manifest, id string, others []capability.Descriptor) ([]structural.Effect, []handoff) {
	needed := make(map[string]map[string]string) // file -> ref -> capability
	for _, d := range others {
		for file, refs := range d.ImportRefs(r.Config.CompositionDir) {
			if needed[file] == nil {
				needed[file] = make(map[string]string)
			}
			for _, ref := range refs {
				if _, taken := needed[file][ref]; !taken {
					needed[file][ref] = d.ID
				}
			}
		}
	}

	wiring := m.Capabilities[id].Effects.Wiring
	effects := make([]structural.Effect, 0, len(wiring))
	handoffs := make([]handoff, 0)
	for _, w := range wiring {
		e := structural.Effect{
			ID:           w.ID,
			CapabilityID: id,
			File:         w.File,
			Marker:       marker.Type(w.Marker),
			Kind:         structural.Kind(w.Kind),
			Snippet:      w.Snippet,
			Previous:     w.Previous,
		}
		for _, ref := range w.Symbols {
			if owner, ok := needed[w.File][ref]; ok {
				handoffs = append(handoffs, handoff{to: owner, file: w.File, ref: ref})
				continue
			}
			e.Symbols = append(e.Symbols, ref)
		}
		effects = append(effects, e)
	}
	return effects, handoffs
}

func applyHandoffs(m *manifest.Manifest, handoffs []handoff) {
	for _, h := range handoffs {
		inst, ok := m.Capabilities[h.to]
		if !ok {
			continue
		}
		for i, w := range inst.Effects.Wiring {
			if w.File != h.file || w.Kind != string(structural.KindImport) {
				continue
			}
			symbols := fileutil.DedupeStrings(append(w.Symbols, h.ref))
			sort.Strings(symbols)
			inst.Effects.Wiring[i].Symbols = symbols
			break
		}
		m.Capabilities[h.to] = inst
	}
}

func textEffects(id string, patches []manifest.PatchEffect) []textpatch.Effect {
	out := make([]textpatch.Effect, 0)
	for _, p := range patches {
		if p.Kind != "text" {
			continue
		}
		out = append(out, textpatch.Effect{
			ID:           p.ID,
			CapabilityID: id,
			File:         p.File,
			Marker:       marker.Type(p.Marker),
			Snippet:      p.Snippet,
			Previous:     p.Previous,
		})
	}
	return out
}

func anchorPatches(id string, patches []manifest.PatchEffect) []anchor.Patch {
	out := make([]anchor.Patch, 0)
	for _, p := range patches {
		if p.Kind != "anchor" {
			continue
		}
		out = append(out, anchor.Patch{
			ID:           strings.TrimPrefix(p.ID, id+"/patch/"),
			CapabilityID: id,
			File:         p.File,
			Content:      strings.Join(p.Snippet, "\n"),
		})
	}
	return out
}

// packageName finds the npm name of id's package: from the catalog, else
// from the root dependency recorded at link time.
func (r *Run) packageName(id string, eff manifest.Effects) string {
	if d, err := r.Catalog.Get(id); err == nil && d.Package.Name != "" {
		return d.Package.Name
	}
	if names := fileutil.MapKeysSorted(eff.Dependencies); len(names) > 0 {
		return names[0]
	}
	return ""
}

// verifyRemoved checks that no record of id survives in the files it wired.
func (r *Run) verifyRemoved(fsys fileutil.FS, id string, eff manifest.Effects) error {
	l := ledger.New(r.Config.Namespace)
	files := make(map[string]bool)
	for _, w := range eff.Wiring {
		files[w.File] = true
	}
	for _, p := range eff.Patches {
		if recordable(p.File) {
			files[p.File] = true
		}
	}
	problems := make([]string, 0)
	for _, rel := range fileutil.MapKeysSorted(files) {
		data, err := fsys.ReadFile(rel)
		if err != nil {
			continue
		}
		for _, rec := range l.Records(marker.SplitLines(data)) {
			if ledger.CapabilityOf(rec.ID) == id {
				problems = append(problems, fmt.Sprintf("%s:%d still records %s", rel, rec.Line+1, rec.ID))
			}
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("verification failed:\n  %s", strings.Join(problems, "\n  "))
	}
	return nil
}
