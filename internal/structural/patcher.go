package structural

import (
	"context"
	"errors"
	"io/fs"
	"strings"

	"go.uber.org/zap"

	"github.com/sprout-dev/sprout/internal/backup"
	"github.com/sprout-dev/sprout/internal/fileutil"
	"github.com/sprout-dev/sprout/internal/ledger"
	"github.com/sprout-dev/sprout/internal/marker"
	"github.com/sprout-dev/sprout/internal/outcome"
	"github.com/sprout-dev/sprout/internal/zone"
)

// Options control one Apply or Retract call.
type Options struct {
	// DryRun buffers every write in memory; the underlying files never change.
	DryRun bool
}

// Patcher applies wiring operations to files through an FS.
type Patcher struct {
	fs        fileutil.FS
	policy    *zone.Policy
	namespace string
	registry  *Registry
	validator *marker.Validator
	backups   backup.Backuper
	logger    *zap.Logger
}

type Option func(*Patcher)

func WithBackups(b backup.Backuper) Option {
	return func(p *Patcher) { p.backups = b }
}

func WithLogger(logger *zap.Logger) Option {
	return func(p *Patcher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithRegistry(r *Registry) Option {
	return func(p *Patcher) { p.registry = r }
}

func NewPatcher(fsys fileutil.FS, policy *zone.Policy, namespace string, opts ...Option) *Patcher {
	p := &Patcher{
		fs:        fsys,
		policy:    policy,
		namespace: namespace,
		registry:  NewDefaultRegistry(),
		validator: marker.NewValidator(namespace),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func baseResult(op Operation) outcome.Result {
	kind := ""
	if op.Contribution != nil {
		kind = string(op.Contribution.Kind())
	}
	return outcome.Result{
		ID:           op.ID(),
		CapabilityID: op.CapabilityID,
		File:         op.File,
		Marker:       string(op.target()),
		Kind:         kind,
	}
}

// Apply sorts ops deterministically and applies each one. A failing operation
// yields an error result and the batch continues.
func (p *Patcher) Apply(ctx context.Context, ops []Operation, opts Options) []outcome.Result {
	target := p.fs
	if opts.DryRun {
		target = fileutil.NewOverlayFS(p.fs)
	}

	sorted := SortOperations(ops)
	results := make([]outcome.Result, 0, len(sorted))
	for _, op := range sorted {
		if err := ctx.Err(); err != nil {
			results = append(results, baseResult(op).Fail("cancelled: %v", err))
			continue
		}
		res := p.apply(target, op, opts)
		p.logger.Debug("wiring operation",
			zap.String("id", res.ID),
			zap.String("file", res.File),
			zap.String("action", string(res.Action)),
			zap.String("message", res.Message),
		)
		results = append(results, res)
	}
	return results
}

func (p *Patcher) apply(target fileutil.FS, op Operation, opts Options) outcome.Result {
	res := baseResult(op)

	if err := Validate(op.Contribution); err != nil {
		return res.Fail("%v", err)
	}
	rel, err := p.policy.CheckWiring(op.File)
	if err != nil {
		return res.Fail("%v", err)
	}
	res.File = rel

	inj, ok := p.registry.ForFile(rel)
	if !ok {
		return res.Fail("no structural injector for %s", rel)
	}

	src, err := target.ReadFile(rel)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return res.Fail("%s", outcome.NotFound(rel))
		}
		return res.Fail("failed to read %s: %v", rel, err)
	}

	mt := op.target()
	if _, err := p.validator.Validate(src, rel, mt); err != nil {
		if marker.IsMissing(err) && !mt.Required() {
			return res.Skip("optional marker %s absent in %s; contribution has no destination", mt, rel)
		}
		return res.Fail("%v\n%s", err, marker.Remediation(err))
	}

	out, err := inj.Inject(src, Request{
		Path:         rel,
		ID:           res.ID,
		Order:        op.Order,
		Namespace:    p.namespace,
		Marker:       mt,
		Contribution: op.Contribution,
	})
	if err != nil {
		return res.Fail("%v", err)
	}
	if !out.Changed {
		return res.Skip("%s", out.Message)
	}

	backupPath := ""
	if p.backups != nil && !opts.DryRun {
		backupPath, err = p.backups.Backup(rel, op.CapabilityID)
		if err != nil {
			return res.Fail("backup failed: %v", err)
		}
	}
	if err := target.WriteFile(rel, out.Content); err != nil {
		return res.Fail("failed to write %s: %v", rel, err)
	}

	res.Message = out.Message
	res.Snippet = out.Snippet
	res.Symbols = out.Symbols
	res.Previous = out.Previous
	return res.Done(outcome.Injected, backupPath)
}

// Check validates ops without injecting anything and returns a result for each
// operation that would fail: outside the managed zone, missing file, or a
// missing or malformed required marker.
func (p *Patcher) Check(ops []Operation) []outcome.Result {
	failures := make([]outcome.Result, 0)
	for _, op := range SortOperations(ops) {
		res := baseResult(op)
		if err := Validate(op.Contribution); err != nil {
			failures = append(failures, res.Fail("%v", err))
			continue
		}
		rel, err := p.policy.CheckWiring(op.File)
		if err != nil {
			failures = append(failures, res.Fail("%v", err))
			continue
		}
		res.File = rel
		if _, ok := p.registry.ForFile(rel); !ok {
			failures = append(failures, res.Fail("no structural injector for %s", rel))
			continue
		}
		src, err := p.fs.ReadFile(rel)
		if err != nil {
			failures = append(failures, res.Fail("%s", outcome.NotFound(rel)))
			continue
		}
		mt := op.target()
		if _, err := p.validator.Validate(src, rel, mt); err != nil {
			if marker.IsMissing(err) && !mt.Required() {
				continue
			}
			failures = append(failures, res.Fail("%v\n%s", err, marker.Remediation(err)))
		}
	}
	return failures
}

// Effect is a previously injected operation, as recorded in the manifest.
type Effect struct {
	ID           string
	CapabilityID string
	File         string
	Marker       marker.Type
	Kind         Kind
	Snippet      []string
	Symbols      []string
	Previous     []string
}

// Retract undoes effects in reverse order. Import symbols are removed only as
// listed in Effect.Symbols; callers filter out symbols still needed elsewhere.
func (p *Patcher) Retract(ctx context.Context, effects []Effect, opts Options) []outcome.Result {
	target := p.fs
	if opts.DryRun {
		target = fileutil.NewOverlayFS(p.fs)
	}

	results := make([]outcome.Result, 0, len(effects))
	for i := len(effects) - 1; i >= 0; i-- {
		eff := effects[i]
		res := outcome.Result{ID: eff.ID, CapabilityID: eff.CapabilityID, File: eff.File, Marker: string(eff.Marker), Kind: string(eff.Kind)}
		if err := ctx.Err(); err != nil {
			results = append(results, res.Fail("cancelled: %v", err))
			continue
		}
		results = append(results, p.retract(target, eff, res, opts))
	}
	return results
}

func (p *Patcher) retract(target fileutil.FS, eff Effect, res outcome.Result, opts Options) outcome.Result {
	rel, err := p.policy.CheckWiring(eff.File)
	if err != nil {
		return res.Fail("%v", err)
	}
	res.File = rel

	src, err := target.ReadFile(rel)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return res.Skip("%s", outcome.NotFound(rel))
		}
		return res.Fail("failed to read %s: %v", rel, err)
	}

	inj, hasInjector := p.registry.ForFile(rel)
	l := ledger.New(p.namespace)
	content := src
	changed := false

	switch eff.Kind {
	case KindImport:
		if !hasInjector {
			return res.Fail("no structural injector for %s", rel)
		}
		specs := make([]ImportSpec, 0, len(eff.Symbols))
		for _, ref := range eff.Symbols {
			spec, err := ParseImportRef(ref)
			if err != nil {
				return res.Fail("%v", err)
			}
			specs = append(specs, spec)
		}
		next, removed, err := inj.RetractImports(content, specs)
		if err != nil {
			return res.Fail("%v", err)
		}
		if len(removed) > 0 {
			content = next
			changed = true
			res.Symbols = removed
		}
		if lines, ok := l.Strip(marker.SplitLines(content), eff.ID, nil); ok {
			content = marker.JoinLines(lines)
			changed = true
		}
	case KindRoot:
		lines := marker.SplitLines(content)
		region, err := marker.Find(lines, rel, p.namespace, marker.Root)
		if err != nil {
			return res.Skip("root marker unavailable: %v", err)
		}
		if l.Has(region.Body(lines), eff.ID) {
			restored := make([]string, 0, len(eff.Previous))
			for _, line := range eff.Previous {
				if strings.TrimSpace(line) == "" {
					restored = append(restored, "")
					continue
				}
				restored = append(restored, region.Indent+line)
			}
			content = marker.JoinLines(marker.Splice(lines, region.StartLine+1, region.EndLine, restored...))
			changed = true
		}
	default:
		if lines, ok := l.Strip(marker.SplitLines(content), eff.ID, eff.Snippet); ok {
			content = marker.JoinLines(lines)
			changed = true
		}
	}

	if !changed {
		return res.Skip("nothing recorded for %s in %s", eff.ID, rel)
	}

	if hasInjector {
		broken, err := inj.HasSyntaxErrors(content)
		if err != nil {
			return res.Fail("failed to re-parse %s: %v", rel, err)
		}
		if broken {
			if wasBroken, _ := inj.HasSyntaxErrors(src); !wasBroken {
				return res.Fail("removing %s leaves %s unparseable", eff.ID, rel)
			}
		}
	}

	backupPath := ""
	if p.backups != nil && !opts.DryRun {
		backupPath, err = p.backups.Backup(rel, eff.CapabilityID)
		if err != nil {
			return res.Fail("backup failed: %v", err)
		}
	}
	if err := target.WriteFile(rel, content); err != nil {
		return res.Fail("failed to write %s: %v", rel, err)
	}
	return res.Done(outcome.Removed, backupPath)
}
