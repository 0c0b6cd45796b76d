// Package textpatch injects plain content blocks into marker regions without
// parsing the host file. Each block is preceded by its own fingerprint line.
package textpatch

import (
	"context"
	"errors"
	"fmt"
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

// Mode selects where content lands inside the region.
type Mode string

const (
	Append  Mode = "append"
	Prepend Mode = "prepend"
	Replace Mode = "replace"
)

func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", Append:
		return Append, nil
	case Prepend:
		return Prepend, nil
	case Replace:
		return Replace, nil
	}
	return "", fmt.Errorf("unknown insertion mode %q (supported: append, prepend, replace)", raw)
}

// Patch is one text injection.
type Patch struct {
	ID           string      `yaml:"id,omitempty" json:"id,omitempty"`
	CapabilityID string      `yaml:"-" json:"capabilityId,omitempty"`
	File         string      `yaml:"file" json:"file"`
	Marker       marker.Type `yaml:"marker" json:"marker"`
	Mode         Mode        `yaml:"mode,omitempty" json:"mode,omitempty"`
	Content      string      `yaml:"content" json:"content"`
}

// OperationID is the fingerprint id for p; an explicit ID wins.
func (p Patch) OperationID() string {
	if p.ID != "" {
		if strings.Contains(p.ID, "/") {
			return p.ID
		}
		return p.CapabilityID + "/" + string(p.Marker) + "/" + p.ID
	}
	return ledger.OperationID(p.CapabilityID, p.Marker, "text", 0)
}

type Options struct {
	DryRun bool
}

type Patcher struct {
	fs        fileutil.FS
	policy    *zone.Policy
	namespace string
	validator *marker.Validator
	backups   backup.Backuper
	logger    *zap.Logger
}

func NewPatcher(fsys fileutil.FS, policy *zone.Policy, namespace string, backups backup.Backuper, logger *zap.Logger) *Patcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Patcher{
		fs:        fsys,
		policy:    policy,
		namespace: namespace,
		validator: marker.NewValidator(namespace),
		backups:   backups,
		logger:    logger,
	}
}

// PatchMarkers applies patches in the order given and returns one result per
// entry. A failing entry never aborts the batch.
func (p *Patcher) PatchMarkers(ctx context.Context, patches []Patch, opts Options) []outcome.Result {
	target := p.fs
	if opts.DryRun {
		target = fileutil.NewOverlayFS(p.fs)
	}

	results := make([]outcome.Result, 0, len(patches))
	for _, patch := range patches {
		res := outcome.Result{
			ID:           patch.OperationID(),
			CapabilityID: patch.CapabilityID,
			File:         patch.File,
			Marker:       string(patch.Marker),
			Kind:         "text",
		}
		if err := ctx.Err(); err != nil {
			results = append(results, res.Fail("cancelled: %v", err))
			continue
		}
		res = p.patch(target, patch, res, opts)
		p.logger.Debug("text patch",
			zap.String("id", res.ID),
			zap.String("file", res.File),
			zap.String("action", string(res.Action)),
		)
		results = append(results, res)
	}
	return results
}

func (p *Patcher) patch(target fileutil.FS, patch Patch, res outcome.Result, opts Options) outcome.Result {
	mode, err := ParseMode(string(patch.Mode))
	if err != nil {
		return res.Fail("%v", err)
	}
	rel, err := p.policy.CheckWiring(patch.File)
	if err != nil {
		return res.Fail("%v", err)
	}
	res.File = rel

	src, err := target.ReadFile(rel)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return res.Fail("%s", outcome.NotFound(rel))
		}
		return res.Fail("failed to read %s: %v", rel, err)
	}

	region, err := p.validator.Validate(src, rel, patch.Marker)
	if err != nil {
		return res.Fail("%v\n%s", err, marker.Remediation(err))
	}

	lines := marker.SplitLines(src)
	l := ledger.New(p.namespace)
	body := region.Body(lines)
	block := marker.Indent(patch.Content, region.Indent)
	record := l.RecordLine(rel, res.ID, 0, region.Indent)

	switch mode {
	case Append:
		if l.Has(body, res.ID) {
			return res.Skip("fingerprint present")
		}
		lines = marker.Splice(lines, region.EndLine, region.EndLine, append([]string{record}, block...)...)
	case Prepend:
		if l.Has(body, res.ID) {
			return res.Skip("fingerprint present")
		}
		at := region.StartLine + 1
		lines = marker.Splice(lines, at, at, append([]string{record}, block...)...)
	case Replace:
		if len(body) > 0 {
			if rec, ok := l.Parse(body[0]); ok && rec.ID == res.ID {
				return res.Skip("fingerprint present")
			}
		}
		lines = marker.Splice(lines, region.StartLine+1, region.EndLine, append([]string{record}, block...)...)
		res.Previous = body
	}

	backupPath := ""
	if p.backups != nil && !opts.DryRun {
		backupPath, err = p.backups.Backup(rel, patch.CapabilityID)
		if err != nil {
			return res.Fail("backup failed: %v", err)
		}
	}
	if err := target.WriteFile(rel, marker.JoinLines(lines)); err != nil {
		return res.Fail("failed to write %s: %v", rel, err)
	}
	res.Snippet = strings.Split(strings.TrimRight(patch.Content, "\n"), "\n")
	return res.Done(outcome.Injected, backupPath)
}

// Effect is an applied text patch as recorded in the manifest.
type Effect struct {
	ID           string
	CapabilityID string
	File         string
	Marker       marker.Type
	Snippet      []string
	// Previous holds the region body a replace patch discarded.
	Previous []string
}

// Retract removes effects in reverse order. A replace effect restores the
// region body it discarded.
func (p *Patcher) Retract(ctx context.Context, effects []Effect, opts Options) []outcome.Result {
	target := p.fs
	if opts.DryRun {
		target = fileutil.NewOverlayFS(p.fs)
	}

	results := make([]outcome.Result, 0, len(effects))
	for i := len(effects) - 1; i >= 0; i-- {
		eff := effects[i]
		res := outcome.Result{ID: eff.ID, CapabilityID: eff.CapabilityID, File: eff.File, Marker: string(eff.Marker), Kind: "text"}
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

	lines := marker.SplitLines(src)
	next, ok := ledger.New(p.namespace).Strip(lines, eff.ID, eff.Snippet)
	if !ok {
		return res.Skip("nothing recorded for %s in %s", eff.ID, rel)
	}
	if len(eff.Previous) > 0 {
		region, err := marker.Find(next, rel, p.namespace, eff.Marker)
		if err == nil && len(region.Body(next)) == 0 {
			next = marker.Splice(next, region.StartLine+1, region.EndLine, eff.Previous...)
		}
	}

	backupPath := ""
	if p.backups != nil && !opts.DryRun {
		if backupPath, err = p.backups.Backup(rel, eff.CapabilityID); err != nil {
			return res.Fail("backup failed: %v", err)
		}
	}
	if err := target.WriteFile(rel, marker.JoinLines(next)); err != nil {
		return res.Fail("failed to write %s: %v", rel, err)
	}
	return res.Done(outcome.Removed, backupPath)
}
