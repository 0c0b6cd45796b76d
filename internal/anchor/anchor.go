// Package anchor applies declarative platform and config patches positioned
// relative to an anchor line instead of a marker region.
package anchor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/sprout-dev/sprout/internal/backup"
	"github.com/sprout-dev/sprout/internal/fileutil"
	"github.com/sprout-dev/sprout/internal/ledger"
	"github.com/sprout-dev/sprout/internal/marker"
	"github.com/sprout-dev/sprout/internal/outcome"
	"github.com/sprout-dev/sprout/internal/zone"
)

type Position string

const (
	Before Position = "before"
	After  Position = "after"
)

// Patch inserts Content next to the first line containing Anchor.
type Patch struct {
	ID           string   `yaml:"id" json:"id"`
	CapabilityID string   `yaml:"-" json:"capabilityId,omitempty"`
	File         string   `yaml:"file" json:"file"`
	Anchor       string   `yaml:"anchor" json:"anchor"`
	Position     Position `yaml:"position,omitempty" json:"position,omitempty"`
	Content      string   `yaml:"content" json:"content"`
}

func (p Patch) OperationID() string {
	id := p.ID
	if id == "" {
		id = "patch"
	}
	return p.CapabilityID + "/patch/" + id
}

func (p Patch) block() []string {
	return strings.Split(strings.TrimRight(p.Content, "\n"), "\n")
}

// recordable reports whether the file format can carry a fingerprint comment.
func recordable(path string) bool {
	return strings.ToLower(filepath.Ext(path)) != ".json"
}

type Options struct {
	DryRun bool
}

type Patcher struct {
	fs        fileutil.FS
	policy    *zone.Policy
	namespace string
	backups   backup.Backuper
	logger    *zap.Logger
}

func NewPatcher(fsys fileutil.FS, policy *zone.Policy, namespace string, backups backup.Backuper, logger *zap.Logger) *Patcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Patcher{fs: fsys, policy: policy, namespace: namespace, backups: backups, logger: logger}
}

func result(p Patch) outcome.Result {
	return outcome.Result{ID: p.OperationID(), CapabilityID: p.CapabilityID, File: p.File, Kind: "patch"}
}

// Apply runs every patch independently and returns one result per patch.
func (p *Patcher) Apply(ctx context.Context, patches []Patch, opts Options) []outcome.Result {
	target := p.fs
	if opts.DryRun {
		target = fileutil.NewOverlayFS(p.fs)
	}
	results := make([]outcome.Result, 0, len(patches))
	for _, patch := range patches {
		if err := ctx.Err(); err != nil {
			results = append(results, result(patch).Fail("cancelled: %v", err))
			continue
		}
		res := p.apply(target, patch, opts)
		p.logger.Debug("anchor patch", zap.String("id", res.ID), zap.String("action", string(res.Action)))
		results = append(results, res)
	}
	return results
}

func (p *Patcher) apply(target fileutil.FS, patch Patch, opts Options) outcome.Result {
	res := result(patch)
	rel, err := p.policy.CheckPatch(patch.File)
	if err != nil {
		return res.Fail("%v", err)
	}
	res.File = rel
	if strings.TrimSpace(patch.Anchor) == "" {
		return res.Fail("patch %s has no anchor", res.ID)
	}

	src, err := target.ReadFile(rel)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return res.Fail("%s", outcome.NotFound(rel))
		}
		return res.Fail("failed to read %s: %v", rel, err)
	}

	lines := marker.SplitLines(src)
	l := ledger.New(p.namespace)
	if l.Has(lines, res.ID) {
		return res.Skip("fingerprint present")
	}
	block := patch.block()
	if containsBlock(lines, block) {
		return res.Skip("content already present")
	}

	at := anchorLine(lines, patch.Anchor)
	if at < 0 {
		return res.Fail("anchor %q not found in %s", patch.Anchor, rel)
	}

	indent := leadingSpace(lines[at])
	insert := make([]string, 0, len(block)+1)
	if recordable(rel) {
		insert = append(insert, l.RecordLine(rel, res.ID, 0, indent))
	}
	insert = append(insert, marker.Indent(patch.Content, indent)...)

	switch patch.Position {
	case Before:
	case After, "":
		at++
	default:
		return res.Fail("unknown patch position %q (supported: before, after)", patch.Position)
	}
	lines = marker.Splice(lines, at, at, insert...)

	backupPath := ""
	if p.backups != nil && !opts.DryRun {
		if backupPath, err = p.backups.Backup(rel, patch.CapabilityID); err != nil {
			return res.Fail("backup failed: %v", err)
		}
	}
	if err := target.WriteFile(rel, marker.JoinLines(lines)); err != nil {
		return res.Fail("failed to write %s: %v", rel, err)
	}
	res.Snippet = block
	return res.Done(outcome.Injected, backupPath)
}

// Retract removes patches previously applied, identified by their records.
// Files that cannot carry records are left alone.
func (p *Patcher) Retract(ctx context.Context, patches []Patch, opts Options) []outcome.Result {
	target := p.fs
	if opts.DryRun {
		target = fileutil.NewOverlayFS(p.fs)
	}
	results := make([]outcome.Result, 0, len(patches))
	for i := len(patches) - 1; i >= 0; i-- {
		patch := patches[i]
		res := result(patch)
		if err := ctx.Err(); err != nil {
			results = append(results, res.Fail("cancelled: %v", err))
			continue
		}
		rel, err := p.policy.CheckPatch(patch.File)
		if err != nil {
			results = append(results, res.Fail("%v", err))
			continue
		}
		src, err := target.ReadFile(rel)
		if err != nil {
			results = append(results, res.Skip("%s", outcome.NotFound(rel)))
			continue
		}
		lines, ok := ledger.New(p.namespace).Strip(marker.SplitLines(src), res.ID, patch.block())
		if !ok {
			results = append(results, res.Skip("no record for %s in %s", res.ID, rel))
			continue
		}
		backupPath := ""
		if p.backups != nil && !opts.DryRun {
			if backupPath, err = p.backups.Backup(rel, patch.CapabilityID); err != nil {
				results = append(results, res.Fail("backup failed: %v", err))
				continue
			}
		}
		if err := target.WriteFile(rel, marker.JoinLines(lines)); err != nil {
			results = append(results, res.Fail("failed to write %s: %v", rel, err))
			continue
		}
		results = append(results, res.Done(outcome.Removed, backupPath))
	}
	return results
}

// Ready returns nil when patch is already present in src or its anchor line
// exists, and the reason it cannot apply otherwise. It never writes.
func Ready(src []byte, patch Patch, namespace string) error {
	lines := marker.SplitLines(src)
	if ledger.New(namespace).Has(lines, patch.OperationID()) || containsBlock(lines, patch.block()) {
		return nil
	}
	if anchorLine(lines, patch.Anchor) < 0 {
		return fmt.Errorf("anchor %q not found in %s", patch.Anchor, patch.File)
	}
	return nil
}

func anchorLine(lines []string, anchor string) int {
	for i, line := range lines {
		if strings.Contains(line, anchor) {
			return i
		}
	}
	return -1
}

func containsBlock(lines, block []string) bool {
	if len(block) == 0 {
		return true
	}
	for i := 0; i+len(block) <= len(lines); i++ {
		match := true
		for j, want := range block {
			if strings.TrimSpace(lines[i+j]) != strings.TrimSpace(want) {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func leadingSpace(line string) string {
	return line[:len(line)-len(strings.TrimLeft(line, " \t"))]
}

// Validate checks a patch declaration before planning.
func Validate(p Patch) error {
	if strings.TrimSpace(p.File) == "" {
		return fmt.Errorf("patch %s has no file", p.OperationID())
	}
	if strings.TrimSpace(p.Anchor) == "" {
		return fmt.Errorf("patch %s has no anchor", p.OperationID())
	}
	if strings.TrimSpace(p.Content) == "" {
		return fmt.Errorf("patch %s has no content", p.OperationID())
	}
	switch p.Position {
	case "", Before, After:
	default:
		return fmt.Errorf("patch %s: unknown position %q", p.OperationID(), p.Position)
	}
	return nil
}
