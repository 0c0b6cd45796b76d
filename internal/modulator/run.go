// Package modulator runs the capability pipeline: Preflight, Plan, Scaffold,
// Link, Wire, Patch, Verify and ManifestUpdate for installs, and the reverse
// for removals.
package modulator

import (
	"os"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/sprout-dev/sprout/internal/anchor"
	"github.com/sprout-dev/sprout/internal/backup"
	"github.com/sprout-dev/sprout/internal/capability"
	"github.com/sprout-dev/sprout/internal/config"
	"github.com/sprout-dev/sprout/internal/execx"
	"github.com/sprout-dev/sprout/internal/fileutil"
	"github.com/sprout-dev/sprout/internal/manifest"
	"github.com/sprout-dev/sprout/internal/scaffold"
	"github.com/sprout-dev/sprout/internal/structural"
	"github.com/sprout-dev/sprout/internal/textpatch"
	"github.com/sprout-dev/sprout/internal/workspace"
	"github.com/sprout-dev/sprout/internal/zone"
)

type Stage string

const (
	StagePreflight      Stage = "preflight"
	StagePlan           Stage = "plan"
	StageScaffold       Stage = "scaffold"
	StageLink           Stage = "link"
	StageWire           Stage = "wire"
	StagePatch          Stage = "patch"
	StageVerify         Stage = "verify"
	StageManifestUpdate Stage = "manifest-update"
	StageInstall        Stage = "install"

	StageUnwire     Stage = "unwire"
	StageUnpatch    Stage = "unpatch"
	StageUnlink     Stage = "unlink"
	StageUnscaffold Stage = "unscaffold"
)

// Options are the per-invocation flags.
type Options struct {
	DryRun bool
	// Install runs the package manager after a successful batch.
	Install bool
	// Refresh re-applies capabilities that are already installed.
	Refresh bool
}

// Run carries the state of one CLI invocation. Nothing in this package keeps
// state outside a Run.
type Run struct {
	Root    string
	Config  config.Config
	Catalog *capability.Catalog
	Logger  *zap.Logger
	Runner  execx.Runner
	Options Options
	Now     func() time.Time

	Manifest *manifest.Manifest
	Backups  *backup.Store

	disk    fileutil.FS
	overlay *fileutil.OverlayFS
	lock    *Lock
}

// NewRun prepares a run against the project at root. The manifest is loaded
// lazily by Preflight.
func NewRun(root string, cfg config.Config, catalog *capability.Catalog, logger *zap.Logger, opts Options) (*Run, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := time.Now
	runID, err := backup.NewRunID(now())
	if err != nil {
		return nil, err
	}
	return &Run{
		Root:    root,
		Config:  cfg,
		Catalog: catalog,
		Logger:  logger.With(zap.String("run", runID)),
		Runner:  execx.ExecRunner{},
		Options: opts,
		Now:     now,
		Backups: backup.NewStore(root, cfg.AuditDir, runID),
		disk:    fileutil.NewDiskFS(root),
	}, nil
}

// loadManifest reads and validates the manifest once per run.
func (r *Run) loadManifest() (*manifest.Manifest, error) {
	if r.Manifest != nil {
		return r.Manifest, nil
	}
	m, err := manifest.Load(r.Root)
	if err != nil {
		return nil, err
	}
	r.Manifest = m
	return m, nil
}

// tools bundles the patchers for one stage sequence over one file view.
type tools struct {
	fs         fileutil.FS
	policy     *zone.Policy
	structural *structural.Patcher
	text       *textpatch.Patcher
	anchor     *anchor.Patcher
	scaffold   *scaffold.Scaffolder
	linker     *workspace.Linker
}

// tools builds patchers over fsys. A nil backuper disables backups, which is
// what dry runs use together with an overlay.
func (r *Run) tools(fsys fileutil.FS, backups backup.Backuper, owned []string) *tools {
	policy := zone.NewPolicy(r.Config.ManagedDir, r.Config.UserDir, owned)
	ns := r.Config.Namespace
	pm := r.Manifest.Project.PackageManager
	opts := []structural.Option{structural.WithLogger(r.Logger)}
	if backups != nil {
		opts = append(opts, structural.WithBackups(backups))
	}
	return &tools{
		fs:         fsys,
		policy:     policy,
		structural: structural.NewPatcher(fsys, policy, ns, opts...),
		text:       textpatch.NewPatcher(fsys, policy, ns, backups, r.Logger),
		anchor:     anchor.NewPatcher(fsys, policy, ns, backups, r.Logger),
		scaffold:   scaffold.New(fsys, policy, backups, workspace.Protocol(pm), r.Logger),
		linker:     workspace.NewLinker(fsys, pm, backups, r.Logger),
	}
}

// view is the file view stages go through: the disk, or one overlay shared
// by every step of a dry run.
func (r *Run) view() fileutil.FS {
	if !r.Options.DryRun {
		return r.disk
	}
	if r.overlay == nil {
		r.overlay = fileutil.NewOverlayFS(r.disk)
	}
	return r.overlay
}

// Diffs previews everything a dry run has buffered so far.
func (r *Run) Diffs() []FileDiff {
	if r.overlay == nil {
		return nil
	}
	return Previews(r.overlay.Changes())
}

// backuper returns the run's store as an interface, nil for dry runs.
func (r *Run) backuper() backup.Backuper {
	if r.Options.DryRun {
		return nil
	}
	return r.Backups
}

// auditRun is the audit directory name of this run, empty in a dry run.
func (r *Run) auditRun() string {
	if r.Options.DryRun || r.Backups == nil {
		return ""
	}
	return r.Backups.RunID()
}

func (r *Run) compositionFile(rel string) string {
	return path.Join(r.Config.CompositionDir, rel)
}

func (r *Run) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
