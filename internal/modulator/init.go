package modulator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sprout-dev/sprout/internal/config"
	"github.com/sprout-dev/sprout/internal/manifest"
	"github.com/sprout-dev/sprout/internal/scaffold"
	"github.com/sprout-dev/sprout/internal/workspace"
)

// InitializedError rejects init on a project that already has a manifest.
type InitializedError struct {
	Path string
}

func (e *InitializedError) Error() string {
	return fmt.Sprintf("project is already initialized (%s); pass --force to rewrite the composition package", e.Path)
}

type InitResult struct {
	Project manifest.Project      `json:"project"`
	Files   []scaffold.FileResult `json:"files"`
	Linked  []string              `json:"linked,omitempty"`
	DryRun  bool                  `json:"dryRun,omitempty"`
	Diffs   []FileDiff            `json:"diffs,omitempty"`
}

// Init creates the composition package, links it into the workspace and
// writes the manifest and config. With force an existing project keeps its
// manifest and only the composition package is rewritten.
func (r *Run) Init(ctx context.Context, project manifest.Project, force bool) (*InitResult, error) {
	res := &InitResult{Project: project, DryRun: r.Options.DryRun}
	exists := manifest.Exists(r.Root)
	if exists && !force {
		return res, &InitializedError{Path: manifest.Path(r.Root)}
	}
	if !r.Options.DryRun {
		if err := r.acquire(); err != nil {
			return res, err
		}
		defer r.release()
	}

	m := manifest.New(project, r.now())
	if exists {
		current, err := manifest.Load(r.Root)
		if err != nil {
			return res, err
		}
		m = current
		res.Project = m.Project
	}
	m.AddOwned(r.Config.CompositionDir + "/")
	r.Manifest = m
	if err := m.Validate(); err != nil {
		return res, err
	}

	t := r.tools(r.view(), r.backuper(), m.Owned)
	files, err := t.scaffold.Init(ctx, scaffold.InitOptions{
		Project:        m.Project,
		Namespace:      r.Config.Namespace,
		CompositionDir: r.Config.CompositionDir,
		UserDir:        r.Config.UserDir,
		Force:          force,
	})
	res.Files = files
	if err != nil {
		return res, err
	}

	linked, err := t.linker.Link(ctx, workspace.Request{
		CapabilityID: "init",
		PackageDir:   r.Config.CompositionDir,
		PackageName:  scaffold.CompositionPackageName,
	})
	if err != nil {
		return res, err
	}
	res.Linked = linked.Files

	if r.Options.DryRun {
		res.Diffs = r.Diffs()
		return res, nil
	}
	if !fileExists(config.Path(r.Root)) {
		if err := config.Write(r.Root, r.Config); err != nil {
			return res, err
		}
	}
	if err := manifest.Write(r.Root, m, r.now()); err != nil {
		return res, err
	}
	r.Logger.Info("project initialized",
		zap.String("name", m.Project.Name),
		zap.String("target", m.Project.Target),
		zap.String("package_manager", m.Project.PackageManager),
		zap.Int("files", len(files)))
	return res, nil
}
