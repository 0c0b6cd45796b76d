package modulator

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/sprout-dev/sprout/internal/capability"
	"github.com/sprout-dev/sprout/internal/execx"
	"github.com/sprout-dev/sprout/internal/resolver"
)

// BatchResult collects per-capability results of AddMany or RemoveMany.
type BatchResult struct {
	Order   []string       `json:"order"`
	// RunID names the audit directory holding this batch's backups.
	RunID   string         `json:"runId,omitempty"`
	Results []*ApplyResult `json:"results"`
	Install *StageResult   `json:"install,omitempty"`
	Diffs   []FileDiff     `json:"diffs,omitempty"`

	errs []error
}

// Succeeded reports whether every capability and the install step succeeded.
func (b *BatchResult) Succeeded() bool {
	return len(b.errs) == 0
}

// Err summarizes the batch: nil, the only failure, or a BatchError.
func (b *BatchResult) Err() error {
	switch len(b.errs) {
	case 0:
		return nil
	case 1:
		return b.errs[0]
	}
	return &BatchError{Errs: b.errs}
}

// AddMany installs ids dependency first. A failing capability is reported
// and the batch moves on; dependents of a failed capability then fail their
// own resolution.
func (r *Run) AddMany(ctx context.Context, ids []string) *BatchResult {
	batch := &BatchResult{Results: make([]*ApplyResult, 0, len(ids)), RunID: r.auditRun()}

	descriptors := make([]capability.Descriptor, 0, len(ids))
	for _, id := range ids {
		d, err := r.Catalog.Get(id)
		if err != nil {
			res := newApplyResult(id, r.Options.DryRun)
			batch.errs = append(batch.errs, res.fail(StagePreflight, err))
			batch.Results = append(batch.Results, res)
			continue
		}
		descriptors = append(descriptors, d)
	}

	ordered, err := resolver.OrderBatch(descriptors)
	if err != nil {
		for _, d := range descriptors {
			res := newApplyResult(d.ID, r.Options.DryRun)
			batch.errs = append(batch.errs, res.fail(StagePlan, err))
			batch.Results = append(batch.Results, res)
		}
		return batch
	}

	installed := 0
	for _, d := range ordered {
		batch.Order = append(batch.Order, d.ID)
		res, err := r.Apply(ctx, d.ID)
		batch.Results = append(batch.Results, res)
		if err != nil {
			r.Logger.Warn("capability failed", zap.String("capability", d.ID), zap.Error(err))
			batch.errs = append(batch.errs, err)
			continue
		}
		if !res.AlreadyInstalled {
			installed++
		}
	}

	if r.Options.DryRun {
		batch.Diffs = r.Diffs()
	}
	if r.Options.Install && !r.Options.DryRun && installed > 0 {
		batch.Install = r.install(ctx)
		if batch.Install.Error != "" {
			batch.errs = append(batch.errs, errors.New(batch.Install.Error))
		}
	}
	return batch
}

// install runs the package manager once for the whole batch.
func (r *Run) install(ctx context.Context) *StageResult {
	stage := &StageResult{Stage: StageInstall}
	pm := r.Manifest.Project.PackageManager
	r.Logger.Info("installing dependencies", zap.String("package_manager", pm))
	if _, err := execx.Install(ctx, r.Runner, r.Root, pm); err != nil {
		stage.Error = err.Error()
		return stage
	}
	stage.Committed = true
	return stage
}
