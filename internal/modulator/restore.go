package modulator

import (
	"go.uber.org/zap"

	"github.com/sprout-dev/sprout/internal/backup"
)

// Restore copies the files backed up for capabilityID during runID back into
// the project. The manifest is left as is; run doctor afterwards.
func (r *Run) Restore(runID, capabilityID string) ([]string, error) {
	if err := r.acquire(); err != nil {
		return nil, err
	}
	defer r.release()

	restored, err := backup.Restore(r.Root, r.Config.AuditDir, runID, capabilityID)
	if err != nil {
		return restored, err
	}
	r.Logger.Info("restored backups",
		zap.String("from_run", runID),
		zap.String("capability", capabilityID),
		zap.Int("files", len(restored)))
	return restored, nil
}
