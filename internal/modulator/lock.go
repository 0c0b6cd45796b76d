package modulator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sprout-dev/sprout/internal/manifest"
)

const (
	LockFile = "lock"
	// StaleAfter is how old a lock must be before doctor calls it stale.
	StaleAfter = 15 * time.Minute
)

// LockedError reports a lock held by another invocation.
type LockedError struct {
	Path   string
	Holder LockInfo
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("project is locked by pid %d since %s (%s); if no sprout command is running, delete the file",
		e.Holder.PID, e.Holder.Since.Format(time.RFC3339), e.Path)
}

type LockInfo struct {
	PID   int
	Since time.Time
}

// Lock is the advisory lock file held around mutating pipelines.
type Lock struct {
	path  string
	depth int
}

func LockPath(root string) string {
	return filepath.Join(root, manifest.StateDir, LockFile)
}

// acquire takes the lock, or nests inside one this run already holds.
func (r *Run) acquire() error {
	if r.lock != nil {
		r.lock.depth++
		return nil
	}
	p := LockPath(r.Root)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			info, _ := ReadLock(r.Root)
			return &LockedError{Path: p, Holder: info}
		}
		return fmt.Errorf("acquire lock: %w", err)
	}
	_, werr := fmt.Fprintf(f, "%d %s\n", os.Getpid(), r.now().UTC().Format(time.RFC3339))
	cerr := f.Close()
	if err := errors.Join(werr, cerr); err != nil {
		_ = os.Remove(p)
		return fmt.Errorf("write lock: %w", err)
	}
	r.lock = &Lock{path: p, depth: 1}
	return nil
}

func (r *Run) release() {
	if r.lock == nil {
		return
	}
	r.lock.depth--
	if r.lock.depth > 0 {
		return
	}
	if err := os.Remove(r.lock.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		r.Logger.Warn("failed to release lock", zap.Error(err))
	}
	r.lock = nil
}

// ReadLock parses the lock file. A missing file yields os.ErrNotExist.
func ReadLock(root string) (LockInfo, error) {
	data, err := os.ReadFile(LockPath(root))
	if err != nil {
		return LockInfo{}, err
	}
	fields := strings.Fields(string(data))
	if len(fields) != 2 {
		return LockInfo{}, fmt.Errorf("malformed lock file %s", LockPath(root))
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil {
		return LockInfo{}, fmt.Errorf("malformed lock pid: %w", err)
	}
	since, err := time.Parse(time.RFC3339, fields[1])
	if err != nil {
		return LockInfo{}, fmt.Errorf("malformed lock time: %w", err)
	}
	return LockInfo{PID: pid, Since: since}, nil
}
