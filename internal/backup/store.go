// Package backup keeps pre-mutation copies of every file the engine touches.
//
// Layout: <auditDir>/<runID>/<capabilityID>/<relative path>. Backups are
// immutable; a file is copied once per (run, capability) before its first
// mutation and never pruned automatically.
package backup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sprout-dev/sprout/internal/fileutil"
)

// Backuper snapshots a project-relative file and returns the project-relative
// backup path ("" when the file did not exist yet).
type Backuper interface {
	Backup(relPath, capabilityID string) (string, error)
}

// NewRunID returns a sortable, unique run identifier such as
// 20261019T101500Z-3f9a1c2e.
func NewRunID(now time.Time) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate run id: %w", err)
	}
	hex := strings.ReplaceAll(id.String(), "-", "")
	return now.UTC().Format("20060102T150405Z") + "-" + hex[len(hex)-8:], nil
}

type Store struct {
	root     string
	auditDir string
	runID    string
	taken    map[string]string
}

func NewStore(root, auditDir, runID string) *Store {
	return &Store{
		root:     root,
		auditDir: filepath.ToSlash(auditDir),
		runID:    runID,
		taken:    make(map[string]string),
	}
}

func (s *Store) RunID() string {
	return s.runID
}

// Backup copies relPath into the audit store unless this run already holds a
// copy for capabilityID.
func (s *Store) Backup(relPath, capabilityID string) (string, error) {
	rel, err := fileutil.CleanRel(relPath)
	if err != nil {
		return "", err
	}
	key := capabilityID + "\x00" + rel
	if existing, ok := s.taken[key]; ok {
		return existing, nil
	}

	data, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(rel)))
	if err != nil {
		if os.IsNotExist(err) {
			s.taken[key] = ""
			return "", nil
		}
		return "", fmt.Errorf("failed to read %s for backup: %w", rel, err)
	}

	backupRel := strings.Join([]string{s.auditDir, s.runID, safeSegment(capabilityID), rel}, "/")
	dst := filepath.Join(s.root, filepath.FromSlash(backupRel))
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			s.taken[key] = backupRel
			return backupRel, nil
		}
		return "", fmt.Errorf("failed to create backup %s: %w", backupRel, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write backup %s: %w", backupRel, err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}

	s.taken[key] = backupRel
	return backupRel, nil
}

func safeSegment(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "_"
	}
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(value)
}

// Run summarizes one audit run directory.
type Run struct {
	ID           string   `json:"id"`
	Capabilities []string `json:"capabilities"`
	Files        int      `json:"files"`
}

// List enumerates audit runs, oldest first.
func List(root, auditDir string) ([]Run, error) {
	base := filepath.Join(root, filepath.FromSlash(auditDir))
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	runs := make([]Run, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		run := Run{ID: entry.Name()}
		caps, err := os.ReadDir(filepath.Join(base, entry.Name()))
		if err != nil {
			return nil, err
		}
		for _, c := range caps {
			if !c.IsDir() {
				continue
			}
			run.Capabilities = append(run.Capabilities, c.Name())
			_ = filepath.WalkDir(filepath.Join(base, entry.Name(), c.Name()), func(_ string, d fs.DirEntry, err error) error {
				if err == nil && !d.IsDir() {
					run.Files++
				}
				return nil
			})
		}
		sort.Strings(run.Capabilities)
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].ID < runs[j].ID })
	return runs, nil
}

// Restore copies every file backed up for capabilityID in runID back to its
// original project path and returns the restored paths. Restoring is an
// operator action; the engine never calls it on its own.
func Restore(root, auditDir, runID, capabilityID string) ([]string, error) {
	base := filepath.Join(root, filepath.FromSlash(auditDir), runID, safeSegment(capabilityID))
	if _, err := os.Stat(base); err != nil {
		return nil, fmt.Errorf("no backups for %s in run %s: %w", capabilityID, runID, err)
	}

	restored := make([]string, 0)
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		target := filepath.Join(root, rel)
		if err := fileutil.WriteAtomic(target, data, 0644); err != nil {
			return fmt.Errorf("failed to restore %s: %w", rel, err)
		}
		restored = append(restored, filepath.ToSlash(rel))
		return nil
	})
	sort.Strings(restored)
	return restored, err
}
