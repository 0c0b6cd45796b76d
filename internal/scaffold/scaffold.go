// Package scaffold renders files: the capability packages under the managed
// zone and the composition package created at project init.
package scaffold

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"text/template"

	"go.uber.org/zap"

	"github.com/sprout-dev/sprout/internal/backup"
	"github.com/sprout-dev/sprout/internal/capability"
	"github.com/sprout-dev/sprout/internal/fileutil"
	"github.com/sprout-dev/sprout/internal/manifest"
	"github.com/sprout-dev/sprout/internal/workspace"
	"github.com/sprout-dev/sprout/internal/zone"
)

type Status string

const (
	Created    Status = "created"
	Unchanged  Status = "unchanged"
	Reconciled Status = "reconciled"
	Removed    Status = "removed"
)

type FileResult struct {
	Path       string `json:"path"`
	Status     Status `json:"status"`
	BackupPath string `json:"backupPath,omitempty"`
}

// Data is what templates see.
type Data struct {
	Project            manifest.Project
	Namespace          string
	CompositionPackage string
	Capability         CapabilityData
	Config             map[string]any
}

type CapabilityData struct {
	ID      string
	Version string
	Package string
}

// ConflictError reports an existing file that differs from the rendered one
// and is not owned by the engine.
type ConflictError struct {
	Path string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s already exists with different content and is not owned by sprout", e.Path)
}

type Scaffolder struct {
	fs       fileutil.FS
	policy   *zone.Policy
	backups  backup.Backuper
	protocol string
	logger   *zap.Logger
}

func New(fsys fileutil.FS, policy *zone.Policy, backups backup.Backuper, protocol string, logger *zap.Logger) *Scaffolder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scaffolder{fs: fsys, policy: policy, backups: backups, protocol: protocol, logger: logger}
}

// Materialize renders the descriptor's package under managedDir. owns reports
// whether an existing path is engine-owned; a differing owned file is backed
// up and rewritten, a differing foreign file is a conflict.
func (s *Scaffolder) Materialize(ctx context.Context, d capability.Descriptor, data Data, managedDir string, owns func(string) bool) ([]FileResult, error) {
	pkgDir := d.PackageDir(managedDir)
	if pkgDir == "" {
		return nil, nil
	}
	data.Capability = CapabilityData{ID: d.ID, Version: d.Version, Package: d.Package.Name}
	if data.Config == nil {
		data.Config = d.Config
	}

	main := ""
	out := make([]FileResult, 0, len(d.Files)+1)
	for _, f := range d.Files {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		rel := path.Join(pkgDir, f.Path)
		if main == "" && strings.HasPrefix(path.Base(f.Path), "index.") {
			main = f.Path
		}
		content, err := Render(d.ID+":"+f.Path, f.Template, data)
		if err != nil {
			return out, err
		}
		res, err := s.put(rel, d.ID, content, owns)
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}

	pkgJSON, err := workspace.NewPackageJSON(workspace.Manifest{
		Name:         d.Package.Name,
		Version:      d.Version,
		Main:         main,
		Dependencies: d.Package.Dependencies,
	}, s.protocol)
	if err != nil {
		return out, err
	}
	res, err := s.put(path.Join(pkgDir, "package.json"), d.ID, pkgJSON, owns)
	if err != nil {
		return out, err
	}
	out = append(out, res)
	return out, nil
}

// RemoveFiles deletes files a capability materialized, backing each up first.
func (s *Scaffolder) RemoveFiles(ctx context.Context, capabilityID string, files []string) ([]FileResult, error) {
	out := make([]FileResult, 0, len(files))
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if _, err := s.policy.CheckWiring(rel); err != nil {
			return out, err
		}
		if !s.fs.Exists(rel) {
			continue
		}
		res := FileResult{Path: rel, Status: Removed}
		if s.backups != nil {
			backupPath, err := s.backups.Backup(rel, capabilityID)
			if err != nil {
				return out, err
			}
			res.BackupPath = backupPath
		}
		if err := s.fs.Remove(rel); err != nil {
			return out, fmt.Errorf("remove %s: %w", rel, err)
		}
		out = append(out, res)
	}
	return out, nil
}

func (s *Scaffolder) put(rel, capabilityID string, content []byte, owns func(string) bool) (FileResult, error) {
	cleaned, err := s.policy.CheckWiring(rel)
	if err != nil {
		return FileResult{}, err
	}
	res := FileResult{Path: cleaned, Status: Created}

	existing, err := s.fs.ReadFile(cleaned)
	switch {
	case err == nil && bytes.Equal(existing, content):
		res.Status = Unchanged
		return res, nil
	case err == nil:
		if owns != nil && !owns(cleaned) {
			return FileResult{}, &ConflictError{Path: cleaned}
		}
		res.Status = Reconciled
		if s.backups != nil {
			backupPath, err := s.backups.Backup(cleaned, capabilityID)
			if err != nil {
				return FileResult{}, err
			}
			res.BackupPath = backupPath
		}
	case !errors.Is(err, fs.ErrNotExist):
		return FileResult{}, err
	}

	if err := s.fs.WriteFile(cleaned, content); err != nil {
		return FileResult{}, fmt.Errorf("write %s: %w", cleaned, err)
	}
	s.logger.Debug("scaffolded file", zap.String("path", cleaned), zap.String("status", string(res.Status)))
	return res, nil
}

// Render executes a template written with [[ ]] delimiters, which keeps JSX
// braces literal. Unknown keys are errors.
func Render(name, text string, data any) ([]byte, error) {
	tmpl, err := template.New(name).Delims("[[", "]]").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render template %s: %w", name, err)
	}
	return buf.Bytes(), nil
}
