// Package workspace registers managed packages with the project's package
// manager and links them into the application's dependencies.
package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sprout-dev/sprout/internal/backup"
	"github.com/sprout-dev/sprout/internal/fileutil"
)

const (
	RootPackageJSON = "package.json"
	PnpmWorkspace   = "pnpm-workspace.yaml"
)

// Protocol is the dependency version a package manager uses for sibling
// workspace packages.
func Protocol(pm string) string {
	if pm == "npm" {
		return "*"
	}
	return "workspace:*"
}

var lockfiles = []struct{ name, pm string }{
	{"pnpm-lock.yaml", "pnpm"},
	{"yarn.lock", "yarn"},
	{"bun.lock", "bun"},
	{"bun.lockb", "bun"},
	{"package-lock.json", "npm"},
}

// DetectPackageManager picks the package manager from the lockfile at the
// project root, npm when there is none.
func DetectPackageManager(fsys fileutil.FS) string {
	for _, l := range lockfiles {
		if fsys.Exists(l.name) {
			return l.pm
		}
	}
	return "npm"
}

// Request describes one managed package to link.
type Request struct {
	CapabilityID string
	PackageDir   string // project relative, e.g. packages/auth-firebase
	PackageName  string
	// Siblings are dependency names in the package's own package.json that
	// refer to other managed packages.
	Siblings []string
}

// Result lists what Link changed.
type Result struct {
	Files []string
	// Dependencies were added to the root package.json.
	Dependencies map[string]string
	Backups      map[string]string
}

type Linker struct {
	fs      fileutil.FS
	pm      string
	backups backup.Backuper
	logger  *zap.Logger
}

func NewLinker(fsys fileutil.FS, pm string, backups backup.Backuper, logger *zap.Logger) *Linker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Linker{fs: fsys, pm: pm, backups: backups, logger: logger}
}

// Link registers the package as a workspace, rewrites its sibling
// references to the manager's protocol and adds it to the root dependencies.
// Every step is idempotent.
func (l *Linker) Link(ctx context.Context, req Request) (Result, error) {
	res := Result{Dependencies: map[string]string{}, Backups: map[string]string{}}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	protocol := Protocol(l.pm)

	if err := l.register(req, &res); err != nil {
		return res, err
	}

	pkgFile := path.Join(req.PackageDir, "package.json")
	if err := l.editPackageJSON(pkgFile, req.CapabilityID, &res, false, func(doc *PackageJSON) (bool, error) {
		changed := false
		for _, sibling := range req.Siblings {
			ok, err := doc.SetDep("dependencies", sibling, protocol)
			if err != nil {
				return false, err
			}
			changed = changed || ok
		}
		return changed, nil
	}); err != nil {
		return res, err
	}

	if err := l.editPackageJSON(RootPackageJSON, req.CapabilityID, &res, false, func(doc *PackageJSON) (bool, error) {
		res.Dependencies[req.PackageName] = protocol
		return doc.SetDep("dependencies", req.PackageName, protocol)
	}); err != nil {
		return res, err
	}

	l.logger.Debug("linked package",
		zap.String("capability", req.CapabilityID),
		zap.String("package", req.PackageName),
		zap.Strings("files", res.Files))
	return res, nil
}

// Unlink reverses Link. Workspace globs that merely cover the package are
// left in place.
func (l *Linker) Unlink(ctx context.Context, req Request) (Result, error) {
	res := Result{Dependencies: map[string]string{}, Backups: map[string]string{}}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	if err := l.editPackageJSON(RootPackageJSON, req.CapabilityID, &res, true, func(doc *PackageJSON) (bool, error) {
		return doc.RemoveDep("dependencies", req.PackageName)
	}); err != nil {
		return res, err
	}

	if l.pm == "pnpm" {
		data, err := l.fs.ReadFile(PnpmWorkspace)
		if errors.Is(err, fs.ErrNotExist) {
			return res, nil
		}
		if err != nil {
			return res, err
		}
		out, changed, err := editPnpmPackages(data, func(list []string) []string {
			return without(list, req.PackageDir)
		})
		if err != nil || !changed {
			return res, err
		}
		return res, l.write(PnpmWorkspace, req.CapabilityID, out, &res)
	}

	err := l.editPackageJSON(RootPackageJSON, req.CapabilityID, &res, true, func(doc *PackageJSON) (bool, error) {
		list, err := doc.Workspaces()
		if err != nil {
			return false, err
		}
		next := without(list, req.PackageDir)
		if len(next) == len(list) {
			return false, nil
		}
		return true, doc.setWorkspaces(next)
	})
	return res, err
}

func (l *Linker) register(req Request, res *Result) error {
	if l.pm == "pnpm" {
		data, err := l.fs.ReadFile(PnpmWorkspace)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		out, changed, err := editPnpmPackages(data, func(list []string) []string {
			if covered(list, req.PackageDir) {
				return list
			}
			return append(list, req.PackageDir)
		})
		if err != nil || !changed {
			return err
		}
		return l.write(PnpmWorkspace, req.CapabilityID, out, res)
	}

	return l.editPackageJSON(RootPackageJSON, req.CapabilityID, res, false, func(doc *PackageJSON) (bool, error) {
		list, err := doc.Workspaces()
		if err != nil {
			return false, err
		}
		if covered(list, req.PackageDir) {
			return false, nil
		}
		return true, doc.setWorkspaces(append(list, req.PackageDir))
	})
}

func (l *Linker) editPackageJSON(rel, capabilityID string, res *Result, optional bool, edit func(*PackageJSON) (bool, error)) error {
	data, err := l.fs.ReadFile(rel)
	if err != nil {
		if optional && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", rel, err)
	}
	doc, err := ParsePackageJSON(data)
	if err != nil {
		return fmt.Errorf("%s: %w", rel, err)
	}
	changed, err := edit(doc)
	if err != nil {
		return fmt.Errorf("%s: %w", rel, err)
	}
	if !changed {
		return nil
	}
	out, err := doc.Bytes()
	if err != nil {
		return err
	}
	return l.write(rel, capabilityID, out, res)
}

func (l *Linker) write(rel, capabilityID string, data []byte, res *Result) error {
	if l.backups != nil {
		backupPath, err := l.backups.Backup(rel, capabilityID)
		if err != nil {
			return err
		}
		if backupPath != "" {
			res.Backups[rel] = backupPath
		}
	}
	if err := l.fs.WriteFile(rel, data); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	res.Files = append(res.Files, rel)
	return nil
}

// editPnpmPackages rewrites the packages sequence of pnpm-workspace.yaml
// through the yaml node tree so comments and other keys survive.
func editPnpmPackages(data []byte, edit func([]string) []string) ([]byte, bool, error) {
	var doc yaml.Node
	if len(bytes.TrimSpace(data)) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, false, fmt.Errorf("%s: %w", PnpmWorkspace, err)
		}
	}
	if doc.Kind == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode}}}
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, false, fmt.Errorf("%s: expected a mapping document", PnpmWorkspace)
	}
	mapping := doc.Content[0]

	var seq *yaml.Node
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == "packages" {
			seq = mapping.Content[i+1]
			break
		}
	}
	if seq == nil {
		seq = &yaml.Node{Kind: yaml.SequenceNode}
		mapping.Content = append(mapping.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: "packages"}, seq)
	}
	if seq.Kind != yaml.SequenceNode {
		return nil, false, fmt.Errorf("%s: packages must be a list", PnpmWorkspace)
	}

	before := make([]string, 0, len(seq.Content))
	nodes := make(map[string]*yaml.Node, len(seq.Content))
	for _, n := range seq.Content {
		before = append(before, n.Value)
		nodes[n.Value] = n
	}
	after := edit(append([]string(nil), before...))
	if equalStrings(before, after) {
		return data, false, nil
	}

	seq.Content = seq.Content[:0]
	for _, v := range after {
		if n, ok := nodes[v]; ok {
			seq.Content = append(seq.Content, n)
			continue
		}
		seq.Content = append(seq.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: v})
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, false, err
	}
	if err := enc.Close(); err != nil {
		return nil, false, err
	}
	return buf.Bytes(), true, nil
}

// covered reports whether dir is listed or matched by a workspace glob.
func covered(globs []string, dir string) bool {
	for _, g := range globs {
		if g == dir {
			return true
		}
		if ok, _ := path.Match(g, dir); ok {
			return true
		}
	}
	return false
}

func without(list []string, item string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v != item {
			out = append(out, v)
		}
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
