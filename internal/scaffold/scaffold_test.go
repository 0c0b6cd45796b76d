package scaffold

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sprout-dev/sprout/internal/backup"
	"github.com/sprout-dev/sprout/internal/capability"
	"github.com/sprout-dev/sprout/internal/fileutil"
	"github.com/sprout-dev/sprout/internal/manifest"
	"github.com/sprout-dev/sprout/internal/marker"
	"github.com/sprout-dev/sprout/internal/zone"
)

var project = manifest.Project{Name: "demo-app", Target: "expo", Language: "typescript", PackageManager: "pnpm"}

func newScaffolder(root string) *Scaffolder {
	store := backup.NewStore(root, ".sprout/audit", "run-1")
	return New(fileutil.NewDiskFS(root), zone.NewPolicy("packages", "src", nil), store, "workspace:*", nil)
}

func themeDescriptor() capability.Descriptor {
	return capability.Descriptor{
		ID:      "ui.theme",
		Version: "0.4.0",
		Package: capability.Package{
			Name:         "@app/ui-theme",
			Dir:          "ui-theme",
			Dependencies: map[string]string{"@app/core-storage": "workspace"},
		},
		Files: []capability.OwnedFile{{
			Path:     "src/index.tsx",
			Template: "export const appName = '[[ .Project.Name ]]';\nexport const primary = '[[ .Config.primary ]]';\n",
		}},
		Config: map[string]any{"primary": "#0a84ff"},
	}
}

func TestMaterializeCreatesThenReportsUnchanged(t *testing.T) {
	root := t.TempDir()
	s := newScaffolder(root)
	data := Data{Project: project, Namespace: "sprout"}

	results, err := s.Materialize(context.Background(), themeDescriptor(), data, "packages", nil)
	require.NoError(t, err)
	require.Equal(t, []FileResult{
		{Path: "packages/ui-theme/src/index.tsx", Status: Created},
		{Path: "packages/ui-theme/package.json", Status: Created},
	}, results)

	index, err := os.ReadFile(filepath.Join(root, "packages/ui-theme/src/index.tsx"))
	require.NoError(t, err)
	require.Equal(t, "export const appName = 'demo-app';\nexport const primary = '#0a84ff';\n", string(index))

	pkg, err := os.ReadFile(filepath.Join(root, "packages/ui-theme/package.json"))
	require.NoError(t, err)
	require.Contains(t, string(pkg), `"main": "src/index.tsx"`)
	require.Contains(t, string(pkg), `"@app/core-storage": "workspace:*"`)

	results, err = s.Materialize(context.Background(), themeDescriptor(), data, "packages", nil)
	require.NoError(t, err)
	for _, r := range results {
		require.Equal(t, Unchanged, r.Status, r.Path)
	}
}

func TestMaterializeReconcilesOwnedDrift(t *testing.T) {
	root := t.TempDir()
	s := newScaffolder(root)
	data := Data{Project: project}
	_, err := s.Materialize(context.Background(), themeDescriptor(), data, "packages", nil)
	require.NoError(t, err)

	drifted := filepath.Join(root, "packages/ui-theme/src/index.tsx")
	require.NoError(t, os.WriteFile(drifted, []byte("// edited\n"), 0644))

	owns := func(p string) bool { return p == "packages/ui-theme/src/index.tsx" }
	results, err := s.Materialize(context.Background(), themeDescriptor(), data, "packages", owns)
	require.NoError(t, err)
	require.Equal(t, Reconciled, results[0].Status)
	require.Equal(t, ".sprout/audit/run-1/ui.theme/packages/ui-theme/src/index.tsx", results[0].BackupPath)

	saved, err := os.ReadFile(filepath.Join(root, results[0].BackupPath))
	require.NoError(t, err)
	require.Equal(t, "// edited\n", string(saved))
}

func TestMaterializeRefusesForeignFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "packages/ui-theme/src"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "packages/ui-theme/src/index.tsx"), []byte("mine\n"), 0644))

	_, err := newScaffolder(root).Materialize(context.Background(), themeDescriptor(), Data{Project: project}, "packages", func(string) bool { return false })
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	require.Equal(t, "packages/ui-theme/src/index.tsx", conflict.Path)
}

func TestMaterializeRejectsMissingTemplateKey(t *testing.T) {
	d := themeDescriptor()
	d.Files[0].Template = "[[ .Config.absent ]]"
	d.Config = map[string]any{}

	_, err := newScaffolder(t.TempDir()).Materialize(context.Background(), d, Data{Project: project}, "packages", nil)
	require.ErrorContains(t, err, "absent")
}

func TestRemoveFilesBacksUp(t *testing.T) {
	root := t.TempDir()
	s := newScaffolder(root)
	results, err := s.Materialize(context.Background(), themeDescriptor(), Data{Project: project}, "packages", nil)
	require.NoError(t, err)

	paths := []string{results[0].Path, results[1].Path, "packages/ui-theme/missing.ts"}
	removed, err := s.RemoveFiles(context.Background(), "ui.theme", paths)
	require.NoError(t, err)
	require.Len(t, removed, 2)
	require.NoDirExists(t, filepath.Join(root, "packages/ui-theme"))
	require.FileExists(t, filepath.Join(root, removed[0].BackupPath))

	_, err = s.RemoveFiles(context.Background(), "ui.theme", []string{"src/App.tsx"})
	require.Error(t, err)
}

func TestInitWritesCompositionWithEveryMarker(t *testing.T) {
	root := t.TempDir()
	s := newScaffolder(root)
	opts := InitOptions{Project: project, Namespace: "sprout", CompositionDir: "packages/composition", UserDir: "src"}

	results, err := s.Init(context.Background(), opts)
	require.NoError(t, err)
	require.NotEmpty(t, results)

	v := marker.NewValidator("sprout")
	for _, c := range marker.Contracts() {
		_, err := v.ValidateFile(filepath.Join(root, "packages/composition", filepath.FromSlash(c.DefaultFile)), c.Type)
		require.NoError(t, err, "marker %s", c.Type)
	}
	require.FileExists(t, filepath.Join(root, "src/App.tsx"))
	require.FileExists(t, filepath.Join(root, "package.json"))

	results, err = s.Init(context.Background(), opts)
	require.NoError(t, err)
	for _, r := range results {
		require.Equal(t, Unchanged, r.Status, r.Path)
	}
}

func TestInitRequiresForceToOverwriteComposition(t *testing.T) {
	root := t.TempDir()
	s := newScaffolder(root)
	opts := InitOptions{Project: project, Namespace: "sprout", CompositionDir: "packages/composition", UserDir: "src"}
	_, err := s.Init(context.Background(), opts)
	require.NoError(t, err)

	providers := filepath.Join(root, "packages/composition/src/AppProviders.tsx")
	require.NoError(t, os.WriteFile(providers, []byte("broken\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src/App.tsx"), []byte("user code\n"), 0644))

	_, err = s.Init(context.Background(), opts)
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))

	opts.Force = true
	_, err = s.Init(context.Background(), opts)
	require.NoError(t, err)
	_, err = marker.NewValidator("sprout").ValidateFile(providers, marker.Providers)
	require.NoError(t, err)

	app, err := os.ReadFile(filepath.Join(root, "src/App.tsx"))
	require.NoError(t, err)
	require.Equal(t, "user code\n", string(app))
}
