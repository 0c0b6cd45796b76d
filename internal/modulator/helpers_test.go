package modulator

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sprout-dev/sprout/internal/capability"
	"github.com/sprout-dev/sprout/internal/config"
	"github.com/sprout-dev/sprout/internal/manifest"
)

const (
	providersFile = "packages/composition/src/AppProviders.tsx"
	bootstrapFile = "packages/composition/src/bootstrap.ts"
	rootFile      = "packages/composition/src/AppRoot.tsx"
)

func clock() time.Time {
	return time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
}

func builtinCatalog(t *testing.T) *capability.Catalog {
	t.Helper()
	c, err := capability.LoadCatalog("")
	require.NoError(t, err)
	return c
}

func newRun(t *testing.T, root string, catalog *capability.Catalog, opts Options) *Run {
	t.Helper()
	r, err := NewRun(root, config.Default(), catalog, zap.NewNop(), opts)
	require.NoError(t, err)
	r.Now = clock
	return r
}

// initProject scaffolds a fresh npm project and returns its root.
func initProject(t *testing.T, catalog *capability.Catalog) string {
	t.Helper()
	root := t.TempDir()
	r := newRun(t, root, catalog, Options{})
	_, err := r.Init(context.Background(), manifest.Project{
		Name:           "demo",
		Target:         "expo",
		Language:       "typescript",
		PackageManager: "npm",
	}, false)
	require.NoError(t, err)
	return root
}

func read(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

func write(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

// snapshot maps every project file outside the audit store to its content.
func snapshot(t *testing.T, root string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, path)
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel == ".sprout/audit" {
				return filepath.SkipDir
			}
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out[rel] = string(data)
		return nil
	})
	require.NoError(t, err)
	return out
}

func loadManifest(t *testing.T, root string) *manifest.Manifest {
	t.Helper()
	m, err := manifest.Load(root)
	require.NoError(t, err)
	return m
}

func stages(names ...Stage) []Stage {
	return names
}

func containsLine(content, line string) bool {
	for _, l := range strings.Split(content, "\n") {
		if strings.TrimSpace(l) == line {
			return true
		}
	}
	return false
}

func writeManifest(t *testing.T, root string, m *manifest.Manifest) {
	t.Helper()
	require.NoError(t, manifest.Write(root, m, clock()))
}

// auditRuns lists the run directories of the audit store.
func auditRuns(t *testing.T, root string) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(root, ".sprout", "audit"))
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out
}
