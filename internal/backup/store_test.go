package backup

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewRunIDFormat(t *testing.T) {
	id, err := NewRunID(time.Date(2026, 10, 19, 10, 15, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Regexp(t, regexp.MustCompile(`^20261019T101500Z-[0-9a-f]{8}$`), id)
}

func TestBackupCopiesOncePerRunAndCapability(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "packages", "composition", "src", "AppProviders.tsx"), "before\n")

	store := NewStore(root, ".sprout/audit", "run-1")
	path, err := store.Backup("packages/composition/src/AppProviders.tsx", "ui.theme")
	require.NoError(t, err)
	require.Equal(t, ".sprout/audit/run-1/ui.theme/packages/composition/src/AppProviders.tsx", path)

	mustWrite(t, filepath.Join(root, "packages", "composition", "src", "AppProviders.tsx"), "after\n")
	again, err := store.Backup("packages/composition/src/AppProviders.tsx", "ui.theme")
	require.NoError(t, err)
	require.Equal(t, path, again)

	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(path)))
	require.NoError(t, err)
	require.Equal(t, "before\n", string(data))
}

func TestBackupNeverOverwritesExistingCopy(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "a.ts"), "current\n")
	mustWrite(t, filepath.Join(root, ".sprout", "audit", "run-1", "cap", "a.ts"), "original\n")

	path, err := NewStore(root, ".sprout/audit", "run-1").Backup("a.ts", "cap")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(path)))
	require.NoError(t, err)
	require.Equal(t, "original\n", string(data))
}

func TestBackupOfMissingFileIsEmpty(t *testing.T) {
	path, err := NewStore(t.TempDir(), ".sprout/audit", "run-1").Backup("packages/new.ts", "cap")
	require.NoError(t, err)
	require.Empty(t, path)
}

func TestListAndRestore(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "packages", "a.ts"), "v1\n")

	store := NewStore(root, ".sprout/audit", "20261019T101500Z-aaaaaaaa")
	_, err := store.Backup("packages/a.ts", "ui.theme")
	require.NoError(t, err)
	mustWrite(t, filepath.Join(root, "packages", "a.ts"), "v2\n")

	runs, err := List(root, ".sprout/audit")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, []string{"ui.theme"}, runs[0].Capabilities)
	require.Equal(t, 1, runs[0].Files)

	restored, err := Restore(root, ".sprout/audit", runs[0].ID, "ui.theme")
	require.NoError(t, err)
	require.Equal(t, []string{"packages/a.ts"}, restored)

	data, err := os.ReadFile(filepath.Join(root, "packages", "a.ts"))
	require.NoError(t, err)
	require.Equal(t, "v1\n", string(data))
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}
