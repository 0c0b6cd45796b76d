package modulator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPreviewRendersUnifiedHunks(t *testing.T) {
	d := Preview("a.txt", "a\nb\n", "a\nc\n", false, false)
	require.Equal(t, "--- a/a.txt\n+++ b/a.txt\n@@ -1,2 +1,2 @@\n a\n-b\n+c\n", d.Unified)
	require.Equal(t, 1, d.Added)
	require.Equal(t, 1, d.Removed)
}

func TestPreviewNewAndDeletedFiles(t *testing.T) {
	created := Preview("x.ts", "", "one\ntwo\n", true, false)
	require.True(t, created.New)
	require.Equal(t, 2, created.Added)
	require.Contains(t, created.Unified, "--- /dev/null\n+++ b/x.ts\n")

	gone := Preview("x.ts", "one\n", "", false, true)
	require.True(t, gone.Deleted)
	require.Equal(t, 1, gone.Removed)
	require.Contains(t, gone.Unified, "+++ /dev/null\n")
}

func TestPreviewKeepsContextWindow(t *testing.T) {
	before := "1\n2\n3\n4\n5\n6\n7\n8\n9\n10\n"
	after := "1\n2\n3\n4\n5\nsix\n7\n8\n9\n10\n"
	d := Preview("n.txt", before, after, false, false)
	require.Contains(t, d.Unified, "@@ -3,7 +3,7 @@\n 3\n 4\n 5\n-6\n+six\n 7\n 8\n 9\n")
	require.NotContains(t, d.Unified, " 2\n")
}
