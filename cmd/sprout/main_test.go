package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestRunMapsErrorsToExitCodes(t *testing.T) {
	root := t.TempDir()
	var stdout, stderr bytes.Buffer

	if code := run([]string{"--dir", root, "version"}, &stdout, &stderr); code != 0 {
		t.Fatalf("version exited %d: %s", code, stderr.String())
	}
	if !strings.HasPrefix(stdout.String(), "sprout ") {
		t.Fatalf("unexpected version output %q", stdout.String())
	}

	stderr.Reset()
	if code := run([]string{"--dir", root, "plugin", "status"}, &stdout, &stderr); code != 2 {
		t.Fatalf("status without a manifest exited %d, want 2", code)
	}
	if !strings.Contains(stderr.String(), "error:") {
		t.Fatalf("expected error on stderr, got %q", stderr.String())
	}

	stderr.Reset()
	if code := run([]string{"--dir", root, "frobnicate"}, &stdout, &stderr); code != 1 {
		t.Fatalf("unknown command exited %d, want 1", code)
	}
}
