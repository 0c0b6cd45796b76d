package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sprout-dev/sprout/internal/manifest"
	"github.com/sprout-dev/sprout/internal/modulator"
)

type result struct {
	stdout string
	stderr string
	err    error
}

func execute(t *testing.T, root string, tty bool, stdin string, args ...string) result {
	t.Helper()
	a := &app{version: "test", stdin: strings.NewReader(stdin), isTTY: func() bool { return tty }}
	cmd := newRootCommand(a)
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--dir", root}, args...))
	err := cmd.Execute()
	return result{stdout: stdout.String(), stderr: stderr.String(), err: err}
}

func mustRun(t *testing.T, root string, args ...string) string {
	t.Helper()
	res := execute(t, root, false, "", args...)
	if res.err != nil {
		t.Fatalf("sprout %s failed: %v\nstdout:\n%s\nstderr:\n%s", strings.Join(args, " "), res.err, res.stdout, res.stderr)
	}
	return res.stdout
}

func initProject(t *testing.T) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), "Demo App")
	if err := os.MkdirAll(root, 0755); err != nil {
		t.Fatalf("failed to create project dir: %v", err)
	}
	mustRun(t, root, "init", "--pm", "npm")
	return root
}

func TestInitAddStatusRemoveFlow(t *testing.T) {
	root := initProject(t)

	m, err := manifest.Load(root)
	if err != nil {
		t.Fatalf("failed to load manifest: %v", err)
	}
	if m.Project.Name != "demo-app" {
		t.Fatalf("expected project name derived from directory, got %q", m.Project.Name)
	}

	out := mustRun(t, root, "plugin", "add", "ui.theme")
	if !strings.Contains(out, "add: ui.theme ok") {
		t.Fatalf("expected add summary, got:\n%s", out)
	}
	assertExists(t, filepath.Join(root, "packages", "ui-theme", "package.json"))

	var status modulator.StatusReport
	if err := json.Unmarshal([]byte(mustRun(t, root, "--json", "plugin", "status")), &status); err != nil {
		t.Fatalf("failed to decode status json: %v", err)
	}
	if len(status.Capabilities) != 1 || status.Capabilities[0].ID != "ui.theme" {
		t.Fatalf("unexpected status capabilities: %+v", status.Capabilities)
	}

	again := mustRun(t, root, "plugin", "add", "ui.theme")
	if !strings.Contains(again, "already installed") {
		t.Fatalf("expected re-add to be a no-op, got:\n%s", again)
	}

	out = mustRun(t, root, "plugin", "remove", "ui.theme")
	if !strings.Contains(out, "remove: ui.theme ok") {
		t.Fatalf("expected remove summary, got:\n%s", out)
	}
	assertNotExists(t, filepath.Join(root, "packages", "ui-theme"))
}

func TestInitTwiceIsAValidationError(t *testing.T) {
	root := initProject(t)
	res := execute(t, root, false, "", "init")
	if ExitCode(res.err) != ExitValidation {
		t.Fatalf("expected exit code %d, got %d (%v)", ExitValidation, ExitCode(res.err), res.err)
	}
}

func TestBatchNeedsConfirmation(t *testing.T) {
	root := initProject(t)

	res := execute(t, root, false, "", "plugin", "add", "core.storage", "ui.theme")
	if ExitCode(res.err) != ExitValidation || !strings.Contains(res.err.Error(), "--yes") {
		t.Fatalf("expected confirmation error, got %v", res.err)
	}
	assertNotExists(t, filepath.Join(root, "packages", "core-storage"))

	res = execute(t, root, true, "n\n", "plugin", "add", "core.storage", "ui.theme")
	if ExitCode(res.err) != ExitValidation {
		t.Fatalf("expected declined prompt to fail validation, got %v", res.err)
	}

	res = execute(t, root, true, "y\n", "plugin", "add", "core.storage,ui.theme")
	if res.err != nil {
		t.Fatalf("expected confirmed batch to succeed: %v\n%s", res.err, res.stdout)
	}
	if !strings.Contains(res.stderr, "install core.storage, ui.theme? [y/N]") {
		t.Fatalf("expected prompt on stderr, got:\n%s", res.stderr)
	}

	mustRun(t, root, "plugin", "remove", "--yes", "core.storage", "ui.theme")
	assertNotExists(t, filepath.Join(root, "packages", "core-storage"))
}

func TestUnknownCapabilityExitsWithValidationCode(t *testing.T) {
	root := initProject(t)
	res := execute(t, root, false, "", "plugin", "add", "auth.auth0")
	if ExitCode(res.err) != ExitValidation {
		t.Fatalf("expected exit code %d, got %d (%v)", ExitValidation, ExitCode(res.err), res.err)
	}
	if !strings.Contains(res.stdout, "add: auth.auth0 failed") {
		t.Fatalf("expected failure line, got:\n%s", res.stdout)
	}
}

func TestDryRunPrintsDiffsAsJSON(t *testing.T) {
	root := initProject(t)
	before, err := os.ReadFile(filepath.Join(root, "package.json"))
	if err != nil {
		t.Fatalf("failed to read package.json: %v", err)
	}

	out := mustRun(t, root, "--json", "plugin", "add", "--dry-run", "core.storage", "ui.theme")
	var summary struct {
		Mode    string               `json:"mode"`
		Success bool                 `json:"success"`
		Order   []string             `json:"order"`
		Diffs   []modulator.FileDiff `json:"diffs"`
	}
	if err := json.Unmarshal([]byte(out), &summary); err != nil {
		t.Fatalf("failed to decode batch json: %v\n%s", err, out)
	}
	if !summary.Success || summary.Mode != "add" {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	paths := make([]string, 0, len(summary.Diffs))
	for _, d := range summary.Diffs {
		paths = append(paths, d.Path)
	}
	for _, want := range []string{"package.json", "packages/composition/src/AppProviders.tsx", "packages/core-storage/package.json"} {
		if !containsString(paths, want) {
			t.Fatalf("expected diff for %s, got %v", want, paths)
		}
	}

	after, err := os.ReadFile(filepath.Join(root, "package.json"))
	if err != nil {
		t.Fatalf("failed to read package.json: %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Fatalf("dry run changed package.json")
	}
	assertNotExists(t, filepath.Join(root, "packages", "core-storage"))
}

func TestDoctorWithoutProjectSuggestsInit(t *testing.T) {
	out := mustRun(t, t.TempDir(), "plugin", "doctor")
	if !strings.Contains(out, "doctor: issues") || !strings.Contains(out, "next: run sprout init") {
		t.Fatalf("unexpected doctor output:\n%s", out)
	}
}

func TestDoctorHealthyAfterInit(t *testing.T) {
	root := initProject(t)
	var report modulator.DoctorReport
	if err := json.Unmarshal([]byte(mustRun(t, root, "--json", "plugin", "doctor")), &report); err != nil {
		t.Fatalf("failed to decode doctor json: %v", err)
	}
	if !report.Healthy {
		t.Fatalf("expected healthy project, got findings %+v", report.Findings)
	}
}

func TestListMarksInstalledAndIncompatible(t *testing.T) {
	root := initProject(t)
	mustRun(t, root, "plugin", "add", "core.storage")

	var entries []CatalogEntry
	if err := json.Unmarshal([]byte(mustRun(t, root, "--json", "plugin", "list")), &entries); err != nil {
		t.Fatalf("failed to decode list json: %v", err)
	}
	byID := make(map[string]CatalogEntry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}
	if byID["core.storage"].Installed == "" {
		t.Fatalf("expected core.storage to be marked installed: %+v", byID["core.storage"])
	}
	if byID["ui.theme"].Installed != "" {
		t.Fatalf("expected ui.theme not installed")
	}
	if !byID["ui.theme"].Compatible {
		t.Fatalf("expected ui.theme compatible with expo")
	}
}

func TestRestoreCopiesBackupsBack(t *testing.T) {
	root := initProject(t)
	mustRun(t, root, "plugin", "add", "ui.theme")
	providers := filepath.Join(root, "packages", "composition", "src", "AppProviders.tsx")
	composed, err := os.ReadFile(providers)
	if err != nil {
		t.Fatalf("failed to read providers: %v", err)
	}

	var report modulator.DoctorReport
	if err := json.Unmarshal([]byte(mustRun(t, root, "--json", "plugin", "doctor")), &report); err != nil {
		t.Fatalf("failed to decode doctor json: %v", err)
	}
	runID := ""
	for _, run := range report.Runs {
		if containsString(run.Capabilities, "ui.theme") {
			runID = run.ID
		}
	}
	if runID == "" {
		t.Fatalf("expected an audit run for ui.theme, got %+v", report.Runs)
	}

	out := mustRun(t, root, "plugin", "restore", runID, "ui.theme")
	if !strings.Contains(out, "restored") {
		t.Fatalf("unexpected restore output:\n%s", out)
	}
	restored, err := os.ReadFile(providers)
	if err != nil {
		t.Fatalf("failed to read providers: %v", err)
	}
	if bytes.Equal(composed, restored) || strings.Contains(string(restored), "ThemeProvider") {
		t.Fatalf("expected pre-install providers after restore, got:\n%s", restored)
	}
}

func TestVersion(t *testing.T) {
	out := mustRun(t, t.TempDir(), "version")
	if out != "sprout test\n" {
		t.Fatalf("unexpected version output %q", out)
	}
}

func TestExitCode(t *testing.T) {
	if ExitCode(nil) != ExitSuccess {
		t.Fatalf("nil error must exit 0")
	}
	if ExitCode(errors.New("boom")) != ExitFailure {
		t.Fatalf("generic error must exit 1")
	}
	if ExitCode(&modulator.NotInstalledError{ID: "a.b"}) != ExitValidation {
		t.Fatalf("validation error must exit 2")
	}
	if ExitCode(&ExitError{Code: 7, Message: "custom"}) != 7 {
		t.Fatalf("explicit exit code must win")
	}
}

func TestProjectName(t *testing.T) {
	cases := map[string]string{
		"/tmp/Demo App": "demo-app",
		"/tmp/my_app.v2": "my_app.v2",
		"/tmp/__":        "app",
	}
	for dir, want := range cases {
		if got := projectName(dir); got != want {
			t.Fatalf("projectName(%q) = %q, want %q", dir, got, want)
		}
	}
}

func TestNormalizeIDs(t *testing.T) {
	got := normalizeIDs([]string{"UI.Theme,core.storage", " core.storage ", ""})
	if strings.Join(got, " ") != "ui.theme core.storage" {
		t.Fatalf("unexpected ids %v", got)
	}
}

func assertExists(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected %s to exist: %v", path, err)
	}
}

func assertNotExists(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); err == nil {
		t.Fatalf("expected %s to be absent", path)
	} else if !os.IsNotExist(err) {
		t.Fatalf("failed to stat %s: %v", path, err)
	}
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
