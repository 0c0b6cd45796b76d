package structural

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"

	"github.com/sprout-dev/sprout/internal/backup"
	"github.com/sprout-dev/sprout/internal/fileutil"
	"github.com/sprout-dev/sprout/internal/outcome"
	"github.com/sprout-dev/sprout/internal/zone"
)

const (
	providersPath = "packages/composition/src/AppProviders.tsx"
	bootstrapPath = "packages/composition/src/bootstrap.ts"
	rootPath      = "packages/composition/src/AppRoot.tsx"
)

const providersTemplate = `// @sprout-marker:imports:start
import React from 'react';
// @sprout-marker:imports:end

export function AppProviders({ children }: { children: React.ReactNode }) {
  let tree = <>{children}</>;
  // @sprout-marker:providers:start
  // @sprout-marker:providers:end
  return tree;
}
`

const bootstrapTemplate = `// @sprout-marker:imports:start
// @sprout-marker:imports:end

export function bootstrap(): void {
  // @sprout-marker:init-steps:start
  // @sprout-marker:init-steps:end
}
`

const rootTemplate = `// @sprout-marker:imports:start
import React from 'react';
import { Text } from 'react-native';
// @sprout-marker:imports:end

function Welcome() {
  return <Text>Welcome</Text>;
}

export function Root() {
  // @sprout-marker:root:start
  return <Welcome />;
  // @sprout-marker:root:end
}
`

type fixture struct {
	root    string
	patcher *Patcher
}

func newFixture(t *testing.T, files map[string]string) *fixture {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	policy := zone.NewPolicy("packages", "src", nil)
	store := backup.NewStore(root, ".sprout/audit", "run-test")
	return &fixture{
		root:    root,
		patcher: NewPatcher(fileutil.NewDiskFS(root), policy, "sprout", WithBackups(store)),
	}
}

func (f *fixture) read(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

func importOp(capID string, order int, module string, symbols ...string) Operation {
	specs := make([]ImportSpec, 0, len(symbols))
	for _, s := range symbols {
		specs = append(specs, ImportSpec{Symbol: s, Module: module})
	}
	return Operation{CapabilityID: capID, File: providersPath, Contribution: Import{Specs: specs}, Order: order}
}

func providerOp(capID string, order int, symbol string, props map[string]string) Operation {
	return Operation{CapabilityID: capID, File: providersPath, Contribution: Provider{Symbol: symbol, Props: props}, Order: order}
}

func actions(results []outcome.Result) []outcome.Action {
	out := make([]outcome.Action, 0, len(results))
	for _, r := range results {
		out = append(out, r.Action)
	}
	return out
}

func TestImportThenProviderScenario(t *testing.T) {
	f := newFixture(t, map[string]string{providersPath: providersTemplate})
	ops := []Operation{
		importOp("demo.cap", 0, "m", "X"),
		providerOp("demo.cap", 0, "Y", nil),
	}

	results := f.patcher.Apply(context.Background(), ops, Options{})
	require.Equal(t, []outcome.Action{outcome.Injected, outcome.Injected}, actions(results))
	require.NotEmpty(t, results[0].BackupPath)

	content := f.read(t, providersPath)
	require.Equal(t, 1, strings.Count(content, "from 'm'"))
	require.Contains(t, content, "import { X } from 'm';\n")
	require.Contains(t, content, "  tree = <Y>{tree}</Y>;\n  // @sprout-marker:providers:end")

	again := f.patcher.Apply(context.Background(), ops, Options{})
	require.Equal(t, []outcome.Action{outcome.Skipped, outcome.Skipped}, actions(again))
	require.Equal(t, content, f.read(t, providersPath))
}

func TestComposedProvidersGolden(t *testing.T) {
	f := newFixture(t, map[string]string{providersPath: providersTemplate})
	ops := []Operation{
		providerOp("analytics.segment", 30, "AnalyticsProvider", map[string]string{"writeKey": `"demo-key"`}),
		importOp("ui.theme", 20, "@app/theme", "ThemeProvider", "defaultTheme"),
		importOp("analytics.segment", 30, "@app/analytics", "AnalyticsProvider"),
		providerOp("auth.firebase", 10, "AuthProvider", nil),
		providerOp("ui.theme", 20, "ThemeProvider", map[string]string{"theme": "defaultTheme"}),
		importOp("auth.firebase", 10, "@app/auth-firebase", "AuthProvider"),
	}

	results := f.patcher.Apply(context.Background(), ops, Options{})
	require.True(t, outcome.Succeeded(results))

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "composed_app_providers", []byte(f.read(t, providersPath)))
}

func TestProviderOrderIndependentOfSubmission(t *testing.T) {
	first := newFixture(t, map[string]string{providersPath: providersTemplate})
	first.patcher.Apply(context.Background(), []Operation{providerOp("b.cap", 30, "B", nil)}, Options{})
	first.patcher.Apply(context.Background(), []Operation{providerOp("a.cap", 10, "A", nil)}, Options{})
	first.patcher.Apply(context.Background(), []Operation{providerOp("c.cap", 10, "C", nil)}, Options{})

	second := newFixture(t, map[string]string{providersPath: providersTemplate})
	second.patcher.Apply(context.Background(), []Operation{
		providerOp("c.cap", 10, "C", nil),
		providerOp("b.cap", 30, "B", nil),
		providerOp("a.cap", 10, "A", nil),
	}, Options{})

	got := first.read(t, providersPath)
	require.Equal(t, second.read(t, providersPath), got)
	a := strings.Index(got, "<A>")
	c := strings.Index(got, "<C>")
	b := strings.Index(got, "<B>")
	require.True(t, a < c && c < b, "expected A, C, B order:\n%s", got)
}

func TestImportPlacementIndependentOfSubmission(t *testing.T) {
	first := newFixture(t, map[string]string{providersPath: providersTemplate})
	first.patcher.Apply(context.Background(), []Operation{importOp("ui.theme", 20, "@app/ui-theme", "ThemeProvider")}, Options{})
	first.patcher.Apply(context.Background(), []Operation{
		importOp("auth.firebase", 10, "@app/auth-firebase", "AuthProvider"),
		importOp("core.storage", 0, "@app/core-storage", "StorageProvider"),
	}, Options{})

	second := newFixture(t, map[string]string{providersPath: providersTemplate})
	second.patcher.Apply(context.Background(), []Operation{
		importOp("ui.theme", 20, "@app/ui-theme", "ThemeProvider"),
		importOp("core.storage", 0, "@app/core-storage", "StorageProvider"),
		importOp("auth.firebase", 10, "@app/auth-firebase", "AuthProvider"),
	}, Options{})

	got := first.read(t, providersPath)
	require.Equal(t, second.read(t, providersPath), got)
	require.Contains(t, got, strings.Join([]string{
		"import React from 'react';",
		"// @sprout-op:core.storage/imports/import order=0",
		"import { StorageProvider } from '@app/core-storage';",
		"// @sprout-op:auth.firebase/imports/import order=10",
		"import { AuthProvider } from '@app/auth-firebase';",
		"// @sprout-op:ui.theme/imports/import order=20",
		"import { ThemeProvider } from '@app/ui-theme';",
		"// @sprout-marker:imports:end",
	}, "\n"))
}

func TestImportsMergeAcrossCapabilities(t *testing.T) {
	f := newFixture(t, map[string]string{providersPath: providersTemplate})
	results := f.patcher.Apply(context.Background(), []Operation{
		importOp("b.cap", 0, "m", "Y", "Z"),
		importOp("a.cap", 0, "m", "X", "Y"),
	}, Options{})
	require.True(t, outcome.Succeeded(results))
	require.Equal(t, []string{"m#X", "m#Y"}, results[0].Symbols)
	require.Equal(t, []string{"m#Z"}, results[1].Symbols)

	content := f.read(t, providersPath)
	require.Equal(t, 1, strings.Count(content, "from 'm'"))
	require.Contains(t, content, "import { X, Y, Z } from 'm';")
}

func TestImportAlreadySatisfiedRecordsOnly(t *testing.T) {
	f := newFixture(t, map[string]string{providersPath: providersTemplate})
	f.patcher.Apply(context.Background(), []Operation{importOp("a.cap", 0, "m", "X")}, Options{})

	results := f.patcher.Apply(context.Background(), []Operation{importOp("b.cap", 0, "m", "X")}, Options{})
	require.Equal(t, outcome.Injected, results[0].Action)
	require.Empty(t, results[0].Symbols)
	require.Contains(t, results[0].Message, "fingerprint recorded")

	content := f.read(t, providersPath)
	require.Equal(t, 1, strings.Count(content, "import { X } from 'm';"))
	require.Contains(t, content, "// @sprout-op:b.cap/imports/import order=0")
}

func TestImportRestoredAfterManualRemoval(t *testing.T) {
	f := newFixture(t, map[string]string{providersPath: providersTemplate})
	f.patcher.Apply(context.Background(), []Operation{importOp("a.cap", 0, "m", "X")}, Options{})

	path := filepath.Join(f.root, filepath.FromSlash(providersPath))
	edited := strings.Replace(f.read(t, providersPath), "import { X } from 'm';\n", "", 1)
	require.NoError(t, os.WriteFile(path, []byte(edited), 0644))

	results := f.patcher.Apply(context.Background(), []Operation{importOp("a.cap", 0, "m", "X")}, Options{})
	require.Equal(t, outcome.Injected, results[0].Action)
	content := f.read(t, providersPath)
	require.Contains(t, content, "import { X } from 'm';")
	require.Equal(t, 1, strings.Count(content, "@sprout-op:a.cap/imports/import"))
}

func TestMissingRequiredMarkerLeavesFileUntouched(t *testing.T) {
	broken := strings.Replace(providersTemplate, "  // @sprout-marker:providers:start\n  // @sprout-marker:providers:end\n", "", 1)
	f := newFixture(t, map[string]string{providersPath: broken})

	results := f.patcher.Apply(context.Background(), []Operation{providerOp("a.cap", 0, "Y", nil)}, Options{})
	require.Equal(t, outcome.Error, results[0].Action)
	require.False(t, results[0].Success)
	require.Contains(t, results[0].Message, "// @sprout-marker:providers:start")
	require.Equal(t, broken, f.read(t, providersPath))
	require.NoDirExists(t, filepath.Join(f.root, ".sprout"))
}

func TestMissingOptionalMarkerIsSkipped(t *testing.T) {
	f := newFixture(t, map[string]string{bootstrapPath: "export function bootstrap(): void {}\n"})
	op := Operation{CapabilityID: "a.cap", File: bootstrapPath, Contribution: InitStep{Call: &CallRef{Symbol: "initA"}}}

	results := f.patcher.Apply(context.Background(), []Operation{op}, Options{})
	require.Equal(t, outcome.Skipped, results[0].Action)
	require.True(t, results[0].Success)
	require.Contains(t, results[0].Message, "no destination")
}

func TestNonexistentFileIsErrorWithoutChanges(t *testing.T) {
	f := newFixture(t, nil)
	op := providerOp("a.cap", 0, "Y", nil)
	op.File = "packages/composition/src/Missing.tsx"

	results := f.patcher.Apply(context.Background(), []Operation{op}, Options{})
	require.False(t, results[0].Success)
	require.Equal(t, outcome.Error, results[0].Action)
	require.Contains(t, results[0].Message, "File not found")

	entries, err := os.ReadDir(f.root)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestDryRunNeverWrites(t *testing.T) {
	f := newFixture(t, map[string]string{providersPath: providersTemplate})
	ops := []Operation{
		importOp("a.cap", 0, "m", "X"),
		providerOp("a.cap", 0, "Y", nil),
		{CapabilityID: "a.cap", File: "packages/composition/src/Missing.tsx", Contribution: Provider{Symbol: "Z"}},
	}

	results := f.patcher.Apply(context.Background(), ops, Options{DryRun: true})
	require.Len(t, results, 3)
	require.Equal(t, providersTemplate, f.read(t, providersPath))
	require.NoDirExists(t, filepath.Join(f.root, ".sprout"))
}

func TestUserZoneIsNeverATarget(t *testing.T) {
	f := newFixture(t, map[string]string{"src/App.tsx": providersTemplate})
	op := providerOp("a.cap", 0, "Y", nil)
	op.File = "src/App.tsx"

	results := f.patcher.Apply(context.Background(), []Operation{op}, Options{})
	require.Equal(t, outcome.Error, results[0].Action)
	require.Contains(t, results[0].Message, "reserved for user-owned application code")
	require.Equal(t, providersTemplate, f.read(t, "src/App.tsx"))
}

func TestUnknownKindFailsOperation(t *testing.T) {
	f := newFixture(t, map[string]string{providersPath: providersTemplate})
	op := Operation{CapabilityID: "a.cap", File: providersPath, Marker: "providers", Contribution: Unknown{Name: "widget"}}

	results := f.patcher.Apply(context.Background(), []Operation{op}, Options{})
	require.Equal(t, outcome.Error, results[0].Action)
	require.Contains(t, results[0].Message, `unknown contribution kind "widget"`)
}

func TestInitStepCallDedupAndRawFallback(t *testing.T) {
	existing := strings.Replace(bootstrapTemplate,
		"  // @sprout-marker:init-steps:end",
		"  initFirebase({ persist: true });\n  // @sprout-marker:init-steps:end", 1)
	f := newFixture(t, map[string]string{bootstrapPath: existing})

	call := Operation{CapabilityID: "auth.firebase", File: bootstrapPath, Contribution: InitStep{Call: &CallRef{Symbol: "initFirebase", Args: []string{"{persist: true}"}}}}
	raw := Operation{CapabilityID: "analytics.segment", File: bootstrapPath, Order: 5, Contribution: InitStep{Raw: &RawStatement{Code: "globalThis.__analytics = true;"}}}

	results := f.patcher.Apply(context.Background(), []Operation{raw, call}, Options{})
	require.True(t, outcome.Succeeded(results))
	require.Contains(t, results[0].Message, "already called")
	require.Empty(t, results[0].Snippet)
	require.Equal(t, []string{"globalThis.__analytics = true;"}, results[1].Snippet)

	content := f.read(t, bootstrapPath)
	require.Equal(t, 1, strings.Count(content, "initFirebase("))
	require.Contains(t, content, "  // @sprout-op:analytics.segment/init-steps/init-step order=5\n  globalThis.__analytics = true;\n")

	again := f.patcher.Apply(context.Background(), []Operation{raw, call}, Options{})
	require.Equal(t, []outcome.Action{outcome.Skipped, outcome.Skipped}, actions(again))
}

func TestUnparseableOutputIsRejected(t *testing.T) {
	f := newFixture(t, map[string]string{bootstrapPath: bootstrapTemplate})
	op := Operation{CapabilityID: "a.cap", File: bootstrapPath, Contribution: InitStep{Raw: &RawStatement{Code: "initBroken(;"}}}

	results := f.patcher.Apply(context.Background(), []Operation{op}, Options{})
	require.Equal(t, outcome.Error, results[0].Action)
	require.Contains(t, results[0].Message, "does not parse")
	require.Equal(t, bootstrapTemplate, f.read(t, bootstrapPath))
}

func TestImportIntoFileWithoutImportsLandsInRegion(t *testing.T) {
	f := newFixture(t, map[string]string{bootstrapPath: bootstrapTemplate})
	op := Operation{CapabilityID: "auth.firebase", File: bootstrapPath, Contribution: Import{Specs: []ImportSpec{{Symbol: "initFirebase", Module: "@app/auth-firebase"}}}}

	results := f.patcher.Apply(context.Background(), []Operation{op}, Options{})
	require.True(t, outcome.Succeeded(results))
	require.True(t, strings.HasPrefix(f.read(t, bootstrapPath), strings.Join([]string{
		"// @sprout-marker:imports:start",
		"// @sprout-op:auth.firebase/imports/import order=0",
		"import { initFirebase } from '@app/auth-firebase';",
		"// @sprout-marker:imports:end",
	}, "\n")))
}

func TestRootReplaceAndRetract(t *testing.T) {
	f := newFixture(t, map[string]string{rootPath: rootTemplate})
	op := Operation{CapabilityID: "nav.tabs", File: rootPath, Contribution: Root{Symbol: "TabsNavigator"}}

	results := f.patcher.Apply(context.Background(), []Operation{op}, Options{})
	require.Equal(t, outcome.Injected, results[0].Action)
	require.Equal(t, []string{"return <Welcome />;"}, results[0].Previous)
	require.Contains(t, f.read(t, rootPath), "  // @sprout-op:nav.tabs/root/root order=0\n  return <TabsNavigator />;\n  // @sprout-marker:root:end")
	require.NotContains(t, f.read(t, rootPath), "return <Welcome />;")

	retracted := f.patcher.Retract(context.Background(), []Effect{{
		ID:           results[0].ID,
		CapabilityID: "nav.tabs",
		File:         rootPath,
		Marker:       "root",
		Kind:         KindRoot,
		Snippet:      results[0].Snippet,
		Previous:     results[0].Previous,
	}}, Options{})
	require.Equal(t, outcome.Removed, retracted[0].Action)
	require.Equal(t, rootTemplate, f.read(t, rootPath))
}

func TestRetractRemovesOnlyListedSymbols(t *testing.T) {
	f := newFixture(t, map[string]string{providersPath: providersTemplate})
	results := f.patcher.Apply(context.Background(), []Operation{
		importOp("a.cap", 0, "m", "X", "Y"),
		importOp("b.cap", 0, "m", "Z"),
		providerOp("b.cap", 0, "Z", nil),
	}, Options{})
	require.True(t, outcome.Succeeded(results))

	effects := make([]Effect, 0, 2)
	for _, r := range results[1:] {
		effects = append(effects, Effect{ID: r.ID, CapabilityID: r.CapabilityID, File: r.File, Marker: "", Kind: Kind(r.Kind), Snippet: r.Snippet, Symbols: r.Symbols})
	}
	retracted := f.patcher.Retract(context.Background(), effects, Options{})
	require.Equal(t, []outcome.Action{outcome.Removed, outcome.Removed}, actions(retracted))

	content := f.read(t, providersPath)
	require.Contains(t, content, "import { X, Y } from 'm';")
	require.NotContains(t, content, "b.cap")
	require.NotContains(t, content, "<Z>")

	effects = []Effect{{ID: results[0].ID, CapabilityID: "a.cap", File: providersPath, Kind: KindImport, Symbols: results[0].Symbols}}
	f.patcher.Retract(context.Background(), effects, Options{})
	require.Equal(t, providersTemplate, f.read(t, providersPath))
}

func TestCheckReportsRequiredMarkerFailures(t *testing.T) {
	broken := strings.Replace(providersTemplate, "  // @sprout-marker:providers:end\n", "", 1)
	f := newFixture(t, map[string]string{providersPath: broken})

	failures := f.patcher.Check([]Operation{
		importOp("a.cap", 0, "m", "X"),
		providerOp("a.cap", 0, "Y", nil),
	})
	require.Len(t, failures, 1)
	require.Contains(t, failures[0].Message, "start sentinel has no matching end")
}

func TestFilesWithoutInjectorFail(t *testing.T) {
	f := newFixture(t, map[string]string{providersPath: providersTemplate})
	p := NewPatcher(fileutil.NewDiskFS(f.root), zone.NewPolicy("packages", "src", nil), "sprout", WithRegistry(NewRegistry()))

	results := p.Apply(context.Background(), []Operation{providerOp("ui.theme", 20, "ThemeProvider", nil)}, Options{})
	require.Equal(t, outcome.Error, results[0].Action)
	require.Contains(t, results[0].Message, "no structural injector for "+providersPath)
	require.Equal(t, providersTemplate, f.read(t, providersPath))
}
