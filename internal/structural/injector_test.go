package structural

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sprout-dev/sprout/internal/marker"
)

func TestImportsMergeIntoEveryClauseShape(t *testing.T) {
	src := `// @sprout-marker:imports:start
import { useState } from 'react';
import Foo from 'foo';
import * as Bar from 'bar';
// @sprout-marker:imports:end
`
	out, err := NewTypeScriptInjector().Inject([]byte(src), Request{
		Path:      "index.ts",
		ID:        "x.cap/imports/import",
		Namespace: "sprout",
		Marker:    marker.Imports,
		Contribution: Import{Specs: []ImportSpec{
			{Symbol: "React", Module: "react", Default: true},
			{Symbol: "useEffect", Module: "react"},
			{Symbol: "Helper", Module: "foo"},
			{Symbol: "Baz", Module: "bar"},
		}},
	})
	require.NoError(t, err)
	require.True(t, out.Changed)
	require.Equal(t, `// @sprout-marker:imports:start
import React, { useState, useEffect } from 'react';
import Foo, { Helper } from 'foo';
import * as Bar from 'bar';
// @sprout-op:x.cap/imports/import order=0
import { Baz } from 'bar';
// @sprout-marker:imports:end
`, string(out.Content))
	require.Equal(t, []string{"react#default:React", "react#useEffect", "foo#Helper", "bar#Baz"}, out.Symbols)
}

func TestImportsFollowExistingQuoteStyle(t *testing.T) {
	src := "// @sprout-marker:imports:start\nimport a from \"a\"\n// @sprout-marker:imports:end\n"
	out, err := NewJavaScriptInjector().Inject([]byte(src), Request{
		Path:         "index.js",
		ID:           "x.cap/imports/import",
		Namespace:    "sprout",
		Marker:       marker.Imports,
		Contribution: Import{Specs: []ImportSpec{{Symbol: "b", Module: "b"}}},
	})
	require.NoError(t, err)
	require.Contains(t, string(out.Content), "import a from \"a\"\n// @sprout-op:x.cap/imports/import order=0\nimport { b } from \"b\"\n")
}

func TestTypeOnlyImportDoesNotSatisfyValueImport(t *testing.T) {
	src := "// @sprout-marker:imports:start\nimport type { Theme } from 'theme';\n// @sprout-marker:imports:end\n"
	out, err := NewTypeScriptInjector().Inject([]byte(src), Request{
		Path:         "index.ts",
		ID:           "x.cap/imports/import",
		Namespace:    "sprout",
		Marker:       marker.Imports,
		Contribution: Import{Specs: []ImportSpec{{Symbol: "Theme", Module: "theme"}}},
	})
	require.NoError(t, err)
	require.Contains(t, string(out.Content), "import type { Theme } from 'theme';\nimport { Theme } from 'theme';\n")
}

func TestConflictingDefaultImportFails(t *testing.T) {
	src := "// @sprout-marker:imports:start\nimport Foo from 'foo';\n// @sprout-marker:imports:end\n"
	_, err := NewTypeScriptInjector().Inject([]byte(src), Request{
		Path:         "index.ts",
		ID:           "x.cap/imports/import",
		Namespace:    "sprout",
		Marker:       marker.Imports,
		Contribution: Import{Specs: []ImportSpec{{Symbol: "Other", Module: "foo", Default: true}}},
	})
	require.ErrorContains(t, err, "already default-imported as Foo")
}

func TestRetractImportsRerendersTouchedDeclarations(t *testing.T) {
	src := "import React, { useState, useEffect } from 'react';\nimport { only } from 'only';\nconst x = 1;\n"
	out, removed, err := NewTypeScriptInjector().RetractImports([]byte(src), []ImportSpec{
		{Symbol: "useEffect", Module: "react"},
		{Symbol: "only", Module: "only"},
		{Symbol: "absent", Module: "react"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"react#useEffect", "only#only"}, removed)
	require.Equal(t, "import React, { useState } from 'react';\nconst x = 1;\n", string(out))
}

func TestRegistryRoutesByExtension(t *testing.T) {
	r := NewDefaultRegistry()

	inj, ok := r.ForFile("packages/composition/src/AppProviders.tsx")
	require.True(t, ok)
	require.Equal(t, "tsx", inj.Language())

	inj, ok = r.ForFile("screens/Home.JSX")
	require.True(t, ok)
	require.Equal(t, "javascript", inj.Language())

	_, ok = r.ForFile("android/app/build.gradle")
	require.False(t, ok)
	require.Contains(t, r.SupportedExtensions(), ".ts")
}

func TestHasSyntaxErrors(t *testing.T) {
	broken, err := NewTSXInjector().HasSyntaxErrors([]byte("const a = <View>;\n"))
	require.NoError(t, err)
	require.True(t, broken)

	broken, err = NewTSXInjector().HasSyntaxErrors([]byte("const a = <View />;\n"))
	require.NoError(t, err)
	require.False(t, broken)
}

func TestSortOperationsIsStable(t *testing.T) {
	ops := []Operation{
		{CapabilityID: "b", Order: 10, Contribution: Provider{Symbol: "B1"}},
		{CapabilityID: "a", Order: 20, Contribution: Provider{Symbol: "A"}},
		{CapabilityID: "b", Order: 10, Contribution: Provider{Symbol: "B2"}},
		{CapabilityID: "a", Order: 10, Contribution: Provider{Symbol: "A0"}},
	}
	sorted := SortOperations(ops)
	got := make([]string, 0, len(sorted))
	for _, op := range sorted {
		got = append(got, op.Contribution.(Provider).Symbol)
	}
	require.Equal(t, []string{"A0", "B1", "B2", "A"}, got)
	require.Equal(t, "b", ops[0].CapabilityID)
}

func TestAssignOrdinalsSeparatesRepeatedTriples(t *testing.T) {
	ops := AssignOrdinals([]Operation{
		{CapabilityID: "nav.tabs", Contribution: Registration{Call: CallRef{Symbol: "registerScreen", Args: []string{"'home'"}}}},
		{CapabilityID: "nav.tabs", Contribution: Registration{Call: CallRef{Symbol: "registerScreen", Args: []string{"'settings'"}}}},
		{CapabilityID: "nav.tabs", Contribution: Root{Symbol: "Tabs"}},
	})
	require.Equal(t, "nav.tabs/registrations/registration", ops[0].ID())
	require.Equal(t, "nav.tabs/registrations/registration#1", ops[1].ID())
	require.Equal(t, "nav.tabs/root/root", ops[2].ID())
}

func TestImportRefRoundTrip(t *testing.T) {
	for _, spec := range []ImportSpec{
		{Symbol: "X", Module: "@scope/pkg"},
		{Symbol: "React", Module: "react", Default: true},
	} {
		parsed, err := ParseImportRef(spec.Ref())
		require.NoError(t, err)
		require.Equal(t, spec, parsed)
	}
	_, err := ParseImportRef("no-symbol")
	require.Error(t, err)
}

func TestValidateContributions(t *testing.T) {
	require.NoError(t, Validate(Provider{Symbol: "Theme.Provider", Props: map[string]string{"value": "theme"}}))
	require.Error(t, Validate(Provider{Symbol: "not valid"}))
	require.Error(t, Validate(InitStep{}))
	require.Error(t, Validate(InitStep{Call: &CallRef{Symbol: "a"}, Raw: &RawStatement{Code: "b();"}}))
	require.Error(t, Validate(Import{}))
	require.Error(t, Validate(nil))
}
