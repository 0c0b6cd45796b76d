package zone

import "testing"

func TestMatcher_OwnershipPatterns(t *testing.T) {
	m := NewMatcher([]string{
		"android/**",
		"!android/app/build/**",
		"app.json",
		"ios/*/Info.plist",
	})

	cases := []struct {
		path    string
		isDir   bool
		matched bool
	}{
		{path: "android/app/src/main/AndroidManifest.xml", matched: true},
		{path: "android/app/build/generated/R.java", matched: false},
		{path: "app.json", matched: true},
		{path: "ios/Demo/Info.plist", matched: true},
		{path: "ios/Demo/AppDelegate.mm", matched: false},
		{path: "src/App.tsx", matched: false},
	}

	for _, tc := range cases {
		got := m.Matches(tc.path, tc.isDir)
		if got != tc.matched {
			t.Fatalf("path %s: expected matched=%v, got %v", tc.path, tc.matched, got)
		}
	}
}

func TestMatcher_NegatedDirectoryRule(t *testing.T) {
	m := NewMatcher([]string{
		"build/",
		"!build/include/",
	})

	if !m.Matches("build/out/file.go", false) {
		t.Fatalf("expected build/out/file.go to match")
	}
	if m.Matches("build/include/file.go", false) {
		t.Fatalf("expected build/include/file.go to be excluded")
	}
}

func TestNilMatcherMatchesNothing(t *testing.T) {
	var m *Matcher
	if m.Matches("anything", false) {
		t.Fatalf("nil matcher must not match")
	}
}
