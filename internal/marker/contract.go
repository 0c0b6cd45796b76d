// Package marker defines the marker contract: the fixed set of region types the
// engine writes into, their sentinel comment format, and the validator every
// patcher consults before touching a file.
package marker

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Type tags a marker region.
type Type string

const (
	Imports       Type = "imports"
	Providers     Type = "providers"
	InitSteps     Type = "init-steps"
	Root          Type = "root"
	Registrations Type = "registrations"
)

// Edge is the lifecycle tag of a sentinel line.
type Edge string

const (
	Start Edge = "start"
	End   Edge = "end"
)

// Contract describes where a marker type lives and whether installs may proceed without it.
type Contract struct {
	Type        Type
	DefaultFile string // relative to the composition package
	Description string
	Required    bool
}

var contracts = []Contract{
	{Type: Imports, DefaultFile: "src/AppProviders.tsx", Description: "import declarations ledger for composed modules", Required: true},
	{Type: Providers, DefaultFile: "src/AppProviders.tsx", Description: "provider wrappers composed around the app tree", Required: true},
	{Type: InitSteps, DefaultFile: "src/bootstrap.ts", Description: "boot-time initialization calls", Required: false},
	{Type: Registrations, DefaultFile: "src/bootstrap.ts", Description: "registration calls (screens, handlers, tasks)", Required: false},
	{Type: Root, DefaultFile: "src/AppRoot.tsx", Description: "the component mounted as application root", Required: false},
}

// Contracts returns the marker contract table in canonical order.
func Contracts() []Contract {
	out := make([]Contract, len(contracts))
	copy(out, contracts)
	return out
}

func Lookup(t Type) (Contract, bool) {
	for _, c := range contracts {
		if c.Type == t {
			return c, true
		}
	}
	return Contract{}, false
}

func ParseType(raw string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := Lookup(t); !ok {
		return "", fmt.Errorf("unknown marker type %q (supported: imports, providers, init-steps, registrations, root)", raw)
	}
	return t, nil
}

func (t Type) Valid() bool {
	_, ok := Lookup(t)
	return ok
}

func (t Type) Required() bool {
	c, ok := Lookup(t)
	return ok && c.Required
}

// CommentStyle wraps a sentinel body in the host file's line comment syntax.
type CommentStyle struct {
	Open  string
	Close string
}

var (
	SlashComment = CommentStyle{Open: "//"}
	HashComment  = CommentStyle{Open: "#"}
	XMLComment   = CommentStyle{Open: "<!--", Close: "-->"}
)

// StyleFor picks the comment style from a file extension.
func StyleFor(path string) CommentStyle {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".properties", ".rb", ".sh", ".env", ".toml", ".podspec":
		return HashComment
	case ".xml", ".html", ".md", ".plist":
		return XMLComment
	}
	if filepath.Base(path) == "Podfile" || filepath.Base(path) == "Gemfile" {
		return HashComment
	}
	return SlashComment
}

// Line renders body as a single comment line.
func (s CommentStyle) Line(body string) string {
	if s.Close != "" {
		return s.Open + " " + body + " " + s.Close
	}
	return s.Open + " " + body
}

// Sentinel returns the comment body of a marker line, e.g. "@sprout-marker:providers:start".
func Sentinel(namespace string, t Type, edge Edge) string {
	return fmt.Sprintf("@%s-marker:%s:%s", namespace, t, edge)
}

// Render returns a full sentinel line for the given file's comment style.
func Render(namespace string, t Type, edge Edge, style CommentStyle) string {
	return style.Line(Sentinel(namespace, t, edge))
}
