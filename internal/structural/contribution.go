// Package structural injects typed contributions into marker regions of
// TypeScript and JavaScript sources using a syntax tree, so injected imports,
// wrapper elements and calls stay valid and mergeable with existing code.
package structural

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sprout-dev/sprout/internal/marker"
)

// Kind names a contribution variant.
type Kind string

const (
	KindImport       Kind = "import"
	KindProvider     Kind = "provider"
	KindInitStep     Kind = "init-step"
	KindRegistration Kind = "registration"
	KindRoot         Kind = "root"
)

// Contribution is the tagged union of payloads a capability can wire in.
type Contribution interface {
	Kind() Kind
	// Marker is the region type the contribution targets by default.
	Marker() marker.Type
}

// ImportSpec is one {symbol, originating module} pair.
type ImportSpec struct {
	Symbol  string `yaml:"symbol" json:"symbol"`
	Module  string `yaml:"from" json:"from"`
	Default bool   `yaml:"default,omitempty" json:"default,omitempty"`
}

// Ref encodes the spec as "<module>#<symbol>", with a "default:" prefix on the
// symbol for default imports.
func (s ImportSpec) Ref() string {
	if s.Default {
		return s.Module + "#default:" + s.Symbol
	}
	return s.Module + "#" + s.Symbol
}

// ParseImportRef is the inverse of ImportSpec.Ref.
func ParseImportRef(ref string) (ImportSpec, error) {
	idx := strings.LastIndex(ref, "#")
	if idx <= 0 || idx == len(ref)-1 {
		return ImportSpec{}, fmt.Errorf("invalid import reference %q", ref)
	}
	spec := ImportSpec{Module: ref[:idx], Symbol: ref[idx+1:]}
	if rest, ok := strings.CutPrefix(spec.Symbol, "default:"); ok {
		spec.Symbol = rest
		spec.Default = true
	}
	return spec, nil
}

// Import is an ordered set of symbols to bring into scope.
type Import struct {
	Specs []ImportSpec
}

func (Import) Kind() Kind          { return KindImport }
func (Import) Marker() marker.Type { return marker.Imports }

// Provider wraps the composed tree in <Symbol ...props>.
type Provider struct {
	Symbol string
	Props  map[string]string
}

func (Provider) Kind() Kind          { return KindProvider }
func (Provider) Marker() marker.Type { return marker.Providers }

// CallRef is a call of a named symbol with literal argument expressions.
type CallRef struct {
	Symbol string   `yaml:"symbol" json:"symbol"`
	Args   []string `yaml:"args,omitempty" json:"args,omitempty"`
}

func (c CallRef) Render() string {
	return c.Symbol + "(" + strings.Join(c.Args, ", ") + ")"
}

// RawStatement is verbatim source. It is the unstructured variant: no syntax
// level dedup is possible, so replays are guarded by the ledger alone.
type RawStatement struct {
	Code string
}

// InitStep is a boot-time call. Exactly one of Call or Raw is set.
type InitStep struct {
	Call *CallRef
	Raw  *RawStatement
}

func (InitStep) Kind() Kind          { return KindInitStep }
func (InitStep) Marker() marker.Type { return marker.InitSteps }

// Registration is a registration call (screens, handlers, tasks).
type Registration struct {
	Call CallRef
}

func (Registration) Kind() Kind          { return KindRegistration }
func (Registration) Marker() marker.Type { return marker.Registrations }

// Root swaps the component mounted as application root.
type Root struct {
	Symbol string
}

func (Root) Kind() Kind          { return KindRoot }
func (Root) Marker() marker.Type { return marker.Root }

// Unknown carries a contribution kind no injector understands. Applying it
// always fails the operation.
type Unknown struct {
	Name string
}

func (u Unknown) Kind() Kind        { return Kind(u.Name) }
func (Unknown) Marker() marker.Type { return "" }

// Validate checks the fields a contribution needs before it can be rendered.
func Validate(c Contribution) error {
	switch v := c.(type) {
	case nil:
		return fmt.Errorf("missing contribution")
	case Import:
		if len(v.Specs) == 0 {
			return fmt.Errorf("import contribution has no symbols")
		}
		for _, spec := range v.Specs {
			if !isIdentifier(spec.Symbol) || strings.TrimSpace(spec.Module) == "" {
				return fmt.Errorf("invalid import %q from %q", spec.Symbol, spec.Module)
			}
		}
	case Provider:
		if !isJSXName(v.Symbol) {
			return fmt.Errorf("invalid provider symbol %q", v.Symbol)
		}
		for key := range v.Props {
			if !isIdentifier(key) {
				return fmt.Errorf("invalid prop name %q on %s", key, v.Symbol)
			}
		}
	case InitStep:
		switch {
		case v.Call != nil && v.Raw != nil:
			return fmt.Errorf("init-step sets both call and raw")
		case v.Call != nil:
			return validateCall(*v.Call)
		case v.Raw != nil:
			if strings.TrimSpace(v.Raw.Code) == "" {
				return fmt.Errorf("raw init-step is empty")
			}
		default:
			return fmt.Errorf("init-step sets neither call nor raw")
		}
	case Registration:
		return validateCall(v.Call)
	case Root:
		if !isJSXName(v.Symbol) {
			return fmt.Errorf("invalid root symbol %q", v.Symbol)
		}
	case Unknown:
		return fmt.Errorf("unknown contribution kind %q", v.Name)
	default:
		return fmt.Errorf("unknown contribution kind %q", c.Kind())
	}
	return nil
}

func validateCall(c CallRef) error {
	for _, part := range strings.Split(c.Symbol, ".") {
		if !isIdentifier(part) {
			return fmt.Errorf("invalid call symbol %q", c.Symbol)
		}
	}
	return nil
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || r == '$':
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

func isJSXName(s string) bool {
	for _, part := range strings.Split(s, ".") {
		if !isIdentifier(part) {
			return false
		}
	}
	return s != ""
}

// renderProps returns props as sorted JSX attributes. Values that are already
// quoted or braced are kept verbatim; anything else becomes an expression.
func renderProps(props map[string]string) string {
	if len(props) == 0 {
		return ""
	}
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		v := strings.TrimSpace(props[k])
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=")
		switch {
		case strings.HasPrefix(v, `"`), strings.HasPrefix(v, "'"), strings.HasPrefix(v, "{"):
			b.WriteString(v)
		default:
			b.WriteString("{" + v + "}")
		}
	}
	return b.String()
}

// Block renders the statement lines a contribution adds to its region, without
// indentation. Import contributions have no block; they edit the import table.
func Block(c Contribution) []string {
	switch v := c.(type) {
	case Provider:
		return []string{fmt.Sprintf("tree = <%s%s>{tree}</%s>;", v.Symbol, renderProps(v.Props), v.Symbol)}
	case InitStep:
		if v.Call != nil {
			return []string{v.Call.Render() + ";"}
		}
		if v.Raw != nil {
			return trimmedLines(v.Raw.Code)
		}
	case Registration:
		return []string{v.Call.Render() + ";"}
	case Root:
		return []string{fmt.Sprintf("return <%s />;", v.Symbol)}
	}
	return nil
}

func trimmedLines(code string) []string {
	raw := strings.Split(strings.TrimSpace(code), "\n")
	out := make([]string, 0, len(raw))
	for _, line := range raw {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
