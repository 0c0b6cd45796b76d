package structural

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/sprout-dev/sprout/internal/ledger"
	"github.com/sprout-dev/sprout/internal/marker"
)

type importSpecifier struct {
	name     string
	alias    string
	typeOnly bool
}

func (s importSpecifier) render() string {
	out := s.name
	if s.alias != "" && s.alias != s.name {
		out += " as " + s.alias
	}
	if s.typeOnly {
		out = "type " + out
	}
	return out
}

// importDecl is one top-level import statement with the byte offsets needed to
// merge symbols into it.
type importDecl struct {
	module      string
	quote       byte
	semicolon   bool
	typeOnly    bool
	defaultName string
	namespace   string
	named       []importSpecifier
	hasNamed    bool

	start       uint32
	end         uint32
	clauseStart uint32
	hasClause   bool
	defaultEnd  uint32
	namedOpen   uint32
	lastSpecEnd uint32
}

func (d importDecl) render() string {
	parts := make([]string, 0, 2)
	if d.defaultName != "" {
		parts = append(parts, d.defaultName)
	}
	if d.namespace != "" {
		parts = append(parts, d.namespace)
	}
	if len(d.named) > 0 {
		names := make([]string, 0, len(d.named))
		for _, s := range d.named {
			names = append(names, s.render())
		}
		parts = append(parts, "{ "+strings.Join(names, ", ")+" }")
	}
	prefix := "import "
	if d.typeOnly {
		prefix = "import type "
	}
	out := prefix + strings.Join(parts, ", ") + " from " + string(d.quote) + d.module + string(d.quote)
	if d.semicolon {
		out += ";"
	}
	return out
}

func (d importDecl) provides(spec ImportSpec) bool {
	if d.typeOnly || d.module != spec.Module {
		return false
	}
	if spec.Default {
		return d.defaultName == spec.Symbol
	}
	for _, s := range d.named {
		if !s.typeOnly && s.name == spec.Symbol && (s.alias == "" || s.alias == spec.Symbol) {
			return true
		}
	}
	return false
}

// mergeable reports whether symbols can be added to d in place.
func (d importDecl) mergeable() bool {
	return d.hasClause && !d.typeOnly && d.namespace == ""
}

func (t *TreeSitterInjector) importTable(src []byte) ([]importDecl, error) {
	tree, err := t.parse(src)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	root := tree.RootNode()
	decls := make([]importDecl, 0)
	for i := 0; i < int(root.NamedChildCount()); i++ {
		node := root.NamedChild(i)
		if node.Type() != "import_statement" {
			continue
		}
		if d, ok := parseImportStatement(node, src); ok {
			decls = append(decls, d)
		}
	}
	return decls, nil
}

func parseImportStatement(node *sitter.Node, src []byte) (importDecl, bool) {
	d := importDecl{start: node.StartByte(), end: node.EndByte(), quote: '\''}
	found := false
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		switch child.Type() {
		case "type", "typeof":
			d.typeOnly = true
		case "import_clause":
			d.hasClause = true
			d.clauseStart = child.StartByte()
			parseImportClause(child, src, &d)
		case "string":
			raw := child.Content(src)
			if len(raw) >= 2 {
				d.quote = raw[0]
				d.module = raw[1 : len(raw)-1]
				found = true
			}
		case ";":
			d.semicolon = true
		}
	}
	return d, found
}

func parseImportClause(clause *sitter.Node, src []byte, d *importDecl) {
	for i := 0; i < int(clause.NamedChildCount()); i++ {
		child := clause.NamedChild(i)
		switch child.Type() {
		case "identifier":
			d.defaultName = child.Content(src)
			d.defaultEnd = child.EndByte()
		case "namespace_import":
			d.namespace = child.Content(src)
		case "named_imports":
			d.hasNamed = true
			d.namedOpen = child.StartByte() + 1
			for j := 0; j < int(child.NamedChildCount()); j++ {
				spec := child.NamedChild(j)
				if spec.Type() != "import_specifier" {
					continue
				}
				s := importSpecifier{}
				if name := spec.ChildByFieldName("name"); name != nil {
					s.name = name.Content(src)
				}
				if alias := spec.ChildByFieldName("alias"); alias != nil {
					s.alias = alias.Content(src)
				}
				for k := 0; k < int(spec.ChildCount()); k++ {
					if tok := spec.Child(k).Type(); tok == "type" || tok == "typeof" {
						s.typeOnly = true
					}
				}
				d.named = append(d.named, s)
				d.lastSpecEnd = spec.EndByte()
			}
		}
	}
}

type edit struct {
	at   uint32
	end  uint32
	text string
}

func applyEdits(src []byte, edits []edit) []byte {
	sort.SliceStable(edits, func(i, j int) bool { return edits[i].at > edits[j].at })
	out := bytes.Clone(src)
	for _, e := range edits {
		end := e.end
		if end < e.at {
			end = e.at
		}
		next := make([]byte, 0, len(out)+len(e.text))
		next = append(next, out[:e.at]...)
		next = append(next, e.text...)
		next = append(next, out[end:]...)
		out = next
	}
	return out
}

func (t *TreeSitterInjector) injectImports(src []byte, req Request, c Import) (Outcome, error) {
	decls, err := t.importTable(src)
	if err != nil {
		return Outcome{}, err
	}

	missing := make([]ImportSpec, 0, len(c.Specs))
	seen := make(map[string]bool, len(c.Specs))
	for _, spec := range c.Specs {
		if seen[spec.Ref()] {
			continue
		}
		seen[spec.Ref()] = true
		if !satisfied(decls, spec) {
			missing = append(missing, spec)
		}
	}

	l := ledger.New(req.Namespace)
	recorded := l.HasRecord(src, req.ID)
	if len(missing) == 0 && recorded {
		return Outcome{Message: "fingerprint present"}, nil
	}

	content := src
	var fresh []string
	if len(missing) > 0 {
		edits, rendered, err := planImportEdits(decls, missing)
		if err != nil {
			return Outcome{}, err
		}
		content = applyEdits(src, edits)
		fresh = rendered
	}

	// Merges stay on their line; fresh declarations follow their own record so
	// placement depends on (order, id) only.
	lines := marker.SplitLines(content)
	message := ""
	if !recorded {
		region, err := marker.Find(lines, req.Path, req.Namespace, req.Marker)
		if err != nil {
			return Outcome{}, err
		}
		at := l.InsertionIndex(lines, region, req.ID, req.Order)
		insert := make([]string, 0, len(fresh)+1)
		insert = append(insert, l.RecordLine(req.Path, req.ID, req.Order, region.Indent))
		insert = append(insert, fresh...)
		lines = marker.Splice(lines, at, at, insert...)
		if len(missing) == 0 {
			message = "all symbols already imported; fingerprint recorded"
		}
	} else {
		rec, _ := l.Find(lines, req.ID)
		lines = marker.Splice(lines, rec.Line+1, rec.Line+1, fresh...)
		message = "restored missing import symbols"
	}
	content = marker.JoinLines(lines)

	symbols := make([]string, 0, len(missing))
	for _, spec := range missing {
		symbols = append(symbols, spec.Ref())
	}
	return Outcome{Content: content, Changed: true, Symbols: symbols, Message: message}, nil
}

func satisfied(decls []importDecl, spec ImportSpec) bool {
	for _, d := range decls {
		if d.provides(spec) {
			return true
		}
	}
	return false
}

// planImportEdits merges missing symbols into existing declarations of their
// module and renders new declarations for the rest.
func planImportEdits(decls []importDecl, missing []ImportSpec) ([]edit, []string, error) {
	modules := make([]string, 0)
	byModule := make(map[string][]ImportSpec)
	for _, spec := range missing {
		if _, ok := byModule[spec.Module]; !ok {
			modules = append(modules, spec.Module)
		}
		byModule[spec.Module] = append(byModule[spec.Module], spec)
	}

	quote, semicolon := importStyle(decls)
	edits := make([]edit, 0, len(modules))
	fresh := make([]string, 0)

	for _, module := range modules {
		specs := byModule[module]
		defaultName := ""
		named := make([]string, 0, len(specs))
		for _, spec := range specs {
			if !spec.Default {
				named = append(named, spec.Symbol)
				continue
			}
			if defaultName != "" && defaultName != spec.Symbol {
				return nil, nil, fmt.Errorf("conflicting default imports %s and %s from %q", defaultName, spec.Symbol, module)
			}
			defaultName = spec.Symbol
		}

		target := mergeTarget(decls, module)
		if target != nil && defaultName != "" && target.defaultName != "" {
			return nil, nil, fmt.Errorf("module %q is already default-imported as %s", module, target.defaultName)
		}

		if target != nil {
			if defaultName != "" {
				edits = append(edits, edit{at: target.clauseStart, text: defaultName + ", "})
				defaultName = ""
			}
			if len(named) > 0 {
				switch {
				case target.hasNamed && target.lastSpecEnd > 0:
					edits = append(edits, edit{at: target.lastSpecEnd, text: ", " + strings.Join(named, ", ")})
					named = nil
				case target.hasNamed:
					edits = append(edits, edit{at: target.namedOpen, text: " " + strings.Join(named, ", ") + " "})
					named = nil
				case target.defaultName != "":
					edits = append(edits, edit{at: target.defaultEnd, text: ", { " + strings.Join(named, ", ") + " }"})
					named = nil
				}
			}
		}

		if defaultName == "" && len(named) == 0 {
			continue
		}
		d := importDecl{module: module, quote: quote, semicolon: semicolon, defaultName: defaultName}
		for _, name := range named {
			d.named = append(d.named, importSpecifier{name: name})
		}
		fresh = append(fresh, d.render())
	}

	return edits, fresh, nil
}

func mergeTarget(decls []importDecl, module string) *importDecl {
	for i := range decls {
		if decls[i].module == module && decls[i].mergeable() {
			return &decls[i]
		}
	}
	return nil
}

func importStyle(decls []importDecl) (byte, bool) {
	if len(decls) == 0 {
		return '\'', true
	}
	last := decls[len(decls)-1]
	return last.quote, last.semicolon
}

func lineAfter(src []byte, at uint32) uint32 {
	idx := bytes.IndexByte(src[at:], '\n')
	if idx < 0 {
		return uint32(len(src))
	}
	return at + uint32(idx) + 1
}

func lineStart(src []byte, at uint32) uint32 {
	idx := bytes.LastIndexByte(src[:at], '\n')
	return uint32(idx + 1)
}

// RetractImports removes specs from the declarations that provide them. A
// declaration left with no bindings is deleted along with its line.
func (t *TreeSitterInjector) RetractImports(src []byte, specs []ImportSpec) ([]byte, []string, error) {
	if len(specs) == 0 {
		return src, nil, nil
	}
	decls, err := t.importTable(src)
	if err != nil {
		return nil, nil, err
	}

	removed := make([]string, 0, len(specs))
	edits := make([]edit, 0)
	for _, d := range decls {
		changed := false
		for _, spec := range specs {
			if !d.provides(spec) {
				continue
			}
			if spec.Default {
				d.defaultName = ""
			} else {
				kept := d.named[:0:0]
				for _, s := range d.named {
					if s.name == spec.Symbol && (s.alias == "" || s.alias == spec.Symbol) && !s.typeOnly {
						continue
					}
					kept = append(kept, s)
				}
				d.named = kept
			}
			removed = append(removed, spec.Ref())
			changed = true
		}
		if !changed {
			continue
		}
		if d.defaultName == "" && d.namespace == "" && len(d.named) == 0 {
			edits = append(edits, edit{at: lineStart(src, d.start), end: lineAfter(src, d.end)})
			continue
		}
		edits = append(edits, edit{at: d.start, end: d.end, text: d.render()})
	}
	if len(edits) == 0 {
		return src, nil, nil
	}

	out := applyEdits(src, edits)
	if err := t.verify(src, out, "import table"); err != nil {
		return nil, nil, err
	}
	return out, removed, nil
}
