package structural

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"github.com/sprout-dev/sprout/internal/ledger"
	"github.com/sprout-dev/sprout/internal/marker"
)

// TreeSitterInjector composes contributions using a tree-sitter grammar.
type TreeSitterInjector struct {
	language   string
	extensions []string
	grammar    *sitter.Language
}

func NewTSXInjector() *TreeSitterInjector {
	return &TreeSitterInjector{language: "tsx", extensions: []string{".tsx"}, grammar: tsx.GetLanguage()}
}

func NewTypeScriptInjector() *TreeSitterInjector {
	return &TreeSitterInjector{language: "typescript", extensions: []string{".ts", ".mts", ".cts"}, grammar: typescript.GetLanguage()}
}

// NewJavaScriptInjector handles JavaScript including JSX.
func NewJavaScriptInjector() *TreeSitterInjector {
	return &TreeSitterInjector{language: "javascript", extensions: []string{".js", ".jsx", ".mjs", ".cjs"}, grammar: javascript.GetLanguage()}
}

func (t *TreeSitterInjector) Language() string {
	return t.language
}

func (t *TreeSitterInjector) Extensions() []string {
	return t.extensions
}

func (t *TreeSitterInjector) parse(src []byte) (*sitter.Tree, error) {
	p := sitter.NewParser()
	p.SetLanguage(t.grammar)
	return p.ParseCtx(context.Background(), nil, src)
}

func (t *TreeSitterInjector) HasSyntaxErrors(src []byte) (bool, error) {
	tree, err := t.parse(src)
	if err != nil {
		return false, err
	}
	defer tree.Close()
	return tree.RootNode().HasError(), nil
}

func (t *TreeSitterInjector) Inject(src []byte, req Request) (Outcome, error) {
	if err := Validate(req.Contribution); err != nil {
		return Outcome{}, err
	}

	var (
		out Outcome
		err error
	)
	switch c := req.Contribution.(type) {
	case Import:
		out, err = t.injectImports(src, req, c)
	case Root:
		out, err = t.injectRoot(src, req)
	case Provider, InitStep, Registration:
		out, err = t.injectBlock(src, req)
	default:
		return Outcome{}, fmt.Errorf("unknown contribution kind %q", req.Contribution.Kind())
	}
	if err != nil || !out.Changed {
		return out, err
	}
	if err := t.verify(src, out.Content, req.Path); err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// verify rejects output that introduces syntax errors into a clean file.
func (t *TreeSitterInjector) verify(before, after []byte, path string) error {
	broken, err := t.HasSyntaxErrors(after)
	if err != nil {
		return fmt.Errorf("failed to re-parse %s: %w", path, err)
	}
	if !broken {
		return nil
	}
	wasBroken, err := t.HasSyntaxErrors(before)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if wasBroken {
		return nil
	}
	return fmt.Errorf("injected output for %s does not parse as %s", path, t.language)
}

func (t *TreeSitterInjector) injectBlock(src []byte, req Request) (Outcome, error) {
	lines := marker.SplitLines(src)
	region, err := marker.Find(lines, req.Path, req.Namespace, req.Marker)
	if err != nil {
		return Outcome{}, err
	}
	l := ledger.New(req.Namespace)
	if l.Has(region.Body(lines), req.ID) {
		return Outcome{Message: "fingerprint present"}, nil
	}

	if call := callOf(req.Contribution); call != nil {
		present, err := t.hasCall(src, region, *call)
		if err != nil {
			return Outcome{}, err
		}
		if present {
			lines, _ = l.WriteRecord(lines, req.Path, region, req.ID, req.Order)
			return Outcome{
				Content: marker.JoinLines(lines),
				Changed: true,
				Message: fmt.Sprintf("%s already called; fingerprint recorded", call.Symbol),
			}, nil
		}
	}

	block := Block(req.Contribution)
	at := l.InsertionIndex(lines, region, req.ID, req.Order)
	insert := make([]string, 0, len(block)+1)
	insert = append(insert, l.RecordLine(req.Path, req.ID, req.Order, region.Indent))
	insert = append(insert, marker.Indent(strings.Join(block, "\n"), region.Indent)...)
	lines = marker.Splice(lines, at, at, insert...)

	return Outcome{Content: marker.JoinLines(lines), Changed: true, Snippet: block}, nil
}

func callOf(c Contribution) *CallRef {
	switch v := c.(type) {
	case InitStep:
		return v.Call
	case Registration:
		return &v.Call
	}
	return nil
}

// hasCall reports whether region already holds a call expression equal to call,
// ignoring whitespace.
func (t *TreeSitterInjector) hasCall(src []byte, region marker.Region, call CallRef) (bool, error) {
	tree, err := t.parse(src)
	if err != nil {
		return false, err
	}
	defer tree.Close()

	want := compact(call.Render())
	found := false
	walk(tree.RootNode(), func(n *sitter.Node) bool {
		if found {
			return false
		}
		row := int(n.StartPoint().Row)
		if int(n.EndPoint().Row) < region.StartLine || row > region.EndLine {
			return false
		}
		if n.Type() == "call_expression" && row > region.StartLine && row < region.EndLine {
			if compact(n.Content(src)) == want {
				found = true
				return false
			}
		}
		return true
	})
	return found, nil
}

func (t *TreeSitterInjector) injectRoot(src []byte, req Request) (Outcome, error) {
	lines := marker.SplitLines(src)
	region, err := marker.Find(lines, req.Path, req.Namespace, req.Marker)
	if err != nil {
		return Outcome{}, err
	}
	l := ledger.New(req.Namespace)
	body := region.Body(lines)
	if l.Has(body, req.ID) {
		return Outcome{Message: "fingerprint present"}, nil
	}

	previous := make([]string, 0, len(body))
	for _, line := range body {
		previous = append(previous, strings.TrimPrefix(line, region.Indent))
	}

	block := Block(req.Contribution)
	repl := make([]string, 0, len(block)+1)
	repl = append(repl, l.RecordLine(req.Path, req.ID, req.Order, region.Indent))
	repl = append(repl, marker.Indent(strings.Join(block, "\n"), region.Indent)...)
	lines = marker.Splice(lines, region.StartLine+1, region.EndLine, repl...)

	return Outcome{
		Content:  marker.JoinLines(lines),
		Changed:  true,
		Snippet:  block,
		Previous: previous,
	}, nil
}

func walk(n *sitter.Node, visit func(*sitter.Node) bool) {
	if n == nil || !visit(n) {
		return
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		walk(n.NamedChild(i), visit)
	}
}

func compact(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
