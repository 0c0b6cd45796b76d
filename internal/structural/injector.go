package structural

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/sprout-dev/sprout/internal/marker"
)

// Request is one injection into one file.
type Request struct {
	Path         string
	ID           string
	Order        int
	Namespace    string
	Marker       marker.Type
	Contribution Contribution
}

// Outcome is what an injector produced. Content is only meaningful when
// Changed is set.
type Outcome struct {
	Content  []byte
	Changed  bool
	Snippet  []string // block lines written after the fingerprint, unindented
	Symbols  []string // import refs actually added
	Previous []string // region body replaced by a root contribution
	Message  string
}

// Injector is the syntax-tree backend. Everything language specific about
// composing a contribution lives behind it so the backend can be swapped
// without touching the pipeline or the ledger.
type Injector interface {
	// Language returns the backend name (e.g. "tsx").
	Language() string

	// Extensions returns the file extensions this backend handles.
	Extensions() []string

	// Inject composes req.Contribution into src.
	Inject(src []byte, req Request) (Outcome, error)

	// RetractImports removes specs from the import table of src and returns the
	// refs it removed.
	RetractImports(src []byte, specs []ImportSpec) ([]byte, []string, error)

	// HasSyntaxErrors parses src and reports whether the tree contains errors.
	HasSyntaxErrors(src []byte) (bool, error)
}

// Registry maps file extensions to injectors.
type Registry struct {
	injectors map[string]Injector
	extToLang map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		injectors: make(map[string]Injector),
		extToLang: make(map[string]string),
	}
}

// NewDefaultRegistry registers the tree-sitter backends for TSX, TypeScript and
// JavaScript.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewTSXInjector())
	r.Register(NewTypeScriptInjector())
	r.Register(NewJavaScriptInjector())
	return r
}

func (r *Registry) Register(inj Injector) {
	lang := inj.Language()
	r.injectors[lang] = inj
	for _, ext := range inj.Extensions() {
		r.extToLang[ext] = lang
	}
}

// ForFile returns the injector for a file's extension.
func (r *Registry) ForFile(path string) (Injector, bool) {
	lang, ok := r.extToLang[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return nil, false
	}
	inj, ok := r.injectors[lang]
	return inj, ok
}

func (r *Registry) SupportedExtensions() []string {
	exts := make([]string, 0, len(r.extToLang))
	for ext := range r.extToLang {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}
