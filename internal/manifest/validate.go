package manifest

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var schemaSource string

// ValidationError lists every problem found in a manifest.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid manifest: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid manifest (%d problems):\n  - %s", len(e.Problems), strings.Join(e.Problems, "\n  - "))
}

// loadSchema compiles the schema into a fresh context. cue values are not
// safe for concurrent use, so nothing is shared between calls.
func loadSchema() (*cue.Context, cue.Value, error) {
	ctx := cuecontext.New()
	value := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := value.Err(); err != nil {
		return nil, cue.Value{}, fmt.Errorf("compile manifest schema: %w", err)
	}
	def := value.LookupPath(cue.ParsePath("#Manifest"))
	if !def.Exists() {
		return nil, cue.Value{}, fmt.Errorf("manifest schema has no #Manifest definition")
	}
	return ctx, def, nil
}

// Validate runs the semantic checks and the schema check. The schema sees the
// exact JSON that Write would persist.
func (m *Manifest) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if m.SchemaVersion != SchemaVersion {
		add("schemaVersion %d is not supported (want %d)", m.SchemaVersion, SchemaVersion)
	}
	if m.UpdatedAt.Before(m.CreatedAt) {
		add("updatedAt precedes createdAt")
	}
	for _, id := range m.IDs() {
		installed := m.Capabilities[id]
		for _, dep := range installed.Depends {
			if !m.Has(dep) {
				add("%s depends on %s, which is not installed", id, dep)
			}
		}
		seen := make(map[string]bool)
		for _, w := range installed.Effects.Wiring {
			if seen[w.ID] {
				add("%s records operation %s twice", id, w.ID)
			}
			seen[w.ID] = true
			if !strings.HasPrefix(w.ID, id+"/") {
				add("%s records operation %s owned by another capability", id, w.ID)
			}
		}
	}
	for _, p := range m.Owned {
		if p != path.Clean(strings.TrimSuffix(p, "/"))+trailingSlash(p) {
			add("owned path %q is not clean", p)
		}
	}

	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	problems = append(problems, schemaProblems(data)...)

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func trailingSlash(p string) string {
	if strings.HasSuffix(p, "/") {
		return "/"
	}
	return ""
}

// ValidateJSON checks raw manifest bytes against the schema only.
func ValidateJSON(data []byte) error {
	if problems := schemaProblems(data); len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func schemaProblems(data []byte) []string {
	ctx, def, err := loadSchema()
	if err != nil {
		return []string{err.Error()}
	}
	value := ctx.CompileBytes(data, cue.Filename(FileName))
	if err := value.Err(); err != nil {
		return flatten(err)
	}
	if err := def.Unify(value).Validate(cue.Concrete(true)); err != nil {
		return flatten(err)
	}
	return nil
}

func flatten(err error) []string {
	var out []string
	for _, e := range cueerrors.Errors(err) {
		msg := e.Error()
		if p := e.Path(); len(p) > 0 {
			msg = strings.Join(p, ".") + ": " + msg
		}
		out = append(out, msg)
	}
	if len(out) == 0 {
		out = append(out, err.Error())
	}
	return out
}
