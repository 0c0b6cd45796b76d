package marker

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

var sentinelPattern = regexp.MustCompile(`^(\s*)(?://|#|<!--)\s*@([a-z0-9][a-z0-9-]*?)-marker:([a-z][a-z-]*):(start|end)\s*(?:-->)?\s*$`)

// Region is a well-formed start/end pair. Line numbers are zero based and
// point at the sentinel lines themselves.
type Region struct {
	Type      Type
	StartLine int
	EndLine   int
	Indent    string // indentation of the end sentinel
}

// Body returns the lines strictly between the sentinels.
func (r Region) Body(lines []string) []string {
	if r.EndLine <= r.StartLine+1 {
		return nil
	}
	return lines[r.StartLine+1 : r.EndLine]
}

// MissingError reports a marker type with no sentinel at all.
type MissingError struct {
	File      string
	Type      Type
	Namespace string
	Required  bool
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("marker %q not found in %s", Sentinel(e.Namespace, e.Type, Start), displayFile(e.File))
}

func (e *MissingError) Remediation() string {
	return remediation(e.File, e.Type, e.Namespace)
}

// MalformedError reports a sentinel pair that cannot be used.
type MalformedError struct {
	File      string
	Type      Type
	Namespace string
	Line      int // 1-based, 0 when unknown
	Reason    string
}

func (e *MalformedError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("malformed %s marker in %s:%d: %s", e.Type, displayFile(e.File), e.Line, e.Reason)
	}
	return fmt.Sprintf("malformed %s marker in %s: %s", e.Type, displayFile(e.File), e.Reason)
}

func (e *MalformedError) Remediation() string {
	return remediation(e.File, e.Type, e.Namespace)
}

// Remediation extracts the fix-it text from a marker error, if any.
func Remediation(err error) string {
	var r interface{ Remediation() string }
	if errors.As(err, &r) {
		return r.Remediation()
	}
	return ""
}

// IsMissing reports whether err is a MissingError.
func IsMissing(err error) bool {
	var missing *MissingError
	return errors.As(err, &missing)
}

func remediation(file string, t Type, namespace string) string {
	style := StyleFor(file)
	where := "where the contribution should be composed"
	if c, ok := Lookup(t); ok {
		where = "around the " + c.Description
	}
	return fmt.Sprintf(
		"add exactly one marker pair to %s, %s, with the start line before the end line:\n  %s\n  %s",
		displayFile(file),
		where,
		Render(namespace, t, Start, style),
		Render(namespace, t, End, style),
	)
}

func displayFile(file string) string {
	if file == "" {
		return "<input>"
	}
	return file
}

type sentinel struct {
	namespace string
	typ       string
	edge      Edge
	line      int
	indent    string
}

func parseSentinels(lines []string) []sentinel {
	out := make([]sentinel, 0)
	for i, line := range lines {
		if !strings.Contains(line, "-marker:") {
			continue
		}
		m := sentinelPattern.FindStringSubmatch(strings.TrimRight(line, "\r"))
		if m == nil {
			continue
		}
		out = append(out, sentinel{
			indent:    m[1],
			namespace: m[2],
			typ:       m[3],
			edge:      Edge(m[4]),
			line:      i,
		})
	}
	return out
}

// Find locates the region of type t in lines.
func Find(lines []string, file, namespace string, t Type) (Region, error) {
	var starts, ends []sentinel
	for _, s := range parseSentinels(lines) {
		if s.namespace != namespace || s.typ != string(t) {
			continue
		}
		if s.edge == Start {
			starts = append(starts, s)
		} else {
			ends = append(ends, s)
		}
	}

	malformed := func(line int, reason string) error {
		return &MalformedError{File: file, Type: t, Namespace: namespace, Line: line, Reason: reason}
	}

	switch {
	case len(starts) == 0 && len(ends) == 0:
		return Region{}, &MissingError{File: file, Type: t, Namespace: namespace, Required: t.Required()}
	case len(starts) > 1:
		return Region{}, malformed(starts[1].line+1, "duplicate start sentinel")
	case len(ends) > 1:
		return Region{}, malformed(ends[1].line+1, "duplicate end sentinel")
	case len(ends) == 0:
		return Region{}, malformed(starts[0].line+1, "start sentinel has no matching end")
	case len(starts) == 0:
		return Region{}, malformed(ends[0].line+1, "end sentinel has no matching start")
	case ends[0].line <= starts[0].line:
		return Region{}, malformed(ends[0].line+1, "end sentinel precedes start sentinel")
	}

	return Region{
		Type:      t,
		StartLine: starts[0].line,
		EndLine:   ends[0].line,
		Indent:    ends[0].indent,
	}, nil
}

// Validator checks marker regions for one namespace.
type Validator struct {
	Namespace string
}

func NewValidator(namespace string) *Validator {
	return &Validator{Namespace: namespace}
}

// Validate checks content for a well-formed region of type t.
func (v *Validator) Validate(content []byte, file string, t Type) (Region, error) {
	if !t.Valid() {
		return Region{}, fmt.Errorf("unknown marker type %q", t)
	}
	return Find(SplitLines(content), file, v.Namespace, t)
}

// ValidateFile reads path from disk and validates it.
func (v *Validator) ValidateFile(path string, t Type) (Region, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Region{}, err
	}
	return v.Validate(data, path, t)
}

// Scan validates every marker type that has at least one sentinel in content
// and reports sentinels carrying an unknown type.
func (v *Validator) Scan(content []byte, file string) ([]Region, []error) {
	lines := SplitLines(content)
	present := make(map[string]int)
	for _, s := range parseSentinels(lines) {
		if s.namespace != v.Namespace {
			continue
		}
		if _, ok := present[s.typ]; !ok {
			present[s.typ] = s.line
		}
	}

	types := make([]string, 0, len(present))
	for typ := range present {
		types = append(types, typ)
	}
	sort.Strings(types)

	regions := make([]Region, 0, len(types))
	var errs []error
	for _, typ := range types {
		t := Type(typ)
		if !t.Valid() {
			errs = append(errs, &MalformedError{File: file, Type: t, Namespace: v.Namespace, Line: present[typ] + 1, Reason: "unknown marker type"})
			continue
		}
		region, err := Find(lines, file, v.Namespace, t)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		regions = append(regions, region)
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i].StartLine < regions[j].StartLine })
	return regions, errs
}
