package workspace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// PackageJSON is an order-preserving view of a package.json document. Keys
// the engine never touches round-trip byte-for-byte modulo indentation.
type PackageJSON struct {
	fields *orderedmap.OrderedMap[string, json.RawMessage]
}

func ParsePackageJSON(data []byte) (*PackageJSON, error) {
	fields := orderedmap.New[string, json.RawMessage]()
	if err := json.Unmarshal(data, fields); err != nil {
		return nil, fmt.Errorf("invalid package.json: %w", err)
	}
	return &PackageJSON{fields: fields}, nil
}

func (p *PackageJSON) Name() string {
	var name string
	if raw, ok := p.fields.Get("name"); ok {
		_ = json.Unmarshal(raw, &name)
	}
	return name
}

// Deps returns a dependency section ("dependencies", "devDependencies", ...).
// A missing section yields an empty map.
func (p *PackageJSON) Deps(section string) (*orderedmap.OrderedMap[string, string], error) {
	deps := orderedmap.New[string, string]()
	raw, ok := p.fields.Get(section)
	if !ok {
		return deps, nil
	}
	if err := json.Unmarshal(raw, deps); err != nil {
		return nil, fmt.Errorf("package.json %s: %w", section, err)
	}
	return deps, nil
}

func (p *PackageJSON) setDeps(section string, deps *orderedmap.OrderedMap[string, string]) error {
	if deps.Len() == 0 {
		p.fields.Delete(section)
		return nil
	}
	raw, err := encodeOrdered(deps)
	if err != nil {
		return err
	}
	p.fields.Set(section, raw)
	return nil
}

// SetDep sets name to version in section. Sorted sections stay sorted.
func (p *PackageJSON) SetDep(section, name, version string) (bool, error) {
	deps, err := p.Deps(section)
	if err != nil {
		return false, err
	}
	if current, ok := deps.Get(name); ok && current == version {
		return false, nil
	}
	wasSorted := keysSorted(deps)
	deps.Set(name, version)
	if wasSorted {
		deps = sortedCopy(deps)
	}
	return true, p.setDeps(section, deps)
}

func (p *PackageJSON) RemoveDep(section, name string) (bool, error) {
	deps, err := p.Deps(section)
	if err != nil {
		return false, err
	}
	if _, ok := deps.Delete(name); !ok {
		return false, nil
	}
	return true, p.setDeps(section, deps)
}

// Workspaces returns the workspace globs, accepting both the array form and
// the yarn {packages: [...]} object form.
func (p *PackageJSON) Workspaces() ([]string, error) {
	raw, ok := p.fields.Get("workspaces")
	if !ok {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var obj struct {
		Packages []string `json:"packages"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("package.json workspaces: %w", err)
	}
	return obj.Packages, nil
}

func (p *PackageJSON) setWorkspaces(list []string) error {
	raw, ok := p.fields.Get("workspaces")
	if ok && bytes.HasPrefix(bytes.TrimSpace(raw), []byte("{")) {
		obj := orderedmap.New[string, json.RawMessage]()
		if err := json.Unmarshal(raw, obj); err != nil {
			return err
		}
		packages, err := marshalNoEscape(list)
		if err != nil {
			return err
		}
		obj.Set("packages", packages)
		encoded, err := encodeOrdered(obj)
		if err != nil {
			return err
		}
		p.fields.Set("workspaces", encoded)
		return nil
	}
	encoded, err := marshalNoEscape(list)
	if err != nil {
		return err
	}
	p.fields.Set("workspaces", encoded)
	return nil
}

// Bytes renders the document with two-space indentation and a trailing newline.
func (p *PackageJSON) Bytes() ([]byte, error) {
	compact, err := encodeOrdered(p.fields)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if err := json.Indent(&out, compact, "", "  "); err != nil {
		return nil, err
	}
	out.WriteByte('\n')
	return out.Bytes(), nil
}

// Manifest is the data for a freshly generated package.json.
type Manifest struct {
	Name    string
	Version string
	Main    string
	// Dependencies maps npm names to versions. The value "workspace" marks a
	// sibling managed package and is rendered with protocol.
	Dependencies map[string]string
}

// NewPackageJSON renders a package.json for a managed package.
func NewPackageJSON(m Manifest, protocol string) ([]byte, error) {
	fields := orderedmap.New[string, json.RawMessage]()
	set := func(key string, value any) error {
		raw, err := marshalNoEscape(value)
		if err != nil {
			return err
		}
		fields.Set(key, raw)
		return nil
	}
	if err := set("name", m.Name); err != nil {
		return nil, err
	}
	if err := set("version", m.Version); err != nil {
		return nil, err
	}
	if err := set("private", true); err != nil {
		return nil, err
	}
	if m.Main != "" {
		if err := set("main", m.Main); err != nil {
			return nil, err
		}
	}
	doc := &PackageJSON{fields: fields}
	for _, name := range sortedKeys(m.Dependencies) {
		version := m.Dependencies[name]
		if IsWorkspaceRef(version) {
			version = protocol
		}
		if _, err := doc.SetDep("dependencies", name, version); err != nil {
			return nil, err
		}
	}
	return doc.Bytes()
}

// IsWorkspaceRef reports whether a dependency version points at a sibling
// workspace package.
func IsWorkspaceRef(version string) bool {
	return version == "workspace" || len(version) > 10 && version[:10] == "workspace:"
}

func encodeOrdered[V any](m *orderedmap.OrderedMap[string, V]) (json.RawMessage, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for pair, first := m.Oldest(), true; pair != nil; pair = pair.Next() {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		key, err := marshalNoEscape(pair.Key)
		if err != nil {
			return nil, err
		}
		value, err := marshalNoEscape(pair.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// marshalNoEscape is json.Marshal without HTML escaping, so version ranges
// such as ">=1.0.0" stay readable.
func marshalNoEscape(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func keysSorted(m *orderedmap.OrderedMap[string, string]) bool {
	prev := ""
	for pair := m.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Key < prev {
			return false
		}
		prev = pair.Key
	}
	return true
}

func sortedCopy(m *orderedmap.OrderedMap[string, string]) *orderedmap.OrderedMap[string, string] {
	keys := make([]string, 0, m.Len())
	for pair := m.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	sort.Strings(keys)
	out := orderedmap.New[string, string](m.Len())
	for _, k := range keys {
		out.Set(k, m.Value(k))
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
