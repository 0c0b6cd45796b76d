package manifest

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// migrations upgrade a decoded manifest one schema version at a time.
var migrations = map[int]func(map[string]any) error{
	1: migrateV1,
}

// Migrate upgrades raw manifest bytes to SchemaVersion. It returns the
// version it started from. Bytes already at SchemaVersion are returned as is.
func Migrate(data []byte) ([]byte, int, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, 0, &ValidationError{Problems: []string{"manifest is not valid JSON: " + err.Error()}}
	}

	from := 1
	if raw, ok := doc["schemaVersion"]; ok {
		n, ok := raw.(float64)
		if !ok || n != float64(int(n)) {
			return nil, 0, &ValidationError{Problems: []string{fmt.Sprintf("schemaVersion %v is not an integer", raw)}}
		}
		from = int(n)
	}
	switch {
	case from == SchemaVersion:
		return data, from, nil
	case from > SchemaVersion:
		return nil, from, &ValidationError{Problems: []string{fmt.Sprintf("schemaVersion %d is newer than this sprout supports (%d)", from, SchemaVersion)}}
	}

	for v := from; v < SchemaVersion; v++ {
		step, ok := migrations[v]
		if !ok {
			return nil, from, &ValidationError{Problems: []string{fmt.Sprintf("no migration from schemaVersion %d", v)}}
		}
		if err := step(doc); err != nil {
			return nil, from, fmt.Errorf("migrate manifest from v%d: %w", v, err)
		}
		doc["schemaVersion"] = v + 1
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, from, err
	}
	return out, from, nil
}

// migrateV1 renames plugins and ownedPaths and turns permission strings of
// the form "platform:NAME" into grants.
func migrateV1(doc map[string]any) error {
	rename(doc, "plugins", "capabilities")
	rename(doc, "ownedPaths", "owned")
	if _, ok := doc["capabilities"]; !ok {
		doc["capabilities"] = map[string]any{}
	}
	if _, ok := doc["owned"]; !ok {
		doc["owned"] = []any{}
	}

	caps, _ := doc["capabilities"].(map[string]any)
	sources := make(map[string][]string)
	for id, raw := range caps {
		entry, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("capability %s is not an object", id)
		}
		if _, ok := entry["effects"]; !ok {
			entry["effects"] = map[string]any{}
		}
		perms, _ := entry["permissions"].([]any)
		refs := make([]any, 0, len(perms))
		for _, p := range perms {
			s, ok := p.(string)
			if !ok {
				refs = append(refs, p)
				continue
			}
			platform, name := splitPermission(s)
			ref := map[string]any{"name": name, "required": true}
			if platform != "" {
				ref["platform"] = platform
			}
			refs = append(refs, ref)
			sources[s] = append(sources[s], id)
		}
		if perms != nil {
			entry["permissions"] = refs
		}
	}

	top, _ := doc["permissions"].([]any)
	grants := make([]any, 0, len(top))
	for _, p := range top {
		s, ok := p.(string)
		if !ok {
			grants = append(grants, p)
			continue
		}
		platform, name := splitPermission(s)
		src := append([]string(nil), sources[s]...)
		sort.Strings(src)
		grant := map[string]any{"permission": name, "required": true, "sources": stringsToAny(src)}
		if platform != "" {
			grant["platform"] = platform
		}
		grants = append(grants, grant)
	}
	doc["permissions"] = grants
	return nil
}

func rename(doc map[string]any, from, to string) {
	if v, ok := doc[from]; ok {
		if _, exists := doc[to]; !exists {
			doc[to] = v
		}
		delete(doc, from)
	}
}

func splitPermission(s string) (platform, name string) {
	if before, after, ok := strings.Cut(s, ":"); ok {
		return before, after
	}
	return "", s
}

func stringsToAny(items []string) []any {
	out := make([]any, len(items))
	for i, s := range items {
		out[i] = s
	}
	return out
}
