package marker

import "strings"

// SplitLines splits content into lines without their terminators. A trailing
// newline does not produce an empty final line.
func SplitLines(content []byte) []string {
	if len(content) == 0 {
		return nil
	}
	text := strings.TrimSuffix(string(content), "\n")
	return strings.Split(text, "\n")
}

// JoinLines is the inverse of SplitLines and always ends with a newline.
func JoinLines(lines []string) []byte {
	if len(lines) == 0 {
		return nil
	}
	return []byte(strings.Join(lines, "\n") + "\n")
}

// Splice replaces lines[from:to] with repl and returns a new slice.
func Splice(lines []string, from, to int, repl ...string) []string {
	out := make([]string, 0, len(lines)-(to-from)+len(repl))
	out = append(out, lines[:from]...)
	out = append(out, repl...)
	out = append(out, lines[to:]...)
	return out
}

// Indent prefixes every non-empty line of block with indent.
func Indent(block, indent string) []string {
	raw := strings.Split(strings.TrimRight(block, "\n"), "\n")
	out := make([]string, 0, len(raw))
	for _, line := range raw {
		if strings.TrimSpace(line) == "" {
			out = append(out, "")
			continue
		}
		out = append(out, indent+line)
	}
	return out
}
