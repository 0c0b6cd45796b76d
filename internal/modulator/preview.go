package modulator

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/sprout-dev/sprout/internal/fileutil"
)

const previewContext = 3

// FileDiff is a unified line diff of one file a dry run would change.
type FileDiff struct {
	Path    string `json:"path"`
	New     bool   `json:"new,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
	Added   int    `json:"added"`
	Removed int    `json:"removed"`
	Unified string `json:"unified"`
}

type lineOp struct {
	kind    diffmatchpatch.Operation
	oldLine int
	newLine int
	text    string
}

// Previews renders the overlay's pending changes as unified diffs.
func Previews(changes []fileutil.Change) []FileDiff {
	out := make([]FileDiff, 0, len(changes))
	for _, c := range changes {
		out = append(out, Preview(c.Path, string(c.Before), string(c.After), !c.Existed, c.Removed))
	}
	return out
}

// Preview diffs before and after line by line.
func Preview(rel, before, after string, isNew, deleted bool) FileDiff {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	ops := toLineOps(diffs)
	fd := FileDiff{Path: rel, New: isNew, Deleted: deleted}
	for _, op := range ops {
		switch op.kind {
		case diffmatchpatch.DiffInsert:
			fd.Added++
		case diffmatchpatch.DiffDelete:
			fd.Removed++
		}
	}

	var sb strings.Builder
	oldName, newName := "a/"+rel, "b/"+rel
	if isNew {
		oldName = "/dev/null"
	}
	if deleted {
		newName = "/dev/null"
	}
	fmt.Fprintf(&sb, "--- %s\n+++ %s\n", oldName, newName)
	for _, h := range hunks(ops) {
		sb.WriteString(h)
	}
	fd.Unified = sb.String()
	return fd
}

func toLineOps(diffs []diffmatchpatch.Diff) []lineOp {
	out := make([]lineOp, 0)
	oldLine, newLine := 1, 1
	for _, d := range diffs {
		text := strings.TrimSuffix(d.Text, "\n")
		if d.Text == "" {
			continue
		}
		for _, line := range strings.Split(text, "\n") {
			op := lineOp{kind: d.Type, oldLine: oldLine, newLine: newLine, text: line}
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				oldLine++
				newLine++
			case diffmatchpatch.DiffDelete:
				oldLine++
			case diffmatchpatch.DiffInsert:
				newLine++
			}
			out = append(out, op)
		}
	}
	return out
}

// hunks groups changed lines with previewContext lines of context around them.
func hunks(ops []lineOp) []string {
	out := make([]string, 0)
	i := 0
	for i < len(ops) {
		if ops[i].kind == diffmatchpatch.DiffEqual {
			i++
			continue
		}
		start := i - previewContext
		if start < 0 {
			start = 0
		}
		end := i
		for end < len(ops) {
			if ops[end].kind != diffmatchpatch.DiffEqual {
				end++
				continue
			}
			run := end
			for run < len(ops) && ops[run].kind == diffmatchpatch.DiffEqual {
				run++
			}
			if run-end > 2*previewContext || run == len(ops) {
				end += min(previewContext, run-end)
				break
			}
			end = run
		}
		out = append(out, renderHunk(ops[start:end]))
		i = end
	}
	return out
}

func renderHunk(ops []lineOp) string {
	oldStart, newStart := 0, 0
	oldCount, newCount := 0, 0
	var body strings.Builder
	for _, op := range ops {
		switch op.kind {
		case diffmatchpatch.DiffEqual:
			if oldStart == 0 {
				oldStart = op.oldLine
			}
			if newStart == 0 {
				newStart = op.newLine
			}
			oldCount++
			newCount++
			body.WriteString(" " + op.text + "\n")
		case diffmatchpatch.DiffDelete:
			if oldStart == 0 {
				oldStart = op.oldLine
			}
			if newStart == 0 {
				newStart = op.newLine
			}
			oldCount++
			body.WriteString("-" + op.text + "\n")
		case diffmatchpatch.DiffInsert:
			if oldStart == 0 {
				oldStart = op.oldLine
			}
			if newStart == 0 {
				newStart = op.newLine
			}
			newCount++
			body.WriteString("+" + op.text + "\n")
		}
	}
	if oldCount == 0 {
		oldStart--
	}
	if newCount == 0 {
		newStart--
	}
	return fmt.Sprintf("@@ -%d,%d +%d,%d @@\n%s", oldStart, oldCount, newStart, newCount, body.String())
}
