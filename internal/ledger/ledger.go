// Package ledger implements the idempotency fingerprints written next to every
// injected block. A record is a single comment line:
//
//	// @sprout-op:auth.firebase/providers/provider order=10
//
// Finding a record for an operation id is sufficient to skip re-applying it.
package ledger

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/sprout-dev/sprout/internal/marker"
)

var recordPattern = regexp.MustCompile(`^\s*(?://|#|<!--)\s*@([a-z0-9][a-z0-9-]*?)-op:(\S+)(?:\s+order=(-?\d+))?\s*(?:-->)?\s*$`)

// OperationID derives the fingerprint id for a contribution. ordinal separates
// several contributions of the same kind to the same marker from one capability.
func OperationID(capabilityID string, t marker.Type, kind string, ordinal int) string {
	id := fmt.Sprintf("%s/%s/%s", capabilityID, t, kind)
	if ordinal > 0 {
		id += "#" + strconv.Itoa(ordinal)
	}
	return id
}

// CapabilityOf returns the capability id encoded in an operation id.
func CapabilityOf(operationID string) string {
	if idx := strings.Index(operationID, "/"); idx > 0 {
		return operationID[:idx]
	}
	return operationID
}

// Record is a parsed fingerprint line.
type Record struct {
	ID    string
	Order int
	Line  int
}

// Less orders records by (order, id); ids start with the capability id so ties
// break lexicographically by capability.
func (r Record) Less(order int, id string) bool {
	if r.Order != order {
		return r.Order < order
	}
	return r.ID < id
}

type Ledger struct {
	Namespace string
}

func New(namespace string) Ledger {
	return Ledger{Namespace: namespace}
}

// RecordLine renders the fingerprint line for id in the comment style of path.
func (l Ledger) RecordLine(path, id string, order int, indent string) string {
	body := fmt.Sprintf("@%s-op:%s order=%d", l.Namespace, id, order)
	return indent + marker.StyleFor(path).Line(body)
}

// Parse returns the record on line, if it is one.
func (l Ledger) Parse(line string) (Record, bool) {
	if !strings.Contains(line, "-op:") {
		return Record{}, false
	}
	m := recordPattern.FindStringSubmatch(strings.TrimRight(line, "\r"))
	if m == nil || m[1] != l.Namespace {
		return Record{}, false
	}
	rec := Record{ID: m[2]}
	if m[3] != "" {
		rec.Order, _ = strconv.Atoi(m[3])
	}
	return rec, true
}

// Records lists every record in lines.
func (l Ledger) Records(lines []string) []Record {
	out := make([]Record, 0)
	for i, line := range lines {
		if rec, ok := l.Parse(line); ok {
			rec.Line = i
			out = append(out, rec)
		}
	}
	return out
}

// Find returns the first record for id.
func (l Ledger) Find(lines []string, id string) (Record, bool) {
	for i, line := range lines {
		if rec, ok := l.Parse(line); ok && rec.ID == id {
			rec.Line = i
			return rec, true
		}
	}
	return Record{}, false
}

func (l Ledger) Has(lines []string, id string) bool {
	_, ok := l.Find(lines, id)
	return ok
}

// HasRecord scans raw file content for id.
func (l Ledger) HasRecord(content []byte, id string) bool {
	return l.Has(marker.SplitLines(content), id)
}

// InsertionIndex returns the line index at which a block for (order, id)
// belongs inside region: before the first existing record that sorts after it,
// otherwise immediately before the end sentinel.
func (l Ledger) InsertionIndex(lines []string, region marker.Region, id string, order int) int {
	for i := region.StartLine + 1; i < region.EndLine; i++ {
		rec, ok := l.Parse(lines[i])
		if !ok {
			continue
		}
		if !rec.Less(order, id) && rec.ID != id {
			return i
		}
	}
	return region.EndLine
}

// WriteRecord adds a bare record for id to region when absent. It reports
// whether lines changed.
func (l Ledger) WriteRecord(lines []string, path string, region marker.Region, id string, order int) ([]string, bool) {
	if l.Has(region.Body(lines), id) {
		return lines, false
	}
	at := l.InsertionIndex(lines, region, id, order)
	return marker.Splice(lines, at, at, l.RecordLine(path, id, order, region.Indent)), true
}

// Strip removes the record for id and, when the lines that follow it match
// block (ignoring indentation), the block too. It reports whether anything
// was removed.
func (l Ledger) Strip(lines []string, id string, block []string) ([]string, bool) {
	rec, ok := l.Find(lines, id)
	if !ok {
		return lines, false
	}
	end := rec.Line + 1
	if matchesBlock(lines[end:], block) {
		end += len(block)
	}
	return marker.Splice(lines, rec.Line, end), true
}

func matchesBlock(lines, block []string) bool {
	if len(block) == 0 || len(lines) < len(block) {
		return false
	}
	for i, want := range block {
		if strings.TrimSpace(lines[i]) != strings.TrimSpace(want) {
			return false
		}
	}
	return true
}
