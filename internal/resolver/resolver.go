// Package resolver checks a candidate capability against what is installed:
// target support, slot exclusivity and declared dependencies.
package resolver

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sprout-dev/sprout/internal/capability"
)

type ConflictKind string

const (
	TargetConflict     ConflictKind = "target"
	SlotConflict       ConflictKind = "slot"
	DependencyConflict ConflictKind = "dependency"
)

type Conflict struct {
	Kind     ConflictKind `json:"kind"`
	Message  string       `json:"message"`
	Occupant string       `json:"occupant,omitempty"`
}

// Report lists every conflict found for one candidate.
type Report struct {
	CapabilityID string     `json:"capabilityId"`
	Conflicts    []Conflict `json:"conflicts,omitempty"`
}

func (r Report) OK() bool {
	return len(r.Conflicts) == 0
}

func (r Report) Err() error {
	if r.OK() {
		return nil
	}
	return &ConflictError{CapabilityID: r.CapabilityID, Conflicts: r.Conflicts}
}

// ConflictError rejects an install before any mutation.
type ConflictError struct {
	CapabilityID string
	Conflicts    []Conflict
}

func (e *ConflictError) Error() string {
	msgs := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		msgs = append(msgs, c.Message)
	}
	return fmt.Sprintf("cannot install %s: %s", e.CapabilityID, strings.Join(msgs, "; "))
}

// Resolve evaluates candidate against installed for the project's target.
// installed may include capabilities planned earlier in the same batch.
func Resolve(installed []capability.Descriptor, candidate capability.Descriptor, target string) Report {
	report := Report{CapabilityID: candidate.ID}

	if !candidate.Supports(target) {
		report.Conflicts = append(report.Conflicts, Conflict{
			Kind:    TargetConflict,
			Message: fmt.Sprintf("%s does not support target %q (supports: %s)", candidate.ID, target, strings.Join(candidate.Targets, ", ")),
		})
	}

	present := make(map[string]bool, len(installed))
	for _, d := range installed {
		present[d.ID] = true
		if d.ID == candidate.ID || candidate.Slot.Name == "" || d.Slot.Name != candidate.Slot.Name {
			continue
		}
		if candidate.Slot.Exclusive() || d.Slot.Exclusive() {
			report.Conflicts = append(report.Conflicts, Conflict{
				Kind:     SlotConflict,
				Occupant: d.ID,
				Message:  fmt.Sprintf("slot %q is single and already occupied by %s; remove %s first", candidate.Slot.Name, d.ID, d.ID),
			})
		}
	}

	for _, dep := range candidate.Depends {
		if !present[dep] {
			report.Conflicts = append(report.Conflicts, Conflict{
				Kind:    DependencyConflict,
				Message: fmt.Sprintf("%s requires %s, which is not installed", candidate.ID, dep),
			})
		}
	}
	return report
}

// Dependents returns the installed capabilities that declare a dependency on id.
func Dependents(installed []capability.Descriptor, id string) []string {
	out := make([]string, 0)
	for _, d := range installed {
		for _, dep := range d.Depends {
			if dep == id {
				out = append(out, d.ID)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// CycleError reports a dependency cycle inside a batch.
type CycleError struct {
	IDs []string
}

func (e *CycleError) Error() string {
	return "dependency cycle between " + strings.Join(e.IDs, ", ")
}

// OrderBatch sorts a batch so dependencies come before dependents. Ties break
// by id. Dependencies outside the batch are ignored here; Resolve reports them.
func OrderBatch(batch []capability.Descriptor) ([]capability.Descriptor, error) {
	byID := make(map[string]capability.Descriptor, len(batch))
	for _, d := range batch {
		byID[d.ID] = d
	}

	indegree := make(map[string]int, len(byID))
	dependents := make(map[string][]string, len(byID))
	for id, d := range byID {
		indegree[id] += 0
		for _, dep := range d.Depends {
			if _, ok := byID[dep]; !ok {
				continue
			}
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	ready := make([]string, 0)
	for id, n := range indegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	out := make([]capability.Descriptor, 0, len(byID))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		out = append(out, byID[id])
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
		sort.Strings(ready)
	}

	if len(out) != len(byID) {
		stuck := make([]string, 0)
		for id, n := range indegree {
			if n > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, &CycleError{IDs: stuck}
	}
	return out, nil
}
