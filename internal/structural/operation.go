package structural

import (
	"sort"

	"github.com/sprout-dev/sprout/internal/ledger"
	"github.com/sprout-dev/sprout/internal/marker"
)

// Operation is one wiring operation: a contribution from a capability aimed at
// a (file, marker) pair.
type Operation struct {
	CapabilityID string
	File         string
	Marker       marker.Type
	Contribution Contribution
	Order        int
	// Ordinal separates repeated (capability, marker, kind) triples.
	Ordinal int
}

// ID is the fingerprint id recorded next to the injected content.
func (o Operation) ID() string {
	kind := "unknown"
	if o.Contribution != nil {
		kind = string(o.Contribution.Kind())
	}
	return ledger.OperationID(o.CapabilityID, o.target(), kind, o.Ordinal)
}

func (o Operation) target() marker.Type {
	if o.Marker != "" {
		return o.Marker
	}
	if o.Contribution != nil {
		return o.Contribution.Marker()
	}
	return ""
}

// SortOperations orders ops by (order, capability id), keeping declaration
// order for ties. The input slice is not modified.
func SortOperations(ops []Operation) []Operation {
	out := make([]Operation, len(ops))
	copy(out, ops)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].CapabilityID < out[j].CapabilityID
	})
	return out
}

// AssignOrdinals numbers repeated (capability, marker, kind) triples so each
// operation gets a distinct fingerprint id.
func AssignOrdinals(ops []Operation) []Operation {
	seen := make(map[string]int, len(ops))
	out := make([]Operation, len(ops))
	for i, op := range ops {
		op.Ordinal = 0
		key := op.ID()
		op.Ordinal = seen[key]
		seen[key]++
		out[i] = op
	}
	return out
}
