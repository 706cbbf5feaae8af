// Package transition decides whether a candidate stage is an acceptable move
// from a bill's current stage.
package transition

import (
	"fmt"

	"billtracker/internal/taxonomy"
)

type Decision struct {
	Accepted bool
	Reason   string
}

type Validator struct {
	tax *taxonomy.Taxonomy
}

func NewValidator(tax *taxonomy.Taxonomy) *Validator {
	return &Validator{tax: tax}
}

// Validate accepts forward progress and no-ops, backward moves listed in the
// taxonomy's allow-list, and any move into or out of an exempt stage.
func (v *Validator) Validate(from, to string) Decision {
	fromIdx, ok := v.tax.Index(from)
	if !ok {
		return Decision{Reason: fmt.Sprintf("unknown current stage %q", from)}
	}
	toIdx, ok := v.tax.Index(to)
	if !ok {
		return Decision{Reason: fmt.Sprintf("unknown candidate stage %q", to)}
	}

	switch {
	case toIdx >= fromIdx:
		return Decision{Accepted: true}
	case v.tax.Exempt(to):
		return Decision{Accepted: true, Reason: fmt.Sprintf("%s may be entered from any stage", to)}
	case v.tax.Exempt(from):
		return Decision{Accepted: true, Reason: fmt.Sprintf("bill revived from %s", from)}
	case v.tax.BackwardAllowed(from, to):
		return Decision{Accepted: true, Reason: fmt.Sprintf("correction %s -> %s is allowed", from, to)}
	}
	return Decision{
		Reason: fmt.Sprintf("regression from %s to %s", v.tax.Title(from), v.tax.Title(to)),
	}
}
