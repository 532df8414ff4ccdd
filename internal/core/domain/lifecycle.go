package domain

import "fmt"

type DocumentState string

const (
	StateIngested    DocumentState = "ingested"
	StateExtracting  DocumentState = "extracting"
	StateExtracted   DocumentState = "extracted"
	StateNormalizing DocumentState = "normalizing"
	StateValidating  DocumentState = "validating"
	StateRouted      DocumentState = "routed"
	StateAccepted    DocumentState = "accepted"
	StateInReview    DocumentState = "in_review"
	StateRejected    DocumentState = "rejected"
	StateFailed      DocumentState = "failed"
)

// transitions lists the forward edges of the lifecycle. Every non-terminal
// state may additionally move to failed on an unretryable error.
var transitions = map[DocumentState][]DocumentState{
	StateIngested:    {StateExtracting},
	StateExtracting:  {StateExtracted},
	StateExtracted:   {StateNormalizing},
	StateNormalizing: {StateValidating},
	StateValidating:  {StateRouted},
	StateRouted:      {StateAccepted, StateInReview, StateRejected},
}

func (s DocumentState) Valid() bool {
	switch s {
	case StateIngested, StateExtracting, StateExtracted, StateNormalizing, StateValidating,
		StateRouted, StateAccepted, StateInReview, StateRejected, StateFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports states from which the pipeline never moves on its own.
// in_review is terminal for the pipeline; a reviewer produces a new document.
func (s DocumentState) IsTerminal() bool {
	switch s {
	case StateAccepted, StateInReview, StateRejected, StateFailed:
		return true
	default:
		return false
	}
}

func (s DocumentState) Cancellable() bool {
	return s == StateIngested || s == StateExtracting
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to DocumentState) bool {
	if !from.Valid() || !to.Valid() || from.IsTerminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PipelinePath is the ordered sequence every successfully routed document walks.
func PipelinePath() []DocumentState {
	return []DocumentState{
		StateIngested,
		StateExtracting,
		StateExtracted,
		StateNormalizing,
		StateValidating,
		StateRouted,
	}
}

// CheckConditionalUpdate holds the rules every store applies before writing
// next over stored: versions must match, final documents are immutable and
// state changes must be lifecycle edges.
func CheckConditionalUpdate(stored *Document, next DocumentState, expectedVersion int64) error {
	if stored.Version != expectedVersion {
		return WrapError(
			ErrVersionConflict,
			"update document",
			fmt.Errorf("id %s: stored version %d, expected %d", stored.ID, stored.Version, expectedVersion),
		)
	}
	if stored.IsDeleted() || stored.State.IsTerminal() {
		return WrapError(ErrInvalidTransition, "update document", fmt.Errorf("id %s is final (%s)", stored.ID, stored.State))
	}
	if stored.State != next && !CanTransition(stored.State, next) {
		return WrapError(ErrInvalidTransition, "update document", fmt.Errorf("id %s: %s -> %s", stored.ID, stored.State, next))
	}
	return nil
}
