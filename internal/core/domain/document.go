package domain

import (
	"path"
	"strings"
	"time"
)

type Origin string

const (
	OriginSubmission   Origin = "submission"
	OriginResubmission Origin = "resubmission"
	OriginReview       Origin = "review"
)

type InputType string

const (
	InputImage InputType = "image"
	InputPDF   InputType = "pdf"
	InputJSON  InputType = "json"
	InputOther InputType = "other"
)

// InputTypeFromRef derives the input type from the extension of an image reference.
func InputTypeFromRef(ref string) InputType {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(ref)), ".")
	switch ext {
	case "jpg", "jpeg", "png", "webp":
		return InputImage
	case "pdf":
		return InputPDF
	case "json":
		return InputJSON
	default:
		return InputOther
	}
}

type FailureKind string

const (
	FailureExtractionUnavailable FailureKind = "extraction_unavailable"
	FailureMalformedInput        FailureKind = "malformed_input"
	FailureCancelled             FailureKind = "cancelled"
	FailureInternal              FailureKind = "internal"
)

// Document is one ingested receipt image plus its processing lifecycle.
// Child records (fields, verdict, decision) live and die with it.
type Document struct {
	ID            string        `json:"id"`
	ParentID      string        `json:"parent_id,omitempty"`
	Origin        Origin        `json:"origin"`
	ImageRef      string        `json:"image_ref"`
	InputType     InputType     `json:"input_type"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	State         DocumentState `json:"state"`
	Version       int64         `json:"version"`

	ExtractionAttempts int         `json:"extraction_attempts"`
	FailureKind        FailureKind `json:"failure_kind,omitempty"`
	Error              string      `json:"error,omitempty"`

	Extracted  []ExtractedField   `json:"extracted_fields,omitempty"`
	Normalized []NormalizedField  `json:"normalized_fields,omitempty"`
	Verdict    *ValidationVerdict `json:"verdict,omitempty"`
	Decision   *RoutingDecision   `json:"decision,omitempty"`

	ReviewedBy string `json:"reviewed_by,omitempty"`
	ReviewNote string `json:"review_note,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Clone returns a deep copy so store implementations never share slices with callers.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := *d
	if d.Extracted != nil {
		out.Extracted = make([]ExtractedField, len(d.Extracted))
		for i, f := range d.Extracted {
			out.Extracted[i] = f.clone()
		}
	}
	if d.Normalized != nil {
		out.Normalized = make([]NormalizedField, len(d.Normalized))
		copy(out.Normalized, d.Normalized)
	}
	if d.Verdict != nil {
		verdict := *d.Verdict
		verdict.Violations = append([]Violation(nil), d.Verdict.Violations...)
		out.Verdict = &verdict
	}
	if d.Decision != nil {
		decision := *d.Decision
		out.Decision = &decision
	}
	if d.DeletedAt != nil {
		deletedAt := *d.DeletedAt
		out.DeletedAt = &deletedAt
	}
	return &out
}

func (d *Document) IsDeleted() bool {
	return d.DeletedAt != nil
}

// Transition is one audited state change of a document.
type Transition struct {
	DocumentID string        `json:"document_id"`
	From       DocumentState `json:"from,omitempty"`
	To         DocumentState `json:"to"`
	Version    int64         `json:"version"`
	At         time.Time     `json:"at"`
}

type ListFilter struct {
	State  DocumentState
	Limit  int
	Cursor string
}

type DocumentPage struct {
	Items      []Document `json:"items"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

// FinalizedEvent is published once a document reaches a terminal state.
type FinalizedEvent struct {
	DocumentID    string        `json:"document_id"`
	ParentID      string        `json:"parent_id,omitempty"`
	State         DocumentState `json:"state"`
	Decision      Decision      `json:"decision,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	FailureKind   FailureKind   `json:"failure_kind,omitempty"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	At            time.Time     `json:"at"`
}

// ReviewResolution is a reviewer's verdict on a document parked in in_review.
// Corrections replace extracted fields of the same name before re-validation.
type ReviewResolution struct {
	Accept      bool             `json:"accept"`
	Reviewer    string           `json:"reviewer"`
	Note        string           `json:"note,omitempty"`
	Corrections []ExtractedField `json:"corrections,omitempty"`
}
