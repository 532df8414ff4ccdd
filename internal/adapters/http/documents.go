package httpadapter

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/oapi-codegen/runtime"

	"github.com/kirillkom/receipt-idp/internal/core/domain"
	"github.com/kirillkom/receipt-idp/internal/core/ports"
)

const (
	serviceName   = "api"
	xlsxMediaType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	maxJSONBody   = 1 << 20
)

// documentView hides pipeline output until the document is terminal.
type documentView struct {
	ID                 string                    `json:"id"`
	ParentID           string                    `json:"parent_id,omitempty"`
	Origin             domain.Origin             `json:"origin"`
	State              domain.DocumentState      `json:"state"`
	Version            int64                     `json:"version"`
	ImageRef           string                    `json:"image_ref"`
	InputType          domain.InputType          `json:"input_type"`
	CorrelationID      string                    `json:"correlation_id,omitempty"`
	ExtractionAttempts int                       `json:"extraction_attempts"`
	FailureKind        domain.FailureKind        `json:"failure_kind,omitempty"`
	Error              string                    `json:"error,omitempty"`
	NormalizedFields   []domain.NormalizedField  `json:"normalized_fields,omitempty"`
	Verdict            *domain.ValidationVerdict `json:"verdict,omitempty"`
	Decision           *domain.RoutingDecision   `json:"decision,omitempty"`
	ReviewedBy         string                    `json:"reviewed_by,omitempty"`
	ReviewNote         string                    `json:"review_note,omitempty"`
	CreatedAt          time.Time                 `json:"created_at"`
	UpdatedAt          time.Time                 `json:"updated_at"`
}

func newDocumentView(doc *domain.Document) documentView {
	view := documentView{
		ID:                 doc.ID,
		ParentID:           doc.ParentID,
		Origin:             doc.Origin,
		State:              doc.State,
		Version:            doc.Version,
		ImageRef:           doc.ImageRef,
		InputType:          doc.InputType,
		CorrelationID:      doc.CorrelationID,
		ExtractionAttempts: doc.ExtractionAttempts,
		FailureKind:        doc.FailureKind,
		Error:              doc.Error,
		CreatedAt:          doc.CreatedAt,
		UpdatedAt:          doc.UpdatedAt,
	}
	if doc.State.IsTerminal() {
		view.NormalizedFields = doc.Normalized
		view.Verdict = doc.Verdict
		view.Decision = doc.Decision
		view.ReviewedBy = doc.ReviewedBy
		view.ReviewNote = doc.ReviewNote
	}
	return view
}

type listParams struct {
	State  *string
	Limit  *int
	Cursor *string
}

func (rt *Router) submitDocument(w http.ResponseWriter, r *http.Request) {
	correlationID := requestIDFromContext(r.Context())

	var (
		doc *domain.Document
		err error
	)
	if isMultipart(r) {
		doc, err = rt.upload(w, r, correlationID)
	} else {
		var req struct {
			ImageRef string `json:"image_ref"`
		}
		if err = decodeJSON(r, &req); err == nil {
			doc, err = rt.submitter.Submit(r.Context(), ports.SubmitRequest{
				ImageRef:      req.ImageRef,
				CorrelationID: correlationID,
			})
		}
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	rt.recordSubmission(doc.Origin)
	w.Header().Set("Location", "/v1/documents/"+doc.ID)
	writeJSON(w, http.StatusAccepted, newDocumentView(doc))
}

func (rt *Router) upload(w http.ResponseWriter, r *http.Request, correlationID string) (*domain.Document, error) {
	limit := rt.cfg.UploadMaxBytes
	if limit <= 0 {
		limit = 20 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	file, header, err := r.FormFile("file")
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return nil, err
		}
		return nil, domain.WrapError(domain.ErrInvalidInput, "read upload", fmt.Errorf("multipart field 'file' is required: %w", err))
	}
	defer file.Close()

	return rt.submitter.Upload(r.Context(), header.Filename, file, correlationID)
}

func (rt *Router) listDocuments(w http.ResponseWriter, r *http.Request) {
	var params listParams
	query := r.URL.Query()
	if err := runtime.BindQueryParameter("form", true, false, "state", query, &params.State); err != nil {
		writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "bind state", err))
		return
	}
	if err := runtime.BindQueryParameter("form", true, false, "limit", query, &params.Limit); err != nil {
		writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "bind limit", err))
		return
	}
	if err := runtime.BindQueryParameter("form", true, false, "cursor", query, &params.Cursor); err != nil {
		writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "bind cursor", err))
		return
	}

	filter := domain.ListFilter{}
	if params.State != nil {
		filter.State = domain.DocumentState(*params.State)
	}
	if params.Limit != nil {
		filter.Limit = *params.Limit
	}
	if params.Cursor != nil {
		filter.Cursor = *params.Cursor
	}

	page, err := rt.reader.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}

	items := make([]documentView, 0, len(page.Items))
	for i := range page.Items {
		items = append(items, newDocumentView(&page.Items[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":       items,
		"next_cursor": page.NextCursor,
	})
}

func (rt *Router) getDocument(w http.ResponseWriter, r *http.Request) {
	id, err := documentID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	doc, err := rt.reader.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newDocumentView(doc))
}

func (rt *Router) documentHistory(w http.ResponseWriter, r *http.Request) {
	id, err := documentID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	transitions, err := rt.reader.History(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": transitions})
}

func (rt *Router) cancelDocument(w http.ResponseWriter, r *http.Request) {
	id, err := documentID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	doc, err := rt.lifecycle.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newDocumentView(doc))
}

func (rt *Router) deleteDocument(w http.ResponseWriter, r *http.Request) {
	id, err := documentID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := rt.lifecycle.Delete(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) resubmitDocument(w http.ResponseWriter, r *http.Request) {
	id, err := documentID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req struct {
		ImageRef string `json:"image_ref"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}

	doc, err := rt.submitter.Resubmit(r.Context(), id, req.ImageRef, requestIDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	rt.recordSubmission(doc.Origin)
	w.Header().Set("Location", "/v1/documents/"+doc.ID)
	writeJSON(w, http.StatusAccepted, newDocumentView(doc))
}

func (rt *Router) reviewDocument(w http.ResponseWriter, r *http.Request) {
	id, err := documentID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var resolution domain.ReviewResolution
	if err := decodeJSON(r, &resolution); err != nil {
		writeError(w, r, err)
		return
	}

	doc, err := rt.lifecycle.Resolve(r.Context(), id, resolution)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/documents/"+doc.ID)
	writeJSON(w, http.StatusCreated, newDocumentView(doc))
}

func (rt *Router) exportAccepted(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	err := rt.exporter.ExportAccepted(r.Context(), &buf)
	if rt.recorder != nil {
		rt.recorder.RecordExport(serviceName, err)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", xlsxMediaType)
	w.Header().Set("Content-Disposition", `attachment; filename="accepted-receipts.xlsx"`)
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, &buf)
}

func (rt *Router) recordSubmission(origin domain.Origin) {
	if rt.recorder != nil {
		rt.recorder.RecordSubmission(serviceName, string(origin))
	}
}

func documentID(r *http.Request) (string, error) {
	var id string
	err := runtime.BindStyledParameterWithOptions("simple", "id", r.PathValue("id"), &id, runtime.BindStyledParameterOptions{
		ParamLocation: runtime.ParamLocationPath,
		Explode:       false,
		Required:      true,
	})
	if err != nil {
		return "", domain.WrapError(domain.ErrInvalidInput, "bind document id", err)
	}
	return strings.TrimSpace(id), nil
}

func decodeJSON(r *http.Request, out any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return domain.WrapError(domain.ErrInvalidInput, "decode json body", err)
	}
	return nil
}
