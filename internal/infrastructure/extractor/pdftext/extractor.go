// Package pdftext extracts receipt fields from PDFs that carry a text layer.
package pdftext

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/kirillkom/receipt-idp/internal/core/domain"
	"github.com/kirillkom/receipt-idp/internal/core/ports"
)

const defaultMaxPDFBytes = 20 << 20

// TextStructurer turns free receipt text into candidate fields.
type TextStructurer interface {
	ExtractText(ctx context.Context, text string) ([]domain.ExtractedField, error)
}

type Extractor struct {
	storage    ports.ObjectStorage
	structurer TextStructurer
	maxBytes   int64
}

func NewExtractor(storage ports.ObjectStorage, structurer TextStructurer) *Extractor {
	return &Extractor{storage: storage, structurer: structurer, maxBytes: defaultMaxPDFBytes}
}

func (e *Extractor) Extract(ctx context.Context, imageRef string) ([]domain.ExtractedField, error) {
	raw, err := e.read(ctx, imageRef)
	if err != nil {
		return nil, err
	}

	text, err := TextLayer(raw)
	if err != nil {
		return nil, domain.WrapError(domain.ErrExtractionMalformedInput, "read pdf text layer", err)
	}
	if text == "" {
		return nil, domain.WrapError(domain.ErrExtractionMalformedInput, "read pdf text layer", errors.New("pdf has no text layer"))
	}
	return e.structurer.ExtractText(ctx, text)
}

func (e *Extractor) read(ctx context.Context, imageRef string) ([]byte, error) {
	reader, err := e.storage.Open(ctx, imageRef)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, domain.ErrInvalidInput) {
			return nil, domain.WrapError(domain.ErrExtractionMalformedInput, "open pdf", err)
		}
		return nil, domain.WrapError(domain.ErrExtractionUnavailable, "open pdf", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(io.LimitReader(reader, e.maxBytes+1))
	if err != nil {
		return nil, domain.WrapError(domain.ErrExtractionUnavailable, "read pdf", err)
	}
	if int64(len(raw)) > e.maxBytes {
		return nil, domain.WrapError(domain.ErrExtractionMalformedInput, "read pdf", fmt.Errorf("pdf exceeds %d bytes", e.maxBytes))
	}
	return raw, nil
}

// TextLayer returns the plain text of every page, trimmed.
func TextLayer(raw []byte) (text string, err error) {
	// The parser panics on some corrupt cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("parse pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", fmt.Errorf("parse pdf: %w", err)
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(plain); err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}
