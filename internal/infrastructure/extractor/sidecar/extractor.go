// Package sidecar serves fields that an upstream system already extracted and
// stored next to the receipt as a JSON document.
package sidecar

import (
	"context"
	"errors"
	"io"
	"os"
	"unicode/utf8"

	"github.com/kirillkom/receipt-idp/internal/core/domain"
	"github.com/kirillkom/receipt-idp/internal/core/ports"
	"github.com/kirillkom/receipt-idp/internal/infrastructure/extractor/fieldjson"
)

const maxSidecarBytes = 1 << 20

type Extractor struct {
	storage ports.ObjectStorage
}

func NewExtractor(storage ports.ObjectStorage) *Extractor {
	return &Extractor{storage: storage}
}

func (e *Extractor) Extract(ctx context.Context, imageRef string) ([]domain.ExtractedField, error) {
	reader, err := e.storage.Open(ctx, imageRef)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, domain.ErrInvalidInput) {
			return nil, domain.WrapError(domain.ErrExtractionMalformedInput, "open sidecar document", err)
		}
		return nil, domain.WrapError(domain.ErrExtractionUnavailable, "open sidecar document", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(io.LimitReader(reader, maxSidecarBytes+1))
	if err != nil {
		return nil, domain.WrapError(domain.ErrExtractionUnavailable, "read sidecar document", err)
	}
	if len(raw) > maxSidecarBytes || !utf8.Valid(raw) {
		return nil, domain.WrapError(domain.ErrExtractionMalformedInput, "read sidecar document", errors.New("not a utf-8 json document within size limit"))
	}

	fields, err := fieldjson.Decode(raw)
	if err != nil {
		return nil, domain.WrapError(domain.ErrExtractionMalformedInput, "decode sidecar document", err)
	}
	return fields, nil
}
