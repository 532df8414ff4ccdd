package ollama

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/kirillkom/receipt-idp/internal/core/domain"
	"github.com/kirillkom/receipt-idp/internal/core/ports"
	"github.com/kirillkom/receipt-idp/internal/infrastructure/extractor/fieldjson"
	"github.com/kirillkom/receipt-idp/internal/infrastructure/resilience"
)

const defaultMaxImageBytes = 20 << 20

type Client struct {
	baseURL     string
	visionModel string
	textModel   string
	httpClient  *http.Client
	executor    *resilience.Executor
}

func New(baseURL, visionModel, textModel string) *Client {
	if textModel == "" {
		textModel = visionModel
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		visionModel: visionModel,
		textModel:   textModel,
		httpClient:  &http.Client{Timeout: 120 * time.Second},
	}
}

// WithExecutor routes every upstream call through executor (circuit breaker and
// optional retry). Extraction attempts themselves are counted by the caller.
func (c *Client) WithExecutor(executor *resilience.Executor) *Client {
	c.executor = executor
	return c
}

// ReceiptExtractor reads a receipt image from object storage and asks a vision
// model for its fields.
type ReceiptExtractor struct {
	client   *Client
	storage  ports.ObjectStorage
	maxBytes int64
}

func NewReceiptExtractor(client *Client, storage ports.ObjectStorage) *ReceiptExtractor {
	return &ReceiptExtractor{client: client, storage: storage, maxBytes: defaultMaxImageBytes}
}

func (e *ReceiptExtractor) Extract(ctx context.Context, imageRef string) ([]domain.ExtractedField, error) {
	image, err := e.readImage(ctx, imageRef)
	if err != nil {
		return nil, err
	}

	reqBody := map[string]any{
		"model":  e.client.visionModel,
		"prompt": buildImagePrompt(),
		"images": []string{base64.StdEncoding.EncodeToString(image)},
		"stream": false,
		"format": "json",
	}
	return e.client.extractFields(ctx, reqBody)
}

func (e *ReceiptExtractor) readImage(ctx context.Context, imageRef string) ([]byte, error) {
	rc, err := e.storage.Open(ctx, imageRef)
	if err != nil {
		return nil, classifyStorageError("open receipt image", err)
	}
	defer rc.Close()

	image, err := io.ReadAll(io.LimitReader(rc, e.maxBytes+1))
	if err != nil {
		return nil, domain.WrapError(domain.ErrExtractionUnavailable, "read receipt image", err)
	}
	if len(image) == 0 {
		return nil, domain.WrapError(domain.ErrExtractionMalformedInput, "read receipt image", errors.New("empty image"))
	}
	if int64(len(image)) > e.maxBytes {
		return nil, domain.WrapError(domain.ErrExtractionMalformedInput, "read receipt image", fmt.Errorf("image exceeds %d bytes", e.maxBytes))
	}
	return image, nil
}

// ExtractText structures the text layer of a document into receipt fields.
func (c *Client) ExtractText(ctx context.Context, text string) ([]domain.ExtractedField, error) {
	reqBody := map[string]any{
		"model":  c.textModel,
		"prompt": buildTextPrompt(text),
		"stream": false,
		"format": "json",
	}
	return c.extractFields(ctx, reqBody)
}

func (c *Client) extractFields(ctx context.Context, reqBody map[string]any) ([]domain.ExtractedField, error) {
	respText, err := c.generate(ctx, reqBody)
	if err != nil {
		return nil, classifyExtractionError(ctx, err)
	}

	fields, err := fieldjson.Decode([]byte(fieldjson.ExtractObject(respText)))
	if err != nil {
		// Model output drift is transient; another attempt may produce valid JSON.
		return nil, domain.WrapError(domain.ErrExtractionUnavailable, "parse model output", err)
	}
	return fields, nil
}

func (c *Client) generate(ctx context.Context, reqBody map[string]any) (string, error) {
	var response struct {
		Response string `json:"response"`
	}
	call := func(ctx context.Context) error {
		return c.postJSON(ctx, "/api/generate", reqBody, &response, "generate")
	}

	var err error
	if c.executor != nil {
		err = c.executor.Execute(ctx, "ollama.generate", call, classifyOllamaError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(response.Response), nil
}

func classifyStorageError(operation string, err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, os.ErrNotExist), errors.Is(err, domain.ErrInvalidInput):
		return domain.WrapError(domain.ErrExtractionMalformedInput, operation, err)
	default:
		return domain.WrapError(domain.ErrExtractionUnavailable, operation, err)
	}
}
