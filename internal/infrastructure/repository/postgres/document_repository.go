package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/receipt-idp/internal/core/domain"
)

const (
	uniqueViolation   = "23505"
	reviewParentIndex = "uq_documents_review_parent"
)

type DocumentRepository struct {
	db *sql.DB
}

func NewDocumentRepository(db *sql.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (r *DocumentRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2024030101)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	parent_id TEXT NOT NULL DEFAULT '',
	origin TEXT NOT NULL,
	image_ref TEXT NOT NULL,
	input_type TEXT NOT NULL,
	correlation_id TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	version BIGINT NOT NULL,
	extraction_attempts INTEGER NOT NULL DEFAULT 0,
	failure_kind TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	extracted JSONB,
	normalized JSONB,
	verdict JSONB,
	decision JSONB,
	reviewed_by TEXT NOT NULL DEFAULT '',
	review_note TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	deleted_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_documents_state ON documents(state) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_documents_parent ON documents(parent_id) WHERE parent_id <> '';
CREATE UNIQUE INDEX IF NOT EXISTS uq_documents_review_parent ON documents(parent_id) WHERE origin = 'review';
CREATE INDEX IF NOT EXISTS idx_documents_stale ON documents(updated_at)
	WHERE deleted_at IS NULL AND state NOT IN ('accepted', 'in_review', 'rejected', 'failed');

CREATE TABLE IF NOT EXISTS document_transitions (
	document_id TEXT NOT NULL REFERENCES documents(id),
	from_state TEXT NOT NULL DEFAULT '',
	to_state TEXT NOT NULL,
	version BIGINT NOT NULL,
	at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (document_id, version)
);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

const documentColumns = `id, parent_id, origin, image_ref, input_type, correlation_id, state, version,
	extraction_attempts, failure_kind, error_message, extracted, normalized, verdict, decision,
	reviewed_by, review_note, created_at, updated_at, deleted_at`

func (r *DocumentRepository) Create(ctx context.Context, doc *domain.Document) error {
	payload, err := encodePayload(doc)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
INSERT INTO documents (`+documentColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
`,
		doc.ID, doc.ParentID, string(doc.Origin), doc.ImageRef, string(doc.InputType), doc.CorrelationID,
		string(doc.State), int64(1), doc.ExtractionAttempts, string(doc.FailureKind), doc.Error,
		payload.extracted, payload.normalized, payload.verdict, payload.decision,
		doc.ReviewedBy, doc.ReviewNote, doc.CreatedAt, doc.UpdatedAt, doc.DeletedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			if pgErr.ConstraintName == reviewParentIndex {
				return domain.WrapError(domain.ErrAlreadyResolved, "insert document", fmt.Errorf("document %s already has a review resolution", doc.ParentID))
			}
			return domain.WrapError(domain.ErrVersionConflict, "insert document", err)
		}
		return fmt.Errorf("insert document: %w", err)
	}
	if err := insertTransition(ctx, tx, domain.Transition{
		DocumentID: doc.ID,
		To:         doc.State,
		Version:    1,
		At:         doc.CreatedAt,
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create tx: %w", err)
	}
	doc.Version = 1
	return nil
}

func (r *DocumentRepository) GetByID(ctx context.Context, id string) (*domain.Document, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, id)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id %s", id))
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	return doc, nil
}

// Update locks the row, applies the lifecycle rules and writes the new version
// together with its transition record in one transaction.
func (r *DocumentRepository) Update(ctx context.Context, doc *domain.Document, expectedVersion int64) error {
	payload, err := encodePayload(doc)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stored, err := lockDocument(ctx, tx, doc.ID)
	if err != nil {
		return err
	}
	if err := domain.CheckConditionalUpdate(stored, doc.State, expectedVersion); err != nil {
		return err
	}

	nextVersion := expectedVersion + 1
	_, err = tx.ExecContext(ctx, `
UPDATE documents
SET state = $2, version = $3, extraction_attempts = $4, failure_kind = $5, error_message = $6,
	extracted = $7, normalized = $8, verdict = $9, decision = $10, updated_at = $11
WHERE id = $1
`,
		doc.ID, string(doc.State), nextVersion, doc.ExtractionAttempts, string(doc.FailureKind), doc.Error,
		payload.extracted, payload.normalized, payload.verdict, payload.decision, doc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}

	if stored.State != doc.State {
		if err := insertTransition(ctx, tx, domain.Transition{
			DocumentID: doc.ID,
			From:       stored.State,
			To:         doc.State,
			Version:    nextVersion,
			At:         doc.UpdatedAt,
		}); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update tx: %w", err)
	}
	doc.Version = nextVersion
	return nil
}

func (r *DocumentRepository) MarkDeleted(ctx context.Context, id string, expectedVersion int64, at time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stored, err := lockDocument(ctx, tx, id)
	if err != nil {
		return err
	}
	switch {
	case stored.IsDeleted():
		return domain.WrapError(domain.ErrDocumentNotFound, "delete document", fmt.Errorf("id %s", id))
	case stored.Version != expectedVersion:
		return domain.WrapError(domain.ErrVersionConflict, "delete document", fmt.Errorf("id %s", id))
	case !stored.State.IsTerminal():
		return domain.WrapError(domain.ErrInvalidTransition, "delete document", fmt.Errorf("id %s is %s", id, stored.State))
	}

	deletedAt := at.UTC()
	if _, err := tx.ExecContext(ctx, `
UPDATE documents
SET deleted_at = $2, updated_at = $2, version = version + 1
WHERE id = $1
`, id, deletedAt); err != nil {
		return fmt.Errorf("mark document deleted: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete tx: %w", err)
	}
	return nil
}

// List pages by id descending; ULIDs make that newest first.
func (r *DocumentRepository) List(ctx context.Context, filter domain.ListFilter) (domain.DocumentPage, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 30
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+documentColumns+`
FROM documents
WHERE deleted_at IS NULL
	AND ($1 = '' OR state = $1)
	AND ($2 = '' OR id < $2)
ORDER BY id DESC
LIMIT $3
`, string(filter.State), filter.Cursor, limit+1)
	if err != nil {
		return domain.DocumentPage{}, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	docs, err := scanDocuments(rows)
	if err != nil {
		return domain.DocumentPage{}, err
	}

	page := domain.DocumentPage{Items: docs}
	if len(docs) > limit {
		page.Items = docs[:limit]
		page.NextCursor = docs[limit-1].ID
	}
	return page, nil
}

func (r *DocumentRepository) ListStale(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Document, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+documentColumns+`
FROM documents
WHERE deleted_at IS NULL
	AND state NOT IN ('accepted', 'in_review', 'rejected', 'failed')
	AND updated_at < $1
ORDER BY id ASC
LIMIT $2
`, updatedBefore.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale documents: %w", err)
	}
	defer rows.Close()
	return scanDocuments(rows)
}

func (r *DocumentRepository) Transitions(ctx context.Context, id string) ([]domain.Transition, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT document_id, from_state, to_state, version, at
FROM document_transitions
WHERE document_id = $1
ORDER BY version ASC
`, id)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []domain.Transition
	for rows.Next() {
		var (
			tr       domain.Transition
			from, to string
		)
		if err := rows.Scan(&tr.DocumentID, &from, &to, &tr.Version, &tr.At); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		tr.From = domain.DocumentState(from)
		tr.To = domain.DocumentState(to)
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}
	// Every document has at least its creation record.
	if len(out) == 0 {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "list transitions", fmt.Errorf("id %s", id))
	}
	return out, nil
}

func lockDocument(ctx context.Context, tx *sql.Tx, id string) (*domain.Document, error) {
	var (
		stored domain.Document
		state  string
	)
	err := tx.QueryRowContext(ctx, `
SELECT id, state, version, deleted_at
FROM documents
WHERE id = $1
FOR UPDATE
`, id).Scan(&stored.ID, &state, &stored.Version, &stored.DeletedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrDocumentNotFound, "lock document", fmt.Errorf("id %s", id))
		}
		return nil, fmt.Errorf("lock document: %w", err)
	}
	stored.State = domain.DocumentState(state)
	return &stored, nil
}

func insertTransition(ctx context.Context, tx *sql.Tx, tr domain.Transition) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO document_transitions (document_id, from_state, to_state, version, at)
VALUES ($1,$2,$3,$4,$5)
`, tr.DocumentID, string(tr.From), string(tr.To), tr.Version, tr.At)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

type documentPayload struct {
	extracted  []byte
	normalized []byte
	verdict    []byte
	decision   []byte
}

func encodePayload(doc *domain.Document) (documentPayload, error) {
	var (
		p   documentPayload
		err error
	)
	if p.extracted, err = nullableJSON(doc.Extracted, doc.Extracted == nil); err != nil {
		return p, fmt.Errorf("marshal extracted fields: %w", err)
	}
	if p.normalized, err = nullableJSON(doc.Normalized, doc.Normalized == nil); err != nil {
		return p, fmt.Errorf("marshal normalized fields: %w", err)
	}
	if p.verdict, err = nullableJSON(doc.Verdict, doc.Verdict == nil); err != nil {
		return p, fmt.Errorf("marshal verdict: %w", err)
	}
	if p.decision, err = nullableJSON(doc.Decision, doc.Decision == nil); err != nil {
		return p, fmt.Errorf("marshal decision: %w", err)
	}
	return p, nil
}

func nullableJSON(v any, isNil bool) ([]byte, error) {
	if isNil {
		return nil, nil
	}
	return json.Marshal(v)
}

type documentScanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(row documentScanner) (*domain.Document, error) {
	var (
		doc                                      domain.Document
		origin, inputType, state, failureKind    string
		extracted, normalized, verdict, decision []byte
	)
	err := row.Scan(
		&doc.ID,
		&doc.ParentID,
		&origin,
		&doc.ImageRef,
		&inputType,
		&doc.CorrelationID,
		&state,
		&doc.Version,
		&doc.ExtractionAttempts,
		&failureKind,
		&doc.Error,
		&extracted,
		&normalized,
		&verdict,
		&decision,
		&doc.ReviewedBy,
		&doc.ReviewNote,
		&doc.CreatedAt,
		&doc.UpdatedAt,
		&doc.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	doc.Origin = domain.Origin(origin)
	doc.InputType = domain.InputType(inputType)
	doc.State = domain.DocumentState(state)
	doc.FailureKind = domain.FailureKind(failureKind)

	if err := unmarshalIfPresent(extracted, &doc.Extracted); err != nil {
		return nil, fmt.Errorf("unmarshal extracted fields: %w", err)
	}
	if err := unmarshalIfPresent(normalized, &doc.Normalized); err != nil {
		return nil, fmt.Errorf("unmarshal normalized fields: %w", err)
	}
	if len(verdict) > 0 {
		doc.Verdict = &domain.ValidationVerdict{}
		if err := json.Unmarshal(verdict, doc.Verdict); err != nil {
			return nil, fmt.Errorf("unmarshal verdict: %w", err)
		}
	}
	if len(decision) > 0 {
		doc.Decision = &domain.RoutingDecision{}
		if err := json.Unmarshal(decision, doc.Decision); err != nil {
			return nil, fmt.Errorf("unmarshal decision: %w", err)
		}
	}
	return &doc, nil
}

func scanDocuments(rows *sql.Rows) ([]domain.Document, error) {
	docs := []domain.Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

func unmarshalIfPresent(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
