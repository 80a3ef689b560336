package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Store wraps the Postgres connection holding documents, stage logs,
// embeddings and analytics.
type Store struct {
	DB *sql.DB
}

// Document statuses. A document is always in exactly one of these states.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Document priorities as reported by the classification oracle.
const (
	PriorityUrgent = "urgent"
	PriorityHigh   = "high"
	PriorityNormal = "normal"
	PriorityLow    = "low"
)

// Pipeline stages recorded in the stage log.
const (
	StageExtraction     = "extraction"
	StageClassification = "classification"
	StageIndexing       = "indexing"
)

// Stage log outcomes.
const (
	OutcomeStarted   = "started"
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)

// MaxRetries bounds how often a transiently failed document is reprocessed.
const MaxRetries = 3

// DepartmentAssignment is one department's slice of a classified document.
type DepartmentAssignment struct {
	Department string   `json:"department"`
	Confidence float64  `json:"confidence"`
	Tasks      []string `json:"tasks,omitempty"`
}

// Document is one ingested artifact tracked through the pipeline.
type Document struct {
	ID                    string
	Source                string
	Filename              string
	MimeType              string
	SizeBytes             int64
	ObjectPath            string
	ContentHash           string
	Status                string
	RetryCount            int
	Retryable             bool
	LastError             string
	Summary               string
	Priority              string
	IsPrivate             bool
	OwnerIdentity         string
	Departments           []DepartmentAssignment
	CreatedAt             time.Time
	ProcessingStartedAt   *time.Time
	ProcessingCompletedAt *time.Time
}

// StageLogEntry is one append-only audit record for a pipeline stage.
type StageLogEntry struct {
	DocumentID string
	Stage      string
	Outcome    string
	Detail     string
	DurationMs int64
	CreatedAt  time.Time
}

// EmbeddingRecord stores the semantic vector for a completed document.
type EmbeddingRecord struct {
	DocumentID string
	Vector     []float32
	Metadata   map[string]interface{}
	CreatedAt  time.Time
}

// EmbeddingSearchResult is one semantic search hit before privacy filtering.
type EmbeddingSearchResult struct {
	DocumentID string
	Distance   float64
	CreatedAt  time.Time
}

// DepartmentWorkload is a derived per-department count of open task load.
type DepartmentWorkload struct {
	Department string
	OpenTasks  int
	Documents  int
}

// New constructs the Store from the given Postgres DSN.
func New(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// CreateDocument inserts a new pending document and returns its id.
func (s *Store) CreateDocument(ctx context.Context, doc Document) (string, error) {
	if doc.IsPrivate && strings.TrimSpace(doc.OwnerIdentity) == "" {
		return "", fmt.Errorf("owner identity required for private documents")
	}
	var id string
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO documents (source, filename, mime_type, size_bytes, object_path, status, retryable, is_private, owner_identity)
VALUES ($1,$2,$3,$4,$5,'pending',TRUE,$6,$7)
RETURNING id
`, doc.Source, doc.Filename, doc.MimeType, doc.SizeBytes, doc.ObjectPath, doc.IsPrivate, nullableString(doc.OwnerIdentity)).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("insert document: %w", err)
	}
	return id, nil
}

const documentColumns = `id, source, filename, mime_type, size_bytes, object_path, COALESCE(content_hash,''),
       status, retry_count, retryable, COALESCE(last_error,''), COALESCE(summary,''), COALESCE(priority,''),
       is_private, COALESCE(owner_identity,''), created_at, processing_started_at, processing_completed_at`

func scanDocument(row interface{ Scan(...interface{}) error }) (Document, error) {
	var d Document
	err := row.Scan(&d.ID, &d.Source, &d.Filename, &d.MimeType, &d.SizeBytes, &d.ObjectPath, &d.ContentHash,
		&d.Status, &d.RetryCount, &d.Retryable, &d.LastError, &d.Summary, &d.Priority,
		&d.IsPrivate, &d.OwnerIdentity, &d.CreatedAt, &d.ProcessingStartedAt, &d.ProcessingCompletedAt)
	return d, err
}

// GetDocument fetches one document with its department assignments.
func (s *Store) GetDocument(ctx context.Context, id string) (Document, bool, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=$1`, id)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Document{}, false, nil
		}
		return Document{}, false, err
	}
	deps, err := s.documentDepartments(ctx, id)
	if err != nil {
		return Document{}, false, err
	}
	doc.Departments = deps
	return doc, true, nil
}

// GetDocumentsByIDs fetches the given documents with assignments, keyed by id.
func (s *Store) GetDocumentsByIDs(ctx context.Context, ids []string) (map[string]Document, error) {
	if len(ids) == 0 {
		return map[string]Document{}, nil
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]Document, len(ids))
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out[doc.ID] = doc
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for id, doc := range out {
		deps, err := s.documentDepartments(ctx, id)
		if err != nil {
			return nil, err
		}
		doc.Departments = deps
		out[id] = doc
	}
	return out, nil
}

func (s *Store) documentDepartments(ctx context.Context, id string) ([]DepartmentAssignment, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT department, confidence, tasks FROM document_departments
WHERE document_id=$1 ORDER BY position
`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []DepartmentAssignment
	for rows.Next() {
		var (
			a         DepartmentAssignment
			taskBytes []byte
		)
		if err := rows.Scan(&a.Department, &a.Confidence, &taskBytes); err != nil {
			return nil, err
		}
		if len(taskBytes) > 0 {
			if err := json.Unmarshal(taskBytes, &a.Tasks); err != nil {
				return nil, fmt.Errorf("decode tasks for %s: %w", id, err)
			}
		}
		deps = append(deps, a)
	}
	return deps, rows.Err()
}

// Claim atomically transitions one eligible document to processing and
// returns it. Eligible rows are pending documents, transiently failed
// documents with remaining retries, and processing rows whose claim went
// stale. Reclaiming a stale row consumes a retry attempt. The update is a
// single statement; concurrent claimants race on FOR UPDATE SKIP LOCKED and
// exactly one wins each row.
func (s *Store) Claim(ctx context.Context, staleAfter time.Duration) (Document, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
UPDATE documents d SET
  status = 'processing',
  retry_count = d.retry_count + CASE WHEN c.prev_status = 'processing' THEN 1 ELSE 0 END,
  processing_started_at = NOW()
FROM (
  SELECT id AS claim_id, status AS prev_status FROM documents
  WHERE status = 'pending'
     OR (status = 'failed' AND retryable AND retry_count < $2)
     OR (status = 'processing' AND processing_started_at < NOW() - make_interval(secs => $1) AND retry_count < $2)
  ORDER BY created_at
  LIMIT 1
  FOR UPDATE SKIP LOCKED
) c
WHERE d.id = c.claim_id
RETURNING `+documentColumns, staleAfter.Seconds(), MaxRetries)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Document{}, false, nil
		}
		return Document{}, false, fmt.Errorf("claim document: %w", err)
	}
	return doc, true, nil
}

// SetContentHash records the extracted-text fingerprint.
func (s *Store) SetContentHash(ctx context.Context, id, hash string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE documents SET content_hash=$2 WHERE id=$1`, id, hash)
	return err
}

// FindCompletedByContentHash returns an already completed document with the
// same extracted-text hash, if any. Used for duplicate suppression.
func (s *Store) FindCompletedByContentHash(ctx context.Context, hash, excludeID string) (Document, bool, error) {
	if hash == "" {
		return Document{}, false, nil
	}
	row := s.DB.QueryRowContext(ctx, `
SELECT `+documentColumns+` FROM documents
WHERE content_hash=$1 AND status='completed' AND id <> $2
ORDER BY processing_completed_at
LIMIT 1
`, hash, excludeID)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Document{}, false, nil
		}
		return Document{}, false, err
	}
	deps, err := s.documentDepartments(ctx, doc.ID)
	if err != nil {
		return Document{}, false, err
	}
	doc.Departments = deps
	return doc, true, nil
}

// CompleteDocument transitions a processing document to completed, writing
// its assignments, summary and priority in one transaction. A completed
// document always carries at least one assignment and a summary.
func (s *Store) CompleteDocument(ctx context.Context, id string, assignments []DepartmentAssignment, summary, priority string) error {
	if len(assignments) == 0 {
		return fmt.Errorf("completed document requires at least one department assignment")
	}
	if strings.TrimSpace(summary) == "" {
		return fmt.Errorf("completed document requires a summary")
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
UPDATE documents SET status='completed', summary=$2, priority=$3, last_error=NULL, processing_completed_at=NOW()
WHERE id=$1 AND status='processing'
`, id, summary, priority)
	if err != nil {
		return fmt.Errorf("complete document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("document %s is not processing", id)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM document_departments WHERE document_id=$1`, id); err != nil {
		return fmt.Errorf("clear assignments: %w", err)
	}
	for i, a := range assignments {
		// A nil task list must land as an empty JSONB array, not the scalar
		// null, or jsonb_array_length chokes on it later.
		tasks := a.Tasks
		if tasks == nil {
			tasks = []string{}
		}
		taskBytes, err := json.Marshal(tasks)
		if err != nil {
			return fmt.Errorf("encode tasks: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO document_departments (document_id, position, department, confidence, tasks)
VALUES ($1,$2,$3,$4,$5)
`, id, i, a.Department, a.Confidence, taskBytes); err != nil {
			return fmt.Errorf("insert assignment: %w", err)
		}
	}
	return tx.Commit()
}

// MarkFailed transitions a processing document to failed. Retryable failures
// consume a retry attempt; terminal ones (extraction errors) do not and are
// never reclaimed.
func (s *Store) MarkFailed(ctx context.Context, id, lastError string, retryable bool) error {
	if strings.TrimSpace(lastError) == "" {
		return fmt.Errorf("failed document requires an error")
	}
	// LEAST keeps the count within the retry budget when the claim already
	// consumed an attempt reclaiming a stale row.
	res, err := s.DB.ExecContext(ctx, `
UPDATE documents SET
  status = 'failed',
  retryable = $3,
  retry_count = LEAST(retry_count + CASE WHEN $3 THEN 1 ELSE 0 END, $4),
  last_error = $2
WHERE id=$1 AND status='processing'
`, id, lastError, retryable, MaxRetries)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("document %s is not processing", id)
	}
	return nil
}

// FailExhaustedStale terminal-fails processing rows that went stale with no
// retries left, so no document is stuck in limbo. Returns rows affected.
func (s *Store) FailExhaustedStale(ctx context.Context, staleAfter time.Duration) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
UPDATE documents SET status='failed', retryable=FALSE, last_error='processing stalled with no retries left'
WHERE status='processing' AND processing_started_at < NOW() - make_interval(secs => $1) AND retry_count >= $2
`, staleAfter.Seconds(), MaxRetries)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AppendStageLog appends one audit record. Stage log rows are never updated.
func (s *Store) AppendStageLog(ctx context.Context, e StageLogEntry) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO stage_log (document_id, stage, outcome, detail, duration_ms)
VALUES ($1,$2,$3,$4,$5)
`, e.DocumentID, e.Stage, e.Outcome, nullableString(e.Detail), e.DurationMs)
	return err
}

// ListStageLog returns the audit trail for a document, oldest first.
func (s *Store) ListStageLog(ctx context.Context, documentID string) ([]StageLogEntry, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT document_id, stage, outcome, COALESCE(detail,''), duration_ms, created_at
FROM stage_log WHERE document_id=$1 ORDER BY created_at
`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StageLogEntry
	for rows.Next() {
		var e StageLogEntry
		if err := rows.Scan(&e.DocumentID, &e.Stage, &e.Outcome, &e.Detail, &e.DurationMs, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpsertDocumentEmbedding stores or replaces the semantic vector for a document.
func (s *Store) UpsertDocumentEmbedding(ctx context.Context, rec EmbeddingRecord) error {
	if rec.DocumentID == "" {
		return fmt.Errorf("document id required")
	}
	vectorLiteral, err := encodeVectorLiteral(rec.Vector)
	if err != nil {
		return err
	}
	metaBytes := []byte("{}")
	if rec.Metadata != nil {
		metaBytes, err = json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("encode embedding metadata: %w", err)
		}
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO document_embeddings (document_id, embedding, metadata, created_at)
VALUES ($1,$2::vector,$3,NOW())
ON CONFLICT (document_id) DO UPDATE SET
  embedding = EXCLUDED.embedding,
  metadata = EXCLUDED.metadata,
  created_at = NOW();
`, rec.DocumentID, vectorLiteral, metaBytes)
	return err
}

// SearchDocumentEmbeddings returns the closest completed documents for the
// supplied vector, optionally restricted to one department. Results are not
// privacy filtered; callers must re-check visibility against live rows.
func (s *Store) SearchDocumentEmbeddings(ctx context.Context, vector []float32, department string, topK int) ([]EmbeddingSearchResult, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("vector must not be empty")
	}
	if topK <= 0 {
		topK = 10
	}
	vecLiteral, err := encodeVectorLiteral(vector)
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT e.document_id, e.embedding <=> $1::vector AS distance, d.created_at
FROM document_embeddings e
JOIN documents d ON d.id = e.document_id
WHERE d.status = 'completed'
  AND ($2 = '' OR EXISTS (
        SELECT 1 FROM document_departments dd
        WHERE dd.document_id = d.id AND dd.department = $2))
ORDER BY e.embedding <=> $1::vector, d.created_at DESC
LIMIT $3
`, vecLiteral, department, topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var results []EmbeddingSearchResult
	for rows.Next() {
		var res EmbeddingSearchResult
		if err := rows.Scan(&res.DocumentID, &res.Distance, &res.CreatedAt); err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

// ListCompletedByDepartment returns completed documents for a department with
// the visibility rule applied in SQL, newest first.
func (s *Store) ListCompletedByDepartment(ctx context.Context, department, requester string, limit int) ([]Document, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT `+documentColumns+` FROM documents d
WHERE d.status = 'completed'
  AND (NOT d.is_private OR d.owner_identity = $2)
  AND ($1 = '' OR EXISTS (
        SELECT 1 FROM document_departments dd
        WHERE dd.document_id = d.id AND dd.department = $1))
ORDER BY d.created_at DESC
LIMIT $3
`, department, requester, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range docs {
		deps, err := s.documentDepartments(ctx, docs[i].ID)
		if err != nil {
			return nil, err
		}
		docs[i].Departments = deps
	}
	return docs, nil
}

// InsertDepartmentAnalytics mirrors a completed document's assignments into
// the analytics table. Called explicitly by the coordinator after the
// completed transition; there is no database trigger.
func (s *Store) InsertDepartmentAnalytics(ctx context.Context, documentID string, assignments []DepartmentAssignment, priority string) error {
	for _, a := range assignments {
		if _, err := s.DB.ExecContext(ctx, `
INSERT INTO department_analytics (document_id, department, confidence, priority, completed_at)
VALUES ($1,$2,$3,$4,NOW())
ON CONFLICT (document_id, department) DO NOTHING
`, documentID, a.Department, a.Confidence, priority); err != nil {
			return fmt.Errorf("insert analytics: %w", err)
		}
	}
	return nil
}

// DepartmentWorkloads derives the open load per department from assignment
// task lists. A derived read, recomputed on demand; no mutable counters.
func (s *Store) DepartmentWorkloads(ctx context.Context) ([]DepartmentWorkload, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT dd.department,
       COALESCE(SUM(CASE WHEN jsonb_typeof(dd.tasks) = 'array' THEN jsonb_array_length(dd.tasks) ELSE 0 END),0),
       COUNT(DISTINCT dd.document_id)
FROM document_departments dd
JOIN documents d ON d.id = dd.document_id
WHERE d.status = 'completed'
GROUP BY dd.department
ORDER BY dd.department
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DepartmentWorkload
	for rows.Next() {
		var w DepartmentWorkload
		if err := rows.Scan(&w.Department, &w.OpenTasks, &w.Documents); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// QueueDepth counts documents still eligible for claiming.
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `
SELECT COUNT(*) FROM documents
WHERE status='pending' OR (status='failed' AND retryable AND retry_count < $1)
`, MaxRetries).Scan(&n)
	return n, err
}

// User operations

func (s *Store) CreateUser(ctx context.Context, email, hash string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (email, password_hash) VALUES ($1,$2)`, email, hash)
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT id, password_hash FROM users WHERE email=$1`, email).Scan(&id, &hash)
	return
}

// helpers

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func encodeVectorLiteral(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", fmt.Errorf("vector must not be empty")
	}
	var builder strings.Builder
	builder.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	builder.WriteByte(']')
	return builder.String(), nil
}
