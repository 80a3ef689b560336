package worker

import (
	"context"
	"fmt"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/docflow-ai/docflow/internal/classify"
	"github.com/docflow-ai/docflow/internal/extract"
	"github.com/docflow-ai/docflow/internal/store"
)

type fakeStore struct {
	claimDoc  *store.Document
	duplicate *store.Document

	completed   bool
	assignments []store.DepartmentAssignment
	summary     string
	priority    string

	failed      bool
	failedError string
	failedRetry bool
	contentHash string
	stages      []store.StageLogEntry
	embedding   *store.EmbeddingRecord
	analytics   int
	completeErr error

	searchHits []store.EmbeddingSearchResult
	docsByID   map[string]store.Document
}

func (f *fakeStore) Claim(ctx context.Context, staleAfter time.Duration) (store.Document, bool, error) {
	if f.claimDoc == nil {
		return store.Document{}, false, nil
	}
	doc := *f.claimDoc
	f.claimDoc = nil
	return doc, true, nil
}

func (f *fakeStore) SetContentHash(ctx context.Context, id, hash string) error {
	f.contentHash = hash
	return nil
}

func (f *fakeStore) FindCompletedByContentHash(ctx context.Context, hash, excludeID string) (store.Document, bool, error) {
	if f.duplicate != nil {
		return *f.duplicate, true, nil
	}
	return store.Document{}, false, nil
}

func (f *fakeStore) CompleteDocument(ctx context.Context, id string, assignments []store.DepartmentAssignment, summary, priority string) error {
	if f.completeErr != nil {
		return f.completeErr
	}
	f.completed = true
	f.assignments = assignments
	f.summary = summary
	f.priority = priority
	return nil
}

func (f *fakeStore) MarkFailed(ctx context.Context, id, lastError string, retryable bool) error {
	f.failed = true
	f.failedError = lastError
	f.failedRetry = retryable
	return nil
}

func (f *fakeStore) AppendStageLog(ctx context.Context, e store.StageLogEntry) error {
	f.stages = append(f.stages, e)
	return nil
}

func (f *fakeStore) UpsertDocumentEmbedding(ctx context.Context, rec store.EmbeddingRecord) error {
	f.embedding = &rec
	return nil
}

func (f *fakeStore) SearchDocumentEmbeddings(ctx context.Context, vector []float32, department string, topK int) ([]store.EmbeddingSearchResult, error) {
	return f.searchHits, nil
}

func (f *fakeStore) GetDocumentsByIDs(ctx context.Context, ids []string) (map[string]store.Document, error) {
	out := make(map[string]store.Document, len(ids))
	for _, id := range ids {
		if d, ok := f.docsByID[id]; ok {
			out[id] = d
		}
	}
	return out, nil
}

func (f *fakeStore) InsertDepartmentAnalytics(ctx context.Context, documentID string, assignments []store.DepartmentAssignment, priority string) error {
	f.analytics++
	return nil
}

type fakeBlobs struct {
	content []byte
	err     error
}

func (f *fakeBlobs) Put(ctx context.Context, filename, mimeType string, content []byte) (string, error) {
	return "path", nil
}
func (f *fakeBlobs) Get(ctx context.Context, objectPath string) ([]byte, error) {
	return f.content, f.err
}
func (f *fakeBlobs) PresignedURL(ctx context.Context, objectPath string) (string, error) {
	return "http://example/" + objectPath, nil
}

type fakeExtractor struct {
	text string
	err  error
}

func (f *fakeExtractor) Extract(ctx context.Context, content []byte, mimeType string) (string, error) {
	return f.text, f.err
}

type fakeRouter struct {
	routing   classify.Routing
	err       error
	calls     int
	neighbors []classify.ContextDocument
}

func (f *fakeRouter) Route(ctx context.Context, text string, neighbors []classify.ContextDocument) (classify.Routing, error) {
	f.calls++
	f.neighbors = neighbors
	return f.routing, f.err
}

type fakeEmbedder struct {
	vector []float32
	err    error
	calls  int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	return f.vector, f.err
}

func testDoc() *store.Document {
	return &store.Document{
		ID:         "doc-1",
		Source:     "upload",
		Filename:   "report.txt",
		MimeType:   "text/plain",
		ObjectPath: "2026/08/31/abc-report.txt",
		Status:     store.StatusProcessing,
	}
}

func newTestCoordinator(st *fakeStore, blobs *fakeBlobs, ex *fakeExtractor, router *fakeRouter, emb *fakeEmbedder) *Coordinator {
	logger := log.New(log.Writer(), "[TEST] ", log.LstdFlags)
	return NewCoordinator(logger, st, blobs, ex, router, emb, 10*time.Minute, nil, nil)
}

func TestProcessNextSuccess(t *testing.T) {
	st := &fakeStore{claimDoc: testDoc()}
	router := &fakeRouter{routing: classify.Routing{
		Assignments: []store.DepartmentAssignment{{Department: "Finance", Confidence: 0.9, Tasks: []string{"review"}}},
		Summary:     "a report",
		Priority:    "high",
	}}
	emb := &fakeEmbedder{vector: []float32{0.1, 0.2}}
	c := newTestCoordinator(st, &fakeBlobs{content: []byte("hello")}, &fakeExtractor{text: "extracted text"}, router, emb)

	processed, err := c.ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}
	if !processed {
		t.Fatal("expected a document to be processed")
	}
	if !st.completed {
		t.Fatal("document not completed")
	}
	if st.summary != "a report" || st.priority != "high" {
		t.Fatalf("unexpected completion: %q %q", st.summary, st.priority)
	}
	if st.contentHash == "" {
		t.Fatal("content hash not recorded")
	}
	if st.embedding == nil {
		t.Fatal("embedding not stored")
	}
	if emb.calls != 1 {
		t.Fatalf("text must be embedded once and reused, got %d calls", emb.calls)
	}
	if st.analytics != 1 {
		t.Fatalf("expected 1 analytics insert, got %d", st.analytics)
	}

	// extraction, classification and indexing each log start and success
	wantStages := []string{
		store.StageExtraction + "/" + store.OutcomeStarted,
		store.StageExtraction + "/" + store.OutcomeSucceeded,
		store.StageClassification + "/" + store.OutcomeStarted,
		store.StageClassification + "/" + store.OutcomeSucceeded,
		store.StageIndexing + "/" + store.OutcomeStarted,
		store.StageIndexing + "/" + store.OutcomeSucceeded,
	}
	if len(st.stages) != len(wantStages) {
		t.Fatalf("expected %d stage entries, got %d", len(wantStages), len(st.stages))
	}
	for i, e := range st.stages {
		if got := e.Stage + "/" + e.Outcome; got != wantStages[i] {
			t.Fatalf("stage %d: got %s, want %s", i, got, wantStages[i])
		}
	}
}

func TestProcessNextNothingEligible(t *testing.T) {
	st := &fakeStore{}
	c := newTestCoordinator(st, &fakeBlobs{}, &fakeExtractor{}, &fakeRouter{}, &fakeEmbedder{})

	processed, err := c.ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}
	if processed {
		t.Fatal("expected no document")
	}
}

func TestProcessNextTerminalExtractionFailure(t *testing.T) {
	st := &fakeStore{claimDoc: testDoc()}
	ex := &fakeExtractor{err: fmt.Errorf("%w: application/x-unknown", extract.ErrUnsupportedFormat)}
	router := &fakeRouter{}
	c := newTestCoordinator(st, &fakeBlobs{content: []byte("bytes")}, ex, router, &fakeEmbedder{})

	if _, err := c.ProcessNext(context.Background()); err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}
	if !st.failed {
		t.Fatal("document not marked failed")
	}
	if st.failedRetry {
		t.Fatal("unsupported format must be terminal")
	}
	if router.calls != 0 {
		t.Fatal("oracle must not run after failed extraction")
	}
}

func TestProcessNextTransientOracleFailure(t *testing.T) {
	st := &fakeStore{claimDoc: testDoc()}
	router := &fakeRouter{err: classify.ErrOracleTimeout}
	c := newTestCoordinator(st, &fakeBlobs{content: []byte("bytes")}, &fakeExtractor{text: "text"}, router, &fakeEmbedder{})

	if _, err := c.ProcessNext(context.Background()); err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}
	if !st.failed {
		t.Fatal("document not marked failed")
	}
	if !st.failedRetry {
		t.Fatal("oracle timeout must be retryable")
	}
	if !strings.Contains(st.failedError, "classify") {
		t.Fatalf("unexpected error detail: %q", st.failedError)
	}
}

func TestProcessNextTransientEmbeddingFailure(t *testing.T) {
	st := &fakeStore{claimDoc: testDoc()}
	router := &fakeRouter{routing: classify.Routing{
		Assignments: []store.DepartmentAssignment{{Department: "HR", Confidence: 0.8}},
		Summary:     "s",
		Priority:    "normal",
	}}
	emb := &fakeEmbedder{err: fmt.Errorf("embedding service unavailable")}
	c := newTestCoordinator(st, &fakeBlobs{content: []byte("bytes")}, &fakeExtractor{text: "text"}, router, emb)

	if _, err := c.ProcessNext(context.Background()); err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}
	if !st.failed || !st.failedRetry {
		t.Fatalf("embedding failure must be retryable: failed=%v retryable=%v", st.failed, st.failedRetry)
	}
	if st.completed {
		t.Fatal("document must not complete without an index entry")
	}
}

func TestProcessNextDuplicateShortCircuit(t *testing.T) {
	dup := &store.Document{
		ID:       "doc-0",
		Status:   store.StatusCompleted,
		Summary:  "earlier summary",
		Priority: "low",
		Departments: []store.DepartmentAssignment{
			{Department: "Operations", Confidence: 0.7, Tasks: []string{"file it"}},
		},
	}
	st := &fakeStore{claimDoc: testDoc(), duplicate: dup}
	router := &fakeRouter{}
	emb := &fakeEmbedder{}
	c := newTestCoordinator(st, &fakeBlobs{content: []byte("bytes")}, &fakeExtractor{text: "same text"}, router, emb)

	if _, err := c.ProcessNext(context.Background()); err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}
	if router.calls != 0 {
		t.Fatal("duplicate must not consult the oracle")
	}
	if emb.calls != 0 {
		t.Fatal("duplicate must not re-embed")
	}
	if !st.completed {
		t.Fatal("duplicate not completed")
	}
	if st.summary != "earlier summary" || st.priority != "low" {
		t.Fatalf("duplicate routing not inherited: %q %q", st.summary, st.priority)
	}
	if len(st.assignments) != 1 || st.assignments[0].Department != "Operations" {
		t.Fatalf("unexpected inherited assignments: %+v", st.assignments)
	}
}

func TestClassificationGroundedOnSimilarDocuments(t *testing.T) {
	st := &fakeStore{
		claimDoc: testDoc(),
		searchHits: []store.EmbeddingSearchResult{
			{DocumentID: "doc-1"}, // the claimed document itself
			{DocumentID: "doc-7"},
			{DocumentID: "doc-8"},
		},
		docsByID: map[string]store.Document{
			"doc-7": {
				ID: "doc-7", Filename: "q2-invoices.pdf", Status: store.StatusCompleted,
				Summary:     "Q2 invoice batch",
				Departments: []store.DepartmentAssignment{{Department: "Finance", Confidence: 0.9}},
			},
			"doc-8": {
				ID: "doc-8", Filename: "salary-review.pdf", Status: store.StatusCompleted,
				IsPrivate: true, OwnerIdentity: "user-1",
				Departments: []store.DepartmentAssignment{{Department: "HR", Confidence: 0.9}},
			},
		},
	}
	router := &fakeRouter{routing: classify.Routing{
		Assignments: []store.DepartmentAssignment{{Department: "Finance", Confidence: 0.9}},
		Summary:     "an invoice",
		Priority:    "normal",
	}}
	emb := &fakeEmbedder{vector: []float32{0.1, 0.2}}
	c := newTestCoordinator(st, &fakeBlobs{content: []byte("bytes")}, &fakeExtractor{text: "invoice text"}, router, emb)

	if _, err := c.ProcessNext(context.Background()); err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}
	if len(router.neighbors) != 1 {
		t.Fatalf("expected 1 context document, got %+v", router.neighbors)
	}
	n := router.neighbors[0]
	if n.Filename != "q2-invoices.pdf" || len(n.Departments) != 1 || n.Departments[0] != "Finance" {
		t.Fatalf("unexpected context document: %+v", n)
	}
	if n.Summary != "Q2 invoice batch" {
		t.Fatalf("context summary not carried: %q", n.Summary)
	}
}

func TestContextEmbeddingFailureStillClassifies(t *testing.T) {
	st := &fakeStore{claimDoc: testDoc()}
	router := &fakeRouter{routing: classify.Routing{
		Assignments: []store.DepartmentAssignment{{Department: "HR", Confidence: 0.8}},
		Summary:     "s",
		Priority:    "normal",
	}}
	emb := &fakeEmbedder{err: fmt.Errorf("embedding service unavailable")}
	c := newTestCoordinator(st, &fakeBlobs{content: []byte("bytes")}, &fakeExtractor{text: "text"}, router, emb)

	if _, err := c.ProcessNext(context.Background()); err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}
	// Classification ran without context; the index stage then failed
	// transiently on the second embed attempt.
	if router.calls != 1 || router.neighbors != nil {
		t.Fatalf("expected contextless classification, calls=%d neighbors=%+v", router.calls, router.neighbors)
	}
	if !st.failed || !st.failedRetry {
		t.Fatalf("embedding outage must stay retryable: failed=%v retryable=%v", st.failed, st.failedRetry)
	}
}

func TestProcessNextBlobFetchFailureIsTransient(t *testing.T) {
	st := &fakeStore{claimDoc: testDoc()}
	c := newTestCoordinator(st, &fakeBlobs{err: fmt.Errorf("connection refused")}, &fakeExtractor{}, &fakeRouter{}, &fakeEmbedder{})

	if _, err := c.ProcessNext(context.Background()); err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}
	if !st.failed || !st.failedRetry {
		t.Fatalf("blob failure must be retryable: failed=%v retryable=%v", st.failed, st.failedRetry)
	}
}

func TestProcessNextEmptyTextIsTerminal(t *testing.T) {
	st := &fakeStore{claimDoc: testDoc()}
	c := newTestCoordinator(st, &fakeBlobs{content: []byte("bytes")}, &fakeExtractor{text: ""}, &fakeRouter{}, &fakeEmbedder{})

	if _, err := c.ProcessNext(context.Background()); err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}
	if !st.failed {
		t.Fatal("document not marked failed")
	}
	if st.failedRetry {
		t.Fatal("empty extraction must be terminal")
	}
}
