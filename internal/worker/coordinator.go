// Package worker claims pending documents and drives them through the
// pipeline: fetch bytes, extract text, classify, index, complete. Claims are
// CAS transitions in Postgres, so any number of workers can run concurrently
// without double-processing.
package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/docflow-ai/docflow/internal/blob"
	"github.com/docflow-ai/docflow/internal/classify"
	"github.com/docflow-ai/docflow/internal/embedding"
	"github.com/docflow-ai/docflow/internal/extract"
	"github.com/docflow-ai/docflow/internal/store"
)

// StoreAPI captures the store methods required by the coordinator.
type StoreAPI interface {
	Claim(ctx context.Context, staleAfter time.Duration) (store.Document, bool, error)
	SetContentHash(ctx context.Context, id, hash string) error
	FindCompletedByContentHash(ctx context.Context, hash, excludeID string) (store.Document, bool, error)
	CompleteDocument(ctx context.Context, id string, assignments []store.DepartmentAssignment, summary, priority string) error
	MarkFailed(ctx context.Context, id, lastError string, retryable bool) error
	AppendStageLog(ctx context.Context, e store.StageLogEntry) error
	UpsertDocumentEmbedding(ctx context.Context, rec store.EmbeddingRecord) error
	SearchDocumentEmbeddings(ctx context.Context, vector []float32, department string, topK int) ([]store.EmbeddingSearchResult, error)
	GetDocumentsByIDs(ctx context.Context, ids []string) (map[string]store.Document, error)
	InsertDepartmentAnalytics(ctx context.Context, documentID string, assignments []store.DepartmentAssignment, priority string) error
}

// RouterAPI is the classification step as the coordinator sees it.
type RouterAPI interface {
	Route(ctx context.Context, text string, neighbors []classify.ContextDocument) (classify.Routing, error)
}

// contextNeighbors bounds how many previously routed documents ground the
// oracle's judgment.
const contextNeighbors = 5

// Coordinator processes one claimed document at a time.
type Coordinator struct {
	logger     *log.Logger
	store      StoreAPI
	blobs      blob.Storage
	extractor  extract.Extractor
	router     RouterAPI
	embedder   embedding.Embedder
	staleAfter time.Duration

	tracer           trace.Tracer
	processedCounter otelmetric.Int64Counter
	failedCounter    otelmetric.Int64Counter
	duplicateCounter otelmetric.Int64Counter
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(logger *log.Logger, st StoreAPI, blobs blob.Storage, ex extract.Extractor, router RouterAPI, emb embedding.Embedder, staleAfter time.Duration, meter otelmetric.Meter, tracer trace.Tracer) *Coordinator {
	if tracer == nil {
		tracer = trace.NewNoopTracerProvider().Tracer("worker")
	}
	c := &Coordinator{
		logger:     logger,
		store:      st,
		blobs:      blobs,
		extractor:  ex,
		router:     router,
		embedder:   emb,
		staleAfter: staleAfter,
		tracer:     tracer,
	}
	if meter != nil {
		var err error
		c.processedCounter, err = meter.Int64Counter("worker_documents_processed")
		if err != nil {
			logger.Printf("warn: create processed counter failed: %v", err)
		}
		c.failedCounter, err = meter.Int64Counter("worker_documents_failed")
		if err != nil {
			logger.Printf("warn: create failed counter failed: %v", err)
		}
		c.duplicateCounter, err = meter.Int64Counter("worker_documents_deduplicated")
		if err != nil {
			logger.Printf("warn: create duplicate counter failed: %v", err)
		}
	}
	return c
}

// ProcessNext claims one eligible document and runs the pipeline on it.
// Returns false when nothing was eligible.
func (c *Coordinator) ProcessNext(ctx context.Context) (bool, error) {
	doc, ok, err := c.store.Claim(ctx, c.staleAfter)
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	if !ok {
		return false, nil
	}
	c.process(ctx, doc)
	return true, nil
}

// pipelineError separates terminal failures (the document can never succeed)
// from transient ones (a later attempt may succeed).
type pipelineError struct {
	err      string
	terminal bool
}

func (c *Coordinator) process(ctx context.Context, doc store.Document) {
	ctx, span := c.tracer.Start(ctx, "worker.process_document")
	defer span.End()

	c.logger.Printf("processing document %s (%s, attempt %d)", doc.ID, doc.Filename, doc.RetryCount+1)

	if perr := c.run(ctx, doc); perr != nil {
		if err := c.store.MarkFailed(ctx, doc.ID, perr.err, !perr.terminal); err != nil {
			c.logger.Printf("error marking document %s failed: %v", doc.ID, err)
		}
		if c.failedCounter != nil {
			c.failedCounter.Add(ctx, 1)
		}
		c.logger.Printf("document %s failed (terminal=%v): %s", doc.ID, perr.terminal, perr.err)
		return
	}
	if c.processedCounter != nil {
		c.processedCounter.Add(ctx, 1)
	}
}

func (c *Coordinator) run(ctx context.Context, doc store.Document) *pipelineError {
	text, perr := c.extractStage(ctx, doc)
	if perr != nil {
		return perr
	}

	hash := sha256.Sum256([]byte(text))
	contentHash := hex.EncodeToString(hash[:])
	if err := c.store.SetContentHash(ctx, doc.ID, contentHash); err != nil {
		return &pipelineError{err: fmt.Sprintf("record content hash: %v", err)}
	}

	// Duplicate content inherits the earlier document's routing verbatim;
	// the oracle and embedder are never consulted a second time.
	if dup, found, err := c.store.FindCompletedByContentHash(ctx, contentHash, doc.ID); err != nil {
		return &pipelineError{err: fmt.Sprintf("lookup duplicates: %v", err)}
	} else if found {
		return c.completeAsDuplicate(ctx, doc, dup)
	}

	routing, vector, perr := c.classifyStage(ctx, doc, text)
	if perr != nil {
		return perr
	}

	if perr := c.indexStage(ctx, doc, text, vector, routing); perr != nil {
		return perr
	}

	if err := c.store.CompleteDocument(ctx, doc.ID, routing.Assignments, routing.Summary, routing.Priority); err != nil {
		return &pipelineError{err: fmt.Sprintf("complete document: %v", err)}
	}
	if err := c.store.InsertDepartmentAnalytics(ctx, doc.ID, routing.Assignments, routing.Priority); err != nil {
		// Analytics lag behind the source of truth at worst; never fail the
		// document over the mirror.
		c.logger.Printf("warn: analytics insert for %s failed: %v", doc.ID, err)
	}
	c.logger.Printf("document %s completed: %d department(s), priority %s", doc.ID, len(routing.Assignments), routing.Priority)
	return nil
}

func (c *Coordinator) extractStage(ctx context.Context, doc store.Document) (string, *pipelineError) {
	ctx, span := c.tracer.Start(ctx, "worker.extract")
	defer span.End()
	started := time.Now()
	c.logStage(ctx, doc.ID, store.StageExtraction, store.OutcomeStarted, "", 0)

	content, err := c.blobs.Get(ctx, doc.ObjectPath)
	if err != nil {
		msg := fmt.Sprintf("fetch object: %v", err)
		c.logStage(ctx, doc.ID, store.StageExtraction, store.OutcomeFailed, msg, time.Since(started).Milliseconds())
		return "", &pipelineError{err: msg}
	}

	text, err := c.extractor.Extract(ctx, content, doc.MimeType)
	if err != nil {
		msg := fmt.Sprintf("extract text: %v", err)
		c.logStage(ctx, doc.ID, store.StageExtraction, store.OutcomeFailed, msg, time.Since(started).Milliseconds())
		// Bad input never gets better; only infrastructure errors retry.
		terminal := errors.Is(err, extract.ErrUnsupportedFormat) || errors.Is(err, extract.ErrCorruptInput)
		return "", &pipelineError{err: msg, terminal: terminal}
	}
	if text == "" {
		msg := "extracted text is empty"
		c.logStage(ctx, doc.ID, store.StageExtraction, store.OutcomeFailed, msg, time.Since(started).Milliseconds())
		return "", &pipelineError{err: msg, terminal: true}
	}

	c.logStage(ctx, doc.ID, store.StageExtraction, store.OutcomeSucceeded, fmt.Sprintf("%d chars", len(text)), time.Since(started).Milliseconds())
	return text, nil
}

// classifyStage embeds the text, retrieves similar routed documents to ground
// the oracle, and asks the router for a decision. The vector is handed back
// so the index stage does not embed twice.
func (c *Coordinator) classifyStage(ctx context.Context, doc store.Document, text string) (classify.Routing, []float32, *pipelineError) {
	ctx, span := c.tracer.Start(ctx, "worker.classify")
	defer span.End()
	started := time.Now()
	c.logStage(ctx, doc.ID, store.StageClassification, store.OutcomeStarted, "", 0)

	vector, err := c.embedder.Embed(ctx, text)
	if err != nil {
		// Lost context, not a lost document; the index stage retries the
		// embedding and fails transiently if the service stays down.
		c.logger.Printf("warn: context embedding for %s failed: %v", doc.ID, err)
		vector = nil
	}
	neighbors := c.retrieveContext(ctx, doc.ID, vector)

	routing, err := c.router.Route(ctx, text, neighbors)
	if err != nil {
		msg := fmt.Sprintf("classify: %v", err)
		c.logStage(ctx, doc.ID, store.StageClassification, store.OutcomeFailed, msg, time.Since(started).Milliseconds())
		return classify.Routing{}, nil, &pipelineError{err: msg}
	}

	c.logStage(ctx, doc.ID, store.StageClassification, store.OutcomeSucceeded,
		fmt.Sprintf("%d department(s), %d context doc(s)", len(routing.Assignments), len(neighbors)), time.Since(started).Milliseconds())
	return routing, vector, nil
}

// retrieveContext finds completed documents near the vector for the oracle
// prompt. Best-effort: a retrieval failure costs context, never the document.
// Private documents never leak into another document's prompt.
func (c *Coordinator) retrieveContext(ctx context.Context, excludeID string, vector []float32) []classify.ContextDocument {
	if len(vector) == 0 {
		return nil
	}
	hits, err := c.store.SearchDocumentEmbeddings(ctx, vector, "", contextNeighbors+1)
	if err != nil {
		c.logger.Printf("warn: context retrieval for %s failed: %v", excludeID, err)
		return nil
	}
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		if h.DocumentID != excludeID {
			ids = append(ids, h.DocumentID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	docs, err := c.store.GetDocumentsByIDs(ctx, ids)
	if err != nil {
		c.logger.Printf("warn: context lookup for %s failed: %v", excludeID, err)
		return nil
	}
	var out []classify.ContextDocument
	for _, id := range ids {
		d, ok := docs[id]
		if !ok || d.Status != store.StatusCompleted || d.IsPrivate {
			continue
		}
		departments := make([]string, 0, len(d.Departments))
		for _, a := range d.Departments {
			departments = append(departments, a.Department)
		}
		out = append(out, classify.ContextDocument{
			Filename:    d.Filename,
			Departments: departments,
			Summary:     d.Summary,
		})
		if len(out) == contextNeighbors {
			break
		}
	}
	return out
}

func (c *Coordinator) indexStage(ctx context.Context, doc store.Document, text string, vector []float32, routing classify.Routing) *pipelineError {
	ctx, span := c.tracer.Start(ctx, "worker.index")
	defer span.End()
	started := time.Now()
	c.logStage(ctx, doc.ID, store.StageIndexing, store.OutcomeStarted, "", 0)

	if len(vector) == 0 {
		var err error
		vector, err = c.embedder.Embed(ctx, text)
		if err != nil {
			msg := fmt.Sprintf("embed: %v", err)
			c.logStage(ctx, doc.ID, store.StageIndexing, store.OutcomeFailed, msg, time.Since(started).Milliseconds())
			return &pipelineError{err: msg}
		}
	}

	departments := make([]string, 0, len(routing.Assignments))
	for _, a := range routing.Assignments {
		departments = append(departments, a.Department)
	}
	rec := store.EmbeddingRecord{
		DocumentID: doc.ID,
		Vector:     vector,
		Metadata: map[string]interface{}{
			"filename":    doc.Filename,
			"source":      doc.Source,
			"departments": departments,
			"priority":    routing.Priority,
		},
	}
	if err := c.store.UpsertDocumentEmbedding(ctx, rec); err != nil {
		msg := fmt.Sprintf("store embedding: %v", err)
		c.logStage(ctx, doc.ID, store.StageIndexing, store.OutcomeFailed, msg, time.Since(started).Milliseconds())
		return &pipelineError{err: msg}
	}

	c.logStage(ctx, doc.ID, store.StageIndexing, store.OutcomeSucceeded, "", time.Since(started).Milliseconds())
	return nil
}

func (c *Coordinator) completeAsDuplicate(ctx context.Context, doc, dup store.Document) *pipelineError {
	c.logStage(ctx, doc.ID, store.StageClassification, store.OutcomeSucceeded,
		fmt.Sprintf("duplicate of %s; routing inherited", dup.ID), 0)
	if err := c.store.CompleteDocument(ctx, doc.ID, dup.Departments, dup.Summary, dup.Priority); err != nil {
		return &pipelineError{err: fmt.Sprintf("complete duplicate: %v", err)}
	}
	if err := c.store.InsertDepartmentAnalytics(ctx, doc.ID, dup.Departments, dup.Priority); err != nil {
		c.logger.Printf("warn: analytics insert for duplicate %s failed: %v", doc.ID, err)
	}
	if c.duplicateCounter != nil {
		c.duplicateCounter.Add(ctx, 1)
	}
	c.logger.Printf("document %s is a duplicate of %s", doc.ID, dup.ID)
	return nil
}

func (c *Coordinator) logStage(ctx context.Context, documentID, stage, outcome, detail string, durationMs int64) {
	err := c.store.AppendStageLog(ctx, store.StageLogEntry{
		DocumentID: documentID,
		Stage:      stage,
		Outcome:    outcome,
		Detail:     detail,
		DurationMs: durationMs,
	})
	if err != nil {
		c.logger.Printf("warn: stage log append for %s failed: %v", documentID, err)
	}
}
