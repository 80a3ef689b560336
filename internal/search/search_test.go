package search

import (
	"context"
	"testing"
	"time"

	"github.com/docflow-ai/docflow/config"
	"github.com/docflow-ai/docflow/internal/store"
)

type fakeStore struct {
	hits []store.EmbeddingSearchResult
	docs map[string]store.Document
}

func (f *fakeStore) SearchDocumentEmbeddings(ctx context.Context, vector []float32, department string, topK int) ([]store.EmbeddingSearchResult, error) {
	return f.hits, nil
}

func (f *fakeStore) GetDocumentsByIDs(ctx context.Context, ids []string) (map[string]store.Document, error) {
	out := make(map[string]store.Document, len(ids))
	for _, id := range ids {
		if d, ok := f.docs[id]; ok {
			out[id] = d
		}
	}
	return out, nil
}

func (f *fakeStore) ListCompletedByDepartment(ctx context.Context, department, requester string, limit int) ([]store.Document, error) {
	var docs []store.Document
	for _, d := range f.docs {
		if d.Status == store.StatusCompleted && Visible(d, requester) {
			docs = append(docs, d)
		}
	}
	return docs, nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1, 0.2}, nil
}

func completedDoc(id, owner string, private bool) store.Document {
	return store.Document{
		ID:            id,
		Status:        store.StatusCompleted,
		IsPrivate:     private,
		OwnerIdentity: owner,
		CreatedAt:     time.Now(),
	}
}

func TestVisible(t *testing.T) {
	pub := completedDoc("a", "", false)
	priv := completedDoc("b", "alice", true)

	if !Visible(pub, "") || !Visible(pub, "bob") {
		t.Fatal("public documents must be visible to everyone")
	}
	if !Visible(priv, "alice") {
		t.Fatal("owner must see their private document")
	}
	if Visible(priv, "bob") || Visible(priv, "") {
		t.Fatal("private documents must be hidden from others")
	}
}

func TestSemanticFiltersPrivateDocuments(t *testing.T) {
	st := &fakeStore{
		hits: []store.EmbeddingSearchResult{
			{DocumentID: "private-other", Distance: 0.1},
			{DocumentID: "public", Distance: 0.2},
			{DocumentID: "private-mine", Distance: 0.3},
		},
		docs: map[string]store.Document{
			"private-other": completedDoc("private-other", "bob", true),
			"public":        completedDoc("public", "", false),
			"private-mine":  completedDoc("private-mine", "alice", true),
		},
	}
	svc := New(st, fakeEmbedder{}, config.SearchConfig{})

	results, err := svc.Semantic(context.Background(), "query", "", "alice", 10)
	if err != nil {
		t.Fatalf("Semantic: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 visible results, got %d", len(results))
	}
	// Rank order from the vector search is preserved after filtering.
	if results[0].Document.ID != "public" || results[1].Document.ID != "private-mine" {
		t.Fatalf("unexpected order: %s, %s", results[0].Document.ID, results[1].Document.ID)
	}
}

func TestSemanticSkipsNonCompletedRows(t *testing.T) {
	st := &fakeStore{
		hits: []store.EmbeddingSearchResult{
			{DocumentID: "gone", Distance: 0.1},
			{DocumentID: "ok", Distance: 0.2},
		},
		docs: map[string]store.Document{
			"gone": {ID: "gone", Status: store.StatusFailed},
			"ok":   completedDoc("ok", "", false),
		},
	}
	svc := New(st, fakeEmbedder{}, config.SearchConfig{})

	results, err := svc.Semantic(context.Background(), "query", "", "", 10)
	if err != nil {
		t.Fatalf("Semantic: %v", err)
	}
	if len(results) != 1 || results[0].Document.ID != "ok" {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestSemanticTruncatesToTopK(t *testing.T) {
	var hits []store.EmbeddingSearchResult
	docs := map[string]store.Document{}
	for _, id := range []string{"a", "b", "c", "d"} {
		hits = append(hits, store.EmbeddingSearchResult{DocumentID: id, Distance: 0.1})
		docs[id] = completedDoc(id, "", false)
	}
	svc := New(&fakeStore{hits: hits, docs: docs}, fakeEmbedder{}, config.SearchConfig{})

	results, err := svc.Semantic(context.Background(), "query", "", "", 2)
	if err != nil {
		t.Fatalf("Semantic: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
}

func TestSemanticRejectsEmptyQuery(t *testing.T) {
	svc := New(&fakeStore{}, fakeEmbedder{}, config.SearchConfig{})
	if _, err := svc.Semantic(context.Background(), "   ", "", "", 5); err == nil {
		t.Fatal("expected error for empty query")
	}
}

func TestSemanticAppliesThreshold(t *testing.T) {
	st := &fakeStore{
		hits: []store.EmbeddingSearchResult{
			{DocumentID: "close", Distance: 0.1},
			{DocumentID: "far", Distance: 0.9},
		},
		docs: map[string]store.Document{
			"close": completedDoc("close", "", false),
			"far":   completedDoc("far", "", false),
		},
	}
	svc := New(st, fakeEmbedder{}, config.SearchConfig{Threshold: 0.5})

	results, err := svc.Semantic(context.Background(), "query", "", "", 10)
	if err != nil {
		t.Fatalf("Semantic: %v", err)
	}
	if len(results) != 1 || results[0].Document.ID != "close" {
		t.Fatalf("unexpected results: %+v", results)
	}
}
