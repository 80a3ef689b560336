// Package search serves retrieval over completed documents: semantic search
// via pgvector and structured listing by department. Every result path
// applies the visibility rule against live document rows, so a document made
// private after indexing disappears from other users' results immediately.
package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/docflow-ai/docflow/config"
	"github.com/docflow-ai/docflow/internal/embedding"
	"github.com/docflow-ai/docflow/internal/store"
)

// StoreAPI captures the store methods retrieval needs.
type StoreAPI interface {
	SearchDocumentEmbeddings(ctx context.Context, vector []float32, department string, topK int) ([]store.EmbeddingSearchResult, error)
	GetDocumentsByIDs(ctx context.Context, ids []string) (map[string]store.Document, error)
	ListCompletedByDepartment(ctx context.Context, department, requester string, limit int) ([]store.Document, error)
}

// Result is one search hit after privacy filtering.
type Result struct {
	Document   store.Document
	Similarity float64
}

// Service answers search requests.
type Service struct {
	store    StoreAPI
	embedder embedding.Embedder
	cfg      config.SearchConfig
}

// New constructs the search service.
func New(st StoreAPI, embedder embedding.Embedder, cfg config.SearchConfig) *Service {
	return &Service{store: st, embedder: embedder, cfg: cfg.Normalize()}
}

// Visible reports whether the requester may see the document. Private
// documents are visible to their owner only; everything else is visible to
// everyone.
func Visible(doc store.Document, requester string) bool {
	return !doc.IsPrivate || doc.OwnerIdentity == requester
}

// Semantic embeds the query and returns the closest visible completed
// documents, most similar first, with equal similarity broken by recency.
// The candidate set is over-fetched before filtering so private hits do not
// shrink the page, then truncated to top_k.
func (s *Service) Semantic(ctx context.Context, query, department, requester string, topK int) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query must not be empty")
	}
	if topK <= 0 || topK > s.cfg.TopK {
		topK = s.cfg.TopK
	}

	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	hits, err := s.store.SearchDocumentEmbeddings(ctx, vector, department, s.cfg.MaxCandidates)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.DocumentID)
	}
	docs, err := s.store.GetDocumentsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}

	results := make([]Result, 0, topK)
	for _, h := range hits {
		doc, ok := docs[h.DocumentID]
		if !ok || doc.Status != store.StatusCompleted {
			// Index entry outlived the row state; skip.
			continue
		}
		if !Visible(doc, requester) {
			continue
		}
		similarity := 1 - h.Distance
		if s.cfg.Threshold > 0 && similarity < s.cfg.Threshold {
			continue
		}
		results = append(results, Result{Document: doc, Similarity: similarity})
		if len(results) == topK {
			break
		}
	}
	return results, nil
}

// ByDepartment lists completed documents routed to the department, newest
// first, with visibility applied.
func (s *Service) ByDepartment(ctx context.Context, department, requester string, limit int) ([]store.Document, error) {
	if strings.TrimSpace(department) == "" {
		return nil, fmt.Errorf("department must not be empty")
	}
	if limit <= 0 || limit > s.cfg.MaxCandidates {
		limit = s.cfg.MaxCandidates
	}
	return s.store.ListCompletedByDepartment(ctx, department, requester, limit)
}
