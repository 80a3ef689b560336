package server

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/docflow-ai/docflow/internal/classify"
	"github.com/docflow-ai/docflow/internal/search"
)

// SearchHandler serves retrieval: semantic search for non-empty queries,
// structured department listing when the query is empty.
type SearchHandler struct {
	Search   *search.Service
	Taxonomy classify.Taxonomy
}

func (h *SearchHandler) Register(g *echo.Group, secret []byte) {
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	g.POST("", h.search)
	g.GET("", h.search)
}

type searchRequest struct {
	Query      string `json:"query" query:"q"`
	Department string `json:"department" query:"department"`
	TopK       int    `json:"top_k" query:"top_k"`
}

type searchHit struct {
	Document   documentResponse `json:"document"`
	Similarity float64          `json:"similarity,omitempty"`
}

func (h *SearchHandler) search(c echo.Context) error {
	var req searchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	department := ""
	if req.Department != "" {
		name, ok := h.Taxonomy.Canonical(req.Department)
		if !ok {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown department")
		}
		department = name
	}
	requester := requesterID(c)
	ctx := c.Request().Context()

	// Empty query falls back to a structured recency listing.
	if strings.TrimSpace(req.Query) == "" {
		if department == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "query or department is required")
		}
		docs, err := h.Search.ByDepartment(ctx, department, requester, req.TopK)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		out := make([]searchHit, 0, len(docs))
		for _, d := range docs {
			out = append(out, searchHit{Document: toDocumentResponse(d)})
		}
		return c.JSON(http.StatusOK, map[string]interface{}{"results": out})
	}

	results, err := h.Search.Semantic(ctx, req.Query, department, requester, req.TopK)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]searchHit, 0, len(results))
	for _, r := range results {
		out = append(out, searchHit{Document: toDocumentResponse(r.Document), Similarity: r.Similarity})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"query": req.Query, "results": out})
}
