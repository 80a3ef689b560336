package server

import (
	"encoding/base64"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/docflow-ai/docflow/internal/blob"
	"github.com/docflow-ai/docflow/internal/classify"
	"github.com/docflow-ai/docflow/internal/queue/streams"
	"github.com/docflow-ai/docflow/internal/search"
	"github.com/docflow-ai/docflow/internal/store"
)

const maxUploadBytes = 25 << 20

// DocumentsHandler serves ingestion and document lookup.
type DocumentsHandler struct {
	Store        *store.Store
	Blobs        blob.Storage
	Publisher    *streams.Publisher
	Taxonomy     classify.Taxonomy
	WebhookToken string
}

// Register mounts the authenticated document routes.
func (h *DocumentsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	g.POST("", h.upload)
	g.GET("/:id", h.get)
	g.GET("/:id/status", h.status)
	g.GET("/:id/stages", h.stages)
}

// RegisterWebhook mounts the unauthenticated ingestion webhook, guarded by the
// shared token.
func (h *DocumentsHandler) RegisterWebhook(g *echo.Group) {
	g.POST("/ingest", h.webhook)
}

type documentResponse struct {
	ID          string                      `json:"id"`
	Source      string                      `json:"source"`
	Filename    string                      `json:"filename"`
	MimeType    string                      `json:"mime_type"`
	SizeBytes   int64                       `json:"size_bytes"`
	Status      string                      `json:"status"`
	RetryCount  int                         `json:"retry_count"`
	LastError   string                      `json:"last_error,omitempty"`
	Summary     string                      `json:"summary,omitempty"`
	Priority    string                      `json:"priority,omitempty"`
	IsPrivate   bool                        `json:"is_private"`
	Departments []store.DepartmentAssignment `json:"departments,omitempty"`
	CreatedAt   time.Time                   `json:"created_at"`
	CompletedAt *time.Time                  `json:"completed_at,omitempty"`
	DownloadURL string                      `json:"download_url,omitempty"`
}

func toDocumentResponse(d store.Document) documentResponse {
	return documentResponse{
		ID:          d.ID,
		Source:      d.Source,
		Filename:    d.Filename,
		MimeType:    d.MimeType,
		SizeBytes:   d.SizeBytes,
		Status:      d.Status,
		RetryCount:  d.RetryCount,
		LastError:   d.LastError,
		Summary:     d.Summary,
		Priority:    d.Priority,
		IsPrivate:   d.IsPrivate,
		Departments: d.Departments,
		CreatedAt:   d.CreatedAt,
		CompletedAt: d.ProcessingCompletedAt,
	}
}

func (h *DocumentsHandler) upload(c echo.Context) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file field is required")
	}
	if fileHeader.Size > maxUploadBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "file too large")
	}
	f, err := fileHeader.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	defer f.Close()
	content, err := io.ReadAll(io.LimitReader(f, maxUploadBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(content) > maxUploadBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "file too large")
	}
	if len(content) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "file is empty")
	}

	mimeType := fileHeader.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = http.DetectContentType(content)
	}
	isPrivate := c.FormValue("is_private") == "true"

	return h.ingest(c, ingestRequest{
		Source:    "manual",
		Filename:  fileHeader.Filename,
		MimeType:  mimeType,
		Content:   content,
		IsPrivate: isPrivate,
		Owner:     requesterID(c),
	})
}

type webhookRequest struct {
	Filename      string `json:"filename"`
	MimeType      string `json:"mime_type"`
	ContentBase64 string `json:"content_base64"`
	Sender        string `json:"sender"`
	IsPrivate     bool   `json:"is_private"`
}

// webhook ingests documents forwarded by the email automation. It carries a
// shared token instead of a user session.
func (h *DocumentsHandler) webhook(c echo.Context) error {
	if h.WebhookToken == "" || c.Request().Header.Get("X-Webhook-Token") != h.WebhookToken {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid webhook token")
	}
	var req webhookRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Filename == "" || req.ContentBase64 == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "filename and content_base64 are required")
	}
	content, err := base64.StdEncoding.DecodeString(req.ContentBase64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "content_base64 is not valid base64")
	}
	if len(content) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "document is empty")
	}
	if len(content) > maxUploadBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "document too large")
	}
	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = http.DetectContentType(content)
	}

	// Requesters are account ids, so a private document owned by a raw email
	// address would be visible to no one. Private delivery requires the
	// sender to resolve to an account.
	owner := req.Sender
	if req.IsPrivate {
		if req.Sender == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "private delivery requires a sender")
		}
		id, _, err := h.Store.GetUserByEmail(c.Request().Context(), req.Sender)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnprocessableEntity, "sender has no account for private delivery")
		}
		owner = id
	}

	return h.ingest(c, ingestRequest{
		Source:    "email",
		Filename:  req.Filename,
		MimeType:  mimeType,
		Content:   content,
		IsPrivate: req.IsPrivate,
		Owner:     owner,
	})
}

type ingestRequest struct {
	Source    string
	Filename  string
	MimeType  string
	Content   []byte
	IsPrivate bool
	Owner     string
}

func (h *DocumentsHandler) ingest(c echo.Context, req ingestRequest) error {
	ctx := c.Request().Context()
	if req.IsPrivate && req.Owner == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "private documents require an owner identity")
	}

	objectPath, err := h.Blobs.Put(ctx, req.Filename, req.MimeType, req.Content)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	id, err := h.Store.CreateDocument(ctx, store.Document{
		Source:        req.Source,
		Filename:      req.Filename,
		MimeType:      req.MimeType,
		SizeBytes:     int64(len(req.Content)),
		ObjectPath:    objectPath,
		IsPrivate:     req.IsPrivate,
		OwnerIdentity: req.Owner,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	// Best-effort wake-up; workers poll regardless.
	if h.Publisher != nil {
		if _, err := h.Publisher.Publish(ctx, streams.DocumentStream, streams.EventDocumentIngested,
			streams.DocumentIngested{DocumentID: id, Source: req.Source}); err != nil {
			c.Logger().Warnf("publish ingest event for %s failed: %v", id, err)
		}
	}

	return c.JSON(http.StatusAccepted, map[string]string{"id": id, "status": store.StatusPending})
}

func (h *DocumentsHandler) get(c echo.Context) error {
	ctx := c.Request().Context()
	doc, found, err := h.Store.GetDocument(ctx, c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	// Hidden and missing documents are indistinguishable.
	if !found || !search.Visible(doc, requesterID(c)) {
		return echo.NewHTTPError(http.StatusNotFound, "document not found")
	}

	resp := toDocumentResponse(doc)
	if url, err := h.Blobs.PresignedURL(ctx, doc.ObjectPath); err == nil {
		resp.DownloadURL = url
	} else {
		c.Logger().Warnf("presign for %s failed: %v", doc.ID, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// status is the lightweight polling endpoint for a submitted document.
func (h *DocumentsHandler) status(c echo.Context) error {
	ctx := c.Request().Context()
	doc, found, err := h.Store.GetDocument(ctx, c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !found || !search.Visible(doc, requesterID(c)) {
		return echo.NewHTTPError(http.StatusNotFound, "document not found")
	}
	resp := map[string]interface{}{
		"id":          doc.ID,
		"status":      doc.Status,
		"retry_count": doc.RetryCount,
	}
	if doc.Summary != "" {
		resp["summary"] = doc.Summary
	}
	if doc.Priority != "" {
		resp["priority"] = doc.Priority
	}
	if doc.LastError != "" {
		resp["last_error"] = doc.LastError
	}
	if len(doc.Departments) > 0 {
		resp["departments"] = doc.Departments
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *DocumentsHandler) stages(c echo.Context) error {
	ctx := c.Request().Context()
	doc, found, err := h.Store.GetDocument(ctx, c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !found || !search.Visible(doc, requesterID(c)) {
		return echo.NewHTTPError(http.StatusNotFound, "document not found")
	}
	entries, err := h.Store.ListStageLog(ctx, doc.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	type stageResponse struct {
		Stage      string    `json:"stage"`
		Outcome    string    `json:"outcome"`
		Detail     string    `json:"detail,omitempty"`
		DurationMs int64     `json:"duration_ms"`
		CreatedAt  time.Time `json:"created_at"`
	}
	out := make([]stageResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, stageResponse{
			Stage:      e.Stage,
			Outcome:    e.Outcome,
			Detail:     e.Detail,
			DurationMs: e.DurationMs,
			CreatedAt:  e.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"document_id": doc.ID, "stages": out})
}

// DepartmentsHandler serves the taxonomy, per-department document listings
// and workload counts.
type DepartmentsHandler struct {
	Store    *store.Store
	Search   *search.Service
	Taxonomy classify.Taxonomy
}

func (h *DepartmentsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	g.GET("", h.list)
	g.GET("/workload", h.workload)
	g.GET("/:name/documents", h.documents)
}

func (h *DepartmentsHandler) list(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"departments": h.Taxonomy.Departments(),
		"fallback":    h.Taxonomy.Fallback(),
	})
}

func (h *DepartmentsHandler) documents(c echo.Context) error {
	name, ok := h.Taxonomy.Canonical(c.Param("name"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown department")
	}
	limit := intQuery(c, "limit", 50)
	docs, err := h.Search.ByDepartment(c.Request().Context(), name, requesterID(c), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]documentResponse, 0, len(docs))
	for _, d := range docs {
		out = append(out, toDocumentResponse(d))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"department": name, "documents": out})
}

func (h *DepartmentsHandler) workload(c echo.Context) error {
	workloads, err := h.Store.DepartmentWorkloads(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	type workloadResponse struct {
		Department string `json:"department"`
		OpenTasks  int    `json:"open_tasks"`
		Documents  int    `json:"documents"`
	}
	out := make([]workloadResponse, 0, len(workloads))
	for _, w := range workloads {
		out = append(out, workloadResponse{Department: w.Department, OpenTasks: w.OpenTasks, Documents: w.Documents})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"workloads": out})
}

func intQuery(c echo.Context, name string, def int) int {
	v := c.QueryParam(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
