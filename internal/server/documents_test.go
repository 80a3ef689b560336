package server

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"

	"github.com/docflow-ai/docflow/internal/store"
)

type stubBlobs struct {
	puts int
}

func (s *stubBlobs) Put(ctx context.Context, filename, mimeType string, content []byte) (string, error) {
	s.puts++
	return "2026/08/31/abc-" + filename, nil
}
func (s *stubBlobs) Get(ctx context.Context, objectPath string) ([]byte, error) { return nil, nil }
func (s *stubBlobs) PresignedURL(ctx context.Context, objectPath string) (string, error) {
	return "http://example/" + objectPath, nil
}

func webhookContext(t *testing.T, body interface{}, token string) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/webhook/ingest", strings.NewReader(string(payload)))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("X-Webhook-Token", token)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestWebhookPrivateDeliveryMapsSenderToAccount(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	content := []byte("hello")
	mock.ExpectQuery("SELECT id, password_hash FROM users").
		WithArgs("amina@metro.example").
		WillReturnRows(sqlmock.NewRows([]string{"id", "password_hash"}).AddRow("user-1", "x"))
	// owner_identity must be the account id, not the sender address
	mock.ExpectQuery("INSERT INTO documents").
		WithArgs("email", "minutes.txt", "text/plain", int64(len(content)), "2026/08/31/abc-minutes.txt", true, "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("doc-1"))

	h := &DocumentsHandler{
		Store:        &store.Store{DB: db},
		Blobs:        &stubBlobs{},
		WebhookToken: "tok",
	}
	c, rec := webhookContext(t, webhookRequest{
		Filename:      "minutes.txt",
		MimeType:      "text/plain",
		ContentBase64: base64.StdEncoding.EncodeToString(content),
		Sender:        "amina@metro.example",
		IsPrivate:     true,
	}, "tok")

	if err := h.webhook(c); err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWebhookPrivateUnknownSenderRejected(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT id, password_hash FROM users").
		WithArgs("stranger@example.com").
		WillReturnError(sql.ErrNoRows)

	blobs := &stubBlobs{}
	h := &DocumentsHandler{
		Store:        &store.Store{DB: db},
		Blobs:        blobs,
		WebhookToken: "tok",
	}
	c, _ := webhookContext(t, webhookRequest{
		Filename:      "minutes.txt",
		MimeType:      "text/plain",
		ContentBase64: base64.StdEncoding.EncodeToString([]byte("hello")),
		Sender:        "stranger@example.com",
		IsPrivate:     true,
	}, "tok")

	err = h.webhook(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %v", err)
	}
	if blobs.puts != 0 {
		t.Fatal("rejected delivery must not reach blob storage")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
