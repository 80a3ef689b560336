// Package extract converts raw document bytes into plain text. Plain text
// and HTML are handled natively; binary formats (PDF, Office, scans) are
// delegated to a remote parsing service, which owns the actual parsing and
// OCR machinery.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	readability "github.com/go-shiori/go-readability"
)

// Extraction failures are deterministic for a given byte stream: the same
// input will fail the same way, so neither is retryable.
var (
	ErrUnsupportedFormat = errors.New("unsupported document format")
	ErrCorruptInput      = errors.New("corrupt document input")
)

// Extractor converts raw bytes of a supported format into plain text.
type Extractor interface {
	Extract(ctx context.Context, content []byte, mimeType string) (string, error)
}

// Native handles text/plain and text/html locally and hands everything else
// to the optional remote extractor.
type Native struct {
	Remote Extractor
}

func (n *Native) Extract(ctx context.Context, content []byte, mimeType string) (string, error) {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(mimeType))
	}
	switch {
	case mt == "text/plain" || strings.HasPrefix(mt, "text/markdown"):
		if !utf8.Valid(content) {
			return "", fmt.Errorf("%w: invalid utf-8 in %s payload", ErrCorruptInput, mt)
		}
		text := strings.TrimSpace(string(content))
		if text == "" {
			return "", fmt.Errorf("%w: empty text document", ErrCorruptInput)
		}
		return text, nil
	case mt == "text/html" || mt == "application/xhtml+xml":
		return extractHTML(content)
	default:
		if n.Remote == nil {
			return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, mimeType)
		}
		return n.Remote.Extract(ctx, content, mimeType)
	}
}

func extractHTML(content []byte) (string, error) {
	base, _ := url.Parse("local://document")
	article, err := readability.FromReader(bytes.NewReader(content), base)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptInput, err)
	}
	text := strings.TrimSpace(article.TextContent)
	if text == "" {
		return "", fmt.Errorf("%w: no readable text in html document", ErrCorruptInput)
	}
	return text, nil
}

// RemoteExtractor calls an external parsing service over HTTP. The service
// accepts the raw bytes and responds with extracted plain text.
type RemoteExtractor struct {
	baseURL    string
	httpClient *http.Client
}

// NewRemoteExtractor builds a client for the parsing service at baseURL.
func NewRemoteExtractor(baseURL string, timeout time.Duration) *RemoteExtractor {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &RemoteExtractor{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (r *RemoteExtractor) Extract(ctx context.Context, content []byte, mimeType string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/extract", bytes.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("build extract request: %w", err)
	}
	req.Header.Set("Content-Type", mimeType)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		// Parser outages are transient, unlike format errors.
		return "", fmt.Errorf("parser unreachable: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnsupportedMediaType:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, mimeType)
	case http.StatusUnprocessableEntity, http.StatusBadRequest:
		return "", fmt.Errorf("%w: parser rejected payload", ErrCorruptInput)
	default:
		return "", fmt.Errorf("parser returned status %d", resp.StatusCode)
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode parser response: %v", ErrCorruptInput, err)
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return "", fmt.Errorf("%w: parser found no text", ErrCorruptInput)
	}
	return text, nil
}
