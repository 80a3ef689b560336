package classify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestParseJudgmentPlainObject(t *testing.T) {
	j, err := parseJudgment(`{"candidates":[{"department":"Finance","confidence":0.8}],"summary":"s","priority":"high"}`)
	if err != nil {
		t.Fatalf("parseJudgment: %v", err)
	}
	if len(j.Candidates) != 1 || j.Candidates[0].Department != "Finance" {
		t.Fatalf("unexpected judgment: %+v", j)
	}
}

func TestParseJudgmentWrappedInProse(t *testing.T) {
	content := "Sure, here is the analysis:\n```json\n{\"candidates\":[{\"department\":\"HR\",\"confidence\":0.7}],\"summary\":\"s\"}\n```\nLet me know."
	j, err := parseJudgment(content)
	if err != nil {
		t.Fatalf("parseJudgment: %v", err)
	}
	if len(j.Candidates) != 1 || j.Candidates[0].Department != "HR" {
		t.Fatalf("unexpected judgment: %+v", j)
	}
}

func TestParseJudgmentNoObject(t *testing.T) {
	if _, err := parseJudgment("I cannot classify this document."); err == nil {
		t.Fatal("expected error for reply without JSON")
	}
}

func TestUserPromptIncludesRetrievedContext(t *testing.T) {
	tax, err := NewTaxonomy([]string{"Finance", "General"}, "General")
	if err != nil {
		t.Fatalf("NewTaxonomy: %v", err)
	}
	neighbors := []ContextDocument{
		{Filename: "q2-invoices.pdf", Departments: []string{"Finance"}, Summary: "Q2 invoice batch"},
	}
	prompt := buildUserPrompt("new invoice", neighbors, tax)
	if !strings.Contains(prompt, "Similar documents routed earlier") {
		t.Fatal("prompt missing context section")
	}
	if !strings.Contains(prompt, "q2-invoices.pdf => Finance (Q2 invoice batch)") {
		t.Fatalf("prompt missing neighbor line:\n%s", prompt)
	}

	bare := buildUserPrompt("new invoice", nil, tax)
	if strings.Contains(bare, "Similar documents routed earlier") {
		t.Fatal("empty context must not add a section")
	}
}

func TestClassifyServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	oracle := NewHTTPOracle(srv.URL, "key", "model", 0, 0.3, time.Second)
	_, err := oracle.Classify(context.Background(), "text", nil, Taxonomy{})
	if !errors.Is(err, ErrOracleUnavailable) {
		t.Fatalf("expected ErrOracleUnavailable, got %v", err)
	}
}

func TestClassifyGatewayTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGatewayTimeout)
	}))
	defer srv.Close()

	oracle := NewHTTPOracle(srv.URL, "key", "model", 0, 0.3, time.Second)
	_, err := oracle.Classify(context.Background(), "text", nil, Taxonomy{})
	if !errors.Is(err, ErrOracleTimeout) {
		t.Fatalf("expected ErrOracleTimeout, got %v", err)
	}
}

func TestClassifyParsesChatResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("missing bearer token")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"candidates\":[{\"department\":\"Safety\",\"confidence\":0.85}],\"summary\":\"drill report\",\"priority\":\"normal\"}"}}]}`))
	}))
	defer srv.Close()

	oracle := NewHTTPOracle(srv.URL, "key", "model", 800, 0.3, time.Second)
	j, err := oracle.Classify(context.Background(), "text", nil, Taxonomy{})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if len(j.Candidates) != 1 || j.Candidates[0].Department != "Safety" {
		t.Fatalf("unexpected judgment: %+v", j)
	}
	if j.Summary != "drill report" {
		t.Fatalf("unexpected summary: %q", j.Summary)
	}
}
