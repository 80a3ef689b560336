package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Oracle call failures. Both are transient from the pipeline's point of
// view: the same document may classify fine on a later attempt.
var (
	ErrOracleTimeout     = errors.New("classification oracle timed out")
	ErrOracleUnavailable = errors.New("classification oracle unavailable")
)

// Candidate is one department the oracle believes the document belongs to.
type Candidate struct {
	Department string  `json:"department"`
	Confidence float64 `json:"confidence"`
}

// Judgment is the oracle's structured verdict for one document.
type Judgment struct {
	Candidates        []Candidate         `json:"candidates"`
	Summary           string              `json:"summary"`
	Priority          string              `json:"priority"`
	TasksByDepartment map[string][]string `json:"tasks_by_department"`
}

// ContextDocument is a previously routed document retrieved by vector
// similarity and shown to the oracle as grounding context.
type ContextDocument struct {
	Filename    string
	Departments []string
	Summary     string
}

// Oracle maps extracted text plus the fixed taxonomy to a structured
// judgment, grounded on similar documents routed earlier. Implementations
// perform the only I/O in the routing step.
type Oracle interface {
	Classify(ctx context.Context, text string, neighbors []ContextDocument, taxonomy Taxonomy) (Judgment, error)
}

const maxPromptChars = 8000

// HTTPOracle talks to an OpenAI-compatible chat completions endpoint
// (OpenRouter, OpenAI, or a local server).
type HTTPOracle struct {
	baseURL     string
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	httpClient  *http.Client
}

// NewHTTPOracle constructs the oracle client.
func NewHTTPOracle(baseURL, apiKey, model string, maxTokens int, temperature float64, timeout time.Duration) *HTTPOracle {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPOracle{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (o *HTTPOracle) Classify(ctx context.Context, text string, neighbors []ContextDocument, taxonomy Taxonomy) (Judgment, error) {
	text = truncate(text, maxPromptChars)

	body := chatRequest{
		Model: o.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildUserPrompt(text, neighbors, taxonomy)},
		},
		Temperature: o.temperature,
		MaxTokens:   o.maxTokens,
	}
	jsonData, err := json.Marshal(body)
	if err != nil {
		return Judgment{}, fmt.Errorf("marshal oracle request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return Judgment{}, fmt.Errorf("build oracle request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return Judgment{}, fmt.Errorf("%w: %v", ErrOracleTimeout, err)
		}
		return Judgment{}, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout {
			return Judgment{}, fmt.Errorf("%w: status %d", ErrOracleTimeout, resp.StatusCode)
		}
		return Judgment{}, fmt.Errorf("%w: status %d", ErrOracleUnavailable, resp.StatusCode)
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return Judgment{}, fmt.Errorf("%w: decode response: %v", ErrOracleUnavailable, err)
	}
	if len(chat.Choices) == 0 {
		return Judgment{}, fmt.Errorf("%w: empty response", ErrOracleUnavailable)
	}

	judgment, err := parseJudgment(chat.Choices[0].Message.Content)
	if err != nil {
		// Malformed model output; a later attempt may produce valid JSON.
		return Judgment{}, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}
	return judgment, nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

const systemPrompt = "You are an operations analyst routing incoming documents to the responsible departments. " +
	"Judge by context and content, not just keywords. Respond with a single JSON object and nothing else."

func buildUserPrompt(text string, neighbors []ContextDocument, taxonomy Taxonomy) string {
	var b strings.Builder
	b.WriteString("Analyze this document and identify every department that must act on it.\n\nDepartments:\n")
	for _, d := range taxonomy.Departments() {
		b.WriteString("- ")
		b.WriteString(d)
		b.WriteString("\n")
	}
	if len(neighbors) > 0 {
		b.WriteString("\nSimilar documents routed earlier:\n")
		for _, n := range neighbors {
			b.WriteString("- ")
			b.WriteString(n.Filename)
			b.WriteString(" => ")
			b.WriteString(strings.Join(n.Departments, ", "))
			if n.Summary != "" {
				b.WriteString(" (")
				b.WriteString(truncate(n.Summary, 200))
				b.WriteString(")")
			}
			b.WriteString("\n")
		}
	}
	b.WriteString("\nDocument content:\n")
	b.WriteString(text)
	b.WriteString("\n\nReturn JSON with this shape:\n")
	b.WriteString(`{
  "candidates": [{"department": "name", "confidence": 0.0}],
  "summary": "brief summary of the document",
  "priority": "urgent|high|normal|low",
  "tasks_by_department": {"name": ["specific actionable task"]}
}`)
	b.WriteString("\n\nOnly list departments from the list above. Confidence is in [0,1]. " +
		"Each department's tasks must be specific to that department's slice of the work, at most 5 per department.")
	return b.String()
}

// parseJudgment pulls the first JSON object out of the model's reply. Models
// occasionally wrap the object in prose or markdown fences.
func parseJudgment(content string) (Judgment, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return Judgment{}, fmt.Errorf("no JSON object in oracle reply")
	}
	var j Judgment
	if err := json.Unmarshal([]byte(content[start:end+1]), &j); err != nil {
		return Judgment{}, fmt.Errorf("parse oracle reply: %w", err)
	}
	return j, nil
}
