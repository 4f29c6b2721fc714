// Package knowledge is the HTTP client of the knowledge graph QA engine.
package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Request parameters fixed for every local search.
const (
	SearchTemperature = 0.5
	SearchMaxTokens   = 200
)

// ErrStatus is returned when the engine answers with a non 2xx status.
var ErrStatus = errors.New("knowledge graph returned an error status")

// Message is one chat message exchanged with the engine.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LocalSearchRequest is the body of POST /search/local.
type LocalSearchRequest struct {
	Message             Message   `json:"message"`
	Stream              bool      `json:"stream"`
	Temperature         float64   `json:"temperature"`
	MaxTokens           int       `json:"max_tokens"`
	ConversationHistory []Message `json:"conversation_history"`
}

// NewLocalSearchRequest builds a request with the fixed sampling parameters.
func NewLocalSearchRequest(query string, stream bool, history []Message) LocalSearchRequest {
	if history == nil {
		history = []Message{}
	}
	return LocalSearchRequest{
		Message:             Message{Role: "assistant", Content: query},
		Stream:              stream,
		Temperature:         SearchTemperature,
		MaxTokens:           SearchMaxTokens,
		ConversationHistory: history,
	}
}

type questionRequest struct {
	QuestionHistory []string `json:"question_history"`
}

// Client calls the engine.
type Client struct {
	baseURL          string
	httpClient       *http.Client
	searchTimeout    time.Duration
	questionsTimeout time.Duration
}

// NewClient builds a client against baseURL.
func NewClient(baseURL string, searchTimeout, questionsTimeout time.Duration) *Client {
	if searchTimeout <= 0 {
		searchTimeout = 30 * time.Second
	}
	if questionsTimeout <= 0 {
		questionsTimeout = 20 * time.Second
	}
	return &Client{
		baseURL:          strings.TrimRight(baseURL, "/"),
		httpClient:       &http.Client{},
		searchTimeout:    searchTimeout,
		questionsTimeout: questionsTimeout,
	}
}

// SearchLocal asks the engine to answer a question. The raw engine payload
// is returned for interpretation by the caller.
func (c *Client) SearchLocal(ctx context.Context, req LocalSearchRequest) (json.RawMessage, error) {
	return c.post(ctx, "/search/local", req, c.searchTimeout)
}

// SuggestQuestions asks the engine for follow up questions.
func (c *Client) SuggestQuestions(ctx context.Context, history []string) (json.RawMessage, error) {
	if history == nil {
		history = []string{}
	}
	return c.post(ctx, "/search/question", questionRequest{QuestionHistory: history}, c.questionsTimeout)
}

func (c *Client) post(ctx context.Context, path string, body any, timeout time.Duration) (json.RawMessage, error) {
	ctx, span := otel.Tracer("knowledge").Start(ctx, "knowledge.post")
	defer span.End()
	span.SetAttributes(attribute.String("knowledge.path", path))

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", path, err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		span.SetStatus(codes.Error, resp.Status)
		return nil, fmt.Errorf("%w: %s %d", ErrStatus, path, resp.StatusCode)
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%s returned invalid json", path)
	}
	return json.RawMessage(raw), nil
}
