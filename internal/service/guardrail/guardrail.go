// Package guardrail decides whether a question is in scope for the chatbot.
package guardrail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// DefaultMessage is returned to the user when an out of scope question
// carries no explanation of its own.
const DefaultMessage = "I can only answer questions about our products and services."

const defaultModel = "gpt-4o-mini"

const systemPrompt = `You are a guardrail for a company knowledge base assistant.
Decide whether the user question is about the company's products, services,
documents or internal processes. Answer with a JSON object only:
{"relevant": true|false, "message": "<short polite explanation for the user when not relevant>"}`

// Verdict is the classification of one query.
type Verdict struct {
	Relevant bool   `json:"relevant"`
	Message  string `json:"message"`
}

// Classifier classifies queries.
type Classifier interface {
	Classify(ctx context.Context, query string) (Verdict, error)
}

// Options configure the Azure OpenAI backed client.
type Options struct {
	APIKey     string
	Endpoint   string
	APIVersion string
	Model      string
	Timeout    time.Duration
}

// Client asks a chat model for a relevance verdict.
type Client struct {
	chat    model.BaseChatModel
	timeout time.Duration
}

// NewClient builds a guardrail client on an Azure OpenAI deployment.
func NewClient(opts Options) (*Client, error) {
	if opts.APIKey == "" || opts.Endpoint == "" {
		return nil, errors.New("guardrail: api key and endpoint are required")
	}
	deployment := opts.Model
	if deployment == "" {
		deployment = defaultModel
	}
	var temperature float32
	chat, err := openai.NewChatModel(context.Background(), &openai.ChatModelConfig{
		ByAzure:     true,
		BaseURL:     opts.Endpoint,
		APIVersion:  opts.APIVersion,
		APIKey:      opts.APIKey,
		Model:       deployment,
		Temperature: &temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("guardrail chat model: %w", err)
	}
	slog.Info("Initializing guardrail client", "model", deployment)
	return NewClientWithModel(chat, opts.Timeout), nil
}

// NewClientWithModel classifies with an already configured chat model.
func NewClientWithModel(chat model.BaseChatModel, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{chat: chat, timeout: timeout}
}

// Classify implements Classifier.
func (c *Client) Classify(ctx context.Context, query string) (Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := c.chat.Generate(ctx, []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(query),
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("guardrail completion: %w", err)
	}
	if msg == nil {
		return Verdict{}, errors.New("guardrail returned no message")
	}
	return parseVerdict(msg.Content)
}

func parseVerdict(content string) (Verdict, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var v Verdict
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &v); err != nil {
		return Verdict{}, fmt.Errorf("parse guardrail verdict: %w", err)
	}
	if !v.Relevant && strings.TrimSpace(v.Message) == "" {
		v.Message = DefaultMessage
	}
	return v, nil
}
