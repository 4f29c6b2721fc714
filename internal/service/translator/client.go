// Package translator talks to an Azure Translator compatible REST API.
package translator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const defaultEndpoint = "https://api.cognitive.microsofttranslator.com"

// Translation is the result of translating user input to the working language.
type Translation struct {
	SourceLanguage string
	TargetLanguage string
	Text           string
}

// Identity reports whether the input already was in the target language.
func (t Translation) Identity() bool {
	return t.SourceLanguage == t.TargetLanguage
}

// Options configure the Client.
type Options struct {
	Endpoint        string
	Key             string
	Region          string
	Category        string
	WorkingLanguage string
	Timeout         time.Duration
	HTTPClient      *http.Client
}

// Client detects and translates text.
type Client struct {
	endpoint   string
	key        string
	region     string
	category   string
	working    string
	httpClient *http.Client
}

// NewClient builds a translator client.
func NewClient(opts Options) *Client {
	endpoint := strings.TrimRight(opts.Endpoint, "/")
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	working := opts.WorkingLanguage
	if working == "" {
		working = "en"
	}
	return &Client{
		endpoint:   endpoint,
		key:        opts.Key,
		region:     opts.Region,
		category:   opts.Category,
		working:    working,
		httpClient: httpClient,
	}
}

// WorkingLanguage is the language every knowledge graph query is issued in.
func (c *Client) WorkingLanguage() string {
	return c.working
}

type translateItem struct {
	DetectedLanguage *struct {
		Language string  `json:"language"`
		Score    float64 `json:"score"`
	} `json:"detectedLanguage"`
	Translations []struct {
		Text string `json:"text"`
		To   string `json:"to"`
	} `json:"translations"`
}

// ToWorkingLanguage detects the language of text and translates it to the
// working language. When the text already is in the working language the
// original text is returned untouched.
func (c *Client) ToWorkingLanguage(ctx context.Context, text string) (Translation, error) {
	item, err := c.translate(ctx, text, c.working)
	if err != nil {
		return Translation{}, err
	}
	if item.DetectedLanguage == nil || item.DetectedLanguage.Language == "" {
		return Translation{}, errors.New("translator did not detect a language")
	}
	tr := Translation{
		SourceLanguage: normalize(item.DetectedLanguage.Language),
		TargetLanguage: c.working,
		Text:           text,
	}
	if !tr.Identity() {
		tr.Text = item.Translations[0].Text
	}
	return tr, nil
}

// Translate translates text into target.
func (c *Client) Translate(ctx context.Context, text, target string) (string, error) {
	item, err := c.translate(ctx, text, target)
	if err != nil {
		return "", err
	}
	return item.Translations[0].Text, nil
}

func (c *Client) translate(ctx context.Context, text, target string) (*translateItem, error) {
	ctx, span := otel.Tracer("translator").Start(ctx, "translator.translate")
	defer span.End()
	span.SetAttributes(attribute.String("translator.target", target))

	query := url.Values{}
	query.Set("api-version", "3.0")
	query.Set("to", target)
	if c.category != "" {
		query.Set("category", c.category)
	}
	body, err := json.Marshal([]map[string]string{{"Text": text}})
	if err != nil {
		return nil, fmt.Errorf("encode translate request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/translate?"+query.Encode(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create translate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Ocp-Apim-Subscription-Key", c.key)
	if c.region != "" {
		req.Header.Set("Ocp-Apim-Subscription-Region", c.region)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("translate: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read translate response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("translator returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var items []translateItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("parse translate response: %w", err)
	}
	if len(items) == 0 || len(items[0].Translations) == 0 {
		return nil, errors.New("translator returned no translations")
	}
	return &items[0], nil
}

// normalize reduces regional tags such as "de-CH" to their base language.
func normalize(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if base, _, ok := strings.Cut(lang, "-"); ok {
		return base
	}
	return lang
}
