package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

const (
	DefaultModel             = "gemini-2.5-flash"
	DefaultRequestsPerMinute = 10
)

// generator is the slice of *genai.Models used by Client.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// KeySource supplies the API key on first use.
type KeySource interface {
	APIKey(ctx context.Context) (string, error)
}

// StaticKey is a key taken from configuration.
type StaticKey string

func (k StaticKey) APIKey(context.Context) (string, error) {
	if strings.TrimSpace(string(k)) == "" {
		return "", errors.New("gemini: API key is empty")
	}
	return string(k), nil
}

// TokenGetter reads a JSON token parameter; *paramstore.Client satisfies it.
type TokenGetter interface {
	GetToken(ctx context.Context, name string) (string, error)
}

// ParamStoreKey reads the key from a parameter store entry.
type ParamStoreKey struct {
	Getter TokenGetter
	Name   string
}

func (k ParamStoreKey) APIKey(ctx context.Context) (string, error) {
	if k.Getter == nil {
		return "", errors.New("gemini: token getter is nil")
	}
	key, err := k.Getter.GetToken(ctx, k.Name)
	if err != nil {
		return "", fmt.Errorf("gemini: fetch API key: %w", err)
	}
	return key, nil
}

// StatusError marks upstream failures that carry an HTTP-like status.
type StatusError struct {
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gemini: upstream status %d: %v", e.StatusCode, e.Err)
}

func (e *StatusError) Unwrap() error       { return e.Err }
func (e *StatusError) HTTPStatusCode() int { return e.StatusCode }

// Client generates text with a Gemini model. The underlying genai client is
// created on the first call and reused for the process lifetime.
type Client struct {
	keys        KeySource
	model       string
	temperature *float32
	limiter     *rate.Limiter

	initOnce sync.Once
	models   generator
	initErr  error
}

type Option func(*Client)

func WithModel(model string) Option {
	return func(c *Client) {
		if m := strings.TrimSpace(model); m != "" {
			c.model = m
		}
	}
}

// WithRequestsPerMinute caps outbound calls; calls beyond the cap wait.
func WithRequestsPerMinute(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), 1)
		}
	}
}

func WithTemperature(t float32) Option {
	return func(c *Client) {
		c.temperature = &t
	}
}

// withGenerator skips genai client construction.
func withGenerator(g generator) Option {
	return func(c *Client) {
		c.models = g
		c.initOnce.Do(func() {})
	}
}

func NewClient(keys KeySource, opts ...Option) (*Client, error) {
	if keys == nil {
		return nil, errors.New("gemini: key source must not be nil")
	}
	c := &Client{
		keys:    keys,
		model:   DefaultModel,
		limiter: rate.NewLimiter(rate.Every(time.Minute/DefaultRequestsPerMinute), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolveModels(ctx context.Context) (generator, error) {
	c.initOnce.Do(func() {
		key, err := c.keys.APIKey(ctx)
		if err != nil {
			c.initErr = err
			return
		}
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  key,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			c.initErr = fmt.Errorf("gemini: create client: %w", err)
			return
		}
		c.models = client.Models
	})
	return c.models, c.initErr
}

// Generate sends prompt and returns the concatenated text of the first
// candidate. The model is asked for JSON but the reply is returned as-is.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", errors.New("gemini: prompt must not be empty")
	}
	models, err := c.resolveModels(ctx)
	if err != nil {
		return "", err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("gemini: rate limiter: %w", err)
	}

	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		Temperature:      c.temperature,
	}
	resp, err := models.GenerateContent(ctx, c.model, genai.Text(prompt), config)
	if err != nil {
		return "", classify(err)
	}

	text := responseText(resp)
	if text == "" {
		return "", errors.New("gemini: empty response")
	}
	return text, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	cand := resp.Candidates[0]
	if cand == nil || cand.Content == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range cand.Content.Parts {
		if p != nil {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// classify tags quota and missing-model failures with a status code.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"), strings.Contains(msg, "rate limit"), strings.Contains(msg, "exhausted"):
		return &StatusError{StatusCode: 429, Err: err}
	case strings.Contains(msg, "404"), strings.Contains(msg, "not found"):
		return &StatusError{StatusCode: 404, Err: err}
	}
	return fmt.Errorf("gemini: generate content: %w", err)
}
