// Package llm wraps an OpenAI-compatible chat completion API as the two
// inference agents of the pipeline.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// ErrUnparseableResponse is returned when the model answers with something
// other than a JSON object.
var ErrUnparseableResponse = errors.New("model response is not a JSON object")

const (
	DefaultModel   = "deepseek-chat"
	DefaultTimeout = 2 * time.Minute
)

// RateLimit is a token bucket applied to every request of one agent.
type RateLimit struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"max_bucket_size"`
}

type Config struct {
	Model               string
	APIKey              string
	BaseURL             string
	Temperature         float32
	MaxCompletionTokens int
	Timeout             time.Duration
	MaxRetries          int
	SystemPrompt        string
	RateLimit           *RateLimit
}

type Logger interface {
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// agent sends one system prompt plus one user message and decodes the JSON
// object the model answers with.
type agent struct {
	name    string
	client  *openai.Client
	cfg     Config
	limiter *rate.Limiter
	logger  Logger
}

func newAgent(name string, cfg Config, httpClient *http.Client, logger Logger) (*agent, error) {
	if cfg.APIKey == "" {
		return nil, errors.Errorf("%s: api key is required", name)
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}

	a := &agent{
		name:   name,
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
		logger: logger,
	}
	if rl := cfg.RateLimit; rl != nil && rl.RequestsPerSecond > 0 {
		burst := rl.Burst
		if burst < 1 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(rl.RequestsPerSecond), burst)
	}
	return a, nil
}

func (a *agent) complete(ctx context.Context, userContent string) (map[string]any, error) {
	req := openai.ChatCompletionRequest{
		Model: a.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: a.cfg.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userContent},
		},
		Temperature:         a.cfg.Temperature,
		MaxCompletionTokens: a.cfg.MaxCompletionTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	var content string
	attempt := 0
	op := func() error {
		attempt++
		if a.limiter != nil {
			if err := a.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
		resp, err := a.client.CreateChatCompletion(callCtx, req)
		if err != nil {
			if !retryable(err) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			a.logger.Warnf("%s request failed (attempt %d/%d): %v", a.name, attempt, a.cfg.MaxRetries+1, err)
			return err
		}
		if len(resp.Choices) == 0 {
			return backoff.Permanent(errors.Wrap(ErrUnparseableResponse, "no choices returned"))
		}
		content = resp.Choices[0].Message.Content
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 10 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(a.cfg.MaxRetries)), ctx)); err != nil {
		return nil, errors.Wrapf(err, "%s request", a.name)
	}
	return parseObject(content)
}

// retryable reports whether err is worth another attempt: transport
// failures, rate limiting and server errors.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	return true
}

func parseObject(content string) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &out); err != nil || out == nil {
		return nil, errors.Wrapf(ErrUnparseableResponse, "raw response: %.200q", content)
	}
	return out, nil
}

// encodeIndented renders v as two-space indented JSON without HTML escaping.
func encodeIndented(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}
