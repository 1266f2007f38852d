// Package llm is the completion gateway: one bounded-time call to an
// OpenAI-compatible chat completions API per visitor message.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// Failure categories. Gateway errors wrap exactly one of these.
var (
	ErrNotConfigured = errors.New("llm: provider credential not configured")
	ErrAuth          = errors.New("llm: provider rejected credentials")
	ErrOverloaded    = errors.New("llm: provider overloaded")
	ErrBadRequest    = errors.New("llm: provider rejected request")
	ErrTimeout       = errors.New("llm: provider call timed out")
	ErrUnavailable   = errors.New("llm: provider unavailable")
)

// FallbackReply is returned when the provider answers without content.
const FallbackReply = "Sorry, I couldn't process that. Could you try asking another way?"

const (
	DefaultModel     = openai.GPT3Dot5Turbo
	DefaultMaxTokens = 300
	DefaultTimeout   = 10 * time.Second
)

// Completer produces a reply for one visitor message.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userMessage, caller string) (string, error)
	Configured() bool
}

type Config struct {
	APIKey    string
	BaseURL   string // empty => api.openai.com
	Model     string
	MaxTokens int
	Timeout   time.Duration

	// Outbound call budget shared by all callers. RPS <= 0 disables it.
	RPS   float64
	Burst int

	Temperature      float32
	TopP             float32
	FrequencyPenalty float32
	PresencePenalty  float32

	HTTPClient *http.Client
}

// DefaultConfig returns sampling settings that keep replies short and varied.
func DefaultConfig() Config {
	return Config{
		Model:            DefaultModel,
		MaxTokens:        DefaultMaxTokens,
		Timeout:          DefaultTimeout,
		RPS:              2,
		Burst:            5,
		Temperature:      0.7,
		TopP:             0.9,
		FrequencyPenalty: 0.5,
		PresencePenalty:  0.3,
	}
}

// Gateway implements Completer over go-openai.
type Gateway struct {
	cfg     Config
	client  *openai.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

var _ Completer = (*Gateway)(nil)

// New creates a Gateway. A missing API key is not an error: the gateway is
// built unconfigured and every Complete returns ErrNotConfigured.
func New(cfg Config, log zerolog.Logger) *Gateway {
	def := DefaultConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	g := &Gateway{cfg: cfg, log: log}
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	if cfg.APIKey == "" {
		return g
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		clientConfig.HTTPClient = cfg.HTTPClient
	}
	g.client = openai.NewClientWithConfig(clientConfig)
	return g
}

// Configured reports whether a provider credential is present.
func (g *Gateway) Configured() bool { return g.client != nil }

// Model returns the model name sent to the provider.
func (g *Gateway) Model() string { return g.cfg.Model }

// Complete sends the system prompt and the visitor message to the provider.
// Only this call is bounded by the gateway timeout; the request is never
// retried.
func (g *Gateway) Complete(ctx context.Context, systemPrompt, userMessage, caller string) (string, error) {
	if g.client == nil {
		return "", ErrNotConfigured
	}
	if g.limiter != nil && !g.limiter.Allow() {
		return "", fmt.Errorf("%w: local call budget exhausted", ErrOverloaded)
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model: g.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userMessage},
		},
		MaxTokens:        g.cfg.MaxTokens,
		Temperature:      g.cfg.Temperature,
		TopP:             g.cfg.TopP,
		FrequencyPenalty: g.cfg.FrequencyPenalty,
		PresencePenalty:  g.cfg.PresencePenalty,
		User:             UsageTag(caller),
	}

	start := time.Now()
	resp, err := g.client.CreateChatCompletion(ctx, req)
	if err != nil {
		classified := classify(ctx, err)
		g.log.Warn().Err(err).Str("caller", caller).Dur("elapsed", time.Since(start)).Msg("completion failed")
		return "", classified
	}

	if len(resp.Choices) == 0 {
		return FallbackReply, nil
	}
	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	if reply == "" {
		return FallbackReply, nil
	}
	return reply, nil
}

// classify maps a provider or transport error onto a failure category.
func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %v", ErrAuth, err)
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, 529:
		return fmt.Errorf("%w: %v", ErrOverloaded, err)
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// UsageTag turns a caller identity into the opaque per-user tag sent to the
// provider for its own abuse tracking.
func UsageTag(caller string) string {
	if caller == "" {
		caller = "unknown"
	}
	return "visitor_" + strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, caller)
}
