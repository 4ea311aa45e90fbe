package ollama

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kirillkom/lexrag/internal/core/domain"
	"github.com/kirillkom/lexrag/internal/infrastructure/resilience"
)

type Config struct {
	BaseURL      string
	ChatModel    string
	EmbedModel   string
	Timeout      time.Duration
	RateLimitRPS float64
}

// Client serves both completions and embeddings from one Ollama server.
type Client struct {
	baseURL    string
	chatModel  string
	embedModel string
	httpClient *http.Client
	executor   *resilience.Executor
	limiter    *rate.Limiter
	logger     *zap.Logger
}

func New(cfg Config, executor *resilience.Executor, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if executor == nil {
		executor = resilience.NewExecutor(resilience.DefaultConfig(), logger)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), max(1, int(math.Ceil(cfg.RateLimitRPS))))
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		chatModel:  cfg.ChatModel,
		embedModel: cfg.EmbedModel,
		httpClient: &http.Client{Timeout: timeout},
		executor:   executor,
		limiter:    limiter,
		logger:     logger.Named("ollama"),
	}
}

// WithChatModel returns a client that completes with another model and
// shares the transport, breaker and rate limit.
func (c *Client) WithChatModel(model string) *Client {
	if strings.TrimSpace(model) == "" || model == c.chatModel {
		return c
	}
	clone := *c
	clone.chatModel = model
	return &clone
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (c *Client) Complete(ctx context.Context, req domain.CompletionRequest) (string, error) {
	messages := make([]chatMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	options := map[string]any{"temperature": req.Temperature}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	payload := map[string]any{
		"model":    c.chatModel,
		"messages": messages,
		"stream":   false,
		"options":  options,
	}
	if req.JSON {
		payload["format"] = "json"
	}

	var response struct {
		Message chatMessage `json:"message"`
	}
	err := c.executor.Execute(ctx, "ollama.complete", func(callCtx context.Context) error {
		return c.postJSON(callCtx, "/api/chat", payload, &response, "chat")
	}, classifyOllamaError)
	if err != nil {
		return "", wrapTemporaryIfNeeded("ollama complete", err)
	}
	return strings.TrimSpace(response.Message.Content), nil
}

// Embed makes a single attempt; the indexing adapter owns the retry policy for batches.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vectors, err := c.embed(ctx, texts, resilience.RetryPolicy{MaxAttempts: 1})
	if err != nil {
		return nil, wrapTemporaryIfNeeded("ollama embed", err)
	}
	return vectors, nil
}

func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.embed(ctx, []string{text}, c.executor.DefaultPolicy())
	if err != nil {
		return nil, wrapTemporaryIfNeeded("ollama embed query", err)
	}
	if len(vectors) == 0 {
		return nil, errors.New("empty embedding result")
	}
	return vectors[0], nil
}

func (c *Client) embed(ctx context.Context, texts []string, policy resilience.RetryPolicy) ([][]float32, error) {
	request := map[string]any{
		"model": c.embedModel,
		"input": texts,
	}
	var response struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	err := c.executor.ExecuteWithPolicy(ctx, "ollama.embed", policy, func(callCtx context.Context) error {
		return c.postJSON(callCtx, "/api/embed", request, &response, "embed")
	}, classifyOllamaError)
	if err != nil {
		return nil, err
	}
	if len(response.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama embed returned %d vectors for %d inputs", len(response.Embeddings), len(texts))
	}
	return response.Embeddings, nil
}

// Ping checks that the server answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.roundTrip(ctx, http.MethodGet, "/api/tags", nil, nil, "ping")
}
