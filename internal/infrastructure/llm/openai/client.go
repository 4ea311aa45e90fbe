// Package openai talks to any OpenAI-compatible chat and embedding API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kirillkom/lexrag/internal/core/domain"
	"github.com/kirillkom/lexrag/internal/infrastructure/resilience"
)

type Config struct {
	BaseURL      string
	APIKey       string
	ChatModel    string
	EmbedModel   string
	Timeout      time.Duration
	RateLimitRPS float64
}

type Client struct {
	api        *goopenai.Client
	chatModel  string
	embedModel goopenai.EmbeddingModel
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
		timeout = 60 * time.Second
	}

	apiCfg := goopenai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		apiCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	apiCfg.HTTPClient = &http.Client{Timeout: timeout}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), max(1, int(math.Ceil(cfg.RateLimitRPS))))
	}

	return &Client{
		api:        goopenai.NewClientWithConfig(apiCfg),
		chatModel:  cfg.ChatModel,
		embedModel: goopenai.EmbeddingModel(cfg.EmbedModel),
		executor:   executor,
		limiter:    limiter,
		logger:     logger.Named("openai"),
	}
}

func (c *Client) WithChatModel(model string) *Client {
	if strings.TrimSpace(model) == "" || model == c.chatModel {
		return c
	}
	clone := *c
	clone.chatModel = model
	return &clone
}

func (c *Client) Complete(ctx context.Context, req domain.CompletionRequest) (string, error) {
	messages := make([]goopenai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: req.System})
	}
	messages = append(messages, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleUser, Content: req.Prompt})

	// The request omits a zero temperature, which the API reads as its default of 1.
	temperature := float32(req.Temperature)
	if temperature == 0 {
		temperature = math.SmallestNonzeroFloat32
	}
	chatReq := goopenai.ChatCompletionRequest{
		Model:       c.chatModel,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.JSON {
		chatReq.ResponseFormat = &goopenai.ChatCompletionResponseFormat{Type: goopenai.ChatCompletionResponseFormatTypeJSONObject}
	}

	var content string
	err := c.executor.Execute(ctx, "openai.complete", func(callCtx context.Context) error {
		if err := c.limiter.Wait(callCtx); err != nil {
			return err
		}
		resp, err := c.api.CreateChatCompletion(callCtx, chatReq)
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return errors.New("no completion choices returned")
		}
		content = resp.Choices[0].Message.Content
		return nil
	}, classifyAPIError)
	if err != nil {
		return "", wrapAPIError("openai complete", err)
	}
	return strings.TrimSpace(content), nil
}

func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vectors, err := c.embed(ctx, texts, resilience.RetryPolicy{MaxAttempts: 1})
	if err != nil {
		return nil, wrapAPIError("openai embed", err)
	}
	return vectors, nil
}

func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.embed(ctx, []string{text}, c.executor.DefaultPolicy())
	if err != nil {
		return nil, wrapAPIError("openai embed query", err)
	}
	return vectors[0], nil
}

func (c *Client) embed(ctx context.Context, texts []string, policy resilience.RetryPolicy) ([][]float32, error) {
	var vectors [][]float32
	err := c.executor.ExecuteWithPolicy(ctx, "openai.embed", policy, func(callCtx context.Context) error {
		if err := c.limiter.Wait(callCtx); err != nil {
			return err
		}
		resp, err := c.api.CreateEmbeddings(callCtx, goopenai.EmbeddingRequest{
			Input: texts,
			Model: c.embedModel,
		})
		if err != nil {
			return err
		}
		if len(resp.Data) != len(texts) {
			return fmt.Errorf("openai embed returned %d vectors for %d inputs", len(resp.Data), len(texts))
		}
		out := make([][]float32, len(texts))
		for _, item := range resp.Data {
			if item.Index < 0 || item.Index >= len(out) {
				return fmt.Errorf("openai embed returned index %d out of range", item.Index)
			}
			out[item.Index] = item.Embedding
		}
		vectors = out
		return nil
	}, classifyAPIError)
	return vectors, err
}

func statusCode(err error) int {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

func classifyAPIError(err error) resilience.ErrorClassification {
	if err == nil {
		return resilience.ErrorClassification{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	}
	if resilience.IsCircuitOpen(err) {
		return resilience.ErrorClassification{Retryable: false, RecordFailure: true}
	}
	switch code := statusCode(err); {
	case code == http.StatusTooManyRequests || code >= http.StatusInternalServerError:
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	case code >= http.StatusBadRequest:
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}
	return resilience.ErrorClassification{Retryable: false, RecordFailure: true}
}

func wrapAPIError(operation string, err error) error {
	code := statusCode(err)
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return domain.WrapError(domain.ErrUnauthorized, operation, err)
	case code >= http.StatusBadRequest && code < http.StatusInternalServerError && code != http.StatusTooManyRequests:
		return domain.WrapError(domain.ErrInvalidInput, operation, err)
	}
	if classifyAPIError(err).Retryable || resilience.IsCircuitOpen(err) || errors.Is(err, resilience.ErrRetriesExhausted) {
		return domain.WrapError(domain.ErrTemporary, operation, err)
	}
	return err
}
