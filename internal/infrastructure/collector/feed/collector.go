// Package feed collects documents from an HTTP JSON or JSONL feed.
package feed

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kirillkom/lexrag/internal/core/domain"
	"github.com/kirillkom/lexrag/internal/infrastructure/extractor"
	"github.com/kirillkom/lexrag/internal/infrastructure/resilience"
)

const maxFeedBytes = 64 << 20

type Config struct {
	Timeout      time.Duration
	RateLimitRPS float64
	UserAgent    string
}

type Collector struct {
	spec       domain.SourceSpec
	httpClient *http.Client
	limiter    *rate.Limiter
	executor   *resilience.Executor
	userAgent  string
	logger     *zap.Logger
}

func New(spec domain.SourceSpec, cfg Config, executor *resilience.Executor, logger *zap.Logger) (*Collector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !strings.HasPrefix(spec.URL, "http://") && !strings.HasPrefix(spec.URL, "https://") {
		return nil, domain.WrapError(domain.ErrInvalidInput, "feed collector", fmt.Errorf("url %q must be http(s)", spec.URL))
	}
	if executor == nil {
		executor = resilience.NewExecutor(resilience.DefaultConfig(), logger)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), max(1, int(math.Ceil(cfg.RateLimitRPS))))
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "lexrag-collector/1.0"
	}
	return &Collector{
		spec:       spec,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		executor:   executor,
		userAgent:  userAgent,
		logger:     logger.Named("feed").With(zap.String("url", spec.URL)),
	}, nil
}

func (c *Collector) Name() string {
	return "feed:" + c.spec.URL
}

// Produce fetches the whole feed, then yields its entries. A fetch or decode
// failure is yielded as an error and ends the sequence.
func (c *Collector) Produce(ctx context.Context) iter.Seq2[domain.RawDocument, error] {
	return func(yield func(domain.RawDocument, error) bool) {
		payload, err := c.fetch(ctx)
		if err != nil {
			yield(domain.RawDocument{}, err)
			return
		}
		for doc, err := range decodeFeed(payload) {
			if err != nil {
				yield(domain.RawDocument{}, fmt.Errorf("decode feed %s: %w", c.spec.URL, err))
				return
			}
			doc, ok := c.prepare(doc)
			if !ok {
				continue
			}
			if !yield(doc, nil) {
				return
			}
		}
	}
}

func (c *Collector) fetch(ctx context.Context) ([]byte, error) {
	var payload []byte
	err := c.executor.Execute(ctx, "feed.fetch", func(callCtx context.Context) error {
		if err := c.limiter.Wait(callCtx); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(callCtx, http.MethodGet, c.spec.URL, nil)
		if err != nil {
			return fmt.Errorf("create feed request: %w", err)
		}
		req.Header.Set("Accept", "application/json, application/x-ndjson")
		req.Header.Set("User-Agent", c.userAgent)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("feed request: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return &StatusError{StatusCode: resp.StatusCode, Status: resp.Status, Body: strings.TrimSpace(string(body))}
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes+1))
		if err != nil {
			return fmt.Errorf("read feed body: %w", err)
		}
		if len(data) > maxFeedBytes {
			return domain.WrapError(domain.ErrInvalidInput, "read feed body", fmt.Errorf("feed exceeds %d bytes", maxFeedBytes))
		}
		payload = data
		return nil
	}, classifyFetchError)
	if err != nil {
		if classifyFetchError(err).Retryable || errors.Is(err, resilience.ErrRetriesExhausted) || resilience.IsCircuitOpen(err) {
			return nil, domain.WrapError(domain.ErrTemporary, "fetch feed", err)
		}
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	return payload, nil
}

// prepare applies source defaults and body conversion; entries that end up
// without a body are logged and dropped here.
func (c *Collector) prepare(doc domain.RawDocument) (domain.RawDocument, bool) {
	if doc.Jurisdiction == "" {
		doc.Jurisdiction = c.spec.Jurisdiction
	}
	if doc.SubJurisdiction == "" {
		doc.SubJurisdiction = c.spec.SubJurisdiction
	}
	if doc.DocumentType == "" {
		doc.DocumentType = c.spec.DocumentType
	}
	if doc.Language == "" {
		doc.Language = c.spec.Language
	}
	if strings.EqualFold(c.spec.BodyFormat, extractor.FormatHTML) {
		text, err := extractor.Text([]byte(doc.Body), extractor.FormatHTML)
		if err != nil {
			c.logger.Warn("feed_entry_extract_failed", zap.String("title", doc.Title), zap.Error(err))
			return doc, false
		}
		doc.Body = text
	}
	return doc, true
}

// decodeFeed accepts a JSON array of documents or one JSON document per line.
func decodeFeed(payload []byte) iter.Seq2[domain.RawDocument, error] {
	return func(yield func(domain.RawDocument, error) bool) {
		trimmed := bytes.TrimSpace(payload)
		if len(trimmed) == 0 {
			return
		}
		dec := json.NewDecoder(bufio.NewReader(bytes.NewReader(trimmed)))
		if trimmed[0] == '[' {
			if _, err := dec.Token(); err != nil {
				yield(domain.RawDocument{}, err)
				return
			}
			for dec.More() {
				var doc domain.RawDocument
				if err := dec.Decode(&doc); err != nil {
					yield(domain.RawDocument{}, err)
					return
				}
				if !yield(doc, nil) {
					return
				}
			}
			return
		}
		for {
			var doc domain.RawDocument
			err := dec.Decode(&doc)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(domain.RawDocument{}, err)
				return
			}
			if !yield(doc, nil) {
				return
			}
		}
	}
}

type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return "feed status: " + e.Status
	}
	return fmt.Sprintf("feed status: %s: %s", e.Status, e.Body)
}

func classifyFetchError(err error) resilience.ErrorClassification {
	switch {
	case err == nil:
		return resilience.ErrorClassification{}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	case resilience.IsCircuitOpen(err):
		return resilience.ErrorClassification{Retryable: false, RecordFailure: true}
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		retryable := statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= http.StatusInternalServerError
		return resilience.ErrorClassification{Retryable: retryable, RecordFailure: retryable}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}
	return resilience.ErrorClassification{Retryable: false, RecordFailure: true}
}
