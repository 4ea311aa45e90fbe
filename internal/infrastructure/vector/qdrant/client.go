package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/lexrag/internal/core/domain"
	"github.com/kirillkom/lexrag/internal/core/fingerprint"
)

// Client talks to Qdrant over its REST API.
type Client struct {
	baseURL    string
	collection string
	apiKey     string
	httpClient *http.Client

	ensureMu          sync.Mutex
	ensuredCollection bool
	ensuredVectorSize int
}

func New(baseURL, collection, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: collection,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Upsert(ctx context.Context, records []domain.IndexRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := c.ensureCollection(ctx, len(records[0].Vector)); err != nil {
		return err
	}

	type point struct {
		ID      string         `json:"id"`
		Vector  []float32      `json:"vector"`
		Payload map[string]any `json:"payload"`
	}

	points := make([]point, 0, len(records))
	for _, rec := range records {
		if len(rec.Vector) != c.vectorSize() {
			return domain.WrapError(domain.ErrInvalidInput, "qdrant upsert", fmt.Errorf("record %s has vector size %d, collection expects %d", rec.ID, len(rec.Vector), c.vectorSize()))
		}
		points = append(points, point{
			ID:      fingerprint.PointUUID(rec.ID),
			Vector:  rec.Vector,
			Payload: recordPayload(rec),
		})
	}

	url := fmt.Sprintf("%s/collections/%s/points?wait=true", c.baseURL, c.collection)
	return c.do(ctx, "qdrant upsert", http.MethodPut, url, map[string]any{"points": points}, nil)
}

func (c *Client) DeleteByFingerprint(ctx context.Context, jurisdiction, fp string) error {
	body := map[string]any{
		"filter": matchFilter(map[string]string{
			fieldJurisdiction: domain.NormalizeJurisdiction(jurisdiction),
			fieldFingerprint:  fp,
		}),
	}
	url := fmt.Sprintf("%s/collections/%s/points/delete?wait=true", c.baseURL, c.collection)
	err := c.do(ctx, "qdrant delete", http.MethodPost, url, body, nil)
	if domain.IsKind(err, domain.ErrNotFound) {
		return nil
	}
	return err
}

func (c *Client) Search(ctx context.Context, queryVector []float32, filter domain.SearchFilter, limit int) ([]domain.IndexRecord, error) {
	if domain.NormalizeJurisdiction(filter.Jurisdiction) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "qdrant search", errors.New("jurisdiction filter is required"))
	}
	reqBody := map[string]any{
		"vector":       queryVector,
		"limit":        limit,
		"with_payload": true,
		"filter":       matchFilter(filterConditions(filter)),
	}

	var searchResp struct {
		Result []struct {
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	url := fmt.Sprintf("%s/collections/%s/points/search", c.baseURL, c.collection)
	if err := c.do(ctx, "qdrant search", http.MethodPost, url, reqBody, &searchResp); err != nil {
		// A collection that was never written to holds no sources.
		if domain.IsKind(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	out := make([]domain.IndexRecord, 0, len(searchResp.Result))
	for _, r := range searchResp.Result {
		out = append(out, recordFromPayload(r.Payload, r.Score))
	}
	return out, nil
}

// Ping checks that the server answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, "qdrant ping", http.MethodGet, c.baseURL+"/collections", nil, nil)
}

func matchFilter(conditions map[string]string) map[string]any {
	keys := make([]string, 0, len(conditions))
	for key := range conditions {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	must := make([]map[string]any, 0, len(keys))
	for _, key := range keys {
		must = append(must, map[string]any{
			"key":   key,
			"match": map[string]any{"value": conditions[key]},
		})
	}
	return map[string]any{"must": must}
}

func (c *Client) ensureCollection(ctx context.Context, vectorSize int) error {
	c.ensureMu.Lock()
	if c.ensuredCollection && c.ensuredVectorSize == vectorSize {
		c.ensureMu.Unlock()
		return nil
	}
	c.ensureMu.Unlock()
	if vectorSize == 0 {
		return domain.WrapError(domain.ErrInvalidInput, "qdrant ensure collection", errors.New("empty vector"))
	}

	reqBody := map[string]any{
		"vectors": map[string]any{
			"size":     vectorSize,
			"distance": "Cosine",
		},
	}
	url := fmt.Sprintf("%s/collections/%s", c.baseURL, c.collection)
	err := c.do(ctx, "qdrant ensure collection", http.MethodPut, url, reqBody, nil)
	// 409 if the collection already exists (depends on version/config).
	var statusErr *StatusError
	if err != nil && !(errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusConflict) {
		return err
	}

	for _, field := range []string{fieldJurisdiction, fieldSubJurisdiction, fieldFingerprint} {
		indexURL := fmt.Sprintf("%s/collections/%s/index?wait=true", c.baseURL, c.collection)
		body := map[string]any{"field_name": field, "field_schema": "keyword"}
		if err := c.do(ctx, "qdrant payload index", http.MethodPut, indexURL, body, nil); err != nil {
			return err
		}
	}

	c.ensureMu.Lock()
	defer c.ensureMu.Unlock()
	c.ensuredCollection = true
	c.ensuredVectorSize = vectorSize
	return nil
}

func (c *Client) vectorSize() int {
	c.ensureMu.Lock()
	defer c.ensureMu.Unlock()
	return c.ensuredVectorSize
}

// StatusError carries a non-2xx Qdrant response.
type StatusError struct {
	Op         string
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s status: %s: %s", e.Op, e.Status, e.Body)
	}
	return fmt.Sprintf("%s status: %s", e.Op, e.Status)
}

func (c *Client) do(ctx context.Context, op, method, url string, reqBody, out any) error {
	var body io.Reader
	if reqBody != nil {
		raw, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal %s body: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("create %s request: %w", op, err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s request: %w", op, ctx.Err())
		}
		return domain.WrapError(domain.ErrTemporary, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return classifyStatus(&StatusError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(msg)),
		})
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}

func classifyStatus(err *StatusError) error {
	switch {
	case err.StatusCode == http.StatusNotFound:
		return domain.WrapError(domain.ErrNotFound, err.Op, err)
	case err.StatusCode == http.StatusUnauthorized, err.StatusCode == http.StatusForbidden:
		return domain.WrapError(domain.ErrUnauthorized, err.Op, err)
	case err.StatusCode == http.StatusTooManyRequests, err.StatusCode >= 500:
		return domain.WrapError(domain.ErrTemporary, err.Op, err)
	case err.StatusCode == http.StatusConflict:
		return err
	default:
		return domain.WrapError(domain.ErrInvalidInput, err.Op, err)
	}
}
