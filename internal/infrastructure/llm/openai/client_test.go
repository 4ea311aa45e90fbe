package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirillkom/lexrag/internal/core/domain"
	"github.com/kirillkom/lexrag/internal/infrastructure/resilience"
)

func testClient(url string) *Client {
	executor := resilience.NewExecutor(resilience.Config{
		Retry: resilience.RetryPolicy{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1},
	}, nil)
	return New(Config{BaseURL: url + "/v1", APIKey: "key", ChatModel: "gpt", EmbedModel: "emb", Timeout: time.Second}, executor, nil)
}

func TestCompleteSendsJSONFormatAndNonZeroTemperature(t *testing.T) {
	var payload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" || r.Header.Get("Authorization") != "Bearer key" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":" VERIFIED "}}]}`))
	}))
	defer server.Close()

	got, err := testClient(server.URL).Complete(context.Background(), domain.CompletionRequest{System: "check", Prompt: "claim", JSON: true})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if got != "VERIFIED" {
		t.Fatalf("expected trimmed content, got %q", got)
	}
	if temp, _ := payload["temperature"].(float64); temp <= 0 || temp > 1e-30 {
		t.Fatalf("expected near-zero temperature, got %v", payload["temperature"])
	}
	format, _ := payload["response_format"].(map[string]any)
	if format["type"] != "json_object" {
		t.Fatalf("expected json response format, got %v", payload["response_format"])
	}
}

func TestCompleteMapsUnauthorized(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer server.Close()

	_, err := testClient(server.URL).Complete(context.Background(), domain.CompletionRequest{Prompt: "q"})
	if !domain.IsKind(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected no retry, got %d calls", got)
	}
}

func TestEmbedOrdersVectorsByIndex(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"index":1,"embedding":[2]},{"index":0,"embedding":[1]}]}`))
	}))
	defer server.Close()

	got, err := testClient(server.URL).Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(got) != 2 || got[0][0] != 1 || got[1][0] != 2 {
		t.Fatalf("unexpected vectors: %v", got)
	}
}

func TestEmbedServerErrorIsTemporary(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded"}}`))
	}))
	defer server.Close()

	_, err := testClient(server.URL).Embed(context.Background(), []string{"a"})
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}
