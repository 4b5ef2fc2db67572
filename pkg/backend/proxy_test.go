package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/parley-chat/parley/pkg/stream"
)

func TestProxyGenerate(t *testing.T) {
	var gotBody proxyRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		raw, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(raw, &gotBody); err != nil {
			t.Errorf("request body not JSON: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, `data: {"candidates":[{"content":{"parts":[{"text":"Hel"}]}}]}`+"\n\n")
		_, _ = io.WriteString(w, `data: {"candidates":[{"content":{"parts":[{"text":"lo"}]},"finishReason":"STOP"}]}`+"\n\n")
		_, _ = io.WriteString(w, "event: done\n\n")
	}))
	defer server.Close()

	client := NewProxyClient(server.URL, zerolog.Nop())
	res, err := client.Generate(context.Background(), Request{
		Message:              "hi",
		History:              []HistoryMessage{{Role: RoleUser, Text: "earlier"}},
		PinnedHistoryIndices: []int{0},
		Settings:             Settings{Model: "test-model"},
	}, stream.Options{}, stream.Callbacks{})
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if res.Text != "Hello" {
		t.Fatalf("expected %q, got %q", "Hello", res.Text)
	}
	if res.FinishReason != "STOP" {
		t.Fatalf("expected finish reason STOP, got %q", res.FinishReason)
	}
	if gotBody.Message != "hi" || gotBody.Settings.Model != "test-model" {
		t.Fatalf("request body mismatch: %+v", gotBody)
	}
	if len(gotBody.History) != 1 || len(gotBody.PinnedHistoryIndices) != 1 {
		t.Fatalf("history not forwarded: %+v", gotBody)
	}
}

func TestProxyGenerateFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, `data: {"candidates":[{"content":{"parts":[{"text":"partial"}]}}]}`+"\n\n")
		_, _ = io.WriteString(w, "event: fallback\ndata: {\"mode\":\"restart\"}\n\n")
		_, _ = io.WriteString(w, `data: {"choices":[{"delta":{"content":"final"}}]}`+"\n\n")
		_, _ = io.WriteString(w, "data: [DONE]\n\nevent: done\n\n")
	}))
	defer server.Close()

	client := NewProxyClient(server.URL, zerolog.Nop())
	res, err := client.Generate(context.Background(), Request{Settings: Settings{Model: "m"}}, stream.Options{}, stream.Callbacks{})
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if !res.FallbackModeEngaged {
		t.Fatalf("fallback flag not set")
	}
	if res.Text != "final" {
		t.Fatalf("expected %q, got %q", "final", res.Text)
	}
}

func TestProxyGenerateHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "backend down", http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewProxyClient(server.URL, zerolog.Nop())
	_, err := client.Generate(context.Background(), Request{}, stream.Options{}, stream.Callbacks{})
	if err == nil {
		t.Fatalf("expected error on non-2xx response")
	}
}

func TestProxyGenerateAbortedBeforeSend(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	client := NewProxyClient("http://127.0.0.1:0", zerolog.Nop())

	_, err := client.Generate(ctx, Request{}, stream.Options{AbortMode: stream.AbortModeThrow}, stream.Callbacks{})
	if !errors.Is(err, stream.ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}

	res, err := client.Generate(ctx, Request{}, stream.Options{AbortMode: stream.AbortModeReturn}, stream.Callbacks{})
	if err != nil {
		t.Fatalf("return mode should not error: %v", err)
	}
	if !res.Aborted {
		t.Fatalf("expected aborted result")
	}
}
