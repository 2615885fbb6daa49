package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/geminiweb/gateway/internal/domain"
	"github.com/geminiweb/gateway/internal/gemini"
)

func newTestProvider(t *testing.T, upstream http.HandlerFunc, streaming bool) *Provider {
	t.Helper()
	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)

	client := gemini.New(gemini.Config{
		APIKey:      "test-key",
		BaseURL:     srv.URL,
		MaxAttempts: 1,
	})
	return New(client, streaming)
}

func intent(messages ...domain.Message) domain.CompletionIntent {
	return domain.CompletionIntent{
		LogicalModel: "gemini-2.0-flash",
		Messages:     messages,
		MinTier:      domain.TierAny,
		Extra:        &domain.GenerationParams{},
	}
}

func TestSplitMessages(t *testing.T) {
	system, chat, err := splitMessages([]domain.Message{
		{Role: "system", Content: "rule one"},
		{Role: "user", Content: "hi"},
		{Role: "system", Content: "rule two"},
		{Role: "assistant", Content: "hello"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if system != "rule one\n\nrule two" {
		t.Errorf("system = %q", system)
	}
	if len(chat) != 2 {
		t.Fatalf("expected 2 chat turns, got %d", len(chat))
	}
	if chat[0].Role != "user" || chat[1].Role != "assistant" {
		t.Errorf("chat order broken: %v", chat)
	}
}

func TestSplitMessages_SkipsEmptySystem(t *testing.T) {
	system, _, err := splitMessages([]domain.Message{
		{Role: "system", Content: ""},
		{Role: "user", Content: "hi"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if system != "" {
		t.Errorf("expected empty instruction, got %q", system)
	}
}

func TestSplitMessages_RejectsToolRole(t *testing.T) {
	_, _, err := splitMessages([]domain.Message{{Role: "tool", Content: "x"}})
	var cfgErr *domain.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestComplete_Success(t *testing.T) {
	var sawSystem bool
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		if err := jsonDecode(r, &payload); err != nil {
			t.Errorf("decode upstream payload: %v", err)
		}
		_, sawSystem = payload["systemInstruction"]
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"hello"}]}}]}`)
	}, false)

	result, err := p.Complete(context.Background(), intent(
		domain.Message{Role: "system", Content: "be brief"},
		domain.Message{Role: "user", Content: "hi"},
	))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Content != "hello" {
		t.Errorf("content = %q", result.Content)
	}
	if result.ProviderName != Name {
		t.Errorf("provider = %q", result.ProviderName)
	}
	if result.LatencySeconds < 0 {
		t.Errorf("latency = %v", result.LatencySeconds)
	}
	if !sawSystem {
		t.Error("system instruction was not forwarded upstream")
	}
}

func TestComplete_RequiresUserMessage(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be called")
	}, false)

	_, err := p.Complete(context.Background(), intent(
		domain.Message{Role: "system", Content: "rules only"},
	))
	var cfgErr *domain.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestStream_DisabledByDefault(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be called")
	}, false)

	_, _, err := p.Stream(context.Background(), intent(domain.Message{Role: "user", Content: "hi"}))
	var featErr *domain.UnsupportedFeatureError
	if !errors.As(err, &featErr) {
		t.Fatalf("expected UnsupportedFeatureError, got %v", err)
	}
}

func TestStream_DeliversFragments(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"a\"}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"b\"}]}}]}\n\n")
	}, true)

	fragments, errs, err := p.Stream(context.Background(), intent(domain.Message{Role: "user", Content: "hi"}))
	if err != nil {
		t.Fatalf("unexpected sync error: %v", err)
	}

	var got string
	for fragment := range fragments {
		got += fragment
	}
	if streamErr := <-errs; streamErr != nil {
		t.Fatalf("unexpected stream error: %v", streamErr)
	}
	if got != "ab" {
		t.Errorf("got %q, want %q", got, "ab")
	}
}

func jsonDecode(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
