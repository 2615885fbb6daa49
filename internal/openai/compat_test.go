package openai

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/geminiweb/gateway/internal/domain"
)

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }

func validRequest() *ChatCompletionRequest {
	return &ChatCompletionRequest{
		Model:    "gemini-2.0-flash",
		Messages: []ChatMessage{{Role: "user", Content: "hi"}},
	}
}

func TestValidate_AcceptsMinimalRequest(t *testing.T) {
	if err := Validate(validRequest()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*ChatCompletionRequest)
		want   string
	}{
		{"missing model", func(r *ChatCompletionRequest) { r.Model = "" }, "model"},
		{"empty messages", func(r *ChatCompletionRequest) { r.Messages = nil }, "messages"},
		{"tool role", func(r *ChatCompletionRequest) {
			r.Messages = []ChatMessage{{Role: "tool", Content: "x"}}
		}, "tool"},
		{"unknown role", func(r *ChatCompletionRequest) {
			r.Messages = []ChatMessage{{Role: "robot", Content: "x"}}
		}, "role"},
		{"temperature too high", func(r *ChatCompletionRequest) { r.Temperature = floatPtr(2.5) }, "temperature"},
		{"temperature negative", func(r *ChatCompletionRequest) { r.Temperature = floatPtr(-0.1) }, "temperature"},
		{"top_p zero", func(r *ChatCompletionRequest) { r.TopP = floatPtr(0) }, "top_p"},
		{"top_p too high", func(r *ChatCompletionRequest) { r.TopP = floatPtr(1.1) }, "top_p"},
		{"max_tokens zero", func(r *ChatCompletionRequest) { r.MaxTokens = intPtr(0) }, "max_tokens"},
		{"max_completion_tokens negative", func(r *ChatCompletionRequest) { r.MaxCompletionTokens = intPtr(-1) }, "max_completion_tokens"},
		{"conflicting aliases", func(r *ChatCompletionRequest) {
			r.MaxTokens = intPtr(100)
			r.MaxCompletionTokens = intPtr(200)
		}, "only one of"},
		{"empty stop list", func(r *ChatCompletionRequest) { r.Stop = StopSequences{} }, "stop"},
		{"empty stop sequence", func(r *ChatCompletionRequest) { r.Stop = StopSequences{""} }, "stop"},
		{"presence_penalty out of range", func(r *ChatCompletionRequest) { r.PresencePenalty = floatPtr(2.1) }, "presence_penalty"},
		{"frequency_penalty out of range", func(r *ChatCompletionRequest) { r.FrequencyPenalty = floatPtr(-2.1) }, "frequency_penalty"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			tc.mutate(req)
			err := Validate(req)
			var cfgErr *domain.ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigurationError, got %v", err)
			}
			if !strings.Contains(cfgErr.Message, tc.want) {
				t.Errorf("error %q should mention %q", cfgErr.Message, tc.want)
			}
		})
	}
}

func TestValidate_MatchingAliasesAllowed(t *testing.T) {
	req := validRequest()
	req.MaxTokens = intPtr(128)
	req.MaxCompletionTokens = intPtr(128)
	if err := Validate(req); err != nil {
		t.Errorf("matching alias values should pass: %v", err)
	}
}

func TestValidate_BoundaryValues(t *testing.T) {
	req := validRequest()
	req.Temperature = floatPtr(2)
	req.TopP = floatPtr(1)
	req.PresencePenalty = floatPtr(-2)
	req.FrequencyPenalty = floatPtr(2)
	if err := Validate(req); err != nil {
		t.Errorf("boundary values should pass: %v", err)
	}
}

func TestEffectiveMaxTokens(t *testing.T) {
	req := validRequest()
	if req.EffectiveMaxTokens() != nil {
		t.Error("expected nil when neither alias is set")
	}

	req.MaxCompletionTokens = intPtr(64)
	if got := req.EffectiveMaxTokens(); got == nil || *got != 64 {
		t.Errorf("expected alias value 64, got %v", got)
	}

	req.MaxTokens = intPtr(32)
	if got := req.EffectiveMaxTokens(); got == nil || *got != 32 {
		t.Errorf("expected max_tokens to win, got %v", got)
	}
}

func TestExtractGenerationParams_Idempotent(t *testing.T) {
	req := validRequest()
	req.Temperature = floatPtr(0.7)
	req.TopP = floatPtr(0.95)
	req.MaxCompletionTokens = intPtr(512)
	req.Stop = StopSequences{"END", "STOP"}
	req.PresencePenalty = floatPtr(0.1)

	first := ExtractGenerationParams(req)
	second := ExtractGenerationParams(req)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("extraction not idempotent: %+v vs %+v", first, second)
	}
	if first.MaxTokens == nil || *first.MaxTokens != 512 {
		t.Errorf("expected alias resolved to 512, got %v", first.MaxTokens)
	}

	// The extracted stop slice must be a copy, not a view of the request.
	first.Stop[0] = "mutated"
	if req.Stop[0] != "END" {
		t.Error("mutating extracted params leaked into the request")
	}
}

func TestExtractGenerationParams_EmptyRequest(t *testing.T) {
	p := ExtractGenerationParams(validRequest())
	if !p.Empty() {
		t.Errorf("expected empty params, got %+v", p)
	}
}

func TestToProviderMessages(t *testing.T) {
	got := ToProviderMessages([]ChatMessage{
		{Role: "system", Content: "rules"},
		{Role: "user", Content: "hi"},
	})
	want := []domain.Message{
		{Role: "system", Content: "rules"},
		{Role: "user", Content: "hi"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestStopSequences_UnmarshalString(t *testing.T) {
	var req ChatCompletionRequest
	if err := json.Unmarshal([]byte(`{"model":"m","messages":[],"stop":"END"}`), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(req.Stop) != 1 || req.Stop[0] != "END" {
		t.Errorf("expected single-element stop, got %v", req.Stop)
	}
}

func TestStopSequences_UnmarshalList(t *testing.T) {
	var req ChatCompletionRequest
	if err := json.Unmarshal([]byte(`{"model":"m","messages":[],"stop":["a","b"]}`), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(req.Stop) != 2 || req.Stop[0] != "a" || req.Stop[1] != "b" {
		t.Errorf("expected two stop sequences, got %v", req.Stop)
	}
}

func TestStopSequences_UnmarshalInvalid(t *testing.T) {
	var req ChatCompletionRequest
	if err := json.Unmarshal([]byte(`{"stop":42}`), &req); err == nil {
		t.Error("expected error for numeric stop")
	}
}

func TestNewCompletionID_Prefix(t *testing.T) {
	id := NewCompletionID()
	if !strings.HasPrefix(id, "chatcmpl-") {
		t.Errorf("expected chatcmpl- prefix, got %q", id)
	}
	if id == NewCompletionID() {
		t.Error("expected unique ids")
	}
}

func TestNewStreamChunk_Shape(t *testing.T) {
	reason := "stop"
	chunk := NewStreamChunk("chatcmpl-abc", 1700000000, "gemini-2.0-flash", Delta{}, &reason)

	raw, err := json.Marshal(chunk)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"object":"chat.completion.chunk"`) {
		t.Errorf("missing chunk object marker: %s", raw)
	}
	if !strings.Contains(string(raw), `"finish_reason":"stop"`) {
		t.Errorf("missing finish_reason: %s", raw)
	}
}

func TestNewStreamChunk_NullFinishReason(t *testing.T) {
	chunk := NewStreamChunk("chatcmpl-abc", 1700000000, "m", Delta{Content: "x"}, nil)
	raw, err := json.Marshal(chunk)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"finish_reason":null`) {
		t.Errorf("mid-stream chunks must carry null finish_reason: %s", raw)
	}
}

func TestNewErrorResponse_Envelope(t *testing.T) {
	resp := NewErrorResponse("boom", "api_error", "req-123")
	raw, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, want := range []string{`"message":"boom"`, `"type":"api_error"`, `"code":"req-123"`, `"param":null`} {
		if !strings.Contains(string(raw), want) {
			t.Errorf("envelope missing %s: %s", want, raw)
		}
	}
}
