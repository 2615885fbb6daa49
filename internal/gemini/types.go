package gemini

import (
	"encoding/json"
	"fmt"

	"github.com/geminiweb/gateway/internal/domain"
)

// Wire shapes for the generateContent API.

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"topP,omitempty"`
	MaxOutputTokens  *int     `json:"maxOutputTokens,omitempty"`
	StopSequences    []string `json:"stopSequences,omitempty"`
	PresencePenalty  *float64 `json:"presencePenalty,omitempty"`
	FrequencyPenalty *float64 `json:"frequencyPenalty,omitempty"`
}

type generateContentRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

// Request describes one generation call. Roles are pre-validated by the
// provider layer; only user/assistant turns may appear in Messages.
type Request struct {
	Model             string
	Messages          []domain.Message
	SystemInstruction string
	Params            *domain.GenerationParams
}

func buildPayload(req *Request) (*generateContentRequest, error) {
	contents := make([]content, 0, len(req.Messages))
	for _, m := range req.Messages {
		var role string
		switch m.Role {
		case "user":
			role = "user"
		case "assistant":
			role = "model"
		default:
			return nil, &domain.UpstreamProtocolError{Message: fmt.Sprintf("unsupported message role for upstream: %q", m.Role)}
		}
		contents = append(contents, content{Role: role, Parts: []part{{Text: m.Content}}})
	}

	payload := &generateContentRequest{Contents: contents}
	if req.SystemInstruction != "" {
		payload.SystemInstruction = &content{Parts: []part{{Text: req.SystemInstruction}}}
	}
	payload.GenerationConfig = buildGenerationConfig(req.Params)
	return payload, nil
}

// buildGenerationConfig returns nil when no parameter is set so the nested
// object is omitted from the payload entirely.
func buildGenerationConfig(p *domain.GenerationParams) *generationConfig {
	if p.Empty() {
		return nil
	}
	return &generationConfig{
		Temperature:      p.Temperature,
		TopP:             p.TopP,
		MaxOutputTokens:  p.MaxTokens,
		StopSequences:    p.Stop,
		PresencePenalty:  p.PresencePenalty,
		FrequencyPenalty: p.FrequencyPenalty,
	}
}

// extractText pulls candidates[0].content.parts[0].text out of a unary
// response body. Every structural deviation is an UpstreamProtocolError
// naming the missing field.
func extractText(body []byte) (string, error) {
	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		return "", &domain.UpstreamProtocolError{Message: "malformed upstream response body", Err: err}
	}

	candidates, ok := data["candidates"].([]any)
	if !ok || len(candidates) == 0 {
		return "", &domain.UpstreamProtocolError{Message: "missing candidates in upstream response"}
	}
	first, ok := candidates[0].(map[string]any)
	if !ok {
		return "", &domain.UpstreamProtocolError{Message: "missing content in upstream response"}
	}
	contentObj, ok := first["content"].(map[string]any)
	if !ok {
		return "", &domain.UpstreamProtocolError{Message: "missing content in upstream response"}
	}
	parts, ok := contentObj["parts"].([]any)
	if !ok || len(parts) == 0 {
		return "", &domain.UpstreamProtocolError{Message: "missing parts in upstream response"}
	}
	firstPart, ok := parts[0].(map[string]any)
	if !ok {
		return "", &domain.UpstreamProtocolError{Message: "missing text in upstream response"}
	}
	text, ok := firstPart["text"].(string)
	if !ok {
		return "", &domain.UpstreamProtocolError{Message: "missing text in upstream response"}
	}
	return text, nil
}

// extractStreamText applies the same shape checks as extractText but
// leniently: a structurally incomplete event is skipped, not fatal. Only a
// JSON decode failure of the event payload itself (handled by the caller)
// kills the stream.
func extractStreamText(event map[string]any) (string, bool) {
	candidates, ok := event["candidates"].([]any)
	if !ok || len(candidates) == 0 {
		return "", false
	}
	first, ok := candidates[0].(map[string]any)
	if !ok {
		return "", false
	}
	contentObj, ok := first["content"].(map[string]any)
	if !ok {
		return "", false
	}
	parts, ok := contentObj["parts"].([]any)
	if !ok || len(parts) == 0 {
		return "", false
	}
	firstPart, ok := parts[0].(map[string]any)
	if !ok {
		return "", false
	}
	text, ok := firstPart["text"].(string)
	if !ok || text == "" {
		return "", false
	}
	return text, true
}
