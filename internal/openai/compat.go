package openai

import (
	"fmt"

	"github.com/geminiweb/gateway/internal/domain"
)

func configErr(format string, args ...any) error {
	return &domain.ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

// Validate enforces the protocol-boundary rules so the core can trust every
// value it receives.
func Validate(req *ChatCompletionRequest) error {
	if req.Model == "" {
		return configErr("model is required")
	}
	if len(req.Messages) == 0 {
		return configErr("messages must not be empty")
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "system", "user", "assistant":
		case "tool":
			return configErr("tool messages are not supported")
		default:
			return configErr("unsupported message role: %q", m.Role)
		}
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return configErr("temperature must be between 0 and 2")
	}
	if req.TopP != nil && (*req.TopP <= 0 || *req.TopP > 1) {
		return configErr("top_p must be > 0 and <= 1")
	}
	if req.MaxTokens != nil && *req.MaxTokens <= 0 {
		return configErr("max_tokens must be > 0")
	}
	if req.MaxCompletionTokens != nil && *req.MaxCompletionTokens <= 0 {
		return configErr("max_completion_tokens must be > 0")
	}
	if req.MaxTokens != nil && req.MaxCompletionTokens != nil && *req.MaxTokens != *req.MaxCompletionTokens {
		return configErr("provide only one of max_tokens or max_completion_tokens")
	}
	if req.Stop != nil {
		if len(req.Stop) == 0 {
			return configErr("stop list must be non-empty")
		}
		for _, s := range req.Stop {
			if s == "" {
				return configErr("stop sequences must be non-empty strings")
			}
		}
	}
	if req.PresencePenalty != nil && (*req.PresencePenalty < -2 || *req.PresencePenalty > 2) {
		return configErr("presence_penalty must be between -2 and 2")
	}
	if req.FrequencyPenalty != nil && (*req.FrequencyPenalty < -2 || *req.FrequencyPenalty > 2) {
		return configErr("frequency_penalty must be between -2 and 2")
	}
	return nil
}

// EffectiveMaxTokens resolves the max_completion_tokens alias: max_tokens
// wins when present, otherwise the alias is the effective value.
func (r *ChatCompletionRequest) EffectiveMaxTokens() *int {
	if r.MaxTokens != nil {
		return r.MaxTokens
	}
	return r.MaxCompletionTokens
}

// ExtractGenerationParams pulls the validated generation parameters out of a
// request. Pure and idempotent: the same request always yields the same
// params, and no field is invented or altered.
func ExtractGenerationParams(req *ChatCompletionRequest) *domain.GenerationParams {
	p := &domain.GenerationParams{
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		MaxTokens:        req.EffectiveMaxTokens(),
		PresencePenalty:  req.PresencePenalty,
		FrequencyPenalty: req.FrequencyPenalty,
	}
	if len(req.Stop) > 0 {
		p.Stop = append([]string(nil), req.Stop...)
	}
	return p
}

// ToProviderMessages converts wire messages into the provider's message
// shape without interpreting roles.
func ToProviderMessages(messages []ChatMessage) []domain.Message {
	out := make([]domain.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, domain.Message{Role: m.Role, Content: m.Content})
	}
	return out
}
