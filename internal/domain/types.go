package domain

// Model tiers. MinTier is carried on intents as a routing placeholder; the
// gateway itself never selects by tier.
const (
	TierAny      = "any"
	TierStandard = "standard"
	TierPremium  = "premium"
)

// Message is one conversation turn as handed to the upstream client.
// Role is pre-validated: only "user" and "assistant" reach the client.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationParams holds the optional generation parameters of a request.
// All fields are validated at the protocol boundary; nil pointers mean
// "not supplied".
type GenerationParams struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	Stop             []string `json:"stop,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
}

// Empty reports whether no parameter is set.
func (p *GenerationParams) Empty() bool {
	if p == nil {
		return true
	}
	return p.Temperature == nil && p.TopP == nil && p.MaxTokens == nil &&
		len(p.Stop) == 0 && p.PresencePenalty == nil && p.FrequencyPenalty == nil
}

// CompletionIntent is the immutable description of one generation request,
// constructed once per inbound request after system-message extraction.
type CompletionIntent struct {
	LogicalModel string
	Messages     []Message
	MinTier      string
	Extra        *GenerationParams
}

// CompletionResult is produced exactly once per successful unary call.
type CompletionResult struct {
	ProviderName   string
	ActualModel    string
	Tier           string
	Content        string
	LatencySeconds float64
	Metadata       map[string]any
}
