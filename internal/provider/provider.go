// Package provider orchestrates a completion intent against the Gemini
// upstream: system-instruction splitting, invariants, metrics and tracing.
package provider

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/geminiweb/gateway/internal/domain"
	"github.com/geminiweb/gateway/internal/gemini"
	"github.com/geminiweb/gateway/internal/metrics"
	"github.com/geminiweb/gateway/internal/telemetry"
)

const Name = "GeminiOfficial"

type Provider struct {
	session         *gemini.Client
	enableStreaming bool
}

func New(session *gemini.Client, enableStreaming bool) *Provider {
	return &Provider{session: session, enableStreaming: enableStreaming}
}

func (p *Provider) Name() string { return Name }

// splitMessages extracts system messages into one instruction string
// (concatenated in order, joined by blank lines) and returns the remaining
// user/assistant turns.
func splitMessages(messages []domain.Message) (string, []domain.Message, error) {
	var systemParts []string
	chat := make([]domain.Message, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			if m.Content != "" {
				systemParts = append(systemParts, m.Content)
			}
		case "tool":
			return "", nil, &domain.ConfigurationError{Message: "tool messages are not supported"}
		case "user", "assistant":
			chat = append(chat, m)
		default:
			return "", nil, &domain.ConfigurationError{Message: "unsupported message role: " + m.Role}
		}
	}
	systemInstruction := strings.TrimSpace(strings.Join(systemParts, "\n\n"))
	return systemInstruction, chat, nil
}

func hasUserMessage(messages []domain.Message) bool {
	for _, m := range messages {
		if m.Role == "user" && m.Content != "" {
			return true
		}
	}
	return false
}

func (p *Provider) buildRequest(intent domain.CompletionIntent) (*gemini.Request, error) {
	systemInstruction, chat, err := splitMessages(intent.Messages)
	if err != nil {
		return nil, err
	}
	if !hasUserMessage(chat) {
		return nil, &domain.ConfigurationError{Message: "no user message provided"}
	}
	return &gemini.Request{
		Model:             intent.LogicalModel,
		Messages:          chat,
		SystemInstruction: systemInstruction,
		Params:            intent.Extra,
	}, nil
}

// Complete runs one unary completion and produces the result exactly once.
func (p *Provider) Complete(ctx context.Context, intent domain.CompletionIntent) (*domain.CompletionResult, error) {
	start := time.Now()

	ctx, span := telemetry.StartSpan(ctx, "provider.complete")
	defer span.End()
	telemetry.AddRequestAttributes(span, Name, intent.LogicalModel)

	req, err := p.buildRequest(intent)
	if err != nil {
		metrics.RecordProviderRequest(Name, "error", time.Since(start).Seconds())
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	text, err := p.session.GenerateContent(ctx, req)
	latency := time.Since(start)
	if err != nil {
		metrics.RecordProviderRequest(Name, "error", latency.Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("provider request failed", "provider", Name, "model", intent.LogicalModel, "error", err)
		return nil, err
	}

	metrics.RecordProviderRequest(Name, "success", latency.Seconds())
	return &domain.CompletionResult{
		ProviderName:   Name,
		ActualModel:    intent.LogicalModel,
		Tier:           domain.TierStandard,
		Content:        text,
		LatencySeconds: latency.Seconds(),
	}, nil
}

// Stream opens one streamed completion. Failures before the first fragment
// are returned synchronously; afterwards the channels carry the stream.
func (p *Provider) Stream(ctx context.Context, intent domain.CompletionIntent) (<-chan string, <-chan error, error) {
	if !p.enableStreaming {
		return nil, nil, &domain.UnsupportedFeatureError{Message: "streaming is disabled (set ENABLE_STREAMING=true)"}
	}
	req, err := p.buildRequest(intent)
	if err != nil {
		return nil, nil, err
	}
	fragments, errs, err := p.session.StreamGenerateContent(ctx, req)
	if err != nil {
		metrics.RecordProviderRequest(Name, "error", 0)
		return nil, nil, err
	}
	return fragments, errs, nil
}
