// Package logging configures structured logging and redacts secrets from
// log output: configured secret values, bearer tokens, and values attached
// under sensitive keys never reach the sink.
package logging

import (
	"context"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

var sensitiveKeys = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"cookie":              true,
	"set-cookie":          true,
	"x-api-key":           true,
	"api_key":             true,
	"apikey":              true,
	"token":               true,
	"secret":              true,
	"password":            true,
	"credentials":         true,
}

var bearerPattern = regexp.MustCompile(`(?i)\bBearer\s+([A-Za-z0-9._-]{6,})`)

const redacted = "[REDACTED]"

// Setup installs the default slog logger: JSON or text per format, with a
// redacting handler that masks the given secret values wherever they appear.
func Setup(level, format string, secrets []string) {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	var filtered []string
	for _, s := range secrets {
		if s != "" {
			filtered = append(filtered, s)
		}
	}

	slog.SetDefault(slog.New(NewRedactingHandler(handler, filtered)))
}

// RedactingHandler wraps another slog.Handler and rewrites record
// attributes before they are emitted.
type RedactingHandler struct {
	inner   slog.Handler
	secrets []string
}

func NewRedactingHandler(inner slog.Handler, secrets []string) *RedactingHandler {
	return &RedactingHandler{inner: inner, secrets: secrets}
}

func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *RedactingHandler) Handle(ctx context.Context, record slog.Record) error {
	out := slog.NewRecord(record.Time, record.Level, h.redactString(record.Message), record.PC)
	record.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.redactAttr(a))
		return true
	})
	return h.inner.Handle(ctx, out)
}

func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		redacted = append(redacted, h.redactAttr(a))
	}
	return &RedactingHandler{inner: h.inner.WithAttrs(redacted), secrets: h.secrets}
}

func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{inner: h.inner.WithGroup(name), secrets: h.secrets}
}

func (h *RedactingHandler) redactAttr(a slog.Attr) slog.Attr {
	if isSensitiveKey(a.Key) {
		return slog.String(a.Key, redacted)
	}
	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, h.redactString(a.Value.String()))
	case slog.KindGroup:
		group := a.Value.Group()
		out := make([]any, 0, len(group))
		for _, g := range group {
			out = append(out, h.redactAttr(g))
		}
		return slog.Group(a.Key, out...)
	}
	return a
}

func (h *RedactingHandler) redactString(value string) string {
	out := value
	for _, secret := range h.secrets {
		if strings.Contains(out, secret) {
			out = strings.ReplaceAll(out, secret, redacted)
		}
	}
	return bearerPattern.ReplaceAllString(out, "Bearer "+redacted)
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	if sensitiveKeys[k] {
		return true
	}
	for _, fragment := range []string{"key", "token", "secret", "password"} {
		if strings.Contains(k, fragment) {
			return true
		}
	}
	return false
}
