package domain

// The gateway classifies every failure into one of the error kinds below
// before it reaches the wire-protocol error mapper. Retries are a client
// concern; callers only ever see a final, already-classified failure.

// ConfigurationError reports bad or unsupported input shape. Never retried.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string { return e.Message }

// AuthenticationError reports a missing or rejected credential. Never retried.
type AuthenticationError struct {
	Message string
}

func (e *AuthenticationError) Error() string { return e.Message }

// RateLimitError reports an upstream 429 after the retry budget is exhausted.
// RetryAfter is in seconds; values <= 0 mean the upstream gave no hint.
type RateLimitError struct {
	RetryAfter int
	Message    string
}

func (e *RateLimitError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "rate limited"
}

// CircuitBreakerOpenError is returned without contacting upstream while the
// breaker cool-down window is active. RetryAfter is always positive.
type CircuitBreakerOpenError struct {
	RetryAfter int
}

func (e *CircuitBreakerOpenError) Error() string { return "upstream temporarily unavailable" }

// UpstreamProtocolError reports an upstream contract mismatch or exhausted
// retries on transport/5xx failures.
type UpstreamProtocolError struct {
	Message string
	Err     error
}

func (e *UpstreamProtocolError) Error() string { return e.Message }

func (e *UpstreamProtocolError) Unwrap() error { return e.Err }

// RequestTimeoutError reports a local request deadline exceeded.
type RequestTimeoutError struct {
	Message string
}

func (e *RequestTimeoutError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "request timed out"
}

// UnsupportedFeatureError reports a feature disabled by configuration.
type UnsupportedFeatureError struct {
	Message string
}

func (e *UnsupportedFeatureError) Error() string { return e.Message }
