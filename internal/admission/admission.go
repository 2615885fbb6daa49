// Package admission implements the request admission controls that make the
// gateway safe to expose publicly: correlation ids, hardening headers, body
// size enforcement, a fail-fast concurrency gate, bearer authentication, and
// host/CORS allow-lists. All checks apply to the protected /v1/ prefix.
package admission

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/geminiweb/gateway/internal/openai"
)

const protectedPrefix = "/v1/"

var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{8,128}$`)

type contextKey struct{}

// RequestIDFrom returns the correlation id attached by the chain, or "".
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// CoerceRequestID accepts a caller-supplied id matching the expected pattern
// and generates a fresh one otherwise.
func CoerceRequestID(supplied string) string {
	if requestIDPattern.MatchString(supplied) {
		return supplied
	}
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

type Config struct {
	MaxBodyBytes         int64
	MaxInflight          int
	AuthToken            string
	AllowedHosts         []string
	CORSAllowOrigins     []string
	CORSAllowCredentials bool
}

// Gate is the composed admission middleware chain.
type Gate struct {
	cfg       Config
	semaphore chan struct{}
}

func New(cfg Config) *Gate {
	inflight := cfg.MaxInflight
	if inflight < 1 {
		inflight = 1
	}
	return &Gate{
		cfg:       cfg,
		semaphore: make(chan struct{}, inflight),
	}
}

// Wrap composes the chain, outermost first: CORS, host allow-list, request
// id, security headers, bearer auth, concurrency gate, body size.
func (g *Gate) Wrap(next http.Handler) http.Handler {
	h := g.maxBodySize(next)
	h = g.concurrencyGate(h)
	h = g.bearerAuth(h)
	h = g.securityHeaders(h)
	h = g.requestID(h)
	h = g.hostAllowlist(h)
	h = g.cors(h)
	return h
}

func isProtected(path string) bool {
	return strings.HasPrefix(path, protectedPrefix)
}

func (g *Gate) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := CoerceRequestID(r.Header.Get("X-Request-Id"))
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, id)))
	})
}

func (g *Gate) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cross-Origin-Resource-Policy", "same-site")
		h.Set("X-Permitted-Cross-Domain-Policies", "none")
		h.Set("X-Robots-Tag", "noindex, nofollow")
		if isProtected(r.URL.Path) {
			h.Set("Cache-Control", "no-store")
			h.Set("Pragma", "no-cache")
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gate) maxBodySize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := g.cfg.MaxBodyBytes
		if limit <= 0 || !isProtected(r.URL.Path) || !methodCarriesBody(r.Method) {
			next.ServeHTTP(w, r)
			return
		}

		if r.ContentLength > limit {
			writeReject(w, r, http.StatusRequestEntityTooLarge, "Request body too large.", "invalid_request_error")
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
		if err != nil {
			writeReject(w, r, http.StatusBadRequest, "Failed to read request body.", "invalid_request_error")
			return
		}
		if int64(len(body)) > limit {
			writeReject(w, r, http.StatusRequestEntityTooLarge, "Request body too large.", "invalid_request_error")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

// concurrencyGate admits at most MaxInflight protected requests at once.
// At capacity it rejects immediately; there is no queue.
func (g *Gate) concurrencyGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isProtected(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		select {
		case g.semaphore <- struct{}{}:
		default:
			slog.Warn("concurrency limit reached", "path", r.URL.Path)
			writeReject(w, r, http.StatusTooManyRequests, "Server is busy. Try again later.", "rate_limit_error")
			return
		}
		defer func() { <-g.semaphore }()
		next.ServeHTTP(w, r)
	})
}

func (g *Gate) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		expected := g.cfg.AuthToken
		if expected == "" || !isProtected(r.URL.Path) || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		token := ParseBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			token = r.Header.Get("X-API-Key")
		}
		if token == "" || !ConstantTimeEquals(token, expected) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="gateway"`)
			writeReject(w, r, http.StatusUnauthorized, "Missing or invalid authentication token.", "authentication_error")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gate) hostAllowlist(next http.Handler) http.Handler {
	if len(g.cfg.AllowedHosts) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.Host
		if h, _, err := splitHostPort(host); err == nil {
			host = h
		}
		for _, allowed := range g.cfg.AllowedHosts {
			if strings.EqualFold(host, allowed) {
				next.ServeHTTP(w, r)
				return
			}
		}
		http.Error(w, "Invalid host header", http.StatusBadRequest)
	})
}

func (g *Gate) cors(next http.Handler) http.Handler {
	if len(g.cfg.CORSAllowOrigins) == 0 {
		return next
	}
	allowAll := false
	allowed := make(map[string]bool, len(g.cfg.CORSAllowOrigins))
	for _, o := range g.cfg.CORSAllowOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		originAllowed := allowAll || allowed[origin]

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			if !originAllowed {
				http.Error(w, "Disallowed CORS origin", http.StatusBadRequest)
				return
			}
			h := w.Header()
			setCORSOrigin(h, origin, allowAll, g.cfg.CORSAllowCredentials)
			h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-Id, X-API-Key")
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if originAllowed {
			setCORSOrigin(w.Header(), origin, allowAll, g.cfg.CORSAllowCredentials)
		}
		next.ServeHTTP(w, r)
	})
}

func setCORSOrigin(h http.Header, origin string, allowAll, credentials bool) {
	if allowAll && !credentials {
		h.Set("Access-Control-Allow-Origin", "*")
	} else {
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
	}
	if credentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
}

// ParseBearerToken extracts the token from an Authorization header, or ""
// when the scheme is not Bearer or the token is empty.
func ParseBearerToken(authorization string) string {
	scheme, token, found := strings.Cut(authorization, " ")
	if !found || !strings.EqualFold(strings.TrimSpace(scheme), "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// ConstantTimeEquals compares two strings in constant time, hashing first so
// the comparison cost does not depend on either length.
func ConstantTimeEquals(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}

func methodCarriesBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

func splitHostPort(hostport string) (string, string, error) {
	i := strings.LastIndexByte(hostport, ':')
	if i < 0 {
		return hostport, "", nil
	}
	if _, err := strconv.Atoi(hostport[i+1:]); err != nil {
		return hostport, "", nil
	}
	return hostport[:i], hostport[i+1:], nil
}

func writeReject(w http.ResponseWriter, r *http.Request, status int, message, errType string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(openai.NewErrorResponse(message, errType, RequestIDFrom(r.Context())))
}
