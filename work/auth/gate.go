// Package auth resolves bearer tokens into upstream credentials for every
// authenticated route.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"xtream-gate/work/logger"
	"xtream-gate/work/session"
	"xtream-gate/work/token"
	"xtream-gate/work/types"
)

// Gate errors. A missing token and an unresolvable session are 401, a token
// that fails verification is 403.
var (
	ErrUnauthorized = errors.New("authentication required")
	ErrForbidden    = errors.New("invalid or expired token")
	ErrNoSession    = errors.New("invalid session")
)

// TokenQueryParam is the query parameter accepted on the media route.
const TokenQueryParam = "token"

// Verifier checks a raw token and returns the session id it references.
type Verifier interface {
	Verify(raw string) (string, error)
}

// SessionResolver looks up live sessions.
type SessionResolver interface {
	Get(id string) (session.Session, bool)
}

// Identity is what a verified request carries downstream.
type Identity struct {
	SessionID   string
	Credentials types.Credentials
}

type contextKey struct{}

// Gate is the bearer-token middleware.
type Gate struct {
	verifier Verifier
	sessions SessionResolver
}

// NewGate wires a Gate to its verifier and session table.
func NewGate(v Verifier, s SessionResolver) *Gate {
	return &Gate{verifier: v, sessions: s}
}

// RequireBearer accepts only "Authorization: Bearer <token>".
func (g *Gate) RequireBearer(next http.Handler) http.Handler {
	return g.require(next, false)
}

// RequireBearerOrQuery also accepts ?token=, for media players that cannot set headers.
func (g *Gate) RequireBearerOrQuery(next http.Handler) http.Handler {
	return g.require(next, true)
}

func (g *Gate) require(next http.Handler, allowQuery bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := ""
		if allowQuery {
			raw = strings.TrimSpace(r.URL.Query().Get(TokenQueryParam))
		}
		if raw == "" {
			raw = ExtractBearerToken(r)
		}

		id, err := g.Authenticate(raw)
		if err != nil {
			status, msg := http.StatusUnauthorized, err.Error()
			if errors.Is(err, ErrForbidden) {
				status, msg = http.StatusForbidden, ErrForbidden.Error()
			}
			logger.Debug("{auth/gate - require} rejected %s %s: %v", r.Method, r.URL.Path, err)
			writeError(w, status, msg)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// Authenticate turns a raw token into an Identity.
func (g *Gate) Authenticate(raw string) (Identity, error) {
	if raw == "" {
		return Identity{}, ErrUnauthorized
	}
	sid, err := g.verifier.Verify(raw)
	if err != nil {
		return Identity{}, errors.Join(ErrForbidden, err)
	}
	sess, ok := g.sessions.Get(sid)
	if !ok {
		return Identity{}, ErrNoSession
	}
	return Identity{SessionID: sess.ID, Credentials: sess.Credentials}, nil
}

// WithIdentity returns ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity attached by the gate.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}

// ExtractBearerToken pulls the token from "Authorization: Bearer <token>".
// Returns "" when the header is missing or uses another scheme.
func ExtractBearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// compile-time check that the concrete types satisfy the gate's interfaces
var (
	_ Verifier        = (*token.Issuer)(nil)
	_ SessionResolver = (*session.Store)(nil)
)

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
