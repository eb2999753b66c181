package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrUnauthorized is returned when a request carries no token or an invalid one
	ErrUnauthorized = errors.New("invalid token")

	// ErrAuthUnavailable is returned when the token validator cannot be reached
	ErrAuthUnavailable = errors.New("authentication service unavailable")
)

// DefaultAuthTimeout bounds a single token validation round trip.
const DefaultAuthTimeout = 5 * time.Second

// Identity is the caller attached to an authenticated request.
type Identity struct {
	User    map[string]any `json:"user,omitempty"`
	Service map[string]any `json:"service,omitempty"`
}

// Authenticator validates bearer tokens.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Identity, error)
}

// RemoteAuthenticator validates tokens against the auth service's
// POST /auth/validate-token endpoint.
type RemoteAuthenticator struct {
	baseURL string
	client  *http.Client
}

// NewRemoteAuthenticator creates an authenticator for the auth service at baseURL.
// A nil client gets one with DefaultAuthTimeout.
func NewRemoteAuthenticator(baseURL string, client *http.Client) *RemoteAuthenticator {
	if client == nil {
		client = &http.Client{Timeout: DefaultAuthTimeout}
	}
	return &RemoteAuthenticator{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

type validateTokenRequest struct {
	Token string `json:"token"`
}

type validateTokenResponse struct {
	Valid   bool           `json:"valid"`
	User    map[string]any `json:"user"`
	Service map[string]any `json:"service"`
}

// Authenticate posts the token to the auth service's validate-token endpoint.
// A rejected token yields ErrUnauthorized; any other failure ErrAuthUnavailable.
func (a *RemoteAuthenticator) Authenticate(ctx context.Context, token string) (*Identity, error) {
	body, err := json.Marshal(validateTokenRequest{Token: token})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/auth/validate-token", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("%w: status %d", ErrAuthUnavailable, resp.StatusCode)
	}

	var out validateTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", ErrAuthUnavailable, err)
	}
	if !out.Valid {
		return nil, ErrUnauthorized
	}
	return &Identity{User: out.User, Service: out.Service}, nil
}

// StaticAuthenticator accepts a fixed set of tokens.
type StaticAuthenticator struct {
	tokens map[string]struct{}
}

// NewStaticAuthenticator creates an authenticator that accepts exactly tokens
func NewStaticAuthenticator(tokens ...string) *StaticAuthenticator {
	a := &StaticAuthenticator{tokens: make(map[string]struct{}, len(tokens))}
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			a.tokens[t] = struct{}{}
		}
	}
	return a
}

// Authenticate accepts any of the configured tokens
func (a *StaticAuthenticator) Authenticate(_ context.Context, token string) (*Identity, error) {
	if _, ok := a.tokens[token]; !ok {
		return nil, ErrUnauthorized
	}
	return &Identity{Service: map[string]any{"name": "static"}}, nil
}

type identityKey struct{}

// IdentityFromContext returns the caller attached by the auth middleware
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*Identity)
	return id, ok
}

func bearerToken(r *http.Request) string {
	parts := strings.Fields(r.Header.Get("Authorization"))
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

// requireAuth rejects requests without a valid bearer token.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "No token provided")
			return
		}

		id, err := s.auth.Authenticate(r.Context(), token)
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				writeError(w, http.StatusUnauthorized, "Invalid token")
				return
			}
			s.logger.Warnw("token validation failed", "error", err)
			writeError(w, http.StatusUnauthorized, "Authentication service unavailable")
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	}
}
