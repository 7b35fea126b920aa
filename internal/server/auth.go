package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"pilot/internal/engine"
	"pilot/internal/engine/auth"
	"pilot/internal/repo"
)

type AuthConfig struct {
	// JWTSecret verifies dashboard session tokens.
	JWTSecret string
	// DevLogin exposes POST /ui/auth/dev/login, which mints sessions for
	// any subject. Never enable it on a shared deployment.
	DevLogin bool
	Logger   *log.Logger
}

// SessionCookie carries the dashboard session when no Authorization header is sent.
const SessionCookie = "pilot_session"

type principalKey struct{}
type identityKey struct{}

func (c AuthConfig) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

func withPrincipal(ctx context.Context, p auth.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (auth.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(auth.Principal)
	return p, ok
}

// userIDFromContext returns the agent caller. The token middleware has
// already rejected unauthenticated /api calls, so a miss here is a wiring bug.
func userIDFromContext(ctx context.Context) (string, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.UserID != "" {
		return p.UserID, nil
	}
	return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func withIdentity(ctx context.Context, id auth.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func identityFromContext(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(auth.Identity)
	return id, ok && id.Subject != ""
}

func requireIdentity(ctx context.Context) (auth.Identity, huma.StatusError) {
	if id, ok := identityFromContext(ctx); ok {
		return id, nil
	}
	return auth.Identity{}, newAPIError(http.StatusUnauthorized, "unauthorized", "sign in required", nil)
}

// newTokenMiddleware guards the agent API with the bearer token issued at
// onboarding. Failures answer in plain text, which existing agent scripts
// match on.
func newTokenMiddleware(prefix string, cfg AuthConfig, users repo.Repo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !strings.HasPrefix(req.URL.Path, prefix+"/") {
				next.ServeHTTP(w, req)
				return
			}
			// Creating a user is how an agent gets its token.
			if req.Method == http.MethodPost && req.URL.Path == prefix+"/users" {
				next.ServeHTTP(w, req)
				return
			}
			principal, err := auth.Resolve(req.Context(), users, req.Header.Get("Authorization"))
			switch {
			case errors.Is(err, auth.ErrAuthenticationMissing):
				unauthorizedText(w, "Missing or invalid Authorization header")
				return
			case errors.Is(err, auth.ErrAuthenticationInvalid):
				unauthorizedText(w, "Invalid token")
				return
			case err != nil:
				cfg.logger().Printf("auth: %v", err)
				respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
}

// newSessionMiddleware attaches the dashboard identity when one is presented.
// No session is not an error here; handlers decide whether they need one.
func newSessionMiddleware(prefix string, cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !strings.HasPrefix(req.URL.Path, prefix+"/") {
				next.ServeHTTP(w, req)
				return
			}
			token := sessionToken(req)
			if token == "" {
				next.ServeHTTP(w, req)
				return
			}
			id, err := auth.ParseIdentity(token, cfg.JWTSecret)
			if err != nil {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_session", "invalid session", nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(withIdentity(req.Context(), id)))
		})
	}
}

// newStreamGate refuses the change stream before any event is written, so a
// signed-out client gets a 401 instead of an open stream it cannot use.
func newStreamGate(path string, e engine.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.URL.Path != path {
				next.ServeHTTP(w, req)
				return
			}
			if _, err := sessionUser(req.Context(), e); err != nil {
				respondStatusError(w, handleError(err))
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func sessionToken(req *http.Request) string {
	if token, err := auth.BearerToken(req.Header.Get("Authorization")); err == nil {
		return token
	}
	if c, err := req.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}

func unauthorizedText(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(msg))
}
