// Package httpauth guards HTTP handlers with an auth.Checker and renders
// authentication failures in the portal's Result shape.
package httpauth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/elnormous/contenttype"

	"github.com/agamim/portal-server-go/auth"
)

var (
	jsonMediaType      = contenttype.NewMediaType("application/json")
	textMediaType      = contenttype.NewMediaType("text/plain")
	responseMediaTypes = []contenttype.MediaType{jsonMediaType, textMediaType}
)

const (
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"

	msgForbidden = "Forbidden"
)

// Result is the body of every JSON response: {"ok":true,"data":...} or
// {"ok":false,"err":"..."}.
type Result struct {
	OK   bool   `json:"ok"`
	Data any    `json:"data,omitempty"`
	Err  string `json:"err,omitempty"`
}

type principalKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p *auth.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal stored by Middleware.
func PrincipalFromContext(ctx context.Context) (*auth.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*auth.Principal)
	return p, ok && p != nil
}

// Option configures the middleware.
type Option func(*config)

type config struct {
	logger *slog.Logger
	realm  string
}

// WithLogger sets the logger used for authentication outcomes.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRealm adds a realm attribute to Bearer challenges.
func WithRealm(realm string) Option {
	return func(c *config) { c.realm = realm }
}

// Middleware authenticates every request's Authorization header with authn.
// Authenticated requests reach next with the principal in their context;
// all others are answered with the failure's status, challenge and message.
func Middleware(authn auth.Checker, opts ...Option) func(http.Handler) http.Handler {
	cfg := &config{logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			p, err := authn.Authenticate(ctx, r.Header.Get(authorizationHeader))
			if err != nil {
				c := auth.ChallengeFor(err)
				if c.WWWAuthenticate != "" {
					w.Header().Set(wwwAuthenticateHeader, challengeHeader(c.WWWAuthenticate, cfg.realm))
				}
				level := slog.LevelInfo
				if c.Status >= http.StatusInternalServerError {
					level = slog.LevelError
				}
				cfg.logger.Log(ctx, level, "http.auth.fail", slog.Int("status", c.Status), slog.String("err", err.Error()))
				WriteError(w, r, c.Status, c.Message)
				return
			}

			cfg.logger.DebugContext(ctx, "http.auth.ok", slog.String("user_id", p.UserID()))
			next.ServeHTTP(w, r.WithContext(WithPrincipal(ctx, p)))
		})
	}
}

func challengeHeader(scheme, realm string) string {
	if realm == "" {
		return scheme
	}
	return scheme + ` realm="` + realm + `"`
}

// AdminsOnly answers 403 unless the request's principal is a portal admin.
// It must run behind Middleware.
func AdminsOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		if !ok || !p.IsAdmin() {
			WriteError(w, r, http.StatusForbidden, msgForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WhoAmI responds with the authenticated user's record.
func WhoAmI(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		WriteError(w, r, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
		return
	}
	WriteJSON(w, http.StatusOK, Result{OK: true, Data: p.User})
}

// WriteError writes msg as a failed Result when the client accepts JSON and
// as plain text otherwise.
func WriteError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	mt, _, err := contenttype.GetAcceptableMediaType(r, responseMediaTypes)
	if err == nil && mt.Matches(textMediaType) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(msg))
		return
	}
	WriteJSON(w, status, Result{OK: false, Err: msg})
}

// WriteJSON writes v as a JSON body with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
