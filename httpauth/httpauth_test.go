package httpauth

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/agamim/portal-server-go/auth"
	"github.com/agamim/portal-server-go/auth/authtest"
	"github.com/agamim/portal-server-go/internal/logctx"
	"github.com/agamim/portal-server-go/users"
)

func newTestAuthn() *authtest.Static {
	a := authtest.NewStatic()
	a.AddUser("tok-alice", &users.User{ID: "u1", OID: "oid-alice", DisplayName: "Alice", Groups: []string{"g1"}})
	a.AddUser("tok-admin", &users.User{ID: "u2", OID: "oid-admin", DisplayName: "Root", Admin: true})
	a.AddError("tok-ghost", auth.ErrUserNotProvisioned)
	a.AddError("tok-broken", errors.New("database unreachable"))
	return a
}

func do(t *testing.T, h http.Handler, header, accept string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder) Result {
	t.Helper()
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected application/json, got %q", ct)
	}
	var res Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return res
}

func TestMiddleware_Failures(t *testing.T) {
	h := Middleware(newTestAuthn())(http.HandlerFunc(WhoAmI))

	cases := []struct {
		name      string
		header    string
		status    int
		challenge string
		err       string
	}{
		{"missing header", "", http.StatusUnauthorized, "Bearer", auth.ChallengeFor(auth.ErrMissingOrMalformed).Message},
		{"wrong scheme", "Basic dXNlcjpwdw==", http.StatusUnauthorized, "Bearer", auth.ChallengeFor(auth.ErrMissingOrMalformed).Message},
		{"unknown token", "Bearer nope", http.StatusUnauthorized, "Bearer", "Unauthorized"},
		{"not provisioned", "Bearer tok-ghost", http.StatusForbidden, "", auth.ChallengeFor(auth.ErrUserNotProvisioned).Message},
		{"internal", "Bearer tok-broken", http.StatusInternalServerError, "", "Internal server error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, h, tc.header, "")
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
			if got := rec.Header().Get("WWW-Authenticate"); got != tc.challenge {
				t.Fatalf("expected challenge %q, got %q", tc.challenge, got)
			}
			res := decodeResult(t, rec)
			if res.OK || res.Err != tc.err {
				t.Fatalf("unexpected body: %+v", res)
			}
		})
	}
}

func TestMiddleware_InternalErrorsHideDetail(t *testing.T) {
	h := Middleware(newTestAuthn())(http.HandlerFunc(WhoAmI))
	rec := do(t, h, "Bearer tok-broken", "")
	if strings.Contains(rec.Body.String(), "database") {
		t.Fatalf("internal detail leaked: %s", rec.Body.String())
	}
}

func TestMiddleware_PlainTextWhenRequested(t *testing.T) {
	h := Middleware(newTestAuthn())(http.HandlerFunc(WhoAmI))
	rec := do(t, h, "Bearer nope", "text/plain")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("expected text/plain, got %q", ct)
	}
	if rec.Body.String() != "Unauthorized" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}

func TestMiddleware_Realm(t *testing.T) {
	h := Middleware(newTestAuthn(), WithRealm("portal"))(http.HandlerFunc(WhoAmI))
	rec := do(t, h, "", "")
	if got := rec.Header().Get("WWW-Authenticate"); got != `Bearer realm="portal"` {
		t.Fatalf("unexpected challenge %q", got)
	}
}

func TestMiddleware_NilLoggerKeepsDefault(t *testing.T) {
	h := Middleware(newTestAuthn(), WithLogger(nil))(http.HandlerFunc(WhoAmI))
	rec := do(t, h, "Bearer nope", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestWhoAmI(t *testing.T) {
	h := Middleware(newTestAuthn())(http.HandlerFunc(WhoAmI))
	rec := do(t, h, "Bearer tok-alice", "application/json")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var res struct {
		OK   bool       `json:"ok"`
		Data users.User `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.OK || res.Data.ID != "u1" || res.Data.DisplayName != "Alice" {
		t.Fatalf("unexpected body: %+v", res)
	}
}

func TestWhoAmI_WithoutMiddleware(t *testing.T) {
	rec := do(t, http.HandlerFunc(WhoAmI), "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAdminsOnly(t *testing.T) {
	reached := false
	h := Middleware(newTestAuthn())(AdminsOnly(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusNoContent)
	})))

	rec := do(t, h, "Bearer tok-alice", "")
	if rec.Code != http.StatusForbidden || reached {
		t.Fatalf("expected 403 for non-admin, got %d (reached=%v)", rec.Code, reached)
	}
	if res := decodeResult(t, rec); res.OK || res.Err != "Forbidden" {
		t.Fatalf("unexpected body: %+v", res)
	}

	rec = do(t, h, "Bearer tok-admin", "")
	if rec.Code != http.StatusNoContent || !reached {
		t.Fatalf("expected admin to pass, got %d", rec.Code)
	}
}

func TestRequestLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(logctx.Handler{Handler: slog.NewJSONHandler(&buf, nil)})

	h := RequestLog(logger)(Middleware(newTestAuthn(), WithLogger(logger))(http.HandlerFunc(WhoAmI)))
	rec := do(t, h, "Bearer nope", "")

	id := rec.Header().Get("X-Request-Id")
	if id == "" {
		t.Fatalf("expected a request id header")
	}

	var done map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("decode log line %q: %v", line, err)
		}
		req, _ := m["req"].(map[string]any)
		if req == nil || req["id"] != id {
			t.Fatalf("log line missing request id: %s", line)
		}
		if m["msg"] == "http.request.done" {
			done = m
		}
	}
	if done == nil || done["status"] != float64(http.StatusUnauthorized) {
		t.Fatalf("expected a done line with status 401, got %v", done)
	}
}

func TestRequestLog_KeepsValidIncomingID(t *testing.T) {
	const id = "3f0e8e9a-5a55-4c0b-9a55-4f1d2d8c0a11"
	h := RequestLog(slog.New(slog.DiscardHandler))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rd, ok := logctx.RequestDataFrom(r.Context())
		if !ok || rd.RequestID != id {
			t.Errorf("expected request id %s in context", id)
		}
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", id)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("X-Request-Id") != id {
		t.Fatalf("expected incoming id to be echoed")
	}
}
