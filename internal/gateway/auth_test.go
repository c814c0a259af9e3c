package gateway_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/basket/voxdesk/internal/gateway"
	"github.com/basket/voxdesk/internal/persistence"
	"github.com/basket/voxdesk/internal/shared"
)

type mapAuth map[string]*persistence.Profile

func (m mapAuth) Authenticate(_ context.Context, token string) (*persistence.Profile, error) {
	if p, ok := m[token]; ok {
		return p, nil
	}
	return nil, persistence.ErrNotFound
}

var testAuth = mapAuth{"tok-123": {ID: "user-1", Roles: []string{"client"}}}

func TestAuthMiddleware_BearerInjectsPrincipal(t *testing.T) {
	var got *persistence.Profile
	var userID string
	h := gateway.AuthMiddleware(testAuth)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = gateway.PrincipalFromContext(r.Context())
		userID = shared.UserID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/functions/voice-proxy", nil)
	req.Header.Set("Authorization", "Bearer tok-123")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if got == nil || got.ID != "user-1" {
		t.Fatalf("principal = %+v", got)
	}
	if userID != "user-1" {
		t.Fatalf("user id in context = %q", userID)
	}
}

func TestAuthMiddleware_InvalidTokenRejected(t *testing.T) {
	h := gateway.AuthMiddleware(testAuth)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called for an invalid token")
	}))

	req := httptest.NewRequest(http.MethodGet, "/functions/voice-proxy", nil)
	req.Header.Set("Authorization", "Bearer nope")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthMiddleware_AnonymousPassesThrough(t *testing.T) {
	called := false
	h := gateway.AuthMiddleware(testAuth)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if p := gateway.PrincipalFromContext(r.Context()); p != nil {
			t.Fatalf("unexpected principal %+v", p)
		}
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if !called {
		t.Fatal("anonymous request did not reach the handler")
	}
}

func TestAuthMiddleware_QueryToken(t *testing.T) {
	var got *persistence.Profile
	h := gateway.AuthMiddleware(testAuth)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = gateway.PrincipalFromContext(r.Context())
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ws/campaigns/c1/status?access_token=tok-123", nil))
	if got == nil || got.ID != "user-1" {
		t.Fatalf("principal = %+v", got)
	}
}

func TestExtractBearer(t *testing.T) {
	tests := []struct {
		name   string
		header string
		query  string
		want   string
	}{
		{name: "header", header: "Bearer abc", want: "abc"},
		{name: "header wins", header: "Bearer abc", query: "?access_token=xyz", want: "abc"},
		{name: "query", query: "?access_token=xyz", want: "xyz"},
		{name: "basic ignored", header: "Basic Zm9vOmJhcg==", want: ""},
		{name: "none", want: ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/x"+tc.query, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			if got := gateway.ExtractBearer(req); got != tc.want {
				t.Fatalf("ExtractBearer = %q, want %q", got, tc.want)
			}
		})
	}
}
