package auth

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/wmag-systems/wmag-kernel/internal/domain"
)

type stubValidator struct {
	claims *domain.CustomClaims
	err    error
}

func (v stubValidator) VerifyToken(tokenStr string) (*domain.CustomClaims, error) {
	if v.err != nil {
		return nil, v.err
	}
	return v.claims, nil
}

func TestNewMiddleware_RejectsMissingToken(t *testing.T) {
	mw := NewMiddleware(stubValidator{claims: &domain.CustomClaims{}}, zap.NewNop())
	called := false
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if called {
		t.Fatalf("expected the wrapped handler to never run without a token")
	}
}

func TestNewMiddleware_RejectsInvalidToken(t *testing.T) {
	mw := NewMiddleware(stubValidator{err: fmt.Errorf("bad signature")}, zap.NewNop())
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler should not run for an invalid token")
	}))

	req := httptest.NewRequest(http.MethodGet, "/runs", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for an invalid token, got %d", rec.Code)
	}
}

func TestNewMiddleware_InjectsRunContextFromClaims(t *testing.T) {
	claims := &domain.CustomClaims{UserID: "u1", OrgID: "o1", TenantID: "t1", Roles: []string{"admin"}}
	mw := NewMiddleware(stubValidator{claims: claims}, zap.NewNop())

	var got domain.RunContext
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/runs", nil)
	req.Header.Set("Authorization", "Bearer sometoken")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got.UserID != "u1" || got.OrgID != "o1" || got.TenantID != "t1" || len(got.Roles) != 1 || got.Roles[0] != "admin" {
		t.Fatalf("unexpected RunContext injected: %+v", got)
	}
}

func TestNewMiddleware_FallsBackToAccessTokenQueryParam(t *testing.T) {
	claims := &domain.CustomClaims{UserID: "u1", TenantID: "t1"}
	mw := NewMiddleware(stubValidator{claims: claims}, zap.NewNop())

	var got domain.RunContext
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/runs/r1/events?access_token=sometoken", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected the access_token query param to authenticate the SSE request, got %d", rec.Code)
	}
	if got.UserID != "u1" {
		t.Fatalf("expected claims from the query-param token to be injected, got %+v", got)
	}
}

func TestFromContext_ReturnsZeroValueWhenAbsent(t *testing.T) {
	rc := FromContext(httptest.NewRequest(http.MethodGet, "/", nil).Context())
	if rc.UserID != "" || rc.TenantID != "" {
		t.Fatalf("expected a zero-value RunContext when none was injected, got %+v", rc)
	}
}
