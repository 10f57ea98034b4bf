package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/carelink/security-service/internal/token"
)

type staticValidator struct {
	claims *token.Claims
	err    error
}

func (v staticValidator) Parse(string) (*token.Claims, error) {
	return v.claims, v.err
}

func protectedHandler(t *testing.T) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := ClaimsFromContext(r.Context()); !ok {
			t.Error("expected claims in request context")
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireAdminAcceptsBearerHeader(t *testing.T) {
	auth := NewAuth(staticValidator{claims: &token.Claims{Role: "admin"}})
	handler := auth.RequireAdmin(protectedHandler(t))

	req := httptest.NewRequest("GET", "/blocks", nil)
	req.Header.Set("Authorization", "Bearer some-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRequireAdminAcceptsQueryToken(t *testing.T) {
	auth := NewAuth(staticValidator{claims: &token.Claims{Role: "admin"}})
	handler := auth.RequireAdmin(protectedHandler(t))

	// Websocket upgrades cannot carry headers from the browser.
	req := httptest.NewRequest("GET", "/events/stream?access_token=some-token", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRequireAdminRejectsMissingToken(t *testing.T) {
	auth := NewAuth(staticValidator{claims: &token.Claims{}})
	handler := auth.RequireAdmin(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run without a token")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/blocks", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRequireAdminRejectsInvalidToken(t *testing.T) {
	auth := NewAuth(staticValidator{err: errors.New("signature mismatch")})
	handler := auth.RequireAdmin(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run with an invalid token")
	}))

	req := httptest.NewRequest("GET", "/blocks", nil)
	req.Header.Set("Authorization", "Bearer forged")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRequireAdminRejectsMalformedHeader(t *testing.T) {
	auth := NewAuth(staticValidator{claims: &token.Claims{}})
	handler := auth.RequireAdmin(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run with a malformed header")
	}))

	req := httptest.NewRequest("GET", "/blocks", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
