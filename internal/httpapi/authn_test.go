package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAuthnRejectsMissingCredentials(t *testing.T) {
	api, _ := newTestAPI(t, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/access", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthnRejectsWrongKey(t *testing.T) {
	api, _ := newTestAPI(t, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/access", nil)
	req.Header.Set(clientIDHeader, testClientID)
	req.Header.Set(apiKeyHeader, "wrong-key")
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthnSkipsPublicPaths(t *testing.T) {
	api, _ := newTestAPI(t, nil, nil)

	for _, path := range []string{"/healthz", "/readyz", "/v1/info", "/.well-known/jwks.json"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		api.Handler().ServeHTTP(rec, req)
		if rec.Code == http.StatusUnauthorized {
			t.Fatalf("%s should not require authentication", path)
		}
	}
}
