package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"dexhub.org/internal/obs"
	"dexhub.org/internal/problem"
	"dexhub.org/internal/store/pg"
)

const (
	clientIDHeader = "X-Client-ID"
	apiKeyHeader   = "X-API-Key"
)

var publicPaths = []string{
	"/healthz",
	"/readyz",
	"/metrics",
	"/v1/info",
	"/.well-known/jwks.json",
}

// withAuth authenticates machine callers by client id and API key. Every
// failure mode yields the same uniform response.
func (a *API) withAuth(next http.Handler) http.Handler {
	if a.store == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		clientID := strings.TrimSpace(r.Header.Get(clientIDHeader))
		apiKey := strings.TrimSpace(r.Header.Get(apiKeyHeader))
		if clientID == "" || apiKey == "" {
			writeProblem(w, problem.AuthenticationFailed())
			return
		}

		client, err := a.store.APIClient(r.Context(), clientID)
		if err != nil {
			if !errors.Is(err, pg.ErrNotFound) {
				logAuthnError(err)
			}
			writeProblem(w, problem.AuthenticationFailed())
			return
		}
		if bcrypt.CompareHashAndPassword([]byte(client.KeyHash), []byte(apiKey)) != nil {
			writeProblem(w, problem.AuthenticationFailed())
			return
		}

		next.ServeHTTP(w, r)
	})
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

func logAuthnError(err error) {
	obs.LogEntry(map[string]any{
		"level": "error",
		"msg":   "api client lookup failed",
		"error": err.Error(),
	})
}
