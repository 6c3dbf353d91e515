package httpapi

import (
	"net/http"
	"strings"

	"dexhub.org/internal/audit"
	"dexhub.org/internal/problem"
)

// Introspection answers with the same envelope shape for success and failure,
// always HTTP 200. The failure branch carries no reason at all.
const (
	responseSuccess = "urn:dexhub:response:success"
	responseDenied  = "urn:dexhub:response:denied"
)

type introspectRequest struct {
	Token string `json:"token"`
}

type introspectEnvelope struct {
	Type    string `json:"type"`
	Title   string `json:"title"`
	Results []any  `json:"results"`
}

func (a *API) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	var req introspectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeProblem(w, problem.BadRequest("malformed request body").WithDetail("%s", err.Error()))
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		writeProblem(w, problem.BadRequest("token is required"))
		return
	}

	claims, err := a.introspector.Introspect(r.Context(), req.Token)
	if err != nil {
		_ = audit.LogEvent(r.Context(), "introspect.denied", nil)
		writeJSON(w, http.StatusOK, introspectEnvelope{
			Type:    responseDenied,
			Title:   "Authentication failed",
			Results: []any{map[string]string{"status": "deny"}},
		})
		return
	}

	_ = audit.LogEvent(r.Context(), "introspect.ok", map[string]any{
		"sub": claims.Subject,
		"aud": claims.Audience,
	})
	writeJSON(w, http.StatusOK, introspectEnvelope{
		Type:    responseSuccess,
		Title:   "Authorized",
		Results: []any{claims},
	})
}
