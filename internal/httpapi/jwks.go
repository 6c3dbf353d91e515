package httpapi

import (
	"net/http"

	jose "gopkg.in/square/go-jose.v2"
)

// handleJWKS publishes the credential verification key so resource servers
// can validate signatures locally.
func (a *API) handleJWKS(w http.ResponseWriter, r *http.Request) {
	set := jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{{
			Key:       a.issuer.PublicKey(),
			KeyID:     a.issuer.KeyID(),
			Algorithm: "ES256",
			Use:       "sig",
		}},
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, set)
}
