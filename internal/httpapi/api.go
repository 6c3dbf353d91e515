// Package httpapi is the HTTP surface of the service: credential issuance,
// introspection, key discovery and operational endpoints.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"dexhub.org/internal/access"
	"dexhub.org/internal/credential"
	"dexhub.org/internal/obs"
	"dexhub.org/internal/problem"
	"dexhub.org/internal/store/pg"
)

const serviceName = "dexhub-api"

// ReadyProbe checks downstream readiness (database ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Decider is the access decision engine.
type Decider interface {
	Decide(ctx context.Context, req access.Request, delegation *access.DelegationContext, actor access.Actor) (access.Outcome, error)
}

// Store is the slice of the database the API needs per request.
type Store interface {
	Actor(ctx context.Context, userID string) (access.Actor, error)
	Delegation(ctx context.Context, id string) (pg.Delegation, error)
	APIClient(ctx context.Context, clientID string) (pg.APIClient, error)
}

// API is the HTTP layer.
type API struct {
	router       *mux.Router
	store        Store
	engine       Decider
	issuer       *credential.Issuer
	introspector *credential.Introspector
	readyProbe   ReadyProbe
	version      string
}

func New(store Store, engine Decider, issuer *credential.Issuer, introspector *credential.Introspector, rp ReadyProbe, version string) *API {
	a := &API{
		router:       mux.NewRouter(),
		store:        store,
		engine:       engine,
		issuer:       issuer,
		introspector: introspector,
		readyProbe:   rp,
		version:      version,
	}

	a.router.HandleFunc("/v1/access", a.handleAccess).Methods(http.MethodPost)
	a.router.HandleFunc("/v1/introspect", a.handleIntrospect).Methods(http.MethodPost)
	a.router.HandleFunc("/.well-known/jwks.json", a.handleJWKS).Methods(http.MethodGet)

	a.router.HandleFunc("/healthz", a.handleHealthz).Methods(http.MethodGet)
	a.router.HandleFunc("/readyz", a.handleReadyz).Methods(http.MethodGet)
	a.router.HandleFunc("/v1/info", a.handleInfo).Methods(http.MethodGet)
	a.router.Handle("/metrics", obs.Handler()).Methods(http.MethodGet)

	a.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, problem.NotFound("resource not found"))
	})
	a.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, problem.New(http.StatusMethodNotAllowed, problem.TypeInvalidRequest, "method not allowed"))
	})

	return a
}

// Handler returns the fully wrapped handler chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = a.withAuth(h)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, 50, 25)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"issuer":  a.issuer.Domain(),
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, p *problem.Problem) {
	w.Header().Set("Content-Type", "application/problem+json; charset=utf-8")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// decodeJSON decodes a request body strictly: unknown fields and trailing
// garbage are rejected.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errJSONTrailing
	}
	return nil
}

var errJSONTrailing = jsonError("unexpected data after JSON body")

type jsonError string

func (e jsonError) Error() string { return string(e) }
