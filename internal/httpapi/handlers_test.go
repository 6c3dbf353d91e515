package httpapi

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"dexhub.org/internal/access"
	"dexhub.org/internal/credential"
	"dexhub.org/internal/problem"
	"dexhub.org/internal/store/pg"
)

const (
	testIssuer   = "platform.example.com"
	testClientID = "test-client"
	testAPIKey   = "test-api-key"
)

type fakeStore struct {
	actor       access.Actor
	actorErr    error
	delegation  pg.Delegation
	delegateErr error
	client      pg.APIClient
	clientErr   error
}

func (f *fakeStore) Actor(ctx context.Context, userID string) (access.Actor, error) {
	if f.actorErr != nil {
		return access.Actor{}, f.actorErr
	}
	actor := f.actor
	if actor.ID == "" {
		actor.ID = userID
	}
	return actor, nil
}

func (f *fakeStore) Delegation(ctx context.Context, id string) (pg.Delegation, error) {
	if f.delegateErr != nil {
		return pg.Delegation{}, f.delegateErr
	}
	return f.delegation, nil
}

func (f *fakeStore) APIClient(ctx context.Context, clientID string) (pg.APIClient, error) {
	if f.clientErr != nil {
		return pg.APIClient{}, f.clientErr
	}
	return f.client, nil
}

type fakeEngine struct {
	outcome access.Outcome
	err     error
	lastReq access.Request
}

func (f *fakeEngine) Decide(ctx context.Context, req access.Request, delegation *access.DelegationContext, actor access.Actor) (access.Outcome, error) {
	f.lastReq = req
	if f.err != nil {
		return access.Outcome{}, f.err
	}
	return f.outcome, nil
}

func newTestAPI(t *testing.T, store *fakeStore, engine *fakeEngine) (*API, *credential.Introspector) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	issuer, err := credential.NewIssuer(key, testIssuer, credential.WithKeyID("test-key-1"))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	introspector, err := credential.NewIntrospector(&key.PublicKey, testIssuer)
	if err != nil {
		t.Fatalf("NewIntrospector: %v", err)
	}
	if store == nil {
		store = &fakeStore{}
	}
	if store.client.ClientID == "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(testAPIKey), bcrypt.MinCost)
		if err != nil {
			t.Fatalf("bcrypt: %v", err)
		}
		store.client = pg.APIClient{ClientID: testClientID, Name: "Test", KeyHash: string(hash)}
	}
	if engine == nil {
		engine = &fakeEngine{}
	}
	return New(store, engine, issuer, introspector, ReadyProbe{}, "test"), introspector
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(clientIDHeader, testClientID)
	req.Header.Set(apiKeyHeader, testAPIKey)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func grantOutcome() access.Outcome {
	return access.Outcome{Grant: &access.GrantDescriptor{
		ResourceServerURL: "https://rs.example.com",
		ItemID:            "item-1",
		ItemType:          access.ItemResource,
		ResourceGroupID:   "group-1",
		Constraints:       map[string]any{"maxRows": float64(10)},
	}}
}

func TestAccessGrantIssuesVerifiableToken(t *testing.T) {
	engine := &fakeEngine{outcome: grantOutcome()}
	api, introspector := newTestAPI(t, nil, engine)

	rec := doJSON(t, api.Handler(), http.MethodPost, "/v1/access", map[string]any{
		"user_id":   "user-1",
		"item_id":   "item-1",
		"item_type": "RESOURCE",
		"role":      "consumer",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp accessResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Audience != "https://rs.example.com" {
		t.Fatalf("unexpected audience: %s", resp.Audience)
	}
	if time.Until(resp.ExpiresAt) <= 0 {
		t.Fatalf("expected future expiry: %v", resp.ExpiresAt)
	}

	claims, err := introspector.Introspect(context.Background(), resp.Token)
	if err != nil {
		t.Fatalf("issued token failed introspection: %v", err)
	}
	if claims.Subject != "user-1" || claims.ItemTag != "ri:item-1" || claims.Role != "consumer" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.Constraints["maxRows"] != float64(10) {
		t.Fatalf("constraints lost: %v", claims.Constraints)
	}
}

func TestAccessInteractionResponse(t *testing.T) {
	engine := &fakeEngine{outcome: access.Outcome{Interaction: &access.InteractionContext{
		SessionID: "sess-1",
		Link:      "https://apd.example.com/consent/sess-1",
		APDURL:    "https://apd.example.com",
	}}}
	api, introspector := newTestAPI(t, nil, engine)

	rec := doJSON(t, api.Handler(), http.MethodPost, "/v1/access", map[string]any{
		"user_id":   "user-1",
		"item_id":   "item-1",
		"item_type": "RESOURCE",
		"role":      "consumer",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp accessResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.SessionID != "sess-1" || resp.Link == "" {
		t.Fatalf("interaction fields missing: %+v", resp)
	}
	if resp.Audience != "https://apd.example.com" {
		t.Fatalf("interaction token must target the APD: %s", resp.Audience)
	}

	claims, err := introspector.Introspect(context.Background(), resp.Token)
	if err != nil {
		t.Fatalf("interaction token failed introspection: %v", err)
	}
	if !claims.IsInteraction() || claims.SessionID != "sess-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestAccessDenialBecomesProblem(t *testing.T) {
	engine := &fakeEngine{err: problem.Forbidden("access denied").WithDetail("contract suspended")}
	api, _ := newTestAPI(t, nil, engine)

	rec := doJSON(t, api.Handler(), http.MethodPost, "/v1/access", map[string]any{
		"user_id":   "user-1",
		"item_id":   "item-1",
		"item_type": "RESOURCE",
		"role":      "consumer",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json; charset=utf-8" {
		t.Fatalf("unexpected content type: %s", ct)
	}
	var p problem.Problem
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode problem: %v", err)
	}
	if p.Type != problem.TypeAccessDenied || p.Detail != "contract suspended" {
		t.Fatalf("unexpected problem: %+v", p)
	}
}

func TestAccessValidation(t *testing.T) {
	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing user", map[string]any{"item_id": "i", "item_type": "RESOURCE", "role": "consumer"}},
		{"missing item", map[string]any{"user_id": "u", "item_type": "RESOURCE", "role": "consumer"}},
		{"unknown role", map[string]any{"user_id": "u", "item_id": "i", "item_type": "RESOURCE", "role": "superuser"}},
		{"unknown item type", map[string]any{"user_id": "u", "item_id": "i", "item_type": "WIDGET", "role": "consumer"}},
		{"unknown field", map[string]any{"user_id": "u", "item_id": "i", "item_type": "RESOURCE", "role": "consumer", "extra": true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			api, _ := newTestAPI(t, nil, nil)
			rec := doJSON(t, api.Handler(), http.MethodPost, "/v1/access", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestAccessDelegationMustNameCaller(t *testing.T) {
	store := &fakeStore{delegation: pg.Delegation{
		ID:                "del-1",
		DelegateID:        "someone-else",
		DelegatorID:       "delegator-1",
		Role:              access.RoleConsumer,
		ResourceServerURL: "https://rs.example.com",
	}}
	engine := &fakeEngine{outcome: grantOutcome()}
	api, _ := newTestAPI(t, store, engine)

	rec := doJSON(t, api.Handler(), http.MethodPost, "/v1/access", map[string]any{
		"user_id":       "user-1",
		"item_id":       "item-1",
		"item_type":     "RESOURCE",
		"role":          "delegate",
		"delegation_id": "del-1",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAccessInactiveDelegation(t *testing.T) {
	store := &fakeStore{delegateErr: pg.ErrNotFound}
	api, _ := newTestAPI(t, store, nil)

	rec := doJSON(t, api.Handler(), http.MethodPost, "/v1/access", map[string]any{
		"user_id":       "user-1",
		"item_id":       "item-1",
		"item_type":     "RESOURCE",
		"role":          "delegate",
		"delegation_id": "del-gone",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestIntrospectEnvelopes(t *testing.T) {
	engine := &fakeEngine{outcome: grantOutcome()}
	api, _ := newTestAPI(t, nil, engine)
	h := api.Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/access", map[string]any{
		"user_id":   "user-1",
		"item_id":   "item-1",
		"item_type": "RESOURCE",
		"role":      "consumer",
	})
	var issued accessResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &issued); err != nil {
		t.Fatalf("decode access response: %v", err)
	}

	rec = doJSON(t, h, http.MethodPost, "/v1/introspect", map[string]any{"token": issued.Token})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var ok introspectEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &ok); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if ok.Type != responseSuccess || len(ok.Results) != 1 {
		t.Fatalf("unexpected success envelope: %+v", ok)
	}

	// A bad token yields the denial envelope, still HTTP 200, with no reason.
	rec = doJSON(t, h, http.MethodPost, "/v1/introspect", map[string]any{"token": "not-a-token"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for denial, got %d", rec.Code)
	}
	var denied introspectEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &denied); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if denied.Type != responseDenied {
		t.Fatalf("unexpected denial envelope: %+v", denied)
	}
	result, _ := denied.Results[0].(map[string]any)
	if result["status"] != "deny" || len(result) != 1 {
		t.Fatalf("denial result must carry only the status: %v", denied.Results)
	}
}

func TestJWKSExposesSigningKey(t *testing.T) {
	api, _ := newTestAPI(t, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			Alg string `json:"alg"`
		} `json:"keys"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &jwks); err != nil {
		t.Fatalf("decode jwks: %v", err)
	}
	if len(jwks.Keys) != 1 || jwks.Keys[0].Kid != "test-key-1" || jwks.Keys[0].Kty != "EC" {
		t.Fatalf("unexpected jwks: %+v", jwks)
	}
}

func TestHealthEndpoints(t *testing.T) {
	api, _ := newTestAPI(t, nil, nil)
	h := api.Handler()

	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
	}
}
