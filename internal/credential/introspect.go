package credential

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"dexhub.org/internal/directory"
	"dexhub.org/internal/obs"
)

// ErrAuthentication is the uniform introspection failure. Malformed
// signatures, wrong issuers and expired tokens are deliberately
// indistinguishable so the endpoint cannot be used as an oracle.
var ErrAuthentication = errors.New("credential: authentication failed")

// DirectorySource fetches a user profile for token enrichment.
type DirectorySource interface {
	Profile(ctx context.Context, userID string) (directory.Profile, error)
}

// Introspector validates and decodes issued credentials.
type Introspector struct {
	key       *ecdsa.PublicKey
	issuer    string
	directory DirectorySource
	now       func() time.Time
}

// IntrospectorOption configures an Introspector.
type IntrospectorOption func(*Introspector)

// WithDirectory enables userInfo enrichment for identity tokens.
func WithDirectory(src DirectorySource) IntrospectorOption {
	return func(i *Introspector) {
		i.directory = src
	}
}

// WithIntrospectorClock overrides the time source (tests).
func WithIntrospectorClock(fn func() time.Time) IntrospectorOption {
	return func(i *Introspector) {
		if fn != nil {
			i.now = fn
		}
	}
}

// NewIntrospector constructs an Introspector bound to the platform key and
// issuer domain.
func NewIntrospector(key *ecdsa.PublicKey, issuerDomain string, opts ...IntrospectorOption) (*Introspector, error) {
	if key == nil {
		return nil, errors.New("credential: verification key is required")
	}
	issuerDomain = strings.TrimSpace(issuerDomain)
	if issuerDomain == "" {
		return nil, errors.New("credential: issuer domain is required")
	}
	intro := &Introspector{
		key:    key,
		issuer: issuerDomain,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(intro)
	}
	return intro, nil
}

// Introspect verifies the token's signature and expiry and decodes its
// claims. Identity tokens for a resource server or the platform are enriched
// with the subject's directory profile when a directory source is configured.
// Every validation failure collapses into ErrAuthentication.
func (i *Introspector) Introspect(ctx context.Context, token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, ErrAuthentication
	}

	parsed, err := jwt.Parse(token,
		func(t *jwt.Token) (any, error) { return i.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil || !parsed.Valid {
		return Claims{}, ErrAuthentication
	}
	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, ErrAuthentication
	}

	claims, err := decodeClaims(mapClaims)
	if err != nil {
		return Claims{}, ErrAuthentication
	}
	if claims.Issuer != i.issuer {
		return Claims{}, ErrAuthentication
	}

	i.enrich(ctx, &claims)
	return claims, nil
}

// enrich attaches the subject's profile to resource-server and platform
// identity tokens. Enrichment is best-effort: a directory failure is logged
// and the claims are returned without userInfo.
func (i *Introspector) enrich(ctx context.Context, claims *Claims) {
	if i.directory == nil || claims.ItemTag == "" {
		return
	}
	tag, err := ParseItemTag(claims.ItemTag)
	if err != nil {
		return
	}
	if tag.Code != CodeResourceServer && tag.Code != CodePlatform {
		return
	}
	if claims.Subject == i.issuer {
		// The platform sentinel has no directory entry.
		return
	}
	profile, err := i.directory.Profile(ctx, claims.Subject)
	if err != nil {
		obs.LogEntry(map[string]any{
			"ts":    time.Now().UTC().Format(time.RFC3339Nano),
			"level": "warn",
			"msg":   "directory enrichment failed",
			"sub":   claims.Subject,
		})
		return
	}
	claims.UserInfo = &profile
}

func decodeClaims(mapClaims jwt.MapClaims) (Claims, error) {
	var claims Claims

	claims.Subject, _ = mapClaims["sub"].(string)
	claims.Issuer, _ = mapClaims["iss"].(string)
	claims.Audience, _ = mapClaims["aud"].(string)
	if claims.Subject == "" || claims.Issuer == "" || claims.Audience == "" {
		return Claims{}, errors.New("credential: missing identity claims")
	}

	iat, ok := toInt64(mapClaims["iat"])
	if !ok {
		return Claims{}, errors.New("credential: missing iat")
	}
	exp, ok := toInt64(mapClaims["exp"])
	if !ok {
		return Claims{}, errors.New("credential: missing exp")
	}
	claims.IssuedAt = iat
	claims.ExpiresAt = exp

	if iid, ok := mapClaims["iid"].(string); ok && iid != "" {
		if _, err := ParseItemTag(iid); err != nil {
			return Claims{}, err
		}
		claims.ItemTag = iid
	}
	claims.Role, _ = mapClaims["role"].(string)
	claims.ResourceGroupID, _ = mapClaims["rg"].(string)
	claims.DelegatorID, _ = mapClaims["did"].(string)
	claims.DelegatedRole, _ = mapClaims["drl"].(string)
	claims.SessionID, _ = mapClaims["sid"].(string)
	claims.Link, _ = mapClaims["link"].(string)

	if cons, ok := mapClaims["cons"]; ok {
		obj, ok := cons.(map[string]any)
		if !ok {
			return Claims{}, errors.New("credential: cons is not an object")
		}
		claims.Constraints = obj
	}
	if apd, ok := mapClaims["apd"]; ok {
		obj, ok := apd.(map[string]any)
		if !ok {
			return Claims{}, errors.New("credential: apd is not an object")
		}
		claims.APDConstraints = obj
	}

	// Exactly one credential shape: identity tokens carry iid, interaction
	// tokens carry sid+link.
	if claims.ItemTag == "" && (claims.SessionID == "" || claims.Link == "") {
		return Claims{}, errors.New("credential: unrecognized claim shape")
	}
	if claims.ItemTag != "" && claims.Constraints == nil {
		return Claims{}, errors.New("credential: identity token without cons")
	}

	return claims, nil
}

func toInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case json.Number:
		i, err := t.Int64()
		if err != nil {
			return 0, false
		}
		return i, true
	case int64:
		return t, true
	case int:
		return int64(t), true
	default:
		return 0, false
	}
}
