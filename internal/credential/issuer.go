// Package credential mints and introspects the platform's signed credentials.
// Both credential kinds are ES256-signed JWTs; issuance is stateless and
// tokens expire after a fixed TTL with no server-side revocation tracking.
package credential

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"dexhub.org/internal/access"
	"dexhub.org/internal/obs"
)

const defaultTTL = 600 * time.Second

// Token is an issued credential together with the plaintext fields callers
// may display or log without decoding it.
type Token struct {
	Value     string    `json:"token"`
	Audience  string    `json:"audience"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Issuer signs credentials with the platform's ECDSA key. Construct once at
// startup; it is immutable and safe for concurrent use.
type Issuer struct {
	key    *ecdsa.PrivateKey
	issuer string
	keyID  string
	ttl    time.Duration
	now    func() time.Time
}

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer)

// WithTTL overrides the credential lifetime.
func WithTTL(ttl time.Duration) IssuerOption {
	return func(i *Issuer) {
		if ttl > 0 {
			i.ttl = ttl
		}
	}
}

// WithKeyID embeds a key identifier into token headers.
func WithKeyID(kid string) IssuerOption {
	return func(i *Issuer) {
		i.keyID = strings.TrimSpace(kid)
	}
}

// WithIssuerClock overrides the time source (tests).
func WithIssuerClock(fn func() time.Time) IssuerOption {
	return func(i *Issuer) {
		if fn != nil {
			i.now = fn
		}
	}
}

// NewIssuer constructs an Issuer for the platform's canonical domain.
func NewIssuer(key *ecdsa.PrivateKey, issuerDomain string, opts ...IssuerOption) (*Issuer, error) {
	if key == nil {
		return nil, errors.New("credential: signing key is required")
	}
	issuerDomain = strings.TrimSpace(issuerDomain)
	if issuerDomain == "" {
		return nil, errors.New("credential: issuer domain is required")
	}
	iss := &Issuer{
		key:    key,
		issuer: issuerDomain,
		ttl:    defaultTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(iss)
	}
	return iss, nil
}

// Domain returns the issuer's canonical platform domain.
func (i *Issuer) Domain() string { return i.issuer }

// PublicKey exposes the verification half of the signing key.
func (i *Issuer) PublicKey() *ecdsa.PublicKey { return &i.key.PublicKey }

// KeyID returns the configured key identifier.
func (i *Issuer) KeyID() string { return i.keyID }

// TTL returns the fixed credential lifetime.
func (i *Issuer) TTL() time.Duration { return i.ttl }

// IssueResourceToken signs an identity/resource credential for a grant. The
// audience is always the resource server (or platform) the decision was
// scoped to, and constraints are always present, defaulting to {}.
func (i *Issuer) IssueResourceToken(subject string, role access.Role, grant access.GrantDescriptor) (Token, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return Token{}, errors.New("credential: subject is required")
	}
	if grant.ResourceServerURL == "" {
		return Token{}, errors.New("credential: grant has no audience")
	}
	tag, err := TagFor(grant.ItemType, grant.ItemID)
	if err != nil {
		return Token{}, err
	}

	effectiveRole := role
	if grant.DelegatedRole != "" {
		effectiveRole = grant.DelegatedRole
	}
	constraints := grant.Constraints
	if constraints == nil {
		constraints = map[string]any{}
	}

	now := i.now().UTC()
	exp := now.Add(i.ttl)
	claims := jwt.MapClaims{
		"sub":  subject,
		"iss":  i.issuer,
		"aud":  grant.ResourceServerURL,
		"iat":  now.Unix(),
		"exp":  exp.Unix(),
		"iid":  tag.String(),
		"role": strings.ToLower(string(effectiveRole)),
		"cons": constraints,
	}
	if grant.ResourceGroupID != "" {
		claims["rg"] = grant.ResourceGroupID
	}
	if grant.DelegatorID != "" {
		claims["did"] = grant.DelegatorID
		claims["drl"] = strings.ToLower(string(grant.DelegatedRole))
	}
	if len(grant.APDConstraints) > 0 {
		claims["apd"] = grant.APDConstraints
	}

	signed, err := i.sign(claims)
	if err != nil {
		return Token{}, err
	}
	obs.ObserveCredentialIssued("resource")
	return Token{Value: signed, Audience: grant.ResourceServerURL, ExpiresAt: exp}, nil
}

// IssueInteractionToken signs the narrow APD-interaction credential. It
// carries no resource or role claims; it exists only so the APD can correlate
// a later interaction callback with this decision attempt.
func (i *Issuer) IssueInteractionToken(subject string, in access.InteractionContext) (Token, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return Token{}, errors.New("credential: subject is required")
	}
	if in.SessionID == "" || in.Link == "" || in.APDURL == "" {
		return Token{}, errors.New("credential: incomplete interaction context")
	}

	now := i.now().UTC()
	exp := now.Add(i.ttl)
	claims := jwt.MapClaims{
		"sub":  subject,
		"iss":  i.issuer,
		"aud":  in.APDURL,
		"iat":  now.Unix(),
		"exp":  exp.Unix(),
		"sid":  in.SessionID,
		"link": in.Link,
	}

	signed, err := i.sign(claims)
	if err != nil {
		return Token{}, err
	}
	obs.ObserveCredentialIssued("interaction")
	return Token{Value: signed, Audience: in.APDURL, ExpiresAt: exp}, nil
}

// PlatformToken signs the internal platform-identity credential used when the
// platform calls another server (the APD, a resource server admin endpoint).
// Its subject is the issuer-domain sentinel and it carries no role.
func (i *Issuer) PlatformToken(audience string) (Token, error) {
	audience = strings.TrimSpace(audience)
	if audience == "" {
		return Token{}, errors.New("credential: audience is required")
	}

	now := i.now().UTC()
	exp := now.Add(i.ttl)
	claims := jwt.MapClaims{
		"sub":  i.issuer,
		"iss":  i.issuer,
		"aud":  audience,
		"iat":  now.Unix(),
		"exp":  exp.Unix(),
		"iid":  ItemTag{Code: CodePlatform, ID: i.issuer}.String(),
		"cons": map[string]any{},
	}

	signed, err := i.sign(claims)
	if err != nil {
		return Token{}, err
	}
	obs.ObserveCredentialIssued("platform")
	return Token{Value: signed, Audience: audience, ExpiresAt: exp}, nil
}

func (i *Issuer) sign(claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	if i.keyID != "" {
		token.Header["kid"] = i.keyID
	}
	signed, err := token.SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("credential: sign token: %w", err)
	}
	return signed, nil
}

// ParseSigningKey loads an ECDSA private key from PEM (SEC1 or PKCS#8).
func ParseSigningKey(pemData string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("credential: invalid PEM signing key")
	}
	switch block.Type {
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		ecKey, ok := key.(*ecdsa.PrivateKey)
		if !ok {
			return nil, errors.New("credential: not an ECDSA private key")
		}
		return ecKey, nil
	default:
		return nil, fmt.Errorf("credential: unsupported key type %s", block.Type)
	}
}
