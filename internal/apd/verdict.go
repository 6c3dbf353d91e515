package apd

import "errors"

// Verdict type URNs recognized in APD responses.
const (
	TypeAllow           = "urn:dexhub:auth:allow"
	TypeDeny            = "urn:dexhub:auth:deny"
	TypeDenyInteraction = "urn:dexhub:auth:deny-interaction"
)

// Kind tags the verdict variant.
type Kind int

const (
	// KindAllow grants access, possibly constrained.
	KindAllow Kind = iota + 1
	// KindDeny refuses access with a provider-authored reason.
	KindDeny
	// KindDenyNeedsInteraction refuses until an out-of-band interaction
	// identified by a session completes.
	KindDenyNeedsInteraction
)

// Verdict is the validated outcome of an APD verify call. Variants are only
// constructible through the typed constructors, so a Verdict in hand always
// carries the fields its kind requires.
type Verdict struct {
	kind        Kind
	constraints map[string]any
	detail      string
	sessionID   string
	link        string
}

// Allow builds an ALLOW verdict. Constraints may be nil.
func Allow(constraints map[string]any) Verdict {
	return Verdict{kind: KindAllow, constraints: constraints}
}

// Deny builds a DENY verdict with a required human-readable reason.
func Deny(detail string) (Verdict, error) {
	if detail == "" {
		return Verdict{}, errors.New("apd: deny verdict requires detail")
	}
	return Verdict{kind: KindDeny, detail: detail}, nil
}

// DenyNeedsInteraction builds a deny-needs-interaction verdict. All three
// fields are required.
func DenyNeedsInteraction(detail, sessionID, link string) (Verdict, error) {
	if detail == "" || sessionID == "" || link == "" {
		return Verdict{}, errors.New("apd: interaction verdict requires detail, sessionId and link")
	}
	return Verdict{kind: KindDenyNeedsInteraction, detail: detail, sessionID: sessionID, link: link}, nil
}

// Kind reports which variant this verdict is.
func (v Verdict) Kind() Kind { return v.kind }

// Constraints returns the ALLOW constraints, never nil.
func (v Verdict) Constraints() map[string]any {
	if v.constraints == nil {
		return map[string]any{}
	}
	return v.constraints
}

// Detail returns the provider-authored reason for a deny variant.
func (v Verdict) Detail() string { return v.detail }

// SessionID identifies the pending interaction.
func (v Verdict) SessionID() string { return v.sessionID }

// Link is the URL the user must visit to complete the interaction.
func (v Verdict) Link() string { return v.link }
