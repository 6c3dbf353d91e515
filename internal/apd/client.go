// Package apd implements the wire protocol for consulting an external Access
// Policy Decision point. Response validation is deliberately strict: anything
// the protocol does not explicitly allow is treated as a protocol violation
// and surfaced to callers as one generic upstream failure.
package apd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"

	"dexhub.org/internal/obs"
)

// ErrProtocol marks every way an APD can respond incorrectly: transport
// failures, unexpected statuses, malformed bodies, missing fields. Callers
// must never surface the wrapped cause to clients.
var ErrProtocol = errors.New("apd: decision point did not respond correctly")

const maxResponseBytes = 1 << 20

// VerifyRequest is the payload posted to {apdUrl}/verify.
type VerifyRequest struct {
	User    Party          `json:"user"`
	Owner   Party          `json:"owner"`
	Item    ItemRef        `json:"item"`
	Context map[string]any `json:"context"`
}

// Party identifies a platform user in an APD exchange.
type Party struct {
	ID string `json:"id"`
}

// ItemRef describes the resource the verdict is requested for.
type ItemRef struct {
	ID                string `json:"id"`
	ResourceGroupID   string `json:"resourceGroupId"`
	ResourceServerURL string `json:"resourceServerUrl"`
}

// Client performs verify calls against APD endpoints. A single failed attempt
// is a single failed decision; the client never retries.
type Client struct {
	http *http.Client
}

// New builds a client with the given request timeout. Redirects are never
// followed: a 3xx response is returned as-is and rejected by validation.
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 4 * time.Second
	}
	return &Client{
		http: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Verify posts the payload to the APD and validates the response into a
// typed verdict. userClass identifies the capacity the user acts in.
func (c *Client) Verify(ctx context.Context, apdBaseURL, bearerToken string, payload VerifyRequest, userClass string) (Verdict, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: encode payload: %v", ErrProtocol, err)
	}

	endpoint := strings.TrimRight(apdBaseURL, "/") + "/verify"
	if userClass != "" {
		endpoint += "?userClass=" + userClass
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearerToken)

	resp, err := c.http.Do(req)
	if err != nil {
		obs.ObserveAPDRequest("unreachable")
		return Verdict{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	defer resp.Body.Close()

	verdict, err := decodeResponse(resp)
	if err != nil {
		obs.ObserveAPDRequest("invalid")
		return Verdict{}, err
	}
	obs.ObserveAPDRequest(resultLabel(verdict.Kind()))
	return verdict, nil
}

func resultLabel(kind Kind) string {
	switch kind {
	case KindAllow:
		return "allow"
	case KindDeny:
		return "deny"
	case KindDenyNeedsInteraction:
		return "deny_interaction"
	default:
		return "unknown"
	}
}

// responseBody mirrors the APD response document. Type is a pointer so an
// explicit JSON null can be told apart from an absent field; both are
// invalid, but only via the nil check below.
type responseBody struct {
	Type        *string         `json:"type"`
	Constraints json.RawMessage `json:"constraints"`
	Detail      string          `json:"detail"`
	SessionID   string          `json:"sessionId"`
	Link        string          `json:"link"`
}

func decodeResponse(resp *http.Response) (Verdict, error) {
	// Only the two statuses the protocol defines are acceptable. Redirects
	// land here too because the client does not follow them.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusForbidden {
		return Verdict{}, fmt.Errorf("%w: unexpected status %d", ErrProtocol, resp.StatusCode)
	}

	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		return Verdict{}, fmt.Errorf("%w: content type %q", ErrProtocol, resp.Header.Get("Content-Type"))
	}

	// Reject a top-level array (or any non-object) before field extraction.
	var raw map[string]json.RawMessage
	dec := json.NewDecoder(http.MaxBytesReader(nil, resp.Body, maxResponseBytes))
	if err := dec.Decode(&raw); err != nil {
		return Verdict{}, fmt.Errorf("%w: body is not a JSON object: %v", ErrProtocol, err)
	}

	var body responseBody
	full, err := json.Marshal(raw)
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if err := json.Unmarshal(full, &body); err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	if body.Type == nil {
		return Verdict{}, fmt.Errorf("%w: missing verdict type", ErrProtocol)
	}

	switch *body.Type {
	case TypeAllow:
		if resp.StatusCode != http.StatusOK {
			return Verdict{}, fmt.Errorf("%w: allow verdict with status %d", ErrProtocol, resp.StatusCode)
		}
		constraints, err := decodeConstraints(body.Constraints)
		if err != nil {
			return Verdict{}, err
		}
		return Allow(constraints), nil

	case TypeDeny:
		if resp.StatusCode != http.StatusForbidden {
			return Verdict{}, fmt.Errorf("%w: deny verdict with status %d", ErrProtocol, resp.StatusCode)
		}
		verdict, err := Deny(body.Detail)
		if err != nil {
			return Verdict{}, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		return verdict, nil

	case TypeDenyInteraction:
		if resp.StatusCode != http.StatusForbidden {
			return Verdict{}, fmt.Errorf("%w: interaction verdict with status %d", ErrProtocol, resp.StatusCode)
		}
		verdict, err := DenyNeedsInteraction(body.Detail, body.SessionID, body.Link)
		if err != nil {
			return Verdict{}, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		return verdict, nil

	default:
		return Verdict{}, fmt.Errorf("%w: unrecognized verdict type %q", ErrProtocol, *body.Type)
	}
}

func decodeConstraints(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "null" {
		return nil, nil
	}
	var constraints map[string]any
	if err := json.Unmarshal(raw, &constraints); err != nil {
		return nil, fmt.Errorf("%w: constraints must be a JSON object", ErrProtocol)
	}
	return constraints, nil
}
