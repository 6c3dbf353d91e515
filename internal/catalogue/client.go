// Package catalogue fetches resource metadata from the external catalogue
// service. The catalogue is the source of truth: items are fetched fresh for
// every decision and never cached here.
package catalogue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// PolicyKind selects how access to a resource is decided.
type PolicyKind string

const (
	// PolicyOpen grants qualifying consumers directly.
	PolicyOpen PolicyKind = "open"
	// PolicySecure defers the decision to the resource's APD.
	PolicySecure PolicyKind = "secure"
)

// ResourceItem is the catalogue's view of a single resource.
type ResourceItem struct {
	ID                string
	OwnerID           string
	ResourceGroupID   string
	ResourceServerURL string
	APDURL            string
	Policy            PolicyKind
	PII               bool
}

var (
	// ErrNotFound means the catalogue has no item with the requested id.
	ErrNotFound = errors.New("catalogue: item not found")
	// ErrUnavailable covers transport failures and non-success statuses.
	ErrUnavailable = errors.New("catalogue: unavailable")
	// ErrMalformed covers syntactically valid responses that fail validation.
	ErrMalformed = errors.New("catalogue: malformed item")
)

// Client talks to the catalogue over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a catalogue client for the given base URL.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type itemPayload struct {
	ID                string `json:"id"`
	OwnerID           string `json:"ownerId"`
	ResourceGroupID   string `json:"resourceGroupId"`
	ResourceServerURL string `json:"resourceServerUrl"`
	APDURL            string `json:"apdUrl"`
	AccessPolicy      string `json:"accessPolicy"`
	PII               bool   `json:"pii"`
}

// Item fetches and validates the metadata of a single resource.
func (c *Client) Item(ctx context.Context, itemID string) (ResourceItem, error) {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return ResourceItem{}, fmt.Errorf("%w: empty item id", ErrMalformed)
	}

	endpoint := c.baseURL + "/items/" + url.PathEscape(itemID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ResourceItem{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return ResourceItem{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return ResourceItem{}, ErrNotFound
	default:
		return ResourceItem{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var payload itemPayload
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(&payload); err != nil {
		return ResourceItem{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	item := ResourceItem{
		ID:                strings.TrimSpace(payload.ID),
		OwnerID:           strings.TrimSpace(payload.OwnerID),
		ResourceGroupID:   strings.TrimSpace(payload.ResourceGroupID),
		ResourceServerURL: strings.TrimSpace(payload.ResourceServerURL),
		APDURL:            strings.TrimSpace(payload.APDURL),
		Policy:            PolicyKind(strings.ToLower(strings.TrimSpace(payload.AccessPolicy))),
		PII:               payload.PII,
	}
	if err := validateItem(item, itemID); err != nil {
		return ResourceItem{}, err
	}
	return item, nil
}

func validateItem(item ResourceItem, requestedID string) error {
	switch {
	case item.ID == "":
		return fmt.Errorf("%w: missing id", ErrMalformed)
	case item.ID != requestedID:
		return fmt.Errorf("%w: id mismatch", ErrMalformed)
	case item.OwnerID == "":
		return fmt.Errorf("%w: missing owner", ErrMalformed)
	case item.ResourceGroupID == "":
		return fmt.Errorf("%w: missing resource group", ErrMalformed)
	case item.ResourceServerURL == "":
		return fmt.Errorf("%w: missing resource server", ErrMalformed)
	}
	switch item.Policy {
	case PolicyOpen:
	case PolicySecure:
		if item.APDURL == "" {
			return fmt.Errorf("%w: secure item without apd url", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: unknown access policy %q", ErrMalformed, item.Policy)
	}
	return nil
}
