// Package directory looks up user profiles in the platform's user directory.
// Introspection uses it to enrich identity tokens with the subject's display
// data under the `userInfo` key.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"
)

// Profile is the subset of directory data attached to introspected tokens.
type Profile struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

var (
	// ErrNotFound means the directory has no user with the given id.
	ErrNotFound = errors.New("directory: user not found")
	// ErrUnavailable covers transport failures and unexpected statuses.
	ErrUnavailable = errors.New("directory: unavailable")
)

// Client fetches profiles over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client (used in tests).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithClientCredentials authenticates directory calls with an OAuth2
// client-credentials grant against the given token endpoint.
func WithClientCredentials(clientID, clientSecret, tokenURL string) Option {
	return func(c *Client) {
		cc := clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
		}
		c.http = cc.Client(context.Background())
		c.http.Timeout = 5 * time.Second
	}
}

// New builds a directory client for the given base URL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Profile fetches the name and email registered for a user id.
func (c *Client) Profile(ctx context.Context, userID string) (Profile, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Profile{}, fmt.Errorf("%w: empty user id", ErrNotFound)
	}

	endpoint := c.baseURL + "/users/" + url.PathEscape(userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return Profile{}, ErrNotFound
	default:
		return Profile{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var profile Profile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return profile, nil
}
