package problem

import (
	"errors"
	"fmt"
	"net/http"
)

// Machine-readable problem type tags carried in error responses.
const (
	TypeInvalidRequest       = "urn:dexhub:problem:invalid-request"
	TypeAccessDenied         = "urn:dexhub:problem:access-denied"
	TypeNotFound             = "urn:dexhub:problem:not-found"
	TypeUpstreamFailure      = "urn:dexhub:problem:upstream-failure"
	TypeAuthenticationFailed = "urn:dexhub:problem:authentication-failed"
	TypeInternal             = "urn:dexhub:problem:internal"
)

// Problem is a structured, client-presentable error. It short-circuits the
// decision pipeline: each stage returns it as-is instead of wrapping further.
type Problem struct {
	Status int    `json:"-"`
	Type   string `json:"type"`
	Title  string `json:"title"`
	Detail string `json:"detail,omitempty"`
}

func (p *Problem) Error() string {
	if p.Detail == "" {
		return p.Title
	}
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WithDetail returns a copy carrying a human-readable explanation.
func (p *Problem) WithDetail(format string, args ...any) *Problem {
	clone := *p
	clone.Detail = fmt.Sprintf(format, args...)
	return &clone
}

func New(status int, typ, title string) *Problem {
	return &Problem{Status: status, Type: typ, Title: title}
}

// BadRequest marks malformed or incomplete input.
func BadRequest(title string) *Problem {
	return New(http.StatusBadRequest, TypeInvalidRequest, title)
}

// Forbidden marks an authorization denial.
func Forbidden(title string) *Problem {
	return New(http.StatusForbidden, TypeAccessDenied, title)
}

// NotFound marks a missing or never-approved entity.
func NotFound(title string) *Problem {
	return New(http.StatusNotFound, TypeNotFound, title)
}

// Upstream marks a collaborator failure. The title is the only text that may
// reach the caller; the underlying cause stays in the server log.
func Upstream(title string) *Problem {
	return New(http.StatusBadGateway, TypeUpstreamFailure, title)
}

// AuthenticationFailed is the uniform credential-validation failure. It never
// distinguishes a bad signature from an expired token.
func AuthenticationFailed() *Problem {
	return New(http.StatusUnauthorized, TypeAuthenticationFailed, "authentication failed")
}

// Internal is the generic catch-all for unexpected errors.
func Internal() *Problem {
	return New(http.StatusInternalServerError, TypeInternal, "internal error")
}

// From extracts a Problem from err, or converts an unstructured error into
// the generic internal problem so implementation detail never leaks.
func From(err error) *Problem {
	var p *Problem
	if errors.As(err, &p) {
		return p
	}
	return Internal()
}
