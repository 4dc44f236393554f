// Package model defines shared per-request types for the gateway.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// Target is the resolved forwarding destination of a single inbound request.
type Target struct {
	// URL is the absolute upstream URL extracted from the `u` query
	// parameter, percent-decoded exactly once.
	URL *url.URL

	// App is the caller attribution tag from the `app` query parameter.
	// Defaults to "unknown" when the parameter is absent. Used only for
	// observability, never for routing.
	App string

	// Optional attribution identifiers carried alongside the app tag.
	EnvID     string
	TenantID  string
	ModuleID  string
	SessionID string
	RequestID string
}

// ForwardRequest represents an inbound request to be forwarded upstream.
type ForwardRequest struct {
	Ctx    context.Context
	Method string
	Target *Target
	Header http.Header
	Body   io.ReadCloser
}

// ForwardResponse represents the upstream response to be streamed back.
// The body is a live stream; the caller owns closing it.
type ForwardResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
