// Package target resolves the forwarding destination embedded in an
// inbound request's query string.
package target

import (
	"errors"
	"fmt"
	"net/url"

	"stream-proxy-go/internal/model"
)

// ErrMalformedTarget is returned when the `u` parameter is missing or does
// not decode into an absolute http(s) URL.
var ErrMalformedTarget = errors.New("malformed target URL")

// ErrTargetNotAllowed is returned when the resolved host is not in the
// configured allowlist.
var ErrTargetNotAllowed = errors.New("target host not allowed")

// unknownApp is the attribution tag used when the `app` parameter is absent.
const unknownApp = "unknown"

// Resolver extracts and validates the forwarding target from query parameters.
type Resolver struct {
	allowedHosts map[string]bool // empty means any host
}

// NewResolver creates a Resolver. An empty allowedHosts slice disables host
// filtering (open relay).
func NewResolver(allowedHosts []string) *Resolver {
	allowed := make(map[string]bool, len(allowedHosts))
	for _, h := range allowedHosts {
		allowed[h] = true
	}
	return &Resolver{allowedHosts: allowed}
}

// Resolve extracts the target URL from the `u` parameter and the attribution
// tag from `app`. The values in query have already been percent-decoded
// exactly once by the HTTP layer; Resolve never decodes again, so an upstream
// URL containing encoded characters in its own query string survives intact.
func (r *Resolver) Resolve(query url.Values) (*model.Target, error) {
	raw := query.Get("u")
	if raw == "" {
		return nil, fmt.Errorf("%w: missing required query parameter \"u\"", ErrMalformedTarget)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTarget, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %q is not http or https", ErrMalformedTarget, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: URL %q has no host", ErrMalformedTarget, raw)
	}

	if len(r.allowedHosts) > 0 && !r.allowedHosts[u.Hostname()] {
		return nil, fmt.Errorf("%w: %q", ErrTargetNotAllowed, u.Hostname())
	}

	app := query.Get("app")
	if app == "" {
		app = unknownApp
	}

	return &model.Target{
		URL:       u,
		App:       app,
		EnvID:     query.Get("envId"),
		TenantID:  query.Get("tenId"),
		ModuleID:  query.Get("modId"),
		SessionID: query.Get("sesId"),
		RequestID: query.Get("reqId"),
	}, nil
}
