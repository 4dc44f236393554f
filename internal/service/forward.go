// Package service implements the core forwarding logic: header
// sanitization and outbound dispatch.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"stream-proxy-go/internal/config"
	"stream-proxy-go/internal/model"
)

// ErrUpstreamUnreachable is returned when the target cannot be reached
// (connection refused, DNS failure, TLS handshake failure).
var ErrUpstreamUnreachable = errors.New("upstream unreachable")

// ErrUpstreamTimeout is returned when the forward deadline elapses while
// waiting on the upstream.
var ErrUpstreamTimeout = errors.New("upstream timeout")

// hopByHopHeaders must not cross a proxy boundary. The set matches RFC 9110
// §7.6.1 plus Host, which Go derives from the request URL.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Host",
}

// Dispatcher issues the outbound request. Satisfied by *client.UpstreamClient.
type Dispatcher interface {
	DoStream(ctx context.Context, method, url string, header http.Header, body io.Reader) (*model.ForwardResponse, error)
}

// ForwardService orchestrates a single forward: sanitize, dispatch, classify.
type ForwardService struct {
	dispatcher Dispatcher
	cfg        *config.Config
	logger     *slog.Logger
}

// NewForwardService creates a ForwardService.
func NewForwardService(d Dispatcher, cfg *config.Config, logger *slog.Logger) *ForwardService {
	return &ForwardService{
		dispatcher: d,
		cfg:        cfg,
		logger:     logger.With("component", "forward_service"),
	}
}

// Forward dispatches the request to its resolved target and returns the
// upstream response with sanitized headers. The response body is a live
// stream; the caller owns closing it. Closing the body also releases the
// per-request deadline.
//
// Header values, including any credential headers, pass through verbatim
// and are never inspected or logged.
func (s *ForwardService) Forward(fr *model.ForwardRequest) (*model.ForwardResponse, error) {
	ctx := fr.Ctx
	cancel := context.CancelFunc(func() {})
	if s.cfg.Forward.TimeoutSeconds > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.Forward.TimeoutSeconds)*time.Second)
	}

	header := SanitizeHeaders(fr.Header)

	s.logger.Debug("forwarding request",
		"method", fr.Method,
		"target_host", fr.Target.URL.Host,
		"app", fr.Target.App,
	)

	resp, err := s.dispatcher.DoStream(ctx, fr.Method, fr.Target.URL.String(), header, fr.Body)
	if err != nil {
		cancel()
		return nil, s.classify(err)
	}

	resp.Header = SanitizeHeaders(resp.Header)
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// classify maps transport errors onto the gateway error taxonomy. Context
// cancellation (caller disconnect) passes through unchanged so the handler
// can tell it apart from upstream failures.
func (s *ForwardService) classify(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
	}
}

// SanitizeHeaders returns a copy of src with hop-by-hop headers removed.
// Headers named in the Connection header are dropped as well. All remaining
// headers keep their values byte-identical, in order, duplicates preserved.
func SanitizeHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		dst[key] = append([]string(nil), vals...)
	}

	// Connection may name additional hop-by-hop headers for this leg.
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				dst.Del(name)
			}
		}
	}

	for _, h := range hopByHopHeaders {
		dst.Del(h)
	}
	return dst
}

// cancelOnClose releases the per-request deadline when the body stream is
// closed, so a finished relay does not pin a timer for the full timeout.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
