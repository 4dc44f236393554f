package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/labstack/echo/v4"

	"stream-proxy-go/internal/analytics"
	"stream-proxy-go/internal/metrics"
	"stream-proxy-go/internal/model"
	"stream-proxy-go/internal/service"
	"stream-proxy-go/internal/target"
)

// credentialPattern matches credential-bearing query parameters in URLs
// embedded in error messages. Target URLs are caller-supplied and may carry
// keys in their query string.
var credentialPattern = regexp.MustCompile(`(?i)((?:api[-_]?key|token|sig|signature)=)[^&\s"]+`)

// relayBufSize is the read buffer for the body relay loop. Each upstream
// read is written and flushed before the next read, so chunk boundaries
// observed from upstream survive to the caller.
const relayBufSize = 32 * 1024

// ProxyHandler forwards inbound requests to the target embedded in their
// query string and relays the response back as it streams in.
type ProxyHandler struct {
	resolver *target.Resolver
	service  *service.ForwardService
	recorder *analytics.Recorder
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewProxyHandler creates a ProxyHandler. The recorder and metrics
// parameters are optional; pass nil to disable attribution recording or
// relay metrics.
func NewProxyHandler(r *target.Resolver, svc *service.ForwardService, rec *analytics.Recorder, m *metrics.Metrics, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		resolver: r,
		service:  svc,
		recorder: rec,
		metrics:  m,
		logger:   logger.With("component", "proxy_handler"),
	}
}

// Handle resolves the target, forwards the request, and streams the upstream
// response back chunk-for-chunk.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	start := time.Now()

	rec := analytics.NewRecord()
	rec.Method = req.Method
	rec.App = req.URL.Query().Get("app")
	if rec.App == "" {
		rec.App = "unknown"
	}

	tgt, err := h.resolver.Resolve(req.URL.Query())
	if err != nil {
		h.finishRecord(rec, start, resolveOutcome(err))
		return h.mapError(c, err)
	}
	rec.App = tgt.App
	rec.EnvID = tgt.EnvID
	rec.TenantID = tgt.TenantID
	rec.ModuleID = tgt.ModuleID
	rec.SessionID = tgt.SessionID
	rec.RequestID = tgt.RequestID
	rec.TargetHost = tgt.URL.Host

	fr := &model.ForwardRequest{
		Ctx:    req.Context(),
		Method: req.Method,
		Target: tgt,
		Header: req.Header,
		Body:   req.Body,
	}

	resp, err := h.service.Forward(fr)
	if err != nil {
		h.finishRecord(rec, start, forwardOutcome(err))
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()
	rec.StatusCode = resp.StatusCode

	// Upstream headers first, then the body stream.
	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	if resp.StatusCode < http.StatusMultipleChoices && c.Response().Header().Get(echo.HeaderContentType) == "" {
		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	}
	c.Response().Header().Set(echo.HeaderAccessControlAllowOrigin, "*")
	c.Response().WriteHeader(resp.StatusCode)

	outcome := h.relay(c, req.Context(), resp.Body, rec)
	h.finishRecord(rec, start, outcome)
	return nil
}

// relay copies the upstream body to the caller, flushing after every read so
// event boundaries are delivered incrementally. It returns the outcome of
// the stream and accumulates byte counts and token usage into rec.
func (h *ProxyHandler) relay(c echo.Context, ctx context.Context, body io.Reader, rec *analytics.Record) analytics.Outcome {
	scanner := analytics.NewUsageScanner(body)
	buf := make([]byte, relayBufSize)

	for {
		n, readErr := scanner.Read(buf)
		if n > 0 {
			if _, writeErr := c.Response().Write(buf[:n]); writeErr != nil {
				// Caller went away; the deferred body close cancels the
				// upstream read.
				h.logger.Debug("caller disconnected mid-stream", "err", writeErr)
				return analytics.OutcomeCanceled
			}
			c.Response().Flush()

			rec.BytesRelayed += int64(n)
			if h.metrics != nil {
				h.metrics.RelayChunks.Inc()
				h.metrics.RelayBytes.Add(float64(n))
			}
		}

		if readErr == io.EOF {
			if usage, ok := scanner.Usage(); ok {
				rec.Model = usage.Model
				rec.PromptTokens = usage.PromptTokens
				rec.CompletionTokens = usage.CompletionTokens
				rec.TotalTokens = usage.TotalTokens
			}
			return analytics.OutcomeOK
		}
		if readErr != nil {
			if ctx.Err() != nil {
				h.logger.Debug("caller disconnected mid-stream", "err", readErr)
				return analytics.OutcomeCanceled
			}
			// Upstream dropped mid-body. The status line is long gone, so
			// the caller sees a truncated stream, matching a transparent
			// proxy. Already-relayed bytes stay as-is.
			h.logger.Error("upstream stream interrupted",
				"err", readErr,
				"bytes_relayed", rec.BytesRelayed,
			)
			return analytics.OutcomeInterrupted
		}
	}
}

// finishRecord stamps duration and hands the record to the recorder.
// Recording is best effort and never affects the response.
func (h *ProxyHandler) finishRecord(rec *analytics.Record, start time.Time, outcome analytics.Outcome) {
	if h.recorder == nil {
		return
	}
	rec.Outcome = outcome
	rec.DurationMS = time.Since(start).Milliseconds()
	h.recorder.Record(rec)
}

func resolveOutcome(err error) analytics.Outcome {
	if errors.Is(err, target.ErrTargetNotAllowed) {
		return analytics.OutcomeNotAllowed
	}
	return analytics.OutcomeMalformed
}

func forwardOutcome(err error) analytics.Outcome {
	switch {
	case errors.Is(err, service.ErrUpstreamTimeout):
		return analytics.OutcomeTimeout
	case errors.Is(err, context.Canceled):
		return analytics.OutcomeCanceled
	default:
		return analytics.OutcomeUnreachable
	}
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", sanitizeError(err),
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, target.ErrMalformedTarget) {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid target: the u query parameter must be a percent-encoded absolute http(s) URL",
		})
	}

	if errors.Is(err, target.ErrTargetNotAllowed) {
		return c.JSON(http.StatusForbidden, map[string]string{
			"error": "target host is not allowed",
		})
	}

	if errors.Is(err, service.ErrUpstreamTimeout) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream unreachable",
	})
}

// sanitizeError redacts credential query parameters from error messages that
// may contain the target URL.
func sanitizeError(err error) string {
	return credentialPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
