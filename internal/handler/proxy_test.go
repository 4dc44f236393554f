package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"stream-proxy-go/internal/analytics"
	"stream-proxy-go/internal/client"
	"stream-proxy-go/internal/config"
	"stream-proxy-go/internal/model"
	"stream-proxy-go/internal/service"
	"stream-proxy-go/internal/target"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		Forward: config.ForwardConfig{
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
	}
}

// newGateway wires a full pipeline (resolver → service → client → relay)
// onto an Echo instance. The store is optional; pass nil to skip attribution.
func newGateway(t *testing.T, cfg *config.Config, store *analytics.MemoryStore) *echo.Echo {
	t.Helper()
	logger := discardLogger()

	uc := client.NewUpstreamClient(cfg, logger, nil)
	svc := service.NewForwardService(uc, cfg, logger)
	res := target.NewResolver(cfg.Forward.AllowedHosts)

	var rec *analytics.Recorder
	if store != nil {
		rec = analytics.NewRecorder(store, 16, logger, nil)
		t.Cleanup(func() { _ = rec.Close() })
	}

	proxy := NewProxyHandler(res, svc, rec, nil, logger)
	health := NewHealthHandler(cfg, "test")

	e := echo.New()
	RegisterRoutes(e, proxy, health)
	return e
}

func proxyPath(upstreamURL, app string) string {
	p := "/proxy?u=" + url.QueryEscape(upstreamURL)
	if app != "" {
		p += "&app=" + app
	}
	return p
}

func TestProxyHandler_EndToEnd(t *testing.T) {
	var gotMethod, gotPath, gotKey, gotBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotKey = r.Header.Get("api-key")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fl := w.(http.Flusher)
		for _, chunk := range []string{"data: one\n\n", "data: two\n\n", "data: [DONE]\n\n"} {
			_, _ = io.WriteString(w, chunk)
			fl.Flush()
		}
	}))
	defer upstream.Close()

	e := newGateway(t, testConfig(), nil)

	req := httptest.NewRequest(http.MethodPost,
		proxyPath(upstream.URL+"/v1/chat", "test"),
		strings.NewReader(`{"x":1}`))
	req.Header.Set("api-key", "secret")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if gotMethod != http.MethodPost {
		t.Errorf("upstream method = %q, want POST", gotMethod)
	}
	if gotPath != "/v1/chat" {
		t.Errorf("upstream path = %q, want /v1/chat", gotPath)
	}
	if gotKey != "secret" {
		t.Errorf("upstream api-key = %q, want %q", gotKey, "secret")
	}
	if gotBody != `{"x":1}` {
		t.Errorf("upstream body = %q, want %q", gotBody, `{"x":1}`)
	}

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	want := "data: one\n\ndata: two\n\ndata: [DONE]\n\n"
	if rec.Body.String() != want {
		t.Errorf("body = %q, want %q", rec.Body.String(), want)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type = %q, want %q", got, "text/event-stream")
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "*")
	}
}

// spyDispatcher counts outbound dispatches.
type spyDispatcher struct {
	calls int
}

func (s *spyDispatcher) DoStream(context.Context, string, string, http.Header, io.Reader) (*model.ForwardResponse, error) {
	s.calls++
	return &model.ForwardResponse{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader("")),
	}, nil
}

func TestProxyHandler_MalformedTarget(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"missing u", "/proxy?app=test"},
		{"not a url", "/proxy?u=not%20a%20url"},
		{"bad scheme", "/proxy?u=ftp%3A%2F%2Fexample.com%2Ffile"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := discardLogger()
			spy := &spyDispatcher{}
			svc := service.NewForwardService(spy, testConfig(), logger)
			h := NewProxyHandler(target.NewResolver(nil), svc, nil, nil, logger)

			e := echo.New()
			req := httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(`{"x":1}`))
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			if err := h.Handle(c); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}

			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
			if spy.calls != 0 {
				t.Errorf("dispatcher calls = %d, want 0 (no outbound call for malformed target)", spy.calls)
			}

			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if body["error"] == "" {
				t.Error("expected error message in response body")
			}
		})
	}
}

func TestProxyHandler_TargetNotAllowed(t *testing.T) {
	logger := discardLogger()
	spy := &spyDispatcher{}
	svc := service.NewForwardService(spy, testConfig(), logger)
	h := NewProxyHandler(target.NewResolver([]string{"api.example.com"}), svc, nil, nil, logger)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, proxyPath("https://evil.example.net/v1", "test"), http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}
	if spy.calls != 0 {
		t.Errorf("dispatcher calls = %d, want 0", spy.calls)
	}
}

func TestProxyHandler_UpstreamUnreachable(t *testing.T) {
	// Closed listener: nothing answers.
	dead := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	deadURL := dead.URL
	dead.Close()

	e := newGateway(t, testConfig(), nil)

	req := httptest.NewRequest(http.MethodGet, proxyPath(deadURL, "test"), http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
}

func TestProxyHandler_UpstreamTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.Forward.TimeoutSeconds = 1
	e := newGateway(t, cfg, nil)

	req := httptest.NewRequest(http.MethodGet, proxyPath(upstream.URL, "test"), http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusGatewayTimeout)
	}
}

func TestProxyHandler_ErrorStatusRelayedVerbatim(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer upstream.Close()

	e := newGateway(t, testConfig(), nil)

	req := httptest.NewRequest(http.MethodGet, proxyPath(upstream.URL, "test"), http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want upstream's %d relayed", rec.Code, http.StatusTooManyRequests)
	}
	if rec.Body.String() != `{"error":"rate limited"}` {
		t.Errorf("body = %q, want upstream body relayed", rec.Body.String())
	}
}

func TestProxyHandler_StreamsIncrementally(t *testing.T) {
	chunks := []string{"data: one\n\n", "data: two\n\n", "data: three\n\n"}

	proceed := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for i, chunk := range chunks {
			_, _ = io.WriteString(w, chunk)
			fl.Flush()
			if i < len(chunks)-1 {
				// Hold the stream open until the caller has observed this
				// chunk; a buffering relay deadlocks here.
				<-proceed
			}
		}
	}))
	defer upstream.Close()

	gw := httptest.NewServer(newGateway(t, testConfig(), nil))
	defer gw.Close()

	resp, err := http.Get(gw.URL + proxyPath(upstream.URL, "test"))
	if err != nil {
		t.Fatalf("GET gateway: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	for i, want := range chunks {
		got := make([]byte, len(want))
		if _, err := io.ReadFull(resp.Body, got); err != nil {
			t.Fatalf("read chunk %d: %v", i+1, err)
		}
		if string(got) != want {
			t.Fatalf("chunk %d = %q, want %q", i+1, got, want)
		}
		if i < len(chunks)-1 {
			proceed <- struct{}{}
		}
	}

	if _, err := resp.Body.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("expected EOF after final chunk, got %v", err)
	}
}

func TestProxyHandler_CallerDisconnectClosesUpstream(t *testing.T) {
	upstreamReleased := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		_, _ = io.WriteString(w, "data: one\n\n")
		fl.Flush()
		<-r.Context().Done()
		close(upstreamReleased)
	}))
	defer upstream.Close()

	gw := httptest.NewServer(newGateway(t, testConfig(), nil))
	defer gw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, gw.URL+proxyPath(upstream.URL, "test"), http.NoBody)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET gateway: %v", err)
	}
	defer resp.Body.Close()

	// Receive the first chunk, then hang up.
	got := make([]byte, len("data: one\n\n"))
	if _, err := io.ReadFull(resp.Body, got); err != nil {
		t.Fatalf("read first chunk: %v", err)
	}
	cancel()

	select {
	case <-upstreamReleased:
	case <-time.After(3 * time.Second):
		t.Fatal("upstream connection not released after caller disconnect")
	}
}

func TestProxyHandler_RecordsAttribution(t *testing.T) {
	sse := "data: {\"choices\":[]}\n\n" +
		"data: {\"model\":\"gpt-4o\",\"choices\":[],\"usage\":{\"prompt_tokens\":100,\"completion_tokens\":50,\"total_tokens\":150}}\n\n" +
		"data: [DONE]\n\n"

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, sse)
	}))
	defer upstream.Close()

	store := analytics.NewMemoryStore()
	e := newGateway(t, testConfig(), store)

	req := httptest.NewRequest(http.MethodPost,
		proxyPath(upstream.URL+"/v1/chat", "acme")+"&tenId=t-1&reqId=r-9",
		strings.NewReader(`{"stream":true}`))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(store.Records()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	records := store.Records()
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}

	got := records[0]
	if got.App != "acme" {
		t.Errorf("App = %q, want %q", got.App, "acme")
	}
	if got.TenantID != "t-1" || got.RequestID != "r-9" {
		t.Errorf("TenantID/RequestID = %q/%q, want t-1/r-9", got.TenantID, got.RequestID)
	}
	if got.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", got.StatusCode)
	}
	if got.Outcome != analytics.OutcomeOK {
		t.Errorf("Outcome = %q, want %q", got.Outcome, analytics.OutcomeOK)
	}
	if got.BytesRelayed != int64(len(sse)) {
		t.Errorf("BytesRelayed = %d, want %d", got.BytesRelayed, len(sse))
	}
	if got.Model != "gpt-4o" || got.PromptTokens != 100 || got.CompletionTokens != 50 || got.TotalTokens != 150 {
		t.Errorf("usage = %s %d/%d/%d, want gpt-4o 100/50/150",
			got.Model, got.PromptTokens, got.CompletionTokens, got.TotalTokens)
	}
}

func TestProxyHandler_MalformedRecordsUnknownApp(t *testing.T) {
	logger := discardLogger()
	spy := &spyDispatcher{}
	svc := service.NewForwardService(spy, testConfig(), logger)
	store := analytics.NewMemoryStore()
	rec := analytics.NewRecorder(store, 16, logger, nil)
	h := NewProxyHandler(target.NewResolver(nil), svc, rec, nil, logger)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/proxy?u=not%20a%20url", http.NoBody)
	w := httptest.NewRecorder()
	c := e.NewContext(req, w)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	records := store.Records()
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if records[0].App != "unknown" {
		t.Errorf("App = %q, want %q", records[0].App, "unknown")
	}
	if records[0].Outcome != analytics.OutcomeMalformed {
		t.Errorf("Outcome = %q, want %q", records[0].Outcome, analytics.OutcomeMalformed)
	}
}

func TestProxyHandler_DefaultsContentType(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// Suppress Go's automatic content-type sniffing.
		w.Header()["Content-Type"] = nil
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "data: hi\n\n")
	}))
	defer upstream.Close()

	e := newGateway(t, testConfig(), nil)

	req := httptest.NewRequest(http.MethodGet, proxyPath(upstream.URL, "test"), http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type = %q, want default %q", got, "text/event-stream")
	}
}

func TestProxyHandler_HopByHopResponseHeadersStripped(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Upstream", "yes")
		w.Header().Set("Keep-Alive", "timeout=5")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	e := newGateway(t, testConfig(), nil)

	req := httptest.NewRequest(http.MethodGet, proxyPath(upstream.URL, "test"), http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Upstream"); got != "yes" {
		t.Errorf("X-Upstream = %q, want forwarded", got)
	}
	if got := rec.Header().Get("Keep-Alive"); got != "" {
		t.Errorf("Keep-Alive = %q, want stripped", got)
	}
}
