package app

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewHTTPHandler(t *testing.T) {
	t.Parallel()

	text := func(code int, body string) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(code)
			_, _ = w.Write([]byte(body))
		})
	}
	healthHandler := http.NewServeMux()
	healthHandler.Handle("/livez", text(http.StatusOK, "live"))
	healthHandler.Handle("/readyz", text(http.StatusServiceUnavailable, "not ready"))
	healthHandler.Handle("/healthz", text(http.StatusOK, `{"mode":"healthy"}`))

	requireHeader := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") == "" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
	denyAll := func(http.Handler) http.Handler {
		return text(http.StatusTooManyRequests, "limited")
	}

	handler := NewHTTPHandler(Routes{
		Metrics:      text(http.StatusOK, "metrics"),
		Health:       healthHandler,
		Webhook:      text(http.StatusAccepted, "queued"),
		Realtime:     text(http.StatusUnauthorized, "ws"),
		Acknowledge:  text(http.StatusOK, "acknowledged"),
		APIAuth:      requireHeader,
		AnalyzeLimit: denyAll,
	})

	testCases := []struct {
		method   string
		path     string
		authed   bool
		wantCode int
		wantBody string
	}{
		{method: http.MethodGet, path: "/metrics", wantCode: http.StatusOK, wantBody: "metrics"},
		{method: http.MethodGet, path: "/livez", wantCode: http.StatusOK, wantBody: "live"},
		{method: http.MethodGet, path: "/readyz", wantCode: http.StatusServiceUnavailable, wantBody: "not ready"},
		{method: http.MethodGet, path: "/healthz", wantCode: http.StatusOK, wantBody: `{"mode":"healthy"}`},
		{method: http.MethodPost, path: "/webhooks/github", wantCode: http.StatusAccepted, wantBody: "queued"},
		{method: http.MethodGet, path: "/ws", wantCode: http.StatusUnauthorized, wantBody: "ws"},
		{method: http.MethodPost, path: "/api/repos/acme/api/analyze", wantCode: http.StatusUnauthorized},
		{method: http.MethodPost, path: "/api/repos/acme/api/analyze", authed: true, wantCode: http.StatusTooManyRequests, wantBody: "limited"},
		{method: http.MethodPost, path: "/api/alerts/triggers/7/acknowledge", authed: true, wantCode: http.StatusOK, wantBody: "acknowledged"},
		{method: http.MethodGet, path: "/unknown", wantCode: http.StatusNotFound, wantBody: "404 page not found\n"},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.method+tc.path, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(tc.method, tc.path, nil)
			if tc.authed {
				req.Header.Set("Authorization", "Bearer x")
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.wantCode {
				t.Fatalf("code = %d, want %d", rec.Code, tc.wantCode)
			}
			if rec.Body.String() != tc.wantBody {
				t.Fatalf("body = %q, want %q", rec.Body.String(), tc.wantBody)
			}
		})
	}
}

func TestWrapHTTPHandlerSupportsHijack(t *testing.T) {
	t.Parallel()

	wrapped := wrapHTTPHandler("sampled", "realtime", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hijacker, ok := w.(http.Hijacker)
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		conn, buf, err := hijacker.Hijack()
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		_, _ = buf.WriteString("HTTP/1.1 204 No Content\r\nConnection: close\r\n\r\n")
		_ = buf.Flush()
	}))
	server := httptest.NewServer(wrapped)
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("Get() unexpected error: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
}

func TestWrapHTTPHandlerByTraceMode(t *testing.T) {
	t.Parallel()

	base := &staticHandler{}

	testCases := []struct {
		name        string
		traceMode   string
		wantWrapped bool
	}{
		{
			name:        "trace_off",
			traceMode:   "off",
			wantWrapped: false,
		},
		{
			name:        "trace_sampled",
			traceMode:   "sampled",
			wantWrapped: true,
		},
		{
			name:        "trace_detailed",
			traceMode:   "detailed",
			wantWrapped: true,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			wrapped := wrapHTTPHandler(tc.traceMode, "metrics", base)
			gotWrapped := wrapped != base
			if gotWrapped != tc.wantWrapped {
				t.Fatalf("wrapped = %t, want %t", gotWrapped, tc.wantWrapped)
			}
		})
	}
}

func TestWrapHTTPHandlerNilHandlerAndStatusCapture(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		traceMode string
		route     string
		handler   http.Handler
		wantCode  int
	}{
		{
			name:      "nil_handler_uses_not_found",
			traceMode: "sampled",
			route:     "metrics",
			handler:   nil,
			wantCode:  http.StatusNotFound,
		},
		{
			name:      "empty_route_defaults_operation_name",
			traceMode: "detailed",
			route:     "",
			handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			}),
			wantCode: http.StatusInternalServerError,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			wrapped := wrapHTTPHandler(tc.traceMode, tc.route, tc.handler)
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			rec := httptest.NewRecorder()
			wrapped.ServeHTTP(rec, req)
			if rec.Code != tc.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantCode)
			}
		})
	}
}

type staticHandler struct{}

func (h *staticHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}
