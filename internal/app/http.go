package app

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/cam3ron2/devpulse/internal/telemetry"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Routes are the handlers mounted by NewHTTPHandler. Nil handlers answer 404.
type Routes struct {
	Metrics     http.Handler
	Health      http.Handler
	Webhook     http.Handler
	Realtime    http.Handler
	Analyze     http.Handler
	Acknowledge http.Handler

	// APIAuth guards every /api route.
	APIAuth func(http.Handler) http.Handler
	// AnalyzeLimit throttles the analysis trigger after authentication.
	AnalyzeLimit func(http.Handler) http.Handler
}

// NewHTTPHandler wires every endpoint on a single router.
func NewHTTPHandler(routes Routes) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	traceMode := telemetry.TraceMode()
	router.Handle("/metrics", wrapHTTPHandler(traceMode, "metrics", routes.Metrics))
	router.Handle("/livez", wrapHTTPHandler(traceMode, "livez", routes.Health))
	router.Handle("/readyz", wrapHTTPHandler(traceMode, "readyz", routes.Health))
	router.Handle("/healthz", wrapHTTPHandler(traceMode, "healthz", routes.Health))
	router.Handle("/webhooks/github", wrapHTTPHandler(traceMode, "webhook", routes.Webhook))
	router.Handle("/ws", wrapHTTPHandler(traceMode, "realtime", routes.Realtime))

	router.Route("/api", func(api chi.Router) {
		if routes.APIAuth != nil {
			api.Use(routes.APIAuth)
		}
		analyze := wrapHTTPHandler(traceMode, "analyze", routes.Analyze)
		if routes.AnalyzeLimit != nil {
			analyze = routes.AnalyzeLimit(analyze)
		}
		api.Method(http.MethodPost, "/repos/{owner}/{repo}/analyze", analyze)
		api.Method(http.MethodPost, "/alerts/triggers/{id}/acknowledge", wrapHTTPHandler(traceMode, "acknowledge", routes.Acknowledge))
	})
	return router
}

func wrapHTTPHandler(traceMode, route string, handler http.Handler) http.Handler {
	if handler == nil {
		handler = http.NotFoundHandler()
	}
	if strings.EqualFold(strings.TrimSpace(traceMode), "off") {
		return handler
	}

	operation := strings.TrimSpace(route)
	if operation == "" {
		operation = "handler"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := otel.Tracer("devpulse/internal/app").Start(
			r.Context(),
			"http.server."+operation,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			),
		)
		defer span.End()

		recorder := &statusCapturingResponseWriter{
			ResponseWriter: w,
			status:         http.StatusOK,
		}
		handler.ServeHTTP(recorder, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", recorder.status))
		if recorder.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(recorder.status))
			return
		}
		span.SetStatus(codes.Ok, "request completed")
	})
}

type statusCapturingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusCapturingResponseWriter) WriteHeader(statusCode int) {
	w.status = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Hijack lets the websocket handshake take over the connection through the recorder.
func (w *statusCapturingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}

func (w *statusCapturingResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
