package middleware

import (
	"log/slog"
	"net/http"

	"github.com/phrazzld/taskpipe/internal/api/shared"
	"github.com/phrazzld/taskpipe/internal/platform/logger"
)

// NewTraceMiddleware adds a trace ID to the request context and response
// headers, and stores a request-scoped logger carrying it.
// It should be applied early in the chain so later handlers see both.
func NewTraceMiddleware(base *slog.Logger) func(http.Handler) http.Handler {
	if base == nil {
		base = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := shared.SetTraceID(r.Context())
			traceID := shared.GetTraceID(ctx)

			log := base.With("trace_id", traceID)
			log.Debug("request started",
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr)

			w.Header().Set(shared.TraceIDHeader, traceID)
			next.ServeHTTP(w, r.WithContext(logger.WithLogger(ctx, log)))
		})
	}
}
