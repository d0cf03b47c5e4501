package gateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/avedran/chronicle/common/trace"
)

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// traceMiddleware attaches a trace ID to the request context, echoes it in
// the X-Trace-ID response header, and logs one line per completed request.
func traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = trace.GenerateID()
		}
		ctx := trace.WithTraceID(r.Context(), traceID)
		w.Header().Set("X-Trace-ID", traceID)

		// Websocket upgrades hijack the connection; wrapping the writer
		// would break the Hijacker interface, so skip recording for them.
		if r.Header.Get("Upgrade") == "websocket" {
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(ctx))

		slog.Debug("gateway: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"trace_id", traceID,
		)
	})
}
