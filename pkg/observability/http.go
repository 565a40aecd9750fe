package observability

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// statusRecorder captures the response status code for logging and metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// HTTPMiddleware wraps an HTTP handler with request ID propagation,
// structured logging, and Prometheus metrics.
func HTTPMiddleware(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ctx := r.Context()
		if id := r.Header.Get(RequestIDHeaderKey); id != "" {
			ctx = WithRequestID(ctx, id)
		}
		ctx, requestID := EnsureRequestID(ctx)
		w.Header().Set(RequestIDHeaderKey, requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		duration := time.Since(start)
		RPCRequestsTotal.WithLabelValues(r.URL.Path, http.StatusText(rec.status)).Inc()
		RPCRequestDurationSeconds.WithLabelValues(r.URL.Path).Observe(duration.Seconds())

		logger.Debug("Handled request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", duration),
		)
	})
}
