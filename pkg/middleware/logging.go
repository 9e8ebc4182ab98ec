// Package middleware provides HTTP middleware for the pipeline's raw
// endpoints, such as the Prometheus scrape handler.
//
// Encore generates typed APIs with their own tracing; these helpers cover the
// raw http.Handler surface that bypasses that layer:
//   - Structured request logging with timing and correlation IDs
//   - Token-bucket rate limiting, per client key or global
//
// Correlation IDs arrive via the X-Request-ID header or are generated, and
// propagate through the request context so downstream code can tag its own
// log lines with them.
package middleware

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// contextKey avoids collisions with other packages' context values.
type contextKey string

const requestIDKey contextKey = "request-id"

// RequestLogger logs each request as a structured JSON line: request ID,
// method, path, status, response size, and duration. Log level follows the
// status class: Info for success, Warn for 4xx, Error for 5xx.
//
// Example usage:
//
//	handler := RequestLogger(mux)
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		r = r.WithContext(ctx)

		// Echo the ID so clients can correlate their own logs
		w.Header().Set("X-Request-ID", requestID)

		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK, // Default when WriteHeader is never called
		}

		next.ServeHTTP(wrapped, r)

		logRequest(requestID, r, wrapped.statusCode, wrapped.bytesWritten, time.Since(start))
	})
}

// WithRequestID adds a request ID to the context. Useful for manually
// propagating IDs outside the HTTP path.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromCtx retrieves the request ID from the context, or "" if none
// was set.
func RequestIDFromCtx(ctx context.Context) string {
	if requestID, ok := ctx.Value(requestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// generateRequestID creates a new UUID v4 request ID.
func generateRequestID() string {
	return uuid.New().String()
}

// logRequest writes one structured JSON log entry for a finished request.
func logRequest(requestID string, r *http.Request, statusCode int, bytesWritten int, duration time.Duration) {
	logEntry := map[string]interface{}{
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"request_id":  requestID,
		"method":      r.Method,
		"path":        r.URL.Path,
		"query":       r.URL.RawQuery,
		"status":      statusCode,
		"duration_ms": duration.Milliseconds(),
		"bytes":       bytesWritten,
		"remote_addr": r.RemoteAddr,
		"user_agent":  r.UserAgent(),
	}

	data, err := json.Marshal(logEntry)
	if err != nil {
		// Fall back to plain logging if JSON marshal fails
		log.Printf("[ERROR] Failed to marshal log entry: %v", err)
		log.Printf("[%s] %s %s - %d (%dms)", requestID, r.Method, r.URL.Path, statusCode, duration.Milliseconds())
		return
	}

	switch {
	case statusCode >= 500:
		log.Printf("[ERROR] %s", string(data))
	case statusCode >= 400:
		log.Printf("[WARN] %s", string(data))
	default:
		log.Printf("[INFO] %s", string(data))
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code and
// bytes written.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// LogWithRequestID logs an application message tagged with the request ID
// from the context.
//
// Example:
//
//	LogWithRequestID(ctx, "scan window widened", map[string]interface{}{"log_type": "vpc_flow"})
func LogWithRequestID(ctx context.Context, message string, fields map[string]interface{}) {
	logEntry := map[string]interface{}{
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"request_id": RequestIDFromCtx(ctx),
		"message":    message,
	}

	for k, v := range fields {
		logEntry[k] = v
	}

	data, err := json.Marshal(logEntry)
	if err != nil {
		log.Printf("[ERROR] Failed to marshal log entry: %v", err)
		return
	}

	log.Printf("[INFO] %s", string(data))
}
