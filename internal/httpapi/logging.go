package httpapi

import (
	"expvar"
	"log"
	"net/http"
	"strings"
	"time"
)

var (
	requestsTotal  = expvar.NewInt("requests_total")
	requestsErrors = expvar.NewInt("requests_errors_total")
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		writer := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(writer, r)
		duration := time.Since(start)
		requestsTotal.Add(1)
		if writer.status >= http.StatusBadRequest {
			requestsErrors.Add(1)
		}
		staff := strings.TrimSpace(r.Header.Get("X-Acting-Staff"))
		requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		log.Printf("request method=%s path=%s status=%d duration_ms=%d staff=%q request_id=%s", r.Method, r.URL.Path, writer.status, duration.Milliseconds(), staff, requestID)
	})
}
