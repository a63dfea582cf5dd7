package http

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/stocklend/locatesvc/internal/domain"
)

type contextKey string

const (
	ctxKeyRequestID contextKey = "request_id"
	ctxKeyAPIKey    contextKey = "api_key"

	headerAPIKey    = "X-API-Key"
	headerRequestID = "X-Request-ID"
)

// requestID returns the id minted for this request, or "" outside the
// middleware chain.
func requestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// callerKey returns the authenticated credential, present on every route
// behind the auth middleware.
func callerKey(ctx context.Context) (domain.APIKey, bool) {
	k, ok := ctx.Value(ctxKeyAPIKey).(domain.APIKey)
	return k, ok
}

// statusWriter captures the response code for logs and metrics. It forwards
// Hijack so the stream endpoint can still upgrade through the chain.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("http: underlying writer does not support hijacking")
	}
	return h.Hijack()
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// requestIDMiddleware mints a short id per request and echoes it back so
// clients can quote it when reporting a 5xx.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, id)
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware emits one structured line per request.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		s.log.Info().
			Str("request_id", requestID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("Request")
	})
}

// metricsMiddleware records duration and count labeled by route template,
// method and status. The template keeps ticker values out of the label set.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}

		s.metrics.InFlight.Inc()
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		s.metrics.InFlight.Dec()
		status := strconv.Itoa(sw.status)
		s.metrics.RequestDuration.WithLabelValues(route, r.Method, status).Observe(time.Since(start).Seconds())
		s.metrics.RequestsTotal.WithLabelValues(route, r.Method, status).Inc()
	})
}

// recoveryMiddleware converts handler panics into a 500 envelope instead of
// tearing down the connection.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error().
					Str("request_id", requestID(r.Context())).
					Str("path", r.URL.Path).
					Interface("panic", rec).
					Msg("Handler panicked")
				writeError(w, r, s.log, domain.E(domain.CodeInternalError, "internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// deadlineMiddleware bounds each request by the configured budget. The
// stream endpoint is routed outside this middleware; a WebSocket outlives
// any per-request deadline.
func (s *Server) deadlineMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.deadline)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authMiddleware applies the admission sequence: hash and look up the API
// key, then draw one token from the caller's bucket. Rate-limit headers go
// on every authenticated response, including denials.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := s.auth.Authenticate(r.Context(), r.Header.Get(headerAPIKey))
		if err != nil {
			writeError(w, r, s.log, err)
			return
		}

		d := s.limiter.Allow(r.Context(), key.ClientID, key.RateLimit)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.Itoa(int(d.Reset/time.Second)))
		if !d.Allowed {
			retry := int(d.RetryAfter / time.Second)
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeError(w, r, s.log, domain.E(domain.CodeRateLimitExceeded,
				"rate limit exceeded").WithDetail("retry_after_seconds", retry))
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyAPIKey, key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
