package httpapi

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/example/ride-tracking/internal/observability"
)

type contextKey string

const requestKey contextKey = "request"

// requestInfo travels down the handler chain so the access log can report
// who made the request and which ride it touched.
type requestInfo struct {
	id string

	mu     sync.Mutex
	userID string
	rideID string
}

func requestFrom(ctx context.Context) *requestInfo {
	info, _ := ctx.Value(requestKey).(*requestInfo)
	return info
}

// tagRide records the ride a request acted on for the access log.
func tagRide(ctx context.Context, rideID string) {
	if info := requestFrom(ctx); info != nil && rideID != "" {
		info.mu.Lock()
		info.rideID = rideID
		info.mu.Unlock()
	}
}

func tagUser(ctx context.Context, userID string) {
	if info := requestFrom(ctx); info != nil {
		info.mu.Lock()
		info.userID = userID
		info.mu.Unlock()
	}
}

func (s *Server) registerMiddleware() {
	s.mux.Use(s.recoverMiddleware)
	s.mux.Use(s.requestIDMiddleware)
	s.mux.Use(s.observabilityMiddleware)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := context.WithValue(r.Context(), requestKey, &requestInfo{id: reqID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// observabilityMiddleware records request metrics and writes one access log
// line per request, tagged with the caller and ride when handlers set them.
func (s *Server) observabilityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)

		route := routeTemplate(r)
		code := strconv.Itoa(ww.status)
		observability.HTTPRequestsTotal.WithLabelValues(r.Method, route, code).Inc()
		observability.HTTPRequestDuration.WithLabelValues(r.Method, route, code).Observe(elapsed.Seconds())

		attrs := []any{"method", r.Method, "route", route, "status", ww.status, "duration_ms", elapsed.Milliseconds(), "remote_addr", remoteIP(r)}
		if info := requestFrom(r.Context()); info != nil {
			info.mu.Lock()
			attrs = append(attrs, "request_id", info.id)
			if info.userID != "" {
				attrs = append(attrs, "user_id", info.userID)
			}
			if info.rideID != "" {
				attrs = append(attrs, "ride_id", info.rideID)
			}
			info.mu.Unlock()
		}
		level := slog.LevelInfo
		if ww.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.logger.Log(r.Context(), level, "http_request", attrs...)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", "error", rec, "route", routeTemplate(r))
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (r *responseWriter) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func requestIDFromContext(ctx context.Context) string {
	if info := requestFrom(ctx); info != nil {
		return info.id
	}
	return ""
}

func routeTemplate(r *http.Request) string {
	if current := mux.CurrentRoute(r); current != nil {
		if tmpl, err := current.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

func remoteIP(r *http.Request) string {
	ip := r.Header.Get("X-Forwarded-For")
	if ip != "" {
		parts := strings.Split(ip, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
