// Package middleware provides HTTP middleware for the convoflow API.
package middleware

import (
	"bufio"
	"context"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/tcmartin/convoflow/pkg/logging"
)

// Key type for context values
type contextKey string

// Context keys
const (
	TenantIDKey contextKey = "tenant_id"
)

// TenantHeader carries the tenant of every API request
const TenantHeader = "X-Tenant-ID"

// RequestIDHeader carries the request id; one is generated when absent
const RequestIDHeader = "X-Request-ID"

// Tenant is middleware that scopes requests to the tenant named by the
// X-Tenant-ID header, or the tenant_id query parameter for browser streams
func Tenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip for OPTIONS requests (CORS preflight)
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		tenantID := strings.TrimSpace(r.Header.Get(TenantHeader))
		if tenantID == "" {
			tenantID = strings.TrimSpace(r.URL.Query().Get("tenant_id"))
		}
		if tenantID == "" {
			http.Error(w, "X-Tenant-ID header required", http.StatusBadRequest)
			return
		}

		ctx := context.WithValue(r.Context(), TenantIDKey, tenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetTenantID retrieves the tenant ID from the request context
func GetTenantID(r *http.Request) (string, bool) {
	tenantID, ok := r.Context().Value(TenantIDKey).(string)
	return tenantID, ok && tenantID != ""
}

// RateLimit is middleware rejecting tenants that exceed the limiter's budget.
// It must run after Tenant.
func RateLimit(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID, ok := GetTenantID(r)
			if !ok || limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			if !limiter.Allow(tenantID) {
				wait := limiter.RetryAfter(tenantID)
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CORS is middleware answering preflight requests for the allowed origins
func CORS(origins []string) func(http.Handler) http.Handler {
	allowAll := false
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowAll || allowed[origin]) {
				if allowAll {
					w.Header().Set("Access-Control-Allow-Origin", "*")
				} else {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Add("Vary", "Origin")
				}
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Tenant-ID, X-Request-ID, Authorization")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger is middleware attaching a request id to the context and
// logging every request once it completed
func RequestLogger(logger logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, requestID)
			ctx := logging.ContextWithRequestID(r.Context(), requestID)

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			logger.WithContext(ctx).Debug("Request",
				logging.F("method", r.Method),
				logging.F("path", r.URL.Path),
				logging.F("status", rec.status),
				logging.F("duration_ms", time.Since(start).Milliseconds()))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush keeps streaming responses working through the recorder
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the websocket upgrader take over the connection
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap lets http.ResponseController and the websocket upgrader reach the
// underlying writer
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// RateLimiter hands every tenant a token bucket refilled at limit tokens per
// window. Buckets of idle tenants expire.
type RateLimiter struct {
	mu       sync.Mutex
	limiters *cache.Cache
	every    rate.Limit
	burst    int
	window   time.Duration
}

// NewRateLimiter creates a rate limiter allowing limit requests per window
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit < 1 {
		limit = 1
	}
	idle := window
	if idle < 10*time.Minute {
		idle = 10 * time.Minute
	}
	return &RateLimiter{
		limiters: cache.New(idle, idle),
		every:    rate.Every(window / time.Duration(limit)),
		burst:    limit,
		window:   window,
	}
}

// Allow consumes one token of the tenant's bucket
func (r *RateLimiter) Allow(tenantID string) bool {
	return r.bucket(tenantID).Allow()
}

// RetryAfter is the time until the tenant's bucket holds a token again
func (r *RateLimiter) RetryAfter(tenantID string) time.Duration {
	reservation := r.bucket(tenantID).Reserve()
	defer reservation.Cancel()
	return reservation.Delay()
}

func (r *RateLimiter) bucket(tenantID string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	var limiter *rate.Limiter
	if cached, ok := r.limiters.Get(tenantID); ok {
		limiter = cached.(*rate.Limiter)
	} else {
		limiter = rate.NewLimiter(r.every, r.burst)
	}
	// refresh the idle expiry on every request
	r.limiters.SetDefault(tenantID, limiter)
	return limiter
}
