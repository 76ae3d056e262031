package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	amzaerrors "github.com/devrev/amza/internal/errors"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ContextKey is a type for context keys.
type ContextKey string

// RequestIDKey is the context key for request ID.
const RequestIDKey ContextKey = "request_id"

const requestIDHeader = "X-Request-ID"

// RequestID adds a unique request ID to each request.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
			r.Header.Set(requestIDHeader, requestID)
		}
		w.Header().Set(requestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), RequestIDKey, requestID)))
	})
}

// routeFields turns the matched route's member, ring and partition into log fields.
func routeFields(r *http.Request) []zap.Field {
	vars := mux.Vars(r)
	var fields []zap.Field
	for _, name := range []string{"member", "ring", "partition"} {
		if v, ok := vars[name]; ok {
			fields = append(fields, zap.String(name, v))
		}
	}
	return fields
}

// Logging logs one line per request. Successful replication requests go to
// debug since every member long polls every neighbour.
func Logging(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			log := logger.Info
			if isReplicationPath(r.URL.Path) && rw.statusCode < http.StatusBadRequest {
				log = logger.Debug
			}
			fields := append(routeFields(r),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.statusCode),
				zap.Int64("bytes", rw.written),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", r.Header.Get(requestIDHeader)),
				zap.String("remote_addr", r.RemoteAddr),
			)
			log("HTTP request", fields...)
		})
	}
}

// Recovery turns a handler panic into an internal error response. A panic
// after a stream has started only aborts the connection.
func Recovery(errs *ErrorHandler, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			defer func() {
				p := recover()
				if p == nil {
					return
				}
				if p == http.ErrAbortHandler {
					panic(p)
				}
				logger.Error("Panic recovered",
					append(routeFields(r),
						zap.Any("panic", p),
						zap.String("request_id", r.Header.Get(requestIDHeader)),
						zap.String("path", r.URL.Path))...)
				if rw.wrote {
					panic(http.ErrAbortHandler)
				}
				errs.HandleError(rw, r, amzaerrors.InternalError(fmt.Sprintf("panic: %v", p), nil))
			}()
			next.ServeHTTP(rw, r)
		})
	}
}

// RingLimiter rate limits client requests per ring, so one busy ring cannot
// starve the others.
type RingLimiter struct {
	limit  rate.Limit
	burst  int
	errs   *ErrorHandler
	logger *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRingLimiter allows requestsPerSecond per ring with the given burst.
func NewRingLimiter(requestsPerSecond float64, burst int, errs *ErrorHandler, logger *zap.Logger) *RingLimiter {
	return &RingLimiter{
		limit:    rate.Limit(requestsPerSecond),
		burst:    max(burst, 1),
		errs:     errs,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (rl *RingLimiter) limiter(ring string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[ring]
	if !ok {
		l = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters[ring] = l
	}
	return l
}

// Limit rejects requests over the ring's rate with 429.
func (rl *RingLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ring := mux.Vars(r)["ring"]
		if !rl.limiter(ring).Allow() {
			rl.logger.Warn("Rate limit exceeded",
				zap.String("ring", ring),
				zap.String("request_id", r.Header.Get(requestIDHeader)),
				zap.String("remote_addr", r.RemoteAddr))
			w.Header().Set("Retry-After", "1")
			rl.errs.WriteErrorResponse(w, http.StatusTooManyRequests, ErrorResponse{
				ErrorCode: "ResourceExhausted",
				Message:   "rate limit exceeded for ring " + ring,
				RequestID: r.Header.Get(requestIDHeader),
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// responseWriter records the status and byte count of a response.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
	wrote      bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wrote {
		rw.statusCode = code
		rw.wrote = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wrote = true
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the connection for flushes and
// write deadlines on streaming endpoints.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Chain applies middlewares so the first one is outermost.
func Chain(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}
