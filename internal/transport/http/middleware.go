package transporthttp

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"example.com/tlsreporting/internal/apierror"
	"example.com/tlsreporting/internal/logging"

	"github.com/charmbracelet/log"
)

// BodyLimit limits request bodies to maxBytes.
func BodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxBytes > 0 {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireContentType rejects POST bodies whose media type is not listed.
// A missing Content-Type is accepted as a raw upload.
func RequireContentType(allowed ...string) func(http.Handler) http.Handler {
	set := make(map[string]struct{}, len(allowed))
	additional := make([]any, len(allowed))
	for i, a := range allowed {
		set[a] = struct{}{}
		additional[i] = a
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ct := r.Header.Get("Content-Type")
			if r.Method == http.MethodPost && ct != "" {
				mt, _, err := mime.ParseMediaType(ct)
				if _, ok := set[strings.ToLower(mt)]; err != nil || !ok {
					WriteError(w, apierror.New(apierror.KindUnsupportedMediaType, fmt.Errorf("content type %q", ct), additional...))
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// APIKeyAuth allows an optional list of API keys; if the list is empty, auth is bypassed.
// Keys are expected in header: X-API-Key.
func APIKeyAuth(allowed map[string]struct{}) func(http.Handler) http.Handler {
	if len(allowed) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if _, ok := allowed[key]; !ok {
				WriteError(w, apierror.New(apierror.KindUnauthorized, nil))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Simple global token bucket shared by all requests of the wrapped route.
type rateState struct {
	mu             sync.Mutex
	tokens         float64
	lastRefillNano int64
}

func RateLimitPerMinute(limitPerMin int, clock func() time.Time) func(http.Handler) http.Handler {
	if limitPerMin <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	state := &rateState{tokens: float64(limitPerMin), lastRefillNano: clock().UnixNano()}
	capacity := float64(limitPerMin)
	refillPerSec := float64(limitPerMin) / 60.0

	take := func() bool {
		state.mu.Lock()
		defer state.mu.Unlock()
		now := clock()
		elapsed := float64(now.UnixNano()-state.lastRefillNano) / 1e9
		state.lastRefillNano = now.UnixNano()

		state.tokens += elapsed * refillPerSec
		if state.tokens > capacity {
			state.tokens = capacity
		}
		if state.tokens < 1.0 {
			return false
		}
		state.tokens -= 1.0
		return true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !take() {
				w.Header().Set("Retry-After", "3")
				WriteError(w, apierror.New(apierror.KindTooManyRequests, nil))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// RequestLogger logs method, path, status and duration of every request.
func RequestLogger(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)
			logger.Info("http",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rw.status,
				"duration", time.Since(start),
				"remote", r.RemoteAddr,
			)
		})
	}
}

// Recover turns handler panics into an InternalServerError response.
func Recover(reporter logging.ErrReporter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				p := recover()
				if p == nil {
					return
				}
				if p == http.ErrAbortHandler {
					panic(p)
				}
				err := fmt.Errorf("panic: %v", p)
				reporter.Report(err, logging.Options{
					Tags: map[string]string{"method": r.Method, "path": r.URL.Path},
					Msg:  "handler panicked",
				})
				WriteError(w, apierror.New(apierror.KindInternal, err))
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// DrainBody fully reads and closes request bodies (handler helper).
func DrainBody(r *http.Request) {
	if r.Body != nil {
		_, _ = io.Copy(io.Discard, r.Body)
		_ = r.Body.Close()
	}
}
