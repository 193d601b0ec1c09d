package api

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"dead-mans-switch/internal/core"
	"dead-mans-switch/internal/crypto"
)

// Headers of a signed request
const (
	HeaderIdentity  = "X-DMS-Identity"
	HeaderTimestamp = "X-DMS-Timestamp"
	HeaderSignature = "X-DMS-Signature"
	HeaderNonce     = "X-DMS-Nonce"
	HeaderRequestID = "X-Request-ID"
)

// Caller returns the authenticated identity, empty on open routes.
func Caller(ctx context.Context) core.Identity {
	id, _ := ctx.Value(callerKey).(core.Identity)
	return id
}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" || len(id) > 128 {
			id = newRequestID()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// authenticate checks the request signature and puts the signer in the
// request context. The whole body is read here so that the handler sees
// exactly the bytes that were signed.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := core.Identity(r.Header.Get(HeaderIdentity))
		pub, err := crypto.ParseIdentity(identity)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "BAD_IDENTITY", err.Error())
			return
		}

		ts, err := strconv.ParseInt(r.Header.Get(HeaderTimestamp), 10, 64)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "BAD_TIMESTAMP", "missing or malformed timestamp")
			return
		}
		// Let's try to prevent replay attacks
		if h.now().Sub(time.Unix(ts, 0)).Abs() > h.maxSkew {
			writeError(w, r, http.StatusUnauthorized, "BAD_TIMESTAMP", "timestamp outside the accepted window")
			return
		}

		nonce := r.Header.Get(HeaderNonce)
		if !validNonce(nonce) {
			writeError(w, r, http.StatusUnauthorized, "BAD_NONCE", "missing or malformed nonce")
			return
		}

		sig, err := hex.DecodeString(r.Header.Get(HeaderSignature))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "BAD_SIGNATURE", "malformed signature")
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			if isBodyTooLarge(err) {
				writeError(w, r, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", err.Error())
				return
			}
			writeError(w, r, http.StatusBadRequest, "BAD_BODY", err.Error())
			return
		}

		if err := crypto.VerifyRequest(h.verifier, pub, r.Method, r.URL.Path, ts, nonce, body, sig); err != nil {
			h.logger.WarnContext(r.Context(), "rejected request signature",
				"request_id", RequestID(r.Context()), "identity", identity, "path", r.URL.Path)
			writeError(w, r, http.StatusUnauthorized, "BAD_SIGNATURE", err.Error())
			return
		}
		// A valid signature is accepted once
		if !h.replays.firstSeen(string(identity) + ":" + hex.EncodeToString(sig)) {
			h.logger.WarnContext(r.Context(), "rejected replayed request",
				"request_id", RequestID(r.Context()), "identity", identity, "path", r.URL.Path)
			writeError(w, r, http.StatusUnauthorized, "REPLAYED", "request already processed")
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey, identity)))
	})
}

// validNonce accepts 16 to 128 characters of [A-Za-z0-9_-], a uuid fits.
func validNonce(n string) bool {
	if len(n) < 16 || len(n) > 128 {
		return false
	}
	for _, c := range n {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

// replayCache remembers accepted signatures for twice the timestamp window,
// long enough that a request is stale before it is forgotten.
type replayCache struct {
	mu   sync.Mutex
	seen *expirable.LRU[string, struct{}]
}

func newReplayCache(size int, ttl time.Duration) *replayCache {
	return &replayCache{seen: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

// firstSeen records key and reports whether it was new.
func (c *replayCache) firstSeen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen.Contains(key) {
		return false
	}
	c.seen.Add(key, struct{}{})
	return true
}

// rateLimiter hands out one token bucket per client: the signer on signed
// routes, the remote host otherwise. Buckets of idle clients are evicted.
type rateLimiter struct {
	mu      sync.Mutex
	buckets *lru.Cache[string, *rate.Limiter]
	limit   rate.Limit
	burst   int
}

func newRateLimiter(perSecond float64, burst int) (*rateLimiter, error) {
	buckets, err := lru.New[string, *rate.Limiter](8192)
	if err != nil {
		return nil, err
	}
	return &rateLimiter{buckets: buckets, limit: rate.Limit(perSecond), burst: burst}, nil
}

func (l *rateLimiter) allow(key string) bool {
	l.mu.Lock()
	b, ok := l.buckets.Get(key)
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets.Add(key, b)
	}
	l.mu.Unlock()
	return b.Allow()
}

func (h *Handler) limit(next http.Handler) http.Handler {
	if h.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := string(Caller(r.Context()))
		if key == "" {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			key = "ip:" + host
		}
		if !h.limiter.allow(key) {
			writeError(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// observe logs every request and counts it by route and status.
func (h *Handler) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		h.requests.Add(r.Context(), 1, metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("route", route),
			attribute.Int("status", status),
		))
		h.logger.LogAttrs(r.Context(), slog.LevelDebug, "request",
			slog.String("request_id", RequestID(r.Context())),
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", status),
			slog.Duration("duration", time.Since(start)),
		)
	})
}
