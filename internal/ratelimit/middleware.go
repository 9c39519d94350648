package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// CallerKey identifies the caller of a trigger request: a fingerprint of
// the presented credential when there is one, otherwise the remote IP.
func CallerKey(r *http.Request) string {
	cred := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	if cred == "" {
		cred = r.Header.Get("X-Cron-Secret")
	}
	if cred != "" {
		sum := sha256.Sum256([]byte(cred))
		return "token:" + hex.EncodeToString(sum[:8])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// Middleware rejects requests over quota with 429 before the handler runs.
// Keys are prefixed with scope so different quotas do not collide.
func Middleware(l *Limiter, scope string, limit int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := l.Check(r.Context(), scope+":"+CallerKey(r), limit, window)

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

			if !d.Allowed {
				h.Set("Retry-After", strconv.Itoa(int(d.RetryAfter(l.now()).Seconds())))
				h.Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				if err := json.NewEncoder(w).Encode(map[string]any{
					"error":    "rate_limited",
					"reset_at": d.ResetAt.UTC().Format(time.RFC3339),
				}); err != nil {
					zap.L().Debug("ratelimit: write response", zap.Error(err))
				}
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
