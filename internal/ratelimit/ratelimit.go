package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// NewRedisLimiter builds a limiter with a Redis-backed sliding window.
func NewRedisLimiter(rdb *redis.Client, prefix string, max int64, window time.Duration) (*limiter.Limiter, error) {
	store, err := limiterredis.NewStoreWithOptions(rdb, limiter.StoreOptions{
		Prefix: prefix,
	})
	if err != nil {
		return nil, err
	}
	return limiter.New(store, limiter.Rate{Period: window, Limit: max}), nil
}

// Handler enforces a per-key request rate before delegating downstream.
// Limiter errors fail open so a Redis outage does not take the API down.
type Handler struct {
	Limiter *limiter.Limiter
	Key     func(*http.Request) string
	OnError func(error)
}

// Middleware applies the rate limit and sets standard X-RateLimit headers.
func (h Handler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Limiter == nil || h.Key == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := h.Key(r)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		res, err := h.Limiter.Get(r.Context(), key)
		if err != nil {
			if h.OnError != nil {
				h.OnError(err)
			}
			next.ServeHTTP(w, r)
			return
		}

		hdr := w.Header()
		hdr.Set("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
		hdr.Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
		hdr.Set("X-RateLimit-Reset", strconv.FormatInt(res.Reset, 10))

		if res.Reached {
			retryAfter := res.Reset - time.Now().Unix()
			if retryAfter < 0 {
				retryAfter = 0
			}
			hdr.Set("Retry-After", strconv.FormatInt(retryAfter, 10))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}
