// Package ratelimit implements a fixed-window request limiter over the
// gateway's key-value store, so limits hold across instances when the store
// is shared.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	httpmiddleware "github.com/wolfeidau/toolgate/internal/http"
	"github.com/wolfeidau/toolgate/internal/kv"
	"github.com/wolfeidau/toolgate/internal/telemetry"
)

// Rule describes one bucket: at most Limit requests per Window.
type Rule struct {
	Limit  int64
	Window time.Duration
}

// Result is the outcome of an Allow check.
type Result struct {
	Allowed   bool
	Remaining int64

	// RetryAfter is how long until the current window ends. Only meaningful
	// when Allowed is false.
	RetryAfter time.Duration
}

// Limiter counts requests per bucket and subject in fixed windows aligned to
// the epoch. Store failures fail open: a broken store must not lock every
// caller out of the gateway.
type Limiter struct {
	store kv.Store
}

// New creates a limiter backed by the given store.
func New(store kv.Store) *Limiter {
	return &Limiter{store: store}
}

// Allow records one request for subject in bucket and reports whether it is
// within the rule's limit.
func (l *Limiter) Allow(ctx context.Context, bucket, subject string, rule Rule) Result {
	now := time.Now()
	window := int64(rule.Window.Seconds())
	if window <= 0 {
		window = 1
	}

	idx := now.Unix() / window
	key := kv.Key(kv.NamespaceRate, fmt.Sprintf("%s:%s:%d", bucket, subject, idx))

	// TTL slightly past the window end so a counter never outlives its
	// window by much, but also never expires while still current.
	count, err := l.store.Increment(ctx, key, 1, rule.Window+time.Minute)
	if err != nil {
		log.Warn().Err(err).Str("bucket", bucket).Msg("Rate limit store failed, allowing request")
		return Result{Allowed: true, Remaining: rule.Limit}
	}

	windowEnd := time.Unix((idx+1)*window, 0)

	if count > rule.Limit {
		return Result{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: windowEnd.Sub(now),
		}
	}

	return Result{
		Allowed:   true,
		Remaining: rule.Limit - count,
	}
}

// Middleware enforces the rule per client IP for every request passing
// through, responding 429 with a Retry-After header when the limit is hit.
// Requests must pass through ClientIPMiddleware first.
func (l *Limiter) Middleware(bucket string, rule Rule) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject := httpmiddleware.ClientIPFromContext(r.Context())
			if subject == "" {
				subject = httpmiddleware.ExtractClientIP(r)
			}

			result := l.Allow(r.Context(), bucket, subject, rule)
			if !result.Allowed {
				retryAfter := int(math.Ceil(result.RetryAfter.Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}

				log.Debug().
					Str("bucket", bucket).
					Str("subject", subject).
					Int("retry_after", retryAfter).
					Msg("Rate limit exceeded")

				telemetry.GetMetrics().RateLimitedTotal.Add(r.Context(), 1,
					metric.WithAttributes(attribute.String("bucket", bucket)))

				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, `{"error":"rate_limited","retryAfter":%d}`+"\n", retryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
