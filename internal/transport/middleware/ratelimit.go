package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/frahmantamala/pixflow/internal"
	"github.com/frahmantamala/pixflow/internal/transport"
)

// RateLimitByMerchant allows at most requests per window for each merchant.
// It must run after authentication; unauthenticated requests are keyed by
// client IP. A non-positive limit disables it.
func RateLimitByMerchant(requests int, window time.Duration, logger *slog.Logger) func(http.Handler) http.Handler {
	if requests <= 0 || window <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	base := transport.NewBaseHandler(logger)
	return httprate.Limit(requests, window,
		httprate.WithKeyFuncs(merchantKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			logger.Warn("rate limit exceeded",
				"path", r.URL.Path,
				"merchant_id", merchantOf(r))
			base.HandleError(w, r, internal.ErrRateLimited)
		}),
	)
}

func merchantKey(r *http.Request) (string, error) {
	if id := merchantOf(r); id != "" {
		return "merchant:" + id, nil
	}
	return httprate.KeyByIP(r)
}

func merchantOf(r *http.Request) string {
	if p, ok := internal.PrincipalFromContext(r.Context()); ok {
		return p.MerchantID
	}
	return ""
}
