package auth

import (
	"net/http"

	"github.com/frahmantamala/pixflow/internal"
	"github.com/frahmantamala/pixflow/internal/transport"
	"github.com/frahmantamala/pixflow/pkg/logger"
)

// Authenticate rejects requests without a valid bearer token and stores the
// token's principal in the request context.
func Authenticate(validator *TokenValidator, base *transport.BaseHandler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := base.ExtractTokenFromHeader(r)
			if token == "" {
				base.HandleError(w, r, internal.ErrUnauthorized)
				return
			}

			claims, err := validator.Validate(token)
			if err != nil {
				base.Logger.WarnContext(r.Context(), "bearer token rejected", "error", err)
				base.HandleError(w, r, err)
				return
			}

			p := claims.Principal()
			ctx := internal.ContextWithPrincipal(r.Context(), p)
			ctx = logger.With(ctx, "merchant_id", p.MerchantID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
