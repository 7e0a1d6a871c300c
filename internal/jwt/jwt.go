package jwt

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	jwtmiddleware "github.com/auth0/go-jwt-middleware/v2"
	"github.com/jamestelfer/tollgate/internal/audit"
	"github.com/rs/zerolog"
)

// Middleware returns HTTP middleware that requires a valid bearer token. The
// verified claims are set on the request context and can be retrieved by
// calling jwt.ClaimsFromContext(ctx).
//
// Every failure results in a 401 with a generic body. Supplied options are
// applied after the defaults, so they may replace the error handler.
func Middleware(verifier *Verifier, options ...jwtmiddleware.Option) func(http.Handler) http.Handler {
	options = append([]jwtmiddleware.Option{
		jwtmiddleware.WithErrorHandler(LogErrorHandler()),
		jwtmiddleware.WithTokenExtractor(jwtmiddleware.AuthHeaderTokenExtractor),
	}, options...)

	return jwtmiddleware.New(verifier.ValidateToken, options...).CheckJWT
}

// LogErrorHandler responds with 401 Unauthorized for every authentication
// failure, logging the reason. Token validation failures have already been
// recorded on the audit entry by the verifier.
func LogErrorHandler() jwtmiddleware.ErrorHandler {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		ctx := r.Context()
		entry := audit.Log(ctx)

		challenge := "Bearer"

		if errors.Is(err, jwtmiddleware.ErrJWTInvalid) {
			challenge = `Bearer error="invalid_token"`
		} else {
			// no token, or an Authorization header not in the bearer format
			err = fmt.Errorf("%w: %w", ErrMissingToken, err)
			entry.AuthFailure = err.Error()
		}

		zerolog.Ctx(ctx).Warn().
			Err(err).
			Str("authFailure", entry.AuthFailure).
			Msg("authentication failed")

		w.Header().Set("WWW-Authenticate", challenge)
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	}
}

// ClaimsFromContext returns the validated claims from the context as set by the
// JWT middleware. This will return nil if the context data is not set. This
// should be regarded as an error for handlers that expect the claims to be
// present.
func ClaimsFromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(jwtmiddleware.ContextKey{}).(*Claims)
	return claims
}

// RequireClaimsFromContext returns the validated claims from the context,
// panicking if they are not present. Use only in handlers that sit behind the
// JWT middleware.
func RequireClaimsFromContext(ctx context.Context) *Claims {
	claims := ClaimsFromContext(ctx)
	if claims == nil {
		panic("token claims not present in context, likely used outside of the JWT middleware")
	}

	return claims
}

// ContextWithClaims returns a new context with the given claims set, as the
// JWT middleware would.
func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, jwtmiddleware.ContextKey{}, claims)
}
