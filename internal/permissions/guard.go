package permissions

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/jamestelfer/tollgate/internal/audit"
	"github.com/jamestelfer/tollgate/internal/jwt"
	"github.com/rs/zerolog"
)

var (
	ErrUnauthenticated = errors.New("request has no verified token claims")
	ErrForbidden       = errors.New("required permissions not granted")
)

// Check passes if the claims grant every required permission. An empty
// requirement always passes, even without claims.
func Check(claims *jwt.Claims, required []string) error {
	if len(required) == 0 {
		return nil
	}

	if claims == nil {
		return ErrUnauthenticated
	}

	var missing []string
	for _, p := range required {
		if !claims.HasPermission(p) {
			missing = append(missing, p)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrForbidden, strings.Join(missing, ", "))
	}

	return nil
}

// Guard returns middleware that requires the given permissions from the
// claims set by the JWT middleware.
func Guard(required ...string) func(http.Handler) http.Handler {
	required = normalize(required)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !allow(w, r, required) {
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// allow checks the requirement for the request, writing the rejection
// response when it fails.
func allow(w http.ResponseWriter, r *http.Request, required []string) bool {
	ctx := r.Context()
	claims := jwt.ClaimsFromContext(ctx)

	entry := audit.Log(ctx)
	entry.RequiredPermissions = required
	if claims != nil {
		entry.GrantedPermissions = claims.Permissions
	}

	err := Check(claims, required)
	if err == nil {
		return true
	}

	zerolog.Ctx(ctx).Warn().
		Err(err).
		Str("route", r.Pattern).
		Strs("required", required).
		Msg("permission check failed")

	if entry.Error == "" {
		entry.Error = err.Error()
	}

	if errors.Is(err, ErrUnauthenticated) {
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return false
	}

	http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	return false
}

// normalize trims the permissions, dropping blanks and duplicates. The result
// is never nil.
func normalize(permissions []string) []string {
	result := make([]string, 0, len(permissions))
	seen := make(map[string]bool, len(permissions))

	for _, p := range permissions {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		result = append(result, p)
	}

	return result
}
