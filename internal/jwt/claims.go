package jwt

import (
	"slices"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4/jwt"
)

// Claims is the verified identity carried by a request. It is only ever
// constructed from a token whose signature, expiry, issuer and audience have
// been checked.
type Claims struct {
	Issuer   string
	Subject  string
	Audience []string
	Expiry   time.Time
	IssuedAt time.Time

	// Permissions combines the "permissions" array claim and the
	// space-separated "scope" claim, in order of first appearance.
	Permissions []string

	// Raw is the complete verified payload. JSON numbers are float64.
	Raw map[string]any
}

// HasPermission reports whether the permission was granted by the token.
// Permissions are compared exactly.
func (c *Claims) HasPermission(permission string) bool {
	if c == nil {
		return false
	}
	return slices.Contains(c.Permissions, permission)
}

func newClaims(registered jwt.Claims, payload map[string]any) *Claims {
	claims := &Claims{
		Issuer:      registered.Issuer,
		Subject:     registered.Subject,
		Audience:    []string(registered.Audience),
		Permissions: grantedPermissions(payload),
		Raw:         payload,
	}

	if registered.Expiry != nil {
		claims.Expiry = registered.Expiry.Time().UTC()
	}
	if registered.IssuedAt != nil {
		claims.IssuedAt = registered.IssuedAt.Time().UTC()
	}

	return claims
}

// grantedPermissions reads the permissions granted by the token. Values of
// an unexpected type are ignored.
func grantedPermissions(payload map[string]any) []string {
	permissions := []string{}
	seen := map[string]bool{}

	add := func(p string) {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			return
		}
		seen[p] = true
		permissions = append(permissions, p)
	}

	if values, ok := payload["permissions"].([]any); ok {
		for _, v := range values {
			if s, ok := v.(string); ok {
				add(s)
			}
		}
	}

	if scope, ok := payload["scope"].(string); ok {
		for _, s := range strings.Fields(scope) {
			add(s)
		}
	}

	return permissions
}
