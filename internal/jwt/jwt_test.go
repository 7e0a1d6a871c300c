package jwt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwtmiddleware "github.com/auth0/go-jwt-middleware/v2"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/jamestelfer/tollgate/internal/audit"
	"github.com/jamestelfer/tollgate/internal/testhelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddleware(t *testing.T) {
	jwk := testhelpers.GenerateJWK(t, "key-1")
	verifier := newTestVerifier(t, staticKeys(jwk), 0)

	validToken := testhelpers.SignToken(t, jwk, validClaims(), map[string]any{"scope": "read"})
	expiredToken := testhelpers.SignToken(t, jwk, with(func(c *jwt.Claims) {
		c.Expiry = jwt.NewNumericDate(testNow.Add(-time.Minute))
	}))

	testCases := []struct {
		name            string
		authorization   string
		wantStatusCode  int
		wantChallenge   string
		wantAuthFailure string
	}{
		{
			name:           "valid token",
			authorization:  "Bearer " + validToken,
			wantStatusCode: http.StatusOK,
		},
		{
			name:           "scheme is case insensitive",
			authorization:  "bearer " + validToken,
			wantStatusCode: http.StatusOK,
		},
		{
			name:            "no authorization header",
			wantStatusCode:  http.StatusUnauthorized,
			wantChallenge:   "Bearer",
			wantAuthFailure: ErrMissingToken.Error(),
		},
		{
			name:            "basic authorization",
			authorization:   "Basic dXNlcjpwYXNz",
			wantStatusCode:  http.StatusUnauthorized,
			wantChallenge:   "Bearer",
			wantAuthFailure: ErrMissingToken.Error(),
		},
		{
			name:            "bearer without a token",
			authorization:   "Bearer",
			wantStatusCode:  http.StatusUnauthorized,
			wantChallenge:   "Bearer",
			wantAuthFailure: ErrMissingToken.Error(),
		},
		{
			name:            "expired token",
			authorization:   "Bearer " + expiredToken,
			wantStatusCode:  http.StatusUnauthorized,
			wantChallenge:   `Bearer error="invalid_token"`,
			wantAuthFailure: ErrExpiredToken.Error(),
		},
		{
			name:            "garbage token",
			authorization:   "Bearer not-a-token",
			wantStatusCode:  http.StatusUnauthorized,
			wantChallenge:   `Bearer error="invalid_token"`,
			wantAuthFailure: ErrMalformedToken.Error(),
		},
	}

	for _, test := range testCases {
		t.Run(test.name, func(t *testing.T) {
			testhelpers.SetupLogger(t)

			var captured *Claims
			successHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				captured = RequireClaimsFromContext(r.Context())
				w.WriteHeader(http.StatusOK)
			})

			ctx, entry := audit.Context(context.Background())

			request := httptest.NewRequest(http.MethodGet, "/documents/1", nil).WithContext(ctx)
			if test.authorization != "" {
				request.Header.Set("Authorization", test.authorization)
			}

			responseRecorder := httptest.NewRecorder()

			handler := Middleware(verifier)(successHandler)
			handler.ServeHTTP(responseRecorder, request)

			assert.Equal(t, test.wantStatusCode, responseRecorder.Code)

			if test.wantStatusCode == http.StatusOK {
				require.NotNil(t, captured)
				assert.Equal(t, "user-1", captured.Subject)
				assert.Equal(t, []string{"read"}, captured.Permissions)
				assert.True(t, entry.Authorized)
				assert.Empty(t, responseRecorder.Header().Get("WWW-Authenticate"))
				return
			}

			assert.Nil(t, captured, "handler must not be called")
			assert.False(t, entry.Authorized)
			assert.Equal(t, test.wantChallenge, responseRecorder.Header().Get("WWW-Authenticate"))
			assert.Contains(t, entry.AuthFailure, test.wantAuthFailure)

			// the reason never reaches the client
			assert.Equal(t, "Unauthorized\n", responseRecorder.Body.String())
		})
	}
}

func TestMiddleware_CustomErrorHandler(t *testing.T) {
	verifier := newTestVerifier(t, staticKeys(), 0)

	var called bool
	custom := jwtmiddleware.WithErrorHandler(func(w http.ResponseWriter, r *http.Request, err error) {
		called = true
		w.WriteHeader(http.StatusTeapot)
	})

	request := httptest.NewRequest(http.MethodGet, "/", nil)
	responseRecorder := httptest.NewRecorder()

	Middleware(verifier, custom)(http.NotFoundHandler()).ServeHTTP(responseRecorder, request)

	assert.True(t, called)
	assert.Equal(t, http.StatusTeapot, responseRecorder.Code)
}

func TestContextClaims(t *testing.T) {
	cases := []struct {
		name   string
		claims *Claims
	}{
		{
			name: "no claims",
		},
		{
			name:   "empty claims",
			claims: &Claims{},
		},
		{
			name: "registered claims",
			claims: &Claims{
				Audience: []string{"audience"},
				Subject:  "subject",
				Issuer:   "issuer",
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := ContextWithClaims(context.Background(), tc.claims)
			actual := ClaimsFromContext(ctx)
			assert.Equal(t, tc.claims, actual)
		})
	}
}

func TestRequireClaimsFromContext(t *testing.T) {
	assert.PanicsWithValue(t, "token claims not present in context, likely used outside of the JWT middleware", func() {
		RequireClaimsFromContext(context.Background())
	})

	expected := &Claims{Subject: "subject"}
	ctx := ContextWithClaims(context.Background(), expected)

	assert.Same(t, expected, RequireClaimsFromContext(ctx))
}

func TestHasPermission(t *testing.T) {
	claims := &Claims{Permissions: []string{"read:documents", "write:documents"}}

	assert.True(t, claims.HasPermission("read:documents"))
	assert.False(t, claims.HasPermission("Read:Documents"))
	assert.False(t, claims.HasPermission("delete:documents"))

	var none *Claims
	assert.False(t, none.HasPermission("read:documents"))
}

func TestGrantedPermissions(t *testing.T) {
	cases := []struct {
		name     string
		payload  map[string]any
		expected []string
	}{
		{
			name:     "none",
			payload:  map[string]any{},
			expected: []string{},
		},
		{
			name:     "permissions array",
			payload:  map[string]any{"permissions": []any{"read", "write"}},
			expected: []string{"read", "write"},
		},
		{
			name:     "scope string",
			payload:  map[string]any{"scope": " read  write "},
			expected: []string{"read", "write"},
		},
		{
			name:     "merged without duplicates",
			payload:  map[string]any{"permissions": []any{"write", "read", "write"}, "scope": "admin read"},
			expected: []string{"write", "read", "admin"},
		},
		{
			name:     "values of the wrong type are ignored",
			payload:  map[string]any{"permissions": []any{"read", 42, ""}, "scope": []any{"write"}},
			expected: []string{"read"},
		},
		{
			name:     "permissions not an array",
			payload:  map[string]any{"permissions": "read write"},
			expected: []string{},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, grantedPermissions(tc.payload))
		})
	}
}
