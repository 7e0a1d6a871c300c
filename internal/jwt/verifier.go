package jwt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/jamestelfer/tollgate/internal/audit"
	"github.com/jamestelfer/tollgate/internal/config"
	"github.com/jamestelfer/tollgate/internal/keys"
	"github.com/rs/zerolog"
)

// allowedAlgorithms is the signing algorithm allow-list. Everything else,
// including "none" and the HMAC family, is refused before a key is looked up.
var allowedAlgorithms = []jose.SignatureAlgorithm{jose.RS256}

// KeyResolver supplies the public key for a key ID.
type KeyResolver interface {
	Key(ctx context.Context, kid string) (keys.SigningKey, error)
}

// Verifier checks bearer tokens issued by a single trusted issuer for a
// single audience. It holds no per-request state and is safe for concurrent
// use.
type Verifier struct {
	resolver KeyResolver
	issuer   string
	audience string
	skew     time.Duration
	now      func() time.Time
}

type VerifierOption func(*Verifier)

// WithClock replaces the time source used for the expiry and not-before
// checks.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		v.now = now
	}
}

func NewVerifier(cfg config.AuthorizationConfig, resolver KeyResolver, opts ...VerifierOption) (*Verifier, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("token issuer is required")
	}
	if cfg.Audience == "" {
		return nil, errors.New("token audience is required")
	}
	if resolver == nil {
		return nil, errors.New("key resolver is required")
	}

	v := &Verifier{
		resolver: resolver,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		skew:     cfg.ClockSkew(),
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(v)
	}

	return v, nil
}

// Verify checks the token and returns its claims. The checks are applied in
// order: structure, algorithm, signing key, signature, expiry (which is
// required), issuer, audience. The first failure is returned.
func (v *Verifier) Verify(ctx context.Context, token string) (*Claims, error) {
	header, err := readHeader(token)
	if err != nil {
		return nil, err
	}

	if header.Algorithm != string(jose.RS256) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, header.Algorithm)
	}

	parsed, err := jwt.ParseSigned(token, allowedAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedToken, err)
	}

	kid := parsed.Headers[0].KeyID
	if kid == "" {
		return nil, fmt.Errorf("%w: token header has no key ID", ErrKeyResolutionFailed)
	}

	key, err := v.resolver.Key(ctx, kid)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyResolutionFailed, err)
	}

	err = parsed.Claims(key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSignatureInvalid, err)
	}

	// the signature was verified above: the payload can now be decoded
	var registered jwt.Claims
	var payload map[string]any
	err = parsed.UnsafeClaimsWithoutVerification(&registered, &payload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload could not be decoded: %w", ErrMalformedToken, err)
	}

	err = v.validateTimes(registered)
	if err != nil {
		return nil, err
	}

	if registered.Issuer != v.issuer {
		return nil, fmt.Errorf("%w: %q", ErrIssuerMismatch, registered.Issuer)
	}

	if !registered.Audience.Contains(v.audience) {
		return nil, fmt.Errorf("%w: %q", ErrAudienceMismatch, []string(registered.Audience))
	}

	return newClaims(registered, payload), nil
}

func (v *Verifier) validateTimes(registered jwt.Claims) error {
	if registered.Expiry == nil {
		return fmt.Errorf("%w: token has no expiry", ErrExpiredToken)
	}

	now := v.now()

	// expiry is decided first: an expired token is reported as expired
	// whatever its other times say
	expiry := registered.Expiry.Time()
	if !now.Before(expiry.Add(v.skew)) {
		return fmt.Errorf("%w: expired at %s", ErrExpiredToken, expiry.UTC().Format(time.RFC3339))
	}

	err := registered.ValidateWithLeeway(jwt.Expected{Time: now}, v.skew)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jwt.ErrExpired):
		return fmt.Errorf("%w: expired at %s", ErrExpiredToken, registered.Expiry.Time().UTC().Format(time.RFC3339))
	case errors.Is(err, jwt.ErrNotValidYet), errors.Is(err, jwt.ErrIssuedInTheFuture):
		return fmt.Errorf("%w: %w", ErrTokenNotYetValid, err)
	default:
		return fmt.Errorf("%w: %w", ErrMalformedToken, err)
	}
}

// ValidateToken adapts Verify to the go-jwt-middleware validation function.
// The outcome is recorded on the request's audit entry, as the middleware
// reports every failure to the client in the same way.
func (v *Verifier) ValidateToken(ctx context.Context, token string) (any, error) {
	entry := audit.Log(ctx)

	claims, err := v.Verify(ctx, token)
	if err != nil {
		entry.AuthFailure = err.Error()
		zerolog.Ctx(ctx).Debug().Err(err).Msg("token verification failed")

		return nil, err
	}

	entry.Authorized = true
	entry.AuthSubject = claims.Subject
	entry.AuthIssuer = claims.Issuer
	entry.AuthAudience = claims.Audience
	entry.AuthExpirySecs = claims.Expiry.Unix()
	entry.GrantedPermissions = claims.Permissions

	return claims, nil
}

type tokenHeader struct {
	Algorithm string `json:"alg"`
	KeyID     string `json:"kid"`
}

// readHeader checks the compact serialization and decodes the protected
// header. This runs before the JOSE parser so that a structurally broken
// token is reported differently from one using a refused algorithm.
func readHeader(token string) (tokenHeader, error) {
	var header tokenHeader

	segments := strings.Split(token, ".")
	if len(segments) != 3 {
		return header, fmt.Errorf("%w: expected 3 segments, found %d", ErrMalformedToken, len(segments))
	}

	// an unsigned token has an empty signature segment: it is refused by the
	// algorithm check rather than here
	for i, segment := range segments[:2] {
		if segment == "" {
			return header, fmt.Errorf("%w: segment %d is empty", ErrMalformedToken, i+1)
		}
	}

	for i, segment := range segments {
		if _, err := base64.RawURLEncoding.DecodeString(segment); err != nil {
			return header, fmt.Errorf("%w: segment %d is not base64url encoded", ErrMalformedToken, i+1)
		}
	}

	raw, _ := base64.RawURLEncoding.DecodeString(segments[0])
	if err := json.Unmarshal(raw, &header); err != nil {
		return header, fmt.Errorf("%w: header is not a JSON object: %w", ErrMalformedToken, err)
	}

	if header.Algorithm == "" {
		return header, fmt.Errorf("%w: header has no algorithm", ErrMalformedToken)
	}

	return header, nil
}
