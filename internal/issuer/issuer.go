// Package issuer mints RS256 tokens that the gateway accepts. It is intended
// for development and testing: a production deployment trusts an external
// identity provider.
package issuer

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v4"
	"github.com/rs/zerolog"
)

const DefaultLifetime = time.Hour

// Issuer signs tokens with a single key, identified in each token by its key
// ID.
type Issuer struct {
	issuer string
	keyID  string
	method jwt.SigningMethod
	now    func() time.Time

	// signingKey returns the key argument for the signing method
	signingKey func(ctx context.Context) any
	publicKey  func(ctx context.Context) (*rsa.PublicKey, error)
}

type Option func(*Issuer)

func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		i.now = now
	}
}

// NewPEMIssuer creates an issuer signing with a PEM encoded RSA private key
// (PKCS #1 or PKCS #8).
func NewPEMIssuer(issuer, keyID string, privateKeyPEM []byte, opts ...Option) (*Issuer, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("private key could not be read: %w", err)
	}

	i := &Issuer{
		issuer:     issuer,
		keyID:      keyID,
		method:     jwt.SigningMethodRS256,
		now:        time.Now,
		signingKey: func(context.Context) any { return key },
		publicKey:  func(context.Context) (*rsa.PublicKey, error) { return &key.PublicKey, nil },
	}

	return i.apply(opts)
}

// NewKMSIssuer creates an issuer signing with an asymmetric RSA KMS key.
func NewKMSIssuer(issuer, keyID string, client KMSClient, arn string, opts ...Option) (*Issuer, error) {
	if arn == "" {
		return nil, errors.New("KMS key ARN is required")
	}

	i := &Issuer{
		issuer: issuer,
		keyID:  keyID,
		method: NewSigningMethod(client),
		now:    time.Now,
		signingKey: func(ctx context.Context) any {
			return KMSKey{Context: ctx, ARN: arn}
		},
		publicKey: func(ctx context.Context) (*rsa.PublicKey, error) {
			return kmsPublicKey(ctx, client, arn)
		},
	}

	return i.apply(opts)
}

func (i *Issuer) apply(opts []Option) (*Issuer, error) {
	for _, opt := range opts {
		opt(i)
	}

	if i.issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if i.keyID == "" {
		return nil, errors.New("key ID is required")
	}

	return i, nil
}

// Request describes the token to mint.
type Request struct {
	Subject     string
	Audience    []string
	Permissions []string
	Scopes      []string
	// Lifetime defaults to DefaultLifetime.
	Lifetime time.Duration
	// Extra claims are added to the payload, but never replace the
	// registered claims.
	Extra map[string]any
}

// Mint creates a signed token for the request.
func (i *Issuer) Mint(ctx context.Context, req Request) (string, error) {
	if req.Subject == "" {
		return "", errors.New("subject is required")
	}
	if len(req.Audience) == 0 {
		return "", errors.New("at least one audience is required")
	}

	lifetime := req.Lifetime
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}

	now := i.now()

	claims := jwt.MapClaims{}
	for k, v := range req.Extra {
		claims[k] = v
	}

	claims["iss"] = i.issuer
	claims["sub"] = req.Subject
	claims["aud"] = req.Audience
	claims["iat"] = now.Unix()
	claims["nbf"] = now.Unix()
	claims["exp"] = now.Add(lifetime).Unix()

	if len(req.Permissions) > 0 {
		claims["permissions"] = req.Permissions
	}
	if len(req.Scopes) > 0 {
		claims["scope"] = strings.Join(req.Scopes, " ")
	}

	token := jwt.NewWithClaims(i.method, claims)
	token.Header["kid"] = i.keyID

	signed, err := token.SignedString(i.signingKey(ctx))
	if err != nil {
		return "", fmt.Errorf("token signing failed: %w", err)
	}

	zerolog.Ctx(ctx).Debug().
		Str("subject", req.Subject).
		Strs("audience", req.Audience).
		Str("kid", i.keyID).
		Time("expiry", now.Add(lifetime)).
		Msg("token minted")

	return signed, nil
}

// KeySet returns the JSON Web Key Set that verifies tokens from this issuer.
func (i *Issuer) KeySet(ctx context.Context) (jose.JSONWebKeySet, error) {
	pub, err := i.publicKey(ctx)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}

	return jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{{
			Key:       pub,
			KeyID:     i.keyID,
			Algorithm: string(jose.RS256),
			Use:       "sig",
		}},
	}, nil
}
