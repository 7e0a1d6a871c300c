package jwt

import "errors"

// Verification failures. Callers must not return these to clients: the
// distinction is for logs and audit records only.
var (
	ErrMissingToken         = errors.New("no bearer token supplied")
	ErrMalformedToken       = errors.New("token is malformed")
	ErrUnsupportedAlgorithm = errors.New("token signing algorithm is not allowed")
	ErrKeyResolutionFailed  = errors.New("token signing key could not be resolved")
	ErrSignatureInvalid     = errors.New("token signature is invalid")
	ErrExpiredToken         = errors.New("token has expired")
	ErrTokenNotYetValid     = errors.New("token is not yet valid")
	ErrIssuerMismatch       = errors.New("token issuer is not trusted")
	ErrAudienceMismatch     = errors.New("token audience does not include this service")
)
