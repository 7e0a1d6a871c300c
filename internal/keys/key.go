package keys

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
)

// SigningKey is a public key from the issuer's key set, identified by the
// "kid" header of the tokens it verifies.
type SigningKey struct {
	KeyID     string
	Algorithm string
	PublicKey *rsa.PublicKey
}

// PEM encodes the public key material as a PKIX "PUBLIC KEY" block.
func (k SigningKey) PEM() ([]byte, error) {
	if k.PublicKey == nil {
		return nil, errors.New("signing key has no public key material")
	}

	der, err := x509.MarshalPKIXPublicKey(k.PublicKey)
	if err != nil {
		return nil, err
	}

	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}
