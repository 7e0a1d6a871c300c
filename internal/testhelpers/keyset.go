package testhelpers

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/require"
)

const KeySetPath = "/.well-known/jwks.json"

// GenerateJWK creates an RS256 private key with the given key ID.
func GenerateJWK(t *testing.T, kid string) *jose.JSONWebKey {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err, "failed to generate private key")

	return &jose.JSONWebKey{
		Key:       privateKey,
		KeyID:     kid,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}
}

// KeySetServer serves the public half of a set of keys as a JWKS document,
// counting the requests it receives.
type KeySetServer struct {
	*httptest.Server

	hits atomic.Int32

	mu     sync.Mutex
	keys   []jose.JSONWebKey
	status int
	gate   chan struct{}
}

// NewKeySetServer starts a key set server that is closed when the test ends.
func NewKeySetServer(t *testing.T, keys ...*jose.JSONWebKey) *KeySetServer {
	t.Helper()

	s := &KeySetServer{status: http.StatusOK}
	s.SetKeys(keys...)

	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)

	return s
}

func (s *KeySetServer) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != KeySetPath {
		http.NotFound(w, r)
		return
	}

	s.hits.Add(1)

	s.mu.Lock()
	gate, status, keys := s.gate, s.status, s.keys
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	if status != http.StatusOK {
		http.Error(w, http.StatusText(status), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: keys})
}

// JWKSURL is the full URL of the key set document.
func (s *KeySetServer) JWKSURL() string {
	return s.URL + KeySetPath
}

// Hits is the number of key set requests received so far.
func (s *KeySetServer) Hits() int {
	return int(s.hits.Load())
}

// SetKeys replaces the published keys. Private keys are published as their
// public half.
func (s *KeySetServer) SetKeys(keys ...*jose.JSONWebKey) {
	published := make([]jose.JSONWebKey, 0, len(keys))
	for _, k := range keys {
		if k.IsPublic() {
			published = append(published, *k)
		} else {
			published = append(published, k.Public())
		}
	}

	s.mu.Lock()
	s.keys = published
	s.mu.Unlock()
}

// SetStatus makes subsequent requests fail with the given status code.
// http.StatusOK restores normal operation.
func (s *KeySetServer) SetStatus(code int) {
	s.mu.Lock()
	s.status = code
	s.mu.Unlock()
}

// Block holds subsequent requests until the returned function is called.
func (s *KeySetServer) Block() (release func()) {
	gate := make(chan struct{})

	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.gate = nil
			s.mu.Unlock()
			close(gate)
		})
	}
}

// SignToken creates a compact JWT signed with the given key. Each claims value
// is merged into the payload in order.
func SignToken(t *testing.T, jwk *jose.JSONWebKey, claims ...any) string {
	t.Helper()

	key := jose.SigningKey{
		Algorithm: jose.SignatureAlgorithm(jwk.Algorithm),
		Key:       jwk,
	}

	signer, err := jose.NewSigner(key, (&jose.SignerOptions{}).WithType("JWT"))
	require.NoError(t, err)

	builder := jwt.Signed(signer)
	for _, claim := range claims {
		builder = builder.Claims(claim)
	}

	token, err := builder.Serialize()
	require.NoError(t, err)

	return token
}
