package issuer_test

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/golang-jwt/jwt/v4"
	"github.com/jamestelfer/tollgate/internal/issuer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeKMS signs digests with a local key, as KMS would.
type fakeKMS struct {
	key       *rsa.PrivateKey
	signErr   error
	lastInput *kms.SignInput
	lastCtx   context.Context
}

func newFakeKMS(t *testing.T) *fakeKMS {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	return &fakeKMS{key: key}
}

func (f *fakeKMS) Sign(ctx context.Context, in *kms.SignInput, _ ...func(*kms.Options)) (*kms.SignOutput, error) {
	f.lastCtx = ctx
	f.lastInput = in

	if f.signErr != nil {
		return nil, f.signErr
	}

	sig, err := rsa.SignPKCS1v15(rand.Reader, f.key, crypto.SHA256, in.Message)
	if err != nil {
		return nil, err
	}

	return &kms.SignOutput{Signature: sig, KeyId: in.KeyId}, nil
}

func (f *fakeKMS) GetPublicKey(_ context.Context, in *kms.GetPublicKeyInput, _ ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error) {
	der, err := x509.MarshalPKIXPublicKey(&f.key.PublicKey)
	if err != nil {
		return nil, err
	}

	return &kms.GetPublicKeyOutput{KeyId: in.KeyId, PublicKey: der}, nil
}

func TestSigningMethod_AlgCorrect(t *testing.T) {
	m := issuer.NewSigningMethod(nil)
	assert.Equal(t, "RS256", m.Alg())
}

func TestSigningMethod_SignSendsDigest(t *testing.T) {
	client := newFakeKMS(t)
	m := issuer.NewSigningMethod(client)

	sig, err := m.Sign("input-string", "keyArn")
	require.NoError(t, err)

	assert.Equal(t, "keyArn", aws.ToString(client.lastInput.KeyId))
	assert.Equal(t, types.MessageTypeDigest, client.lastInput.MessageType)
	assert.Equal(t, types.SigningAlgorithmSpecRsassaPkcs1V15Sha256, client.lastInput.SigningAlgorithm)
	assert.Len(t, client.lastInput.Message, 32)

	// the signature is a standard RS256 signature of the input
	assert.NoError(t, jwt.SigningMethodRS256.Verify("input-string", sig, &client.key.PublicKey))
}

func TestSigningMethod_SignReturnsEncoded(t *testing.T) {
	client := newFakeKMS(t)
	m := issuer.NewSigningMethod(client)

	sig, err := m.Sign("input-string", "keyArn")
	require.NoError(t, err)

	assert.NotContains(t, sig, "=")
	_, err = base64.RawURLEncoding.DecodeString(sig)
	assert.NoError(t, err)
}

func TestSigningMethod_SignUsesKeyContext(t *testing.T) {
	type ctxKey struct{}

	client := newFakeKMS(t)
	m := issuer.NewSigningMethod(client)

	ctx := context.WithValue(context.Background(), ctxKey{}, "marker")

	_, err := m.Sign("input-string", issuer.KMSKey{Context: ctx, ARN: "keyArn"})
	require.NoError(t, err)

	assert.Equal(t, "marker", client.lastCtx.Value(ctxKey{}))
	assert.Equal(t, "keyArn", aws.ToString(client.lastInput.KeyId))
}

func TestSigningMethod_SignFailsWhenKMSFails(t *testing.T) {
	client := newFakeKMS(t)
	client.signErr = errors.New("simulated KMS failure")

	m := issuer.NewSigningMethod(client)

	_, err := m.Sign("input-string", "keyArn")
	assert.ErrorContains(t, err, "simulated KMS failure")
}

func TestSigningMethod_SignFailsWithInvalidKey(t *testing.T) {
	m := issuer.NewSigningMethod(newFakeKMS(t))

	_, err := m.Sign("input-string", 222)
	assert.ErrorContains(t, err, "unexpected key type supplied")
}

func TestSigningMethod_VerifyFails(t *testing.T) {
	m := issuer.NewSigningMethod(newFakeKMS(t))

	err := m.Verify("source", "sig", "key")
	assert.ErrorContains(t, err, "not implemented")
}

func TestKMSIssuer(t *testing.T) {
	client := newFakeKMS(t)

	iss, err := issuer.NewKMSIssuer("https://issuer.example.com/", "kms-key", client, "arn:aws:kms:fictional")
	require.NoError(t, err)

	token, err := iss.Mint(context.Background(), issuer.Request{
		Subject:  "user-1",
		Audience: []string{"api"},
	})
	require.NoError(t, err)
	require.Len(t, strings.Split(token, "."), 3)

	parsed, err := jwt.Parse(token, func(tok *jwt.Token) (any, error) {
		return &client.key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	require.NoError(t, err)
	assert.Equal(t, "kms-key", parsed.Header["kid"])

	keySet, err := iss.KeySet(context.Background())
	require.NoError(t, err)
	require.Len(t, keySet.Keys, 1)
	assert.True(t, client.key.PublicKey.Equal(keySet.Keys[0].Key))
}

func TestNewKMSIssuer_RequiresARN(t *testing.T) {
	_, err := issuer.NewKMSIssuer("https://issuer.example.com/", "kms-key", newFakeKMS(t), "")
	assert.ErrorContains(t, err, "ARN is required")
}
