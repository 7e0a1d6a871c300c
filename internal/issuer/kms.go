package issuer

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/golang-jwt/jwt/v4"

	// Explicitly import this to ensure the hash is available. This allows us to
	// assume that crypto.SHA256.Available() will return true.
	_ "crypto/sha256"
)

var _ jwt.SigningMethod = KMSSigningMethod{}

// KMSClient defines the AWS API surface required to mint tokens with a KMS
// key.
type KMSClient interface {
	Sign(ctx context.Context, in *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
	GetPublicKey(ctx context.Context, in *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
}

// NewAWSKMSClient creates a KMS client using the default AWS configuration
// chain.
func NewAWSKMSClient(ctx context.Context) (*kms.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}

	return kms.NewFromConfig(cfg), nil
}

// KMSKey identifies the KMS key used to sign a single token. It is supplied
// as the key to KMSSigningMethod.Sign so that the signing call is bound to the
// caller's context.
type KMSKey struct {
	Context context.Context
	ARN     string
}

// KMSSigningMethod is a golang-jwt compatible RS256 signing method that uses
// AWS KMS. The private key is never exposed to the application.
type KMSSigningMethod struct {
	client KMSClient
	hash   crypto.Hash
}

func NewSigningMethod(client KMSClient) KMSSigningMethod {
	return KMSSigningMethod{
		client: client,
		hash:   crypto.SHA256,
	}
}

// Alg returns the signing algorithm allowed for this method, which is "RS256".
func (k KMSSigningMethod) Alg() string {
	return "RS256"
}

// Sign uses AWS KMS to sign the given string with the provided key: either a
// KMSKey or the string ARN of the KMS key. This will fail if the current AWS
// user does not have permission to sign with the key, or if KMS cannot be
// reached, or if the key doesn't exist.
func (k KMSSigningMethod) Sign(signingString string, key any) (string, error) {
	var ctx context.Context
	var keyArn string

	switch key := key.(type) {
	case KMSKey:
		ctx, keyArn = key.Context, key.ARN
	case string:
		ctx, keyArn = context.Background(), key
	default:
		return "", errors.New("unexpected key type supplied (KMSKey or string expected)")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	// create a digest of the source material, ensuring that the data sent to AWS
	// is both anonymous and a constant size.
	hasher := k.hash.New()
	hasher.Write([]byte(signingString))
	digest := hasher.Sum(nil)

	result, err := k.client.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(keyArn),
		SigningAlgorithm: types.SigningAlgorithmSpecRsassaPkcs1V15Sha256,
		MessageType:      types.MessageTypeDigest,
		Message:          digest,
	})
	if err != nil {
		return "", fmt.Errorf("KMS signing failed: %w", err)
	}

	// RFC 7515 defines that no base64 padding should be included, so
	// RawURLEncoding is used.
	return base64.RawURLEncoding.EncodeToString(result.Signature), nil
}

func (k KMSSigningMethod) Verify(signingString string, signature string, key interface{}) error {
	// tokens minted with KMS are verified by the gateway using the published
	// key set
	return errors.New("not implemented")
}

// kmsPublicKey retrieves the public half of an RSA KMS key.
func kmsPublicKey(ctx context.Context, client KMSClient, arn string) (*rsa.PublicKey, error) {
	out, err := client.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(arn)})
	if err != nil {
		return nil, fmt.Errorf("KMS public key retrieval failed: %w", err)
	}

	key, err := x509.ParsePKIXPublicKey(out.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("KMS public key could not be parsed: %w", err)
	}

	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("KMS key %s is not an RSA key", arn)
	}

	return rsaKey, nil
}
