package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"os"

	"github.com/jamestelfer/tollgate/internal/issuer"
	"github.com/spf13/cobra"
)

// signerFlags select the key used by the token and jwks commands.
type signerFlags struct {
	issuer  string
	keyID   string
	keyPath string
	kmsARN  string
}

func (f *signerFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.issuer, "issuer", "", "issuer URL, set as the iss claim")
	cmd.Flags().StringVar(&f.keyID, "kid", "", "key ID, set in the token header")
	cmd.Flags().StringVar(&f.keyPath, "key", "", "path to a PEM encoded RSA private key")
	cmd.Flags().StringVar(&f.kmsARN, "kms-key-arn", "", "ARN of an asymmetric RSA AWS KMS key, used instead of --key")
	cmd.MarkFlagsMutuallyExclusive("key", "kms-key-arn")
	cmd.MarkFlagsOneRequired("key", "kms-key-arn")
	_ = cmd.MarkFlagRequired("kid")
}

// kmsClientFactory is replaced in tests.
var kmsClientFactory = func(ctx context.Context) (issuer.KMSClient, error) {
	return issuer.NewAWSKMSClient(ctx)
}

func (f *signerFlags) newIssuer(ctx context.Context) (*issuer.Issuer, error) {
	iss := f.issuer
	if iss == "" {
		// the key set can be produced without naming the issuer
		iss = "unspecified"
	}

	if f.kmsARN != "" {
		client, err := kmsClientFactory(ctx)
		if err != nil {
			return nil, fmt.Errorf("AWS configuration failed: %w", err)
		}
		return issuer.NewKMSIssuer(iss, f.keyID, client, f.kmsARN)
	}

	keyPEM, err := os.ReadFile(f.keyPath)
	if err != nil {
		return nil, err
	}

	return issuer.NewPEMIssuer(iss, f.keyID, keyPEM)
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "mint",
		Short: "Mint RS256 tokens and key sets for the tollgate gateway",
		Long: `mint creates signed tokens for testing the tollgate gateway, along with the
JSON Web Key Set the gateway uses to verify them. Keys can be local PEM files
or asymmetric AWS KMS keys.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newTokenCommand(),
		newJWKSCommand(),
		newKeygenCommand(),
	)

	return root
}

func newTokenCommand() *cobra.Command {
	var signer signerFlags
	var req issuer.Request
	var extra string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a signed token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if extra != "" {
				if err := json.Unmarshal([]byte(extra), &req.Extra); err != nil {
					return fmt.Errorf("--claims must be a JSON object: %w", err)
				}
			}

			iss, err := signer.newIssuer(cmd.Context())
			if err != nil {
				return err
			}

			token, err := iss.Mint(cmd.Context(), req)
			if err != nil {
				return err
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}

	signer.register(cmd)
	cmd.Flags().StringVar(&req.Subject, "subject", "", "subject, set as the sub claim")
	cmd.Flags().StringSliceVar(&req.Audience, "audience", nil, "audience, set in the aud claim (repeatable)")
	cmd.Flags().StringSliceVar(&req.Permissions, "permission", nil, "granted permission, set in the permissions claim (repeatable)")
	cmd.Flags().StringSliceVar(&req.Scopes, "scope", nil, "granted scope, set in the scope claim (repeatable)")
	cmd.Flags().DurationVar(&req.Lifetime, "ttl", issuer.DefaultLifetime, "token lifetime")
	cmd.Flags().StringVar(&extra, "claims", "", "additional claims as a JSON object")
	_ = cmd.MarkFlagRequired("issuer")
	_ = cmd.MarkFlagRequired("subject")
	_ = cmd.MarkFlagRequired("audience")

	return cmd
}

func newJWKSCommand() *cobra.Command {
	var signer signerFlags

	cmd := &cobra.Command{
		Use:   "jwks",
		Short: "Print the JSON Web Key Set that verifies minted tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			iss, err := signer.newIssuer(cmd.Context())
			if err != nil {
				return err
			}

			keySet, err := iss.KeySet(cmd.Context())
			if err != nil {
				return err
			}

			return writeJSON(cmd.OutOrStdout(), keySet)
		},
	}

	signer.register(cmd)

	return cmd
}

func newKeygenCommand() *cobra.Command {
	var bits int

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Print a new PEM encoded RSA private key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if bits < 2048 {
				return fmt.Errorf("--bits must be at least 2048, got %d", bits)
			}

			key, err := rsa.GenerateKey(rand.Reader, bits)
			if err != nil {
				return err
			}

			der, err := x509.MarshalPKCS8PrivateKey(key)
			if err != nil {
				return err
			}

			return pem.Encode(cmd.OutOrStdout(), &pem.Block{Type: "PRIVATE KEY", Bytes: der})
		},
	}

	cmd.Flags().IntVar(&bits, "bits", 2048, "RSA key size")

	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
