package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	dlcrypto "github.com/MacJediWizard/decentrilicense/internal/crypto"
	"github.com/MacJediWizard/decentrilicense/internal/device"
	"github.com/MacJediWizard/decentrilicense/internal/issuer"
	"github.com/MacJediWizard/decentrilicense/internal/license"
)

type issueOptions struct {
	authorityDir string
	alg          string
	appID        string
	code         string
	tokenID      string
	validity     time.Duration
	out          string
	plain        bool
	envHash      string
	bindEnv      bool
}

func newIssueCmd() *cobra.Command {
	opts := &issueOptions{}

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a token from a local signing authority",
		Long: `Issue a token. The root and product keys are read from the authority
directory and generated there on first use. The product key file written
to the directory is what devices pass to 'dlicense set-product-key'.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIssue(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.authorityDir, "authority-dir", "authority", "directory holding the root and product keys")
	cmd.Flags().StringVar(&opts.alg, "alg", string(dlcrypto.AlgorithmEd25519), "signature algorithm for a new authority (RSA, Ed25519, SM2)")
	cmd.Flags().StringVar(&opts.appID, "app-id", "", "application ID (required)")
	cmd.Flags().StringVar(&opts.code, "code", "", "license code (required)")
	cmd.Flags().StringVar(&opts.tokenID, "token-id", "", "token ID (default: random UUID)")
	cmd.Flags().DurationVar(&opts.validity, "validity", 365*24*time.Hour, "token validity, 0 for no expiry")
	cmd.Flags().StringVarP(&opts.out, "out", "o", "", "write the token to a file instead of stdout")
	cmd.Flags().BoolVar(&opts.plain, "plain", false, "write the plain JSON token instead of the encrypted transport form")
	cmd.Flags().StringVar(&opts.envHash, "environment-hash", "", "pin the token to a host environment (see 'dlicense environment')")
	cmd.Flags().BoolVar(&opts.bindEnv, "bind-environment", false, "pin the token to the environment of this host")
	cmd.MarkFlagsMutuallyExclusive("environment-hash", "bind-environment")
	_ = cmd.MarkFlagRequired("app-id")
	_ = cmd.MarkFlagRequired("code")

	return cmd
}

func runIssue(ctx context.Context, opts *issueOptions) error {
	authority, created, err := loadOrCreateAuthority(opts.authorityDir, opts.alg)
	if err != nil {
		return err
	}
	if created {
		fmt.Fprintf(os.Stderr, "Created %s authority in %s\n", authority.Alg, opts.authorityDir)
	}

	lic, err := authority.NewLicense(opts.appID, opts.code)
	if err != nil {
		return err
	}
	envHash := opts.envHash
	if opts.bindEnv {
		envHash = device.EnvironmentHash(ctx)
	}
	tok, err := lic.Issue(issuer.IssueOptions{
		TokenID:         opts.tokenID,
		Validity:        opts.validity,
		EnvironmentHash: envHash,
	})
	if err != nil {
		return err
	}

	codec := license.NewCodec(nil)
	mode := license.Plain
	if !opts.plain {
		codec, err = license.NewProductCodec(authority.ProductKey.PublicKeyPEM)
		if err != nil {
			return err
		}
		mode = license.EncryptedTransport
	}
	data, err := codec.Encode(tok, mode)
	if err != nil {
		return err
	}

	if opts.out == "" {
		fmt.Println(string(data))
		return nil
	}
	if err := os.WriteFile(opts.out, data, 0600); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	fmt.Printf("Issued token %s for %s to %s\n", tok.TokenID, tok.LicenseCode, opts.out)
	return nil
}

func loadOrCreateAuthority(dir, algName string) (*issuer.Authority, bool, error) {
	_, err := os.Stat(filepath.Join(dir, issuer.RootPrivateKeyFile))
	if err == nil {
		a, err := issuer.LoadAuthority(dir)
		return a, false, err
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}

	alg, err := dlcrypto.ParseAlgorithm(algName)
	if err != nil {
		return nil, false, err
	}
	a, err := issuer.NewAuthority(alg)
	if err != nil {
		return nil, false, err
	}
	if err := issuer.SaveAuthority(a, dir); err != nil {
		return nil, false, err
	}
	return a, true, nil
}

func newEnvironmentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "environment",
		Short: "Print the environment hash of this host",
		Long: `Print the hash of the current user and host name. An issuer passes it
to 'dlicense issue --environment-hash' to pin a token to this environment.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(device.EnvironmentHash(cmd.Context()))
		},
	}
}
