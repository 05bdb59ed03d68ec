package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/MarcoPoloResearchLab/kobosync/internal/auth"
	"github.com/MarcoPoloResearchLab/kobosync/internal/console"
	"github.com/MarcoPoloResearchLab/kobosync/internal/credentials"
	"github.com/spf13/cobra"
)

func newLoginCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Store the KoboToolbox API token and form asset UID in the keyring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			prompter := console.NewPrompter(opts.stdin, opts.stderr)
			apiToken, err := prompter.Ask(cmd.Context(), "KoboToolbox API token: ")
			if err != nil {
				return console.WrapExitError(console.ExitUsage, "failed to read API token", err)
			}
			assetUID, err := prompter.Ask(cmd.Context(), "Form asset UID: ")
			if err != nil {
				return console.WrapExitError(console.ExitUsage, "failed to read asset UID", err)
			}

			creds := credentials.Credentials{APIToken: apiToken, AssetUID: assetUID}
			if err := opts.credentialStore().Save(creds); err != nil {
				if errors.Is(err, credentials.ErrInvalid) {
					return console.WrapExitError(console.ExitUsage, "invalid credentials", err)
				}
				return err
			}
			result := map[string]string{"asset_uid": assetUID}
			return opts.formatter().Success(result, func(w io.Writer) error {
				_, err := fmt.Fprintln(w, "Credentials saved")
				return err
			})
		},
	}
}

func newLogoutCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove stored KoboToolbox credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.credentialStore().Clear(); err != nil {
				return err
			}
			return opts.formatter().Success(map[string]bool{"cleared": true}, func(w io.Writer) error {
				_, err := fmt.Fprintln(w, "Credentials removed")
				return err
			})
		},
	}
}

type webhookToken struct {
	Token     string `json:"token" yaml:"token"`
	Header    string `json:"header" yaml:"header"`
	ExpiresAt string `json:"expires_at" yaml:"expires_at"`
}

func newWebhookTokenCommand(opts *rootOptions) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "webhook-token",
		Short: "Mint a bearer token for the form platform's REST service",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindCommandFlags(cmd, opts, map[string]string{"webhook.signing_secret": "signing-secret"})
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, err := opts.loadRuntime()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			if appConfig.Webhook.SigningSecret == "" {
				return usageError("webhook.signing_secret is not configured")
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.Webhook.SigningSecret),
				Issuer:        auth.DefaultIssuer,
				Audience:      auth.DefaultAudience,
				TokenTTL:      ttl,
			})
			if err != nil {
				return console.WrapExitError(console.ExitUsage, "invalid token settings", err)
			}
			token, expiresAt, err := issuer.Issue(cmd.Context(), subject)
			if err != nil {
				return err
			}

			result := webhookToken{
				Token:     token,
				Header:    "Authorization: Bearer " + token,
				ExpiresAt: expiresAt.Format(time.RFC3339),
			}
			return opts.formatter().Success(result, func(w io.Writer) error {
				fmt.Fprintln(w, result.Header)
				_, err := fmt.Fprintf(w, "Expires %s\n", result.ExpiresAt)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "kobo-rest-service", "Token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", auth.DefaultTokenTTL, "Token lifetime")
	cmd.Flags().String("signing-secret", "", "Signing secret (overrides configuration)")
	return cmd
}
