package cmd

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gematik/zero-idp/pkg/idpclient"
	"github.com/gematik/zero-idp/pkg/oauth2"
	"github.com/gematik/zero-idp/pkg/pki"
	"github.com/gematik/zero-idp/pkg/util"
	"github.com/spf13/cobra"
)

var loginIssuer string
var loginClientID string
var loginRedirectURI string
var loginScopes []string
var loginCardDir string

func init() {
	NonprodCmd.AddCommand(loginCmd)
	loginCmd.Flags().StringVarP(&loginIssuer, "issuer", "i", "http://localhost:8080", "base URL of the identity provider")
	loginCmd.Flags().StringVarP(&loginClientID, "client_id", "c", "", "client ID")
	loginCmd.Flags().StringVarP(&loginRedirectURI, "redirect_uri", "r", "", "registered redirect URI of the client")
	loginCmd.Flags().StringArrayVarP(&loginScopes, "scope", "s", []string{"openid"}, "scope(s) to request")
	loginCmd.Flags().StringVar(&loginCardDir, "card-dir", ".", "directory with card.pem and card-key.pem")
	cobra.MarkFlagRequired(loginCmd.Flags(), "client_id")
	cobra.MarkFlagRequired(loginCmd.Flags(), "redirect_uri")
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate with a test card and print the tokens",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		certs, err := pki.LoadCertificates(filepath.Join(loginCardDir, "card.pem"))
		cobra.CheckErr(err)
		cardKey, err := util.LoadJwkFromPem(filepath.Join(loginCardDir, "card-key.pem"))
		cobra.CheckErr(err)
		prk := new(ecdsa.PrivateKey)
		cobra.CheckErr(cardKey.Raw(prk))

		client, err := idpclient.NewClient(ctx, idpclient.ClientConfig{
			BaseURL:     loginIssuer,
			ClientID:    loginClientID,
			RedirectURI: loginRedirectURI,
			Scopes:      loginScopes,
		})
		cobra.CheckErr(err)
		authenticator, err := idpclient.NewAuthenticator(ctx, idpclient.AuthenticatorConfig{
			BaseURL:    loginIssuer,
			SignerFunc: idpclient.SignWithSoftkey(prk, certs[0]),
		})
		cobra.CheckErr(err)

		session, err := oauth2.NewClientSession(client)
		cobra.CheckErr(err)
		slog.Debug("Authorization URL", "url", session.AuthURL)

		redirect, err := authenticator.Authenticate(ctx, session.AuthURL)
		cobra.CheckErr(err)
		if redirect.State != session.State {
			cobra.CheckErr(fmt.Errorf("state mismatch: %s", redirect.State))
		}

		tokenResponse, err := client.Exchange(ctx, redirect.Code, session.Verifier)
		cobra.CheckErr(err)
		idToken, err := client.ParseIDToken(ctx, tokenResponse, session.Nonce)
		cobra.CheckErr(err)

		slog.Info("Logged in", "sub", idToken.Subject(), "access_token", util.JWSToText(tokenResponse.AccessToken))

		cobra.CheckErr(json.NewEncoder(os.Stdout).Encode(map[string]any{
			"token_response": tokenResponse,
			"ssotoken":       redirect.SsoToken,
		}))
	},
}
