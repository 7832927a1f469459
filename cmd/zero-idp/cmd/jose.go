package cmd

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/gematik/zero-idp/pkg/ca"
	"github.com/gematik/zero-idp/pkg/util"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(joseCmd)
	joseCmd.AddCommand(joseGenerateJwkCmd)
	joseCmd.AddCommand(joseGenerateKeyPemCmd)
	joseCmd.AddCommand(joseGenerateCodeKeyCmd)
	joseCmd.AddCommand(josePublicJwkCmd)
	joseCmd.AddCommand(josePublicJwkSetCmd)
}

var joseCmd = &cobra.Command{
	Use:   "jose",
	Short: "Various JOSE utilities",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var joseGenerateJwkCmd = &cobra.Command{
	Use:   "generate-jwk",
	Short: "Generate a P-256 JWK",
	Run: func(cmd *cobra.Command, args []string) {
		randomJwk, err := util.RandomJWK()
		cobra.CheckErr(err)
		cobra.CheckErr(json.NewEncoder(os.Stdout).Encode(randomJwk))
	},
}

var joseGenerateKeyPemCmd = &cobra.Command{
	Use:   "generate-key-pem",
	Short: "Generate a P-256 private key in PEM format, usable as signing or encryption key",
	Run: func(cmd *cobra.Command, args []string) {
		randomJwk, err := util.RandomJWK()
		cobra.CheckErr(err)
		prk := new(ecdsa.PrivateKey)
		cobra.CheckErr(randomJwk.Raw(prk))
		encoded, err := ca.EncodePrivateKeyToPEM(prk)
		cobra.CheckErr(err)
		fmt.Print(encoded)
	},
}

var joseGenerateCodeKeyCmd = &cobra.Command{
	Use:   "generate-code-key",
	Short: "Generate a base64 encoded 256 bit key for sealing codes and SSO tokens",
	Run: func(cmd *cobra.Command, args []string) {
		key := make([]byte, 32)
		_, err := rand.Read(key)
		cobra.CheckErr(err)
		fmt.Println(base64.StdEncoding.EncodeToString(key))
	},
}

var josePublicJwkCmd = &cobra.Command{
	Use:   "public-jwk",
	Short: "Reads a JWK or PEM key from stdin and prints the public JWK to stdout",
	Run: func(cmd *cobra.Command, args []string) {
		data, err := io.ReadAll(os.Stdin)
		cobra.CheckErr(err)
		key, err := jwk.ParseKey(data)
		if err != nil {
			key, err = jwk.ParseKey(data, jwk.WithPEM(true))
		}
		cobra.CheckErr(err)
		if key.KeyID() == "" {
			cobra.CheckErr(util.SetThumbprintKeyID(key))
		}
		publicKey, err := key.PublicKey()
		cobra.CheckErr(err)
		cobra.CheckErr(json.NewEncoder(os.Stdout).Encode(publicKey))
	},
}

var josePublicJwkSetCmd = &cobra.Command{
	Use:   "public-jwks",
	Short: "Reads the JWK Set from stdin and prints the public JWK Set to stdout",
	Run: func(cmd *cobra.Command, args []string) {
		data, err := io.ReadAll(os.Stdin)
		cobra.CheckErr(err)
		set, err := jwk.Parse(data)
		cobra.CheckErr(err)
		keys := make([]jwk.Key, 0, set.Len())
		for i := 0; i < set.Len(); i++ {
			key, _ := set.Key(i)
			keys = append(keys, key)
		}
		publicSet, err := util.PublicJwkSet(keys...)
		cobra.CheckErr(err)
		cobra.CheckErr(json.NewEncoder(os.Stdout).Encode(publicSet))
	},
}
