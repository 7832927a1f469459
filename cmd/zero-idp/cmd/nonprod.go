package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gematik/zero-idp/pkg/ca"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
)

var caDir string
var outDir string
var givenName string
var familyName string
var idNumber string
var professionItem string
var professionOID string
var ocspURL string
var ocspAddr string

func init() {
	rootCmd.AddCommand(NonprodCmd)
	NonprodCmd.AddCommand(nonprodCACmd)
	NonprodCmd.AddCommand(nonprodCardCertCmd)
	NonprodCmd.AddCommand(nonprodOCSPResponderCmd)

	NonprodCmd.PersistentFlags().StringVar(&caDir, "ca-dir", "ca", "directory with ca.pem and ca-key.pem")

	nonprodCACmd.Flags().StringVarP(&outDir, "out-dir", "o", "ca", "output directory")

	nonprodCardCertCmd.Flags().StringVarP(&outDir, "out-dir", "o", ".", "output directory")
	nonprodCardCertCmd.Flags().StringVar(&givenName, "given-name", "Erika", "given name of the card holder")
	nonprodCardCertCmd.Flags().StringVar(&familyName, "family-name", "Mustermann", "family name of the card holder")
	nonprodCardCertCmd.Flags().StringVar(&idNumber, "id-number", "X110411675", "insurant or telematics ID")
	nonprodCardCertCmd.Flags().StringVar(&professionItem, "profession-item", "Versicherte/-r", "profession of the admission")
	nonprodCardCertCmd.Flags().StringVar(&professionOID, "profession-oid", ca.ProfessionOIDInsured, "profession OID of the admission")
	nonprodCardCertCmd.Flags().StringVar(&ocspURL, "ocsp-url", "", "OCSP responder named in the certificate")

	nonprodOCSPResponderCmd.Flags().StringVarP(&ocspAddr, "addr", "a", ":8082", "address to listen on")
}

var NonprodCmd = &cobra.Command{
	Use:   "non-prod",
	Short: "Non-production commands",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var nonprodCACmd = &cobra.Command{
	Use:   "ca",
	Short: "Create a mock CA for test cards",
	Run: func(cmd *cobra.Command, args []string) {
		mockCA, err := ca.NewRandomMockCA()
		cobra.CheckErr(err)
		certPEM, err := ca.EncodeCertToPEM(mockCA.IssuerCertificate())
		cobra.CheckErr(err)
		keyPEM, err := ca.EncodePrivateKeyToPEM(mockCA.PrivateKey())
		cobra.CheckErr(err)

		cobra.CheckErr(writeFiles(outDir, map[string]string{"ca.pem": certPEM, "ca-key.pem": keyPEM}))
		slog.Info("Created mock CA", "subject", mockCA.IssuerCertificate().Subject.String(), "dir", outDir)
	},
}

var nonprodCardCertCmd = &cobra.Command{
	Use:   "card-cert",
	Short: "Issue an authentication certificate of a test card",
	Run: func(cmd *cobra.Command, args []string) {
		mockCA, err := ca.LoadMockCA(filepath.Join(caDir, "ca.pem"), filepath.Join(caDir, "ca-key.pem"))
		cobra.CheckErr(err)

		opts := []ca.SigningOption{ca.WithAdmission(professionItem, professionOID, "")}
		if ocspURL != "" {
			opts = append(opts, ca.WithOCSPServer(ocspURL))
		}
		cert, prk, err := mockCA.IssueCertificate(ca.PersonSubject(givenName, familyName, idNumber), opts...)
		cobra.CheckErr(err)

		certPEM, err := ca.EncodeCertToPEM(cert)
		cobra.CheckErr(err)
		keyPEM, err := ca.EncodePrivateKeyToPEM(prk)
		cobra.CheckErr(err)

		cobra.CheckErr(writeFiles(outDir, map[string]string{"card.pem": certPEM, "card-key.pem": keyPEM}))
		slog.Info("Issued card certificate", "subject", cert.Subject.String(), "serial", cert.SerialNumber, "dir", outDir)
	},
}

var nonprodOCSPResponderCmd = &cobra.Command{
	Use:   "ocsp-responder",
	Short: "Answer OCSP requests for certificates of the mock CA",
	Run: func(cmd *cobra.Command, args []string) {
		mockCA, err := ca.LoadMockCA(filepath.Join(caDir, "ca.pem"), filepath.Join(caDir, "ca-key.pem"))
		cobra.CheckErr(err)

		e := echo.New()
		e.HideBanner = true
		e.Use(middleware.Recover())
		e.Use(middleware.Logger())
		e.POST("/", echo.WrapHandler(ca.NewMockOCSPResponder(mockCA)))

		slog.Info(fmt.Sprintf("starting mock OCSP responder at %s", ocspAddr))
		e.Logger.Fatal(e.Start(ocspAddr))
	},
}

func writeFiles(dir string, files map[string]string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0600); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}
