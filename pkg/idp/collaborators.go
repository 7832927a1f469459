package idp

import (
	"context"
	"crypto/x509"
	"errors"
	"time"

	"github.com/gematik/zero-idp/pkg/oauth2"
)

var (
	ErrCertificateInvalid    = errors.New("certificate invalid")
	ErrCertificateRevoked    = errors.New("certificate revoked")
	ErrRevocationUnavailable = errors.New("revocation service unavailable")
	ErrPairingRejected       = errors.New("pairing verification rejected")
	ErrPairingUnavailable    = errors.New("pairing service unavailable")
)

// Certificate is an authenticating certificate together with the identity claims found in it.
type Certificate struct {
	Raw    []byte
	X509   *x509.Certificate
	Claims map[string]interface{}
}

// CertificateParser decodes DER certificates and extracts the card claims.
// Failures wrap ErrCertificateInvalid.
type CertificateParser interface {
	ParseCertificate(ctx context.Context, der []byte) (*Certificate, error)
}

// RevocationChecker reports whether a certificate was revoked at the reference time.
// Failures wrap ErrCertificateRevoked or ErrRevocationUnavailable.
type RevocationChecker interface {
	CheckRevocation(ctx context.Context, cert *Certificate, at time.Time) error
}

// PairingVerifier lets the pairing service verify device-signed authentication data.
// It returns the challenge token the device signed. Failures wrap ErrPairingRejected
// or ErrPairingUnavailable.
type PairingVerifier interface {
	VerifyAuthentication(ctx context.Context, signedAuthData string) (string, error)
}

// classify maps collaborator failures to error kinds. Errors that already carry
// a kind are returned as they are.
func classify(err error, fallback oauth2.Kind, description string) error {
	if err == nil {
		return nil
	}
	if _, ok := oauth2.AsError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, ErrCertificateRevoked):
		return oauth2.WrapError(oauth2.KindCertificate, err, "certificate is revoked")
	case errors.Is(err, ErrCertificateInvalid):
		return oauth2.WrapError(oauth2.KindCertificate, err, "certificate is invalid")
	case errors.Is(err, ErrRevocationUnavailable), errors.Is(err, ErrPairingUnavailable):
		return oauth2.WrapError(oauth2.KindUnavailable, err, "%s", description)
	case errors.Is(err, ErrPairingRejected):
		return oauth2.WrapError(oauth2.KindAlternativeAuth, err, "pairing verification failed")
	default:
		return oauth2.WrapError(fallback, err, "%s", description)
	}
}
