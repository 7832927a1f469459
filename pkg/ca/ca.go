package ca

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
)

// Simple interface for a certificate authority
type CertificateAuthority interface {
	IssuerCertificate() *x509.Certificate
	SignCertificateRequest(csr *x509.CertificateRequest, subject pkix.Name, opts ...SigningOption) (*x509.Certificate, error)
}

// SigningOption modifies the certificate template before it is signed.
type SigningOption func(crt *x509.Certificate) error

// Encodes a X509 certificate to PEM format
func EncodeCertToPEM(cert *x509.Certificate) (string, error) {
	certPem := new(bytes.Buffer)
	err := pem.Encode(certPem, &pem.Block{
		Type:  "CERTIFICATE",
		Bytes: cert.Raw,
	})
	if err != nil {
		return "", err
	}
	return certPem.String(), nil
}

// Encodes an EC private key to PEM format
func EncodePrivateKeyToPEM(prk *ecdsa.PrivateKey) (string, error) {
	der, err := x509.MarshalECPrivateKey(prk)
	if err != nil {
		return "", fmt.Errorf("unable to marshal private key: %w", err)
	}
	keyPem := new(bytes.Buffer)
	err = pem.Encode(keyPem, &pem.Block{
		Type:  "EC PRIVATE KEY",
		Bytes: der,
	})
	if err != nil {
		return "", err
	}
	return keyPem.String(), nil
}
