package ca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"github.com/segmentio/ksuid"
	"golang.org/x/crypto/ocsp"
)

// MockCA issues certificates and OCSP responses for tests and non-production setups.
type MockCA struct {
	Certificate *x509.Certificate
	prk         *ecdsa.PrivateKey
}

func NewRandomMockCA() (*MockCA, error) {
	issuer := pkix.Name{
		CommonName: ksuid.New().String(),
	}
	return NewMockCA(issuer)
}

func NewMockCA(issuer pkix.Name) (*MockCA, error) {
	sn, err := rand.Int(rand.Reader, big.NewInt(100000))
	if err != nil {
		return nil, err
	}
	caCrt := &x509.Certificate{
		SerialNumber:          sn,
		Subject:               issuer,
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().Add(24 * 30 * 6 * time.Hour),
		IsCA:                  true,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageOCSPSigning},
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}

	caPrk, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	signedBytes, err := x509.CreateCertificate(rand.Reader, caCrt, caCrt, &caPrk.PublicKey, caPrk)
	if err != nil {
		return nil, err
	}

	caCrt, err = x509.ParseCertificate(signedBytes)
	if err != nil {
		return nil, err
	}

	return &MockCA{
		Certificate: caCrt,
		prk:         caPrk,
	}, nil
}

func (ca *MockCA) IssuerCertificate() *x509.Certificate {
	return ca.Certificate
}

func (ca *MockCA) SignCertificateRequest(csr *x509.CertificateRequest, subject pkix.Name, opts ...SigningOption) (*x509.Certificate, error) {
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("invalid CSR signature: %w", err)
	}

	max := new(big.Int)
	max.Exp(big.NewInt(2), big.NewInt(130), nil).Sub(max, big.NewInt(1))
	serialNumber, err := rand.Int(rand.Reader, max)
	if err != nil {
		return nil, fmt.Errorf("unable to generate serial number: %w", err)
	}

	crtTemplate := x509.Certificate{
		PublicKeyAlgorithm: csr.PublicKeyAlgorithm,
		PublicKey:          csr.PublicKey,

		SerialNumber: serialNumber,
		Issuer:       ca.Certificate.Subject,
		Subject:      subject,
		NotBefore:    time.Now().Add(-1 * time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}

	for _, opt := range opts {
		if err := opt(&crtTemplate); err != nil {
			return nil, fmt.Errorf("unable to apply signing option: %w", err)
		}
	}

	crtRaw, err := x509.CreateCertificate(rand.Reader, &crtTemplate, ca.Certificate, csr.PublicKey, ca.prk)
	if err != nil {
		return nil, fmt.Errorf("unable to sign client certificate: %w", err)
	}

	crt, err := x509.ParseCertificate(crtRaw)
	if err != nil {
		return nil, fmt.Errorf("unable to parse client certificate: %w", err)
	}

	return crt, nil
}

// IssueCertificate creates a fresh P-256 key pair and a certificate for it.
func (ca *MockCA) IssueCertificate(subject pkix.Name, opts ...SigningOption) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	prk, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to generate key: %w", err)
	}

	csrBytes, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:            subject,
		SignatureAlgorithm: x509.ECDSAWithSHA256,
	}, prk)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to create csr: %w", err)
	}
	csr, err := x509.ParseCertificateRequest(csrBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to parse csr: %w", err)
	}

	crt, err := ca.SignCertificateRequest(csr, subject, opts...)
	if err != nil {
		return nil, nil, err
	}
	return crt, prk, nil
}

// OCSPResponse signs an OCSP response for cert. status is one of ocsp.Good,
// ocsp.Revoked or ocsp.Unknown.
func (ca *MockCA) OCSPResponse(cert *x509.Certificate, status int, thisUpdate time.Time) ([]byte, error) {
	template := ocsp.Response{
		Status:       status,
		SerialNumber: cert.SerialNumber,
		ThisUpdate:   thisUpdate,
		NextUpdate:   thisUpdate.Add(time.Hour),
	}
	if status == ocsp.Revoked {
		template.RevokedAt = thisUpdate.Add(-time.Minute)
		template.RevocationReason = ocsp.KeyCompromise
	}
	resp, err := ocsp.CreateResponse(ca.Certificate, ca.Certificate, template, ca.prk)
	if err != nil {
		return nil, fmt.Errorf("unable to create ocsp response: %w", err)
	}
	return resp, nil
}
