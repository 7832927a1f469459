// Package pki adapts X.509 certificates of the telematics infrastructure to the
// identity provider: claim extraction, chain checks and OCSP revocation status.
package pki

import (
	"context"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/gematik/zero-idp/pkg/idp"
)

var (
	oidGivenName = asn1.ObjectIdentifier{2, 5, 4, 42}
	oidSurname   = asn1.ObjectIdentifier{2, 5, 4, 4}

	// insurant id (KVNR) as found in the subject of health cards
	insurantIDPattern = regexp.MustCompile(`^[A-Z][0-9]{9}$`)
)

// CertificateParser extracts the card claims from authentication certificates.
// When trust anchors are configured, the certificate must chain up to one of them.
type CertificateParser struct {
	roots         *x509.CertPool
	intermediates *x509.CertPool
	now           func() time.Time
}

type ParserOption func(*CertificateParser) error

// WithTrustAnchors restricts accepted certificates to the given issuers.
func WithTrustAnchors(roots ...*x509.Certificate) ParserOption {
	return func(p *CertificateParser) error {
		if len(roots) == 0 {
			return errors.New("no trust anchors given")
		}
		p.roots = x509.NewCertPool()
		for _, root := range roots {
			p.roots.AddCert(root)
		}
		return nil
	}
}

func WithIntermediates(certs ...*x509.Certificate) ParserOption {
	return func(p *CertificateParser) error {
		p.intermediates = x509.NewCertPool()
		for _, c := range certs {
			p.intermediates.AddCert(c)
		}
		return nil
	}
}

func WithParserClock(now func() time.Time) ParserOption {
	return func(p *CertificateParser) error {
		p.now = now
		return nil
	}
}

func NewCertificateParser(opts ...ParserOption) (*CertificateParser, error) {
	p := &CertificateParser{now: time.Now}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	if p.roots == nil {
		slog.Warn("No trust anchors configured, certificate chains are not verified. Don't use this in production.")
	}
	return p, nil
}

func (p *CertificateParser) ParseCertificate(ctx context.Context, der []byte) (*idp.Certificate, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", idp.ErrCertificateInvalid, err)
	}

	if p.roots != nil {
		_, err := cert.Verify(x509.VerifyOptions{
			Roots:         p.roots,
			Intermediates: p.intermediates,
			CurrentTime:   p.now(),
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", idp.ErrCertificateInvalid, err)
		}
	}

	claims, err := ExtractClaims(cert)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", idp.ErrCertificateInvalid, err)
	}

	return &idp.Certificate{
		Raw:    cert.Raw,
		X509:   cert,
		Claims: claims,
	}, nil
}

// ExtractClaims reads the identity claims of a card certificate.
func ExtractClaims(cert *x509.Certificate) (map[string]interface{}, error) {
	claims := make(map[string]interface{})

	for _, name := range cert.Subject.Names {
		value, ok := name.Value.(string)
		if !ok {
			continue
		}
		switch {
		case name.Type.Equal(oidGivenName):
			claims[idp.ClaimGivenName] = value
		case name.Type.Equal(oidSurname):
			claims[idp.ClaimFamilyName] = value
		}
	}
	if len(cert.Subject.Organization) > 0 {
		claims[idp.ClaimOrganizationName] = cert.Subject.Organization[0]
	}

	admission, err := ParseAdmission(cert)
	if err != nil && !errors.Is(err, errNoAdmission) {
		return nil, err
	}
	if admission != nil {
		if len(admission.ProfessionOIDs) > 0 {
			claims[idp.ClaimProfessionOID] = admission.ProfessionOIDs[0]
		}
		if admission.RegistrationNumber != "" {
			claims[idp.ClaimIDNumber] = admission.RegistrationNumber
		}
	}

	if _, ok := claims[idp.ClaimIDNumber]; !ok {
		for _, ou := range cert.Subject.OrganizationalUnit {
			if insurantIDPattern.MatchString(ou) {
				claims[idp.ClaimIDNumber] = ou
				break
			}
		}
	}

	if _, ok := claims[idp.ClaimIDNumber]; !ok {
		return nil, errors.New("certificate carries no id number")
	}

	return claims, nil
}
