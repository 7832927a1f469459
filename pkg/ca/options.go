package ca

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// admission statement of common PKI, carries profession and registration number
	OIDAdmission = asn1.ObjectIdentifier{1, 3, 36, 8, 3, 3}

	oidGivenName = asn1.ObjectIdentifier{2, 5, 4, 42}
	oidSurname   = asn1.ObjectIdentifier{2, 5, 4, 4}
)

// profession OIDs of the telematics infrastructure
const (
	ProfessionOIDInsured   = "1.2.276.0.76.4.49"
	ProfessionOIDPhysician = "1.2.276.0.76.4.30"
)

type admissionSyntax struct {
	ContentsOfAdmissions []admissions
}

type admissions struct {
	ProfessionInfos []professionInfo
}

type professionInfo struct {
	ProfessionItems    []string
	ProfessionOids     []asn1.ObjectIdentifier
	RegistrationNumber string `asn1:"printable,optional"`
}

// WithAdmission adds an admission statement with a single profession.
// registrationNumber may be empty.
func WithAdmission(professionItem, professionOID, registrationNumber string) SigningOption {
	return func(crt *x509.Certificate) error {
		oid, err := parseOID(professionOID)
		if err != nil {
			return err
		}
		value, err := asn1.Marshal(admissionSyntax{
			ContentsOfAdmissions: []admissions{{
				ProfessionInfos: []professionInfo{{
					ProfessionItems:    []string{professionItem},
					ProfessionOids:     []asn1.ObjectIdentifier{oid},
					RegistrationNumber: registrationNumber,
				}},
			}},
		})
		if err != nil {
			return fmt.Errorf("unable to encode admission statement: %w", err)
		}
		crt.ExtraExtensions = append(crt.ExtraExtensions, pkix.Extension{
			Id:    OIDAdmission,
			Value: value,
		})
		return nil
	}
}

func WithOCSPServer(url string) SigningOption {
	return func(crt *x509.Certificate) error {
		crt.OCSPServer = append(crt.OCSPServer, url)
		return nil
	}
}

func WithValidity(notBefore, notAfter time.Time) SigningOption {
	return func(crt *x509.Certificate) error {
		if !notAfter.After(notBefore) {
			return fmt.Errorf("certificate must not expire before it becomes valid")
		}
		crt.NotBefore = notBefore
		crt.NotAfter = notAfter
		return nil
	}
}

// PersonSubject builds the subject of a personal card certificate. The id number
// goes into the organizational unit like on the health card of an insured person.
func PersonSubject(givenName, familyName, idNumber string) pkix.Name {
	return pkix.Name{
		Country:            []string{"DE"},
		CommonName:         givenName + " " + familyName,
		OrganizationalUnit: []string{idNumber},
		ExtraNames: []pkix.AttributeTypeAndValue{
			{Type: oidGivenName, Value: givenName},
			{Type: oidSurname, Value: familyName},
		},
	}
}

func parseOID(s string) (asn1.ObjectIdentifier, error) {
	parts := strings.Split(s, ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid oid %q", s)
	}
	oid := make(asn1.ObjectIdentifier, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid oid %q: %w", s, err)
		}
		oid = append(oid, n)
	}
	return oid, nil
}
