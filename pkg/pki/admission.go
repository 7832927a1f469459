package pki

import (
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
)

var OIDAdmission = asn1.ObjectIdentifier{1, 3, 36, 8, 3, 3}

var errNoAdmission = errors.New("admission statement extension not found")

// Admission is the first profession of the admission statement of a certificate.
type Admission struct {
	ProfessionItems    []string `json:"professionItems"`
	ProfessionOIDs     []string `json:"professionOids"`
	RegistrationNumber string   `json:"registrationNumber"`
}

/*
AdmissionSyntax ::= SEQUENCE {
  admissionAuthority GeneralName OPTIONAL,
  contentsOfAdmissions SEQUENCE OF Admissions
}

Admissions ::= SEQUENCE {
  admissionAuthority [0] EXPLICIT GeneralName OPTIONAL
  namingAuthority [1] EXPLICIT NamingAuthority OPTIONAL
  professionInfos SEQUENCE OF ProfessionInfo
}

ProfessionInfo ::= SEQUENCE {
  namingAuthority [0] EXPLICIT NamingAuthority OPTIONAL,
  professionItems SEQUENCE OF DirectoryString (SIZE(1..128)),
  professionOIDs SEQUENCE OF OBJECT IDENTIFIER OPTIONAL,
  registrationNumber PrintableString(SIZE(1..128)) OPTIONAL,
  addProfessionInfo OCTET STRING OPTIONAL
}
*/
type admissions struct {
	AdmissionAuthority asn1.RawValue    `asn1:"tag:0,optional,explicit"`
	NamingAuthority    asn1.RawValue    `asn1:"tag:1,optional,explicit"`
	ProfessionInfos    []professionInfo `asn1:"sequence"`
}

type professionInfo struct {
	NamingAuthority    asn1.RawValue           `asn1:"tag:0,optional,explicit"`
	ProfessionItems    []string                `asn1:"sequence"`
	ProfessionOIDs     []asn1.ObjectIdentifier `asn1:"optional,sequence"`
	RegistrationNumber string                  `asn1:"printable,optional"`
	AddProfessionInfo  []byte                  `asn1:"optional"`
}

// ParseAdmission reads the admission statement extension of cert.
func ParseAdmission(cert *x509.Certificate) (*Admission, error) {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(OIDAdmission) {
			return parseAdmissionSyntax(ext.Value)
		}
	}
	return nil, errNoAdmission
}

func parseAdmissionSyntax(der []byte) (*Admission, error) {
	outer := new(asn1.RawValue)
	if _, err := asn1.Unmarshal(der, outer); err != nil {
		return nil, fmt.Errorf("unmarshal admission statement: %w", err)
	}

	elements, err := sequenceElements(outer.Bytes)
	if err != nil {
		return nil, fmt.Errorf("read admission statement: %w", err)
	}

	// the admission authority is optional, contents are always last
	var contents []byte
	switch len(elements) {
	case 1, 2:
		contents = elements[len(elements)-1].FullBytes
	default:
		return nil, fmt.Errorf("unexpected number of elements in admission statement: %d", len(elements))
	}

	var all []admissions
	if _, err := asn1.Unmarshal(contents, &all); err != nil {
		return nil, fmt.Errorf("unmarshal contents of admissions: %w", err)
	}
	if len(all) == 0 || len(all[0].ProfessionInfos) == 0 {
		return nil, errors.New("admission statement carries no profession")
	}

	info := all[0].ProfessionInfos[0]
	admission := &Admission{
		ProfessionItems:    info.ProfessionItems,
		RegistrationNumber: info.RegistrationNumber,
	}
	for _, oid := range info.ProfessionOIDs {
		admission.ProfessionOIDs = append(admission.ProfessionOIDs, oid.String())
	}
	return admission, nil
}

func sequenceElements(b []byte) ([]asn1.RawValue, error) {
	var elements []asn1.RawValue
	for rest := b; len(rest) > 0; {
		var v asn1.RawValue
		var err error
		rest, err = asn1.Unmarshal(rest, &v)
		if err != nil {
			return nil, err
		}
		elements = append(elements, v)
	}
	return elements, nil
}
