package idp

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
)

const (
	ClaimGivenName        = "given_name"
	ClaimFamilyName       = "family_name"
	ClaimOrganizationName = "organizationName"
	ClaimProfessionOID    = "professionOID"
	ClaimIDNumber         = "idNummer"

	ClaimAuthTime            = "auth_time"
	ClaimAMR                 = "amr"
	ClaimACR                 = "acr"
	ClaimAzp                 = "azp"
	ClaimAtHash              = "at_hash"
	ClaimSnc                 = "snc"
	ClaimScope               = "scope"
	ClaimClientID            = "client_id"
	ClaimRedirectURI         = "redirect_uri"
	ClaimState               = "state"
	ClaimNonce               = "nonce"
	ClaimResponseType        = "response_type"
	ClaimCodeChallenge       = "code_challenge"
	ClaimCodeChallengeMethod = "code_challenge_method"
	ClaimAuthCert            = "auth_cert"

	ClaimChallengeToken    = "challenge_token"
	ClaimKeyID             = "key_id"
	ClaimAuthDataVersion   = "auth_data_version"
	ClaimDeviceInformation = "device_information"

	ACRHigh = "gematik-ehealth-loa-high"
)

// identity claims a card certificate may contribute
var cardClaims = []string{
	ClaimGivenName,
	ClaimFamilyName,
	ClaimOrganizationName,
	ClaimProfessionOID,
	ClaimIDNumber,
}

var codeToAccessToken = append(slices.Clone(cardClaims),
	ClaimAuthTime,
	ClaimAMR,
	ClaimACR,
	ClaimScope,
	ClaimClientID,
)

var codeToIDToken = append(slices.Clone(cardClaims),
	ClaimAuthTime,
	ClaimAMR,
	ClaimACR,
	ClaimNonce,
)

var defaultClaimDescriptions = map[string]string{
	ClaimGivenName:        "Vorname",
	ClaimFamilyName:       "Nachname",
	ClaimOrganizationName: "Organisation",
	ClaimProfessionOID:    "Rolle",
	ClaimIDNumber:         "Versicherten- oder Telematik-ID",
}

// Project copies the claims named in allowList. Everything else is dropped.
func Project(src map[string]interface{}, allowList []string) map[string]interface{} {
	dst := make(map[string]interface{}, len(allowList))
	for _, name := range allowList {
		if v, ok := src[name]; ok {
			dst[name] = v
		}
	}
	return dst
}

// PairwiseSubject derives the subject identifier of a person for one sector.
// The same person gets unlinkable subjects in different sectors.
func PairwiseSubject(sectorIdentifier, idNumber, salt string) string {
	h := sha256.New()
	h.Write([]byte(sectorIdentifier))
	h.Write([]byte(idNumber))
	h.Write([]byte(salt))
	return hex.EncodeToString(h.Sum(nil))
}

func intersect(a, b []string) []string {
	result := make([]string, 0, len(a))
	for _, s := range a {
		if slices.Contains(b, s) {
			result = append(result, s)
		}
	}
	return result
}
