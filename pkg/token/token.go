// Package token parses, validates and creates the compact JOSE tokens exchanged
// with the identity provider.
package token

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwe"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const (
	// content type of encrypted or signed envelopes which carry a nested JWT
	ContentTypeNestedJWT = "NJWT"
	TypeJWT              = "JWT"

	ClaimTokenType  = "token_type"
	ClaimNestedJWT  = "njwt"
	HeaderKeyExpiry = "exp"
)

// Token is the result of parsing a compact serialization.
type Token struct {
	// Raw is the token as received.
	Raw string
	// Signed is the compact JWS, either Raw itself or the nested token of an encrypted envelope.
	Signed []byte
	// Encrypted is set if Raw is a JWE.
	Encrypted         bool
	EncryptionHeaders jwe.Headers
	SignatureHeaders  jws.Headers
	// Claims of the signed token. Nil for encrypted tokens without a nested JWT.
	Claims jwt.Token
	// Payload is the decrypted plaintext of encrypted tokens without a nested JWT.
	Payload []byte
	// Expiry governing the whole token, taken from the JWE header or set by an auxiliary parser step.
	Expiry time.Time
}

// Wipe overwrites the decrypted payload.
func (t *Token) Wipe() {
	for i := range t.Payload {
		t.Payload[i] = 0
	}
}

type nestedJWT struct {
	Njwt string `json:"njwt"`
}

func StringClaim(token jwt.Token, name string, required bool) (string, error) {
	if claim, ok := token.Get(name); ok {
		if claimStr, ok := claim.(string); ok {
			return claimStr, nil
		}
		return "", fmt.Errorf("claim %s is not a string", name)
	}
	if required {
		return "", fmt.Errorf("claim %s is required", name)
	}
	return "", nil
}

func StringsClaim(token jwt.Token, name string, required bool) ([]string, error) {
	claim, ok := token.Get(name)
	if !ok {
		if required {
			return nil, fmt.Errorf("claim %s is required", name)
		}
		return nil, nil
	}
	switch v := claim.(type) {
	case []string:
		return v, nil
	case []interface{}:
		result := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("claim %s contains a non-string value", name)
			}
			result = append(result, s)
		}
		return result, nil
	default:
		return nil, fmt.Errorf("claim %s is not an array of strings", name)
	}
}

// TimeClaim reads a NumericDate claim. Registered claims are already decoded
// to time.Time by jwx, private ones arrive as JSON numbers.
func TimeClaim(token jwt.Token, name string, required bool) (time.Time, error) {
	claim, ok := token.Get(name)
	if !ok {
		if required {
			return time.Time{}, fmt.Errorf("claim %s is required", name)
		}
		return time.Time{}, nil
	}
	t, err := numericDate(claim)
	if err != nil {
		return time.Time{}, fmt.Errorf("claim %s: %w", name, err)
	}
	return t, nil
}

func numericDate(v interface{}) (time.Time, error) {
	switch n := v.(type) {
	case time.Time:
		return n, nil
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return time.Time{}, fmt.Errorf("invalid numeric date")
		}
		return time.Unix(int64(n), 0), nil
	case int64:
		return time.Unix(n, 0), nil
	case int:
		return time.Unix(int64(n), 0), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid numeric date: %w", err)
		}
		return time.Unix(i, 0), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported numeric date type %T", v)
	}
}
