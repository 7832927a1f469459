package token

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwe"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Sign creates a compact JWS with typ JWT. Additional protected headers may be passed in headers.
func Sign(claims jwt.Token, alg jwa.SignatureAlgorithm, key interface{}, headers jws.Headers) ([]byte, error) {
	if headers == nil {
		headers = jws.NewHeaders()
	}
	if err := headers.Set(jws.TypeKey, TypeJWT); err != nil {
		return nil, fmt.Errorf("set typ header: %w", err)
	}
	signed, err := jwt.Sign(claims, jwt.WithKey(alg, key, jws.WithProtectedHeaders(headers)))
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// EncryptNested wraps a compact JWS as {"njwt": ...} and encrypts it with A256GCM.
// The JWE carries cty NJWT and the expiry of the inner token in its exp header.
func EncryptNested(signed []byte, alg jwa.KeyEncryptionAlgorithm, key interface{}, exp time.Time) ([]byte, error) {
	payload, err := json.Marshal(nestedJWT{Njwt: string(signed)})
	if err != nil {
		return nil, fmt.Errorf("marshal nested token: %w", err)
	}
	defer wipe(payload)
	return Encrypt(payload, alg, key, ContentTypeNestedJWT, exp)
}

// Encrypt encrypts payload with A256GCM. The cty and exp headers are set when non-empty.
func Encrypt(payload []byte, alg jwa.KeyEncryptionAlgorithm, key interface{}, cty string, exp time.Time) ([]byte, error) {
	headers := jwe.NewHeaders()
	if cty != "" {
		if err := headers.Set(jwe.ContentTypeKey, cty); err != nil {
			return nil, fmt.Errorf("set cty header: %w", err)
		}
	}
	if !exp.IsZero() {
		if err := headers.Set(HeaderKeyExpiry, exp.Unix()); err != nil {
			return nil, fmt.Errorf("set exp header: %w", err)
		}
	}

	encrypted, err := jwe.Encrypt(
		payload,
		jwe.WithKey(alg, key),
		jwe.WithContentEncryption(jwa.A256GCM),
		jwe.WithProtectedHeaders(headers),
	)
	if err != nil {
		return nil, fmt.Errorf("encrypt token: %w", err)
	}
	return encrypted, nil
}
