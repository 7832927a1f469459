package token

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/gematik/zero-idp/pkg/oauth2"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwe"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

type Parser interface {
	Parse(ctx context.Context, raw string) (*Token, error)
}

// Decryption selects the key used to open encrypted tokens.
type Decryption struct {
	Algorithm jwa.KeyEncryptionAlgorithm
	Key       interface{}
}

// CompactParser handles both compact forms: a JWS, or a JWE which is decrypted first.
type CompactParser struct {
	// Decryption opens JWEs. Encrypted input is rejected when nil.
	Decryption *Decryption
	// Nested expects the plaintext of a JWE to be {"njwt": "<jws>"}.
	// Otherwise the plaintext is kept in Token.Payload.
	Nested bool
	// Auxiliary runs after parsing, e.g. to derive Token.Expiry from an inner token.
	Auxiliary func(tok *Token) error
}

func (p *CompactParser) Parse(ctx context.Context, raw string) (*Token, error) {
	tok := &Token{Raw: raw}

	switch strings.Count(raw, ".") {
	case 2:
		if err := parseSigned(tok, []byte(raw)); err != nil {
			return nil, err
		}
	case 4:
		if err := p.parseEncrypted(tok); err != nil {
			return nil, err
		}
	default:
		return nil, oauth2.NewError(oauth2.KindContent, "malformed token: unexpected number of segments")
	}

	if p.Auxiliary != nil {
		if err := p.Auxiliary(tok); err != nil {
			tok.Wipe()
			return nil, err
		}
	}

	return tok, nil
}

func (p *CompactParser) parseEncrypted(tok *Token) error {
	if p.Decryption == nil {
		return oauth2.NewError(oauth2.KindContent, "encrypted token not accepted")
	}

	msg := jwe.NewMessage()
	plaintext, err := jwe.Decrypt(
		[]byte(tok.Raw),
		jwe.WithKey(p.Decryption.Algorithm, p.Decryption.Key),
		jwe.WithMessage(msg),
	)
	if err != nil {
		return oauth2.WrapError(oauth2.KindContent, err, "unable to decrypt token")
	}

	tok.Encrypted = true
	tok.EncryptionHeaders = msg.ProtectedHeaders()

	if exp, ok := tok.EncryptionHeaders.Get(HeaderKeyExpiry); ok {
		tok.Expiry, err = numericDate(exp)
		if err != nil {
			wipe(plaintext)
			return oauth2.WrapError(oauth2.KindContent, err, "invalid exp header")
		}
	}

	if !p.Nested {
		tok.Payload = plaintext
		return nil
	}

	nested := new(nestedJWT)
	err = json.Unmarshal(plaintext, nested)
	wipe(plaintext)
	if err != nil {
		return oauth2.WrapError(oauth2.KindContent, err, "malformed nested token")
	}
	if nested.Njwt == "" {
		return oauth2.NewError(oauth2.KindContent, "claim njwt is required")
	}

	return parseSigned(tok, []byte(nested.Njwt))
}

func parseSigned(tok *Token, compact []byte) error {
	// signatures are checked by validators, this only decodes
	msg, err := jws.Parse(compact)
	if err != nil {
		return oauth2.WrapError(oauth2.KindContent, err, "unable to parse signed token")
	}

	if len(msg.Signatures()) != 1 {
		return oauth2.NewError(oauth2.KindSignature, "expected exactly one signature, got %d", len(msg.Signatures()))
	}

	protectedHeaders := msg.Signatures()[0].ProtectedHeaders()
	if protectedHeaders == nil {
		return oauth2.NewError(oauth2.KindSignature, "no protected headers found")
	}

	claims, err := jwt.ParseInsecure(compact)
	if err != nil {
		return oauth2.WrapError(oauth2.KindContent, err, "unable to parse token claims")
	}

	tok.Signed = compact
	tok.SignatureHeaders = protectedHeaders
	tok.Claims = claims
	return nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// PeekClaims decodes the claims of a compact JWS without any verification.
func PeekClaims(compact string) (jwt.Token, error) {
	claims, err := jwt.ParseInsecure([]byte(compact))
	if err != nil {
		return nil, oauth2.WrapError(oauth2.KindContent, err, "unable to parse token claims")
	}
	return claims, nil
}
