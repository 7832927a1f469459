package idp

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"sync"

	"github.com/gematik/zero-idp/pkg/oauth2"
	"github.com/gematik/zero-idp/pkg/token"
)

const (
	ClaimTokenKey     = "token_key"
	ClaimCodeVerifier = "code_verifier"

	tokenKeySize = 32
)

// SecretKey holds the symmetric key a client sent for encrypting its tokens.
// Destroy zeroes the buffer, only the first call has an effect.
type SecretKey struct {
	b    []byte
	once sync.Once
}

func (k *SecretKey) Bytes() []byte {
	return k.b
}

func (k *SecretKey) Destroy() {
	k.once.Do(func() {
		for i := range k.b {
			k.b[i] = 0
		}
	})
}

// IsZero reports whether every byte of the key is zero.
func (k *SecretKey) IsZero() bool {
	for _, b := range k.b {
		if b != 0 {
			return false
		}
	}
	return true
}

// KeyVerifier is the decoded content of the key_verifier parameter.
type KeyVerifier struct {
	Key          *SecretKey
	CodeVerifier string
}

type keyVerifierPayload struct {
	TokenKey     json.RawMessage `json:"token_key"`
	CodeVerifier string          `json:"code_verifier"`
}

// keyBufferAllocated is nil outside of tests.
var keyBufferAllocated func(*SecretKey)

// decodeKeyVerifier reads the plaintext of a key verifier. The plaintext is zeroed
// before returning. On error no key material is left behind.
func decodeKeyVerifier(tok *token.Token) (*KeyVerifier, error) {
	defer tok.Wipe()

	payload := new(keyVerifierPayload)
	if err := json.Unmarshal(tok.Payload, payload); err != nil {
		return nil, oauth2.WrapError(oauth2.KindContent, err, "malformed key_verifier")
	}
	defer wipe(payload.TokenKey)

	// decoded straight from the raw JSON so no immutable string copy of the key exists
	raw := unquote(payload.TokenKey)
	key := &SecretKey{b: make([]byte, base64.RawURLEncoding.DecodedLen(len(raw)))}
	if keyBufferAllocated != nil {
		keyBufferAllocated(key)
	}

	n, err := base64.RawURLEncoding.Decode(key.b, raw)
	if err != nil || n != tokenKeySize {
		key.Destroy()
		return nil, oauth2.NewError(oauth2.KindInvalidRequest, "token_key must be a base64url encoded 256 bit key")
	}
	key.b = key.b[:n]

	if !oauth2.ValidCodeVerifier(payload.CodeVerifier) {
		key.Destroy()
		return nil, oauth2.NewError(oauth2.KindPKCE, "code_verifier is malformed")
	}

	return &KeyVerifier{Key: key, CodeVerifier: payload.CodeVerifier}, nil
}

func unquote(raw json.RawMessage) []byte {
	if len(raw) >= 2 && raw[0] == '"' && raw[len(raw)-1] == '"' {
		raw = raw[1 : len(raw)-1]
	}
	return bytes.TrimRight(raw, "=")
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
