package util

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"
	"os"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// RandomJWK generates a P-256 private key with its thumbprint as key id.
func RandomJWK() (jwk.Key, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("could not generate key: %w", err)
	}
	key, err := jwk.FromRaw(privateKey)
	if err != nil {
		return nil, fmt.Errorf("could not create jwk from key: %w", err)
	}
	if err := SetThumbprintKeyID(key); err != nil {
		return nil, err
	}
	return key, nil
}

// LoadJwkFromPem reads a PEM encoded key. A key without kid gets its thumbprint.
func LoadJwkFromPem(path string) (jwk.Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	key, err := jwk.ParseKey(data, jwk.WithPEM(true))
	if err != nil {
		return nil, fmt.Errorf("parse key: %w", err)
	}
	if key.KeyID() == "" {
		if err := SetThumbprintKeyID(key); err != nil {
			return nil, err
		}
	}
	return key, nil
}

func SetThumbprintKeyID(key jwk.Key) error {
	t, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return fmt.Errorf("compute thumbprint: %w", err)
	}
	return key.Set(jwk.KeyIDKey, base64.RawURLEncoding.EncodeToString(t))
}

// PublicJwkSet returns a set with the public parts of keys.
func PublicJwkSet(keys ...jwk.Key) (jwk.Set, error) {
	set := jwk.NewSet()
	for _, key := range keys {
		pub, err := key.PublicKey()
		if err != nil {
			return nil, fmt.Errorf("get public key: %w", err)
		}
		if err := set.AddKey(pub); err != nil {
			return nil, fmt.Errorf("add key: %w", err)
		}
	}
	return set, nil
}

func GenerateRandomString(n int) string {
	const letters = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-"
	ret := make([]byte, n)
	for i := 0; i < n; i++ {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(letters))))
		if err != nil {
			panic("Random number generation failed")
		}
		ret[i] = letters[num.Int64()]
	}

	return string(ret)
}
