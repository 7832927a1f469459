package idp

import "testing"

// observeKeyBuffers reports every token key buffer decoded from a key verifier until the test ends.
func observeKeyBuffers(t *testing.T, fn func(*SecretKey)) {
	prev := keyBufferAllocated
	keyBufferAllocated = fn
	t.Cleanup(func() { keyBufferAllocated = prev })
}
