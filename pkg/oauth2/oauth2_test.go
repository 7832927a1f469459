package oauth2_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/gematik/zero-idp/pkg/oauth2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestS256ChallengeFromVerifier(t *testing.T) {
	// RFC 7636, appendix B
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	assert.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM", oauth2.S256ChallengeFromVerifier(verifier))
	assert.True(t, oauth2.VerifyS256(verifier, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"))
	assert.False(t, oauth2.VerifyS256(verifier+"x", "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"))
}

func TestGenerateCodeVerifier(t *testing.T) {
	verifier := oauth2.GenerateCodeVerifier()
	assert.True(t, oauth2.ValidCodeVerifier(verifier), "generated verifier must be valid: %s", verifier)
	assert.NotEqual(t, verifier, oauth2.GenerateCodeVerifier())
}

func TestValidCodeVerifier(t *testing.T) {
	tests := []struct {
		name     string
		verifier string
		valid    bool
	}{
		{"minimum length", strings.Repeat("a", 43), true},
		{"maximum length", strings.Repeat("a", 128), true},
		{"too short", strings.Repeat("a", 42), false},
		{"too long", strings.Repeat("a", 129), false},
		{"unreserved symbols", strings.Repeat("-._~", 11), true},
		{"illegal character", strings.Repeat("a", 42) + "+", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, oauth2.ValidCodeVerifier(tt.verifier))
		})
	}
}

func TestErrorKinds(t *testing.T) {
	cause := errors.New("connection refused")
	err := oauth2.WrapError(oauth2.KindUnavailable, cause, "revocation service unavailable")

	wrapped := fmt.Errorf("redeem: %w", err)

	e, ok := oauth2.AsError(wrapped)
	require.True(t, ok)
	assert.Equal(t, oauth2.KindUnavailable, e.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, e.HttpStatus)
	assert.Equal(t, oauth2.ErrorCodeTemporarilyUnavailable, e.Code)
	assert.True(t, oauth2.IsKind(wrapped, oauth2.KindUnavailable))
	assert.ErrorIs(t, wrapped, cause)

	scopeErr := oauth2.NewError(oauth2.KindUnknownEntity, "unknown scope: %s", "x").WithCode(oauth2.ErrorCodeInvalidScope)
	assert.Equal(t, "invalid_scope: unknown scope: x", scopeErr.Error())
	assert.Equal(t, http.StatusBadRequest, scopeErr.HttpStatus)
}

type stubClient struct{}

func (stubClient) AuthCodeURL(state, nonce, verifier string) (string, error) {
	return fmt.Sprintf("https://idp.example.com/auth?state=%s&nonce=%s&code_challenge=%s",
		state, nonce, oauth2.S256ChallengeFromVerifier(verifier)), nil
}

func (stubClient) Exchange(ctx context.Context, code, verifier string) (*oauth2.TokenResponse, error) {
	return nil, errors.New("not implemented")
}

func TestNewClientSession(t *testing.T) {
	session, err := oauth2.NewClientSession(stubClient{})
	require.NoError(t, err)

	assert.Len(t, session.State, 32)
	assert.Len(t, session.Nonce, 32)
	assert.NotEqual(t, session.State, session.Nonce)
	assert.True(t, oauth2.ValidCodeVerifier(session.Verifier))
	assert.Contains(t, session.AuthURL, "state="+session.State)
	assert.Contains(t, session.AuthURL, "code_challenge="+oauth2.S256ChallengeFromVerifier(session.Verifier))
}
