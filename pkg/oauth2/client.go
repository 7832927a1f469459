package oauth2

import (
	"context"

	"github.com/gematik/zero-idp/pkg/util"
)

// Client is the relying party side of the authorization code flow.
type Client interface {
	AuthCodeURL(state, nonce, verifier string) (string, error)
	Exchange(ctx context.Context, code, verifier string) (*TokenResponse, error)
}

// ClientSession keeps what a relying party needs between the redirect and the code exchange.
type ClientSession struct {
	State    string `json:"state"`
	Nonce    string `json:"nonce"`
	Verifier string `json:"verifier"`
	AuthURL  string `json:"auth_url"`
}

// NewClientSession creates fresh state, nonce and PKCE verifier and the matching authorization URL.
func NewClientSession(client Client) (*ClientSession, error) {
	session := &ClientSession{
		State:    util.GenerateRandomString(32),
		Nonce:    util.GenerateRandomString(32),
		Verifier: GenerateCodeVerifier(),
	}
	authURL, err := client.AuthCodeURL(session.State, session.Nonce, session.Verifier)
	if err != nil {
		return nil, err
	}
	session.AuthURL = authURL
	return session, nil
}
