package idp

import (
	"context"
	"regexp"
	"time"

	"github.com/gematik/zero-idp/pkg/oauth2"
	"github.com/gematik/zero-idp/pkg/token"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

var (
	printableASCII    = regexp.MustCompile(`^[\x20-\x7E]{1,32}$`)
	codeChallengeChar = regexp.MustCompile(`^[A-Za-z0-9_-]{1,43}$`)
)

type ChallengeRequest struct {
	ResponseType        string
	ClientID            string
	State               string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
}

type UserConsent struct {
	RequestedScopes map[string]string `json:"requested_scopes"`
	RequestedClaims map[string]string `json:"requested_claims"`
}

type ChallengeResult struct {
	Challenge   string      `json:"challenge"`
	UserConsent UserConsent `json:"user_consent"`
	ExpiresAt   time.Time   `json:"-"`
}

// IssueChallenge validates an authorization request and signs a challenge binding its parameters.
func (e *Engine) IssueChallenge(ctx context.Context, origin Origin, req ChallengeRequest) (*ChallengeResult, error) {
	snap, err := e.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	if err := validateChallengeRequest(req); err != nil {
		return nil, err
	}

	client, err := snap.Client(req.ClientID)
	if err != nil {
		return nil, err
	}
	if !client.HasRedirectURI(req.RedirectURI) {
		return nil, oauth2.NewError(oauth2.KindInvalidRequest, "redirect_uri is not registered for client %s", client.ID)
	}

	resolved, err := snap.ResolveScope(req.Scope)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	exp := now.Add(snap.Timeouts.Clamped().Challenge)

	challenge := jwt.New()
	claims := map[string]interface{}{
		"iss":                    e.issuer(origin, snap),
		"iat":                    now.Unix(),
		"exp":                    exp.Unix(),
		"jti":                    e.newID(),
		token.ClaimTokenType:     TokenTypeChallenge,
		ClaimSnc:                 e.newID(),
		ClaimScope:               req.Scope,
		ClaimCodeChallenge:       req.CodeChallenge,
		ClaimCodeChallengeMethod: req.CodeChallengeMethod,
		ClaimResponseType:        req.ResponseType,
		ClaimRedirectURI:         req.RedirectURI,
		ClaimClientID:            req.ClientID,
		ClaimState:               req.State,
	}
	if req.Nonce != "" {
		claims[ClaimNonce] = req.Nonce
	}
	if err := setClaims(challenge, claims); err != nil {
		return nil, err
	}

	signed, err := token.Sign(challenge, e.sigAlg, e.sigPrK, nil)
	if err != nil {
		return nil, oauth2.WrapError(oauth2.KindServer, err, "unable to sign challenge")
	}

	return &ChallengeResult{
		Challenge:   string(signed),
		UserConsent: userConsent(snap, resolved),
		ExpiresAt:   exp,
	}, nil
}

func validateChallengeRequest(req ChallengeRequest) error {
	if req.ResponseType != oauth2.ResponseTypeCode {
		return oauth2.NewError(oauth2.KindInvalidRequest, "unsupported response_type: %s", req.ResponseType).
			WithCode(oauth2.ErrorCodeUnsupportedResponseType)
	}
	if oauth2.CodeChallengeMethod(req.CodeChallengeMethod) != oauth2.CodeChallengeMethodS256 {
		return oauth2.NewError(oauth2.KindPKCE, "unsupported code_challenge_method: %s", req.CodeChallengeMethod).
			WithCode(oauth2.ErrorCodeInvalidRequest)
	}
	if req.ClientID == "" {
		return oauth2.NewError(oauth2.KindInvalidRequest, "client_id is required")
	}
	if req.RedirectURI == "" {
		return oauth2.NewError(oauth2.KindInvalidRequest, "redirect_uri is required")
	}
	if !printableASCII.MatchString(req.State) {
		return oauth2.NewError(oauth2.KindInvalidRequest, "state must be 1 to 32 printable ASCII characters")
	}
	if req.Nonce != "" && !printableASCII.MatchString(req.Nonce) {
		return oauth2.NewError(oauth2.KindInvalidRequest, "nonce must be at most 32 printable ASCII characters")
	}
	if !codeChallengeChar.MatchString(req.CodeChallenge) {
		return oauth2.NewError(oauth2.KindPKCE, "code_challenge must be at most 43 base64url characters").
			WithCode(oauth2.ErrorCodeInvalidRequest)
	}
	return nil
}

func userConsent(snap *Snapshot, resolved *ResolvedScope) UserConsent {
	consent := UserConsent{
		RequestedScopes: make(map[string]string, len(resolved.Scopes)),
		RequestedClaims: make(map[string]string, len(resolved.Claims)),
	}
	for _, sc := range resolved.Scopes {
		consent.RequestedScopes[sc.ID] = sc.Description
	}
	for _, claim := range resolved.Claims {
		description, ok := snap.ClaimDescriptions[claim]
		if !ok {
			description = defaultClaimDescriptions[claim]
		}
		consent.RequestedClaims[claim] = description
	}
	return consent
}

func setClaims(tok jwt.Token, claims map[string]interface{}) error {
	for k, v := range claims {
		if err := tok.Set(k, v); err != nil {
			return oauth2.WrapError(oauth2.KindServer, err, "unable to set claim %s", k)
		}
	}
	return nil
}
