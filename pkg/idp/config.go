package idp

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/gematik/zero-idp/pkg/oauth2"
)

const (
	MaxChallengeTimeout   = 180 * time.Second
	MaxCodeTimeout        = 60 * time.Second
	MaxSsoTimeout         = 24 * time.Hour
	MaxAccessTokenTimeout = 300 * time.Second
	MaxIDTokenTimeout     = 86400 * time.Second

	// ScopeOpenID is the base identity scope. It never maps to a service.
	ScopeOpenID = "openid"
)

type Client struct {
	ID           string
	RedirectURIs []string
	// SsoEnabled makes the engine mint an SSO token next to each authorization code.
	SsoEnabled bool
}

// Service is a downstream resource service. Zero timeouts fall back to the global ones.
type Service struct {
	ID                 string
	Audience           string
	SectorIdentifier   string
	SsoTimeout         time.Duration
	AccessTokenTimeout time.Duration
	IDTokenTimeout     time.Duration
}

type Scope struct {
	ID          string
	Description string
	// Claims the scope grants access to.
	Claims []string
	// ServiceID is empty for the base identity scope.
	ServiceID string
}

type Timeouts struct {
	Challenge   time.Duration
	Code        time.Duration
	Sso         time.Duration
	AccessToken time.Duration
	IDToken     time.Duration
}

// Clamped returns the timeouts limited to their maxima. Unset values become the maximum.
func (t Timeouts) Clamped() Timeouts {
	return Timeouts{
		Challenge:   clamp(t.Challenge, MaxChallengeTimeout),
		Code:        clamp(t.Code, MaxCodeTimeout),
		Sso:         clamp(t.Sso, MaxSsoTimeout),
		AccessToken: clamp(t.AccessToken, MaxAccessTokenTimeout),
		IDToken:     clamp(t.IDToken, MaxIDTokenTimeout),
	}
}

func clamp(d, max time.Duration) time.Duration {
	if d <= 0 || d > max {
		return max
	}
	return d
}

// Snapshot is the read-only configuration a single request works with.
type Snapshot struct {
	Issuer      string
	SubjectSalt string
	Clients     map[string]Client
	Scopes      map[string]Scope
	Services    map[string]Service
	Timeouts    Timeouts
	// ClaimDescriptions are shown to the user in the consent. Defaults apply to missing entries.
	ClaimDescriptions map[string]string
}

type ConfigProvider interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
}

// StaticConfig serves the same snapshot to every request.
type StaticConfig struct {
	snapshot *Snapshot
}

func NewStaticConfig(snapshot *Snapshot) *StaticConfig {
	s := *snapshot
	s.Timeouts = snapshot.Timeouts.Clamped()
	return &StaticConfig{snapshot: &s}
}

func (c *StaticConfig) Snapshot(ctx context.Context) (*Snapshot, error) {
	return c.snapshot, nil
}

func (s *Snapshot) Client(id string) (*Client, error) {
	client, ok := s.Clients[id]
	if !ok {
		return nil, oauth2.NewError(oauth2.KindUnknownEntity, "unknown client: %s", id)
	}
	return &client, nil
}

func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// ResolvedScope is the outcome of checking a requested scope string.
type ResolvedScope struct {
	Scopes  []Scope
	Service *Service
	// Claims granted by all requested scopes, without duplicates.
	Claims []string
}

// ResolveScope requires the base identity scope plus exactly one scope mapped to a service.
func (s *Snapshot) ResolveScope(scope string) (*ResolvedScope, error) {
	requested := uniqueFields(scope)
	if !slices.Contains(requested, ScopeOpenID) {
		return nil, oauth2.NewError(oauth2.KindInvalidRequest, "scope must contain %s", ScopeOpenID).WithCode(oauth2.ErrorCodeInvalidScope)
	}
	if len(requested) != 2 {
		return nil, oauth2.NewError(oauth2.KindInvalidRequest, "scope must contain exactly one service scope").WithCode(oauth2.ErrorCodeInvalidScope)
	}

	resolved := &ResolvedScope{}
	for _, id := range requested {
		sc, ok := s.Scopes[id]
		if !ok {
			if id != ScopeOpenID {
				return nil, oauth2.NewError(oauth2.KindUnknownEntity, "unknown scope: %s", id).WithCode(oauth2.ErrorCodeInvalidScope)
			}
			sc = Scope{ID: ScopeOpenID, Description: "OpenID Connect"}
		}
		resolved.Scopes = append(resolved.Scopes, sc)
		for _, claim := range sc.Claims {
			if !slices.Contains(resolved.Claims, claim) {
				resolved.Claims = append(resolved.Claims, claim)
			}
		}

		if id == ScopeOpenID {
			continue
		}
		service, ok := s.Services[sc.ServiceID]
		if sc.ServiceID == "" || !ok {
			return nil, oauth2.NewError(oauth2.KindUnknownEntity, "scope %s is not mapped to a service", id).WithCode(oauth2.ErrorCodeInvalidScope)
		}
		resolved.Service = &service
	}

	return resolved, nil
}

func uniqueFields(s string) []string {
	fields := strings.Fields(s)
	result := make([]string, 0, len(fields))
	for _, f := range fields {
		if !slices.Contains(result, f) {
			result = append(result, f)
		}
	}
	return result
}

// SsoWindow is how long after auth_time an SSO token of this service may be redeemed.
// A service without its own value gets the maximum.
func (s *Service) SsoWindow() time.Duration {
	return clamp(s.SsoTimeout, MaxSsoTimeout)
}

func (s *Service) accessTokenTimeout(global time.Duration) time.Duration {
	return lowest(s.AccessTokenTimeout, global)
}

func (s *Service) idTokenTimeout(global time.Duration) time.Duration {
	return lowest(s.IDTokenTimeout, global)
}

func (s *Service) ssoTokenTimeout(global time.Duration) time.Duration {
	return lowest(s.SsoTimeout, global)
}

func lowest(override, global time.Duration) time.Duration {
	if override > 0 && override < global {
		return override
	}
	return global
}
