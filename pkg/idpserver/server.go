// Package idpserver binds the identity provider engine to HTTP.
package idpserver

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gematik/zero-idp/pkg/idp"
	"github.com/gematik/zero-idp/pkg/oauth2"
	"github.com/gematik/zero-idp/pkg/pairing"
	"github.com/gematik/zero-idp/pkg/pki"
	"github.com/gematik/zero-idp/pkg/token"
	"github.com/gematik/zero-idp/pkg/util"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/valkey-io/valkey-go"
)

const Version = "0.1.0"

const (
	ParamSignedChallenge   = "signed_challenge"
	ParamAltAuthData       = "encrypted_signed_authentication_data"
	ParamSsoToken          = "ssotoken"
	ParamUnsignedChallenge = "unsigned_challenge"
	ParamKeyVerifier       = "key_verifier"
)

// OpenID Connect metadata in the format of the gematik IDP-Dienst
type Metadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	AlternativeAuthEndpoint           string   `json:"auth_pair_endpoint,omitempty"`
	SsoEndpoint                       string   `json:"sso_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	JwksURI                           string   `json:"jwks_uri"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	ResponseModesSupported            []string `json:"response_modes_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	IdTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	SigningKeyURI                     string   `json:"uri_puk_idp_sig"`
	EncryptionKeyURI                  string   `json:"uri_puk_idp_enc"`
}

type Server struct {
	Address       string
	engine        *idp.Engine
	ledger        CodeLedger
	clock         token.Clock
	issuer        string
	issuersByHost map[string]string
	scopes        []string
	sigPuK        jwk.Key
	encPuK        jwk.Key
	jwks          jwk.Set
	valkeyClient  valkey.Client
	engineOpts    []idp.Option
}

type Option func(*Server) error

// WithEngineOptions are applied after the options derived from the config.
func WithEngineOptions(opts ...idp.Option) Option {
	return func(s *Server) error {
		s.engineOpts = append(s.engineOpts, opts...)
		return nil
	}
}

func WithCodeLedger(ledger CodeLedger) Option {
	return func(s *Server) error {
		s.ledger = ledger
		return nil
	}
}

func WithClock(clock token.Clock) Option {
	return func(s *Server) error {
		s.clock = clock
		return nil
	}
}

func New(cfg *Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		Address:       cfg.Address,
		clock:         token.SystemClock,
		issuer:        cfg.Issuer,
		issuersByHost: cfg.IssuersByHost,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	snap := cfg.Snapshot()
	for id := range snap.Scopes {
		s.scopes = append(s.scopes, id)
	}
	slices.Sort(s.scopes)

	// load signing key
	sigPrK, err := util.LoadJwkFromPem(absPath(cfg.BaseDir, cfg.SignPrivateKeyPath))
	if err != nil {
		slog.Warn("failed to load signing key, will create random", "path", cfg.SignPrivateKeyPath)
		sigPrK, err = util.RandomJWK()
		if err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
	}

	// load encryption key
	encPrK, err := util.LoadJwkFromPem(absPath(cfg.BaseDir, cfg.EncPrivateKeyPath))
	if err != nil {
		slog.Warn("failed to load encryption key, will create random", "path", cfg.EncPrivateKeyPath)
		encPrK, err = util.RandomJWK()
		if err != nil {
			return nil, fmt.Errorf("generate encryption key: %w", err)
		}
	}

	codeKey, err := loadCodeKey(cfg.CodeKey)
	if err != nil {
		return nil, err
	}

	if cfg.Valkey != nil {
		s.valkeyClient, err = valkey.NewClient(valkey.ClientOption{InitAddress: []string{cfg.Valkey.Address}})
		if err != nil {
			return nil, fmt.Errorf("connect to valkey: %w", err)
		}
		slog.Info("connected to valkey", "address", cfg.Valkey.Address)
	}

	if s.ledger == nil {
		if s.valkeyClient != nil {
			s.ledger = NewValkeyCodeLedger(s.valkeyClient, s.clock)
		} else {
			slog.Warn("no valkey configured, redeemed codes are only tracked by this instance")
			s.ledger = NewMemoryCodeLedger(s.clock)
		}
	}

	engineOpts, err := s.collaborators(cfg)
	if err != nil {
		return nil, err
	}
	engineOpts = append(engineOpts,
		idp.WithClock(s.clock),
		idp.WithSigningKey(sigPrK),
		idp.WithEncryptionKey(encPrK),
		idp.WithCodeKey(codeKey),
	)
	if cfg.Leeway > 0 {
		engineOpts = append(engineOpts, idp.WithLeeway(cfg.Leeway))
	}
	engineOpts = append(engineOpts, s.engineOpts...)

	s.engine, err = idp.New(idp.NewStaticConfig(snap), engineOpts...)
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}

	if err := s.publishKeys(); err != nil {
		return nil, err
	}

	return s, nil
}

// collaborators builds certificate parser, revocation checker and pairing client from the config.
func (s *Server) collaborators(cfg *Config) ([]idp.Option, error) {
	var anchors, intermediates []*x509.Certificate
	var err error
	if cfg.Revocation.TrustAnchorsPath != "" {
		anchors, err = pki.LoadCertificates(absPath(cfg.BaseDir, cfg.Revocation.TrustAnchorsPath))
		if err != nil {
			return nil, fmt.Errorf("load trust anchors: %w", err)
		}
	}
	if cfg.Revocation.IntermediatesPath != "" {
		intermediates, err = pki.LoadCertificates(absPath(cfg.BaseDir, cfg.Revocation.IntermediatesPath))
		if err != nil {
			return nil, fmt.Errorf("load intermediates: %w", err)
		}
	}

	parserOpts := []pki.ParserOption{pki.WithParserClock(s.clock.Now)}
	if len(anchors) > 0 {
		parserOpts = append(parserOpts, pki.WithTrustAnchors(anchors...))
	}
	if len(intermediates) > 0 {
		parserOpts = append(parserOpts, pki.WithIntermediates(intermediates...))
	}
	parser, err := pki.NewCertificateParser(parserOpts...)
	if err != nil {
		return nil, fmt.Errorf("create certificate parser: %w", err)
	}
	opts := []idp.Option{idp.WithCertificateParser(parser)}

	if cfg.Revocation.Disabled {
		slog.Warn("revocation checks are disabled. Don't use this in production.")
		opts = append(opts, idp.WithRevocationChecker(skipRevocation{}))
	} else {
		ocspOpts := []pki.OCSPOption{}
		if cfg.Revocation.ResponderURL != "" {
			ocspOpts = append(ocspOpts, pki.WithResponderURL(cfg.Revocation.ResponderURL))
		}
		if s.valkeyClient != nil {
			ocspOpts = append(ocspOpts, pki.WithCache(pki.NewValkeyRevocationCache(s.valkeyClient)))
		}
		checker, err := pki.NewOCSPChecker(slices.Concat(anchors, intermediates), ocspOpts...)
		if err != nil {
			return nil, fmt.Errorf("create ocsp checker: %w", err)
		}
		opts = append(opts, idp.WithRevocationChecker(checker))
	}

	if cfg.Pairing != nil {
		opts = append(opts, idp.WithPairingVerifier(pairing.NewClient(cfg.Pairing.URL, cfg.Pairing.Timeout)))
		slog.Info("alternative authentication enabled", "pairing_url", cfg.Pairing.URL)
	}

	return opts, nil
}

type skipRevocation struct{}

func (skipRevocation) CheckRevocation(ctx context.Context, cert *idp.Certificate, at time.Time) error {
	return nil
}

func loadCodeKey(encoded string) ([]byte, error) {
	if encoded == "" {
		slog.Warn("no code key configured, will create random. Codes and SSO tokens won't survive a restart.")
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate code key: %w", err)
		}
		return key, nil
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode code key: %w", err)
	}
	return key, nil
}

func (s *Server) publishKeys() error {
	sigPuK, err := s.engine.SigningKey().PublicKey()
	if err != nil {
		return fmt.Errorf("get public key: %w", err)
	}
	if err := sigPuK.Set(jwk.KeyUsageKey, jwk.ForSignature); err != nil {
		return fmt.Errorf("set key usage: %w", err)
	}
	encPuK, err := s.engine.EncryptionKey()
	if err != nil {
		return fmt.Errorf("get public key: %w", err)
	}
	if err := encPuK.Set(jwk.KeyUsageKey, jwk.ForEncryption); err != nil {
		return fmt.Errorf("set key usage: %w", err)
	}

	s.sigPuK = sigPuK
	s.encPuK = encPuK
	s.jwks = jwk.NewSet()
	s.jwks.AddKey(sigPuK)
	s.jwks.AddKey(encPuK)
	return nil
}

// Close releases the valkey connection if there is one.
func (s *Server) Close() {
	if s.valkeyClient != nil {
		s.valkeyClient.Close()
	}
}

func ErrorHandlerMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		if err == nil {
			return nil
		}

		if oauthErr, ok := oauth2.AsError(err); ok {
			if oauthErr.HttpStatus >= http.StatusInternalServerError {
				slog.Error("Error", "error", err, "path", c.Path(), "remote_addr", c.RealIP())
			} else {
				slog.Info("Request rejected", "error", err, "path", c.Path(), "remote_addr", c.RealIP())
			}
			return c.JSON(oauthErr.HttpStatus, oauthErr)
		}

		slog.Error("Error", "error", err, "path", c.Path(), "remote_addr", c.RealIP())
		var echoErr *echo.HTTPError
		if errors.As(err, &echoErr) {
			return c.JSON(echoErr.Code, &oauth2.Error{
				HttpStatus:  echoErr.Code,
				Code:        oauth2.ErrorCodeServerError,
				Description: fmt.Sprint(echoErr.Message),
			})
		}
		return c.JSON(http.StatusInternalServerError, &oauth2.Error{
			HttpStatus:  http.StatusInternalServerError,
			Code:        oauth2.ErrorCodeServerError,
			Description: err.Error(),
		})
	}
}

func (s *Server) MountRoutes(group *echo.Group) {
	group.Use(
		middleware.Logger(),
		ErrorHandlerMiddleware,
	)

	group.GET("/.well-known/openid-configuration", s.MetadataEndpoint)
	group.GET("/auth", s.AuthorizationEndpoint)
	group.POST("/auth", s.SignedChallengeEndpoint)
	group.POST("/auth/sso", s.SsoEndpoint)
	if s.engine.AlternativeAuthEnabled() {
		group.POST("/auth/alternative", s.AlternativeAuthEndpoint)
	}
	group.POST("/token", s.TokenEndpoint)
	group.GET("/jwks", s.JWKS)
	group.GET("/idpSig/jwk.json", s.SigningKeyEndpoint)
	group.GET("/idpEnc/jwk.json", s.EncryptionKeyEndpoint)
}

// origin resolves the issuer of the host the request was sent to.
func (s *Server) origin(c echo.Context) idp.Origin {
	origin := idp.Origin{ReceivedAt: s.clock.Now()}
	if issuer, ok := s.issuersByHost[c.Request().Host]; ok {
		origin.Issuer = issuer
	}
	return origin
}

func (s *Server) effectiveIssuer(c echo.Context) string {
	if issuer := s.origin(c).Issuer; issuer != "" {
		return issuer
	}
	return s.issuer
}

func (s *Server) Metadata(issuer string) Metadata {
	metadata := Metadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + "/auth",
		SsoEndpoint:                       issuer + "/auth/sso",
		TokenEndpoint:                     issuer + "/token",
		JwksURI:                           issuer + "/jwks",
		ResponseTypesSupported:            []string{oauth2.ResponseTypeCode},
		ResponseModesSupported:            []string{"query"},
		CodeChallengeMethodsSupported:     []string{string(oauth2.CodeChallengeMethodS256)},
		GrantTypesSupported:               []string{oauth2.GrantTypeAuthorizationCode},
		IdTokenSigningAlgValuesSupported:  []string{s.engine.SigningAlgorithm().String()},
		ScopesSupported:                   s.scopes,
		SubjectTypesSupported:             []string{"pairwise"},
		TokenEndpointAuthMethodsSupported: []string{"none"},
		SigningKeyURI:                     issuer + "/idpSig/jwk.json",
		EncryptionKeyURI:                  issuer + "/idpEnc/jwk.json",
	}
	if s.engine.AlternativeAuthEnabled() {
		metadata.AlternativeAuthEndpoint = issuer + "/auth/alternative"
	}
	return metadata
}

func (s *Server) MetadataEndpoint(c echo.Context) error {
	return c.JSON(http.StatusOK, s.Metadata(s.effectiveIssuer(c)))
}

func (s *Server) AuthorizationEndpoint(c echo.Context) error {
	var req idp.ChallengeRequest
	binderr := echo.QueryParamsBinder(c).
		String("response_type", &req.ResponseType).
		String("client_id", &req.ClientID).
		String("state", &req.State).
		String("redirect_uri", &req.RedirectURI).
		String("scope", &req.Scope).
		String("code_challenge", &req.CodeChallenge).
		String("code_challenge_method", &req.CodeChallengeMethod).
		String("nonce", &req.Nonce).
		BindError()
	if binderr != nil {
		return oauth2.WrapError(oauth2.KindInvalidRequest, binderr, "invalid query parameters")
	}

	result, err := s.engine.IssueChallenge(c.Request().Context(), s.origin(c), req)
	if err != nil {
		return err
	}

	slog.Debug("issued challenge", "client_id", req.ClientID, "challenge", util.JWSToText(result.Challenge))

	return c.JSON(http.StatusOK, result)
}

func (s *Server) SignedChallengeEndpoint(c echo.Context) error {
	result, err := s.engine.RedeemSignedChallenge(c.Request().Context(), s.origin(c), c.FormValue(ParamSignedChallenge))
	if err != nil {
		return err
	}
	return redirectWithCode(c, result)
}

func (s *Server) AlternativeAuthEndpoint(c echo.Context) error {
	result, err := s.engine.RedeemAlternativeAuth(c.Request().Context(), s.origin(c), c.FormValue(ParamAltAuthData))
	if err != nil {
		return err
	}
	return redirectWithCode(c, result)
}

func (s *Server) SsoEndpoint(c echo.Context) error {
	result, err := s.engine.RedeemSso(c.Request().Context(), s.origin(c), c.FormValue(ParamSsoToken), c.FormValue(ParamUnsignedChallenge))
	if err != nil {
		return err
	}
	return redirectWithCode(c, result)
}

func redirectWithCode(c echo.Context, result *idp.AuthorizationResult) error {
	redirectURL, err := url.Parse(result.RedirectURI)
	if err != nil {
		return oauth2.WrapError(oauth2.KindServer, err, "registered redirect_uri is invalid")
	}
	params := redirectURL.Query()
	params.Set("code", result.Code)
	params.Set("state", result.State)
	if result.SsoToken != "" {
		params.Set(ParamSsoToken, result.SsoToken)
	}
	redirectURL.RawQuery = params.Encode()

	return c.Redirect(http.StatusFound, redirectURL.String())
}

func (s *Server) TokenEndpoint(c echo.Context) error {
	r := c.Request()
	if !strings.HasPrefix(r.Header.Get(echo.HeaderContentType), echo.MIMEApplicationForm) {
		return oauth2.NewError(oauth2.KindInvalidRequest, "invalid content type")
	}
	if err := r.ParseForm(); err != nil {
		return oauth2.WrapError(oauth2.KindInvalidRequest, err, "unable to parse form")
	}

	result, err := s.engine.RedeemToken(r.Context(), s.origin(c), idp.TokenRequest{
		Code:        r.PostFormValue("code"),
		KeyVerifier: r.PostFormValue(ParamKeyVerifier),
		ClientID:    r.PostFormValue("client_id"),
		GrantType:   r.PostFormValue("grant_type"),
		RedirectURI: r.PostFormValue("redirect_uri"),
	})
	if err != nil {
		return err
	}

	if err := s.ledger.Consume(r.Context(), result.CodeID, result.CodeExpiresAt); err != nil {
		if errors.Is(err, ErrCodeReused) {
			return oauth2.WrapError(oauth2.KindProtocolViolation, err, "code was already redeemed")
		}
		return oauth2.WrapError(oauth2.KindUnavailable, err, "unable to record redeemed code")
	}

	c.Response().Header().Set("Cache-Control", "no-store")
	c.Response().Header().Set("Pragma", "no-cache")
	return c.JSON(http.StatusOK, result.Response)
}

// JWKS serves the public signing and encryption keys
func (s *Server) JWKS(c echo.Context) error {
	return c.JSON(http.StatusOK, s.jwks)
}

func (s *Server) SigningKeyEndpoint(c echo.Context) error {
	return c.JSON(http.StatusOK, s.sigPuK)
}

func (s *Server) EncryptionKeyEndpoint(c echo.Context) error {
	return c.JSON(http.StatusOK, s.encPuK)
}
