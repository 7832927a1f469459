package idpserver

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gematik/zero-idp/pkg/idp"
	"github.com/gematik/zero-idp/pkg/util"
	"gopkg.in/yaml.v3"
)

type Config struct {
	BaseDir            string            `yaml:"-"`
	Address            string            `yaml:"address" validate:"required"`
	Issuer             string            `yaml:"issuer" validate:"required,url"`
	IssuersByHost      map[string]string `yaml:"issuers_by_host" validate:"omitempty,dive,url"`
	SignPrivateKeyPath string            `yaml:"sign_private_key_path"`
	EncPrivateKeyPath  string            `yaml:"enc_private_key_path"`
	// base64 encoded 256 bit key sealing codes and SSO tokens
	CodeKey           string            `yaml:"code_key" validate:"omitempty,base64"`
	SubjectSalt       string            `yaml:"subject_salt" validate:"required"`
	Leeway            time.Duration     `yaml:"leeway"`
	Timeouts          TimeoutsConfig    `yaml:"timeouts"`
	Clients           []ClientConfig    `yaml:"clients" validate:"required,dive"`
	Scopes            []ScopeConfig     `yaml:"scopes" validate:"dive"`
	Services          []ServiceConfig   `yaml:"services" validate:"required,dive"`
	ClaimDescriptions map[string]string `yaml:"claim_descriptions"`
	Revocation        RevocationConfig  `yaml:"revocation"`
	Pairing           *PairingConfig    `yaml:"pairing"`
	Valkey            *ValkeyConfig     `yaml:"valkey"`
}

type TimeoutsConfig struct {
	Challenge   time.Duration `yaml:"challenge"`
	Code        time.Duration `yaml:"code"`
	Sso         time.Duration `yaml:"sso"`
	AccessToken time.Duration `yaml:"access_token"`
	IDToken     time.Duration `yaml:"id_token"`
}

type ClientConfig struct {
	ID           string   `yaml:"id" validate:"required"`
	RedirectURIs []string `yaml:"redirect_uris" validate:"required,dive,url"`
	SsoEnabled   bool     `yaml:"sso_enabled"`
}

type ScopeConfig struct {
	ID          string   `yaml:"id" validate:"required"`
	Description string   `yaml:"description"`
	Claims      []string `yaml:"claims"`
	Service     string   `yaml:"service"`
}

type ServiceConfig struct {
	ID                 string        `yaml:"id" validate:"required"`
	Audience           string        `yaml:"audience" validate:"required"`
	SectorIdentifier   string        `yaml:"sector_identifier" validate:"required"`
	SsoTimeout         time.Duration `yaml:"sso_timeout"`
	AccessTokenTimeout time.Duration `yaml:"access_token_timeout"`
	IDTokenTimeout     time.Duration `yaml:"id_token_timeout"`
}

type RevocationConfig struct {
	// skips OCSP entirely, only for test environments
	Disabled          bool   `yaml:"disabled"`
	ResponderURL      string `yaml:"ocsp_responder_url" validate:"omitempty,url"`
	TrustAnchorsPath  string `yaml:"trust_anchors_path"`
	IntermediatesPath string `yaml:"intermediates_path"`
}

type PairingConfig struct {
	URL     string        `yaml:"url" validate:"required,url"`
	Timeout time.Duration `yaml:"timeout"`
}

type ValkeyConfig struct {
	Address string `yaml:"address" validate:"required"`
}

func LoadConfigFile(path string) (*Config, error) {

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	expanded := os.ExpandEnv(string(content))

	cfg := new(Config)
	cfg.BaseDir = filepath.Dir(path)

	err = yaml.Unmarshal([]byte(expanded), cfg)
	if err != nil {
		return nil, fmt.Errorf("decode config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (cfg *Config) Validate() error {
	if err := util.Validator().Struct(cfg); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	services := make(map[string]bool, len(cfg.Services))
	for _, svc := range cfg.Services {
		services[svc.ID] = true
	}
	for _, sc := range cfg.Scopes {
		if sc.Service != "" && !services[sc.Service] {
			return fmt.Errorf("validate config: scope %s references unknown service %s", sc.ID, sc.Service)
		}
	}
	return nil
}

// Snapshot converts the file configuration into what the engine works with.
func (cfg *Config) Snapshot() *idp.Snapshot {
	snap := &idp.Snapshot{
		Issuer:      cfg.Issuer,
		SubjectSalt: cfg.SubjectSalt,
		Clients:     make(map[string]idp.Client, len(cfg.Clients)),
		Scopes:      make(map[string]idp.Scope, len(cfg.Scopes)),
		Services:    make(map[string]idp.Service, len(cfg.Services)),
		Timeouts: idp.Timeouts{
			Challenge:   cfg.Timeouts.Challenge,
			Code:        cfg.Timeouts.Code,
			Sso:         cfg.Timeouts.Sso,
			AccessToken: cfg.Timeouts.AccessToken,
			IDToken:     cfg.Timeouts.IDToken,
		},
		ClaimDescriptions: cfg.ClaimDescriptions,
	}
	for _, c := range cfg.Clients {
		snap.Clients[c.ID] = idp.Client{ID: c.ID, RedirectURIs: c.RedirectURIs, SsoEnabled: c.SsoEnabled}
	}
	for _, sc := range cfg.Scopes {
		snap.Scopes[sc.ID] = idp.Scope{ID: sc.ID, Description: sc.Description, Claims: sc.Claims, ServiceID: sc.Service}
	}
	for _, svc := range cfg.Services {
		snap.Services[svc.ID] = idp.Service{
			ID:                 svc.ID,
			Audience:           svc.Audience,
			SectorIdentifier:   svc.SectorIdentifier,
			SsoTimeout:         svc.SsoTimeout,
			AccessTokenTimeout: svc.AccessTokenTimeout,
			IDTokenTimeout:     svc.IDTokenTimeout,
		}
	}
	return snap
}

func absPath(baseDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
