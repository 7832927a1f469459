package idpserver_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gematik/zero-idp/pkg/idpserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
address: localhost:8080
issuer: https://idp.example.com
subject_salt: ${TEST_SUBJECT_SALT}
sign_private_key_path: keys/sig.pem
timeouts:
  challenge: 2m
  access_token: 90s
clients:
  - id: client-A
    redirect_uris: [https://app.example.com/cb]
    sso_enabled: true
scopes:
  - id: openid
  - id: svc-x
    claims: [idNummer]
    service: svc-x
services:
  - id: svc-x
    audience: https://svc-x.example.com
    sector_identifier: https://svc-x.example.com
    sso_timeout: 12h
revocation:
  disabled: true
`

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "idp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadConfigFile(t *testing.T) {
	t.Setenv("TEST_SUBJECT_SALT", "pepper")
	path := writeConfig(t, testConfig)

	cfg, err := idpserver.LoadConfigFile(path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Dir(path), cfg.BaseDir)
	assert.Equal(t, "pepper", cfg.SubjectSalt)
	assert.Equal(t, 2*time.Minute, cfg.Timeouts.Challenge)
	assert.Equal(t, 90*time.Second, cfg.Timeouts.AccessToken)
	assert.True(t, cfg.Revocation.Disabled)

	snap := cfg.Snapshot()
	assert.Equal(t, "https://idp.example.com", snap.Issuer)
	assert.True(t, snap.Clients["client-A"].SsoEnabled)
	assert.Equal(t, "svc-x", snap.Scopes["svc-x"].ServiceID)
	assert.Equal(t, 12*time.Hour, snap.Services["svc-x"].SsoTimeout)
}

func TestLoadConfigFileRejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing salt", "address: :8080\nissuer: https://idp.example.com\n"},
		{"invalid issuer", "address: :8080\nissuer: not a url\nsubject_salt: x\n"},
		{"client without redirect", `
address: :8080
issuer: https://idp.example.com
subject_salt: x
clients:
  - id: client-A
services:
  - id: svc-x
    audience: https://svc-x.example.com
    sector_identifier: https://svc-x.example.com
`},
		{"malformed yaml", "address: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_SUBJECT_SALT", "pepper")
			_, err := idpserver.LoadConfigFile(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}

	_, err := idpserver.LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateUnknownScopeService(t *testing.T) {
	cfg := &idpserver.Config{
		Address:     ":8080",
		Issuer:      "https://idp.example.com",
		SubjectSalt: "pepper",
		Clients:     []idpserver.ClientConfig{{ID: "client-A", RedirectURIs: []string{"https://app.example.com/cb"}}},
		Scopes:      []idpserver.ScopeConfig{{ID: "svc-y", Service: "svc-y"}},
		Services:    []idpserver.ServiceConfig{{ID: "svc-x", Audience: "a", SectorIdentifier: "s"}},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown service svc-y")
}
