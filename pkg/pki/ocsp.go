package pki

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gematik/zero-idp/pkg/idp"
	"golang.org/x/crypto/ocsp"
)

const (
	maxOCSPResponseSize = 64 * 1024
	// tolerated clock skew between responder and identity provider
	ocspClockSkew = 5 * time.Minute
)

// OCSPStatus is the part of an OCSP response the checker needs. It is what gets cached.
type OCSPStatus struct {
	Status     int       `cbor:"1,keyasint"`
	ThisUpdate time.Time `cbor:"2,keyasint"`
	NextUpdate time.Time `cbor:"3,keyasint"`
	RevokedAt  time.Time `cbor:"4,keyasint,omitempty"`
}

// RevocationCache stores OCSP results per certificate.
type RevocationCache interface {
	Get(ctx context.Context, key string) (*OCSPStatus, error)
	Put(ctx context.Context, key string, status *OCSPStatus, ttl time.Duration) error
}

// OCSPChecker asks the OCSP responder of the certificate issuer for the revocation status.
type OCSPChecker struct {
	httpClient   *http.Client
	issuers      []*x509.Certificate
	responderURL string
	cache        RevocationCache
}

type OCSPOption func(*OCSPChecker) error

func WithHTTPClient(client *http.Client) OCSPOption {
	return func(c *OCSPChecker) error {
		c.httpClient = client
		return nil
	}
}

// WithResponderURL overrides the responder found in the certificates.
func WithResponderURL(url string) OCSPOption {
	return func(c *OCSPChecker) error {
		c.responderURL = url
		return nil
	}
}

func WithCache(cache RevocationCache) OCSPOption {
	return func(c *OCSPChecker) error {
		c.cache = cache
		return nil
	}
}

func NewOCSPChecker(issuers []*x509.Certificate, opts ...OCSPOption) (*OCSPChecker, error) {
	if len(issuers) == 0 {
		return nil, errors.New("at least one issuer certificate is required")
	}
	c := &OCSPChecker{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		issuers:    issuers,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *OCSPChecker) CheckRevocation(ctx context.Context, cert *idp.Certificate, at time.Time) error {
	key := cacheKey(cert.Raw)

	if c.cache != nil {
		status, err := c.cache.Get(ctx, key)
		if err != nil {
			slog.Warn("revocation cache lookup failed", "error", err)
		} else if status != nil && at.Before(status.NextUpdate) {
			return evaluate(status, at)
		}
	}

	status, err := c.fetch(ctx, cert.X509)
	if err != nil {
		return err
	}
	if err := checkFreshness(status, at); err != nil {
		return err
	}

	if c.cache != nil {
		if ttl := status.NextUpdate.Sub(at); ttl > 0 {
			if err := c.cache.Put(ctx, key, status, ttl); err != nil {
				slog.Warn("revocation cache update failed", "error", err)
			}
		}
	}

	return evaluate(status, at)
}

func checkFreshness(status *OCSPStatus, at time.Time) error {
	if !status.NextUpdate.IsZero() && !at.Before(status.NextUpdate) {
		return fmt.Errorf("%w: ocsp response expired at %s", idp.ErrRevocationUnavailable, status.NextUpdate.UTC().Format(time.RFC3339))
	}
	if status.ThisUpdate.After(at.Add(ocspClockSkew)) {
		return fmt.Errorf("%w: ocsp response produced in the future", idp.ErrRevocationUnavailable)
	}
	return nil
}

func evaluate(status *OCSPStatus, at time.Time) error {
	switch status.Status {
	case ocsp.Good:
		return nil
	case ocsp.Revoked:
		if status.RevokedAt.After(at) {
			return nil
		}
		return fmt.Errorf("%w since %s", idp.ErrCertificateRevoked, status.RevokedAt.UTC().Format(time.RFC3339))
	default:
		return fmt.Errorf("%w: certificate unknown to responder", idp.ErrCertificateInvalid)
	}
}

func (c *OCSPChecker) fetch(ctx context.Context, cert *x509.Certificate) (*OCSPStatus, error) {
	issuer := c.issuerOf(cert)
	if issuer == nil {
		return nil, fmt.Errorf("%w: issuer %s not trusted", idp.ErrCertificateInvalid, cert.Issuer)
	}

	url := c.responderURL
	if url == "" {
		if len(cert.OCSPServer) == 0 {
			return nil, fmt.Errorf("%w: certificate names no ocsp responder", idp.ErrRevocationUnavailable)
		}
		url = cert.OCSPServer[0]
	}

	reqBody, err := ocsp.CreateRequest(cert, issuer, &ocsp.RequestOptions{})
	if err != nil {
		return nil, fmt.Errorf("creating ocsp request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("creating ocsp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/ocsp-request")
	req.Header.Set("Accept", "application/ocsp-response")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", idp.ErrRevocationUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: responder answered with status %d", idp.ErrRevocationUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxOCSPResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading ocsp response: %w", idp.ErrRevocationUnavailable, err)
	}

	parsed, err := ocsp.ParseResponseForCert(body, cert, issuer)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing ocsp response: %w", idp.ErrRevocationUnavailable, err)
	}

	slog.Debug("ocsp response", "serial", cert.SerialNumber, "status", parsed.Status, "this_update", parsed.ThisUpdate)

	return &OCSPStatus{
		Status:     parsed.Status,
		ThisUpdate: parsed.ThisUpdate,
		NextUpdate: parsed.NextUpdate,
		RevokedAt:  parsed.RevokedAt,
	}, nil
}

func (c *OCSPChecker) issuerOf(cert *x509.Certificate) *x509.Certificate {
	for _, issuer := range c.issuers {
		if cert.CheckSignatureFrom(issuer) == nil {
			return issuer
		}
	}
	return nil
}

func cacheKey(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}
