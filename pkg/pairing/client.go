// Package pairing talks to the pairing service which knows the device keys
// registered for alternative authentication.
package pairing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gematik/zero-idp/pkg/idp"
	"github.com/gematik/zero-idp/pkg/util"
	"github.com/go-playground/validator/v10"
)

const (
	verifyPath      = "/verify"
	maxResponseSize = 64 * 1024
)

type verifyRequest struct {
	SignedAuthenticationData string `json:"signed_authentication_data"`
}

type verifyResponse struct {
	ChallengeToken string `json:"challenge_token" validate:"required"`
}

type errorResponse struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

// Client verifies device-signed authentication data with the pairing service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) VerifyAuthentication(ctx context.Context, signedAuthData string) (string, error) {
	body, err := json.Marshal(verifyRequest{SignedAuthenticationData: signedAuthData})
	if err != nil {
		return "", fmt.Errorf("encoding verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+verifyPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", idp.ErrPairingUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return "", fmt.Errorf("%w: reading response: %w", idp.ErrPairingUnavailable, err)
	}
	if len(data) > maxResponseSize {
		return "", fmt.Errorf("%w: response exceeds %d bytes", idp.ErrPairingUnavailable, maxResponseSize)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		errResp := new(errorResponse)
		if err := json.Unmarshal(data, errResp); err != nil || errResp.Code == "" {
			return "", fmt.Errorf("%w: status %d", idp.ErrPairingRejected, resp.StatusCode)
		}
		return "", fmt.Errorf("%w: %s: %s", idp.ErrPairingRejected, errResp.Code, errResp.Description)
	default:
		return "", fmt.Errorf("%w: status %d", idp.ErrPairingUnavailable, resp.StatusCode)
	}

	verified, err := util.DecodeStruct[verifyResponse](data)
	var invalid validator.ValidationErrors
	if errors.As(err, &invalid) {
		return "", fmt.Errorf("%w: response carries no challenge token", idp.ErrPairingRejected)
	} else if err != nil {
		return "", fmt.Errorf("%w: decoding response: %w", idp.ErrPairingUnavailable, err)
	}

	slog.Debug("pairing service verified authentication data")

	return verified.ChallengeToken, nil
}
