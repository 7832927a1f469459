package pairing_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gematik/zero-idp/pkg/idp"
	"github.com/gematik/zero-idp/pkg/pairing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyAuthentication(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/verify", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		w.Header().Set("Content-Type", "application/json")
		switch body["signed_authentication_data"] {
		case "good":
			w.Write([]byte(`{"challenge_token":"challenge-jws"}`))
		case "unknown-device":
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid_request","error_description":"unknown key_id"}`))
		case "empty":
			w.Write([]byte(`{}`))
		case "oversized":
			w.Write([]byte(`{"challenge_token":"` + strings.Repeat("a", 128*1024) + `"}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer server.Close()

	client := pairing.NewClient(server.URL+"/", time.Second)

	challenge, err := client.VerifyAuthentication(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, "challenge-jws", challenge)

	_, err = client.VerifyAuthentication(context.Background(), "unknown-device")
	assert.ErrorIs(t, err, idp.ErrPairingRejected)
	assert.Contains(t, err.Error(), "unknown key_id")

	_, err = client.VerifyAuthentication(context.Background(), "empty")
	assert.ErrorIs(t, err, idp.ErrPairingRejected)

	_, err = client.VerifyAuthentication(context.Background(), "oversized")
	assert.ErrorIs(t, err, idp.ErrPairingUnavailable)
	assert.Contains(t, err.Error(), "exceeds")

	_, err = client.VerifyAuthentication(context.Background(), "boom")
	assert.ErrorIs(t, err, idp.ErrPairingUnavailable)
}

func TestVerifyAuthenticationUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := pairing.NewClient(url, time.Second).VerifyAuthentication(context.Background(), "good")
	assert.ErrorIs(t, err, idp.ErrPairingUnavailable)
}

func TestVerifyAuthenticationCanceled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := pairing.NewClient(server.URL, time.Second).VerifyAuthentication(ctx, "good")
	assert.ErrorIs(t, err, context.Canceled)
}
