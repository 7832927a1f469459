package ca

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ocsp"
)

// LoadMockCA reads a CA certificate and its EC private key from PEM files,
// e.g. as written by the non-prod CLI.
func LoadMockCA(certPath, keyPath string) (*MockCA, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("read ca certificate: %w", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("no certificate found in %s", certPath)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse ca certificate: %w", err)
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read ca key: %w", err)
	}
	block, _ = pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("no private key found in %s", keyPath)
	}
	prk, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse ca key: %w", err)
	}

	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok || !pub.Equal(&prk.PublicKey) {
		return nil, fmt.Errorf("ca key does not match certificate")
	}

	return &MockCA{Certificate: cert, prk: prk}, nil
}

// PrivateKey returns the signing key of the CA.
func (ca *MockCA) PrivateKey() *ecdsa.PrivateKey {
	return ca.prk
}

// MockOCSPResponder answers OCSP requests for certificates of a MockCA.
// Every serial number is good unless revoked.
type MockOCSPResponder struct {
	ca      *MockCA
	lock    sync.RWMutex
	revoked map[string]bool
}

func NewMockOCSPResponder(ca *MockCA) *MockOCSPResponder {
	return &MockOCSPResponder{
		ca:      ca,
		revoked: make(map[string]bool),
	}
}

func (r *MockOCSPResponder) Revoke(cert *x509.Certificate) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.revoked[cert.SerialNumber.String()] = true
}

func (r *MockOCSPResponder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, 1<<16))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ocspReq, err := ocsp.ParseRequest(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	status := ocsp.Good
	r.lock.RLock()
	if r.revoked[ocspReq.SerialNumber.String()] {
		status = ocsp.Revoked
	}
	r.lock.RUnlock()

	resp, err := r.ca.OCSPResponse(&x509.Certificate{SerialNumber: ocspReq.SerialNumber}, status, time.Now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	slog.Debug("ocsp request", "serial", ocspReq.SerialNumber, "status", status)

	w.Header().Set("Content-Type", "application/ocsp-response")
	w.Write(resp)
}
