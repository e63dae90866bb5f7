package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"time"

	"github.com/vibespeak/vibespeak/internal/signaling"
)

// serviceCN is the Common Name fallback used when no hostname is configured,
// matching the "vibespeak-"-prefixed naming crypto.DeriveChannelKey uses for
// its own domain-separation labels.
const serviceCN = "vibespeak-signaling"

// WSServer owns the HTTPS listener that upgrades to the signaling
// WebSocket. Grounded on rustyguts-bken's server.go, which wired its
// gorilla/websocket handler behind a plain net/http.Server with a
// self-signed TLS config; the cert generation that file kept in a
// standalone tls.go is folded in here since WSServer is its only caller.
type WSServer struct {
	addr        string
	hub         *signaling.Hub
	srv         *http.Server
	fingerprint string
}

// NewWSServer constructs a WSServer listening on addr, minting a fresh
// self-signed certificate valid for validity. hostname, when non-empty, is
// used as the certificate's Common Name and added to its DNS SANs; it is
// normally the host portion of addr, so the fingerprint operators see
// logged at startup matches the name clients actually dial.
func NewWSServer(addr, hostname string, validity time.Duration, hub *signaling.Hub, idleTimeout time.Duration) (*WSServer, error) {
	tlsConfig, fingerprint, err := selfSignedTLSConfig(hostname, validity)
	if err != nil {
		return nil, fmt.Errorf("[server] generate tls config: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeHTTP)

	return &WSServer{
		addr:        addr,
		hub:         hub,
		fingerprint: fingerprint,
		srv: &http.Server{
			Addr:        addr,
			Handler:     mux,
			TLSConfig:   tlsConfig,
			IdleTimeout: idleTimeout,
		},
	}, nil
}

// Fingerprint returns the SHA-256 fingerprint of the server's self-signed
// certificate, for operators to pin or compare out of band.
func (s *WSServer) Fingerprint() string {
	return s.fingerprint
}

// Run starts the HTTPS listener and blocks until ctx is canceled.
func (s *WSServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.ListenAndServeTLS("", "")
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutCtx); err != nil {
			log.Printf("[server] shutdown: %v", err)
		}
		return nil
	}
}

// selfSignedTLSConfig creates a self-signed ECDSA P-256 certificate for the
// HTTPS server and returns the resulting tls.Config alongside its SHA-256
// fingerprint. hostname, when set, becomes the certificate's Common Name and
// is added to its DNS SANs next to "localhost" and serviceCN; validity
// controls how long the certificate is valid for.
func selfSignedTLSConfig(hostname string, validity time.Duration) (*tls.Config, string, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, "", fmt.Errorf("generate serial: %w", err)
	}

	cn := serviceCN
	sans := []string{"localhost", serviceCN}
	if hostname != "" && hostname != "localhost" {
		cn = hostname
		sans = append(sans, hostname)
	}

	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(validity),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              sans,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, "", fmt.Errorf("create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, "", fmt.Errorf("parse certificate: %w", err)
	}

	fp := sha256.Sum256(certDER)
	fingerprint := hex.EncodeToString(fp[:])

	tlsCert := tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
		Leaf:        cert,
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
	}

	return tlsConfig, fingerprint, nil
}
