package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"

	"github.com/goburrow/quic/transport"
)

// newConfig returns a transport.Config with an ephemeral, self-signed
// TLS identity, suitable for both client and server use from the command
// line: the client only ever needs it to drive the handshake, and the
// server subcommand uses the self-signed certificate as its identity.
func newConfig() *transport.Config {
	config := transport.NewConfig()
	config.TLS = &tls.Config{
		NextProtos: []string{"quince"},
		MinVersion: tls.VersionTLS13,
	}
	if cert, err := generateSelfSignedCert(); err == nil {
		config.TLS.Certificates = []tls.Certificate{cert}
	}
	return config
}

// generateSelfSignedCert builds a throwaway ECDSA certificate so quince
// server can terminate TLS 1.3 without requiring a real certificate on
// disk. Not for production use: there is no CA anywhere in this chain.
func generateSelfSignedCert() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return tls.Certificate{}, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "quince"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}, nil
}
