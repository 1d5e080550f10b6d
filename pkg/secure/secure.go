// Package secure implements the supervisor's side of secure-transport
// negotiation (spec.md §4.2): a single 'S'/'N' byte response followed,
// on 'S', by an in-place TLS handshake over the accepted connection.
//
// The supervisor is not a certificate authority for client-facing
// traffic in the way a clustered node would be; it only needs a
// server certificate to terminate TLS. If the data directory has no
// certificate on disk yet, one is generated and persisted on first
// use, the same "generate on first need" shape the teacher's
// CertAuthority.Initialize uses for its root CA.
package secure

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	certValidity = 825 * 24 * time.Hour // ~ the CA/Browser Forum max leaf lifetime
	keySize      = 2048
	certFileName = "warden.crt"
	keyFileName  = "warden.key"
)

// Transport wraps a certificate used to terminate the secure-transport
// handshake after a client receives 'S'.
type Transport struct {
	cert tls.Certificate
}

// Load loads the supervisor's server certificate from dataDir,
// generating and persisting a fresh self-signed one if none exists.
func Load(dataDir string) (*Transport, error) {
	certPath := filepath.Join(dataDir, certFileName)
	keyPath := filepath.Join(dataDir, keyFileName)

	if _, err := os.Stat(certPath); err == nil {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("secure: load existing certificate: %w", err)
		}
		return &Transport{cert: cert}, nil
	}

	cert, certPEM, keyPEM, err := generateSelfSigned()
	if err != nil {
		return nil, fmt.Errorf("secure: generate certificate: %w", err)
	}
	if err := os.WriteFile(certPath, certPEM, 0o600); err != nil {
		return nil, fmt.Errorf("secure: persist certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("secure: persist key: %w", err)
	}
	return &Transport{cert: cert}, nil
}

// Negotiate performs the server side of the secure-transport handshake
// over conn, which must already have received the client's
// SECURE_NEGOTIATE discriminator and the 'S' byte reply. It returns a
// TLS-wrapped net.Conn ready for the (recursive) inner startup packet.
func (t *Transport) Negotiate(conn net.Conn) (net.Conn, error) {
	tlsConn := tls.Server(conn, &tls.Config{
		Certificates: []tls.Certificate{t.cert},
		MinVersion:   tls.VersionTLS12,
	})
	if err := tlsConn.Handshake(); err != nil {
		return nil, fmt.Errorf("secure: tls handshake: %w", err)
	}
	return tlsConn, nil
}

func generateSelfSigned() (tls.Certificate, []byte, []byte, error) {
	key, err := rsa.GenerateKey(rand.Reader, keySize)
	if err != nil {
		return tls.Certificate{}, nil, nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, nil, nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "warden"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(certValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, nil, nil, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, nil, nil, err
	}
	return cert, certPEM, keyPEM, nil
}
