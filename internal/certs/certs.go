// Package certs maintains the self-signed CA and server certificate used
// by the HTTP API when TLS is enabled.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/Klingon-tech/orignode/internal/log"
)

// File names inside the certificate directory.
const (
	CAFile         = "ca.crt"
	CAKeyFile      = "ca.key"
	ServerCertFile = "server.crt"
	ServerKeyFile  = "server.key"
)

// renewBefore is how close to expiry a certificate is replaced.
const renewBefore = 7 * 24 * time.Hour

const organization = "orignode"

// Bundle locates the generated material.
type Bundle struct {
	Dir      string
	CAFile   string
	CertFile string
	KeyFile  string
}

// Ensure returns the certificate bundle in dir, creating or renewing the CA
// and server certificate as needed. A renewed CA forces a new server
// certificate.
func Ensure(dir string, certDays, caDays int, now time.Time) (*Bundle, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create cert dir: %w", err)
	}
	b := &Bundle{
		Dir:      dir,
		CAFile:   filepath.Join(dir, CAFile),
		CertFile: filepath.Join(dir, ServerCertFile),
		KeyFile:  filepath.Join(dir, ServerKeyFile),
	}
	caKeyPath := filepath.Join(dir, CAKeyFile)

	ca, caKey, err := loadPair(b.CAFile, caKeyPath)
	renewed := false
	if err != nil || !fresh(ca, now) {
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Security.Warn().Err(err).Msg("Existing CA unusable, regenerating")
		}
		ca, caKey, err = newCA(days(caDays, 3650), now)
		if err != nil {
			return nil, err
		}
		if err := writePair(b.CAFile, caKeyPath, ca, caKey); err != nil {
			return nil, err
		}
		renewed = true
		log.Security.Info().Str("path", b.CAFile).Time("expires", ca.NotAfter).Msg("Generated CA certificate")
	}

	cert, _, err := loadPair(b.CertFile, b.KeyFile)
	if renewed || err != nil || !fresh(cert, now) || cert.CheckSignatureFrom(ca) != nil {
		cert, key, err := newServerCert(ca, caKey, days(certDays, 365), now)
		if err != nil {
			return nil, err
		}
		if err := writePair(b.CertFile, b.KeyFile, cert, key); err != nil {
			return nil, err
		}
		log.Security.Info().Str("path", b.CertFile).Time("expires", cert.NotAfter).Msg("Generated server certificate")
	}
	return b, nil
}

// TLSConfig loads the server key pair.
func (b *Bundle) TLSConfig() (*tls.Config, error) {
	pair, err := tls.LoadX509KeyPair(b.CertFile, b.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{pair},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// CertPool returns a pool trusting the CA.
func (b *Bundle) CertPool() (*x509.CertPool, error) {
	data, err := os.ReadFile(b.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, errors.New("CA file holds no certificate")
	}
	return pool, nil
}

func days(v, fallback int) time.Duration {
	if v <= 0 {
		v = fallback
	}
	return time.Duration(v) * 24 * time.Hour
}

func fresh(c *x509.Certificate, now time.Time) bool {
	return c != nil && now.After(c.NotBefore) && now.Add(renewBefore).Before(c.NotAfter)
}

func serial() (*big.Int, error) {
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	return n, nil
}

func newCA(validity time.Duration, now time.Time) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate CA key: %w", err)
	}
	sn, err := serial()
	if err != nil {
		return nil, nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          sn,
		Subject:               pkix.Name{Organization: []string{organization}, CommonName: organization + " CA"},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}
	return cert, key, nil
}

func newServerCert(ca *x509.Certificate, caKey *ecdsa.PrivateKey, validity time.Duration, now time.Time) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate server key: %w", err)
	}
	sn, err := serial()
	if err != nil {
		return nil, nil, err
	}
	notAfter := now.Add(validity)
	if notAfter.After(ca.NotAfter) {
		notAfter = ca.NotAfter
	}
	tmpl := &x509.Certificate{
		SerialNumber: sn,
		Subject:      pkix.Name{Organization: []string{organization}, CommonName: "localhost"},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca, &key.PublicKey, caKey)
	if err != nil {
		return nil, nil, fmt.Errorf("create server certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}
	return cert, key, nil
}

func writePair(certPath, keyPath string, cert *x509.Certificate, key *ecdsa.PrivateKey) error {
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("write %s: %w", keyPath, err)
	}
	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return fmt.Errorf("write %s: %w", certPath, err)
	}
	return nil
}

func loadPair(certPath, keyPath string) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, nil, err
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, err
	}
	cb, _ := pem.Decode(certPEM)
	if cb == nil {
		return nil, nil, fmt.Errorf("%s: no PEM block", certPath)
	}
	cert, err := x509.ParseCertificate(cb.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", certPath, err)
	}
	kb, _ := pem.Decode(keyPEM)
	if kb == nil {
		return nil, nil, fmt.Errorf("%s: no PEM block", keyPath)
	}
	key, err := x509.ParseECPrivateKey(kb.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", keyPath, err)
	}
	return cert, key, nil
}
