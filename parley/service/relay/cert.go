package relay

import (
	"crypto"
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
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	caCertFile = "ca.pem"
	caKeyFile  = "ca-key.pem"
)

// CertManager loads or creates the parley CA and mints leaf certificates
// for the client-facing TLS leg, one per server name.
type CertManager struct {
	mu     sync.RWMutex
	caCert *x509.Certificate
	caKey  crypto.Signer
	cache  map[string]*tls.Certificate
}

// NewCertManager loads the CA from dir, generating it when neither file exists.
func NewCertManager(dir string, log *zap.SugaredLogger) (*CertManager, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	certPath := filepath.Join(dir, caCertFile)
	keyPath := filepath.Join(dir, caKeyFile)
	certExists := fileExists(certPath)
	if certExists != fileExists(keyPath) {
		if certExists {
			return nil, fmt.Errorf("CA certificate exists at %s but key is missing at %s; delete both to regenerate", certPath, keyPath)
		}
		return nil, fmt.Errorf("CA key exists at %s but certificate is missing at %s; delete both to regenerate", keyPath, certPath)
	}

	m := &CertManager{cache: make(map[string]*tls.Certificate)}
	if certExists {
		if err := m.loadCA(certPath, keyPath); err != nil {
			return nil, err
		}
		log.Infow("relay: loaded CA certificate", "path", certPath)
		return m, nil
	}

	if err := m.createCA(dir, certPath, keyPath); err != nil {
		return nil, err
	}
	log.Infow("relay: generated CA certificate", "path", certPath)
	return m, nil
}

// CACert returns the CA clients must trust.
func (m *CertManager) CACert() *x509.Certificate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.caCert
}

// GetCertificate returns a cached or freshly signed certificate for name.
func (m *CertManager) GetCertificate(name string) (*tls.Certificate, error) {
	m.mu.RLock()
	cert, ok := m.cache[name]
	m.mu.RUnlock()
	if ok {
		return cert, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cert, ok := m.cache[name]; ok {
		return cert, nil
	}

	cert, err := m.signLeaf(name)
	if err != nil {
		return nil, fmt.Errorf("generate certificate for %s: %w", name, err)
	}
	m.cache[name] = cert
	return cert, nil
}

// TLSConfig returns a server config minting certificates by SNI.
// fallback names the certificate when the client sends no SNI.
func (m *CertManager) TLSConfig(fallback string) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS10,
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			name := hello.ServerName
			if name == "" {
				name = fallback
			}
			return m.GetCertificate(name)
		},
	}
}

func (m *CertManager) createCA(dir, certPath, keyPath string) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"parley"}, CommonName: "parley CA"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("parse certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create CA dir: %w", err)
	} else if err := writePEM(certPath, "CERTIFICATE", der, 0644); err != nil {
		return fmt.Errorf("write cert: %w", err)
	} else if err := writePEM(keyPath, "PRIVATE KEY", keyDER, 0600); err != nil {
		return fmt.Errorf("write key: %w", err)
	}

	m.caCert = cert
	m.caKey = key
	return nil
}

func (m *CertManager) loadCA(certPath, keyPath string) error {
	certBlock, err := readPEM(certPath)
	if err != nil {
		return fmt.Errorf("read CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return fmt.Errorf("parse CA certificate: %w", err)
	}
	keyBlock, err := readPEM(keyPath)
	if err != nil {
		return fmt.Errorf("read CA key: %w", err)
	}
	key, err := parsePrivateKey(keyBlock.Bytes)
	if err != nil {
		return fmt.Errorf("parse CA key: %w", err)
	}

	switch {
	case !cert.IsCA:
		return fmt.Errorf("certificate at %s is not a CA certificate; delete both files to regenerate", certPath)
	case cert.KeyUsage&x509.KeyUsageCertSign == 0:
		return fmt.Errorf("certificate at %s lacks KeyUsageCertSign; delete both files to regenerate", certPath)
	case time.Now().After(cert.NotAfter):
		return fmt.Errorf("certificate at %s has expired; delete both files to regenerate", certPath)
	}

	m.caCert = cert
	m.caKey = key
	return nil
}

func (m *CertManager) signLeaf(name string) (*tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(name); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{name}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, m.caCert, &key.PublicKey, m.caKey)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	return &tls.Certificate{
		Certificate: [][]byte{der, m.caCert.Raw},
		PrivateKey:  key,
	}, nil
}

// LoadServerTLS builds a server config from a fixed certificate and key pair.
func LoadServerTLS(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load client tls key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS10,
		Certificates: []tls.Certificate{cert},
	}, nil
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	return serial, nil
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	return os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}), perm)
}

func readPEM(path string) (*pem.Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	return block, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// parsePrivateKey accepts PKCS#8, PKCS#1 and SEC1 encodings.
func parsePrivateKey(der []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		if signer, ok := key.(crypto.Signer); ok {
			return signer, nil
		}
		return nil, errors.New("PKCS#8 key does not implement crypto.Signer")
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, errors.New("failed to parse private key (tried PKCS#8, PKCS#1, SEC1)")
}
