package security

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

// File names inside a certificate directory.
const (
	caCertFile     = "ca.crt"
	caKeyFile      = "ca.key"
	serverCertFile = "server.crt"
	serverKeyFile  = "server.key"
)

// SaveCA writes the CA certificate and key into certDir.
func SaveCA(ca *CertAuthority, certDir string) error {
	if err := os.MkdirAll(certDir, 0700); err != nil {
		return fmt.Errorf("failed to create cert directory: %w", err)
	}
	if err := writePEM(filepath.Join(certDir, caCertFile), "CERTIFICATE", ca.cert.Raw); err != nil {
		return err
	}
	return writePEM(filepath.Join(certDir, caKeyFile), "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(ca.key))
}

// LoadCA reads a CA saved by SaveCA.
func LoadCA(certDir string) (*CertAuthority, error) {
	certDER, err := readPEM(filepath.Join(certDir, caCertFile), "CERTIFICATE")
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}
	keyDER, err := readPEM(filepath.Join(certDir, caKeyFile), "RSA PRIVATE KEY")
	if err != nil {
		return nil, err
	}
	key, err := x509.ParsePKCS1PrivateKey(keyDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA key: %w", err)
	}
	return &CertAuthority{cert: cert, key: key}, nil
}

// SaveServerCert writes an issued server certificate and key into certDir.
func SaveServerCert(certDER []byte, key *rsa.PrivateKey, certDir string) error {
	if err := os.MkdirAll(certDir, 0700); err != nil {
		return fmt.Errorf("failed to create cert directory: %w", err)
	}
	if err := writePEM(filepath.Join(certDir, serverCertFile), "CERTIFICATE", certDER); err != nil {
		return err
	}
	return writePEM(filepath.Join(certDir, serverKeyFile), "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key))
}

// CertsExist reports whether certDir holds a server certificate.
func CertsExist(certDir string) bool {
	_, err := os.Stat(filepath.Join(certDir, serverCertFile))
	return err == nil
}

// BuildTLSConfig loads the server certificate and CA from certDir and
// builds the mutual-TLS configuration used for ssl peer sessions: both
// sides present a cluster-issued certificate and verify the other against
// the cluster CA.
func BuildTLSConfig(certDir string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(
		filepath.Join(certDir, serverCertFile),
		filepath.Join(certDir, serverKeyFile),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	caDER, err := readPEM(filepath.Join(certDir, caCertFile), "CERTIFICATE")
	if err != nil {
		return nil, err
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
		// Peer addresses are ips or names from the membership, not
		// necessarily the certificate hosts; the CA check is the trust
		// anchor.
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("peer presented no certificate")
			}
			cert, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return err
			}
			_, err = cert.Verify(x509.VerifyOptions{
				Roots:     pool,
				KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
			})
			return err
		},
	}, nil
}

func writePEM(path, blockType string, der []byte) error {
	buf := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, buf, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func readPEM(path, blockType string) ([]byte, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	block, _ := pem.Decode(buf)
	if block == nil || block.Type != blockType {
		return nil, fmt.Errorf("%s does not contain a %s block", path, blockType)
	}
	return block.Bytes, nil
}
