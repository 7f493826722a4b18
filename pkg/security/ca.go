package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"
)

const (
	// Cluster CA validity: 10 years
	caValidity = 10 * 365 * 24 * time.Hour
	// Server certificate validity: 90 days
	serverCertValidity = 90 * 24 * time.Hour
	// CA key size: 4096 bits (long-lived, high security)
	caKeySize = 4096
	// Server key size: 2048 bits (shorter-lived, faster)
	serverKeySize = 2048
)

// CertAuthority is the cluster's certificate authority. Every server of an
// ssl-addressed cluster holds a certificate issued by the same CA, and
// peers verify each other against it.
type CertAuthority struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey
}

// NewCertAuthority generates a fresh self-signed cluster CA.
func NewCertAuthority(clusterName string) (*CertAuthority, error) {
	key, err := rsa.GenerateKey(rand.Reader, caKeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Corral Cluster"},
			CommonName:   fmt.Sprintf("Corral CA %s", clusterName),
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLenZero:        true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	return &CertAuthority{cert: cert, key: key}, nil
}

// Certificate returns the CA certificate.
func (ca *CertAuthority) Certificate() *x509.Certificate {
	return ca.cert
}

// IssueServerCert issues a certificate for one consensus server, valid for
// both serving and dialing peer sessions.
func (ca *CertAuthority) IssueServerCert(serverName string, hosts []string) ([]byte, *rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, serverKeySize)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate server key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Corral Cluster"},
			CommonName:   serverName,
		},
		NotBefore:   time.Now(),
		NotAfter:    time.Now().Add(serverCertValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create server certificate: %w", err)
	}
	return certDER, key, nil
}

// Key returns the CA private key, for saving alongside the certificate.
func (ca *CertAuthority) Key() *rsa.PrivateKey {
	return ca.key
}
