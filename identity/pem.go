package identity

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

// Load reads a PEM certificate and a PEM PKCS#8 Ed25519 private key.
func Load(certPath, keyPath string) (*Identity, error) {
	cert, err := LoadCertificate(certPath)
	if err != nil {
		return nil, err
	}

	block, err := readPEM(keyPath, "PRIVATE KEY")
	if err != nil {
		return nil, err
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %s: %v", keyPath, err)
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key %s is %T, want ed25519", keyPath, parsed)
	}

	return New(cert, key)
}

// LoadCertificate reads a single PEM certificate.
func LoadCertificate(path string) (*x509.Certificate, error) {
	block, err := readPEM(path, "CERTIFICATE")
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate %s: %v", path, err)
	}
	return cert, nil
}

// WritePEM stores the certificate and private key. The key file is only
// readable by its owner.
func (id *Identity) WritePEM(certPath, keyPath string) error {
	der, err := x509.MarshalPKCS8PrivateKey(id.privateKey)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %v", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: id.certificate.Raw})
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return fmt.Errorf("failed to write certificate: %v", err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("failed to write private key: %v", err)
	}
	return nil
}

func readPEM(path, blockType string) (*pem.Block, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %v", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != blockType {
		return nil, fmt.Errorf("%s does not contain a %s PEM block", path, blockType)
	}
	return block, nil
}
