package identity

import (
	"crypto/x509"
	"errors"
	"fmt"
	"time"
)

// ErrUntrusted is returned for certificates rejected by a Verifier.
var ErrUntrusted = errors.New("untrusted certificate")

// Verifier decides whether a presented peer certificate is trusted.
//
// With a root pool, certificates must chain to one of the roots. Without one,
// any well-formed self-signed Ed25519 certificate inside its validity period
// is accepted, and pinning is left to the acceptance policy.
type Verifier struct {
	roots *x509.CertPool
	now   func() time.Time
}

// NewVerifier returns a verifier for the given roots; roots may be nil.
func NewVerifier(roots *x509.CertPool) *Verifier {
	return &Verifier{roots: roots, now: time.Now}
}

// LoadVerifier builds a verifier from a PEM CA file. An empty path yields a
// verifier without roots.
func LoadVerifier(caPath string) (*Verifier, error) {
	if caPath == "" {
		return NewVerifier(nil), nil
	}
	ca, err := LoadCertificate(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(ca)
	return NewVerifier(pool), nil
}

// VerifyCertificate implements the handshake's certificate check.
func (v *Verifier) VerifyCertificate(cert *x509.Certificate) error {
	if _, err := publicKey(cert); err != nil {
		return fmt.Errorf("%w: %v", ErrUntrusted, err)
	}

	now := v.now()
	if v.roots != nil {
		_, err := cert.Verify(x509.VerifyOptions{
			Roots:       v.roots,
			CurrentTime: now,
			KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUntrusted, err)
		}
		return nil
	}

	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return fmt.Errorf("%w: outside validity period", ErrUntrusted)
	}
	if err := cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature); err != nil {
		return fmt.Errorf("%w: bad self signature: %v", ErrUntrusted, err)
	}
	return nil
}
