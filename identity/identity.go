// Package identity holds the local node's certificate and private key and
// provides the asymmetric operations the handshake needs: sealing session
// keys for a peer, opening what peers sealed for us, and signing.
//
// Certificates carry Ed25519 keys. Sealing runs a one-way Noise_N handshake
// against the peer's key converted to its X25519 form, so a sealed payload can
// only be opened by the holder of the certificate's private key.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"filippo.io/edwards25519"
	"github.com/flynn/noise"
	"golang.org/x/crypto/curve25519"
)

var (
	// ErrOpenFailed is returned when a sealed payload cannot be opened.
	ErrOpenFailed = errors.New("failed to open sealed payload")

	// ErrVerifyFailed is returned when a signature does not verify.
	ErrVerifyFailed = errors.New("signature verification failed")

	// ErrUnsupportedKey is returned for certificates without an Ed25519 key.
	ErrUnsupportedKey = errors.New("certificate does not carry an ed25519 key")
)

var sealPrologue = []byte("minilan sealed session v3")

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)

// Identity is a certificate and its matching private key.
type Identity struct {
	certificate *x509.Certificate
	privateKey  ed25519.PrivateKey
	dh          noise.DHKey
}

// New pairs a certificate with its private key.
func New(cert *x509.Certificate, key ed25519.PrivateKey) (*Identity, error) {
	pub, err := publicKey(cert)
	if err != nil {
		return nil, err
	}
	if !pub.Equal(key.Public()) {
		return nil, fmt.Errorf("private key does not match certificate %q", cert.Subject.CommonName)
	}

	dh, err := dhKeypair(key)
	if err != nil {
		return nil, err
	}

	return &Identity{certificate: cert, privateKey: key, dh: dh}, nil
}

// Generate creates a self-signed identity valid for the given duration.
func Generate(commonName string, validity time.Duration) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %v", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %v", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %v", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse generated certificate: %v", err)
	}

	return New(cert, priv)
}

// Certificate returns the local certificate.
func (id *Identity) Certificate() *x509.Certificate {
	return id.certificate
}

// Seal encrypts plaintext so that only the owner of peer can open it.
func (id *Identity) Seal(peer *x509.Certificate, plaintext []byte) ([]byte, error) {
	peerDH, err := montgomeryPublic(peer)
	if err != nil {
		return nil, err
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: cipherSuite,
		Random:      rand.Reader,
		Pattern:     noise.HandshakeN,
		Initiator:   true,
		Prologue:    sealPrologue,
		PeerStatic:  peerDH,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start seal: %v", err)
	}

	out, _, _, err := hs.WriteMessage(nil, plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to seal: %v", err)
	}
	return out, nil
}

// Open decrypts a payload sealed for this identity.
func (id *Identity) Open(ciphertext []byte) ([]byte, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeN,
		Initiator:     false,
		Prologue:      sealPrologue,
		StaticKeypair: id.dh,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start open: %v", err)
	}

	plaintext, _, _, err := hs.ReadMessage(nil, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	return plaintext, nil
}

// Sign signs msg with the local private key.
func (id *Identity) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(id.privateKey, msg), nil
}

// Verify checks that sig is a signature of msg by the owner of peer.
func (id *Identity) Verify(peer *x509.Certificate, msg, sig []byte) error {
	pub, err := publicKey(peer)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, msg, sig) {
		return ErrVerifyFailed
	}
	return nil
}

// Fingerprint returns the hex SHA-256 of the certificate's DER encoding.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

func publicKey(cert *x509.Certificate) (ed25519.PublicKey, error) {
	if cert == nil {
		return nil, ErrUnsupportedKey
	}
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return nil, ErrUnsupportedKey
	}
	return pub, nil
}

// montgomeryPublic converts the certificate's Ed25519 key to X25519.
func montgomeryPublic(cert *x509.Certificate) ([]byte, error) {
	pub, err := publicKey(cert)
	if err != nil {
		return nil, err
	}
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, fmt.Errorf("invalid ed25519 public key: %v", err)
	}
	return p.BytesMontgomery(), nil
}

// dhKeypair derives the X25519 keypair matching an Ed25519 private key.
func dhKeypair(key ed25519.PrivateKey) (noise.DHKey, error) {
	h := sha512.Sum512(key.Seed())
	scalar := h[:curve25519.ScalarSize]
	scalar[0] &= 248
	scalar[31] &= 127
	scalar[31] |= 64

	pub, err := curve25519.X25519(scalar, curve25519.Basepoint)
	if err != nil {
		return noise.DHKey{}, fmt.Errorf("failed to derive dh key: %v", err)
	}

	return noise.DHKey{Private: append([]byte(nil), scalar...), Public: pub}, nil
}
