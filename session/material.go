package session

import (
	"crypto/rand"
	"fmt"
	"time"
)

// Sizes of locally generated key material.
const (
	KeyLength = 32
	IVLength  = 16

	// MinSignatureKeyLength is the shortest signature key accepted from a peer.
	MinSignatureKeyLength = 16
)

// Material is one direction of session key material. The side that generates
// it encrypts and signs with it; the other side decrypts and verifies.
type Material struct {
	Number        uint32
	SignatureKey  []byte
	EncryptionKey []byte
	IV            []byte
	Created       time.Time
}

// Generate returns fresh random material for the given session number.
func Generate(number uint32, now time.Time) (*Material, error) {
	m := &Material{
		Number:        number,
		SignatureKey:  make([]byte, KeyLength),
		EncryptionKey: make([]byte, KeyLength),
		IV:            make([]byte, IVLength),
		Created:       now,
	}
	for _, b := range [][]byte{m.SignatureKey, m.EncryptionKey, m.IV} {
		if _, err := rand.Read(b); err != nil {
			return nil, fmt.Errorf("failed to generate session keys: %v", err)
		}
	}
	return m, nil
}

// NextNumber picks the session number for a new local session. Numbers are
// seeded from the wall clock so they keep increasing across restarts.
func NextNumber(previous uint32, hasPrevious bool, now time.Time) uint32 {
	clock := uint32(now.Unix())
	if hasPrevious && previous >= clock {
		return previous + 1
	}
	return clock
}

// Encode returns the wire form of m.
func (m *Material) Encode(capacity int) ([]byte, error) {
	return Encode(m.Number, m.SignatureKey, m.EncryptionKey, m.IV, capacity)
}

// IsOld reports whether the material has outlived lifetime.
func (m *Material) IsOld(now time.Time, lifetime time.Duration) bool {
	return lifetime > 0 && now.Sub(m.Created) >= lifetime
}

// Material copies the fields of a parsed message into owned memory.
func (msg Message) Material(now time.Time) *Material {
	return &Material{
		Number:        msg.Number(),
		SignatureKey:  append([]byte(nil), msg.SignatureKey()...),
		EncryptionKey: append([]byte(nil), msg.EncryptionKey()...),
		IV:            append([]byte(nil), msg.IV()...),
		Created:       now,
	}
}

// Validate checks that received material can drive the data cipher.
func (m *Material) Validate() error {
	if len(m.EncryptionKey) != KeyLength {
		return fmt.Errorf("%w: encryption key is %d bytes, want %d", ErrMalformedMessage, len(m.EncryptionKey), KeyLength)
	}
	if len(m.IV) != IVLength {
		return fmt.Errorf("%w: iv is %d bytes, want %d", ErrMalformedMessage, len(m.IV), IVLength)
	}
	if len(m.SignatureKey) < MinSignatureKeyLength {
		return fmt.Errorf("%w: signature key is %d bytes, want at least %d", ErrMalformedMessage, len(m.SignatureKey), MinSignatureKeyLength)
	}
	return nil
}

// Wipe zeroes the key bytes.
func (m *Material) Wipe() {
	for _, b := range [][]byte{m.SignatureKey, m.EncryptionKey, m.IV} {
		clear(b)
	}
}
