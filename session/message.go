// message.go
//
// Wire codec for the clear session message exchanged during key negotiation.
//
// Format (all integers big-endian):
// [Number:4][SigLen:2][SignatureKey][EncLen:2][EncryptionKey][IVLen:2][IV]
//
// The codec never trusts a length it has not checked against the buffer. A
// Message value can only be obtained from Parse, which validates the whole
// buffer, and every accessor re-walks the fields from offset 0.

package session

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	numberSize = 4
	lengthSize = 2

	// MinMessageSize is the size of a message whose three fields are empty.
	MinMessageSize = numberSize + 3*lengthSize

	// MaxFieldLength is the largest field a 16-bit length prefix can describe.
	MaxFieldLength = 0xffff
)

var (
	// ErrMalformedMessage is returned by Parse for truncated or inconsistent input.
	ErrMalformedMessage = errors.New("malformed session message")

	// ErrEncodingOverflow is returned by Encode when a field or the whole
	// message does not fit.
	ErrEncodingOverflow = errors.New("session message encoding overflow")
)

// EncodedSize returns the number of bytes Encode produces for the given field sizes.
func EncodedSize(sigKeyLen, encKeyLen, ivLen int) int {
	return MinMessageSize + sigKeyLen + encKeyLen + ivLen
}

// Encode writes the canonical wire form of a session message.
// capacity bounds the total encoded size, typically the transport's
// payload ceiling.
func Encode(number uint32, sigKey, encKey, iv []byte, capacity int) ([]byte, error) {
	for _, field := range [][]byte{sigKey, encKey, iv} {
		if len(field) > MaxFieldLength {
			return nil, fmt.Errorf("%w: field of %d bytes exceeds %d", ErrEncodingOverflow, len(field), MaxFieldLength)
		}
	}

	size := EncodedSize(len(sigKey), len(encKey), len(iv))
	if size > capacity {
		return nil, fmt.Errorf("%w: %d bytes exceeds capacity %d", ErrEncodingOverflow, size, capacity)
	}

	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint32(buf, number)
	for _, field := range [][]byte{sigKey, encKey, iv} {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(field)))
		buf = append(buf, field...)
	}

	return buf, nil
}

// Message is a validated, read-only view over an encoded session message.
// It borrows the buffer passed to Parse and must not outlive it.
type Message struct {
	data []byte
}

// Parse validates buf and returns a view over it.
// Trailing bytes after the IV are rejected so that a message has exactly one
// valid encoding.
func Parse(buf []byte) (Message, error) {
	if len(buf) < MinMessageSize {
		return Message{}, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedMessage, len(buf), MinMessageSize)
	}

	offset := numberSize
	for i := 0; i < 3; i++ {
		if len(buf)-offset < lengthSize {
			return Message{}, fmt.Errorf("%w: missing length prefix for field %d", ErrMalformedMessage, i)
		}
		n := int(binary.BigEndian.Uint16(buf[offset:]))
		offset += lengthSize
		if n > len(buf)-offset {
			return Message{}, fmt.Errorf("%w: field %d declares %d bytes, %d remain", ErrMalformedMessage, i, n, len(buf)-offset)
		}
		offset += n
	}

	if offset != len(buf) {
		return Message{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformedMessage, len(buf)-offset)
	}

	return Message{data: buf}, nil
}

// field walks the fixed field order and returns the index-th field.
func (m Message) field(index int) []byte {
	offset := numberSize
	for i := 0; ; i++ {
		n := int(binary.BigEndian.Uint16(m.data[offset:]))
		offset += lengthSize
		if i == index {
			return m.data[offset : offset+n : offset+n]
		}
		offset += n
	}
}

// Number returns the session number.
func (m Message) Number() uint32 {
	return binary.BigEndian.Uint32(m.data)
}

// SignatureKey returns the signature key field.
func (m Message) SignatureKey() []byte {
	return m.field(0)
}

// EncryptionKey returns the encryption key field.
func (m Message) EncryptionKey() []byte {
	return m.field(1)
}

// IV returns the initialization vector field.
func (m Message) IV() []byte {
	return m.field(2)
}

// Len returns the encoded size of the message.
func (m Message) Len() int {
	return len(m.data)
}
