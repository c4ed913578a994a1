// messages.go
//
// Outer framing for every datagram exchanged between peers.
//
// Header: [Version:1][Type:1][Length:2]
// The length is the body size in bytes, big-endian, and must match the
// datagram exactly.
//
// Bodies:
//   HELLO_REQUEST / HELLO_RESPONSE: [Cookie:4]
//   PRESENTATION:                   [CertLen:2][Certificate DER]
//   SESSION_REQUEST / SESSION:      [SealedLen:2][Sealed][SigLen:2][Signature]
//   DATA / KEEP_ALIVE / SESSION_CLOSE:
//                                   [Session:4][Sequence:8][Ciphertext][Tag:32]

package device

import (
	"encoding/binary"
	"fmt"

	"github.com/drio/minilan/conn"
)

// ProtocolVersion is the only version this device speaks.
const ProtocolVersion = 3

// Message type constants
const (
	MessageTypeHelloRequest   = 0x00
	MessageTypeHelloResponse  = 0x01
	MessageTypePresentation   = 0x02
	MessageTypeSessionRequest = 0x03
	MessageTypeSession        = 0x04
	MessageTypeData           = 0x70
	MessageTypeKeepAlive      = 0x71
	MessageTypeSessionClose   = 0x72
)

const (
	HeaderSize    = 4
	CookieSize    = 4
	TagSize       = 32
	FrameOverhead = 4 + 8 + TagSize

	// MaxBodySize is the largest body a 16-bit length can describe that still
	// fits in one datagram.
	MaxBodySize = conn.MaxMessageSize - HeaderSize
)

// messageTypeName returns a label for logs and metrics.
func messageTypeName(t uint8) string {
	switch t {
	case MessageTypeHelloRequest:
		return "hello_request"
	case MessageTypeHelloResponse:
		return "hello_response"
	case MessageTypePresentation:
		return "presentation"
	case MessageTypeSessionRequest:
		return "session_request"
	case MessageTypeSession:
		return "session"
	case MessageTypeData:
		return "data"
	case MessageTypeKeepAlive:
		return "keep_alive"
	case MessageTypeSessionClose:
		return "session_close"
	default:
		return "unknown"
	}
}

// marshalMessage prepends the header to body.
func marshalMessage(msgType uint8, body []byte) ([]byte, error) {
	if len(body) > MaxBodySize || len(body) > 0xffff {
		return nil, fmt.Errorf("%w: %s body of %d bytes", ErrEncodingOverflow, messageTypeName(msgType), len(body))
	}
	buf := make([]byte, HeaderSize, HeaderSize+len(body))
	buf[0] = ProtocolVersion
	buf[1] = msgType
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(body)))
	return append(buf, body...), nil
}

// parseMessage validates the header and returns the type and body.
func parseMessage(data []byte) (uint8, []byte, error) {
	if len(data) < HeaderSize {
		return 0, nil, fmt.Errorf("%w: %d byte datagram", ErrMalformedMessage, len(data))
	}
	if data[0] != ProtocolVersion {
		return 0, nil, fmt.Errorf("%w: version %d", ErrUnknownMessage, data[0])
	}
	length := int(binary.BigEndian.Uint16(data[2:4]))
	if length != len(data)-HeaderSize {
		return 0, nil, fmt.Errorf("%w: header declares %d body bytes, got %d", ErrMalformedMessage, length, len(data)-HeaderSize)
	}
	return data[1], data[HeaderSize:], nil
}

// HelloMessage is a HELLO_REQUEST or HELLO_RESPONSE.
type HelloMessage struct {
	Type   uint8
	Cookie uint32
}

// Marshal converts HelloMessage to wire format bytes
func (msg *HelloMessage) Marshal() ([]byte, error) {
	return marshalMessage(msg.Type, binary.BigEndian.AppendUint32(nil, msg.Cookie))
}

// Unmarshal parses a hello body.
func (msg *HelloMessage) Unmarshal(msgType uint8, body []byte) error {
	if len(body) != CookieSize {
		return fmt.Errorf("%w: hello body is %d bytes", ErrMalformedMessage, len(body))
	}
	msg.Type = msgType
	msg.Cookie = binary.BigEndian.Uint32(body)
	return nil
}

// PresentationMessage carries the sender's certificate.
type PresentationMessage struct {
	Certificate []byte // DER
}

// Marshal converts PresentationMessage to wire format bytes
func (msg *PresentationMessage) Marshal() ([]byte, error) {
	body, err := appendField(nil, msg.Certificate)
	if err != nil {
		return nil, err
	}
	return marshalMessage(MessageTypePresentation, body)
}

// Unmarshal parses a presentation body.
func (msg *PresentationMessage) Unmarshal(body []byte) error {
	cert, rest, err := readField(body)
	if err != nil {
		return err
	}
	if len(rest) != 0 || len(cert) == 0 {
		return fmt.Errorf("%w: presentation body", ErrMalformedMessage)
	}
	msg.Certificate = cert
	return nil
}

// SessionEnvelope is a SESSION_REQUEST or SESSION: a sealed clear session
// message and the sender's signature over type and sealed bytes.
type SessionEnvelope struct {
	Type      uint8
	Sealed    []byte
	Signature []byte
}

// Marshal converts SessionEnvelope to wire format bytes
func (msg *SessionEnvelope) Marshal() ([]byte, error) {
	body, err := appendField(nil, msg.Sealed)
	if err != nil {
		return nil, err
	}
	body, err = appendField(body, msg.Signature)
	if err != nil {
		return nil, err
	}
	return marshalMessage(msg.Type, body)
}

// Unmarshal parses a session envelope body.
func (msg *SessionEnvelope) Unmarshal(msgType uint8, body []byte) error {
	sealed, rest, err := readField(body)
	if err != nil {
		return err
	}
	sig, rest, err := readField(rest)
	if err != nil {
		return err
	}
	if len(rest) != 0 || len(sealed) == 0 || len(sig) == 0 {
		return fmt.Errorf("%w: session envelope", ErrMalformedMessage)
	}
	msg.Type = msgType
	msg.Sealed = sealed
	msg.Signature = sig
	return nil
}

// signedBytes is what the envelope signature covers.
func (msg *SessionEnvelope) signedBytes() []byte {
	out := make([]byte, 0, 1+len(msg.Sealed))
	out = append(out, msg.Type)
	return append(out, msg.Sealed...)
}

// DataFrame is a DATA, KEEP_ALIVE or SESSION_CLOSE frame.
type DataFrame struct {
	Type       uint8
	Session    uint32
	Sequence   uint64
	Ciphertext []byte
	Tag        [TagSize]byte
}

// header returns the authenticated prefix: type, session and sequence.
func (f *DataFrame) header() []byte {
	out := make([]byte, 0, 13)
	out = append(out, f.Type)
	out = binary.BigEndian.AppendUint32(out, f.Session)
	return binary.BigEndian.AppendUint64(out, f.Sequence)
}

// Marshal converts DataFrame to wire format bytes
func (f *DataFrame) Marshal() ([]byte, error) {
	body := make([]byte, 0, FrameOverhead+len(f.Ciphertext))
	body = binary.BigEndian.AppendUint32(body, f.Session)
	body = binary.BigEndian.AppendUint64(body, f.Sequence)
	body = append(body, f.Ciphertext...)
	body = append(body, f.Tag[:]...)
	return marshalMessage(f.Type, body)
}

// Unmarshal parses a data frame body. Ciphertext aliases body.
func (f *DataFrame) Unmarshal(msgType uint8, body []byte) error {
	if len(body) < FrameOverhead {
		return fmt.Errorf("%w: data frame of %d bytes", ErrMalformedMessage, len(body))
	}
	f.Type = msgType
	f.Session = binary.BigEndian.Uint32(body[0:4])
	f.Sequence = binary.BigEndian.Uint64(body[4:12])
	f.Ciphertext = body[12 : len(body)-TagSize]
	copy(f.Tag[:], body[len(body)-TagSize:])
	return nil
}

func appendField(buf, field []byte) ([]byte, error) {
	if len(field) > 0xffff {
		return nil, fmt.Errorf("%w: field of %d bytes", ErrEncodingOverflow, len(field))
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(field)))
	return append(buf, field...), nil
}

func readField(buf []byte) ([]byte, []byte, error) {
	if len(buf) < 2 {
		return nil, nil, fmt.Errorf("%w: missing length prefix", ErrMalformedMessage)
	}
	n := int(binary.BigEndian.Uint16(buf))
	if n > len(buf)-2 {
		return nil, nil, fmt.Errorf("%w: field declares %d bytes, %d remain", ErrMalformedMessage, n, len(buf)-2)
	}
	return buf[2 : 2+n : 2+n], buf[2+n:], nil
}
