package device

import (
	"errors"

	"github.com/drio/minilan/session"
)

// Per-message failures. None of them affects other peers; HandlePacket drops
// the offending message and, where the table says so, regresses the peer.
var (
	// ErrMalformedMessage is the codec-level truncation or overflow error.
	ErrMalformedMessage = session.ErrMalformedMessage

	// ErrEncodingOverflow reports a locally built message that does not fit.
	ErrEncodingOverflow = session.ErrEncodingOverflow

	// ErrOpenFailed reports a sealed payload that could not be opened.
	ErrOpenFailed = errors.New("open failed")

	// ErrVerifyFailed reports a bad signature or data frame tag.
	ErrVerifyFailed = errors.New("verify failed")

	// ErrUntrustedCertificate reports a certificate refused by the verifier.
	ErrUntrustedCertificate = errors.New("untrusted certificate")

	// ErrReplayedSession reports a session number at or below the highest
	// one already accepted from the peer.
	ErrReplayedSession = errors.New("replayed session")

	// ErrPolicyRejected reports a message declined by the acceptance policy.
	ErrPolicyRejected = errors.New("rejected by policy")

	// ErrUnexpectedMessage reports a message that does not fit the peer's phase.
	ErrUnexpectedMessage = errors.New("unexpected message for current phase")

	// ErrReplayedFrame reports a data frame sequence number seen before or
	// outside the replay window.
	ErrReplayedFrame = errors.New("replayed frame")

	// ErrNoSession reports data traffic for a peer without an established session.
	ErrNoSession = errors.New("no established session")

	// ErrUnknownMessage reports an unknown outer message type or version.
	ErrUnknownMessage = errors.New("unknown message")
)

// ErrTooManyPeers is the one system-level condition: the registry is full
// and a new peer context cannot be allocated.
var ErrTooManyPeers = errors.New("peer registry full")

// reason maps an error to a short label for logs and metrics.
func reason(err error) string {
	switch {
	case errors.Is(err, ErrMalformedMessage):
		return "malformed"
	case errors.Is(err, ErrOpenFailed):
		return "open_failed"
	case errors.Is(err, ErrVerifyFailed):
		return "verify_failed"
	case errors.Is(err, ErrUntrustedCertificate):
		return "untrusted"
	case errors.Is(err, ErrReplayedSession):
		return "replayed"
	case errors.Is(err, ErrPolicyRejected):
		return "policy"
	case errors.Is(err, ErrUnexpectedMessage):
		return "unexpected"
	case errors.Is(err, ErrReplayedFrame):
		return "replayed_frame"
	case errors.Is(err, ErrNoSession):
		return "no_session"
	case errors.Is(err, ErrUnknownMessage):
		return "unknown"
	case errors.Is(err, ErrTooManyPeers):
		return "too_many_peers"
	default:
		return "error"
	}
}
