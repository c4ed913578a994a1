// timers.go
//
// Default periods for the contact tick and session maintenance.
//
// Contains:
// - Contact period (how often configured peers are greeted)
// - Session lifetime (rekey every 120s, like WireGuard's REKEY_AFTER_TIME)
// - Session timeout (silence after which a session is considered lost)
// - Keepalive interval (send an empty frame when the send path is idle)

package device

import "time"

const (
	DefaultContactPeriod        = 30 * time.Second
	DefaultStaleTimeout         = 90 * time.Second
	DefaultSessionLifetime      = 120 * time.Second
	DefaultSessionTimeout       = 180 * time.Second
	DefaultKeepaliveInterval    = 10 * time.Second
	DefaultMaxHandshakeAttempts = 5
	DefaultMaxPeers             = 1024
)

// withDefaults fills zero durations and limits.
func (c Config) withDefaults() Config {
	if c.ContactPeriod == 0 {
		c.ContactPeriod = DefaultContactPeriod
	}
	if c.StaleTimeout == 0 {
		c.StaleTimeout = DefaultStaleTimeout
	}
	if c.SessionLifetime == 0 {
		c.SessionLifetime = DefaultSessionLifetime
	}
	if c.SessionTimeout == 0 {
		c.SessionTimeout = DefaultSessionTimeout
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.MaxHandshakeAttempts == 0 {
		c.MaxHandshakeAttempts = DefaultMaxHandshakeAttempts
	}
	if c.MaxPeers == 0 {
		c.MaxPeers = DefaultMaxPeers
	}
	return c
}
