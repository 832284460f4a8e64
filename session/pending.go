package session

import (
	"crypto/ecdh"
	"time"
)

// PendingExpiration is how long a PendingKeyExchange remains valid before
// the initiator's await times out (section 3/4.2).
const PendingExpiration = 5 * time.Minute

// PendingKeyExchange is the in-flight state for an initiated-but-not-yet-
// completed key exchange with a single remote peer. At most one exists per
// peer at a time.
type PendingKeyExchange struct {
	Timestamp        time.Time
	EphemeralPrivate *ecdh.PrivateKey
	EphemeralPublic  *ecdh.PublicKey
}

// Expired reports whether this pending exchange has outlived PendingExpiration.
func (p *PendingKeyExchange) Expired(now time.Time) bool {
	return now.Sub(p.Timestamp) > PendingExpiration
}
