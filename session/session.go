// Package session implements the live directional-key conversation state
// described in section 4.3: a two-key session (not a Double Ratchet) using
// XChaCha20-Poly1305, rotated by the key-exchange protocol in the
// handshake package.
package session

import (
	"crypto/ecdh"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/kiyeovo/core/apperr"
	"github.com/kiyeovo/core/internal/metrics"
)

// RotationThreshold is the message count that triggers rotation (section 4.2).
const RotationThreshold uint64 = 15

// Session is the in-memory symmetric-key state for one live conversation.
type Session struct {
	mu sync.Mutex

	PeerID           string
	EphemeralPrivate *ecdh.PrivateKey
	EphemeralPublic  *ecdh.PublicKey

	sendingKey   [32]byte
	receivingKey [32]byte
	sendAEAD     cipherAEAD
	recvAEAD     cipherAEAD

	messageCount uint64
	recvCount    uint64
	lastUsed     time.Time
	lastRotated  time.Time
}

type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
}

// Role disambiguates which half of the HKDF output becomes the sending key.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

// New constructs a Session from the role-mapped 32-byte sending/receiving
// keys produced by the handshake package's key derivation (section 4.2).
func New(peerID string, eph *ecdh.PrivateKey, sendingKey, receivingKey [32]byte) (*Session, error) {
	sendAEAD, err := chacha20poly1305.NewX(sendingKey[:])
	if err != nil {
		return nil, fmt.Errorf("init send aead: %w", err)
	}
	recvAEAD, err := chacha20poly1305.NewX(receivingKey[:])
	if err != nil {
		return nil, fmt.Errorf("init recv aead: %w", err)
	}
	now := time.Now()
	return &Session{
		PeerID:           peerID,
		EphemeralPrivate: eph,
		EphemeralPublic:  eph.PublicKey(),
		sendingKey:       sendingKey,
		receivingKey:     receivingKey,
		sendAEAD:         sendAEAD,
		recvAEAD:         recvAEAD,
		lastUsed:         now,
		lastRotated:      now,
	}, nil
}

// Encrypt seals plaintext under the sending key with a fresh random nonce,
// and increments message_count on success.
func (s *Session) Encrypt(plaintext []byte) (nonce, ciphertext []byte, err error) {
	start := time.Now()
	defer func() {
		metrics.SessionDuration.WithLabelValues("encrypt").Observe(time.Since(start).Seconds())
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	nonce = make([]byte, s.sendAEAD.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext = s.sendAEAD.Seal(nil, nonce, plaintext, nil)
	s.messageCount++
	s.lastUsed = time.Now()
	metrics.SessionMessageSize.WithLabelValues("outbound").Observe(float64(len(plaintext)))
	return nonce, ciphertext, nil
}

// Decrypt opens ciphertext under the receiving key. On failure the caller
// must clear the session (section 4.4's aggressive recovery policy) — this
// function itself only reports the failure.
func (s *Session) Decrypt(nonce, ciphertext []byte) ([]byte, error) {
	start := time.Now()
	defer func() {
		metrics.SessionDuration.WithLabelValues("decrypt").Observe(time.Since(start).Seconds())
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	plaintext, err := s.recvAEAD.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		metrics.NonceValidations.WithLabelValues("invalid").Inc()
		return nil, apperr.ErrSessionDesync
	}
	metrics.NonceValidations.WithLabelValues("valid").Inc()
	s.recvCount++
	s.lastUsed = time.Now()
	metrics.SessionMessageSize.WithLabelValues("inbound").Observe(float64(len(plaintext)))
	return plaintext, nil
}

// MessageCount returns the number of messages sent on this session.
func (s *Session) MessageCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messageCount
}

// ReceiveCount returns the number of messages successfully decrypted.
func (s *Session) ReceiveCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recvCount
}

// NeedsRotation reports whether message_count has reached the threshold.
func (s *Session) NeedsRotation() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messageCount >= RotationThreshold
}

// LastRotated returns the time of the last completed rotation.
func (s *Session) LastRotated() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRotated
}

// LastUsed returns the time of the last successful encrypt or decrypt.
func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// Rotate replaces the session's ephemeral keys and directional keys in
// place and resets message_count to 0 (section 4.2's rotation completion).
func (s *Session) Rotate(eph *ecdh.PrivateKey, sendingKey, receivingKey [32]byte) error {
	sendAEAD, err := chacha20poly1305.NewX(sendingKey[:])
	if err != nil {
		return fmt.Errorf("init send aead: %w", err)
	}
	recvAEAD, err := chacha20poly1305.NewX(receivingKey[:])
	if err != nil {
		return fmt.Errorf("init recv aead: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.EphemeralPrivate = eph
	s.EphemeralPublic = eph.PublicKey()
	s.sendingKey = sendingKey
	s.receivingKey = receivingKey
	s.sendAEAD = sendAEAD
	s.recvAEAD = recvAEAD
	s.messageCount = 0
	s.recvCount = 0
	s.lastRotated = time.Now()
	return nil
}
