// Package identity holds the long-lived keypairs a peer uses to sign its
// records and messages (Ed25519) and to receive sealed offline messages
// (X25519), plus the peer ID derived from the signing public key.
package identity

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	sagecrypto "github.com/kiyeovo/core/crypto"
	"github.com/kiyeovo/core/crypto/keys"
)

// Identity is the process-lifetime cryptographic identity of a peer.
type Identity struct {
	Signing sagecrypto.KeyPair // Ed25519
	Offline sagecrypto.KeyPair // X25519
	PeerID  string
}

// New generates a fresh signing and offline keypair and derives the peer ID.
func New() (*Identity, error) {
	signing, err := keys.GenerateEd25519KeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	offline, err := keys.GenerateX25519KeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate offline key: %w", err)
	}
	return FromKeyPairs(signing, offline)
}

// FromKeyPairs wraps existing keypairs (e.g. loaded from the encrypted
// identity-at-rest store, which is out of scope here) into an Identity.
func FromKeyPairs(signing, offline sagecrypto.KeyPair) (*Identity, error) {
	pub, ok := signing.PublicKey().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("signing key pair is not Ed25519")
	}
	return &Identity{
		Signing: signing,
		Offline: offline,
		PeerID:  DerivePeerID(pub),
	}, nil
}

// DerivePeerID derives the stable peer identifier from a signing public key.
func DerivePeerID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// SigningPublicKey returns the raw 32-byte Ed25519 public key.
func (id *Identity) SigningPublicKey() ed25519.PublicKey {
	return id.Signing.PublicKey().(ed25519.PublicKey)
}

// OfflinePublicKey returns the X25519 offline public key; its Bytes method
// gives the raw 32-byte encoding.
func (id *Identity) OfflinePublicKey() *ecdh.PublicKey {
	return id.Offline.PublicKey().(*ecdh.PublicKey)
}

// GenerateEphemeral produces a fresh X25519 keypair for a key exchange or rotation.
func GenerateEphemeral() (*ecdh.PrivateKey, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	return priv, nil
}
