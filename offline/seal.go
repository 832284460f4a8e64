// Package offline implements the DHT-backed offline-message bucket
// protocol: each direction of a chat has its own write bucket, keyed by a
// per-pair secret derived during the key exchange, that the writer
// periodically reads back and appends sealed messages to (section 4.5).
package offline

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/kiyeovo/core/apperr"
)

// sealedMessage is an X25519-ECDH sealed-box: a fresh ephemeral key pair per
// message, so no static sender key appears in the ciphertext; messages are
// tied to their sender by signatures and the sealed sender_info instead.
type sealedMessage struct {
	EphemeralPublicKey []byte `json:"ephemeral_public_key"`
	Nonce              []byte `json:"nonce"`
	Ciphertext         []byte `json:"ciphertext"`
}

func sealTo(recipientOfflinePub *ecdh.PublicKey, plaintext []byte) (*sealedMessage, error) {
	eph, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate sealing ephemeral key: %w", err)
	}
	ss, err := eph.ECDH(recipientOfflinePub)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}
	key, err := sealKeyFromSecret(ss, eph.PublicKey().Bytes(), recipientOfflinePub.Bytes())
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	ct := aead.Seal(nil, nonce, plaintext, nil)
	return &sealedMessage{EphemeralPublicKey: eph.PublicKey().Bytes(), Nonce: nonce, Ciphertext: ct}, nil
}

func openSealed(recipientOfflinePriv *ecdh.PrivateKey, msg *sealedMessage) ([]byte, error) {
	senderEphPub, err := ecdh.X25519().NewPublicKey(msg.EphemeralPublicKey)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProtocol, "offline", "malformed sealed message key", err)
	}
	ss, err := recipientOfflinePriv.ECDH(senderEphPub)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}
	key, err := sealKeyFromSecret(ss, msg.EphemeralPublicKey, recipientOfflinePriv.PublicKey().Bytes())
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	pt, err := aead.Open(nil, msg.Nonce, msg.Ciphertext, nil)
	if err != nil {
		return nil, apperr.ErrIntegrity
	}
	return pt, nil
}

// sealedContentHash hashes a sealed message's on-the-wire bytes (ephemeral
// key, nonce, ciphertext) so a signed_payload can bind to it without
// re-encrypting: sha256(encrypted_content) in the invariant this backs.
func sealedContentHash(m *sealedMessage) [32]byte {
	buf := make([]byte, 0, len(m.EphemeralPublicKey)+len(m.Nonce)+len(m.Ciphertext))
	buf = append(buf, m.EphemeralPublicKey...)
	buf = append(buf, m.Nonce...)
	buf = append(buf, m.Ciphertext...)
	return sha256.Sum256(buf)
}

func sealKeyFromSecret(ss, ephPub, recipientPub []byte) ([32]byte, error) {
	var key [32]byte
	salt := sha256.Sum256(append(append([]byte{}, ephPub...), recipientPub...))
	kdf := hkdf.New(sha256.New, ss, salt[:], []byte("kiyeovo-offline-seal"))
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return key, fmt.Errorf("hkdf: %w", err)
	}
	return key, nil
}
