package handshake

import (
	"bytes"
	"crypto/ecdh"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/kiyeovo/core/session"
)

// sortPair returns (min, max) of two byte slices under lexicographic order,
// so both peers compute the same salt independent of who is the initiator.
func sortPair(a, b []byte) (lo, hi []byte) {
	if bytes.Compare(a, b) <= 0 {
		return a, b
	}
	return b, a
}

func sharedSecret(priv *ecdh.PrivateKey, peerPub *ecdh.PublicKey) ([]byte, error) {
	ss, err := priv.ECDH(peerPub)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}
	return ss, nil
}

// deriveSessionKeys implements the section 4.2 key derivation: shared
// secret, role-independent salt, HKDF-SHA256 expansion, and initiator/
// responder role mapping of the two output halves to sending/receiving.
func deriveSessionKeys(ss []byte, ephA, ephB []byte, role session.Role) (sendingKey, receivingKey [32]byte, err error) {
	lo, hi := sortPair(ephA, ephB)
	saltInput := append(append([]byte{}, lo...), hi...)
	salt := sha256.Sum256(saltInput)

	okm := make([]byte, 64)
	kdf := hkdf.New(sha256.New, ss, salt[:], []byte("kiyeovo-hkdf-v1"))
	if _, err := io.ReadFull(kdf, okm); err != nil {
		return sendingKey, receivingKey, fmt.Errorf("hkdf expand: %w", err)
	}

	var k1, k2 [32]byte
	copy(k1[:], okm[:32])
	copy(k2[:], okm[32:])

	if role == session.RoleInitiator {
		return k1, k2, nil
	}
	return k2, k1, nil
}

// deriveBucketSecrets derives the offline bucket secret and notifications
// bucket key shared by a direct-chat pair (section 4.2).
func deriveBucketSecrets(ss []byte, peerIDA, peerIDB string) (offlineBucketSecret, notificationsBucketKey [32]byte, err error) {
	loID, hiID := sortPair([]byte(peerIDA), []byte(peerIDB))

	saltOB := sha256.Sum256(append(append([]byte{}, loID...), hiID...))
	saltNB := sha256.Sum256(append(append([]byte{}, hiID...), loID...))

	obKDF := hkdf.New(sha256.New, ss, saltOB[:], []byte("kiyeovo-hkdf-offline"))
	if _, err := io.ReadFull(obKDF, offlineBucketSecret[:]); err != nil {
		return offlineBucketSecret, notificationsBucketKey, fmt.Errorf("hkdf offline: %w", err)
	}

	nbKDF := hkdf.New(sha256.New, ss, saltNB[:], []byte("kiyeovo-hkdf-notifications"))
	if _, err := io.ReadFull(nbKDF, notificationsBucketKey[:]); err != nil {
		return offlineBucketSecret, notificationsBucketKey, fmt.Errorf("hkdf notifications: %w", err)
	}

	return offlineBucketSecret, notificationsBucketKey, nil
}
