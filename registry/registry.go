// Package registry implements the DHT-backed username registry: it
// publishes and resolves (username ↔ peerID ↔ public keys) records
// (section 4.1).
package registry

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/kiyeovo/core/apperr"
	"github.com/kiyeovo/core/dht"
	"github.com/kiyeovo/core/identity"
	"github.com/kiyeovo/core/store"
)

const (
	// ReregInterval is how often a registered username is refreshed.
	ReregInterval = 5 * time.Minute
	// MaxRegAge rejects records on read once they are this stale.
	MaxRegAge = 2 * ReregInterval
)

// Registry owns the username <-> peer record lifecycle for one local identity.
type Registry struct {
	id    *identity.Identity
	dht   dht.Client
	users store.UserStore

	mu           sync.Mutex
	username     string
	stopCh       chan struct{}
	stopped      bool
	reregTicker  *time.Ticker
	onReregError func(error)
}

// New constructs a Registry and installs its DHT validators/selectors.
func New(id *identity.Identity, client dht.Client, users store.UserStore) *Registry {
	r := &Registry{id: id, dht: client, users: users}
	client.RegisterValidator("/kiyeovo-user-", dht.ValidatorFunc(validateUserRecord))
	client.RegisterSelector("/kiyeovo-user-", dht.SelectorFunc(selectFreshestUserRecord))
	return r
}

// validateUserRecord enforces well-formedness, signature, and freshness at
// ingest time, per section 4.1's "DHT record validators" note.
func validateUserRecord(key, value []byte) error {
	if len(value) == 0 {
		return nil // tombstone
	}
	rec, err := UnmarshalUserRecord(value)
	if err != nil {
		return err
	}
	if err := rec.Verify(); err != nil {
		return err
	}
	if !rec.Fresh(time.Now(), MaxRegAge) {
		return fmt.Errorf("stale user record")
	}
	return nil
}

// selectFreshestUserRecord prefers the verifying record with the highest timestamp.
func selectFreshestUserRecord(key []byte, values [][]byte) (int, error) {
	best := -1
	var bestTs int64
	for i, v := range values {
		rec, err := UnmarshalUserRecord(v)
		if err != nil || rec.Verify() != nil {
			continue
		}
		if best == -1 || rec.Timestamp > bestTs {
			best = i
			bestTs = rec.Timestamp
		}
	}
	if best == -1 {
		return 0, fmt.Errorf("no valid record to select")
	}
	return best, nil
}

func (r *Registry) buildRecord(username string) *UserRecord {
	rec := &UserRecord{
		PeerID:           r.id.PeerID,
		Username:         username,
		SigningPublicKey: append([]byte(nil), r.id.SigningPublicKey()...),
		OfflinePublicKey: append([]byte(nil), r.id.OfflinePublicKey().Bytes()...),
		Timestamp:        time.Now().UnixMilli(),
	}
	rec.Sign(r.id.Signing.PrivateKey().(ed25519.PrivateKey))
	return rec
}

// Register publishes a UserRecord for username under both key namespaces.
// If the username is already taken by a different peer, it fails with
// ErrUsernameTaken. On rename, the previous username's record is
// best-effort tombstoned.
func (r *Registry) Register(ctx context.Context, username string) error {
	existing, err := r.lookupRaw(ctx, usernameKey(username), func(rec *UserRecord) bool {
		return rec.Username == username
	})
	if err == nil && existing.PeerID != r.id.PeerID {
		return apperr.ErrUsernameTaken
	}

	rec := r.buildRecord(username)
	payload, err := rec.Marshal()
	if err != nil {
		return apperr.Wrap(apperr.KindProtocol, "registry", "marshal user record", err)
	}

	if err := r.putAndRequireAck(ctx, usernameKey(username), payload); err != nil {
		return err
	}
	if err := r.putAndRequireAck(ctx, peerKey(r.id.PeerID), payload); err != nil {
		return err
	}

	if u, uerr := r.users.Get(ctx, r.id.PeerID); uerr == nil && u.Username != "" && u.Username != username {
		// best-effort tombstone of the old username record
		_, _ = r.dht.Put(ctx, usernameKey(u.Username), nil)
	}

	_ = r.users.Upsert(ctx, &store.User{
		PeerID:           r.id.PeerID,
		Username:         username,
		SigningPublicKey: rec.SigningPublicKey,
		OfflinePublicKey: rec.OfflinePublicKey,
		Signature:        rec.Signature,
		Timestamp:        time.UnixMilli(rec.Timestamp),
	})

	r.mu.Lock()
	r.username = username
	r.mu.Unlock()
	return nil
}

func (r *Registry) putAndRequireAck(ctx context.Context, key, value []byte) error {
	ch, err := r.dht.Put(ctx, key, value)
	if err != nil {
		return apperr.Wrap(apperr.KindTransport, "registry", "dht put failed", err)
	}
	sawResponse, _, _ := dht.Drain(ch)
	if !sawResponse {
		return apperr.ErrNetworkUnreachable
	}
	return nil
}

// Lookup resolves a username or peerID to its UserRecord.
func (r *Registry) Lookup(ctx context.Context, usernameOrPeerID string) (*UserRecord, error) {
	// Peer IDs are base64url-encoded SHA-256 sums; usernames are short
	// alphanumeric handles, so this disambiguates well enough for lookup
	// routing without an extra registry round trip.
	if looksLikePeerID(usernameOrPeerID) {
		if rec, err := r.lookupRaw(ctx, peerKey(usernameOrPeerID), func(rec *UserRecord) bool {
			return rec.PeerID == usernameOrPeerID
		}); err == nil {
			return rec, nil
		}
	}
	return r.lookupRaw(ctx, usernameKey(usernameOrPeerID), func(rec *UserRecord) bool {
		return rec.Username == usernameOrPeerID
	})
}

func looksLikePeerID(s string) bool {
	return len(s) >= 32
}

func (r *Registry) lookupRaw(ctx context.Context, key []byte, predicate func(*UserRecord) bool) (*UserRecord, error) {
	ch, err := r.dht.Get(ctx, key)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransport, "registry", "dht get failed", err)
	}
	for ev := range ch {
		if ev.Kind != dht.EventValue {
			continue
		}
		rec, err := UnmarshalUserRecord(ev.Value)
		if err != nil {
			continue
		}
		if time.Since(time.UnixMilli(rec.Timestamp)) > MaxRegAge {
			continue
		}
		if err := rec.Verify(); err != nil {
			continue
		}
		if !predicate(rec) {
			continue
		}
		return rec, nil
	}
	return nil, apperr.ErrNotFound
}

// Start begins periodic re-registration of the currently registered
// username every ReregInterval, until Stop is called.
func (r *Registry) Start(onError func(error)) {
	r.mu.Lock()
	if r.stopCh != nil {
		r.mu.Unlock()
		return
	}
	r.stopCh = make(chan struct{})
	r.onReregError = onError
	r.reregTicker = time.NewTicker(ReregInterval)
	stopCh := r.stopCh
	ticker := r.reregTicker
	r.mu.Unlock()

	go func() {
		for {
			select {
			case <-ticker.C:
				r.mu.Lock()
				username := r.username
				r.mu.Unlock()
				if username == "" {
					continue
				}
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				err := r.Register(ctx, username)
				cancel()
				if err != nil && r.onReregError != nil {
					// Re-registration failures are logged but non-fatal (section 4.1).
					r.onReregError(err)
				}
			case <-stopCh:
				return
			}
		}
	}()
}

// Stop halts periodic re-registration.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.stopCh == nil {
		return
	}
	r.stopped = true
	r.reregTicker.Stop()
	close(r.stopCh)
}
