// Package memstore is an in-memory store.Store, standing in for the SQLite
// persistence layer (out of scope) in tests and local smoke runs. It
// follows the same deep-copy-on-read/write, RWMutex-per-table discipline
// as the teacher's in-memory storage backend.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kiyeovo/core/store"
)

// Store is a process-local, in-memory implementation of store.Store.
type Store struct {
	usersMu sync.RWMutex
	users   map[string]*store.User // peer_id -> user

	chatsMu sync.RWMutex
	chats   map[string]*store.Chat // peer_id -> chat

	messagesMu sync.RWMutex
	messages   map[string]*store.Message // id -> message
	byChat     map[string][]string       // chat_id -> ordered message ids

	offlineMu sync.RWMutex
	offline   map[string]*store.OfflineSentBucket // bucket_key -> bucket

	blockedMu sync.RWMutex
	blocked   map[string]*store.BlockedPeer

	failedMu sync.RWMutex
	failed   map[string]*store.FailedExchange

	settingsMu sync.RWMutex
	settings   map[string]string
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		users:    make(map[string]*store.User),
		chats:    make(map[string]*store.Chat),
		messages: make(map[string]*store.Message),
		byChat:   make(map[string][]string),
		offline:  make(map[string]*store.OfflineSentBucket),
		blocked:  make(map[string]*store.BlockedPeer),
		failed:   make(map[string]*store.FailedExchange),
		settings: make(map[string]string),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) Users() store.UserStore                     { return (*userStore)(s) }
func (s *Store) Chats() store.ChatStore                     { return (*chatStore)(s) }
func (s *Store) Messages() store.MessageStore               { return (*messageStore)(s) }
func (s *Store) OfflineSent() store.OfflineSentStore         { return (*offlineSentStore)(s) }
func (s *Store) BlockedPeers() store.BlockedPeerStore        { return (*blockedPeerStore)(s) }
func (s *Store) FailedExchanges() store.FailedExchangeStore  { return (*failedExchangeStore)(s) }
func (s *Store) Settings() store.SettingsStore               { return (*settingsStore)(s) }

// --- users ---

type userStore Store

func (u *userStore) Upsert(ctx context.Context, user *store.User) error {
	s := (*Store)(u)
	s.usersMu.Lock()
	defer s.usersMu.Unlock()
	cp := *user
	s.users[user.PeerID] = &cp
	return nil
}

func (u *userStore) Get(ctx context.Context, peerID string) (*store.User, error) {
	s := (*Store)(u)
	s.usersMu.RLock()
	defer s.usersMu.RUnlock()
	user, ok := s.users[peerID]
	if !ok {
		return nil, fmt.Errorf("user not found: %s", peerID)
	}
	cp := *user
	return &cp, nil
}

func (u *userStore) GetByUsername(ctx context.Context, username string) (*store.User, error) {
	s := (*Store)(u)
	s.usersMu.RLock()
	defer s.usersMu.RUnlock()
	for _, user := range s.users {
		if user.Username == username {
			cp := *user
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("user not found: %s", username)
}

func (u *userStore) Delete(ctx context.Context, peerID string) error {
	s := (*Store)(u)
	s.usersMu.Lock()
	defer s.usersMu.Unlock()
	delete(s.users, peerID)
	return nil
}

// --- chats ---

type chatStore Store

func (c *chatStore) Upsert(ctx context.Context, chat *store.Chat) error {
	s := (*Store)(c)
	s.chatsMu.Lock()
	defer s.chatsMu.Unlock()
	cp := *chat
	s.chats[chat.PeerID] = &cp
	return nil
}

func (c *chatStore) GetByPeerID(ctx context.Context, peerID string) (*store.Chat, error) {
	s := (*Store)(c)
	s.chatsMu.RLock()
	defer s.chatsMu.RUnlock()
	chat, ok := s.chats[peerID]
	if !ok {
		return nil, fmt.Errorf("chat not found: %s", peerID)
	}
	cp := *chat
	return &cp, nil
}

func (c *chatStore) List(ctx context.Context) ([]*store.Chat, error) {
	s := (*Store)(c)
	s.chatsMu.RLock()
	defer s.chatsMu.RUnlock()
	out := make([]*store.Chat, 0, len(s.chats))
	for _, chat := range s.chats {
		cp := *chat
		out = append(out, &cp)
	}
	return out, nil
}

func (c *chatStore) Delete(ctx context.Context, peerID string) error {
	s := (*Store)(c)
	s.chatsMu.Lock()
	defer s.chatsMu.Unlock()
	delete(s.chats, peerID)
	return nil
}

// --- messages ---

type messageStore Store

func (m *messageStore) Insert(ctx context.Context, msg *store.Message) error {
	s := (*Store)(m)
	s.messagesMu.Lock()
	defer s.messagesMu.Unlock()
	if _, exists := s.messages[msg.ID]; exists {
		return fmt.Errorf("message already exists: %s", msg.ID)
	}
	cp := *msg
	s.messages[msg.ID] = &cp
	s.byChat[msg.ChatID] = append(s.byChat[msg.ChatID], msg.ID)
	return nil
}

func (m *messageStore) Update(ctx context.Context, msg *store.Message) error {
	s := (*Store)(m)
	s.messagesMu.Lock()
	defer s.messagesMu.Unlock()
	if _, exists := s.messages[msg.ID]; !exists {
		return fmt.Errorf("message not found: %s", msg.ID)
	}
	cp := *msg
	s.messages[msg.ID] = &cp
	return nil
}

func (m *messageStore) Get(ctx context.Context, id string) (*store.Message, error) {
	s := (*Store)(m)
	s.messagesMu.RLock()
	defer s.messagesMu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("message not found: %s", id)
	}
	cp := *msg
	return &cp, nil
}

func (m *messageStore) ListByChat(ctx context.Context, chatID string, limit, offset int) ([]*store.Message, error) {
	s := (*Store)(m)
	s.messagesMu.RLock()
	defer s.messagesMu.RUnlock()

	ids := s.byChat[chatID]
	if offset >= len(ids) {
		return []*store.Message{}, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(ids) {
		end = len(ids)
	}

	out := make([]*store.Message, 0, end-offset)
	for _, id := range ids[offset:end] {
		cp := *s.messages[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *messageStore) CountPendingFileOffers(ctx context.Context, senderPeerID string) (int, int, error) {
	s := (*Store)(m)
	s.messagesMu.RLock()
	defer s.messagesMu.RUnlock()

	var total, fromPeer int
	for _, msg := range s.messages {
		if msg.MessageType != store.MessageTypeFile || msg.TransferStatus != store.TransferStatusPending {
			continue
		}
		total++
		if msg.SenderPeerID == senderPeerID {
			fromPeer++
		}
	}
	return total, fromPeer, nil
}

// --- offline sent buckets ---

type offlineSentStore Store

func (o *offlineSentStore) Get(ctx context.Context, bucketKey string) (*store.OfflineSentBucket, error) {
	s := (*Store)(o)
	s.offlineMu.RLock()
	defer s.offlineMu.RUnlock()
	b, ok := s.offline[bucketKey]
	if !ok {
		return &store.OfflineSentBucket{BucketKey: bucketKey, Version: 0}, nil
	}
	cp := *b
	return &cp, nil
}

func (o *offlineSentStore) Put(ctx context.Context, bucket *store.OfflineSentBucket) error {
	s := (*Store)(o)
	s.offlineMu.Lock()
	defer s.offlineMu.Unlock()
	cp := *bucket
	s.offline[bucket.BucketKey] = &cp
	return nil
}

func (o *offlineSentStore) Delete(ctx context.Context, bucketKey string) error {
	s := (*Store)(o)
	s.offlineMu.Lock()
	defer s.offlineMu.Unlock()
	delete(s.offline, bucketKey)
	return nil
}

// --- blocked peers ---

type blockedPeerStore Store

func (b *blockedPeerStore) Block(ctx context.Context, peerID, reason string) error {
	s := (*Store)(b)
	s.blockedMu.Lock()
	defer s.blockedMu.Unlock()
	s.blocked[peerID] = &store.BlockedPeer{PeerID: peerID, Reason: reason, CreatedAt: time.Now()}
	return nil
}

func (b *blockedPeerStore) Unblock(ctx context.Context, peerID string) error {
	s := (*Store)(b)
	s.blockedMu.Lock()
	defer s.blockedMu.Unlock()
	delete(s.blocked, peerID)
	return nil
}

func (b *blockedPeerStore) IsBlocked(ctx context.Context, peerID string) (bool, error) {
	s := (*Store)(b)
	s.blockedMu.RLock()
	defer s.blockedMu.RUnlock()
	_, ok := s.blocked[peerID]
	return ok, nil
}

func (b *blockedPeerStore) List(ctx context.Context) ([]*store.BlockedPeer, error) {
	s := (*Store)(b)
	s.blockedMu.RLock()
	defer s.blockedMu.RUnlock()
	out := make([]*store.BlockedPeer, 0, len(s.blocked))
	for _, bp := range s.blocked {
		cp := *bp
		out = append(out, &cp)
	}
	return out, nil
}

// --- failed exchanges ---

type failedExchangeStore Store

func (f *failedExchangeStore) RecordFailure(ctx context.Context, peerID string) error {
	s := (*Store)(f)
	s.failedMu.Lock()
	defer s.failedMu.Unlock()
	s.failed[peerID] = &store.FailedExchange{PeerID: peerID, FailedAt: time.Now()}
	return nil
}

func (f *failedExchangeStore) RecentFailure(ctx context.Context, peerID string) (*store.FailedExchange, error) {
	s := (*Store)(f)
	s.failedMu.RLock()
	defer s.failedMu.RUnlock()
	fe, ok := s.failed[peerID]
	if !ok {
		return nil, nil
	}
	cp := *fe
	return &cp, nil
}

func (f *failedExchangeStore) Clear(ctx context.Context, peerID string) error {
	s := (*Store)(f)
	s.failedMu.Lock()
	defer s.failedMu.Unlock()
	delete(s.failed, peerID)
	return nil
}

// --- settings ---

type settingsStore Store

func (set *settingsStore) Get(ctx context.Context, key string) (string, bool, error) {
	s := (*Store)(set)
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()
	v, ok := s.settings[key]
	return v, ok, nil
}

func (set *settingsStore) Set(ctx context.Context, key, value string) error {
	s := (*Store)(set)
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()
	s.settings[key] = value
	return nil
}

func (set *settingsStore) All(ctx context.Context) (map[string]string, error) {
	s := (*Store)(set)
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()
	out := make(map[string]string, len(s.settings))
	for k, v := range s.settings {
		out[k] = v
	}
	return out, nil
}
