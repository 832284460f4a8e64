// Package store declares the persisted-state interfaces consumed by the
// messaging substate. The relational/key-value backend itself (SQLite in
// the product) is an external collaborator and out of scope here; these
// are the narrow per-table contracts the rest of the code is written
// against.
package store

import "time"

// User mirrors the `users` table: the local cache of a peer's registry record.
type User struct {
	PeerID            string
	Username          string
	SigningPublicKey  []byte
	OfflinePublicKey  []byte
	Signature         []byte
	Timestamp         time.Time
}

// ChatStatus is the lifecycle state of a direct chat row.
type ChatStatus string

const (
	ChatStatusActive  ChatStatus = "active"
	ChatStatusPending ChatStatus = "pending"
)

// Chat mirrors the `chats` table.
type Chat struct {
	ID                       string
	PeerID                   string
	OfflineBucketSecret      []byte
	NotificationsBucketKey   []byte
	OfflineLastReadTimestamp time.Time
	OfflineLastAckSent       time.Time
	TrustedOutOfBand         bool
	Status                   ChatStatus
}

// MessageType distinguishes plaintext chat messages from file-transfer rows.
type MessageType string

const (
	MessageTypeText MessageType = "text"
	MessageTypeFile MessageType = "file"
)

// TransferStatus is the lifecycle state of a file-transfer message row.
type TransferStatus string

const (
	TransferStatusPending    TransferStatus = "pending"
	TransferStatusInProgress TransferStatus = "in_progress"
	TransferStatusCompleted  TransferStatus = "completed"
	TransferStatusFailed     TransferStatus = "failed"
	TransferStatusExpired    TransferStatus = "expired"
	TransferStatusRejected   TransferStatus = "rejected"
)

// Message mirrors the `messages` table.
type Message struct {
	ID               string
	ChatID           string
	SenderPeerID     string
	Content          string
	MessageType      MessageType
	FileName         string
	FileSize         int64
	FilePath         string
	TransferStatus   TransferStatus
	TransferProgress int
	Timestamp        time.Time
}

// OfflineSentBucket mirrors the `offline_sent_messages` table: the local
// write-cache for one of this peer's own offline-message write-buckets.
type OfflineSentBucket struct {
	BucketKey string
	Messages  []byte // serialized []OfflineMessage, opaque to the store
	Version   uint64
}

// BlockedPeer mirrors the `blocked_peers` table.
type BlockedPeer struct {
	PeerID    string
	Reason    string
	CreatedAt time.Time
}

// FailedExchange mirrors the `failed_key_exchanges` table, used for the
// 5-minute recent-failure rate limit on initiate().
type FailedExchange struct {
	PeerID   string
	FailedAt time.Time
}
