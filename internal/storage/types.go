package storage

import (
	"context"
	"time"

	"wacast/internal/transport"
)

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Store is the persistence API used by the session registry, the
// credential store and the broadcast dispatcher.
type Store interface {
	// Credentials. ReadCredentials returns (nil, nil) when no row exists.
	ReadCredentials(ctx context.Context, clientID string) ([]byte, error)
	UpsertCredentials(ctx context.Context, clientID string, data []byte) error

	// Protocol key material, unique on (clientID, keyType, keyID).
	// ReadKey returns (nil, nil) when no row exists.
	ReadKey(ctx context.Context, clientID, keyType, keyID string) ([]byte, error)
	UpsertKey(ctx context.Context, clientID, keyType, keyID string, data []byte) error
	DeleteKey(ctx context.Context, clientID, keyType, keyID string) error

	// PurgeTenant removes credentials, keys, chats and messages for one
	// tenant inside a single transaction.
	PurgeTenant(ctx context.Context, clientID string) error

	// Inbound persistence (upsert on conflict).
	UpsertMessages(ctx context.Context, clientID string, msgs []transport.Message) error
	UpsertChats(ctx context.Context, clientID string, chats []transport.Chat) error
	GetMessage(ctx context.Context, clientID, id string) ([]byte, bool, error)

	// Dispatch support.
	ListMembers(ctx context.Context, clientID string, listIDs []int64) ([]string, error)
	CreateBroadcast(ctx context.Context, owner, content string, listIDs []int64) (int64, error)
	PruneBroadcasts(ctx context.Context, olderThan time.Time) (int64, error)

	Close() error
}
