package transport

import (
	"context"

	logx "wacast/pkg/logx"
)

// DisconnectReason classifies why the wire connection ended.
// The numeric values are protocol status codes and are owned by the
// concrete dialer; the named ones are the codes the session layer
// bases its restart policy on.
type DisconnectReason int

const (
	ReasonUnknown            DisconnectReason = 0
	ReasonConnectionClosed   DisconnectReason = 428
	ReasonConnectionLost     DisconnectReason = 408
	ReasonConnectionReplaced DisconnectReason = 440
	ReasonLoggedOut          DisconnectReason = 401
)

// ConnectionState mirrors the connection.update states of the wire protocol.
type ConnectionState string

const (
	StateConnecting ConnectionState = "connecting"
	StateOpen       ConnectionState = "open"
	StateClosed     ConnectionState = "close"
)

// User identifies the authenticated account behind an open session.
type User struct {
	JID  string
	Name string
}

// Message is one inbound or stored chat message.
// Data carries the raw protocol payload; the columns the core reads are
// lifted out so storage can index them.
type Message struct {
	ID        string
	ChatID    string
	RemoteJID string
	FromMe    bool
	Timestamp int64
	PushName  string
	Data      []byte
}

// Chat is one conversation entry.
type Chat struct {
	ID          string
	Name        string
	LastMsgTime int64
	UnreadCount int
	Data        []byte
}

// GroupMetadata is the descriptive snapshot of a multi-party chat.
type GroupMetadata struct {
	ID           string
	Subject      string
	Participants []string
}

// Outgoing is the content of one send call. A nil Attachment means plain
// text; otherwise the attachment is sent with Text as its caption.
type Outgoing struct {
	Text       string
	Attachment []byte
	MimeType   string
}

// KeyReader lets the dialer read persisted protocol key material while the
// session is being established. Writes flow back as KeysUpdate events.
type KeyReader interface {
	ReadKey(ctx context.Context, clientID, keyType, keyID string) ([]byte, error)
}

// Config is everything a dialer needs to open one tenant session.
type Config struct {
	ClientID string

	// Creds is the serialized credential blob for an existing pairing.
	// nil means no pairing exists yet; the dialer initializes fresh
	// credentials and emits a QR update.
	Creds []byte

	Keys KeyReader

	// ResolveGroup serves cached group metadata to the wire layer.
	// Returning nil is allowed; the dialer then queries the network.
	ResolveGroup func(ctx context.Context, groupID string) *GroupMetadata

	// GetMessage serves previously persisted messages for resend/retry.
	GetMessage func(ctx context.Context, id string) ([]byte, bool)

	Log logx.Logger
}

// Dialer opens wire sessions. The concrete implementation lives outside
// this core and is injected at registry construction time.
type Dialer interface {
	Dial(ctx context.Context, cfg Config) (Session, error)
}

// Session is one live, authenticated wire connection.
//
// Events() yields inbound updates until the session ends; the channel is
// closed by the implementation after the final ConnectionUpdate.
type Session interface {
	SendMessage(ctx context.Context, jid string, msg Outgoing) error
	GroupMetadata(ctx context.Context, groupID string) (*GroupMetadata, error)
	Logout(ctx context.Context) error
	End()
	Events() <-chan Event
	User() User
}
