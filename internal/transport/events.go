package transport

// EventKind tags the variants of the inbound session event stream.
type EventKind int

const (
	EventConnection EventKind = iota
	EventCreds
	EventKeys
	EventGroups
	EventParticipants
	EventMessages
	EventChats
	EventHistory
)

// Event is one inbound update from a live session. Exactly one of the
// payload pointers matching Kind is set.
type Event struct {
	Kind EventKind

	Connection   *ConnectionUpdate
	Creds        *CredsUpdate
	Keys         *KeysUpdate
	Groups       *GroupsUpdate
	Participants *ParticipantsUpdate
	Messages     *MessagesUpsert
	Chats        *ChatsUpsert
	History      *HistorySync
}

// ConnectionUpdate reports a state change of the wire connection.
// QR is set while pairing; Reason is meaningful only for StateClosed.
type ConnectionUpdate struct {
	State  ConnectionState
	QR     string
	User   User
	Reason DisconnectReason
}

// CredsUpdate carries the re-serialized credential blob after the wire
// layer mutated it.
type CredsUpdate struct {
	Creds []byte
}

// KeysUpdate is a batch of key material changes keyed by type then id.
// A nil blob deletes the entry.
type KeysUpdate struct {
	Sets map[string]map[string][]byte
}

// GroupsUpdate lists groups whose metadata changed.
type GroupsUpdate struct {
	GroupIDs []string
}

// ParticipantsUpdate reports a membership change in one group.
type ParticipantsUpdate struct {
	GroupID string
}

type MessagesUpsert struct {
	Messages []Message
}

type ChatsUpsert struct {
	Chats []Chat
}

// HistorySync is the initial bulk backfill of chats and messages.
type HistorySync struct {
	Chats    []Chat
	Messages []Message
}
