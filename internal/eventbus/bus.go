package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"wacast/internal/transport"
)

// Kind enumerates the closed set of notifications crossing the bus.
type Kind string

const (
	KindQR                Kind = "qr"
	KindConnected         Kind = "connected"
	KindRestart           Kind = "restart"
	KindDisconnected      Kind = "disconnected"
	KindLoggedOut         Kind = "logged_out"
	KindMessages          Kind = "message"
	KindChats             Kind = "chats"
	KindBroadcastProgress Kind = "broadcast:progress"
	KindBroadcastComplete Kind = "broadcast:complete"
)

// SendStatus is the per-recipient dispatch state carried by progress events.
type SendStatus string

const (
	StatusSending SendStatus = "sending"
	StatusSent    SendStatus = "sent"
	StatusError   SendStatus = "error"
)

// CompletionStatus is the aggregate outcome of one broadcast run.
type CompletionStatus string

const (
	Completed           CompletionStatus = "completed"
	CompletedWithErrors CompletionStatus = "completed_with_errors"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
//
// ClientID is set on every event; BroadcastID only on broadcast events.
// Exactly one payload pointer matching Kind is set.
type Event struct {
	Kind        Kind
	Time        time.Time
	ClientID    string
	BroadcastID int64

	QR       *QRPayload
	User     *UserPayload
	Messages *MessagesPayload
	Chats    *ChatsPayload
	Progress *ProgressPayload
	Complete *CompletePayload
}

// QRPayload carries a fresh pairing code.
type QRPayload struct {
	Code string
}

// UserPayload accompanies KindConnected.
type UserPayload struct {
	User transport.User
}

// MessagesPayload is a batch of persisted inbound messages.
type MessagesPayload struct {
	Messages []transport.Message
}

// ChatsPayload is a batch of persisted chat upserts.
type ChatsPayload struct {
	Chats []transport.Chat
}

// ProgressPayload reports one recipient's dispatch state transition.
type ProgressPayload struct {
	JID    string
	Status SendStatus
	Error  string
}

// CompletePayload is the single terminal event of a broadcast run.
type CompletePayload struct {
	Status       CompletionStatus
	SuccessCount int
	ErrorCount   int
}

// Predicate filters events before delivery to a subscriber.
type Predicate func(Event) bool

// MatchKind keeps events of one kind.
func MatchKind(k Kind) Predicate {
	return func(e Event) bool { return e.Kind == k }
}

// MatchClient keeps events of one kind for one tenant.
func MatchClient(k Kind, clientID string) Predicate {
	return func(e Event) bool { return e.Kind == k && e.ClientID == clientID }
}

// MatchBroadcast keeps events of one kind for one broadcast run.
func MatchBroadcast(k Kind, broadcastID int64) Predicate {
	return func(e Event) bool { return e.Kind == k && e.BroadcastID == broadcastID }
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int, pred Predicate) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus.
//
// It intentionally does not own any background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*subscriber{}}
}

type subscriber struct {
	ch   chan Event
	pred Predicate
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	snap := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		snap = append(snap, s)
	}
	b.mu.RUnlock()

	for _, s := range snap {
		if s.pred != nil && !s.pred(e) {
			continue
		}
		// Non-blocking delivery. If subscriber is slow, we drop.
		// If a subscriber unsubscribes concurrently and the channel closes,
		// recover from a possible panic (send on closed channel).
		func() {
			defer func() { _ = recover() }()
			select {
			case s.ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int, pred Predicate) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer), pred: pred}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			close(s.ch)
		})
	}
	return s.ch, unsub
}
