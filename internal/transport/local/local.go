// Package local is an in-process loopback wire driver for development and
// tests. It pairs instantly, reflects sent messages back as inbound ones
// and walks the regular session life cycle.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	logx "wacast/pkg/logx"

	"wacast/internal/transport"
)

var ErrSessionClosed = errors.New("local: session closed")

type Dialer struct{}

func NewDialer() *Dialer { return &Dialer{} }

func (d *Dialer) Dial(_ context.Context, cfg transport.Config) (transport.Session, error) {
	s := &session{
		clientID: cfg.ClientID,
		user:     transport.User{JID: cfg.ClientID + "@local", Name: "loopback"},
		events:   make(chan transport.Event, 64),
		log:      cfg.Log,
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	go s.handshake(cfg.Creds)
	return s, nil
}

type session struct {
	clientID string
	user     transport.User
	log      logx.Logger

	mu     sync.Mutex
	events chan transport.Event
	closed bool
}

// handshake emulates pairing: a fresh tenant gets a QR and a credentials
// update before the connection opens, a returning one connects directly.
func (s *session) handshake(creds []byte) {
	if len(creds) == 0 {
		s.emit(transport.Event{Kind: transport.EventConnection, Connection: &transport.ConnectionUpdate{
			State: transport.StateConnecting,
			QR:    uuid.NewString(),
		}})
		fresh, _ := json.Marshal(map[string]any{"registered": true, "id": uuid.NewString()})
		s.emit(transport.Event{Kind: transport.EventCreds, Creds: &transport.CredsUpdate{Creds: fresh}})
	}
	s.emit(transport.Event{Kind: transport.EventConnection, Connection: &transport.ConnectionUpdate{
		State: transport.StateOpen,
		User:  s.user,
	}})
}

func (s *session) SendMessage(_ context.Context, jid string, out transport.Outgoing) error {
	data, _ := json.Marshal(map[string]any{"text": out.Text, "attachment": out.Attachment != nil})
	ok := s.emit(transport.Event{Kind: transport.EventMessages, Messages: &transport.MessagesUpsert{
		Messages: []transport.Message{{
			ID:        uuid.NewString(),
			ChatID:    jid,
			RemoteJID: jid,
			FromMe:    true,
			Timestamp: time.Now().Unix(),
			Data:      data,
		}},
	}})
	if !ok {
		return ErrSessionClosed
	}
	return nil
}

func (s *session) GroupMetadata(_ context.Context, groupID string) (*transport.GroupMetadata, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrSessionClosed
	}
	return &transport.GroupMetadata{
		ID:           groupID,
		Subject:      "loopback group",
		Participants: []string{s.user.JID},
	}, nil
}

func (s *session) Logout(context.Context) error {
	s.close(transport.ReasonLoggedOut)
	return nil
}

func (s *session) End() {
	s.close(transport.ReasonConnectionClosed)
}

func (s *session) Events() <-chan transport.Event { return s.events }

func (s *session) User() transport.User { return s.user }

// emit reports whether the event was delivered; a full buffer drops it the
// same way a saturated wire would.
func (s *session) emit(ev transport.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- ev:
		return true
	default:
		s.log.Warn("loopback event dropped", logx.String("client", s.clientID))
		return false
	}
}

func (s *session) close(reason transport.DisconnectReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- transport.Event{Kind: transport.EventConnection, Connection: &transport.ConnectionUpdate{
		State:  transport.StateClosed,
		Reason: reason,
	}}:
	default:
	}
	s.closed = true
	close(s.events)
}
