package session

import (
	"context"

	logx "wacast/pkg/logx"

	"wacast/internal/eventbus"
	"wacast/internal/transport"
)

// pump drains one session's inbound event stream until the wire layer
// closes it. All persistence happens here, and bus events for inbound data
// are only published after the write succeeded.
func (r *Registry) pump(clientID, instance string, sess transport.Session) {
	log := r.log.With(logx.String("client", clientID))

	for ev := range sess.Events() {
		switch ev.Kind {
		case transport.EventConnection:
			if r.handleConnection(clientID, instance, sess, ev.Connection, log) {
				return
			}
		case transport.EventCreds:
			if err := r.creds.WriteCredentials(context.Background(), clientID, ev.Creds.Creds); err != nil {
				log.Error("persisting credentials failed", logx.Err(err))
			}
		case transport.EventKeys:
			if err := r.creds.WriteKeys(context.Background(), clientID, ev.Keys.Sets); err != nil {
				log.Error("persisting key batch failed", logx.Err(err))
			}
		case transport.EventGroups:
			for _, id := range ev.Groups.GroupIDs {
				r.refreshGroup(sess, id, log)
			}
		case transport.EventParticipants:
			r.refreshGroup(sess, ev.Participants.GroupID, log)
		case transport.EventMessages:
			r.saveMessages(clientID, ev.Messages.Messages, log)
		case transport.EventChats:
			r.saveChats(clientID, ev.Chats.Chats, log)
		case transport.EventHistory:
			r.saveHistory(clientID, ev.History, log)
		}
	}
}

// handleConnection reacts to a connection.update. It reports true when the
// session reached a terminal close and the pump should stop.
func (r *Registry) handleConnection(clientID, instance string, sess transport.Session, up *transport.ConnectionUpdate, log logx.Logger) bool {
	if up == nil {
		return false
	}

	if up.QR != "" {
		log.Info("pairing code received")
		r.bus.Publish(eventbus.Event{
			Kind:     eventbus.KindQR,
			ClientID: clientID,
			QR:       &eventbus.QRPayload{Code: up.QR},
		})
	}

	switch up.State {
	case transport.StateOpen:
		log.Info("connection open", logx.String("jid", up.User.JID))
		r.bus.Publish(eventbus.Event{
			Kind:     eventbus.KindConnected,
			ClientID: clientID,
			User:     &eventbus.UserPayload{User: up.User},
		})
		return false

	case transport.StateClosed:
		log.Warn("connection closed", logx.Int("reason", int(up.Reason)))
		r.removeInstance(clientID, instance)

		switch up.Reason {
		case transport.ReasonLoggedOut:
			// Terminal: the pairing is gone, so all tenant data goes too.
			log.Info("tenant logged out, cleaning up")
			if err := r.purgeTenant(context.Background(), clientID); err == nil {
				r.bus.Publish(eventbus.Event{Kind: eventbus.KindDisconnected, ClientID: clientID})
			}
			r.bus.Publish(eventbus.Event{Kind: eventbus.KindLoggedOut, ClientID: clientID})

		case transport.ReasonConnectionClosed, transport.ReasonConnectionReplaced:
			// Manual close or takeover by another connection; no restart.
			r.bus.Publish(eventbus.Event{Kind: eventbus.KindDisconnected, ClientID: clientID})

		default:
			log.Warn("unexpected close, requesting restart")
			r.bus.Publish(eventbus.Event{Kind: eventbus.KindRestart, ClientID: clientID})
		}
		return true
	}
	return false
}

func (r *Registry) refreshGroup(sess transport.Session, groupID string, log logx.Logger) {
	if groupID == "" {
		return
	}
	meta, err := sess.GroupMetadata(context.Background(), groupID)
	if err != nil {
		log.Error("group metadata query failed", logx.String("group", groupID), logx.Err(err))
		return
	}
	r.groups.Set(groupID, meta)
	log.Debug("group metadata cached", logx.String("group", groupID))
}

func (r *Registry) saveMessages(clientID string, msgs []transport.Message, log logx.Logger) {
	kept := msgs[:0:0]
	for _, m := range msgs {
		if m.ID != "" {
			kept = append(kept, m)
		}
	}
	if len(kept) == 0 {
		return
	}
	if err := r.db.UpsertMessages(context.Background(), clientID, kept); err != nil {
		log.Error("saving messages failed", logx.Int("count", len(kept)), logx.Err(err))
		return
	}
	r.bus.Publish(eventbus.Event{
		Kind:     eventbus.KindMessages,
		ClientID: clientID,
		Messages: &eventbus.MessagesPayload{Messages: kept},
	})
	log.Debug("messages persisted", logx.Int("count", len(kept)))
}

func (r *Registry) saveChats(clientID string, chats []transport.Chat, log logx.Logger) {
	kept := chats[:0:0]
	for _, c := range chats {
		if c.ID != "" {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		return
	}
	if err := r.db.UpsertChats(context.Background(), clientID, kept); err != nil {
		log.Error("saving chats failed", logx.Int("count", len(kept)), logx.Err(err))
		return
	}
	r.bus.Publish(eventbus.Event{
		Kind:     eventbus.KindChats,
		ClientID: clientID,
		Chats:    &eventbus.ChatsPayload{Chats: kept},
	})
	log.Debug("chats persisted", logx.Int("count", len(kept)))
}

// saveHistory persists a history-sync backfill. Events go out only after
// both writes succeed, and the chats event carries named chats only, since
// unnamed backfill stubs are useless to observers.
func (r *Registry) saveHistory(clientID string, h *transport.HistorySync, log logx.Logger) {
	if h == nil {
		return
	}
	log.Info("history sync received", logx.Int("chats", len(h.Chats)), logx.Int("messages", len(h.Messages)))

	chats := h.Chats[:0:0]
	for _, c := range h.Chats {
		if c.ID != "" {
			chats = append(chats, c)
		}
	}
	msgs := h.Messages[:0:0]
	for _, m := range h.Messages {
		if m.ID != "" {
			msgs = append(msgs, m)
		}
	}

	ctx := context.Background()
	if err := r.db.UpsertChats(ctx, clientID, chats); err != nil {
		log.Error("history chat sync failed", logx.Err(err))
		return
	}
	if err := r.db.UpsertMessages(ctx, clientID, msgs); err != nil {
		log.Error("history message sync failed", logx.Err(err))
		return
	}

	named := chats[:0:0]
	for _, c := range chats {
		if c.Name != "" {
			named = append(named, c)
		}
	}
	if len(named) > 0 {
		r.bus.Publish(eventbus.Event{
			Kind:     eventbus.KindChats,
			ClientID: clientID,
			Chats:    &eventbus.ChatsPayload{Chats: named},
		})
	}
	if len(msgs) > 0 {
		r.bus.Publish(eventbus.Event{
			Kind:     eventbus.KindMessages,
			ClientID: clientID,
			Messages: &eventbus.MessagesPayload{Messages: msgs},
		})
	}
}
