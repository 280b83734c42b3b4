// Package session owns the mapping from tenant to active wire session.
//
// It enforces at most one live session per tenant, binds each session's
// inbound event stream to the process bus and the persistence layer, and
// drives the reconnect/cleanup policy from wire disconnect reasons.
package session

import (
	"context"
	"errors"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/google/uuid"

	logx "wacast/pkg/logx"

	"wacast/internal/credstore"
	"wacast/internal/eventbus"
	"wacast/internal/groupcache"
	"wacast/internal/storage"
	"wacast/internal/transport"
)

var ErrClientIDRequired = errors.New("client id is required")

type tenantSession struct {
	clientID string
	// instance distinguishes this dial from any replacement, so a stale
	// event pump can never evict a newer session for the same tenant.
	instance string
	sess     transport.Session
}

type Registry struct {
	mu       sync.Mutex
	sessions map[string]*tenantSession

	dialer transport.Dialer
	creds  *credstore.Store
	db     storage.Store
	groups *groupcache.Cache
	bus    eventbus.Bus
	log    logx.Logger

	pumpWG sync.WaitGroup
}

func NewRegistry(dialer transport.Dialer, creds *credstore.Store, db storage.Store, groups *groupcache.Cache, bus eventbus.Bus, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		sessions: make(map[string]*tenantSession),
		dialer:   dialer,
		creds:    creds,
		db:       db,
		groups:   groups,
		bus:      bus,
		log:      log,
	}
}

// Connect opens a wire session for clientID unless one is already live.
// It returns as soon as the dial is issued; connection progress arrives
// asynchronously as qr/connected/restart events on the bus.
func (r *Registry) Connect(ctx context.Context, clientID string) error {
	if strings.TrimSpace(clientID) == "" {
		return ErrClientIDRequired
	}

	// Reserve the slot before any I/O so concurrent connects for the same
	// tenant cannot both dial.
	entry := &tenantSession{clientID: clientID, instance: uuid.NewString()}
	r.mu.Lock()
	if _, ok := r.sessions[clientID]; ok {
		r.mu.Unlock()
		r.log.Info("session already registered, ignoring connect", logx.String("client", clientID))
		return nil
	}
	r.sessions[clientID] = entry
	r.mu.Unlock()

	creds, err := r.creds.ReadCredentials(ctx, clientID)
	if err != nil {
		r.removeInstance(clientID, entry.instance)
		return err
	}

	sess, err := r.dialer.Dial(ctx, transport.Config{
		ClientID: clientID,
		Creds:    creds,
		Keys:     r.creds,
		ResolveGroup: func(_ context.Context, groupID string) *transport.GroupMetadata {
			return r.groups.Get(groupID)
		},
		GetMessage: func(ctx context.Context, id string) ([]byte, bool) {
			data, ok, err := r.db.GetMessage(ctx, clientID, id)
			if err != nil {
				r.log.Error("stored message lookup failed", logx.String("client", clientID), logx.String("id", id), logx.Err(err))
				return nil, false
			}
			return data, ok
		},
		Log: r.log.With(logx.String("client", clientID)),
	})
	if err != nil {
		r.removeInstance(clientID, entry.instance)
		return err
	}

	// A concurrent Disconnect may have dropped the reservation while we
	// were dialing; if so, this session loses and is torn down.
	r.mu.Lock()
	cur, ok := r.sessions[clientID]
	if !ok || cur.instance != entry.instance {
		r.mu.Unlock()
		r.log.Warn("session replaced during dial, ending it", logx.String("client", clientID))
		sess.End()
		return nil
	}
	cur.sess = sess
	r.mu.Unlock()

	r.log.Info("session dialed", logx.String("client", clientID))

	r.pumpWG.Add(1)
	go func() {
		defer r.pumpWG.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error("panic in session event pump",
					logx.String("client", clientID),
					logx.Any("panic", rec),
					logx.Stack(string(debug.Stack())))
				r.removeInstance(clientID, entry.instance)
			}
		}()
		r.pump(clientID, entry.instance, sess)
	}()

	return nil
}

// Live returns the active session for clientID, if any.
func (r *Registry) Live(clientID string) (transport.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sessions[clientID]
	if !ok || entry.sess == nil {
		return nil, false
	}
	return entry.sess, true
}

// Disconnect logs the tenant out, removes the session from the registry and
// purges all persisted tenant rows in one transaction. It does all of that
// even when no live session exists, then emits a disconnected event.
func (r *Registry) Disconnect(ctx context.Context, clientID string) error {
	if strings.TrimSpace(clientID) == "" {
		return ErrClientIDRequired
	}

	r.mu.Lock()
	entry, ok := r.sessions[clientID]
	delete(r.sessions, clientID)
	r.mu.Unlock()

	if ok && entry.sess != nil {
		r.log.Info("ending session", logx.String("client", clientID))
		if err := entry.sess.Logout(ctx); err != nil {
			r.log.Warn("logout failed, forcing end", logx.String("client", clientID), logx.Err(err))
			entry.sess.End()
		}
	} else {
		r.log.Info("no active session during disconnect", logx.String("client", clientID))
	}

	if err := r.purgeTenant(ctx, clientID); err != nil {
		return err
	}

	r.bus.Publish(eventbus.Event{Kind: eventbus.KindDisconnected, ClientID: clientID})
	return nil
}

// Shutdown ends every live session without purging tenant data. Pumps drain
// their streams and exit when the wire layer closes them.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	entries := make([]*tenantSession, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	for _, e := range entries {
		if e.sess != nil {
			e.sess.End()
		}
	}

	done := make(chan struct{})
	go func() {
		r.pumpWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.log.Warn("shutdown timed out waiting for session pumps")
	}
}

// removeInstance drops the registry entry for clientID only if it still
// belongs to the given dial. Reports whether it removed anything.
func (r *Registry) removeInstance(clientID, instance string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sessions[clientID]
	if !ok || entry.instance != instance {
		return false
	}
	delete(r.sessions, clientID)
	return true
}

func (r *Registry) purgeTenant(ctx context.Context, clientID string) error {
	r.log.Info("purging tenant data", logx.String("client", clientID))
	if err := r.db.PurgeTenant(ctx, clientID); err != nil {
		r.log.Error("tenant purge failed", logx.String("client", clientID), logx.Err(err))
		return err
	}
	return nil
}
