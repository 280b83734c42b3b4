package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logx "wacast/pkg/logx"

	"wacast/internal/credstore"
	"wacast/internal/eventbus"
	"wacast/internal/groupcache"
	"wacast/internal/storage"
	"wacast/internal/transport"
)

// ---- fakes ----

type fakeStore struct {
	mu       sync.Mutex
	creds    map[string][]byte
	keys     map[string][]byte // "client/type/id"
	messages map[string][]byte // "client/id"
	chats    map[string]transport.Chat
	purged   []string

	upsertMsgErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		creds:    map[string][]byte{},
		keys:     map[string][]byte{},
		messages: map[string][]byte{},
		chats:    map[string]transport.Chat{},
	}
}

func (f *fakeStore) ReadCredentials(_ context.Context, clientID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creds[clientID], nil
}

func (f *fakeStore) UpsertCredentials(_ context.Context, clientID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds[clientID] = data
	return nil
}

func (f *fakeStore) ReadKey(_ context.Context, clientID, keyType, keyID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keys[clientID+"/"+keyType+"/"+keyID], nil
}

func (f *fakeStore) UpsertKey(_ context.Context, clientID, keyType, keyID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[clientID+"/"+keyType+"/"+keyID] = data
	return nil
}

func (f *fakeStore) DeleteKey(_ context.Context, clientID, keyType, keyID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keys, clientID+"/"+keyType+"/"+keyID)
	return nil
}

func (f *fakeStore) PurgeTenant(_ context.Context, clientID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purged = append(f.purged, clientID)
	delete(f.creds, clientID)
	return nil
}

func (f *fakeStore) UpsertMessages(_ context.Context, clientID string, msgs []transport.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertMsgErr != nil {
		return f.upsertMsgErr
	}
	for _, m := range msgs {
		f.messages[clientID+"/"+m.ID] = m.Data
	}
	return nil
}

func (f *fakeStore) UpsertChats(_ context.Context, _ string, chats []transport.Chat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range chats {
		f.chats[c.ID] = c
	}
	return nil
}

func (f *fakeStore) GetMessage(_ context.Context, clientID, id string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.messages[clientID+"/"+id]
	return data, ok, nil
}

func (f *fakeStore) ListMembers(context.Context, string, []int64) ([]string, error) {
	return nil, nil
}

func (f *fakeStore) CreateBroadcast(context.Context, string, string, []int64) (int64, error) {
	return 0, nil
}

func (f *fakeStore) PruneBroadcasts(context.Context, time.Time) (int64, error) { return 0, nil }

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) purgeCount(clientID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, id := range f.purged {
		if id == clientID {
			n++
		}
	}
	return n
}

var _ storage.Store = (*fakeStore)(nil)

type fakeSession struct {
	mu        sync.Mutex
	events    chan transport.Event
	loggedOut bool
	ended     bool
	logoutErr error

	groupMeta map[string]*transport.GroupMetadata
	sendErr   map[string]error
	sent      []string
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		events:    make(chan transport.Event, 32),
		groupMeta: map[string]*transport.GroupMetadata{},
	}
}

func (s *fakeSession) SendMessage(_ context.Context, jid string, _ transport.Outgoing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.sendErr[jid]; err != nil {
		return err
	}
	s.sent = append(s.sent, jid)
	return nil
}

func (s *fakeSession) GroupMetadata(_ context.Context, groupID string) (*transport.GroupMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.groupMeta[groupID]
	if !ok {
		return nil, errors.New("no such group")
	}
	return meta, nil
}

func (s *fakeSession) Logout(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logoutErr != nil {
		return s.logoutErr
	}
	s.loggedOut = true
	if !s.ended {
		s.ended = true
		close(s.events)
	}
	return nil
}

func (s *fakeSession) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.ended = true
		close(s.events)
	}
}

func (s *fakeSession) Events() <-chan transport.Event { return s.events }

func (s *fakeSession) User() transport.User { return transport.User{JID: "me@s"} }

func (s *fakeSession) emit(ev transport.Event) { s.events <- ev }

type fakeDialer struct {
	mu       sync.Mutex
	sessions []*fakeSession
	dialErr  error
}

func (d *fakeDialer) Dial(context.Context, transport.Config) (transport.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	s := newFakeSession()
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

func (d *fakeDialer) last() *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return nil
	}
	return d.sessions[len(d.sessions)-1]
}

type fixture struct {
	registry *Registry
	dialer   *fakeDialer
	store    *fakeStore
	groups   *groupcache.Cache
	bus      eventbus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newFakeStore()
	dialer := &fakeDialer{}
	groups := groupcache.New(0)
	bus := eventbus.New()
	reg := NewRegistry(dialer, credstore.New(store, logx.Nop()), store, groups, bus, logx.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		reg.Shutdown(ctx)
	})
	return &fixture{registry: reg, dialer: dialer, store: store, groups: groups, bus: bus}
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event) eventbus.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bus event")
		return eventbus.Event{}
	}
}

// ---- tests ----

func TestConnectRequiresClientID(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if err := f.registry.Connect(context.Background(), " "); !errors.Is(err, ErrClientIDRequired) {
		t.Fatalf("expected ErrClientIDRequired, got %v", err)
	}
}

func TestAtMostOneSessionPerTenant(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.registry.Connect(context.Background(), "t1"); err != nil {
				t.Errorf("Connect: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := f.dialer.dialCount(); n != 1 {
		t.Fatalf("expected exactly 1 dial across concurrent connects, got %d", n)
	}
	if _, ok := f.registry.Live("t1"); !ok {
		t.Fatal("expected a live session after connect")
	}
}

func TestConnectDialFailureFreesSlot(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.dialer.dialErr = errors.New("network down")

	if err := f.registry.Connect(context.Background(), "t1"); err == nil {
		t.Fatal("expected dial error")
	}
	if _, ok := f.registry.Live("t1"); ok {
		t.Fatal("failed dial must not leave a registered session")
	}

	// The slot is reusable afterwards.
	f.dialer.mu.Lock()
	f.dialer.dialErr = nil
	f.dialer.mu.Unlock()
	if err := f.registry.Connect(context.Background(), "t1"); err != nil {
		t.Fatalf("Connect after failure: %v", err)
	}
}

func TestDisconnectLiveSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ch, unsub := f.bus.Subscribe(4, eventbus.MatchClient(eventbus.KindDisconnected, "t1"))
	defer unsub()

	if err := f.registry.Connect(context.Background(), "t1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess := f.dialer.last()

	if err := f.registry.Disconnect(context.Background(), "t1"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	sess.mu.Lock()
	loggedOut := sess.loggedOut
	sess.mu.Unlock()
	if !loggedOut {
		t.Fatal("expected graceful logout")
	}
	if _, ok := f.registry.Live("t1"); ok {
		t.Fatal("session should be removed from registry")
	}
	if f.store.purgeCount("t1") != 1 {
		t.Fatal("expected tenant purge")
	}
	waitEvent(t, ch)
}

func TestDisconnectLogoutFailureForcesEnd(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if err := f.registry.Connect(context.Background(), "t1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess := f.dialer.last()
	sess.mu.Lock()
	sess.logoutErr = errors.New("wire broken")
	sess.mu.Unlock()

	if err := f.registry.Disconnect(context.Background(), "t1"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	sess.mu.Lock()
	ended := sess.ended
	sess.mu.Unlock()
	if !ended {
		t.Fatal("expected forced End after failed logout")
	}
}

func TestDisconnectWithoutSessionStillPurges(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ch, unsub := f.bus.Subscribe(4, eventbus.MatchClient(eventbus.KindDisconnected, "t9"))
	defer unsub()

	f.store.mu.Lock()
	f.store.creds["t9"] = []byte("{}")
	f.store.mu.Unlock()

	if err := f.registry.Disconnect(context.Background(), "t9"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if f.store.purgeCount("t9") != 1 {
		t.Fatal("expected purge even without a live session")
	}
	waitEvent(t, ch)
}

func TestReconnectAfterDisconnect(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if err := f.registry.Connect(context.Background(), "t1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := f.registry.Disconnect(context.Background(), "t1"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := f.registry.Connect(context.Background(), "t1"); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if n := f.dialer.dialCount(); n != 2 {
		t.Fatalf("expected 2 dials, got %d", n)
	}
}
