package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wa_broadcast/internal/database"
	"wa_broadcast/internal/events"
	"wa_broadcast/internal/models"
	"wa_broadcast/internal/repository"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory connection driven by the test.
type fakeConn struct {
	id        string
	handle    func(Event)
	autoReady bool

	sendFn       func(ctx context.Context, target string, msg OutgoingMessage) (SendResult, error)
	connectErr   error
	logoutPanics bool

	mu   sync.Mutex
	sent []string

	closed    atomic.Int32
	loggedOut atomic.Int32
}

func (c *fakeConn) Connect(context.Context) error {
	if c.connectErr != nil {
		return c.connectErr
	}
	if c.autoReady {
		c.handle(Event{Kind: EventReady, DeviceJID: c.id + "@s.whatsapp.net"})
	}
	return nil
}

func (c *fakeConn) Send(ctx context.Context, target string, msg OutgoingMessage) (SendResult, error) {
	c.mu.Lock()
	c.sent = append(c.sent, target)
	c.mu.Unlock()
	if c.sendFn != nil {
		return c.sendFn(ctx, target, msg)
	}
	return SendResult{MessageID: "msg-" + target}, nil
}

func (c *fakeConn) Logout(context.Context) error {
	c.loggedOut.Add(1)
	if c.logoutPanics {
		panic("logout on a dead socket")
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.closed.Add(1)
	return nil
}

func (c *fakeConn) sentTo() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

// fakeFactory records every connection it opens.
type fakeFactory struct {
	autoReady bool
	configure func(*fakeConn)
	failFor   map[string]bool

	mu     sync.Mutex
	conns  map[string][]*fakeConn
	openAt []time.Time
	purged []string
	opened atomic.Int32
}

func newFakeFactory(autoReady bool) *fakeFactory {
	return &fakeFactory{autoReady: autoReady, conns: make(map[string][]*fakeConn)}
}

func (f *fakeFactory) Open(_ context.Context, opts OpenOptions, handle func(Event)) (Conn, error) {
	if f.failFor[opts.SessionID] {
		return nil, fmt.Errorf("credential store for %s is corrupt", opts.SessionID)
	}
	c := &fakeConn{id: opts.SessionID, handle: handle, autoReady: f.autoReady}
	if f.configure != nil {
		f.configure(c)
	}
	f.mu.Lock()
	f.conns[opts.SessionID] = append(f.conns[opts.SessionID], c)
	f.openAt = append(f.openAt, time.Now())
	f.mu.Unlock()
	f.opened.Add(1)
	return c, nil
}

func (f *fakeFactory) Purge(_ context.Context, opts OpenOptions) error {
	f.mu.Lock()
	f.purged = append(f.purged, opts.SessionID)
	f.mu.Unlock()
	return nil
}

func (f *fakeFactory) latest(id string) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.conns[id]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

func (f *fakeFactory) all(id string) []*fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeConn(nil), f.conns[id]...)
}

func (f *fakeFactory) purgedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.purged...)
}

// recorder keeps published events.
type recorder struct {
	mu  sync.Mutex
	got []events.Event
}

func (r *recorder) Publish(_ context.Context, evt events.Event) error {
	r.mu.Lock()
	r.got = append(r.got, evt)
	r.mu.Unlock()
	return nil
}

func (r *recorder) ofType(eventType string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.got {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	registry *Registry
	factory  *fakeFactory
	sessions *repository.SessionRepository
	events   *recorder
}

func newFixture(t *testing.T, factory *fakeFactory, opts Options) *fixture {
	t.Helper()
	db, err := database.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	require.NoError(t, db.Create(&models.User{Username: "owner", Email: "owner@example.com", PasswordHash: "x"}).Error)

	rec := &recorder{}
	sessions := repository.NewSessionRepository(db)
	reg := NewRegistry(factory, sessions, rec, zerolog.Nop(), opts)
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })
	return &fixture{registry: reg, factory: factory, sessions: sessions, events: rec}
}

func (f *fixture) seed(t *testing.T, ids ...string) []models.WhatsAppSession {
	t.Helper()
	var out []models.WhatsAppSession
	for _, id := range ids {
		s := models.WhatsAppSession{SessionID: id, UserID: 1}
		require.NoError(t, f.sessions.Create(context.Background(), &s))
		out = append(out, s)
	}
	return out
}

func (f *fixture) ensureReady(t *testing.T, rec models.WhatsAppSession) {
	t.Helper()
	require.NoError(t, f.registry.EnsureSession(context.Background(), rec))
	// The ready event is published after the active flag is written.
	require.Eventually(t, func() bool {
		for _, e := range f.events.ofType(events.SessionReady) {
			if e.SessionID == rec.SessionID {
				return f.registry.GetStatus(rec.SessionID).Ready
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

var errBoom = errors.New("boom")
