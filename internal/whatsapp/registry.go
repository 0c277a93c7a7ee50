package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"wa_broadcast/internal/errs"
	"wa_broadcast/internal/events"
	"wa_broadcast/internal/models"
	"wa_broadcast/internal/retry"

	"github.com/rs/zerolog"
)

// SessionStore is the durable side of a session the registry reads and updates.
type SessionStore interface {
	Get(ctx context.Context, sessionID string) (*models.WhatsAppSession, error)
	ListAll(ctx context.Context) ([]models.WhatsAppSession, error)
	UpdateActive(ctx context.Context, sessionID string, active bool) error
	UpdateDevice(ctx context.Context, sessionID, deviceJID string) error
	Delete(ctx context.Context, sessionID string) error
}

// ReceiptHandler is told about delivery and read receipts of a session.
type ReceiptHandler func(ctx context.Context, sessionID string, r Receipt)

// Options tunes the registry.
type Options struct {
	RecoverySpacing  time.Duration
	SendTimeout      time.Duration
	ShutdownTimeout  time.Duration
	ChallengePoll    time.Duration
	CountryCode      string
	ReadyWait        retry.Policy // wait for readiness before a single send
	StoreWriteTimout time.Duration
}

func (o *Options) withDefaults() {
	if o.SendTimeout <= 0 {
		o.SendTimeout = 30 * time.Second
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 30 * time.Second
	}
	if o.ChallengePoll <= 0 {
		o.ChallengePoll = time.Second
	}
	if o.StoreWriteTimout <= 0 {
		o.StoreWriteTimout = 10 * time.Second
	}
}

// Status is the read view of one session.
type Status struct {
	SessionID         string     `json:"session_id"`
	Exists            bool       `json:"exists"`
	State             State      `json:"state,omitempty"`
	Ready             bool       `json:"ready"`
	PendingChallenge  string     `json:"pending_challenge,omitempty"`
	ChallengeIssuedAt *time.Time `json:"challenge_issued_at,omitempty"`
}

// session is the runtime companion of one persisted session row.
type session struct {
	id string

	lifecycle sync.Mutex // serializes ensure, reset, destroy and shutdown for this id
	removed   bool       // guarded by lifecycle; the entry left the registry map

	mu          sync.RWMutex
	conn        Conn
	gen         uint64 // identifies the live conn; events from older conns are dropped
	ownerID     uint
	deviceJID   string
	state       State
	ready       bool
	challenge   string
	challengeAt time.Time
}

// Registry owns every live protocol connection, keyed by session id.
type Registry struct {
	factory   Factory
	store     SessionStore
	publisher events.Publisher
	log       zerolog.Logger
	opts      Options

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool // set by Shutdown; no entry is created afterwards
	nextGen  atomic.Uint64

	receiptMu sync.RWMutex
	onReceipt ReceiptHandler
}

// NewRegistry creates an empty registry.
func NewRegistry(factory Factory, store SessionStore, publisher events.Publisher, log zerolog.Logger, opts Options) *Registry {
	opts.withDefaults()
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Registry{
		factory:   factory,
		store:     store,
		publisher: publisher,
		log:       log.With().Str("component", "registry").Logger(),
		opts:      opts,
		sessions:  make(map[string]*session),
	}
}

// OnReceipt registers the handler for delivery receipts.
func (r *Registry) OnReceipt(h ReceiptHandler) {
	r.receiptMu.Lock()
	r.onReceipt = h
	r.receiptMu.Unlock()
}

// acquire returns the entry for id with its lifecycle lock held, creating it if
// needed. It fails with errs.ErrShuttingDown once Shutdown has started.
func (r *Registry) acquire(id string) (*session, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, errs.ErrShuttingDown
		}
		s, ok := r.sessions[id]
		if !ok {
			s = &session{id: id}
			r.sessions[id] = s
		}
		r.mu.Unlock()

		s.lifecycle.Lock()
		if !s.removed {
			return s, nil
		}
		s.lifecycle.Unlock()
	}
}

// release drops the entry from the map when it no longer holds a connection, then unlocks it.
func (r *Registry) release(s *session) {
	s.mu.RLock()
	empty := s.conn == nil
	s.mu.RUnlock()

	if empty {
		s.removed = true
		r.mu.Lock()
		if r.sessions[s.id] == s {
			delete(r.sessions, s.id)
		}
		r.mu.Unlock()
	}
	s.lifecycle.Unlock()
}

func (r *Registry) lookup(id string) (*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// EnsureSession spawns a connection for rec unless one is already live. It does
// not wait for readiness.
func (r *Registry) EnsureSession(ctx context.Context, rec models.WhatsAppSession) error {
	s, err := r.acquire(rec.SessionID)
	if err != nil {
		return err
	}
	defer r.release(s)

	s.mu.RLock()
	live := s.conn != nil
	s.mu.RUnlock()
	if live {
		return nil
	}
	return r.spawn(ctx, s, rec)
}

func (r *Registry) spawn(ctx context.Context, s *session, rec models.WhatsAppSession) error {
	gen := r.nextGen.Add(1)
	conn, err := r.factory.Open(ctx, OpenOptions{SessionID: rec.SessionID, DeviceJID: rec.DeviceJID}, func(evt Event) {
		r.handle(s, gen, evt)
	})
	if err != nil {
		return fmt.Errorf("open session %s: %w", rec.SessionID, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.gen = gen
	s.ownerID = rec.UserID
	s.deviceJID = rec.DeviceJID
	s.state = StateCreated
	s.ready = false
	s.challenge = ""
	s.challengeAt = time.Time{}
	s.mu.Unlock()

	r.log.Debug().Str("session_id", rec.SessionID).Uint("user_id", rec.UserID).Msg("session created")

	go func() {
		if err := conn.Connect(context.Background()); err != nil {
			r.log.Warn().Err(err).Str("session_id", rec.SessionID).Msg("connect failed")
			r.handle(s, gen, Event{Kind: EventDisconnected, Err: err})
		}
	}()
	return nil
}

// handle applies one adapter event to the session it was opened for.
func (r *Registry) handle(s *session, gen uint64, evt Event) {
	log := r.log.With().Str("session_id", s.id).Str("event", evt.Kind.String()).Logger()

	switch evt.Kind {
	case EventMessage:
		if evt.Message != nil {
			r.publish(events.New(events.MessageIncoming, s.id, events.MessagePayload{
				SessionID:         s.id,
				From:              evt.Message.From,
				Body:              evt.Message.Body,
				Timestamp:         evt.Message.Timestamp,
				ExternalMessageID: evt.Message.ID,
			}))
		}
		return
	case EventReceipt:
		r.receiptMu.RLock()
		h := r.onReceipt
		r.receiptMu.RUnlock()
		if h != nil && evt.Receipt != nil {
			h(context.Background(), s.id, *evt.Receipt)
		}
		return
	case EventAuthFailure:
		log.Warn().Err(evt.Err).Msg("authentication failure, reset the session to pair again")
		r.publish(events.New(events.SessionAuthFailure, s.id, errorData(evt.Err)))
		return
	}

	next, ok := targetState(evt.Kind)
	if !ok {
		return
	}

	s.mu.Lock()
	if s.gen != gen || s.conn == nil {
		s.mu.Unlock()
		log.Debug().Msg("dropping event from a torn down connection")
		return
	}
	prev := s.state
	if prev == next && next != StateChallengePending {
		s.mu.Unlock()
		return
	}
	if !prev.CanTransition(next) {
		s.mu.Unlock()
		log.Warn().Str("from", string(prev)).Str("to", string(next)).Msg("ignoring invalid transition")
		return
	}
	s.state = next
	var deviceChanged bool
	switch next {
	case StateChallengePending:
		s.ready = false
		s.challenge = evt.Challenge
		s.challengeAt = time.Now()
	case StateReady:
		s.ready = true
		s.challenge = ""
		s.challengeAt = time.Time{}
		if evt.DeviceJID != "" && evt.DeviceJID != s.deviceJID {
			s.deviceJID = evt.DeviceJID
			deviceChanged = true
		}
	case StateDisconnected:
		s.ready = false
	}
	s.mu.Unlock()

	log.Info().Str("from", string(prev)).Str("to", string(next)).Msg("session state changed")

	switch next {
	case StateChallengePending:
		qr, err := RenderChallenge(evt.Challenge)
		if err != nil {
			log.Error().Err(err).Msg("render challenge")
		}
		r.publish(events.New(events.SessionChallenge, s.id, map[string]string{"qr": qr}))
	case StateReady:
		r.persist(func(ctx context.Context) error { return r.store.UpdateActive(ctx, s.id, true) }, log)
		if deviceChanged {
			r.persist(func(ctx context.Context) error { return r.store.UpdateDevice(ctx, s.id, evt.DeviceJID) }, log)
		}
		r.publish(events.New(events.SessionReady, s.id, nil))
	case StateDisconnected:
		r.persist(func(ctx context.Context) error { return r.store.UpdateActive(ctx, s.id, false) }, log)
		r.publish(events.New(events.SessionDisconnected, s.id, errorData(evt.Err)))
	}
}

func (r *Registry) persist(fn func(ctx context.Context) error, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.StoreWriteTimout)
	defer cancel()
	if err := fn(ctx); err != nil && !errors.Is(err, errs.ErrSessionNotFound) {
		log.Error().Err(err).Msg("failed to persist session state")
	}
}

func (r *Registry) publish(evt events.Event) {
	if err := r.publisher.Publish(context.Background(), evt); err != nil {
		r.log.Warn().Err(err).Str("session_id", evt.SessionID).Str("type", evt.Type).Msg("publish event")
	}
}

func errorData(err error) map[string]string {
	if err == nil {
		return nil
	}
	return map[string]string{"error": err.Error()}
}

// GetStatus returns the runtime view of a session. It never blocks on the adapter.
func (r *Registry) GetStatus(id string) Status {
	st := Status{SessionID: id}
	s, ok := r.lookup(id)
	if !ok {
		return st
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return st
	}
	st.Exists = true
	st.State = s.state
	st.Ready = s.ready
	st.PendingChallenge = s.challenge
	if !s.challengeAt.IsZero() {
		at := s.challengeAt
		st.ChallengeIssuedAt = &at
	}
	return st
}

// ResetSession tears the connection down, wipes its credential cache and opens a
// fresh one so the session presents a new challenge.
func (r *Registry) ResetSession(ctx context.Context, id string) error {
	rec, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}

	s, err := r.acquire(id)
	if err != nil {
		return err
	}
	defer r.release(s)

	device := r.teardown(ctx, s, false)
	if device == "" {
		device = rec.DeviceJID
	}
	r.purge(ctx, OpenOptions{SessionID: id, DeviceJID: device})

	if rec.DeviceJID != "" {
		r.persist(func(ctx context.Context) error { return r.store.UpdateDevice(ctx, id, "") }, r.log)
		rec.DeviceJID = ""
	}
	r.persist(func(ctx context.Context) error { return r.store.UpdateActive(ctx, id, false) }, r.log)

	r.log.Info().Str("session_id", id).Msg("session reset")
	return r.spawn(ctx, s, *rec)
}

// DestroySession logs out, tears down, wipes the credential cache and deletes the
// persisted row. Adapter failures are logged and never stop the local cleanup.
// Destroying an unknown session reports errs.ErrSessionNotFound.
func (r *Registry) DestroySession(ctx context.Context, id string) error {
	s, err := r.acquire(id)
	if err != nil {
		return err
	}
	defer r.release(s)

	rec, err := r.store.Get(ctx, id)
	if err != nil && !errors.Is(err, errs.ErrSessionNotFound) {
		return err
	}

	s.mu.RLock()
	live := s.conn != nil
	s.mu.RUnlock()
	if !live && rec == nil {
		return errs.ErrSessionNotFound
	}

	device := r.teardown(ctx, s, true)
	if device == "" && rec != nil {
		device = rec.DeviceJID
	}
	r.purge(ctx, OpenOptions{SessionID: id, DeviceJID: device})

	if rec != nil {
		if err := r.store.Delete(ctx, id); err != nil && !errors.Is(err, errs.ErrSessionNotFound) {
			return fmt.Errorf("delete session %s: %w", id, err)
		}
	}
	r.log.Info().Str("session_id", id).Msg("session destroyed")
	return nil
}

// teardown detaches and closes the live connection of s, optionally logging out
// first. It returns the device the connection was paired as. Callers hold s.lifecycle.
func (r *Registry) teardown(ctx context.Context, s *session, logout bool) string {
	s.mu.Lock()
	conn := s.conn
	device := s.deviceJID
	s.conn = nil
	s.gen = 0
	s.state = ""
	s.ready = false
	s.challenge = ""
	s.challengeAt = time.Time{}
	s.mu.Unlock()

	if conn == nil {
		return device
	}
	log := r.log.With().Str("session_id", s.id).Logger()
	if logout {
		if err := safeCall(func() error { return conn.Logout(ctx) }); err != nil {
			log.Warn().Err(fmt.Errorf("%w: logout: %v", errs.ErrAdapterTeardown, err)).Msg("logout failed, continuing cleanup")
		}
	}
	if err := safeCall(conn.Close); err != nil {
		log.Warn().Err(fmt.Errorf("%w: close: %v", errs.ErrAdapterTeardown, err)).Msg("close failed, continuing cleanup")
	}
	return device
}

func (r *Registry) purge(ctx context.Context, opts OpenOptions) {
	if err := r.factory.Purge(ctx, opts); err != nil {
		r.log.Warn().Err(err).Str("session_id", opts.SessionID).Msg("failed to remove credential cache")
	}
}

// safeCall runs fn, turning a panic into an error.
func safeCall(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn()
}

// readyConn returns the connection of a ready session.
func (r *Registry) readyConn(id string) (Conn, bool) {
	s, ok := r.lookup(id)
	if !ok {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil || !s.ready {
		return nil, false
	}
	return s.conn, true
}

// SendThrough sends msg to a digits-only target on a ready session and classifies
// the result. Only a missing or unready session is returned as an error; send
// failures are reported in the outcome.
func (r *Registry) SendThrough(ctx context.Context, id, target string, msg OutgoingMessage) (DeliveryOutcome, error) {
	conn, ok := r.readyConn(id)
	if !ok {
		return DeliveryOutcome{}, fmt.Errorf("session %s: %w", id, errs.ErrClientNotReady)
	}

	sendCtx, cancel := context.WithTimeout(ctx, r.opts.SendTimeout)
	defer cancel()

	type result struct {
		res SendResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := conn.Send(sendCtx, target, msg)
		done <- result{res: res, err: err}
	}()

	select {
	case out := <-done:
		return Classify(out.res, out.err), nil
	case <-sendCtx.Done():
		return Classify(SendResult{}, sendCtx.Err()), nil
	}
}

// WaitReady polls until the session is ready or the policy runs out.
func (r *Registry) WaitReady(ctx context.Context, id string, p retry.Policy) error {
	if retry.Poll(ctx, p, func() bool { return r.GetStatus(id).Ready }) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fmt.Errorf("session %s: %w", id, errs.ErrClientNotReady)
}

// WaitChallenge waits up to timeout for the session to present a challenge or
// become ready. It returns errs.ErrChallengeTimeout when neither happens.
func (r *Registry) WaitChallenge(ctx context.Context, id string, timeout time.Duration) (Status, error) {
	attempts := int(timeout/r.opts.ChallengePoll) + 1
	var st Status
	ok := retry.Poll(ctx, retry.Policy{Attempts: attempts, Interval: r.opts.ChallengePoll}, func() bool {
		st = r.GetStatus(id)
		return st.Ready || st.PendingChallenge != ""
	})
	if !ok {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		return st, errs.ErrChallengeTimeout
	}
	return st, nil
}

// SendSingle validates a phone number, waits briefly for readiness, sends a text
// message and announces the outgoing message to observers.
func (r *Registry) SendSingle(ctx context.Context, id, number, text string) (DeliveryOutcome, error) {
	target, err := ValidateNumber(number, r.opts.CountryCode)
	if err != nil {
		return DeliveryOutcome{}, err
	}
	if err := r.WaitReady(ctx, id, r.opts.ReadyWait); err != nil {
		return DeliveryOutcome{}, err
	}

	out, err := r.SendThrough(ctx, id, target, OutgoingMessage{Type: models.MessageTypeText, Text: text})
	if err != nil {
		return out, err
	}
	if out.Ambiguous && out.MessageID == "" {
		out.MessageID = NoMessageID
	}
	if out.Delivered {
		r.publish(events.New(events.MessageOutgoing, id, events.MessagePayload{
			SessionID:         id,
			To:                target,
			Body:              text,
			FromMe:            true,
			Timestamp:         time.Now(),
			ExternalMessageID: out.MessageID,
		}))
	}
	return out, nil
}

// Recover replays every persisted session through EnsureSession, spaced apart.
// A failing session is logged and skipped.
func (r *Registry) Recover(ctx context.Context) error {
	rows, err := r.store.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	recovered := 0
	for i, rec := range rows {
		if i > 0 && r.opts.RecoverySpacing > 0 {
			t := time.NewTimer(r.opts.RecoverySpacing)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		if err := r.EnsureSession(ctx, rec); err != nil {
			if errors.Is(err, errs.ErrShuttingDown) {
				return err
			}
			r.log.Error().Err(err).Str("session_id", rec.SessionID).Msg("failed to recover session")
			continue
		}
		recovered++
	}
	r.log.Info().Int("recovered", recovered).Int("total", len(rows)).Msg("session recovery finished")
	return nil
}

// Shutdown closes every live connection concurrently and refuses new ones. It
// returns once all are closed or the shutdown timeout elapses.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	all := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func(s *session) {
			defer wg.Done()
			s.lifecycle.Lock()
			if !s.removed {
				r.teardown(ctx, s, false)
			}
			r.release(s)
		}(s)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	t := time.NewTimer(r.opts.ShutdownTimeout)
	defer t.Stop()
	select {
	case <-done:
		r.log.Info().Int("sessions", len(all)).Msg("all sessions closed")
		return nil
	case <-t.C:
		return fmt.Errorf("session teardown timed out after %s", r.opts.ShutdownTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LiveCount reports how many sessions hold a connection.
func (r *Registry) LiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
