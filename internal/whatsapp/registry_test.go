package whatsapp

import (
	"context"
	"sync"
	"testing"
	"time"

	"wa_broadcast/internal/errs"
	"wa_broadcast/internal/events"
	"wa_broadcast/internal/models"
	"wa_broadcast/internal/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureSessionBecomesReadyAndPersists(t *testing.T) {
	f := newFixture(t, newFakeFactory(true), Options{})
	rec := f.seed(t, "alpha")[0]

	f.ensureReady(t, rec)

	st := f.registry.GetStatus("alpha")
	assert.True(t, st.Exists)
	assert.Equal(t, StateReady, st.State)
	assert.Empty(t, st.PendingChallenge)

	require.Eventually(t, func() bool {
		row, err := f.sessions.Get(context.Background(), "alpha")
		return err == nil && row.IsActive && row.DeviceJID == "alpha@s.whatsapp.net"
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, f.events.ofType(events.SessionReady), 1)
}

func TestEnsureSessionIsIdempotent(t *testing.T) {
	f := newFixture(t, newFakeFactory(true), Options{})
	rec := f.seed(t, "alpha")[0]

	f.ensureReady(t, rec)
	require.NoError(t, f.registry.EnsureSession(context.Background(), rec))

	assert.EqualValues(t, 1, f.factory.opened.Load())
	assert.Equal(t, 1, f.registry.LiveCount())
}

func TestUnknownSessionStatus(t *testing.T) {
	f := newFixture(t, newFakeFactory(true), Options{})

	st := f.registry.GetStatus("ghost")
	assert.False(t, st.Exists)
	assert.False(t, st.Ready)
	assert.Equal(t, "ghost", st.SessionID)
}

func TestChallengeThenReady(t *testing.T) {
	f := newFixture(t, newFakeFactory(false), Options{})
	rec := f.seed(t, "alpha")[0]
	require.NoError(t, f.registry.EnsureSession(context.Background(), rec))

	st := f.registry.GetStatus("alpha")
	require.True(t, st.Exists)
	assert.Equal(t, StateCreated, st.State)
	assert.False(t, st.Ready)

	conn := f.factory.latest("alpha")
	conn.handle(Event{Kind: EventChallenge, Challenge: "2@pairing-token"})

	st = f.registry.GetStatus("alpha")
	assert.Equal(t, StateChallengePending, st.State)
	assert.Equal(t, "2@pairing-token", st.PendingChallenge)
	require.NotNil(t, st.ChallengeIssuedAt)

	challenges := f.events.ofType(events.SessionChallenge)
	require.Len(t, challenges, 1)
	data, ok := challenges[0].Data.(map[string]string)
	require.True(t, ok)
	assert.Contains(t, data["qr"], "data:image/png;base64,")

	conn.handle(Event{Kind: EventReady})
	st = f.registry.GetStatus("alpha")
	assert.True(t, st.Ready)
	assert.Empty(t, st.PendingChallenge)
	assert.Nil(t, st.ChallengeIssuedAt)
}

func TestReadyOnlyLeavesThroughDisconnect(t *testing.T) {
	f := newFixture(t, newFakeFactory(true), Options{})
	rec := f.seed(t, "alpha")[0]
	f.ensureReady(t, rec)
	conn := f.factory.latest("alpha")

	conn.handle(Event{Kind: EventChallenge, Challenge: "late"})
	st := f.registry.GetStatus("alpha")
	assert.True(t, st.Ready)
	assert.Empty(t, st.PendingChallenge)

	conn.handle(Event{Kind: EventDisconnected, Err: errBoom})
	st = f.registry.GetStatus("alpha")
	assert.False(t, st.Ready)
	assert.Equal(t, StateDisconnected, st.State)
	row, err := f.sessions.Get(context.Background(), "alpha")
	require.NoError(t, err)
	assert.False(t, row.IsActive)

	conn.handle(Event{Kind: EventReady})
	assert.True(t, f.registry.GetStatus("alpha").Ready)
}

func TestConnectFailureMarksDisconnected(t *testing.T) {
	ff := newFakeFactory(false)
	ff.configure = func(c *fakeConn) { c.connectErr = errBoom }
	f := newFixture(t, ff, Options{})
	rec := f.seed(t, "alpha")[0]

	require.NoError(t, f.registry.EnsureSession(context.Background(), rec))
	require.Eventually(t, func() bool {
		return f.registry.GetStatus("alpha").State == StateDisconnected
	}, time.Second, 5*time.Millisecond)
	assert.True(t, f.registry.GetStatus("alpha").Exists)
}

func TestAuthFailureDoesNotChangeState(t *testing.T) {
	f := newFixture(t, newFakeFactory(true), Options{})
	rec := f.seed(t, "alpha")[0]
	f.ensureReady(t, rec)

	f.factory.latest("alpha").handle(Event{Kind: EventAuthFailure, Err: errBoom})

	assert.True(t, f.registry.GetStatus("alpha").Ready)
	assert.Len(t, f.events.ofType(events.SessionAuthFailure), 1)
}

func TestResetUnknownSession(t *testing.T) {
	f := newFixture(t, newFakeFactory(true), Options{})

	err := f.registry.ResetSession(context.Background(), "ghost")
	assert.ErrorIs(t, err, errs.ErrSessionNotFound)
	assert.Zero(t, f.registry.LiveCount())
}

func TestResetReplacesConnection(t *testing.T) {
	f := newFixture(t, newFakeFactory(true), Options{})
	rec := f.seed(t, "alpha")[0]
	f.ensureReady(t, rec)
	first := f.factory.latest("alpha")

	require.NoError(t, f.registry.ResetSession(context.Background(), "alpha"))

	assert.EqualValues(t, 1, first.closed.Load())
	assert.Zero(t, first.loggedOut.Load())
	assert.Contains(t, f.factory.purgedIDs(), "alpha")
	assert.EqualValues(t, 2, f.factory.opened.Load())
	require.Eventually(t, func() bool { return f.registry.GetStatus("alpha").Ready }, time.Second, 5*time.Millisecond)
}

func TestConcurrentResetLeavesSingleConnection(t *testing.T) {
	f := newFixture(t, newFakeFactory(true), Options{})
	rec := f.seed(t, "alpha")[0]
	f.ensureReady(t, rec)

	const resets = 10
	var wg sync.WaitGroup
	for i := 0; i < resets; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.registry.ResetSession(context.Background(), "alpha"))
		}()
	}
	wg.Wait()

	assert.EqualValues(t, resets+1, f.factory.opened.Load())
	open := 0
	for _, c := range f.factory.all("alpha") {
		if c.closed.Load() == 0 {
			open++
		}
	}
	assert.Equal(t, 1, open)
	assert.Equal(t, 1, f.registry.LiveCount())
}

func TestStaleEventsAreDropped(t *testing.T) {
	f := newFixture(t, newFakeFactory(false), Options{})
	rec := f.seed(t, "alpha")[0]
	require.NoError(t, f.registry.EnsureSession(context.Background(), rec))
	old := f.factory.latest("alpha")

	require.NoError(t, f.registry.ResetSession(context.Background(), "alpha"))
	old.handle(Event{Kind: EventReady})

	st := f.registry.GetStatus("alpha")
	assert.False(t, st.Ready)
	assert.Equal(t, StateCreated, st.State)
}

func TestDestroySession(t *testing.T) {
	f := newFixture(t, newFakeFactory(true), Options{})
	rec := f.seed(t, "alpha")[0]
	f.ensureReady(t, rec)
	conn := f.factory.latest("alpha")

	require.NoError(t, f.registry.DestroySession(context.Background(), "alpha"))

	assert.EqualValues(t, 1, conn.loggedOut.Load())
	assert.EqualValues(t, 1, conn.closed.Load())
	assert.Contains(t, f.factory.purgedIDs(), "alpha")
	assert.False(t, f.registry.GetStatus("alpha").Exists)
	_, err := f.sessions.Get(context.Background(), "alpha")
	assert.ErrorIs(t, err, errs.ErrSessionNotFound)

	err = f.registry.DestroySession(context.Background(), "alpha")
	assert.ErrorIs(t, err, errs.ErrSessionNotFound)
}

func TestDestroyToleratesAdapterPanic(t *testing.T) {
	ff := newFakeFactory(true)
	ff.configure = func(c *fakeConn) { c.logoutPanics = true }
	f := newFixture(t, ff, Options{})
	rec := f.seed(t, "alpha")[0]
	f.ensureReady(t, rec)

	require.NotPanics(t, func() {
		require.NoError(t, f.registry.DestroySession(context.Background(), "alpha"))
	})
	assert.EqualValues(t, 1, f.factory.latest("alpha").closed.Load())
	_, err := f.sessions.Get(context.Background(), "alpha")
	assert.ErrorIs(t, err, errs.ErrSessionNotFound)
}

func TestDestroyPersistedButNeverStartedSession(t *testing.T) {
	f := newFixture(t, newFakeFactory(true), Options{})
	f.seed(t, "alpha")

	require.NoError(t, f.registry.DestroySession(context.Background(), "alpha"))
	assert.Contains(t, f.factory.purgedIDs(), "alpha")
	assert.Zero(t, f.factory.opened.Load())
}

func TestDestroyUnknownSession(t *testing.T) {
	f := newFixture(t, newFakeFactory(true), Options{})
	assert.ErrorIs(t, f.registry.DestroySession(context.Background(), "ghost"), errs.ErrSessionNotFound)
}

func TestSessionsAreIsolated(t *testing.T) {
	f := newFixture(t, newFakeFactory(true), Options{})
	recs := f.seed(t, "alpha", "beta")
	f.ensureReady(t, recs[0])
	f.ensureReady(t, recs[1])

	out, err := f.registry.SendThrough(context.Background(), "alpha", "6281234567890", OutgoingMessage{Text: "hi"})
	require.NoError(t, err)
	assert.True(t, out.Delivered)

	assert.Equal(t, []string{"6281234567890"}, f.factory.latest("alpha").sentTo())
	assert.Empty(t, f.factory.latest("beta").sentTo())

	f.factory.latest("beta").handle(Event{Kind: EventDisconnected})
	assert.True(t, f.registry.GetStatus("alpha").Ready)
	assert.False(t, f.registry.GetStatus("beta").Ready)

	require.NoError(t, f.registry.DestroySession(context.Background(), "beta"))
	assert.True(t, f.registry.GetStatus("alpha").Ready)
}

func TestSendThroughNotReady(t *testing.T) {
	f := newFixture(t, newFakeFactory(false), Options{})
	rec := f.seed(t, "alpha")[0]

	_, err := f.registry.SendThrough(context.Background(), "alpha", "6281234567890", OutgoingMessage{Text: "hi"})
	assert.ErrorIs(t, err, errs.ErrClientNotReady)

	require.NoError(t, f.registry.EnsureSession(context.Background(), rec))
	_, err = f.registry.SendThrough(context.Background(), "alpha", "6281234567890", OutgoingMessage{Text: "hi"})
	assert.ErrorIs(t, err, errs.ErrClientNotReady)
}

func TestSendThroughClassifiesResults(t *testing.T) {
	tests := []struct {
		name          string
		res           SendResult
		err           error
		wantDelivered bool
		wantAmbiguous bool
		wantID        string
	}{
		{name: "clean", res: SendResult{MessageID: "3EB0ABC"}, wantDelivered: true, wantID: "3EB0ABC"},
		{name: "ack unreadable", err: ErrAckUnreadable, wantDelivered: true, wantAmbiguous: true},
		{name: "plain failure", err: errBoom},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ff := newFakeFactory(true)
			ff.configure = func(c *fakeConn) {
				c.sendFn = func(context.Context, string, OutgoingMessage) (SendResult, error) { return tt.res, tt.err }
			}
			f := newFixture(t, ff, Options{})
			f.ensureReady(t, f.seed(t, "alpha")[0])

			out, err := f.registry.SendThrough(context.Background(), "alpha", "6281234567890", OutgoingMessage{Text: "hi"})
			require.NoError(t, err)
			assert.Equal(t, tt.wantDelivered, out.Delivered)
			assert.Equal(t, tt.wantAmbiguous, out.Ambiguous)
			assert.Equal(t, tt.wantID, out.MessageID)
			if !tt.wantDelivered {
				assert.ErrorIs(t, out.Err, errs.ErrDeliveryFailed)
			}
		})
	}
}

func TestSendThroughTimesOut(t *testing.T) {
	ff := newFakeFactory(true)
	ff.configure = func(c *fakeConn) {
		c.sendFn = func(ctx context.Context, _ string, _ OutgoingMessage) (SendResult, error) {
			<-ctx.Done()
			return SendResult{}, ctx.Err()
		}
	}
	f := newFixture(t, ff, Options{SendTimeout: 30 * time.Millisecond})
	f.ensureReady(t, f.seed(t, "alpha")[0])

	start := time.Now()
	out, err := f.registry.SendThrough(context.Background(), "alpha", "6281234567890", OutgoingMessage{Text: "hi"})
	require.NoError(t, err)
	assert.False(t, out.Delivered)
	assert.Contains(t, out.ErrorText(), "send timed out")
	assert.Less(t, time.Since(start), time.Second)
}

func TestSendSingle(t *testing.T) {
	f := newFixture(t, newFakeFactory(true), Options{ReadyWait: retry.Policy{Attempts: 3, Interval: 10 * time.Millisecond}})
	f.ensureReady(t, f.seed(t, "alpha")[0])

	_, err := f.registry.SendSingle(context.Background(), "alpha", "12", "hi")
	assert.ErrorIs(t, err, errs.ErrInvalidInput)

	out, err := f.registry.SendSingle(context.Background(), "alpha", "+62 812-3456-7890", "hi")
	require.NoError(t, err)
	assert.True(t, out.Delivered)
	assert.Equal(t, "msg-6281234567890", out.MessageID)

	outgoing := f.events.ofType(events.MessageOutgoing)
	require.Len(t, outgoing, 1)
	payload, ok := outgoing[0].Data.(events.MessagePayload)
	require.True(t, ok)
	assert.True(t, payload.FromMe)
	assert.Equal(t, "6281234567890", payload.To)
}

func TestSendSingleAmbiguousWithoutID(t *testing.T) {
	ff := newFakeFactory(true)
	ff.configure = func(c *fakeConn) {
		c.sendFn = func(context.Context, string, OutgoingMessage) (SendResult, error) { return SendResult{}, ErrAckUnreadable }
	}
	f := newFixture(t, ff, Options{})
	f.ensureReady(t, f.seed(t, "alpha")[0])

	out, err := f.registry.SendSingle(context.Background(), "alpha", "6281234567890", "hi")
	require.NoError(t, err)
	assert.True(t, out.Delivered)
	assert.Equal(t, NoMessageID, out.MessageID)
}

func TestSendSingleWaitsForReadiness(t *testing.T) {
	f := newFixture(t, newFakeFactory(false), Options{ReadyWait: retry.Policy{Attempts: 3, Interval: 5 * time.Millisecond}})
	rec := f.seed(t, "alpha")[0]
	require.NoError(t, f.registry.EnsureSession(context.Background(), rec))

	_, err := f.registry.SendSingle(context.Background(), "alpha", "6281234567890", "hi")
	assert.ErrorIs(t, err, errs.ErrClientNotReady)
}

func TestWaitChallenge(t *testing.T) {
	f := newFixture(t, newFakeFactory(false), Options{ChallengePoll: 5 * time.Millisecond})
	rec := f.seed(t, "alpha")[0]
	require.NoError(t, f.registry.EnsureSession(context.Background(), rec))

	_, err := f.registry.WaitChallenge(context.Background(), "alpha", 20*time.Millisecond)
	assert.ErrorIs(t, err, errs.ErrChallengeTimeout)

	go func() {
		time.Sleep(10 * time.Millisecond)
		f.factory.latest("alpha").handle(Event{Kind: EventChallenge, Challenge: "token"})
	}()
	st, err := f.registry.WaitChallenge(context.Background(), "alpha", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "token", st.PendingChallenge)
}

func TestInboundTraffic(t *testing.T) {
	f := newFixture(t, newFakeFactory(true), Options{})
	f.ensureReady(t, f.seed(t, "alpha")[0])

	var got []Receipt
	f.registry.OnReceipt(func(_ context.Context, sessionID string, r Receipt) {
		assert.Equal(t, "alpha", sessionID)
		got = append(got, r)
	})

	conn := f.factory.latest("alpha")
	conn.handle(Event{Kind: EventMessage, Message: &InboundMessage{ID: "in-1", From: "6281111111111", Body: "hello"}})
	conn.handle(Event{Kind: EventReceipt, Receipt: &Receipt{MessageIDs: []string{"m1"}, Status: models.MessageRead}})

	incoming := f.events.ofType(events.MessageIncoming)
	require.Len(t, incoming, 1)
	payload := incoming[0].Data.(events.MessagePayload)
	assert.Equal(t, "hello", payload.Body)
	assert.False(t, payload.FromMe)

	require.Len(t, got, 1)
	assert.Equal(t, []string{"m1"}, got[0].MessageIDs)
}

func TestRecoverSpacesSessions(t *testing.T) {
	f := newFixture(t, newFakeFactory(true), Options{RecoverySpacing: 30 * time.Millisecond})
	f.seed(t, "a", "b", "c")

	require.NoError(t, f.registry.Recover(context.Background()))

	require.Len(t, f.factory.openAt, 3)
	for i := 1; i < len(f.factory.openAt); i++ {
		assert.GreaterOrEqual(t, f.factory.openAt[i].Sub(f.factory.openAt[i-1]), 30*time.Millisecond)
	}
	assert.Equal(t, 3, f.registry.LiveCount())
}

func TestRecoverSkipsFailingSession(t *testing.T) {
	ff := newFakeFactory(true)
	ff.failFor = map[string]bool{"b": true}
	f := newFixture(t, ff, Options{})
	f.seed(t, "a", "b", "c")

	require.NoError(t, f.registry.Recover(context.Background()))

	assert.True(t, f.registry.GetStatus("a").Exists)
	assert.False(t, f.registry.GetStatus("b").Exists)
	assert.True(t, f.registry.GetStatus("c").Exists)
}

func TestShutdownClosesEverySession(t *testing.T) {
	f := newFixture(t, newFakeFactory(true), Options{})
	for _, rec := range f.seed(t, "a", "b", "c") {
		f.ensureReady(t, rec)
	}

	require.NoError(t, f.registry.Shutdown(context.Background()))

	for _, id := range []string{"a", "b", "c"} {
		assert.EqualValues(t, 1, f.factory.latest(id).closed.Load(), id)
	}
	assert.Zero(t, f.registry.LiveCount())
}

func TestShutdownRefusesNewSessions(t *testing.T) {
	f := newFixture(t, newFakeFactory(true), Options{})
	recs := f.seed(t, "a", "b")
	f.ensureReady(t, recs[0])

	require.NoError(t, f.registry.Shutdown(context.Background()))

	// A recovery still in flight must not leave a connection behind.
	assert.ErrorIs(t, f.registry.EnsureSession(context.Background(), recs[1]), errs.ErrShuttingDown)
	assert.ErrorIs(t, f.registry.Recover(context.Background()), errs.ErrShuttingDown)
	assert.ErrorIs(t, f.registry.ResetSession(context.Background(), "a"), errs.ErrShuttingDown)

	assert.EqualValues(t, 1, f.factory.opened.Load())
	assert.Zero(t, f.registry.LiveCount())
}
