package broadcast

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"wa_broadcast/internal/events"
	"wa_broadcast/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sendingCampaign stores a campaign over the list's contacts and moves it to sending.
func (f *fixture) sendingCampaign(t *testing.T, list *models.BroadcastList) *models.BroadcastCampaign {
	t.Helper()
	ctx := context.Background()
	contacts, err := f.repo.ListContacts(ctx, list.ID, 0)
	require.NoError(t, err)
	c := &models.BroadcastCampaign{
		ListID: list.ID, UserID: owner, SessionID: sessionID, CampaignName: "direct",
		MessageType: models.MessageTypeText, MessageContent: "hi", Status: models.CampaignDraft, DelayMs: 50,
	}
	require.NoError(t, f.repo.CreateCampaign(ctx, c, contacts))
	ok, err := f.repo.TransitionStatus(ctx, c.ID, []string{models.CampaignDraft}, models.CampaignSending)
	require.NoError(t, err)
	require.True(t, ok)
	return c
}

func TestEngineAbortsWhenSessionUnavailable(t *testing.T) {
	f := newFixture(t)
	c := f.sendingCampaign(t, f.listWith(t, 3))
	f.sender.ready.Store(false)

	status, err := f.engine.Run(context.Background(), JobFor(c))
	assert.ErrorIs(t, err, errFatal)
	assert.Equal(t, models.CampaignFailed, status)

	done, err := f.repo.GetCampaign(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignFailed, done.Status)
	assert.Equal(t, 3, done.FailedCount)
	for _, m := range f.messages(t, c.ID) {
		assert.Equal(t, models.MessageFailed, m.Status)
		assert.Contains(t, m.ErrorMessage, "session unavailable")
	}
}

func TestEngineFailsInvalidNumbers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	list := f.listWith(t, 1)
	// Rows written before validation existed can still carry junk.
	require.NoError(t, f.db.Create(&models.BroadcastContact{ListID: list.ID, ContactNumber: "123", IsActive: true}).Error)
	c := f.sendingCampaign(t, list)

	status, err := f.engine.Run(ctx, JobFor(c))
	require.NoError(t, err)
	assert.Equal(t, models.CampaignCompleted, status)

	msgs := f.messages(t, c.ID)
	assert.Equal(t, models.MessageSent, msgs[0].Status)
	assert.Equal(t, models.MessageFailed, msgs[1].Status)
	assert.Contains(t, msgs[1].ErrorMessage, "invalid phone number")

	targets, _ := f.sender.sent()
	assert.Equal(t, []string{"15550001"}, targets)
}

func TestEngineCancelLeavesSending(t *testing.T) {
	f := newFixture(t)
	c := f.sendingCampaign(t, f.listWith(t, 3))
	job := JobFor(c)
	job.Delay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	f.sender.onSend = func(int, string) { cancel() }

	status, err := f.engine.Run(ctx, job)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.CampaignSending, status)

	pending, err := f.repo.PendingMessages(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestEngineFailClosesCampaign(t *testing.T) {
	f := newFixture(t)
	c := f.sendingCampaign(t, f.listWith(t, 2))

	require.NoError(t, f.engine.Fail(JobFor(c), "maintenance"))

	done, err := f.repo.GetCampaign(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignFailed, done.Status)
	assert.Equal(t, 2, done.FailedCount)
	assert.NotNil(t, done.CompletedAt)
	require.Len(t, f.events.ofType(events.CampaignFinished), 1)
}

type countingJobs struct {
	dispatched atomic.Int32
	cleaned    atomic.Int32
}

func (j *countingJobs) DispatchScheduled(context.Context) (int, error) {
	j.dispatched.Add(1)
	return 1, nil
}

func (j *countingJobs) Cleanup(context.Context) (int64, error) {
	j.cleaned.Add(1)
	return 0, nil
}

func TestSchedulerRunsJobs(t *testing.T) {
	jobs := &countingJobs{}
	s := NewScheduler(jobs, zerolog.Nop())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	entries := s.c.Entries()
	assert.Len(t, entries, 2)

	s.dispatch(context.Background())
	s.cleanup(context.Background())
	assert.EqualValues(t, 1, jobs.dispatched.Load())
	assert.EqualValues(t, 1, jobs.cleaned.Load())

	_, err := s.parser.Parse(CleanupSpec)
	assert.NoError(t, err)
}
