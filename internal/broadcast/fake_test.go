package broadcast

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wa_broadcast/internal/config"
	"wa_broadcast/internal/database"
	"wa_broadcast/internal/errs"
	"wa_broadcast/internal/events"
	"wa_broadcast/internal/models"
	"wa_broadcast/internal/repository"
	"wa_broadcast/internal/retry"
	"wa_broadcast/internal/whatsapp"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// fakeSender stands in for the session registry.
type fakeSender struct {
	ready atomic.Bool
	// gate, when set, holds WaitReady until it is closed.
	gate chan struct{}

	// onSend runs before the outcome is returned; n counts sends from 1.
	onSend  func(n int, target string)
	outcome func(n int, target string) (whatsapp.DeliveryOutcome, error)

	mu      sync.Mutex
	targets []string
	at      []time.Time
}

func (s *fakeSender) SendThrough(_ context.Context, _, target string, _ whatsapp.OutgoingMessage) (whatsapp.DeliveryOutcome, error) {
	if !s.ready.Load() {
		return whatsapp.DeliveryOutcome{}, errs.ErrClientNotReady
	}
	s.mu.Lock()
	s.targets = append(s.targets, target)
	s.at = append(s.at, time.Now())
	n := len(s.targets)
	s.mu.Unlock()

	if s.onSend != nil {
		s.onSend(n, target)
	}
	if s.outcome != nil {
		return s.outcome(n, target)
	}
	return whatsapp.DeliveryOutcome{Delivered: true, MessageID: fmt.Sprintf("wamid-%d", n)}, nil
}

func (s *fakeSender) WaitReady(ctx context.Context, _ string, _ retry.Policy) error {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if !s.ready.Load() {
		return errs.ErrClientNotReady
	}
	return nil
}

func (s *fakeSender) GetStatus(sessionID string) whatsapp.Status {
	return whatsapp.Status{SessionID: sessionID, Exists: true, Ready: s.ready.Load()}
}

func (s *fakeSender) sent() ([]string, []time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.targets...), append([]time.Time(nil), s.at...)
}

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

const (
	owner     uint = 1
	stranger  uint = 2
	sessionID      = "s1"
)

type fixture struct {
	db      *gorm.DB
	repo    *repository.BroadcastRepository
	sender  *fakeSender
	events  *recorder
	engine  *Engine
	service *Service
	lists   *Lists
}

func testConfig() config.BroadcastConfig {
	return config.BroadcastConfig{
		DefaultDelayMs:  100,
		MinDelayMs:      50,
		MaxDelayMs:      1000,
		MaxBatchSize:    1000,
		CheckpointEvery: 2,
		RetryAttempts:   3,
		RetryDelay:      10 * time.Millisecond,
		CleanupDays:     90,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	for _, u := range []models.User{
		{Username: "owner", Email: "owner@example.com", PasswordHash: "x"},
		{Username: "stranger", Email: "stranger@example.com", PasswordHash: "x"},
	} {
		require.NoError(t, db.Create(&u).Error)
	}
	sessions := repository.NewSessionRepository(db)
	require.NoError(t, sessions.Create(context.Background(), &models.WhatsAppSession{SessionID: sessionID, UserID: owner}))

	cfg := testConfig()
	repo := repository.NewBroadcastRepository(db)
	sender := &fakeSender{}
	sender.ready.Store(true)
	rec := &recorder{}

	engine := NewEngine(repo, sender, rec, zerolog.Nop(), EngineOptions{
		CheckpointEvery: cfg.CheckpointEvery,
		StoreRetry:      retry.Policy{Attempts: cfg.RetryAttempts, Interval: cfg.RetryDelay},
		ReadyWait:       retry.Policy{Attempts: 1},
		CountryCode:     "1",
	})
	svc := NewService(repo, sessions, sender, engine, cfg, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})

	return &fixture{
		db:      db,
		repo:    repo,
		sender:  sender,
		events:  rec,
		engine:  engine,
		service: svc,
		lists:   NewLists(repo, sessions, "1", cfg.MaxBatchSize, zerolog.Nop()),
	}
}

// listWith creates a list of the owner holding n contacts numbered 15550000+i.
func (f *fixture) listWith(t *testing.T, n int) *models.BroadcastList {
	t.Helper()
	ctx := context.Background()
	list, err := f.lists.CreateList(ctx, owner, models.CreateListRequest{SessionID: sessionID, Name: "customers"})
	require.NoError(t, err)
	if n == 0 {
		return list
	}
	contacts := make([]models.ContactInput, n)
	for i := range contacts {
		contacts[i] = models.ContactInput{Number: fmt.Sprintf("+1555%04d", i+1), Name: fmt.Sprintf("contact %d", i+1)}
	}
	res, err := f.lists.AddContacts(ctx, owner, list.ID, contacts)
	require.NoError(t, err)
	require.Equal(t, n, res.Added)
	return list
}

func (f *fixture) start(t *testing.T, listID uint, delayMs int) *models.BroadcastCampaign {
	t.Helper()
	c, err := f.service.StartCampaign(context.Background(), owner, models.StartCampaignRequest{
		ListID:         listID,
		CampaignName:   "launch",
		MessageContent: "hello",
		DelayMs:        delayMs,
	})
	require.NoError(t, err)
	return c
}

// waitStatus waits for the campaign to reach status with no loop running.
func (f *fixture) waitStatus(t *testing.T, id uint, status string) *models.BroadcastCampaign {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := f.repo.CampaignStatus(context.Background(), id)
		return err == nil && st == status && !f.service.IsRunning(id)
	}, 10*time.Second, 10*time.Millisecond)
	c, err := f.repo.GetCampaign(context.Background(), id)
	require.NoError(t, err)
	return c
}

func (f *fixture) messages(t *testing.T, id uint) []models.BroadcastMessage {
	t.Helper()
	msgs, err := f.repo.Messages(context.Background(), id)
	require.NoError(t, err)
	return msgs
}

// pauseSending pauses whichever campaign is currently sending.
func (f *fixture) pauseSending(t *testing.T) {
	list, err := f.repo.CampaignsWithStatus(context.Background(), models.CampaignSending)
	if err != nil || len(list) == 0 {
		t.Errorf("no sending campaign to pause: %v", err)
		return
	}
	if err := f.service.PauseCampaign(context.Background(), owner, list[0].ID); err != nil {
		t.Errorf("pause: %v", err)
	}
}

// stopSending stops whichever campaign is currently sending.
func (f *fixture) stopSending(t *testing.T) {
	list, err := f.repo.CampaignsWithStatus(context.Background(), models.CampaignSending)
	if err != nil || len(list) == 0 {
		t.Errorf("no sending campaign to stop: %v", err)
		return
	}
	if err := f.service.StopCampaign(context.Background(), owner, list[0].ID); err != nil {
		t.Errorf("stop: %v", err)
	}
}

// assertProgressWithinTotal checks that no recorded checkpoint counts more
// recipients than the campaign has.
func (f *fixture) assertProgressWithinTotal(t *testing.T, total int) {
	t.Helper()
	progress := f.events.ofType(events.CampaignProgress)
	require.NotEmpty(t, progress)
	for _, e := range progress {
		p := e.Data.(events.CampaignPayload)
		assert.Equal(t, total, p.TotalContacts)
		assert.LessOrEqual(t, p.SentCount+p.FailedCount, p.TotalContacts)
	}
}
